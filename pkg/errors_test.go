package botdeploy

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	err := DependencyInstallError("install", errors.New("exit status 1"))

	assert.Equal(t, KindDependencyInstall, KindOf(err))
	assert.Equal(t, KindDependencyInstall, KindOf(fmt.Errorf("wrapped: %w", err)))
	assert.Equal(t, ErrorKind(""), KindOf(errors.New("plain")))
	assert.Equal(t, ErrorKind(""), KindOf(nil))
}

func TestIsKind(t *testing.T) {
	assert.True(t, IsKind(FetchError(errors.New("timeout")), KindFetch))
	assert.False(t, IsKind(FetchError(errors.New("timeout")), KindApply))
	assert.False(t, IsKind(nil, KindFetch))
}

func TestStepErrorUnwraps(t *testing.T) {
	err := ApplyError(ErrLocalChanges)

	assert.ErrorIs(t, err, ErrLocalChanges)
	assert.Equal(t, "apply: apply: "+ErrLocalChanges.Error(), err.Error())
}

func TestJoinedErrorsKeepFirstKind(t *testing.T) {
	err := errors.Join(DependencyInstallError("install", errors.New("a")), PostActionHealthError("x.service", nil))

	assert.Equal(t, KindDependencyInstall, KindOf(err))
	assert.ErrorContains(t, err, "unit x.service is not active")
}

func TestStepErrorWithoutCause(t *testing.T) {
	err := NewStepError(KindSnapshot, "code-tree", nil)
	assert.Equal(t, "snapshot: code-tree failed", err.Error())
}
