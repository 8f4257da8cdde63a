package botdeploy

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindPrecondition      ErrorKind = "precondition"
	KindSnapshot          ErrorKind = "snapshot"
	KindFetch             ErrorKind = "fetch"
	KindApply             ErrorKind = "apply"
	KindDependencyInstall ErrorKind = "dependency_install"
	KindPostActionHealth  ErrorKind = "post_action_health"
)

// StepError tags a failure with the branch it belongs to.
type StepError struct {
	Kind ErrorKind
	Step string
	Err  error
}

func (e *StepError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s failed", e.Kind, e.Step)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

func NewStepError(kind ErrorKind, step string, err error) *StepError {
	return &StepError{Kind: kind, Step: step, Err: err}
}

func PreconditionError(step string, err error) error {
	return NewStepError(KindPrecondition, step, err)
}

func SnapshotError(step string, err error) error {
	return NewStepError(KindSnapshot, step, err)
}

func FetchError(err error) error {
	return NewStepError(KindFetch, "fetch", err)
}

func ApplyError(err error) error {
	return NewStepError(KindApply, "apply", err)
}

func DependencyInstallError(step string, err error) error {
	return NewStepError(KindDependencyInstall, step, err)
}

func PostActionHealthError(unit string, err error) error {
	if err == nil {
		err = fmt.Errorf("unit %s is not active", unit)
	}
	return NewStepError(KindPostActionHealth, "health-check", err)
}

// KindOf returns the kind of the first StepError in err's chain, or "".
func KindOf(err error) ErrorKind {
	var se *StepError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

var (
	ErrNotPrivileged   = errors.New("must be run as root (try sudo)")
	ErrLocked          = errors.New("another botctl operation holds the installation lock")
	ErrNoRemoteTarget  = errors.New("remote tracking branch not found, fetch first")
	ErrNotFastForward  = errors.New("remote branch is not a fast-forward of the local head")
	ErrLocalChanges    = errors.New("local changes to tracked files would be overwritten")
	ErrSnapshotMissing = errors.New("snapshot has no code tree")
)
