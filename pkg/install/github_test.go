package install

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGitHubURL(t *testing.T) {
	tests := []struct {
		name      string
		url       string
		wantOwner string
		wantRepo  string
		wantErr   bool
	}{
		{"https url", "https://github.com/acme/helpbot", "acme", "helpbot", false},
		{"https url with .git", "https://github.com/acme/helpbot.git", "acme", "helpbot", false},
		{"ssh shorthand", "git@github.com:acme/helpbot.git", "acme", "helpbot", false},
		{"ssh url", "ssh://git@github.com/acme/helpbot.git", "acme", "helpbot", false},
		{"not github", "https://gitlab.com/acme/helpbot", "", "", true},
		{"missing repo", "https://github.com/acme", "", "", true},
		{"bad shorthand", "git@github.com:helpbot.git", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			owner, repo, err := ParseGitHubURL(tt.url)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantOwner, owner)
			assert.Equal(t, tt.wantRepo, repo)
		})
	}
}

type fakeGitHub struct {
	keys    []DeployKey
	posted  []deployKeyRequest
	auth    []string
	failing bool
}

func (f *fakeGitHub) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/helpbot/keys", func(w http.ResponseWriter, r *http.Request) {
		f.auth = append(f.auth, r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		if f.failing {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(githubError{Message: "Not Found"})
			return
		}
		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode(f.keys)
		case http.MethodPost:
			var req deployKeyRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			f.posted = append(f.posted, req)
			key := DeployKey{ID: int64(100 + len(f.keys)), Title: req.Title, Key: req.Key, ReadOnly: req.ReadOnly}
			f.keys = append(f.keys, key)
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(key)
		}
	})
	return mux
}

const testPub = "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIGm0tA5nZXeBfnDeQ3VQZl7bOB1p3yB1Dd6Wq4qT2N3h"

func TestAddDeployKeyCreatesReadOnlyKey(t *testing.T) {
	gh := &fakeGitHub{}
	srv := httptest.NewServer(gh.handler(t))
	defer srv.Close()

	client := newGitHubClient(srv.URL, "tok")
	key, err := client.AddDeployKey(context.Background(), "acme", "helpbot", "helpbot (host)", testPub+" helpbot@host\n")

	require.NoError(t, err)
	assert.Equal(t, int64(100), key.ID)
	require.Len(t, gh.posted, 1)
	assert.True(t, gh.posted[0].ReadOnly)
	assert.Equal(t, "helpbot (host)", gh.posted[0].Title)
	assert.Equal(t, testPub+" helpbot@host", gh.posted[0].Key)
	assert.Contains(t, gh.auth, "Bearer tok")
}

func TestAddDeployKeyIsIdempotent(t *testing.T) {
	gh := &fakeGitHub{keys: []DeployKey{{ID: 7, Title: "old", Key: testPub, ReadOnly: true}}}
	srv := httptest.NewServer(gh.handler(t))
	defer srv.Close()

	client := newGitHubClient(srv.URL, "tok")
	key, err := client.AddDeployKey(context.Background(), "acme", "helpbot", "helpbot (host)", testPub+" a-different-comment")

	require.NoError(t, err)
	assert.Equal(t, int64(7), key.ID)
	assert.Empty(t, gh.posted)
}

func TestAddDeployKeyAPIError(t *testing.T) {
	gh := &fakeGitHub{failing: true}
	srv := httptest.NewServer(gh.handler(t))
	defer srv.Close()

	client := newGitHubClient(srv.URL, "tok")
	_, err := client.AddDeployKey(context.Background(), "acme", "helpbot", "t", testPub)

	assert.ErrorContains(t, err, "status 404: Not Found")
}

func TestSameKeyIgnoresComment(t *testing.T) {
	assert.True(t, sameKey(testPub+" a", testPub+" b"))
	assert.False(t, sameKey(testPub, "ssh-rsa AAAAB3"))
	assert.False(t, sameKey("garbage", testPub))
}
