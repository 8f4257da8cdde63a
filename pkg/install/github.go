package install

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	githubAPIBase = "https://api.github.com"
	userAgent     = "botctl/1.0"
)

// GitHubClient registers deploy keys through the GitHub REST API.
type GitHubClient struct {
	client *resty.Client
}

func NewGitHubClient(token string) *GitHubClient {
	return newGitHubClient(githubAPIBase, token)
}

func newGitHubClient(base string, token string) *GitHubClient {
	client := resty.New()
	client.SetBaseURL(base)
	client.SetTimeout(30 * time.Second)
	client.SetHeader("User-Agent", userAgent)
	client.SetHeader("Accept", "application/vnd.github+json")
	client.SetHeader("X-GitHub-Api-Version", "2022-11-28")
	client.SetAuthToken(token)
	return &GitHubClient{client: client}
}

// ParseGitHubURL extracts owner and repo from a GitHub URL
// Supports: https://github.com/owner/repo, https://github.com/owner/repo.git,
// git@github.com:owner/repo.git, ssh://git@github.com/owner/repo.git
func ParseGitHubURL(repoURL string) (owner, repo string, err error) {
	if strings.HasPrefix(repoURL, "git@github.com:") {
		repoURL = strings.TrimPrefix(repoURL, "git@github.com:")
		repoURL = strings.TrimSuffix(repoURL, ".git")
		parts := strings.Split(repoURL, "/")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return "", "", fmt.Errorf("invalid GitHub URL format")
		}
		return parts[0], parts[1], nil
	}

	parsedURL, err := url.Parse(repoURL)
	if err != nil {
		return "", "", fmt.Errorf("failed to parse GitHub URL: %w", err)
	}

	if parsedURL.Hostname() != "github.com" {
		return "", "", fmt.Errorf("not a GitHub URL: %s", parsedURL.Host)
	}

	pathParts := strings.Split(strings.Trim(parsedURL.Path, "/"), "/")
	if len(pathParts) < 2 {
		return "", "", fmt.Errorf("invalid GitHub URL path: %s", parsedURL.Path)
	}

	owner = pathParts[0]
	repo = strings.TrimSuffix(pathParts[1], ".git")

	return owner, repo, nil
}

type deployKeyRequest struct {
	Title    string `json:"title"`
	Key      string `json:"key"`
	ReadOnly bool   `json:"read_only"`
}

type DeployKey struct {
	ID       int64  `json:"id"`
	Title    string `json:"title"`
	Key      string `json:"key"`
	ReadOnly bool   `json:"read_only"`
}

type githubError struct {
	Message string `json:"message"`
}

// ListDeployKeys returns the repository's deploy keys.
func (c *GitHubClient) ListDeployKeys(ctx context.Context, owner, repo string) ([]DeployKey, error) {
	var keys []DeployKey
	var apiErr githubError
	resp, err := c.client.R().
		SetContext(ctx).
		SetResult(&keys).
		SetError(&apiErr).
		Get(fmt.Sprintf("/repos/%s/%s/keys", owner, repo))
	if err != nil {
		return nil, fmt.Errorf("failed to list deploy keys: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("GitHub API returned status %d: %s", resp.StatusCode(), apiErr.Message)
	}
	return keys, nil
}

// AddDeployKey registers publicKey as a read-only deploy key. A key that
// is already registered is returned as is.
func (c *GitHubClient) AddDeployKey(ctx context.Context, owner, repo, title, publicKey string) (*DeployKey, error) {
	publicKey = strings.TrimSpace(publicKey)

	existing, err := c.ListDeployKeys(ctx, owner, repo)
	if err != nil {
		return nil, err
	}
	for _, k := range existing {
		if sameKey(k.Key, publicKey) {
			return &k, nil
		}
	}

	var created DeployKey
	var apiErr githubError
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(deployKeyRequest{Title: title, Key: publicKey, ReadOnly: true}).
		SetResult(&created).
		SetError(&apiErr).
		Post(fmt.Sprintf("/repos/%s/%s/keys", owner, repo))
	if err != nil {
		return nil, fmt.Errorf("failed to add deploy key: %w", err)
	}
	if resp.StatusCode() != http.StatusCreated {
		return nil, fmt.Errorf("GitHub API returned status %d: %s", resp.StatusCode(), apiErr.Message)
	}
	return &created, nil
}

// sameKey compares type and key material, ignoring the comment.
func sameKey(a, b string) bool {
	fa := strings.Fields(a)
	fb := strings.Fields(b)
	if len(fa) < 2 || len(fb) < 2 {
		return false
	}
	return fa[0] == fb[0] && fa[1] == fb[1]
}
