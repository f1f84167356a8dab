// Package forge implements core.ForgeClient over the GitHub and GitLab
// CLIs (gh, glab), selecting a backend per repository URL.
package forge

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/anti-entropy/forgewright/internal/core"
	"github.com/anti-entropy/forgewright/internal/logging"
)

// Router dispatches ForgeClient calls to the GitHub or GitLab backend
// based on the repository URL, per the selection rule: GitLab if the
// hostname contains "gitlab" or the URL contains "/-/merge_requests/",
// else GitHub.
type Router struct {
	github *GitHubClient
	gitlab *GitLabClient
}

var _ core.ForgeClient = (*Router)(nil)

// NewRouter builds a Router. Either client may be nil if its backend's
// token is unavailable; the router only fails when a call is actually
// routed to a nil backend.
func NewRouter(github *GitHubClient, gitlab *GitLabClient) *Router {
	return &Router{github: github, gitlab: gitlab}
}

// NewRouterFromSecrets constructs both backends from a SecretsAccessor,
// wiring whichever tokens are present.
func NewRouterFromSecrets(secrets core.SecretsAccessor, logger *logging.Logger) *Router {
	var gh *GitHubClient
	var gl *GitLabClient
	if token, ok := secrets.Get(core.SecretGitHubToken); ok && token != "" {
		gh = NewGitHubClient(token, logger)
	}
	if token, ok := secrets.Get(core.SecretGitLabToken); ok && token != "" {
		gl = NewGitLabClient(token, logger)
	}
	return NewRouter(gh, gl)
}

func isGitLab(repoURL string) bool {
	if strings.Contains(repoURL, "/-/merge_requests/") {
		return true
	}
	u, err := url.Parse(repoURL)
	if err != nil {
		return strings.Contains(strings.ToLower(repoURL), "gitlab")
	}
	return strings.Contains(strings.ToLower(u.Host), "gitlab")
}

func (r *Router) backendFor(repoURL string) (core.ForgeClient, error) {
	if isGitLab(repoURL) {
		if r.gitlab == nil {
			return nil, core.ErrForgeAuth("no GitLab token configured")
		}
		return r.gitlab, nil
	}
	if r.github == nil {
		return nil, core.ErrForgeAuth("no GitHub token configured")
	}
	return r.github, nil
}

func (r *Router) CreatePR(ctx context.Context, repoURL string, opts core.CreatePROptions) (*core.PullRequest, error) {
	b, err := r.backendFor(repoURL)
	if err != nil {
		return nil, err
	}
	return b.CreatePR(ctx, repoURL, opts)
}

func (r *Router) GetPR(ctx context.Context, repoURL string, number int) (*core.PullRequest, error) {
	b, err := r.backendFor(repoURL)
	if err != nil {
		return nil, err
	}
	return b.GetPR(ctx, repoURL, number)
}

func (r *Router) ListPRComments(ctx context.Context, repoURL string, number int, since *time.Time) ([]core.PRComment, error) {
	b, err := r.backendFor(repoURL)
	if err != nil {
		return nil, err
	}
	return b.ListPRComments(ctx, repoURL, number, since)
}

func (r *Router) AddComment(ctx context.Context, repoURL string, number int, body string) error {
	b, err := r.backendFor(repoURL)
	if err != nil {
		return err
	}
	return b.AddComment(ctx, repoURL, number, body)
}

var (
	githubPRNumberRe = regexp.MustCompile(`/pull/(\d+)`)
	gitlabMRNumberRe = regexp.MustCompile(`/merge_requests/(\d+)`)
)

// ParsePRNumber extracts the PR/MR number from its URL: GitHub uses
// /pull/(\d+), GitLab uses /merge_requests/(\d+).
func ParsePRNumber(prURL string) (int, error) {
	if m := githubPRNumberRe.FindStringSubmatch(prURL); m != nil {
		return atoiMust(m[1]), nil
	}
	if m := gitlabMRNumberRe.FindStringSubmatch(prURL); m != nil {
		return atoiMust(m[1]), nil
	}
	return 0, fmt.Errorf("could not parse PR/MR number from URL %q", StripCredentialURL(prURL))
}

func atoiMust(s string) int {
	n := 0
	for _, r := range s {
		n = n*10 + int(r-'0')
	}
	return n
}

// stripCredentialURL removes embedded userinfo (e.g. oauth2:token@host)
// before a URL is logged or returned, so tokens never leak into logs or
// persisted task state.
func StripCredentialURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	u.User = nil
	return u.String()
}

// repoSlugFromURL derives "owner/repo" from an https/ssh/git remote URL,
// stripping credentials, the .git suffix, and any leading slash.
func repoSlugFromURL(repoURL string) (string, error) {
	cleaned := StripCredentialURL(repoURL)

	// scp-like form: git@host:owner/repo.git
	if idx := strings.Index(cleaned, "@"); idx >= 0 && !strings.Contains(cleaned, "://") {
		if colon := strings.Index(cleaned, ":"); colon > idx {
			cleaned = cleaned[colon+1:]
			return trimGitSuffix(cleaned), nil
		}
	}

	u, err := url.Parse(cleaned)
	if err != nil {
		return "", fmt.Errorf("parsing repo URL: %w", err)
	}
	path := strings.TrimPrefix(u.Path, "/")
	if path == "" {
		return "", fmt.Errorf("no path component in repo URL %q", StripCredentialURL(repoURL))
	}
	return trimGitSuffix(path), nil
}

func trimGitSuffix(s string) string {
	return strings.TrimSuffix(s, ".git")
}
