package forge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/anti-entropy/forgewright/internal/core"
	"github.com/anti-entropy/forgewright/internal/logging"
	"github.com/anti-entropy/forgewright/internal/procsup"
)

// GitHubClient wraps the gh CLI. Authentication is via GH_TOKEN in the
// child's environment rather than gh auth login, so multiple tasks can
// use distinct credentials without shelling state.
type GitHubClient struct {
	token   string
	timeout time.Duration
	logger  *logging.Logger
}

var _ core.ForgeClient = (*GitHubClient)(nil)

// NewGitHubClient builds a client that authenticates gh subprocesses
// with the given personal access token.
func NewGitHubClient(token string, logger *logging.Logger) *GitHubClient {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &GitHubClient{token: token, timeout: 60 * time.Second, logger: logger}
}

// WithTimeout sets the command timeout.
func (c *GitHubClient) WithTimeout(d time.Duration) *GitHubClient {
	c.timeout = d
	return c
}

func (c *GitHubClient) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "gh", args...)
	cmd.SysProcAttr = procsup.ConfigureProcAttr()
	cmd.Env = append(os.Environ(), "GH_TOKEN="+c.token, "GH_PROMPT_DISABLED=1")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", core.ErrTimeout("gh command timed out")
		}
		return "", wrapForgeErr(stderr.String(), err)
	}

	return strings.TrimSpace(stdout.String()), nil
}

func wrapForgeErr(stderr string, cause error) error {
	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "401") || strings.Contains(lower, "403") || strings.Contains(lower, "authentication"):
		return core.ErrForgeAuth(strings.TrimSpace(stderr))
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "502") || strings.Contains(lower, "503"):
		return core.ErrForgeTransient(strings.TrimSpace(stderr))
	default:
		return fmt.Errorf("%s: %w", strings.TrimSpace(stderr), cause)
	}
}

type ghPR struct {
	Number      int    `json:"number"`
	URL         string `json:"url"`
	State       string `json:"state"`
	Mergeable   string `json:"mergeable"`
	HeadRefName string `json:"headRefName"`
	BaseRefName string `json:"baseRefName"`
}

func (c *GitHubClient) CreatePR(ctx context.Context, repoURL string, opts core.CreatePROptions) (*core.PullRequest, error) {
	slug, err := repoSlugFromURL(repoURL)
	if err != nil {
		return nil, err
	}

	output, err := c.run(ctx, "pr", "create",
		"--repo", slug,
		"--title", opts.Title,
		"--body", opts.Body,
		"--base", opts.Base,
		"--head", opts.Head,
	)
	if err != nil {
		return nil, err
	}

	// Output is the PR URL on success.
	return c.GetPRByURL(ctx, slug, output)
}

func (c *GitHubClient) GetPR(ctx context.Context, repoURL string, number int) (*core.PullRequest, error) {
	slug, err := repoSlugFromURL(repoURL)
	if err != nil {
		return nil, err
	}
	return c.getPR(ctx, slug, strconv.Itoa(number))
}

// GetPRByURL retrieves a PR using its own URL rather than a number, as
// returned by `gh pr create`.
func (c *GitHubClient) GetPRByURL(ctx context.Context, slug, prURL string) (*core.PullRequest, error) {
	return c.getPR(ctx, slug, prURL)
}

func (c *GitHubClient) getPR(ctx context.Context, slug, ref string) (*core.PullRequest, error) {
	output, err := c.run(ctx, "pr", "view", ref,
		"--repo", slug,
		"--json", "number,url,state,mergeable,headRefName,baseRefName")
	if err != nil {
		return nil, err
	}

	var data ghPR
	if err := json.Unmarshal([]byte(output), &data); err != nil {
		return nil, fmt.Errorf("parsing gh pr view output: %w", err)
	}

	return toCorePR(data), nil
}

func toCorePR(data ghPR) *core.PullRequest {
	pr := &core.PullRequest{
		Number:  data.Number,
		URL:     StripCredentialURL(data.URL),
		BaseRef: data.BaseRefName,
		HeadRef: data.HeadRefName,
	}
	switch strings.ToUpper(data.State) {
	case "MERGED":
		pr.State = core.PRStateMerged
	case "CLOSED":
		pr.State = core.PRStateClosed
	default:
		pr.State = core.PRStateOpen
	}
	if data.Mergeable != "" && data.Mergeable != "UNKNOWN" {
		ok := data.Mergeable == "MERGEABLE"
		pr.Mergeable = &ok
	}
	return pr
}

type ghComment struct {
	ID        interface{} `json:"id"`
	Body      string      `json:"body"`
	Author    struct {
		Login string `json:"login"`
	} `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Path      string    `json:"path"`
	Line      int       `json:"line"`
}

func (c *GitHubClient) ListPRComments(ctx context.Context, repoURL string, number int, since *time.Time) ([]core.PRComment, error) {
	slug, err := repoSlugFromURL(repoURL)
	if err != nil {
		return nil, err
	}

	issueOut, err := c.run(ctx, "pr", "view", strconv.Itoa(number),
		"--repo", slug, "--json", "comments")
	if err != nil {
		return nil, err
	}
	var issueData struct {
		Comments []ghComment `json:"comments"`
	}
	if err := json.Unmarshal([]byte(issueOut), &issueData); err != nil {
		return nil, fmt.Errorf("parsing pr comments: %w", err)
	}

	reviewOut, err := c.run(ctx, "api",
		fmt.Sprintf("repos/%s/pulls/%d/comments", slug, number))
	var reviewComments []ghComment
	if err == nil {
		_ = json.Unmarshal([]byte(reviewOut), &reviewComments)
	}

	result := make([]core.PRComment, 0, len(issueData.Comments)+len(reviewComments))
	for _, rc := range issueData.Comments {
		result = appendCoreComment(result, rc, false, since)
	}
	for _, rc := range reviewComments {
		result = appendCoreComment(result, rc, true, since)
	}
	return result, nil
}

func appendCoreComment(out []core.PRComment, rc ghComment, isReview bool, since *time.Time) []core.PRComment {
	if since != nil && !rc.UpdatedAt.After(*since) {
		return out
	}
	return append(out, core.PRComment{
		ID:              fmt.Sprintf("%v", rc.ID),
		Body:            rc.Body,
		Author:          rc.Author.Login,
		CreatedAt:       rc.CreatedAt,
		UpdatedAt:       rc.UpdatedAt,
		IsReviewComment: isReview,
		Path:            rc.Path,
		Line:            rc.Line,
	})
}

func (c *GitHubClient) AddComment(ctx context.Context, repoURL string, number int, body string) error {
	slug, err := repoSlugFromURL(repoURL)
	if err != nil {
		return err
	}
	_, err = c.run(ctx, "pr", "comment", strconv.Itoa(number), "--repo", slug, "--body", body)
	return err
}
