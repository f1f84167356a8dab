package forge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/anti-entropy/forgewright/internal/core"
	"github.com/anti-entropy/forgewright/internal/logging"
	"github.com/anti-entropy/forgewright/internal/procsup"
)

// GitLabClient wraps the glab CLI, GitLab's counterpart to gh. It
// mirrors GitHubClient's shape: same subprocess/timeout/credential
// handling, translated to glab's flags and JSON field names.
type GitLabClient struct {
	token   string
	timeout time.Duration
	logger  *logging.Logger
}

var _ core.ForgeClient = (*GitLabClient)(nil)

func NewGitLabClient(token string, logger *logging.Logger) *GitLabClient {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &GitLabClient{token: token, timeout: 60 * time.Second, logger: logger}
}

func (c *GitLabClient) WithTimeout(d time.Duration) *GitLabClient {
	c.timeout = d
	return c
}

func (c *GitLabClient) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "glab", args...)
	cmd.SysProcAttr = procsup.ConfigureProcAttr()
	cmd.Env = append(os.Environ(), "GITLAB_TOKEN="+c.token)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", core.ErrTimeout("glab command timed out")
		}
		return "", wrapForgeErr(stderr.String(), err)
	}

	return strings.TrimSpace(stdout.String()), nil
}

type glabMR struct {
	IID          int    `json:"iid"`
	WebURL       string `json:"web_url"`
	State        string `json:"state"`
	MergeStatus  string `json:"detailed_merge_status"`
	SourceBranch string `json:"source_branch"`
	TargetBranch string `json:"target_branch"`
}

func (c *GitLabClient) CreatePR(ctx context.Context, repoURL string, opts core.CreatePROptions) (*core.PullRequest, error) {
	slug, err := repoSlugFromURL(repoURL)
	if err != nil {
		return nil, err
	}

	output, err := c.run(ctx, "mr", "create",
		"--repo", slug,
		"--title", opts.Title,
		"--description", opts.Body,
		"--target-branch", opts.Base,
		"--source-branch", opts.Head,
		"--yes",
	)
	if err != nil {
		return nil, err
	}

	number, perr := ParsePRNumber(output)
	if perr != nil {
		return nil, perr
	}
	return c.GetPR(ctx, repoURL, number)
}

func (c *GitLabClient) GetPR(ctx context.Context, repoURL string, number int) (*core.PullRequest, error) {
	slug, err := repoSlugFromURL(repoURL)
	if err != nil {
		return nil, err
	}

	output, err := c.run(ctx, "mr", "view", strconv.Itoa(number),
		"--repo", slug, "--output", "json")
	if err != nil {
		return nil, err
	}

	var data glabMR
	if err := json.Unmarshal([]byte(output), &data); err != nil {
		return nil, fmt.Errorf("parsing glab mr view output: %w", err)
	}
	return toCoreMR(data), nil
}

func toCoreMR(data glabMR) *core.PullRequest {
	pr := &core.PullRequest{
		Number:  data.IID,
		URL:     StripCredentialURL(data.WebURL),
		BaseRef: data.TargetBranch,
		HeadRef: data.SourceBranch,
	}
	switch strings.ToLower(data.State) {
	case "merged":
		pr.State = core.PRStateMerged
	case "closed":
		pr.State = core.PRStateClosed
	default:
		pr.State = core.PRStateOpen
	}
	if data.MergeStatus != "" {
		ok := data.MergeStatus == "mergeable"
		pr.Mergeable = &ok
	}
	return pr
}

type glabNote struct {
	ID     int    `json:"id"`
	Body   string `json:"body"`
	Author struct {
		Username string `json:"username"`
	} `json:"author"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	System    bool      `json:"system"`
	Type      string    `json:"type"`
	Position  *struct {
		NewPath string `json:"new_path"`
		NewLine int    `json:"new_line"`
	} `json:"position"`
}

func (c *GitLabClient) ListPRComments(ctx context.Context, repoURL string, number int, since *time.Time) ([]core.PRComment, error) {
	slug, err := repoSlugFromURL(repoURL)
	if err != nil {
		return nil, err
	}

	output, err := c.run(ctx, "api",
		fmt.Sprintf("projects/%s/merge_requests/%d/notes", url.QueryEscape(slug), number))
	if err != nil {
		return nil, err
	}

	var notes []glabNote
	if err := json.Unmarshal([]byte(output), &notes); err != nil {
		return nil, fmt.Errorf("parsing glab notes: %w", err)
	}

	result := make([]core.PRComment, 0, len(notes))
	for _, n := range notes {
		if n.System {
			continue
		}
		if since != nil && !n.UpdatedAt.After(*since) {
			continue
		}
		comment := core.PRComment{
			ID:              strconv.Itoa(n.ID),
			Body:            n.Body,
			Author:          n.Author.Username,
			CreatedAt:       n.CreatedAt,
			UpdatedAt:       n.UpdatedAt,
			IsReviewComment: n.Type == "DiffNote",
		}
		if n.Position != nil {
			comment.Path = n.Position.NewPath
			comment.Line = n.Position.NewLine
		}
		result = append(result, comment)
	}
	return result, nil
}

func (c *GitLabClient) AddComment(ctx context.Context, repoURL string, number int, body string) error {
	slug, err := repoSlugFromURL(repoURL)
	if err != nil {
		return err
	}
	_, err = c.run(ctx, "mr", "note", strconv.Itoa(number), "--repo", slug, "--message", body)
	return err
}
