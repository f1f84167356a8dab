package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/anti-entropy/forgewright/internal/core"
	"github.com/anti-entropy/forgewright/internal/procsup"
)

// Git operation errors, wrapped into core.DomainError at the call site
// where a caller needs to branch on them (e.g. supervisor handling of
// ErrMergeConflict).
var (
	ErrMergeConflict   = errors.New("merge conflict")
	ErrNothingToMerge  = errors.New("nothing to merge")
	ErrBranchNotFound  = errors.New("branch not found")
	ErrMergeInProgress = errors.New("merge already in progress")
)

// Compile-time interface conformance check.
var _ core.GitClient = (*Client)(nil)

// Client wraps git CLI operations against a single working tree (a
// normal repo, a bare repo, or a linked worktree).
type Client struct {
	repoPath string
	timeout  time.Duration
	gitPath  string
}

// NewClient creates a git client rooted at repoPath. repoPath must
// already be an initialized git directory (bare or not).
func NewClient(repoPath string) (*Client, error) {
	absPath, err := filepath.Abs(repoPath)
	if err != nil {
		return nil, fmt.Errorf("resolving path: %w", err)
	}

	gitPath, err := resolveGitBinaryPath(absPath)
	if err != nil {
		return nil, err
	}

	client := &Client{
		repoPath: absPath,
		timeout:  60 * time.Second,
		gitPath:  gitPath,
	}

	if err := client.verifyRepo(); err != nil {
		return nil, err
	}

	return client, nil
}

// NewClientNoVerify creates a client without checking that repoPath is
// already a git directory, for use immediately after `git init`/`git
// clone --bare` where the directory is known to not yet qualify.
func NewClientNoVerify(repoPath string) (*Client, error) {
	absPath, err := filepath.Abs(repoPath)
	if err != nil {
		return nil, fmt.Errorf("resolving path: %w", err)
	}
	gitPath, err := resolveGitBinaryPath(absPath)
	if err != nil {
		return nil, err
	}
	return &Client{repoPath: absPath, timeout: 60 * time.Second, gitPath: gitPath}, nil
}

func (c *Client) verifyRepo() error {
	_, err := c.run(context.Background(), "rev-parse", "--git-dir")
	if err != nil {
		return core.ErrValidation("NOT_GIT_REPO", fmt.Sprintf("%s is not a git repository", c.repoPath))
	}
	return nil
}

// RepoPath returns the directory this client operates in.
func (c *Client) RepoPath() string { return c.repoPath }

// WithTimeout returns a copy of the client using the given per-command timeout.
func (c *Client) WithTimeout(d time.Duration) *Client {
	cp := *c
	cp.timeout = d
	return &cp
}

// run executes a git command and returns trimmed stdout.
func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	// Security note: exec.CommandContext does not invoke a shell, so
	// arguments are not subject to shell interpolation. The binary
	// location is validated at construction time (resolveGitBinaryPath)
	// and user-controlled arguments are validated in higher-level
	// methods to prevent option/argument injection into git itself.
	cmd := exec.CommandContext(ctx, c.gitPath, args...)
	cmd.Dir = c.repoPath
	cmd.SysProcAttr = procsup.ConfigureProcAttr()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", core.ErrTimeout("git command timed out")
		}
		return "", fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(stderr.String()), err)
	}

	return strings.TrimSpace(stdout.String()), nil
}

// runWithOutput behaves like run but returns stdout and stderr even on
// failure, needed for commands like merge where conflict detail lives
// in stdout rather than stderr.
func (c *Client) runWithOutput(ctx context.Context, args ...string) (stdout, stderr string, err error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.gitPath, args...)
	cmd.Dir = c.repoPath
	cmd.SysProcAttr = procsup.ConfigureProcAttr()

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	runErr := cmd.Run()
	if runErr != nil && ctx.Err() == context.DeadlineExceeded {
		runErr = core.ErrTimeout("git command timed out")
	}
	return strings.TrimSpace(outBuf.String()), strings.TrimSpace(errBuf.String()), runErr
}

// RepoRoot returns the top-level working directory (implements core.GitClient).
func (c *Client) RepoRoot(ctx context.Context) (string, error) {
	return c.run(ctx, "rev-parse", "--show-toplevel")
}

// CurrentBranch returns the current branch name.
func (c *Client) CurrentBranch(ctx context.Context) (string, error) {
	return c.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}

// CurrentCommit returns the current commit hash.
func (c *Client) CurrentCommit(ctx context.Context) (string, error) {
	return c.run(ctx, "rev-parse", "HEAD")
}

// DefaultBranch resolves the remote's HEAD symbolic ref, falling back
// to "main" when origin has no tracked HEAD (e.g. a freshly bootstrapped
// empty repository).
func (c *Client) DefaultBranch(ctx context.Context) (string, error) {
	out, err := c.run(ctx, "symbolic-ref", "refs/remotes/origin/HEAD")
	if err == nil {
		return strings.TrimPrefix(out, "refs/remotes/origin/"), nil
	}
	out, err = c.run(ctx, "remote", "show", "origin")
	if err == nil {
		for _, line := range strings.Split(out, "\n") {
			line = strings.TrimSpace(line)
			if strings.HasPrefix(line, "HEAD branch:") {
				return strings.TrimSpace(strings.TrimPrefix(line, "HEAD branch:")), nil
			}
		}
	}
	return "main", nil
}

// RemoteURL returns the fetch URL configured for remote (implements core.GitClient).
func (c *Client) RemoteURL(ctx context.Context, remote string) (string, error) {
	if err := validateGitRemoteName(remote); err != nil {
		return "", err
	}
	return c.run(ctx, "remote", "get-url", remote)
}

// BranchExists reports whether a local branch exists.
func (c *Client) BranchExists(ctx context.Context, name string) (bool, error) {
	if err := validateGitBranchName(name); err != nil {
		return false, err
	}
	_, _, err := c.runWithOutput(ctx, "show-ref", "--verify", "--quiet", "refs/heads/"+name)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// CreateBranch creates name from base (or HEAD when base is empty)
// without checking it out.
func (c *Client) CreateBranch(ctx context.Context, name, base string) error {
	if err := validateGitBranchName(name); err != nil {
		return err
	}
	args := []string{"branch", name}
	if base != "" {
		if err := validateGitRev(base); err != nil {
			return err
		}
		args = append(args, base)
	}
	_, err := c.run(ctx, args...)
	return err
}

// DeleteBranch removes a local branch.
func (c *Client) DeleteBranch(ctx context.Context, name string, force bool) error {
	if err := validateGitBranchName(name); err != nil {
		return err
	}
	flag := "-d"
	if force {
		flag = "-D"
	}
	_, err := c.run(ctx, "branch", flag, name)
	return err
}

// CheckoutBranch switches the working tree to an existing branch.
func (c *Client) CheckoutBranch(ctx context.Context, name string) error {
	if err := validateGitBranchName(name); err != nil {
		return err
	}
	_, err := c.run(ctx, "checkout", name)
	return err
}

// CreateWorktree adds a linked worktree at path tracking branch,
// creating branch from HEAD if it does not already exist.
func (c *Client) CreateWorktree(ctx context.Context, path, branch string) error {
	if err := validateGitPathArg(path); err != nil {
		return err
	}
	if err := validateGitBranchName(branch); err != nil {
		return err
	}

	exists, err := c.BranchExists(ctx, branch)
	if err != nil {
		return err
	}
	if exists {
		_, err := c.run(ctx, "worktree", "add", path, branch)
		return err
	}
	_, err = c.run(ctx, "worktree", "add", "-b", branch, path)
	return err
}

// RemoveWorktree detaches a linked worktree.
func (c *Client) RemoveWorktree(ctx context.Context, path string, force bool) error {
	if err := validateGitPathArg(path); err != nil {
		return err
	}
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)
	_, err := c.run(ctx, args...)
	return err
}

// ListWorktrees returns all worktrees registered against this repo.
func (c *Client) ListWorktrees(ctx context.Context) ([]core.Worktree, error) {
	out, err := c.run(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parseWorktreesToCore(out), nil
}

func parseWorktreesToCore(output string) []core.Worktree {
	var result []core.Worktree
	var current *core.Worktree

	flush := func() {
		if current != nil {
			result = append(result, *current)
		}
	}

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "worktree "):
			flush()
			current = &core.Worktree{Path: strings.TrimPrefix(line, "worktree ")}
		case current == nil:
			continue
		case strings.HasPrefix(line, "HEAD "):
			current.Commit = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			current.Branch = strings.TrimPrefix(line, "branch refs/heads/")
		case line == "bare":
			current.IsMain = true
		case line == "locked":
			current.IsLocked = true
		}
	}
	flush()
	return result
}

// PruneWorktrees removes administrative files for worktrees whose
// directory no longer exists on disk.
func (c *Client) PruneWorktrees(ctx context.Context) error {
	_, err := c.run(ctx, "worktree", "prune")
	return err
}

// Status returns porcelain status translated into core.GitStatus.
func (c *Client) Status(ctx context.Context) (*core.GitStatus, error) {
	out, err := c.run(ctx, "status", "--porcelain=v1", "--branch")
	if err != nil {
		return nil, err
	}
	return parseStatusToCore(out), nil
}

func parseStatusToCore(output string) *core.GitStatus {
	status := &core.GitStatus{}
	for _, line := range strings.Split(output, "\n") {
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "## ") {
			parseBranchHeader(status, strings.TrimPrefix(line, "## "))
			continue
		}
		if len(line) < 3 {
			continue
		}
		code := line[:2]
		path := strings.TrimSpace(line[3:])
		switch {
		case code == "??":
			status.Untracked = append(status.Untracked, path)
		case code == "UU" || code == "AA" || strings.Contains(code, "U"):
			status.HasConflicts = true
		default:
			if code[0] != ' ' && code[0] != '?' {
				status.Staged = append(status.Staged, core.FileStatus{Path: path, Status: string(code[0])})
			}
			if code[1] != ' ' && code[1] != '?' {
				status.Unstaged = append(status.Unstaged, core.FileStatus{Path: path, Status: string(code[1])})
			}
		}
	}
	return status
}

func parseBranchHeader(status *core.GitStatus, header string) {
	// "main...origin/main [ahead 1, behind 2]" or just "main" on a
	// branch with no upstream, or "HEAD (no branch)" when detached.
	name := header
	if idx := strings.Index(header, "..."); idx >= 0 {
		name = header[:idx]
		rest := header[idx+3:]
		if b := strings.Index(rest, " ["); b >= 0 {
			fmt.Sscanf(rest[b:], " [ahead %d, behind %d]", &status.Ahead, &status.Behind)
			if status.Ahead == 0 {
				fmt.Sscanf(rest[b:], " [behind %d]", &status.Behind)
			}
			fmt.Sscanf(rest[b:], " [ahead %d]", &status.Ahead)
		}
	} else if b := strings.Index(header, " ["); b >= 0 {
		name = header[:b]
	}
	status.Branch = name
}

// IsClean reports whether the worktree has no staged, unstaged, or
// untracked changes.
func (c *Client) IsClean(ctx context.Context) (bool, error) {
	out, err := c.run(ctx, "status", "--porcelain=v1")
	if err != nil {
		return false, err
	}
	return out == "", nil
}

// Add stages paths; "--" guards against option injection when a path
// happens to start with "-".
func (c *Client) Add(ctx context.Context, paths ...string) error {
	for _, p := range paths {
		if err := validateGitPathArg(p); err != nil {
			return err
		}
	}
	args := append([]string{"add", "--"}, paths...)
	_, err := c.run(ctx, args...)
	return err
}

// Commit stages nothing itself; callers call Add first. Returns the
// new commit hash.
func (c *Client) Commit(ctx context.Context, message string) (string, error) {
	if err := validateGitMessage(message); err != nil {
		return "", err
	}
	_, err := c.run(ctx, "commit", "-m", message, "--allow-empty-message")
	if err != nil {
		return "", err
	}
	return c.CurrentCommit(ctx)
}

// Push pushes branch to remote.
func (c *Client) Push(ctx context.Context, remote, branch string) error {
	if err := validateGitRemoteName(remote); err != nil {
		return err
	}
	if err := validateGitBranchName(branch); err != nil {
		return err
	}
	_, err := c.run(ctx, "push", "-u", remote, branch)
	return err
}

// Diff returns the diff between base and head. Passing both empty
// returns the working-tree diff against the index.
func (c *Client) Diff(ctx context.Context, base, head string) (string, error) {
	if base == "" && head == "" {
		return c.run(ctx, "diff")
	}
	if base != "" {
		if err := validateGitRev(base); err != nil {
			return "", err
		}
	}
	if head == "" {
		head = "HEAD"
	} else if err := validateGitRev(head); err != nil {
		return "", err
	}
	return c.run(ctx, "diff", base+"..."+head)
}

// DiffNameStatus lists files changed between base and head with their
// change kind.
func (c *Client) DiffNameStatus(ctx context.Context, base, head string) ([]core.FileStatus, error) {
	if base != "" {
		if err := validateGitRev(base); err != nil {
			return nil, err
		}
	}
	if head == "" {
		head = "HEAD"
	} else if err := validateGitRev(head); err != nil {
		return nil, err
	}
	rangeArg := head
	if base != "" {
		rangeArg = base + "..." + head
	}
	out, err := c.run(ctx, "diff", "--name-status", rangeArg)
	if err != nil {
		return nil, err
	}
	var result []core.FileStatus
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 2)
		if len(parts) != 2 {
			continue
		}
		result = append(result, core.FileStatus{Status: parts[0], Path: parts[1]})
	}
	return result, nil
}

// Merge merges branch into the current branch with --no-ff, returning
// ErrMergeConflict (wrapped) and leaving an aborted merge state behind
// when conflicts are detected.
func (c *Client) Merge(ctx context.Context, branch string) error {
	if err := validateGitBranchName(branch); err != nil {
		return err
	}
	stdout, stderr, err := c.runWithOutput(ctx, "merge", "--no-ff", "--no-edit", branch)
	if err != nil {
		combined := stdout + "\n" + stderr
		if strings.Contains(combined, "CONFLICT") || strings.Contains(combined, "conflict") {
			_, _, _ = c.runWithOutput(ctx, "merge", "--abort")
			return fmt.Errorf("%s: %w", branch, ErrMergeConflict)
		}
		if strings.Contains(combined, "Already up to date") {
			return nil
		}
		return fmt.Errorf("merging %s: %w", branch, err)
	}
	return nil
}

// AbortMerge cancels an in-progress merge.
func (c *Client) AbortMerge(ctx context.Context) error {
	_, err := c.run(ctx, "merge", "--abort")
	return err
}

// ConflictFiles lists paths with unresolved merge conflicts.
func (c *Client) ConflictFiles(ctx context.Context) ([]string, error) {
	out, err := c.run(ctx, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// Fetch fetches from remote, optionally pruning stale remote-tracking refs.
func (c *Client) Fetch(ctx context.Context, remote string, prune bool) error {
	if err := validateGitRemoteName(remote); err != nil {
		return err
	}
	args := []string{"fetch", remote}
	if prune {
		args = append(args, "--prune")
	}
	_, err := c.run(ctx, args...)
	return err
}
