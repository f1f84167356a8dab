package git

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/anti-entropy/forgewright/internal/core"
	"github.com/anti-entropy/forgewright/internal/fsutil"
	"github.com/anti-entropy/forgewright/internal/logging"
	"github.com/anti-entropy/forgewright/internal/procsup"
)

// Compile-time interface conformance check.
var _ core.WorktreeManager = (*Manager)(nil)

const (
	maxSnapshotContentBytes = 100 * 1024
	committerName           = "forgewright-bot"
	committerEmail          = "forgewright-bot@users.noreply.github.com"
)

// Manager implements core.WorktreeManager with a bare-repo-per-remote
// plus linked-worktree-per-task scheme: each tracked repository gets one
// bare clone under reposDir, and every task gets its own linked worktree
// under worktreesDir so concurrent tasks against the same repository
// never share a working directory.
type Manager struct {
	reposDir        string
	worktreesDir    string
	procs           *procsup.Registry
	logger          *logging.Logger
	credential      func(repoURL string) (token string, ok bool)
	maxContentBytes int64
}

// NewManager creates a worktree manager rooted at reposDir (bare
// clones) and worktreesDir (linked worktrees). credential, if non-nil,
// supplies a push credential for a given repo URL.
func NewManager(reposDir, worktreesDir string, procs *procsup.Registry, credential func(string) (string, bool)) *Manager {
	return &Manager{
		reposDir:        reposDir,
		worktreesDir:    worktreesDir,
		procs:           procs,
		logger:          logging.NewNop(),
		credential:      credential,
		maxContentBytes: maxSnapshotContentBytes,
	}
}

// WithLogger attaches a logger for diagnostic warnings during cleanup ladders.
func (m *Manager) WithLogger(logger *logging.Logger) *Manager {
	if logger != nil {
		m.logger = logger
	}
	return m
}

// WithMaxContentBytes overrides the per-file inline content snapshot
// cap (spec §6.5's maxFileContentBytes); files larger than this are
// reported with a status but no inline content. n<=0 leaves the
// default in place.
func (m *Manager) WithMaxContentBytes(n int64) *Manager {
	if n > 0 {
		m.maxContentBytes = n
	}
	return m
}

func hashRepoURL(repoURL string) string {
	sum := sha256.Sum256([]byte(repoURL))
	return hex.EncodeToString(sum[:])[:16]
}

func (m *Manager) barePathFor(repoURL string) string {
	return filepath.Join(m.reposDir, hashRepoURL(repoURL)+".git")
}

func (m *Manager) worktreePathFor(taskID core.TaskID) string {
	return filepath.Join(m.worktreesDir, "task-"+string(taskID))
}

// EnsureBareRepo clones repoURL as a bare repository under reposDir if
// it doesn't already exist, returning the bare repo's path.
func (m *Manager) EnsureBareRepo(ctx context.Context, repoURL string) (string, error) {
	barePath := m.barePathFor(repoURL)
	if info, err := os.Stat(barePath); err == nil && info.IsDir() {
		return barePath, nil
	}

	if err := os.MkdirAll(m.reposDir, 0o750); err != nil {
		return "", fmt.Errorf("creating repos directory: %w", err)
	}

	client, err := NewClientNoVerify(m.reposDir)
	if err != nil {
		return "", err
	}
	if _, err := client.run(ctx, "clone", "--bare", repoURL, barePath); err != nil {
		if isEmptyRepoCloneError(err) {
			if _, initErr := client.run(ctx, "init", "--bare", barePath); initErr != nil {
				return "", fmt.Errorf("initializing bare repo for empty remote: %w", initErr)
			}
			bareClient, cErr := NewClientNoVerify(barePath)
			if cErr == nil {
				_, _ = bareClient.run(ctx, "remote", "add", "origin", repoURL)
			}
			return barePath, nil
		}
		return "", fmt.Errorf("cloning %s: %w", repoURL, err)
	}
	return barePath, nil
}

func isEmptyRepoCloneError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "remote repository is empty") || strings.Contains(msg, "you appear to have cloned an empty repository") || strings.Contains(msg, "couldn't find remote ref")
}

// FetchRepo fetches origin into the bare repo with prune, and when
// branch is specified force-updates the local tracking ref so the next
// worktree sees the freshest tip. It is a no-op against a repository
// with zero commits (no branch refs and a failing HEAD resolve) since
// there is nothing yet to fetch.
func (m *Manager) FetchRepo(ctx context.Context, barePath, branch string) error {
	client, err := NewClientNoVerify(barePath)
	if err != nil {
		return err
	}

	if isZeroCommitRepo(ctx, client) {
		return nil
	}

	if err := client.Fetch(ctx, "origin", true); err != nil {
		return fmt.Errorf("fetching origin: %w", err)
	}

	if branch == "" {
		return nil
	}
	if err := validateGitBranchName(branch); err != nil {
		return err
	}
	_, _ = client.run(ctx, "update-ref", "refs/heads/"+branch, "refs/remotes/origin/"+branch)
	return nil
}

func isZeroCommitRepo(ctx context.Context, client *Client) bool {
	if _, err := client.run(ctx, "rev-parse", "HEAD"); err == nil {
		return false
	}
	out, err := client.run(ctx, "for-each-ref", "refs/heads/")
	return err == nil && out == ""
}

// SetupWorktree is the preferred entry point: it reuses a valid
// existing worktree directory when possible, cleans up and rebuilds an
// invalid one, or creates a fresh one.
func (m *Manager) SetupWorktree(ctx context.Context, taskID core.TaskID, repoURL, targetBranch string) (*core.WorktreeInfo, error) {
	if !taskID.Valid() {
		return nil, core.ErrValidation("INVALID_TASK_ID", "task id is not a valid uuid")
	}

	barePath, err := m.EnsureBareRepo(ctx, repoURL)
	if err != nil {
		return nil, err
	}
	if err := m.FetchRepo(ctx, barePath, targetBranch); err != nil {
		m.logger.Warn("fetch before worktree setup failed", "task_id", taskID, "error", err)
	}

	path := m.worktreePathFor(taskID)
	branchName := taskID.BranchName()

	if worktreeLooksValid(path) {
		client, err := NewClient(path)
		if err == nil {
			if mergeErr := client.Merge(ctx, "origin/"+targetBranch); mergeErr != nil {
				m.logger.Warn("reuse merge of target branch failed", "task_id", taskID, "error", mergeErr)
			}
			return &core.WorktreeInfo{
				TaskID:    taskID,
				Path:      path,
				Branch:    branchName,
				Reused:    true,
				CreatedAt: time.Now(),
			}, nil
		}
		m.logger.Warn("existing worktree failed client open, rebuilding", "task_id", taskID, "error", err)
	}

	if pathExists(path) {
		if err := m.cleanupInvalidWorktreeDir(ctx, barePath, path); err != nil {
			return nil, err
		}
	}

	return m.createWorktree(ctx, taskID, barePath, path, branchName, targetBranch)
}

// worktreeLooksValid checks for the ".git" pointer file a linked
// worktree writes, with its expected "gitdir:" prefix.
func worktreeLooksValid(path string) bool {
	data, err := os.ReadFile(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	return strings.HasPrefix(strings.TrimSpace(string(data)), "gitdir:")
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// cleanupInvalidWorktreeDir tries progressively stronger removal
// strategies against a worktree directory that exists but failed
// validation, matching the ladder used by cleanupWorktree.
func (m *Manager) cleanupInvalidWorktreeDir(ctx context.Context, barePath, path string) error {
	if err := os.RemoveAll(path); err == nil && !pathExists(path) {
		return nil
	}

	_ = procsup.KillProcessesInDirectory(ctx, path)
	time.Sleep(250 * time.Millisecond)
	if err := os.RemoveAll(path); err == nil && !pathExists(path) {
		m.pruneWorktreeMetadata(ctx, barePath)
		return nil
	}

	// Remove the ".git" marker first so git no longer considers this a
	// worktree, then retry the directory removal.
	_ = os.Remove(filepath.Join(path, ".git"))
	if err := os.RemoveAll(path); err == nil && !pathExists(path) {
		m.pruneWorktreeMetadata(ctx, barePath)
		return nil
	}

	if err := platformLastResortRemove(path); err != nil {
		m.logger.Warn("platform last-resort removal failed", "path", path, "error", err)
	}
	m.pruneWorktreeMetadata(ctx, barePath)

	if pathExists(path) {
		return core.ErrBusy("WORKTREE_LOCKED", fmt.Sprintf("worktree directory %s is locked and could not be removed after all cleanup strategies", path))
	}
	return nil
}

func (m *Manager) pruneWorktreeMetadata(ctx context.Context, barePath string) {
	if client, err := NewClientNoVerify(barePath); err == nil {
		_ = client.PruneWorktrees(ctx)
	}
}

// createWorktree ensures the bare repo, prunes stale worktree metadata,
// then attaches or bootstraps a working directory for the task branch.
func (m *Manager) createWorktree(ctx context.Context, taskID core.TaskID, barePath, path, branchName, targetBranch string) (*core.WorktreeInfo, error) {
	if err := os.MkdirAll(m.worktreesDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating worktrees directory: %w", err)
	}

	bareClient, err := NewClientNoVerify(barePath)
	if err != nil {
		return nil, err
	}
	_ = bareClient.PruneWorktrees(ctx)

	isEmptyRepo := isZeroCommitRepo(ctx, bareClient)

	if isEmptyRepo {
		if err := m.bootstrapEmptyRepoWorktree(ctx, barePath, path, branchName); err != nil {
			return nil, err
		}
	} else {
		exists, err := bareClient.BranchExists(ctx, branchName)
		if err != nil {
			return nil, err
		}
		if exists {
			if err := bareClient.CreateWorktree(ctx, path, branchName); err != nil {
				return nil, fmt.Errorf("attaching worktree to existing branch %s: %w", branchName, err)
			}
			if client, err := NewClient(path); err == nil {
				if mergeErr := client.Merge(ctx, "origin/"+targetBranch); mergeErr != nil {
					m.logger.Warn("merge of target branch into existing feature branch failed", "task_id", taskID, "error", mergeErr)
				}
			}
		} else {
			base := "origin/" + targetBranch
			if _, err := bareClient.run(ctx, "rev-parse", "--verify", base); err != nil {
				base = targetBranch
			}
			if err := bareClient.CreateBranch(ctx, branchName, base); err != nil {
				return nil, fmt.Errorf("creating feature branch %s from %s: %w", branchName, base, err)
			}
			if _, err := bareClient.run(ctx, "worktree", "add", path, branchName); err != nil {
				return nil, fmt.Errorf("creating worktree for %s: %w", branchName, err)
			}
		}
	}

	if client, err := NewClient(path); err == nil {
		_, _ = client.run(ctx, "config", "user.name", committerName)
		_, _ = client.run(ctx, "config", "user.email", committerEmail)
	}

	return &core.WorktreeInfo{
		TaskID:      taskID,
		Path:        path,
		Branch:      branchName,
		Reused:      false,
		IsEmptyRepo: isEmptyRepo,
		CreatedAt:   time.Now(),
	}, nil
}

// bootstrapEmptyRepoWorktree manually writes the files a linked
// worktree requires when the bare repo has no commits yet, since `git
// worktree add` refuses to operate against an unborn HEAD. Falls back
// to `git init` + `git checkout --orphan` if the synthesized worktree
// fails a basic health check.
func (m *Manager) bootstrapEmptyRepoWorktree(ctx context.Context, barePath, path, branchName string) error {
	if err := os.MkdirAll(path, 0o750); err != nil {
		return fmt.Errorf("creating worktree directory: %w", err)
	}

	gitDir := filepath.Join(barePath, "worktrees", filepath.Base(path))
	if err := os.MkdirAll(gitDir, 0o750); err != nil {
		return fmt.Errorf("creating worktree admin directory: %w", err)
	}

	if err := os.WriteFile(filepath.Join(path, ".git"), []byte("gitdir: "+gitDir+"\n"), 0o640); err != nil {
		return fmt.Errorf("writing worktree .git pointer: %w", err)
	}
	if err := os.WriteFile(filepath.Join(gitDir, "gitdir"), []byte(filepath.Join(path, ".git")+"\n"), 0o640); err != nil {
		return fmt.Errorf("writing worktree gitdir file: %w", err)
	}
	if err := os.WriteFile(filepath.Join(gitDir, "commondir"), []byte("../..\n"), 0o640); err != nil {
		return fmt.Errorf("writing worktree commondir file: %w", err)
	}
	if err := os.WriteFile(filepath.Join(gitDir, "HEAD"), []byte("ref: refs/heads/"+branchName+"\n"), 0o640); err != nil {
		return fmt.Errorf("writing worktree HEAD file: %w", err)
	}

	client, err := NewClientNoVerify(path)
	if err == nil {
		_, _ = client.run(ctx, "read-tree", "--empty")
	}
	if err != nil || !worktreeHealthy(ctx, path) {
		m.logger.Warn("synthesized empty-repo worktree failed health check, falling back to init+orphan", "path", path)
		_ = os.RemoveAll(path)
		_ = os.RemoveAll(gitDir)
		return m.bootstrapEmptyRepoWorktreeFallback(ctx, path, branchName)
	}
	return nil
}

func worktreeHealthy(ctx context.Context, path string) bool {
	client, err := NewClientNoVerify(path)
	if err != nil {
		return false
	}
	_, err = client.run(ctx, "status", "--porcelain")
	return err == nil
}

func (m *Manager) bootstrapEmptyRepoWorktreeFallback(ctx context.Context, path, branchName string) error {
	if err := os.MkdirAll(path, 0o750); err != nil {
		return fmt.Errorf("creating worktree directory: %w", err)
	}
	client, err := NewClientNoVerify(path)
	if err != nil {
		return err
	}
	if _, err := client.run(ctx, "init"); err != nil {
		return fmt.Errorf("git init fallback: %w", err)
	}
	if _, err := client.run(ctx, "checkout", "--orphan", branchName); err != nil {
		return fmt.Errorf("checkout --orphan fallback: %w", err)
	}
	return nil
}

// CommitChanges stages everything and commits, no-op if there is
// nothing to commit.
func (m *Manager) CommitChanges(ctx context.Context, worktreePath, message string) error {
	client, err := NewClient(worktreePath)
	if err != nil {
		return err
	}
	status, err := client.run(ctx, "status", "--porcelain")
	if err != nil {
		return err
	}
	if status == "" {
		return nil
	}
	if err := client.Add(ctx, "-A"); err != nil {
		return err
	}
	_, err = client.Commit(ctx, message)
	return err
}

// PushBranch rewrites origin's URL with an embedded credential when one
// is available, then pushes with upstream tracking.
func (m *Manager) PushBranch(ctx context.Context, worktreePath, branch, credential string) error {
	client, err := NewClient(worktreePath)
	if err != nil {
		return err
	}

	if credential != "" {
		origin, err := client.RemoteURL(ctx, "origin")
		if err == nil {
			if withCred, wcErr := embedCredential(origin, credential); wcErr == nil {
				_, _ = client.run(ctx, "remote", "set-url", "origin", withCred)
			}
		}
	}

	return client.Push(ctx, "origin", branch)
}

// embedCredential rewrites an https remote URL to carry an
// x-access-token style credential for a single push. Non-http(s) URLs
// (e.g. file:// or ssh) are returned unchanged.
func embedCredential(remoteURL, credential string) (string, error) {
	u, err := url.Parse(remoteURL)
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return remoteURL, nil
	}
	u.User = url.UserPassword("x-access-token", credential)
	return u.String(), nil
}

// stripCredential removes embedded userinfo from a remote URL, for
// logging or persistence.
func stripCredential(remoteURL string) string {
	u, err := url.Parse(remoteURL)
	if err != nil {
		return remoteURL
	}
	u.User = nil
	return u.String()
}

// ChangedFiles merges the committed diff (base..HEAD, or --root when
// there is no base) with uncommitted changes, attaching content
// snapshots when safe.
func (m *Manager) ChangedFiles(ctx context.Context, worktreePath, baseBranch string) ([]core.ChangedFile, error) {
	client, err := NewClient(worktreePath)
	if err != nil {
		return nil, err
	}

	byPath := make(map[string]*core.ChangedFile)

	var committed []core.FileStatus
	if baseBranch != "" {
		if _, err := client.run(ctx, "rev-parse", "--verify", "origin/"+baseBranch); err == nil {
			committed, _ = client.DiffNameStatus(ctx, "origin/"+baseBranch, "HEAD")
		}
	}
	if committed == nil {
		out, err := client.run(ctx, "diff", "--name-status", "--root", "HEAD")
		if err == nil {
			committed = parseNameStatus(out)
		}
	}
	for _, fs := range committed {
		byPath[fs.Path] = &core.ChangedFile{Path: fs.Path, Status: statusToChangeKind(fs.Status)}
	}

	statusOut, err := client.run(ctx, "status", "--porcelain")
	if err == nil {
		for _, line := range strings.Split(statusOut, "\n") {
			if len(line) < 3 {
				continue
			}
			code := line[:2]
			path := strings.TrimSpace(line[3:])
			cf, ok := byPath[path]
			if !ok {
				cf = &core.ChangedFile{Path: path}
				byPath[path] = cf
			}
			cf.Status = porcelainCodeToChangeKind(code)
		}
	}

	result := make([]core.ChangedFile, 0, len(byPath))
	for _, cf := range byPath {
		m.attachContentSnapshot(worktreePath, cf)
		result = append(result, *cf)
	}
	return result, nil
}

func parseNameStatus(out string) []core.FileStatus {
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
	return result
}

func statusToChangeKind(code string) core.FileChangeStatus {
	switch {
	case strings.HasPrefix(code, "A"):
		return core.FileAdded
	case strings.HasPrefix(code, "D"):
		return core.FileDeleted
	default:
		return core.FileModified
	}
}

func porcelainCodeToChangeKind(code string) core.FileChangeStatus {
	switch {
	case strings.Contains(code, "A") || code == "??":
		return core.FileAdded
	case strings.Contains(code, "D"):
		return core.FileDeleted
	default:
		return core.FileModified
	}
}

// attachContentSnapshot reads the current file content when it is
// valid UTF-8 and within the size cap, skipping silently otherwise.
func (m *Manager) attachContentSnapshot(worktreePath string, cf *core.ChangedFile) {
	if cf.Status == core.FileDeleted {
		return
	}
	full := filepath.Join(worktreePath, cf.Path)
	info, err := os.Stat(full)
	if err != nil || info.Size() > m.maxContentBytes {
		return
	}
	// cf.Path comes from git-diff/status output for an agent-controlled
	// worktree; scope the read to its directory rather than trusting it.
	data, err := fsutil.ReadFileScoped(full)
	if err != nil || !utf8.Valid(data) || strings.ContainsRune(string(data), 0) {
		return
	}
	content := string(data)
	cf.NewContent = &content
}

// Diff returns a unified diff covering staged and unstaged changes
// against baseBranch.
func (m *Manager) Diff(ctx context.Context, worktreePath, baseBranch string) (string, error) {
	client, err := NewClient(worktreePath)
	if err != nil {
		return "", err
	}
	if baseBranch != "" {
		if _, err := client.run(ctx, "rev-parse", "--verify", "origin/"+baseBranch); err == nil {
			return client.run(ctx, "diff", "origin/"+baseBranch)
		}
	}
	return client.run(ctx, "diff", "--root", "HEAD")
}

// CleanupWorktree kills lingering processes, waits for handle release,
// then removes the worktree with an escalating retry ladder.
func (m *Manager) CleanupWorktree(ctx context.Context, taskID core.TaskID, removeBranch bool) error {
	path := m.worktreePathFor(taskID)

	if m.procs != nil {
		_ = m.procs.KillTask(taskID, procsup.DefaultGracePeriod)
	}
	_ = procsup.KillProcessesInDirectory(ctx, path)
	time.Sleep(200 * time.Millisecond)

	var barePath string
	if client, err := NewClient(path); err == nil {
		if out, rErr := client.run(ctx, "rev-parse", "--git-common-dir"); rErr == nil {
			barePath = out
		}
		_, _ = client.run(ctx, "worktree", "remove", "--force", path)
	}

	if err := removeWithBackoff(path, 5, 500*time.Millisecond); err != nil {
		if err := m.cleanupInvalidWorktreeDir(ctx, barePath, path); err != nil {
			return err
		}
	}

	if barePath != "" {
		m.pruneWorktreeMetadata(ctx, barePath)
		if removeBranch {
			if bc, err := NewClientNoVerify(barePath); err == nil {
				_ = bc.DeleteBranch(ctx, taskID.BranchName(), true)
			}
		}
	}

	if pathExists(path) {
		return core.ErrBusy("WORKTREE_LOCKED", fmt.Sprintf("worktree %s still exists after cleanup", path))
	}
	return nil
}

func removeWithBackoff(path string, attempts int, base time.Duration) error {
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := os.RemoveAll(path); err == nil && !pathExists(path) {
			return nil
		} else {
			lastErr = err
		}
		jitter := time.Duration(rand.Intn(100)) * time.Millisecond
		time.Sleep(base*time.Duration(1<<uint(i)) + jitter)
	}
	if pathExists(path) {
		if lastErr == nil {
			lastErr = fmt.Errorf("path still present after %d attempts", attempts)
		}
		return lastErr
	}
	return nil
}

// Get returns the worktree info for an already-set-up task, reading
// live state rather than any cache.
func (m *Manager) Get(ctx context.Context, taskID core.TaskID) (*core.WorktreeInfo, error) {
	path := m.worktreePathFor(taskID)
	if _, ok := taskIDFromWorktreePath(path); !ok {
		return nil, core.ErrValidation("INVALID_TASK_ID", "task id is not a valid uuid")
	}
	if !worktreeLooksValid(path) {
		return nil, core.ErrNotFound("worktree", string(taskID))
	}
	client, err := NewClient(path)
	if err != nil {
		return nil, err
	}
	branch, err := client.CurrentBranch(ctx)
	if err != nil {
		branch = taskID.BranchName()
	}
	info, statErr := os.Stat(path)
	createdAt := time.Now()
	if statErr == nil {
		createdAt = info.ModTime()
	}
	return &core.WorktreeInfo{
		TaskID:    taskID,
		Path:      path,
		Branch:    branch,
		CreatedAt: createdAt,
	}, nil
}
