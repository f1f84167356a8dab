package core

import (
	"context"
	"time"
)

// =============================================================================
// Agent Port (C6 — CLI runner backends)
// =============================================================================

// Agent defines the contract for AI coding-CLI adapters.
type Agent interface {
	// Name returns the adapter identifier (e.g., "claude-code", "codex").
	Name() string

	// Capabilities returns what the agent can do.
	Capabilities() Capabilities

	// Ping checks if the agent CLI is available and authenticated.
	Ping(ctx context.Context) error

	// Execute runs a prompt through the agent and returns the result.
	Execute(ctx context.Context, opts ExecuteOptions) (*ExecuteResult, error)
}

// Capabilities describes what an agent can do.
type Capabilities struct {
	SupportsStreaming bool
	SupportsTools     bool
	SupportsImages    bool
	SupportsJSON      bool
	SupportedModels   []string
	DefaultModel      string
	MaxContextTokens  int
	MaxOutputTokens   int
}

// OutputFormat specifies the expected output format.
type OutputFormat string

const (
	OutputFormatText OutputFormat = "text"
	OutputFormatJSON OutputFormat = "json"
)

// ExecuteOptions configures an agent execution.
type ExecuteOptions struct {
	Prompt     string
	Model      string
	Format     OutputFormat
	Timeout    time.Duration
	WorkDir    string
	ExtraEnv   map[string]string
	FeedbackCh <-chan string // messages to append to the child's stdin mid-run
}

// ExecuteResult contains the output of an agent execution.
type ExecuteResult struct {
	Output    string
	TokensIn  int
	TokensOut int
	CostUSD   float64
	Duration  time.Duration
	Summary   string
	ExitCode  int
}

// TotalTokens returns the sum of input and output tokens.
func (r *ExecuteResult) TotalTokens() int {
	return r.TokensIn + r.TokensOut
}

// AgentRegistry manages registered agents, keyed by AgentType.
type AgentRegistry interface {
	Register(name string, agent Agent) error
	Get(name string) (Agent, error)
	List() []string
	Available(ctx context.Context) []string
}

// =============================================================================
// Task store Port (C1)
// =============================================================================

// TaskStore is the durable record of tasks and their status. Update(id,
// patch) returns the merged record or reports ErrNotFound. All writes
// bump UpdatedAt. The store is the single source of truth for Status;
// every other component observes status transitions via events emitted
// by the supervisor, not by watching the store.
type TaskStore interface {
	Create(ctx context.Context, t *Task) error
	Get(ctx context.Context, id TaskID) (*Task, error)
	Update(ctx context.Context, id TaskID, patch func(*Task) error) (*Task, error)
	Delete(ctx context.Context, id TaskID) error

	ListByStatus(ctx context.Context, statuses ...TaskStatus) ([]*Task, error)
	ListByRepository(ctx context.Context, repositoryID string) ([]*Task, error)

	AppendLog(ctx context.Context, id TaskID, entry LogEntry) error
	Logs(ctx context.Context, id TaskID) ([]LogEntry, error)

	GetRepository(ctx context.Context, url string) (*Repository, error)
	PutRepository(ctx context.Context, r *Repository) error

	// Export/Import round-trip tasks, task logs, and repositories under an
	// explicit column whitelist (spec §6.3 / §8 round-trip property).
	Export(ctx context.Context) (*StoreSnapshot, error)
	Import(ctx context.Context, snap *StoreSnapshot) error

	Close() error
}

// LogEntry is one entry in a task's bounded agent-log ring buffer.
type LogEntry struct {
	Timestamp time.Time              `json:"ts"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Repository is identified by URL (unique).
type Repository struct {
	URL              string           `json:"url"`
	Name             string           `json:"name"`
	DefaultBranch    string           `json:"defaultBranch"`
	DetectedStack    string           `json:"detectedStack,omitempty"`
	Conventions      string           `json:"conventions,omitempty"`
	LearnedPatterns  []LearnedPattern `json:"learnedPatterns,omitempty"`
	ActiveTasksCount int              `json:"activeTasksCount"`
}

// LearnedPattern is one entry in a repository's learned-pattern list.
type LearnedPattern struct {
	ID              string `json:"id"`
	Pattern         string `json:"pattern"`
	LearnedFromTask TaskID `json:"learnedFromTaskId"`
}

// StoreSnapshot is the whitelisted-column bulk export/import payload.
type StoreSnapshot struct {
	Tasks        []*Task       `json:"tasks"`
	Logs         []TaskLogRow  `json:"logs"`
	Repositories []*Repository `json:"repositories"`
}

// TaskLogRow pairs a log entry with its owning task for export.
type TaskLogRow struct {
	TaskID TaskID   `json:"taskId"`
	Entry  LogEntry `json:"entry"`
}

// =============================================================================
// GitClient Port (C4)
// =============================================================================

// GitClient defines the contract for low-level git operations.
type GitClient interface {
	RepoRoot(ctx context.Context) (string, error)
	CurrentBranch(ctx context.Context) (string, error)
	DefaultBranch(ctx context.Context) (string, error)
	RemoteURL(ctx context.Context, remote string) (string, error)

	BranchExists(ctx context.Context, name string) (bool, error)
	CreateBranch(ctx context.Context, name, base string) error
	DeleteBranch(ctx context.Context, name string, force bool) error
	CheckoutBranch(ctx context.Context, name string) error

	CreateWorktree(ctx context.Context, path, branch string) error
	RemoveWorktree(ctx context.Context, path string, force bool) error
	ListWorktrees(ctx context.Context) ([]Worktree, error)
	PruneWorktrees(ctx context.Context) error

	Status(ctx context.Context) (*GitStatus, error)
	Add(ctx context.Context, paths ...string) error
	Commit(ctx context.Context, message string) (string, error)
	Push(ctx context.Context, remote, branch string) error

	Diff(ctx context.Context, base, head string) (string, error)
	DiffNameStatus(ctx context.Context, base, head string) ([]FileStatus, error)

	Merge(ctx context.Context, branch string) error
	AbortMerge(ctx context.Context) error
	ConflictFiles(ctx context.Context) ([]string, error)

	IsClean(ctx context.Context) (bool, error)
	Fetch(ctx context.Context, remote string, prune bool) error
}

// Worktree represents a git worktree.
type Worktree struct {
	Path     string
	Branch   string
	Commit   string
	IsMain   bool
	IsLocked bool
}

// GitStatus represents the status of a git repository.
type GitStatus struct {
	Branch       string
	Ahead        int
	Behind       int
	Staged       []FileStatus
	Unstaged     []FileStatus
	Untracked    []string
	HasConflicts bool
}

// FileStatus represents a file's git status.
type FileStatus struct {
	Path   string
	Status string // M, A, D, R, C, U
}

// WorktreeManager provides the higher-level, task-keyed worktree
// operations C4 exposes to C7.
type WorktreeManager interface {
	EnsureBareRepo(ctx context.Context, repoURL string) (string, error)
	FetchRepo(ctx context.Context, barePath, branch string) error

	SetupWorktree(ctx context.Context, taskID TaskID, repoURL, targetBranch string) (*WorktreeInfo, error)
	CommitChanges(ctx context.Context, worktreePath, message string) error
	PushBranch(ctx context.Context, worktreePath, branch, credential string) error

	ChangedFiles(ctx context.Context, worktreePath, baseBranch string) ([]ChangedFile, error)
	Diff(ctx context.Context, worktreePath, baseBranch string) (string, error)

	CleanupWorktree(ctx context.Context, taskID TaskID, removeBranch bool) error
	Get(ctx context.Context, taskID TaskID) (*WorktreeInfo, error)
}

// WorktreeInfo contains information about a task's worktree.
type WorktreeInfo struct {
	TaskID      TaskID
	Path        string
	Branch      string
	Reused      bool
	IsEmptyRepo bool
	CreatedAt   time.Time
}

// =============================================================================
// Forge Port (C5)
// =============================================================================

// ForgeClient is the uniform surface over GitHub and GitLab.
type ForgeClient interface {
	CreatePR(ctx context.Context, repoURL string, opts CreatePROptions) (*PullRequest, error)
	GetPR(ctx context.Context, repoURL string, number int) (*PullRequest, error)
	ListPRComments(ctx context.Context, repoURL string, number int, since *time.Time) ([]PRComment, error)
	AddComment(ctx context.Context, repoURL string, number int, body string) error
}

// PRState enumerates the forge-reported state of a PR/MR.
type PRState string

const (
	PRStateOpen   PRState = "open"
	PRStateClosed PRState = "closed"
	PRStateMerged PRState = "merged"
)

// CreatePROptions configures pull/merge request creation.
type CreatePROptions struct {
	Head  string
	Base  string
	Title string
	Body  string
}

// PullRequest represents a PR/MR as returned by the forge adapter.
type PullRequest struct {
	Number    int
	URL       string
	State     PRState
	Mergeable *bool
	BaseRef   string
	HeadRef   string
}

// PRComment is one issue- or review-comment on a PR/MR.
type PRComment struct {
	ID              string
	Body            string
	Author          string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	IsReviewComment bool
	Path            string
	Line            int
}

// =============================================================================
// Secrets Port
// =============================================================================

// SecretsAccessor resolves the three secret keys the core needs. The
// secrets store itself is external per spec §1; this is just a key-fetch
// interface.
type SecretsAccessor interface {
	Get(key string) (string, bool)
}

const (
	SecretAIAPIKey    = "ai_api_key"
	SecretGitHubToken = "github_token"
	SecretGitLabToken = "gitlab_token"
)
