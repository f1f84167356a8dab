package core

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// TaskID uniquely identifies a task. Always a canonical UUID v4 in the
// 8-4-4-4-12 hex form; every operation that turns an ID into a filesystem
// path must re-validate it first.
type TaskID string

var taskIDPattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

// NewTaskID generates a fresh random v4 task ID.
func NewTaskID() TaskID {
	return TaskID(uuid.New().String())
}

// Valid reports whether id matches the canonical UUID v4 form.
func (id TaskID) Valid() bool {
	return taskIDPattern.MatchString(string(id))
}

// BranchName returns the fixed feature-branch name derived from this ID.
func (id TaskID) BranchName() string {
	return "feature/task-" + string(id)
}

// TaskStatus is one of the finite statuses in the task lifecycle.
type TaskStatus string

const (
	// Inception
	TaskStatusDraft   TaskStatus = "draft"
	TaskStatusBacklog TaskStatus = "backlog"

	// Spec/planning
	TaskStatusRefining        TaskStatus = "refining"
	TaskStatusPendingApproval TaskStatus = "pending_approval"
	TaskStatusPlanning        TaskStatus = "planning"
	TaskStatusPlanReview      TaskStatus = "plan_review"
	TaskStatusApproved        TaskStatus = "approved"

	// Execution
	TaskStatusCoding     TaskStatus = "coding"
	TaskStatusInProgress TaskStatus = "in_progress"

	// Review loop
	TaskStatusAwaitingReview  TaskStatus = "awaiting_review"
	TaskStatusReview          TaskStatus = "review"
	TaskStatusChangesRequested TaskStatus = "changes_requested"
	TaskStatusMergeConflicts  TaskStatus = "merge_conflicts"

	// PR
	TaskStatusPRCreated TaskStatus = "pr_created"

	// Terminal
	TaskStatusDone     TaskStatus = "done"
	TaskStatusFailed   TaskStatus = "failed"
	TaskStatusCanceled TaskStatus = "canceled"
)

// terminalStatuses are sinks: no transition out of them.
var terminalStatuses = map[TaskStatus]bool{
	TaskStatusDone:     true,
	TaskStatusFailed:   true,
	TaskStatusCanceled: true,
}

// prActiveStatuses are statuses in which a PR exists and may still change.
var prActiveStatuses = map[TaskStatus]bool{
	TaskStatusPRCreated:        true,
	TaskStatusChangesRequested: true,
}

// IsTerminal reports whether s is a sink status.
func (s TaskStatus) IsTerminal() bool { return terminalStatuses[s] }

// IsPRActive reports whether s is a status in which C8 should keep polling.
func (s TaskStatus) IsPRActive() bool { return prActiveStatuses[s] }

// AgentType enumerates the coding-CLI backends the runner supports.
type AgentType string

const (
	AgentClaudeCode AgentType = "claude-code"
	AgentCodex      AgentType = "codex"
	AgentCopilot    AgentType = "copilot"
	AgentGemini     AgentType = "gemini"
	AgentOpenRouter AgentType = "openrouter"
)

// FileChangeStatus classifies a changed file in a diff snapshot.
type FileChangeStatus string

const (
	FileAdded    FileChangeStatus = "added"
	FileModified FileChangeStatus = "modified"
	FileDeleted FileChangeStatus = "deleted"
)

// ChangedFile describes one file touched by a task's run.
type ChangedFile struct {
	Path       string           `json:"path"`
	Status     FileChangeStatus `json:"status"`
	Additions  int              `json:"additions"`
	Deletions  int              `json:"deletions"`
	OldContent *string          `json:"oldContent,omitempty"`
	NewContent *string          `json:"newContent,omitempty"`
}

// ChangesSnapshot is the serialized {files, diff} snapshot stored into
// Task.ChangesData so a reader can recover the result after the worktree
// is removed.
type ChangesSnapshot struct {
	Files []ChangedFile `json:"files"`
	Diff  string        `json:"diff"`
}

// Task is the primary entity: a user-submitted unit of agent work against
// one repository/branch.
type Task struct {
	// Identity
	ID TaskID `json:"id"`

	// Association
	RepositoryID string `json:"repositoryId"`
	RepoURL      string `json:"repoUrl"`
	TargetBranch string `json:"targetBranch"`

	// Inputs
	Title         string   `json:"title"`
	Description   string   `json:"description"`
	UserInput     string   `json:"userInput"`
	ContextFiles  []string `json:"contextFiles"`
	BuildCommand  string   `json:"buildCommand"` // advisory only, never executed

	// Agent routing
	AgentType  AgentType `json:"agentType"`
	AgentModel string    `json:"agentModel"`

	// Spec pipeline (surface only; the generator itself is external)
	GeneratedSpec  string     `json:"generatedSpec"`
	FinalSpec      string     `json:"finalSpec"`
	SpecApprovedAt *time.Time `json:"specApprovedAt,omitempty"`
	WasSpecEdited  bool       `json:"wasSpecEdited"`

	// Execution
	BranchName    string           `json:"branchName"`
	PRUrl         string           `json:"prUrl,omitempty"`
	PRNumber      int              `json:"prNumber,omitempty"`
	ChangesData   *ChangesSnapshot `json:"changesData,omitempty"`
	ConflictFiles []string         `json:"conflictFiles,omitempty"`
	Error         string           `json:"error,omitempty"`

	// Pending state used by C7 across runs
	Plan             string `json:"plan,omitempty"`
	PendingFeedback  string `json:"pendingFeedback,omitempty"`

	// Lifecycle
	Status    TaskStatus `json:"status"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// NewTask builds a task in its initial draft status with a fresh ID.
func NewTask(title, repoURL, targetBranch string) *Task {
	id := NewTaskID()
	now := time.Now()
	return &Task{
		ID:           id,
		Title:        title,
		RepoURL:      repoURL,
		TargetBranch: targetBranch,
		BranchName:   id.BranchName(),
		Status:       TaskStatusDraft,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Validate checks the invariants a task must satisfy before being stored.
func (t *Task) Validate() error {
	if t.ID == "" {
		return ErrValidation("TASK_ID_REQUIRED", "task ID cannot be empty")
	}
	if !t.ID.Valid() {
		return ErrValidation("TASK_ID_INVALID", "task ID must be a canonical UUID v4")
	}
	if t.Title == "" {
		return ErrValidation("TASK_TITLE_REQUIRED", "task title cannot be empty")
	}
	if t.RepoURL == "" {
		return ErrValidation("TASK_REPO_URL_REQUIRED", "task repoUrl cannot be empty")
	}
	if t.BranchName != t.ID.BranchName() {
		return ErrValidation("TASK_BRANCH_NAME_INVALID", fmt.Sprintf("branchName must be %q", t.ID.BranchName()))
	}
	return nil
}

// WorktreePath returns the canonical worktree path for this task under
// the configured worktrees directory.
func (t *Task) WorktreePath(worktreesDir string) string {
	return worktreesDir + "/task-" + string(t.ID)
}

// CanStart reports whether the current status permits a fresh (non-resume,
// non-plan-approval) startAgent call, per the valid-start-statuses table.
func (t *Task) CanStart() bool {
	switch t.Status {
	case TaskStatusDraft, TaskStatusBacklog, TaskStatusFailed, TaskStatusPlanning, TaskStatusCoding, TaskStatusPlanReview:
		return true
	default:
		return false
	}
}

// CanResume reports whether the current status permits startAgent(isResume=true).
func (t *Task) CanResume() bool {
	switch t.Status {
	case TaskStatusChangesRequested, TaskStatusPlanning:
		return true
	default:
		return false
	}
}

// CanApprovePlan reports whether approvePlan is valid from the current status.
func (t *Task) CanApprovePlan() bool {
	return t.Status == TaskStatusPlanReview
}

// Touch bumps UpdatedAt; every store write must call this.
func (t *Task) Touch() {
	t.UpdatedAt = time.Now()
}
