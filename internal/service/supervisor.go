package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anti-entropy/forgewright/internal/adapters/cli"
	gitadapter "github.com/anti-entropy/forgewright/internal/adapters/git"
	"github.com/anti-entropy/forgewright/internal/core"
	"github.com/anti-entropy/forgewright/internal/events"
	"github.com/anti-entropy/forgewright/internal/logging"
	"github.com/anti-entropy/forgewright/internal/procsup"
)

// defaultDeadline, defaultWarning and defaultExtension are spec §6.5's
// defaultTimeoutMs, warningThresholdMs and extensionMs.
const (
	defaultDeadline  = 10 * time.Minute
	defaultWarning   = 5 * time.Minute
	defaultExtension = 5 * time.Minute

	// chatHistoryCap bounds the in-memory per-run chat/tool ring buffer
	// (spec §6.5 chatCapPerTask).
	chatHistoryCap = 500
)

// AgentRegistry resolves an agentType to a runnable backend. Satisfied
// by *cli.Registry.
type AgentRegistry interface {
	Get(name string) (core.Agent, error)
}

// promptBuilder is the narrow surface Supervisor needs from a
// *cli.PromptBuilder, kept as an interface so tests can stub it.
type promptBuilder interface {
	Build(cli.PromptParams) (string, error)
}

// gitClientFactory opens a core.GitClient scoped to an existing worktree
// directory, used by approveAndCreatePR to read the worktree's real
// origin and perform the target-branch merge (operations outside
// WorktreeManager's task-keyed surface).
type gitClientFactory func(path string) (core.GitClient, error)

// PRTracker lets the supervisor hand a newly created PR to the PR
// watcher (C8) and drop tracking once a task leaves a PR-active status.
// Satisfied by *prwatcher.Watcher; wired in after construction via
// SetPRTracker to avoid an import cycle (C8 depends on the supervisor's
// exported transition methods).
type PRTracker interface {
	TrackPR(taskID core.TaskID, repoURL string, number int)
	UntrackPR(taskID core.TaskID)
}

// SupervisorConfig tunes the per-run timers. Zero values fall back to
// spec §6.5's defaults.
type SupervisorConfig struct {
	Deadline  time.Duration
	Warning   time.Duration
	Extension time.Duration
}

func (c SupervisorConfig) withDefaults() SupervisorConfig {
	if c.Deadline <= 0 {
		c.Deadline = defaultDeadline
	}
	if c.Warning <= 0 || c.Warning >= c.Deadline {
		c.Warning = defaultWarning
	}
	if c.Extension <= 0 {
		c.Extension = defaultExtension
	}
	return c
}

// StartOptions is the caller-supplied bundle for StartAgent, mirroring
// spec §4.7's startAgent(taskId, {isResume, planOnly, approvedPlan?}).
type StartOptions struct {
	IsResume     bool
	PlanOnly     bool
	ApprovedPlan string
}

// runOutcome classifies how one agent run ended, decided by whichever
// of s.run's own completion handling or an external cancelAgent/
// deadline-timer call wins the race to activeRun.finishOnce.
type runOutcome struct {
	kind   string // "completed" | "error" | "cancelled" | "timeout"
	result *core.ExecuteResult
	err    error
}

// activeRun is the supervisor's bookkeeping for one in-flight agent run.
type activeRun struct {
	task *core.Task
	wt   *core.WorktreeInfo
	opts StartOptions

	prompt     string
	cancel     context.CancelFunc
	feedbackCh chan string

	mu            sync.Mutex
	warnTimer     *time.Timer
	deadlineTimer *time.Timer
	chat          []events.ChatMessageEvent

	finishOnce sync.Once
	done       chan struct{} // closed once, by finish or abortStart
}

func (r *activeRun) appendChat(msg events.ChatMessageEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chat = append(r.chat, msg)
	if len(r.chat) > chatHistoryCap {
		r.chat = r.chat[len(r.chat)-chatHistoryCap:]
	}
}

// planText concatenates every assistant-role chat message seen so far,
// joined by blank lines, per spec §4.7's plan-extraction rule.
func (r *activeRun) planText() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var parts []string
	for _, m := range r.chat {
		if m.Role == events.ChatRoleAssistant && strings.TrimSpace(m.Content) != "" {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}

// Supervisor implements the C7 agent supervisor: the sole writer of
// Task.Status, owner of the ActiveAgent registry and per-run timers,
// and the translator from a running core.Agent's event stream onto the
// task's bus topic.
type Supervisor struct {
	store     core.TaskStore
	worktrees core.WorktreeManager
	forge     core.ForgeClient
	agents    AgentRegistry
	prompts   promptBuilder
	secrets   core.SecretsAccessor
	bus       *events.Bus
	procs     *procsup.Registry
	gitFor    gitClientFactory
	prTracker PRTracker
	logger    *logging.Logger
	cfg       SupervisorConfig

	mu     sync.Mutex
	active map[core.TaskID]*activeRun
}

// NewSupervisor wires the C7 agent supervisor to its collaborators.
// procs and logger may be nil (sensible defaults are used).
func NewSupervisor(
	store core.TaskStore,
	worktrees core.WorktreeManager,
	forge core.ForgeClient,
	agents AgentRegistry,
	prompts *cli.PromptBuilder,
	secrets core.SecretsAccessor,
	bus *events.Bus,
	procs *procsup.Registry,
	logger *logging.Logger,
	cfg SupervisorConfig,
) *Supervisor {
	if logger == nil {
		logger = logging.NewNop()
	}
	if procs == nil {
		procs = procsup.NewRegistry()
	}
	return &Supervisor{
		store:     store,
		worktrees: worktrees,
		forge:     forge,
		agents:    agents,
		prompts:   prompts,
		secrets:   secrets,
		bus:       bus,
		procs:     procs,
		gitFor:    func(path string) (core.GitClient, error) { return gitadapter.NewClient(path) },
		logger:    logger,
		cfg:       cfg.withDefaults(),
		active:    make(map[core.TaskID]*activeRun),
	}
}

// SetPRTracker wires C8 in after construction.
func (s *Supervisor) SetPRTracker(t PRTracker) { s.prTracker = t }

// SetGitClientFactory overrides how approveAndCreatePR opens a git
// client on an existing worktree; used by tests.
func (s *Supervisor) SetGitClientFactory(f gitClientFactory) { s.gitFor = f }

// ChatHistory returns a snapshot of the bounded chat/tool buffer for an
// active run, or nil if the task has no active agent.
func (s *Supervisor) ChatHistory(taskID core.TaskID) []events.ChatMessageEvent {
	run := s.lookupActive(taskID)
	if run == nil {
		return nil
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	out := make([]events.ChatMessageEvent, len(run.chat))
	copy(out, run.chat)
	return out
}

func (s *Supervisor) lookupActive(taskID core.TaskID) *activeRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[taskID]
}

func (s *Supervisor) dropActive(taskID core.TaskID) {
	s.mu.Lock()
	delete(s.active, taskID)
	s.mu.Unlock()
}

func (s *Supervisor) stopTimers(run *activeRun) {
	run.mu.Lock()
	defer run.mu.Unlock()
	if run.warnTimer != nil {
		run.warnTimer.Stop()
	}
	if run.deadlineTimer != nil {
		run.deadlineTimer.Stop()
	}
}

func (s *Supervisor) armTimers(run *activeRun) {
	run.mu.Lock()
	defer run.mu.Unlock()
	run.warnTimer = time.AfterFunc(s.cfg.Warning, func() { s.onWarn(run) })
	run.deadlineTimer = time.AfterFunc(s.cfg.Deadline, func() { s.onDeadline(run) })
}

func (s *Supervisor) onWarn(run *activeRun) {
	expires := time.Now().Add(s.cfg.Deadline - s.cfg.Warning)
	s.bus.Publish(events.NewTimeoutWarningEvent(run.task.ID, "agent run will be cancelled soon if it does not finish", expires))
}

func (s *Supervisor) onDeadline(run *activeRun) {
	run.cancel()
	s.finish(run, runOutcome{kind: "timeout"})
}

func (s *Supervisor) killRunProcesses(taskID core.TaskID, wt *core.WorktreeInfo) {
	_ = s.procs.KillTask(taskID, procsup.DefaultGracePeriod)
	if wt != nil {
		_ = procsup.KillProcessesInDirectory(context.Background(), wt.Path)
	}
}

// StartAgent implements spec §4.7's startAgent. It validates the task's
// current status against the permitted set for the requested trigger,
// prepares the worktree, resolves the backend, builds the prompt,
// registers the ActiveAgent, arms the timers, and starts the run in the
// background; it does not block for the run to complete.
func (s *Supervisor) StartAgent(ctx context.Context, taskID core.TaskID, opts StartOptions) error {
	task, err := s.store.Get(ctx, taskID)
	if err != nil {
		return err
	}

	switch {
	case opts.ApprovedPlan != "":
		if !task.CanApprovePlan() {
			return core.ErrState("INVALID_TRANSITION", fmt.Sprintf("cannot approve plan from status %q", task.Status))
		}
	case opts.IsResume:
		if !task.CanResume() {
			return core.ErrState("INVALID_TRANSITION", fmt.Sprintf("cannot resume from status %q", task.Status))
		}
	default:
		if !task.CanStart() {
			return core.ErrState("INVALID_TRANSITION", fmt.Sprintf("cannot start from status %q", task.Status))
		}
	}

	// The run and its cancel func are created and published together, with
	// task already set, so a concurrent CancelAgent/Shutdown racing this
	// setup window never observes a placeholder with a nil cancel or task
	// (see abortStart below for how a setup failure tears this down).
	runCtx, cancel := context.WithCancel(context.Background())
	run := &activeRun{task: task, opts: opts, cancel: cancel, feedbackCh: make(chan string, 8), done: make(chan struct{})}

	s.mu.Lock()
	if _, running := s.active[taskID]; running {
		s.mu.Unlock()
		cancel()
		return core.ErrState("AGENT_ALREADY_ACTIVE", "an agent run is already active for this task")
	}
	s.active[taskID] = run
	s.mu.Unlock()

	wt, err := s.worktrees.SetupWorktree(runCtx, taskID, task.RepoURL, task.TargetBranch)
	if err != nil {
		s.abortStart(run, runCtx.Err() != nil)
		return fmt.Errorf("preparing worktree: %w", err)
	}
	run.mu.Lock()
	run.wt = wt
	run.mu.Unlock()

	agent, err := s.agents.Get(string(task.AgentType))
	if err != nil {
		s.abortStart(run, runCtx.Err() != nil)
		return fmt.Errorf("resolving agent %q: %w", task.AgentType, err)
	}

	reviewFeedback := ""
	if opts.IsResume {
		reviewFeedback = task.PendingFeedback
	}
	prompt, err := s.prompts.Build(cli.PromptParams{
		Title:          task.Title,
		Description:    task.Description,
		UserInput:      task.UserInput,
		ContextFiles:   task.ContextFiles,
		BuildCommand:   task.BuildCommand,
		IsResume:       opts.IsResume,
		ReviewFeedback: reviewFeedback,
		IsEmptyRepo:    wt.IsEmptyRepo,
		PlanOnly:       opts.PlanOnly,
		ApprovedPlan:   opts.ApprovedPlan,
		AgentType:      string(task.AgentType),
	})
	if err != nil {
		s.abortStart(run, runCtx.Err() != nil)
		return fmt.Errorf("building prompt: %w", err)
	}
	run.mu.Lock()
	run.prompt = prompt
	run.mu.Unlock()

	if handler, ok := agent.(core.StreamingCapable); ok {
		handler.SetEventHandler(func(e core.AgentEvent) { s.handleAgentEvent(taskID, run, e) })
	}

	newStatus := core.TaskStatusCoding
	if opts.PlanOnly {
		newStatus = core.TaskStatusPlanning
	}
	if _, err := s.store.Update(ctx, taskID, func(t *core.Task) error {
		t.Status = newStatus
		if opts.IsResume {
			t.PendingFeedback = ""
		}
		return nil
	}); err != nil {
		s.abortStart(run, runCtx.Err() != nil)
		return fmt.Errorf("updating task status: %w", err)
	}

	s.armTimers(run)

	s.bus.Publish(events.NewStatusEvent(taskID, newStatus))

	go s.run(runCtx, agent, run)

	return nil
}

// abortStart tears down a run that never made it to s.run — setup failed
// or was cancelled while still preparing the worktree, resolving the
// agent, or building the prompt. Shares finishOnce with finish so a
// concurrent CancelAgent/Shutdown racing this window resolves to exactly
// one outcome instead of two. Only publishes CANCELLED (and flips the
// task to canceled) when the failure was actually a cancellation; a plain
// setup error leaves the task's stored status untouched, since it was
// never advanced past whatever StartAgent found it in.
func (s *Supervisor) abortStart(run *activeRun, cancelled bool) {
	run.finishOnce.Do(func() {
		defer close(run.done)
		s.stopTimers(run)
		s.dropActive(run.task.ID)
		if !cancelled {
			return
		}
		taskID := run.task.ID
		if _, err := s.store.Update(context.Background(), taskID, func(t *core.Task) error {
			t.Status = core.TaskStatusCanceled
			return nil
		}); err != nil {
			s.logger.Warn("updating task after setup cancellation", "task", taskID, "error", err)
		}
		s.bus.Publish(events.NewStatusEvent(taskID, core.TaskStatusCanceled))
		s.bus.Publish(events.NewErrorEvent(taskID, "agent run cancelled", "CANCELLED"))
	})
}

// run drives one agent execution to completion and hands the result to
// finish, which is guarded by activeRun.finishOnce so a concurrent
// cancelAgent or deadline firing only takes effect once.
func (s *Supervisor) run(ctx context.Context, agent core.Agent, run *activeRun) {
	result, execErr := agent.Execute(ctx, core.ExecuteOptions{
		Prompt:     run.prompt,
		Model:      run.task.AgentModel,
		WorkDir:    run.wt.Path,
		FeedbackCh: run.feedbackCh,
	})

	if execErr != nil {
		if isCancelledError(execErr) {
			// Either cancelAgent or the deadline timer already called
			// finish (or is about to); this is a harmless no-op in that
			// case, and a safety net if somehow neither did.
			s.finish(run, runOutcome{kind: "cancelled", err: execErr})
			return
		}
		s.finish(run, runOutcome{kind: "error", err: execErr})
		return
	}

	s.finish(run, runOutcome{kind: "completed", result: result})
}

// isCancelledError reports whether err is the "CANCELLED"-coded error
// BaseAdapter.execute returns when its context is cancelled.
func isCancelledError(err error) bool {
	de, ok := err.(*core.DomainError)
	if !ok {
		return false
	}
	return de.Code == "CANCELLED"
}

func (s *Supervisor) finish(run *activeRun, outcome runOutcome) {
	run.finishOnce.Do(func() {
		defer close(run.done)
		s.stopTimers(run)
		s.dropActive(run.task.ID)
		ctx := context.Background()
		taskID := run.task.ID

		switch outcome.kind {
		case "cancelled", "timeout":
			s.killRunProcesses(taskID, run.wt)
			code := "CANCELLED"
			msg := "agent run cancelled"
			if outcome.kind == "timeout" {
				code = "TIMEOUT"
				msg = "agent run exceeded its deadline"
			}
			if _, err := s.store.Update(ctx, taskID, func(t *core.Task) error {
				t.Status = core.TaskStatusCanceled
				return nil
			}); err != nil {
				s.logger.Warn("updating task after cancellation", "task", taskID, "error", err)
			}
			s.bus.Publish(events.NewStatusEvent(taskID, core.TaskStatusCanceled))
			s.bus.Publish(events.NewErrorEvent(taskID, msg, code))
		case "error":
			if _, err := s.store.Update(ctx, taskID, func(t *core.Task) error {
				t.Status = core.TaskStatusFailed
				t.Error = outcome.err.Error()
				return nil
			}); err != nil {
				s.logger.Warn("updating task after failure", "task", taskID, "error", err)
			}
			s.bus.Publish(events.NewStatusEvent(taskID, core.TaskStatusFailed))
			s.bus.Publish(events.NewErrorEvent(taskID, outcome.err.Error(), ""))
		case "completed":
			s.completeRun(ctx, run, outcome.result)
		}
	})
}

// completeRun persists the diff snapshot before any cleanup path could
// remove the worktree, then routes to plan_review (plan-only runs,
// extracting the plan from accumulated chat) or awaiting_review
// (implement runs), per spec §4.7.
func (s *Supervisor) completeRun(ctx context.Context, run *activeRun, result *core.ExecuteResult) {
	task, wt := run.task, run.wt
	taskID := task.ID

	var snapshot *core.ChangesSnapshot
	if files, err := s.worktrees.ChangedFiles(ctx, wt.Path, task.TargetBranch); err != nil {
		s.logger.Warn("collecting changed files", "task", taskID, "error", err)
	} else {
		diff, err := s.worktrees.Diff(ctx, wt.Path, task.TargetBranch)
		if err != nil {
			s.logger.Warn("collecting diff", "task", taskID, "error", err)
		}
		snapshot = &core.ChangesSnapshot{Files: files, Diff: diff}
	}

	if run.opts.PlanOnly {
		plan := run.planText()
		if plan == "" {
			plan = result.Summary
		}
		if _, err := s.store.Update(ctx, taskID, func(t *core.Task) error {
			t.Status = core.TaskStatusPlanReview
			t.Plan = plan
			t.ChangesData = snapshot
			return nil
		}); err != nil {
			s.logger.Warn("updating task after plan run", "task", taskID, "error", err)
		}
		s.bus.Publish(events.NewStatusEvent(taskID, core.TaskStatusPlanReview))
		s.bus.Publish(events.NewCompleteEvent(taskID, "", result.Summary))
		return
	}

	if _, err := s.store.Update(ctx, taskID, func(t *core.Task) error {
		t.Status = core.TaskStatusAwaitingReview
		t.ChangesData = snapshot
		return nil
	}); err != nil {
		s.logger.Warn("updating task after implement run", "task", taskID, "error", err)
	}
	s.bus.Publish(events.NewStatusEvent(taskID, core.TaskStatusAwaitingReview))
	s.bus.Publish(events.NewCompleteEvent(taskID, "", result.Summary))
}

// handleAgentEvent translates one core.AgentEvent from a running
// backend into the task's bus topic, additionally persisting log
// events to the task store and chat events to the run's bounded buffer.
func (s *Supervisor) handleAgentEvent(taskID core.TaskID, run *activeRun, e core.AgentEvent) {
	switch e.Type {
	case core.AgentEventLog:
		level := e.Level
		if level == "" {
			level = "info"
		}
		if err := s.store.AppendLog(context.Background(), taskID, core.LogEntry{
			Timestamp: e.Timestamp, Level: level, Message: e.Message, Data: e.Data,
		}); err != nil {
			s.logger.Warn("appending agent log", "task", taskID, "error", err)
		}
		s.bus.Publish(events.NewLogEvent(taskID, level, e.Message, e.Data))
	case core.AgentEventChat:
		msg := events.ChatMessageEvent{ID: e.ID, Role: events.ChatRole(e.Role), Content: e.Message, Ts: e.Timestamp}
		if msg.ID == "" {
			msg.ID = uuid.New().String()
		}
		run.appendChat(msg)
		s.bus.Publish(events.NewChatMessageEvent(taskID, msg))
	case core.AgentEventTool:
		act := events.ToolActivityEvent{ID: e.ID, Name: e.ToolName, Summary: e.Message, Status: events.ToolActivityStatus(e.Status), Ts: e.Timestamp}
		if act.ID == "" {
			act.ID = uuid.New().String()
		}
		s.bus.Publish(events.NewToolActivityEvent(taskID, act))
	case core.AgentEventCompleted, core.AgentEventError:
		// Terminal bookkeeping happens once Execute returns, in s.run/finish.
	}
}

// ApprovePlan implements spec §4.7's approvePlan: retrieves the plan
// extracted from a completed plan-only run and starts an implement run
// against it.
func (s *Supervisor) ApprovePlan(ctx context.Context, taskID core.TaskID) error {
	task, err := s.store.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if !task.CanApprovePlan() {
		return core.ErrState("INVALID_TRANSITION", fmt.Sprintf("cannot approve plan from status %q", task.Status))
	}
	if task.Plan == "" {
		return core.ErrState("NO_PLAN", "task has no extracted plan to approve")
	}
	return s.StartAgent(ctx, taskID, StartOptions{ApprovedPlan: task.Plan})
}

// ApproveAndCreatePR implements spec §4.7's approveAndCreatePR. Per
// spec §4.5, a file:// origin must be re-read from the worktree's own
// git config rather than trusting the task's stored repoUrl, since
// that is what the forge adapter needs to route the request correctly.
func (s *Supervisor) ApproveAndCreatePR(ctx context.Context, taskID core.TaskID) error {
	task, err := s.store.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != core.TaskStatusAwaitingReview {
		return core.ErrState("INVALID_TRANSITION", fmt.Sprintf("cannot create a pull request from status %q", task.Status))
	}

	wt, err := s.worktrees.Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("locating worktree: %w", err)
	}

	gitClient, err := s.gitFor(wt.Path)
	if err != nil {
		return fmt.Errorf("opening worktree git client: %w", err)
	}

	originURL, err := gitClient.RemoteURL(ctx, "origin")
	if err != nil {
		return fmt.Errorf("reading worktree origin: %w", err)
	}

	if err := gitClient.Fetch(ctx, "origin", true); err != nil {
		return fmt.Errorf("fetching target branch: %w", err)
	}

	if err := gitClient.Merge(ctx, "origin/"+task.TargetBranch); err != nil {
		conflicts, cErr := gitClient.ConflictFiles(ctx)
		if cErr != nil {
			s.logger.Warn("listing conflict files", "task", taskID, "error", cErr)
		}
		_ = gitClient.AbortMerge(ctx)
		if _, uErr := s.store.Update(ctx, taskID, func(t *core.Task) error {
			t.Status = core.TaskStatusMergeConflicts
			t.ConflictFiles = conflicts
			return nil
		}); uErr != nil {
			return uErr
		}
		s.bus.Publish(events.NewStatusEvent(taskID, core.TaskStatusMergeConflicts))
		return core.ErrMergeConflict(fmt.Sprintf("merging %s produced conflicts", task.TargetBranch))
	}

	credential, _ := s.credentialFor()
	if err := s.worktrees.PushBranch(ctx, wt.Path, task.BranchName, credential); err != nil {
		return fmt.Errorf("pushing branch: %w", err)
	}

	pr, err := s.forge.CreatePR(ctx, originURL, core.CreatePROptions{
		Head:  task.BranchName,
		Base:  task.TargetBranch,
		Title: task.Title,
		Body:  task.Description,
	})
	if err != nil {
		return fmt.Errorf("creating pull request: %w", err)
	}

	if _, err := s.store.Update(ctx, taskID, func(t *core.Task) error {
		t.Status = core.TaskStatusPRCreated
		t.PRUrl = pr.URL
		t.PRNumber = pr.Number
		return nil
	}); err != nil {
		return err
	}
	if s.prTracker != nil {
		s.prTracker.TrackPR(taskID, originURL, pr.Number)
	}
	s.bus.Publish(events.NewStatusEvent(taskID, core.TaskStatusPRCreated))
	s.bus.Publish(events.NewCompleteEvent(taskID, pr.URL, "pull request created"))
	return nil
}

// credentialFor picks whichever forge token the secrets collaborator
// holds; the push path doesn't know in advance which forge a file://
// or ambiguous remote belongs to, so it simply tries both.
func (s *Supervisor) credentialFor() (string, bool) {
	if s.secrets == nil {
		return "", false
	}
	if tok, ok := s.secrets.Get(core.SecretGitHubToken); ok {
		return tok, true
	}
	return s.secrets.Get(core.SecretGitLabToken)
}

// RequestChanges implements spec §4.7's requestChanges.
func (s *Supervisor) RequestChanges(ctx context.Context, taskID core.TaskID, feedback string) error {
	task, err := s.store.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != core.TaskStatusPRCreated {
		return core.ErrState("INVALID_TRANSITION", fmt.Sprintf("cannot request changes from status %q", task.Status))
	}
	if _, err := s.store.Update(ctx, taskID, func(t *core.Task) error {
		t.PendingFeedback = feedback
		t.Status = core.TaskStatusChangesRequested
		return nil
	}); err != nil {
		return err
	}
	s.bus.Publish(events.NewStatusEvent(taskID, core.TaskStatusChangesRequested))
	return nil
}

// MarkPRMerged implements spec §4.7's markPRMerged.
func (s *Supervisor) MarkPRMerged(ctx context.Context, taskID core.TaskID) error {
	task, err := s.store.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != core.TaskStatusPRCreated {
		return core.ErrState("INVALID_TRANSITION", fmt.Sprintf("cannot mark merged from status %q", task.Status))
	}
	if _, err := s.store.Update(ctx, taskID, func(t *core.Task) error {
		t.Status = core.TaskStatusDone
		return nil
	}); err != nil {
		return err
	}
	if s.prTracker != nil {
		s.prTracker.UntrackPR(taskID)
	}
	if err := s.worktrees.CleanupWorktree(ctx, taskID, true); err != nil {
		s.logger.Warn("cleaning up worktree after merge", "task", taskID, "error", err)
	}
	s.bus.Publish(events.NewStatusEvent(taskID, core.TaskStatusDone))
	s.bus.Publish(events.NewCompleteEvent(taskID, task.PRUrl, "pull request merged"))
	return nil
}

// MarkPRClosed implements spec §4.7's markPRClosed.
func (s *Supervisor) MarkPRClosed(ctx context.Context, taskID core.TaskID) error {
	task, err := s.store.Get(ctx, taskID)
	if err != nil {
		return err
	}
	switch task.Status {
	case core.TaskStatusPRCreated, core.TaskStatusReview, core.TaskStatusChangesRequested:
	default:
		return core.ErrState("INVALID_TRANSITION", fmt.Sprintf("cannot mark closed from status %q", task.Status))
	}
	if _, err := s.store.Update(ctx, taskID, func(t *core.Task) error {
		t.Status = core.TaskStatusCanceled
		return nil
	}); err != nil {
		return err
	}
	if s.prTracker != nil {
		s.prTracker.UntrackPR(taskID)
	}
	if err := s.worktrees.CleanupWorktree(ctx, taskID, true); err != nil {
		s.logger.Warn("cleaning up worktree after PR close", "task", taskID, "error", err)
	}
	s.bus.Publish(events.NewStatusEvent(taskID, core.TaskStatusCanceled))
	s.bus.Publish(events.NewErrorEvent(taskID, "pull request closed without merging", ""))
	return nil
}

// SendFeedback implements spec §4.7's sendFeedback: msg is recorded as
// a user chat event for replay and forwarded to the runner's stdin via
// its feedback channel.
func (s *Supervisor) SendFeedback(taskID core.TaskID, msg string) error {
	run := s.lookupActive(taskID)
	chatMsg := events.ChatMessageEvent{ID: uuid.New().String(), Role: events.ChatRoleUser, Content: msg, Ts: time.Now()}
	if run != nil {
		run.appendChat(chatMsg)
	}
	s.bus.Publish(events.NewChatMessageEvent(taskID, chatMsg))

	if run == nil {
		return core.ErrState("NO_ACTIVE_AGENT", "no active agent run for this task")
	}
	select {
	case run.feedbackCh <- msg:
	default:
		return core.ErrBusy("FEEDBACK_CHANNEL_FULL", "feedback channel full, try again shortly")
	}
	return nil
}

// CancelAgent implements spec §4.7's cancelAgent. Its effects are
// synchronous: timers are disarmed, the process tree is killed, and the
// terminal error event is published before this call returns.
func (s *Supervisor) CancelAgent(taskID core.TaskID) error {
	run := s.lookupActive(taskID)
	if run == nil {
		return core.ErrState("NO_ACTIVE_AGENT", "no active agent run for this task")
	}
	run.cancel()
	s.finish(run, runOutcome{kind: "cancelled"})
	return nil
}

// Shutdown implements spec §5's process-shutdown requirement: every
// in-flight run is cancelled (each emits CANCELLED, exactly as a
// CancelAgent call would), and cleanup is given bounded effort — this
// blocks until every run's finish handler has completed or ctx is done,
// whichever comes first — before the event bus is closed. Callers should
// stop accepting new StartAgent calls (e.g. by stopping the HTTP server
// and PR watcher) before calling Shutdown, since nothing here prevents a
// new run from starting concurrently.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	runs := make([]*activeRun, 0, len(s.active))
	for _, run := range s.active {
		runs = append(runs, run)
	}
	s.mu.Unlock()

	for _, run := range runs {
		run.cancel()
	}
	for _, run := range runs {
		select {
		case <-run.done:
		case <-ctx.Done():
			s.logger.Warn("shutdown deadline reached before agent run finished unwinding", "task", run.task.ID)
		}
	}
	s.bus.Close()
}

// ExtendTimeout implements spec §4.7's extendTimeout: both timers are
// re-armed from now, the deadline by the full extension and the
// warning by the extension less the warning threshold (0 when the two
// are equal, which is the spec's default — an extension only ever buys
// one warning-free instant before nagging resumes).
func (s *Supervisor) ExtendTimeout(taskID core.TaskID) error {
	run := s.lookupActive(taskID)
	if run == nil {
		return core.ErrState("NO_ACTIVE_AGENT", "no active agent run for this task")
	}
	s.stopTimers(run)

	warnDelay := s.cfg.Extension - s.cfg.Warning
	if warnDelay < 0 {
		warnDelay = 0
	}
	run.mu.Lock()
	run.deadlineTimer = time.AfterFunc(s.cfg.Extension, func() { s.onDeadline(run) })
	run.warnTimer = time.AfterFunc(warnDelay, func() { s.onWarn(run) })
	run.mu.Unlock()
	return nil
}
