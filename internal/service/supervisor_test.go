package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/anti-entropy/forgewright/internal/adapters/cli"
	"github.com/anti-entropy/forgewright/internal/core"
	"github.com/anti-entropy/forgewright/internal/events"
)

// --- fakes -----------------------------------------------------------------

type fakeStore struct {
	mu    sync.Mutex
	tasks map[core.TaskID]*core.Task
	logs  map[core.TaskID][]core.LogEntry
}

func newFakeStore(t *core.Task) *fakeStore {
	return &fakeStore{tasks: map[core.TaskID]*core.Task{t.ID: t}, logs: map[core.TaskID][]core.LogEntry{}}
}

func (s *fakeStore) Create(ctx context.Context, t *core.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t
	return nil
}

func (s *fakeStore) Get(ctx context.Context, id core.TaskID) (*core.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, core.ErrNotFound("task", string(id))
	}
	cp := *t
	return &cp, nil
}

func (s *fakeStore) Update(ctx context.Context, id core.TaskID, patch func(*core.Task) error) (*core.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, core.ErrNotFound("task", string(id))
	}
	if err := patch(t); err != nil {
		return nil, err
	}
	cp := *t
	return &cp, nil
}

func (s *fakeStore) Delete(ctx context.Context, id core.TaskID) error { return nil }
func (s *fakeStore) ListByStatus(ctx context.Context, statuses ...core.TaskStatus) ([]*core.Task, error) {
	return nil, nil
}
func (s *fakeStore) ListByRepository(ctx context.Context, repositoryID string) ([]*core.Task, error) {
	return nil, nil
}

func (s *fakeStore) AppendLog(ctx context.Context, id core.TaskID, entry core.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[id] = append(s.logs[id], entry)
	return nil
}
func (s *fakeStore) Logs(ctx context.Context, id core.TaskID) ([]core.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logs[id], nil
}
func (s *fakeStore) GetRepository(ctx context.Context, url string) (*core.Repository, error) {
	return nil, core.ErrNotFound("repository", url)
}
func (s *fakeStore) PutRepository(ctx context.Context, r *core.Repository) error { return nil }
func (s *fakeStore) Export(ctx context.Context) (*core.StoreSnapshot, error)     { return nil, nil }
func (s *fakeStore) Import(ctx context.Context, snap *core.StoreSnapshot) error  { return nil }
func (s *fakeStore) Close() error                                               { return nil }

func (s *fakeStore) status(id core.TaskID) core.TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[id].Status
}

type fakeWorktrees struct {
	info *core.WorktreeInfo

	changedFiles []core.ChangedFile
	diff         string

	cleaned   bool
	cleanupMu sync.Mutex
}

func (f *fakeWorktrees) EnsureBareRepo(ctx context.Context, repoURL string) (string, error) {
	return "/bare", nil
}
func (f *fakeWorktrees) FetchRepo(ctx context.Context, barePath, branch string) error { return nil }
func (f *fakeWorktrees) SetupWorktree(ctx context.Context, taskID core.TaskID, repoURL, targetBranch string) (*core.WorktreeInfo, error) {
	return f.info, nil
}
func (f *fakeWorktrees) CommitChanges(ctx context.Context, worktreePath, message string) error {
	return nil
}
func (f *fakeWorktrees) PushBranch(ctx context.Context, worktreePath, branch, credential string) error {
	return nil
}
func (f *fakeWorktrees) ChangedFiles(ctx context.Context, worktreePath, baseBranch string) ([]core.ChangedFile, error) {
	return f.changedFiles, nil
}
func (f *fakeWorktrees) Diff(ctx context.Context, worktreePath, baseBranch string) (string, error) {
	return f.diff, nil
}
func (f *fakeWorktrees) CleanupWorktree(ctx context.Context, taskID core.TaskID, removeBranch bool) error {
	f.cleanupMu.Lock()
	defer f.cleanupMu.Unlock()
	f.cleaned = true
	return nil
}
func (f *fakeWorktrees) Get(ctx context.Context, taskID core.TaskID) (*core.WorktreeInfo, error) {
	return f.info, nil
}

type fakeForge struct {
	createdPR *core.PullRequest
}

func (f *fakeForge) CreatePR(ctx context.Context, repoURL string, opts core.CreatePROptions) (*core.PullRequest, error) {
	return f.createdPR, nil
}
func (f *fakeForge) GetPR(ctx context.Context, repoURL string, number int) (*core.PullRequest, error) {
	return f.createdPR, nil
}
func (f *fakeForge) ListPRComments(ctx context.Context, repoURL string, number int, since *time.Time) ([]core.PRComment, error) {
	return nil, nil
}
func (f *fakeForge) AddComment(ctx context.Context, repoURL string, number int, body string) error {
	return nil
}

type fakeAgent struct {
	handler   core.AgentEventHandler
	result    *core.ExecuteResult
	err       error
	blockCh   chan struct{}
	gotPrompt string
}

func (a *fakeAgent) Name() string                    { return "fake" }
func (a *fakeAgent) Capabilities() core.Capabilities  { return core.Capabilities{} }
func (a *fakeAgent) Ping(ctx context.Context) error   { return nil }
func (a *fakeAgent) SetEventHandler(h core.AgentEventHandler) {
	a.handler = h
}
func (a *fakeAgent) Execute(ctx context.Context, opts core.ExecuteOptions) (*core.ExecuteResult, error) {
	a.gotPrompt = opts.Prompt
	if a.blockCh != nil {
		select {
		case <-ctx.Done():
			return nil, core.ErrState("CANCELLED", "execution cancelled")
		case <-a.blockCh:
		}
	}
	if a.err != nil {
		return nil, a.err
	}
	return a.result, nil
}

var _ core.Agent = (*fakeAgent)(nil)
var _ core.StreamingCapable = (*fakeAgent)(nil)

type fakeRegistry struct{ agent core.Agent }

func (r *fakeRegistry) Get(name string) (core.Agent, error) { return r.agent, nil }

type fakePrompts struct{}

func (fakePrompts) Build(p cli.PromptParams) (string, error) { return "prompt:" + p.Title, nil }

type fakeGitClient struct {
	core.GitClient
	origin       string
	mergeErr     error
	conflicts    []string
}

func (g *fakeGitClient) RemoteURL(ctx context.Context, remote string) (string, error) {
	return g.origin, nil
}
func (g *fakeGitClient) Fetch(ctx context.Context, remote string, prune bool) error { return nil }
func (g *fakeGitClient) Merge(ctx context.Context, branch string) error            { return g.mergeErr }
func (g *fakeGitClient) AbortMerge(ctx context.Context) error                      { return nil }
func (g *fakeGitClient) ConflictFiles(ctx context.Context) ([]string, error) {
	return g.conflicts, nil
}

func newTestSupervisor(t *testing.T, task *core.Task, wt *core.WorktreeInfo, agent *fakeAgent) (*Supervisor, *fakeStore, *fakeWorktrees, *events.Bus) {
	t.Helper()
	store := newFakeStore(task)
	wtm := &fakeWorktrees{info: wt}
	bus := events.New(32)
	sup := NewSupervisor(store, wtm, &fakeForge{}, &fakeRegistry{agent: agent}, nil, nil, bus, nil, nil, SupervisorConfig{})
	sup.prompts = fakePrompts{}
	return sup, store, wtm, bus
}

func newDraftTask() *core.Task {
	task := core.NewTask("Do thing", "https://example.com/repo.git", "main")
	task.Description = "desc"
	task.AgentType = core.AgentClaudeCode
	return task
}

func TestStartAgent_HappyPath_MovesToCoding(t *testing.T) {
	task := newDraftTask()
	wt := &core.WorktreeInfo{TaskID: task.ID, Path: "/wt/" + string(task.ID)}
	agent := &fakeAgent{result: &core.ExecuteResult{Summary: "did the thing"}}
	sup, store, _, bus := newTestSupervisor(t, task, wt, agent)

	sub, cancel := bus.Subscribe(task.ID)
	defer cancel()

	require.NoError(t, sup.StartAgent(context.Background(), task.ID, StartOptions{}))
	require.Equal(t, core.TaskStatusCoding, store.status(task.ID))

	select {
	case e := <-sub:
		require.Equal(t, events.TypeStatus, e.Type)
		require.Equal(t, core.TaskStatusCoding, e.NewStatus)
	case <-time.After(time.Second):
		t.Fatal("expected a status event")
	}
}

func TestStartAgent_RejectsInvalidStatus(t *testing.T) {
	task := newDraftTask()
	task.Status = core.TaskStatusPRCreated
	wt := &core.WorktreeInfo{TaskID: task.ID, Path: "/wt"}
	sup, _, _, _ := newTestSupervisor(t, task, wt, &fakeAgent{result: &core.ExecuteResult{}})

	err := sup.StartAgent(context.Background(), task.ID, StartOptions{})
	require.Error(t, err)
}

func TestStartAgent_Rejects_WhenAlreadyActive(t *testing.T) {
	task := newDraftTask()
	wt := &core.WorktreeInfo{TaskID: task.ID, Path: "/wt"}
	agent := &fakeAgent{blockCh: make(chan struct{}), result: &core.ExecuteResult{}}
	sup, _, _, _ := newTestSupervisor(t, task, wt, agent)

	require.NoError(t, sup.StartAgent(context.Background(), task.ID, StartOptions{}))
	err := sup.StartAgent(context.Background(), task.ID, StartOptions{})
	require.Error(t, err)
	close(agent.blockCh)
}

func TestCancelAgent_TransitionsToCanceledSynchronously(t *testing.T) {
	task := newDraftTask()
	wt := &core.WorktreeInfo{TaskID: task.ID, Path: "/wt"}
	agent := &fakeAgent{blockCh: make(chan struct{})}
	sup, store, _, bus := newTestSupervisor(t, task, wt, agent)
	sub, cancel := bus.Subscribe(task.ID)
	defer cancel()

	require.NoError(t, sup.StartAgent(context.Background(), task.ID, StartOptions{}))
	require.NoError(t, sup.CancelAgent(task.ID))
	require.Equal(t, core.TaskStatusCanceled, store.status(task.ID))

	var sawCancelled bool
	for i := 0; i < 4; i++ {
		select {
		case e := <-sub:
			if e.Type == events.TypeError && e.Code == "CANCELLED" {
				sawCancelled = true
			}
		case <-time.After(time.Second):
		}
	}
	require.True(t, sawCancelled)
}

func TestShutdown_CancelsActiveRunsAndClosesBus(t *testing.T) {
	task := newDraftTask()
	wt := &core.WorktreeInfo{TaskID: task.ID, Path: "/wt"}
	agent := &fakeAgent{blockCh: make(chan struct{})}
	sup, store, _, bus := newTestSupervisor(t, task, wt, agent)
	sub, cancel := bus.Subscribe(task.ID)
	defer cancel()

	require.NoError(t, sup.StartAgent(context.Background(), task.ID, StartOptions{}))

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), time.Second)
	defer cancelShutdown()
	sup.Shutdown(shutdownCtx)

	require.Equal(t, core.TaskStatusCanceled, store.status(task.ID))

	var sawCancelled bool
	for i := 0; i < 4; i++ {
		select {
		case e := <-sub:
			if e.Type == events.TypeError && e.Code == "CANCELLED" {
				sawCancelled = true
			}
		case <-time.After(time.Second):
		}
	}
	require.True(t, sawCancelled)

	// Shutdown closes the bus itself (internal/events/bus.go's Close);
	// publishing on a different task's topic after Close is a documented
	// no-op, confirming Shutdown did more than cancel the one run above.
	other := core.TaskID("unrelated-task")
	otherSub, otherCancel := bus.Subscribe(other)
	defer otherCancel()
	bus.Publish(events.NewStatusEvent(other, core.TaskStatusCoding))
	select {
	case e := <-otherSub:
		t.Fatalf("unexpected event on a closed bus: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStartAgent_CancelDuringWorktreeSetup_DoesNotPanic(t *testing.T) {
	task := newDraftTask()
	wt := &core.WorktreeInfo{TaskID: task.ID, Path: "/wt"}
	store := newFakeStore(task)
	setupStarted := make(chan struct{})
	wtm := &blockingWorktrees{info: wt, started: setupStarted, release: make(chan struct{})}
	bus := events.New(32)
	agent := &fakeAgent{result: &core.ExecuteResult{}}
	sup := NewSupervisor(store, wtm, &fakeForge{}, &fakeRegistry{agent: agent}, nil, nil, bus, nil, nil, SupervisorConfig{})
	sup.prompts = fakePrompts{}

	startErrCh := make(chan error, 1)
	go func() { startErrCh <- sup.StartAgent(context.Background(), task.ID, StartOptions{}) }()

	<-setupStarted
	// CancelAgent races StartAgent while the placeholder run is still
	// mid-setup; it must not panic on a nil cancel func or nil task.
	err := sup.CancelAgent(task.ID)
	close(wtm.release)
	<-startErrCh

	require.NoError(t, err)
	require.Equal(t, core.TaskStatusCanceled, store.status(task.ID))
}

type blockingWorktrees struct {
	fakeWorktrees
	info    *core.WorktreeInfo
	started chan struct{}
	release chan struct{}
}

func (f *blockingWorktrees) SetupWorktree(ctx context.Context, taskID core.TaskID, repoURL, targetBranch string) (*core.WorktreeInfo, error) {
	close(f.started)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.release:
		return f.info, nil
	}
}

func TestCompleteRun_PlanOnly_ExtractsPlanFromChat(t *testing.T) {
	task := newDraftTask()
	wt := &core.WorktreeInfo{TaskID: task.ID, Path: "/wt"}
	agent := &fakeAgent{result: &core.ExecuteResult{Summary: "fallback summary"}}
	sup, store, _, _ := newTestSupervisor(t, task, wt, agent)

	require.NoError(t, sup.StartAgent(context.Background(), task.ID, StartOptions{PlanOnly: true}))

	// Simulate the backend streaming an assistant chat message before finishing.
	run := sup.lookupActive(task.ID)
	require.NotNil(t, run)
	chatEvent := core.NewAgentEvent(core.AgentEventChat, "fake", "here is my plan")
	chatEvent.Role = core.ChatRoleAssistant
	agent.handler(chatEvent)

	require.Eventually(t, func() bool {
		return store.status(task.ID) == core.TaskStatusPlanReview
	}, time.Second, 10*time.Millisecond)

	got, err := store.Get(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, "here is my plan", got.Plan)
}

func TestApproveAndCreatePR_MergeConflict_SetsMergeConflictsStatus(t *testing.T) {
	task := newDraftTask()
	task.Status = core.TaskStatusAwaitingReview
	task.BranchName = task.ID.BranchName()
	wt := &core.WorktreeInfo{TaskID: task.ID, Path: "/wt"}
	sup, store, _, bus := newTestSupervisor(t, task, wt, &fakeAgent{})
	sub, cancel := bus.Subscribe(task.ID)
	defer cancel()

	sup.SetGitClientFactory(func(path string) (core.GitClient, error) {
		return &fakeGitClient{origin: "https://example.com/repo.git", mergeErr: core.ErrMergeConflict("conflict"), conflicts: []string{"a.go"}}, nil
	})

	err := sup.ApproveAndCreatePR(context.Background(), task.ID)
	require.Error(t, err)
	require.Equal(t, core.TaskStatusMergeConflicts, store.status(task.ID))

	select {
	case e := <-sub:
		require.Equal(t, core.TaskStatusMergeConflicts, e.NewStatus)
	case <-time.After(time.Second):
		t.Fatal("expected a status event")
	}
}

func TestApproveAndCreatePR_HappyPath_TracksPR(t *testing.T) {
	task := newDraftTask()
	task.Status = core.TaskStatusAwaitingReview
	task.BranchName = task.ID.BranchName()
	wt := &core.WorktreeInfo{TaskID: task.ID, Path: "/wt"}
	store := newFakeStore(task)
	wtm := &fakeWorktrees{info: wt}
	bus := events.New(32)
	forge := &fakeForge{createdPR: &core.PullRequest{Number: 7, URL: "https://example.com/repo/pull/7"}}
	sup := NewSupervisor(store, wtm, forge, &fakeRegistry{agent: &fakeAgent{}}, nil, nil, bus, nil, nil, SupervisorConfig{})
	sup.prompts = fakePrompts{}
	sup.SetGitClientFactory(func(path string) (core.GitClient, error) {
		return &fakeGitClient{origin: "https://example.com/repo.git"}, nil
	})

	var tracked core.TaskID
	sup.SetPRTracker(trackerFunc{track: func(id core.TaskID, repoURL string, number int) { tracked = id }})

	require.NoError(t, sup.ApproveAndCreatePR(context.Background(), task.ID))
	require.Equal(t, core.TaskStatusPRCreated, store.status(task.ID))
	require.Equal(t, task.ID, tracked)
}

type trackerFunc struct {
	track   func(core.TaskID, string, int)
	untrack func(core.TaskID)
}

func (t trackerFunc) TrackPR(taskID core.TaskID, repoURL string, number int) {
	if t.track != nil {
		t.track(taskID, repoURL, number)
	}
}
func (t trackerFunc) UntrackPR(taskID core.TaskID) {
	if t.untrack != nil {
		t.untrack(taskID)
	}
}

func TestExtendTimeout_RearmsTimers(t *testing.T) {
	task := newDraftTask()
	wt := &core.WorktreeInfo{TaskID: task.ID, Path: "/wt"}
	agent := &fakeAgent{blockCh: make(chan struct{})}
	sup, _, _, _ := newTestSupervisor(t, task, wt, agent)
	sup.cfg = SupervisorConfig{Deadline: 50 * time.Millisecond, Warning: 50 * time.Millisecond, Extension: 50 * time.Millisecond}.withDefaults()
	sup.cfg.Deadline = 50 * time.Millisecond
	sup.cfg.Warning = 20 * time.Millisecond

	require.NoError(t, sup.StartAgent(context.Background(), task.ID, StartOptions{}))
	require.NoError(t, sup.ExtendTimeout(task.ID))
	// Still active after the original deadline would have fired.
	time.Sleep(60 * time.Millisecond)
	require.NotNil(t, sup.lookupActive(task.ID))
	close(agent.blockCh)
}

func TestSendFeedback_NoActiveAgent_ReturnsError(t *testing.T) {
	task := newDraftTask()
	wt := &core.WorktreeInfo{TaskID: task.ID, Path: "/wt"}
	sup, _, _, _ := newTestSupervisor(t, task, wt, &fakeAgent{})

	err := sup.SendFeedback(task.ID, "hello")
	require.Error(t, err)
}
