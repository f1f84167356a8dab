package api

import (
	"context"
	"sync"

	"github.com/anti-entropy/forgewright/internal/core"
	"github.com/anti-entropy/forgewright/internal/events"
	"github.com/anti-entropy/forgewright/internal/service"
)

// fakeStore is a minimal in-memory core.TaskStore for handler tests.
type fakeStore struct {
	mu    sync.Mutex
	tasks map[core.TaskID]*core.Task
	logs  map[core.TaskID][]core.LogEntry
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tasks: make(map[core.TaskID]*core.Task),
		logs:  make(map[core.TaskID][]core.LogEntry),
	}
}

func (f *fakeStore) Create(_ context.Context, t *core.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[t.ID] = t
	return nil
}

func (f *fakeStore) Get(_ context.Context, id core.TaskID) (*core.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil, core.ErrNotFound("task", string(id))
	}
	return t, nil
}

func (f *fakeStore) Update(_ context.Context, id core.TaskID, patch func(*core.Task) error) (*core.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil, core.ErrNotFound("task", string(id))
	}
	if err := patch(t); err != nil {
		return nil, err
	}
	return t, nil
}

func (f *fakeStore) Delete(_ context.Context, id core.TaskID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tasks[id]; !ok {
		return core.ErrNotFound("task", string(id))
	}
	delete(f.tasks, id)
	return nil
}

func (f *fakeStore) ListByStatus(_ context.Context, statuses ...core.TaskStatus) ([]*core.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*core.Task
	for _, t := range f.tasks {
		if len(statuses) == 0 {
			out = append(out, t)
			continue
		}
		for _, st := range statuses {
			if t.Status == st {
				out = append(out, t)
				break
			}
		}
	}
	return out, nil
}

func (f *fakeStore) ListByRepository(_ context.Context, repositoryID string) ([]*core.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*core.Task
	for _, t := range f.tasks {
		if t.RepositoryID == repositoryID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeStore) AppendLog(_ context.Context, id core.TaskID, entry core.LogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs[id] = append(f.logs[id], entry)
	return nil
}

func (f *fakeStore) Logs(_ context.Context, id core.TaskID) ([]core.LogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logs[id], nil
}

func (f *fakeStore) GetRepository(context.Context, string) (*core.Repository, error) {
	return nil, core.ErrNotFound("repository", "")
}

func (f *fakeStore) PutRepository(context.Context, *core.Repository) error { return nil }

func (f *fakeStore) Export(context.Context) (*core.StoreSnapshot, error) {
	return &core.StoreSnapshot{}, nil
}

func (f *fakeStore) Import(context.Context, *core.StoreSnapshot) error { return nil }

func (f *fakeStore) Close() error { return nil }

var _ core.TaskStore = (*fakeStore)(nil)

// fakeSupervisor records every call it receives so tests can assert on
// what the handler dispatched to it, and returns whatever error (if any)
// the test configured for that method.
type fakeSupervisor struct {
	mu    sync.Mutex
	calls []string
	errs  map[string]error
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{errs: make(map[string]error)}
}

func (f *fakeSupervisor) record(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	return f.errs[name]
}

func (f *fakeSupervisor) StartAgent(_ context.Context, _ core.TaskID, _ service.StartOptions) error {
	return f.record("StartAgent")
}
func (f *fakeSupervisor) ApprovePlan(_ context.Context, _ core.TaskID) error {
	return f.record("ApprovePlan")
}
func (f *fakeSupervisor) ApproveAndCreatePR(_ context.Context, _ core.TaskID) error {
	return f.record("ApproveAndCreatePR")
}
func (f *fakeSupervisor) RequestChanges(_ context.Context, _ core.TaskID, _ string) error {
	return f.record("RequestChanges")
}
func (f *fakeSupervisor) MarkPRMerged(_ context.Context, _ core.TaskID) error {
	return f.record("MarkPRMerged")
}
func (f *fakeSupervisor) MarkPRClosed(_ context.Context, _ core.TaskID) error {
	return f.record("MarkPRClosed")
}
func (f *fakeSupervisor) SendFeedback(_ core.TaskID, _ string) error {
	return f.record("SendFeedback")
}
func (f *fakeSupervisor) CancelAgent(_ core.TaskID) error {
	return f.record("CancelAgent")
}
func (f *fakeSupervisor) ExtendTimeout(_ core.TaskID) error {
	return f.record("ExtendTimeout")
}
func (f *fakeSupervisor) ChatHistory(core.TaskID) []events.ChatMessageEvent {
	return nil
}

var _ Supervisor = (*fakeSupervisor)(nil)
