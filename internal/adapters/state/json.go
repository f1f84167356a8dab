package state

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/anti-entropy/forgewright/internal/core"
)

// jsonEnvelope wraps a snapshot with a version tag, mirroring the
// teacher's versioned-envelope approach to JSON state persistence.
type jsonEnvelope struct {
	Version   int                 `json:"version"`
	UpdatedAt time.Time           `json:"updatedAt"`
	Snapshot  *core.StoreSnapshot `json:"snapshot"`
}

const jsonStoreVersion = 1

// JSONStore is a single-flat-file TaskStore, used for tests and
// single-binary embedding where a SQLite dependency is undesirable. The
// whole snapshot is held in memory and rewritten atomically on every
// mutation, exactly mirroring the teacher's atomic-write-on-every-save
// JSON state manager.
type JSONStore struct {
	mu   sync.Mutex
	path string

	tasks map[core.TaskID]*core.Task
	logs  map[core.TaskID][]core.LogEntry
	repos map[string]*core.Repository
}

// NewJSONStore opens (loading if present) a flat-file task store at path.
func NewJSONStore(path string) (*JSONStore, error) {
	s := &JSONStore{
		path:  path,
		tasks: make(map[core.TaskID]*core.Task),
		logs:  make(map[core.TaskID][]core.LogEntry),
		repos: make(map[string]*core.Repository),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *JSONStore) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var env jsonEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	if env.Snapshot == nil {
		return nil
	}
	for _, t := range env.Snapshot.Tasks {
		s.tasks[t.ID] = t
	}
	for _, row := range env.Snapshot.Logs {
		s.logs[row.TaskID] = append(s.logs[row.TaskID], row.Entry)
	}
	for _, r := range env.Snapshot.Repositories {
		s.repos[r.URL] = r
	}
	return nil
}

// persistLocked rewrites the whole store atomically. Caller must hold s.mu.
func (s *JSONStore) persistLocked() error {
	snap, err := s.exportLocked()
	if err != nil {
		return err
	}
	env := jsonEnvelope{Version: jsonStoreVersion, UpdatedAt: time.Now(), Snapshot: snap}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return err
		}
	}
	return atomicWriteFile(s.path, data, 0o640)
}

func (s *JSONStore) exportLocked() (*core.StoreSnapshot, error) {
	snap := &core.StoreSnapshot{}
	for _, t := range s.tasks {
		cp := *t
		snap.Tasks = append(snap.Tasks, &cp)
	}
	for taskID, entries := range s.logs {
		for _, e := range entries {
			snap.Logs = append(snap.Logs, core.TaskLogRow{TaskID: taskID, Entry: e})
		}
	}
	for _, r := range s.repos {
		cp := *r
		snap.Repositories = append(snap.Repositories, &cp)
	}
	return snap, nil
}

func (s *JSONStore) Create(_ context.Context, t *core.Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[t.ID]; exists {
		return core.ErrValidation("TASK_ID_DUPLICATE", "a task with this ID already exists")
	}
	cp := *t
	s.tasks[t.ID] = &cp
	return s.persistLocked()
}

func (s *JSONStore) Get(_ context.Context, id core.TaskID) (*core.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, core.ErrNotFound("task", string(id))
	}
	cp := *t
	return &cp, nil
}

func (s *JSONStore) Update(_ context.Context, id core.TaskID, patch func(*core.Task) error) (*core.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, core.ErrNotFound("task", string(id))
	}
	cp := *t
	if err := patch(&cp); err != nil {
		return nil, err
	}
	cp.Touch()
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	s.tasks[id] = &cp
	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	out := cp
	return &out, nil
}

func (s *JSONStore) Delete(_ context.Context, id core.TaskID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return core.ErrNotFound("task", string(id))
	}
	delete(s.tasks, id)
	delete(s.logs, id)
	return s.persistLocked()
}

func (s *JSONStore) ListByStatus(_ context.Context, statuses ...core.TaskStatus) ([]*core.Task, error) {
	want := make(map[core.TaskStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*core.Task
	for _, t := range s.tasks {
		if len(want) == 0 || want[t.Status] {
			cp := *t
			out = append(out, &cp)
		}
	}
	sortTasksByCreatedAt(out)
	return out, nil
}

func (s *JSONStore) ListByRepository(_ context.Context, repositoryID string) ([]*core.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*core.Task
	for _, t := range s.tasks {
		if t.RepositoryID == repositoryID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sortTasksByCreatedAt(out)
	return out, nil
}

func sortTasksByCreatedAt(tasks []*core.Task) {
	for i := 1; i < len(tasks); i++ {
		for j := i; j > 0 && tasks[j].CreatedAt.Before(tasks[j-1].CreatedAt); j-- {
			tasks[j], tasks[j-1] = tasks[j-1], tasks[j]
		}
	}
}

func (s *JSONStore) AppendLog(_ context.Context, id core.TaskID, entry core.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[id] = append(s.logs[id], entry)
	return s.persistLocked()
}

func (s *JSONStore) Logs(_ context.Context, id core.TaskID) ([]core.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.LogEntry, len(s.logs[id]))
	copy(out, s.logs[id])
	return out, nil
}

func (s *JSONStore) GetRepository(_ context.Context, url string) (*core.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.repos[url]
	if !ok {
		return nil, core.ErrNotFound("repository", url)
	}
	cp := *r
	return &cp, nil
}

func (s *JSONStore) PutRepository(_ context.Context, r *core.Repository) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.repos[r.URL] = &cp
	return s.persistLocked()
}

func (s *JSONStore) Export(_ context.Context) (*core.StoreSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exportLocked()
}

func (s *JSONStore) Import(_ context.Context, snap *core.StoreSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = make(map[core.TaskID]*core.Task, len(snap.Tasks))
	s.logs = make(map[core.TaskID][]core.LogEntry)
	s.repos = make(map[string]*core.Repository, len(snap.Repositories))
	for _, t := range snap.Tasks {
		cp := *t
		s.tasks[t.ID] = &cp
	}
	for _, row := range snap.Logs {
		s.logs[row.TaskID] = append(s.logs[row.TaskID], row.Entry)
	}
	for _, r := range snap.Repositories {
		cp := *r
		s.repos[r.URL] = &cp
	}
	return s.persistLocked()
}

func (s *JSONStore) Close() error { return nil }
