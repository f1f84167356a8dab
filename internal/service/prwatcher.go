package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/anti-entropy/forgewright/internal/core"
	"github.com/anti-entropy/forgewright/internal/events"
	"github.com/anti-entropy/forgewright/internal/logging"
)

// defaultPRPollInterval is spec §6.5's prPollIntervalMs.
const defaultPRPollInterval = 60 * time.Second

// prSupervisor is the narrow surface the PR watcher needs from C7 to
// act on a PR's terminal state.
type prSupervisor interface {
	MarkPRMerged(ctx context.Context, taskID core.TaskID) error
	MarkPRClosed(ctx context.Context, taskID core.TaskID) error
}

type trackedPR struct {
	repoURL  string
	number   int
	lastPoll time.Time
	seen     map[string]struct{}
}

// Watcher implements the C8 PR watcher: a 60s poller over every
// PR-active task, surfacing new comments and auto-transitioning tasks
// whose PR was merged or closed out of band. Grounded on the teacher's
// internal/kanban.Engine ticker-loop shape (injectable tickerFactory,
// stopCh/doneCh handshake, a tick that is skipped rather than queued
// when the previous one is still the only work unit running).
type Watcher struct {
	store      core.TaskStore
	forge      core.ForgeClient
	supervisor prSupervisor
	bus        *events.Bus
	logger     *logging.Logger

	interval      time.Duration
	tickerFactory func(time.Duration) *time.Ticker

	mu      sync.Mutex
	tracked map[core.TaskID]*trackedPR

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewWatcher wires the C8 PR watcher. logger may be nil; interval <= 0
// falls back to spec §6.5's default.
func NewWatcher(store core.TaskStore, forge core.ForgeClient, supervisor prSupervisor, bus *events.Bus, logger *logging.Logger, interval time.Duration) *Watcher {
	if logger == nil {
		logger = logging.NewNop()
	}
	if interval <= 0 {
		interval = defaultPRPollInterval
	}
	return &Watcher{
		store:         store,
		forge:         forge,
		supervisor:    supervisor,
		bus:           bus,
		logger:        logger,
		interval:      interval,
		tickerFactory: time.NewTicker,
		tracked:       make(map[core.TaskID]*trackedPR),
	}
}

// Init reconstructs tracking from the task store by scanning every
// PR-active task, per spec §4.8's process-start recovery rule. Call
// once before Start.
func (w *Watcher) Init(ctx context.Context) error {
	tasks, err := w.store.ListByStatus(ctx, core.TaskStatusPRCreated, core.TaskStatusChangesRequested)
	if err != nil {
		return fmt.Errorf("listing PR-active tasks: %w", err)
	}
	for _, t := range tasks {
		if t.PRNumber == 0 {
			continue
		}
		w.TrackPR(t.ID, t.RepoURL, t.PRNumber)
	}
	return nil
}

// TrackPR registers a task's PR for polling. Per spec §4.8, registration
// performs an immediate fetch that only seeds the per-task seen set —
// it never emits pr_comment events for comments that already existed
// before tracking began.
func (w *Watcher) TrackPR(taskID core.TaskID, repoURL string, number int) {
	entry := &trackedPR{repoURL: repoURL, number: number, seen: make(map[string]struct{})}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if comments, err := w.forge.ListPRComments(ctx, repoURL, number, nil); err != nil {
		w.logger.Warn("seeding PR comment tracking", "task", taskID, "error", err)
	} else {
		for _, c := range comments {
			entry.seen[c.ID] = struct{}{}
		}
	}
	entry.lastPoll = time.Now()

	w.mu.Lock()
	w.tracked[taskID] = entry
	w.mu.Unlock()
}

// UntrackPR stops polling a task's PR.
func (w *Watcher) UntrackPR(taskID core.TaskID) {
	w.mu.Lock()
	delete(w.tracked, taskID)
	w.mu.Unlock()
}

// Start begins the poll loop in the background.
func (w *Watcher) Start(ctx context.Context) {
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	go w.runLoop(ctx)
}

func (w *Watcher) runLoop(ctx context.Context) {
	defer close(w.doneCh)

	ticker := w.tickerFactory(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

// Stop signals the poll loop to exit and waits for it to finish.
func (w *Watcher) Stop(ctx context.Context) error {
	if w.stopCh == nil {
		return nil
	}
	close(w.stopCh)
	select {
	case <-w.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tick runs one polling pass. Per spec §5's concurrency model, checks
// across tasks must not serialize behind a single lock, so every
// tracked task is checked on its own goroutine; one task's transient
// failure never blocks or aborts another's (hence a plain WaitGroup
// rather than errgroup.WithContext, which cancels every other in-flight
// check as soon as one returns an error).
func (w *Watcher) tick(ctx context.Context) {
	w.mu.Lock()
	taskIDs := make([]core.TaskID, 0, len(w.tracked))
	for id := range w.tracked {
		taskIDs = append(taskIDs, id)
	}
	w.mu.Unlock()

	var wg sync.WaitGroup
	for _, taskID := range taskIDs {
		wg.Add(1)
		go func(taskID core.TaskID) {
			defer wg.Done()
			w.checkTask(ctx, taskID)
		}(taskID)
	}
	wg.Wait()
}

func (w *Watcher) checkTask(ctx context.Context, taskID core.TaskID) {
	w.mu.Lock()
	entry, ok := w.tracked[taskID]
	w.mu.Unlock()
	if !ok {
		return
	}

	pr, err := w.forge.GetPR(ctx, entry.repoURL, entry.number)
	if err != nil {
		w.logger.Warn("polling pull request state", "task", taskID, "error", err)
		return
	}
	if pr == nil {
		w.logger.Warn("pull request not found", "task", taskID)
		return
	}

	switch pr.State {
	case core.PRStateMerged:
		if err := w.supervisor.MarkPRMerged(ctx, taskID); err != nil {
			w.logger.Warn("marking PR merged", "task", taskID, "error", err)
			return
		}
		w.UntrackPR(taskID)
		return
	case core.PRStateClosed:
		if err := w.supervisor.MarkPRClosed(ctx, taskID); err != nil {
			w.logger.Warn("marking PR closed", "task", taskID, "error", err)
			return
		}
		w.UntrackPR(taskID)
		return
	}

	since := entry.lastPoll
	comments, err := w.forge.ListPRComments(ctx, entry.repoURL, entry.number, &since)
	if err != nil {
		w.logger.Warn("polling PR comments", "task", taskID, "error", err)
		return
	}

	w.mu.Lock()
	entry, ok = w.tracked[taskID]
	if !ok {
		w.mu.Unlock()
		return
	}
	var fresh []core.PRComment
	for _, c := range comments {
		if _, seen := entry.seen[c.ID]; seen {
			continue
		}
		entry.seen[c.ID] = struct{}{}
		fresh = append(fresh, c)
	}
	entry.lastPoll = time.Now()
	w.mu.Unlock()

	for _, c := range fresh {
		w.bus.Publish(events.NewPRCommentEvent(taskID, c))
	}
}
