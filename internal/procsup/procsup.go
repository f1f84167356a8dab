// Package procsup tracks OS processes spawned on behalf of a task and
// tears them down on cancellation, timeout, or worktree cleanup. It
// generalizes the teacher's per-adapter GracefulKill into a single
// registry shared by C3 (agent supervisor cancellation), C4 (pre-cleanup
// kill before removing a worktree) and C6 (CLI-runner process spawning).
package procsup

import (
	"sync"
	"time"

	"github.com/anti-entropy/forgewright/internal/core"
)

// DefaultGracePeriod is how long killProcessesForTask waits after SIGTERM
// before escalating to SIGKILL.
const DefaultGracePeriod = 5 * time.Second

// Registry tracks the live PID set for each task currently running a
// coding-CLI child process.
type Registry struct {
	mu    sync.Mutex
	procs map[core.TaskID]map[int]struct{}
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{procs: make(map[core.TaskID]map[int]struct{})}
}

// Track records pid as belonging to taskID.
func (r *Registry) Track(taskID core.TaskID, pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.procs[taskID]
	if !ok {
		set = make(map[int]struct{})
		r.procs[taskID] = set
	}
	set[pid] = struct{}{}
}

// Untrack removes pid from taskID's set, e.g. once its Cmd.Wait returns.
func (r *Registry) Untrack(taskID core.TaskID, pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.procs[taskID]
	if !ok {
		return
	}
	delete(set, pid)
	if len(set) == 0 {
		delete(r.procs, taskID)
	}
}

// PIDs returns the currently tracked PIDs for taskID.
func (r *Registry) PIDs(taskID core.TaskID) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.procs[taskID]
	if !ok {
		return nil
	}
	out := make([]int, 0, len(set))
	for pid := range set {
		out = append(out, pid)
	}
	return out
}

// KillTask tree-kills every process tracked for taskID using
// killProcessTree (SIGTERM-then-SIGKILL on unix, taskkill /T /F on
// Windows), then clears the task's tracked set.
func (r *Registry) KillTask(taskID core.TaskID, grace time.Duration) error {
	pids := r.PIDs(taskID)
	var firstErr error
	for _, pid := range pids {
		if err := killProcessTree(pid, grace); err != nil && firstErr == nil {
			firstErr = err
		}
		r.Untrack(taskID, pid)
	}
	return firstErr
}
