//go:build !windows

package procsup

import (
	"fmt"
	"syscall"
	"time"
)

// ConfigureProcAttr sets up process-group isolation so the spawned child
// (and anything it forks) can be signaled as one group.
func ConfigureProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// killProcessTree sends SIGTERM to pid's process group, waits up to
// grace for it to exit, then escalates to SIGKILL.
//
// This never calls cmd.Wait(); callers that hold the *exec.Cmd must
// still reap it themselves, or two goroutines racing on Wait will block
// forever on Go's process-wait implementation.
func killProcessTree(pid int, grace time.Duration) error {
	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		return nil // already gone
	}

	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
		if err == syscall.ESRCH {
			return nil
		}
		return fmt.Errorf("sigterm pgid %d: %w", pgid, err)
	}

	deadline := time.After(grace)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-deadline:
			_ = syscall.Kill(-pgid, syscall.SIGKILL)
			return nil
		case <-ticker.C:
			if err := syscall.Kill(pid, 0); err != nil {
				return nil
			}
		}
	}
}

// killPID sends sig directly to a single PID (used by the
// directory-scoped sweep, which kills individual processes rather than
// whole groups since their group leaders may be outside the directory).
func killPID(pid int, sig syscall.Signal) error {
	return syscall.Kill(pid, sig)
}
