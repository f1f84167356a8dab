package procsup

import (
	"context"
	"strings"
	"syscall"

	gopsutil "github.com/shirou/gopsutil/v3/process"
)

// KillProcessesInDirectory enumerates every OS process, resolves each
// PID's working directory, and SIGKILLs (taskkill /F on Windows) any
// process whose CWD is dir or a descendant of it. Used before removing a
// worktree directory, to catch stray children a task's tracked PID set
// missed (e.g. detached grandchildren, or a recovered-after-restart
// worktree with no tracked PIDs at all).
func KillProcessesInDirectory(ctx context.Context, dir string) error {
	procs, err := gopsutil.ProcessesWithContext(ctx)
	if err != nil {
		return err
	}

	dir = strings.TrimRight(dir, "/")
	var firstErr error
	for _, p := range procs {
		cwd, err := p.CwdWithContext(ctx)
		if err != nil || cwd == "" {
			continue
		}
		if cwd != dir && !strings.HasPrefix(cwd, dir+"/") {
			continue
		}
		if err := killPID(int(p.Pid), syscall.SIGKILL); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
