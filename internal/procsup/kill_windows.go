//go:build windows

package procsup

import (
	"os/exec"
	"strconv"
	"syscall"
	"time"
)

// ConfigureProcAttr is a no-op on Windows; job objects would be the
// correct primitive but are out of scope here.
func ConfigureProcAttr() *syscall.SysProcAttr { return nil }

// killProcessTree shells out to taskkill /T /F, which kills pid and its
// full descendant tree in one call.
func killProcessTree(pid int, _ time.Duration) error {
	return exec.Command("taskkill", "/PID", strconv.Itoa(pid), "/T", "/F").Run()
}

func killPID(pid int, _ syscall.Signal) error {
	return exec.Command("taskkill", "/PID", strconv.Itoa(pid), "/F").Run()
}
