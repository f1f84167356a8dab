//go:build windows

package git

import (
	"os"
	"os/exec"
	"time"
)

// platformLastResortRemove shells out to "cmd /c rmdir /s /q" since
// Windows can hold file handles open (antivirus scanners, search
// indexers) longer than os.RemoveAll's retry budget accounts for.
func platformLastResortRemove(path string) error {
	cmd := exec.Command("cmd", "/c", "rmdir", "/s", "/q", path)
	_ = cmd.Run()
	time.Sleep(100 * time.Millisecond)
	return os.RemoveAll(path)
}
