//go:build !windows

package git

import "os"

// platformLastResortRemove is the final removal attempt on unix, where
// os.RemoveAll already does the right thing; nothing further to try.
func platformLastResortRemove(path string) error {
	return os.RemoveAll(path)
}
