package git

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/anti-entropy/forgewright/internal/core"
)

// resolveGitBinaryPath finds the git binary on PATH and refuses to
// execute one that resolves to inside the repository itself, a defense
// against PATH manipulation (e.g. a malicious "." entry or a repo that
// ships its own "git" wrapper).
func resolveGitBinaryPath(repoAbs string) (string, error) {
	p, err := exec.LookPath("git")
	if err != nil {
		return "", fmt.Errorf("git not found in PATH: %w", err)
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolving git path: %w", err)
	}

	real := abs
	if rr, err := filepath.EvalSymlinks(abs); err == nil {
		real = rr
	}

	info, err := os.Stat(real)
	if err != nil {
		return "", fmt.Errorf("stat git binary: %w", err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("git binary is not a regular file: %s", real)
	}
	if runtime.GOOS != "windows" && info.Mode()&0o111 == 0 {
		return "", fmt.Errorf("git binary is not executable: %s", real)
	}

	if isPathWithinDir(repoAbs, real) {
		return "", fmt.Errorf("refusing to execute git from within repository: %s", real)
	}

	return real, nil
}

func isPathWithinDir(root, path string) bool {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return false
	}
	pathAbs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(rootAbs, pathAbs)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator))
}

func validateGitRemoteName(remote string) error {
	if err := validateNoNul("remote", remote); err != nil {
		return err
	}
	if remote == "" {
		return core.ErrValidation("INVALID_REMOTE", "remote name must not be empty")
	}
	if strings.HasPrefix(remote, "-") {
		return core.ErrValidation("INVALID_REMOTE", "remote name must not start with '-'")
	}
	for _, r := range remote {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return core.ErrValidation("INVALID_REMOTE", fmt.Sprintf("remote name contains invalid character: %q", r))
	}
	return nil
}

func validateGitBranchName(name string) error {
	if err := validateNoNul("branch", name); err != nil {
		return err
	}
	if name == "" {
		return core.ErrValidation("INVALID_BRANCH", "branch name must not be empty")
	}
	if strings.HasPrefix(name, "-") {
		return core.ErrValidation("INVALID_BRANCH", "branch name must not start with '-'")
	}
	if strings.Contains(name, " ") || strings.Contains(name, "\t") || strings.Contains(name, "\n") || strings.Contains(name, "\r") {
		return core.ErrValidation("INVALID_BRANCH", "branch name must not contain whitespace")
	}
	if strings.Contains(name, "..") || strings.Contains(name, "@{") || strings.Contains(name, "//") {
		return core.ErrValidation("INVALID_BRANCH", "branch name contains forbidden sequence")
	}
	if strings.HasPrefix(name, "/") || strings.HasSuffix(name, "/") || strings.HasSuffix(name, ".") || strings.HasSuffix(name, ".lock") {
		return core.ErrValidation("INVALID_BRANCH", "branch name has forbidden prefix/suffix")
	}
	for _, r := range name {
		switch r {
		case '~', '^', ':', '?', '*', '[', '\\':
			return core.ErrValidation("INVALID_BRANCH", fmt.Sprintf("branch name contains forbidden character: %q", r))
		}
		if r < 0x20 || r == 0x7f {
			return core.ErrValidation("INVALID_BRANCH", "branch name contains control character")
		}
	}
	if name == "@" {
		return core.ErrValidation("INVALID_BRANCH", "branch name '@' is not allowed")
	}
	return nil
}

func validateGitRev(rev string) error {
	if err := validateNoNul("rev", rev); err != nil {
		return err
	}
	if strings.HasPrefix(rev, "-") {
		return core.ErrValidation("INVALID_REV", "rev must not start with '-'")
	}
	return nil
}

func validateGitPathArg(p string) error {
	if err := validateNoNul("path", p); err != nil {
		return err
	}
	if p == "" {
		return core.ErrValidation("INVALID_PATH", "path must not be empty")
	}
	return nil
}

func validateGitMessage(msg string) error {
	if err := validateNoNul("message", msg); err != nil {
		return err
	}
	if msg == "" {
		return core.ErrValidation("INVALID_MESSAGE", "message must not be empty")
	}
	return nil
}

func validateNoNul(field, value string) error {
	if strings.IndexByte(value, 0) >= 0 {
		return core.ErrValidation("INVALID_INPUT", fmt.Sprintf("%s contains NUL byte", field))
	}
	return nil
}

// taskIDFromWorktreePath extracts and validates the UUID embedded in a
// canonical "<worktreesDir>/task-<uuid>" path, defending every
// filesystem operation derived from a TaskID against traversal.
func taskIDFromWorktreePath(path string) (core.TaskID, bool) {
	base := filepath.Base(path)
	const prefix = "task-"
	if !strings.HasPrefix(base, prefix) {
		return "", false
	}
	id := core.TaskID(strings.TrimPrefix(base, prefix))
	if !id.Valid() {
		return "", false
	}
	return id, true
}
