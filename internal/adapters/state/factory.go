package state

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/anti-entropy/forgewright/internal/core"
)

// NewTaskStore creates a core.TaskStore for the given backend ("sqlite"
// or "json"; empty defaults to "sqlite"). path is the base store file.
func NewTaskStore(backend, path string) (core.TaskStore, error) {
	switch normalizeBackend(backend) {
	case "json":
		return NewJSONStore(path)
	case "sqlite":
		if !strings.HasSuffix(path, ".db") {
			path = strings.TrimSuffix(path, filepath.Ext(path)) + ".db"
		}
		return NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unsupported state backend: %q (supported: sqlite, json)", backend)
	}
}

func normalizeBackend(backend string) string {
	backend = strings.ToLower(strings.TrimSpace(backend))
	if backend == "" {
		return "sqlite"
	}
	return backend
}
