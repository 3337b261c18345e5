// Package logsink provides per-worker append-only log files recording
// connection activity for each worker.
package logsink

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Sink opens append-only log streams for workers by name.
type Sink interface {
	// Open returns an appendable stream for the named worker. The caller
	// owns the returned stream and must close it.
	Open(workerName string) (io.WriteCloser, error)
}

// Dir is a Sink writing one log file per worker under a directory.
type Dir struct {
	path string
}

// NewDir creates a Dir sink rooted at path. The directory is created on
// first Open.
func NewDir(path string) *Dir {
	return &Dir{path: path}
}

// Open opens (creating if needed) the worker's log file for appending.
func (d *Dir) Open(workerName string) (io.WriteCloser, error) {
	if workerName == "" {
		return nil, fmt.Errorf("worker name must not be empty")
	}

	if err := os.MkdirAll(d.path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	name := sanitize(workerName) + ".log"
	f, err := os.OpenFile(filepath.Join(d.path, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open worker log: %w", err)
	}
	return f, nil
}

// sanitize maps a worker name onto a safe file name. Worker names are
// untrusted input until the registry lookup succeeds, so path separators
// and other hostile characters must never reach the filesystem.
func sanitize(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	s := strings.TrimLeft(b.String(), ".")
	if s == "" {
		s = "_"
	}
	return s
}
