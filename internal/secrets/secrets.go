// Package secrets manages the shared admission secret that worker agents
// must present when connecting.
//
// The secret is generated once and reused across controller restarts so
// that agents do not need to be re-provisioned whenever the controller
// comes back up.
package secrets

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// secretBytes is the entropy of a generated secret; it is rendered as
// twice that many hex characters on disk and on the wire.
const secretBytes = 32

// Store provides the current admission secret.
type Store interface {
	// Current returns the secret worker agents must present.
	Current() (string, error)
}

// FileStore is a Store backed by a single file on disk. The secret is
// generated on first use and persisted with owner-only permissions.
type FileStore struct {
	path string

	mu     sync.Mutex
	cached string
}

// NewFileStore creates a FileStore at the given path. The file is not
// touched until Current is first called.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Current returns the persisted secret, generating and writing a new one
// if the file does not exist yet.
func (s *FileStore) Current() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != "" {
		return s.cached, nil
	}

	data, err := os.ReadFile(s.path)
	switch {
	case err == nil:
		secret := strings.TrimSpace(string(data))
		if secret == "" {
			return "", fmt.Errorf("secret file %s is empty", s.path)
		}
		s.cached = secret
		return secret, nil
	case os.IsNotExist(err):
		return s.generate()
	default:
		return "", fmt.Errorf("failed to read secret file: %w", err)
	}
}

// generate creates a fresh secret and persists it. Caller holds s.mu.
func (s *FileStore) generate() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	secret := hex.EncodeToString(buf)

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return "", fmt.Errorf("failed to create secret directory: %w", err)
	}
	if err := os.WriteFile(s.path, []byte(secret+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to write secret file: %w", err)
	}

	s.cached = secret
	return secret, nil
}

// Static is a fixed-value Store. Useful for testing.
type Static string

// Current returns the static secret.
func (s Static) Current() (string, error) {
	return string(s), nil
}
