package secrets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore_GeneratesOnFirstUse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "secret.key")
	store := NewFileStore(path)

	secret, err := store.Current()
	require.NoError(t, err)
	assert.Len(t, secret, 2*secretBytes)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestFileStore_StableAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret.key")

	first, err := NewFileStore(path).Current()
	require.NoError(t, err)

	// A new store instance must read back the same value, as agents keep
	// the secret they were provisioned with.
	second, err := NewFileStore(path).Current()
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestFileStore_ReadsExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret.key")
	require.NoError(t, os.WriteFile(path, []byte("s3cr3t\n"), 0o600))

	secret, err := NewFileStore(path).Current()
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", secret)
}

func TestFileStore_EmptyFileIsAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret.key")
	require.NoError(t, os.WriteFile(path, []byte("  \n"), 0o600))

	_, err := NewFileStore(path).Current()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty")
}

func TestStatic(t *testing.T) {
	secret, err := Static("fixed").Current()
	require.NoError(t, err)
	assert.Equal(t, "fixed", secret)
}
