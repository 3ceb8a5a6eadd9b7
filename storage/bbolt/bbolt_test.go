package bbolt

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/idvault/storage"
	"github.com/jmcleod/idvault/storage/storagetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewRepositoryFromFile(filepath.Join(t.TempDir(), "vault.db"), nil)
	require.NoError(t, err)
	return s
}

func TestBBoltRepository(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Repository {
		return newTestStore(t)
	})
}

func TestBBolt_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.db")
	env := &storage.Envelope{Ver: 1, Scheme: storage.SchemeAES256GCM, Nonce: make([]byte, 12), Ciphertext: []byte("persisted")}

	s, err := NewRepositoryFromFile(path, nil)
	require.NoError(t, err)
	require.NoError(t, s.Put("alice:v1", "VALUE", "token", env))
	require.NoError(t, s.Close())

	s, err = NewRepositoryFromFile(path, nil)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get("alice:v1", "VALUE", "token")
	require.NoError(t, err)
	assert.Equal(t, []byte("persisted"), got.Ciphertext)
}

func TestNewRepositoryFromFile_InvalidPath(t *testing.T) {
	_, err := NewRepositoryFromFile("/nonexistent/path/to/db", nil)
	assert.Error(t, err)
}
