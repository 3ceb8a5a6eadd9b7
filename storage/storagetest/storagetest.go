// Package storagetest provides a behavioural test suite shared by every
// storage.Repository implementation.
package storagetest

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/idvault/storage"
)

func envelope(body string) *storage.Envelope {
	return &storage.Envelope{
		Ver:        1,
		Scheme:     storage.SchemeAES256GCM,
		Nonce:      make([]byte, 12),
		Ciphertext: []byte(body),
	}
}

// Run exercises repo against the storage.Repository contract. newRepo must
// return an empty repository; Run registers its Close with t.Cleanup.
func Run(t *testing.T, newRepo func(t *testing.T) storage.Repository) {
	t.Helper()

	open := func(t *testing.T) storage.Repository {
		t.Helper()
		repo := newRepo(t)
		t.Cleanup(func() { _ = repo.Close() })
		return repo
	}

	t.Run("PutGet", func(t *testing.T) {
		repo := open(t)
		require.NoError(t, repo.Put("alice:v1", "VALUE", "token", envelope("one")))

		got, err := repo.Get("alice:v1", "VALUE", "token")
		require.NoError(t, err)
		assert.Equal(t, []byte("one"), got.Ciphertext)
		assert.Equal(t, storage.SchemeAES256GCM, got.Scheme)

		require.NoError(t, repo.Put("alice:v1", "VALUE", "token", envelope("two")))
		got, err = repo.Get("alice:v1", "VALUE", "token")
		require.NoError(t, err)
		assert.Equal(t, []byte("two"), got.Ciphertext)
	})

	t.Run("GetNotFound", func(t *testing.T) {
		repo := open(t)
		_, err := repo.Get("missing", "VALUE", "token")
		assert.Error(t, err)

		require.NoError(t, repo.Put("alice:v1", "VALUE", "a", envelope("a")))
		_, err = repo.Get("alice:v1", "VALUE", "b")
		assert.True(t, errors.Is(err, storage.ErrNotFound), "got %v", err)
	})

	t.Run("NamespaceIsolation", func(t *testing.T) {
		repo := open(t)
		require.NoError(t, repo.Put("alice:v1", "VALUE", "k", envelope("alice")))
		require.NoError(t, repo.Put("bob:v1", "VALUE", "k", envelope("bob")))

		got, err := repo.Get("bob:v1", "VALUE", "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("bob"), got.Ciphertext)
	})

	t.Run("ListSortedByType", func(t *testing.T) {
		repo := open(t)
		require.NoError(t, repo.Put("alice:v1", "VALUE", "b", envelope("b")))
		require.NoError(t, repo.Put("alice:v1", "VALUE", "a", envelope("a")))
		require.NoError(t, repo.Put("alice:v1", "CHECK", "validation", envelope("c")))

		ids, err := repo.List("alice:v1", "VALUE")
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, ids)

		ids, err = repo.List("nobody", "VALUE")
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("Delete", func(t *testing.T) {
		repo := open(t)
		require.NoError(t, repo.Put("alice:v1", "VALUE", "a", envelope("a")))
		require.NoError(t, repo.Delete("alice:v1", "VALUE", "a"))

		_, err := repo.Get("alice:v1", "VALUE", "a")
		assert.True(t, errors.Is(err, storage.ErrNotFound), "got %v", err)

		err = repo.Delete("alice:v1", "VALUE", "a")
		assert.Error(t, err)
	})

	t.Run("BatchCommits", func(t *testing.T) {
		repo := open(t)
		require.NoError(t, repo.Put("alice:v1", "VALUE", "old", envelope("old")))

		err := repo.Batch("alice:v1", func(tx storage.BatchTx) error {
			if err := tx.DeleteAll("VALUE"); err != nil {
				return err
			}
			if err := tx.Put("VALUE", "new", envelope("new")); err != nil {
				return err
			}
			return tx.Put("CHECK", "validation", envelope("check"))
		})
		require.NoError(t, err)

		ids, err := repo.List("alice:v1", "VALUE")
		require.NoError(t, err)
		assert.Equal(t, []string{"new"}, ids)
		_, err = repo.Get("alice:v1", "CHECK", "validation")
		assert.NoError(t, err)
	})

	t.Run("BatchRollsBack", func(t *testing.T) {
		repo := open(t)
		require.NoError(t, repo.Put("alice:v1", "VALUE", "keep", envelope("keep")))

		boom := errors.New("boom")
		err := repo.Batch("alice:v1", func(tx storage.BatchTx) error {
			if err := tx.DeleteAll("VALUE"); err != nil {
				return err
			}
			if err := tx.Put("VALUE", "partial", envelope("partial")); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		ids, err := repo.List("alice:v1", "VALUE")
		require.NoError(t, err)
		assert.Equal(t, []string{"keep"}, ids)
	})

	t.Run("BatchDeleteMissing", func(t *testing.T) {
		repo := open(t)
		err := repo.Batch("alice:v1", func(tx storage.BatchTx) error {
			return tx.Delete("VALUE", "missing")
		})
		assert.True(t, errors.Is(err, storage.ErrNotFound), "got %v", err)

		err = repo.Batch("alice:v1", func(tx storage.BatchTx) error {
			return tx.DeleteAll("VALUE")
		})
		assert.NoError(t, err)
	})
}
