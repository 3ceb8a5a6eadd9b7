package recordstore

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/idvault/key"
	"github.com/jmcleod/idvault/storage"
	"github.com/jmcleod/idvault/storage/memory"
)

func newKey(t *testing.T) *key.Key {
	t.Helper()
	k, err := key.New()
	require.NoError(t, err)
	t.Cleanup(k.Destroy)
	return k
}

func newRekeyedStore(t *testing.T) (*Store, storage.Repository) {
	t.Helper()
	repo := memory.NewRepository()
	s := New(repo, "alice:v1")
	require.NoError(t, s.Rekey(newKey(t)))
	return s, repo
}

func TestStore_LockedOperations(t *testing.T) {
	s := New(memory.NewRepository(), "alice:v1")
	assert.False(t, s.IsKeyAvailable())

	_, err := s.Get("a")
	assert.ErrorIs(t, err, ErrLocked)
	assert.ErrorIs(t, s.Put("a", []byte("1")), ErrLocked)
	assert.ErrorIs(t, s.Remove("a"), ErrLocked)
	_, err = s.Keys()
	assert.ErrorIs(t, err, ErrLocked)
	_, err = s.Key()
	assert.ErrorIs(t, err, ErrLocked)
	assert.ErrorIs(t, s.ValidateLogin(), ErrLocked)
}

func TestStore_PutGetRemoveKeys(t *testing.T) {
	s, _ := newRekeyedStore(t)

	require.NoError(t, s.Put("b", []byte(`"two"`)))
	require.NoError(t, s.Put("a", []byte(`1`)))

	v, err := s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, []byte(`1`), v)

	keys, err := s.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)

	require.NoError(t, s.Remove("a"))
	require.NoError(t, s.Remove("a"))
	_, err = s.Get("a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_KeysEmpty(t *testing.T) {
	s, _ := newRekeyedStore(t)
	keys, err := s.Keys()
	require.NoError(t, err)
	assert.NotNil(t, keys)
	assert.Empty(t, keys)
}

func TestStore_ValidateLogin(t *testing.T) {
	s, repo := newRekeyedStore(t)
	require.NoError(t, s.ValidateLogin())

	current, err := s.Key()
	require.NoError(t, err)

	t.Run("WrongKey", func(t *testing.T) {
		s.SetKey(newKey(t))
		assert.ErrorIs(t, s.ValidateLogin(), ErrValidationFailed)
	})

	t.Run("CorrectKeyAgain", func(t *testing.T) {
		s.SetKey(current)
		assert.NoError(t, s.ValidateLogin())
	})

	t.Run("MissingRecord", func(t *testing.T) {
		other := New(repo, "bob:v1")
		other.SetKey(newKey(t))
		assert.ErrorIs(t, other.ValidateLogin(), ErrValidationFailed)
	})
}

func TestStore_LockKeepsData(t *testing.T) {
	s, _ := newRekeyedStore(t)
	require.NoError(t, s.Put("a", []byte("1")))

	k, err := s.Key()
	require.NoError(t, err)

	s.Lock()
	assert.False(t, s.IsKeyAvailable())

	s.SetKey(k)
	v, err := s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)
}

func TestStore_RekeyDiscardsData(t *testing.T) {
	s, _ := newRekeyedStore(t)
	require.NoError(t, s.Put("a", []byte("1")))

	require.NoError(t, s.Rekey(newKey(t)))
	keys, err := s.Keys()
	require.NoError(t, err)
	assert.Empty(t, keys)
	assert.NoError(t, s.ValidateLogin())
}

func TestStore_RestoreWithNewKey(t *testing.T) {
	s, _ := newRekeyedStore(t)
	require.NoError(t, s.Put("a", []byte("1")))
	require.NoError(t, s.Put("b", []byte("2")))

	oldKey, err := s.Key()
	require.NoError(t, err)
	defer oldKey.Destroy()

	fresh := newKey(t)
	require.NoError(t, s.RestoreWithNewKey(fresh))

	installed, err := s.Key()
	require.NoError(t, err)
	defer installed.Destroy()
	assert.True(t, installed.Equal(fresh))
	assert.False(t, installed.Equal(oldKey))

	for id, want := range map[string]string{"a": "1", "b": "2"} {
		v, err := s.Get(id)
		require.NoError(t, err)
		assert.Equal(t, []byte(want), v)
	}
	assert.NoError(t, s.ValidateLogin())

	t.Run("OldKeyNoLongerValidates", func(t *testing.T) {
		cp, err := oldKey.Copy()
		require.NoError(t, err)
		s.SetKey(cp)
		assert.ErrorIs(t, s.ValidateLogin(), ErrValidationFailed)
	})
}

func TestStore_RestoreAbortsOnUnreadableRecord(t *testing.T) {
	s, repo := newRekeyedStore(t)
	require.NoError(t, s.Put("good", []byte("1")))

	// A record sealed under some other key cannot be opened.
	foreign := New(repo, "alice:v1")
	foreign.SetKey(newKey(t))
	require.NoError(t, foreign.Put("bad", []byte("x")))

	before, err := s.Key()
	require.NoError(t, err)
	defer before.Destroy()

	err = s.RestoreWithNewKey(newKey(t))
	require.Error(t, err)

	after, err := s.Key()
	require.NoError(t, err)
	defer after.Destroy()
	assert.True(t, after.Equal(before), "key must not change on aborted restore")

	v, err := s.Get("good")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)
	assert.NoError(t, s.ValidateLogin())
}

func TestStore_RestoreRequiresKey(t *testing.T) {
	s := New(memory.NewRepository(), "alice:v1")
	assert.ErrorIs(t, s.RestoreWithNewKey(newKey(t)), ErrLocked)
}

func TestStore_Clear(t *testing.T) {
	s, repo := newRekeyedStore(t)
	require.NoError(t, s.Put("a", []byte("1")))

	require.NoError(t, s.Clear())
	assert.False(t, s.IsKeyAvailable())

	ids, err := repo.List("alice:v1", recordTypeValue)
	require.NoError(t, err)
	assert.Empty(t, ids)
	_, err = repo.Get("alice:v1", recordTypeCheck, checkRecordID)
	assert.True(t, errors.Is(err, storage.ErrNotFound), "got %v", err)
}

func TestStore_NamespacesDoNotShareRecords(t *testing.T) {
	repo := memory.NewRepository()
	a := New(repo, "alice:v1")
	b := New(repo, "bob:v1")
	require.NoError(t, a.Rekey(newKey(t)))
	require.NoError(t, b.Rekey(newKey(t)))

	require.NoError(t, a.Put("token", []byte("alice")))
	_, err := b.Get("token")
	assert.ErrorIs(t, err, ErrNotFound)
}
