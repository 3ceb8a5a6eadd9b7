// Package recordstore keeps one vault's key-value data sealed under a single
// storage key. The key lives only in protected memory; the store is "locked"
// whenever no key is installed.
package recordstore

import (
	"errors"
	"fmt"
	"sync"

	icrypto "github.com/jmcleod/idvault/internal/crypto"
	"github.com/jmcleod/idvault/internal/util"
	"github.com/jmcleod/idvault/key"
	"github.com/jmcleod/idvault/storage"
)

const (
	recordTypeValue = "VALUE"
	recordTypeCheck = "CHECK"
	checkRecordID   = "validation"
	recordVer       = 1
)

var validationToken = []byte("idvault:validation:v1")

var (
	// ErrLocked is returned when an operation needs the storage key and none is installed.
	ErrLocked = errors.New("record store locked")
	// ErrNotFound is returned by Get for an absent value.
	ErrNotFound = errors.New("value not found")
	// ErrValidationFailed is returned when the installed key cannot open the validation record.
	ErrValidationFailed = errors.New("validation failed")
)

// Store is an encrypted key-value store scoped to one namespace of a
// storage.Repository. It is safe for concurrent use.
type Store struct {
	repo      storage.Repository
	namespace string

	mu  sync.RWMutex
	key *key.Key
}

// New returns a locked Store over the given namespace.
func New(repo storage.Repository, namespace string) *Store {
	return &Store{repo: repo, namespace: namespace}
}

// Namespace returns the repository namespace holding this store's records.
func (s *Store) Namespace() string {
	return s.namespace
}

// SetKey installs k as the storage key. The store takes ownership of k and
// destroys any previously installed key. No validation is performed.
func (s *Store) SetKey(k *key.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.swapKeyLocked(k)
}

func (s *Store) swapKeyLocked(k *key.Key) {
	if s.key != nil && s.key != k {
		s.key.Destroy()
	}
	s.key = k
}

// Key returns a copy of the installed storage key.
func (s *Store) Key() (*key.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.key.Destroyed() {
		return nil, ErrLocked
	}
	return s.key.Copy()
}

// IsKeyAvailable reports whether a storage key is installed.
func (s *Store) IsKeyAvailable() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.key.Destroyed()
}

// Lock destroys the installed storage key. Persisted records are untouched.
func (s *Store) Lock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.swapKeyLocked(nil)
}

func (s *Store) currentKey() (*key.Key, error) {
	if s.key.Destroyed() {
		return nil, ErrLocked
	}
	return s.key, nil
}

func aadValue(namespace, id string) []byte {
	return icrypto.AADRecord(namespace, recordTypeValue, id, recordVer)
}

func aadCheck(namespace string) []byte {
	return icrypto.AADRecord(namespace, recordTypeCheck, checkRecordID, recordVer)
}

// Get returns the plaintext value stored under id.
func (s *Store) Get(id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	k, err := s.currentKey()
	if err != nil {
		return nil, err
	}
	env, err := s.repo.Get(s.namespace, recordTypeValue, id)
	if storage.IsNotFound(err) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", id, err)
	}
	value, err := storage.OpenRecordWith(k, env, aadValue(s.namespace, id))
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", id, err)
	}
	return value, nil
}

// Put seals value under id, replacing any previous value.
func (s *Store) Put(id string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, err := s.currentKey()
	if err != nil {
		return err
	}
	env, err := storage.SealRecordWith(k, value, aadValue(s.namespace, id))
	if err != nil {
		return fmt.Errorf("sealing %s: %w", id, err)
	}
	return s.repo.Put(s.namespace, recordTypeValue, id, env)
}

// Remove deletes the value stored under id. Removing an absent value is not an error.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.currentKey(); err != nil {
		return err
	}
	if err := s.repo.Delete(s.namespace, recordTypeValue, id); err != nil && !storage.IsNotFound(err) {
		return fmt.Errorf("removing %s: %w", id, err)
	}
	return nil
}

// Keys lists the IDs of all stored values in ascending order.
func (s *Store) Keys() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.currentKey(); err != nil {
		return nil, err
	}
	ids, err := s.repo.List(s.namespace, recordTypeValue)
	if err != nil {
		return nil, fmt.Errorf("listing values: %w", err)
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

// Clear deletes every record, including the validation record, and destroys
// the installed key. It does not require a key.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.repo.Batch(s.namespace, func(tx storage.BatchTx) error {
		if err := tx.DeleteAll(recordTypeValue); err != nil {
			return err
		}
		return tx.DeleteAll(recordTypeCheck)
	})
	if err != nil {
		return fmt.Errorf("clearing records: %w", err)
	}
	s.swapKeyLocked(nil)
	return nil
}

// Rekey discards all data, installs newKey and seals a fresh validation
// record under it. The store takes ownership of newKey on success.
func (s *Store) Rekey(newKey *key.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replaceLocked(newKey, nil)
}

// RestoreWithNewKey re-encrypts every value under newKey. All values are
// decrypted before anything is written; if any fails to open, nothing is
// changed. The rewrite is a single repository batch. The store takes
// ownership of newKey on success.
func (s *Store) RestoreWithNewKey(newKey *key.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, err := s.currentKey()
	if err != nil {
		return err
	}

	ids, err := s.repo.List(s.namespace, recordTypeValue)
	if err != nil {
		return fmt.Errorf("listing values: %w", err)
	}
	values := make(map[string][]byte, len(ids))
	defer func() {
		for _, v := range values {
			util.WipeBytes(v)
		}
	}()
	for _, id := range ids {
		env, err := s.repo.Get(s.namespace, recordTypeValue, id)
		if err != nil {
			return fmt.Errorf("loading %s: %w", id, err)
		}
		v, err := storage.OpenRecordWith(old, env, aadValue(s.namespace, id))
		if err != nil {
			return fmt.Errorf("opening %s: %w", id, err)
		}
		values[id] = v
	}

	return s.replaceLocked(newKey, values)
}

// replaceLocked atomically wipes the namespace, writes the validation record
// and values under newKey, then swaps newKey in.
func (s *Store) replaceLocked(newKey *key.Key, values map[string][]byte) error {
	if newKey.Destroyed() {
		return fmt.Errorf("new storage key: %w", key.ErrDestroyed)
	}

	checkEnv, err := storage.SealRecordWith(newKey, validationToken, aadCheck(s.namespace))
	if err != nil {
		return fmt.Errorf("sealing validation record: %w", err)
	}
	sealed := make(map[string]*storage.Envelope, len(values))
	for id, v := range values {
		env, err := storage.SealRecordWith(newKey, v, aadValue(s.namespace, id))
		if err != nil {
			return fmt.Errorf("sealing %s: %w", id, err)
		}
		sealed[id] = env
	}

	err = s.repo.Batch(s.namespace, func(tx storage.BatchTx) error {
		if err := tx.DeleteAll(recordTypeValue); err != nil {
			return err
		}
		if err := tx.DeleteAll(recordTypeCheck); err != nil {
			return err
		}
		if err := tx.Put(recordTypeCheck, checkRecordID, checkEnv); err != nil {
			return err
		}
		for id, env := range sealed {
			if err := tx.Put(recordTypeValue, id, env); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("writing re-keyed records: %w", err)
	}

	s.swapKeyLocked(newKey)
	return nil
}

// ValidateLogin checks that the installed key opens the validation record.
// A missing record, a decryption failure, or a token mismatch all return
// ErrValidationFailed.
func (s *Store) ValidateLogin() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	k, err := s.currentKey()
	if err != nil {
		return err
	}
	env, err := s.repo.Get(s.namespace, recordTypeCheck, checkRecordID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}
	token, err := storage.OpenRecordWith(k, env, aadCheck(s.namespace))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}
	if !util.EqualBytes(token, validationToken) {
		return fmt.Errorf("%w: token mismatch", ErrValidationFailed)
	}
	return nil
}
