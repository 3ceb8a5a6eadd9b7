package key

import (
	"errors"
	"fmt"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/idvault/internal/util"
	"github.com/jmcleod/idvault/internal/uuid"
)

// Size is the length in bytes of every storage key.
const Size = util.AESKeySize

// ErrDestroyed is returned when a destroyed key is used.
var ErrDestroyed = errors.New("key destroyed")

// Sealer can encrypt data and identify itself.
type Sealer interface {
	ID() string
	Seal(plainText, aad []byte) ([]byte, error)
}

// Opener can decrypt data and identify itself.
type Opener interface {
	ID() string
	Open(cipherText, aad []byte) ([]byte, error)
}

// Key is a 256-bit symmetric key whose bytes live in a locked, read-only
// memguard buffer. A Key is destroyed explicitly; after Destroy every
// operation fails with ErrDestroyed.
type Key struct {
	keyID string
	alg   Algorithm
	buf   *memguard.LockedBuffer
}

var (
	_ Sealer = (*Key)(nil)
	_ Opener = (*Key)(nil)
)

// New generates a random AES-256 key.
func New() (*Key, error) {
	buf := memguard.NewBufferRandom(Size)
	if buf.Size() != Size {
		return nil, fmt.Errorf("generating key: locked buffer unavailable")
	}
	buf.Freeze()
	return &Key{keyID: uuid.New(), alg: AES256, buf: buf}, nil
}

// FromBytes builds a key from raw bytes. The input slice is left untouched;
// callers own wiping it.
func FromBytes(raw []byte) (*Key, error) {
	return fromParts(uuid.New(), AES256, raw)
}

func fromParts(keyID string, alg Algorithm, raw []byte) (*Key, error) {
	if !alg.Valid() {
		return nil, fmt.Errorf("%q: %w", alg, ErrUnknownAlgorithm)
	}
	if len(raw) != Size {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(raw), Size)
	}
	// NewBufferFromBytes wipes its source, so hand it a copy.
	buf := memguard.NewBufferFromBytes(util.CopyBytes(raw))
	buf.Freeze()
	return &Key{keyID: keyID, alg: alg, buf: buf}, nil
}

func (k *Key) ID() string {
	return k.keyID
}

func (k *Key) Algorithm() Algorithm {
	return k.alg
}

// Bytes returns a copy of the raw key. Callers should wipe it when done.
func (k *Key) Bytes() ([]byte, error) {
	if k.Destroyed() {
		return nil, ErrDestroyed
	}
	return util.CopyBytes(k.buf.Bytes()), nil
}

func (k *Key) Seal(plainText, aad []byte) ([]byte, error) {
	if k.Destroyed() {
		return nil, ErrDestroyed
	}
	return util.EncryptAESWithAAD(plainText, k.buf.Bytes(), aad)
}

func (k *Key) Open(cipherText, aad []byte) ([]byte, error) {
	if k.Destroyed() {
		return nil, ErrDestroyed
	}
	return util.DecryptAESWithAAD(cipherText, k.buf.Bytes(), aad)
}

// Equal reports whether k and other hold the same key bytes, in constant time.
func (k *Key) Equal(other *Key) bool {
	if k.Destroyed() || other.Destroyed() {
		return false
	}
	return k.buf.EqualTo(other.buf.Bytes())
}

// Copy returns an independent key with the same ID and bytes.
func (k *Key) Copy() (*Key, error) {
	if k.Destroyed() {
		return nil, ErrDestroyed
	}
	return fromParts(k.keyID, k.alg, k.buf.Bytes())
}

// Destroy wipes and unlocks the key's memory. It is safe to call more than once.
func (k *Key) Destroy() {
	if k == nil || k.buf == nil {
		return
	}
	k.buf.Destroy()
}

// Destroyed reports whether the key can no longer be used.
func (k *Key) Destroyed() bool {
	return k == nil || k.buf == nil || !k.buf.IsAlive()
}
