package storage

import (
	"fmt"

	"github.com/jmcleod/idvault/internal/util"
)

const (
	envelopeVer = 1

	SchemeAES256GCM         = "aes256gcm"
	SchemeXChaCha20Poly1305 = "xchacha20poly1305"

	xchachaNonceSize = 24
)

// Envelope is a sealed record holding authenticated ciphertext.
type Envelope struct {
	Ver        int    `json:"ver"`
	Scheme     string `json:"scheme"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// SealRecord encrypts plaintext into an AES-256-GCM Envelope using the given record key and AAD.
func SealRecord(recordKey, plaintext, aad []byte) (*Envelope, error) {
	cipher, err := util.EncryptAESWithAAD(plaintext, recordKey, aad)
	if err != nil {
		return nil, err
	}
	return splitEnvelope(SchemeAES256GCM, cipher, util.AESNonceSize), nil
}

// RecordSealer is an AES-256-GCM key that seals without exposing its bytes.
// It is satisfied by *key.Key.
type RecordSealer interface {
	Seal(plainText, aad []byte) ([]byte, error)
	Open(cipherText, aad []byte) ([]byte, error)
}

// SealRecordWith is SealRecord for keys held in protected memory.
func SealRecordWith(k RecordSealer, plaintext, aad []byte) (*Envelope, error) {
	cipher, err := k.Seal(plaintext, aad)
	if err != nil {
		return nil, err
	}
	if len(cipher) < util.AESNonceSize {
		return nil, fmt.Errorf("sealed record shorter than nonce size")
	}
	return splitEnvelope(SchemeAES256GCM, cipher, util.AESNonceSize), nil
}

// OpenRecordWith is OpenRecord for keys held in protected memory.
func OpenRecordWith(k RecordSealer, envelope *Envelope, aad []byte) ([]byte, error) {
	if err := checkEnvelope(envelope); err != nil {
		return nil, err
	}
	if envelope.Scheme != SchemeAES256GCM {
		return nil, fmt.Errorf("unsupported envelope scheme: %s", envelope.Scheme)
	}
	return k.Open(joinEnvelope(envelope), aad)
}

// SealWrapRecord encrypts plaintext into an XChaCha20-Poly1305 Envelope. It is
// used for key-wrapping records that are sealed under device-bound secrets.
func SealWrapRecord(wrapKey, plaintext, aad []byte) (*Envelope, error) {
	cipher, err := util.EncryptXChaCha(plaintext, wrapKey, aad)
	if err != nil {
		return nil, err
	}
	return splitEnvelope(SchemeXChaCha20Poly1305, cipher, xchachaNonceSize), nil
}

// Both encrypt helpers return nonce || ciphertext.
func splitEnvelope(scheme string, cipher []byte, nonceSize int) *Envelope {
	return &Envelope{
		Ver:        envelopeVer,
		Scheme:     scheme,
		Nonce:      cipher[:nonceSize],
		Ciphertext: cipher[nonceSize:],
	}
}

// OpenRecord decrypts an Envelope using the given key and AAD. The cipher is
// selected by the envelope's scheme.
func OpenRecord(recordKey []byte, envelope *Envelope, aad []byte) ([]byte, error) {
	if err := checkEnvelope(envelope); err != nil {
		return nil, err
	}
	fullCipher := joinEnvelope(envelope)

	switch envelope.Scheme {
	case SchemeAES256GCM:
		return util.DecryptAESWithAAD(fullCipher, recordKey, aad)
	case SchemeXChaCha20Poly1305:
		return util.DecryptXChaCha(fullCipher, recordKey, aad)
	default:
		return nil, fmt.Errorf("unsupported envelope scheme: %s", envelope.Scheme)
	}
}

func checkEnvelope(envelope *Envelope) error {
	if envelope == nil {
		return fmt.Errorf("nil envelope")
	}
	if envelope.Ver != envelopeVer {
		return fmt.Errorf("unsupported envelope version: %d", envelope.Ver)
	}
	return nil
}

// joinEnvelope rebuilds nonce || ciphertext without mutating envelope fields.
func joinEnvelope(envelope *Envelope) []byte {
	fullCipher := make([]byte, len(envelope.Nonce)+len(envelope.Ciphertext))
	copy(fullCipher, envelope.Nonce)
	copy(fullCipher[len(envelope.Nonce):], envelope.Ciphertext)
	return fullCipher
}

// Clone returns a deep copy of the envelope.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	return &Envelope{
		Ver:        e.Ver,
		Scheme:     e.Scheme,
		Nonce:      append([]byte(nil), e.Nonce...),
		Ciphertext: append([]byte(nil), e.Ciphertext...),
	}
}
