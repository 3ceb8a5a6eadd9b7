package util

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// EncryptXChaCha seals plainText with XChaCha20-Poly1305 and returns nonce || ciphertext.
func EncryptXChaCha(plainText, rawKey, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(rawKey)
	if err != nil {
		return nil, fmt.Errorf("creating xchacha20poly1305: %w", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plainText)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plainText, aad), nil
}

// DecryptXChaCha opens a nonce || ciphertext blob produced by EncryptXChaCha.
func DecryptXChaCha(cipherText, rawKey, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(rawKey)
	if err != nil {
		return nil, fmt.Errorf("creating xchacha20poly1305: %w", err)
	}

	if len(cipherText) < aead.NonceSize() {
		return nil, fmt.Errorf("ciphertext shorter than nonce size")
	}

	nonce, cipherText := cipherText[:aead.NonceSize()], cipherText[aead.NonceSize():]
	plainText, err := aead.Open(nil, nonce, cipherText, aad)
	if err != nil {
		return nil, fmt.Errorf("decrypting ciphertext: %w", err)
	}
	return plainText, nil
}
