package util

import (
	"crypto/rand"
	"fmt"
)

func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generating random bytes: %w", err)
	}
	return b, nil
}

// NewSalt returns a fresh random salt for passcode derivation.
func NewSalt() ([]byte, error) {
	return RandomBytes(PBKDF2SaltSize)
}
