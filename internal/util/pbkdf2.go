package util

import (
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// MinPBKDF2Iterations is the floor applied to every passcode derivation.
	MinPBKDF2Iterations = 10000
	PBKDF2SaltSize      = 16
)

// DerivePBKDF2Key stretches a passcode into a 256-bit key with PBKDF2-HMAC-SHA256.
// The passcode is NFKD-normalized first so equivalent inputs derive the same key.
func DerivePBKDF2Key(passcode string, salt []byte, iterations int) ([]byte, error) {
	if len(salt) == 0 {
		return nil, fmt.Errorf("pbkdf2: salt must not be empty")
	}
	if iterations < MinPBKDF2Iterations {
		return nil, fmt.Errorf("pbkdf2: %d iterations is below the minimum of %d", iterations, MinPBKDF2Iterations)
	}
	return pbkdf2.Key([]byte(Normalize(passcode)), salt, iterations, AESKeySize, sha256.New), nil
}
