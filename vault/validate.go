package vault

import (
	"unicode"
	"unicode/utf8"
)

// Validation limits.
const (
	MaxIDLength       = 256
	MaxValueKeyLength = 512
	MaxValueSize      = 1 << 20 // 1MB per value
)

func validateID(id, label string) error {
	if id == "" {
		return validationErrorf("%s must not be empty", label)
	}
	if len(id) > MaxIDLength {
		return validationErrorf("%s exceeds maximum length of %d", label, MaxIDLength)
	}
	if !utf8.ValidString(id) {
		return validationErrorf("%s contains invalid UTF-8", label)
	}
	for _, r := range id {
		if r == ':' || r == '/' {
			return validationErrorf("%s contains forbidden character %q", label, r)
		}
		if unicode.IsControl(r) {
			return validationErrorf("%s contains control character", label)
		}
	}
	return nil
}

func validateValueKey(k string) error {
	if k == "" {
		return validationErrorf("key must not be empty")
	}
	if len(k) > MaxValueKeyLength {
		return validationErrorf("key exceeds maximum length of %d", MaxValueKeyLength)
	}
	if !utf8.ValidString(k) {
		return validationErrorf("key contains invalid UTF-8")
	}
	for _, r := range k {
		if unicode.IsControl(r) {
			return validationErrorf("key contains control character")
		}
	}
	return nil
}

func validateValue(value []byte) error {
	if len(value) > MaxValueSize {
		return validationErrorf("value size %d exceeds maximum of %d bytes", len(value), MaxValueSize)
	}
	return nil
}
