// Package key provides memory-protected symmetric keys with sealing, wrapping,
// and JSON serialization.
package key

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Algorithm names the cipher a key is used with.
type Algorithm string

const (
	AES256 Algorithm = "AES"
)

// ErrUnknownAlgorithm is returned when an unrecognized key algorithm is encountered.
var ErrUnknownAlgorithm = errors.New("unknown key algorithm")

func (a Algorithm) String() string {
	return string(a)
}

// Valid reports whether a is a supported algorithm.
func (a Algorithm) Valid() bool {
	return a == AES256
}

func (a *Algorithm) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("unmarshaling key algorithm: %w", err)
	}

	if alg := Algorithm(s); alg.Valid() {
		*a = alg
		return nil
	}
	return fmt.Errorf("%q: %w", s, ErrUnknownAlgorithm)
}
