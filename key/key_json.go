package key

import (
	"encoding/json"
	"fmt"

	"github.com/jmcleod/idvault/internal/util"
)

type jsonKey struct {
	KeyID     string    `json:"keyId"`
	Algorithm Algorithm `json:"algorithm"`
	Bytes     []byte    `json:"bytes"`
}

func (k *Key) MarshalJSON() ([]byte, error) {
	raw, err := k.Bytes()
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(raw)

	return json.Marshal(&jsonKey{
		KeyID:     k.keyID,
		Algorithm: k.alg,
		Bytes:     raw,
	})
}

func (k *Key) UnmarshalJSON(b []byte) error {
	jk := &jsonKey{}
	if err := json.Unmarshal(b, jk); err != nil {
		return fmt.Errorf("unmarshaling key JSON: %w", err)
	}
	defer util.WipeBytes(jk.Bytes)

	parsed, err := fromParts(jk.KeyID, jk.Algorithm, jk.Bytes)
	if err != nil {
		return err
	}
	*k = *parsed
	return nil
}
