package vault

import (
	"github.com/jmcleod/idvault/internal/util"
	"github.com/jmcleod/idvault/key"
)

// derivePasscodeKey stretches passcode with the vault's salt into a storage key.
func derivePasscodeKey(passcode string, salt []byte, iterations int) (*key.Key, error) {
	raw, err := util.DerivePBKDF2Key(passcode, salt, iterations)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(raw)
	return key.FromBytes(raw)
}
