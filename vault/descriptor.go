package vault

// Descriptor identifies a vault instance.
type Descriptor struct {
	Username string `json:"username"`
	VaultID  string `json:"vaultId"`
}

// UniqueID is the registry and storage key for the vault, "username:vaultId".
func (d Descriptor) UniqueID() string {
	return d.Username + ":" + d.VaultID
}

func (d Descriptor) String() string {
	return d.UniqueID()
}

// Validate checks that both parts are non-empty and cannot collide once joined.
func (d Descriptor) Validate() error {
	if err := validateID(d.Username, "username"); err != nil {
		return err
	}
	return validateID(d.VaultID, "vault ID")
}
