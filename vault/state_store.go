package vault

import (
	"encoding/json"
	"fmt"

	icrypto "github.com/jmcleod/idvault/internal/crypto"
	"github.com/jmcleod/idvault/internal/util"
	"github.com/jmcleod/idvault/storage"
)

const (
	stateNamespace  = "__state"
	recordTypeState = "STATE"
	stateVer        = 1
)

// StateStore persists vault states. Load reports found=false for a
// descriptor that has never been saved.
type StateStore interface {
	Load(desc Descriptor) (state *State, found bool, err error)
	Save(desc Descriptor, state *State) error
}

// SealedStateStore keeps vault states in a storage.Repository, encrypted at
// rest with AES-256-GCM. The state key is supplied externally and never
// stored in the repository, so a repository compromise alone does not reveal
// the secure-storage key or salts.
type SealedStateStore struct {
	repo     storage.Repository
	stateKey []byte
}

var _ StateStore = (*SealedStateStore)(nil)

// NewSealedStateStore returns a StateStore over repo. stateKey must be 32 bytes.
func NewSealedStateStore(repo storage.Repository, stateKey []byte) (*SealedStateStore, error) {
	if len(stateKey) != util.AESKeySize {
		return nil, fmt.Errorf("state key must be exactly %d bytes, got %d", util.AESKeySize, len(stateKey))
	}
	return &SealedStateStore{repo: repo, stateKey: util.CopyBytes(stateKey)}, nil
}

// Close wipes the state key.
func (s *SealedStateStore) Close() {
	util.WipeBytes(s.stateKey)
}

func (s *SealedStateStore) Load(desc Descriptor) (*State, bool, error) {
	id := desc.UniqueID()
	env, err := s.repo.Get(stateNamespace, recordTypeState, id)
	if storage.IsNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("loading state for %s: %w", id, err)
	}
	data, err := storage.OpenRecord(s.stateKey, env, icrypto.AADState(id, stateVer))
	if err != nil {
		return nil, false, fmt.Errorf("opening state for %s: %w", id, err)
	}
	defer util.WipeBytes(data)

	state := &State{}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, false, err
	}
	return state, true, nil
}

func (s *SealedStateStore) Save(desc Descriptor, state *State) error {
	id := desc.UniqueID()
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding state for %s: %w", id, err)
	}
	defer util.WipeBytes(data)

	env, err := storage.SealRecord(s.stateKey, data, icrypto.AADState(id, stateVer))
	if err != nil {
		return fmt.Errorf("sealing state for %s: %w", id, err)
	}
	return s.repo.Put(stateNamespace, recordTypeState, id, env)
}
