package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/idvault/storage"
	bboltstorage "github.com/jmcleod/idvault/storage/bbolt"
	"github.com/jmcleod/idvault/storage/memory"
	"github.com/jmcleod/idvault/storage/sqlite"
)

// Open returns the configured repository. The caller closes it.
func (s StorageConfig) Open() (storage.Repository, error) {
	switch s.Backend {
	case BackendMemory:
		return memory.NewRepository(), nil
	case BackendBolt, BackendSQLite:
	default:
		return nil, fmt.Errorf("unknown storage backend %q", s.Backend)
	}

	if err := os.MkdirAll(filepath.Dir(s.Path), 0o700); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}
	if s.Backend == BackendSQLite {
		return sqlite.NewRepositoryFromFile(s.Path)
	}
	return bboltstorage.NewRepositoryFromFile(s.Path, &bbolt.Options{Timeout: time.Second})
}
