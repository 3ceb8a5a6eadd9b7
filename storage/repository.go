// Package storage provides the storage abstraction layer for sealed vault records.
//
// Records are grouped into namespaces (one per vault descriptor, plus shared
// namespaces for state and wrapped keys) and addressed by a record type and ID.
package storage

import "errors"

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrNamespaceNotFound is returned when a namespace has never been written.
	ErrNamespaceNotFound = errors.New("namespace not found")
)

// BatchTx provides writes within an atomic transaction.
// The namespace is scoped to the batch, so methods don't require it.
type BatchTx interface {
	Put(recordType string, recordID string, envelope *Envelope) error
	Delete(recordType string, recordID string) error
	// DeleteAll removes every record of recordType. It succeeds when there are none.
	DeleteAll(recordType string) error
}

// Repository defines the interface for sealed record storage.
type Repository interface {
	Put(namespace string, recordType string, recordID string, envelope *Envelope) error
	Get(namespace string, recordType string, recordID string) (*Envelope, error)
	Delete(namespace string, recordType string, recordID string) error
	// List returns the record IDs of recordType in ascending order.
	List(namespace string, recordType string) ([]string, error)
	// Batch runs fn in a single transaction. If fn returns an error no write is applied.
	Batch(namespace string, fn func(tx BatchTx) error) error
	Close() error
}

// IsNotFound reports whether err means the record, or its whole namespace, is absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrNamespaceNotFound)
}
