// Package sqlite implements storage.Repository backed by SQLite through the
// pure-Go modernc.org/sqlite driver.
//
// The records table uses a composite primary key (namespace, record_type,
// record_id) that mirrors the key space used by the BBolt and in-memory
// backends. Envelope fields are stored as individual columns.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/jmcleod/idvault/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	namespace   TEXT    NOT NULL,
	record_type TEXT    NOT NULL,
	record_id   TEXT    NOT NULL,
	ver         INTEGER NOT NULL,
	scheme      TEXT    NOT NULL,
	nonce       BLOB    NOT NULL,
	ciphertext  BLOB    NOT NULL,
	PRIMARY KEY (namespace, record_type, record_id)
);
CREATE TABLE IF NOT EXISTS namespaces (
	namespace TEXT PRIMARY KEY
);
INSERT OR IGNORE INTO namespaces (namespace) SELECT DISTINCT namespace FROM records;`

// A namespace row outlives its records, so a Get after the last Delete
// reports ErrNotFound like the bbolt bucket and memory map do.
const insertNamespace = `INSERT OR IGNORE INTO namespaces (namespace) VALUES (?)`

const upsertRecord = `
INSERT INTO records (namespace, record_type, record_id, ver, scheme, nonce, ciphertext)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (namespace, record_type, record_id)
DO UPDATE SET ver = excluded.ver, scheme = excluded.scheme, nonce = excluded.nonce, ciphertext = excluded.ciphertext`

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

// Store implements storage.Repository backed by SQLite.
type Store struct {
	db *sql.DB
}

var _ storage.Repository = (*Store)(nil)

// NewRepository ensures the schema exists on db and returns a Repository.
func NewRepository(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return &Store{db: db}, nil
}

// NewRepositoryFromFile opens (or creates) the SQLite database at path.
// Use ":memory:" for a private in-memory database.
func NewRepositoryFromFile(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent and
	// serializes writers on file databases.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting %q: %w", pragma, err)
		}
	}

	s, err := NewRepository(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Put(namespace, recordType, recordID string, envelope *storage.Envelope) error {
	return putRecord(s.db, namespace, recordType, recordID, envelope)
}

func putRecord(e execer, namespace, recordType, recordID string, envelope *storage.Envelope) error {
	if _, err := e.Exec(insertNamespace, namespace); err != nil {
		return err
	}
	_, err := e.Exec(upsertRecord,
		namespace, recordType, recordID,
		envelope.Ver, envelope.Scheme, envelope.Nonce, envelope.Ciphertext)
	return err
}

func (s *Store) Get(namespace, recordType, recordID string) (*storage.Envelope, error) {
	var env storage.Envelope
	err := s.db.QueryRow(
		`SELECT ver, scheme, nonce, ciphertext FROM records
		 WHERE namespace = ? AND record_type = ? AND record_id = ?`,
		namespace, recordType, recordID).Scan(&env.Ver, &env.Scheme, &env.Nonce, &env.Ciphertext)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.notFoundError(namespace, recordType, recordID)
	}
	if err != nil {
		return nil, err
	}
	return &env, nil
}

// notFoundError distinguishes a namespace that was never written from a
// missing record.
func (s *Store) notFoundError(namespace, recordType, recordID string) error {
	var exists int
	err := s.db.QueryRow(`SELECT 1 FROM namespaces WHERE namespace = ?`, namespace).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", namespace, storage.ErrNamespaceNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
}

func (s *Store) List(namespace, recordType string) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT record_id FROM records WHERE namespace = ? AND record_type = ? ORDER BY record_id`,
		namespace, recordType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) Delete(namespace, recordType, recordID string) error {
	return deleteRecord(s.db, namespace, recordType, recordID)
}

func deleteRecord(e execer, namespace, recordType, recordID string) error {
	res, err := e.Exec(
		`DELETE FROM records WHERE namespace = ? AND record_type = ? AND record_id = ?`,
		namespace, recordType, recordID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	return nil
}

// Batch runs fn inside a single SQL transaction.
func (s *Store) Batch(namespace string, fn func(tx storage.BatchTx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(insertNamespace, namespace); err != nil {
		return err
	}
	if err := fn(&sqliteBatchTx{tx: tx, namespace: namespace}); err != nil {
		return err
	}
	return tx.Commit()
}

type sqliteBatchTx struct {
	tx        *sql.Tx
	namespace string
}

var _ storage.BatchTx = (*sqliteBatchTx)(nil)

func (btx *sqliteBatchTx) Put(recordType, recordID string, envelope *storage.Envelope) error {
	return putRecord(btx.tx, btx.namespace, recordType, recordID, envelope)
}

func (btx *sqliteBatchTx) Delete(recordType, recordID string) error {
	return deleteRecord(btx.tx, btx.namespace, recordType, recordID)
}

func (btx *sqliteBatchTx) DeleteAll(recordType string) error {
	_, err := btx.tx.Exec(`DELETE FROM records WHERE namespace = ? AND record_type = ?`, btx.namespace, recordType)
	return err
}
