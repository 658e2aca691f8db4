// Package opstate keeps the small amount of node state that has to
// outlive the process: the last shared attribute values pushed by the
// server, and the record of an applied firmware image so the image that
// boots next can report whether the update took.
//
// State is grouped into namespaces, one per owner. Values are opaque
// strings; owners encode structured values themselves.
package opstate

import (
	"context"
	"database/sql"
	"fmt"
	"maps"
	"slices"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Entry is one stored value and the time it was last written.
type Entry struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is a namespaced key-value store backed by SQLite. It is safe
// for concurrent use.
type Store struct {
	db *sql.DB

	// now stamps writes; tests replace it.
	now func() time.Time
}

// Open opens (creating if needed) the SQLite database at dbPath and
// returns a store that owns it. The database runs in WAL mode so a
// reader never waits on the attribute writer.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore creates a store on an open database, creating the schema if
// it is missing.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db, now: time.Now}
	if _, err := s.db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS node_state (
	namespace  TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (namespace, key)
);
`

const upsert = `
INSERT INTO node_state (namespace, key, value, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (namespace, key) DO UPDATE
SET value = excluded.value, updated_at = excluded.updated_at`

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) stamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

// Get returns the value stored under namespace/key, or "" if there is
// none.
func (s *Store) Get(namespace, key string) (string, error) {
	var value string
	err := s.db.QueryRow(
		`SELECT value FROM node_state WHERE namespace = ? AND key = ?`,
		namespace, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}
	return value, nil
}

// Set writes one value, replacing any previous one.
func (s *Store) Set(namespace, key, value string) error {
	if _, err := s.db.Exec(upsert, namespace, key, value, s.stamp()); err != nil {
		return fmt.Errorf("set %s/%s: %w", namespace, key, err)
	}
	return nil
}

// SetAll writes every pair in values in a single transaction. Either all
// of them land or none do; a crash halfway through a batch of attribute
// values or an update record leaves the previous state intact.
func (s *Store) SetAll(namespace string, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return fmt.Errorf("set %s: begin: %w", namespace, err)
	}
	defer tx.Rollback()

	stamp := s.stamp()
	for _, key := range slices.Sorted(maps.Keys(values)) {
		if _, err := tx.Exec(upsert, namespace, key, values[key], stamp); err != nil {
			return fmt.Errorf("set %s/%s: %w", namespace, key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("set %s: commit: %w", namespace, err)
	}
	return nil
}

// Delete removes one value. Deleting a missing key is not an error.
func (s *Store) Delete(namespace, key string) error {
	_, err := s.db.Exec(
		`DELETE FROM node_state WHERE namespace = ? AND key = ?`,
		namespace, key,
	)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

// DeleteNamespace removes every value in namespace.
func (s *Store) DeleteNamespace(namespace string) error {
	if _, err := s.db.Exec(`DELETE FROM node_state WHERE namespace = ?`, namespace); err != nil {
		return fmt.Errorf("delete namespace %s: %w", namespace, err)
	}
	return nil
}

// List returns the values in namespace keyed by key. The map is empty,
// not nil, when the namespace holds nothing.
func (s *Store) List(namespace string) (map[string]string, error) {
	entries, err := s.Entries(namespace)
	if err != nil {
		return nil, err
	}
	result := make(map[string]string, len(entries))
	for _, e := range entries {
		result[e.Key] = e.Value
	}
	return result, nil
}

// Entries returns the values in namespace with their write times,
// ordered by key.
func (s *Store) Entries(namespace string) ([]Entry, error) {
	rows, err := s.db.Query(
		`SELECT key, value, updated_at FROM node_state WHERE namespace = ? ORDER BY key`,
		namespace,
	)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", namespace, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var stamp string
		if err := rows.Scan(&e.Key, &e.Value, &stamp); err != nil {
			return nil, fmt.Errorf("scan %s: %w", namespace, err)
		}
		e.UpdatedAt, err = time.Parse(time.RFC3339Nano, stamp)
		if err != nil {
			return nil, fmt.Errorf("parse %s/%s updated_at: %w", namespace, e.Key, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
