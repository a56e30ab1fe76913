// Package storage persists captured sessions and the decision log using
// BoltDB.
//
// Sessions are keyed by time-ordered UUIDs so a cursor scan yields them in
// arrival order. Decisions are keyed by nanosecond timestamp for efficient
// range queries.
package storage

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

const (
	sessionsBucket  = "sessions"  // raw captured sessions, labelled or not
	decisionsBucket = "decisions" // one record per served decision
)

// DBFile is the database file created inside the data directory.
const DBFile = "botguard.db"

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("not found")

// Store provides persistent storage for sessions and decisions.
type Store struct {
	db *bbolt.DB
}

// New opens (or creates) the database in dataPath and creates the buckets.
func New(dataPath string) (*Store, error) {
	dbPath := filepath.Join(dataPath, DBFile)

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{sessionsBucket, decisionsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create %s bucket: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database. It is safe to call more than once.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.db.Path()
}
