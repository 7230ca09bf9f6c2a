// Package kvsink implements the debug KV sink collaborator: a
// durable, provider-agnostic place the reconciler writes a human-readable
// status string and its most recent error, under the two fixed keys
// DEBUG_AUTOSCALING_STATUS and DEBUG_AUTOSCALING_ERROR.
package kvsink

import (
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var bucketDebug = []byte("debug")

const (
	// KeyStatus holds the most recent debug_string() rendering.
	KeyStatus = "DEBUG_AUTOSCALING_STATUS"
	// KeyError holds the most recent tick's error, if any, cleared on the
	// next successful tick.
	KeyError = "DEBUG_AUTOSCALING_ERROR"
)

// Sink is a bbolt-backed key/value store scoped to exactly the two fixed
// debug keys.
type Sink struct {
	db *bolt.DB
}

// Open opens (creating if necessary) a bbolt database under dataDir.
func Open(dataDir string) (*Sink, error) {
	path := filepath.Join(dataDir, "fleetwatch.db")
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening debug kv sink %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketDebug)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating debug bucket: %w", err)
	}
	return &Sink{db: db}, nil
}

// Close closes the underlying database.
func (s *Sink) Close() error {
	return s.db.Close()
}

// PutStatus writes the current debug_string() rendering.
func (s *Sink) PutStatus(status string) error {
	return s.put(KeyStatus, status)
}

// PutError writes the most recent tick error, or clears it when msg is "".
func (s *Sink) PutError(msg string) error {
	return s.put(KeyError, msg)
}

func (s *Sink) put(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDebug).Put([]byte(key), []byte(value))
	})
}

// Status returns the last-written status string, or "" if none yet.
func (s *Sink) Status() (string, error) {
	return s.get(KeyStatus)
}

// Error returns the last-written error string, or "" if clear.
func (s *Sink) Error() (string, error) {
	return s.get(KeyError)
}

func (s *Sink) get(key string) (string, error) {
	var out string
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketDebug).Get([]byte(key))
		out = string(v)
		return nil
	})
	return out, err
}
