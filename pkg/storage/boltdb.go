package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketPendingRemovals = []byte("pending_volume_removals")

	// ErrNotFound is returned when a journal entry does not exist
	ErrNotFound = errors.New("not found")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "dynsched.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketPendingRemovals); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketPendingRemovals, err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// PutPendingRemoval creates or replaces a journal entry
func (s *BoltStore) PutPendingRemoval(p *PendingRemoval) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPendingRemovals)
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return b.Put([]byte(p.Key()), data)
	})
}

func (s *BoltStore) GetPendingRemoval(key string) (*PendingRemoval, error) {
	var p PendingRemoval
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPendingRemovals).Get([]byte(key))
		if data == nil {
			return fmt.Errorf("pending removal %s: %w", key, ErrNotFound)
		}
		return json.Unmarshal(data, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *BoltStore) ListPendingRemovals() ([]*PendingRemoval, error) {
	var out []*PendingRemoval
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPendingRemovals).ForEach(func(k, v []byte) error {
			var p PendingRemoval
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			out = append(out, &p)
			return nil
		})
	})
	return out, err
}

// DeletePendingRemoval removes an entry. Deleting a missing key is not an error.
func (s *BoltStore) DeletePendingRemoval(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPendingRemovals).Delete([]byte(key))
	})
}
