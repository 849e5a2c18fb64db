// Package store persists onboarding state (credentials, repositories, webhooks
// and pull request snapshots) in a single bbolt database file. Every record is
// a JSON document stored under a composite string key. Credentials and pull
// request snapshots live in the default bucket; repository, member and webhook
// records live in RecordsBucket so that no snapshot key can fall under one of
// their prefixes.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/samber/mo"
	bolt "go.etcd.io/bbolt"
)

const (
	// DefaultBucket holds credentials and pull request snapshots
	DefaultBucket = "reposync"

	// RecordsBucket holds repository, member and webhook records
	RecordsBucket = "records"
)

// ErrNotFound is returned when a key does not exist
var ErrNotFound = errors.New("key not found")

// Store defines the key/value operations used by the onboarding components.
// Single-key writes are atomic.
type Store interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
	Delete(key string) error
	// Scan returns every key/value pair whose key starts with prefix
	Scan(prefix string) (map[string][]byte, error)
	// Bucket returns a view of the same database scoped to another bucket
	Bucket(name string) Store
	Close() error
}

// BoltStore implements Store on top of a bbolt database
type BoltStore struct {
	db     *bolt.DB
	path   string
	bucket []byte
}

// Open opens (creating if necessary) the database at path. timeout bounds how
// long to wait for the file lock held by another process.
func Open(path string, timeout time.Duration) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open store %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{DefaultBucket, RecordsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	return &BoltStore{db: db, path: path, bucket: []byte(DefaultBucket)}, nil
}

// Bucket returns a view of the database scoped to the named bucket. The
// bucket is created on first write.
func (s *BoltStore) Bucket(name string) Store {
	return &BoltStore{db: s.db, path: s.path, bucket: []byte(name)}
}

// Path returns the database file path
func (s *BoltStore) Path() string {
	return s.path
}

// Get returns the value stored under key or ErrNotFound
func (s *BoltStore) Get(key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return ErrNotFound
		}
		v := b.Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		// bbolt values are only valid for the life of the transaction
		value = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Put stores value under key, overwriting any previous value
func (s *BoltStore) Put(key string, value []byte) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(s.bucket)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), value)
	})
}

// Delete removes key. Deleting a missing key is not an error.
func (s *BoltStore) Delete(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

// Scan returns all entries whose key starts with prefix
func (s *BoltStore) Scan(prefix string) (map[string][]byte, error) {
	result := make(map[string][]byte)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			result[string(k)] = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Close closes the database shared by every bucket view
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// GetJSON loads and decodes the value under key. A missing key yields mo.None.
func GetJSON[T any](s Store, key string) (mo.Option[T], error) {
	data, err := s.Get(key)
	if errors.Is(err, ErrNotFound) {
		return mo.None[T](), nil
	}
	if err != nil {
		return mo.None[T](), fmt.Errorf("failed to read %s: %w", key, err)
	}

	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return mo.None[T](), fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return mo.Some(v), nil
}

// PutJSON encodes v and stores it under key
func PutJSON(s Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if err := s.Put(key, data); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// ScanJSON decodes every value under prefix. Undecodable entries are skipped
// and reported through the returned error alongside the decoded values.
func ScanJSON[T any](s Store, prefix string) ([]T, error) {
	entries, err := s.Scan(prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", prefix, err)
	}

	values := make([]T, 0, len(entries))
	var errs []error
	for key, data := range entries {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			errs = append(errs, fmt.Errorf("failed to decode %s: %w", key, err))
			continue
		}
		values = append(values, v)
	}
	return values, errors.Join(errs...)
}
