// Package replay implements the persistent anti-replay digest store.
//
// Every accepted ciphertext digest is written to a bbolt database before any
// firewall or command side effect, so a crash between grant and persistence
// cannot admit a replay after restart. bbolt serializes writers and fsyncs
// each update, which gives both the concurrency and the durability the
// pipeline requires.
package replay

import (
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/spagate/spagate/pkg/spa"
)

// Store is the replay-suppression interface the pipeline consumes.
type Store interface {
	// Contains reports whether digest has been seen before.
	Contains(digest string) (bool, error)

	// Insert adds digest to the store, durably. It returns spa.ErrReplay if
	// the digest was already present; the check and the add are one atomic
	// step, so two concurrent duplicates cannot both succeed.
	Insert(digest string) error

	// Flush forces pending state to disk.
	Flush() error

	Close() error
}

var digestBucket = []byte("digests")

// BoltStore is the bbolt-backed Store.
type BoltStore struct {
	db *bolt.DB
}

// Open opens (or creates) the digest database at path.
func Open(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening digest db %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(digestBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating digest bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Count returns the number of persisted digests, for the startup log line.
func (s *BoltStore) Count() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(digestBucket).Stats().KeyN
		return nil
	})
	return n, err
}

func (s *BoltStore) Contains(digest string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(digestBucket).Get([]byte(digest)) != nil
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("%w: %v", spa.ErrDigest, err)
	}
	return found, nil
}

func (s *BoltStore) Insert(digest string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(digestBucket)
		if b.Get([]byte(digest)) != nil {
			return spa.ErrReplay
		}
		seen := []byte(time.Now().UTC().Format(time.RFC3339))
		return b.Put([]byte(digest), seen)
	})
	if err != nil && !errors.Is(err, spa.ErrReplay) {
		return fmt.Errorf("%w: %v", spa.ErrDigest, err)
	}
	return err
}

func (s *BoltStore) Flush() error {
	return s.db.Sync()
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Disabled is the Store used when digest persistence is turned off:
// Contains never matches and Insert is a no-op, making packet processing
// explicitly non-idempotent.
type Disabled struct{}

func (Disabled) Contains(string) (bool, error) { return false, nil }
func (Disabled) Insert(string) error           { return nil }
func (Disabled) Flush() error                  { return nil }
func (Disabled) Close() error                  { return nil }
