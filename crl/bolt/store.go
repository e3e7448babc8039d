// Package bolt is a bbolt-backed persistent tier for the CRL cache.
package bolt

import (
	"context"

	"go.etcd.io/bbolt"

	"github.com/houzhh15/pkd-trust/crl"
	"github.com/houzhh15/pkd-trust/protocol"
)

var bucket = []byte("crl_cache")

// Store implements crl.PersistentStore on a single bbolt file.
type Store struct {
	db *bbolt.DB
}

// New opens (or creates) the database at path.
func New(path string, opts *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, opts)
	if err != nil {
		return nil, err
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Get returns nil, nil when key is absent.
func (s *Store) Get(ctx context.Context, key crl.Key) (*crl.CacheEntry, error) {
	var raw []byte
	if err := s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(bucket).Get([]byte(key.String())); v != nil {
			// v is only valid for the lifetime of the transaction
			raw = append([]byte(nil), v...)
		}
		return nil
	}); err != nil {
		return nil, protocol.NewInfrastructureError("read CRL cache", err)
	}
	if raw == nil {
		return nil, nil
	}
	return crl.UnmarshalEntry(raw)
}

// Put replaces the entry for entry.Key.
func (s *Store) Put(ctx context.Context, entry *crl.CacheEntry) error {
	payload, err := crl.MarshalEntry(entry)
	if err != nil {
		return err
	}
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(entry.Key.String()), payload)
	}); err != nil {
		return protocol.NewInfrastructureError("write CRL cache", err)
	}
	return nil
}

// Len is the number of persisted entries.
func (s *Store) Len() int {
	n := 0
	_ = s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucket).Stats().KeyN
		return nil
	})
	return n
}

func (s *Store) Close() error {
	return s.db.Close()
}
