package kv

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

// Options configures a bbolt store
type Options struct {
	// NoSync skips fsync on commit. Callers are then
	// responsible for calling Sync to make data durable.
	NoSync bool
	// Timeout bounds how long Open waits for the
	// file lock. Zero waits forever.
	Timeout time.Duration
}

var _ Store = (*BBoltStore)(nil)

// BBoltStore is a Store backed by a bbolt database file
type BBoltStore struct {
	db *bolt.DB
}

// Open opens or creates the bbolt store at path
func Open(path string, options Options) (*BBoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("could not create directory for %s: %w", path, err)
	}

	db, err := bolt.Open(path, 0666, &bolt.Options{NoSync: options.NoSync, Timeout: options.Timeout})

	if err != nil {
		return nil, fmt.Errorf("could not open bbolt store at %s: %w", path, err)
	}

	return &BBoltStore{db: db}, nil
}

// OpenTemp opens a fresh store under dir with a random
// file name. It is meant for tests and scratch space.
func OpenTemp(dir string) (*BBoltStore, error) {
	return Open(filepath.Join(dir, fmt.Sprintf("bbolt-%s", uuid.New().String())), Options{})
}

// Update implements Store.Update
func (store *BBoltStore) Update(fn func(transaction Transaction) error) error {
	return wrapError("update failed", store.db.Update(func(transaction *bolt.Tx) error {
		return fn(&BBoltTransaction{transaction: transaction})
	}))
}

// View implements Store.View
func (store *BBoltStore) View(fn func(transaction Transaction) error) error {
	return wrapError("view failed", store.db.View(func(transaction *bolt.Tx) error {
		return fn(&BBoltTransaction{transaction: transaction})
	}))
}

// Sync implements Store.Sync
func (store *BBoltStore) Sync() error {
	return wrapError("could not sync", store.db.Sync())
}

// Path implements Store.Path
func (store *BBoltStore) Path() string {
	return store.db.Path()
}

// Close implements Store.Close
func (store *BBoltStore) Close() error {
	return store.db.Close()
}

// Delete implements Store.Delete
func (store *BBoltStore) Delete() error {
	path := store.db.Path()

	if err := store.Close(); err != nil {
		return fmt.Errorf("could not close store: %w", err)
	}

	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("could not remove path %s: %w", path, err)
	}

	return nil
}

func wrapError(wrap string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, bolt.ErrDatabaseNotOpen), errors.Is(err, bolt.ErrTxClosed), errors.Is(err, ErrClosed):
		return ErrClosed
	}

	return fmt.Errorf("%s: %w", wrap, err)
}

var _ Transaction = (*BBoltTransaction)(nil)

// BBoltTransaction implements Transaction
type BBoltTransaction struct {
	transaction *bolt.Tx
}

// Bucket implements Transaction.Bucket
func (transaction *BBoltTransaction) Bucket(name []byte) Bucket {
	bucket := transaction.transaction.Bucket(name)

	if bucket == nil {
		return nil
	}

	return &BBoltBucket{bucket: bucket}
}

// CreateBucketIfNotExists implements Transaction.CreateBucketIfNotExists
func (transaction *BBoltTransaction) CreateBucketIfNotExists(name []byte) (Bucket, error) {
	bucket, err := transaction.transaction.CreateBucketIfNotExists(name)

	if err != nil {
		return nil, fmt.Errorf("could not create bucket: %w", err)
	}

	return &BBoltBucket{bucket: bucket}, nil
}

var _ Bucket = (*BBoltBucket)(nil)

// BBoltBucket implements Bucket
type BBoltBucket struct {
	bucket *bolt.Bucket
}

// Get implements Bucket.Get
func (bucket *BBoltBucket) Get(key []byte) []byte {
	return bucket.bucket.Get(key)
}

// Put implements Bucket.Put
func (bucket *BBoltBucket) Put(key []byte, value []byte) error {
	return bucket.bucket.Put(key, value)
}

// Delete implements Bucket.Delete
func (bucket *BBoltBucket) Delete(key []byte) error {
	return bucket.bucket.Delete(key)
}

// ForEach implements Bucket.ForEach
func (bucket *BBoltBucket) ForEach(fn func(key []byte, value []byte) error) error {
	return bucket.bucket.ForEach(fn)
}

// Len implements Bucket.Len
func (bucket *BBoltBucket) Len() int {
	n := 0
	cursor := bucket.bucket.Cursor()

	for key, _ := cursor.First(); key != nil; key, _ = cursor.Next() {
		n++
	}

	return n
}
