package kv

import (
	"errors"
)

// ErrClosed indicates that the store was closed
var ErrClosed = errors.New("store was closed")

// Store is a transactional sorted key-value store
// made up of named buckets
type Store interface {
	// Update runs fn inside a read-write transaction which is
	// committed if fn returns nil and rolled back otherwise.
	// Only one read-write transaction runs at a time.
	Update(fn func(transaction Transaction) error) error
	// View runs fn inside a read-only transaction
	View(fn func(transaction Transaction) error) error
	// Sync forces committed transactions to durable storage.
	// Stores opened with NoSync do not do this on commit.
	Sync() error
	// Path returns the file backing this store
	Path() string
	// Close closes the store. Calls made after Close
	// returns must return ErrClosed.
	Close() error
	// Delete closes then removes this store's file
	Delete() error
}

// Transaction is a transaction for a store. It must only be
// used by one goroutine at a time and only inside the function
// it was passed to.
type Transaction interface {
	// Bucket returns the named bucket or nil if it
	// does not exist
	Bucket(name []byte) Bucket
	// CreateBucketIfNotExists returns the named bucket,
	// creating it first if necessary
	CreateBucketIfNotExists(name []byte) (Bucket, error)
}

// Bucket is a sorted collection of key-value pairs. Keys and values
// returned from a bucket are only valid for the life of the transaction.
type Bucket interface {
	Get(key []byte) []byte
	Put(key []byte, value []byte) error
	Delete(key []byte) error
	// ForEach calls fn for every key in ascending order
	ForEach(fn func(key []byte, value []byte) error) error
	// Len returns the number of keys in this bucket
	Len() int
}
