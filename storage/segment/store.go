// Package segment implements a small segment-structured store on top of
// bbolt: immutable segments linked by references, a head pointer naming
// the current root, and garbage collection generations.
//
// The generation of the head segment is the store's current generation.
// It advances when a compacted copy of the content is written under a new
// head. Cleanup reclaims segments that are no longer reachable from the
// head and whose generation is too old to be retained.
//
// Writes are not made durable until Flush is called.
package segment

import (
	"fmt"

	"github.com/emirpasic/gods/lists/arraylist"
	"github.com/emirpasic/gods/sets/hashset"
	"github.com/google/uuid"
	"github.com/jrife/standby/storage/kv"
	"go.uber.org/zap"
)

// DefaultRetainedGenerations is the number of generations,
// counting the head's, whose unreachable segments survive
// a cleanup
const DefaultRetainedGenerations = 2

var (
	segmentsBucket = []byte("segments")
	metaBucket     = []byte("meta")
	headKey        = []byte("head")
)

// Options configures a store
type Options struct {
	Path                string
	RetainedGenerations int
	Logger              *zap.Logger
}

// Store is a segment store. It is safe for concurrent use.
type Store struct {
	kv       kv.Store
	logger   *zap.Logger
	retained int
}

// Open opens or creates the store at options.Path
func Open(options Options) (*Store, error) {
	kvStore, err := kv.Open(options.Path, kv.Options{NoSync: true})

	if err != nil {
		return nil, err
	}

	store, err := NewStore(kvStore, options)

	if err != nil {
		kvStore.Close()

		return nil, err
	}

	return store, nil
}

// NewStore creates a store backed by kvStore. The store
// takes ownership of kvStore.
func NewStore(kvStore kv.Store, options Options) (*Store, error) {
	store := &Store{
		kv:       kvStore,
		logger:   options.Logger,
		retained: options.RetainedGenerations,
	}

	if store.logger == nil {
		store.logger = zap.L()
	}

	store.logger = store.logger.With(zap.String("store", kvStore.Path()))

	if store.retained <= 0 {
		store.retained = DefaultRetainedGenerations
	}

	if err := kvStore.Update(func(transaction kv.Transaction) error {
		if _, err := transaction.CreateBucketIfNotExists(segmentsBucket); err != nil {
			return err
		}

		_, err := transaction.CreateBucketIfNotExists(metaBucket)

		return err
	}); err != nil {
		return nil, fmt.Errorf("could not initialize segment store: %w", err)
	}

	return store, nil
}

// Head returns the id of the head segment. ok is false
// if no head has been set yet.
func (store *Store) Head() (head uuid.UUID, ok bool, err error) {
	err = store.kv.View(func(transaction kv.Transaction) error {
		head, ok, err = readHead(transaction)

		return err
	})

	return
}

// HeadGeneration returns the generation of the head
// segment or 0 if the store is empty
func (store *Store) HeadGeneration() (int, error) {
	generation := 0

	err := store.kv.View(func(transaction kv.Transaction) error {
		head, ok, err := readHead(transaction)

		if err != nil || !ok {
			return err
		}

		segment, err := readSegment(transaction, head)

		if err != nil {
			return err
		}

		generation = segment.Generation

		return nil
	})

	return generation, err
}

// SetHead makes id the head segment. The
// segment must already exist.
func (store *Store) SetHead(id uuid.UUID) error {
	return store.kv.Update(func(transaction kv.Transaction) error {
		if transaction.Bucket(segmentsBucket).Get(id[:]) == nil {
			return fmt.Errorf("could not set head to %s: %w", id, ErrNoSuchSegment)
		}

		return transaction.Bucket(metaBucket).Put(headKey, id[:])
	})
}

// ContainsSegment reports whether the segment exists
func (store *Store) ContainsSegment(id uuid.UUID) (bool, error) {
	found := false

	err := store.kv.View(func(transaction kv.Transaction) error {
		found = transaction.Bucket(segmentsBucket).Get(id[:]) != nil

		return nil
	})

	return found, err
}

// ReadSegment reads a segment
func (store *Store) ReadSegment(id uuid.UUID) (Segment, error) {
	var segment Segment

	err := store.kv.View(func(transaction kv.Transaction) error {
		var err error
		segment, err = readSegment(transaction, id)

		return err
	})

	return segment, err
}

// WriteSegment writes a segment. Writing a segment
// that already exists has no effect.
func (store *Store) WriteSegment(segment Segment) error {
	return store.kv.Update(func(transaction kv.Transaction) error {
		segments := transaction.Bucket(segmentsBucket)

		if segments.Get(segment.ID[:]) != nil {
			return nil
		}

		return segments.Put(segment.ID[:], segment.Marshal())
	})
}

// Len returns the number of stored segments
func (store *Store) Len() (int, error) {
	n := 0

	err := store.kv.View(func(transaction kv.Transaction) error {
		n = transaction.Bucket(segmentsBucket).Len()

		return nil
	})

	return n, err
}

// Flush makes all writes durable
func (store *Store) Flush() error {
	if err := store.kv.Sync(); err != nil {
		return fmt.Errorf("could not flush segment store: %w", err)
	}

	return nil
}

// Cleanup deletes every segment that is not reachable from the
// head and whose generation is older than the retained generations.
func (store *Store) Cleanup() error {
	removed := 0

	err := store.kv.Update(func(transaction kv.Transaction) error {
		head, ok, err := readHead(transaction)

		if err != nil || !ok {
			return err
		}

		reachable, headGeneration, err := mark(transaction, head)

		if err != nil {
			return err
		}

		cutoff := headGeneration - store.retained + 1
		garbage := arraylist.New()
		segments := transaction.Bucket(segmentsBucket)

		if err := segments.ForEach(func(key []byte, value []byte) error {
			id, err := uuid.FromBytes(key)

			if err != nil {
				return fmt.Errorf("%w: bad key %x", ErrCorrupt, key)
			}

			if reachable.Contains(id) {
				return nil
			}

			segment, err := Unmarshal(id, value)

			if err != nil {
				return err
			}

			if segment.Generation < cutoff {
				garbage.Add(id)
			}

			return nil
		}); err != nil {
			return err
		}

		for _, id := range garbage.Values() {
			id := id.(uuid.UUID)

			if err := segments.Delete(id[:]); err != nil {
				return err
			}
		}

		removed = garbage.Size()
		store.logger.Debug("cleanup", zap.Int("head_generation", headGeneration), zap.Int("cutoff", cutoff), zap.Int("reachable", reachable.Size()), zap.Int("removed", removed))

		return nil
	})

	if err != nil {
		return fmt.Errorf("could not clean up segment store: %w", err)
	}

	store.logger.Info("cleanup finished", zap.Int("removed", removed))

	return nil
}

// Close closes the store
func (store *Store) Close() error {
	return store.kv.Close()
}

// Delete closes the store and removes its file
func (store *Store) Delete() error {
	return store.kv.Delete()
}

func readHead(transaction kv.Transaction) (uuid.UUID, bool, error) {
	value := transaction.Bucket(metaBucket).Get(headKey)

	if value == nil {
		return uuid.Nil, false, nil
	}

	head, err := uuid.FromBytes(value)

	if err != nil {
		return uuid.Nil, false, fmt.Errorf("%w: bad head record: %s", ErrCorrupt, err.Error())
	}

	return head, true, nil
}

func readSegment(transaction kv.Transaction, id uuid.UUID) (Segment, error) {
	value := transaction.Bucket(segmentsBucket).Get(id[:])

	if value == nil {
		return Segment{}, fmt.Errorf("%s: %w", id, ErrNoSuchSegment)
	}

	return Unmarshal(id, value)
}

// mark returns the set of segments reachable from head
// along with the head's generation
func mark(transaction kv.Transaction, head uuid.UUID) (*hashset.Set, int, error) {
	reachable := hashset.New(head)
	pending := []uuid.UUID{head}
	headGeneration := 0

	for len(pending) > 0 {
		id := pending[len(pending)-1]
		pending = pending[:len(pending)-1]

		segment, err := readSegment(transaction, id)

		if err != nil {
			return nil, 0, err
		}

		if id == head {
			headGeneration = segment.Generation
		}

		for _, reference := range segment.References {
			if reachable.Contains(reference) {
				continue
			}

			reachable.Add(reference)
			pending = append(pending, reference)
		}
	}

	return reachable, headGeneration, nil
}
