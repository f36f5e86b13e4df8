// Package identity derives the id a standby client presents to its
// primary and tracks which ids are live inside this process.
package identity

import (
	"errors"
	"os"
	"sync"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/google/uuid"
)

// EnvVar names the environment variable that, when non-empty,
// overrides the generated client id
const EnvVar = "STANDBY_ID"

var (
	// ErrAlreadyRegistered is returned when an id is registered twice
	ErrAlreadyRegistered = errors.New("id is already registered")
	// ErrNotRegistered is returned when unregistering an unknown id
	ErrNotRegistered = errors.New("id is not registered")
	// ErrEmptyID is returned when registering the empty id
	ErrEmptyID = errors.New("id must not be empty")
)

// FromEnv returns the value of EnvVar if it is set
// or a freshly generated UUID otherwise.
func FromEnv() string {
	return Resolve(os.Getenv(EnvVar))
}

// Resolve returns override if it is non-empty or a freshly
// generated UUID otherwise.
func Resolve(override string) string {
	if override != "" {
		return override
	}

	return uuid.New().String()
}

// Registry records the client ids that are live inside
// this process. Each successful Register must be matched
// by exactly one Unregister.
type Registry interface {
	Register(id string, value interface{}) error
	Unregister(id string) error
}

// Default is the process-wide registry used when a
// component is not handed one explicitly.
var Default = NewMemoryRegistry()

var _ Registry = (*MemoryRegistry)(nil)

// MemoryRegistry is an in-memory Registry. It is
// safe for concurrent use.
type MemoryRegistry struct {
	mu  sync.Mutex
	ids *treemap.Map
}

// NewMemoryRegistry creates an empty MemoryRegistry
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{ids: treemap.NewWithStringComparator()}
}

// Register implements Registry.Register
func (registry *MemoryRegistry) Register(id string, value interface{}) error {
	if id == "" {
		return ErrEmptyID
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	if _, ok := registry.ids.Get(id); ok {
		return ErrAlreadyRegistered
	}

	registry.ids.Put(id, value)

	return nil
}

// Unregister implements Registry.Unregister
func (registry *MemoryRegistry) Unregister(id string) error {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	if _, ok := registry.ids.Get(id); !ok {
		return ErrNotRegistered
	}

	registry.ids.Remove(id)

	return nil
}

// Get returns the value registered under id
func (registry *MemoryRegistry) Get(id string) (interface{}, bool) {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	return registry.ids.Get(id)
}

// IDs lists registered ids in ascending order
func (registry *MemoryRegistry) IDs() []string {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	ids := make([]string, 0, registry.ids.Size())

	for _, key := range registry.ids.Keys() {
		ids = append(ids, key.(string))
	}

	return ids
}
