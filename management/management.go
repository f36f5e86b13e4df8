// Package management exposes standby status surfaces to operators.
// Status surfaces are registered under a name derived from the
// standby's identity. A MemoryRegistry serves what is registered
// with it as JSON over HTTP and as Prometheus metrics.
package management

import (
	"errors"
	"fmt"
	"sync"

	"github.com/emirpasic/gods/maps/treemap"
)

// Namespace is the fixed prefix of every status surface name
const Namespace = `standby:name="Status",type="Standby"`

var (
	// ErrAlreadyRegistered is returned when registering a
	// name that is already registered
	ErrAlreadyRegistered = errors.New("name is already registered")
	// ErrNotRegistered is returned when unregistering a
	// name that is not registered
	ErrNotRegistered = errors.New("name is not registered")
)

// Name returns the name a standby with the given
// identity registers its status surface under
func Name(id string) string {
	return fmt.Sprintf(`%s,id="%s"`, Namespace, id)
}

// Bean is a status surface: read accessors over a standby's
// state plus its operator controls
type Bean interface {
	Mode() string
	IsRunning() bool
	Start()
	Stop()
	Status() string
	FailedRequests() int
	SecondsSinceLastSuccess() int
	Cleanup()
	SyncStartTimestamp() int64
	SyncEndTimestamp() int64
}

// Registry tracks registered status surfaces
type Registry interface {
	Register(name string, bean Bean) error
	Unregister(name string) error
}

// Default is the process-wide registry
var Default = NewMemoryRegistry()

var _ Registry = (*MemoryRegistry)(nil)

// MemoryRegistry is an in-memory Registry ordered by name
type MemoryRegistry struct {
	mu    sync.RWMutex
	beans *treemap.Map
}

// NewMemoryRegistry creates an empty registry
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{beans: treemap.NewWithStringComparator()}
}

// Register implements Registry.Register
func (registry *MemoryRegistry) Register(name string, bean Bean) error {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	if _, ok := registry.beans.Get(name); ok {
		return fmt.Errorf("%s: %w", name, ErrAlreadyRegistered)
	}

	registry.beans.Put(name, bean)

	return nil
}

// Unregister implements Registry.Unregister
func (registry *MemoryRegistry) Unregister(name string) error {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	if _, ok := registry.beans.Get(name); !ok {
		return fmt.Errorf("%s: %w", name, ErrNotRegistered)
	}

	registry.beans.Remove(name)

	return nil
}

// Get returns the bean registered under name
func (registry *MemoryRegistry) Get(name string) (Bean, bool) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	value, ok := registry.beans.Get(name)

	if !ok {
		return nil, false
	}

	return value.(Bean), true
}

// Names lists registered names in order
func (registry *MemoryRegistry) Names() []string {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	names := make([]string, 0, registry.beans.Size())

	for _, key := range registry.beans.Keys() {
		names = append(names, key.(string))
	}

	return names
}

type entry struct {
	name string
	bean Bean
}

func (registry *MemoryRegistry) entries() []entry {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	entries := make([]entry, 0, registry.beans.Size())
	iterator := registry.beans.Iterator()

	for iterator.Next() {
		entries = append(entries, entry{name: iterator.Key().(string), bean: iterator.Value().(Bean)})
	}

	return entries
}
