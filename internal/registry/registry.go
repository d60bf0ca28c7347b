// Package registry holds the authoritative in-memory records of every managed
// instance. Every read returns an owned copy; the stored record is only ever
// touched inside Mutate, which runs synchronously under the registry mutex.
// Engine calls and persistence I/O happen strictly outside of it.
package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/warden-sh/warden/pkg/models"
)

var (
	ErrInstanceNotFound = errors.New("instance not found")
	ErrInstanceExists   = errors.New("instance already exists")
)

// Registry is a concurrent map of managed instances keyed by logical name.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]*models.ManagedInstance
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{instances: make(map[string]*models.ManagedInstance)}
}

// Get returns an owned copy of the named record.
func (r *Registry) Get(name string) (models.ManagedInstance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inst, ok := r.instances[name]
	if !ok {
		return models.ManagedInstance{}, false
	}
	return inst.Clone(), true
}

// Snapshot is Get under a name that makes the ownership contract explicit at
// lifecycle call sites: the returned value is yours, the stored record is not.
func (r *Registry) Snapshot(name string) (models.ManagedInstance, bool) {
	return r.Get(name)
}

// Mutate applies fn to the stored record and returns an owned copy of the
// result. fn runs under the registry mutex and must not block: no engine
// calls, no I/O, no channel operations.
func (r *Registry) Mutate(name string, fn func(*models.ManagedInstance)) (models.ManagedInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[name]
	if !ok {
		return models.ManagedInstance{}, ErrInstanceNotFound
	}
	fn(inst)
	inst.UpdatedAt = time.Now().UTC()
	return inst.Clone(), nil
}

// Insert registers a new record. The registry stores its own copy.
func (r *Registry) Insert(inst models.ManagedInstance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.instances[inst.Name]; ok {
		return ErrInstanceExists
	}
	owned := inst.Clone()
	if owned.CreatedAt.IsZero() {
		owned.CreatedAt = time.Now().UTC()
	}
	owned.UpdatedAt = time.Now().UTC()
	r.instances[inst.Name] = &owned
	return nil
}

// Remove deletes the named record. Removing an unknown name is a no-op.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.instances, name)
}

// All returns owned copies of every record, sorted by name so persisted
// snapshots are stable.
func (r *Registry) All() []models.ManagedInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.ManagedInstance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of managed instances.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}

// CountByStatus returns how many instances are in each status. Used by the
// metrics exporter.
func (r *Registry) CountByStatus() map[models.InstanceStatus]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[models.InstanceStatus]int)
	for _, inst := range r.instances {
		counts[inst.Status]++
	}
	return counts
}
