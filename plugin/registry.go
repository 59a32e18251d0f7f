package plugin

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Record is a snapshot of one plugin's registry entry. List and Get return
// copies; mutating a Record never affects the registry.
type Record struct {
	Manifest  Manifest  `json:"manifest"`
	Type      Type      `json:"type"`
	Status    Status    `json:"status"`
	LastError string    `json:"last_error,omitempty"`
	LoadedAt  time.Time `json:"loaded_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// record is the registry-owned entry. The plugin instance lives exactly as
// long as its record. Field mutation happens under the registry lock; the
// busy flag serializes lifecycle operations per id without holding that
// lock across plugin calls.
type record struct {
	Record
	instance Plugin
	bundle   string // external bundle directory, empty for builtins
	busy     atomic.Bool
}

// Registry is the concurrency-safe store of plugin records. Register and
// deregister are reserved for the lifecycle manager; readers get copies.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*record
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{records: make(map[string]*record)}
}

// List returns a snapshot of every record, sorted by id.
func (r *Registry) List() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Manifest.ID < out[j].Manifest.ID
	})
	return out
}

// Get returns a snapshot of one record.
func (r *Registry) Get(id string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return Record{}, false
	}
	return rec.snapshot(), true
}

// Len returns the number of registered plugins.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

func (rec *record) snapshot() Record {
	out := rec.Record
	out.Manifest = rec.Manifest.Clone()
	return out
}

// register adds a record. Lifecycle manager only.
func (r *Registry) register(rec *record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := rec.Manifest.ID
	if _, exists := r.records[id]; exists {
		return fmt.Errorf("%w: %q already registered", ErrManifestConflict, id)
	}
	now := time.Now().UTC()
	rec.LoadedAt = now
	rec.UpdatedAt = now
	r.records[id] = rec
	return nil
}

// deregister removes a record. Lifecycle manager only.
func (r *Registry) deregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, id)
}

// lookup returns the live record. Lifecycle manager only; callers must not
// mutate fields without going through setStatus.
func (r *Registry) lookup(id string) (*record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	return rec, ok
}

// setStatus transitions a record's status, recording lastErr ("" clears it).
func (r *Registry) setStatus(id string, status Status, lastErr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return
	}
	rec.Status = status
	rec.LastError = lastErr
	rec.UpdatedAt = time.Now().UTC()
}

// typeOf reports a registered plugin's type, for dependency resolution.
func (r *Registry) typeOf(id string) (Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return "", false
	}
	return rec.Type, true
}

// statusOf reports a registered plugin's current status.
func (r *Registry) statusOf(id string) (Status, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return "", false
	}
	return rec.Status, true
}
