package operation

import (
	"errors"
	"sync"
)

// ErrDuplicateOperation means a caller reused a request id that is still live
var ErrDuplicateOperation = errors.New("duplicate operation id")

// Registry owns the mapping from request id to operation record. It is the
// only shared mutable structure in the supervision core; every method is safe
// for concurrent use.
type Registry struct {
	mu  sync.Mutex
	ops map[string]*Record
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{ops: make(map[string]*Record)}
}

// Register creates and stores a new record for id. Fails with
// ErrDuplicateOperation if the id is already live; the existing record is
// untouched.
func (r *Registry) Register(id string) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.ops[id]; ok {
		return nil, ErrDuplicateOperation
	}

	rec := newRecord(id)
	r.ops[id] = rec
	return rec, nil
}

// Lookup returns the record for id, if present
func (r *Registry) Lookup(id string) (*Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.ops[id]
	return rec, ok
}

// Remove deletes the record for id. Idempotent: removing an absent id is a
// no-op, which keeps double-running cleanup paths harmless.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.ops, id)
}

// Active returns a snapshot of all live records
func (r *Registry) Active() []*Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	recs := make([]*Record, 0, len(r.ops))
	for _, rec := range r.ops {
		recs = append(recs, rec)
	}
	return recs
}

// Len returns the number of live records
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ops)
}
