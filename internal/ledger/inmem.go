package ledger

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// InMemoryRepo keeps entries for the life of the process.
type InMemoryRepo struct {
	mu      sync.RWMutex
	entries []Entry
}

func NewInMemoryRepo() *InMemoryRepo {
	return &InMemoryRepo{}
}

func (r *InMemoryRepo) Record(_ context.Context, e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

func (r *InMemoryRepo) List(_ context.Context, runID uuid.UUID) ([]Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Entry
	for _, e := range r.entries {
		if e.RunID == runID {
			out = append(out, e)
		}
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

func (r *InMemoryRepo) Close() error { return nil }
