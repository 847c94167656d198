package provenance

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// MemoryStore keeps events in memory.
type MemoryStore struct {
	mu     sync.RWMutex
	events []Event
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// ErrDuplicateSequence is returned when a document already holds an event
// with the same sequence id.
var ErrDuplicateSequence = errors.New("provenance: duplicate sequence id")

// Append stores a copy of e.
func (m *MemoryStore) Append(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, x := range m.events {
		if x.DocumentID == e.DocumentID && x.Sequence == e.Sequence {
			return fmt.Errorf("%w: %s/%d", ErrDuplicateSequence, e.DocumentID, e.Sequence)
		}
	}
	m.events = append(m.events, e)
	return nil
}

// List returns matching events ordered by (timestamp, sequence id).
func (m *MemoryStore) List(ctx context.Context, f Filter) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]Event, 0, len(m.events))
	for _, e := range m.events {
		if f.Match(e) {
			out = append(out, e)
		}
	}
	m.mu.RUnlock()

	Sort(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// LastSequence returns the highest sequence id stored for a document, or 0.
func (m *MemoryStore) LastSequence(ctx context.Context, documentID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var last int64
	for _, e := range m.events {
		if e.DocumentID == documentID && e.Sequence > last {
			last = e.Sequence
		}
	}
	return last, nil
}
