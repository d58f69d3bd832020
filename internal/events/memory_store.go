package events

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store for demo/test use.
type MemoryStore struct {
	mu     sync.RWMutex
	events []*Event
	seq    int64
}

// NewMemoryStore creates an in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(ctx context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	e.Seq = s.seq
	s.events = append(s.events, copyEvent(e))
	return nil
}

// List returns matching events, most recent first.
func (s *MemoryStore) List(ctx context.Context, q Query) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := clampLimit(q.Limit)
	var result []*Event
	for i := len(s.events) - 1; i >= 0 && len(result) < limit; i-- {
		if q.matches(s.events[i]) {
			result = append(result, copyEvent(s.events[i]))
		}
	}
	return result, nil
}

func copyEvent(e *Event) *Event {
	c := *e
	if e.Data != nil {
		c.Data = make(map[string]any, len(e.Data))
		for k, v := range e.Data {
			c.Data[k] = v
		}
	}
	return &c
}
