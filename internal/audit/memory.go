package audit

import (
	"context"
	"sync"
)

// MemoryLog is an in-memory Outbox plus Ledger, intended for tests and local
// development wiring.
type MemoryLog struct {
	mu      sync.RWMutex
	pending []*Event
	ledger  []*Event
}

var (
	_ Outbox = (*MemoryLog)(nil)
	_ Ledger = (*MemoryLog)(nil)
)

// NewMemoryLog constructs an empty MemoryLog.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (m *MemoryLog) Enqueue(_ context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.pending = append(m.pending, &cp)
	return nil
}

func (m *MemoryLog) PullPending(_ context.Context, limit int) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := len(m.pending)
	if limit > 0 && n > limit {
		n = limit
	}
	out := make([]*Event, 0, n)
	for _, e := range m.pending[:n] {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryLog) MarkDispatched(_ context.Context, eventIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	drop := make(map[string]struct{}, len(eventIDs))
	for _, id := range eventIDs {
		drop[id] = struct{}{}
	}
	kept := m.pending[:0]
	for _, e := range m.pending {
		if _, ok := drop[e.ID]; !ok {
			kept = append(kept, e)
		}
	}
	m.pending = kept
	return nil
}

func (m *MemoryLog) Append(_ context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.ledger = append(m.ledger, &cp)
	return nil
}

// List returns ledger events, newest first.
func (m *MemoryLog) List(_ context.Context, limit int) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Event, 0, len(m.ledger))
	for i := len(m.ledger) - 1; i >= 0; i-- {
		cp := *m.ledger[i]
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
