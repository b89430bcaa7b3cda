package position

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore keeps positions in process memory. Used by tests and
// paper-trading runs.
type MemoryStore struct {
	mu        sync.Mutex
	positions map[string]*Position
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{positions: make(map[string]*Position)}
}

func (m *MemoryStore) GetActive(ctx context.Context, symbol, timeframe string) (*Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.positions[Key(symbol, timeframe)]
	if !ok || p.Status != StatusActive {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) ActivePositions(ctx context.Context) ([]Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Position
	for _, p := range m.positions {
		if p.Status == StatusActive {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *MemoryStore) LockNew(ctx context.Context, p Position) (bool, error) {
	if err := p.Validate(); err != nil {
		return false, fmt.Errorf("invalid position: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := p.Key()
	if existing, ok := m.positions[key]; ok && existing.Status == StatusActive {
		return false, nil
	}
	p.Status = StatusActive
	if p.RemainingQty == 0 {
		p.RemainingQty = p.Quantity
	}
	cp := p
	m.positions[key] = &cp
	return true, nil
}

func (m *MemoryStore) UpdateFromPrice(ctx context.Context, symbol, timeframe string, price float64) (*Position, []Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.positions[Key(symbol, timeframe)]
	if !ok {
		return nil, nil, nil
	}
	events := p.ApplyPrice(price, time.Now().UTC())
	cp := *p
	return &cp, events, nil
}

func (m *MemoryStore) RecordExit(ctx context.Context, symbol, timeframe string, ev Event, remaining float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.positions[Key(symbol, timeframe)]
	if !ok || p.Status != StatusActive {
		return nil
	}
	p.RecordExit(ev, remaining, time.Now().UTC())
	return nil
}

func (m *MemoryStore) CloseExternal(ctx context.Context, symbol, timeframe string, reason CloseReason) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.positions[Key(symbol, timeframe)]
	if !ok {
		return fmt.Errorf("no position for %s", Key(symbol, timeframe))
	}
	p.CloseExternally(reason, time.Now().UTC())
	return nil
}
