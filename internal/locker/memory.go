// Package locker serializes auto-sign attempts per payer. The in-memory
// implementation suits a single instance; multi-instance deployments use the
// Redis implementation so the exclusion holds across the fleet.
package locker

import (
	"context"
	"sync"
	"time"
)

// Memory is a process local lock table.
type Memory struct {
	mu    sync.Mutex
	held  map[string]time.Time
	clock func() time.Time
}

// NewMemory returns an empty lock table.
func NewMemory() *Memory {
	return &Memory{
		held:  make(map[string]time.Time),
		clock: time.Now,
	}
}

// Acquire implements settlement.Locker. A lock past its ttl counts as free so
// a crashed holder cannot wedge a payer forever.
func (m *Memory) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	if expiry, ok := m.held[key]; ok && now.Before(expiry) {
		return nil, false, nil
	}

	m.held[key] = now.Add(ttl)

	release := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.held, key)
	}

	return release, true, nil
}
