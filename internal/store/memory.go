package store

import (
	"context"
	"sync"
	"time"

	"github.com/aaronwang/bidding-app/shared/models"
)

// Memory is a process-local Store. It is used by tests and by single-instance
// deployments with STORE_BACKEND=memory.
type Memory struct {
	mu      sync.RWMutex
	units   map[string]*models.Unit
	history map[string][]models.Bid
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		units:   make(map[string]*models.Unit),
		history: make(map[string][]models.Bid),
	}
}

// Create inserts new units
func (m *Memory) Create(_ context.Context, units ...*models.Unit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range units {
		if _, ok := m.units[u.ID]; ok {
			return ErrExists
		}
	}
	for _, u := range units {
		m.units[u.ID] = u.Clone()
	}
	return nil
}

// Get returns a copy of the unit
func (m *Memory) Get(_ context.Context, unitID string) (*models.Unit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.units[unitID]
	if !ok {
		return nil, ErrNotFound
	}
	return u.Clone(), nil
}

// History returns a copy of the bid history
func (m *Memory) History(_ context.Context, unitID string) ([]models.Bid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.units[unitID]; !ok {
		return nil, ErrNotFound
	}
	bids := m.history[unitID]
	out := make([]models.Bid, len(bids))
	copy(out, bids)
	return out, nil
}

// Commit applies c when the version still matches
func (m *Memory) Commit(_ context.Context, c *Commit) (*models.Unit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.units[c.UnitID]
	if !ok {
		return nil, ErrNotFound
	}
	if u.Version != c.ExpectedVersion {
		return nil, ErrConflict
	}

	next := Apply(u, c)
	m.units[c.UnitID] = next
	m.history[c.UnitID] = append(m.history[c.UnitID], c.Bid)
	return next.Clone(), nil
}

// ForceEnd marks the unit as ended. Ending an already forced unit is a no-op.
func (m *Memory) ForceEnd(_ context.Context, unitID string, at time.Time) (*models.Unit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.units[unitID]
	if !ok {
		return nil, ErrNotFound
	}
	if u.ForcedEnded {
		return u.Clone(), nil
	}
	u.ForcedEnded = true
	u.EndedAt = &at
	u.UpdatedAt = at
	u.Version++
	return u.Clone(), nil
}
