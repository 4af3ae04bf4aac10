// Package ratelimit limits how often a single key (a bidder) may act within a
// fixed window. State per key expires with its window.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/aaronwang/bidding-app/internal/clock"
)

// Limiter decides whether key may perform one more action now
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Memory is a fixed-window Limiter for a single process
type Memory struct {
	limit  int
	window time.Duration
	clock  clock.Clock

	mu      sync.Mutex
	windows map[string]*fixedWindow
	sweepAt time.Time
}

type fixedWindow struct {
	count     int
	expiresAt time.Time
}

// NewMemory allows limit actions per key in every window
func NewMemory(limit int, window time.Duration, c clock.Clock) *Memory {
	if c == nil {
		c = clock.Real{}
	}
	return &Memory{
		limit:   limit,
		window:  window,
		clock:   c,
		windows: make(map[string]*fixedWindow),
	}
}

// Allow counts one action for key
func (m *Memory) Allow(_ context.Context, key string) (bool, error) {
	if m.limit <= 0 {
		return true, nil
	}
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if !now.Before(m.sweepAt) {
		m.sweep(now)
		m.sweepAt = now.Add(m.window)
	}

	w, ok := m.windows[key]
	if !ok || !now.Before(w.expiresAt) {
		w = &fixedWindow{expiresAt: now.Add(m.window)}
		m.windows[key] = w
	}
	w.count++
	return w.count <= m.limit, nil
}

func (m *Memory) sweep(now time.Time) {
	for k, w := range m.windows {
		if !now.Before(w.expiresAt) {
			delete(m.windows, k)
		}
	}
}

// Len returns the number of keys with a live window
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.windows)
}

// Unlimited allows everything
type Unlimited struct{}

// Allow always returns true
func (Unlimited) Allow(context.Context, string) (bool, error) {
	return true, nil
}
