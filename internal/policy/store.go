package policy

import (
	"context"
	"sync"
	"time"
)

// WindowStore persists spend counters so that several processes acting for
// the same wallet observe one history. Load reports false when nothing has
// been saved yet.
//
// AddSpend adds amount to both counters in one atomic step and returns the
// stored window. A window that does not exist yet starts at now. Confirmed
// spend goes through AddSpend, never through SaveWindow, so two writers
// cannot overwrite each other's spend.
type WindowStore interface {
	LoadWindow(ctx context.Context, walletID string) (Window, bool, error)
	SaveWindow(ctx context.Context, walletID string, w Window) error
	AddSpend(ctx context.Context, walletID string, amount float64, now time.Time) (Window, error)
}

// MemoryWindowStore keeps counters in process memory.
type MemoryWindowStore struct {
	mu      sync.RWMutex
	windows map[string]Window
}

// NewMemoryWindowStore creates an empty store.
func NewMemoryWindowStore() *MemoryWindowStore {
	return &MemoryWindowStore{windows: make(map[string]Window)}
}

// LoadWindow implements WindowStore.
func (s *MemoryWindowStore) LoadWindow(_ context.Context, walletID string) (Window, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.windows[walletID]
	return w, ok, nil
}

// SaveWindow implements WindowStore.
func (s *MemoryWindowStore) SaveWindow(_ context.Context, walletID string, w Window) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows[walletID] = w
	return nil
}

// AddSpend implements WindowStore.
func (s *MemoryWindowStore) AddSpend(_ context.Context, walletID string, amount float64, now time.Time) (Window, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[walletID]
	if !ok {
		w.LastReset = now
	}
	w.HourlySpent += amount
	w.DailySpent += amount
	s.windows[walletID] = w
	return w, nil
}

var _ WindowStore = (*MemoryWindowStore)(nil)
