package audit

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps audit records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records []Record
	nextSeq int64
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append implements Store.
func (s *MemoryStore) Append(_ context.Context, record *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSeq++
	record.Seq = s.nextSeq
	stored := *record
	stored.Details = append([]byte(nil), record.Details...)
	s.records = append(s.records, stored)
	return nil
}

// Query implements Store.
func (s *MemoryStore) Query(_ context.Context, filter Filter) ([]Record, error) {
	s.mu.RLock()
	matched := make([]Record, 0)
	for _, r := range s.records {
		if filter.matches(r) {
			matched = append(matched, r)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Timestamp != matched[j].Timestamp {
			return matched[i].Timestamp > matched[j].Timestamp
		}
		return matched[i].Seq > matched[j].Seq
	})

	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

var _ Store = (*MemoryStore)(nil)
