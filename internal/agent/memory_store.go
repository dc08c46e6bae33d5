package agent

import (
	"context"
	"sort"
	"sync"

	xerrors "NexusAgent/internal/errors"
)

// MemoryStore 是进程内的代理注册表。
type MemoryStore struct {
	mu     sync.RWMutex
	agents map[string]*Agent
}

// NewMemoryStore 创建空的 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{agents: make(map[string]*Agent)}
}

// Create 实现 Store 接口。
func (s *MemoryStore) Create(_ context.Context, a *Agent) error {
	if a == nil || a.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "代理 ID 不能为空")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.agents[a.ID]; exists {
		return xerrors.New(xerrors.CodeConflict, "代理已存在")
	}
	s.agents[a.ID] = a.clone()
	return nil
}

// Get 实现 Store 接口。
func (s *MemoryStore) Get(_ context.Context, id string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return a.clone(), nil
}

// UpdateStatus 实现 Store 接口。
func (s *MemoryStore) UpdateStatus(_ context.Context, id string, status Status, lastActive int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	a.Status = status
	a.LastActive = lastActive
	return nil
}

// ListRunning 实现 Store 接口，结果按 ID 排序。
func (s *MemoryStore) ListRunning(_ context.Context, excludeID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.agents))
	for id, a := range s.agents {
		if a.Status == StatusRunning && id != excludeID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

var _ Store = (*MemoryStore)(nil)
