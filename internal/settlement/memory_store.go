package settlement

import (
	"context"
	"sync"

	xerrors "NexusAgent/internal/errors"
)

// MemoryStore 是进程内的 Store 实现，写操作在同一把锁内完成。
type MemoryStore struct {
	mu      sync.Mutex
	escrows map[string]*Escrow
	tasks   map[string]*Task
}

// NewMemoryStore 创建空的 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows: make(map[string]*Escrow),
		tasks:   make(map[string]*Task),
	}
}

// CreateEscrow 实现 EscrowStore 接口。
func (s *MemoryStore) CreateEscrow(_ context.Context, e *Escrow) error {
	if e == nil || e.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "托管 ID 不能为空")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.escrows[e.ID]; exists {
		return xerrors.New(xerrors.CodeConflict, "托管已存在")
	}
	s.escrows[e.ID] = e.clone()
	return nil
}

// GetEscrow 实现 EscrowStore 接口。
func (s *MemoryStore) GetEscrow(_ context.Context, id string) (*Escrow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return e.clone(), nil
}

// UpdateEscrow 实现 EscrowStore 接口。fn 作用于副本，成功后才替换原值。
func (s *MemoryStore) UpdateEscrow(_ context.Context, id string, fn func(e *Escrow) error) (*Escrow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	next := current.clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	s.escrows[id] = next
	return next.clone(), nil
}

// CreateTask 实现 TaskStore 接口。
func (s *MemoryStore) CreateTask(_ context.Context, t *Task) error {
	if t == nil || t.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[t.ID]; exists {
		return xerrors.New(xerrors.CodeConflict, "任务已存在")
	}
	s.tasks[t.ID] = t.clone()
	return nil
}

// GetTask 实现 TaskStore 接口。
func (s *MemoryStore) GetTask(_ context.Context, id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return t.clone(), nil
}

// UpdateTask 实现 TaskStore 接口。
func (s *MemoryStore) UpdateTask(_ context.Context, id string, fn func(t *Task) error) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	next := current.clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	s.tasks[id] = next
	return next.clone(), nil
}

var _ Store = (*MemoryStore)(nil)
