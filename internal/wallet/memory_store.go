package wallet

import (
	"context"
	"sync"

	xerrors "NexusAgent/internal/errors"
)

// MemoryStore 以内存方式保存钱包，主要用于测试与单机模式。
type MemoryStore struct {
	mu      sync.RWMutex
	wallets map[string]*Wallet
	order   []string
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{wallets: make(map[string]*Wallet)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, w *Wallet) error {
	if w == nil || w.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "钱包 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.wallets[w.ID]; ok {
		return ErrWalletConflict
	}
	m.wallets[w.ID] = w.clone()
	m.order = append(m.order, w.ID)
	return nil
}

// Get 实现 Store 接口。
func (m *MemoryStore) Get(_ context.Context, id string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.wallets[id]
	if !ok {
		return nil, ErrWalletNotFound
	}
	return w.clone(), nil
}

// GetLatestByAgent 实现 Store 接口。
func (m *MemoryStore) GetLatestByAgent(_ context.Context, agentID string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.order) - 1; i >= 0; i-- {
		w := m.wallets[m.order[i]]
		if w.AgentID == agentID {
			return w.clone(), nil
		}
	}
	return nil, ErrWalletNotFound
}

// UpdateStatus 实现 Store 接口。
func (m *MemoryStore) UpdateStatus(_ context.Context, id string, status Status, updatedAt int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[id]
	if !ok {
		return ErrWalletNotFound
	}
	w.Status = status
	w.UpdatedAt = updatedAt
	return nil
}

var _ Store = (*MemoryStore)(nil)
