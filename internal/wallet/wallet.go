package wallet

import (
	"context"

	xerrors "NexusAgent/internal/errors"
	"NexusAgent/internal/policy"
)

// Status 表示钱包状态。
type Status string

const (
	StatusActive Status = "active"
	StatusFrozen Status = "frozen"
)

// Wallet 是持久化的钱包记录，时间戳为毫秒。
type Wallet struct {
	ID        string        `json:"id"`
	AgentID   string        `json:"agentId"`
	Address   string        `json:"address"`
	Policy    policy.Config `json:"policy"`
	Status    Status        `json:"status"`
	CreatedAt int64         `json:"createdAt"`
	UpdatedAt int64         `json:"updatedAt"`
}

func (w *Wallet) clone() *Wallet {
	if w == nil {
		return nil
	}
	out := *w
	out.Policy = clonePolicy(w.Policy)
	return &out
}

func clonePolicy(cfg policy.Config) policy.Config {
	// Engine 内部已经深拷贝，这里只需要隔离切片。
	out := cfg
	out.AllowedPrograms = append([]string(nil), cfg.AllowedPrograms...)
	out.AllowedAssets = append([]string(nil), cfg.AllowedAssets...)
	if cfg.CircuitBreakers != nil {
		cb := *cfg.CircuitBreakers
		out.CircuitBreakers = &cb
	}
	return out
}

const (
	CodeWalletNotFound xerrors.Code = "WALLET_NOT_FOUND"
	CodeWalletConflict xerrors.Code = "WALLET_CONFLICT"
)

func init() {
	xerrors.Register(CodeWalletNotFound, xerrors.Attributes{Message: "wallet not found", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeWalletConflict, xerrors.Attributes{Message: "wallet already exists", Severity: xerrors.SeverityWarning})
}

var (
	// ErrWalletNotFound 表示代理没有处于 active 状态的钱包。
	ErrWalletNotFound = xerrors.New(CodeWalletNotFound, "wallet not found")
	// ErrWalletConflict 表示钱包 ID 重复。
	ErrWalletConflict = xerrors.New(CodeWalletConflict, "wallet already exists")
)

// Store 持久化钱包记录。
type Store interface {
	Create(ctx context.Context, w *Wallet) error
	Get(ctx context.Context, id string) (*Wallet, error)
	// GetLatestByAgent 返回代理最近创建的钱包，不区分状态。
	GetLatestByAgent(ctx context.Context, agentID string) (*Wallet, error)
	UpdateStatus(ctx context.Context, id string, status Status, updatedAt int64) error
}
