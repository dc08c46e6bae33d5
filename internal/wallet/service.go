package wallet

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"NexusAgent/internal/audit"
	xerrors "NexusAgent/internal/errors"
	"NexusAgent/internal/observability/alerting"
	"NexusAgent/internal/observability/metrics"
	"NexusAgent/internal/policy"
	"NexusAgent/internal/web3"
)

// Service 负责钱包的创建、加载与紧急冻结，并为每个钱包构建唯一的 Gate。
type Service struct {
	store    Store
	audit    *audit.Logger
	windows  policy.WindowStore
	locker   Locker
	balances web3.BalanceReader
	alerts   alerting.Dispatcher
	metrics  *metrics.Metrics
	clock    func() time.Time

	mu    sync.Mutex
	gates map[string]*Gate
}

// ServiceOption 定制 Service。
type ServiceOption func(*Service)

// WithSharedWindows 让所有 Gate 通过 store 共享消费窗口。
func WithSharedWindows(store policy.WindowStore) ServiceOption {
	return func(s *Service) { s.windows = store }
}

// WithSharedLocker 让所有 Gate 使用同一个锁实现，例如 Redis。
func WithSharedLocker(locker Locker) ServiceOption {
	return func(s *Service) { s.locker = locker }
}

// WithBalances 设置余额查询协作方。
func WithBalances(reader web3.BalanceReader) ServiceOption {
	return func(s *Service) { s.balances = reader }
}

// WithServiceAlerts 设置告警分发器。
func WithServiceAlerts(d alerting.Dispatcher) ServiceOption {
	return func(s *Service) { s.alerts = d }
}

// WithServiceMetrics 设置指标。
func WithServiceMetrics(m *metrics.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// WithServiceClock 替换时间源。
func WithServiceClock(clock func() time.Time) ServiceOption {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewService 创建钱包服务。
func NewService(store Store, auditLog *audit.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		store: store,
		audit: auditLog,
		clock: time.Now,
		gates: make(map[string]*Gate),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.locker == nil {
		s.locker = NewLocalLocker()
	}
	return s
}

// Create 为代理创建新钱包并写入 WALLET_CREATED 审计。
func (s *Service) Create(ctx context.Context, agentID, address string, cfg policy.Config) (*Wallet, error) {
	if strings.TrimSpace(agentID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "代理 ID 不能为空")
	}
	if strings.TrimSpace(address) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "钱包地址不能为空")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	now := s.clock().UnixMilli()
	w := &Wallet{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		Address:   address,
		Policy:    clonePolicy(cfg),
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, w); err != nil {
		return nil, err
	}

	if err := s.audit.ForWallet(w.ID).ForAgent(agentID).Log(ctx, audit.WalletCreated{
		Address:        address,
		PerTransaction: cfg.PerTransaction,
		PerHour:        cfg.PerHour,
		PerDay:         cfg.PerDay,
	}); err != nil {
		return nil, err
	}
	return w, nil
}

// Get 按钱包 ID 读取钱包记录。
func (s *Service) Get(ctx context.Context, walletID string) (*Wallet, error) {
	return s.store.Get(ctx, walletID)
}

// Load 返回代理最近的钱包，frozen 钱包同样返回。
func (s *Service) Load(ctx context.Context, agentID string) (*Wallet, error) {
	return s.store.GetLatestByAgent(ctx, agentID)
}

// LoadOrCreate 加载代理的钱包，只有代理从未拥有钱包时才以 cfg 创建。
// 已冻结的钱包照常返回，Open 后的 Gate 拒绝一切转账；恢复交易需要
// 运维显式调用 Reprovision。
func (s *Service) LoadOrCreate(ctx context.Context, agentID, address string, cfg policy.Config) (*Wallet, error) {
	w, err := s.Load(ctx, agentID)
	if err == nil {
		return w, nil
	}
	if xerrors.CodeOf(err) != CodeWalletNotFound {
		return nil, err
	}
	return s.Create(ctx, agentID, address, cfg)
}

// Open 为钱包构建 Gate。同一个钱包在进程内只有一个 Gate，重复调用返回同一实例。
func (s *Service) Open(w *Wallet, ledger web3.Ledger) *Gate {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.gates[w.ID]; ok {
		return g
	}

	engine := policy.NewEngine(w.Policy, policy.WithWindow(policy.Window{LastReset: s.clock()}))
	if w.Status == StatusFrozen {
		engine.Freeze()
	}
	balances := s.balances
	if balances == nil {
		if reader, ok := ledger.(web3.BalanceReader); ok {
			balances = reader
		}
	}
	g := NewGate(w, engine, ledger, s.audit,
		WithWindowStore(s.windows),
		WithLocker(s.locker),
		WithBalanceReader(balances),
		WithAlerts(s.alerts),
		WithMetrics(s.metrics),
		WithClock(s.clock),
	)
	s.gates[w.ID] = g
	return g
}

// Reprovision 为钱包已冻结的代理创建新的 active 钱包，沿用原地址。
// cfg 为 nil 时沿用原策略。只有运维操作应调用它。
func (s *Service) Reprovision(ctx context.Context, agentID string, cfg *policy.Config) (*Wallet, error) {
	current, err := s.store.GetLatestByAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if current.Status != StatusFrozen {
		return nil, xerrors.New(xerrors.CodeInvalidState, "只有已冻结的钱包可以重新开通",
			xerrors.WithMetadata("wallet_id", current.ID))
	}
	next := current.Policy
	if cfg != nil {
		next = *cfg
	}
	return s.Create(ctx, agentID, current.Address, next)
}

// Freeze 将代理当前的钱包标记为 frozen。进程内已打开的 Gate 立即冻结；
// 其他进程的代理运行循环在下一轮读取到 frozen 状态后冻结各自的 Gate，
// 重启后加载的也是这个 frozen 钱包。
func (s *Service) Freeze(ctx context.Context, agentID, reason string) (*Wallet, error) {
	w, err := s.store.GetLatestByAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if w.Status == StatusFrozen {
		return nil, xerrors.New(xerrors.CodeInvalidState, "钱包已冻结",
			xerrors.WithMetadata("wallet_id", w.ID))
	}
	now := s.clock().UnixMilli()
	if err := s.store.UpdateStatus(ctx, w.ID, StatusFrozen, now); err != nil {
		return nil, err
	}
	w.Status = StatusFrozen
	w.UpdatedAt = now

	s.mu.Lock()
	g, open := s.gates[w.ID]
	s.mu.Unlock()

	if open {
		if err := g.Freeze(ctx, reason); err != nil {
			return nil, err
		}
		return w, nil
	}
	auditLog := s.audit.ForWallet(w.ID).ForAgent(w.AgentID)
	if err := recordFreeze(ctx, auditLog, s.alerts, s.metrics, *w, reason); err != nil {
		return nil, err
	}
	return w, nil
}
