package agent

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"sync/atomic"
	"time"

	"NexusAgent/internal/audit"
	xerrors "NexusAgent/internal/errors"
	"NexusAgent/internal/observability/metrics"
	"NexusAgent/internal/wallet"
	"NexusAgent/pkg/logger"
)

// Opportunity 是策略在一次评估中发现的可执行动作。
type Opportunity struct {
	Action  string         `json:"action"`
	Target  string         `json:"target,omitempty"`
	Amount  float64        `json:"amount,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Strategy 决定代理在每个周期做什么。Evaluate 返回 nil 表示本轮无事可做。
// gate 是代理钱包唯一的转账入口，运行时未绑定钱包时为 nil。
type Strategy interface {
	Evaluate(ctx context.Context, gate *wallet.Gate) (*Opportunity, error)
	Execute(ctx context.Context, gate *wallet.Gate, opp *Opportunity) error
}

// Idle 是不做任何事的策略，用于只需要保持在线、接受任务分配的代理。
type Idle struct{}

func (Idle) Evaluate(context.Context, *wallet.Gate) (*Opportunity, error) { return nil, nil }
func (Idle) Execute(context.Context, *wallet.Gate, *Opportunity) error    { return nil }

// WalletSource 读取钱包的持久化状态，*wallet.Service 满足该接口。
type WalletSource interface {
	Get(ctx context.Context, walletID string) (*wallet.Wallet, error)
}

const defaultInterval = 5 * time.Second

// Runtime 驱动单个代理的评估/执行循环。
type Runtime struct {
	agent       *Agent
	store       Store
	audit       *audit.Logger
	metrics     *metrics.Metrics
	gate        *wallet.Gate
	wallets     WalletSource
	interval    time.Duration
	stepTimeout time.Duration
	clock       func() time.Time
	log         *slog.Logger
	running     atomic.Bool
}

// RuntimeOption 定制 Runtime。
type RuntimeOption func(*Runtime)

// WithInterval 设置两次评估之间的间隔。
func WithInterval(d time.Duration) RuntimeOption {
	return func(r *Runtime) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithStepTimeout 限制单个周期（评估加执行）的耗时，0 表示不限制。
func WithStepTimeout(d time.Duration) RuntimeOption {
	return func(r *Runtime) {
		if d < 0 {
			d = 0
		}
		r.stepTimeout = d
	}
}

// WithMetrics 设置指标。
func WithMetrics(m *metrics.Metrics) RuntimeOption {
	return func(r *Runtime) { r.metrics = m }
}

// WithGate 绑定代理钱包的 Gate。wallets 非空时每轮先读取钱包状态，
// 其他进程冻结钱包后本地 Gate 随之冻结。
func WithGate(g *wallet.Gate, wallets WalletSource) RuntimeOption {
	return func(r *Runtime) {
		r.gate = g
		r.wallets = wallets
	}
}

// WithClock 替换时间源。
func WithClock(clock func() time.Time) RuntimeOption {
	return func(r *Runtime) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// NewRuntime 创建运行时。审计记录同时绑定代理与其钱包。
func NewRuntime(a *Agent, store Store, auditLog *audit.Logger, opts ...RuntimeOption) *Runtime {
	// 初始化运行时实例。
	r := &Runtime{
		agent:    a.clone(),
		store:    store,
		audit:    auditLog.ForAgent(a.ID).ForWallet(a.WalletID),
		interval: defaultInterval,
		clock:    time.Now,
		log:      logger.Named("agent").With(slog.String("agent_id", a.ID), slog.String("name", a.Name)),
	}
	// 应用可选配置。
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Running 报告循环是否在运行。
func (r *Runtime) Running() bool { return r.running.Load() }

// Run 执行循环直到 ctx 结束。每个周期先 Evaluate，有机会时再 Execute；
// 周期内的错误写入 AGENT_ERROR 后继续下一轮。ctx 正常结束时返回 nil。
func (r *Runtime) Run(ctx context.Context, strategy Strategy) error {
	if strategy == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "未配置代理策略")
	}
	if !r.running.CompareAndSwap(false, true) {
		return xerrors.New(xerrors.CodeInvalidState, "代理已在运行")
	}
	defer r.running.Store(false)

	if err := r.store.UpdateStatus(ctx, r.agent.ID, StatusRunning, r.clock().UnixMilli()); err != nil {
		return err
	}
	r.metrics.AgentRunning(true)
	r.record(ctx, audit.AgentStarted{Name: r.agent.Name, Strategy: r.agent.Strategy})
	r.log.Info("agent started", slog.Duration("interval", r.interval))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		r.step(ctx, strategy)

		select {
		case <-ctx.Done():
			r.shutdown(ctx)
			return nil
		case <-ticker.C:
		}
	}
}

func (r *Runtime) step(ctx context.Context, strategy Strategy) {
	stepCtx := ctx
	if r.stepTimeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, r.stepTimeout)
		defer cancel()
	}

	err := r.cycle(stepCtx, strategy)
	if err != nil && ctx.Err() == nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			err = xerrors.Wrap(xerrors.CodeTimeout, err, "代理周期超时")
		}
		r.log.Error("agent cycle failed", slog.Any("error", err))
		r.record(ctx, audit.AgentError{Error: err.Error()})
	}

	if ctx.Err() == nil {
		r.agent.LastActive = r.clock().UnixMilli()
		if err := r.store.UpdateStatus(ctx, r.agent.ID, StatusRunning, r.agent.LastActive); err != nil {
			r.log.Warn("更新代理活跃时间失败", slog.Any("error", err))
		}
	}
}

func (r *Runtime) cycle(ctx context.Context, strategy Strategy) error {
	if r.syncWallet(ctx) {
		return nil
	}
	opp, err := strategy.Evaluate(ctx, r.gate)
	if err != nil {
		return err
	}
	if opp == nil {
		return nil
	}
	r.log.Debug("executing opportunity", slog.String("action", opp.Action), slog.String("target", opp.Target))
	return strategy.Execute(ctx, r.gate, opp)
}

// syncWallet 将持久化的 frozen 状态同步到本地 Gate，返回 true 表示钱包已冻结、
// 本轮跳过策略。读取失败时沿用本地状态。
func (r *Runtime) syncWallet(ctx context.Context) bool {
	if r.gate == nil {
		return false
	}
	if r.wallets != nil && !r.gate.Frozen() {
		w, err := r.wallets.Get(ctx, r.gate.Wallet().ID)
		switch {
		case err != nil:
			r.log.Warn("读取钱包状态失败", slog.Any("error", err))
		case w.Status == wallet.StatusFrozen:
			if r.gate.MarkFrozen() {
				r.log.Warn("wallet frozen elsewhere, gate closed", slog.String("wallet_id", w.ID))
			}
		}
	}
	return r.gate.Frozen()
}

func (r *Runtime) shutdown(ctx context.Context) {
	// ctx 已结束，收尾写入使用独立的上下文。
	finalCtx := context.WithoutCancel(ctx)
	reason := "stopped"
	if cause := context.Cause(ctx); cause != nil {
		reason = cause.Error()
	}

	if err := r.store.UpdateStatus(finalCtx, r.agent.ID, StatusStopped, r.clock().UnixMilli()); err != nil {
		r.log.Warn("更新代理状态失败", slog.Any("error", err))
	}
	r.metrics.AgentRunning(false)
	r.record(finalCtx, audit.AgentStopped{Reason: reason})
	r.log.Info("agent stopped", slog.String("reason", reason))
}

func (r *Runtime) record(ctx context.Context, payload audit.Payload) {
	if err := r.audit.Log(ctx, payload); err != nil {
		r.log.Error("写入审计日志失败", slog.String("action", string(payload.Action())), slog.Any("error", err))
	}
}
