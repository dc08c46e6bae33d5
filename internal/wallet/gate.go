package wallet

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"NexusAgent/internal/audit"
	xerrors "NexusAgent/internal/errors"
	"NexusAgent/internal/observability/alerting"
	"NexusAgent/internal/observability/metrics"
	"NexusAgent/internal/policy"
	"NexusAgent/internal/web3"
	"NexusAgent/pkg/logger"
)

// TransferRequest describes an outgoing transfer. Program and Asset are
// checked against the policy allow-lists when set.
type TransferRequest struct {
	To      string
	Amount  float64
	Program string
	Asset   string
	Data    []byte
}

// Gate owns the policy engine of exactly one wallet and is the only path
// through which that wallet moves funds.
type Gate struct {
	mu     sync.RWMutex
	wallet Wallet

	engine   *policy.Engine
	ledger   web3.Ledger
	balances web3.BalanceReader
	windows  policy.WindowStore
	locker   Locker
	audit    *audit.Logger
	alerts   alerting.Dispatcher
	metrics  *metrics.Metrics
	clock    func() time.Time
	log      *slog.Logger
}

// GateOption customises a Gate.
type GateOption func(*Gate)

// WithWindowStore shares spend counters through store. Without it the
// counters live only in this Gate.
func WithWindowStore(store policy.WindowStore) GateOption {
	return func(g *Gate) { g.windows = store }
}

// WithLocker replaces the default in-process lock.
func WithLocker(locker Locker) GateOption {
	return func(g *Gate) {
		if locker != nil {
			g.locker = locker
		}
	}
}

// WithBalanceReader sets the collaborator used by Balance.
func WithBalanceReader(reader web3.BalanceReader) GateOption {
	return func(g *Gate) { g.balances = reader }
}

// WithAlerts routes ledger failures and freezes to d.
func WithAlerts(d alerting.Dispatcher) GateOption {
	return func(g *Gate) { g.alerts = d }
}

// WithMetrics records transfer outcomes on m.
func WithMetrics(m *metrics.Metrics) GateOption {
	return func(g *Gate) { g.metrics = m }
}

// WithClock overrides the time source passed to the policy engine.
func WithClock(clock func() time.Time) GateOption {
	return func(g *Gate) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// NewGate builds a Gate for w. Audit records are bound to the wallet and
// its agent.
func NewGate(w *Wallet, engine *policy.Engine, ledger web3.Ledger, auditLog *audit.Logger, opts ...GateOption) *Gate {
	g := &Gate{
		wallet: *w.clone(),
		engine: engine,
		ledger: ledger,
		audit:  auditLog.ForWallet(w.ID).ForAgent(w.AgentID),
		locker: NewLocalLocker(),
		clock:  time.Now,
		log:    logger.Named("wallet").With(logger.WalletAttrs(w.ID, w.AgentID)...),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Wallet returns the wallet record the gate was opened for, with the status
// it currently enforces.
func (g *Gate) Wallet() Wallet {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return *g.wallet.clone()
}

// Frozen reports whether the gate rejects every transfer.
func (g *Gate) Frozen() bool { return g.engine.Frozen() }

// Engine exposes the policy engine, mainly for inspection.
func (g *Gate) Engine() *policy.Engine { return g.engine }

// Address is the on-chain address of the wallet.
func (g *Gate) Address() string {
	if g.ledger != nil {
		return g.ledger.Address()
	}
	return g.Wallet().Address
}

// Transfer sends amount to to, using amount as the policy estimate.
func (g *Gate) Transfer(ctx context.Context, to string, amount float64) (string, error) {
	return g.SignAndSend(ctx, TransferRequest{To: to, Amount: amount}, amount)
}

// SignAndSend validates estimatedValue against the policy, then signs,
// broadcasts and confirms req through the ledger. The spend is recorded
// only after confirmation. Policy rejections return POLICY_VIOLATION;
// ledger errors return EXTERNAL_FAILURE and are never retried. Both are
// audited.
func (g *Gate) SignAndSend(ctx context.Context, req TransferRequest, estimatedValue float64) (string, error) {
	unlock, err := g.locker.Lock(ctx, g.wallet.ID)
	if err != nil {
		return "", g.fail(ctx, "lock", err, req, estimatedValue, "")
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			g.log.Warn("释放钱包锁失败", slog.Any("error", err))
		}
	}()

	if err := g.loadWindow(ctx); err != nil {
		return "", g.fail(ctx, "window", err, req, estimatedValue, "")
	}

	result := g.engine.CheckTarget(req.Program, req.Asset)
	if result.Valid {
		before := g.engine.Window()
		result = g.engine.Validate(estimatedValue, g.clock())
		// 惰性重置可能已经修改了窗口，拒绝时同样需要写回。
		if after := g.engine.Window(); !sameWindow(before, after) {
			g.saveWindow(ctx)
		}
	}
	if !result.Valid {
		return "", g.reject(ctx, result.Reason, req, estimatedValue)
	}

	if g.ledger == nil {
		return "", g.fail(ctx, "sign", xerrors.New(xerrors.CodeNotConfigured, "钱包未绑定签名账户"), req, estimatedValue, "")
	}

	started := g.clock()
	payload, err := g.ledger.Sign(ctx, web3.TransferIntent{
		From:    g.ledger.Address(),
		To:      req.To,
		Amount:  req.Amount,
		Program: req.Program,
		Asset:   req.Asset,
		Data:    req.Data,
	})
	if err != nil {
		return "", g.fail(ctx, "sign", err, req, estimatedValue, "")
	}
	pending, err := g.ledger.Broadcast(ctx, payload)
	if err != nil {
		return "", g.fail(ctx, "broadcast", err, req, estimatedValue, payload.Hash)
	}
	reference, err := g.ledger.Confirm(ctx, pending)
	if err != nil {
		return "", g.fail(ctx, "confirm", err, req, estimatedValue, pending)
	}

	g.recordSpend(ctx, estimatedValue)
	g.metrics.TransferConfirmed(estimatedValue, g.clock().Sub(started))

	if err := g.audit.Log(ctx, audit.TransactionSent{
		Reference: reference,
		Value:     estimatedValue,
		Recipient: req.To,
	}); err != nil {
		g.log.Error("写入审计日志失败", slog.String("reference", reference), slog.Any("error", err))
	}
	g.log.Info("transfer confirmed",
		slog.String("reference", reference),
		slog.Float64("value", estimatedValue),
		slog.String("recipient", req.To))
	return reference, nil
}

// Balance reads the wallet balance from the balance reader.
func (g *Gate) Balance(ctx context.Context) (float64, error) {
	if g.balances == nil {
		return 0, xerrors.New(xerrors.CodeNotConfigured, "未配置余额查询")
	}
	balance, err := g.balances.Balance(ctx, g.Address())
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeExternalFailure, err, "查询余额失败")
	}
	return balance, nil
}

// Freeze zeroes every limit of the engine and audits EMERGENCY_FREEZE.
// Only a new Gate built from a fresh configuration can move funds again.
func (g *Gate) Freeze(ctx context.Context, reason string) error {
	g.MarkFrozen()
	return recordFreeze(ctx, g.audit, g.alerts, g.metrics, g.Wallet(), reason)
}

// MarkFrozen applies a freeze that was already recorded elsewhere, for
// example by another process. It reports whether the gate was still open.
func (g *Gate) MarkFrozen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.wallet.Status == StatusFrozen && g.engine.Frozen() {
		return false
	}
	g.engine.Freeze()
	g.wallet.Status = StatusFrozen
	return true
}

func recordFreeze(ctx context.Context, auditLog *audit.Logger, alerts alerting.Dispatcher, m *metrics.Metrics, w Wallet, reason string) error {
	m.Frozen()
	if alerts != nil {
		event := alerting.Event{
			Code:       xerrors.CodePolicyViolation,
			Message:    "wallet frozen: " + reason,
			Severity:   xerrors.SeverityCritical,
			WalletID:   w.ID,
			AgentID:    w.AgentID,
			Metadata:   map[string]string{"reason": reason},
			OccurredAt: time.Now(),
		}
		if err := alerts.Notify(ctx, event); err != nil {
			logger.AuditFor(w.ID, w.AgentID).Warn("freeze_alert_failed", slog.Any("error", err))
		}
	}
	return auditLog.Log(ctx, audit.EmergencyFreeze{Reason: reason})
}

func (g *Gate) reject(ctx context.Context, reason string, req TransferRequest, value float64) error {
	g.metrics.TransferOutcome("rejected")
	if err := g.audit.Log(ctx, audit.TransactionRejected{
		Reason:         reason,
		EstimatedValue: value,
		Recipient:      req.To,
	}); err != nil {
		g.log.Error("写入审计日志失败", slog.Any("error", err))
	}
	g.log.Warn("transfer rejected", slog.String("reason", reason), slog.Float64("value", value))
	return xerrors.New(xerrors.CodePolicyViolation, "policy violation: "+reason, xerrors.WithMetadata("reason", reason))
}

func (g *Gate) fail(ctx context.Context, stage string, cause error, req TransferRequest, value float64, reference string) error {
	g.metrics.TransferOutcome("failed")
	if err := g.audit.Log(ctx, audit.TransactionFailed{
		Stage:          stage,
		Error:          cause.Error(),
		EstimatedValue: value,
		Recipient:      req.To,
		Reference:      reference,
	}); err != nil {
		g.log.Error("写入审计日志失败", slog.Any("error", err))
	}

	// 锁与窗口存储的错误保留原始错误码，其余都归为账本协作方失败。
	code := xerrors.CodeOf(cause)
	var out error
	switch stage {
	case "lock", "window":
		out = xerrors.Wrap(code, cause, "transfer aborted before policy check", xerrors.WithMetadata("stage", stage))
	default:
		out = xerrors.Wrap(xerrors.CodeExternalFailure, cause, "ledger "+stage+" failed",
			xerrors.WithMetadata("stage", stage), xerrors.WithMetadata("reference", reference))
	}

	if g.alerts != nil && xerrors.ShouldAlert(out) {
		if err := g.alerts.Notify(ctx, alerting.FromError(out, g.wallet.ID, g.wallet.AgentID)); err != nil {
			g.log.Warn("发送告警失败", slog.Any("error", err))
		}
	}
	g.log.Error("transfer failed", slog.String("stage", stage), slog.Any("error", cause))
	return out
}

func (g *Gate) loadWindow(ctx context.Context) error {
	if g.windows == nil {
		return nil
	}
	w, ok, err := g.windows.LoadWindow(ctx, g.wallet.ID)
	if err != nil {
		return err
	}
	if ok {
		g.engine.Restore(w)
	}
	return nil
}

func (g *Gate) saveWindow(ctx context.Context) {
	if g.windows == nil {
		return
	}
	if err := g.windows.SaveWindow(ctx, g.wallet.ID, g.engine.Window()); err != nil {
		g.windowFailed(ctx, "保存消费窗口失败", err)
	}
}

// recordSpend 通过共享存储原子累加已确认的消费，再用存储返回的窗口覆盖引擎，
// 其他进程在同一窗口内的消费因此不会被覆盖。
func (g *Gate) recordSpend(ctx context.Context, amount float64) {
	if g.windows == nil {
		g.engine.RecordSpend(amount)
		return
	}
	w, err := g.windows.AddSpend(context.WithoutCancel(ctx), g.wallet.ID, amount, g.engine.Window().LastReset)
	if err != nil {
		g.engine.RecordSpend(amount)
		g.windowFailed(ctx, "累加消费窗口失败", err)
		return
	}
	g.engine.Restore(w)
}

func (g *Gate) windowFailed(ctx context.Context, msg string, err error) {
	g.log.Error(msg, slog.Any("error", err))
	if g.alerts != nil {
		_ = g.alerts.Notify(ctx, alerting.FromError(err, g.wallet.ID, g.wallet.AgentID))
	}
}

func sameWindow(a, b policy.Window) bool {
	return a.HourlySpent == b.HourlySpent && a.DailySpent == b.DailySpent && a.LastReset.Equal(b.LastReset)
}
