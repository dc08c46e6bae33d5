package wallet

import (
	"context"
	"testing"
	"time"

	"NexusAgent/internal/audit"
	xerrors "NexusAgent/internal/errors"
	"NexusAgent/internal/policy"
	"NexusAgent/pkg/logger"
)

func newTestService(t *testing.T) (*Service, *audit.MemoryStore, *MemoryStore) {
	t.Helper()
	auditStore := audit.NewMemoryStore()
	store := NewMemoryStore()
	now := time.UnixMilli(1_700_000_000_000)
	svc := NewService(store, audit.NewLogger(auditStore, audit.WithMirror(logger.Discard())),
		WithSharedWindows(policy.NewMemoryWindowStore()),
		WithServiceClock(func() time.Time { return now }),
	)
	return svc, auditStore, store
}

func TestServiceCreateAndLoad(t *testing.T) {
	t.Parallel()

	svc, auditStore, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Load(ctx, "a-1"); xerrors.CodeOf(err) != CodeWalletNotFound {
		t.Fatalf("expected not found, got %v", err)
	}

	w, err := svc.LoadOrCreate(ctx, "a-1", "0xagent", policy.DefaultConfig())
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if w.Status != StatusActive || w.CreatedAt != 1_700_000_000_000 {
		t.Fatalf("unexpected wallet %+v", w)
	}

	again, err := svc.LoadOrCreate(ctx, "a-1", "0xother", policy.DefaultConfig())
	if err != nil || again.ID != w.ID {
		t.Fatalf("expected existing wallet, got %+v err=%v", again, err)
	}

	records, _ := auditStore.Query(ctx, audit.Filter{Action: audit.ActionWalletCreated})
	if len(records) != 1 || records[0].WalletID != w.ID || records[0].AgentID != "a-1" {
		t.Fatalf("unexpected WALLET_CREATED records %+v", records)
	}
}

func TestServiceRejectsInvalidPolicy(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t)
	_, err := svc.Create(context.Background(), "a-1", "0xagent", policy.Config{PerTransaction: -1})
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestServiceFreezePersistsAndFreezesOpenGate(t *testing.T) {
	t.Parallel()

	svc, auditStore, store := newTestService(t)
	ctx := context.Background()

	w, err := svc.Create(ctx, "a-1", "0xagent", policy.DefaultConfig())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	ledger := &fakeLedger{address: "0xagent"}
	g := svc.Open(w, ledger)
	if svc.Open(w, ledger) != g {
		t.Fatalf("Open must return the same gate for a wallet")
	}

	if _, err := svc.Freeze(ctx, "a-1", "operator request"); err != nil {
		t.Fatalf("Freeze: %v", err)
	}
	stored, _ := store.Get(ctx, w.ID)
	if stored.Status != StatusFrozen {
		t.Fatalf("status not persisted: %s", stored.Status)
	}
	if !g.Engine().Frozen() {
		t.Fatalf("open gate should be frozen")
	}
	if _, err := g.Transfer(ctx, "0xpeer", 0.01); xerrors.CodeOf(err) != xerrors.CodePolicyViolation {
		t.Fatalf("expected rejection after freeze, got %v", err)
	}
	if loaded, err := svc.Load(ctx, "a-1"); err != nil || loaded.ID != w.ID || loaded.Status != StatusFrozen {
		t.Fatalf("expected frozen wallet on load, got %+v err=%v", loaded, err)
	}
	if g.Wallet().Status != StatusFrozen {
		t.Fatalf("gate should report frozen status")
	}
	if _, err := svc.Freeze(ctx, "a-1", "again"); xerrors.CodeOf(err) != xerrors.CodeInvalidState {
		t.Fatalf("expected invalid state on second freeze, got %v", err)
	}

	records, _ := auditStore.Query(ctx, audit.Filter{Action: audit.ActionEmergencyFreeze})
	if len(records) != 1 {
		t.Fatalf("expected one freeze record, got %d", len(records))
	}
}

func TestFrozenWalletSurvivesRestart(t *testing.T) {
	t.Parallel()

	auditStore := audit.NewMemoryStore()
	store := NewMemoryStore()
	ctx := context.Background()

	first := NewService(store, audit.NewLogger(auditStore, audit.WithMirror(logger.Discard())))
	w, err := first.LoadOrCreate(ctx, "a-1", "0xagent", policy.DefaultConfig())
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if _, err := first.Freeze(ctx, "a-1", "drawdown"); err != nil {
		t.Fatalf("Freeze: %v", err)
	}

	// 新进程使用同一个存储。
	second := NewService(store, audit.NewLogger(auditStore, audit.WithMirror(logger.Discard())))
	reloaded, err := second.LoadOrCreate(ctx, "a-1", "0xagent", policy.DefaultConfig())
	if err != nil {
		t.Fatalf("LoadOrCreate after restart: %v", err)
	}
	if reloaded.ID != w.ID || reloaded.Status != StatusFrozen {
		t.Fatalf("restart must reuse the frozen wallet, got %+v", reloaded)
	}

	ledger := &fakeLedger{address: "0xagent"}
	g := second.Open(reloaded, ledger)
	if _, err := g.Transfer(ctx, "0xpeer", 0.05); xerrors.CodeOf(err) != xerrors.CodePolicyViolation {
		t.Fatalf("expected policy violation, got %v", err)
	}
	if len(ledger.sent) != 0 {
		t.Fatalf("frozen wallet reached the ledger: %v", ledger.sent)
	}

	records, _ := auditStore.Query(ctx, audit.Filter{Action: audit.ActionWalletCreated})
	if len(records) != 1 {
		t.Fatalf("restart must not create a new wallet, got %d WALLET_CREATED records", len(records))
	}
}

func TestReprovisionRequiresFrozenWallet(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t)
	ctx := context.Background()

	w, err := svc.Create(ctx, "a-1", "0xagent", policy.DefaultConfig())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := svc.Reprovision(ctx, "a-1", nil); xerrors.CodeOf(err) != xerrors.CodeInvalidState {
		t.Fatalf("expected invalid state for active wallet, got %v", err)
	}
	if _, err := svc.Freeze(ctx, "a-1", "incident"); err != nil {
		t.Fatalf("Freeze: %v", err)
	}

	tighter := policy.Config{PerTransaction: 0.01, PerHour: 0.1, PerDay: 1}
	fresh, err := svc.Reprovision(ctx, "a-1", &tighter)
	if err != nil {
		t.Fatalf("Reprovision: %v", err)
	}
	if fresh.ID == w.ID || fresh.Status != StatusActive || fresh.Address != "0xagent" || fresh.Policy.PerDay != 1 {
		t.Fatalf("unexpected reprovisioned wallet %+v", fresh)
	}
	loaded, _ := svc.Load(ctx, "a-1")
	if loaded.ID != fresh.ID {
		t.Fatalf("load should return the new wallet, got %s", loaded.ID)
	}
}

func TestOpenFrozenWalletStartsFrozen(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t)
	g := svc.Open(&Wallet{ID: "w-9", AgentID: "a-9", Policy: policy.DefaultConfig(), Status: StatusFrozen}, &fakeLedger{})
	if !g.Engine().Frozen() {
		t.Fatalf("engine should be frozen")
	}
}

func TestEscrowPayerReleasesToEmployeeWallet(t *testing.T) {
	t.Parallel()

	svc, auditStore, store := newTestService(t)
	ctx := context.Background()
	if _, err := svc.Create(ctx, "employee", "0xemployee", policy.DefaultConfig()); err != nil {
		t.Fatalf("Create: %v", err)
	}

	custody := &fakeLedger{address: "0xescrow"}
	payer := NewEscrowPayer(custody, store, audit.NewLogger(auditStore, audit.WithMirror(logger.Discard())), nil)

	// 托管放款不受单笔限额约束。
	ref, err := payer.Release(ctx, "escrow-1", 1, "employee", 6)
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if ref == "" || custody.sent[0].To != "0xemployee" || custody.sent[0].Amount != 6 {
		t.Fatalf("unexpected release %q %+v", ref, custody.sent)
	}

	records, _ := auditStore.Query(ctx, audit.Filter{Action: audit.ActionEscrowRelease})
	if len(records) != 1 || records[0].AgentID != "employee" {
		t.Fatalf("unexpected release audit %+v", records)
	}

	if _, err := payer.Release(ctx, "escrow-1", 0, "nobody", 4); xerrors.CodeOf(err) != CodeWalletNotFound {
		t.Fatalf("expected missing wallet error, got %v", err)
	}
}
