package audit

import (
	"bytes"
	"context"
	"database/sql/driver"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"NexusAgent/internal/storage/mysql/mysqltest"
	"NexusAgent/pkg/logger"
)

type stepClock struct {
	now  time.Time
	step time.Duration
}

func (c *stepClock) Now() time.Time {
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

func newTestLogger(store Store, clock func() time.Time) *Logger {
	return NewLogger(store, WithClock(clock), WithMirror(logger.Discard()))
}

func TestLoggerBindsIdentifiers(t *testing.T) {
	store := NewMemoryStore()
	clock := &stepClock{now: time.UnixMilli(1_700_000_000_000), step: time.Millisecond}
	base := newTestLogger(store, clock.Now)
	ctx := context.Background()

	walletLog := base.ForWallet("w-1").ForAgent("a-1")
	if err := walletLog.Log(ctx, TransactionSent{Reference: "0xabc", Value: 0.05, Recipient: "0xdef"}); err != nil {
		t.Fatalf("Log: %v", err)
	}
	if err := base.Log(ctx, EscrowFunded{EscrowID: "e-1"}); err != nil {
		t.Fatalf("Log: %v", err)
	}

	records, err := base.Query(ctx, Filter{WalletID: "w-1"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 wallet record, got %d", len(records))
	}
	rec := records[0]
	if rec.AgentID != "a-1" || rec.Action != ActionTransactionSent || rec.Timestamp != 1_700_000_000_000 {
		t.Fatalf("unexpected record %+v", rec)
	}

	var sent TransactionSent
	if err := rec.Decode(&sent); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if sent.Reference != "0xabc" || sent.Recipient != "0xdef" {
		t.Fatalf("unexpected payload %+v", sent)
	}
}

func TestLogRejectsNilPayload(t *testing.T) {
	l := newTestLogger(NewMemoryStore(), time.Now)
	if err := l.Log(context.Background(), nil); err == nil {
		t.Fatalf("expected error for nil payload")
	}
}

func TestQueryNewestFirstWithLimit(t *testing.T) {
	store := NewMemoryStore()
	clock := &stepClock{now: time.UnixMilli(1_000), step: time.Second}
	ctx := context.Background()

	agentX := newTestLogger(store, clock.Now).ForAgent("x")
	agentY := newTestLogger(store, clock.Now).ForAgent("y")
	for i := 0; i < 8; i++ {
		if err := agentX.Log(ctx, AgentError{Error: "tick"}); err != nil {
			t.Fatalf("Log: %v", err)
		}
		if err := agentY.Log(ctx, AgentStarted{Name: "y"}); err != nil {
			t.Fatalf("Log: %v", err)
		}
	}

	records, err := store.Query(ctx, Filter{AgentID: "x", Limit: 5})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(records) != 5 {
		t.Fatalf("expected 5 records, got %d", len(records))
	}
	for i, rec := range records {
		if rec.AgentID != "x" {
			t.Fatalf("record %d has agent %q", i, rec.AgentID)
		}
		if i > 0 && rec.Timestamp >= records[i-1].Timestamp {
			t.Fatalf("records not strictly descending: %d then %d", records[i-1].Timestamp, rec.Timestamp)
		}
	}
}

func TestQueryBreaksTimestampTiesByInsertion(t *testing.T) {
	store := NewMemoryStore()
	frozen := time.UnixMilli(42)
	l := newTestLogger(store, func() time.Time { return frozen })
	ctx := context.Background()

	for _, id := range []string{"first", "second", "third"} {
		if err := l.Log(ctx, EscrowFunded{EscrowID: id}); err != nil {
			t.Fatalf("Log: %v", err)
		}
	}

	records, err := store.Query(ctx, Filter{Action: ActionEscrowFunded})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	var got []string
	for _, rec := range records {
		var p EscrowFunded
		if err := rec.Decode(&p); err != nil {
			t.Fatalf("Decode: %v", err)
		}
		got = append(got, p.EscrowID)
	}
	want := []string{"third", "second", "first"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("tie order = %v, want %v", got, want)
		}
	}
}

func TestMirrorCarriesWalletAndAgent(t *testing.T) {
	var buf bytes.Buffer
	mirror := slog.New(slog.NewJSONHandler(&buf, nil))
	base := NewLogger(NewMemoryStore(), WithMirror(mirror))
	ctx := context.Background()

	if err := base.ForWallet("w-1").ForAgent("a-1").Log(ctx, EmergencyFreeze{Reason: "drawdown"}); err != nil {
		t.Fatalf("Log: %v", err)
	}
	if err := base.Log(ctx, EscrowFunded{EscrowID: "e-1"}); err != nil {
		t.Fatalf("Log: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected two mirrored lines, got %q", buf.String())
	}
	var bound, unbound map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &bound); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if bound[logger.KeyWalletID] != "w-1" || bound[logger.KeyAgentID] != "a-1" || bound["action"] != "EMERGENCY_FREEZE" {
		t.Fatalf("unexpected mirror line %v", bound)
	}
	if err := json.Unmarshal([]byte(lines[1]), &unbound); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := unbound[logger.KeyWalletID]; ok {
		t.Fatalf("unbound record should omit wallet_id: %v", unbound)
	}
}

func TestQueryWithoutLimitReturnsEverything(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 1500; i++ {
		if err := store.Append(ctx, &Record{AgentID: "a-1", Action: ActionAgentError, Timestamp: int64(i)}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	all, err := store.Query(ctx, Filter{AgentID: "a-1"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(all) != 1500 || all[0].Timestamp != 1499 {
		t.Fatalf("expected every record newest first, got %d", len(all))
	}
	if page, _ := store.Query(ctx, Filter{AgentID: "a-1", Limit: 1200}); len(page) != 1200 {
		t.Fatalf("explicit limit must not be clamped, got %d", len(page))
	}
}

func TestMySQLStoreQueryWithoutLimit(t *testing.T) {
	db, drv := mysqltest.New(t,
		mysqltest.Query(`SELECT id, wallet_id, agent_id, action, details, timestamp FROM audit_logs
        WHERE wallet_id = ? ORDER BY timestamp DESC, id DESC`, mysqltest.Rows{
			Columns: []string{"id", "wallet_id", "agent_id", "action", "details", "timestamp"},
			Values: [][]driver.Value{
				{int64(1), "w-1", nil, "EMERGENCY_FREEZE", `{"reason":"x"}`, int64(5)},
			},
		}).WithArgs("w-1"),
	)

	records, err := NewMySQLStore(db).Query(context.Background(), Filter{WalletID: "w-1"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(records) != 1 || records[0].Action != ActionEmergencyFreeze {
		t.Fatalf("unexpected records %+v", records)
	}
	drv.AssertConsumed(t)
}

func TestMySQLStoreAppend(t *testing.T) {
	db, drv := mysqltest.New(t,
		mysqltest.Exec(`INSERT INTO audit_logs (wallet_id, agent_id, action, details, timestamp)
        VALUES (?, ?, ?, ?, ?)`, mysqltest.Result{InsertID: 11, Affected: 1}).
			WithArgs("w-1", nil, "EMERGENCY_FREEZE", `{"reason":"drawdown"}`, int64(99)),
	)
	store := NewMySQLStore(db)

	rec := &Record{WalletID: "w-1", Action: ActionEmergencyFreeze, Details: []byte(`{"reason":"drawdown"}`), Timestamp: 99}
	if err := store.Append(context.Background(), rec); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if rec.Seq != 11 {
		t.Fatalf("expected seq 11, got %d", rec.Seq)
	}
	drv.AssertConsumed(t)
}

func TestMySQLStoreQuery(t *testing.T) {
	db, drv := mysqltest.New(t,
		mysqltest.Query(`SELECT id, wallet_id, agent_id, action, details, timestamp FROM audit_logs
        WHERE agent_id = ? AND action = ? ORDER BY timestamp DESC, id DESC LIMIT ?`, mysqltest.Rows{
			Columns: []string{"id", "wallet_id", "agent_id", "action", "details", "timestamp"},
			Values: [][]driver.Value{
				{int64(3), nil, "a-1", "AGENT_ERROR", `{"error":"b"}`, int64(20)},
				{int64(2), "w-1", "a-1", "AGENT_ERROR", `{"error":"a"}`, int64(10)},
			},
		}).WithArgs("a-1", "AGENT_ERROR", int64(5)),
	)
	store := NewMySQLStore(db)

	records, err := store.Query(context.Background(), Filter{AgentID: "a-1", Action: ActionAgentError, Limit: 5})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(records) != 2 || records[0].Seq != 3 || records[0].WalletID != "" || records[1].WalletID != "w-1" {
		t.Fatalf("unexpected records %+v", records)
	}
	var p AgentError
	if err := records[0].Decode(&p); err != nil || p.Error != "b" {
		t.Fatalf("decode = %+v, %v", p, err)
	}
	drv.AssertConsumed(t)
}
