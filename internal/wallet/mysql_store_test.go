package wallet

import (
	"context"
	"database/sql/driver"
	"testing"

	gomysql "github.com/go-sql-driver/mysql"

	xerrors "NexusAgent/internal/errors"
	"NexusAgent/internal/policy"
	"NexusAgent/internal/storage/mysql/mysqltest"
)

const walletColumns = "id, agent_id, address, policy, status, created_at, updated_at"

func TestMySQLStoreCreate(t *testing.T) {
	t.Parallel()

	db, drv := mysqltest.New(t,
		mysqltest.Exec(`INSERT INTO wallets (id, agent_id, address, policy, status, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`, mysqltest.Result{Affected: 1}).
			WithArgs("w-1", "a-1", "0xagent", `{"per_transaction":0.1,"per_hour":1,"per_day":10}`, "active", int64(5), int64(5)),
		mysqltest.Exec(`INSERT INTO wallets (id, agent_id, address, policy, status, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`, mysqltest.Result{}).
			WithError(&gomysql.MySQLError{Number: 1062, Message: "Duplicate entry"}),
	)
	store := NewMySQLStore(db)
	w := &Wallet{ID: "w-1", AgentID: "a-1", Address: "0xagent", Policy: policy.DefaultConfig(), Status: StatusActive, CreatedAt: 5, UpdatedAt: 5}

	if err := store.Create(context.Background(), w); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Create(context.Background(), w); xerrors.CodeOf(err) != CodeWalletConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
	drv.AssertConsumed(t)
}

func TestMySQLStoreGetLatestByAgent(t *testing.T) {
	t.Parallel()

	db, drv := mysqltest.New(t,
		mysqltest.Query(`SELECT `+walletColumns+` FROM wallets WHERE agent_id = ? ORDER BY created_at DESC LIMIT 1`,
			mysqltest.Rows{
				Columns: []string{"id", "agent_id", "address", "policy", "status", "created_at", "updated_at"},
				Values: [][]driver.Value{
					{"w-1", "a-1", "0xagent", `{"per_transaction":0.2,"per_hour":2,"per_day":20,"allowed_assets":["ETH"]}`, "frozen", int64(1), int64(2)},
				},
			}).WithArgs("a-1"),
		mysqltest.Query(`SELECT `+walletColumns+` FROM wallets WHERE agent_id = ? ORDER BY created_at DESC LIMIT 1`,
			mysqltest.Rows{Columns: []string{"id"}}).WithArgs("a-2"),
	)
	store := NewMySQLStore(db)

	w, err := store.GetLatestByAgent(context.Background(), "a-1")
	if err != nil {
		t.Fatalf("GetLatestByAgent: %v", err)
	}
	if w.Policy.PerTransaction != 0.2 || len(w.Policy.AllowedAssets) != 1 || w.Status != StatusFrozen {
		t.Fatalf("unexpected wallet %+v", w)
	}
	if _, err := store.GetLatestByAgent(context.Background(), "a-2"); xerrors.CodeOf(err) != CodeWalletNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
	drv.AssertConsumed(t)
}

func TestMySQLStoreUpdateStatus(t *testing.T) {
	t.Parallel()

	db, drv := mysqltest.New(t,
		mysqltest.Exec(`UPDATE wallets SET status = ?, updated_at = ? WHERE id = ?`, mysqltest.Result{Affected: 1}).
			WithArgs("frozen", int64(9), "w-1"),
		mysqltest.Exec(`UPDATE wallets SET status = ?, updated_at = ? WHERE id = ?`, mysqltest.Result{}),
	)
	store := NewMySQLStore(db)

	if err := store.UpdateStatus(context.Background(), "w-1", StatusFrozen, 9); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if err := store.UpdateStatus(context.Background(), "w-x", StatusFrozen, 9); xerrors.CodeOf(err) != CodeWalletNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
	drv.AssertConsumed(t)
}
