package wallet

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"

	xerrors "NexusAgent/internal/errors"
	"NexusAgent/internal/storage/mysql"
)

// MySQLStore 使用 wallets 表保存钱包，策略以 JSON 文本存储。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建 MySQLStore。
func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

const selectWallet = `SELECT id, agent_id, address, policy, status, created_at, updated_at FROM wallets`

// Create 实现 Store 接口。
func (s *MySQLStore) Create(ctx context.Context, w *Wallet) error {
	if w == nil || w.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "钱包 ID 不能为空")
	}
	policyJSON, err := json.Marshal(w.Policy)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码钱包策略失败")
	}

	const stmt = `INSERT INTO wallets (id, agent_id, address, policy, status, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, stmt,
		w.ID,
		w.AgentID,
		w.Address,
		string(policyJSON),
		string(w.Status),
		w.CreatedAt,
		w.UpdatedAt,
	)
	if err != nil {
		if mysql.IsDuplicateKey(err) {
			return ErrWalletConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入钱包失败")
	}
	return nil
}

// Get 实现 Store 接口。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Wallet, error) {
	row := s.db.QueryRowContext(ctx, selectWallet+` WHERE id = ?`, id)
	return scanWallet(row)
}

// GetLatestByAgent 实现 Store 接口。
func (s *MySQLStore) GetLatestByAgent(ctx context.Context, agentID string) (*Wallet, error) {
	row := s.db.QueryRowContext(ctx,
		selectWallet+` WHERE agent_id = ? ORDER BY created_at DESC LIMIT 1`, agentID)
	return scanWallet(row)
}

// UpdateStatus 实现 Store 接口。
func (s *MySQLStore) UpdateStatus(ctx context.Context, id string, status Status, updatedAt int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE wallets SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), updatedAt, id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新钱包状态失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrWalletNotFound
	}
	return nil
}

func scanWallet(row *sql.Row) (*Wallet, error) {
	var (
		w          Wallet
		policyJSON string
		status     string
	)
	if err := row.Scan(&w.ID, &w.AgentID, &w.Address, &policyJSON, &status, &w.CreatedAt, &w.UpdatedAt); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrWalletNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询钱包失败")
	}
	if err := json.Unmarshal([]byte(policyJSON), &w.Policy); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析钱包策略失败")
	}
	w.Status = Status(status)
	return &w, nil
}

var _ Store = (*MySQLStore)(nil)
