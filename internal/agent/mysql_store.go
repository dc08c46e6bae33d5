package agent

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"

	xerrors "NexusAgent/internal/errors"
	"NexusAgent/internal/storage/mysql"
)

// MySQLStore 使用 agents 表，config 以 JSON 文本保存。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建 MySQLStore。
func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

// Create 实现 Store 接口。
func (s *MySQLStore) Create(ctx context.Context, a *Agent) error {
	if a == nil || a.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "代理 ID 不能为空")
	}
	var cfg sql.NullString
	if len(a.Config) > 0 {
		raw, err := json.Marshal(a.Config)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码代理配置失败")
		}
		cfg = sql.NullString{String: string(raw), Valid: true}
	}

	const stmt = `INSERT INTO agents (id, name, strategy, wallet_id, status, config, created_at, last_active)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt,
		a.ID,
		a.Name,
		a.Strategy,
		a.WalletID,
		string(a.Status),
		cfg,
		a.CreatedAt,
		a.LastActive,
	)
	if err != nil {
		if mysql.IsDuplicateKey(err) {
			return xerrors.Wrap(xerrors.CodeConflict, err, "代理已存在")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入代理失败")
	}
	return nil
}

// Get 实现 Store 接口。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Agent, error) {
	const query = `SELECT id, name, strategy, wallet_id, status, config, created_at, last_active FROM agents WHERE id = ?`
	var (
		a      Agent
		status string
		cfg    sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(&a.ID, &a.Name, &a.Strategy, &a.WalletID, &status, &cfg, &a.CreatedAt, &a.LastActive)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrAgentNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询代理失败")
	}
	if cfg.Valid && cfg.String != "" {
		if err := json.Unmarshal([]byte(cfg.String), &a.Config); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析代理配置失败")
		}
	}
	a.Status = Status(status)
	return &a, nil
}

// UpdateStatus 实现 Store 接口。
func (s *MySQLStore) UpdateStatus(ctx context.Context, id string, status Status, lastActive int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE agents SET status = ?, last_active = ? WHERE id = ?`,
		string(status), lastActive, id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新代理状态失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrAgentNotFound
	}
	return nil
}

// ListRunning 实现 Store 接口。
func (s *MySQLStore) ListRunning(ctx context.Context, excludeID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM agents WHERE status = ? AND id <> ? ORDER BY id`,
		string(StatusRunning), excludeID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询运行中的代理失败")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取代理 ID 失败")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历代理失败")
	}
	return ids, nil
}

var _ Store = (*MySQLStore)(nil)
