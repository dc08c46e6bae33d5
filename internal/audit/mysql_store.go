package audit

import (
	"context"
	"database/sql"
	"strings"

	xerrors "NexusAgent/internal/errors"
)

// MySQLStore 将审计记录写入 audit_logs 表，表结构见 deploy/migrations。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 基于已经完成迁移的连接创建存储。
func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

// Append 插入一条审计记录，并回填自增序号。
func (s *MySQLStore) Append(ctx context.Context, record *Record) error {
	const stmt = `INSERT INTO audit_logs (wallet_id, agent_id, action, details, timestamp)
        VALUES (?, ?, ?, ?, ?)`

	result, err := s.db.ExecContext(ctx, stmt,
		nullString(record.WalletID),
		nullString(record.AgentID),
		string(record.Action),
		string(record.Details),
		record.Timestamp,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入审计日志失败")
	}
	id, err := result.LastInsertId()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取审计日志序号失败")
	}
	record.Seq = id
	return nil
}

// Query 按过滤条件倒序读取审计记录。
func (s *MySQLStore) Query(ctx context.Context, filter Filter) ([]Record, error) {
	var (
		clauses []string
		args    []any
	)
	if filter.WalletID != "" {
		clauses = append(clauses, "wallet_id = ?")
		args = append(args, filter.WalletID)
	}
	if filter.AgentID != "" {
		clauses = append(clauses, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.Action != "" {
		clauses = append(clauses, "action = ?")
		args = append(args, string(filter.Action))
	}

	query := `SELECT id, wallet_id, agent_id, action, details, timestamp FROM audit_logs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY timestamp DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询审计日志失败")
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		var (
			rec      Record
			walletID sql.NullString
			agentID  sql.NullString
			action   string
			details  sql.NullString
		)
		if err := rows.Scan(&rec.Seq, &walletID, &agentID, &action, &details, &rec.Timestamp); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析审计日志失败")
		}
		rec.WalletID = walletID.String
		rec.AgentID = agentID.String
		rec.Action = Action(action)
		if details.Valid {
			rec.Details = []byte(details.String)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历审计日志失败")
	}
	return records, nil
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

var _ Store = (*MySQLStore)(nil)
