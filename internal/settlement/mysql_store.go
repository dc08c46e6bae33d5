package settlement

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"

	xerrors "NexusAgent/internal/errors"
	"NexusAgent/internal/storage/mysql"
)

// MySQLStore 使用 escrows 与 tasks 表。里程碑与任务要求以 JSON 文本保存，
// 更新在事务中通过 SELECT ... FOR UPDATE 串行化。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建 MySQLStore。
func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

const (
	selectEscrow = `SELECT id, employer_agent_id, employee_agent_id, amount, token_mint, milestones, status, created_at, completed_at FROM escrows WHERE id = ?`
	selectTask   = `SELECT id, employer_id, type, description, budget, requirements, status, assigned_to, created_at, completed_at FROM tasks WHERE id = ?`
)

// rowScanner 同时适配 *sql.Row 与 *sql.Rows。
type rowScanner interface {
	Scan(dest ...any) error
}

// CreateEscrow 实现 EscrowStore 接口。
func (s *MySQLStore) CreateEscrow(ctx context.Context, e *Escrow) error {
	if e == nil || e.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "托管 ID 不能为空")
	}
	milestones, err := json.Marshal(e.Milestones)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码里程碑失败")
	}

	const stmt = `INSERT INTO escrows (id, employer_agent_id, employee_agent_id, amount, token_mint, milestones, status, created_at, completed_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, stmt,
		e.ID,
		e.EmployerAgentID,
		e.EmployeeAgentID,
		e.Amount,
		e.TokenMint,
		string(milestones),
		string(e.Status),
		e.CreatedAt,
		nullableMillis(e.CompletedAt),
	)
	if err != nil {
		if mysql.IsDuplicateKey(err) {
			return xerrors.Wrap(xerrors.CodeConflict, err, "托管已存在")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入托管失败")
	}
	return nil
}

// GetEscrow 实现 EscrowStore 接口。
func (s *MySQLStore) GetEscrow(ctx context.Context, id string) (*Escrow, error) {
	return scanEscrow(s.db.QueryRowContext(ctx, selectEscrow, id))
}

// UpdateEscrow 实现 EscrowStore 接口。
func (s *MySQLStore) UpdateEscrow(ctx context.Context, id string, fn func(e *Escrow) error) (*Escrow, error) {
	var updated *Escrow
	err := mysql.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		e, err := scanEscrow(tx.QueryRowContext(ctx, selectEscrow+` FOR UPDATE`, id))
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
		milestones, err := json.Marshal(e.Milestones)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码里程碑失败")
		}
		const stmt = `UPDATE escrows SET milestones = ?, status = ?, completed_at = ? WHERE id = ?`
		if _, err := tx.ExecContext(ctx, stmt, string(milestones), string(e.Status), nullableMillis(e.CompletedAt), id); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新托管失败")
		}
		updated = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// CreateTask 实现 TaskStore 接口。
func (s *MySQLStore) CreateTask(ctx context.Context, t *Task) error {
	if t == nil || t.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	requirements, err := json.Marshal(nonNilStrings(t.Requirements))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务要求失败")
	}

	const stmt = `INSERT INTO tasks (id, employer_id, type, description, budget, requirements, status, assigned_to, created_at, completed_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, stmt,
		t.ID,
		t.EmployerID,
		t.Type,
		t.Description,
		t.Budget,
		string(requirements),
		string(t.Status),
		t.AssignedTo,
		t.CreatedAt,
		nullableMillis(t.CompletedAt),
	)
	if err != nil {
		if mysql.IsDuplicateKey(err) {
			return xerrors.Wrap(xerrors.CodeConflict, err, "任务已存在")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	return nil
}

// GetTask 实现 TaskStore 接口。
func (s *MySQLStore) GetTask(ctx context.Context, id string) (*Task, error) {
	return scanTask(s.db.QueryRowContext(ctx, selectTask, id))
}

// UpdateTask 实现 TaskStore 接口。
func (s *MySQLStore) UpdateTask(ctx context.Context, id string, fn func(t *Task) error) (*Task, error) {
	var updated *Task
	err := mysql.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		t, err := scanTask(tx.QueryRowContext(ctx, selectTask+` FOR UPDATE`, id))
		if err != nil {
			return err
		}
		if err := fn(t); err != nil {
			return err
		}
		const stmt = `UPDATE tasks SET status = ?, assigned_to = ?, completed_at = ? WHERE id = ?`
		if _, err := tx.ExecContext(ctx, stmt, string(t.Status), t.AssignedTo, nullableMillis(t.CompletedAt), id); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务失败")
		}
		updated = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func scanEscrow(row rowScanner) (*Escrow, error) {
	var (
		e           Escrow
		milestones  string
		status      string
		completedAt sql.NullInt64
	)
	err := row.Scan(&e.ID, &e.EmployerAgentID, &e.EmployeeAgentID, &e.Amount, &e.TokenMint,
		&milestones, &status, &e.CreatedAt, &completedAt)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrEscrowNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询托管失败")
	}
	if err := json.Unmarshal([]byte(milestones), &e.Milestones); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析里程碑失败")
	}
	e.Status = EscrowStatus(status)
	if completedAt.Valid {
		v := completedAt.Int64
		e.CompletedAt = &v
	}
	return &e, nil
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		t            Task
		requirements string
		status       string
		completedAt  sql.NullInt64
	)
	err := row.Scan(&t.ID, &t.EmployerID, &t.Type, &t.Description, &t.Budget,
		&requirements, &status, &t.AssignedTo, &t.CreatedAt, &completedAt)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	if requirements != "" {
		if err := json.Unmarshal([]byte(requirements), &t.Requirements); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务要求失败")
		}
	}
	t.Status = TaskStatus(status)
	if completedAt.Valid {
		v := completedAt.Int64
		t.CompletedAt = &v
	}
	return &t, nil
}

func nullableMillis(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

var _ Store = (*MySQLStore)(nil)
