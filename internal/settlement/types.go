package settlement

import (
	"context"

	xerrors "NexusAgent/internal/errors"
)

// TaskStatus 表示任务状态。
type TaskStatus string

const (
	TaskOpen      TaskStatus = "open"
	TaskAssigned  TaskStatus = "assigned"
	TaskCompleted TaskStatus = "completed"
)

// Task 是雇主发布的一项工作。时间戳为毫秒。
type Task struct {
	ID           string     `json:"id"`
	EmployerID   string     `json:"employerId"`
	Type         string     `json:"type"`
	Description  string     `json:"description"`
	Budget       float64    `json:"budget"`
	Requirements []string   `json:"requirements"`
	Status       TaskStatus `json:"status"`
	AssignedTo   string     `json:"assignedTo,omitempty"`
	CreatedAt    int64      `json:"createdAt"`
	CompletedAt  *int64     `json:"completedAt,omitempty"`
}

func (t *Task) clone() *Task {
	out := *t
	out.Requirements = append([]string(nil), t.Requirements...)
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		out.CompletedAt = &v
	}
	return &out
}

// Milestone 是托管中的一段交付及其对应付款。
// Releasing 表示放款已被认领但尚未写回结果，此时不允许再次完成该里程碑。
type Milestone struct {
	Description        string  `json:"description"`
	Payment            float64 `json:"payment"`
	VerificationMethod string  `json:"verification"`
	Completed          bool    `json:"completed"`
	Releasing          bool    `json:"releasing,omitempty"`
	Reference          string  `json:"reference,omitempty"`
}

// EscrowStatus 表示托管状态。disputed 由外部流程写入，本包不会进入该状态。
type EscrowStatus string

const (
	EscrowPending   EscrowStatus = "pending"
	EscrowFunded    EscrowStatus = "funded"
	EscrowCompleted EscrowStatus = "completed"
	EscrowDisputed  EscrowStatus = "disputed"
)

// Escrow 是雇主与雇员之间的托管账户。
type Escrow struct {
	ID              string       `json:"id"`
	EmployerAgentID string       `json:"employerAgentId"`
	EmployeeAgentID string       `json:"employeeAgentId"`
	Amount          float64      `json:"amount"`
	TokenMint       string       `json:"tokenMint,omitempty"`
	Milestones      []Milestone  `json:"milestones"`
	Status          EscrowStatus `json:"status"`
	CreatedAt       int64        `json:"createdAt"`
	CompletedAt     *int64       `json:"completedAt,omitempty"`
}

func (e *Escrow) clone() *Escrow {
	out := *e
	out.Milestones = append([]Milestone(nil), e.Milestones...)
	if e.CompletedAt != nil {
		v := *e.CompletedAt
		out.CompletedAt = &v
	}
	return &out
}

func (e *Escrow) allCompleted() bool {
	for _, m := range e.Milestones {
		if !m.Completed {
			return false
		}
	}
	return true
}

const (
	CodeEscrowNotFound      xerrors.Code = "ESCROW_NOT_FOUND"
	CodeEscrowInvalidState  xerrors.Code = "ESCROW_INVALID_STATE"
	CodeMilestoneOutOfRange xerrors.Code = "MILESTONE_OUT_OF_RANGE"
	CodeTaskNotFound        xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskInvalidState    xerrors.Code = "TASK_INVALID_STATE"
)

func init() {
	xerrors.Register(CodeEscrowNotFound, xerrors.Attributes{Message: "escrow not found", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeEscrowInvalidState, xerrors.Attributes{Message: "escrow state does not allow this operation", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeMilestoneOutOfRange, xerrors.Attributes{Message: "milestone index out of range", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{Message: "task not found", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeTaskInvalidState, xerrors.Attributes{Message: "task state does not allow this operation", Severity: xerrors.SeverityInfo})
}

var (
	// ErrEscrowNotFound 表示托管不存在。
	ErrEscrowNotFound = xerrors.New(CodeEscrowNotFound, "escrow not found")
	// ErrEscrowInvalidState 表示托管当前状态不允许该操作。
	ErrEscrowInvalidState = xerrors.New(CodeEscrowInvalidState, "escrow state does not allow this operation")
	// ErrMilestoneOutOfRange 表示里程碑下标越界。
	ErrMilestoneOutOfRange = xerrors.New(CodeMilestoneOutOfRange, "milestone index out of range")
	// ErrTaskNotFound 表示任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrTaskInvalidState 表示任务当前状态不允许该操作。
	ErrTaskInvalidState = xerrors.New(CodeTaskInvalidState, "task state does not allow this operation")
)

// EscrowStore 持久化托管。UpdateEscrow 必须把读取、fn 与写回作为一个原子操作；
// fn 返回错误时不写回任何修改。
type EscrowStore interface {
	CreateEscrow(ctx context.Context, e *Escrow) error
	GetEscrow(ctx context.Context, id string) (*Escrow, error)
	UpdateEscrow(ctx context.Context, id string, fn func(e *Escrow) error) (*Escrow, error)
}

// TaskStore 持久化任务，UpdateTask 的语义与 UpdateEscrow 相同。
type TaskStore interface {
	CreateTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	UpdateTask(ctx context.Context, id string, fn func(t *Task) error) (*Task, error)
}

// Store 组合托管与任务存储。
type Store interface {
	EscrowStore
	TaskStore
}

// AgentDirectory 列出处于 running 状态的代理 ID，excludeID 不会出现在结果中。
type AgentDirectory interface {
	ListRunning(ctx context.Context, excludeID string) ([]string, error)
}

// Payer 把里程碑付款转给雇员，返回链上交易引用。
type Payer interface {
	Release(ctx context.Context, escrowID string, milestoneIndex int, employeeID string, amount float64) (string, error)
}
