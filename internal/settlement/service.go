package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"

	"NexusAgent/internal/audit"
	xerrors "NexusAgent/internal/errors"
	"NexusAgent/internal/events"
	"NexusAgent/internal/observability/metrics"
	"NexusAgent/pkg/logger"
)

// Service 实现任务撮合与托管结算。失败的操作只返回错误，不写审计；
// 成功的状态变更写审计并发布事件。
type Service struct {
	store     Store
	agents    AgentDirectory
	audit     *audit.Logger
	payer     Payer
	publisher events.Publisher
	metrics   *metrics.Metrics
	clock     func() time.Time
	pick      func(n int) int
	log       *slog.Logger
}

// Option 定制 Service。
type Option func(*Service)

// WithPayer 设置里程碑放款协作方。未设置时只更新账面状态。
func WithPayer(p Payer) Option {
	return func(s *Service) { s.payer = p }
}

// WithPublisher 设置事件发布者。
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithMetrics 设置指标。
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock 替换时间源。
func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithPicker 替换候选代理的随机选择函数，pick(n) 返回 [0, n) 内的下标。
func WithPicker(pick func(n int) int) Option {
	return func(s *Service) {
		if pick != nil {
			s.pick = pick
		}
	}
}

// NewService 创建结算服务。
func NewService(store Store, agents AgentDirectory, auditLog *audit.Logger, opts ...Option) *Service {
	s := &Service{
		store:  store,
		agents: agents,
		audit:  auditLog,
		clock:  time.Now,
		pick:   rand.IntN,
		log:    logger.Named("settlement"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// TaskSpec 是创建任务所需的信息。
type TaskSpec struct {
	Type         string   `json:"type"`
	Description  string   `json:"description"`
	Budget       float64  `json:"budget"`
	Requirements []string `json:"requirements"`
}

// CreateTask 以 open 状态创建任务并写入 task:created。
func (s *Service) CreateTask(ctx context.Context, employerID string, spec TaskSpec) (string, error) {
	if strings.TrimSpace(employerID) == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "雇主 ID 不能为空")
	}
	if strings.TrimSpace(spec.Type) == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "任务类型不能为空")
	}
	if !validAmount(spec.Budget) {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "任务预算必须是非负数")
	}

	task := &Task{
		ID:           "task-" + uuid.NewString(),
		EmployerID:   employerID,
		Type:         spec.Type,
		Description:  spec.Description,
		Budget:       spec.Budget,
		Requirements: append([]string{}, spec.Requirements...),
		Status:       TaskOpen,
		CreatedAt:    s.clock().UnixMilli(),
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return "", err
	}

	s.emit(ctx, employerID, audit.TaskCreated{
		TaskID:     task.ID,
		EmployerID: employerID,
		Type:       task.Type,
		Budget:     task.Budget,
	})
	return task.ID, nil
}

// GetTask 返回任务。
func (s *Service) GetTask(ctx context.Context, id string) (*Task, error) {
	return s.store.GetTask(ctx, id)
}

// FindAgentForTask 在 running 代理中均匀随机挑选一个，排除任务的雇主。
// 没有候选时返回 false。
func (s *Service) FindAgentForTask(ctx context.Context, taskID string) (string, bool, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return "", false, err
	}
	candidates, err := s.agents.ListRunning(ctx, task.EmployerID)
	if err != nil {
		return "", false, err
	}

	eligible := candidates[:0:0]
	for _, id := range candidates {
		if id != task.EmployerID {
			eligible = append(eligible, id)
		}
	}
	if len(eligible) == 0 {
		return "", false, nil
	}
	return eligible[s.pick(len(eligible))], true, nil
}

// AssignTask 将 open 任务分配给 agentID。
func (s *Service) AssignTask(ctx context.Context, taskID, agentID string) (*Task, error) {
	if strings.TrimSpace(agentID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "代理 ID 不能为空")
	}
	task, err := s.store.UpdateTask(ctx, taskID, func(t *Task) error {
		if t.Status != TaskOpen {
			return xerrors.Wrap(CodeTaskInvalidState, ErrTaskInvalidState,
				fmt.Sprintf("任务状态为 %s，无法分配", t.Status))
		}
		if t.EmployerID == agentID {
			return xerrors.New(xerrors.CodeInvalidArgument, "不能把任务分配给雇主本人")
		}
		t.Status = TaskAssigned
		t.AssignedTo = agentID
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.emit(ctx, agentID, audit.TaskAssigned{TaskID: taskID, AgentID: agentID})
	return task, nil
}

// EscrowOption 定制 CreateEscrow。
type EscrowOption func(*Escrow)

// WithToken 指定托管使用的代币，空值表示链上原生币。
func WithToken(mint string) EscrowOption {
	return func(e *Escrow) { e.TokenMint = mint }
}

// CreateEscrow 以 pending 状态创建托管并写入 escrow:created。
// 不校验里程碑付款之和是否等于 amount。
func (s *Service) CreateEscrow(ctx context.Context, employerID, employeeID string, amount float64, milestones []Milestone, opts ...EscrowOption) (string, error) {
	if strings.TrimSpace(employerID) == "" || strings.TrimSpace(employeeID) == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "雇主与雇员 ID 不能为空")
	}
	if !validAmount(amount) {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "托管金额必须是非负数")
	}
	for i, m := range milestones {
		if !validAmount(m.Payment) {
			return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("里程碑 %d 的付款必须是非负数", i))
		}
	}

	escrow := &Escrow{
		ID:              "escrow-" + uuid.NewString(),
		EmployerAgentID: employerID,
		EmployeeAgentID: employeeID,
		Amount:          amount,
		Milestones:      make([]Milestone, len(milestones)),
		Status:          EscrowPending,
		CreatedAt:       s.clock().UnixMilli(),
	}
	for i, m := range milestones {
		m.Completed = false
		m.Releasing = false
		m.Reference = ""
		escrow.Milestones[i] = m
	}
	for _, opt := range opts {
		if opt != nil {
			opt(escrow)
		}
	}
	if err := s.store.CreateEscrow(ctx, escrow); err != nil {
		return "", err
	}

	s.emit(ctx, employerID, audit.EscrowCreated{
		EscrowID:   escrow.ID,
		EmployerID: employerID,
		EmployeeID: employeeID,
		Amount:     amount,
		Milestones: len(escrow.Milestones),
	})
	return escrow.ID, nil
}

// GetEscrow 返回托管。
func (s *Service) GetEscrow(ctx context.Context, id string) (*Escrow, error) {
	return s.store.GetEscrow(ctx, id)
}

// FundEscrow 将托管置为 funded。对已经 funded 的托管重复调用不会报错；
// completed 与 disputed 的托管返回 ErrEscrowInvalidState。
func (s *Service) FundEscrow(ctx context.Context, id string) (*Escrow, error) {
	escrow, err := s.store.UpdateEscrow(ctx, id, func(e *Escrow) error {
		switch e.Status {
		case EscrowPending, EscrowFunded:
			e.Status = EscrowFunded
			return nil
		default:
			return xerrors.Wrap(CodeEscrowInvalidState, ErrEscrowInvalidState,
				fmt.Sprintf("托管状态为 %s，无法注资", e.Status))
		}
	})
	if err != nil {
		return nil, err
	}

	s.emit(ctx, escrow.EmployerAgentID, audit.EscrowFunded{EscrowID: id})
	return escrow, nil
}

// Completion 描述一次里程碑完成的结果。
type Completion struct {
	EscrowID        string  `json:"escrowId"`
	MilestoneIndex  int     `json:"milestoneIndex"`
	Payment         float64 `json:"payment"`
	Reference       string  `json:"reference,omitempty"`
	EscrowCompleted bool    `json:"escrowCompleted"`
}

// CompleteMilestone 完成 funded 托管中的一个里程碑并放款。里程碑可以按任意
// 顺序完成；全部完成后托管进入 completed 并记录 CompletedAt。
//
// 配置了 Payer 时放款分三步：先在存储中把里程碑标记为 releasing 并提交，
// 再在锁外调用 Payer，最后写回完成状态。放款失败会撤销标记；放款成功但写回
// 失败时标记保留，之后的调用返回 ESCROW_INVALID_STATE，同一里程碑不会被
// 重复放款，需人工核对后处理。
func (s *Service) CompleteMilestone(ctx context.Context, id string, index int) (*Completion, error) {
	var payment float64
	escrow, err := s.store.UpdateEscrow(ctx, id, func(e *Escrow) error {
		if err := releasable(e, index); err != nil {
			return err
		}
		payment = e.Milestones[index].Payment
		if s.payer == nil {
			s.markCompleted(e, index, "")
			return nil
		}
		e.Milestones[index].Releasing = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	reference := ""
	if s.payer != nil {
		// 认领已提交，后续写回不随调用方取消而中断。
		persistCtx := context.WithoutCancel(ctx)
		ref, err := s.payer.Release(ctx, id, index, escrow.EmployeeAgentID, payment)
		if err != nil {
			if _, uerr := s.store.UpdateEscrow(persistCtx, id, func(e *Escrow) error {
				e.Milestones[index].Releasing = false
				return nil
			}); uerr != nil {
				s.log.Error("撤销放款标记失败，里程碑保持 releasing",
					slog.String("escrow_id", id), slog.Int("milestone", index), slog.Any("error", uerr))
			}
			return nil, err
		}
		reference = ref
		escrow, err = s.store.UpdateEscrow(persistCtx, id, func(e *Escrow) error {
			s.markCompleted(e, index, ref)
			return nil
		})
		if err != nil {
			s.log.Error("放款已确认但里程碑状态写回失败，需人工核对",
				slog.String("escrow_id", id),
				slog.Int("milestone", index),
				slog.String("reference", ref),
				slog.Any("error", err))
			return nil, err
		}
	}

	done := Completion{
		EscrowID:        id,
		MilestoneIndex:  index,
		Payment:         payment,
		Reference:       reference,
		EscrowCompleted: escrow.Status == EscrowCompleted,
	}
	s.log.Info("milestone released",
		slog.String("escrow_id", id),
		slog.Int("milestone", index),
		slog.Float64("payment", done.Payment),
		slog.Bool("escrow_completed", done.EscrowCompleted))
	if s.payer == nil {
		s.metrics.Released(done.Payment)
	}
	s.emit(ctx, escrow.EmployeeAgentID, audit.MilestoneCompleted{
		EscrowID:        id,
		MilestoneIndex:  index,
		Payment:         done.Payment,
		EscrowCompleted: done.EscrowCompleted,
	})
	return &done, nil
}

func releasable(e *Escrow, index int) error {
	if e.Status != EscrowFunded {
		return xerrors.Wrap(CodeEscrowInvalidState, ErrEscrowInvalidState,
			fmt.Sprintf("托管状态为 %s，无法完成里程碑", e.Status))
	}
	if index < 0 || index >= len(e.Milestones) {
		return xerrors.Wrap(CodeMilestoneOutOfRange, ErrMilestoneOutOfRange,
			fmt.Sprintf("里程碑下标 %d 超出范围 [0, %d)", index, len(e.Milestones)))
	}
	switch m := e.Milestones[index]; {
	case m.Completed:
		return xerrors.Wrap(CodeEscrowInvalidState, ErrEscrowInvalidState,
			fmt.Sprintf("里程碑 %d 已完成", index))
	case m.Releasing:
		return xerrors.Wrap(CodeEscrowInvalidState, ErrEscrowInvalidState,
			fmt.Sprintf("里程碑 %d 正在放款", index))
	}
	return nil
}

func (s *Service) markCompleted(e *Escrow, index int, reference string) {
	e.Milestones[index].Completed = true
	e.Milestones[index].Releasing = false
	e.Milestones[index].Reference = reference
	if e.allCompleted() {
		e.Status = EscrowCompleted
		completedAt := s.clock().UnixMilli()
		e.CompletedAt = &completedAt
	}
}

// emit 写审计并发布事件。状态已经提交，因此这里的失败只记录日志。
func (s *Service) emit(ctx context.Context, agentID string, payload audit.Payload) {
	name := string(payload.Action())
	s.metrics.EscrowEvent(name)

	if err := s.audit.ForAgent(agentID).Log(ctx, payload); err != nil {
		s.log.Error("写入审计日志失败", slog.String("event", name), slog.Any("error", err))
	}
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, events.Event{Name: name, Payload: payload, OccurredAt: s.clock()}); err != nil {
		s.log.Warn("发布事件失败", slog.String("event", name), slog.Any("error", err))
	}
}

func validAmount(v float64) bool {
	return v >= 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}
