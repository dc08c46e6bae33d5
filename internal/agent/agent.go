package agent

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "NexusAgent/internal/errors"
)

// Status 表示代理的运行状态。
type Status string

const (
	StatusCreated Status = "created"
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
)

// Agent 是注册表中的一条代理记录。时间戳为毫秒。
type Agent struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Strategy   string         `json:"strategy"`
	WalletID   string         `json:"walletId,omitempty"`
	Status     Status         `json:"status"`
	Config     map[string]any `json:"config,omitempty"`
	CreatedAt  int64          `json:"createdAt"`
	LastActive int64          `json:"lastActive"`
}

func (a *Agent) clone() *Agent {
	out := *a
	if a.Config != nil {
		out.Config = make(map[string]any, len(a.Config))
		for k, v := range a.Config {
			out.Config[k] = v
		}
	}
	return &out
}

const CodeAgentNotFound xerrors.Code = "AGENT_NOT_FOUND"

func init() {
	xerrors.Register(CodeAgentNotFound, xerrors.Attributes{Message: "agent not found", Severity: xerrors.SeverityInfo})
}

// ErrAgentNotFound 表示代理不存在。
var ErrAgentNotFound = xerrors.New(CodeAgentNotFound, "agent not found")

// Store 持久化代理记录。
type Store interface {
	Create(ctx context.Context, a *Agent) error
	Get(ctx context.Context, id string) (*Agent, error)
	UpdateStatus(ctx context.Context, id string, status Status, lastActive int64) error
	ListRunning(ctx context.Context, excludeID string) ([]string, error)
}

// Spec 是注册代理所需的信息。
type Spec struct {
	ID       string
	Name     string
	Strategy string
	WalletID string
	Config   map[string]any
}

// Register 以 created 状态写入一条代理记录，ID 为空时自动生成。
func Register(ctx context.Context, store Store, spec Spec, now time.Time) (*Agent, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "代理名称不能为空")
	}
	if strings.TrimSpace(spec.Strategy) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "代理策略不能为空")
	}
	id := spec.ID
	if id == "" {
		id = "agent-" + uuid.NewString()
	}
	a := &Agent{
		ID:        id,
		Name:      spec.Name,
		Strategy:  spec.Strategy,
		WalletID:  spec.WalletID,
		Status:    StatusCreated,
		Config:    spec.Config,
		CreatedAt: now.UnixMilli(),
	}
	if err := store.Create(ctx, a); err != nil {
		return nil, err
	}
	return a.clone(), nil
}

// LoadOrRegister 返回已存在的代理，不存在时按 spec 注册。spec.ID 必填。
func LoadOrRegister(ctx context.Context, store Store, spec Spec, now time.Time) (*Agent, error) {
	if spec.ID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "代理 ID 不能为空")
	}
	a, err := store.Get(ctx, spec.ID)
	if err == nil {
		return a, nil
	}
	if xerrors.CodeOf(err) != CodeAgentNotFound {
		return nil, err
	}
	return Register(ctx, store, spec, now)
}
