package agent

import (
	"context"
	"math"
	"strings"

	xerrors "NexusAgent/internal/errors"
	"NexusAgent/internal/wallet"
)

// ActionSweep 是 Sweep 策略产生的动作名。
const ActionSweep = "sweep"

// Sweep 把钱包余额中超过 Keep 的部分转入 Treasury，单次最多 Max。
// 转账经过 Gate，因此仍受钱包策略的单笔与窗口限额约束。
type Sweep struct {
	Treasury string
	Keep     float64
	// Max 为 0 时不设单次上限。
	Max float64
}

// Evaluate 实现 Strategy。
func (s Sweep) Evaluate(ctx context.Context, gate *wallet.Gate) (*Opportunity, error) {
	if gate == nil {
		return nil, xerrors.New(xerrors.CodeNotConfigured, "sweep 策略需要绑定钱包")
	}
	if strings.TrimSpace(s.Treasury) == "" {
		return nil, xerrors.New(xerrors.CodeNotConfigured, "未配置归集地址")
	}
	balance, err := gate.Balance(ctx)
	if err != nil {
		return nil, err
	}
	amount := balance - s.Keep
	if s.Max > 0 {
		amount = math.Min(amount, s.Max)
	}
	if amount <= 0 {
		return nil, nil
	}
	return &Opportunity{
		Action:  ActionSweep,
		Target:  s.Treasury,
		Amount:  amount,
		Details: map[string]any{"balance": balance},
	}, nil
}

// Execute 实现 Strategy。
func (s Sweep) Execute(ctx context.Context, gate *wallet.Gate, opp *Opportunity) error {
	if gate == nil {
		return xerrors.New(xerrors.CodeNotConfigured, "sweep 策略需要绑定钱包")
	}
	if opp.Action != ActionSweep {
		return xerrors.New(xerrors.CodeInvalidArgument, "未知动作 "+opp.Action)
	}
	_, err := gate.Transfer(ctx, opp.Target, opp.Amount)
	return err
}

var (
	_ Strategy = Idle{}
	_ Strategy = Sweep{}
)
