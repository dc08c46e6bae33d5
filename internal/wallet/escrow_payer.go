package wallet

import (
	"context"
	"log/slog"

	"NexusAgent/internal/audit"
	xerrors "NexusAgent/internal/errors"
	"NexusAgent/internal/observability/metrics"
	"NexusAgent/internal/web3"
	"NexusAgent/pkg/logger"
)

// EscrowPayer releases milestone payments from the escrow custody account.
// Releases bypass the per-wallet policy: the amounts were fixed when the
// escrow was created.
type EscrowPayer struct {
	custody web3.Ledger
	wallets Store
	audit   *audit.Logger
	metrics *metrics.Metrics
	log     *slog.Logger
}

// NewEscrowPayer creates a payer that sends from custody and resolves
// employees to their active wallet address through wallets.
func NewEscrowPayer(custody web3.Ledger, wallets Store, auditLog *audit.Logger, m *metrics.Metrics) *EscrowPayer {
	return &EscrowPayer{
		custody: custody,
		wallets: wallets,
		audit:   auditLog,
		metrics: m,
		log:     logger.Named("escrow-payer"),
	}
}

// Release pays amount to the current wallet of employeeID and audits
// ESCROW_RELEASE with the confirmed reference.
func (p *EscrowPayer) Release(ctx context.Context, escrowID string, milestoneIndex int, employeeID string, amount float64) (string, error) {
	w, err := p.wallets.GetLatestByAgent(ctx, employeeID)
	if err != nil {
		return "", err
	}

	payload, err := p.custody.Sign(ctx, web3.TransferIntent{
		From:   p.custody.Address(),
		To:     w.Address,
		Amount: amount,
	})
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeExternalFailure, err, "签名托管放款失败", xerrors.WithMetadata("stage", "sign"))
	}
	pending, err := p.custody.Broadcast(ctx, payload)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeExternalFailure, err, "广播托管放款失败", xerrors.WithMetadata("stage", "broadcast"))
	}
	reference, err := p.custody.Confirm(ctx, pending)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeExternalFailure, err, "托管放款未确认",
			xerrors.WithMetadata("stage", "confirm"), xerrors.WithMetadata("reference", pending))
	}

	p.metrics.Released(amount)
	if err := p.audit.ForWallet(w.ID).ForAgent(employeeID).Log(ctx, audit.EscrowRelease{
		EscrowID:       escrowID,
		MilestoneIndex: milestoneIndex,
		Recipient:      w.Address,
		Amount:         amount,
		Reference:      reference,
	}); err != nil {
		p.log.Error("写入审计日志失败", slog.String("escrow_id", escrowID), slog.Any("error", err))
	}
	return reference, nil
}
