package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	xerrors "NexusAgent/internal/errors"
	"NexusAgent/pkg/logger"
)

// Record is one append-only audit entry. Timestamp is epoch milliseconds and
// Seq is the store assigned insertion order used to break timestamp ties.
type Record struct {
	Seq       int64           `json:"seq"`
	WalletID  string          `json:"walletId,omitempty"`
	AgentID   string          `json:"agentId,omitempty"`
	Action    Action          `json:"action"`
	Details   json.RawMessage `json:"details"`
	Timestamp int64           `json:"timestamp"`
}

// Decode unmarshals the record details into v.
func (r Record) Decode(v any) error {
	if len(r.Details) == 0 {
		return nil
	}
	return json.Unmarshal(r.Details, v)
}

// Filter selects records. Empty fields match everything and a non-positive
// Limit returns every matching record.
type Filter struct {
	WalletID string
	AgentID  string
	Action   Action
	Limit    int
}

func (f Filter) matches(r Record) bool {
	if f.WalletID != "" && r.WalletID != f.WalletID {
		return false
	}
	if f.AgentID != "" && r.AgentID != f.AgentID {
		return false
	}
	if f.Action != "" && r.Action != f.Action {
		return false
	}
	return true
}

// Store persists audit records. Append assigns Seq; Query returns matches
// newest first, ordered by Timestamp then Seq, both descending.
type Store interface {
	Append(ctx context.Context, record *Record) error
	Query(ctx context.Context, filter Filter) ([]Record, error)
}

// Logger writes audit records bound to an optional wallet and agent id and
// mirrors each one to the audit log stream.
type Logger struct {
	store    Store
	walletID string
	agentID  string
	clock    func() time.Time
	mirror   *slog.Logger
}

// LoggerOption customises a Logger.
type LoggerOption func(*Logger)

// WithClock overrides the time source used for timestamps.
func WithClock(clock func() time.Time) LoggerOption {
	return func(l *Logger) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// WithMirror overrides the slog logger that receives a copy of each record.
func WithMirror(log *slog.Logger) LoggerOption {
	return func(l *Logger) {
		if log != nil {
			l.mirror = log
		}
	}
}

// NewLogger creates an unbound audit logger.
func NewLogger(store Store, opts ...LoggerOption) *Logger {
	l := &Logger{store: store, clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// ForWallet returns a copy bound to walletID.
func (l *Logger) ForWallet(walletID string) *Logger {
	clone := *l
	clone.walletID = walletID
	return &clone
}

// ForAgent returns a copy bound to agentID.
func (l *Logger) ForAgent(agentID string) *Logger {
	clone := *l
	clone.agentID = agentID
	return &clone
}

// Log appends payload as a new record.
func (l *Logger) Log(ctx context.Context, payload Payload) error {
	if payload == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "audit payload is required")
	}
	details, err := json.Marshal(payload)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode audit payload")
	}

	record := &Record{
		WalletID:  l.walletID,
		AgentID:   l.agentID,
		Action:    payload.Action(),
		Details:   details,
		Timestamp: l.clock().UnixMilli(),
	}
	if err := l.store.Append(ctx, record); err != nil {
		return err
	}

	l.mirrorLogger().With(logger.WalletAttrs(record.WalletID, record.AgentID)...).LogAttrs(ctx, slog.LevelInfo, "audit",
		slog.Int64("seq", record.Seq),
		slog.String("action", string(record.Action)),
		slog.Any("details", json.RawMessage(details)),
	)
	return nil
}

// Query reads records from the underlying store.
func (l *Logger) Query(ctx context.Context, filter Filter) ([]Record, error) {
	return l.store.Query(ctx, filter)
}

func (l *Logger) mirrorLogger() *slog.Logger {
	if l.mirror != nil {
		return l.mirror
	}
	return logger.Audit()
}
