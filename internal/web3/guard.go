package web3

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
)

// GuardConfig tunes the circuit breaker and read retries placed in front of a
// chain client.
type GuardConfig struct {
	Name string
	// ReadAttempts bounds retries of Balance and Snapshot. Broadcast and
	// Confirm are never retried here.
	ReadAttempts uint
	RetryDelay   time.Duration
	// TripAfter opens the breaker after this many consecutive failures.
	TripAfter   uint32
	OpenTimeout time.Duration
}

func (c GuardConfig) withDefaults() GuardConfig {
	if c.Name == "" {
		c.Name = "chain"
	}
	if c.ReadAttempts == 0 {
		c.ReadAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 200 * time.Millisecond
	}
	if c.TripAfter == 0 {
		c.TripAfter = 5
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	return c
}

// GuardedClient routes every RPC of the wrapped client through one circuit
// breaker. Ledgers obtained from Account share that breaker.
type GuardedClient struct {
	next Client
	cfg  GuardConfig
	cb   *gobreaker.CircuitBreaker
}

// Guard wraps next with a circuit breaker and read retries.
func Guard(next Client, cfg GuardConfig) *GuardedClient {
	cfg = cfg.withDefaults()
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.TripAfter
		},
	})
	return &GuardedClient{next: next, cfg: cfg, cb: cb}
}

// State reports the breaker state, mainly for health output and tests.
func (g *GuardedClient) State() gobreaker.State {
	return g.cb.State()
}

func (g *GuardedClient) call(fn func() (any, error)) (any, error) {
	out, err := g.cb.Execute(fn)
	if err != nil {
		return nil, fmt.Errorf("链 %s 调用失败: %w", g.cfg.Name, err)
	}
	return out, nil
}

// read retries fn with backoff, the whole retry loop counting as one breaker
// request.
func (g *GuardedClient) read(ctx context.Context, fn func() (any, error)) (any, error) {
	return g.call(func() (any, error) {
		var out any
		err := retry.New(
			retry.Context(ctx),
			retry.Attempts(g.cfg.ReadAttempts),
			retry.Delay(g.cfg.RetryDelay),
		).Do(func() error {
			v, err := fn()
			if err != nil {
				return err
			}
			out = v
			return nil
		})
		return out, err
	})
}

// Balance implements BalanceReader.
func (g *GuardedClient) Balance(ctx context.Context, account string) (float64, error) {
	out, err := g.read(ctx, func() (any, error) { return g.next.Balance(ctx, account) })
	if err != nil {
		return 0, err
	}
	return out.(float64), nil
}

// Snapshot implements Client.
func (g *GuardedClient) Snapshot(ctx context.Context) (ChainSnapshot, error) {
	out, err := g.read(ctx, func() (any, error) { return g.next.Snapshot(ctx) })
	if err != nil {
		return ChainSnapshot{}, err
	}
	return out.(ChainSnapshot), nil
}

// Broadcast implements Broadcaster.
func (g *GuardedClient) Broadcast(ctx context.Context, payload SignedPayload) (string, error) {
	out, err := g.call(func() (any, error) { return g.next.Broadcast(ctx, payload) })
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

// Confirm implements Broadcaster.
func (g *GuardedClient) Confirm(ctx context.Context, pendingRef string) (string, error) {
	out, err := g.call(func() (any, error) { return g.next.Confirm(ctx, pendingRef) })
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

// Account binds a key on the wrapped client and guards the resulting ledger.
func (g *GuardedClient) Account(privateKeyHex string) (Ledger, error) {
	ledger, err := g.next.Account(privateKeyHex)
	if err != nil {
		return nil, err
	}
	return &guardedLedger{Ledger: ledger, guard: g}, nil
}

// Close implements Client.
func (g *GuardedClient) Close() {
	g.next.Close()
}

type guardedLedger struct {
	Ledger
	guard *GuardedClient
}

func (l *guardedLedger) Broadcast(ctx context.Context, payload SignedPayload) (string, error) {
	out, err := l.guard.call(func() (any, error) { return l.Ledger.Broadcast(ctx, payload) })
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

func (l *guardedLedger) Confirm(ctx context.Context, pendingRef string) (string, error) {
	out, err := l.guard.call(func() (any, error) { return l.Ledger.Confirm(ctx, pendingRef) })
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

var _ Client = (*GuardedClient)(nil)
