package policy

import (
	"fmt"
	"math"

	xerrors "NexusAgent/internal/errors"
)

// Config is the per-wallet spending policy. Amounts are in the ledger's
// native unit.
type Config struct {
	PerTransaction float64 `json:"per_transaction" yaml:"per_transaction"`
	PerHour        float64 `json:"per_hour" yaml:"per_hour"`
	PerDay         float64 `json:"per_day" yaml:"per_day"`

	// HighValueDelay is carried for operators; the engine does not delay.
	HighValueDelay  int             `json:"high_value_delay_seconds,omitempty" yaml:"high_value_delay_seconds,omitempty"`
	AllowedPrograms []string        `json:"allowed_programs,omitempty" yaml:"allowed_programs,omitempty"`
	AllowedAssets   []string        `json:"allowed_assets,omitempty" yaml:"allowed_assets,omitempty"`
	CircuitBreakers *CircuitBreaker `json:"circuit_breakers,omitempty" yaml:"circuit_breakers,omitempty"`
}

// CircuitBreaker holds optional thresholds evaluated outside the engine.
type CircuitBreaker struct {
	MaxDrawdown    float64 `json:"max_drawdown" yaml:"max_drawdown"`
	UnusualPattern bool    `json:"unusual_pattern" yaml:"unusual_pattern"`
}

// DefaultConfig is applied to wallets created without an explicit policy.
func DefaultConfig() Config {
	return Config{PerTransaction: 0.1, PerHour: 1, PerDay: 10}
}

// Validate rejects negative or non-finite limits and drawdown fractions
// outside [0, 1].
func (c Config) Validate() error {
	limits := map[string]float64{
		"per_transaction": c.PerTransaction,
		"per_hour":        c.PerHour,
		"per_day":         c.PerDay,
	}
	for name, v := range limits {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("%s must be a non-negative amount", name))
		}
	}
	if c.HighValueDelay < 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "high_value_delay_seconds must not be negative")
	}
	if cb := c.CircuitBreakers; cb != nil && (cb.MaxDrawdown < 0 || cb.MaxDrawdown > 1) {
		return xerrors.New(xerrors.CodeInvalidArgument, "max_drawdown must be a fraction between 0 and 1")
	}
	return nil
}

func (c Config) clone() Config {
	out := c
	if c.AllowedPrograms != nil {
		out.AllowedPrograms = append([]string(nil), c.AllowedPrograms...)
	}
	if c.AllowedAssets != nil {
		out.AllowedAssets = append([]string(nil), c.AllowedAssets...)
	}
	if c.CircuitBreakers != nil {
		cb := *c.CircuitBreakers
		out.CircuitBreakers = &cb
	}
	return out
}
