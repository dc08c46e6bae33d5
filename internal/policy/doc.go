// Package policy implements the per-wallet spending policy: a fixed
// per-transaction cap plus hourly and daily budgets tracked in a lazily reset
// spend window, and an irreversible emergency freeze.
package policy
