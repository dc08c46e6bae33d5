// Package redis shares wallet state between processes: a per-wallet lock that
// serialises validate and record, and the spend window counters themselves.
package redis
