// Package audit records every security relevant decision taken by the
// custody core. Records are append-only and queried newest first.
package audit
