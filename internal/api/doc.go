// Package api exposes the coordinator over HTTP: tasks, escrows, the audit
// trail and emergency wallet freezes.
package api
