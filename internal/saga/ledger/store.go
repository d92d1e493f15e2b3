// Package ledger provides saga.Store implementations: an in-memory store for
// tests and single-node development, and a durable BadgerDB store for
// production. The step log is append-only in both: records are never edited
// in place, so "has this step already succeeded" is a pure reduction over
// the history.
package ledger

import "github.com/fyrsmithlabs/remedyd/internal/saga"

// ErrRunNotFound mirrors saga.ErrRunNotFound for callers that only import
// this package.
var ErrRunNotFound = saga.ErrRunNotFound

// Interface conformance.
var (
	_ saga.Store = (*MemoryStore)(nil)
	_ saga.Store = (*BadgerStore)(nil)
)
