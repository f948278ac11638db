package auditlog

import (
	"context"
	"time"
)

// Ledger is the interface for a per-ledger append-only audit chain.
// Both Memory and Postgres implement this interface.
type Ledger interface {
	// Append adds a new entry chained to the previous one. at is the
	// substrate clock reading for the audited action. payload is
	// JSON-marshalled and its SHA-256 stored as DataHash. reason is the
	// denial reason and must be empty when outcome is OutcomeOK.
	Append(ctx context.Context, at time.Time, actorDID, action, subjectRef string, outcome Outcome, reason string, payload any) (*Entry, error)

	// Get returns the entry at the given zero-based index.
	Get(ctx context.Context, index int) (*Entry, error)

	// Len returns the total number of entries (including the genesis entry).
	Len(ctx context.Context) (int, error)

	// Export returns all entries in append order (which is timestamp order,
	// since the substrate clock is monotonically non-decreasing). This is
	// the read contract consumed by external compliance tooling.
	Export(ctx context.Context) ([]*Entry, error)

	// Verify walks the entire chain and checks hash consistency.
	// Returns nil if the chain is intact.
	Verify(ctx context.Context) error

	// Root returns the hash of the most recent entry (the chain tip).
	Root(ctx context.Context) (string, error)
}
