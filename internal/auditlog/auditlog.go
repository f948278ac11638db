// Package auditlog implements the append-only hash-chained audit trail
// kept by each ledger.
//
// The chain begins with a well-known genesis entry whose Hash equals
// GenesisHash (64 hex zeros). Every subsequent entry records the SHA-256 of
// its predecessor, making any tampering detectable via Verify.
//
// Two implementations of the Ledger interface are provided:
//   - Memory: in-process, for testing and single-node deployments.
//   - Postgres: durable, for production use.
//
// Timestamps are supplied by the caller so that entries carry the hosting
// substrate's clock, not wall-clock time.
package auditlog
