package auditlog

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// GenesisHash is the canonical well-known hash of the genesis entry.
// It is the trust anchor of each ledger's audit chain; all subsequent
// entry hashes chain from this constant rather than from a computed value.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Outcome labels the result of an audited action.
type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomeDenied  Outcome = "denied"
	OutcomeDropped Outcome = "dropped"
)

// Entry is a single audit record. Entries are append-only: they are never
// mutated or deleted, which makes the trail the sole mechanism for
// after-the-fact verification across ledgers.
type Entry struct {
	Index      int       `json:"index"`
	Timestamp  time.Time `json:"timestamp"`
	ActorDID   string    `json:"actor_did"`
	Action     string    `json:"action"`      // e.g. consent.create, grant.issue, deal.refund
	SubjectRef string    `json:"subject_ref"` // consent_id, record_pointer, deal_id, ...
	Outcome    Outcome   `json:"outcome"`
	Reason     string    `json:"reason,omitempty"` // denial reason; empty on success
	DataHash   string    `json:"data_hash"`        // SHA-256 of the associated payload
	PrevHash   string    `json:"prev_hash"`
	Hash       string    `json:"hash"`
}

// hashEntry computes a deterministic SHA-256 hash over an entry's fields.
// Must never be called on the genesis entry (index 0).
func hashEntry(e *Entry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%s|%s|%s|%s|%s|%s",
		e.Index, e.Timestamp.Format(time.RFC3339Nano),
		e.ActorDID, e.Action, e.SubjectRef, e.Outcome, e.Reason,
		e.DataHash, e.PrevHash,
	)
	return hex.EncodeToString(h.Sum(nil))
}

// sha256Sum returns the hex-encoded SHA-256 digest of data.
func sha256Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
