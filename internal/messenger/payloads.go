package messenger

import "time"

// Protocol payloads. Every request carries a Ref chosen by the requesting
// ledger; replies echo it, which is what lets receivers match a reply to a
// specific pending request and ignore everything else.

// ConsentQueryPayload asks the consent ledger for the live status of a
// consent, and for an attestation when the consent is active.
type ConsentQueryPayload struct {
	Ref         string `json:"ref"`
	ConsentID   string `json:"consent_id"`
	ConsumerDID string `json:"consumer_did"`
}

// ConsentAttestationPayload is the consent ledger's reply to a query.
// Attestation is empty unless Status is "active".
type ConsentAttestationPayload struct {
	Ref         string    `json:"ref"`
	ConsentID   string    `json:"consent_id"`
	Status      string    `json:"status"`
	Attestation string    `json:"attestation,omitempty"`
	ValidUntil  time.Time `json:"valid_until,omitempty"`
}

// AccessGrantRequestPayload asks the record ledger to issue an access
// grant, carrying the attestation obtained from the consent ledger.
type AccessGrantRequestPayload struct {
	Ref           string `json:"ref"`
	RecordPointer string `json:"record_pointer"`
	ConsumerDID   string `json:"consumer_did"`
	ConsentID     string `json:"consent_id"`
	Attestation   string `json:"attestation"`
}

// AccessGrantReplyPayload reports the record ledger's decision.
type AccessGrantReplyPayload struct {
	Ref           string    `json:"ref"`
	Granted       bool      `json:"granted"`
	GrantID       string    `json:"grant_id,omitempty"`
	RecordPointer string    `json:"record_pointer,omitempty"`
	ValidUntil    time.Time `json:"valid_until,omitempty"`
	Reason        string    `json:"reason,omitempty"`
}

// ConsentRevokedNoticePayload fans out a revocation so dependent ledgers
// can invalidate cached decisions and abort in-flight workflows.
type ConsentRevokedNoticePayload struct {
	ConsentID  string    `json:"consent_id"`
	SubjectDID string    `json:"subject_did"`
	RevokedAt  time.Time `json:"revoked_at"`
}
