package messenger

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Type identifies the protocol message carried by an envelope.
type Type string

const (
	TypeConsentQuery         Type = "consent_query"
	TypeConsentAttestation   Type = "consent_attestation"
	TypeAccessGrantRequest   Type = "access_grant_request"
	TypeAccessGrantReply     Type = "access_grant_reply"
	TypeConsentRevokedNotice Type = "consent_revoked_notice"
)

// Channel names. A channel is a one-way ordered path between two ledgers;
// sequence numbers are scoped to a channel.
const (
	ChMarketToConsent = "market->consent"
	ChConsentToMarket = "consent->market"
	ChMarketToRecord  = "market->record"
	ChRecordToMarket  = "record->market"
	ChRecordToConsent = "record->consent"
	ChConsentToRecord = "consent->record"
)

// Envelope is the ledger-to-ledger wire format.
type Envelope struct {
	Channel   string          `json:"channel_id"`
	Seq       uint64          `json:"sequence_number"`
	Type      Type            `json:"message_type"`
	Payload   json.RawMessage `json:"payload_bytes"`
	Signature string          `json:"signature"`
}

// Decode unmarshals the envelope payload into v.
func (e *Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload on %s/%d: %w", e.Type, e.Channel, e.Seq, err)
	}
	return nil
}

// Outbound is an effect value: a message a ledger wants sent. Ledger
// operations return these rather than performing sends, keeping state
// transitions pure with respect to the transport.
type Outbound struct {
	Channel string
	Type    Type
	Payload any
}

// sign computes the envelope signature: HMAC-SHA256 over the sequencing
// fields and payload, keyed with the link secret shared by the ledgers.
func sign(secret []byte, e *Envelope) string {
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%s|%d|%s|", e.Channel, e.Seq, e.Type)
	mac.Write(e.Payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// verifySignature reports whether the envelope signature is authentic.
func verifySignature(secret []byte, e *Envelope) bool {
	expected := sign(secret, e)
	return hmac.Equal([]byte(expected), []byte(e.Signature))
}
