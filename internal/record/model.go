package record

import (
	"errors"
	"time"
)

// Record anchors an off-ledger health data object. The ledger stores only
// the pointer and key reference; the data itself never touches the ledger.
type Record struct {
	Pointer      string     `json:"pointer"`
	OwnerDID     string     `json:"owner_did"`
	DataType     string     `json:"data_type"`
	KeyRef       string     `json:"key_ref,omitempty"`
	AnchoredAt   time.Time  `json:"anchored_at"`
	KeyRotatedAt *time.Time `json:"key_rotated_at,omitempty"`
}

// AccessGrant is the durable proof that a consumer passed both access
// guards for a record. Grants expire with the attestation that earned them
// and are voided when the underlying consent is revoked.
type AccessGrant struct {
	GrantID               string     `json:"grant_id"`
	Pointer               string     `json:"pointer"`
	ConsumerDID           string     `json:"consumer_did"`
	ConsentID             string     `json:"consent_id"`
	AttestationValidUntil time.Time  `json:"attestation_valid_until"`
	IssuedAt              time.Time  `json:"issued_at"`
	VoidedAt              *time.Time `json:"voided_at,omitempty"`
}

// ActiveAt reports whether the grant confers access at the given instant.
func (g *AccessGrant) ActiveAt(at time.Time) bool {
	if g == nil || g.VoidedAt != nil {
		return false
	}
	return !at.After(g.AttestationValidUntil)
}

var (
	ErrDuplicatePointer   = errors.New("record pointer already anchored")
	ErrRecordNotFound     = errors.New("record not found")
	ErrNotOwner           = errors.New("caller does not own the record")
	ErrGrantNotFound      = errors.New("access grant not found")
	ErrNotGrantee         = errors.New("caller is not the grantee")
	ErrGrantExpired       = errors.New("access grant expired")
	ErrAttestationInvalid = errors.New("attestation failed verification")
	ErrAttestationExpired = errors.New("attestation expired")
	ErrDataTypeNotCovered = errors.New("record data type not covered by attestation")
)
