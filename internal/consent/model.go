package consent

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// Role is a participant's function in the ecosystem.
type Role string

const (
	// RolePatient owns medical data and grants consent over it.
	RolePatient Role = "patient"
	// RoleResearcher consumes data under consent.
	RoleResearcher Role = "researcher"
	// RoleInstitution is a healthcare provider or research institution.
	RoleInstitution Role = "institution"
	// RoleAuditor performs compliance oversight; read-only.
	RoleAuditor Role = "auditor"
)

// ValidRole reports whether r is a known role.
func ValidRole(r Role) bool {
	switch r {
	case RolePatient, RoleResearcher, RoleInstitution, RoleAuditor:
		return true
	}
	return false
}

// IdentityState is the lifecycle state of a registered identity.
type IdentityState string

const (
	IdentityActive    IdentityState = "active"
	IdentitySuspended IdentityState = "suspended"
)

// Identity is a registered participant. The DID is immutable once created;
// only the owning consent ledger may mutate the rest.
type Identity struct {
	DID          string        `json:"did"`
	Role         Role          `json:"role"`
	State        IdentityState `json:"state"`
	RegisteredAt time.Time     `json:"registered_at"`
}

// DataType classifies health data covered by a consent.
type DataType string

const (
	DataAll           DataType = "all"
	DataLabResults    DataType = "lab_results"
	DataImaging       DataType = "imaging"
	DataPrescriptions DataType = "prescriptions"
	DataDiagnosis     DataType = "diagnosis"
	DataGenomic       DataType = "genomic"
	DataVitals        DataType = "vitals"
	DataDemographics  DataType = "demographics"
)

// Purpose is the declared reason for data access.
type Purpose string

const (
	PurposeResearch        Purpose = "research"
	PurposeClinicalTrial   Purpose = "clinical_trial"
	PurposeTreatment       Purpose = "treatment"
	PurposeDrugDevelopment Purpose = "drug_development"
	PurposePublicHealth    Purpose = "public_health"
	PurposeMachineLearning Purpose = "machine_learning"
	PurposeOther           Purpose = "other"
)

// Status is the derived state of a consent at a point in time. It is
// computed from expires_at, revoked_at, and the query instant; there is no
// hidden state.
type Status string

const (
	StatusActive   Status = "active"
	StatusExpired  Status = "expired"
	StatusRevoked  Status = "revoked"
	StatusNotFound Status = "not_found"
)

// Consent is a grant of access from a subject (patient) to a consumer.
// Consents are never deleted, only marked inactive, preserving audit
// history. Revocation is irreversible.
type Consent struct {
	ConsentID    string     `json:"consent_id"`
	SubjectDID   string     `json:"subject_did"`
	ConsumerDID  string     `json:"consumer_did"`
	Purpose      Purpose    `json:"purpose"`
	DataTypes    []DataType `json:"data_types"`
	GrantedAt    time.Time  `json:"granted_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
	TermsHash    string     `json:"terms_hash"`
	AccessCount  int        `json:"access_count"`
	LastAccessed *time.Time `json:"last_accessed,omitempty"`
}

// StatusAt derives the consent status at the given instant.
func (c *Consent) StatusAt(at time.Time) Status {
	if c == nil {
		return StatusNotFound
	}
	if c.RevokedAt != nil && !at.Before(*c.RevokedAt) {
		return StatusRevoked
	}
	if at.After(c.ExpiresAt) {
		return StatusExpired
	}
	return StatusActive
}

// Covers reports whether the consent's data types include dt.
func (c *Consent) Covers(dt DataType) bool {
	for _, t := range c.DataTypes {
		if t == DataAll || t == dt {
			return true
		}
	}
	return false
}

// Ledger errors. Validation failures are rejected before any state
// mutation; state conflicts are idempotent-safe where noted.
var (
	ErrDuplicateIdentity = errors.New("identity already registered for this did")
	ErrInvalidProof      = errors.New("registration proof does not match did and role")
	ErrUnknownIdentity   = errors.New("did is not registered")
	ErrIdentitySuspended = errors.New("identity is suspended")
	ErrInvalidSubject    = errors.New("consent subject must be an active patient")
	ErrInvalidConsumer   = errors.New("consent consumer must be a researcher or institution")
	ErrInvalidTTL        = errors.New("consent ttl must be positive")
	ErrNoDataTypes       = errors.New("consent must cover at least one data type")
	ErrConsentNotFound   = errors.New("consent not found")
	ErrNotOwner          = errors.New("only the consent subject may revoke")
	ErrAlreadyRevoked    = errors.New("consent already revoked")
	ErrConsentNotActive  = errors.New("consent is not active")
)

// RegistrationProof computes the expected proof value binding a DID to the
// role it registers under. The concrete cryptographic suite is the
// substrate's concern; this binding only ensures the registration payload
// was constructed for exactly this (did, role) pair.
func RegistrationProof(didStr string, role Role) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s", didStr, role)))
	return hex.EncodeToString(h[:])
}
