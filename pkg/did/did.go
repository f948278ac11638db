// Package did provides parsing and validation for the did:health
// identifier scheme used by all three ledgers.
//
// Identifier format: did:health:[id]
//
// Examples:
//
//	did:health:patient-7f3a91
//	did:health:mercy-general-hospital
//
// The id segment is chosen by the registrant at registration time and is
// immutable once registered. Ownership proofs are checked by the consent
// ledger, not by this package.
package did

import (
	"fmt"
	"regexp"
	"strings"
)

const prefix = "did:health:"

// idPattern constrains the method-specific id: lowercase alphanumerics and
// single hyphen separators, 4–80 characters.
var idPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// DID is a parsed did:health identifier.
type DID struct {
	ID  string // method-specific id, e.g. "patient-7f3a91"
	raw string
}

// Parse parses a did:health identifier string.
func Parse(raw string) (*DID, error) {
	if !strings.HasPrefix(raw, prefix) {
		return nil, fmt.Errorf("identifier %q must start with %q", raw, prefix)
	}
	id := strings.TrimPrefix(raw, prefix)
	if len(id) < 4 || len(id) > 80 {
		return nil, fmt.Errorf("identifier id must be 4-80 characters, got %d", len(id))
	}
	if !idPattern.MatchString(id) {
		return nil, fmt.Errorf("identifier id %q contains invalid characters", id)
	}
	return &DID{ID: id, raw: raw}, nil
}

// Validate reports whether raw is a well-formed did:health identifier.
func Validate(raw string) error {
	_, err := Parse(raw)
	return err
}

// String returns the canonical string form.
func (d *DID) String() string { return d.raw }
