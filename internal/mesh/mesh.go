// Package mesh assembles the three ledgers and the messenger into one
// substrate. Each ledger keeps its own audit trail and talks to its peers
// only through the bus; the mesh dispatches operation effects and drives
// delivery and the timeout sweep.
package mesh

import (
	"context"
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/medchain-labs/healthmesh/internal/attest"
	"github.com/medchain-labs/healthmesh/internal/auditlog"
	"github.com/medchain-labs/healthmesh/internal/clock"
	"github.com/medchain-labs/healthmesh/internal/consent"
	"github.com/medchain-labs/healthmesh/internal/market"
	"github.com/medchain-labs/healthmesh/internal/messenger"
	"github.com/medchain-labs/healthmesh/internal/record"
	"github.com/medchain-labs/healthmesh/internal/reputation"
	"go.uber.org/zap"
)

// attestationIssuer names the consent ledger in attestation "iss" claims.
const attestationIssuer = "healthmesh-consent-ledger"

// Config holds mesh assembly parameters.
type Config struct {
	// LinkSecret signs inter-ledger envelopes. All ledgers on one mesh
	// share it.
	LinkSecret []byte
	// AttestationKey signs consent attestations. Generated when nil.
	AttestationKey *rsa.PrivateKey

	Consent consent.Config
	Market  market.Config
}

// Audits carries one audit trail per ledger.
type Audits struct {
	Consent auditlog.Ledger
	Record  auditlog.Ledger
	Market  auditlog.Ledger
}

// Mesh is the assembled substrate.
type Mesh struct {
	Consent    *consent.Ledger
	Record     *record.Ledger
	Market     *market.Ledger
	Reputation *reputation.Book
	Bus        *messenger.Bus
	Audits     Audits

	clock  clock.Clock
	logger *zap.Logger
}

// New wires the ledgers onto a shared bus.
func New(cfg Config, clk clock.Clock, audits Audits, cache record.DecisionCache, logger *zap.Logger) (*Mesh, error) {
	if len(cfg.LinkSecret) == 0 {
		return nil, fmt.Errorf("mesh: link secret is required")
	}

	key := cfg.AttestationKey
	if key == nil {
		var err error
		key, err = attest.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("mesh: %w", err)
		}
	}
	signer := attest.NewSigner(key, attestationIssuer)
	verifier := attest.NewVerifier(signer.PublicKey(), attestationIssuer)

	bus := messenger.NewBus(cfg.LinkSecret, logger.Named("bus"))
	cons := consent.New(cfg.Consent, clk, signer, audits.Consent, logger.Named("consent"))
	rec := record.New(clk, verifier, audits.Record, cache, logger.Named("record"))
	mkt := market.New(cfg.Market, clk, audits.Market, logger.Named("market"))

	bus.Route(messenger.ChMarketToConsent, cons)
	bus.Route(messenger.ChRecordToConsent, cons)
	bus.Route(messenger.ChMarketToRecord, rec)
	bus.Route(messenger.ChConsentToRecord, rec)
	bus.Route(messenger.ChConsentToMarket, mkt)
	bus.Route(messenger.ChRecordToMarket, mkt)

	return &Mesh{
		Consent:    cons,
		Record:     rec,
		Market:     mkt,
		Reputation: reputation.NewBook(clk, mkt, logger.Named("reputation")),
		Bus:        bus,
		Audits:     audits,
		clock:      clk,
		logger:     logger,
	}, nil
}

// Now reads the substrate clock.
func (m *Mesh) Now() time.Time {
	return m.clock.Now()
}

// Dispatch enqueues operation effects on the bus without delivering them.
func (m *Mesh) Dispatch(outs []messenger.Outbound) error {
	for _, out := range outs {
		if _, err := m.Bus.Send(out.Channel, out.Type, out.Payload); err != nil {
			return fmt.Errorf("dispatch to %s: %w", out.Channel, err)
		}
	}
	return nil
}

// Run delivers every enqueued message, including messages produced by the
// deliveries themselves, until the mesh is quiescent.
func (m *Mesh) Run(ctx context.Context) error {
	return m.Bus.DeliverAll(ctx)
}

// Tick runs the marketplace timeout sweep and returns the refunded deals.
func (m *Mesh) Tick(ctx context.Context) []string {
	return m.Market.Tick(ctx)
}

// PurchaseListing opens an escrow deal and enqueues its consent query.
func (m *Mesh) PurchaseListing(ctx context.Context, listingID, buyerDID string) (*market.EscrowDeal, error) {
	deal, outs, err := m.Market.PurchaseListing(ctx, listingID, buyerDID)
	if err != nil {
		return nil, err
	}
	if err := m.Dispatch(outs); err != nil {
		return nil, err
	}
	return deal, nil
}

// RevokeConsent revokes a consent and enqueues the revocation notices.
func (m *Mesh) RevokeConsent(ctx context.Context, consentID, callerDID string) error {
	outs, err := m.Consent.RevokeConsent(ctx, consentID, callerDID)
	if err != nil {
		return err
	}
	return m.Dispatch(outs)
}
