// Package clock abstracts the substrate-supplied time source.
//
// Ledger state machines never read wall-clock time directly; every
// time-dependent decision (consent expiry, attestation windows, deal
// deadlines) flows through a Clock so that replays are deterministic.
package clock

import (
	"sync"
	"time"
)

// Clock supplies a monotonically non-decreasing now().
type Clock interface {
	Now() time.Time
}

// System is the production clock backed by time.Now in UTC.
type System struct{}

// Now implements Clock.
func (System) Now() time.Time { return time.Now().UTC() }

// Manual is a hand-advanced clock for deterministic tests.
// It never moves backwards: Set to an earlier time is ignored.
type Manual struct {
	mu sync.Mutex
	t  time.Time
}

// NewManual creates a Manual clock starting at t.
func NewManual(t time.Time) *Manual {
	return &Manual{t: t.UTC()}
}

// Now implements Clock.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.t
}

// Advance moves the clock forward by d. Negative durations are ignored.
func (m *Manual) Advance(d time.Duration) {
	if d < 0 {
		return
	}
	m.mu.Lock()
	m.t = m.t.Add(d)
	m.mu.Unlock()
}

// Set moves the clock to t if t is not earlier than the current time.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	if t.After(m.t) {
		m.t = t.UTC()
	}
	m.mu.Unlock()
}
