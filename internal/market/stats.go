package market

import "time"

// ListingStats aggregates browse and purchase activity for one listing.
// Views are counted when a listing is read through the public catalog;
// purchases are counted at settlement, so abandoned and refunded deals
// never inflate the conversion rate.
type ListingStats struct {
	ListingID      string     `json:"listing_id"`
	TotalViews     int64      `json:"total_views"`
	TotalPurchases int64      `json:"total_purchases"`
	ConversionPct  int64      `json:"conversion_pct"`
	LastViewedAt   *time.Time `json:"last_viewed_at,omitempty"`
}

// RecordListingView counts one catalog read of a listing.
func (l *Ledger) RecordListingView(listingID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.listings[listingID]; !ok {
		return ErrListingNotFound
	}
	st := l.statsLocked(listingID)
	st.TotalViews++
	now := l.clock.Now()
	st.LastViewedAt = &now
	st.recompute()
	return nil
}

// ListingStatsFor returns a copy of a listing's activity counters. A
// listing that exists but was never viewed or sold reports zeros.
func (l *Ledger) ListingStatsFor(listingID string) (*ListingStats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.listings[listingID]; !ok {
		return nil, ErrListingNotFound
	}
	st := *l.statsLocked(listingID)
	if st.LastViewedAt != nil {
		at := *st.LastViewedAt
		st.LastViewedAt = &at
	}
	return &st, nil
}

// statsLocked lazily creates the stats row for a listing. Caller holds l.mu.
func (l *Ledger) statsLocked(listingID string) *ListingStats {
	st, ok := l.stats[listingID]
	if !ok {
		st = &ListingStats{ListingID: listingID}
		l.stats[listingID] = st
	}
	return st
}

// recordPurchaseLocked counts one settled purchase. Caller holds l.mu.
func (l *Ledger) recordPurchaseLocked(listingID string) {
	st := l.statsLocked(listingID)
	st.TotalPurchases++
	st.recompute()
}

// recompute derives the conversion rate, in whole percent, truncated.
func (s *ListingStats) recompute() {
	if s.TotalViews == 0 {
		s.ConversionPct = 0
		return
	}
	s.ConversionPct = s.TotalPurchases * 100 / s.TotalViews
}
