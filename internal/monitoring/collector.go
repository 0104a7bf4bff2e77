// Package monitoring collects matching-health metrics and raises webhook
// alerts when review or unmatched rates drift, the catalogue falls behind
// on embeddings, or an external service's breaker opens.
package monitoring

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/spons-match/internal/model"
	"github.com/sells-group/spons-match/internal/resilience"
)

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	// Line item distribution.
	StatusCounts  map[model.Status]int `json:"status_counts"`
	LineItems     int                  `json:"line_items"`
	Matched       int                  `json:"matched"`
	QSReview      int                  `json:"qs_review"`
	Unmatched     int                  `json:"unmatched"`
	InFlight      int                  `json:"in_flight"`
	ReviewRate    float64              `json:"review_rate"`
	UnmatchedRate float64              `json:"unmatched_rate"`

	// Catalogue coverage.
	CatalogueTotal    int `json:"catalogue_total"`
	CatalogueEmbedded int `json:"catalogue_embedded"`

	// Line items waiting in the dead-letter queue.
	DLQDepth int `json:"dlq_depth"`

	// External services.
	Breakers     map[string]string `json:"breakers,omitempty"`
	OpenBreakers []string          `json:"open_breakers,omitempty"`

	CollectedAt time.Time `json:"collected_at"`
}

// Finished is the number of line items in a terminal status.
func (s *MetricsSnapshot) Finished() int {
	return s.Matched + s.QSReview + s.Unmatched
}

// StatsStore is the slice of the store the collector reads.
type StatsStore interface {
	CountLineItemsByStatus(ctx context.Context) (map[model.Status]int, error)
	CountCatalogueItems(ctx context.Context) (total, embedded int, err error)
	CountDLQ(ctx context.Context) (int, error)
}

// BreakerSource reports circuit breaker states by service name.
type BreakerSource interface {
	States() map[string]resilience.CircuitState
}

// Collector gathers metrics from the store and breaker registry.
type Collector struct {
	store    StatsStore
	breakers BreakerSource
}

// NewCollector creates a new metrics collector. breakers may be nil.
func NewCollector(st StatsStore, breakers BreakerSource) *Collector {
	return &Collector{store: st, breakers: breakers}
}

// Collect gathers a snapshot of system metrics.
func (c *Collector) Collect(ctx context.Context) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{CollectedAt: time.Now().UTC()}

	counts, err := c.store.CountLineItemsByStatus(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count line items")
	}
	snap.StatusCounts = counts
	for status, n := range counts {
		snap.LineItems += n
		switch status {
		case model.StatusMatched:
			snap.Matched += n
		case model.StatusQSReview:
			snap.QSReview += n
		case model.StatusUnmatched:
			snap.Unmatched += n
		default:
			snap.InFlight += n
		}
	}
	if finished := snap.Finished(); finished > 0 {
		snap.ReviewRate = float64(snap.QSReview) / float64(finished)
		snap.UnmatchedRate = float64(snap.Unmatched) / float64(finished)
	}

	total, embedded, err := c.store.CountCatalogueItems(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count catalogue")
	}
	snap.CatalogueTotal = total
	snap.CatalogueEmbedded = embedded

	dlqCount, err := c.store.CountDLQ(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count dlq")
	}
	snap.DLQDepth = dlqCount

	if c.breakers != nil {
		states := c.breakers.States()
		snap.Breakers = make(map[string]string, len(states))
		for name, state := range states {
			snap.Breakers[name] = state.String()
			if state == resilience.CircuitOpen {
				snap.OpenBreakers = append(snap.OpenBreakers, name)
			}
		}
		sort.Strings(snap.OpenBreakers)
	}

	return snap, nil
}
