// Package store persists the SPONS catalogue, survey line items, candidate
// match rows, the append-only audit log and the dead-letter queue.
package store

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/spons-match/internal/model"
	"github.com/sells-group/spons-match/internal/resilience"
)

var (
	// ErrNotFound is returned when a catalogue item or line item does not exist.
	ErrNotFound = eris.New("store: not found")
	// ErrNotCandidate is returned when a selection names a row outside the
	// line item's candidate set.
	ErrNotCandidate = eris.New("store: not a candidate for line item")
	// ErrStaleStatus is returned when a status update loses a race with
	// another writer.
	ErrStaleStatus = eris.New("store: line item status changed concurrently")
)

// CatalogueQuery bounds a vector search over the catalogue. An empty Trade
// disables the trade filter; empty Units disables the unit filter.
type CatalogueQuery struct {
	Trade     model.Trade
	Units     []string
	Embedding []float32
	Limit     int
}

// CatalogueHit is one ranked search result.
type CatalogueHit struct {
	Item     model.CatalogueItem
	Distance float64 // cosine distance, 0 = identical
}

// Selection atomically marks one candidate as the line item's chosen row,
// moves the line item to its new status and appends the audit entry.
type Selection struct {
	LineItemID  string
	CandidateID string
	SelectedBy  string
	From        model.Status
	To          model.Status
	Audit       *model.AuditEntry
}

// Store defines the persistence interface for the matching pipeline.
type Store interface {
	// Catalogue
	UpsertCatalogueItems(ctx context.Context, items []model.CatalogueItem) (int64, error)
	GetCatalogueItem(ctx context.Context, itemCode string) (*model.CatalogueItem, error)
	ListCatalogueItemsNeedingEmbedding(ctx context.Context, limit int) ([]model.CatalogueItem, error)
	SetCatalogueEmbedding(ctx context.Context, itemCode string, embedding []float32, contentHash string) error
	SearchCatalogue(ctx context.Context, q CatalogueQuery) ([]CatalogueHit, error)
	CountCatalogueItems(ctx context.Context) (total, embedded int, err error)

	// Line items
	CreateLineItem(ctx context.Context, item *model.LineItem) (created bool, err error)
	GetLineItem(ctx context.Context, id string) (*model.LineItem, error)
	ListLineItems(ctx context.Context, filter model.LineItemFilter) ([]model.LineItem, error)
	UpdateLineItemStatus(ctx context.Context, id string, from, to model.Status) error
	// Transition moves a line item from one status to another and appends
	// entry in the same transaction, so neither persists without the other.
	Transition(ctx context.Context, id string, from, to model.Status, entry *model.AuditEntry) error
	SaveRefinement(ctx context.Context, id string, refined model.RefinedObservation) error
	CountLineItemsByStatus(ctx context.Context) (map[model.Status]int, error)

	// Matches
	ReplaceCandidates(ctx context.Context, lineItemID string, candidates []model.Candidate) error
	ListCandidates(ctx context.Context, lineItemID string) ([]model.Candidate, error)
	CommitSelection(ctx context.Context, sel Selection) error
	SuggestCandidate(ctx context.Context, lineItemID, candidateID string) error

	// Audit
	AppendAudit(ctx context.Context, entry *model.AuditEntry) error
	ListAudit(ctx context.Context, lineItemID string) ([]model.AuditEntry, error)

	// Dead-letter queue
	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
	DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	IncrementDLQRetry(ctx context.Context, lineItemID string, nextRetryAt time.Time, lastErr string) error
	RemoveDLQ(ctx context.Context, lineItemID string) error
	CountDLQ(ctx context.Context) (int, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

func defaultLimit(n, def int) int {
	if n <= 0 {
		return def
	}
	return n
}

// cosineDistance is 1 - cosine similarity; mismatched or zero vectors are
// maximally distant.
func cosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 2
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 2
	}
	return 1 - dot/(math.Sqrt(normA)*math.Sqrt(normB))
}

// sortHits orders hits by distance then item code so that equal scores
// rank deterministically.
func sortHits(hits []CatalogueHit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Distance != hits[j].Distance {
			return hits[i].Distance < hits[j].Distance
		}
		return hits[i].Item.ItemCode < hits[j].Item.ItemCode
	})
}

// scannable is satisfied by pgx.Row, pgx.Rows, *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
