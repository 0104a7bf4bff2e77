package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/spons-match/internal/model"
	"github.com/sells-group/spons-match/internal/resilience"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seedCatalogue(t *testing.T, st *SQLiteStore) {
	t.Helper()
	ctx := context.Background()
	items := []model.CatalogueItem{
		{ItemCode: "F-100", Description: "Fire door closer overhaul", Unit: "NR", Trade: model.TradeFire, Rate: decimal.RequireFromString("85.50"), Tags: []string{"door"}},
		{ItemCode: "F-200", Description: "Fire door replacement", Unit: "NR", Trade: model.TradeFire, Rate: decimal.RequireFromString("640")},
		{ItemCode: "H-100", Description: "Ductwork cleaning", Unit: "M", Trade: model.TradeHVAC, Rate: decimal.RequireFromString("12.25")},
	}
	n, err := st.UpsertCatalogueItems(ctx, items)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	require.NoError(t, st.SetCatalogueEmbedding(ctx, "F-100", []float32{1, 0, 0}, items[0].ComputeContentHash()))
	require.NoError(t, st.SetCatalogueEmbedding(ctx, "F-200", []float32{0.8, 0.6, 0}, items[1].ComputeContentHash()))
	require.NoError(t, st.SetCatalogueEmbedding(ctx, "H-100", []float32{0, 1, 0}, items[2].ComputeContentHash()))
}

func newLineItem(t *testing.T, st *SQLiteStore, asset string) *model.LineItem {
	t.Helper()
	obs := model.Observation{AssetType: asset, Issue: "closer broken", Trade: model.TradeFire, Confidence: model.ConfidenceHigh}
	key, err := model.DedupKey("P1", obs, "transcript "+asset)
	require.NoError(t, err)
	li := &model.LineItem{ProjectID: "P1", TranscriptID: "T1", DedupKey: key, Observation: obs, Status: model.StatusCandidatesRetrieved}
	created, err := st.CreateLineItem(context.Background(), li)
	require.NoError(t, err)
	require.True(t, created)
	return li
}

// --- Catalogue ---

func TestSQLite_Catalogue_UpsertAndGet(t *testing.T) {
	st := newTestSQLiteStore(t)
	seedCatalogue(t, st)
	ctx := context.Background()

	it, err := st.GetCatalogueItem(ctx, "F-100")
	require.NoError(t, err)
	assert.Equal(t, "Fire door closer overhaul", it.Description)
	assert.Equal(t, model.TradeFire, it.Trade)
	assert.True(t, decimal.RequireFromString("85.5").Equal(it.Rate))
	assert.Equal(t, []string{"door"}, it.Tags)

	_, err = st.GetCatalogueItem(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	total, embedded, err := st.CountCatalogueItems(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, 3, embedded)
}

func TestSQLite_Catalogue_EmbeddingRefreshGate(t *testing.T) {
	st := newTestSQLiteStore(t)
	seedCatalogue(t, st)
	ctx := context.Background()

	stale, err := st.ListCatalogueItemsNeedingEmbedding(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, stale)

	// Changing the description changes the content hash.
	_, err = st.UpsertCatalogueItems(ctx, []model.CatalogueItem{
		{ItemCode: "H-100", Description: "Ductwork deep cleaning", Unit: "M", Trade: model.TradeHVAC},
	})
	require.NoError(t, err)

	stale, err = st.ListCatalogueItemsNeedingEmbedding(ctx, 0)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "H-100", stale[0].ItemCode)

	err = st.SetCatalogueEmbedding(ctx, "nope", []float32{1}, "h")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_SearchCatalogue(t *testing.T) {
	st := newTestSQLiteStore(t)
	seedCatalogue(t, st)
	ctx := context.Background()

	hits, err := st.SearchCatalogue(ctx, CatalogueQuery{Embedding: []float32{1, 0, 0}, Limit: 10})
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, "F-100", hits[0].Item.ItemCode)
	assert.InDelta(t, 0, hits[0].Distance, 1e-9)
	assert.Equal(t, "F-200", hits[1].Item.ItemCode)
	assert.InDelta(t, 0.2, hits[1].Distance, 1e-6)

	hits, err = st.SearchCatalogue(ctx, CatalogueQuery{Trade: model.TradeHVAC, Embedding: []float32{1, 0, 0}})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "H-100", hits[0].Item.ItemCode)

	hits, err = st.SearchCatalogue(ctx, CatalogueQuery{Units: []string{"m", "lm"}, Embedding: []float32{1, 0, 0}})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "H-100", hits[0].Item.ItemCode)

	hits, err = st.SearchCatalogue(ctx, CatalogueQuery{Embedding: []float32{1, 0, 0}, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	_, err = st.SearchCatalogue(ctx, CatalogueQuery{})
	assert.Error(t, err)
}

func TestSQLite_SearchCatalogue_TieBreakByCode(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	_, err := st.UpsertCatalogueItems(ctx, []model.CatalogueItem{
		{ItemCode: "B", Description: "b", Unit: "NR", Trade: model.TradeGeneral},
		{ItemCode: "A", Description: "a", Unit: "NR", Trade: model.TradeGeneral},
	})
	require.NoError(t, err)
	require.NoError(t, st.SetCatalogueEmbedding(ctx, "A", []float32{0, 1}, "x"))
	require.NoError(t, st.SetCatalogueEmbedding(ctx, "B", []float32{0, 1}, "y"))

	hits, err := st.SearchCatalogue(ctx, CatalogueQuery{Embedding: []float32{0, 1}})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "A", hits[0].Item.ItemCode)
	assert.Equal(t, "B", hits[1].Item.ItemCode)
}

// --- Line items ---

func TestSQLite_LineItem_DedupReturnsExisting(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	first := newLineItem(t, st, "fire door")

	dup := &model.LineItem{ProjectID: "P1", TranscriptID: "T1", DedupKey: first.DedupKey, Observation: first.Observation}
	created, err := st.CreateLineItem(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, dup.ID)

	items, err := st.ListLineItems(ctx, model.LineItemFilter{ProjectID: "P1"})
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestSQLite_LineItem_StatusTransitions(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	li := newLineItem(t, st, "fire door")

	require.NoError(t, st.UpdateLineItemStatus(ctx, li.ID, model.StatusCandidatesRetrieved, model.StatusQSReview))

	// QS_REVIEW -> UNMATCHED is not an edge.
	err := st.UpdateLineItemStatus(ctx, li.ID, model.StatusQSReview, model.StatusUnmatched)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	// Stale from-status.
	err = st.UpdateLineItemStatus(ctx, li.ID, model.StatusCandidatesRetrieved, model.StatusMatched)
	assert.ErrorIs(t, err, ErrStaleStatus)

	err = st.UpdateLineItemStatus(ctx, "missing", model.StatusQSReview, model.StatusRefined)
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := st.GetLineItem(ctx, li.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusQSReview, got.Status)

	counts, err := st.CountLineItemsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[model.StatusQSReview])
}

func TestSQLite_Transition_WritesStatusAndAudit(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	li := newLineItem(t, st, "fire door")

	entry := &model.AuditEntry{LineItemID: li.ID, Event: model.EventFlagged, Actor: model.SelectedByAgent, Payload: map[string]any{"confidence": 0.6}}
	require.NoError(t, st.Transition(ctx, li.ID, model.StatusCandidatesRetrieved, model.StatusQSReview, entry))

	got, err := st.GetLineItem(ctx, li.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusQSReview, got.Status)
	entries, err := st.ListAudit(ctx, li.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.EventFlagged, entries[0].Event)
}

func TestSQLite_Transition_StaleWritesNothing(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	li := newLineItem(t, st, "fire door")

	entry := &model.AuditEntry{LineItemID: li.ID, Event: model.EventUnmatched, Actor: model.SelectedByAgent, Payload: map[string]any{}}
	err := st.Transition(ctx, li.ID, model.StatusRefined, model.StatusUnmatched, entry)
	assert.ErrorIs(t, err, ErrStaleStatus)

	got, err := st.GetLineItem(ctx, li.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCandidatesRetrieved, got.Status)
	entries, err := st.ListAudit(ctx, li.ID)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSQLite_Transition_AuditFailureKeepsStatus(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	li := newLineItem(t, st, "fire door")

	first := &model.AuditEntry{LineItemID: li.ID, Event: model.EventCandidatesRetrieved, Actor: model.SelectedByAgent}
	require.NoError(t, st.AppendAudit(ctx, first))

	// Reusing an audit id fails the insert after the status update.
	entry := &model.AuditEntry{ID: first.ID, LineItemID: li.ID, Event: model.EventFlagged, Actor: model.SelectedByAgent}
	err := st.Transition(ctx, li.ID, model.StatusCandidatesRetrieved, model.StatusQSReview, entry)
	require.Error(t, err)

	got, err := st.GetLineItem(ctx, li.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCandidatesRetrieved, got.Status)
	entries, err := st.ListAudit(ctx, li.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSQLite_LineItem_SaveRefinement(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	li := newLineItem(t, st, "fire door")

	refined := model.FallbackRefinement(li.Observation)
	require.NoError(t, st.SaveRefinement(ctx, li.ID, refined))

	got, err := st.GetLineItem(ctx, li.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Refined)
	assert.Equal(t, refined.QSDescription, got.Refined.QSDescription)
	assert.Equal(t, model.RefinedByFallback, got.Refined.Source)

	assert.ErrorIs(t, st.SaveRefinement(ctx, "missing", refined), ErrNotFound)
}

func TestSQLite_ListLineItems_Filters(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	a := newLineItem(t, st, "fire door")
	newLineItem(t, st, "ahu")
	require.NoError(t, st.UpdateLineItemStatus(ctx, a.ID, model.StatusCandidatesRetrieved, model.StatusQSReview))

	items, err := st.ListLineItems(ctx, model.LineItemFilter{Status: model.StatusQSReview})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, a.ID, items[0].ID)

	items, err = st.ListLineItems(ctx, model.LineItemFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Len(t, items, 1)

	items, err = st.ListLineItems(ctx, model.LineItemFilter{ProjectID: "other"})
	require.NoError(t, err)
	assert.Empty(t, items)
}

// --- Matches ---

func candidatesFor(codes ...string) []model.Candidate {
	out := make([]model.Candidate, len(codes))
	for i, c := range codes {
		out[i] = model.Candidate{Item: model.CatalogueItem{ItemCode: c}, Rank: i + 1, Distance: 0.1 * float64(i+1), SimilarityScore: 1 - 0.1*float64(i+1), UnitMatches: true, TradeMatches: true}
	}
	return out
}

func TestSQLite_Candidates_ReplaceAndList(t *testing.T) {
	st := newTestSQLiteStore(t)
	seedCatalogue(t, st)
	ctx := context.Background()
	li := newLineItem(t, st, "fire door")

	cands := candidatesFor("F-100", "F-200")
	require.NoError(t, st.ReplaceCandidates(ctx, li.ID, cands))
	assert.NotEmpty(t, cands[0].ID)

	got, err := st.ListCandidates(ctx, li.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "F-100", got[0].Item.ItemCode)
	assert.Equal(t, "Fire door closer overhaul", got[0].Item.Description)
	assert.True(t, got[0].UnitMatches)
	assert.False(t, got[0].IsSelected)

	// A second retrieval replaces the set.
	require.NoError(t, st.ReplaceCandidates(ctx, li.ID, candidatesFor("F-200")))
	got, err = st.ListCandidates(ctx, li.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "F-200", got[0].Item.ItemCode)
}

func TestSQLite_ListCandidates_CorruptCatalogueRow(t *testing.T) {
	st := newTestSQLiteStore(t)
	seedCatalogue(t, st)
	ctx := context.Background()
	li := newLineItem(t, st, "fire door")
	require.NoError(t, st.ReplaceCandidates(ctx, li.ID, candidatesFor("F-100")))

	_, err := st.db.ExecContext(ctx, `UPDATE catalogue_items SET tags = 'not-json' WHERE item_code = 'F-100'`)
	require.NoError(t, err)
	_, err = st.ListCandidates(ctx, li.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unmarshal tags for F-100")

	_, err = st.db.ExecContext(ctx, `UPDATE catalogue_items SET tags = '[]', rate = 'abc' WHERE item_code = 'F-100'`)
	require.NoError(t, err)
	_, err = st.ListCandidates(ctx, li.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse rate")
}

func TestSQLite_CommitSelection(t *testing.T) {
	st := newTestSQLiteStore(t)
	seedCatalogue(t, st)
	ctx := context.Background()
	li := newLineItem(t, st, "fire door")
	cands := candidatesFor("F-100", "F-200")
	require.NoError(t, st.ReplaceCandidates(ctx, li.ID, cands))

	err := st.CommitSelection(ctx, Selection{
		LineItemID:  li.ID,
		CandidateID: cands[0].ID,
		SelectedBy:  model.SelectedByAgent,
		From:        model.StatusCandidatesRetrieved,
		To:          model.StatusMatched,
		Audit: &model.AuditEntry{
			LineItemID: li.ID,
			Event:      model.EventSelected,
			Actor:      model.SelectedByAgent,
			Payload:    map[string]any{"item_code": "F-100", "verification": map[string]any{"verified": true}},
		},
	})
	require.NoError(t, err)

	got, err := st.GetLineItem(ctx, li.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusMatched, got.Status)
	assert.Equal(t, "F-100", got.SelectedItemCode)

	// Human re-override moves the single selected flag.
	require.NoError(t, st.CommitSelection(ctx, Selection{
		LineItemID:  li.ID,
		CandidateID: cands[1].ID,
		SelectedBy:  model.HumanActor("sam"),
		From:        model.StatusMatched,
		To:          model.StatusMatched,
	}))

	list, err := st.ListCandidates(ctx, li.ID)
	require.NoError(t, err)
	selected := 0
	for _, c := range list {
		if c.IsSelected {
			selected++
			assert.Equal(t, "F-200", c.Item.ItemCode)
			assert.Equal(t, "human:sam", c.SelectedBy)
		}
	}
	assert.Equal(t, 1, selected)

	audit, err := st.ListAudit(ctx, li.ID)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	ok, err := audit[0].VerifyDigest()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSQLite_CommitSelection_RejectsForeignCandidate(t *testing.T) {
	st := newTestSQLiteStore(t)
	seedCatalogue(t, st)
	ctx := context.Background()
	a := newLineItem(t, st, "fire door")
	b := newLineItem(t, st, "ahu")
	candsB := candidatesFor("H-100")
	require.NoError(t, st.ReplaceCandidates(ctx, a.ID, candidatesFor("F-100")))
	require.NoError(t, st.ReplaceCandidates(ctx, b.ID, candsB))

	err := st.CommitSelection(ctx, Selection{
		LineItemID: a.ID, CandidateID: candsB[0].ID, SelectedBy: model.SelectedByAgent,
		From: model.StatusCandidatesRetrieved, To: model.StatusMatched,
	})
	assert.ErrorIs(t, err, ErrNotCandidate)

	got, err := st.GetLineItem(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCandidatesRetrieved, got.Status)
}

func TestSQLite_CommitSelection_ConcurrentSingleWinner(t *testing.T) {
	st := newTestSQLiteStore(t)
	seedCatalogue(t, st)
	ctx := context.Background()
	li := newLineItem(t, st, "fire door")
	cands := candidatesFor("F-100", "F-200")
	require.NoError(t, st.ReplaceCandidates(ctx, li.ID, cands))

	var wg sync.WaitGroup
	errs := make([]error, len(cands))
	for i := range cands {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = st.CommitSelection(ctx, Selection{
				LineItemID: li.ID, CandidateID: cands[i].ID, SelectedBy: model.SelectedByAgent,
				From: model.StatusCandidatesRetrieved, To: model.StatusMatched,
			})
		}(i)
	}
	wg.Wait()

	list, err := st.ListCandidates(ctx, li.ID)
	require.NoError(t, err)
	selected := 0
	for _, c := range list {
		if c.IsSelected {
			selected++
		}
	}
	assert.Equal(t, 1, selected)
	assert.True(t, errs[0] == nil || errs[1] == nil)
}

func TestSQLite_SuggestCandidate(t *testing.T) {
	st := newTestSQLiteStore(t)
	seedCatalogue(t, st)
	ctx := context.Background()
	li := newLineItem(t, st, "fire door")
	cands := candidatesFor("F-100", "F-200")
	require.NoError(t, st.ReplaceCandidates(ctx, li.ID, cands))

	require.NoError(t, st.SuggestCandidate(ctx, li.ID, cands[1].ID))
	list, err := st.ListCandidates(ctx, li.ID)
	require.NoError(t, err)
	assert.False(t, list[0].IsSuggested)
	assert.True(t, list[1].IsSuggested)
	assert.False(t, list[1].IsSelected)

	assert.ErrorIs(t, st.SuggestCandidate(ctx, li.ID, "nope"), ErrNotCandidate)
}

// --- Audit ---

func TestSQLite_Audit_AppendOrdered(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	li := newLineItem(t, st, "fire door")

	for _, ev := range []model.AuditEvent{model.EventCandidatesRetrieved, model.EventFlagged} {
		e := &model.AuditEntry{LineItemID: li.ID, Event: ev, Actor: model.SelectedByAgent, Payload: map[string]any{"n": 1}}
		require.NoError(t, st.AppendAudit(ctx, e))
		assert.NotEmpty(t, e.ID)
		assert.NotEmpty(t, e.Digest)
	}

	entries, err := st.ListAudit(ctx, li.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, model.EventCandidatesRetrieved, entries[0].Event)
	assert.Equal(t, model.EventFlagged, entries[1].Event)
	assert.InDelta(t, 1, entries[0].Payload["n"], 0)
}

// --- Dead-letter queue ---

func TestSQLite_DLQ_Lifecycle(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	due := newLineItem(t, st, "fire door")
	later := newLineItem(t, st, "ahu")

	require.NoError(t, st.EnqueueDLQ(ctx, resilience.DLQEntry{
		LineItemID: due.ID, ProjectID: "P1", Error: "embed: 503",
		ErrorType: resilience.ErrorTypeTransient, NextRetryAt: time.Now().Add(-time.Minute),
	}))
	require.NoError(t, st.EnqueueDLQ(ctx, resilience.DLQEntry{
		LineItemID: later.ID, ProjectID: "P1", Error: "bad schema",
		ErrorType: resilience.ErrorTypePermanent, NextRetryAt: time.Now().Add(time.Hour),
	}))

	n, err := st.CountDLQ(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	entries, err := st.DequeueDLQ(ctx, resilience.DLQFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, due.ID, entries[0].LineItemID)
	assert.Equal(t, resilience.DefaultDLQMaxRetries, entries[0].MaxRetries)

	entries, err = st.DequeueDLQ(ctx, resilience.DLQFilter{ErrorType: resilience.ErrorTypePermanent})
	require.NoError(t, err)
	assert.Empty(t, entries)

	require.NoError(t, st.IncrementDLQRetry(ctx, due.ID, time.Now().Add(-time.Second), "embed: 502"))
	entries, err = st.DequeueDLQ(ctx, resilience.DLQFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].RetryCount)
	assert.Equal(t, "embed: 502", entries[0].Error)

	// Re-enqueueing keeps the retry count.
	require.NoError(t, st.EnqueueDLQ(ctx, resilience.DLQEntry{
		LineItemID: due.ID, ProjectID: "P1", Error: "embed: 504",
		ErrorType: resilience.ErrorTypeTransient, NextRetryAt: time.Now().Add(-time.Second),
	}))
	entries, err = st.DequeueDLQ(ctx, resilience.DLQFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].RetryCount)

	require.NoError(t, st.RemoveDLQ(ctx, due.ID))
	n, err = st.CountDLQ(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	err = st.IncrementDLQRetry(ctx, due.ID, time.Now(), "gone")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_DLQ_ExhaustedNotDequeued(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	li := newLineItem(t, st, "fire door")

	require.NoError(t, st.EnqueueDLQ(ctx, resilience.DLQEntry{
		LineItemID: li.ID, ProjectID: "P1", Error: "boom", ErrorType: resilience.ErrorTypeTransient,
		RetryCount: 1, MaxRetries: 1, NextRetryAt: time.Now().Add(-time.Minute),
	}))
	entries, err := st.DequeueDLQ(ctx, resilience.DLQFilter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}
