package pipeline

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/spons-match/internal/model"
	"github.com/sells-group/spons-match/internal/store"
	"github.com/sells-group/spons-match/pkg/anthropic"
)

// --- Anthropic Mock ---

type mockAnthropicClient struct {
	mock.Mock
}

func (m *mockAnthropicClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

func (m *mockAnthropicClient) CreateBatch(ctx context.Context, req anthropic.BatchRequest) (*anthropic.BatchResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.BatchResponse), args.Error(1)
}

func (m *mockAnthropicClient) GetBatch(ctx context.Context, batchID string) (*anthropic.BatchResponse, error) {
	args := m.Called(ctx, batchID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.BatchResponse), args.Error(1)
}

func (m *mockAnthropicClient) GetBatchResults(ctx context.Context, batchID string) (anthropic.BatchResultIterator, error) {
	args := m.Called(ctx, batchID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(anthropic.BatchResultIterator), args.Error(1)
}

// onStage matches CreateMessage calls whose system prompt is prompt.
func onStage(m *mockAnthropicClient, prompt string) *mock.Call {
	return m.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return len(req.System) > 0 && req.System[0].Text == prompt
	}))
}

// onStageWith additionally requires the user message to contain substr.
func onStageWith(m *mockAnthropicClient, prompt, substr string) *mock.Call {
	return m.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return len(req.System) > 0 && req.System[0].Text == prompt &&
			len(req.Messages) > 0 && strings.Contains(req.Messages[0].Content, substr)
	}))
}

func textResponse(text string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: text}},
		Usage:   anthropic.TokenUsage{InputTokens: 100, OutputTokens: 20},
	}
}

// --- Batch iterator ---

type sliceIterator struct {
	items []anthropic.BatchResultItem
	pos   int
}

func (it *sliceIterator) Next() bool {
	if it.pos >= len(it.items) {
		return false
	}
	it.pos++
	return true
}

func (it *sliceIterator) Item() anthropic.BatchResultItem { return it.items[it.pos-1] }
func (it *sliceIterator) Err() error                      { return nil }
func (it *sliceIterator) Close() error                    { return nil }

// --- Embedder Mock ---

type mockEmbedder struct {
	mock.Mock
}

func (m *mockEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, int, error) {
	args := m.Called(ctx, texts)
	if args.Get(0) == nil {
		return nil, args.Int(1), args.Error(2)
	}
	return args.Get(0).([][]float32), args.Int(1), args.Error(2)
}

// onText matches Embed calls whose single text contains substr.
func onText(m *mockEmbedder, substr string) *mock.Call {
	return m.On("Embed", mock.Anything, mock.MatchedBy(func(texts []string) bool {
		return len(texts) == 1 && strings.Contains(strings.ToLower(texts[0]), strings.ToLower(substr))
	}))
}

// --- Pricer ---

type flatPricer struct{}

func (flatPricer) Claude(_ string, isBatch bool, input, output, _, _ int) float64 {
	c := float64(input+output) / 1e6
	if isBatch {
		c /= 2
	}
	return c
}

func (flatPricer) Embedding(tokens int) float64 { return float64(tokens) / 1e6 }

// --- Store ---

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

type catalogueRow struct {
	code  string
	desc  string
	unit  string
	trade model.Trade
	vec   []float32
}

func seedRows(t *testing.T, st store.Store, rows ...catalogueRow) {
	t.Helper()
	ctx := context.Background()
	items := make([]model.CatalogueItem, 0, len(rows))
	for _, r := range rows {
		items = append(items, model.CatalogueItem{
			ItemCode:    r.code,
			Description: r.desc,
			Unit:        r.unit,
			Trade:       r.trade,
			Rate:        decimal.NewFromInt(100),
		})
	}
	_, err := st.UpsertCatalogueItems(ctx, items)
	require.NoError(t, err)
	for i, r := range rows {
		require.NoError(t, st.SetCatalogueEmbedding(ctx, r.code, r.vec, items[i].ComputeContentHash()))
	}
}

// refinedLineItem creates a line item already at REFINED.
func refinedLineItem(t *testing.T, st store.Store, obs model.Observation) (*model.LineItem, model.RefinedObservation) {
	t.Helper()
	ctx := context.Background()
	key, err := model.DedupKey("P1", obs, "transcript")
	require.NoError(t, err)
	refined := model.FallbackRefinement(obs)
	item := &model.LineItem{
		ProjectID:    "P1",
		TranscriptID: "T1",
		DedupKey:     key,
		Observation:  obs,
		Refined:      &refined,
		Status:       model.StatusRefined,
	}
	created, err := st.CreateLineItem(ctx, item)
	require.NoError(t, err)
	require.True(t, created)
	return item, refined
}

func auditEvents(t *testing.T, st store.Store, lineItemID string) []model.AuditEntry {
	t.Helper()
	entries, err := st.ListAudit(context.Background(), lineItemID)
	require.NoError(t, err)
	return entries
}

func findAudit(entries []model.AuditEntry, event model.AuditEvent) *model.AuditEntry {
	for i := range entries {
		if entries[i].Event == event {
			return &entries[i]
		}
	}
	return nil
}
