package catalogue

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/spons-match/internal/model"
)

// DefaultBatchSize is the number of rows embedded per provider call.
const DefaultBatchSize = 64

// Embedder produces vectors in the retrieval embedding space.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, int, error)
}

// EmbeddingStore is the slice of the store the refresher reads and writes.
type EmbeddingStore interface {
	ListCatalogueItemsNeedingEmbedding(ctx context.Context, limit int) ([]model.CatalogueItem, error)
	SetCatalogueEmbedding(ctx context.Context, itemCode string, embedding []float32, contentHash string) error
}

// EmbeddingPricer prices embedding tokens.
type EmbeddingPricer interface {
	Embedding(tokens int) float64
}

// RefreshResult summarizes an embedding refresh.
type RefreshResult struct {
	Embedded int     `json:"embedded"`
	Batches  int     `json:"batches"`
	Tokens   int     `json:"tokens"`
	CostUSD  float64 `json:"cost_usd"`
}

// Refresher embeds catalogue rows that have no embedding or whose content
// hash changed since they were last embedded.
type Refresher struct {
	store      EmbeddingStore
	embedder   Embedder
	pricer     EmbeddingPricer
	batchSize  int
	dimensions int
}

// RefresherOption configures a Refresher.
type RefresherOption func(*Refresher)

// WithBatchSize sets the rows per provider call.
func WithBatchSize(n int) RefresherOption {
	return func(r *Refresher) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithDimensions rejects vectors of any other length.
func WithDimensions(n int) RefresherOption {
	return func(r *Refresher) { r.dimensions = n }
}

// WithPricer prices the tokens spent.
func WithPricer(p EmbeddingPricer) RefresherOption {
	return func(r *Refresher) { r.pricer = p }
}

// NewRefresher creates a Refresher.
func NewRefresher(st EmbeddingStore, embedder Embedder, opts ...RefresherOption) *Refresher {
	r := &Refresher{store: st, embedder: embedder, batchSize: DefaultBatchSize}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Refresh embeds stale rows batch by batch until none remain. Rows already
// written stay embedded if a later batch fails.
func (r *Refresher) Refresh(ctx context.Context) (*RefreshResult, error) {
	res := &RefreshResult{}
	done := make(map[string]bool)

	for {
		if err := ctx.Err(); err != nil {
			return res, eris.Wrap(err, "catalogue: refresh cancelled")
		}

		items, err := r.store.ListCatalogueItemsNeedingEmbedding(ctx, r.batchSize)
		if err != nil {
			return res, eris.Wrap(err, "catalogue: list stale embeddings")
		}
		if len(items) == 0 {
			break
		}

		texts := make([]string, len(items))
		for i, it := range items {
			if done[it.ItemCode] {
				return res, eris.Errorf("catalogue: embedding for %s did not persist", it.ItemCode)
			}
			texts[i] = it.EmbeddingText()
		}

		vecs, tokens, err := r.embedder.Embed(ctx, texts)
		if err != nil {
			return res, eris.Wrapf(err, "catalogue: embed batch %d", res.Batches+1)
		}
		if len(vecs) != len(items) {
			return res, eris.Errorf("catalogue: embedder returned %d vectors for %d rows", len(vecs), len(items))
		}
		res.Batches++
		res.Tokens += tokens

		for i, it := range items {
			if r.dimensions > 0 && len(vecs[i]) != r.dimensions {
				return res, eris.Errorf("catalogue: %s embedding has %d dimensions, want %d",
					it.ItemCode, len(vecs[i]), r.dimensions)
			}
			hash := it.ContentHash
			if hash == "" {
				hash = it.ComputeContentHash()
			}
			if err := r.store.SetCatalogueEmbedding(ctx, it.ItemCode, vecs[i], hash); err != nil {
				return res, eris.Wrapf(err, "catalogue: store embedding %s", it.ItemCode)
			}
			done[it.ItemCode] = true
			res.Embedded++
		}

		zap.L().Debug("catalogue: embedded batch",
			zap.Int("batch", res.Batches),
			zap.Int("rows", len(items)),
			zap.Int("tokens", tokens),
		)
	}

	if r.pricer != nil {
		res.CostUSD = r.pricer.Embedding(res.Tokens)
	}
	zap.L().Info("catalogue: embeddings refreshed",
		zap.Int("embedded", res.Embedded),
		zap.Int("batches", res.Batches),
		zap.Int("tokens", res.Tokens),
		zap.Float64("cost_usd", res.CostUSD),
	)
	return res, nil
}
