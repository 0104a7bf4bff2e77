package pipeline

import (
	"context"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/spons-match/internal/model"
	"github.com/sells-group/spons-match/internal/resilience"
	"github.com/sells-group/spons-match/internal/store"
	"github.com/sells-group/spons-match/internal/taxonomy"
)

// Default retrieval bounds.
const (
	DefaultMaxCandidates       = 10
	DefaultSimilarityThreshold = 0.65
)

// Embedder produces vectors in the catalogue's embedding space. The same
// model must embed both observations and catalogue rows.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, int, error)
}

// Constraints are the hard filters applied before vector ranking.
type Constraints struct {
	// Trade is empty when the trade is unknown; no trade filter applies.
	Trade model.Trade
	Unit  string
	// Units is every accepted spelling of Unit.
	Units []string
}

// DeriveConstraints resolves the expected trade from the asset table,
// falling back to the observation's own trade, and the expected unit from
// any spoken quantity. A General trade applies no trade filter.
func DeriveConstraints(refined model.RefinedObservation) Constraints {
	obs := refined.Observation

	trade := obs.Trade
	for _, asset := range []string{refined.QSAsset, obs.AssetType} {
		if t, ok := taxonomy.TradeForAsset(asset); ok && t != model.TradeGeneral {
			trade = t
			break
		}
	}
	if trade == model.TradeGeneral {
		trade = ""
	}

	unit := taxonomy.DefaultUnit
	if obs.Quantity != nil && strings.TrimSpace(obs.Quantity.Unit) != "" {
		unit = taxonomy.NormalizeUnit(obs.Quantity.Unit)
	}
	return Constraints{Trade: trade, Unit: unit, Units: taxonomy.CompatibleUnits(unit)}
}

// RetrievalText is what gets embedded for an observation: asset, issue,
// location and trade, using the QS wording where the refiner produced it.
func RetrievalText(refined model.RefinedObservation) string {
	obs := refined.Observation
	if refined.QSAsset != "" {
		obs.AssetType = refined.QSAsset
	}
	if refined.QSDescription != "" && refined.Source != model.RefinedByFallback {
		obs.Issue = refined.QSDescription
	}
	return obs.DescriptiveText()
}

// RetrievalResult is the outcome of one Retrieve call.
type RetrievalResult struct {
	Candidates      []model.Candidate
	Constraints     Constraints
	EmbeddingTokens int
	Cost            float64
	Failure         *StageError
}

// Retriever ranks catalogue rows for one refined observation.
type Retriever struct {
	store         store.Store
	embedder      Embedder
	breaker       *resilience.CircuitBreaker
	retry         *resilience.RetryConfig
	pricer        Pricer
	maxCandidates int
	threshold     float64
}

// RetrieverOption configures a Retriever.
type RetrieverOption func(*Retriever)

// WithEmbeddingBreaker routes embedding calls through cb.
func WithEmbeddingBreaker(cb *resilience.CircuitBreaker) RetrieverOption {
	return func(r *Retriever) { r.breaker = cb }
}

// WithEmbeddingRetry retries transient embedding failures.
func WithEmbeddingRetry(cfg resilience.RetryConfig) RetrieverOption {
	return func(r *Retriever) { r.retry = &cfg }
}

// WithEmbeddingPricer prices embedding tokens.
func WithEmbeddingPricer(p Pricer) RetrieverOption {
	return func(r *Retriever) { r.pricer = p }
}

// NewRetriever creates a Retriever. Non-positive bounds use the defaults.
func NewRetriever(st store.Store, embedder Embedder, maxCandidates int, threshold float64, opts ...RetrieverOption) *Retriever {
	if maxCandidates <= 0 {
		maxCandidates = DefaultMaxCandidates
	}
	if threshold <= 0 {
		threshold = DefaultSimilarityThreshold
	}
	r := &Retriever{
		store:         st,
		embedder:      embedder,
		maxCandidates: maxCandidates,
		threshold:     threshold,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Search ranks catalogue rows without persisting anything. An embedding
// failure yields an empty result with a recorded failure, never an error;
// only store errors are returned.
func (r *Retriever) Search(ctx context.Context, refined model.RefinedObservation, c Constraints) (RetrievalResult, error) {
	res := RetrievalResult{Constraints: c}

	vec, tokens, err := r.embed(ctx, RetrievalText(refined))
	res.EmbeddingTokens = tokens
	if r.pricer != nil {
		res.Cost = r.pricer.Embedding(tokens)
	}
	if err != nil {
		zap.L().Warn("retrieve: embedding failed, treating as zero candidates",
			zap.String("asset_type", refined.Observation.AssetType),
			zap.Error(err),
		)
		res.Failure = stageErr(KindExternalCallFailure, "retrieve", err)
		return res, nil
	}

	hits, err := r.store.SearchCatalogue(ctx, store.CatalogueQuery{
		Trade:     c.Trade,
		Units:     c.Units,
		Embedding: vec,
		Limit:     r.maxCandidates,
	})
	if err != nil {
		return res, eris.Wrap(err, "retrieve: search catalogue")
	}

	res.Candidates = r.rank(hits, c)
	if len(res.Candidates) == 0 {
		res.Failure = stageErr(KindNoCandidates, "retrieve", nil)
	}
	return res, nil
}

// Retrieve searches, persists the candidate set for the line item and moves
// it to CANDIDATES_RETRIEVED, or UNMATCHED when nothing survived. The audit
// entry records the candidate count either way.
func (r *Retriever) Retrieve(ctx context.Context, lineItemID string, refined model.RefinedObservation, c Constraints) (RetrievalResult, error) {
	res, err := r.Search(ctx, refined, c)
	if err != nil {
		return res, err
	}
	for i := range res.Candidates {
		res.Candidates[i].LineItemID = lineItemID
	}
	if err := r.store.ReplaceCandidates(ctx, lineItemID, res.Candidates); err != nil {
		return res, eris.Wrap(err, "retrieve: persist candidates")
	}

	event := model.EventCandidatesRetrieved
	to := model.StatusCandidatesRetrieved
	if len(res.Candidates) == 0 {
		event = model.EventUnmatched
		to = model.StatusUnmatched
	}

	codes := make([]string, 0, len(res.Candidates))
	for _, cand := range res.Candidates {
		codes = append(codes, cand.Item.ItemCode)
	}
	payload := map[string]any{
		"candidateCount": len(res.Candidates),
		"itemCodes":      codes,
		"trade":          string(c.Trade),
		"unit":           c.Unit,
		"threshold":      r.threshold,
	}
	if res.Failure != nil {
		payload["failure_reason"] = res.Failure.Error()
	}
	if err := r.store.Transition(ctx, lineItemID, model.StatusRefined, to, &model.AuditEntry{
		LineItemID: lineItemID,
		Event:      event,
		Actor:      model.SelectedByAgent,
		Payload:    payload,
	}); err != nil {
		return res, eris.Wrapf(err, "retrieve: %s", event)
	}

	zap.L().Debug("retrieve: candidates persisted",
		zap.String("line_item_id", lineItemID),
		zap.Int("candidates", len(res.Candidates)),
	)
	return res, nil
}

func (r *Retriever) embed(ctx context.Context, text string) ([]float32, int, error) {
	if r.embedder == nil {
		return nil, 0, eris.New("retrieve: no embedder configured")
	}
	type embedded struct {
		vec    []float32
		tokens int
	}
	call := func(ctx context.Context) (embedded, error) {
		vecs, tokens, err := r.embedder.Embed(ctx, []string{text})
		if err != nil {
			return embedded{}, err
		}
		if len(vecs) != 1 || len(vecs[0]) == 0 {
			return embedded{tokens: tokens}, eris.Errorf("retrieve: embedder returned %d vectors", len(vecs))
		}
		return embedded{vec: vecs[0], tokens: tokens}, nil
	}

	out, err := guarded(ctx, r.breaker, r.retry, resilience.ServiceEmbedding, call)
	return out.vec, out.tokens, err
}

// rank converts distances to similarity, re-checks the hard filters,
// applies the threshold and assigns ranks in (distance, item_code) order.
func (r *Retriever) rank(hits []store.CatalogueHit, c Constraints) []model.Candidate {
	allowed := make(map[string]bool, len(c.Units))
	for _, u := range c.Units {
		allowed[strings.ToUpper(u)] = true
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Distance != hits[j].Distance {
			return hits[i].Distance < hits[j].Distance
		}
		return hits[i].Item.ItemCode < hits[j].Item.ItemCode
	})

	var out []model.Candidate
	for _, h := range hits {
		if len(out) == r.maxCandidates {
			break
		}
		tradeOK := c.Trade == "" || h.Item.Trade == c.Trade
		unitOK := allowed[strings.ToUpper(h.Item.Unit)]
		if !tradeOK || !unitOK {
			continue
		}
		sim := 1 - h.Distance
		if sim < r.threshold {
			continue
		}
		out = append(out, model.Candidate{
			Item:            h.Item,
			Rank:            len(out) + 1,
			Distance:        h.Distance,
			SimilarityScore: sim,
			UnitMatches:     unitOK,
			TradeMatches:    c.Trade == "" || h.Item.Trade == c.Trade,
		})
	}
	return out
}
