// Package pipeline turns survey transcripts into catalogue-matched line
// items: split, refine, retrieve, decide, verify and persist.
package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/spons-match/internal/config"
	"github.com/sells-group/spons-match/internal/model"
	"github.com/sells-group/spons-match/internal/resilience"
	"github.com/sells-group/spons-match/internal/store"
	"github.com/sells-group/spons-match/pkg/anthropic"
)

const defaultConcurrency = 4

// Pipeline orchestrates the matching stages for transcripts and single
// line items. Collaborators are injected so tests can stub any of them.
type Pipeline struct {
	store       store.Store
	splitter    *Splitter
	refiner     *Refiner
	retriever   *Retriever
	decider     Decider
	verifier    Verifier
	bands       Bands
	concurrency int
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithBands overrides the decision confidence bands.
func WithBands(b Bands) Option {
	return func(p *Pipeline) { p.bands = b }
}

// WithConcurrency bounds how many observations of one transcript run at
// once.
func WithConcurrency(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// New creates a Pipeline from its stages.
func New(st store.Store, splitter *Splitter, refiner *Refiner, retriever *Retriever, decider Decider, verifier Verifier, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:       st,
		splitter:    splitter,
		refiner:     refiner,
		retriever:   retriever,
		decider:     decider,
		verifier:    verifier,
		bands:       DefaultBands(),
		concurrency: defaultConcurrency,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Build wires a Pipeline from configuration. breakers may be nil.
func Build(cfg *config.Config, st store.Store, ai anthropic.Client, emb Embedder, pricer Pricer, breakers *resilience.ServiceBreakers) *Pipeline {
	var aiBreaker, embBreaker *resilience.CircuitBreaker
	if breakers != nil {
		aiBreaker = breakers.Get(resilience.ServiceAnthropic)
		embBreaker = breakers.Get(resilience.ServiceEmbedding)
	}

	retry := resilience.RetryFromConfig(cfg.Retry)

	fast := LLM{Client: ai, Breaker: aiBreaker, Retry: &retry, Pricer: pricer, Model: cfg.Anthropic.Model, MaxTokens: cfg.Anthropic.MaxTokens}
	deep := fast
	if cfg.Anthropic.DecisionModel != "" {
		deep.Model = cfg.Anthropic.DecisionModel
	}
	pc := cfg.Pipeline

	var decider Decider = NewLLMDecider(deep, pc.MaxAttempts)
	if pc.Decider == "heuristic" {
		decider = NewHeuristicDecider(pc.AmbiguityMargin)
	}
	var verifier Verifier = NewLLMVerifier(fast, pc.VerifyPassScore, pc.MaxAttempts)
	if pc.Verifier == "heuristic" {
		verifier = NewHeuristicVerifier(pc.VerifyPassScore)
	}

	return New(st,
		NewSplitter(fast, pc.MaxAttempts),
		NewRefiner(fast, pc.MaxAttempts, WithBatchThreshold(cfg.Anthropic.SmallBatchThreshold, cfg.Anthropic.NoBatch)),
		NewRetriever(st, emb, cfg.Retrieval.MaxCandidates, cfg.Retrieval.SimilarityThreshold,
			WithEmbeddingBreaker(embBreaker), WithEmbeddingRetry(retry), WithEmbeddingPricer(pricer)),
		decider,
		verifier,
		WithBands(Bands{AutoAccept: pc.AutoAcceptThreshold, SpotCheck: pc.SpotCheckThreshold}),
		WithConcurrency(pc.MaxConcurrentObservations),
	)
}

// TranscriptResult summarizes one transcript run.
type TranscriptResult struct {
	ProjectID    string              `json:"project_id"`
	TranscriptID string              `json:"transcript_id"`
	Degraded     bool                `json:"degraded"`
	Items        []ObservationResult `json:"items"`
	Usage        model.TokenUsage    `json:"usage"`
	Failures     []string            `json:"failures,omitempty"`
	DurationMs   int64               `json:"duration_ms"`
}

// StatusCounts tallies item statuses.
func (r *TranscriptResult) StatusCounts() map[model.Status]int {
	out := make(map[model.Status]int)
	for _, it := range r.Items {
		out[it.Status]++
	}
	return out
}

// ObservationResult is the outcome for one line item.
type ObservationResult struct {
	LineItemID        string                    `json:"line_item_id"`
	Observation       model.Observation         `json:"observation"`
	Refined           *model.RefinedObservation `json:"refined,omitempty"`
	Status            model.Status              `json:"status"`
	Candidates        int                       `json:"candidates"`
	Decision          *model.Decision           `json:"decision,omitempty"`
	Verification      *model.Verification       `json:"verification,omitempty"`
	SelectedItemCode  string                    `json:"selected_item_code,omitempty"`
	SuggestedItemCode string                    `json:"suggested_item_code,omitempty"`
	// Skipped is set when an earlier run already finished this item.
	Skipped  bool             `json:"skipped,omitempty"`
	Usage    model.TokenUsage `json:"usage"`
	Failures []string         `json:"failures,omitempty"`
	Error    string           `json:"error,omitempty"`
	// DeadLettered is set when a failed item was queued for retry.
	DeadLettered bool `json:"dead_lettered,omitempty"`
}

func newObservationResult(item *model.LineItem) ObservationResult {
	return ObservationResult{
		LineItemID:       item.ID,
		Observation:      item.Observation,
		Refined:          item.Refined,
		Status:           item.Status,
		SelectedItemCode: item.SelectedItemCode,
	}
}

func (r *ObservationResult) fail(e *StageError) {
	if e != nil {
		r.Failures = append(r.Failures, e.Error())
	}
}

// mergeFailures returns a new slice so results never share a backing array.
func mergeFailures(a, b []string) []string {
	if len(a)+len(b) == 0 {
		return nil
	}
	out := make([]string, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}

// ProcessTranscript splits a transcript, materializes one line item per
// observation (deduplicated by project, asset, location, issue and
// transcript) and runs every item to a terminal status. Items already
// terminal from an earlier run are skipped, so re-running a transcript is
// idempotent. Only failures to create line items are returned; everything
// after that is reported per item.
func (p *Pipeline) ProcessTranscript(ctx context.Context, projectID, transcript string) (*TranscriptResult, error) {
	start := time.Now()
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, eris.New("pipeline: project id is required")
	}
	transcriptID, err := model.TranscriptID(projectID, transcript)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: transcript id")
	}

	log := zap.L().With(zap.String("project_id", projectID), zap.String("transcript_id", transcriptID))
	log.Info("pipeline: processing transcript")

	result := &TranscriptResult{ProjectID: projectID, TranscriptID: transcriptID}

	split := p.splitter.Split(ctx, transcript)
	result.Usage.Add(split.Usage)
	result.Degraded = split.Degraded
	if split.Failure != nil {
		result.Failures = append(result.Failures, split.Failure.Error())
	}

	items := make([]*model.LineItem, 0, len(split.Observations))
	seen := make(map[string]bool)
	for _, obs := range split.Observations {
		item, err := p.materialize(ctx, projectID, transcriptID, transcript, obs)
		if err != nil {
			return result, err
		}
		if seen[item.ID] {
			continue
		}
		seen[item.ID] = true
		items = append(items, item)
	}

	results := make([]ObservationResult, len(items))
	if err := p.refineSplitItems(ctx, items, results); err != nil {
		return result, err
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	var mu sync.Mutex
	for i, item := range items {
		g.Go(func() error {
			prior := results[i]
			res, err := p.ProcessObservation(gCtx, item)
			res.Usage.Add(prior.Usage)
			res.Failures = mergeFailures(prior.Failures, res.Failures)
			if err != nil {
				log.Error("pipeline: observation failed",
					zap.String("line_item_id", item.ID),
					zap.Error(err),
				)
				res.Error = err.Error()
				res.DeadLettered = p.deadLetter(gCtx, item, err)
			}
			mu.Lock()
			results[i] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	result.Items = results
	for _, r := range results {
		result.Usage.Add(r.Usage)
	}
	result.DurationMs = time.Since(start).Milliseconds()

	log.Info("pipeline: transcript complete",
		zap.Int("observations", len(results)),
		zap.Any("statuses", result.StatusCounts()),
		zap.Float64("cost_usd", result.Usage.Cost),
		zap.Int64("duration_ms", result.DurationMs),
	)
	return result, nil
}

// materialize creates the line item for obs or loads the one an earlier
// run created, and moves a fresh item to SPLIT.
func (p *Pipeline) materialize(ctx context.Context, projectID, transcriptID, transcript string, obs model.Observation) (*model.LineItem, error) {
	key, err := model.DedupKey(projectID, obs, transcript)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: dedup key")
	}
	item := &model.LineItem{
		ProjectID:    projectID,
		TranscriptID: transcriptID,
		DedupKey:     key,
		Observation:  obs,
		Status:       model.StatusCreated,
	}
	created, err := p.store.CreateLineItem(ctx, item)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: create line item")
	}
	if !created {
		zap.L().Debug("pipeline: reusing line item",
			zap.String("line_item_id", item.ID),
			zap.String("status", string(item.Status)),
		)
	}
	if item.Status == model.StatusCreated {
		if err := p.advance(ctx, item, model.StatusSplit); err != nil {
			return nil, err
		}
	}
	return item, nil
}

// refineSplitItems refines every item still at SPLIT in one RefineAll call
// so large transcripts can use the Batch API.
func (p *Pipeline) refineSplitItems(ctx context.Context, items []*model.LineItem, results []ObservationResult) error {
	var idx []int
	var obs []model.Observation
	for i, item := range items {
		if item.Status == model.StatusSplit {
			idx = append(idx, i)
			obs = append(obs, item.Observation)
		}
	}
	if len(obs) == 0 {
		return nil
	}

	refined := p.refiner.RefineAll(ctx, obs)
	for j, i := range idx {
		if err := p.saveRefinement(ctx, items[i], refined[j]); err != nil {
			return err
		}
		results[i].Usage.Add(refined[j].Usage)
		results[i].fail(refined[j].Failure)
	}
	return nil
}

func (p *Pipeline) saveRefinement(ctx context.Context, item *model.LineItem, rr RefineResult) error {
	if err := p.store.SaveRefinement(ctx, item.ID, rr.Refined); err != nil {
		return eris.Wrap(err, "pipeline: save refinement")
	}
	refined := rr.Refined
	item.Refined = &refined
	if item.Status == model.StatusSplit {
		return p.advance(ctx, item, model.StatusRefined)
	}
	return nil
}

func (p *Pipeline) advance(ctx context.Context, item *model.LineItem, to model.Status) error {
	if err := p.store.UpdateLineItemStatus(ctx, item.ID, item.Status, to); err != nil {
		return eris.Wrapf(err, "pipeline: %s -> %s", item.Status, to)
	}
	item.Status = to
	return nil
}

// ProcessObservation runs one line item from its current status to a
// terminal one. Soft failures are recorded on the result; only store
// errors are returned.
func (p *Pipeline) ProcessObservation(ctx context.Context, item *model.LineItem) (ObservationResult, error) {
	res := newObservationResult(item)
	if item.Status.Terminal() {
		res.Skipped = true
		return res, nil
	}
	log := zap.L().With(zap.String("line_item_id", item.ID))

	if item.Status == model.StatusCreated {
		if err := p.advance(ctx, item, model.StatusSplit); err != nil {
			return res, err
		}
	}

	if item.Status == model.StatusSplit {
		rr := p.refiner.Refine(ctx, item.Observation)
		res.Usage.Add(rr.Usage)
		res.fail(rr.Failure)
		if err := p.saveRefinement(ctx, item, rr); err != nil {
			return res, err
		}
	}
	refined := model.FallbackRefinement(item.Observation)
	if item.Refined != nil {
		refined = *item.Refined
	}
	res.Refined = &refined

	var candidates []model.Candidate
	if item.Status == model.StatusRefined {
		start := time.Now()
		rr, err := p.retriever.Retrieve(ctx, item.ID, refined, DeriveConstraints(refined))
		res.Usage.EmbeddingTokens += rr.EmbeddingTokens
		res.Usage.Cost += rr.Cost
		res.fail(rr.Failure)
		if err != nil {
			return res, err
		}
		log.Debug("pipeline: retrieval complete",
			zap.Int("candidates", len(rr.Candidates)),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
		candidates = rr.Candidates
		res.Candidates = len(candidates)
		if len(candidates) == 0 {
			item.Status = model.StatusUnmatched
			res.Status = item.Status
			return res, nil
		}
		item.Status = model.StatusCandidatesRetrieved
	}

	if item.Status == model.StatusCandidatesRetrieved {
		if candidates == nil {
			var err error
			candidates, err = p.store.ListCandidates(ctx, item.ID)
			if err != nil {
				return res, eris.Wrap(err, "pipeline: load candidates")
			}
			res.Candidates = len(candidates)
		}
		if err := p.decideAndFinalize(ctx, item, refined, candidates, &res); err != nil {
			return res, err
		}
	}

	res.Status = item.Status
	return res, nil
}

// decideAndFinalize runs the decision engine and verification and writes
// the terminal status. MATCHED is only reachable through a verified SELECT,
// committed atomically with its audit entry.
func (p *Pipeline) decideAndFinalize(ctx context.Context, item *model.LineItem, refined model.RefinedObservation, candidates []model.Candidate, res *ObservationResult) error {
	var decision model.Decision
	dr, err := p.decider.Decide(ctx, refined, candidates)
	switch {
	case errors.Is(err, ErrNoCandidates):
		decision = model.FlagForReview("no candidates to choose from", string(KindNoCandidates))
	case err != nil:
		res.fail(stageErr(KindExternalCallFailure, "decide", err))
		decision = model.FlagForReview("decision engine failed", string(KindExternalCallFailure))
	default:
		res.Usage.Add(dr.Usage)
		res.fail(dr.Failure)
		decision = dr.Decision
	}

	decision, violated := EnforceClosedWorld(decision, candidates)
	if violated {
		zap.L().Warn("pipeline: decision named a code outside the candidate set",
			zap.String("line_item_id", item.ID),
			zap.String("raw_selection", dr.RawSelection),
		)
		if err := p.audit(ctx, item.ID, model.EventInvalidSelection, model.SelectedByAgent, map[string]any{
			"raw_selection":  dr.RawSelection,
			"rationale":      decision.Rationale,
			"candidateCodes": candidateCodes(candidates),
		}); err != nil {
			return err
		}
	}
	decision = ApplyConfidenceBands(decision, p.bands)
	res.Decision = &decision

	switch decision.Action {
	case model.ActionSelect:
		return p.finalizeSelection(ctx, item, refined, decision, candidates, res)
	case model.ActionAskClarification:
		return p.toReview(ctx, item, model.EventClarificationAsked, map[string]any{
			"decision":       decisionPayload(decision),
			"question":       decision.ClarificationQuestion,
			"candidateCount": len(candidates),
		})
	default:
		return p.toReview(ctx, item, model.EventFlagged, map[string]any{
			"decision":       decisionPayload(decision),
			"failure_reason": decision.FailureReason,
			"candidateCount": len(candidates),
			"failures":       res.Failures,
		})
	}
}

func (p *Pipeline) finalizeSelection(ctx context.Context, item *model.LineItem, refined model.RefinedObservation, decision model.Decision, candidates []model.Candidate, res *ObservationResult) error {
	selected := candidateByID(candidates, decision.SelectedCandidateID)

	vr, err := p.verifier.Verify(ctx, refined, decision, *selected)
	if err != nil {
		res.fail(stageErr(KindExternalCallFailure, "verify", err))
		vr = VerifyResult{Verification: model.Verification{Reasoning: "verification failed: " + err.Error()}}
	} else {
		res.Usage.Add(vr.Usage)
		res.fail(vr.Failure)
	}
	ver := vr.Verification
	res.Verification = &ver

	if ver.Verified {
		entry := &model.AuditEntry{
			LineItemID: item.ID,
			Event:      model.EventSelected,
			Actor:      model.SelectedByAgent,
			Payload: map[string]any{
				"item_code":    selected.Item.ItemCode,
				"candidate_id": selected.ID,
				"decision":     decisionPayload(decision),
				"verification": verificationPayload(ver),
			},
		}
		if err := p.store.CommitSelection(ctx, store.Selection{
			LineItemID:  item.ID,
			CandidateID: selected.ID,
			SelectedBy:  model.SelectedByAgent,
			From:        item.Status,
			To:          model.StatusMatched,
			Audit:       entry,
		}); err != nil {
			return eris.Wrap(err, "pipeline: commit selection")
		}
		item.Status = model.StatusMatched
		item.SelectedItemCode = selected.Item.ItemCode
		res.SelectedItemCode = selected.Item.ItemCode
		return nil
	}

	// Unverified selections stay visible to the reviewer as a suggestion.
	if err := p.store.SuggestCandidate(ctx, item.ID, selected.ID); err != nil {
		return eris.Wrap(err, "pipeline: suggest candidate")
	}
	res.SuggestedItemCode = selected.Item.ItemCode
	return p.toReview(ctx, item, model.EventVerificationFailed, map[string]any{
		"suggested_item_code": selected.Item.ItemCode,
		"candidate_id":        selected.ID,
		"decision":            decisionPayload(decision),
		"verification":        verificationPayload(ver),
	})
}

func (p *Pipeline) toReview(ctx context.Context, item *model.LineItem, event model.AuditEvent, payload map[string]any) error {
	return p.transition(ctx, item, model.StatusQSReview, event, payload)
}

// transition moves item to the given status and records event in the same
// store transaction.
func (p *Pipeline) transition(ctx context.Context, item *model.LineItem, to model.Status, event model.AuditEvent, payload map[string]any) error {
	if err := p.store.Transition(ctx, item.ID, item.Status, to, &model.AuditEntry{
		LineItemID: item.ID,
		Event:      event,
		Actor:      model.SelectedByAgent,
		Payload:    payload,
	}); err != nil {
		return eris.Wrapf(err, "pipeline: %s -> %s (%s)", item.Status, to, event)
	}
	item.Status = to
	return nil
}

func (p *Pipeline) audit(ctx context.Context, lineItemID string, event model.AuditEvent, actor string, payload map[string]any) error {
	if err := p.store.AppendAudit(ctx, &model.AuditEntry{
		LineItemID: lineItemID,
		Event:      event,
		Actor:      actor,
		Payload:    payload,
	}); err != nil {
		return eris.Wrapf(err, "pipeline: audit %s", event)
	}
	return nil
}

func candidateByID(candidates []model.Candidate, id string) *model.Candidate {
	for i := range candidates {
		if candidates[i].ID == id {
			return &candidates[i]
		}
	}
	return nil
}

func candidateCodes(candidates []model.Candidate) []string {
	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.Item.ItemCode)
	}
	return out
}

func decisionPayload(d model.Decision) map[string]any {
	out := map[string]any{
		"action":      string(d.Action),
		"rationale":   d.Rationale,
		"confidence":  d.Confidence,
		"spot_check":  d.SpotCheck,
		"selected_by": d.SelectedBy,
		"attempts":    d.Attempts,
	}
	if d.SelectedCandidateID != "" {
		out["selected_candidate_id"] = d.SelectedCandidateID
	}
	if d.ClarificationQuestion != "" {
		out["clarification_question"] = d.ClarificationQuestion
	}
	if d.FailureReason != "" {
		out["failure_reason"] = d.FailureReason
	}
	return out
}

func verificationPayload(v model.Verification) map[string]any {
	return map[string]any{
		"verified":   v.Verified,
		"confidence": v.Confidence,
		"reasoning":  v.Reasoning,
		"total":      v.Total,
		"verifier":   v.Verifier,
		"scores": map[string]any{
			"asset_relevance":     v.Scores.AssetRelevance,
			"trade_alignment":     v.Scores.TradeAlignment,
			"work_classification": v.Scores.WorkClassification,
			"technical_spec":      v.Scores.TechnicalSpec,
		},
	}
}
