package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"unicode"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/spons-match/internal/model"
	"github.com/sells-group/spons-match/internal/resilience"
	"github.com/sells-group/spons-match/internal/taxonomy"
	"github.com/sells-group/spons-match/pkg/anthropic"
)

const refineSystemPrompt = `You rewrite building-services survey observations in quantity surveying (QS) language.
Choose qs_action from: repair, replace, inspect, install, maintain.
Choose qs_condition from: defective, damaged, missing, inoperative, expired, obstructed.
qs_asset is the asset named as it would appear in a SPONS price book.
qs_description is a short schedule line ("Fire door - intumescent strip damaged").
refined_sentence is one sentence describing the work required, suitable for matching against catalogue descriptions.
Do not add facts that are not in the observation.
Respond with JSON only: {"qs_asset": "", "qs_action": "", "qs_condition": "", "qs_description": "", "refined_sentence": ""}`

const refineUserPrompt = "Observation:\n%s"

const (
	defaultSmallBatchThreshold = 8
	maxDirectConcurrency       = 8
)

// RefineResult is the outcome of refining one observation.
type RefineResult struct {
	Refined  model.RefinedObservation
	Attempts int
	Usage    model.TokenUsage
	Failure  *StageError
}

// Refiner normalizes observations into QS vocabulary.
type Refiner struct {
	llm            LLM
	taxonomy       *taxonomy.Taxonomy
	maxAttempts    int
	noBatch        bool
	batchThreshold int
	pollOpts       []anthropic.PollOption
}

// RefinerOption configures a Refiner.
type RefinerOption func(*Refiner)

// WithBatchThreshold sets how many model refinements run as direct calls
// before RefineAll switches to the Batch API. noBatch disables batching.
func WithBatchThreshold(threshold int, noBatch bool) RefinerOption {
	return func(r *Refiner) {
		r.batchThreshold = threshold
		r.noBatch = noBatch
	}
}

// WithBatchPollOptions tunes batch polling.
func WithBatchPollOptions(opts ...anthropic.PollOption) RefinerOption {
	return func(r *Refiner) { r.pollOpts = opts }
}

// NewRefiner creates a Refiner.
func NewRefiner(llm LLM, maxAttempts int, opts ...RefinerOption) *Refiner {
	r := &Refiner{
		llm:            llm,
		taxonomy:       taxonomy.Default(),
		maxAttempts:    maxAttempts,
		batchThreshold: defaultSmallBatchThreshold,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type refineOutput struct {
	QSAsset         string `json:"qs_asset"`
	QSAction        string `json:"qs_action"`
	QSCondition     string `json:"qs_condition"`
	QSDescription   string `json:"qs_description"`
	RefinedSentence string `json:"refined_sentence"`
}

// Refine resolves one observation. The condition table is tried first and
// the model only when the table is silent or ambiguous. It never fails:
// malformed model output falls back to the deterministic template.
func (r *Refiner) Refine(ctx context.Context, obs model.Observation) RefineResult {
	if refined, ok := r.byTable(obs); ok {
		return RefineResult{Refined: refined}
	}
	return r.byModel(ctx, obs)
}

// RefineAll refines a transcript's observations, keeping input order.
// Table hits resolve locally; the rest go to the model as direct calls or,
// above the batch threshold, as one Batch API request.
func (r *Refiner) RefineAll(ctx context.Context, observations []model.Observation) []RefineResult {
	results := make([]RefineResult, len(observations))
	var pending []int
	for i, obs := range observations {
		if refined, ok := r.byTable(obs); ok {
			results[i] = RefineResult{Refined: refined}
			continue
		}
		pending = append(pending, i)
	}
	if len(pending) == 0 {
		return results
	}

	threshold := r.batchThreshold
	if threshold <= 0 {
		threshold = defaultSmallBatchThreshold
	}
	if r.noBatch || len(pending) <= threshold {
		r.refineDirect(ctx, observations, pending, results)
	} else {
		r.refineBatch(ctx, observations, pending, results)
	}
	return results
}

func (r *Refiner) refineDirect(ctx context.Context, observations []model.Observation, pending []int, results []RefineResult) {
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(maxDirectConcurrency)

	var mu sync.Mutex
	for _, idx := range pending {
		g.Go(func() error {
			res := r.byModel(gCtx, observations[idx])
			mu.Lock()
			results[idx] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Refiner) refineBatch(ctx context.Context, observations []model.Observation, pending []int, results []RefineResult) {
	items := make([]anthropic.BatchRequestItem, 0, len(pending))
	for _, idx := range pending {
		items = append(items, anthropic.BatchRequestItem{
			CustomID: fmt.Sprintf("refine-%d", idx),
			Params:   r.llm.request(refineSystemPrompt, refinePrompt(observations[idx]), 0),
		})
	}

	collected, err := anthropic.RunBatch(ctx, r.llm.Client, anthropic.BatchRequest{Requests: items}, r.pollOpts...)
	if err != nil {
		zap.L().Warn("refine: batch failed, using fallback template",
			zap.Int("observations", len(pending)),
			zap.Error(err),
		)
		for _, idx := range pending {
			results[idx] = RefineResult{
				Refined: model.FallbackRefinement(observations[idx]),
				Failure: stageErr(KindExternalCallFailure, "refine", err),
			}
		}
		return
	}

	for _, idx := range pending {
		obs := observations[idx]
		resp, ok := collected.Succeeded[fmt.Sprintf("refine-%d", idx)]
		if !ok || resp == nil {
			results[idx] = RefineResult{
				Refined: model.FallbackRefinement(obs),
				Failure: stageErr(KindExternalCallFailure, "refine", fmt.Errorf("batch item refine-%d did not succeed", idx)),
			}
			continue
		}
		usage := r.llm.usage(resp.Usage, true)
		refined, perr := parseRefinement(obs, extractText(resp))
		if perr != nil {
			results[idx] = RefineResult{
				Refined:  model.FallbackRefinement(obs),
				Attempts: 1,
				Usage:    usage,
				Failure:  stageErr(KindDegradedExtraction, "refine", perr),
			}
			continue
		}
		results[idx] = RefineResult{Refined: refined, Attempts: 1, Usage: usage}
	}
}

func (r *Refiner) byTable(obs model.Observation) (model.RefinedObservation, bool) {
	cond, action, ok := r.taxonomy.MatchCondition(obs.Issue)
	if !ok {
		return model.RefinedObservation{}, false
	}
	asset := strings.TrimSpace(obs.AssetType)
	desc := fmt.Sprintf("%s - %s", asset, obs.Issue)
	sentence := fmt.Sprintf("%s %s, %s", capitalize(string(action)), strings.ToLower(asset), cond)
	if obs.Location != "" {
		sentence += " at " + obs.Location
	}
	return model.RefinedObservation{
		Observation:     obs,
		QSAsset:         asset,
		QSAction:        action,
		QSCondition:     cond,
		QSDescription:   desc,
		RefinedSentence: sentence + ".",
		Source:          model.RefinedByTable,
	}, true
}

func (r *Refiner) byModel(ctx context.Context, obs model.Observation) RefineResult {
	var usage model.TokenUsage
	res := resilience.Attempt(ctx, resilience.AttemptPolicy[model.RefinedObservation]{
		MaxAttempts: r.maxAttempts,
		Reformulate: func(_ int, _ model.RefinedObservation, err error) string {
			if err == nil {
				return ""
			}
			return err.Error()
		},
	}, func(ctx context.Context, attempt int, feedback string) (model.RefinedObservation, error) {
		text, u, err := r.llm.ask(ctx, refineSystemPrompt, withFeedback(refinePrompt(obs), feedback), attemptTemperature(attempt))
		usage.Add(u)
		if err != nil {
			return model.RefinedObservation{}, err
		}
		return parseRefinement(obs, text)
	})

	if !res.OK {
		zap.L().Warn("refine: using fallback template",
			zap.String("asset_type", obs.AssetType),
			zap.Int("attempts", res.Attempts),
			zap.Error(res.Err),
		)
		kind := KindDegradedExtraction
		if resilience.IsTransient(res.Err) {
			kind = KindExternalCallFailure
		}
		return RefineResult{
			Refined:  model.FallbackRefinement(obs),
			Attempts: res.Attempts,
			Usage:    usage,
			Failure:  stageErr(kind, "refine", res.Err),
		}
	}
	return RefineResult{Refined: res.Value, Attempts: res.Attempts, Usage: usage}
}

func refinePrompt(obs model.Observation) string {
	raw, _ := json.MarshalIndent(obs, "", "  ")
	return fmt.Sprintf(refineUserPrompt, raw)
}

func parseRefinement(obs model.Observation, text string) (model.RefinedObservation, error) {
	var out refineOutput
	if err := decodeOutput(schemaRefine, text, &out); err != nil {
		return model.RefinedObservation{}, err
	}
	refined := model.RefinedObservation{
		Observation:     obs,
		QSAsset:         strings.TrimSpace(out.QSAsset),
		QSAction:        model.QSAction(strings.ToLower(strings.TrimSpace(out.QSAction))),
		QSCondition:     model.QSCondition(strings.ToLower(strings.TrimSpace(out.QSCondition))),
		QSDescription:   strings.TrimSpace(out.QSDescription),
		RefinedSentence: strings.TrimSpace(out.RefinedSentence),
		Source:          model.RefinedByModel,
	}
	if err := refined.Validate(); err != nil {
		return model.RefinedObservation{}, err
	}
	return refined, nil
}

func capitalize(s string) string {
	for i, r := range s {
		return string(unicode.ToUpper(r)) + s[i+len(string(r)):]
	}
	return s
}
