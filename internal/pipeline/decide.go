package pipeline

import (
	"context"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/spons-match/internal/model"
	"github.com/sells-group/spons-match/internal/resilience"
)

// Default confidence bands.
const (
	DefaultAutoAcceptThreshold = 0.85
	DefaultSpotCheckThreshold  = 0.65
	DefaultAmbiguityMargin     = 0.02
)

// Bands are the confidence cut-offs applied to SELECT decisions.
type Bands struct {
	AutoAccept float64
	SpotCheck  float64
}

// DefaultBands returns the 0.85 / 0.65 bands.
func DefaultBands() Bands {
	return Bands{AutoAccept: DefaultAutoAcceptThreshold, SpotCheck: DefaultSpotCheckThreshold}
}

// DecideResult is a decision engine's raw verdict, before the caller
// enforces the candidate set and the confidence bands.
type DecideResult struct {
	Decision model.Decision
	// RawSelection is the item code the engine named, kept for the audit
	// trail when it does not resolve to a candidate.
	RawSelection string
	Usage        model.TokenUsage
	Failure      *StageError
}

// Decider chooses among retrieved candidates. Implementations must return
// ErrNoCandidates for an empty candidate set.
type Decider interface {
	Decide(ctx context.Context, refined model.RefinedObservation, candidates []model.Candidate) (DecideResult, error)
}

// EnforceClosedWorld coerces a SELECT naming anything outside candidates to
// FLAG_FOR_REVIEW. violated reports whether coercion happened.
func EnforceClosedWorld(d model.Decision, candidates []model.Candidate) (model.Decision, bool) {
	if d.Action != model.ActionSelect {
		return d, false
	}
	if d.SelectedCandidateID != "" {
		for _, c := range candidates {
			if c.ID == d.SelectedCandidateID {
				return d, false
			}
		}
	}
	flagged := model.FlagForReview(d.Rationale, string(KindInvalidSelection))
	flagged.Confidence = d.Confidence
	flagged.Attempts = d.Attempts
	return flagged, true
}

// ApplyConfidenceBands maps a decision's confidence onto the bands: at or
// above AutoAccept it stays SELECT, at or above SpotCheck it stays SELECT
// with SpotCheck set, below that it becomes FLAG_FOR_REVIEW. A clarification
// without a question is also flagged. Only clarifications keep a question.
func ApplyConfidenceBands(d model.Decision, b Bands) model.Decision {
	switch d.Action {
	case model.ActionSelect:
		d.ClarificationQuestion = ""
		switch {
		case d.Confidence >= b.AutoAccept:
			d.SpotCheck = false
		case d.Confidence >= b.SpotCheck:
			d.SpotCheck = true
		default:
			low := model.FlagForReview(d.Rationale, "low_confidence")
			low.Confidence = d.Confidence
			low.Attempts = d.Attempts
			return low
		}
	case model.ActionAskClarification:
		if strings.TrimSpace(d.ClarificationQuestion) == "" {
			flagged := model.FlagForReview(d.Rationale, "empty_clarification")
			flagged.Confidence = d.Confidence
			flagged.Attempts = d.Attempts
			return flagged
		}
		d.SelectedCandidateID = ""
	case model.ActionFlagForReview:
		d.SelectedCandidateID = ""
		d.ClarificationQuestion = ""
	default:
		flagged := model.FlagForReview(d.Rationale, fmt.Sprintf("unknown_action:%s", d.Action))
		flagged.Attempts = d.Attempts
		return flagged
	}
	return d
}

// --- LLM decider ---

const decideSystemPrompt = `You match a building-services survey observation to a SPONS catalogue item.
You may ONLY choose an item_code from the candidate list. Never invent or alter a code.
Weigh, in order: similarity rank, unit_matches, trade_matches, and how well the description
covers the refined sentence (asset, work type, size or rating).
Actions:
- SELECT with selected_item_code and a confidence between 0 and 1.
- FLAG_FOR_REVIEW when no candidate fits.
- ASK_CLARIFICATION with a literal clarification_question when the observation has several equally plausible readings.
Respond with JSON only:
{"action": "", "selected_item_code": "", "rationale": "", "confidence": 0.0, "clarification_question": ""}`

const decideUserPrompt = `Observation: %s
Refined: %s
QS action: %s, condition: %s, location: %s

Candidates:
%s`

// LLMDecider asks a reasoning model to choose, retrying with feedback when
// the reply is malformed or names a code outside the candidate list.
type LLMDecider struct {
	llm         LLM
	maxAttempts int
}

// NewLLMDecider creates an LLMDecider.
func NewLLMDecider(llm LLM, maxAttempts int) *LLMDecider {
	return &LLMDecider{llm: llm, maxAttempts: maxAttempts}
}

type decisionOutput struct {
	Action                string  `json:"action"`
	SelectedItemCode      *string `json:"selected_item_code"`
	Rationale             string  `json:"rationale"`
	Confidence            float64 `json:"confidence"`
	ClarificationQuestion *string `json:"clarification_question"`
}

type decideAttempt struct {
	decision model.Decision
	raw      string
	inSet    bool
}

// Decide implements Decider.
func (d *LLMDecider) Decide(ctx context.Context, refined model.RefinedObservation, candidates []model.Candidate) (DecideResult, error) {
	if len(candidates) == 0 {
		return DecideResult{}, ErrNoCandidates
	}

	byCode := make(map[string]string, len(candidates))
	for _, c := range candidates {
		byCode[strings.ToUpper(c.Item.ItemCode)] = c.ID
	}
	prompt := fmt.Sprintf(decideUserPrompt,
		refined.Observation.DescriptiveText(),
		refined.RefinedSentence,
		refined.QSAction, refined.QSCondition, refined.Observation.Location,
		formatCandidates(candidates),
	)

	var usage model.TokenUsage
	res := resilience.Attempt(ctx, resilience.AttemptPolicy[decideAttempt]{
		MaxAttempts: d.maxAttempts,
		Good:        func(a decideAttempt) bool { return a.inSet },
		Better: func(a, b decideAttempt) bool {
			if a.inSet != b.inSet {
				return a.inSet
			}
			return a.decision.Confidence > b.decision.Confidence
		},
		Reformulate: func(_ int, prev decideAttempt, err error) string {
			if err != nil {
				return err.Error()
			}
			return fmt.Sprintf("item code %q is not in the candidate list; choose only a listed item_code or use FLAG_FOR_REVIEW", prev.raw)
		},
	}, func(ctx context.Context, attempt int, feedback string) (decideAttempt, error) {
		text, u, err := d.llm.ask(ctx, decideSystemPrompt, withFeedback(prompt, feedback), attemptTemperature(attempt))
		usage.Add(u)
		if err != nil {
			return decideAttempt{}, err
		}
		var out decisionOutput
		if err := decodeOutput(schemaDecision, text, &out); err != nil {
			return decideAttempt{}, err
		}

		dec := model.Decision{
			Action:     model.DecisionAction(strings.ToUpper(strings.TrimSpace(out.Action))),
			Rationale:  out.Rationale,
			Confidence: out.Confidence,
			SelectedBy: model.SelectedByAgent,
		}
		if dec.Action == model.ActionAskClarification && out.ClarificationQuestion != nil {
			dec.ClarificationQuestion = strings.TrimSpace(*out.ClarificationQuestion)
		}
		a := decideAttempt{decision: dec, inSet: true}
		if dec.Action == model.ActionSelect {
			if out.SelectedItemCode != nil {
				a.raw = strings.TrimSpace(*out.SelectedItemCode)
			}
			id, ok := byCode[strings.ToUpper(a.raw)]
			a.inSet = ok
			a.decision.SelectedCandidateID = id
		}
		return a, nil
	})

	if !res.OK {
		zap.L().Warn("decide: engine unavailable, flagging for review",
			zap.String("asset_type", refined.Observation.AssetType),
			zap.Int("attempts", res.Attempts),
			zap.Error(res.Err),
		)
		dec := model.FlagForReview("decision engine returned no usable answer", string(KindExternalCallFailure))
		dec.Attempts = res.Attempts
		return DecideResult{
			Decision: dec,
			Usage:    usage,
			Failure:  stageErr(KindExternalCallFailure, "decide", res.Err),
		}, nil
	}

	out := DecideResult{Decision: res.Value.decision, RawSelection: res.Value.raw, Usage: usage}
	out.Decision.Attempts = res.Attempts
	if !res.Value.inSet {
		out.Failure = stageErr(KindInvalidSelection, "decide", ErrInvalidSelection)
	}
	return out, nil
}

func formatCandidates(candidates []model.Candidate) string {
	var sb strings.Builder
	for _, c := range candidates {
		fmt.Fprintf(&sb, "%d. item_code=%s | %s | unit=%s | trade=%s | similarity=%.3f | unit_matches=%t | trade_matches=%t\n",
			c.Rank, c.Item.ItemCode, c.Item.Description, c.Item.Unit, c.Item.Trade,
			c.SimilarityScore, c.UnitMatches, c.TradeMatches)
	}
	return sb.String()
}

// --- Heuristic decider ---

// HeuristicDecider chooses without a reasoning model: similarity adjusted
// by the filter flags and word overlap with the refined sentence. Two
// distinct items scoring within the ambiguity margin produce a
// clarification question.
type HeuristicDecider struct {
	margin float64
}

// NewHeuristicDecider creates a HeuristicDecider. A non-positive margin
// uses DefaultAmbiguityMargin.
func NewHeuristicDecider(margin float64) *HeuristicDecider {
	if margin <= 0 {
		margin = DefaultAmbiguityMargin
	}
	return &HeuristicDecider{margin: margin}
}

// Decide implements Decider.
func (h *HeuristicDecider) Decide(_ context.Context, refined model.RefinedObservation, candidates []model.Candidate) (DecideResult, error) {
	if len(candidates) == 0 {
		return DecideResult{}, ErrNoCandidates
	}

	query := refined.RefinedSentence
	if query == "" {
		query = refined.Observation.DescriptiveText()
	}
	words := wordSet(query + " " + refined.QSAsset)

	best, second := -1, -1
	scores := make([]float64, len(candidates))
	for i, c := range candidates {
		scores[i] = heuristicScore(c, words)
		switch {
		case best < 0 || scores[i] > scores[best]:
			second = best
			best = i
		case second < 0 || scores[i] > scores[second]:
			second = i
		}
	}

	top := candidates[best]
	if second >= 0 && scores[best]-scores[second] < h.margin &&
		!strings.EqualFold(top.Item.Description, candidates[second].Item.Description) {
		other := candidates[second]
		return DecideResult{Decision: model.Decision{
			Action: model.ActionAskClarification,
			Rationale: fmt.Sprintf("%s (%.3f) and %s (%.3f) are equally plausible",
				top.Item.ItemCode, scores[best], other.Item.ItemCode, scores[second]),
			Confidence: scores[best],
			ClarificationQuestion: fmt.Sprintf("For the %s at %s, is it %q or %q?",
				strings.ToLower(refined.Observation.AssetType), locationOr(refined.Observation.Location),
				top.Item.Description, other.Item.Description),
			SelectedBy: model.SelectedByAgent,
			Attempts:   1,
		}}, nil
	}

	return DecideResult{Decision: model.Decision{
		Action:              model.ActionSelect,
		SelectedCandidateID: top.ID,
		Rationale: fmt.Sprintf("%s ranked %d with similarity %.3f, unit_matches=%t, trade_matches=%t",
			top.Item.ItemCode, top.Rank, top.SimilarityScore, top.UnitMatches, top.TradeMatches),
		Confidence: scores[best],
		SelectedBy: model.SelectedByAgent,
		Attempts:   1,
	}}, nil
}

func heuristicScore(c model.Candidate, query map[string]bool) float64 {
	score := c.SimilarityScore
	if !c.UnitMatches {
		score -= 0.1
	}
	if !c.TradeMatches {
		score -= 0.1
	}
	if len(query) > 0 {
		overlap := 0
		desc := wordSet(c.Item.Description)
		for w := range query {
			if desc[w] {
				overlap++
			}
		}
		score += 0.1 * (float64(overlap)/float64(len(query)) - 0.5)
	}
	return math.Max(0, math.Min(1, score))
}

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "has": true,
	"are": true, "was": true, "from": true, "into": true, "its": true,
}

// wordSet lower-cases s and keeps alphanumeric words of three or more
// characters.
func wordSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	}) {
		if len(w) >= 3 && !stopWords[w] {
			out[w] = true
		}
	}
	return out
}

func locationOr(loc string) string {
	if loc == "" {
		return "this location"
	}
	return loc
}
