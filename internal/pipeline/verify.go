package pipeline

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/spons-match/internal/model"
	"github.com/sells-group/spons-match/internal/resilience"
	"github.com/sells-group/spons-match/internal/taxonomy"
)

// DefaultVerifyPassScore is the minimum total out of 100 for a verified
// decision.
const DefaultVerifyPassScore = 75

// Verifier names recorded on verifications.
const (
	VerifierModel     = "model"
	VerifierHeuristic = "heuristic"
	VerifierHuman     = "human"
)

// VerifyResult is the outcome of one verification pass.
type VerifyResult struct {
	Verification model.Verification
	Usage        model.TokenUsage
	Failure      *StageError
}

// Verifier independently scores a chosen candidate against the refined
// observation.
type Verifier interface {
	Verify(ctx context.Context, refined model.RefinedObservation, decision model.Decision, selected model.Candidate) (VerifyResult, error)
}

// scoreVerification clamps the criteria and applies the pass score.
func scoreVerification(scores model.VerificationScores, passScore int, reasoning, verifier string) model.Verification {
	scores = scores.Clamp()
	total := scores.Total()
	return model.Verification{
		Verified:   total >= passScore,
		Confidence: float64(total) / 100,
		Reasoning:  reasoning,
		Scores:     scores,
		Total:      total,
		Verifier:   verifier,
	}
}

// --- LLM verifier ---

const verifySystemPrompt = `You are a quantity surveyor checking another estimator's catalogue match.
Score the chosen SPONS item against the observation on four criteria, each 0-25:
- asset_relevance: is it the same kind of asset?
- trade_alignment: is it the right trade discipline?
- work_classification: does the item's work (repair, replace, install...) fit what is needed?
- technical_spec: do size, rating, capacity and unit fit?
Be strict. Do not reuse the estimator's rationale as evidence.
Respond with JSON only:
{"asset_relevance": 0, "trade_alignment": 0, "work_classification": 0, "technical_spec": 0, "reasoning": ""}`

const verifyUserPrompt = `Observation: %s
Refined: %s (action %s, condition %s)

Chosen item: %s | %s | unit=%s | trade=%s`

// LLMVerifier scores with a reasoning model.
type LLMVerifier struct {
	llm         LLM
	passScore   int
	maxAttempts int
}

// NewLLMVerifier creates an LLMVerifier. A non-positive passScore uses
// DefaultVerifyPassScore.
func NewLLMVerifier(llm LLM, passScore, maxAttempts int) *LLMVerifier {
	if passScore <= 0 {
		passScore = DefaultVerifyPassScore
	}
	return &LLMVerifier{llm: llm, passScore: passScore, maxAttempts: maxAttempts}
}

type verificationOutput struct {
	AssetRelevance     int    `json:"asset_relevance"`
	TradeAlignment     int    `json:"trade_alignment"`
	WorkClassification int    `json:"work_classification"`
	TechnicalSpec      int    `json:"technical_spec"`
	Reasoning          string `json:"reasoning"`
}

// Verify implements Verifier. When no usable score comes back the
// verification is unverified, which routes the item to review.
func (v *LLMVerifier) Verify(ctx context.Context, refined model.RefinedObservation, _ model.Decision, selected model.Candidate) (VerifyResult, error) {
	prompt := fmt.Sprintf(verifyUserPrompt,
		refined.Observation.DescriptiveText(),
		refined.RefinedSentence, refined.QSAction, refined.QSCondition,
		selected.Item.ItemCode, selected.Item.Description, selected.Item.Unit, selected.Item.Trade,
	)

	var usage model.TokenUsage
	res := resilience.Attempt(ctx, resilience.AttemptPolicy[model.Verification]{
		MaxAttempts: v.maxAttempts,
		Reformulate: func(_ int, _ model.Verification, err error) string {
			if err == nil {
				return ""
			}
			return err.Error()
		},
	}, func(ctx context.Context, attempt int, feedback string) (model.Verification, error) {
		text, u, err := v.llm.ask(ctx, verifySystemPrompt, withFeedback(prompt, feedback), attemptTemperature(attempt))
		usage.Add(u)
		if err != nil {
			return model.Verification{}, err
		}
		var out verificationOutput
		if err := decodeOutput(schemaVerification, text, &out); err != nil {
			return model.Verification{}, err
		}
		return scoreVerification(model.VerificationScores{
			AssetRelevance:     out.AssetRelevance,
			TradeAlignment:     out.TradeAlignment,
			WorkClassification: out.WorkClassification,
			TechnicalSpec:      out.TechnicalSpec,
		}, v.passScore, out.Reasoning, VerifierModel), nil
	})

	if !res.OK {
		zap.L().Warn("verify: no usable verification, leaving unverified",
			zap.String("item_code", selected.Item.ItemCode),
			zap.Error(res.Err),
		)
		return VerifyResult{
			Verification: model.Verification{
				Reasoning: "verification unavailable",
				Verifier:  VerifierModel,
			},
			Usage:   usage,
			Failure: stageErr(KindExternalCallFailure, "verify", res.Err),
		}, nil
	}

	out := VerifyResult{Verification: res.Value, Usage: usage}
	if !res.Value.Verified {
		out.Failure = stageErr(KindVerificationFailed, "verify",
			fmt.Errorf("scored %d, needs %d", res.Value.Total, v.passScore))
	}
	return out, nil
}

// --- Heuristic verifier ---

// HeuristicVerifier scores from the catalogue row and the vocabulary
// tables alone.
type HeuristicVerifier struct {
	taxonomy  *taxonomy.Taxonomy
	passScore int
}

// NewHeuristicVerifier creates a HeuristicVerifier.
func NewHeuristicVerifier(passScore int) *HeuristicVerifier {
	if passScore <= 0 {
		passScore = DefaultVerifyPassScore
	}
	return &HeuristicVerifier{taxonomy: taxonomy.Default(), passScore: passScore}
}

var actionWords = map[model.QSAction][]string{
	model.ActionRepair:   {"repair", "make good", "overhaul", "refurbish", "fix"},
	model.ActionReplace:  {"replace", "replacement", "renew", "remove and", "strip out"},
	model.ActionInspect:  {"inspect", "test", "survey", "check", "commission"},
	model.ActionInstall:  {"install", "supply and fix", "supply and install", "provide", "new"},
	model.ActionMaintain: {"maintain", "service", "clean", "lubricate", "maintenance"},
}

// Verify implements Verifier.
func (h *HeuristicVerifier) Verify(_ context.Context, refined model.RefinedObservation, _ model.Decision, selected model.Candidate) (VerifyResult, error) {
	desc := strings.ToLower(selected.Item.Description)
	var scores model.VerificationScores
	var notes []string

	asset := wordSet(refined.QSAsset + " " + refined.Observation.AssetType)
	if len(asset) > 0 {
		hit := 0
		for w := range asset {
			if strings.Contains(desc, w) {
				hit++
			}
		}
		scores.AssetRelevance = 25 * hit / len(asset)
	}
	notes = append(notes, fmt.Sprintf("asset %d/25", scores.AssetRelevance))

	want, ok := h.taxonomy.TradeForAsset(refined.Observation.AssetType)
	if !ok {
		want = refined.Observation.Trade
	}
	switch {
	case selected.Item.Trade == want:
		scores.TradeAlignment = 25
	case want == model.TradeGeneral || selected.Item.Trade == model.TradeGeneral:
		scores.TradeAlignment = 12
	}
	notes = append(notes, fmt.Sprintf("trade %d/25", scores.TradeAlignment))

	scores.WorkClassification = 10
	for _, w := range actionWords[refined.QSAction] {
		if strings.Contains(desc, w) {
			scores.WorkClassification = 25
			break
		}
	}
	notes = append(notes, fmt.Sprintf("work %d/25", scores.WorkClassification))

	unit := taxonomy.DefaultUnit
	if q := refined.Observation.Quantity; q != nil && q.Unit != "" {
		unit = q.Unit
	}
	if h.taxonomy.UnitsCompatible(unit, selected.Item.Unit) {
		scores.TechnicalSpec += 15
	}
	scores.TechnicalSpec += specScore(refined.Observation.Attributes, desc)
	notes = append(notes, fmt.Sprintf("spec %d/25", scores.TechnicalSpec))

	ver := scoreVerification(scores, h.passScore, strings.Join(notes, ", "), VerifierHeuristic)
	out := VerifyResult{Verification: ver}
	if !ver.Verified {
		out.Failure = stageErr(KindVerificationFailed, "verify",
			fmt.Errorf("scored %d, needs %d", ver.Total, h.passScore))
	}
	return out, nil
}

// specScore awards up to 10 points for spoken size or rating appearing in
// the description. With no spoken attributes there is nothing to contradict.
func specScore(a model.Attributes, desc string) int {
	var specs []string
	for _, p := range []*string{a.Size, a.Rating, a.Phase} {
		if p != nil && strings.TrimSpace(*p) != "" {
			specs = append(specs, strings.ToLower(strings.TrimSpace(*p)))
		}
	}
	if len(specs) == 0 {
		return 10
	}
	hit := 0
	for _, s := range specs {
		if strings.Contains(desc, s) {
			hit++
		}
	}
	return 10 * hit / len(specs)
}
