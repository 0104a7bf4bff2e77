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

const splitSystemPrompt = `You split building-services field survey transcripts into observations.
An observation is one distinct asset with one defect or finding.
For every mention extract:
- asset_type: the equipment or building element ("Fire door", "AHU").
- issue: what is wrong, in the surveyor's words.
- location: where it is, if said.
- trade: one of Fire, HVAC, Mechanical, Electrical, General.
- attributes: size, rating, capacity_kw, phase, count, identifier when spoken.
- quantity: {"value": number, "unit": string} when an amount is spoken ("20 metres").
- confidence: high, medium or low.
Never merge two assets into one observation. Never invent assets that were not mentioned.
Respond with JSON only: {"observations": [ ... ]}`

const splitUserPrompt = "Transcript:\n%s"

// SplitResult is the outcome of one Split call.
type SplitResult struct {
	Observations []model.Observation
	// Degraded is true when the transcript could not be parsed and was
	// kept as a single low-confidence observation.
	Degraded bool
	Attempts int
	Usage    model.TokenUsage
	Failure  *StageError
}

// Splitter turns a transcript into discrete observations.
type Splitter struct {
	llm         LLM
	taxonomy    *taxonomy.Taxonomy
	maxAttempts int
}

// NewSplitter creates a Splitter. maxAttempts bounds reformulated retries.
func NewSplitter(llm LLM, maxAttempts int) *Splitter {
	return &Splitter{llm: llm, taxonomy: taxonomy.Default(), maxAttempts: maxAttempts}
}

type splitOutput struct {
	Observations []struct {
		AssetType  string           `json:"asset_type"`
		Issue      string           `json:"issue"`
		Location   string           `json:"location"`
		Trade      string           `json:"trade"`
		Confidence string           `json:"confidence"`
		Quantity   *model.Quantity  `json:"quantity"`
		Attributes model.Attributes `json:"attributes"`
	} `json:"observations"`
}

type splitAttempt struct {
	observations []model.Observation
	usage        model.TokenUsage
}

// Split extracts every asset/defect mention from transcript. It never
// fails: unparseable output after all attempts degrades to one
// low-confidence observation holding the whole transcript.
func (s *Splitter) Split(ctx context.Context, transcript string) SplitResult {
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		return SplitResult{}
	}

	var usage model.TokenUsage
	res := resilience.Attempt(ctx, resilience.AttemptPolicy[splitAttempt]{
		MaxAttempts: s.maxAttempts,
		Reformulate: func(_ int, _ splitAttempt, err error) string {
			if err == nil {
				return ""
			}
			return err.Error()
		},
	}, func(ctx context.Context, attempt int, feedback string) (splitAttempt, error) {
		prompt := withFeedback(fmt.Sprintf(splitUserPrompt, transcript), feedback)
		text, u, err := s.llm.ask(ctx, splitSystemPrompt, prompt, attemptTemperature(attempt))
		usage.Add(u)
		if err != nil {
			return splitAttempt{}, err
		}
		var out splitOutput
		if err := decodeOutput(schemaSplit, text, &out); err != nil {
			return splitAttempt{}, err
		}
		obs := make([]model.Observation, 0, len(out.Observations))
		for _, o := range out.Observations {
			obs = append(obs, s.normalize(model.Observation{
				AssetType:  o.AssetType,
				Issue:      o.Issue,
				Location:   o.Location,
				Trade:      model.Trade(o.Trade),
				Attributes: o.Attributes,
				Quantity:   o.Quantity,
				Confidence: model.ExtractionConfidence(o.Confidence),
			}))
		}
		return splitAttempt{observations: obs}, nil
	})

	if !res.OK {
		zap.L().Warn("split: degraded to single observation",
			zap.Int("attempts", res.Attempts),
			zap.Error(res.Err),
		)
		return SplitResult{
			Observations: []model.Observation{s.fallback(transcript)},
			Degraded:     true,
			Attempts:     res.Attempts,
			Usage:        usage,
			Failure:      stageErr(KindDegradedExtraction, "split", res.Err),
		}
	}

	zap.L().Debug("split: extracted observations",
		zap.Int("count", len(res.Value.observations)),
		zap.Int("attempts", res.Attempts),
	)
	return SplitResult{
		Observations: res.Value.observations,
		Attempts:     res.Attempts,
		Usage:        usage,
	}
}

// normalize trims fields and resolves trade and unit through the
// vocabulary tables. An asset with a known trade overrides a General or
// missing trade.
func (s *Splitter) normalize(o model.Observation) model.Observation {
	o.AssetType = strings.TrimSpace(o.AssetType)
	o.Issue = strings.TrimSpace(o.Issue)
	o.Location = strings.TrimSpace(o.Location)

	trade := s.taxonomy.NormalizeTrade(string(o.Trade))
	if trade == model.TradeGeneral {
		if t, ok := s.taxonomy.TradeForAsset(o.AssetType); ok {
			trade = t
		}
	}
	o.Trade = trade

	if o.Quantity != nil {
		o.Quantity.Unit = s.taxonomy.NormalizeUnit(o.Quantity.Unit)
	}
	switch o.Confidence {
	case model.ConfidenceHigh, model.ConfidenceMedium, model.ConfidenceLow:
	default:
		o.Confidence = model.ConfidenceMedium
	}
	return o
}

func (s *Splitter) fallback(transcript string) model.Observation {
	return s.normalize(model.Observation{
		AssetType:  "Unspecified asset",
		Issue:      transcript,
		Trade:      s.taxonomy.NormalizeTrade(transcript),
		Confidence: model.ConfidenceLow,
	})
}
