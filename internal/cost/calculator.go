// Package cost prices reasoning and embedding usage.
package cost

import (
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/spons-match/internal/config"
)

// Rates holds per-provider pricing configuration.
type Rates struct {
	Anthropic map[string]ModelRate `yaml:"anthropic" mapstructure:"anthropic"`
	Embedding EmbeddingRate        `yaml:"embedding" mapstructure:"embedding"`
}

// ModelRate holds per-model token pricing (per million tokens).
type ModelRate struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	BatchDiscount float64 `yaml:"batch_discount" mapstructure:"batch_discount"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// EmbeddingRate holds embedding pricing.
type EmbeddingRate struct {
	PerMTok float64 `yaml:"per_mtok" mapstructure:"per_mtok"`
}

// Calculator computes costs for API usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// FromConfig converts the pricing section of the configuration. Models
// missing from the configuration keep their default rates.
func FromConfig(cfg config.PricingConfig) Rates {
	rates := DefaultRates()
	for name, p := range cfg.Anthropic {
		rates.Anthropic[name] = ModelRate{
			Input:         p.Input,
			Output:        p.Output,
			BatchDiscount: p.BatchDiscount,
			CacheWriteMul: p.CacheWriteMul,
			CacheReadMul:  p.CacheReadMul,
		}
	}
	if cfg.Embedding.PerMTok > 0 {
		rates.Embedding.PerMTok = cfg.Embedding.PerMTok
	}
	return rates
}

// Claude computes the cost for a Claude API call.
func (c *Calculator) Claude(model string, isBatch bool, input, output, cacheWrite, cacheRead int) float64 {
	rate, ok := c.rate(model)
	if !ok {
		zap.L().Debug("cost: no rate for model", zap.String("model", model))
		return 0
	}

	batchMul := 1.0
	if isBatch && rate.BatchDiscount > 0 {
		batchMul = rate.BatchDiscount
	}

	inCost := (float64(input) / 1e6) * rate.Input * batchMul
	outCost := (float64(output) / 1e6) * rate.Output * batchMul
	cwCost := (float64(cacheWrite) / 1e6) * rate.Input * rate.CacheWriteMul * batchMul
	crCost := (float64(cacheRead) / 1e6) * rate.Input * rate.CacheReadMul * batchMul

	return inCost + outCost + cwCost + crCost
}

// rate looks a model up exactly, then by family prefix so that dated
// snapshots ("claude-haiku-4-5-20251001") match an undated key.
func (c *Calculator) rate(model string) (ModelRate, bool) {
	if r, ok := c.rates.Anthropic[model]; ok {
		return r, true
	}
	best := ""
	for name := range c.rates.Anthropic {
		if strings.HasPrefix(model, name) && len(name) > len(best) {
			best = name
		}
	}
	if best == "" {
		return ModelRate{}, false
	}
	return c.rates.Anthropic[best], true
}

// Embedding computes the cost for embedding token usage.
func (c *Calculator) Embedding(tokens int) float64 {
	return (float64(tokens) / 1e6) * c.rates.Embedding.PerMTok
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		Anthropic: map[string]ModelRate{
			"claude-haiku-4-5": {
				Input: 1.00, Output: 5.00,
				BatchDiscount: 0.5, CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
			"claude-sonnet-4-5": {
				Input: 3.00, Output: 15.00,
				BatchDiscount: 0.5, CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
			"claude-opus-4-1": {
				Input: 15.00, Output: 75.00,
				BatchDiscount: 0.5, CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
		},
		Embedding: EmbeddingRate{PerMTok: 0.02},
	}
}
