package pipeline

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/spons-match/internal/model"
	"github.com/sells-group/spons-match/internal/resilience"
	"github.com/sells-group/spons-match/pkg/anthropic"
)

// Pricer converts token usage into dollars. *cost.Calculator satisfies it.
type Pricer interface {
	Claude(model string, isBatch bool, input, output, cacheWrite, cacheRead int) float64
	Embedding(tokens int) float64
}

// LLM sends single-turn prompts to one model, optionally retried and
// behind a circuit breaker. Retry and Pricer may be nil.
type LLM struct {
	Client    anthropic.Client
	Breaker   *resilience.CircuitBreaker
	Retry     *resilience.RetryConfig
	Pricer    Pricer
	Model     string
	MaxTokens int64
}

func (r LLM) request(system, user string, temperature float64) anthropic.MessageRequest {
	maxTokens := r.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return anthropic.MessageRequest{
		Model:       r.Model,
		MaxTokens:   maxTokens,
		System:      anthropic.BuildCachedSystemBlocks(system),
		Messages:    []anthropic.Message{{Role: "user", Content: user}},
		Temperature: &temperature,
	}
}

// ask returns the reply text and its usage.
func (r LLM) ask(ctx context.Context, system, user string, temperature float64) (string, model.TokenUsage, error) {
	if r.Client == nil {
		return "", model.TokenUsage{}, eris.New("pipeline: no reasoning client configured")
	}
	req := r.request(system, user, temperature)
	call := func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return r.Client.CreateMessage(ctx, req)
	}

	resp, err := guarded(ctx, r.Breaker, r.Retry, resilience.ServiceAnthropic, call)
	if err != nil {
		return "", model.TokenUsage{}, err
	}
	return extractText(resp), r.usage(resp.Usage, false), nil
}

// guarded runs call with transient retries inside the breaker, so one
// retried request counts as a single breaker outcome.
func guarded[T any](ctx context.Context, cb *resilience.CircuitBreaker, retry *resilience.RetryConfig, service string, call func(context.Context) (T, error)) (T, error) {
	fn := call
	if retry != nil {
		cfg := *retry
		if cfg.OnRetry == nil {
			cfg.OnRetry = resilience.RetryLogger(service, "call")
		}
		fn = func(ctx context.Context) (T, error) {
			return resilience.DoVal(ctx, cfg, call)
		}
	}
	if cb != nil {
		return resilience.ExecuteVal(ctx, cb, fn)
	}
	return fn(ctx)
}

// usage converts API usage and prices it for this model.
func (r LLM) usage(u anthropic.TokenUsage, isBatch bool) model.TokenUsage {
	out := usageFrom(u)
	if r.Pricer != nil {
		out.Cost = r.Pricer.Claude(r.Model, isBatch,
			out.InputTokens, out.OutputTokens, out.CacheCreationTokens, out.CacheReadTokens)
	}
	return out
}

// attemptTemperature raises sampling temperature on retries so a
// reformulated prompt is not answered identically.
func attemptTemperature(attempt int) float64 {
	switch attempt {
	case 1:
		return 0
	case 2:
		return 0.3
	default:
		return 0.6
	}
}

func usageFrom(u anthropic.TokenUsage) model.TokenUsage {
	return model.TokenUsage{
		InputTokens:         int(u.InputTokens),
		OutputTokens:        int(u.OutputTokens),
		CacheCreationTokens: int(u.CacheCreationInputTokens),
		CacheReadTokens:     int(u.CacheReadInputTokens),
	}
}

// extractText returns the concatenated text content from a response.
func extractText(resp *anthropic.MessageResponse) string {
	if resp == nil {
		return ""
	}
	var parts []string
	for _, block := range resp.Content {
		if block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// cleanJSON strips markdown fences and any prose around the outermost JSON
// object.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimSuffix(text, "```")
		text = strings.TrimSpace(text)
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(text, "```")
		text = strings.TrimSpace(text)
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}
	return text
}

// withFeedback appends the reformulation note from a previous attempt.
func withFeedback(prompt, feedback string) string {
	if feedback == "" {
		return prompt
	}
	return prompt + "\n\nYour previous answer was rejected: " + feedback + "\nAnswer again with JSON only."
}
