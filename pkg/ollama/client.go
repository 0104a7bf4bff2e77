// Package ollama embeds text with a local Ollama server.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/spons-match/internal/resilience"
)

const (
	defaultBaseURL = "http://localhost:11434"
	defaultModel   = "nomic-embed-text"
)

// Client embeds text through Ollama's /api/embeddings endpoint.
type Client struct {
	baseURL string
	model   string
	http    *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// NewClient creates an Ollama client. Empty arguments select the local
// default server and nomic-embed-text.
func NewClient(baseURL, model string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if model == "" {
		model = defaultModel
	}
	c := &Client{
		baseURL: baseURL,
		model:   model,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed returns one vector per text. Ollama does not report token usage, so
// the token count is always zero.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, int, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := c.embedOne(ctx, text)
		if err != nil {
			return nil, 0, eris.Wrapf(err, "ollama: embed text %d", i)
		}
		out[i] = vec
	}
	return out, 0, nil
}

func (c *Client) embedOne(ctx context.Context, text string) ([]float32, error) {
	payload, err := json.Marshal(embedRequest{Model: c.model, Prompt: text})
	if err != nil {
		return nil, eris.Wrap(err, "ollama: marshal request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, eris.Wrap(err, "ollama: create request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "ollama: request failed")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("ollama: unexpected status %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, err
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, eris.Wrap(err, "ollama: decode response")
	}
	if len(out.Embedding) == 0 {
		return nil, eris.New("ollama: empty embedding")
	}
	zap.L().Debug("ollama: embedded text", zap.String("model", c.model), zap.Int("dims", len(out.Embedding)))
	return out.Embedding, nil
}
