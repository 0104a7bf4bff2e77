// Package jina provides a client for the Jina AI Embeddings API.
package jina

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/spons-match/internal/resilience"
)

const (
	defaultBaseURL = "https://api.jina.ai"
	defaultModel   = "jina-embeddings-v3"
	// defaultTask is symmetric so observations and catalogue rows land in
	// the same space.
	defaultTask = "text-matching"
	maxBatch    = 64
)

// Client embeds text with Jina.
type Client interface {
	// Embed returns one vector per input text, in input order, and the
	// number of tokens billed.
	Embed(ctx context.Context, texts []string) ([][]float32, int, error)
}

type embedRequest struct {
	Model      string   `json:"model"`
	Task       string   `json:"task,omitempty"`
	Dimensions int      `json:"dimensions,omitempty"`
	Input      []string `json:"input"`
}

type embedResponse struct {
	Model string `json:"model"`
	Data  []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// Option configures the Jina client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *httpClient) { c.baseURL = url }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) { c.http = hc }
}

// WithModel selects the embedding model.
func WithModel(model string) Option {
	return func(c *httpClient) { c.model = model }
}

// WithDimensions truncates vectors to n dimensions (Matryoshka models).
func WithDimensions(n int) Option {
	return func(c *httpClient) { c.dimensions = n }
}

// WithBackoff sets the first retry delay.
func WithBackoff(d time.Duration) Option {
	return func(c *httpClient) { c.backoff = d }
}

type httpClient struct {
	apiKey     string
	baseURL    string
	model      string
	dimensions int
	backoff    time.Duration
	http       *http.Client
}

// NewClient creates a Jina embeddings client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		model:   defaultModel,
		backoff: time.Second,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Embed(ctx context.Context, texts []string) ([][]float32, int, error) {
	out := make([][]float32, 0, len(texts))
	tokens := 0
	for start := 0; start < len(texts); start += maxBatch {
		end := min(start+maxBatch, len(texts))
		vecs, n, err := c.embedChunk(ctx, texts[start:end])
		if err != nil {
			return nil, tokens, err
		}
		out = append(out, vecs...)
		tokens += n
	}
	return out, tokens, nil
}

func (c *httpClient) embedChunk(ctx context.Context, texts []string) ([][]float32, int, error) {
	payload, err := json.Marshal(embedRequest{
		Model:      c.model,
		Task:       defaultTask,
		Dimensions: c.dimensions,
		Input:      texts,
	})
	if err != nil {
		return nil, 0, eris.Wrap(err, "jina: marshal request")
	}

	body, status, err := c.retryDo(ctx, payload)
	if err != nil {
		return nil, 0, eris.Wrap(err, "jina: embed request failed")
	}
	if status != http.StatusOK {
		err := eris.Errorf("jina: unexpected status %d: %s", status, truncate(body, 256))
		if resilience.IsTransientHTTPStatus(status) {
			return nil, 0, resilience.NewTransientError(err, status)
		}
		return nil, 0, err
	}

	var resp embedResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, 0, eris.Wrap(err, "jina: unmarshal response")
	}
	if len(resp.Data) != len(texts) {
		return nil, 0, eris.Errorf("jina: got %d embeddings for %d inputs", len(resp.Data), len(texts))
	}
	sort.Slice(resp.Data, func(i, j int) bool { return resp.Data[i].Index < resp.Data[j].Index })

	vecs := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		vecs[i] = d.Embedding
	}
	return vecs, resp.Usage.TotalTokens, nil
}

// retryDo posts payload with exponential backoff on network errors and
// retryable statuses. It returns the final body and status; a retryable
// status on the last attempt is returned, not turned into an error.
func (c *httpClient) retryDo(ctx context.Context, payload []byte) ([]byte, int, error) {
	const maxAttempts = 3
	backoff := c.backoff

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/embeddings", bytes.NewReader(payload))
		if err != nil {
			return nil, 0, eris.Wrap(err, "jina: create request")
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err == nil {
			body, readErr := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if readErr != nil {
				return nil, resp.StatusCode, eris.Wrap(readErr, "jina: read response body")
			}
			if !resilience.IsTransientHTTPStatus(resp.StatusCode) || attempt == maxAttempts {
				return body, resp.StatusCode, nil
			}
			lastErr = eris.Errorf("jina: status %d", resp.StatusCode)
		} else {
			lastErr = err
			if attempt == maxAttempts {
				break
			}
		}

		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, 0, resilience.NewTransientError(lastErr, 0)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
