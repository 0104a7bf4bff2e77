// Package anthropic wraps the Anthropic Messages and Message Batches APIs
// behind a small interface the matching pipeline can mock.
package anthropic

import (
	"context"
	"errors"
	"net/http"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/jsonl"
	"github.com/rotisserie/eris"

	"github.com/sells-group/spons-match/internal/resilience"
)

// Client is the subset of the Anthropic API the pipeline uses.
type Client interface {
	CreateMessage(ctx context.Context, req MessageRequest) (*MessageResponse, error)
	CreateBatch(ctx context.Context, req BatchRequest) (*BatchResponse, error)
	GetBatch(ctx context.Context, batchID string) (*BatchResponse, error)
	GetBatchResults(ctx context.Context, batchID string) (BatchResultIterator, error)
}

// BatchResultIterator streams results of an ended batch.
type BatchResultIterator interface {
	Next() bool
	Item() BatchResultItem
	Err() error
	Close() error
}

// MessageRequest is a single Messages API call.
type MessageRequest struct {
	Model       string
	MaxTokens   int64
	System      []SystemBlock
	Messages    []Message
	Temperature *float64
}

// SystemBlock is one system prompt block.
type SystemBlock struct {
	Text         string
	CacheControl *CacheControl
}

// CacheControl marks a block as a prompt cache breakpoint.
type CacheControl struct {
	TTL string // "5m" or "1h"
}

// Message is one conversational turn.
type Message struct {
	Role    string // "user" or "assistant"
	Content string
}

// MessageResponse is the result of CreateMessage.
type MessageResponse struct {
	ID           string
	Model        string
	Content      []ContentBlock
	StopReason   string
	StopSequence string
	Usage        TokenUsage
}

// Text concatenates the response's text blocks.
func (r *MessageResponse) Text() string {
	if r == nil {
		return ""
	}
	var b strings.Builder
	for _, c := range r.Content {
		if c.Type == "text" || c.Type == "" {
			b.WriteString(c.Text)
		}
	}
	return b.String()
}

// ContentBlock is one block of response content.
type ContentBlock struct {
	Type string
	Text string
}

// TokenUsage is the token accounting returned with every message.
type TokenUsage struct {
	InputTokens              int64
	OutputTokens             int64
	CacheCreationInputTokens int64
	CacheReadInputTokens     int64
}

// Add accumulates another usage record.
func (u *TokenUsage) Add(o TokenUsage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
	u.CacheCreationInputTokens += o.CacheCreationInputTokens
	u.CacheReadInputTokens += o.CacheReadInputTokens
}

// BatchRequest submits many message requests at once.
type BatchRequest struct {
	Requests []BatchRequestItem
}

// BatchRequestItem is one keyed request within a batch.
type BatchRequestItem struct {
	CustomID string
	Params   MessageRequest
}

// BatchResponse describes a batch's processing state.
type BatchResponse struct {
	ID               string
	ProcessingStatus string
	ResultsURL       string
	RequestCounts    RequestCounts
}

// RequestCounts tallies a batch's requests by outcome.
type RequestCounts struct {
	Processing int64
	Succeeded  int64
	Errored    int64
	Canceled   int64
	Expired    int64
}

// BatchResultItem is one result from an ended batch.
type BatchResultItem struct {
	CustomID string
	Type     string // "succeeded", "errored", "canceled", "expired"
	Message  *MessageResponse
}

// Option configures the SDK-backed client.
type Option func(*clientOptions)

type clientOptions struct {
	baseURL    string
	maxRetries int
	httpClient *http.Client
}

// WithBaseURL points the client at a different API host (for testing).
func WithBaseURL(url string) Option {
	return func(o *clientOptions) { o.baseURL = url }
}

// WithMaxRetries sets the SDK's own retry count. Retries are normally left to
// the caller's resilience policy.
func WithMaxRetries(n int) Option {
	return func(o *clientOptions) { o.maxRetries = n }
}

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *clientOptions) { o.httpClient = hc }
}

type sdkClient struct {
	client sdk.Client
}

// NewClient creates a Client backed by anthropic-sdk-go.
func NewClient(apiKey string, opts ...Option) Client {
	o := clientOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(o.maxRetries),
	}
	if o.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(o.baseURL))
	}
	if o.httpClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(o.httpClient))
	}
	return &sdkClient{client: sdk.NewClient(reqOpts...)}
}

func (c *sdkClient) CreateMessage(ctx context.Context, req MessageRequest) (*MessageResponse, error) {
	msg, err := c.client.Messages.New(ctx, toSDKParams(req))
	if err != nil {
		return nil, wrapAPIError(err, "anthropic: create message")
	}
	return fromSDKMessage(msg), nil
}

func (c *sdkClient) CreateBatch(ctx context.Context, req BatchRequest) (*BatchResponse, error) {
	items := make([]sdk.MessageBatchNewParamsRequest, 0, len(req.Requests))
	for _, r := range req.Requests {
		p := toSDKParams(r.Params)
		items = append(items, sdk.MessageBatchNewParamsRequest{
			CustomID: r.CustomID,
			Params: sdk.MessageBatchNewParamsRequestParams{
				Model:       p.Model,
				MaxTokens:   p.MaxTokens,
				Messages:    p.Messages,
				System:      p.System,
				Temperature: p.Temperature,
			},
		})
	}

	batch, err := c.client.Messages.Batches.New(ctx, sdk.MessageBatchNewParams{Requests: items})
	if err != nil {
		return nil, wrapAPIError(err, "anthropic: create batch")
	}
	return fromSDKBatch(batch), nil
}

func (c *sdkClient) GetBatch(ctx context.Context, batchID string) (*BatchResponse, error) {
	batch, err := c.client.Messages.Batches.Get(ctx, batchID)
	if err != nil {
		return nil, wrapAPIError(err, "anthropic: get batch "+batchID)
	}
	return fromSDKBatch(batch), nil
}

func (c *sdkClient) GetBatchResults(ctx context.Context, batchID string) (BatchResultIterator, error) {
	stream := c.client.Messages.Batches.ResultsStreaming(ctx, batchID)
	if err := stream.Err(); err != nil {
		return nil, wrapAPIError(err, "anthropic: get batch results "+batchID)
	}
	return &streamIterator{stream: stream}, nil
}

// wrapAPIError marks rate limits, overload and 5xx responses as transient
// so resilience.Do retries them.
func wrapAPIError(err error, msg string) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		code := apiErr.StatusCode
		if resilience.IsTransientHTTPStatus(code) || code == 529 {
			return resilience.NewTransientError(eris.Wrap(err, msg), code)
		}
	}
	return eris.Wrap(err, msg)
}

type streamIterator struct {
	stream *jsonl.Stream[sdk.MessageBatchIndividualResponse]
	item   BatchResultItem
}

func (it *streamIterator) Next() bool {
	if !it.stream.Next() {
		return false
	}
	it.item = fromSDKBatchResult(it.stream.Current())
	return true
}

func (it *streamIterator) Item() BatchResultItem { return it.item }

func (it *streamIterator) Err() error { return it.stream.Err() }

func (it *streamIterator) Close() error { return it.stream.Close() }

func toSDKParams(req MessageRequest) sdk.MessageNewParams {
	p := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: req.MaxTokens,
		Messages:  make([]sdk.MessageParam, 0, len(req.Messages)),
	}
	for _, m := range req.Messages {
		block := sdk.NewTextBlock(m.Content)
		if m.Role == "assistant" {
			p.Messages = append(p.Messages, sdk.NewAssistantMessage(block))
		} else {
			p.Messages = append(p.Messages, sdk.NewUserMessage(block))
		}
	}
	for _, b := range req.System {
		tb := sdk.TextBlockParam{Text: b.Text}
		if b.CacheControl != nil {
			cc := sdk.NewCacheControlEphemeralParam()
			if b.CacheControl.TTL != "" {
				cc.TTL = sdk.CacheControlEphemeralTTL(b.CacheControl.TTL)
			}
			tb.CacheControl = cc
		}
		p.System = append(p.System, tb)
	}
	if req.Temperature != nil {
		p.Temperature = sdk.Float(*req.Temperature)
	}
	return p
}

func fromSDKMessage(msg *sdk.Message) *MessageResponse {
	out := &MessageResponse{
		ID:           msg.ID,
		Model:        string(msg.Model),
		StopReason:   string(msg.StopReason),
		StopSequence: msg.StopSequence,
		Content:      make([]ContentBlock, 0, len(msg.Content)),
		Usage: TokenUsage{
			InputTokens:              msg.Usage.InputTokens,
			OutputTokens:             msg.Usage.OutputTokens,
			CacheCreationInputTokens: msg.Usage.CacheCreationInputTokens,
			CacheReadInputTokens:     msg.Usage.CacheReadInputTokens,
		},
	}
	for _, b := range msg.Content {
		out.Content = append(out.Content, ContentBlock{Type: b.Type, Text: b.Text})
	}
	return out
}

func fromSDKBatch(b *sdk.MessageBatch) *BatchResponse {
	return &BatchResponse{
		ID:               b.ID,
		ProcessingStatus: string(b.ProcessingStatus),
		ResultsURL:       b.ResultsURL,
		RequestCounts: RequestCounts{
			Processing: b.RequestCounts.Processing,
			Succeeded:  b.RequestCounts.Succeeded,
			Errored:    b.RequestCounts.Errored,
			Canceled:   b.RequestCounts.Canceled,
			Expired:    b.RequestCounts.Expired,
		},
	}
}

func fromSDKBatchResult(resp sdk.MessageBatchIndividualResponse) BatchResultItem {
	item := BatchResultItem{CustomID: resp.CustomID, Type: resp.Result.Type}
	if item.Type == "succeeded" {
		msg := resp.Result.Message
		item.Message = fromSDKMessage(&msg)
	}
	return item
}
