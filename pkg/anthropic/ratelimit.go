package anthropic

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/spons-match/internal/resilience"
)

// AdaptiveLimiter is a token bucket that speeds up by 20% after successes
// (up to twice the initial rate) and halves after a 429 (down to a quarter).
type AdaptiveLimiter struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	current rate.Limit
	min     rate.Limit
	max     rate.Limit
}

// NewAdaptiveLimiter creates a limiter starting at rps requests per second.
func NewAdaptiveLimiter(rps float64, burst int) *AdaptiveLimiter {
	initial := rate.Limit(rps)
	return &AdaptiveLimiter{
		limiter: rate.NewLimiter(initial, burst),
		current: initial,
		min:     initial / 4,
		max:     initial * 2,
	}
}

// Wait blocks until a request may proceed.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// Limit returns the current rate.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

func (a *AdaptiveLimiter) onSuccess() {
	a.setLimit(a.current * 1.2)
}

func (a *AdaptiveLimiter) onRateLimited() {
	a.setLimit(a.current * 0.5)
	zap.L().Warn("anthropic: rate limited, slowing down", zap.Float64("rps", float64(a.Limit())))
}

func (a *AdaptiveLimiter) setLimit(l rate.Limit) {
	a.mu.Lock()
	defer a.mu.Unlock()
	l = max(a.min, min(a.max, l))
	a.current = l
	a.limiter.SetLimit(l)
}

type rateLimitedClient struct {
	Client
	limiter *AdaptiveLimiter
}

// NewRateLimited throttles CreateMessage and CreateBatch through limiter.
// Polling and result reads pass through unthrottled.
func NewRateLimited(client Client, limiter *AdaptiveLimiter) Client {
	return &rateLimitedClient{Client: client, limiter: limiter}
}

func (c *rateLimitedClient) CreateMessage(ctx context.Context, req MessageRequest) (*MessageResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	resp, err := c.Client.CreateMessage(ctx, req)
	c.observe(err)
	return resp, err
}

func (c *rateLimitedClient) CreateBatch(ctx context.Context, req BatchRequest) (*BatchResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	resp, err := c.Client.CreateBatch(ctx, req)
	c.observe(err)
	return resp, err
}

func (c *rateLimitedClient) observe(err error) {
	if err == nil {
		c.limiter.onSuccess()
		return
	}
	var te *resilience.TransientError
	if errors.As(err, &te) && te.StatusCode == 429 {
		c.limiter.onRateLimited()
	}
}
