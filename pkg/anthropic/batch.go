package anthropic

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// PollOption configures PollBatch.
type PollOption func(*pollConfig)

type pollConfig struct {
	initial time.Duration
	cap     time.Duration
	timeout time.Duration
}

// WithPollInterval sets the first poll delay. Default: 2s.
func WithPollInterval(d time.Duration) PollOption {
	return func(c *pollConfig) { c.initial = d }
}

// WithPollCap caps the poll delay. Default: 15s.
func WithPollCap(d time.Duration) PollOption {
	return func(c *pollConfig) { c.cap = d }
}

// WithPollTimeout bounds the whole poll when ctx has no deadline.
// Default: 30m.
func WithPollTimeout(d time.Duration) PollOption {
	return func(c *pollConfig) { c.timeout = d }
}

// PollBatch waits for a batch to end, doubling the delay between polls up to
// the cap with ±20% jitter. Expired and canceled batches are errors.
func PollBatch(ctx context.Context, client Client, batchID string, opts ...PollOption) (*BatchResponse, error) {
	cfg := pollConfig{initial: 2 * time.Second, cap: 15 * time.Second, timeout: 30 * time.Minute}
	for _, opt := range opts {
		opt(&cfg)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.timeout)
		defer cancel()
	}

	delay := cfg.initial
	for {
		batch, err := client.GetBatch(ctx, batchID)
		if err != nil {
			return nil, eris.Wrapf(err, "anthropic: poll batch %s", batchID)
		}
		switch batch.ProcessingStatus {
		case "ended":
			return batch, nil
		case "expired":
			return batch, eris.Errorf("anthropic: batch %s expired", batchID)
		case "canceled", "canceling":
			return batch, eris.Errorf("anthropic: batch %s canceled", batchID)
		}

		select {
		case <-ctx.Done():
			return nil, eris.Wrapf(ctx.Err(), "anthropic: poll batch %s", batchID)
		case <-time.After(delay):
		}
		delay = nextPollDelay(delay, cfg.cap)
	}
}

func nextPollDelay(d, limit time.Duration) time.Duration {
	d *= 2
	if d > limit {
		d = limit
	}
	if fifth := int64(d) / 5; fifth > 0 {
		d += time.Duration(rand.Int64N(2*fifth+1) - fifth)
	}
	return d
}

// BatchFailure is a batch item that did not succeed.
type BatchFailure struct {
	CustomID string
	Type     string
}

// BatchCollectResult holds a drained batch.
type BatchCollectResult struct {
	Succeeded map[string]*MessageResponse
	Failures  []BatchFailure
}

// CollectBatchResults drains iter, keying successes by custom ID.
func CollectBatchResults(iter BatchResultIterator) (*BatchCollectResult, error) {
	defer iter.Close() //nolint:errcheck

	res := &BatchCollectResult{Succeeded: make(map[string]*MessageResponse)}
	for iter.Next() {
		item := iter.Item()
		if item.Type == "succeeded" && item.Message != nil {
			res.Succeeded[item.CustomID] = item.Message
			continue
		}
		res.Failures = append(res.Failures, BatchFailure{CustomID: item.CustomID, Type: item.Type})
	}
	if err := iter.Err(); err != nil {
		return nil, eris.Wrap(err, "anthropic: collect batch results")
	}
	if len(res.Failures) > 0 {
		zap.L().Warn("anthropic: batch items failed",
			zap.Int("succeeded", len(res.Succeeded)),
			zap.Int("failed", len(res.Failures)),
		)
	}
	return res, nil
}

// RunBatch submits req, waits for it to end and collects its results.
func RunBatch(ctx context.Context, client Client, req BatchRequest, opts ...PollOption) (*BatchCollectResult, error) {
	batch, err := client.CreateBatch(ctx, req)
	if err != nil {
		return nil, err
	}
	zap.L().Debug("anthropic: batch submitted",
		zap.String("batch_id", batch.ID),
		zap.Int("requests", len(req.Requests)),
	)

	if _, err := PollBatch(ctx, client, batch.ID, opts...); err != nil {
		return nil, err
	}
	iter, err := client.GetBatchResults(ctx, batch.ID)
	if err != nil {
		return nil, err
	}
	return CollectBatchResults(iter)
}
