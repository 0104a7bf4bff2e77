package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/spons-match/internal/model"
	"github.com/sells-group/spons-match/internal/resilience"
	"github.com/sells-group/spons-match/internal/store"
)

// DeadLetterResult summarizes one retry sweep over the dead-letter queue.
type DeadLetterResult struct {
	Attempted int                 `json:"attempted"`
	Recovered int                 `json:"recovered"`
	Failed    int                 `json:"failed"`
	Exhausted int                 `json:"exhausted"`
	Items     []ObservationResult `json:"items"`
}

// deadLetter queues a line item whose run ended on a hard error so a later
// sweep can resume it. It reports whether the item was queued.
func (p *Pipeline) deadLetter(ctx context.Context, item *model.LineItem, cause error) bool {
	ctx = context.WithoutCancel(ctx)
	entry := resilience.DLQEntry{
		LineItemID:  item.ID,
		ProjectID:   item.ProjectID,
		Error:       cause.Error(),
		ErrorType:   resilience.ClassifyError(cause),
		MaxRetries:  resilience.DefaultDLQMaxRetries,
		NextRetryAt: time.Now().Add(resilience.DLQBackoff(1)),
	}
	if err := p.store.EnqueueDLQ(ctx, entry); err != nil {
		zap.L().Error("pipeline: enqueue dlq failed",
			zap.String("line_item_id", item.ID),
			zap.Error(err),
		)
		return false
	}
	zap.L().Warn("pipeline: line item dead-lettered",
		zap.String("line_item_id", item.ID),
		zap.String("error_type", entry.ErrorType),
	)
	return true
}

// RetryDeadLetters resumes every due line item in the dead-letter queue
// from its stored status. Recovered items leave the queue; failures are
// rescheduled with exponential backoff until their retries run out.
func (p *Pipeline) RetryDeadLetters(ctx context.Context, filter resilience.DLQFilter) (*DeadLetterResult, error) {
	entries, err := p.store.DequeueDLQ(ctx, filter)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: dequeue dlq")
	}

	out := &DeadLetterResult{}
	for _, e := range entries {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		log := zap.L().With(zap.String("line_item_id", e.LineItemID), zap.Int("retry", e.RetryCount+1))

		item, err := p.store.GetLineItem(ctx, e.LineItemID)
		if errors.Is(err, store.ErrNotFound) {
			log.Warn("pipeline: dlq entry has no line item, dropping")
			if err := p.store.RemoveDLQ(ctx, e.LineItemID); err != nil {
				return out, eris.Wrap(err, "pipeline: remove dlq")
			}
			continue
		}
		if err != nil {
			return out, eris.Wrap(err, "pipeline: load dead-lettered line item")
		}

		out.Attempted++
		res, err := p.ProcessObservation(ctx, item)
		if err == nil {
			if err := p.store.RemoveDLQ(ctx, e.LineItemID); err != nil {
				return out, eris.Wrap(err, "pipeline: remove dlq")
			}
			out.Recovered++
			out.Items = append(out.Items, res)
			log.Info("pipeline: dead-lettered line item recovered", zap.String("status", string(res.Status)))
			continue
		}

		res.Error = err.Error()
		res.DeadLettered = true
		out.Failed++
		if e.RetryCount+1 >= e.MaxRetries {
			out.Exhausted++
		}
		next := time.Now().Add(resilience.DLQBackoff(e.RetryCount + 2))
		if err := p.store.IncrementDLQRetry(ctx, e.LineItemID, next, res.Error); err != nil {
			return out, eris.Wrap(err, "pipeline: increment dlq retry")
		}
		out.Items = append(out.Items, res)
		log.Warn("pipeline: dead-lettered line item failed again", zap.Error(err))
	}
	return out, nil
}
