package pipeline

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/spons-match/internal/model"
	"github.com/sells-group/spons-match/internal/store"
)

// ErrReviewerRequired is returned when an override names no reviewer.
var ErrReviewerRequired = eris.New("pipeline: reviewer is required")

// Override records a reviewer's choice of candidate for a line item in
// QS_REVIEW or MATCHED. The candidate must already be in the item's
// candidate set; the previous selection is cleared in the same
// transaction that sets the new one.
func (p *Pipeline) Override(ctx context.Context, lineItemID, candidateID, reviewer, rationale string) (*model.LineItem, error) {
	reviewer = strings.TrimSpace(reviewer)
	if reviewer == "" {
		return nil, ErrReviewerRequired
	}

	item, err := p.store.GetLineItem(ctx, lineItemID)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: override")
	}
	if item.Status != model.StatusQSReview && item.Status != model.StatusMatched {
		return nil, eris.Wrapf(model.ErrInvalidTransition, "pipeline: override line item %s in status %s", lineItemID, item.Status)
	}

	candidates, err := p.store.ListCandidates(ctx, lineItemID)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: override: load candidates")
	}
	selected := candidateByID(candidates, candidateID)
	if selected == nil {
		return nil, eris.Wrapf(store.ErrNotCandidate, "pipeline: override: candidate %s", candidateID)
	}

	actor := model.HumanActor(reviewer)
	decision := model.Decision{
		Action:              model.ActionSelect,
		SelectedCandidateID: selected.ID,
		Rationale:           rationale,
		Confidence:          1,
		SelectedBy:          actor,
	}
	verification := model.Verification{
		Verified:   true,
		Confidence: 1,
		Reasoning:  rationale,
		Verifier:   VerifierHuman,
	}
	entry := &model.AuditEntry{
		LineItemID: lineItemID,
		Event:      model.EventOverridden,
		Actor:      actor,
		Payload: map[string]any{
			"item_code":          selected.Item.ItemCode,
			"candidate_id":       selected.ID,
			"previous_item_code": item.SelectedItemCode,
			"previous_status":    string(item.Status),
			"decision":           decisionPayload(decision),
			"verification":       verificationPayload(verification),
		},
	}
	if err := p.store.CommitSelection(ctx, store.Selection{
		LineItemID:  lineItemID,
		CandidateID: selected.ID,
		SelectedBy:  actor,
		From:        item.Status,
		To:          model.StatusMatched,
		Audit:       entry,
	}); err != nil {
		return nil, eris.Wrap(err, "pipeline: override")
	}

	zap.L().Info("pipeline: line item overridden",
		zap.String("line_item_id", lineItemID),
		zap.String("item_code", selected.Item.ItemCode),
		zap.String("reviewer", reviewer),
	)
	return p.store.GetLineItem(ctx, lineItemID)
}

// Reprocess re-runs the agent for a line item in QS_REVIEW or UNMATCHED,
// starting again from its stored observation.
func (p *Pipeline) Reprocess(ctx context.Context, lineItemID string) (ObservationResult, error) {
	item, err := p.store.GetLineItem(ctx, lineItemID)
	if err != nil {
		return ObservationResult{}, eris.Wrap(err, "pipeline: reprocess")
	}
	if item.Status != model.StatusQSReview && item.Status != model.StatusUnmatched {
		return newObservationResult(item), eris.Wrapf(model.ErrInvalidTransition,
			"pipeline: reprocess line item %s in status %s", lineItemID, item.Status)
	}

	if err := p.transition(ctx, item, model.StatusRefined, model.EventReprocessed, map[string]any{
		"previous_status": string(item.Status),
	}); err != nil {
		return newObservationResult(item), err
	}

	rr := p.refiner.Refine(ctx, item.Observation)
	if err := p.saveRefinement(ctx, item, rr); err != nil {
		return newObservationResult(item), err
	}

	res, err := p.ProcessObservation(ctx, item)
	res.Usage.Add(rr.Usage)
	if rr.Failure != nil {
		res.Failures = append([]string{rr.Failure.Error()}, res.Failures...)
	}
	return res, err
}
