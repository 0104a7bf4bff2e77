package model

import "time"

// Candidate pairs one line item with one catalogue item that passed the
// trade and unit filters and the similarity threshold.
type Candidate struct {
	ID              string        `json:"id"`
	LineItemID      string        `json:"line_item_id"`
	Item            CatalogueItem `json:"item"`
	Rank            int           `json:"rank"`
	Distance        float64       `json:"distance"`
	SimilarityScore float64       `json:"similarity_score"`
	UnitMatches     bool          `json:"unit_matches"`
	TradeMatches    bool          `json:"trade_matches"`
	IsSelected      bool          `json:"is_selected"`
	IsSuggested     bool          `json:"is_suggested"`
	SelectedBy      string        `json:"selected_by,omitempty"`
	CreatedAt       time.Time     `json:"created_at,omitempty"`
}

// DecisionAction is the closed set of verdicts the decision engine may issue.
type DecisionAction string

const (
	ActionSelect           DecisionAction = "SELECT"
	ActionFlagForReview    DecisionAction = "FLAG_FOR_REVIEW"
	ActionAskClarification DecisionAction = "ASK_CLARIFICATION"
)

// SelectedByAgent marks decisions made by the pipeline.
const SelectedByAgent = "agent"

// HumanActor formats the selected_by value for a named reviewer.
func HumanActor(reviewer string) string {
	return "human:" + reviewer
}

// Decision is the decision engine's verdict for one line item. A human
// override has the same shape with a human SelectedBy.
type Decision struct {
	Action                DecisionAction `json:"action"`
	SelectedCandidateID   string         `json:"selected_candidate_id,omitempty"`
	Rationale             string         `json:"rationale"`
	Confidence            float64        `json:"confidence"`
	ClarificationQuestion string         `json:"clarification_question,omitempty"`
	SpotCheck             bool           `json:"spot_check,omitempty"`
	SelectedBy            string         `json:"selected_by"`
	Attempts              int            `json:"attempts,omitempty"`
	FailureReason         string         `json:"failure_reason,omitempty"`
}

// FlagForReview builds a FLAG_FOR_REVIEW decision carrying reason.
func FlagForReview(rationale, reason string) Decision {
	return Decision{
		Action:        ActionFlagForReview,
		Rationale:     rationale,
		SelectedBy:    SelectedByAgent,
		FailureReason: reason,
	}
}

// VerificationScores holds the four 0-25 criteria of the verification pass.
type VerificationScores struct {
	AssetRelevance     int `json:"asset_relevance"`
	TradeAlignment     int `json:"trade_alignment"`
	WorkClassification int `json:"work_classification"`
	TechnicalSpec      int `json:"technical_spec"`
}

// Clamp bounds every criterion to [0, 25].
func (s VerificationScores) Clamp() VerificationScores {
	return VerificationScores{
		AssetRelevance:     clampScore(s.AssetRelevance),
		TradeAlignment:     clampScore(s.TradeAlignment),
		WorkClassification: clampScore(s.WorkClassification),
		TechnicalSpec:      clampScore(s.TechnicalSpec),
	}
}

// Total sums the clamped criteria.
func (s VerificationScores) Total() int {
	c := s.Clamp()
	return c.AssetRelevance + c.TradeAlignment + c.WorkClassification + c.TechnicalSpec
}

func clampScore(v int) int {
	switch {
	case v < 0:
		return 0
	case v > 25:
		return 25
	default:
		return v
	}
}

// Verification is the independent second opinion on a decision.
type Verification struct {
	Verified   bool               `json:"verified"`
	Confidence float64            `json:"confidence"`
	Reasoning  string             `json:"reasoning"`
	Scores     VerificationScores `json:"scores"`
	Total      int                `json:"total"`
	Verifier   string             `json:"verifier,omitempty"`
}
