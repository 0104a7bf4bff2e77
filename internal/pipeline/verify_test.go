package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/spons-match/internal/model"
)

func TestLLMVerifier(t *testing.T) {
	tests := []struct {
		name      string
		reply     string
		verified  bool
		total     int
		wantKind  ErrorKind
		reasoning string
	}{
		{
			name:     "below pass score",
			reply:    `{"asset_relevance": 15, "trade_alignment": 15, "work_classification": 15, "technical_spec": 15, "reasoning": "loosely related"}`,
			verified: false, total: 60, wantKind: KindVerificationFailed, reasoning: "loosely related",
		},
		{
			name:     "passes",
			reply:    `{"asset_relevance": 20, "trade_alignment": 20, "work_classification": 20, "technical_spec": 20, "reasoning": "good fit"}`,
			verified: true, total: 80, reasoning: "good fit",
		},
		{
			name:     "out of range scores are clamped",
			reply:    `{"asset_relevance": 30, "trade_alignment": 40, "work_classification": 25, "technical_spec": -5, "reasoning": "generous"}`,
			verified: true, total: 75, reasoning: "generous",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ai := &mockAnthropicClient{}
			onStage(ai, verifySystemPrompt).Return(textResponse(tt.reply), nil).Once()

			res, err := NewLLMVerifier(LLM{Client: ai}, 0, 3).Verify(context.Background(), ahuRefined(), model.Decision{}, testCandidates()[0])
			require.NoError(t, err)
			v := res.Verification
			assert.Equal(t, tt.verified, v.Verified)
			assert.Equal(t, tt.total, v.Total)
			assert.InDelta(t, float64(tt.total)/100, v.Confidence, 1e-9)
			assert.Equal(t, tt.reasoning, v.Reasoning)
			assert.Equal(t, VerifierModel, v.Verifier)
			assert.LessOrEqual(t, v.Scores.AssetRelevance, 25)
			assert.GreaterOrEqual(t, v.Scores.TechnicalSpec, 0)
			if tt.wantKind == "" {
				assert.Nil(t, res.Failure)
			} else {
				require.NotNil(t, res.Failure)
				assert.Equal(t, tt.wantKind, res.Failure.Kind)
			}
		})
	}
}

func TestLLMVerifier_UnparseableIsUnverified(t *testing.T) {
	ai := &mockAnthropicClient{}
	onStage(ai, verifySystemPrompt).Return(textResponse(`looks fine to me`), nil)

	res, err := NewLLMVerifier(LLM{Client: ai}, 75, 2).Verify(context.Background(), ahuRefined(), model.Decision{}, testCandidates()[0])
	require.NoError(t, err)
	assert.False(t, res.Verification.Verified)
	assert.Equal(t, "verification unavailable", res.Verification.Reasoning)
	require.NotNil(t, res.Failure)
	assert.Equal(t, KindExternalCallFailure, res.Failure.Kind)
	ai.AssertNumberOfCalls(t, "CreateMessage", 2)
}

func TestLLMVerifier_CustomPassScore(t *testing.T) {
	ai := &mockAnthropicClient{}
	onStage(ai, verifySystemPrompt).Return(textResponse(
		`{"asset_relevance": 20, "trade_alignment": 20, "work_classification": 20, "technical_spec": 20, "reasoning": "ok"}`), nil)

	res, err := NewLLMVerifier(LLM{Client: ai}, 90, 1).Verify(context.Background(), ahuRefined(), model.Decision{}, testCandidates()[0])
	require.NoError(t, err)
	assert.False(t, res.Verification.Verified)
	assert.Equal(t, 80, res.Verification.Total)
}

func TestHeuristicVerifier_GoodMatch(t *testing.T) {
	res, err := NewHeuristicVerifier(0).Verify(context.Background(), ahuRefined(), model.Decision{}, testCandidates()[0])
	require.NoError(t, err)
	v := res.Verification
	assert.True(t, v.Verified)
	assert.Nil(t, res.Failure)
	assert.Equal(t, 18, v.Scores.AssetRelevance)
	assert.Equal(t, 25, v.Scores.TradeAlignment)
	assert.Equal(t, 25, v.Scores.WorkClassification)
	assert.Equal(t, 25, v.Scores.TechnicalSpec)
	assert.Equal(t, 93, v.Total)
	assert.Equal(t, VerifierHeuristic, v.Verifier)
}

func TestHeuristicVerifier_WrongTradeFails(t *testing.T) {
	wrong := model.Candidate{
		ID:   "x",
		Item: model.CatalogueItem{ItemCode: "V20.4", Description: "Cable trunking lid", Unit: "m", Trade: model.TradeElectrical},
	}
	res, err := NewHeuristicVerifier(0).Verify(context.Background(), ahuRefined(), model.Decision{}, wrong)
	require.NoError(t, err)
	assert.False(t, res.Verification.Verified)
	assert.Equal(t, 20, res.Verification.Total)
	require.NotNil(t, res.Failure)
	assert.Equal(t, KindVerificationFailed, res.Failure.Kind)
}

func TestSpecScore(t *testing.T) {
	size := "15mm"
	rating := "FD30"
	assert.Equal(t, 10, specScore(model.Attributes{}, "anything"))
	assert.Equal(t, 10, specScore(model.Attributes{Size: &size}, "valve 15mm bore"))
	assert.Equal(t, 5, specScore(model.Attributes{Size: &size, Rating: &rating}, "valve 15mm bore"))
	assert.Equal(t, 0, specScore(model.Attributes{Rating: &rating}, "valve"))
}
