package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/spons-match/internal/resilience"
	"github.com/sells-group/spons-match/pkg/anthropic"
)

func TestCleanJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", `{"a":1}`, `{"a":1}`},
		{"json fence", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"bare fence", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"prose around", "Here you go: {\"a\":{\"b\":2}} hope that helps", `{"a":{"b":2}}`},
		{"no object", "nothing here", "nothing here"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cleanJSON(tt.in))
		})
	}
}

func TestExtractText(t *testing.T) {
	assert.Equal(t, "", extractText(nil))
	resp := &anthropic.MessageResponse{Content: []anthropic.ContentBlock{
		{Type: "text", Text: "one"},
		{Type: "tool_use"},
		{Type: "text", Text: "two"},
	}}
	assert.Equal(t, "one\ntwo", extractText(resp))
}

func TestWithFeedback(t *testing.T) {
	assert.Equal(t, "prompt", withFeedback("prompt", ""))
	out := withFeedback("prompt", "bad enum")
	assert.Contains(t, out, "prompt")
	assert.Contains(t, out, "rejected: bad enum")
}

func TestAttemptTemperature(t *testing.T) {
	assert.Equal(t, 0.0, attemptTemperature(1))
	assert.Less(t, attemptTemperature(1), attemptTemperature(2))
	assert.Less(t, attemptTemperature(2), attemptTemperature(3))
	assert.Equal(t, attemptTemperature(3), attemptTemperature(7))
}

func TestDecodeOutput(t *testing.T) {
	var out refineOutput
	err := decodeOutput(schemaRefine, "```json\n"+`{"qs_asset":"Fire door","qs_action":"repair","qs_condition":"damaged","qs_description":"Fire door - strip damaged","refined_sentence":"Repair fire door strip."}`+"\n```", &out)
	require.NoError(t, err)
	assert.Equal(t, "repair", out.QSAction)

	err = decodeOutput(schemaRefine, `{"qs_asset":"x","qs_action":"demolish","qs_condition":"damaged","qs_description":"d","refined_sentence":"s"}`, &out)
	assert.Error(t, err)

	err = decodeOutput(schemaRefine, `not json at all`, &out)
	assert.Error(t, err)

	err = decodeOutput("unknown", `{}`, &out)
	assert.Error(t, err)
}

func TestSchemasCompile(t *testing.T) {
	all, err := loadSchemas()
	require.NoError(t, err)
	for _, name := range []string{schemaSplit, schemaRefine, schemaDecision, schemaVerification} {
		assert.Contains(t, all, name)
	}
}

func TestLLMAsk_PricesUsage(t *testing.T) {
	ai := &mockAnthropicClient{}
	ai.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return req.Model == "haiku" && req.MaxTokens == 1024 && *req.Temperature == 0.3
	})).Return(textResponse("hello"), nil)

	llm := LLM{Client: ai, Pricer: flatPricer{}, Model: "haiku"}
	text, usage, err := llm.ask(context.Background(), "sys", "user", 0.3)
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
	assert.Equal(t, 100, usage.InputTokens)
	assert.Equal(t, 20, usage.OutputTokens)
	assert.InDelta(t, 120.0/1e6, usage.Cost, 1e-12)
	ai.AssertExpectations(t)
}

func TestLLMAsk_NoClient(t *testing.T) {
	_, _, err := LLM{}.ask(context.Background(), "sys", "user", 0)
	assert.Error(t, err)
}

func TestLLMAsk_BreakerOpens(t *testing.T) {
	ai := &mockAnthropicClient{}
	ai.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, errors.New("boom"))

	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute})
	llm := LLM{Client: ai, Breaker: cb, Model: "haiku"}

	_, _, err := llm.ask(context.Background(), "sys", "user", 0)
	require.Error(t, err)
	_, _, err = llm.ask(context.Background(), "sys", "user", 0)
	require.Error(t, err)

	ai.AssertNumberOfCalls(t, "CreateMessage", 1)
}

func TestLLMAsk_RetriesTransientInsideBreaker(t *testing.T) {
	ai := &mockAnthropicClient{}
	ai.On("CreateMessage", mock.Anything, mock.Anything).
		Return(nil, resilience.NewTransientError(errors.New("overloaded"), 529)).Once()
	ai.On("CreateMessage", mock.Anything, mock.Anything).Return(textResponse("ok"), nil).Once()

	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute})
	retry := resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
	llm := LLM{Client: ai, Breaker: cb, Retry: &retry, Model: "haiku"}

	text, _, err := llm.ask(context.Background(), "sys", "user", 0)
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
	assert.Equal(t, resilience.CircuitClosed, cb.State())
	ai.AssertNumberOfCalls(t, "CreateMessage", 2)
}

func TestLLMAsk_PermanentErrorNotRetried(t *testing.T) {
	ai := &mockAnthropicClient{}
	ai.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, errors.New("invalid request"))

	retry := resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond}
	llm := LLM{Client: ai, Retry: &retry, Model: "haiku"}

	_, _, err := llm.ask(context.Background(), "sys", "user", 0)
	require.Error(t, err)
	ai.AssertNumberOfCalls(t, "CreateMessage", 1)
}
