package resilience

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "timed out" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("invalid api key"), false},
		{"explicit", NewTransientError(errors.New("429"), 429), true},
		{"eris wrapped", eris.Wrap(NewTransientError(errors.New("503"), 503), "jina: embed"), true},
		{"fmt wrapped", fmt.Errorf("call: %w", NewTransientError(errors.New("x"), 0)), true},
		{"net timeout", timeoutErr{}, true},
		{"conn reset", fmt.Errorf("read: %w", syscall.ECONNRESET), true},
		{"conn refused", syscall.ECONNREFUSED, true},
		{"message pattern", errors.New("dial tcp: lookup api: no such host"), true},
		{"broken transport", errors.New("HTTP2 transport connection broken"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	t.Parallel()

	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		assert.True(t, IsTransientHTTPStatus(code), code)
	}
	for _, code := range []int{200, 400, 401, 404, 422} {
		assert.False(t, IsTransientHTTPStatus(code), code)
	}
}

func TestTransientError(t *testing.T) {
	t.Parallel()

	inner := errors.New("rate limited")
	te := NewTransientError(inner, 429)
	assert.Equal(t, "rate limited", te.Error())
	assert.ErrorIs(t, te, inner)
	assert.Equal(t, 429, te.StatusCode)
}

func TestClassifyErrorLabels(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "transient", ClassifyError(NewTransientError(errors.New("x"), 503)))
	assert.Equal(t, "permanent", ClassifyError(errors.New("schema mismatch")))
}
