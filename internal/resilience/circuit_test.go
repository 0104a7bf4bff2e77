package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func fail(_ context.Context) error { return errBoom }
func pass(_ context.Context) error { return nil }

func newTestBreaker(threshold int, reset time.Duration) (*CircuitBreaker, *time.Time) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: threshold, ResetTimeout: reset})
	cb.now = func() time.Time { return now }
	return cb, &now
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	t.Parallel()

	cb, _ := newTestBreaker(3, time.Minute)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	}
	assert.Equal(t, CircuitOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	t.Parallel()

	cb, _ := newTestBreaker(3, time.Minute)
	ctx := context.Background()
	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)

	failures, state := cb.Counters()
	assert.Equal(t, 2, failures)
	assert.Equal(t, CircuitClosed, state)

	require.NoError(t, cb.Execute(ctx, pass))
	failures, _ = cb.Counters()
	assert.Zero(t, failures)
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	t.Parallel()

	cb, now := newTestBreaker(1, 10*time.Second)
	ctx := context.Background()
	_ = cb.Execute(ctx, fail)
	assert.Equal(t, CircuitOpen, cb.State())

	*now = now.Add(11 * time.Second)
	assert.Equal(t, CircuitHalfOpen, cb.State())

	require.NoError(t, cb.Execute(ctx, pass))
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	cb, now := newTestBreaker(1, 10*time.Second)
	ctx := context.Background()
	_ = cb.Execute(ctx, fail)
	*now = now.Add(11 * time.Second)

	assert.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	_, state := cb.Counters()
	assert.Equal(t, CircuitOpen, state)
	assert.ErrorIs(t, cb.Execute(ctx, pass), ErrCircuitOpen)
}

func TestCircuitBreaker_ShouldTrip(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		ShouldTrip:       IsTransient,
	})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	assert.Equal(t, CircuitClosed, cb.State(), "permanent errors do not trip")

	_ = cb.Execute(ctx, func(context.Context) error {
		return NewTransientError(errBoom, 503)
	})
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestCircuitBreaker_OnStateChangeAndReset(t *testing.T) {
	t.Parallel()

	var transitions []string
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		OnStateChange: func(from, to CircuitState) {
			transitions = append(transitions, from.String()+">"+to.String())
		},
	})
	_ = cb.Execute(context.Background(), fail)
	cb.Reset()
	cb.Reset()

	assert.Equal(t, []string{"closed>open", "open>closed"}, transitions)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1000})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_ = cb.Execute(context.Background(), fail)
			} else {
				_ = cb.Execute(context.Background(), pass)
			}
			_ = cb.State()
		}(i)
	}
	wg.Wait()
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestExecuteVal(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})
	v, err := ExecuteVal(context.Background(), cb, func(context.Context) (string, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", v)

	_, _ = ExecuteVal(context.Background(), cb, func(context.Context) (string, error) { return "", errBoom })
	v, err = ExecuteVal(context.Background(), cb, func(context.Context) (string, error) { return "unreachable", nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Empty(t, v)
}

func TestServiceBreakers(t *testing.T) {
	t.Parallel()

	sb := NewServiceBreakers(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})
	a := sb.Get(ServiceAnthropic)
	assert.Same(t, a, sb.Get(ServiceAnthropic))

	_ = sb.Get(ServiceEmbedding).Execute(context.Background(), fail)

	states := sb.States()
	assert.Equal(t, CircuitClosed, states[ServiceAnthropic])
	assert.Equal(t, CircuitOpen, states[ServiceEmbedding])
	assert.Equal(t, []string{ServiceAnthropic, ServiceEmbedding}, sb.Names())
}

func TestCircuitStateString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half-open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(9).String())
}
