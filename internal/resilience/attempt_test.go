package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAttempt_FirstGoodValue(t *testing.T) {
	t.Parallel()

	calls := 0
	res := Attempt(context.Background(), AttemptPolicy[int]{}, func(_ context.Context, n int, _ string) (int, error) {
		calls++
		return 42, nil
	})
	assert.Equal(t, 1, calls)
	assert.True(t, res.OK)
	assert.Equal(t, 42, res.Value)
	assert.Equal(t, 1, res.Attempts)
	assert.NoError(t, res.Err)
}

func TestAttempt_ReformulatesBetweenTries(t *testing.T) {
	t.Parallel()

	var seen []string
	policy := AttemptPolicy[string]{
		MaxAttempts: 3,
		Good:        func(v string) bool { return v == "ok" },
		Reformulate: func(n int, prev string, err error) string {
			return fmt.Sprintf("attempt %d gave %q (%v)", n, prev, err)
		},
	}
	res := Attempt(context.Background(), policy, func(_ context.Context, n int, fb string) (string, error) {
		seen = append(seen, fb)
		if n == 1 {
			return "", errors.New("bad json")
		}
		return "ok", nil
	})

	assert.True(t, res.OK)
	assert.Equal(t, "ok", res.Value)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, []string{"", `attempt 1 gave "" (bad json)`}, seen)
}

func TestAttempt_EscalatesToBestSoFar(t *testing.T) {
	t.Parallel()

	values := []float64{0.4, 0.7, 0.5}
	policy := AttemptPolicy[float64]{
		MaxAttempts: 3,
		Good:        func(v float64) bool { return v >= 0.85 },
		Better:      func(a, b float64) bool { return a > b },
	}
	res := Attempt(context.Background(), policy, func(_ context.Context, n int, _ string) (float64, error) {
		return values[n-1], nil
	})

	assert.True(t, res.OK)
	assert.InDelta(t, 0.7, res.Value, 1e-9)
	assert.Equal(t, 3, res.Attempts)
}

func TestAttempt_AllFail(t *testing.T) {
	t.Parallel()

	res := Attempt(context.Background(), AttemptPolicy[int]{MaxAttempts: 2}, func(_ context.Context, n int, _ string) (int, error) {
		return 0, fmt.Errorf("fail %d", n)
	})
	assert.False(t, res.OK)
	assert.Equal(t, 2, res.Attempts)
	assert.EqualError(t, res.Err, "fail 2")
}

func TestAttempt_DefaultsToThreeAttempts(t *testing.T) {
	t.Parallel()

	calls := 0
	res := Attempt(context.Background(), AttemptPolicy[int]{}, func(_ context.Context, _ int, _ string) (int, error) {
		calls++
		return 0, errors.New("nope")
	})
	assert.Equal(t, 3, calls)
	assert.False(t, res.OK)
}

func TestAttempt_StopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	res := Attempt(ctx, AttemptPolicy[int]{MaxAttempts: 5}, func(_ context.Context, _ int, _ string) (int, error) {
		calls++
		cancel()
		return 0, errors.New("interrupted")
	})
	assert.Equal(t, 1, calls)
	assert.False(t, res.OK)
	assert.Error(t, res.Err)
}

func TestAttempt_KeepsSuccessAfterLaterFailure(t *testing.T) {
	t.Parallel()

	policy := AttemptPolicy[int]{
		MaxAttempts: 2,
		Good:        func(v int) bool { return v > 10 },
	}
	res := Attempt(context.Background(), policy, func(_ context.Context, n int, _ string) (int, error) {
		if n == 1 {
			return 5, nil
		}
		return 0, errors.New("timeout")
	})
	assert.True(t, res.OK)
	assert.Equal(t, 5, res.Value)
	assert.Error(t, res.Err)
}
