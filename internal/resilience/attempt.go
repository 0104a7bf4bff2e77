package resilience

import "context"

// AttemptPolicy bounds a reasoning step that may be re-asked with a
// reformulated prompt. It keeps the best result seen instead of failing
// outright when no attempt is good enough.
type AttemptPolicy[T any] struct {
	// MaxAttempts is the total number of tries. Default: 3.
	MaxAttempts int

	// Reformulate builds the feedback passed to the next attempt from the
	// previous value and error. Nil means retry with empty feedback.
	Reformulate func(attempt int, prev T, err error) string

	// Good reports whether a value can be returned immediately. Nil accepts
	// the first successful value.
	Good func(v T) bool

	// Better reports whether a is preferable to b. Nil keeps the first
	// successful value.
	Better func(a, b T) bool
}

// AttemptResult is the outcome of an AttemptPolicy run.
type AttemptResult[T any] struct {
	Value    T
	Attempts int
	// OK is true when at least one attempt returned without error.
	OK bool
	// Err is the last error seen. It is set even when OK is true if a
	// later attempt failed.
	Err error
}

// Attempt runs fn until policy.Good accepts a value or attempts run out, and
// returns the best value seen. fn receives the 1-based attempt number and
// the feedback produced by Reformulate.
func Attempt[T any](ctx context.Context, policy AttemptPolicy[T], fn func(ctx context.Context, attempt int, feedback string) (T, error)) AttemptResult[T] {
	maxAttempts := policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	var res AttemptResult[T]
	feedback := ""
	for n := 1; n <= maxAttempts; n++ {
		res.Attempts = n
		v, err := fn(ctx, n, feedback)
		if err != nil {
			res.Err = err
		} else {
			if !res.OK || (policy.Better != nil && policy.Better(v, res.Value)) {
				res.Value = v
				res.OK = true
			}
			if policy.Good == nil || policy.Good(v) {
				res.Value = v
				return res
			}
		}

		if ctx.Err() != nil {
			if res.Err == nil {
				res.Err = ctx.Err()
			}
			return res
		}
		if policy.Reformulate != nil && n < maxAttempts {
			feedback = policy.Reformulate(n, v, err)
		}
	}
	return res
}
