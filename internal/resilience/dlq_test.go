package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDLQEntry_CanRetry(t *testing.T) {
	t.Parallel()

	e := DLQEntry{RetryCount: 2, MaxRetries: 3}
	assert.True(t, e.CanRetry())
	e.RetryCount = 3
	assert.False(t, e.CanRetry())
}

func TestClassifyError(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ErrorTypeTransient, ClassifyError(NewTransientError(errors.New("busy"), 503)))
	assert.Equal(t, ErrorTypePermanent, ClassifyError(errors.New("constraint violation")))
}

func TestDLQBackoff(t *testing.T) {
	t.Parallel()

	assert.Equal(t, time.Minute, DLQBackoff(0))
	assert.Equal(t, time.Minute, DLQBackoff(1))
	assert.Equal(t, 2*time.Minute, DLQBackoff(2))
	assert.Equal(t, 8*time.Minute, DLQBackoff(4))
	assert.Equal(t, time.Hour, DLQBackoff(10))
}
