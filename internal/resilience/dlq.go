package resilience

import "time"

// Error types recorded on dead-letter entries.
const (
	ErrorTypeTransient = "transient"
	ErrorTypePermanent = "permanent"
)

// DefaultDLQMaxRetries bounds how often a dead-lettered line item is retried.
const DefaultDLQMaxRetries = 3

// DLQEntry is a line item whose processing stopped on an infrastructure
// error and can be retried later.
type DLQEntry struct {
	LineItemID   string    `json:"line_item_id"`
	ProjectID    string    `json:"project_id"`
	Error        string    `json:"error"`
	ErrorType    string    `json:"error_type"`
	RetryCount   int       `json:"retry_count"`
	MaxRetries   int       `json:"max_retries"`
	NextRetryAt  time.Time `json:"next_retry_at"`
	CreatedAt    time.Time `json:"created_at"`
	LastFailedAt time.Time `json:"last_failed_at"`
}

// DLQFilter selects due entries. An empty ErrorType matches both types.
type DLQFilter struct {
	ErrorType string `json:"error_type,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// CanRetry reports whether the entry has retries left.
func (e *DLQEntry) CanRetry() bool {
	return e.RetryCount < e.MaxRetries
}

// ClassifyError categorizes an error as transient or permanent.
func ClassifyError(err error) string {
	if IsTransient(err) {
		return ErrorTypeTransient
	}
	return ErrorTypePermanent
}

// DLQBackoff is the delay before retry number n (1-based): one minute,
// doubling, capped at an hour.
func DLQBackoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := time.Minute
	for i := 1; i < n && d < time.Hour; i++ {
		d *= 2
	}
	return min(d, time.Hour)
}
