package resilience

import (
	"time"

	"github.com/sells-group/spons-match/internal/config"
)

// RetryFromConfig maps the retry section onto a RetryConfig. Unset fields
// keep DefaultRetryConfig values; a negative jitter disables jitter.
func RetryFromConfig(c config.RetryConfig) RetryConfig {
	out := DefaultRetryConfig()
	if c.MaxAttempts > 0 {
		out.MaxAttempts = c.MaxAttempts
	}
	if c.InitialBackoffMs > 0 {
		out.InitialBackoff = time.Duration(c.InitialBackoffMs) * time.Millisecond
	}
	if c.MaxBackoffMs > 0 {
		out.MaxBackoff = time.Duration(c.MaxBackoffMs) * time.Millisecond
	}
	if c.Multiplier > 0 {
		out.Multiplier = c.Multiplier
	}
	switch {
	case c.JitterFraction < 0:
		out.JitterFraction = 0
	case c.JitterFraction > 0:
		out.JitterFraction = c.JitterFraction
	}
	return out
}

// BreakersFromConfig builds one breaker set for the reasoning and embedding
// providers from the circuit section.
func BreakersFromConfig(c config.CircuitConfig) *ServiceBreakers {
	cb := DefaultCircuitBreakerConfig()
	if c.FailureThreshold > 0 {
		cb.FailureThreshold = c.FailureThreshold
	}
	if c.ResetTimeoutSecs > 0 {
		cb.ResetTimeout = time.Duration(c.ResetTimeoutSecs) * time.Second
	}
	sb := NewServiceBreakers(cb)
	sb.Get(ServiceAnthropic)
	sb.Get(ServiceEmbedding)
	return sb
}
