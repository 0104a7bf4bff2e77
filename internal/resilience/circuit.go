// Package resilience provides retries, circuit breakers and the bounded
// reformulating attempt policy used around reasoning and embedding calls.
package resilience

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Service names with their own breaker.
const (
	ServiceAnthropic = "anthropic"
	ServiceEmbedding = "embedding"
)

// CircuitState is the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// ErrCircuitOpen is returned without calling through while a breaker is open.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// CircuitBreakerConfig controls a breaker.
type CircuitBreakerConfig struct {
	// FailureThreshold consecutive failures open the circuit. Default: 5.
	FailureThreshold int
	// ResetTimeout is how long the circuit stays open. Default: 30s.
	ResetTimeout time.Duration
	// HalfOpenMaxProbes successful probes close it again. Default: 1.
	HalfOpenMaxProbes int
	// ShouldTrip decides which errors count as failures. Nil counts all.
	ShouldTrip func(err error) bool
	// OnStateChange observes transitions.
	OnStateChange func(from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns the default breaker settings.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:  5,
		ResetTimeout:      30 * time.Second,
		HalfOpenMaxProbes: 1,
	}
}

// CircuitBreaker fails fast after repeated failures of one service so the
// pipeline falls back without waiting on a dead provider.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu        sync.Mutex
	state     CircuitState
	failures  int
	openedAt  time.Time
	successes int

	now func() time.Time
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.HalfOpenMaxProbes <= 0 {
		cfg.HalfOpenMaxProbes = def.HalfOpenMaxProbes
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now}
}

// Execute runs fn unless the circuit is open.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := ExecuteVal(ctx, cb, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// ExecuteVal is Execute for functions that return a value.
func ExecuteVal[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	if err := cb.admit(); err != nil {
		var zero T
		return zero, err
	}
	val, err := fn(ctx)
	cb.record(err)
	return val, err
}

// State returns the current state, reporting half-open once the reset
// timeout has elapsed.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return CircuitHalfOpen
	}
	return cb.state
}

// Counters returns the consecutive failure count and raw state.
func (cb *CircuitBreaker) Counters() (consecutiveFailures int, state CircuitState) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures, cb.state
}

// Reset closes the circuit.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures, cb.successes = 0, 0
	cb.moveTo(CircuitClosed)
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != CircuitOpen {
		return nil
	}
	if cb.now().Sub(cb.openedAt) < cb.cfg.ResetTimeout {
		return ErrCircuitOpen
	}
	cb.moveTo(CircuitHalfOpen)
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	trips := err != nil
	if trips && cb.cfg.ShouldTrip != nil {
		trips = cb.cfg.ShouldTrip(err)
	}

	if !trips {
		switch cb.state {
		case CircuitHalfOpen:
			cb.successes++
			if cb.successes >= cb.cfg.HalfOpenMaxProbes {
				cb.failures, cb.successes = 0, 0
				cb.moveTo(CircuitClosed)
			}
		case CircuitClosed:
			cb.failures = 0
		}
		return
	}

	cb.failures++
	switch cb.state {
	case CircuitClosed:
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.openedAt = cb.now()
			cb.moveTo(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.successes = 0
		cb.openedAt = cb.now()
		cb.moveTo(CircuitOpen)
	}
}

func (cb *CircuitBreaker) moveTo(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(from, to)
	}
}

// ServiceBreakers keeps one breaker per external service.
type ServiceBreakers struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	cfg      CircuitBreakerConfig
}

// NewServiceBreakers creates an empty registry. Breakers log their state
// changes unless cfg.OnStateChange is already set.
func NewServiceBreakers(cfg CircuitBreakerConfig) *ServiceBreakers {
	return &ServiceBreakers{breakers: make(map[string]*CircuitBreaker), cfg: cfg}
}

// Get returns the named service's breaker, creating it on first use.
func (sb *ServiceBreakers) Get(service string) *CircuitBreaker {
	sb.mu.RLock()
	cb, ok := sb.breakers[service]
	sb.mu.RUnlock()
	if ok {
		return cb
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()
	if cb, ok = sb.breakers[service]; ok {
		return cb
	}
	cfg := sb.cfg
	if cfg.OnStateChange == nil {
		cfg.OnStateChange = func(from, to CircuitState) {
			zap.L().Warn("resilience: circuit state changed",
				zap.String("service", service),
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			)
		}
	}
	cb = NewCircuitBreaker(cfg)
	sb.breakers[service] = cb
	return cb
}

// States returns every breaker's current state.
func (sb *ServiceBreakers) States() map[string]CircuitState {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	out := make(map[string]CircuitState, len(sb.breakers))
	for name, cb := range sb.breakers {
		out[name] = cb.State()
	}
	return out
}

// Names returns the registered service names, sorted.
func (sb *ServiceBreakers) Names() []string {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	names := make([]string, 0, len(sb.breakers))
	for name := range sb.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
