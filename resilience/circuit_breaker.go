package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	ErrCircuitBreakerOpen    = errors.New("circuit breaker is open")
	ErrCircuitBreakerTimeout = errors.New("circuit breaker operation timeout")
	ErrTooManyFailures       = errors.New("too many consecutive failures")
)

// CircuitBreakerState represents the state of a circuit breaker
type CircuitBreakerState int

const (
	StateClosed CircuitBreakerState = iota
	StateHalfOpen
	StateOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig defines configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failures that opens the circuit
	MaxFailures int

	// Timeout is how long the circuit stays open before letting a trial call through
	Timeout time.Duration

	// MaxConcurrentRequests is the number of trial calls allowed while half-open
	MaxConcurrentRequests int

	// SuccessThreshold is the number of trial successes that close the circuit again
	SuccessThreshold int

	// RequestTimeout bounds a single call, zero for none
	RequestTimeout time.Duration
}

// DefaultCircuitBreakerConfig returns a default configuration
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxFailures:           5,
		Timeout:               30 * time.Second,
		MaxConcurrentRequests: 1,
		SuccessThreshold:      3,
		RequestTimeout:        10 * time.Second,
	}
}

// CircuitBreaker stops calling a failing producer for a while after
// MaxFailures consecutive failures.
type CircuitBreaker struct {
	config    CircuitBreakerConfig
	state     CircuitBreakerState
	failures  int
	successes int
	trials    int
	trips     uint64
	openedAt  time.Time
	mu        sync.Mutex
}

func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{config: config}
}

// Execute runs fn unless the circuit is open. fn receives a context that is
// cancelled once RequestTimeout elapses; Execute returns ErrCircuitBreakerTimeout
// at that point without waiting for fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	trial, err := cb.admit()
	if err != nil {
		return err
	}

	var cancel context.CancelFunc
	if cb.config.RequestTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, cb.config.RequestTimeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(ctx)
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = ErrCircuitBreakerTimeout
		}
	}
	cb.record(trial, err)
	return err
}

// admit reports whether a call may go ahead and whether it is a half-open trial.
func (cb *CircuitBreaker) admit() (bool, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen {
		if time.Since(cb.openedAt) < cb.config.Timeout {
			return false, ErrCircuitBreakerOpen
		}
		cb.state = StateHalfOpen
		cb.successes = 0
		cb.trials = 0
	}
	if cb.state == StateHalfOpen {
		if cb.trials >= max(cb.config.MaxConcurrentRequests, 1) {
			return false, ErrCircuitBreakerOpen
		}
		cb.trials++
		return true, nil
	}
	return false, nil
}

func (cb *CircuitBreaker) record(trial bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if trial && cb.trials > 0 {
		cb.trials--
	}
	if err == nil {
		switch cb.state {
		case StateClosed:
			cb.failures = 0
		case StateHalfOpen:
			cb.successes++
			if cb.successes >= cb.config.SuccessThreshold {
				cb.closeLocked()
			}
		}
		return
	}
	cb.failures++
	if cb.state == StateHalfOpen || (cb.state == StateClosed && cb.failures >= cb.config.MaxFailures) {
		cb.state = StateOpen
		cb.openedAt = time.Now()
		cb.trips++
	}
}

func (cb *CircuitBreaker) closeLocked() {
	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
	cb.trials = 0
}

func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset closes the circuit.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.closeLocked()
}

// CircuitBreakerStats is a snapshot of a circuit breaker's counters
type CircuitBreakerStats struct {
	State    CircuitBreakerState
	Failures int
	Trips    uint64
}

func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitBreakerStats{State: cb.state, Failures: cb.failures, Trips: cb.trips}
}

// Breakers holds one circuit breaker per resource so that a failing producer
// for one query key does not trip the breaker for unrelated keys.
type Breakers struct {
	config   CircuitBreakerConfig
	breakers map[string]*CircuitBreaker
	mu       sync.Mutex
}

func NewBreakers(config CircuitBreakerConfig) *Breakers {
	return &Breakers{
		config:   config,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for resource, creating it on first use
func (b *Breakers) Get(resource string) *CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.breakers[resource]
	if !ok {
		cb = NewCircuitBreaker(b.config)
		b.breakers[resource] = cb
	}
	return cb
}

// Execute runs fn through the breaker for resource
func (b *Breakers) Execute(ctx context.Context, resource string, fn func(ctx context.Context) error) error {
	return b.Get(resource).Execute(ctx, fn)
}

// Stats returns a snapshot of every known breaker keyed by resource
func (b *Breakers) Stats() map[string]CircuitBreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	res := make(map[string]CircuitBreakerStats, len(b.breakers))
	for k, cb := range b.breakers {
		res[k] = cb.Stats()
	}
	return res
}

// Reset closes every breaker in the set
func (b *Breakers) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, cb := range b.breakers {
		cb.Reset()
	}
}
