package pipeline

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
)

// State represents the circuit breaker state.
type State int

const (
	Closed   State = 0
	HalfOpen State = 1
	Open     State = 2
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case HalfOpen:
		return "half-open"
	case Open:
		return "open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned without contacting the vault while the circuit
// is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerConfig holds circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	ResetTimeout     time.Duration
}

// DefaultBreakerConfig returns the thresholds used for unset fields.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		ResetTimeout:     30 * time.Second,
	}
}

// Breaker implements the circuit breaker pattern with three states.
type Breaker struct {
	mu               sync.Mutex
	state            State
	failures         int
	successes        int
	failureThreshold int
	successThreshold int
	resetTimeout     time.Duration
	openedAt         time.Time
	clock            func() time.Time
	onStateChange    func(State)
}

// BreakerOption configures a Breaker.
type BreakerOption func(*Breaker)

// WithClock sets a custom clock for testing.
func WithClock(clock func() time.Time) BreakerOption {
	return func(b *Breaker) {
		b.clock = clock
	}
}

// WithStateChange registers fn to be called, outside the breaker's lock, after
// every transition.
func WithStateChange(fn func(State)) BreakerOption {
	return func(b *Breaker) {
		b.onStateChange = fn
	}
}

// NewBreaker creates a closed circuit breaker. Zero config fields take their
// defaults.
func NewBreaker(cfg BreakerConfig, opts ...BreakerOption) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	b := &Breaker{
		state:            Closed,
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		resetTimeout:     cfg.ResetTimeout,
		clock:            time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow returns ErrCircuitOpen if the circuit is open and the reset timeout
// has not elapsed.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	if b.state == Open {
		if b.clock().Sub(b.openedAt) < b.resetTimeout {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.state = HalfOpen
		b.successes = 0
		b.mu.Unlock()
		b.notify(HalfOpen)
		return nil
	}
	b.mu.Unlock()
	return nil
}

// RecordSuccess records a successful request.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	changed := false
	switch b.state {
	case HalfOpen:
		b.successes++
		if b.successes >= b.successThreshold {
			b.state = Closed
			b.failures = 0
			b.successes = 0
			changed = true
		}
	case Closed:
		b.failures = 0
	}
	b.mu.Unlock()
	if changed {
		b.notify(Closed)
	}
}

// RecordFailure records a failed request.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	changed := false
	switch b.state {
	case Closed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.state = Open
			b.openedAt = b.clock()
			changed = true
		}
	case HalfOpen:
		b.state = Open
		b.openedAt = b.clock()
		b.successes = 0
		changed = true
	}
	b.mu.Unlock()
	if changed {
		b.notify(Open)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) notify(s State) {
	if b.onStateChange != nil {
		b.onStateChange(s)
	}
}

// breakerPolicy counts transport errors and 5xx responses as failures.
// Caller cancellation is not held against the vault.
type breakerPolicy struct {
	breaker *Breaker
}

func (p breakerPolicy) Do(req *policy.Request) (*http.Response, error) {
	if err := p.breaker.Allow(); err != nil {
		return nil, err
	}
	resp, err := req.Next()
	switch {
	case err != nil:
		if !errors.Is(err, context.Canceled) {
			p.breaker.RecordFailure()
		}
	case resp.StatusCode >= http.StatusInternalServerError:
		p.breaker.RecordFailure()
	default:
		p.breaker.RecordSuccess()
	}
	return resp, err
}
