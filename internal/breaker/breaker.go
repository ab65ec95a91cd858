// Package breaker implements a per-provider circuit breaker. Each breaker
// is a Closed/Open/HalfOpen state machine that fails fast while a provider
// is unhealthy and probes recovery after a reset timeout. A registry hands
// out one breaker per named provider.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the circuit's current mode.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config tunes a single breaker.
type Config struct {
	// FailureThreshold is the consecutive-lifetime failure count that opens
	// the circuit. Failures accumulate until a success resets them.
	FailureThreshold int

	// SuccessThreshold is the number of consecutive half-open successes
	// required to close the circuit again.
	SuccessThreshold int

	// ResetTimeout is how long an open circuit blocks before the next
	// caller may probe.
	ResetTimeout time.Duration

	// Timeout bounds the wall clock of each call made through Execute.
	Timeout time.Duration

	// HalfOpenMaxRequests caps concurrent probes while half-open.
	HalfOpenMaxRequests int
}

// DefaultConfig returns the registry's defaults for unconfigured providers.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		SuccessThreshold:    1,
		ResetTimeout:        30 * time.Second,
		Timeout:             30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

// OpenError is returned when a call is refused because the circuit is open.
type OpenError struct {
	Provider string
	RetryAt  time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit open for provider %s until %s", e.Provider, e.RetryAt.Format(time.RFC3339))
}

// ErrProviderTimeout reports a call that exceeded the breaker's per-request
// deadline. It counts as a failure.
var ErrProviderTimeout = errors.New("provider call timed out")

// Stats is a point-in-time snapshot of a breaker's counters.
type Stats struct {
	State           State
	FailureCount    int
	SuccessCount    int
	LastFailureTime time.Time
	NextAttemptTime time.Time
}

// Breaker guards calls to one provider. All state transitions happen under
// the breaker's lock; no caller observes an intermediate state.
type Breaker struct {
	name   string
	cfg    Config
	logger *slog.Logger

	// now is replaceable in tests
	now func() time.Time

	// onTransition, if set, is called on every state change while the
	// breaker's lock is held. Hooks must not block or re-enter the
	// breaker; registry hooks only bump counters.
	onTransition func(name string, from, to State)

	mu               sync.Mutex
	state            State
	failureCount     int
	successCount     int
	lastFailure      time.Time
	nextAttempt      time.Time
	halfOpenInFlight int
}

// New creates a closed breaker for the named provider.
func New(name string, cfg Config, logger *slog.Logger) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultConfig().SuccessThreshold
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = DefaultConfig().HalfOpenMaxRequests
	}
	return &Breaker{
		name:   name,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		state:  StateClosed,
	}
}

// Name returns the provider name this breaker guards.
func (b *Breaker) Name() string {
	return b.name
}

// ShouldAttempt reports whether a request may proceed. An open circuit
// whose reset timeout has elapsed transitions to half-open as a side
// effect, admitting the caller as a probe.
func (b *Breaker) ShouldAttempt() bool {
	b.mu.Lock()

	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return true
	case StateOpen:
		if !b.now().Before(b.nextAttempt) {
			b.transitionLocked(StateHalfOpen)
			b.mu.Unlock()
			return true
		}
		b.mu.Unlock()
		return false
	case StateHalfOpen:
		ok := b.halfOpenInFlight < b.cfg.HalfOpenMaxRequests
		b.mu.Unlock()
		return ok
	default:
		b.mu.Unlock()
		return false
	}
}

// RecordSuccess notes a successful call. In the closed state it resets the
// failure count; half-open successes accumulate toward closing. Successes
// reported while open are ignored: they cannot close a blocked circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()

	switch b.state {
	case StateClosed:
		b.failureCount = 0
		b.mu.Unlock()
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			b.failureCount = 0
			b.transitionLocked(StateClosed)
		}
		b.mu.Unlock()
	default:
		b.mu.Unlock()
	}
}

// RecordFailure notes a failed call. At the failure threshold the circuit
// opens; any half-open failure reopens it with a fresh reset window.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()

	b.failureCount++
	b.lastFailure = b.now()

	switch b.state {
	case StateClosed:
		if b.failureCount >= b.cfg.FailureThreshold {
			b.nextAttempt = b.now().Add(b.cfg.ResetTimeout)
			b.transitionLocked(StateOpen)
		}
		b.mu.Unlock()
	case StateHalfOpen:
		b.nextAttempt = b.now().Add(b.cfg.ResetTimeout)
		b.transitionLocked(StateOpen)
		b.mu.Unlock()
	default:
		b.mu.Unlock()
	}
}

// Execute runs op through the breaker with the configured per-request
// deadline. A refused call runs the fallback when one is supplied,
// otherwise it returns an OpenError. Deadline expiry counts as a failure;
// cancellation of the caller's context does not.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error, fallback func(context.Context) error) error {
	if !b.acquire() {
		b.mu.Lock()
		retryAt := b.nextAttempt
		b.mu.Unlock()
		if fallback != nil {
			return fallback(ctx)
		}
		return &OpenError{Provider: b.name, RetryAt: retryAt}
	}
	defer b.release()

	opCtx := ctx
	cancel := func() {}
	if b.cfg.Timeout > 0 {
		opCtx, cancel = context.WithTimeout(ctx, b.cfg.Timeout)
	}
	defer cancel()

	err := op(opCtx)
	if err == nil {
		b.RecordSuccess()
		return nil
	}

	// The caller going away is not the provider's fault.
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		b.RecordFailure()
		return fmt.Errorf("%w: %s", ErrProviderTimeout, b.name)
	}

	b.RecordFailure()
	return err
}

// acquire is ShouldAttempt plus probe-slot accounting for half-open mode.
func (b *Breaker) acquire() bool {
	if !b.ShouldAttempt() {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		if b.halfOpenInFlight >= b.cfg.HalfOpenMaxRequests {
			return false
		}
		b.halfOpenInFlight++
	}
	return true
}

func (b *Breaker) release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.halfOpenInFlight > 0 {
		b.halfOpenInFlight--
	}
}

// CurrentState returns the circuit's state.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// CurrentStats returns a snapshot of the breaker's counters.
func (b *Breaker) CurrentStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		State:           b.state,
		FailureCount:    b.failureCount,
		SuccessCount:    b.successCount,
		LastFailureTime: b.lastFailure,
		NextAttemptTime: b.nextAttempt,
	}
}

// Reset returns the breaker to a pristine closed state.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.failureCount = 0
	b.successCount = 0
	b.halfOpenInFlight = 0
	if b.state != StateClosed {
		b.transitionLocked(StateClosed)
	}
	b.mu.Unlock()
}

// ForceOpen opens the circuit for the given duration regardless of counts.
func (b *Breaker) ForceOpen(d time.Duration) {
	b.mu.Lock()
	b.nextAttempt = b.now().Add(d)
	if b.state != StateOpen {
		b.transitionLocked(StateOpen)
	}
	b.mu.Unlock()
}

// ForceClosed closes the circuit and clears all counters.
func (b *Breaker) ForceClosed() {
	b.Reset()
}

// transitionLocked switches state while the lock is held. Transition hooks
// and logging fire from here so every path reports consistently.
func (b *Breaker) transitionLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if to == StateHalfOpen {
		b.successCount = 0
		b.halfOpenInFlight = 0
	}
	if b.logger != nil {
		b.logger.Info("circuit breaker state change",
			"provider", b.name,
			"from", string(from),
			"to", string(to),
			"failures", b.failureCount)
	}
	if b.onTransition != nil {
		b.onTransition(b.name, from, to)
	}
}
