package invoker

import (
	"errors"
	"sync"
	"time"

	"github.com/pitabwire/activator/internal/config"
)

type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

var breakerStateNames = [...]string{
	BreakerClosed:   "closed",
	BreakerOpen:     "open",
	BreakerHalfOpen: "half-open",
}

func (s BreakerState) String() string {
	if s < 0 || int(s) >= len(breakerStateNames) {
		return "unknown"
	}
	return breakerStateNames[s]
}

// gauge is the value exported on the breaker metric: 0 closed,
// 1 half-open, 2 open.
func (s BreakerState) gauge() float64 {
	switch s {
	case BreakerHalfOpen:
		return 1
	case BreakerOpen:
		return 2
	default:
		return 0
	}
}

// ErrBreakerOpen is returned by Allow while a backend is being shed.
var ErrBreakerOpen = errors.New("circuit breaker is open")

const (
	defaultFailureThreshold = 5
	defaultSuccessThreshold = 2
	defaultOpenTimeout      = 30 * time.Second

	// minErrorRateSamples is how many calls a window must see before its
	// error rate may trip the breaker.
	minErrorRateSamples = 10
)

// errorWindow counts calls in a tumbling window of fixed length. A zero
// length disables it.
type errorWindow struct {
	length   time.Duration
	start    time.Time
	total    int
	failures int
}

func (w *errorWindow) reset(now time.Time) {
	w.start, w.total, w.failures = now, 0, 0
}

func (w *errorWindow) roll(now time.Time) {
	if w.length > 0 && now.Sub(w.start) > w.length {
		w.reset(now)
	}
}

func (w *errorWindow) add(now time.Time, failed bool) {
	if w.length <= 0 {
		return
	}
	w.roll(now)
	w.total++
	if failed {
		w.failures++
	}
}

func (w *errorWindow) rate() float64 {
	if w.total == 0 {
		return 0
	}
	return float64(w.failures) / float64(w.total)
}

// CircuitBreaker sheds calls to one backend service after consecutive
// failures, or when the error rate of its window reaches the threshold.
// After the open timeout it lets probes through; successThreshold probe
// successes close it again and any probe failure reopens it.
type CircuitBreaker struct {
	failureThreshold int
	successThreshold int
	openTimeout      time.Duration
	rateThreshold    float64
	now              func() time.Time
	onChange         func(BreakerState)

	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time
	window    errorWindow
}

type BreakerOption func(*CircuitBreaker)

// WithStateHook calls fn on every state change, with the breaker locked.
// fn must not call back into the breaker.
func WithStateHook(fn func(BreakerState)) BreakerOption {
	return func(cb *CircuitBreaker) { cb.onChange = fn }
}

func withClock(now func() time.Time) BreakerOption {
	return func(cb *CircuitBreaker) { cb.now = now }
}

// NewCircuitBreaker builds a breaker from a service's settings. Unset
// thresholds and timeout take the package defaults; rate-based tripping
// needs both a threshold and a window.
func NewCircuitBreaker(cfg config.CircuitBreakerConfig, opts ...BreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		failureThreshold: positiveOr(cfg.FailureThreshold, defaultFailureThreshold),
		successThreshold: positiveOr(cfg.SuccessThreshold, defaultSuccessThreshold),
		openTimeout:      cfg.Timeout,
		rateThreshold:    cfg.ErrorRateThreshold,
		now:              time.Now,
		window:           errorWindow{length: cfg.ErrorRateWindow},
	}
	if cb.openTimeout <= 0 {
		cb.openTimeout = defaultOpenTimeout
	}
	for _, opt := range opts {
		opt(cb)
	}
	cb.window.reset(cb.now())
	return cb
}

func positiveOr(v, fallback int) int {
	if v < 1 {
		return fallback
	}
	return v
}

// Allow reports ErrBreakerOpen while calls are being shed.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.current() == BreakerOpen {
		return ErrBreakerOpen
	}
	return nil
}

// RecordSuccess records a call that reached the backend without a server
// failure.
func (cb *CircuitBreaker) RecordSuccess() { cb.record(false) }

// RecordFailure records a 5xx answer or a transport failure.
func (cb *CircuitBreaker) RecordFailure() { cb.record(true) }

func (cb *CircuitBreaker) record(failed bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	switch cb.state {
	case BreakerClosed:
		cb.window.add(now, failed)
		if !failed {
			cb.failures = 0
			return
		}
		cb.failures++
		if cb.failures >= cb.failureThreshold || cb.rateExceeded() {
			cb.open(now)
		}
	case BreakerHalfOpen:
		if failed {
			cb.successes = 0
			cb.open(now)
			return
		}
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.failures, cb.successes = 0, 0
			cb.window.reset(now)
			cb.transition(BreakerClosed)
		}
	}
}

// State returns the current state. An open breaker whose timeout has
// elapsed reports half-open.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.current()
}

// Counts returns the consecutive failures and the half-open successes.
func (cb *CircuitBreaker) Counts() (failures, successes int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures, cb.successes
}

// ErrorRate returns the failure ratio and call count of the current window.
func (cb *CircuitBreaker) ErrorRate() (rate float64, total int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.window.roll(cb.now())
	return cb.window.rate(), cb.window.total
}

// current, open, transition and rateExceeded require cb.mu.

func (cb *CircuitBreaker) current() BreakerState {
	if cb.state == BreakerOpen && cb.now().Sub(cb.openedAt) > cb.openTimeout {
		cb.successes = 0
		cb.transition(BreakerHalfOpen)
	}
	return cb.state
}

func (cb *CircuitBreaker) open(now time.Time) {
	cb.openedAt = now
	cb.window.reset(now)
	cb.transition(BreakerOpen)
}

func (cb *CircuitBreaker) transition(s BreakerState) {
	if cb.state == s {
		return
	}
	cb.state = s
	if cb.onChange != nil {
		cb.onChange(s)
	}
}

func (cb *CircuitBreaker) rateExceeded() bool {
	if cb.rateThreshold <= 0 || cb.window.length <= 0 || cb.window.total < minErrorRateSamples {
		return false
	}
	return cb.window.rate() >= cb.rateThreshold
}
