// Package resilience protects inference calls with circuit breakers, retries,
// dead-letter capture and checkpoints.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed is the normal operating state: requests flow through.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects requests until the recovery timeout elapses.
	CircuitOpen
	// CircuitHalfOpen lets probe requests test recovery.
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
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a call is rejected because the circuit is open.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// CircuitBreakerConfig controls circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening
	// the circuit. Default: 5.
	FailureThreshold int

	// ResetTimeout is how long the circuit stays open after the last failure
	// before a probe is allowed. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMaxProbes bounds concurrent probe calls while half-open. Default: 1.
	HalfOpenMaxProbes int

	// ShouldTrip optionally overrides which errors count as failures. The
	// default counts every error except caller cancellation. Errors that do
	// not trip leave the stored state untouched.
	ShouldTrip func(err error) bool

	// OnStateChange is called when the observed state changes.
	OnStateChange func(key string, from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:  5,
		ResetTimeout:      30 * time.Second,
		HalfOpenMaxProbes: 1,
	}
}

// CircuitBreaker guards one inference target. Failure counts live in a
// BreakerStore so the state can be shared; the state itself is derived from
// the stored count and last failure time on every query.
type CircuitBreaker struct {
	key   string
	cfg   CircuitBreakerConfig
	store BreakerStore

	mu       sync.Mutex
	probes   int
	observed CircuitState

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewCircuitBreaker creates a breaker for key backed by store.
func NewCircuitBreaker(key string, store BreakerStore, cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxProbes <= 0 {
		cfg.HalfOpenMaxProbes = 1
	}
	if store == nil {
		store = NewMemoryBreakerStore()
	}
	return &CircuitBreaker{
		key:      key,
		cfg:      cfg,
		store:    store,
		observed: CircuitClosed,
		nowFunc:  time.Now,
	}
}

// Key returns the breaker key.
func (cb *CircuitBreaker) Key() string {
	return cb.key
}

// Execute runs fn through the circuit breaker. Returns ErrCircuitOpen without
// calling fn if the circuit is open.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	probe, err := cb.allowRequest(ctx)
	if err != nil {
		return err
	}

	err = fn(ctx)
	cb.recordResult(ctx, err, probe)
	return err
}

// ExecuteVal is like Execute but preserves a return value.
func ExecuteVal[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	probe, err := cb.allowRequest(ctx)
	if err != nil {
		return zero, err
	}

	val, err := fn(ctx)
	cb.recordResult(ctx, err, probe)
	return val, err
}

// State returns the current circuit state. An open circuit whose recovery
// timeout has elapsed reports half-open.
func (cb *CircuitBreaker) State(ctx context.Context) CircuitState {
	snap, err := cb.store.Snapshot(ctx, cb.key)
	if err != nil {
		cb.logStoreError("snapshot", err)
		return CircuitClosed
	}
	state := cb.derive(snap)
	cb.observe(state)
	return state
}

// Counters returns the stored failure count and current state.
func (cb *CircuitBreaker) Counters(ctx context.Context) (int, CircuitState) {
	snap, err := cb.store.Snapshot(ctx, cb.key)
	if err != nil {
		cb.logStoreError("snapshot", err)
		return 0, CircuitClosed
	}
	return snap.Failures, cb.derive(snap)
}

// Reset forces the circuit back to closed.
func (cb *CircuitBreaker) Reset(ctx context.Context) error {
	if err := cb.store.Reset(ctx, cb.key); err != nil {
		return eris.Wrapf(err, "resilience: reset breaker %s", cb.key)
	}
	cb.observe(CircuitClosed)
	return nil
}

func (cb *CircuitBreaker) derive(snap BreakerSnapshot) CircuitState {
	if snap.Failures < cb.cfg.FailureThreshold {
		return CircuitClosed
	}
	if cb.nowFunc().Sub(snap.LastFailure) >= cb.cfg.ResetTimeout {
		return CircuitHalfOpen
	}
	return CircuitOpen
}

func (cb *CircuitBreaker) allowRequest(ctx context.Context) (bool, error) {
	switch cb.State(ctx) {
	case CircuitOpen:
		return false, ErrCircuitOpen
	case CircuitHalfOpen:
		cb.mu.Lock()
		defer cb.mu.Unlock()
		if cb.probes >= cb.cfg.HalfOpenMaxProbes {
			return false, ErrCircuitOpen
		}
		cb.probes++
		return true, nil
	default:
		return false, nil
	}
}

func (cb *CircuitBreaker) recordResult(ctx context.Context, err error, probe bool) {
	if probe {
		defer func() {
			cb.mu.Lock()
			cb.probes--
			cb.mu.Unlock()
		}()
	}

	// Bookkeeping must survive a cancelled call context.
	storeCtx := context.WithoutCancel(ctx)

	shouldTrip := cb.cfg.ShouldTrip
	if shouldTrip == nil {
		shouldTrip = defaultShouldTrip
	}

	// Cancelled or non-tripping calls leave the shared state alone; only a
	// success may reset the counter or close a half-open breaker.
	if err != nil && !shouldTrip(err) {
		return
	}
	if err == nil {
		snap, serr := cb.store.Snapshot(storeCtx, cb.key)
		if serr != nil {
			cb.logStoreError("snapshot", serr)
			return
		}
		if snap.Failures > 0 {
			if serr := cb.store.Reset(storeCtx, cb.key); serr != nil {
				cb.logStoreError("reset", serr)
				return
			}
		}
		cb.observe(CircuitClosed)
		return
	}

	count, serr := cb.store.RecordFailure(storeCtx, cb.key, cb.nowFunc())
	if serr != nil {
		cb.logStoreError("record failure", serr)
		return
	}
	if count >= cb.cfg.FailureThreshold {
		cb.observe(CircuitOpen)
	}
}

// observe reports transitions of the derived state to OnStateChange.
func (cb *CircuitBreaker) observe(state CircuitState) {
	cb.mu.Lock()
	from := cb.observed
	cb.observed = state
	cb.mu.Unlock()
	if from != state && cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.key, from, state)
	}
}

func (cb *CircuitBreaker) logStoreError(op string, err error) {
	zap.L().Warn("breaker store unavailable, allowing call",
		zap.String("breaker_key", cb.key),
		zap.String("op", op),
		zap.Error(err),
	)
}

func defaultShouldTrip(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// LogStateChange is an OnStateChange callback that logs transitions.
func LogStateChange(key string, from, to CircuitState) {
	fields := []zap.Field{
		zap.String("breaker_key", key),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	}
	if to == CircuitOpen {
		zap.L().Warn("circuit breaker opened", fields...)
		return
	}
	zap.L().Info("circuit breaker state change", fields...)
}

// Breakers manages one circuit breaker per inference target over a shared store.
type Breakers struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	store    BreakerStore
	cfg      CircuitBreakerConfig
}

// NewBreakers creates a registry of per-key circuit breakers.
func NewBreakers(store BreakerStore, cfg CircuitBreakerConfig) *Breakers {
	if store == nil {
		store = NewMemoryBreakerStore()
	}
	return &Breakers{
		breakers: make(map[string]*CircuitBreaker),
		store:    store,
		cfg:      cfg,
	}
}

// Get returns the circuit breaker for key, creating one if needed.
func (b *Breakers) Get(key string) *CircuitBreaker {
	b.mu.RLock()
	cb, ok := b.breakers[key]
	b.mu.RUnlock()
	if ok {
		return cb
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok = b.breakers[key]; ok {
		return cb
	}
	cb = NewCircuitBreaker(key, b.store, b.cfg)
	b.breakers[key] = cb
	return cb
}

// States returns the current state of every breaker created so far.
func (b *Breakers) States(ctx context.Context) map[string]CircuitState {
	b.mu.RLock()
	list := make([]*CircuitBreaker, 0, len(b.breakers))
	for _, cb := range b.breakers {
		list = append(list, cb)
	}
	b.mu.RUnlock()

	states := make(map[string]CircuitState, len(list))
	for _, cb := range list {
		states[cb.key] = cb.State(ctx)
	}
	return states
}

// BreakerKey joins provider and model into a breaker key.
func BreakerKey(provider, model string) string {
	return provider + "/" + model
}
