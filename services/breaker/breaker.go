// Package breaker tracks backend health with a per-backend circuit breaker.
package breaker

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// State is the circuit state of one backend
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the state name used in health snapshots and metrics
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state by name in JSON output
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "CLOSED":
		*s = StateClosed
	case "OPEN":
		*s = StateOpen
	case "HALF_OPEN":
		*s = StateHalfOpen
	default:
		return fmt.Errorf("unknown breaker state %q", text)
	}
	return nil
}

// Config holds breaker thresholds
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit
	FailureThreshold int `yaml:"failure_threshold" validate:"gte=1"`

	// Cooldown is how long the circuit stays open after the first trip
	Cooldown time.Duration `yaml:"cooldown" validate:"gt=0"`

	// BackoffMultiplier grows the cooldown on each failed half-open trial
	BackoffMultiplier float64 `yaml:"backoff_multiplier" validate:"gte=1"`

	// MaxCooldown caps the grown cooldown
	MaxCooldown time.Duration `yaml:"max_cooldown"`
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  5,
		Cooldown:          30 * time.Second,
		BackoffMultiplier: 2.0,
		MaxCooldown:       5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = 1
	}
	if c.MaxCooldown < c.Cooldown {
		c.MaxCooldown = c.Cooldown
	}
	return c
}

// StateChangeFunc is called after every state transition, outside the lock
type StateChangeFunc func(backend string, from, to State)

// Option configures a Breaker
type Option func(*Breaker)

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		b.now = now
	}
}

// WithStateChangeHook registers a transition callback
func WithStateChangeHook(fn StateChangeFunc) Option {
	return func(b *Breaker) {
		b.onChange = fn
	}
}

// Health is a point-in-time snapshot of a breaker
type Health struct {
	Backend             string        `json:"backend"`
	State               State         `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	OpenedAt            time.Time     `json:"opened_at,omitempty"`
	Cooldown            time.Duration `json:"cooldown"`
}

// Breaker is the circuit breaker of one backend
type Breaker struct {
	name     string
	cfg      Config
	now      func() time.Time
	onChange StateChangeFunc

	mu            sync.Mutex
	state         State
	failures      int
	trips         int
	openedAt      time.Time
	cooldown      time.Duration
	trialInFlight bool

	// generation advances on every state change; permits from an older
	// generation settle as no-ops
	generation uint64
}

// New creates a closed breaker
func New(name string, cfg Config, opts ...Option) *Breaker {
	b := &Breaker{
		name: name,
		cfg:  cfg.withDefaults(),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.cooldown = b.cfg.Cooldown
	return b
}

// Name returns the backend name
func (b *Breaker) Name() string {
	return b.name
}

// Allow asks to make one call. A non-nil Permit must be settled with
// Success, Failure or Release.
func (b *Breaker) Allow() (*Permit, error) {
	b.mu.Lock()
	from := b.state

	switch b.state {
	case StateOpen:
		elapsed := b.now().Sub(b.openedAt)
		if elapsed < b.cooldown {
			retryIn := b.cooldown - elapsed
			b.mu.Unlock()
			return nil, &CircuitOpenError{Backend: b.name, RetryIn: retryIn}
		}
		b.state = StateHalfOpen
		b.generation++
		b.trialInFlight = true
		gen := b.generation
		b.mu.Unlock()
		b.notify(from, StateHalfOpen)
		return &Permit{b: b, trial: true, gen: gen}, nil

	case StateHalfOpen:
		if b.trialInFlight {
			b.mu.Unlock()
			return nil, &CircuitOpenError{Backend: b.name}
		}
		b.trialInFlight = true
		gen := b.generation
		b.mu.Unlock()
		return &Permit{b: b, trial: true, gen: gen}, nil

	default:
		gen := b.generation
		b.mu.Unlock()
		return &Permit{b: b, gen: gen}, nil
	}
}

// Admits reports whether Allow would currently grant a permit. It does not
// change state.
func (b *Breaker) Admits() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		return b.now().Sub(b.openedAt) >= b.cooldown
	case StateHalfOpen:
		return !b.trialInFlight
	default:
		return true
	}
}

// Defer holds the circuit open for d, as asked by a rate-limited backend.
// It does not count as a trip.
func (b *Breaker) Defer(d time.Duration) {
	if d <= 0 {
		return
	}
	b.mu.Lock()
	from := b.state
	remaining := time.Duration(0)
	if b.state == StateOpen {
		remaining = b.cooldown - b.now().Sub(b.openedAt)
	}
	if d <= remaining {
		b.mu.Unlock()
		return
	}
	b.state = StateOpen
	b.generation++
	b.openedAt = b.now()
	b.cooldown = d
	b.trialInFlight = false
	b.mu.Unlock()
	b.notify(from, StateOpen)
}

// Health returns a snapshot of the breaker
func (b *Breaker) Health() Health {
	b.mu.Lock()
	defer b.mu.Unlock()

	h := Health{
		Backend:             b.name,
		State:               b.state,
		ConsecutiveFailures: b.failures,
		Cooldown:            b.cooldown,
	}
	if b.state != StateClosed {
		h.OpenedAt = b.openedAt
	}
	return h
}

// State returns the current state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset closes the circuit and clears counters
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.closeLocked()
	b.mu.Unlock()
	b.notify(from, StateClosed)
}

func (b *Breaker) closeLocked() {
	if b.state != StateClosed {
		b.generation++
	}
	b.state = StateClosed
	b.failures = 0
	b.trips = 0
	b.openedAt = time.Time{}
	b.cooldown = b.cfg.Cooldown
	b.trialInFlight = false
}

func (b *Breaker) onSuccess(gen uint64) {
	b.mu.Lock()
	if gen != b.generation {
		b.mu.Unlock()
		return
	}
	from := b.state
	b.closeLocked()
	b.mu.Unlock()
	b.notify(from, StateClosed)
}

func (b *Breaker) onFailure(gen uint64, trial bool) {
	b.mu.Lock()
	if gen != b.generation {
		b.mu.Unlock()
		return
	}
	from := b.state
	b.failures++

	switch {
	case trial || b.state == StateHalfOpen:
		b.trip()
	case b.state == StateClosed && b.failures >= b.cfg.FailureThreshold:
		b.trip()
	}
	to := b.state
	b.mu.Unlock()
	b.notify(from, to)
}

// trip opens the circuit with a cooldown grown by the number of trips
func (b *Breaker) trip() {
	b.trips++
	cooldown := float64(b.cfg.Cooldown) * math.Pow(b.cfg.BackoffMultiplier, float64(b.trips-1))
	if cooldown > float64(b.cfg.MaxCooldown) {
		cooldown = float64(b.cfg.MaxCooldown)
	}
	b.state = StateOpen
	b.generation++
	b.openedAt = b.now()
	b.cooldown = time.Duration(cooldown)
	b.trialInFlight = false
}

func (b *Breaker) onRelease(gen uint64, trial bool) {
	if !trial {
		return
	}
	b.mu.Lock()
	if gen == b.generation && b.state == StateHalfOpen {
		b.trialInFlight = false
	}
	b.mu.Unlock()
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}

// Permit is the right to make one call through a breaker
type Permit struct {
	b     *Breaker
	trial bool
	gen   uint64
	once  sync.Once
}

// Trial reports whether this permit is the half-open probe
func (p *Permit) Trial() bool {
	return p.trial
}

// Success records a successful call
func (p *Permit) Success() {
	p.once.Do(func() { p.b.onSuccess(p.gen) })
}

// Failure records a failed call
func (p *Permit) Failure() {
	p.once.Do(func() { p.b.onFailure(p.gen, p.trial) })
}

// Release gives the permit back without recording an outcome
func (p *Permit) Release() {
	p.once.Do(func() { p.b.onRelease(p.gen, p.trial) })
}
