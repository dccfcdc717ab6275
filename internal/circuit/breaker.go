package circuit

import (
	"context"
	stderrors "errors"
	"sort"
	"sync"
	"time"

	"github.com/pixcache/pixcache/pkg/errors"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed lets every fetch through.
	StateClosed State = iota
	// StateOpen rejects fetches until the open timeout elapses.
	StateOpen
	// StateHalfOpen lets a limited number of probe fetches through.
	StateHalfOpen
)

// String returns string representation of state
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

// Config contains circuit breaker configuration
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the breaker.
	FailureThreshold uint32 `yaml:"failure_threshold"`

	// OpenTimeout is how long an open breaker rejects fetches before it
	// lets probes through.
	OpenTimeout time.Duration `yaml:"open_timeout"`

	// HalfOpenRequests is the number of concurrent probes allowed while
	// half-open.
	HalfOpenRequests uint32 `yaml:"half_open_requests"`

	// IsFailure reports whether err counts against the origin. Errors
	// that are not failures count as successes: the origin answered.
	IsFailure func(err error) bool `yaml:"-"`

	// OnStateChange is called with the breaker lock released.
	OnStateChange func(origin string, from, to State) `yaml:"-"`

	now func() time.Time
}

// DefaultConfig returns the breaker settings used for fetch origins.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
		HalfOpenRequests: 1,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold == 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = d.OpenTimeout
	}
	if c.HalfOpenRequests == 0 {
		c.HalfOpenRequests = d.HalfOpenRequests
	}
	if c.IsFailure == nil {
		c.IsFailure = DefaultIsFailure
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// DefaultIsFailure counts transport errors, timeouts and retryable
// responses such as 5xx as failures. Permanent errors like a missing
// object mean the origin is healthy.
func DefaultIsFailure(err error) bool {
	if err == nil {
		return false
	}
	var cacheErr *errors.CacheError
	if !stderrors.As(err, &cacheErr) {
		return true
	}
	return cacheErr.Retryable || cacheErr.Code == errors.ErrCodeOperationTimeout
}

// Counts holds the outcome counters of one breaker since its last state change.
type Counts struct {
	Requests            uint32    `json:"requests"`
	Successes           uint32    `json:"successes"`
	Failures            uint32    `json:"failures"`
	ConsecutiveFailures uint32    `json:"consecutive_failures"`
	Rejected            uint64    `json:"rejected"`
	LastFailure         time.Time `json:"last_failure,omitempty"`
}

// Breaker guards the fetches of one origin.
type Breaker struct {
	origin string
	config Config

	mu       sync.Mutex
	state    State
	counts   Counts
	openedAt time.Time
	probes   uint32
}

// NewBreaker creates a closed breaker for origin.
func NewBreaker(origin string, config Config) *Breaker {
	return &Breaker{
		origin: origin,
		config: config.withDefaults(),
		state:  StateClosed,
	}
}

// Origin returns the origin the breaker guards.
func (b *Breaker) Origin() string {
	return b.origin
}

// Execute runs fn unless the breaker is open. Rejected calls fail with
// CIRCUIT_OPEN, which is never retryable. Canceled calls leave the
// counters untouched.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.before(); err != nil {
		return err
	}
	err := fn(ctx)
	b.after(ctx, err)
	return err
}

func (b *Breaker) before() error {
	b.mu.Lock()
	from, to := b.refresh()

	var rejectFor time.Duration
	reject := false
	switch b.state {
	case StateOpen:
		reject = true
		rejectFor = b.openedAt.Add(b.config.OpenTimeout).Sub(b.config.now())
	case StateHalfOpen:
		if b.probes >= b.config.HalfOpenRequests {
			reject = true
		} else {
			b.probes++
		}
	}
	if reject {
		b.counts.Rejected++
	} else {
		b.counts.Requests++
	}
	b.mu.Unlock()

	b.notify(from, to)
	if reject {
		err := errors.NewError(errors.ErrCodeCircuitOpen, "origin is failing, fetch rejected").
			WithComponent("circuit").WithOperation("fetch").
			WithContext("origin", b.origin).WithRetryable(false)
		if rejectFor > 0 {
			err = err.WithDetail("retry_after", rejectFor.String())
		}
		return err
	}
	return nil
}

func (b *Breaker) after(ctx context.Context, err error) {
	b.mu.Lock()
	state := b.state
	if state == StateHalfOpen && b.probes > 0 {
		b.probes--
	}

	if ctx.Err() != nil || errors.IsCode(err, errors.ErrCodeOperationCanceled) {
		b.mu.Unlock()
		return
	}

	from, to := b.state, b.state
	if b.config.IsFailure(err) {
		b.counts.Failures++
		b.counts.ConsecutiveFailures++
		b.counts.LastFailure = b.config.now()
		if state == StateHalfOpen || b.counts.ConsecutiveFailures >= b.config.FailureThreshold {
			from, to = b.setState(StateOpen)
		}
	} else {
		b.counts.Successes++
		b.counts.ConsecutiveFailures = 0
		if state == StateHalfOpen {
			from, to = b.setState(StateClosed)
		}
	}
	b.mu.Unlock()

	b.notify(from, to)
}

// refresh moves an expired open breaker to half-open. Caller holds mu.
func (b *Breaker) refresh() (State, State) {
	if b.state == StateOpen && !b.config.now().Before(b.openedAt.Add(b.config.OpenTimeout)) {
		return b.setState(StateHalfOpen)
	}
	return b.state, b.state
}

// setState changes state and clears the counters. Caller holds mu.
func (b *Breaker) setState(state State) (State, State) {
	prev := b.state
	if prev == state {
		return prev, state
	}

	b.state = state
	rejected := b.counts.Rejected
	b.counts = Counts{Rejected: rejected}
	b.probes = 0
	if state == StateOpen {
		b.openedAt = b.config.now()
	}
	return prev, state
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.config.OnStateChange != nil {
		b.config.OnStateChange(b.origin, from, to)
	}
}

// State returns the current state. An open breaker whose timeout has
// elapsed reports half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	from, to := b.refresh()
	state := b.state
	b.mu.Unlock()

	b.notify(from, to)
	return state
}

// Counts returns a copy of the current counters.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Reset closes the breaker.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from, to := b.setState(StateClosed)
	b.counts = Counts{}
	b.mu.Unlock()

	b.notify(from, to)
}

// Stats describes one breaker.
type Stats struct {
	Origin string `json:"origin"`
	State  string `json:"state"`
	Counts Counts `json:"counts"`
}

// Set holds one breaker per origin, created on first use.
type Set struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   Config
}

// NewSet creates an empty set whose breakers share config.
func NewSet(config Config) *Set {
	return &Set{
		breakers: make(map[string]*Breaker),
		config:   config,
	}
}

// For gets or creates the breaker for origin.
func (s *Set) For(origin string) *Breaker {
	s.mu.RLock()
	if b, ok := s.breakers[origin]; ok {
		s.mu.RUnlock()
		return b
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	// Double-check in case another goroutine created it
	if b, ok := s.breakers[origin]; ok {
		return b
	}
	b := NewBreaker(origin, s.config)
	s.breakers[origin] = b
	return b
}

func (s *Set) snapshot() []*Breaker {
	s.mu.RLock()
	defer s.mu.RUnlock()

	breakers := make([]*Breaker, 0, len(s.breakers))
	for _, b := range s.breakers {
		breakers = append(breakers, b)
	}
	return breakers
}

// Stats returns the state of every breaker by origin.
func (s *Set) Stats() map[string]Stats {
	stats := make(map[string]Stats)
	for _, b := range s.snapshot() {
		stats[b.origin] = Stats{
			Origin: b.origin,
			State:  b.State().String(),
			Counts: b.Counts(),
		}
	}
	return stats
}

// Open returns the sorted origins whose breaker currently rejects fetches.
func (s *Set) Open() []string {
	var open []string
	for _, b := range s.snapshot() {
		if b.State() == StateOpen {
			open = append(open, b.origin)
		}
	}
	sort.Strings(open)
	return open
}

// ResetAll closes every breaker.
func (s *Set) ResetAll() {
	for _, b := range s.snapshot() {
		b.Reset()
	}
}
