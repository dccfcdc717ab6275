// Package health tracks the health of cache tiers and decides when a failing
// tier should stop being written to or used at all.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// HealthState represents the health state of a component
type HealthState int

const (
	// StateHealthy indicates the component is fully operational
	StateHealthy HealthState = iota

	// StateDegraded indicates reads are failing but the component is still used
	StateDegraded

	// StateReadOnly indicates writes keep failing and are skipped
	StateReadOnly

	// StateUnavailable indicates the component is bypassed entirely
	StateUnavailable
)

// String returns the string representation of a health state
func (s HealthState) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateReadOnly:
		return "read-only"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state as its name.
func (s HealthState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Op is the kind of operation whose outcome is recorded.
type Op int

const (
	OpRead Op = iota
	OpWrite
	// OpProbe is a periodic health check.
	OpProbe
)

// ComponentHealth is a snapshot of one component
type ComponentHealth struct {
	Name                 string      `json:"name"`
	State                HealthState `json:"state"`
	LastStateChange      time.Time   `json:"last_state_change"`
	LastCheck            time.Time   `json:"last_check"`
	ConsecutiveErrors    int         `json:"consecutive_errors"`
	ConsecutiveSuccesses int         `json:"consecutive_successes"`
	LastErrorMessage     string      `json:"last_error_message,omitempty"`
}

// StateChangeCallback is called when a component's health state changes
type StateChangeCallback func(component string, oldState, newState HealthState, err error)

// TrackerConfig configures health tracking behavior
type TrackerConfig struct {
	// ErrorThreshold is the number of consecutive errors before a
	// component is degraded, or read-only when the errors are writes
	ErrorThreshold int `yaml:"error_threshold" json:"error_threshold"`

	// UnavailableThreshold is the number of consecutive errors before a
	// component is bypassed
	UnavailableThreshold int `yaml:"unavailable_threshold" json:"unavailable_threshold"`

	// RecoveryThreshold is the number of consecutive successes that
	// return an unhealthy component to healthy
	RecoveryThreshold int `yaml:"recovery_threshold" json:"recovery_threshold"`

	// HealthCheckInterval is the interval between probes
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval"`
}

// DefaultConfig returns a default tracker configuration
func DefaultConfig() TrackerConfig {
	return TrackerConfig{
		ErrorThreshold:       3,
		UnavailableThreshold: 10,
		RecoveryThreshold:    2,
		HealthCheckInterval:  30 * time.Second,
	}
}

type component struct {
	health ComponentHealth
}

// Tracker tracks the health of registered components
type Tracker struct {
	mu         sync.RWMutex
	components map[string]*component
	config     TrackerConfig
	callbacks  []StateChangeCallback
}

// NewTracker creates a new health tracker
func NewTracker(config TrackerConfig) *Tracker {
	d := DefaultConfig()
	if config.ErrorThreshold <= 0 {
		config.ErrorThreshold = d.ErrorThreshold
	}
	if config.UnavailableThreshold < config.ErrorThreshold {
		config.UnavailableThreshold = config.ErrorThreshold
	}
	if config.RecoveryThreshold <= 0 {
		config.RecoveryThreshold = d.RecoveryThreshold
	}
	if config.HealthCheckInterval <= 0 {
		config.HealthCheckInterval = d.HealthCheckInterval
	}
	return &Tracker{
		components: make(map[string]*component),
		config:     config,
	}
}

// Config returns the effective configuration.
func (t *Tracker) Config() TrackerConfig {
	return t.config
}

// Register adds a healthy component. Registering twice is a no-op.
func (t *Tracker) Register(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.components[name]; !exists {
		now := time.Now()
		t.components[name] = &component{health: ComponentHealth{
			Name:            name,
			State:           StateHealthy,
			LastStateChange: now,
			LastCheck:       now,
		}}
	}
}

// OnStateChange registers a callback for every state change. Callbacks
// run synchronously after the tracker lock is released.
func (t *Tracker) OnStateChange(callback StateChangeCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks = append(t.callbacks, callback)
}

// RecordSuccess records a successful operation for a component
func (t *Tracker) RecordSuccess(name string, op Op) {
	t.mu.Lock()
	c, exists := t.components[name]
	if !exists {
		t.mu.Unlock()
		return
	}

	h := &c.health
	old := h.State
	h.LastCheck = time.Now()
	// reads say nothing about a component whose writes fail
	if old == StateReadOnly && op == OpRead {
		t.mu.Unlock()
		return
	}
	h.ConsecutiveErrors = 0
	h.ConsecutiveSuccesses++
	if h.State != StateHealthy && h.ConsecutiveSuccesses >= t.config.RecoveryThreshold {
		t.transition(h, StateHealthy)
	}
	next := h.State
	callbacks := t.changed(old, next)
	t.mu.Unlock()

	t.notify(callbacks, name, old, next, nil)
}

// RecordError records a failed operation for a component. Write errors
// make the component read-only; other errors degrade it.
func (t *Tracker) RecordError(name string, op Op, err error) {
	t.mu.Lock()
	c, exists := t.components[name]
	if !exists {
		t.mu.Unlock()
		return
	}

	h := &c.health
	old := h.State
	h.LastCheck = time.Now()
	h.ConsecutiveSuccesses = 0
	h.ConsecutiveErrors++
	if err != nil {
		h.LastErrorMessage = err.Error()
	}

	next := h.State
	switch {
	case h.ConsecutiveErrors >= t.config.UnavailableThreshold:
		next = StateUnavailable
	case h.ConsecutiveErrors >= t.config.ErrorThreshold:
		target := StateDegraded
		if op == OpWrite {
			target = StateReadOnly
		}
		// never move back towards healthy on an error
		if target > next {
			next = target
		}
	}
	if next != old {
		t.transition(h, next)
	}
	callbacks := t.changed(old, next)
	t.mu.Unlock()

	t.notify(callbacks, name, old, next, err)
}

// transition must be called with the lock held
func (t *Tracker) transition(h *ComponentHealth, state HealthState) {
	h.State = state
	h.LastStateChange = time.Now()
	if state == StateHealthy {
		h.ConsecutiveErrors = 0
		h.LastErrorMessage = ""
	}
}

func (t *Tracker) changed(old, current HealthState) []StateChangeCallback {
	if old == current || len(t.callbacks) == 0 {
		return nil
	}
	return append([]StateChangeCallback(nil), t.callbacks...)
}

func (t *Tracker) notify(callbacks []StateChangeCallback, name string, old, next HealthState, err error) {
	for _, cb := range callbacks {
		cb(name, old, next, err)
	}
}

// GetState returns the current state of a component. Unknown components
// are unavailable.
func (t *Tracker) GetState(name string) HealthState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if c, exists := t.components[name]; exists {
		return c.health.State
	}
	return StateUnavailable
}

// GetComponentHealth returns a copy of a component's health
func (t *Tracker) GetComponentHealth(name string) (ComponentHealth, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	c, exists := t.components[name]
	if !exists {
		return ComponentHealth{}, fmt.Errorf("component %s not registered", name)
	}
	return c.health, nil
}

// GetAllComponents returns a copy of every component's health
func (t *Tracker) GetAllComponents() map[string]ComponentHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make(map[string]ComponentHealth, len(t.components))
	for name, c := range t.components {
		result[name] = c.health
	}
	return result
}

// GetOverallHealth returns the worst state of any component
func (t *Tracker) GetOverallHealth() HealthState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	overall := StateHealthy
	for _, c := range t.components {
		if c.health.State > overall {
			overall = c.health.State
		}
	}
	return overall
}

// CanRead returns true if the component may serve reads
func (t *Tracker) CanRead(name string) bool {
	return t.GetState(name) != StateUnavailable
}

// CanWrite returns true if the component may accept writes
func (t *Tracker) CanWrite(name string) bool {
	state := t.GetState(name)
	return state == StateHealthy || state == StateDegraded
}

// StartHealthChecks probes every unhealthy component each interval until
// ctx ends. Healthy components are not probed; their regular traffic
// already reports their health.
func (t *Tracker) StartHealthChecks(ctx context.Context, checkFn func(ctx context.Context, name string) error) {
	ticker := time.NewTicker(t.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.performHealthChecks(ctx, checkFn)
		}
	}
}

func (t *Tracker) performHealthChecks(ctx context.Context, checkFn func(ctx context.Context, name string) error) {
	t.mu.RLock()
	names := make([]string, 0, len(t.components))
	for name, c := range t.components {
		if c.health.State != StateHealthy {
			names = append(names, name)
		}
	}
	t.mu.RUnlock()
	sort.Strings(names)

	for _, name := range names {
		if ctx.Err() != nil {
			return
		}
		if err := checkFn(ctx, name); err != nil {
			t.RecordError(name, OpProbe, err)
		} else {
			t.RecordSuccess(name, OpProbe)
		}
	}
}
