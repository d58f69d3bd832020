// Package emergency implements the vault's circuit breaker: a single
// Active → Halted switch that stays tripped until explicitly cleared.
package emergency

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/yieldguard/internal/fault"
)

// DefaultThreshold is the risk score (bps) at or above which a monitored
// entity trips the breaker.
const DefaultThreshold uint64 = 9000

// Errors
var (
	ErrHalted         = fault.State("halted", "vault is halted by an emergency")
	ErrAlreadyHalted  = fault.State("already_halted", "emergency already triggered")
	ErrNotHalted      = fault.State("not_halted", "no emergency to clear")
	ErrReasonRequired = fault.Validation("reason_required", "an emergency reason is required")
)

// State is the breaker position.
type State int

const (
	StateActive State = iota // deposits and allocation allowed
	StateHalted              // tripped: only withdrawals allowed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateHalted:
		return "halted"
	default:
		return "unknown"
	}
}

// Status describes the current or most recent emergency.
type Status struct {
	State        State     `json:"-"`
	Triggered    bool      `json:"triggered"`
	Reason       string    `json:"reason,omitempty"`
	TriggeredAt  time.Time `json:"triggeredAt,omitempty"`
	TriggerScore uint64    `json:"triggerScore,omitempty"`
	Source       string    `json:"source,omitempty"`
	ClearedAt    time.Time `json:"clearedAt,omitempty"`
}

var (
	stateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "yieldguard",
		Subsystem: "emergency",
		Name:      "state_transitions_total",
		Help:      "Emergency breaker transitions by from-state and to-state.",
	}, []string{"from_state", "to_state"})

	haltedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "yieldguard",
		Subsystem: "emergency",
		Name:      "halted",
		Help:      "1 while the vault is halted, 0 otherwise.",
	})
)

func init() {
	prometheus.MustRegister(stateTransitions, haltedGauge)
}

// Controller holds the emergency state. The vault consults it on every
// deposit path and trips it while holding its own lock, so the controller
// never calls back into the vault.
type Controller struct {
	mu           sync.Mutex
	status       Status
	threshold    uint64
	now          func() time.Time
	onTransition func(from, to State, st Status)
}

// New creates a controller in the Active state. A zero threshold selects
// DefaultThreshold.
func New(threshold uint64) *Controller {
	if threshold == 0 {
		threshold = DefaultThreshold
	}
	return &Controller{threshold: threshold, now: time.Now}
}

// WithClock overrides the time source.
func (c *Controller) WithClock(now func() time.Time) *Controller {
	c.now = now
	return c
}

// OnTransition sets a callback invoked asynchronously on state changes.
func (c *Controller) OnTransition(fn func(from, to State, st Status)) {
	c.mu.Lock()
	c.onTransition = fn
	c.mu.Unlock()
}

// Threshold returns the trip threshold in bps.
func (c *Controller) Threshold() uint64 {
	return c.threshold
}

// Breached reports whether score reaches the trip threshold.
func (c *Controller) Breached(score uint64) bool {
	return score >= c.threshold
}

// Allow returns ErrHalted while the breaker is tripped.
func (c *Controller) Allow() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.State == StateHalted {
		return fmt.Errorf("%w: %s", ErrHalted, c.status.Reason)
	}
	return nil
}

// Halted reports whether the breaker is tripped.
func (c *Controller) Halted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status.State == StateHalted
}

// Status returns a snapshot of the emergency state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Trip moves the breaker to Halted. score is the triggering risk score (0 for
// manual triggers) and source the entity or caller responsible.
func (c *Controller) Trip(reason string, score uint64, source string) (Status, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Status{}, ErrReasonRequired
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.State == StateHalted {
		return c.status, ErrAlreadyHalted
	}
	c.status = Status{
		State:        StateHalted,
		Triggered:    true,
		Reason:       reason,
		TriggeredAt:  c.now(),
		TriggerScore: score,
		Source:       strings.ToLower(source),
	}
	c.transitionLocked(StateActive, StateHalted)
	return c.status, nil
}

// Clear returns the breaker to Active. The last trip details are kept for
// audit with ClearedAt set.
func (c *Controller) Clear() (Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.State != StateHalted {
		return c.status, ErrNotHalted
	}
	c.status.State = StateActive
	c.status.Triggered = false
	c.status.ClearedAt = c.now()
	c.transitionLocked(StateHalted, StateActive)
	return c.status, nil
}

// transitionLocked records metrics and fires the callback. Caller holds c.mu.
func (c *Controller) transitionLocked(from, to State) {
	stateTransitions.WithLabelValues(from.String(), to.String()).Inc()
	if to == StateHalted {
		haltedGauge.Set(1)
	} else {
		haltedGauge.Set(0)
	}
	if c.onTransition != nil {
		fn, st := c.onTransition, c.status
		go fn(from, to, st)
	}
}
