package resilience

import (
	"sync"
	"time"

	"github.com/apex/log"
)

// State of a circuit breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "closed"
}

// Clock is the time source of a breaker; tests inject a fake one.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// BreakerConfig holds per-dependency thresholds.
type BreakerConfig struct {
	Name string
	// FailureThreshold failures inside Window open the breaker.
	FailureThreshold int
	Window           time.Duration
	// CoolDown is how long the breaker stays open before admitting a probe.
	CoolDown time.Duration
	Clock    Clock
	// OnStateChange is called with the breaker lock held; it must not call back into the breaker.
	OnStateChange func(name string, from, to State)
}

// BreakerSnapshot is a copy of the breaker state for status endpoints.
type BreakerSnapshot struct {
	Name        string    `json:"name"`
	State       string    `json:"state"`
	Failures    int       `json:"failure_count"`
	WindowStart time.Time `json:"window_start"`
	OpenedAt    time.Time `json:"opened_at"`
	LastProbeAt time.Time `json:"last_probe_at"`
}

// Breaker is a windowed failure-counting circuit breaker. It is safe for concurrent use.
type Breaker struct {
	cfg BreakerConfig

	mu            sync.Mutex
	state         State
	failures      int
	windowStart   time.Time
	openedAt      time.Time
	lastProbeAt   time.Time
	probeInFlight bool
	// generation changes on every state change so late results of calls
	// admitted under an earlier state are ignored.
	generation uint64
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 1
	}
	return &Breaker{cfg: cfg}
}

// Name returns the dependency name.
func (b *Breaker) Name() string { return b.cfg.Name }

// ticket identifies an admitted call.
type ticket struct {
	generation uint64
	probe      bool
}

// allow admits a call or returns ErrCircuitOpen.
func (b *Breaker) allow() (ticket, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.cfg.Clock.Now()
	switch b.state {
	case StateOpen:
		if now.Sub(b.openedAt) < b.cfg.CoolDown {
			return ticket{}, ErrCircuitOpen
		}
		b.setState(StateHalfOpen)
		b.probeInFlight = true
		b.lastProbeAt = now
		return ticket{generation: b.generation, probe: true}, nil
	case StateHalfOpen:
		if b.probeInFlight {
			return ticket{}, ErrCircuitOpen
		}
		b.probeInFlight = true
		b.lastProbeAt = now
		return ticket{generation: b.generation, probe: true}, nil
	}
	return ticket{generation: b.generation}, nil
}

func (b *Breaker) onSuccess(t ticket) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t.generation != b.generation {
		return
	}
	if t.probe && b.state == StateHalfOpen {
		b.probeInFlight = false
		b.failures = 0
		b.windowStart = time.Time{}
		b.setState(StateClosed)
	}
}

func (b *Breaker) onFailure(t ticket) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t.generation != b.generation {
		return
	}
	now := b.cfg.Clock.Now()
	switch b.state {
	case StateHalfOpen:
		if t.probe {
			b.probeInFlight = false
			b.openedAt = now
			b.setState(StateOpen)
		}
	case StateClosed:
		if b.windowStart.IsZero() || now.Sub(b.windowStart) > b.cfg.Window {
			b.windowStart = now
			b.failures = 0
		}
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.openedAt = now
			b.setState(StateOpen)
		}
	}
}

// onAbandon releases a probe whose outcome says nothing about the dependency.
func (b *Breaker) onAbandon(t ticket) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t.generation == b.generation && t.probe {
		b.probeInFlight = false
	}
}

// setState must be called with b.mu held.
func (b *Breaker) setState(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.generation++
	log.WithFields(log.Fields{
		"dependency": b.cfg.Name,
		"from":       from.String(),
		"to":         to.String(),
		"failures":   b.failures,
	}).Warn("circuit breaker state change")
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, from, to)
	}
}

// State returns the current state without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a copy of the breaker state.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerSnapshot{
		Name:        b.cfg.Name,
		State:       b.state.String(),
		Failures:    b.failures,
		WindowStart: b.windowStart,
		OpenedAt:    b.openedAt,
		LastProbeAt: b.lastProbeAt,
	}
}

// Registry holds one breaker per dependency. It is built explicitly at start-up
// and passed to the components that make outbound calls.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry from breaker configurations.
func NewRegistry(cfgs ...BreakerConfig) *Registry {
	r := &Registry{breakers: make(map[string]*Breaker, len(cfgs))}
	for _, cfg := range cfgs {
		r.breakers[cfg.Name] = NewBreaker(cfg)
	}
	return r
}

// Get returns the breaker for a dependency, or nil.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.breakers[name]
}

// Snapshots returns the state of every registered breaker.
func (r *Registry) Snapshots() []BreakerSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]BreakerSnapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	return out
}
