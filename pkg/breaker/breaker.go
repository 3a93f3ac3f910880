// Package breaker guards the provider's token-refresh endpoint against
// hammering a failing upstream.
package breaker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State of the breaker.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// ErrCircuitOpen is returned by Execute while the breaker short-circuits
// calls. Callers should treat it as retryable after the cooldown.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Breaker counts consecutive failures while closed; after Threshold failures
// it opens and short-circuits every call until Cooldown elapses, then admits
// a single trial call (half-open). The trial's outcome closes or re-opens
// the circuit. Safe for concurrent use.
type Breaker struct {
	mu sync.Mutex

	threshold int
	cooldown  time.Duration

	state         State
	failures      int
	openedAt      time.Time
	trialInFlight bool

	now    func() time.Time
	logger *slog.Logger
}

func New(threshold int, cooldown time.Duration, logger *slog.Logger) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		state:     StateClosed,
		now:       time.Now,
		logger:    logger.With("component", "breaker"),
	}
}

// Execute runs fn through the breaker. While open (and not yet cooled down)
// fn is never invoked and ErrCircuitOpen is returned immediately.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.admit(); err != nil {
		return err
	}

	err := fn()
	b.settle(err)
	return err
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return fmt.Errorf("%w: retry after %s", ErrCircuitOpen, b.openedAt.Add(b.cooldown).Sub(b.now()).Round(time.Second))
		}
		b.transition(StateHalfOpen)
		b.trialInFlight = true
		return nil
	case StateHalfOpen:
		if b.trialInFlight {
			return ErrCircuitOpen
		}
		b.trialInFlight = true
		return nil
	}
	return nil
}

func (b *Breaker) settle(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.trialInFlight = false
		if err != nil {
			b.openedAt = b.now()
			b.transition(StateOpen)
		} else {
			b.failures = 0
			b.transition(StateClosed)
		}
		return
	}

	if err != nil {
		b.failures++
		if b.failures >= b.threshold {
			b.openedAt = b.now()
			b.transition(StateOpen)
		}
		return
	}
	b.failures = 0
}

func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	b.logger.Info("Circuit breaker state change", "from", b.state, "to", to, "failures", b.failures)
	b.state = to
}

// Status returns the current state and consecutive failure count.
func (b *Breaker) Status() (State, int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Report half-open once the cooldown has lapsed, even before the next
	// Execute observes it.
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		return StateHalfOpen, b.failures
	}
	return b.state, b.failures
}
