package resilience

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/jllopis/koder/pkg/errors"
)

// BreakerState is the position of a circuit breaker.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half-open"
)

// BreakerConfig configures a Breaker.
type BreakerConfig struct {
	// Name identifies the protected dependency in errors.
	Name string
	// FailureThreshold consecutive failures open the breaker. Default 5.
	FailureThreshold int
	// SuccessThreshold half-open successes close it again. Default 1.
	SuccessThreshold int
	// Cooldown is how long the breaker stays open. Default 30s.
	Cooldown time.Duration
}

// Breaker fails fast once a dependency keeps failing. Calls run outside the
// lock.
type Breaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time
}

func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold < 1 {
		cfg.SuccessThreshold = 1
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Breaker{cfg: cfg, now: time.Now, state: StateClosed}
}

// Call runs fn unless the breaker is open and records its outcome.
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn(ctx)
	b.Record(err)
	return err
}

// Allow returns a recoverable CodeTransport error while the breaker is open.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	if b.state != StateOpen {
		return nil
	}
	retryIn := b.cfg.Cooldown - b.now().Sub(b.openedAt)
	return errors.New(errors.CodeTransport, b.cfg.Name+": circuit open", nil).
		WithContext("breaker", b.cfg.Name).
		WithContext("retry_in", retryIn.Round(time.Millisecond).String()).
		WithRecoverable(true)
}

// Record counts a call outcome. Cancelled calls do not count as failures.
func (b *Breaker) Record(err error) {
	if err != nil && (stderrors.Is(err, context.Canceled) || errors.CodeOf(err) == errors.CodeAborted) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()

	if err == nil {
		switch b.state {
		case StateHalfOpen:
			b.successes++
			if b.successes >= b.cfg.SuccessThreshold {
				b.state, b.failures, b.successes = StateClosed, 0, 0
			}
		case StateClosed:
			b.failures = 0
		}
		return
	}

	switch b.state {
	case StateHalfOpen:
		b.trip()
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.trip()
		}
	}
}

// State returns the current state, moving an expired open breaker to
// half-open.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	return b.state
}

// Reset closes the breaker.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state, b.failures, b.successes = StateClosed, 0, 0
}

func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.failures, b.successes = 0, 0
}

// advance must be called with mu held.
func (b *Breaker) advance() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		b.state, b.successes = StateHalfOpen, 0
	}
}
