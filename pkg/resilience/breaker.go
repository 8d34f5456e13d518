package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrBreakerOpen = errors.New("circuit breaker is open")

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// Breaker is a per-peer circuit breaker. Consecutive failures open the
// circuit; after the cooldown one trial request is let through, and a
// success closes the circuit again. Keeps a flapping peer from stalling
// every replica push in the pipeline.
type Breaker struct {
	mu sync.Mutex

	failureThreshold int
	cooldown         time.Duration

	state     breakerState
	failures  int
	openUntil time.Time
	trial     bool
}

// NewBreaker creates a breaker that opens after failureThreshold
// consecutive failures and re-probes after cooldown.
func NewBreaker(failureThreshold int, cooldown time.Duration) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = 3
	}
	if cooldown <= 0 {
		cooldown = 10 * time.Second
	}
	return &Breaker{failureThreshold: failureThreshold, cooldown: cooldown}
}

// Do executes fn under the breaker. Context cancellation is not counted
// as a peer failure.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}

	err := fn(ctx)
	if errors.Is(err, context.Canceled) {
		b.release()
		return err
	}
	b.record(err == nil)
	return err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		return nil
	case stateOpen:
		if time.Now().Before(b.openUntil) {
			return ErrBreakerOpen
		}
		b.state = stateHalfOpen
		b.trial = true
		return nil
	default: // half-open
		if b.trial {
			return ErrBreakerOpen
		}
		b.trial = true
		return nil
	}
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == stateHalfOpen {
		b.trial = false
		if success {
			b.state = stateClosed
			b.failures = 0
			return
		}
		b.state = stateOpen
		b.openUntil = time.Now().Add(b.cooldown)
		return
	}

	if success {
		b.failures = 0
		return
	}
	b.failures++
	if b.failures >= b.failureThreshold {
		b.state = stateOpen
		b.openUntil = time.Now().Add(b.cooldown)
	}
}

func (b *Breaker) release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == stateHalfOpen {
		b.trial = false
	}
}
