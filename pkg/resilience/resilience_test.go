package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

func TestPool_RunsAllJobs(t *testing.T) {
	p := NewPool(4, 8)
	var count int64

	for i := 0; i < 50; i++ {
		err := p.Submit(context.Background(), func() {
			atomic.AddInt64(&count, 1)
		})
		if err != nil {
			t.Fatalf("submit failed: %v", err)
		}
	}
	p.Close()
	p.Wait()

	if count != 50 {
		t.Fatalf("expected 50 jobs run, got %d", count)
	}
}

func TestPool_SubmitAfterClose(t *testing.T) {
	p := NewPool(1, 1)
	p.Close()
	p.Wait()

	if err := p.Submit(context.Background(), func() {}); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
}

func TestPool_SubmitHonorsContext(t *testing.T) {
	p := NewPool(1, 1)
	defer p.Close()

	block := make(chan struct{})
	_ = p.Submit(context.Background(), func() { <-block })
	_ = p.Submit(context.Background(), func() {}) // fills the queue

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Submit(ctx, func() {})
	close(block)

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error on full queue, got %v", err)
	}
}

func TestPool_CloseDuringBlockedSubmit(t *testing.T) {
	p := NewPool(1, 1)

	block := make(chan struct{})
	_ = p.Submit(context.Background(), func() { <-block })
	_ = p.Submit(context.Background(), func() {}) // fills the queue

	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("submit panicked: %v", r)
			}
		}()
		result <- p.Submit(context.Background(), func() {})
	}()

	time.Sleep(20 * time.Millisecond) // third submit is now blocked in the send
	go p.Close()
	time.Sleep(20 * time.Millisecond)
	close(block)

	if err := <-result; err != nil && !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("submit racing close must not panic, got %v", err)
	}
	p.Wait()
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b := NewBreaker(3, time.Hour)
	fail := func(context.Context) error { return errors.New("peer down") }

	for i := 0; i < 3; i++ {
		if err := b.Do(context.Background(), fail); err == nil {
			t.Fatalf("expected failure passthrough")
		}
	}

	if err := b.Do(context.Background(), fail); !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("expected open breaker, got %v", err)
	}
}

func TestBreaker_SuccessResetsCounter(t *testing.T) {
	b := NewBreaker(3, time.Hour)
	fail := func(context.Context) error { return errors.New("x") }
	ok := func(context.Context) error { return nil }

	_ = b.Do(context.Background(), fail)
	_ = b.Do(context.Background(), fail)
	_ = b.Do(context.Background(), ok)
	_ = b.Do(context.Background(), fail)
	_ = b.Do(context.Background(), fail)

	if err := b.Do(context.Background(), ok); err != nil {
		t.Fatalf("breaker should still be closed, got %v", err)
	}
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	b := NewBreaker(1, 10*time.Millisecond)
	_ = b.Do(context.Background(), func(context.Context) error { return errors.New("x") })

	if err := b.Do(context.Background(), func(context.Context) error { return nil }); !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("breaker should be open during cooldown, got %v", err)
	}

	time.Sleep(15 * time.Millisecond)
	if err := b.Do(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("trial request after cooldown should pass, got %v", err)
	}
	if err := b.Do(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("breaker should be closed after trial success, got %v", err)
	}
}
