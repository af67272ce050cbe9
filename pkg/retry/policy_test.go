package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/latticeflow/wfengine/internal/resilience"
)

func TestPolicyDoSucceedsWithoutRetry(t *testing.T) {
	p := DefaultPolicy()
	calls := 0
	err := p.Do(context.Background(), func(attempt int) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestPolicyDoStopsAtMaxAttemptsForBoundedRetryable(t *testing.T) {
	p := DefaultPolicy()
	p.Initial = time.Millisecond
	p.Max = 2 * time.Millisecond
	p.MaxAttempts = 3

	calls := 0
	sentinel := WithKind("transient-io", errors.New("boom"))
	err := p.Do(context.Background(), func(attempt int) error {
		calls++
		return sentinel
	})
	if err == nil {
		t.Fatalf("expected error after exhausting attempts")
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestPolicyDoFatalClassificationStopsImmediately(t *testing.T) {
	p := DefaultPolicy()
	p.Initial = time.Millisecond

	calls := 0
	sentinel := WithKind("nonretryable", errors.New("bad input"))
	err := p.Do(context.Background(), func(attempt int) error {
		calls++
		return sentinel
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (fatal should not retry)", calls)
	}
}

func TestPolicyDoCancelEndsLoop(t *testing.T) {
	p := DefaultPolicy()
	p.Initial = 50 * time.Millisecond
	p.Max = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- p.Do(ctx, func(attempt int) error {
			calls++
			if calls == 1 {
				cancel()
			}
			return WithKind("transient-io", errors.New("still failing"))
		})
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected error after cancellation")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Do did not return after context cancellation")
	}
}

func TestGuardedDoFailsFastWhenBreakerOpen(t *testing.T) {
	breaker := resilience.NewCircuitBreakerAdaptive(time.Minute, 4, 1, 0.1, time.Minute, 1)
	for i := 0; i < 10; i++ {
		breaker.RecordResult(false)
	}
	if breaker.Allow() {
		t.Skip("breaker did not trip under this sliding window configuration")
	}

	g := Guarded{Policy: DefaultPolicy(), Breaker: breaker}
	calls := 0
	err := g.Do(context.Background(), func(attempt int) error {
		calls++
		return nil
	})
	if err != ErrCircuitOpen {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if calls != 0 {
		t.Fatalf("calls = %d, want 0 (fn must not run while breaker open)", calls)
	}
}
