// Package retry implements the engine's retry/backoff policy (spec §4.B).
// A Classifier sorts a failure into one of three fixed kinds; bounded and
// infinite retry both ride the same exponential-backoff curve, supplied by
// github.com/cenkalti/backoff/v4 and wrapped so every loop is cancellable
// at its next sleep boundary.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/latticeflow/wfengine/internal/resilience"
)

// Classification is the fixed three-way taxonomy from spec §4.B.
type Classification int

const (
	// Fatal means no retry is attempted.
	Fatal Classification = iota
	// BoundedRetryable means retry up to Policy.MaxAttempts with backoff.
	BoundedRetryable
	// InfinitelyRetryable means retry forever with the same curve,
	// reserved for quota-class failures such as remote rate limiting.
	InfinitelyRetryable
)

// Classifier sorts an error into a Classification. Pluggable, but the
// taxonomy itself is fixed.
type Classifier func(err error) Classification

// Policy is the exponential backoff curve plus attempt bound. Defaults
// per spec §4.B: N=5, I=5s, M=10s, μ=1.1.
type Policy struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	Classify    Classifier
}

// DefaultPolicy returns the spec-mandated defaults with DefaultClassifier.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		Initial:     5 * time.Second,
		Max:         10 * time.Second,
		Multiplier:  1.1,
		Classify:    DefaultClassifier,
	}
}

// DefaultClassifier treats the spec-reserved backend error codes (§6) as
// the fixed taxonomy: "preempted" and "transient-io" are bounded-retryable
// (preemption has its own budget layered on top by pkg/callfsm),
// "nonretryable" and "canceled" are fatal, and nothing defaults to
// infinitely-retryable — callers that need quota-class retry (e.g. remote
// rate limiting) must supply their own Classifier.
func DefaultClassifier(err error) Classification {
	if err == nil {
		return Fatal
	}
	switch {
	case isKind(err, "nonretryable"), isKind(err, "canceled"):
		return Fatal
	case isKind(err, "transient-io"), isKind(err, "preempted"):
		return BoundedRetryable
	default:
		return BoundedRetryable
	}
}

// kindErr lets callers tag a sentinel error with one of the backend codes
// from spec §6 without introducing a dependency cycle on pkg/backend.
type kindErr struct {
	kind string
	err  error
}

func (k *kindErr) Error() string { return k.err.Error() }
func (k *kindErr) Unwrap() error { return k.err }

// WithKind tags err with a backend error code so DefaultClassifier (or a
// custom Classifier inspecting the same tag) can route it.
func WithKind(kind string, err error) error { return &kindErr{kind: kind, err: err} }

func isKind(err error, kind string) bool {
	k, ok := err.(*kindErr)
	return ok && k.kind == kind
}

func (p Policy) curve() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.MaxInterval = p.Max
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = backoff.DefaultRandomizationFactor
	b.MaxElapsedTime = 0 // bounded by attempt count, not elapsed wall time
	return b
}

// Do runs fn under this policy. attempt starts at 1. It returns the last
// error once attempts (or, for InfinitelyRetryable, ctx) are exhausted.
// The loop is cancellable: on ctx cancellation the in-flight sleep ends
// and no further attempt begins.
func (p Policy) Do(ctx context.Context, fn func(attempt int) error) error {
	classify := p.Classify
	if classify == nil {
		classify = DefaultClassifier
	}

	curve := backoff.WithContext(p.curve(), ctx)
	attempt := 0
	var lastErr error

	op := func() error {
		attempt++
		err := fn(attempt)
		if err == nil {
			return nil
		}
		lastErr = err
		switch classify(err) {
		case Fatal:
			return backoff.Permanent(err)
		case InfinitelyRetryable:
			return err
		default: // BoundedRetryable
			if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
				return backoff.Permanent(err)
			}
			return err
		}
	}

	if err := backoff.Retry(op, curve); err != nil {
		if lastErr != nil {
			return lastErr
		}
		return err
	}
	return nil
}

// Guarded wraps Do with a CircuitBreaker: when the breaker is open, calls
// fail fast with ErrCircuitOpen instead of attempting dispatch. The
// breaker trips independently of any single Call's attempt budget,
// shedding load across Calls sharing a backend. pkg/workflowfsm.Engine
// does not use Guarded; it consults its Breakers directly.
type Guarded struct {
	Policy  Policy
	Breaker *resilience.CircuitBreaker
}

// ErrCircuitOpen is returned by Guarded.Do when the breaker is tripped.
var ErrCircuitOpen error = errCircuitOpen{}

type errCircuitOpen struct{}

func (errCircuitOpen) Error() string { return "circuit breaker open" }

func (g Guarded) Do(ctx context.Context, fn func(attempt int) error) error {
	if g.Breaker != nil && !g.Breaker.Allow() {
		return ErrCircuitOpen
	}
	err := g.Policy.Do(ctx, fn)
	if g.Breaker != nil {
		g.Breaker.RecordResult(err == nil)
	}
	return err
}
