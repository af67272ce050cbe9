// Package callfsm implements the per-Call state machine (spec §4.E): a
// single task invocation's lifecycle from NotStarted through dispatch,
// polling, and a terminal state, including the preemption and memory-
// retry attempt policies and the return-code/failOnStderr decision.
package callfsm

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/latticeflow/wfengine/pkg/backend"
	"github.com/latticeflow/wfengine/pkg/cache"
	"github.com/latticeflow/wfengine/pkg/retry"
	"github.com/latticeflow/wfengine/pkg/wferrors"
)

// State is one of the eight Call states (spec §4.E).
type State int

const (
	NotStarted State = iota
	Starting
	Running
	Succeeded
	Failed
	Aborted
	RetryableFailure
	Preempted
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "NotStarted"
	case Starting:
		return "Starting"
	case Running:
		return "Running"
	case Succeeded:
		return "Succeeded"
	case Failed:
		return "Failed"
	case Aborted:
		return "Aborted"
	case RetryableFailure:
		return "RetryableFailure"
	case Preempted:
		return "Preempted"
	default:
		return "Unknown"
	}
}

// Terminal reports whether s has no outgoing transition.
func (s State) Terminal() bool {
	switch s {
	case Succeeded, Failed, Aborted:
		return true
	default:
		return false
	}
}

// Key uniquely identifies a Call: (workflow id, fully qualified task
// name, shard index or none, attempt). Shard == -1 means unsharded.
type Key struct {
	WorkflowID string
	TaskName   string
	Shard      int // -1 for no shard
	Attempt    int // >= 1
}

func (k Key) String() string {
	shard := "-"
	if k.Shard >= 0 {
		shard = strconv.Itoa(k.Shard)
	}
	return fmt.Sprintf("%s/%s/%s/%d", k.WorkflowID, k.TaskName, shard, k.Attempt)
}

// NextAttempt returns the Key for the next attempt of the same shard.
func (k Key) NextAttempt() Key {
	return Key{WorkflowID: k.WorkflowID, TaskName: k.TaskName, Shard: k.Shard, Attempt: k.Attempt + 1}
}

// AttemptPolicy bounds retries for a single Call Key's shard (spec §4.E,
// testable property 6): preemption budget P, and an optional memory
// escalation applied to RetryableFailure attempts.
type AttemptPolicy struct {
	PreemptionBudget      int // P; default 0 (no preemption retries)
	MemoryRetryMultiplier float64 // 0 disables memory escalation
	// MemoryRetryTriggers is the configured substring set (default
	// OutOfMemory, Killed) that must match the failure message for
	// memory escalation to apply.
	MemoryRetryTriggers []string
	MaxAttempts         int // overall ceiling regardless of reason; 0 = unbounded
}

// DefaultAttemptPolicy matches spec §4.E defaults: P falls back to 0,
// memory escalation disabled absent an explicit multiplier.
func DefaultAttemptPolicy() AttemptPolicy {
	return AttemptPolicy{
		PreemptionBudget:    0,
		MemoryRetryTriggers: []string{"OutOfMemory", "Killed"},
	}
}

func (p AttemptPolicy) matchesMemoryTrigger(message string) bool {
	for _, s := range p.MemoryRetryTriggers {
		if s != "" && strings.Contains(message, s) {
			return true
		}
	}
	return false
}

// Call is the mutable record the state machine drives.
type Call struct {
	Key      Key
	State    State
	Runtime  backend.RuntimeAttributes
	CallRoot string
	Command  string
	Inputs   map[string]string

	PreemptionCount int
	Outputs         map[string]string
	ExecutionInfo   map[string]string
	LastError       error
}

// Persister is the subset of the persistence adapter the state machine
// needs: durably record a transition before metadata is emitted (spec
// §4.H/§5 ordering guarantee).
type Persister interface {
	SaveCall(ctx context.Context, call Call) error
}

// Publisher emits a metadata event for a transition; failures are
// logged, never propagated (spec §4.I is fire-and-forget).
type Publisher interface {
	PublishCallTransition(ctx context.Context, call Call)
}

// Driver runs one Call through cache lookup and, on miss, dispatch and
// poll, applying the attempt policy on terminal-but-retryable outcomes.
// It returns the Call in its resulting state; retrying into a new
// attempt is the caller's responsibility (a new Call row per spec
// §4.E — the Driver does not loop across attempts itself).
type Driver struct {
	Backend   backend.Backend
	Cache     cache.Index
	Persist   Persister
	Publish   Publisher
	Attempt   AttemptPolicy
	Strategy  backend.HitStrategy
	InitData  backend.InitData
}

func (d *Driver) transition(ctx context.Context, call *Call, to State) {
	call.State = to
	if !d.persistCall(ctx, call, to) {
		return
	}
	if d.Publish != nil {
		d.Publish.PublishCallTransition(ctx, *call)
	}
}

// persistCall writes call's current row, including its execution_info
// map, in one transaction (spec §4.H). Used both by transition (state
// changed) and to durably record execution_info discovered mid-poll
// without a state change (e.g. externalJobId, spec §6/§4.G restart).
// Returns false if the save failed and the caller should stop (the
// Call has been marked Failed).
func (d *Driver) persistCall(ctx context.Context, call *Call, to State) bool {
	if d.Persist == nil {
		return true
	}
	if err := d.Persist.SaveCall(ctx, *call); err != nil {
		slog.Default().Error("callfsm: persist transition failed", "callKey", call.Key.String(), "to", to.String(), "err", err)
		call.State = Failed
		call.LastError = wferrors.Wrap(wferrors.KindPersistence, "save call transition", err)
		return false
	}
	return true
}

// TryCacheHit attempts a cache lookup and hit-copy for call's
// fingerprint, falling through stale/rejected candidates per spec
// §4.C. Returns true if a hit was applied (call.State == Succeeded).
func (d *Driver) TryCacheHit(ctx context.Context, call *Call, fingerprint string) (bool, error) {
	if d.Cache == nil || fingerprint == "" {
		return false, nil
	}
	candidates, err := d.Cache.Lookup(ctx, fingerprint)
	if err != nil {
		slog.Default().Warn("callfsm: cache lookup error, treating as miss", "fingerprint", fingerprint, "err", err)
		return false, nil
	}

	for _, candidate := range candidates {
		outputs, err := d.Backend.CopyCacheHit(ctx, d.boundCall(*call), candidate, d.Strategy)
		if err != nil {
			slog.Default().Info("callfsm: cache candidate rejected, trying next", "callKey", call.Key.String(), "candidate", candidate.CallKey, "err", err)
			_ = d.Cache.Invalidate(ctx, fingerprint, candidate.CallKey)
			continue
		}
		call.Outputs = outputs
		d.transition(ctx, call, Succeeded)
		return true, nil
	}
	return false, nil
}

func (d *Driver) boundCall(call Call) backend.BoundCall {
	return backend.BoundCall{
		CallKey:  call.Key.String(),
		CallRoot: call.CallRoot,
		Runtime:  call.Runtime,
		Inputs:   call.Inputs,
		Command:  call.Command,
		InitData: d.InitData,
	}
}

// Dispatch drives call from NotStarted through Starting, Running, to a
// terminal or retry-eligible state. The poll loop uses the backend's
// independent poll backoff (spec §4.D), not the retry package's Policy.
func (d *Driver) Dispatch(ctx context.Context, call *Call) error {
	d.transition(ctx, call, Starting)

	bound, err := d.Backend.PrepareCall(ctx, call.Key.String(), d.InitData, call.Runtime, call.Command, call.Inputs, call.CallRoot)
	if err != nil {
		return d.failSubmit(ctx, call, err)
	}

	handle, err := d.Backend.Execute(ctx, bound)
	if err != nil {
		return d.failSubmit(ctx, call, err)
	}
	// Recorded durably so a restart's resumeCall can look up the owning
	// backend for this Call (spec §4.G/§6: execution_info key "backend"
	// alongside the reserved "externalJobId").
	if call.ExecutionInfo == nil {
		call.ExecutionInfo = map[string]string{}
	}
	call.ExecutionInfo["backend"] = d.Backend.Name()
	d.transition(ctx, call, Running)

	return d.pollLoop(ctx, call, handle)
}

func (d *Driver) failSubmit(ctx context.Context, call *Call, err error) error {
	// Submit errors are returned as KindCallTransient with the Call left
	// in Starting. Dispatch does not retry the submit, and
	// pkg/workflowfsm's driveCall returns the error without a further
	// attempt.
	call.LastError = wferrors.Wrap(wferrors.KindCallTransient, "submit failed", err)
	return call.LastError
}

func (d *Driver) pollLoop(ctx context.Context, call *Call, handle backend.ExecutionHandle) error {
	delay := backend.PollBackoff.Initial
	for {
		select {
		case <-ctx.Done():
			return d.abort(ctx, call, handle)
		default:
		}

		outcome, err := d.Backend.Poll(ctx, handle)
		if err != nil {
			call.LastError = wferrors.Wrap(wferrors.KindCallTransient, "poll failed", err)
			return call.LastError
		}

		switch outcome.Status {
		case backend.PollRunning:
			handle = outcome.Handle
			if eid := outcome.ExecutionID; eid != "" && call.ExecutionInfo["externalJobId"] != eid {
				if call.ExecutionInfo == nil {
					call.ExecutionInfo = map[string]string{}
				}
				call.ExecutionInfo["externalJobId"] = eid
				// Durable write with no state change, so a crash right
				// after this poll can still be resumed (spec §4.G
				// restart: "Running with a recorded external id are
				// resumed through backend resume").
				if !d.persistCall(ctx, call, Running) {
					return call.LastError
				}
			}
			select {
			case <-ctx.Done():
				return d.abort(ctx, call, handle)
			case <-time.After(delay):
			}
			delay = nextPollDelay(delay)
			continue

		case backend.PollSucceeded:
			call.Outputs = outcome.Outputs
			d.transition(ctx, call, Succeeded)
			return nil

		case backend.PollAborted:
			d.transition(ctx, call, Aborted)
			return nil

		case backend.PollFailed:
			return d.handleFailure(ctx, call, outcome)

		default:
			call.LastError = fmt.Errorf("callfsm: unknown poll status %v", outcome.Status)
			return call.LastError
		}
	}
}

func nextPollDelay(cur time.Duration) time.Duration {
	next := time.Duration(float64(cur) * backend.PollBackoff.Multiplier)
	if next > backend.PollBackoff.Max {
		return backend.PollBackoff.Max
	}
	return next
}

func (d *Driver) abort(ctx context.Context, call *Call, handle backend.ExecutionHandle) error {
	_ = d.Backend.Abort(ctx, handle)
	d.transition(ctx, call, Aborted)
	return ctx.Err()
}

func (d *Driver) handleFailure(ctx context.Context, call *Call, outcome backend.PollOutcome) error {
	switch outcome.Code {
	case backend.CodePreempted:
		if call.PreemptionCount < d.Attempt.PreemptionBudget {
			call.PreemptionCount++
			d.transition(ctx, call, Preempted)
			return wferrors.New(wferrors.KindCallPreempted, outcome.Message)
		}
		// Preemption budget exhausted: surfaced as a transient failure.
		d.transition(ctx, call, RetryableFailure)
		return wferrors.New(wferrors.KindCallTransient, "preemption budget exhausted: "+outcome.Message)

	case backend.CodeTransientIO:
		d.transition(ctx, call, RetryableFailure)
		return wferrors.New(wferrors.KindCallTransient, outcome.Message)

	case backend.CodeCanceled:
		d.transition(ctx, call, Aborted)
		return nil

	case backend.CodeNonretryable:
		d.transition(ctx, call, Failed)
		return wferrors.New(wferrors.KindCallFatal, outcome.Message)

	default:
		d.transition(ctx, call, Failed)
		return wferrors.New(wferrors.KindCallFatal, "unrecognized backend error code: "+string(outcome.Code))
	}
}

// NextRuntime computes the RuntimeAttributes for the next attempt after
// a RetryableFailure, applying memory escalation when the failure
// message matches a configured trigger and a multiplier is set (spec
// §4.E attempt policy, bullet 2).
func (d *Driver) NextRuntime(call Call) backend.RuntimeAttributes {
	rt := call.Runtime
	if d.Attempt.MemoryRetryMultiplier > 1 && call.LastError != nil &&
		d.Attempt.matchesMemoryTrigger(call.LastError.Error()) {
		rt.MemoryMB = int64(float64(rt.MemoryMB) * d.Attempt.MemoryRetryMultiplier)
	}
	if call.PreemptionCount >= d.Attempt.PreemptionBudget {
		rt.Preemptible = false
	}
	return rt
}

// Classify adapts a Call-level error for the shared retry.Classifier so
// it can be fed to a retry.Policy. pkg/workflowfsm does not call it; its
// driveCall decides on further attempts from the Call's state.
func Classify(err error) retry.Classification {
	switch {
	case wferrors.Is(err, wferrors.KindCallFatal):
		return retry.Fatal
	case wferrors.Is(err, wferrors.KindCallPreempted), wferrors.Is(err, wferrors.KindCallTransient):
		return retry.BoundedRetryable
	default:
		return retry.Fatal
	}
}
