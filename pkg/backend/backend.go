// Package backend defines the dispatch contract every execution backend
// implements (spec §4.D): validateOptions, initializeWorkflow,
// prepareCall, execute, resume, poll, abort, copyCacheHit, and
// cleanupWorkflow. pkg/callfsm drives a Call through this contract;
// concrete backends (local, containerBatch, cloudPipelines) live in
// sibling files; a genericTaskServer backend is a CloudPipelines
// configured under that Name.
package backend

import (
	"context"
	"time"

	"github.com/latticeflow/wfengine/pkg/cache"
)

// ErrorCode is one of the core-interpreted backend error codes (spec §6).
type ErrorCode string

const (
	CodeOK           ErrorCode = "ok"
	CodePreempted    ErrorCode = "preempted"
	CodeCanceled     ErrorCode = "canceled"
	CodeTransientIO  ErrorCode = "transient-io"
	CodeNonretryable ErrorCode = "nonretryable"
)

// HitStrategy selects how copyCacheHit materializes a cache hit.
type HitStrategy int

const (
	// UseOriginal verifies referenced output paths still exist and
	// points the new Call's outputs at the original locations.
	UseOriginal HitStrategy = iota
	// CopyOutputs physically materializes outputs and detritus into
	// the new call root.
	CopyOutputs
)

// RuntimeAttributes is the resolved, backend-facing shape of a Call's
// declared runtime (image, resources, pass-through).
type RuntimeAttributes struct {
	Image          string
	CPU            float64
	MemoryMB       int64
	DiskMB         int64
	Preemptible    bool
	RetryCount     int
	PassThrough    map[string]string
	ContinueOnCode ReturnCodePolicy
	FailOnStderr   bool
}

// ReturnCodePolicy is the continueOnReturnCode option (spec §4.E): any,
// none, an explicit set, or an inclusive range.
type ReturnCodePolicy struct {
	Mode  ReturnCodeMode
	Codes map[int]bool
	Min   int
	Max   int
}

type ReturnCodeMode int

const (
	ReturnCodeAny ReturnCodeMode = iota
	ReturnCodeZeroOnly
	ReturnCodeSet
	ReturnCodeRange
)

// Accepts reports whether rc satisfies the policy.
func (p ReturnCodePolicy) Accepts(rc int) bool {
	switch p.Mode {
	case ReturnCodeAny:
		return true
	case ReturnCodeZeroOnly:
		return rc == 0
	case ReturnCodeSet:
		return p.Codes[rc]
	case ReturnCodeRange:
		return rc >= p.Min && rc <= p.Max
	default:
		return rc == 0
	}
}

// WorkflowOptions is the open map of recognized options (spec §6).
type WorkflowOptions map[string]any

// ValidationIssue is one rejected option.
type ValidationIssue struct {
	Field   string
	Message string
}

// InitData is opaque workflow-scoped state a backend prepares once
// (e.g. a credential file) and threads through later calls.
type InitData any

// BoundCall is a Call with resolved runtime attributes and an assigned
// call root, ready for execute/resume.
type BoundCall struct {
	CallKey  string
	CallRoot string
	Runtime  RuntimeAttributes
	Inputs   map[string]string // resolved, backend-local paths/values
	Command  string
	InitData InitData
}

// ExecutionHandle is opaque backend state threaded across poll calls.
type ExecutionHandle any

// PollOutcome is the tagged result of one poll.
type PollOutcome struct {
	Status      PollStatus
	Handle      ExecutionHandle // updated handle, when Status == PollRunning
	Outputs     map[string]string
	ReturnCode  int
	RCValid     bool
	Events      []string
	Code        ErrorCode
	Message     string
	ExecutionID string // external job id, stored under executionInfo["externalJobId"]
}

type PollStatus int

const (
	PollRunning PollStatus = iota
	PollSucceeded
	PollFailed
	PollAborted
)

// Detritus mirrors cache.Detritus to avoid every backend importing the
// cache package purely for this shape.
type Detritus = cache.Detritus

// Backend is the dispatch contract of spec §4.D. Every method may
// suspend (perform I/O) and must honor ctx cancellation.
type Backend interface {
	Name() string
	ValidateOptions(ctx context.Context, opts WorkflowOptions) []ValidationIssue
	InitializeWorkflow(ctx context.Context, workflowID string, opts WorkflowOptions) (InitData, error)
	PrepareCall(ctx context.Context, callKey string, init InitData, runtime RuntimeAttributes, command string, inputs map[string]string, callRoot string) (BoundCall, error)
	Execute(ctx context.Context, call BoundCall) (ExecutionHandle, error)
	Resume(ctx context.Context, call BoundCall, resumeToken string) (ExecutionHandle, error)
	Poll(ctx context.Context, handle ExecutionHandle) (PollOutcome, error)
	Abort(ctx context.Context, handle ExecutionHandle) error
	CopyCacheHit(ctx context.Context, call BoundCall, prior cache.PriorResult, strategy HitStrategy) (map[string]string, error)
	CleanupWorkflow(ctx context.Context, workflowID string, init InitData) error
}

// PollBackoff is the spec-mandated default poll schedule (§4.D): each
// backend's poll loop is independent of the Call retry policy in
// pkg/retry, with its own unbounded exponential curve.
var PollBackoff = struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}{
	Initial:    20 * time.Second,
	Max:        10 * time.Minute,
	Multiplier: 1.1,
}
