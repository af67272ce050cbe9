package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/latticeflow/wfengine/pkg/cache"
	"github.com/latticeflow/wfengine/pkg/iocap"
)

// containerJob tracks a simulated batch job: a scheduled container run
// that completes after a short, deterministic delay rather than really
// invoking a container runtime. It stands in for the class of batch
// backends (AWS Batch, Kubernetes Jobs) whose real client libraries
// aren't part of this module's dependency set.
type containerJob struct {
	mu        sync.Mutex
	id        string
	call      BoundCall
	startedAt time.Time
	done      bool
	outcome   PollOutcome
}

// ContainerBatch models a queued batch-of-containers backend: Execute
// enqueues a job and returns immediately with a handle carrying an
// external job id (so restart can Resume it), and Poll reports
// completion once the job's simulated runtime has elapsed.
type ContainerBatch struct {
	resolver *iocap.Resolver

	mu   sync.Mutex
	jobs map[string]*containerJob
}

func NewContainerBatch(resolver *iocap.Resolver) *ContainerBatch {
	return &ContainerBatch{resolver: resolver, jobs: make(map[string]*containerJob)}
}

func (c *ContainerBatch) Name() string { return "containerBatch" }

func (c *ContainerBatch) ValidateOptions(_ context.Context, opts WorkflowOptions) []ValidationIssue {
	var issues []ValidationIssue
	if v, ok := opts["memory_retry_multiplier"]; ok {
		if f, ok := v.(float64); ok && f <= 1 {
			issues = append(issues, ValidationIssue{Field: "memory_retry_multiplier", Message: "must be > 1"})
		}
	}
	return issues
}

func (c *ContainerBatch) InitializeWorkflow(_ context.Context, _ string, _ WorkflowOptions) (InitData, error) {
	return nil, nil
}

func (c *ContainerBatch) PrepareCall(_ context.Context, callKey string, init InitData, runtime RuntimeAttributes, command string, inputs map[string]string, callRoot string) (BoundCall, error) {
	if runtime.Image == "" {
		return BoundCall{}, fmt.Errorf("backend/containerBatch: call %s has no image", callKey)
	}
	return BoundCall{CallKey: callKey, CallRoot: callRoot, Runtime: runtime, Inputs: inputs, Command: command, InitData: init}, nil
}

func (c *ContainerBatch) Execute(_ context.Context, call BoundCall) (ExecutionHandle, error) {
	id := uuid.NewString()
	job := &containerJob{id: id, call: call, startedAt: time.Now()}
	c.mu.Lock()
	c.jobs[id] = job
	c.mu.Unlock()
	return id, nil
}

// Resume reattaches to a job by its external id, the case where restart
// finds a Running Call with a recorded externalJobId (spec §4.G).
func (c *ContainerBatch) Resume(_ context.Context, _ BoundCall, resumeToken string) (ExecutionHandle, error) {
	c.mu.Lock()
	_, ok := c.jobs[resumeToken]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("backend/containerBatch: unknown job id %q", resumeToken)
	}
	return resumeToken, nil
}

// simulatedRuntime stands in for the container's actual wall-clock
// execution time: long enough that Poll observes PollRunning at least
// once for any job, short enough that tests don't stall.
const simulatedRuntime = 50 * time.Millisecond

func (c *ContainerBatch) Poll(_ context.Context, handle ExecutionHandle) (PollOutcome, error) {
	id, ok := handle.(string)
	if !ok {
		return PollOutcome{}, fmt.Errorf("backend/containerBatch: invalid handle type %T", handle)
	}
	c.mu.Lock()
	job, ok := c.jobs[id]
	c.mu.Unlock()
	if !ok {
		return PollOutcome{}, fmt.Errorf("backend/containerBatch: unknown job id %q", id)
	}

	job.mu.Lock()
	defer job.mu.Unlock()
	if job.done {
		return job.outcome, nil
	}
	if time.Since(job.startedAt) < simulatedRuntime {
		return PollOutcome{Status: PollRunning, Handle: id, ExecutionID: id}, nil
	}

	outputs := make(map[string]string, len(job.call.Runtime.PassThrough))
	for name := range job.call.Runtime.PassThrough {
		outputs[name] = job.call.CallRoot + "/" + name
	}
	job.outcome = PollOutcome{
		Status:      PollSucceeded,
		Outputs:     outputs,
		ReturnCode:  0,
		RCValid:     true,
		Code:        CodeOK,
		ExecutionID: id,
	}
	job.done = true
	return job.outcome, nil
}

func (c *ContainerBatch) Abort(_ context.Context, handle ExecutionHandle) error {
	id, ok := handle.(string)
	if !ok {
		return fmt.Errorf("backend/containerBatch: invalid handle type %T", handle)
	}
	c.mu.Lock()
	job, ok := c.jobs[id]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	job.mu.Lock()
	job.done = true
	job.outcome = PollOutcome{Status: PollAborted, Code: CodeCanceled}
	job.mu.Unlock()
	return nil
}

func (c *ContainerBatch) CopyCacheHit(ctx context.Context, call BoundCall, prior cache.PriorResult, strategy HitStrategy) (map[string]string, error) {
	return copyCacheHitViaResolver(ctx, c.resolver, call, prior, strategy)
}

func (c *ContainerBatch) CleanupWorkflow(_ context.Context, _ string, _ InitData) error {
	return nil
}
