package backend

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/latticeflow/wfengine/pkg/cache"
	"github.com/latticeflow/wfengine/pkg/iocap"
)

// LocalHandle is the ExecutionHandle shape for the Local backend: since
// Execute runs the command to completion synchronously (no separate
// subprocess supervisor), the handle simply carries the finished
// outcome for Poll to report.
type LocalHandle struct {
	outcome PollOutcome
}

// Local runs each Call's command directly via os/exec, the same
// exec.Command + stdout/stderr buffer + context-cancellation-kills-
// process pattern as the teacher's ShellPlugin, generalized from a
// command whitelist to an arbitrary resolved command line.
type Local struct {
	resolver *iocap.Resolver

	mu      sync.Mutex
	handles map[string]*LocalHandle
}

// NewLocal builds a Local backend using resolver for input/output path
// operations (script/stdout/stderr/rc file writes, cache-hit copies).
func NewLocal(resolver *iocap.Resolver) *Local {
	return &Local{resolver: resolver, handles: make(map[string]*LocalHandle)}
}

func (l *Local) Name() string { return "local" }

func (l *Local) ValidateOptions(_ context.Context, _ WorkflowOptions) []ValidationIssue {
	return nil
}

func (l *Local) InitializeWorkflow(_ context.Context, _ string, _ WorkflowOptions) (InitData, error) {
	return nil, nil
}

func (l *Local) PrepareCall(_ context.Context, callKey string, init InitData, runtime RuntimeAttributes, command string, inputs map[string]string, callRoot string) (BoundCall, error) {
	return BoundCall{
		CallKey:  callKey,
		CallRoot: callRoot,
		Runtime:  runtime,
		Inputs:   inputs,
		Command:  command,
		InitData: init,
	}, nil
}

// Execute writes call.Command to the call root's script file and runs it
// with /bin/sh, writes stdout/
// stderr/rc detritus into the call root, and returns a handle carrying
// the already-final outcome — Local has no separate async phase.
func (l *Local) Execute(ctx context.Context, call BoundCall) (ExecutionHandle, error) {
	if err := os.MkdirAll(call.CallRoot, 0o755); err != nil {
		return nil, fmt.Errorf("backend/local: mkdir call root: %w", err)
	}

	scriptPath := filepath.Join(call.CallRoot, "script")
	if err := os.WriteFile(scriptPath, []byte(call.Command), 0o755); err != nil {
		return nil, fmt.Errorf("backend/local: write script: %w", err)
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", scriptPath)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	stdoutPath := filepath.Join(call.CallRoot, "stdout")
	stderrPath := filepath.Join(call.CallRoot, "stderr")
	rcPath := filepath.Join(call.CallRoot, "rc")

	if err := os.WriteFile(stdoutPath, stdout.Bytes(), 0o644); err != nil {
		return nil, fmt.Errorf("backend/local: write stdout: %w", err)
	}
	if err := os.WriteFile(stderrPath, stderr.Bytes(), 0o644); err != nil {
		return nil, fmt.Errorf("backend/local: write stderr: %w", err)
	}

	outcome := PollOutcome{Status: PollSucceeded}

	rc := 0
	rcValid := true
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			rc = exitErr.ExitCode()
		} else {
			// Process never started or was killed by context cancellation.
			rcValid = false
			if ctx.Err() != nil {
				outcome.Status = PollAborted
				outcome.Code = CodeCanceled
				outcome.Message = runErr.Error()
			} else {
				outcome.Status = PollFailed
				outcome.Code = CodeTransientIO
				outcome.Message = runErr.Error()
			}
		}
	}

	if err := os.WriteFile(rcPath, []byte(fmt.Sprintf("%d", rc)), 0o644); err != nil {
		return nil, fmt.Errorf("backend/local: write rc: %w", err)
	}

	if outcome.Status == PollSucceeded {
		if !rcValid {
			outcome.Status = PollFailed
			outcome.Code = CodeTransientIO
			outcome.Message = "undefined return code"
		} else if call.Runtime.FailOnStderr && stderr.Len() > 0 {
			outcome.Status = PollFailed
			outcome.Code = CodeNonretryable
			outcome.Message = "stderr non-empty under failOnStderr"
		} else if !call.Runtime.ContinueOnCode.Accepts(rc) {
			outcome.Status = PollFailed
			outcome.Code = CodeNonretryable
			outcome.Message = fmt.Sprintf("return code %d rejected by policy", rc)
		}
	}

	outcome.ReturnCode = rc
	outcome.RCValid = rcValid
	if outcome.Status == PollSucceeded {
		outcome.Code = CodeOK
		outputs := make(map[string]string, len(call.Runtime.PassThrough))
		for name := range call.Runtime.PassThrough {
			outputs[name] = filepath.Join(call.CallRoot, name)
		}
		outcome.Outputs = outputs
	}

	handle := &LocalHandle{outcome: outcome}
	l.mu.Lock()
	l.handles[call.CallKey] = handle
	l.mu.Unlock()
	return handle, nil
}

// Resume is unsupported: the Local backend has no external job id to
// reattach to, so a restart of a Running Local Call is always treated
// as transient by pkg/workflowfsm and reset to NotStarted.
func (l *Local) Resume(_ context.Context, _ BoundCall, _ string) (ExecutionHandle, error) {
	return nil, fmt.Errorf("backend/local: resume not supported")
}

func (l *Local) Poll(_ context.Context, handle ExecutionHandle) (PollOutcome, error) {
	h, ok := handle.(*LocalHandle)
	if !ok {
		return PollOutcome{}, fmt.Errorf("backend/local: invalid handle type %T", handle)
	}
	return h.outcome, nil
}

func (l *Local) Abort(_ context.Context, _ ExecutionHandle) error {
	return nil
}

// CopyCacheHit materializes a prior result's outputs and detritus into
// call.CallRoot under UseOriginal or CopyOutputs semantics (spec §4.C).
func (l *Local) CopyCacheHit(ctx context.Context, call BoundCall, prior cache.PriorResult, strategy HitStrategy) (map[string]string, error) {
	return copyCacheHitViaResolver(ctx, l.resolver, call, prior, strategy)
}

// CleanupWorkflow drops only the handles belonging to workflowID; a
// CallKey's first "/"-separated segment is its workflow id (spec §3),
// so other workflows' live handles are left untouched.
func (l *Local) CleanupWorkflow(_ context.Context, workflowID string, _ InitData) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	prefix := workflowID + "/"
	for k := range l.handles {
		if strings.HasPrefix(k, prefix) {
			delete(l.handles, k)
		}
	}
	return nil
}
