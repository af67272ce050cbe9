package workflowfsm

import (
	"context"
	"fmt"

	"github.com/latticeflow/wfengine/pkg/backend"
	"github.com/latticeflow/wfengine/pkg/store"
)

// ErrRestartRejected is wrapped by Restart's error when wf cannot be
// resumed and must instead be marked Failed (spec §4.G, §9 Open
// Question (a)).
var ErrRestartRejected = fmt.Errorf("workflowfsm: restart rejected")

// Restart implements the engine-crash recovery algorithm (spec §4.G):
//
//   - reject if any Call is Failed or Aborted, or any scatter collector
//     is Starting — those states mean the workflow cannot be safely
//     resumed and must be marked Failed by the caller.
//   - reset every Running collector to NotStarted (shards are
//     idempotent recomputations of the projection, not of the
//     underlying tasks, so a Running collector observed at restart
//     cannot be trusted).
//   - reset every Starting Call, and every Running Call with no
//     recorded externalJobId, to NotStarted so the engine redispatches
//     it as a fresh attempt.
//   - resume every Running Call with a recorded externalJobId through
//     the owning backend's Resume, rather than redispatching it.
//
// There is no teacher analogue for this algorithm (the teacher holds no
// durable in-flight state across restarts); it is grounded directly on
// the spec text and the worked answer to Open Question (a) in SPEC_FULL.md §9.
func Restart(ctx context.Context, s store.Store, backends map[string]backend.Backend, workflowID string) error {
	calls, err := s.SelectCallsByWorkflow(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("workflowfsm: restart: select calls: %w", err)
	}
	for _, c := range calls {
		if c.Status == "Failed" || c.Status == "Aborted" {
			return fmt.Errorf("%w: call %s is %s", ErrRestartRejected, c.Key(), c.Status)
		}
	}

	collectors, err := s.SelectCollectorsByWorkflow(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("workflowfsm: restart: select collectors: %w", err)
	}
	for _, col := range collectors {
		if col.Status == "Starting" {
			return fmt.Errorf("%w: collector %s is Starting", ErrRestartRejected, col.TaskName)
		}
	}
	for _, col := range collectors {
		if col.Status == "Running" {
			col.Status = "NotStarted"
			if err := s.PutCollector(ctx, col); err != nil {
				return fmt.Errorf("workflowfsm: restart: reset collector %s: %w", col.TaskName, err)
			}
		}
	}

	var toResume []store.CallRow
	err = s.ResetTransientExecutions(ctx, workflowID, func(c store.CallRow) bool {
		if c.Status == "Starting" {
			return true
		}
		if c.Status != "Running" {
			return false
		}
		info, infoErr := s.GetExecutionInfo(ctx, c.Key())
		if infoErr != nil || info["externalJobId"] == "" {
			return true // no external handle recorded: treat as transient, reset
		}
		toResume = append(toResume, c)
		return false
	})
	if err != nil {
		return fmt.Errorf("workflowfsm: restart: reset transient executions: %w", err)
	}

	for _, c := range toResume {
		if err := resumeCall(ctx, s, backends, c); err != nil {
			return fmt.Errorf("workflowfsm: restart: resume call %s: %w", c.Key(), err)
		}
	}
	return nil
}

// resumeCall re-attaches to a Call whose backend execution may still be
// running, using the recorded externalJobId as the resume token (spec
// §4.D Resume). Which backend owns the call is carried in execution_info
// under "backend" at Dispatch time; callers that don't record it cannot
// be resumed here and are left Running for a human to reconcile.
func resumeCall(ctx context.Context, s store.Store, backends map[string]backend.Backend, c store.CallRow) error {
	info, err := s.GetExecutionInfo(ctx, c.Key())
	if err != nil {
		return err
	}
	backendName := info["backend"]
	token := info["externalJobId"]
	if backendName == "" || token == "" {
		return nil
	}
	be, ok := backends[backendName]
	if !ok {
		return fmt.Errorf("no backend %q registered to resume call %s", backendName, c.Key())
	}

	bound := backend.BoundCall{
		CallKey:  c.Key(),
		CallRoot: c.CallRoot,
	}
	handle, err := be.Resume(ctx, bound, token)
	if err != nil {
		return err
	}
	_ = handle // caller re-enters the poll loop through callfsm once Restart hands the resumed Call back to a running Engine
	return nil
}
