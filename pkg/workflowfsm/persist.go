package workflowfsm

import (
	"context"
	"time"

	"github.com/latticeflow/wfengine/pkg/callfsm"
	"github.com/latticeflow/wfengine/pkg/scatter"
	"github.com/latticeflow/wfengine/pkg/store"
)

// StoreAdapter implements Persister over pkg/store.Store, translating
// between the Engine's in-memory Workflow/Call/Collector shapes and the
// durable row shapes store.go defines (which avoid importing this
// package to prevent a dependency cycle).
type StoreAdapter struct {
	Store store.Store
}

func toWorkflowRow(wf Workflow) store.WorkflowRow {
	return store.WorkflowRow{
		WorkflowID: wf.ID,
		Status:     wf.Status.String(),
		SourceRef:  wf.SourceRef,
		Inputs:     wf.Inputs,
		Options:    wf.Options,
		Labels:     wf.Labels,
		ImportRef:  wf.ImportRef,
		RootOutput: wf.RootOutput,
		UpdatedAt:  wf.UpdatedAt,
	}
}

// SaveWorkflow upserts wf; the first save for a given ID inserts, every
// later save updates (the teacher's archive-on-update behavior applies
// automatically once a row already exists).
func (a *StoreAdapter) SaveWorkflow(ctx context.Context, wf Workflow) error {
	row := toWorkflowRow(wf)
	_, exists, err := a.Store.GetWorkflow(ctx, wf.ID)
	if err != nil {
		return err
	}
	if exists {
		return a.Store.UpdateWorkflow(ctx, row)
	}
	return a.Store.InsertWorkflow(ctx, row)
}

func toCallRow(workflowID string, call callfsm.Call) store.CallRow {
	row := store.CallRow{
		WorkflowID: workflowID,
		TaskName:   call.Key.TaskName,
		Shard:      call.Key.Shard,
		Attempt:    call.Key.Attempt,
		Status:     call.State.String(),
		CallRoot:   call.CallRoot,
		Outputs:    call.Outputs,
		UpdatedAt:  time.Now(),
	}
	if call.LastError != nil {
		row.LastError = call.LastError.Error()
	}
	return row
}

// SaveCall upserts call's row and its execution_info rows in the same
// transaction (spec §4.H: "every state transition of a Call is a single
// transaction that updates the Call row and appends/updates its
// execution_info rows"). BoltStore's InsertCall/UpdateCall are identical
// puts keyed by (workflowID, taskName, shard, attempt), so a single
// Update covers both the first write for a new attempt and every later
// transition of that same attempt.
func (a *StoreAdapter) SaveCall(ctx context.Context, workflowID string, call callfsm.Call) error {
	return a.Store.UpdateCallWithExecutionInfo(ctx, toCallRow(workflowID, call), call.ExecutionInfo)
}

// SaveCollector upserts a scatter collector's row (spec §4.F).
func (a *StoreAdapter) SaveCollector(ctx context.Context, workflowID, taskName string, state scatter.CollectorState, length int) error {
	return a.Store.PutCollector(ctx, store.CollectorRow{
		WorkflowID: workflowID,
		TaskName:   taskName,
		Length:     length,
		Status:     state.String(),
	})
}
