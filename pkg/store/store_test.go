package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"
)

func openTestStore(t *testing.T) *BoltStore {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "wfengine.db"), noop.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestWorkflowRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	row := WorkflowRow{WorkflowID: "wf-1", Status: "Running", RootOutput: "/root/wf-1", UpdatedAt: time.Now()}
	if err := s.InsertWorkflow(ctx, row); err != nil {
		t.Fatalf("InsertWorkflow: %v", err)
	}

	got, ok, err := s.GetWorkflow(ctx, "wf-1")
	if err != nil || !ok {
		t.Fatalf("GetWorkflow: got=%v ok=%v err=%v", got, ok, err)
	}
	if got.Status != "Running" {
		t.Errorf("Status = %q, want Running", got.Status)
	}

	row.Status = "Succeeded"
	if err := s.UpdateWorkflow(ctx, row); err != nil {
		t.Fatalf("UpdateWorkflow: %v", err)
	}
	got, _, _ = s.GetWorkflow(ctx, "wf-1")
	if got.Status != "Succeeded" {
		t.Errorf("after update Status = %q, want Succeeded", got.Status)
	}

	nonTerminal, err := s.SelectNonTerminalWorkflows(ctx)
	if err != nil {
		t.Fatalf("SelectNonTerminalWorkflows: %v", err)
	}
	for _, r := range nonTerminal {
		if r.WorkflowID == "wf-1" {
			t.Errorf("terminal workflow wf-1 unexpectedly returned by SelectNonTerminalWorkflows")
		}
	}
}

func TestSelectNonTerminalCallsExcludesNotStartedAndTerminal(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	rows := []CallRow{
		{WorkflowID: "wf-1", TaskName: "a", Shard: -1, Attempt: 1, Status: "NotStarted"},
		{WorkflowID: "wf-1", TaskName: "b", Shard: -1, Attempt: 1, Status: "Running"},
		{WorkflowID: "wf-1", TaskName: "c", Shard: -1, Attempt: 1, Status: "Succeeded"},
		{WorkflowID: "wf-1", TaskName: "d", Shard: -1, Attempt: 1, Status: "Starting"},
	}
	for _, r := range rows {
		if err := s.InsertCall(ctx, r); err != nil {
			t.Fatalf("InsertCall(%s): %v", r.TaskName, err)
		}
	}

	got, err := s.SelectNonTerminalCalls(ctx, "wf-1")
	if err != nil {
		t.Fatalf("SelectNonTerminalCalls: %v", err)
	}
	names := map[string]bool{}
	for _, r := range got {
		names[r.TaskName] = true
	}
	if names["a"] || names["c"] {
		t.Errorf("NotStarted/Succeeded rows leaked into non-terminal set: %v", names)
	}
	if !names["b"] || !names["d"] {
		t.Errorf("Running/Starting rows missing from non-terminal set: %v", names)
	}
}

func TestResetTransientExecutionsIsAtomicAndSelective(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_ = s.InsertCall(ctx, CallRow{WorkflowID: "wf-1", TaskName: "a", Shard: -1, Attempt: 1, Status: "Running"})
	_ = s.InsertCall(ctx, CallRow{WorkflowID: "wf-1", TaskName: "b", Shard: -1, Attempt: 1, Status: "Running", Outputs: map[string]string{}})

	// The predicate stands in for the restart algorithm's "transient"
	// check (Running without a recorded external id) by simply matching
	// task "a".
	err := s.ResetTransientExecutions(ctx, "wf-1", func(r CallRow) bool {
		return r.TaskName == "a"
	})
	if err != nil {
		t.Fatalf("ResetTransientExecutions: %v", err)
	}

	rows, _ := s.SelectCallsByWorkflow(ctx, "wf-1")
	for _, r := range rows {
		switch r.TaskName {
		case "a":
			if r.Status != "NotStarted" {
				t.Errorf("task a status = %q, want NotStarted", r.Status)
			}
		case "b":
			if r.Status != "Running" {
				t.Errorf("task b status = %q, want unchanged Running", r.Status)
			}
		}
	}
}

func TestSetStartingStatus(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	row := CallRow{WorkflowID: "wf-1", TaskName: "a", Shard: -1, Attempt: 1, Status: "NotStarted"}
	_ = s.InsertCall(ctx, row)

	if err := s.SetStartingStatus(ctx, "wf-1", []string{row.Key()}); err != nil {
		t.Fatalf("SetStartingStatus: %v", err)
	}
	rows, _ := s.SelectCallsByWorkflow(ctx, "wf-1")
	if len(rows) != 1 || rows[0].Status != "Starting" {
		t.Fatalf("rows = %+v, want single Starting row", rows)
	}
}

func TestCollectorRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	row := CollectorRow{WorkflowID: "wf-1", TaskName: "scatter-a", Length: 3, Status: "Running"}
	if err := s.PutCollector(ctx, row); err != nil {
		t.Fatalf("PutCollector: %v", err)
	}

	got, err := s.SelectCollectorsByWorkflow(ctx, "wf-1")
	if err != nil {
		t.Fatalf("SelectCollectorsByWorkflow: %v", err)
	}
	if len(got) != 1 || got[0].TaskName != "scatter-a" || got[0].Status != "Running" || got[0].Length != 3 {
		t.Fatalf("collectors = %+v, want one Running collector for scatter-a", got)
	}
}

func TestExecutionInfoRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	callKey := "wf-1/task/-/1"
	if err := s.PutExecutionInfo(ctx, ExecutionInfoRow{CallKey: callKey, Key: "externalJobId", Value: "job-123"}); err != nil {
		t.Fatalf("PutExecutionInfo: %v", err)
	}
	if err := s.PutExecutionInfo(ctx, ExecutionInfoRow{CallKey: callKey, Key: "externalStatus", Value: "RUNNING"}); err != nil {
		t.Fatalf("PutExecutionInfo: %v", err)
	}

	info, err := s.GetExecutionInfo(ctx, callKey)
	if err != nil {
		t.Fatalf("GetExecutionInfo: %v", err)
	}
	if info["externalJobId"] != "job-123" || info["externalStatus"] != "RUNNING" {
		t.Errorf("info = %v, unexpected", info)
	}
}

func TestUpdateCallWithExecutionInfo(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	row := CallRow{WorkflowID: "wf-1", TaskName: "task", Shard: -1, Attempt: 1, Status: "Running"}
	err := s.UpdateCallWithExecutionInfo(ctx, row, map[string]string{
		"backend":       "local",
		"externalJobId": "job-123",
	})
	if err != nil {
		t.Fatalf("UpdateCallWithExecutionInfo: %v", err)
	}

	calls, err := s.SelectCallsByWorkflow(ctx, "wf-1")
	if err != nil {
		t.Fatalf("SelectCallsByWorkflow: %v", err)
	}
	if len(calls) != 1 || calls[0].Status != "Running" {
		t.Fatalf("calls = %+v, want one Running call", calls)
	}

	info, err := s.GetExecutionInfo(ctx, row.Key())
	if err != nil {
		t.Fatalf("GetExecutionInfo: %v", err)
	}
	if info["backend"] != "local" || info["externalJobId"] != "job-123" {
		t.Errorf("info = %v, want backend=local externalJobId=job-123", info)
	}
}
