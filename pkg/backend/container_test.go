package backend

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestContainerBatchExecuteThenPollCompletes(t *testing.T) {
	dir := t.TempDir()
	cb := NewContainerBatch(newTestResolver())
	ctx := context.Background()

	call := BoundCall{
		CallKey:  "wf1/task/-/1",
		CallRoot: filepath.Join(dir, "call-task"),
		Runtime:  RuntimeAttributes{Image: "busybox", PassThrough: map[string]string{"out": "x"}},
	}

	handle, err := cb.Execute(ctx, call)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	outcome, err := cb.Poll(ctx, handle)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if outcome.Status != PollRunning {
		t.Fatalf("expected PollRunning immediately after Execute, got %v", outcome.Status)
	}

	time.Sleep(simulatedRuntime + 20*time.Millisecond)

	outcome, err = cb.Poll(ctx, handle)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if outcome.Status != PollSucceeded {
		t.Fatalf("status = %v, want PollSucceeded", outcome.Status)
	}
	if _, ok := outcome.Outputs["out"]; !ok {
		t.Fatalf("expected output %q in %v", "out", outcome.Outputs)
	}
}

func TestContainerBatchPrepareCallRequiresImage(t *testing.T) {
	cb := NewContainerBatch(newTestResolver())
	_, err := cb.PrepareCall(context.Background(), "wf1/task/-/1", nil, RuntimeAttributes{}, "", nil, "/tmp/x")
	if err == nil {
		t.Fatalf("expected error for missing image")
	}
}

func TestContainerBatchResumeUnknownJobFails(t *testing.T) {
	cb := NewContainerBatch(newTestResolver())
	_, err := cb.Resume(context.Background(), BoundCall{}, "nonexistent-job-id")
	if err == nil {
		t.Fatalf("expected error resuming unknown job")
	}
}
