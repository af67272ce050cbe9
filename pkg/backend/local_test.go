package backend

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/latticeflow/wfengine/pkg/iocap"
)

func newTestResolver() *iocap.Resolver {
	r := iocap.NewResolver()
	r.Register("file", iocap.NewLocalScheme())
	return r
}

func TestLocalExecuteSucceeds(t *testing.T) {
	dir := t.TempDir()
	l := NewLocal(newTestResolver())
	ctx := context.Background()

	call := BoundCall{
		CallKey:  "wf1/hello/-/1",
		CallRoot: filepath.Join(dir, "call-hello"),
		Command:  "echo hi",
		Runtime:  RuntimeAttributes{ContinueOnCode: ReturnCodePolicy{Mode: ReturnCodeZeroOnly}},
	}

	handle, err := l.Execute(ctx, call)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	outcome, err := l.Poll(ctx, handle)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if outcome.Status != PollSucceeded {
		t.Fatalf("status = %v, want PollSucceeded (msg=%s)", outcome.Status, outcome.Message)
	}
	if outcome.ReturnCode != 0 {
		t.Fatalf("rc = %d, want 0", outcome.ReturnCode)
	}
}

func TestLocalExecuteNonZeroRejectedByPolicy(t *testing.T) {
	dir := t.TempDir()
	l := NewLocal(newTestResolver())
	ctx := context.Background()

	call := BoundCall{
		CallKey:  "wf1/fail/-/1",
		CallRoot: filepath.Join(dir, "call-fail"),
		Command:  "exit 3",
		Runtime:  RuntimeAttributes{ContinueOnCode: ReturnCodePolicy{Mode: ReturnCodeZeroOnly}},
	}

	handle, err := l.Execute(ctx, call)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	outcome, err := l.Poll(ctx, handle)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if outcome.Status != PollFailed {
		t.Fatalf("status = %v, want PollFailed", outcome.Status)
	}
	if outcome.ReturnCode != 3 {
		t.Fatalf("rc = %d, want 3", outcome.ReturnCode)
	}
}

func TestLocalExecuteFailOnStderr(t *testing.T) {
	dir := t.TempDir()
	l := NewLocal(newTestResolver())
	ctx := context.Background()

	call := BoundCall{
		CallKey:  "wf1/noisy/-/1",
		CallRoot: filepath.Join(dir, "call-noisy"),
		Command:  "echo oops 1>&2",
		Runtime: RuntimeAttributes{
			ContinueOnCode: ReturnCodePolicy{Mode: ReturnCodeZeroOnly},
			FailOnStderr:   true,
		},
	}

	handle, err := l.Execute(ctx, call)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	outcome, err := l.Poll(ctx, handle)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if outcome.Status != PollFailed {
		t.Fatalf("status = %v, want PollFailed under failOnStderr", outcome.Status)
	}
}

func TestCleanupWorkflowOnlyDropsItsOwnHandles(t *testing.T) {
	dir := t.TempDir()
	l := NewLocal(newTestResolver())
	ctx := context.Background()

	for _, callKey := range []string{"wf1/hello/-/1", "wf2/hello/-/1"} {
		call := BoundCall{
			CallKey:  callKey,
			CallRoot: filepath.Join(dir, callKey),
			Command:  "echo hi",
			Runtime:  RuntimeAttributes{ContinueOnCode: ReturnCodePolicy{Mode: ReturnCodeZeroOnly}},
		}
		if _, err := l.Execute(ctx, call); err != nil {
			t.Fatalf("Execute(%s): %v", callKey, err)
		}
	}

	if err := l.CleanupWorkflow(ctx, "wf1", nil); err != nil {
		t.Fatalf("CleanupWorkflow: %v", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.handles["wf1/hello/-/1"]; ok {
		t.Fatalf("expected wf1's handle to be dropped")
	}
	if _, ok := l.handles["wf2/hello/-/1"]; !ok {
		t.Fatalf("expected wf2's handle to survive cleanup of wf1")
	}
}

func TestReturnCodePolicyAccepts(t *testing.T) {
	cases := []struct {
		name   string
		policy ReturnCodePolicy
		rc     int
		want   bool
	}{
		{"any", ReturnCodePolicy{Mode: ReturnCodeAny}, 7, true},
		{"zero-only pass", ReturnCodePolicy{Mode: ReturnCodeZeroOnly}, 0, true},
		{"zero-only fail", ReturnCodePolicy{Mode: ReturnCodeZeroOnly}, 1, false},
		{"set hit", ReturnCodePolicy{Mode: ReturnCodeSet, Codes: map[int]bool{2: true}}, 2, true},
		{"set miss", ReturnCodePolicy{Mode: ReturnCodeSet, Codes: map[int]bool{2: true}}, 3, false},
		{"range in", ReturnCodePolicy{Mode: ReturnCodeRange, Min: 0, Max: 2}, 2, true},
		{"range out", ReturnCodePolicy{Mode: ReturnCodeRange, Min: 0, Max: 2}, 3, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.policy.Accepts(tc.rc); got != tc.want {
				t.Fatalf("Accepts(%d) = %v, want %v", tc.rc, got, tc.want)
			}
		})
	}
}
