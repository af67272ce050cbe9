package scatter

import (
	"testing"

	"github.com/latticeflow/wfengine/pkg/callfsm"
)

func TestExpandOrdersShardsByIndex(t *testing.T) {
	calls, err := Expand("wf-1", "sayHello", 4, 1, func(shard int) callfsm.Call {
		return callfsm.Call{Inputs: map[string]string{"idx": string(rune('a' + shard))}}
	})
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if len(calls) != 4 {
		t.Fatalf("len(calls) = %d, want 4", len(calls))
	}
	for i, c := range calls {
		if c.Key.Shard != i {
			t.Errorf("calls[%d].Key.Shard = %d, want %d", i, c.Key.Shard, i)
		}
		if c.Key.TaskName != "sayHello" || c.Key.WorkflowID != "wf-1" || c.Key.Attempt != 1 {
			t.Errorf("calls[%d].Key = %+v, unexpected", i, c.Key)
		}
	}
}

func TestExpandRejectsNegativeLength(t *testing.T) {
	if _, err := Expand("wf-1", "t", -1, 1, func(int) callfsm.Call { return callfsm.Call{} }); err == nil {
		t.Fatal("expected error for negative length")
	}
}

func shardsWithStates(states ...callfsm.State) []callfsm.Call {
	calls := make([]callfsm.Call, len(states))
	for i, s := range states {
		calls[i] = callfsm.Call{Key: callfsm.Key{Shard: i}, State: s}
	}
	return calls
}

func TestReadyRequiresAllShardsTerminal(t *testing.T) {
	if Ready(shardsWithStates(callfsm.Succeeded, callfsm.Running)) {
		t.Fatal("Ready() = true with a Running shard")
	}
	if !Ready(shardsWithStates(callfsm.Succeeded, callfsm.Failed, callfsm.Aborted)) {
		t.Fatal("Ready() = false with all-terminal shards")
	}
}

func TestCollectOrdersOutputsAndRejectsFailure(t *testing.T) {
	calls := shardsWithStates(callfsm.Succeeded, callfsm.Succeeded, callfsm.Succeeded)
	calls[0].Outputs = map[string]string{"out": "0"}
	calls[1].Outputs = map[string]string{"out": "1"}
	calls[2].Outputs = map[string]string{"out": "2"}

	got, err := Collect(calls)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for i, out := range got {
		if out["out"] != string(rune('0'+i)) {
			t.Errorf("shard %d output = %v, want out=%d", i, out, i)
		}
	}

	calls[1].State = callfsm.Failed
	if _, err := Collect(calls); err == nil {
		t.Fatal("expected Collect to reject a failed shard")
	}
}

func TestFailurePolicySiblingsToAbort(t *testing.T) {
	calls := shardsWithStates(callfsm.Running, callfsm.Failed, callfsm.Running, callfsm.Succeeded)

	policy := FailurePolicy{ContinueOnFailure: false}
	aborts := policy.SiblingsToAbort(1, calls)
	if len(aborts) != 2 {
		t.Fatalf("len(aborts) = %d, want 2 (shards 0 and 2)", len(aborts))
	}

	continuePolicy := FailurePolicy{ContinueOnFailure: true}
	if aborts := continuePolicy.SiblingsToAbort(1, calls); aborts != nil {
		t.Fatalf("expected no aborts under continueOnFailure, got %v", aborts)
	}
}
