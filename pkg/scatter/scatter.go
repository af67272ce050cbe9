// Package scatter implements the scatter/shard expander (spec §4.F):
// expanding a scatter node's collection into L indexed shard Calls
// sharing the non-scatter environment, and collecting their outputs
// into an order-preserving array once every shard is terminal.
//
// Grounded on the teacher's dag_engine.go skipChildren/condition-skip
// logic (services/orchestrator/dag_engine.go): that function propagates
// a skip decision depth-first across dependent nodes once a condition
// evaluates false. Here the same shape propagates an abort decision
// across sibling shards when one shard fails fatally and
// continueOnFailure is not set.
package scatter

import (
	"fmt"

	"github.com/latticeflow/wfengine/pkg/callfsm"
)

// CollectorState is the lifecycle of the array-materializing node fed
// by a scatter expansion (spec §4.F).
type CollectorState int

const (
	CollectorNotStarted CollectorState = iota
	CollectorRunning
	CollectorSucceeded
	CollectorFailed
)

func (s CollectorState) String() string {
	switch s {
	case CollectorNotStarted:
		return "NotStarted"
	case CollectorRunning:
		return "Running"
	case CollectorSucceeded:
		return "Succeeded"
	case CollectorFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// ShardTemplate builds the Call for one shard index, sharing every
// non-scatter environment attribute (command template, runtime,
// backend) with its siblings; only the shard-specific input slice
// differs.
type ShardTemplate func(shard int) callfsm.Call

// Expand creates length indexed Calls (shards 0..length-1) for a
// scatter node, sharing the non-scatter environment per template. The
// returned slice is ordered by shard index, with the given attempt
// number on every shard.
func Expand(workflowID, taskName string, length, attempt int, template ShardTemplate) ([]callfsm.Call, error) {
	if length < 0 {
		return nil, fmt.Errorf("scatter: negative collection length %d for task %q", length, taskName)
	}
	calls := make([]callfsm.Call, length)
	for i := 0; i < length; i++ {
		c := template(i)
		c.Key = callfsm.Key{WorkflowID: workflowID, TaskName: taskName, Shard: i, Attempt: attempt}
		calls[i] = c
	}
	return calls, nil
}

// Collector tracks the array-materializing node fed by a scatter's
// shards. Invariant (spec §4.F): Collector cannot leave NotStarted
// until every shard is terminal; a Collector observed Running at
// restart must be reset to NotStarted by the Workflow SM (pkg/workflowfsm),
// since shards are idempotent recomputations of the projection, not of
// the underlying tasks.
type Collector struct {
	TaskName string
	Length   int
	State    CollectorState
}

// NewCollector starts a collector in NotStarted for a scatter of the
// given shard count.
func NewCollector(taskName string, length int) *Collector {
	return &Collector{TaskName: taskName, Length: length, State: CollectorNotStarted}
}

// Ready reports whether every shard has reached a terminal state
// (Succeeded, Failed, or Aborted); only then may the collector leave
// NotStarted.
func Ready(shards []callfsm.Call) bool {
	for _, c := range shards {
		if !c.State.Terminal() {
			return false
		}
	}
	return true
}

// Collect materializes shard outputs into an order-preserving array
// once every shard is terminal-Succeeded (spec §8 property 7: the
// collected array has length equal to the scatter collection length
// and is ordered by shard index). It fails if any shard did not
// succeed; the caller transitions the Collector to Failed in that case.
func Collect(shards []callfsm.Call) ([]map[string]string, error) {
	out := make([]map[string]string, len(shards))
	for i, c := range shards {
		if c.Key.Shard != i {
			return nil, fmt.Errorf("scatter: shard %d out of order (call key reports shard %d)", i, c.Key.Shard)
		}
		if c.State != callfsm.Succeeded {
			return nil, fmt.Errorf("scatter: shard %d did not succeed (state %s)", i, c.State)
		}
		out[i] = c.Outputs
	}
	return out, nil
}

// FailurePolicy decides, on a fatal shard failure, which sibling
// shards to abort. ContinueOnFailure disables sibling abort entirely —
// grounded on the teacher's per-task AllowFailure flag (dag_engine.go),
// generalized here from a single task to a shard group.
type FailurePolicy struct {
	ContinueOnFailure bool
}

// SiblingsToAbort returns the Keys of non-terminal sibling shards that
// should be aborted because failedShard failed fatally, under policy.
// Shards already terminal are excluded: aborting a Succeeded or Failed
// shard would violate terminal immutability (spec §8 property 2).
func (p FailurePolicy) SiblingsToAbort(failedShard int, shards []callfsm.Call) []callfsm.Key {
	if p.ContinueOnFailure {
		return nil
	}
	var keys []callfsm.Key
	for i, c := range shards {
		if i == failedShard || c.State.Terminal() {
			continue
		}
		keys = append(keys, c.Key)
	}
	return keys
}
