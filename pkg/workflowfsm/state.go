// Package workflowfsm implements the per-workflow lifecycle state
// machine (spec §4.G): driving a task graph to completion by turning
// ready nodes into Calls (pkg/callfsm) and scatter expansions
// (pkg/scatter), persisting every transition (pkg/store) before
// publishing it (pkg/metaevents), and handling restart.
//
// Grounded on the teacher's DAGEngine (services/orchestrator/dag_engine.go):
// buildDAG/executeDAG's Kahn's-algorithm-plus-worker-pool shape is
// generalized here from "run a task function, collect a TaskResult"
// to "own a graph of Call Keys, drive each through the full state
// machine of spec §4.E, and know how to resume after a crash" — the
// restart algorithm itself has no teacher analogue (the teacher holds
// no durable in-flight state across restarts) and is grounded directly
// on spec §4.G and §9's worked answer to Open Question (a).
package workflowfsm

import "time"

// State is one of the five Workflow lifecycle states (spec §3).
type State int

const (
	Submitted State = iota
	Running
	Succeeded
	Failed
	Aborted
)

func (s State) String() string {
	switch s {
	case Submitted:
		return "Submitted"
	case Running:
		return "Running"
	case Succeeded:
		return "Succeeded"
	case Failed:
		return "Failed"
	case Aborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// Terminal reports whether s has no outgoing transition (spec §3
// invariant: exactly one terminal transition, then immutable).
func (s State) Terminal() bool {
	switch s {
	case Succeeded, Failed, Aborted:
		return true
	default:
		return false
	}
}

// Workflow is the mutable record the state machine drives (spec §3).
type Workflow struct {
	ID         string
	Status     State
	SourceRef  string
	Inputs     map[string]any
	Options    map[string]any
	Labels     map[string]string
	ImportRef  string
	RootOutput string
	UpdatedAt  time.Time
}

// ContinueOnFailure reads the workflow_options analogue of the
// per-scatter continueOnFailure flag at the workflow level (spec §4.G:
// "Failed when any Call reaches Failed with no attempts remaining and
// no continueOnFailure").
func (w Workflow) ContinueOnFailure() bool {
	v, ok := w.Options["continue_on_failure"]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}
