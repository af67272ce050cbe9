package workflowfsm

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/latticeflow/wfengine/internal/resilience"
	"github.com/latticeflow/wfengine/pkg/backend"
	"github.com/latticeflow/wfengine/pkg/cache"
	"github.com/latticeflow/wfengine/pkg/callfsm"
	"github.com/latticeflow/wfengine/pkg/scatter"
)

// fakeBackend replays a fixed outcome sequence across successive Execute
// calls (one entry per attempt/shard Execute), mirroring the closure-driven
// double pattern used throughout pkg/callfsm's tests.
type fakeBackend struct {
	name        string
	executeSeq  int32
	pollOutcome []backend.PollOutcome // indexed by (handle-1); default PollSucceeded past the end
}

func (f *fakeBackend) Name() string { return f.name }
func (f *fakeBackend) ValidateOptions(context.Context, backend.WorkflowOptions) []backend.ValidationIssue {
	return nil
}
func (f *fakeBackend) InitializeWorkflow(context.Context, string, backend.WorkflowOptions) (backend.InitData, error) {
	return nil, nil
}
func (f *fakeBackend) PrepareCall(_ context.Context, callKey string, init backend.InitData, runtime backend.RuntimeAttributes, command string, inputs map[string]string, callRoot string) (backend.BoundCall, error) {
	return backend.BoundCall{CallKey: callKey, CallRoot: callRoot, Runtime: runtime, Inputs: inputs, Command: command, InitData: init}, nil
}
func (f *fakeBackend) Execute(context.Context, backend.BoundCall) (backend.ExecutionHandle, error) {
	return int(atomic.AddInt32(&f.executeSeq, 1)), nil
}
func (f *fakeBackend) Resume(context.Context, backend.BoundCall, string) (backend.ExecutionHandle, error) {
	return 1, nil
}
func (f *fakeBackend) Poll(_ context.Context, handle backend.ExecutionHandle) (backend.PollOutcome, error) {
	idx := handle.(int) - 1
	if idx < len(f.pollOutcome) {
		return f.pollOutcome[idx], nil
	}
	return backend.PollOutcome{Status: backend.PollSucceeded, Code: backend.CodeOK}, nil
}
func (f *fakeBackend) Abort(context.Context, backend.ExecutionHandle) error { return nil }
func (f *fakeBackend) CopyCacheHit(context.Context, backend.BoundCall, cache.PriorResult, backend.HitStrategy) (map[string]string, error) {
	return nil, nil
}
func (f *fakeBackend) CleanupWorkflow(context.Context, string, backend.InitData) error { return nil }

// fakeEnginePersister records workflow, call, and collector saves under a
// mutex since scatter shards dispatch concurrently.
type fakeEnginePersister struct {
	mu          sync.Mutex
	workflows   []Workflow
	calls       []callfsm.Call
	collectors  []scatter.CollectorState
}

func (p *fakeEnginePersister) SaveWorkflow(_ context.Context, wf Workflow) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.workflows = append(p.workflows, wf)
	return nil
}
func (p *fakeEnginePersister) SaveCall(_ context.Context, _ string, call callfsm.Call) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call)
	return nil
}
func (p *fakeEnginePersister) SaveCollector(_ context.Context, _, _ string, state scatter.CollectorState, _ int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.collectors = append(p.collectors, state)
	return nil
}

type fakeEnginePublisher struct{}

func (fakeEnginePublisher) PublishWorkflowTransition(context.Context, string, string) {}
func (fakeEnginePublisher) PublishCallTransition(context.Context, callfsm.Call)        {}

func noInputs(context.Context, int) (map[string]string, error) { return nil, nil }

func TestRunSingleTaskSucceeds(t *testing.T) {
	fb := &fakeBackend{name: "local"}
	persist := &fakeEnginePersister{}
	eng := &Engine{
		Store:    persist,
		Publish:  fakeEnginePublisher{},
		Backends: map[string]backend.Backend{"local": fb},
		Attempt:  callfsm.DefaultAttemptPolicy(),
	}
	wf := &Workflow{ID: "wf-1", RootOutput: "/root/wf-1"}
	g, err := NewGraph([]*Node{
		{ID: "t1", Kind: NodeTaskCall, BackendName: "local", ResolveInputs: noInputs},
	})
	if err != nil {
		t.Fatalf("NewGraph: %v", err)
	}

	if err := eng.Run(context.Background(), wf, g); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if wf.Status != Succeeded {
		t.Fatalf("wf.Status = %v, want Succeeded", wf.Status)
	}
}

func TestRunTaskFailsFatally(t *testing.T) {
	fb := &fakeBackend{name: "local", pollOutcome: []backend.PollOutcome{
		{Status: backend.PollFailed, Code: backend.CodeNonretryable, Message: "bad args"},
	}}
	eng := &Engine{
		Store:    &fakeEnginePersister{},
		Publish:  fakeEnginePublisher{},
		Backends: map[string]backend.Backend{"local": fb},
		Attempt:  callfsm.DefaultAttemptPolicy(),
	}
	wf := &Workflow{ID: "wf-2"}
	g, _ := NewGraph([]*Node{
		{ID: "t1", Kind: NodeTaskCall, BackendName: "local", ResolveInputs: noInputs},
	})

	err := eng.Run(context.Background(), wf, g)
	if err == nil {
		t.Fatalf("expected error")
	}
	if wf.Status != Failed {
		t.Fatalf("wf.Status = %v, want Failed", wf.Status)
	}
}

func TestRunRetriesWithinBudgetThenSucceeds(t *testing.T) {
	fb := &fakeBackend{name: "local", pollOutcome: []backend.PollOutcome{
		{Status: backend.PollFailed, Code: backend.CodeTransientIO, Message: "disk full"},
		{Status: backend.PollSucceeded, Code: backend.CodeOK},
	}}
	eng := &Engine{
		Store:    &fakeEnginePersister{},
		Publish:  fakeEnginePublisher{},
		Backends: map[string]backend.Backend{"local": fb},
		Attempt:  callfsm.DefaultAttemptPolicy(),
	}
	wf := &Workflow{ID: "wf-3"}
	g, _ := NewGraph([]*Node{
		{ID: "t1", Kind: NodeTaskCall, BackendName: "local", ResolveInputs: noInputs,
			Runtime: backend.RuntimeAttributes{RetryCount: 1}},
	})

	if err := eng.Run(context.Background(), wf, g); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if wf.Status != Succeeded {
		t.Fatalf("wf.Status = %v, want Succeeded after retry", wf.Status)
	}
}

func TestRunScatterCollectsAllShards(t *testing.T) {
	fb := &fakeBackend{name: "local"}
	persist := &fakeEnginePersister{}
	eng := &Engine{
		Store:    persist,
		Publish:  fakeEnginePublisher{},
		Backends: map[string]backend.Backend{"local": fb},
		Attempt:  callfsm.DefaultAttemptPolicy(),
	}
	wf := &Workflow{ID: "wf-4"}
	g, _ := NewGraph([]*Node{
		{
			ID: "scatter1", Kind: NodeScatter, BackendName: "local",
			ResolveInputs: noInputs,
			ScatterLength: func(context.Context) (int, error) { return 3, nil },
		},
	})

	if err := eng.Run(context.Background(), wf, g); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if wf.Status != Succeeded {
		t.Fatalf("wf.Status = %v, want Succeeded", wf.Status)
	}

	persist.mu.Lock()
	defer persist.mu.Unlock()
	if len(persist.collectors) == 0 || persist.collectors[len(persist.collectors)-1] != scatter.CollectorSucceeded {
		t.Fatalf("collector states = %v, want final CollectorSucceeded", persist.collectors)
	}
}

func TestRunFailsFastWhenCircuitBreakerOpen(t *testing.T) {
	breaker := resilience.NewCircuitBreakerAdaptive(time.Minute, 4, 1, 0.1, time.Hour, 1)
	breaker.RecordResult(false) // trips the breaker open (1 sample, 100% failure >= 10% threshold)

	fb := &fakeBackend{name: "local"}
	eng := &Engine{
		Store:    &fakeEnginePersister{},
		Publish:  fakeEnginePublisher{},
		Backends: map[string]backend.Backend{"local": fb},
		Attempt:  callfsm.DefaultAttemptPolicy(),
		Breakers: map[string]*resilience.CircuitBreaker{"local": breaker},
	}
	wf := &Workflow{ID: "wf-6"}
	g, _ := NewGraph([]*Node{
		{ID: "t1", Kind: NodeTaskCall, BackendName: "local", ResolveInputs: noInputs},
	})

	err := eng.Run(context.Background(), wf, g)
	if err == nil {
		t.Fatalf("expected error from an open circuit breaker")
	}
	if atomic.LoadInt32(&fb.executeSeq) != 0 {
		t.Fatalf("executeSeq = %d, want 0 (breaker should have prevented dispatch entirely)", fb.executeSeq)
	}
}

func TestRunScatterAbortsSiblingsOnFatalShardFailure(t *testing.T) {
	fb := &fakeBackend{name: "local", pollOutcome: []backend.PollOutcome{
		{Status: backend.PollFailed, Code: backend.CodeNonretryable, Message: "shard 0 bad"},
	}}
	persist := &fakeEnginePersister{}
	eng := &Engine{
		Store:      persist,
		Publish:    fakeEnginePublisher{},
		Backends:   map[string]backend.Backend{"local": fb},
		Attempt:    callfsm.DefaultAttemptPolicy(),
		MaxWorkers: 1,
	}
	wf := &Workflow{ID: "wf-5"}
	g, _ := NewGraph([]*Node{
		{
			ID: "scatter1", Kind: NodeScatter, BackendName: "local",
			ResolveInputs: noInputs,
			ScatterLength: func(context.Context) (int, error) { return 2, nil },
		},
	})

	err := eng.Run(context.Background(), wf, g)
	if err == nil {
		t.Fatalf("expected error")
	}
	if wf.Status != Failed {
		t.Fatalf("wf.Status = %v, want Failed", wf.Status)
	}
	// Spec §4.F / S5: a fatal shard failure must leave the collector in
	// NotStarted, not transition it to Failed.
	if len(persist.collectors) != 0 {
		t.Fatalf("collector states = %v, want none written (collector stays NotStarted)", persist.collectors)
	}
}
