package workflowfsm

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/latticeflow/wfengine/internal/resilience"
	"github.com/latticeflow/wfengine/pkg/backend"
	"github.com/latticeflow/wfengine/pkg/cache"
	"github.com/latticeflow/wfengine/pkg/callfsm"
	"github.com/latticeflow/wfengine/pkg/iocap"
	"github.com/latticeflow/wfengine/pkg/scatter"
)

// Persister is the subset of the persistence adapter the Workflow SM
// needs directly (Call persistence is handled through callfsm.Persister,
// built per-node by callPersister).
type Persister interface {
	SaveWorkflow(ctx context.Context, wf Workflow) error
	SaveCall(ctx context.Context, workflowID string, call callfsm.Call) error
	SaveCollector(ctx context.Context, workflowID, taskName string, state scatter.CollectorState, length int) error
}

// WorkflowPublisher emits workflow-level transition events (spec §4.I).
type WorkflowPublisher interface {
	PublishWorkflowTransition(ctx context.Context, workflowID, status string)
	PublishCallTransition(ctx context.Context, call callfsm.Call)
}

// DispatchGate is the hook through which pkg/supervisor enforces the
// global per-backend counting semaphore (spec §4.J/§5: "the backend
// counting semaphore is the only global coordination point for
// dispatch throughput"). A nil Gate means unlimited local concurrency.
type DispatchGate func(ctx context.Context, backendName string) (release func(), err error)

// Engine drives one Workflow's task graph to completion (spec §4.G),
// generalizing the teacher's DAGEngine.executeDAG (Kahn's algorithm +
// worker pool) from running bare task functions to owning Calls by Key
// and driving each through the full state machine of pkg/callfsm.
type Engine struct {
	Store    Persister
	Publish  WorkflowPublisher
	Backends map[string]backend.Backend
	InitData map[string]backend.InitData
	Cache    cache.Index
	Resolver *iocap.Resolver

	Attempt    callfsm.AttemptPolicy
	Strategy   backend.HitStrategy
	MaxWorkers int // per-workflow local fan-out cap; default 8
	Gate       DispatchGate
	CallRoot   func(wf Workflow, taskName string, shard, attempt int) string

	// Breakers holds one adaptive circuit breaker per backend name,
	// shared by every in-flight Call on that backend. While a breaker is
	// open, each attempt of a Call on it ends in RetryableFailure without
	// dispatch, so the Call fails once its attempt budget is used up. A
	// backend absent from the map dispatches ungated.
	Breakers map[string]*resilience.CircuitBreaker
}

func (e *Engine) maxWorkers() int {
	if e.MaxWorkers > 0 {
		return e.MaxWorkers
	}
	return 8
}

func (e *Engine) callRoot(wf Workflow, taskName string, shard, attempt int) string {
	if e.CallRoot != nil {
		return e.CallRoot(wf, taskName, shard, attempt)
	}
	name := "call-" + taskName
	if shard >= 0 {
		name = fmt.Sprintf("%s-%d", name, shard)
	}
	return iocap.Resolve(iocap.Resolve(wf.RootOutput, name), fmt.Sprintf("attempt-%d", attempt))
}

func (e *Engine) acquireGate(ctx context.Context, backendName string) (func(), error) {
	if e.Gate == nil {
		return func() {}, nil
	}
	return e.Gate(ctx, backendName)
}

// Run drives wf's graph to a terminal status: ready task nodes become
// Calls, ready scatter nodes expand into shards, and the workflow
// reaches Succeeded when every node is terminal-satisfied or Failed
// when a Call fails with no attempts remaining and no
// continueOnFailure (spec §4.G).
func (e *Engine) Run(ctx context.Context, wf *Workflow, graph *Graph) error {
	wf.Status = Running
	e.finish(ctx, wf)

	nodeCount := len(graph.Nodes)
	if nodeCount == 0 {
		wf.Status = Succeeded
		e.finish(ctx, wf)
		return nil
	}

	indeg := make(map[string]int, nodeCount)
	for id, n := range graph.Nodes {
		indeg[id] = len(n.DependsOn)
	}

	ready := make(chan string, nodeCount)
	pending := 0 // nodes handed to the workers whose result has not arrived
	for id, d := range indeg {
		if d == 0 {
			ready <- id
			pending++
		}
	}

	type result struct {
		id  string
		err error
	}
	results := make(chan result, nodeCount)

	groupCtx, cancelGroup := context.WithCancel(ctx)
	defer cancelGroup()

	var wg sync.WaitGroup
	workers := e.maxWorkers()
	if workers > nodeCount {
		workers = nodeCount
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-groupCtx.Done():
					return
				case id, ok := <-ready:
					if !ok {
						return
					}
					node := graph.Nodes[id]
					err := e.runNode(groupCtx, wf, node)
					select {
					case results <- result{id: id, err: err}:
					case <-groupCtx.Done():
					}
				}
			}
		}()
	}

	// A node becomes ready only once all its upstream nodes succeeded, so
	// a failed node's descendants never run; the loop ends when nothing
	// is in flight, or at the first failure without continueOnFailure.
	var firstFatal error
loop:
	for pending > 0 {
		select {
		case <-ctx.Done():
			cancelGroup()
			wf.Status = Aborted
			e.finish(ctx, wf)
			close(ready)
			wg.Wait()
			return ctx.Err()
		case res := <-results:
			pending--
			if res.err != nil {
				if firstFatal == nil {
					firstFatal = fmt.Errorf("workflowfsm: node %q failed: %w", res.id, res.err)
				}
				if !wf.ContinueOnFailure() {
					cancelGroup()
					break loop
				}
				continue
			}
			for _, childID := range graph.children[res.id] {
				indeg[childID]--
				if indeg[childID] == 0 {
					select {
					case ready <- childID:
						pending++
					default:
					}
				}
			}
		}
	}
	close(ready)
	wg.Wait()

	if firstFatal != nil {
		wf.Status = Failed
		e.finish(ctx, wf)
		return firstFatal
	}
	wf.Status = Succeeded
	e.finish(ctx, wf)
	return nil
}

func (e *Engine) finish(ctx context.Context, wf *Workflow) {
	wf.UpdatedAt = time.Now()
	if e.Store != nil {
		_ = e.Store.SaveWorkflow(ctx, *wf)
	}
	if e.Publish != nil {
		e.Publish.PublishWorkflowTransition(ctx, wf.ID, wf.Status.String())
	}
}

func (e *Engine) runNode(ctx context.Context, wf *Workflow, node *Node) error {
	switch node.Kind {
	case NodeOutputExpr:
		return nil
	case NodeConditional:
		if node.EvalCondition == nil {
			return nil
		}
		ok, err := node.EvalCondition(ctx)
		if err != nil {
			return fmt.Errorf("workflowfsm: evaluate condition %q: %w", node.ID, err)
		}
		_ = ok // a false condition vacuously satisfies this node; downstream scheduling is unaffected (spec leaves conditional-skip propagation to the document-evaluation collaborator)
		return nil
	case NodeTaskCall:
		return e.runTaskCall(ctx, wf, node)
	case NodeScatter:
		return e.runScatter(ctx, wf, node)
	default:
		return fmt.Errorf("workflowfsm: unknown node kind %v for %q", node.Kind, node.ID)
	}
}

func (e *Engine) resolveBackend(node *Node) (backend.Backend, error) {
	be, ok := e.Backends[node.BackendName]
	if !ok {
		return nil, fmt.Errorf("workflowfsm: no backend registered for %q", node.BackendName)
	}
	return be, nil
}

func (e *Engine) driver(be backend.Backend, wf *Workflow) *callfsm.Driver {
	return &callfsm.Driver{
		Backend:  be,
		Cache:    e.Cache,
		Persist:  callPersisterFunc(func(ctx context.Context, call callfsm.Call) error { return e.Store.SaveCall(ctx, wf.ID, call) }),
		Publish:  callPublisherFunc(func(ctx context.Context, call callfsm.Call) { e.Publish.PublishCallTransition(ctx, call) }),
		Attempt:  e.Attempt,
		Strategy: e.Strategy,
		InitData: e.InitData[be.Name()],
	}
}

// withinAttemptBudget implements spec §8 testable property 6: attempts
// for a single Call Key's shard are bounded by
// max(retry-limit, preemption-budget+1), further capped by
// AttemptPolicy.MaxAttempts when set.
func (e *Engine) withinAttemptBudget(call callfsm.Call) bool {
	bound := call.Runtime.RetryCount + 1
	if pb := e.Attempt.PreemptionBudget + 1; pb > bound {
		bound = pb
	}
	if e.Attempt.MaxAttempts > 0 && e.Attempt.MaxAttempts < bound {
		bound = e.Attempt.MaxAttempts
	}
	return call.Key.Attempt < bound
}

func (e *Engine) fingerprintFor(ctx context.Context, node *Node, shard int) (string, error) {
	if !node.Cacheable || node.ResolveInputValues == nil || e.Resolver == nil {
		return "", nil
	}
	inputs, err := node.ResolveInputValues(ctx, shard)
	if err != nil {
		return "", fmt.Errorf("workflowfsm: resolve cache inputs for %q: %w", node.ID, err)
	}
	body := cache.TaskBody{
		CommandTemplate:   node.CommandTemplate,
		DeclaredOutputs:   node.DeclaredOutputs,
		DeclaredRuntime:   fmt.Sprintf("%+v", node.Runtime),
		ImageDigestOrName: node.ImageDigestOrName,
	}
	return cache.Fingerprint(ctx, e.Resolver, body, inputs)
}

// driveCall runs call through cache lookup and dispatch, creating
// successive attempts on RetryableFailure/Preempted until it reaches a
// terminal state or the attempt budget is exhausted (spec §4.E: "each
// retry is a new Call row, not mutation of the prior row").
func (e *Engine) driveCall(ctx context.Context, wf *Workflow, node *Node, be backend.Backend, shard int, call callfsm.Call, fingerprint string) (callfsm.Call, error) {
	driver := e.driver(be, wf)

	nextAttempt := func(c callfsm.Call) (callfsm.Call, bool) {
		if !e.withinAttemptBudget(c) {
			return c, false
		}
		return callfsm.Call{
			Key:             c.Key.NextAttempt(),
			Runtime:         driver.NextRuntime(c),
			Command:         c.Command,
			Inputs:          c.Inputs,
			CallRoot:        e.callRoot(*wf, node.ID, shard, c.Key.Attempt+1),
			State:           callfsm.NotStarted,
			PreemptionCount: c.PreemptionCount,
		}, true
	}

	breaker := e.Breakers[node.BackendName]
	for {
		if breaker != nil && !breaker.Allow() {
			call.State = callfsm.RetryableFailure
			call.LastError = fmt.Errorf("workflowfsm: backend %q circuit breaker open", node.BackendName)
			next, ok := nextAttempt(call)
			if !ok {
				return call, call.LastError
			}
			call = next
			continue
		}

		release, err := e.acquireGate(ctx, node.BackendName)
		if err != nil {
			return call, fmt.Errorf("workflowfsm: acquire dispatch gate: %w", err)
		}

		hit := false
		if fingerprint != "" {
			hit, err = driver.TryCacheHit(ctx, &call, fingerprint)
		}
		if err == nil && !hit {
			err = driver.Dispatch(ctx, &call)
		}
		release()
		if breaker != nil && !hit {
			breaker.RecordResult(call.State == callfsm.Succeeded)
		}

		switch call.State {
		case callfsm.Succeeded:
			if fingerprint != "" && !hit && e.Cache != nil {
				_ = e.Cache.Record(ctx, fingerprint, cache.PriorResult{
					WorkflowID: wf.ID,
					CallKey:    call.Key.String(),
					Outputs:    call.Outputs,
					Detritus: cache.Detritus{
						Script:     filepath.Join(call.CallRoot, "script"),
						Stdout:     filepath.Join(call.CallRoot, "stdout"),
						Stderr:     filepath.Join(call.CallRoot, "stderr"),
						ReturnCode: filepath.Join(call.CallRoot, "rc"),
						CallRoot:   call.CallRoot,
					},
					RecordedAt: time.Now(),
				})
			}
			return call, nil
		case callfsm.Aborted:
			return call, ctx.Err()
		case callfsm.Failed:
			return call, call.LastError
		case callfsm.RetryableFailure, callfsm.Preempted:
			next, ok := nextAttempt(call)
			if !ok {
				return call, call.LastError
			}
			call = next
			continue
		default:
			return call, err
		}
	}
}

func (e *Engine) runTaskCall(ctx context.Context, wf *Workflow, node *Node) error {
	be, err := e.resolveBackend(node)
	if err != nil {
		return err
	}
	inputs, err := node.ResolveInputs(ctx, -1)
	if err != nil {
		return fmt.Errorf("workflowfsm: resolve inputs for %q: %w", node.ID, err)
	}
	fingerprint, err := e.fingerprintFor(ctx, node, -1)
	if err != nil {
		return err
	}

	call := callfsm.Call{
		Key:      callfsm.Key{WorkflowID: wf.ID, TaskName: node.ID, Shard: -1, Attempt: 1},
		Runtime:  node.Runtime,
		Command:  node.CommandTemplate,
		Inputs:   inputs,
		CallRoot: e.callRoot(*wf, node.ID, -1, 1),
		State:    callfsm.NotStarted,
	}

	_, err = e.driveCall(ctx, wf, node, be, -1, call, fingerprint)
	return err
}

func (e *Engine) runScatter(ctx context.Context, wf *Workflow, node *Node) error {
	be, err := e.resolveBackend(node)
	if err != nil {
		return err
	}
	length, err := node.ScatterLength(ctx)
	if err != nil {
		return fmt.Errorf("workflowfsm: resolve scatter length for %q: %w", node.ID, err)
	}

	shardCalls, err := scatter.Expand(wf.ID, node.ID, length, 1, func(shard int) callfsm.Call {
		inputs, _ := node.ResolveInputs(ctx, shard)
		return callfsm.Call{
			Runtime:  node.Runtime,
			Command:  node.CommandTemplate,
			Inputs:   inputs,
			CallRoot: e.callRoot(*wf, node.ID, shard, 1),
			State:    callfsm.NotStarted,
		}
	})
	if err != nil {
		return err
	}

	// The collector stays NotStarted until every shard is terminal
	// (spec §4.F invariant; S5: a fatal shard leaves the collector in
	// NotStarted). No row is written here.
	groupCtx, cancelGroup := context.WithCancel(ctx)
	defer cancelGroup()

	policy := scatter.FailurePolicy{ContinueOnFailure: wf.ContinueOnFailure()}
	var mu sync.Mutex
	var firstFatal error
	var wg sync.WaitGroup
	sem := make(chan struct{}, e.maxWorkers())

	for i := range shardCalls {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-groupCtx.Done():
				return
			}
			defer func() { <-sem }()

			fingerprint, ferr := e.fingerprintFor(groupCtx, node, i)
			if ferr != nil {
				mu.Lock()
				shardCalls[i].State = callfsm.Failed
				shardCalls[i].LastError = ferr
				mu.Unlock()
				return
			}
			finished, err := e.driveCall(groupCtx, wf, node, be, i, shardCalls[i], fingerprint)
			mu.Lock()
			shardCalls[i] = finished
			if err != nil && shardCalls[i].State == callfsm.Failed && firstFatal == nil {
				firstFatal = err
				if !policy.ContinueOnFailure {
					cancelGroup()
				}
			}
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	// No shard is being driven past this point (wg.Wait returned). A
	// shard skipped after cancellation, or one left in RetryableFailure
	// with its attempts used up, is not terminal; the Ready check below
	// rejects that case before the collector leaves NotStarted.
	if firstFatal != nil && !policy.ContinueOnFailure {
		return firstFatal
	}
	if !scatter.Ready(shardCalls) {
		return fmt.Errorf("workflowfsm: scatter %q has non-terminal shards after group completion", node.ID)
	}

	if _, err := scatter.Collect(shardCalls); err != nil {
		if e.Store != nil {
			_ = e.Store.SaveCollector(ctx, wf.ID, node.ID, scatter.CollectorFailed, length)
		}
		return err
	}
	if e.Store != nil {
		_ = e.Store.SaveCollector(ctx, wf.ID, node.ID, scatter.CollectorSucceeded, length)
	}
	return nil
}

// callPersisterFunc/callPublisherFunc adapt plain funcs to the small
// interfaces callfsm.Driver expects, so Engine doesn't need a named
// struct type per node just to route Calls through pkg/store and
// pkg/metaevents.
type callPersisterFunc func(ctx context.Context, call callfsm.Call) error

func (f callPersisterFunc) SaveCall(ctx context.Context, call callfsm.Call) error { return f(ctx, call) }

type callPublisherFunc func(ctx context.Context, call callfsm.Call)

func (f callPublisherFunc) PublishCallTransition(ctx context.Context, call callfsm.Call) { f(ctx, call) }
