// Package supervisor implements the engine supervisor (spec §4.J): FIFO
// admission over a bounded active-workflow slot count, a per-backend
// dispatch semaphore shared by every running workflow, a cancellation
// registry, and a cron-driven maintenance loop.
//
// Adapted from the teacher's Scheduler (services/orchestrator/scheduler.go,
// a robfig/cron wrapper around workflow execution) and CancellationManager
// (services/orchestrator/cancellation.go, a registered-cancelFunc map with
// a periodic Cleanup sweep): Scheduler's cron-driven execution loop is
// generalized here from "run a named workflow on a schedule" to "run the
// engine's own maintenance sweeps," and CancellationManager's
// register/cancel/cleanup shape becomes the supervisor's per-workflow
// registry, expanded with the admission queue and per-backend semaphore
// the spec requires (the teacher's DAGEngine had no admission control —
// every workflow ran immediately).
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/latticeflow/wfengine/internal/resilience"
	"github.com/latticeflow/wfengine/pkg/workflowfsm"
)

// Runner executes one admitted workflow to completion; bound to
// *workflowfsm.Engine in production, faked in tests.
type Runner interface {
	Run(ctx context.Context, wf *workflowfsm.Workflow, graph *workflowfsm.Graph) error
}

// MaintenanceTask is one named, independently scheduled upkeep sweep.
type MaintenanceTask struct {
	Name     string
	CronExpr string // robfig/cron v3 6-field expression (leading seconds field)
	Run      func(ctx context.Context) error
}

// RateLimit configures a per-backend token-bucket-plus-window throttle
// ahead of its concurrency semaphore (e.g. a cloud batch API's published
// requests-per-second quota).
type RateLimit struct {
	Capacity     int64
	FillPerSec   float64
	Window       time.Duration
	MaxPerWindow int64
}

// Config bounds the Supervisor's admission control (spec §4.J).
type Config struct {
	MaxActiveWorkflows int                  // 0 = unlimited
	BackendCapacity    map[string]int       // per-backend concurrent-dispatch ceiling; 0/absent = unlimited
	BackendRateLimit   map[string]RateLimit // per-backend dispatch rate throttle; absent = unthrottled
}

type registration struct {
	cancel context.CancelFunc
	status string
	done   time.Time
}

// Supervisor is the top-level engine process object: it admits
// workflows under the global and per-backend limits, tracks every
// running workflow for cancellation, and drives the maintenance cron.
type Supervisor struct {
	cfg    Config
	runner Runner

	admission chan struct{} // buffered to MaxActiveWorkflows; empty struct = one slot
	backend   map[string]chan struct{}
	limiter   map[string]*resilience.RateLimiter

	mu      sync.Mutex
	running map[string]*registration

	cron *cron.Cron

	admitted   metric.Int64Counter
	rejected   metric.Int64Counter
	cancelled  metric.Int64Counter
	maintained metric.Int64Counter
	tracer     trace.Tracer
}

// New constructs a Supervisor. cfg.MaxActiveWorkflows <= 0 means no
// global admission limit; a per-backend entry absent from
// cfg.BackendCapacity or <= 0 means that backend has no concurrency
// ceiling either.
func New(cfg Config, runner Runner, meter metric.Meter) *Supervisor {
	s := &Supervisor{
		cfg:     cfg,
		runner:  runner,
		backend: make(map[string]chan struct{}, len(cfg.BackendCapacity)),
		limiter: make(map[string]*resilience.RateLimiter, len(cfg.BackendRateLimit)),
		running: make(map[string]*registration),
		cron:    cron.New(cron.WithSeconds()),
		tracer:  otel.Tracer("wfengine-supervisor"),
	}
	for name, rl := range cfg.BackendRateLimit {
		s.limiter[name] = resilience.NewRateLimiter(rl.Capacity, rl.FillPerSec, rl.Window, rl.MaxPerWindow)
	}
	if cfg.MaxActiveWorkflows > 0 {
		s.admission = make(chan struct{}, cfg.MaxActiveWorkflows)
		for i := 0; i < cfg.MaxActiveWorkflows; i++ {
			s.admission <- struct{}{}
		}
	}
	for name, capacity := range cfg.BackendCapacity {
		if capacity > 0 {
			ch := make(chan struct{}, capacity)
			for i := 0; i < capacity; i++ {
				ch <- struct{}{}
			}
			s.backend[name] = ch
		}
	}

	s.admitted, _ = meter.Int64Counter("wfengine_supervisor_admitted_total")
	s.rejected, _ = meter.Int64Counter("wfengine_supervisor_rejected_total")
	s.cancelled, _ = meter.Int64Counter("wfengine_supervisor_cancelled_total")
	s.maintained, _ = meter.Int64Counter("wfengine_supervisor_maintenance_runs_total")
	return s
}

// Gate implements workflowfsm.DispatchGate, enforcing the per-backend
// counting semaphore — the single global coordination point for
// dispatch throughput (spec §4.J/§5) — behind an optional rate limiter
// that sheds load before a dispatch ever claims a concurrency slot.
func (s *Supervisor) Gate(ctx context.Context, backendName string) (func(), error) {
	if rl, ok := s.limiter[backendName]; ok && !rl.Allow() {
		s.rejected.Add(ctx, 1, metric.WithAttributes(
			attribute.String("reason", "rate_limited"), attribute.String("backend", backendName)))
		return nil, fmt.Errorf("supervisor: backend %q dispatch rate exceeded", backendName)
	}

	ch, ok := s.backend[backendName]
	if !ok {
		return func() {}, nil
	}
	select {
	case <-ch:
		return func() { ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Submit blocks (FIFO, via the buffered admission channel) until a
// global slot is free, then runs wf to completion in the calling
// goroutine. Callers wanting concurrency spawn their own goroutine per
// Submit call; Supervisor itself does not.
func (s *Supervisor) Submit(ctx context.Context, wf *workflowfsm.Workflow, graph *workflowfsm.Graph) error {
	if s.admission != nil {
		select {
		case <-s.admission:
			defer func() { s.admission <- struct{}{} }()
		case <-ctx.Done():
			s.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "context_canceled")))
			return ctx.Err()
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.running[wf.ID] = &registration{cancel: cancel, status: "Running"}
	s.mu.Unlock()
	s.admitted.Add(ctx, 1)

	defer func() {
		s.mu.Lock()
		if reg, ok := s.running[wf.ID]; ok {
			reg.status = wf.Status.String()
			reg.done = time.Now()
		}
		s.mu.Unlock()
		cancel()
	}()

	return s.runner.Run(runCtx, wf, graph)
}

// Cancel requests that the named workflow's run observe ctx
// cancellation at its next suspension point (spec: every suspension is
// cancellable). Mirrors the teacher's CancellationManager.Cancel.
func (s *Supervisor) Cancel(ctx context.Context, workflowID, reason string) error {
	_, span := s.tracer.Start(ctx, "supervisor.cancel", trace.WithAttributes(
		attribute.String("workflow_id", workflowID), attribute.String("reason", reason)))
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.running[workflowID]
	if !ok {
		return fmt.Errorf("supervisor: no running workflow %q", workflowID)
	}
	if reg.status != "Running" {
		return fmt.Errorf("supervisor: workflow %q is not running (status %s)", workflowID, reg.status)
	}
	reg.cancel()
	s.cancelled.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	return nil
}

// Cleanup removes completed registrations older than retentionPeriod,
// mirroring the teacher's CancellationManager.Cleanup.
func (s *Supervisor) Cleanup(retentionPeriod time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	cleaned := 0
	for id, reg := range s.running {
		if reg.status == "Running" {
			continue
		}
		if !reg.done.IsZero() && now.Sub(reg.done) > retentionPeriod {
			delete(s.running, id)
			cleaned++
		}
	}
	return cleaned
}

// AddMaintenance registers a cron-scheduled upkeep task (spec §4.J),
// generalizing the teacher's Scheduler.AddSchedule from "run a named
// workflow" to "run an engine maintenance sweep."
func (s *Supervisor) AddMaintenance(task MaintenanceTask) error {
	_, err := s.cron.AddFunc(task.CronExpr, func() {
		if err := task.Run(context.Background()); err != nil {
			slog.Default().Error("supervisor: maintenance task failed", "task", task.Name, "err", err)
			return
		}
		s.maintained.Add(context.Background(), 1, metric.WithAttributes(attribute.String("task", task.Name)))
	})
	if err != nil {
		return fmt.Errorf("supervisor: add maintenance task %q: %w", task.Name, err)
	}
	return nil
}

// Start begins the maintenance cron.
func (s *Supervisor) Start() { s.cron.Start() }

// Shutdown stops accepting new maintenance ticks, cancels every running
// workflow, and waits up to ctx's deadline for the cron to quiesce
// (teacher's Scheduler.Stop shape).
func (s *Supervisor) Shutdown(ctx context.Context, reason string) error {
	s.mu.Lock()
	for id, reg := range s.running {
		if reg.status == "Running" {
			reg.cancel()
			s.cancelled.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
		}
		delete(s.running, id)
	}
	s.mu.Unlock()

	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
