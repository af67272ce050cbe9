// Command wfengine runs the workflow execution engine as an HTTP
// service: submit a named graph template, poll its status, cancel it,
// or restart it after a crash.
//
// Grounded on the teacher's orchestrator main.go: logging.Init +
// signal.NotifyContext + otelinit.InitTracer/InitMetrics for process
// wiring, an http.ServeMux for the control surface, and the same
// graceful-shutdown sequence (stop accepting work, flush otel, exit).
// Unlike the teacher's in-process task simulation, /v1/workflows/run
// drives a real pkg/workflowfsm.Engine through pkg/supervisor's
// admission control.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"

	"github.com/latticeflow/wfengine/internal/logging"
	"github.com/latticeflow/wfengine/internal/otelinit"
	"github.com/latticeflow/wfengine/internal/resilience"
	"github.com/latticeflow/wfengine/pkg/backend"
	"github.com/latticeflow/wfengine/pkg/cache"
	"github.com/latticeflow/wfengine/pkg/callfsm"
	"github.com/latticeflow/wfengine/pkg/iocap"
	"github.com/latticeflow/wfengine/pkg/metaevents"
	"github.com/latticeflow/wfengine/pkg/store"
	"github.com/latticeflow/wfengine/pkg/supervisor"
	"github.com/latticeflow/wfengine/pkg/workflowfsm"
)

// template builds a fresh Graph for a named sample workflow. Document
// evaluation (resolving real task-graph closures from a submitted
// workflow document) is an external collaborator's concern (spec
// Non-goal); wfengine ships a small built-in registry instead of an
// endpoint that parses arbitrary graphs from JSON.
type template func() (*workflowfsm.Graph, error)

func builtinTemplates() map[string]template {
	return map[string]template{
		"echo-chain": echoChainTemplate,
		"fan-out":    fanOutTemplate,
	}
}

func echoChainTemplate() (*workflowfsm.Graph, error) {
	return workflowfsm.NewGraph([]*workflowfsm.Node{
		{
			ID: "a", Kind: workflowfsm.NodeTaskCall, BackendName: "local",
			CommandTemplate: "echo hello",
			ResolveInputs:   func(context.Context, int) (map[string]string, error) { return nil, nil },
		},
		{
			ID: "b", Kind: workflowfsm.NodeTaskCall, BackendName: "local",
			DependsOn:       []string{"a"},
			CommandTemplate: "echo world",
			ResolveInputs:   func(context.Context, int) (map[string]string, error) { return nil, nil },
		},
	})
}

func fanOutTemplate() (*workflowfsm.Graph, error) {
	return workflowfsm.NewGraph([]*workflowfsm.Node{
		{
			ID: "shard", Kind: workflowfsm.NodeScatter, BackendName: "local",
			CommandTemplate: "echo shard",
			ResolveInputs:   func(context.Context, int) (map[string]string, error) { return nil, nil },
			ScatterLength:   func(context.Context) (int, error) { return 3, nil },
		},
	})
}

// runRequest selects a built-in template and the workflow-scoped output
// root the engine resolves every Call's CallRoot beneath.
type runRequest struct {
	WorkflowID string         `json:"workflow_id"`
	Template   string         `json:"template"`
	RootOutput string         `json:"root_output"`
	Options    map[string]any `json:"options,omitempty"`
}

// graphMemo remembers which template produced a running workflow so
// /restart can rebuild the same Graph before resubmitting.
type graphMemo struct {
	mu   sync.Mutex
	byID map[string]string // workflow id -> template name
}

func newGraphMemo() *graphMemo { return &graphMemo{byID: make(map[string]string)} }

func (m *graphMemo) put(id, tmpl string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[id] = tmpl
}

func (m *graphMemo) get(id string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byID[id]
	return t, ok
}

func main() {
	service := "wfengine"
	logger := logging.Init(service)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics := otelinit.InitMetrics(ctx, service)
	meter := otel.GetMeterProvider().Meter(service)

	dataDir := envOr("WFENGINE_DATA_DIR", "./data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		logger.Error("create data dir", "error", err)
		os.Exit(1)
	}
	boltStore, err := store.Open(filepath.Join(dataDir, "wfengine.db"), meter)
	if err != nil {
		logger.Error("open store", "error", err)
		os.Exit(1)
	}
	defer boltStore.Close()

	resolver := iocap.NewResolver()
	resolver.Register("file", iocap.NewLocalScheme())

	localBackend := backend.NewLocal(resolver)
	backends := map[string]backend.Backend{"local": localBackend}

	cacheIndex := cache.NewMemIndex(10000, 24*time.Hour)
	defer cacheIndex.Close()

	nc, err := nats.Connect(envOr("NATS_URL", nats.DefaultURL))
	if err != nil {
		logger.Warn("nats connect failed, metadata events will be dropped", "error", err)
		nc = nil
	} else {
		defer nc.Close()
	}
	publisher := metaevents.NewPublisher(nc, 4096, meter)
	defer publisher.Close()

	engine := &workflowfsm.Engine{
		Store:      &workflowfsm.StoreAdapter{Store: boltStore},
		Publish:    publisher,
		Backends:   backends,
		InitData:   map[string]backend.InitData{},
		Cache:      cacheIndex,
		Resolver:   resolver,
		Attempt:    callfsm.DefaultAttemptPolicy(),
		Strategy:   backend.UseOriginal,
		MaxWorkers: 8,
		Breakers: map[string]*resilience.CircuitBreaker{
			"local": resilience.NewCircuitBreakerAdaptive(time.Minute, 6, 5, 0.5, 30*time.Second, 2),
		},
	}

	sup := supervisor.New(supervisor.Config{
		MaxActiveWorkflows: 64,
		BackendCapacity:    map[string]int{"local": 16},
		BackendRateLimit: map[string]supervisor.RateLimit{
			"local": {Capacity: 32, FillPerSec: 16, Window: time.Second, MaxPerWindow: 32},
		},
	}, engine, meter)
	engine.Gate = sup.Gate

	if err := sup.AddMaintenance(supervisor.MaintenanceTask{
		Name:     "registration-cleanup",
		CronExpr: "0 */5 * * * *",
		Run: func(context.Context) error {
			n := sup.Cleanup(time.Hour)
			if n > 0 {
				slog.Default().Info("supervisor: cleaned completed registrations", "count", n)
			}
			return nil
		},
	}); err != nil {
		logger.Error("register maintenance task", "error", err)
		os.Exit(1)
	}
	sup.Start()

	templates := builtinTemplates()
	memo := newGraphMemo()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/v1/workflows/run", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req runRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		tmpl, ok := templates[req.Template]
		if !ok {
			http.Error(w, fmt.Sprintf("unknown template %q", req.Template), http.StatusBadRequest)
			return
		}
		graph, err := tmpl()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		workflowID := req.WorkflowID
		if workflowID == "" {
			// Workflow identity is a 128-bit id (spec §3); mint one when
			// the caller doesn't supply its own.
			workflowID = uuid.NewString()
		}
		wf := &workflowfsm.Workflow{
			ID:         workflowID,
			RootOutput: req.RootOutput,
			Options:    req.Options,
		}
		memo.put(wf.ID, req.Template)

		go func() {
			if err := sup.Submit(context.Background(), wf, graph); err != nil {
				slog.Default().Warn("workflow run failed", "workflow_id", wf.ID, "error", err)
			}
		}()
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{"workflow_id": wf.ID, "status": "Submitted"})
	})

	mux.HandleFunc("/v1/workflows/status", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("id")
		row, found, err := boltStore.GetWorkflow(r.Context(), id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !found {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(row)
	})

	mux.HandleFunc("/v1/workflows/cancel", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		id := r.URL.Query().Get("id")
		if err := sup.Cancel(r.Context(), id, "operator request"); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("/v1/workflows/restart", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		id := r.URL.Query().Get("id")
		tmplName, ok := memo.get(id)
		if !ok {
			http.Error(w, "unknown workflow, cannot rebuild its graph", http.StatusNotFound)
			return
		}
		if err := workflowfsm.Restart(r.Context(), boltStore, backends, id); err != nil {
			if errors.Is(err, workflowfsm.ErrRestartRejected) {
				http.Error(w, err.Error(), http.StatusConflict)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		row, found, err := boltStore.GetWorkflow(r.Context(), id)
		if err != nil || !found {
			http.Error(w, "workflow record missing after restart", http.StatusInternalServerError)
			return
		}
		graph, err := templates[tmplName]()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		wf := &workflowfsm.Workflow{
			ID: id, Status: workflowfsm.Running, SourceRef: row.SourceRef,
			Inputs: row.Inputs, Options: row.Options, Labels: row.Labels,
			ImportRef: row.ImportRef, RootOutput: row.RootOutput,
		}
		go func() {
			if err := sup.Submit(context.Background(), wf, graph); err != nil {
				slog.Default().Warn("workflow restart run failed", "workflow_id", id, "error", err)
			}
		}()
		w.WriteHeader(http.StatusAccepted)
	})

	srv := &http.Server{Addr: envOr("WFENGINE_ADDR", ":8080"), Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()
	logger.Info("wfengine started", "addr", srv.Addr)

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	if err := sup.Shutdown(shutdownCtx, "process exiting"); err != nil {
		logger.Warn("supervisor shutdown", "error", err)
	}
	otelinit.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)
	logger.Info("shutdown complete")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
