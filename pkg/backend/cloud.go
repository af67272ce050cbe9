package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/latticeflow/wfengine/pkg/cache"
	"github.com/latticeflow/wfengine/pkg/iocap"
)

// OperationClient is the minimal RPC surface a remote task-execution
// service must expose. It is intentionally small and injectable: no
// proto service is fabricated for this module, so callers supply a
// client built from their own generated stubs (or a fake, in tests).
// The health-gating before dispatch uses the standard gRPC health
// protocol (grpc_health_v1) rather than a bespoke RPC.
type OperationClient interface {
	Submit(ctx context.Context, call BoundCall) (jobID string, err error)
	Status(ctx context.Context, jobID string) (PollOutcome, error)
	Cancel(ctx context.Context, jobID string) error
}

// CloudPipelines dispatches Calls to a remote task-execution service
// through an OperationClient, gating dispatch on a gRPC health check
// against the target so a cold or draining backend fails fast instead
// of hanging a Call in Starting.
type CloudPipelines struct {
	name       string
	serviceTag string
	resolver   *iocap.Resolver
	conn       *grpc.ClientConn
	health     grpc_health_v1.HealthClient
	client     OperationClient

	mu   sync.Mutex
	jobs map[string]struct{}
}

// CloudPipelinesConfig configures the gRPC connection used purely for
// the health-check gate; dispatch itself goes through client.
type CloudPipelinesConfig struct {
	Name       string
	Target     string // gRPC target, e.g. "cloud-exec.internal:443"
	Insecure   bool
	ServiceTag string // health check service name; "" checks overall server health
}

// NewCloudPipelines dials target for health checks and wraps client for
// dispatch. Dialing is lazy (grpc.NewClient does not connect until the
// first RPC); the health check on first use surfaces connect failures
// instead.
func NewCloudPipelines(cfg CloudPipelinesConfig, client OperationClient, resolver *iocap.Resolver) (*CloudPipelines, error) {
	var creds grpc.DialOption
	if cfg.Insecure {
		creds = grpc.WithTransportCredentials(insecure.NewCredentials())
	} else {
		return nil, fmt.Errorf("backend/cloudPipelines: TLS credentials required when Insecure is false")
	}
	conn, err := grpc.NewClient(cfg.Target, creds)
	if err != nil {
		return nil, fmt.Errorf("backend/cloudPipelines: dial %s: %w", cfg.Target, err)
	}
	name := cfg.Name
	if name == "" {
		name = "cloudPipelines"
	}
	return &CloudPipelines{
		name:       name,
		serviceTag: cfg.ServiceTag,
		resolver:   resolver,
		conn:       conn,
		health:     grpc_health_v1.NewHealthClient(conn),
		client:     client,
		jobs:       make(map[string]struct{}),
	}, nil
}

func (c *CloudPipelines) Name() string { return c.name }

func (c *CloudPipelines) ValidateOptions(_ context.Context, _ WorkflowOptions) []ValidationIssue {
	return nil
}

func (c *CloudPipelines) InitializeWorkflow(ctx context.Context, _ string, _ WorkflowOptions) (InitData, error) {
	if err := c.checkHealth(ctx); err != nil {
		return nil, err
	}
	return nil, nil
}

func (c *CloudPipelines) checkHealth(ctx context.Context) error {
	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	resp, err := c.health.Check(hctx, &grpc_health_v1.HealthCheckRequest{Service: c.serviceTag})
	if err != nil {
		return fmt.Errorf("backend/%s: health check failed: %w", c.name, err)
	}
	if resp.Status != grpc_health_v1.HealthCheckResponse_SERVING {
		return fmt.Errorf("backend/%s: reported status %s, not dispatching", c.name, resp.Status)
	}
	return nil
}

func (c *CloudPipelines) PrepareCall(_ context.Context, callKey string, init InitData, runtime RuntimeAttributes, command string, inputs map[string]string, callRoot string) (BoundCall, error) {
	return BoundCall{CallKey: callKey, CallRoot: callRoot, Runtime: runtime, Inputs: inputs, Command: command, InitData: init}, nil
}

func (c *CloudPipelines) Execute(ctx context.Context, call BoundCall) (ExecutionHandle, error) {
	if err := c.checkHealth(ctx); err != nil {
		return nil, fmt.Errorf("%s: %w", CodeTransientIO, err)
	}
	jobID, err := c.client.Submit(ctx, call)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.jobs[jobID] = struct{}{}
	c.mu.Unlock()
	return jobID, nil
}

func (c *CloudPipelines) Resume(_ context.Context, _ BoundCall, resumeToken string) (ExecutionHandle, error) {
	c.mu.Lock()
	c.jobs[resumeToken] = struct{}{}
	c.mu.Unlock()
	return resumeToken, nil
}

func (c *CloudPipelines) Poll(ctx context.Context, handle ExecutionHandle) (PollOutcome, error) {
	jobID, ok := handle.(string)
	if !ok {
		return PollOutcome{}, fmt.Errorf("backend/%s: invalid handle type %T", c.name, handle)
	}
	return c.client.Status(ctx, jobID)
}

func (c *CloudPipelines) Abort(ctx context.Context, handle ExecutionHandle) error {
	jobID, ok := handle.(string)
	if !ok {
		return fmt.Errorf("backend/%s: invalid handle type %T", c.name, handle)
	}
	return c.client.Cancel(ctx, jobID)
}

func (c *CloudPipelines) CopyCacheHit(ctx context.Context, call BoundCall, prior cache.PriorResult, strategy HitStrategy) (map[string]string, error) {
	return copyCacheHitViaResolver(ctx, c.resolver, call, prior, strategy)
}

func (c *CloudPipelines) CleanupWorkflow(_ context.Context, _ string, _ InitData) error {
	return c.conn.Close()
}
