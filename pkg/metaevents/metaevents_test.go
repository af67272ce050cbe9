package metaevents

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/latticeflow/wfengine/pkg/callfsm"
)

func TestPublishDoesNotBlockWithoutConnection(t *testing.T) {
	p := NewPublisher(nil, 4, noop.NewMeterProvider().Meter("test"))
	defer p.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			p.Publish(context.Background(), Event{WorkflowID: "wf-1", KeyPath: "status", Value: "Running"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked with a nil NATS connection")
	}
}

func TestPublishDropsOldestOnOverflow(t *testing.T) {
	p := NewPublisher(nil, 2, noop.NewMeterProvider().Meter("test"))
	p.Close() // stop the drain loop so the buffer is inspected as Publish left it

	p.mu.Lock()
	p.buf = append(p.buf, Event{KeyPath: "a"}, Event{KeyPath: "b"})
	p.mu.Unlock()

	p.Publish(context.Background(), Event{KeyPath: "c"})

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.buf) != 2 {
		t.Fatalf("buffer len = %d, want 2 (bounded)", len(p.buf))
	}
	if p.buf[0].KeyPath != "b" || p.buf[1].KeyPath != "c" {
		t.Fatalf("buffer = %+v, want oldest (a) dropped", p.buf)
	}
}

func TestPublishCallTransitionEmitsStatusAndRuntimeOnStart(t *testing.T) {
	p := NewPublisher(nil, 8, noop.NewMeterProvider().Meter("test"))
	p.Close() // stop the drain loop so the buffer is inspected as Publish left it

	call := callfsm.Call{
		Key:   callfsm.Key{WorkflowID: "wf-1", TaskName: "t", Shard: -1, Attempt: 1},
		State: callfsm.Starting,
	}
	p.PublishCallTransition(context.Background(), call)

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.buf) != 2 {
		t.Fatalf("buffered events = %d, want 2 (status + runtimeAttributes)", len(p.buf))
	}
}
