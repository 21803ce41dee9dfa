package planner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/puzzlectl/internal/gateway"
)

const (
	opIdentify = "vision/identify_piece"
	opLocate   = "vision/locate_pieces"
)

func testGateway(t *testing.T, op string, ep gateway.Endpoint, avail, resp time.Duration) *gateway.Gateway {
	t.Helper()
	gw, err := gateway.New(gateway.Descriptor{
		Operation:           op,
		AvailabilityTimeout: avail,
		ResponseTimeout:     resp,
	}, ep)
	if err != nil {
		t.Fatalf("gateway %s: %v", op, err)
	}
	return gw
}

func testOrchestrator(t *testing.T, cfg OrchestratorConfig, steps ...Invoker) *Orchestrator {
	t.Helper()
	o, err := NewOrchestrator(steps, cfg)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return o
}

// captureLauncher holds execution tasks until the test runs them.
type captureLauncher struct {
	mu    sync.Mutex
	tasks []func()
}

func (c *captureLauncher) Launch(task func()) {
	c.mu.Lock()
	c.tasks = append(c.tasks, task)
	c.mu.Unlock()
}

func (c *captureLauncher) RunAll() {
	c.mu.Lock()
	tasks := c.tasks
	c.tasks = nil
	c.mu.Unlock()
	for _, task := range tasks {
		task()
	}
}

func (c *captureLauncher) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tasks)
}

type memoryRecorder struct {
	mu      sync.Mutex
	results []Result
}

func (r *memoryRecorder) Record(_ context.Context, res Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
	return nil
}

func (r *memoryRecorder) All() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Result(nil), r.results...)
}

func waitResult(t *testing.T, h *GoalHandle) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	r, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("goal %s did not finish: %v", h.ID(), err)
	}
	return r
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting on channel")
		var zero T
		return zero
	}
}
