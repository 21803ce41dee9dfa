package planner

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/puzzlectl/internal/gateway"
	"github.com/danmuck/puzzlectl/internal/lifecycle"
	"github.com/danmuck/puzzlectl/internal/testutil/remotetest"
	"github.com/danmuck/puzzlectl/internal/testutil/testlog"
)

// endpointSet hands out scripted endpoints by operation name.
type endpointSet struct {
	mu    sync.Mutex
	eps   map[string]*remotetest.Endpoint
	fail  map[string]error
	built []string
}

func newEndpointSet(eps map[string]*remotetest.Endpoint) *endpointSet {
	return &endpointSet{eps: eps, fail: make(map[string]error)}
}

func (s *endpointSet) factory(desc gateway.Descriptor) (gateway.Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail[desc.Operation]; err != nil {
		return nil, err
	}
	s.built = append(s.built, desc.Operation)
	return s.eps[desc.Operation], nil
}

func (s *endpointSet) builtCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.built)
}

type delayRecorder struct {
	mu    sync.Mutex
	calls []time.Duration
	err   error
}

func (d *delayRecorder) Delay(_ context.Context, wait time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, wait)
	return d.err
}

func testNodeConfig() NodeConfig {
	cfg := DefaultNodeConfig()
	cfg.Steps = []gateway.Descriptor{
		{Operation: opIdentify, AvailabilityTimeout: time.Second, ResponseTimeout: 5 * time.Second},
		{Operation: opLocate, AvailabilityTimeout: time.Second, ResponseTimeout: 5 * time.Second},
	}
	cfg.WarmUp = 2 * time.Second
	cfg.DrainTimeout = 2 * time.Second
	return cfg
}

func newTestNode(t *testing.T, cfg NodeConfig, set *endpointSet, delay *delayRecorder) *Node {
	t.Helper()
	n, err := NewNode(cfg, NodeDeps{Endpoints: set.factory, Delay: delay.Delay})
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	return n
}

func activate(t *testing.T, n *Node) {
	t.Helper()
	ctx := context.Background()
	if err := n.Configure(ctx); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := n.Activate(ctx); err != nil {
		t.Fatalf("activate: %v", err)
	}
}

func TestNodeAdmitsGoalsOnlyWhenActive(t *testing.T) {
	testlog.Start(t)

	identify := remotetest.Responding(`{"piece_id":2}`)
	locate := remotetest.Responding(`{"positions":[]}`)
	set := newEndpointSet(map[string]*remotetest.Endpoint{opIdentify: identify, opLocate: locate})
	delay := &delayRecorder{}
	n := newTestNode(t, testNodeConfig(), set, delay)
	ctx := context.Background()

	if _, err := n.SubmitGoal(GoalRequest{}); !errors.Is(err, ErrRejected) || !errors.Is(err, ErrNotActive) {
		t.Fatalf("unconfigured node must reject, got %v", err)
	}
	if set.builtCount() != 0 {
		t.Fatalf("rejection must not build endpoints")
	}

	if err := n.Configure(ctx); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if n.State() != lifecycle.Inactive || set.builtCount() != 2 {
		t.Fatalf("expected inactive with two endpoints, state=%s built=%d", n.State(), set.builtCount())
	}
	if _, err := n.SubmitGoal(GoalRequest{}); !errors.Is(err, ErrNotActive) {
		t.Fatalf("inactive node must reject, got %v", err)
	}
	if identify.Sends() != 0 {
		t.Fatalf("rejected goal must not invoke gateways")
	}

	if err := n.Activate(ctx); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if len(delay.calls) != 1 || delay.calls[0] != 2*time.Second {
		t.Fatalf("expected one warm-up delay of 2s, got %v", delay.calls)
	}

	h, err := n.SubmitGoal(GoalRequest{Label: "e2e"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	r := waitResult(t, h)
	if !r.Success() || r.StepsCompleted != 2 {
		t.Fatalf("expected two-step success, got %+v", r)
	}
	if snap, ok := n.QueryStatus(h.ID()); !ok || snap.Status != StatusSucceeded {
		t.Fatalf("unexpected status: %+v ok=%v", snap, ok)
	}
	active, recent := n.Goals(10)
	if len(active) != 0 || len(recent) != 1 {
		t.Fatalf("unexpected goal listing: active=%d recent=%d", len(active), len(recent))
	}

	if err := n.Deactivate(ctx); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := n.SubmitGoal(GoalRequest{}); !errors.Is(err, ErrNotActive) {
		t.Fatalf("deactivated node must reject, got %v", err)
	}
}

func TestNodeRejectsWhileDeactivating(t *testing.T) {
	testlog.Start(t)

	release := make(chan struct{})
	sent := make(chan string, 1)
	identify := &remotetest.Endpoint{Payload: json.RawMessage(`{}`), Release: release, OnSend: func(op string) { sent <- op }}
	locate := remotetest.Responding(`{}`)
	set := newEndpointSet(map[string]*remotetest.Endpoint{opIdentify: identify, opLocate: locate})
	n := newTestNode(t, testNodeConfig(), set, &delayRecorder{})
	activate(t, n)

	h, err := n.SubmitGoal(GoalRequest{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	recv(t, sent)

	done := make(chan error, 1)
	go func() { done <- n.Deactivate(context.Background()) }()

	deadline := time.Now().Add(2 * time.Second)
	for n.State() != lifecycle.Deactivating {
		if time.Now().After(deadline) {
			t.Fatalf("never observed deactivating, state=%s", n.State())
		}
		time.Sleep(2 * time.Millisecond)
	}
	if _, err := n.SubmitGoal(GoalRequest{}); !errors.Is(err, ErrNotActive) {
		t.Fatalf("goals must be rejected while draining, got %v", err)
	}
	close(release)

	if err := recv(t, done); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	r := waitResult(t, h)
	if r.Status != StatusCanceled || r.StepsCompleted != 1 || locate.Sends() != 0 {
		t.Fatalf("cancel drain policy should stop before the second step, got %+v", r)
	}
	if n.State() != lifecycle.Inactive {
		t.Fatalf("expected inactive, got %s", n.State())
	}
}

func TestNodeWaitDrainPolicyLetsGoalsFinish(t *testing.T) {
	testlog.Start(t)

	release := make(chan struct{})
	sent := make(chan string, 1)
	identify := &remotetest.Endpoint{Payload: json.RawMessage(`{}`), Release: release, OnSend: func(op string) { sent <- op }}
	locate := remotetest.Responding(`{}`)
	set := newEndpointSet(map[string]*remotetest.Endpoint{opIdentify: identify, opLocate: locate})
	cfg := testNodeConfig()
	cfg.DrainPolicy = DrainWait
	n := newTestNode(t, cfg, set, &delayRecorder{})
	activate(t, n)

	h, _ := n.SubmitGoal(GoalRequest{})
	recv(t, sent)
	done := make(chan error, 1)
	go func() { done <- n.Deactivate(context.Background()) }()
	close(release)

	if err := recv(t, done); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if r := waitResult(t, h); r.Status != StatusSucceeded || locate.Sends() != 1 {
		t.Fatalf("wait policy should let the goal finish, got %+v", r)
	}
}

func TestNodeConfigureFailureReleasesBuiltEndpoints(t *testing.T) {
	testlog.Start(t)

	identify := remotetest.Responding(`{}`)
	set := newEndpointSet(map[string]*remotetest.Endpoint{opIdentify: identify})
	set.fail[opLocate] = errors.New("no route to vision host")
	n := newTestNode(t, testNodeConfig(), set, &delayRecorder{})
	ctx := context.Background()

	if err := n.Configure(ctx); !errors.Is(err, lifecycle.ErrTransitionFailed) {
		t.Fatalf("expected configure failure, got %v", err)
	}
	if n.State() != lifecycle.ErrorProcessing {
		t.Fatalf("expected error_processing, got %s", n.State())
	}
	if !identify.Closed() {
		t.Fatalf("endpoint built before the failure must be released")
	}
	if _, err := n.SubmitGoal(GoalRequest{}); !errors.Is(err, ErrNotActive) {
		t.Fatalf("errored node must reject, got %v", err)
	}

	delete(set.fail, opLocate)
	set.eps[opLocate] = remotetest.Responding(`{}`)
	if err := n.Cleanup(ctx); err != nil {
		t.Fatalf("recovery: %v", err)
	}
	if n.State() != lifecycle.Unconfigured {
		t.Fatalf("expected unconfigured after recovery, got %s", n.State())
	}
	activate(t, n)
	if !n.Machine().IsActive() {
		t.Fatalf("recovered node should activate")
	}
}

func TestNodeWarmUpFailureEntersErrorProcessing(t *testing.T) {
	testlog.Start(t)

	set := newEndpointSet(map[string]*remotetest.Endpoint{
		opIdentify: remotetest.Responding(`{}`),
		opLocate:   remotetest.Responding(`{}`),
	})
	delay := &delayRecorder{err: context.Canceled}
	n := newTestNode(t, testNodeConfig(), set, delay)
	if err := n.Configure(context.Background()); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := n.Activate(context.Background()); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected warm-up cause, got %v", err)
	}
	if n.State() != lifecycle.ErrorProcessing {
		t.Fatalf("expected error_processing, got %s", n.State())
	}
}

func TestNodeShutdownAndFaultReleaseEndpoints(t *testing.T) {
	testlog.Start(t)

	identify := remotetest.Responding(`{}`)
	locate := remotetest.Responding(`{}`)
	set := newEndpointSet(map[string]*remotetest.Endpoint{opIdentify: identify, opLocate: locate})
	n := newTestNode(t, testNodeConfig(), set, &delayRecorder{})
	activate(t, n)

	if err := n.Fault(errors.New("arm controller lost")); err != nil {
		t.Fatalf("fault: %v", err)
	}
	if n.State() != lifecycle.ErrorProcessing {
		t.Fatalf("expected error_processing, got %s", n.State())
	}
	if _, err := n.SubmitGoal(GoalRequest{}); !errors.Is(err, ErrNotActive) {
		t.Fatalf("faulted node must reject, got %v", err)
	}
	if err := n.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if n.State() != lifecycle.Finalized {
		t.Fatalf("expected finalized, got %s", n.State())
	}
	if !identify.Closed() || !locate.Closed() {
		t.Fatalf("shutdown must release every endpoint")
	}
	if err := n.RequestCancel("anything"); !errors.Is(err, ErrGoalNotFound) {
		t.Fatalf("expected not found after shutdown, got %v", err)
	}
}

func TestNodeConfigValidate(t *testing.T) {
	testlog.Start(t)

	if err := DefaultNodeConfig().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}

	dup := testNodeConfig()
	dup.Steps = append(dup.Steps, dup.Steps[0])
	if err := dup.Validate(); !errors.Is(err, ErrDuplicateStep) {
		t.Fatalf("expected ErrDuplicateStep, got %v", err)
	}

	badPolicy := testNodeConfig()
	badPolicy.DrainPolicy = "abandon"
	if err := badPolicy.Validate(); !errors.Is(err, ErrInvalidDrainPolicy) {
		t.Fatalf("expected ErrInvalidDrainPolicy, got %v", err)
	}

	noDrain := testNodeConfig()
	noDrain.DrainTimeout = 0
	if err := noDrain.Validate(); !errors.Is(err, ErrInvalidNodeConfig) {
		t.Fatalf("expected ErrInvalidNodeConfig, got %v", err)
	}

	if _, err := NewNode(testNodeConfig(), NodeDeps{}); !errors.Is(err, ErrNilEndpointFactory) {
		t.Fatalf("expected ErrNilEndpointFactory, got %v", err)
	}

	if p, err := ParseDrainPolicy(" WAIT "); err != nil || p != DrainWait {
		t.Fatalf("unexpected parse: %q %v", p, err)
	}
}
