package planner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/puzzlectl/internal/gateway"
	"github.com/danmuck/puzzlectl/internal/lifecycle"
	"github.com/danmuck/puzzlectl/internal/observability"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidNodeConfig  = errors.New("planner: invalid node config")
	ErrInvalidDrainPolicy = errors.New("planner: invalid drain policy")
	ErrNilEndpointFactory = errors.New("planner: nil endpoint factory")
	ErrDuplicateStep      = errors.New("planner: duplicate step operation")
	ErrNotConfigured      = errors.New("planner: node not configured")
)

// DrainPolicy selects what deactivation does with in-flight goals.
type DrainPolicy string

const (
	DrainCancel DrainPolicy = "cancel"
	DrainWait   DrainPolicy = "wait"
)

func ParseDrainPolicy(raw string) (DrainPolicy, error) {
	switch p := DrainPolicy(strings.ToLower(strings.TrimSpace(raw))); p {
	case DrainCancel, DrainWait:
		return p, nil
	case "":
		return DrainCancel, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidDrainPolicy, raw)
	}
}

// EndpointFactory builds the transport for one step during configure.
type EndpointFactory func(desc gateway.Descriptor) (gateway.Endpoint, error)

// Delay waits d or until ctx ends.
type Delay func(ctx context.Context, d time.Duration) error

func sleepDelay(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NodeConfig is the static shape of a planner node.
type NodeConfig struct {
	Name         string
	Steps        []gateway.Descriptor
	WarmUp       time.Duration
	DrainPolicy  DrainPolicy
	DrainTimeout time.Duration
	MaxInFlight  int
	HistoryLimit int
}

// DefaultNodeConfig mirrors the puzzle-solving pipeline: identify the held
// piece, then locate candidate positions.
func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		Name: "planner",
		Steps: []gateway.Descriptor{
			gateway.NewDescriptor("vision/identify_piece"),
			gateway.NewDescriptor("vision/locate_pieces"),
		},
		WarmUp:       2 * time.Second,
		DrainPolicy:  DrainCancel,
		DrainTimeout: 15 * time.Second,
		MaxInFlight:  DefaultMaxInFlight,
		HistoryLimit: DefaultHistoryLimit,
	}
}

func (c NodeConfig) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: name required", ErrInvalidNodeConfig)
	}
	seen := make(map[string]struct{}, len(c.Steps))
	for _, step := range c.Steps {
		if err := step.Validate(); err != nil {
			return err
		}
		op := strings.TrimSpace(step.Operation)
		if _, dup := seen[op]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateStep, op)
		}
		seen[op] = struct{}{}
	}
	if c.WarmUp < 0 {
		return fmt.Errorf("%w: warm_up must not be negative", ErrInvalidNodeConfig)
	}
	if _, err := ParseDrainPolicy(string(c.DrainPolicy)); err != nil {
		return err
	}
	if c.DrainTimeout <= 0 {
		return fmt.Errorf("%w: drain_timeout must be positive", ErrInvalidNodeConfig)
	}
	if c.MaxInFlight < 0 || c.HistoryLimit < 0 {
		return fmt.Errorf("%w: limits must not be negative", ErrInvalidNodeConfig)
	}
	return nil
}

// NodeDeps are the injectable collaborators of a node.
type NodeDeps struct {
	Endpoints EndpointFactory
	// Delay defaults to a context-aware sleep.
	Delay    Delay
	Launch   Launcher
	Recorder Recorder
}

// Node owns the readiness machine, the step gateways, and the orchestrator.
// Goals are admitted only while the machine is Active.
type Node struct {
	cfg     NodeConfig
	deps    NodeDeps
	machine *lifecycle.Machine

	mu       sync.RWMutex
	gateways []*gateway.Gateway
	orch     *Orchestrator
}

var _ lifecycle.Handlers = (*Node)(nil)

func NewNode(cfg NodeConfig, deps NodeDeps) (*Node, error) {
	if cfg.DrainPolicy == "" {
		cfg.DrainPolicy = DrainCancel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Endpoints == nil {
		return nil, ErrNilEndpointFactory
	}
	if deps.Delay == nil {
		deps.Delay = sleepDelay
	}
	n := &Node{cfg: cfg, deps: deps}
	machine, err := lifecycle.New(n)
	if err != nil {
		return nil, err
	}
	n.machine = machine
	return n, nil
}

func (n *Node) Name() string {
	return n.cfg.Name
}

func (n *Node) Config() NodeConfig {
	return n.cfg
}

// State returns the readiness state.
func (n *Node) State() lifecycle.State {
	return n.machine.State()
}

// Machine exposes the readiness machine for external triggers.
func (n *Node) Machine() *lifecycle.Machine {
	return n.machine
}

func (n *Node) Configure(ctx context.Context) error  { return n.machine.Configure(ctx) }
func (n *Node) Activate(ctx context.Context) error   { return n.machine.Activate(ctx) }
func (n *Node) Deactivate(ctx context.Context) error { return n.machine.Deactivate(ctx) }
func (n *Node) Cleanup(ctx context.Context) error    { return n.machine.Cleanup(ctx) }
func (n *Node) Shutdown(ctx context.Context) error   { return n.machine.Shutdown(ctx) }

// Fault reports an unrecoverable runtime error to the readiness machine.
func (n *Node) Fault(cause error) error {
	return n.machine.Fault(cause)
}

// SubmitGoal admits req when the node is Active. Rejections have no side
// effects beyond the admission metric.
func (n *Node) SubmitGoal(req GoalRequest) (*GoalHandle, error) {
	orch := n.orchestrator()
	if orch == nil || !n.machine.IsActive() {
		observability.RecordGoalAdmission(false)
		state := n.machine.State()
		log.Warn().Str("node", n.cfg.Name).Str("state", string(state)).Msg("planner.Node.SubmitGoal rejected")
		return nil, fmt.Errorf("%w: %w: state=%s", ErrRejected, ErrNotActive, state)
	}
	return orch.Submit(req)
}

// RequestCancel asks an in-flight goal to stop before its next step.
func (n *Node) RequestCancel(goalID string) error {
	orch := n.orchestrator()
	if orch == nil {
		return fmt.Errorf("%w: %s", ErrGoalNotFound, goalID)
	}
	return orch.Cancel(goalID)
}

// QueryStatus returns the latest view of a goal.
func (n *Node) QueryStatus(goalID string) (Snapshot, bool) {
	orch := n.orchestrator()
	if orch == nil {
		return Snapshot{}, false
	}
	return orch.Status(goalID)
}

// Goals returns active goals followed by up to limit retained results.
func (n *Node) Goals(limit int) ([]Snapshot, []Result) {
	orch := n.orchestrator()
	if orch == nil {
		return []Snapshot{}, []Result{}
	}
	return orch.Active(), orch.Recent(limit)
}

// ResetHistory drops retained goal results. Active goals are untouched.
func (n *Node) ResetHistory() bool {
	orch := n.orchestrator()
	if orch == nil {
		return false
	}
	orch.Reset()
	return true
}

// Steps returns the step order of the running orchestrator, or the configured
// order before configure.
func (n *Node) Steps() []string {
	if orch := n.orchestrator(); orch != nil {
		return orch.StepNames()
	}
	out := make([]string, len(n.cfg.Steps))
	for i, step := range n.cfg.Steps {
		out[i] = step.Operation
	}
	return out
}

func (n *Node) orchestrator() *Orchestrator {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.orch
}

// OnConfigure builds one gateway per step and the orchestrator over them.
func (n *Node) OnConfigure(ctx context.Context) error {
	gateways := make([]*gateway.Gateway, 0, len(n.cfg.Steps))
	invokers := make([]Invoker, 0, len(n.cfg.Steps))
	for _, desc := range n.cfg.Steps {
		if err := ctx.Err(); err != nil {
			releaseGateways(gateways)
			return err
		}
		ep, err := n.deps.Endpoints(desc)
		if err != nil {
			releaseGateways(gateways)
			return fmt.Errorf("endpoint %s: %w", desc.Operation, err)
		}
		gw, err := gateway.New(desc, ep)
		if err != nil {
			releaseEndpoint(desc.Operation, ep)
			releaseGateways(gateways)
			return err
		}
		gateways = append(gateways, gw)
		invokers = append(invokers, gw)
	}

	orch, err := NewOrchestrator(invokers, OrchestratorConfig{
		MaxInFlight:  n.cfg.MaxInFlight,
		HistoryLimit: n.cfg.HistoryLimit,
		Admit:        n.machine.IsActive,
		Launch:       n.deps.Launch,
		Recorder:     n.deps.Recorder,
	})
	if err != nil {
		releaseGateways(gateways)
		return err
	}

	n.mu.Lock()
	n.gateways = gateways
	n.orch = orch
	n.mu.Unlock()
	log.Info().Str("node", n.cfg.Name).Strs("steps", n.Steps()).Msg("planner.Node configured")
	return nil
}

// OnActivate waits out the warm-up so dependent services can come up.
func (n *Node) OnActivate(ctx context.Context) error {
	if n.orchestrator() == nil {
		return ErrNotConfigured
	}
	if err := n.deps.Delay(ctx, n.cfg.WarmUp); err != nil {
		return fmt.Errorf("warm-up: %w", err)
	}
	return nil
}

// OnDeactivate drains in-flight goals per the drain policy. A drain that hits
// its deadline aborts the remaining calls and still completes.
func (n *Node) OnDeactivate(ctx context.Context) error {
	n.drain(ctx, n.cfg.DrainPolicy == DrainCancel)
	return nil
}

// OnCleanup releases gateways and discards the orchestrator.
func (n *Node) OnCleanup(ctx context.Context) error {
	return n.release()
}

// OnShutdown cancels whatever is in flight and releases everything.
func (n *Node) OnShutdown(ctx context.Context, from lifecycle.State) error {
	n.drain(ctx, true)
	return n.release()
}

// OnError recovers from ErrorProcessing back to a clean unconfigured node.
func (n *Node) OnError(ctx context.Context, from lifecycle.State) error {
	n.drain(ctx, true)
	return n.release()
}

func (n *Node) drain(ctx context.Context, cancel bool) {
	orch := n.orchestrator()
	if orch == nil {
		return
	}
	drainCtx, stop := context.WithTimeout(ctx, n.cfg.DrainTimeout)
	defer stop()
	if err := orch.Drain(drainCtx, cancel); err != nil {
		log.Warn().Str("node", n.cfg.Name).Err(err).Msg("planner.Node.drain forced")
	}
}

func (n *Node) release() error {
	n.mu.Lock()
	gateways := n.gateways
	n.gateways = nil
	n.orch = nil
	n.mu.Unlock()
	return releaseGateways(gateways)
}

func releaseGateways(gateways []*gateway.Gateway) error {
	var errs []error
	for _, gw := range gateways {
		if err := releaseEndpoint(gw.Name(), gw.Endpoint()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func releaseEndpoint(operation string, ep gateway.Endpoint) error {
	closer, ok := ep.(io.Closer)
	if !ok {
		return nil
	}
	if err := closer.Close(); err != nil {
		log.Warn().Str("operation", operation).Err(err).Msg("planner.Node release endpoint")
		return fmt.Errorf("release %s: %w", operation, err)
	}
	return nil
}
