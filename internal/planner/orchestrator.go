package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/puzzlectl/internal/gateway"
	"github.com/danmuck/puzzlectl/internal/observability"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrRejected     = errors.New("planner: goal rejected")
	ErrNotActive    = errors.New("planner: node not active")
	ErrAtCapacity   = errors.New("planner: goal capacity reached")
	ErrDraining     = errors.New("planner: orchestrator draining")
	ErrGoalNotFound = errors.New("planner: goal not found")
	ErrGoalTerminal = errors.New("planner: goal already terminal")
	ErrDrainAborted = errors.New("planner: drain deadline reached, in-flight calls aborted")
	ErrNilInvoker   = errors.New("planner: nil step invoker")
)

const (
	DefaultMaxInFlight  = 1
	DefaultHistoryLimit = 64

	recordTimeout = 5 * time.Second
)

// Invoker is one step of the goal sequence. *gateway.Gateway satisfies it.
type Invoker interface {
	Name() string
	Invoke(ctx context.Context, request json.RawMessage) gateway.Outcome
}

var _ Invoker = (*gateway.Gateway)(nil)

// Recorder persists terminal results. Failures are logged and never change
// the goal outcome.
type Recorder interface {
	Record(ctx context.Context, r Result) error
}

// Launcher starts one execution task. The default runs it on a new goroutine.
type Launcher func(task func())

func goLauncher(task func()) {
	go task()
}

// GoalResponse is the admission decision for a new goal.
type GoalResponse string

const (
	GoalAccept GoalResponse = "accept"
	GoalReject GoalResponse = "reject"
)

// CancelResponse is the decision for a cancel request.
type CancelResponse string

const (
	CancelAccept CancelResponse = "accept"
	CancelReject CancelResponse = "reject"
)

// OrchestratorConfig tunes admission and retention.
type OrchestratorConfig struct {
	MaxInFlight  int
	HistoryLimit int
	// Admit gates new goals; nil admits whenever capacity allows.
	Admit    func() bool
	Launch   Launcher
	Recorder Recorder
}

func (c OrchestratorConfig) withDefaults() OrchestratorConfig {
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = DefaultMaxInFlight
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
	if c.Launch == nil {
		c.Launch = goLauncher
	}
	return c
}

// Orchestrator executes each accepted goal as the ordered step sequence,
// short-circuiting on the first failure and honoring cancellation between
// steps.
type Orchestrator struct {
	steps []Invoker
	cfg   OrchestratorConfig

	admitMu sync.Mutex
	tasks   sync.WaitGroup

	mu        sync.RWMutex
	active    map[string]*goal
	order     []string
	history   []Result
	draining  bool
	runCtx    context.Context
	cancelRun context.CancelFunc
}

func NewOrchestrator(steps []Invoker, cfg OrchestratorConfig) (*Orchestrator, error) {
	for i, step := range steps {
		if step == nil {
			return nil, fmt.Errorf("%w: index %d", ErrNilInvoker, i)
		}
	}
	runCtx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		steps:     append([]Invoker(nil), steps...),
		cfg:       cfg.withDefaults(),
		active:    make(map[string]*goal),
		history:   make([]Result, 0),
		runCtx:    runCtx,
		cancelRun: cancel,
	}, nil
}

// StepNames returns the configured step order.
func (o *Orchestrator) StepNames() []string {
	out := make([]string, len(o.steps))
	for i, step := range o.steps {
		out[i] = step.Name()
	}
	return out
}

// HandleGoal decides admission for req without side effects. The returned
// error names the rejection reason.
func (o *Orchestrator) HandleGoal(req GoalRequest) (GoalResponse, error) {
	if o.cfg.Admit != nil && !o.cfg.Admit() {
		return GoalReject, ErrNotActive
	}
	if err := req.Validate(); err != nil {
		return GoalReject, err
	}
	o.mu.RLock()
	draining := o.draining
	inFlight := len(o.active)
	o.mu.RUnlock()
	if draining {
		return GoalReject, ErrDraining
	}
	if inFlight >= o.cfg.MaxInFlight {
		return GoalReject, fmt.Errorf("%w: in_flight=%d max=%d", ErrAtCapacity, inFlight, o.cfg.MaxInFlight)
	}
	return GoalAccept, nil
}

// Submit admits req and starts its execution task. Rejections wrap
// ErrRejected together with the reason.
func (o *Orchestrator) Submit(req GoalRequest) (*GoalHandle, error) {
	o.admitMu.Lock()
	defer o.admitMu.Unlock()

	if resp, reason := o.HandleGoal(req); resp != GoalAccept {
		observability.RecordGoalAdmission(false)
		log.Warn().Err(reason).Str("label", req.Label).Msg("planner.Orchestrator.Submit rejected")
		return nil, fmt.Errorf("%w: %w", ErrRejected, reason)
	}

	req.Label = strings.TrimSpace(req.Label)
	g := newGoal(uuid.NewString(), req, len(o.steps))

	o.mu.Lock()
	o.active[g.id] = g
	o.order = append(o.order, g.id)
	runCtx := o.runCtx
	o.tasks.Add(1)
	o.mu.Unlock()

	observability.RecordGoalAdmission(true)
	log.Info().
		Str("goal_id", g.id).
		Str("label", g.req.Label).
		Int("steps", g.totalSteps).
		Msg("planner.Orchestrator.Submit accepted")

	o.cfg.Launch(func() {
		defer o.tasks.Done()
		o.execute(runCtx, g)
	})
	return newHandle(g), nil
}

// HandleCancel decides whether a cancel request for goalID can be honored.
func (o *Orchestrator) HandleCancel(goalID string) (CancelResponse, error) {
	o.mu.RLock()
	g, ok := o.active[goalID]
	o.mu.RUnlock()
	if !ok {
		if _, done := o.findHistory(goalID); done {
			return CancelReject, fmt.Errorf("%w: %s", ErrGoalTerminal, goalID)
		}
		return CancelReject, fmt.Errorf("%w: %s", ErrGoalNotFound, goalID)
	}
	if g.snapshot().Status.IsTerminal() {
		return CancelReject, fmt.Errorf("%w: %s", ErrGoalTerminal, goalID)
	}
	return CancelAccept, nil
}

// Cancel requests cooperative cancellation. The goal stops before its next
// step; a step already in flight runs to completion.
func (o *Orchestrator) Cancel(goalID string) error {
	if resp, err := o.HandleCancel(goalID); resp != CancelAccept {
		return err
	}
	o.mu.RLock()
	g, ok := o.active[goalID]
	o.mu.RUnlock()
	if !ok || !g.requestCancel() {
		return fmt.Errorf("%w: %s", ErrGoalTerminal, goalID)
	}
	log.Info().Str("goal_id", goalID).Msg("planner.Orchestrator.Cancel requested")
	return nil
}

// Status returns the latest snapshot of an active or retained goal.
func (o *Orchestrator) Status(goalID string) (Snapshot, bool) {
	o.mu.RLock()
	g, ok := o.active[goalID]
	o.mu.RUnlock()
	if ok {
		return g.snapshot(), true
	}
	if r, ok := o.findHistory(goalID); ok {
		return snapshotFromResult(r), true
	}
	return Snapshot{}, false
}

// Active returns snapshots of non-terminal goals in admission order.
func (o *Orchestrator) Active() []Snapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]Snapshot, 0, len(o.active))
	for _, id := range o.order {
		if g, ok := o.active[id]; ok {
			out = append(out, g.snapshot())
		}
	}
	return out
}

// InFlight reports how many goals are not yet terminal.
func (o *Orchestrator) InFlight() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.active)
}

// Recent returns up to limit terminal results, oldest first.
func (o *Orchestrator) Recent(limit int) []Result {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if limit <= 0 || limit > len(o.history) {
		limit = len(o.history)
	}
	out := make([]Result, limit)
	copy(out, o.history[len(o.history)-limit:])
	return out
}

// Drain closes admission and waits for every execution task to finish. With
// cancel set, every in-flight goal is asked to stop first. When ctx ends
// before the tasks do, in-flight calls are aborted and ErrDrainAborted is
// returned once the tasks have exited.
func (o *Orchestrator) Drain(ctx context.Context, cancel bool) error {
	o.admitMu.Lock()
	o.mu.Lock()
	o.draining = true
	ids := make([]string, 0, len(o.active))
	for id := range o.active {
		ids = append(ids, id)
	}
	o.mu.Unlock()
	o.admitMu.Unlock()

	defer o.reopen()

	if cancel {
		for _, id := range ids {
			if err := o.Cancel(id); err != nil {
				log.Debug().Str("goal_id", id).Err(err).Msg("planner.Orchestrator.Drain cancel skipped")
			}
		}
	}
	log.Info().Int("in_flight", len(ids)).Bool("cancel", cancel).Msg("planner.Orchestrator.Drain started")

	done := make(chan struct{})
	go func() {
		o.tasks.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("planner.Orchestrator.Drain complete")
		return nil
	case <-ctx.Done():
	}

	o.mu.RLock()
	abort := o.cancelRun
	o.mu.RUnlock()
	abort()
	<-done
	log.Warn().Err(ctx.Err()).Msg("planner.Orchestrator.Drain aborted in-flight calls")
	return fmt.Errorf("%w: %w", ErrDrainAborted, ctx.Err())
}

// reopen re-enables admission after a drain. A fresh run context replaces an
// aborted one so later goals are unaffected.
func (o *Orchestrator) reopen() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.draining = false
	if o.runCtx.Err() != nil {
		o.runCtx, o.cancelRun = context.WithCancel(context.Background())
	}
}

// Reset drops retained history. Active goals are untouched.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.history = o.history[:0]
}

func (o *Orchestrator) execute(ctx context.Context, g *goal) {
	g.begin()

	for _, step := range o.steps {
		if g.shouldStop() {
			o.complete(g, StatusCanceled, "", gateway.KindNone, "canceled before "+step.Name())
			return
		}
		out := step.Invoke(ctx, g.req.Params)
		g.recordStep(StepResult{
			Step:    step.Name(),
			OK:      out.OK,
			Kind:    out.Kind,
			Detail:  out.Detail,
			Payload: out.Payload,
			Elapsed: out.Elapsed,
		})
		if !out.OK {
			o.complete(g, StatusFailed, step.Name(), out.Kind, out.Detail)
			return
		}
		log.Debug().
			Str("goal_id", g.id).
			Str("step", step.Name()).
			Dur("elapsed", out.Elapsed).
			Msg("planner.Orchestrator.execute step ok")
	}
	o.complete(g, StatusSucceeded, "", gateway.KindNone, "")
}

func (o *Orchestrator) complete(g *goal, status GoalStatus, failedStep string, kind gateway.ErrorKind, detail string) {
	result, err := g.finish(status, failedStep, kind, detail)
	if err != nil {
		log.Error().Err(err).Str("goal_id", g.id).Msg("planner.Orchestrator.complete duplicate terminal")
		return
	}
	defer g.deliver()

	o.mu.Lock()
	delete(o.active, g.id)
	o.order = removeID(o.order, g.id)
	o.history = append(o.history, result)
	if over := len(o.history) - o.cfg.HistoryLimit; over > 0 {
		o.history = append(o.history[:0:0], o.history[over:]...)
	}
	o.mu.Unlock()

	observability.RecordGoalResult(string(status))
	evt := log.Info()
	if status == StatusFailed {
		evt = log.Warn()
	}
	evt.
		Str("goal_id", result.GoalID).
		Str("status", string(result.Status)).
		Int("steps_completed", result.StepsCompleted).
		Str("failed_step", result.FailedStep).
		Str("error_kind", string(result.ErrorKind)).
		Msg("planner.Orchestrator goal finished")

	if o.cfg.Recorder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := o.cfg.Recorder.Record(ctx, result); err != nil {
			log.Error().Err(err).Str("goal_id", result.GoalID).Msg("planner.Orchestrator record failed")
		}
	}
}

func (o *Orchestrator) findHistory(goalID string) (Result, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for i := len(o.history) - 1; i >= 0; i-- {
		if o.history[i].GoalID == goalID {
			return o.history[i], true
		}
	}
	return Result{}, false
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
