package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/danmuck/puzzlectl/internal/gateway"
)

const maxLabelLen = 128

var (
	ErrInvalidGoal       = errors.New("planner: invalid goal request")
	ErrIllegalTransition = errors.New("planner: illegal goal transition")
)

// GoalStatus is the lifecycle status of one accepted goal.
type GoalStatus string

const (
	StatusPending         GoalStatus = "pending"
	StatusExecuting       GoalStatus = "executing"
	StatusCancelRequested GoalStatus = "cancel_requested"
	StatusSucceeded       GoalStatus = "succeeded"
	StatusFailed          GoalStatus = "failed"
	StatusCanceled        GoalStatus = "canceled"
)

func (s GoalStatus) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

func isAllowedTransition(from, to GoalStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusExecuting || to == StatusCancelRequested
	case StatusExecuting:
		return to == StatusCancelRequested || to == StatusSucceeded || to == StatusFailed
	case StatusCancelRequested:
		return to == StatusCanceled || to == StatusFailed || to == StatusSucceeded
	default:
		return false
	}
}

// GoalRequest is the caller-supplied body of a solve request. Params is
// forwarded untouched to every step.
type GoalRequest struct {
	Label  string          `json:"label,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Validate enforces a printable label and an optional JSON object for params.
func (r GoalRequest) Validate() error {
	if len(r.Label) > maxLabelLen {
		return fmt.Errorf("%w: label longer than %d bytes", ErrInvalidGoal, maxLabelLen)
	}
	for _, c := range r.Label {
		if !unicode.IsPrint(c) {
			return fmt.Errorf("%w: label contains non-printable characters", ErrInvalidGoal)
		}
	}
	raw := strings.TrimSpace(string(r.Params))
	if raw == "" || raw == "null" {
		return nil
	}
	if !json.Valid(r.Params) {
		return fmt.Errorf("%w: params is not valid json", ErrInvalidGoal)
	}
	if !strings.HasPrefix(raw, "{") {
		return fmt.Errorf("%w: params must be a json object", ErrInvalidGoal)
	}
	return nil
}

// StepResult is the recorded outcome of one remote call inside a goal.
type StepResult struct {
	Step    string            `json:"step"`
	OK      bool              `json:"ok"`
	Kind    gateway.ErrorKind `json:"kind,omitempty"`
	Detail  string            `json:"detail,omitempty"`
	Payload json.RawMessage   `json:"payload,omitempty"`
	Elapsed time.Duration     `json:"elapsed_ns"`
}

// Result is the terminal report delivered once per goal.
type Result struct {
	GoalID         string            `json:"goal_id"`
	Label          string            `json:"label,omitempty"`
	Status         GoalStatus        `json:"status"`
	StepsCompleted int               `json:"steps_completed"`
	TotalSteps     int               `json:"total_steps"`
	FailedStep     string            `json:"failed_step,omitempty"`
	ErrorKind      gateway.ErrorKind `json:"error_kind,omitempty"`
	Detail         string            `json:"detail,omitempty"`
	Steps          []StepResult      `json:"steps"`
	AcceptedAt     time.Time         `json:"accepted_at"`
	FinishedAt     time.Time         `json:"finished_at"`
}

// Success mirrors the boolean result of the solve action.
func (r Result) Success() bool {
	return r.Status == StatusSucceeded
}

// Snapshot is a read-only view of a goal at one instant.
type Snapshot struct {
	GoalID          string     `json:"goal_id"`
	Label           string     `json:"label,omitempty"`
	Status          GoalStatus `json:"status"`
	StepsCompleted  int        `json:"steps_completed"`
	TotalSteps      int        `json:"total_steps"`
	CancelRequested bool       `json:"cancel_requested"`
	AcceptedAt      time.Time  `json:"accepted_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	Result          *Result    `json:"result,omitempty"`
}

func snapshotFromResult(r Result) Snapshot {
	out := r
	out.Steps = append([]StepResult(nil), r.Steps...)
	return Snapshot{
		GoalID:          r.GoalID,
		Label:           r.Label,
		Status:          r.Status,
		StepsCompleted:  r.StepsCompleted,
		TotalSteps:      r.TotalSteps,
		CancelRequested: r.Status == StatusCanceled,
		AcceptedAt:      r.AcceptedAt,
		UpdatedAt:       r.FinishedAt,
		Result:          &out,
	}
}

// goal is the orchestrator-owned record. Every field below mu is guarded by it.
type goal struct {
	id         string
	req        GoalRequest
	totalSteps int
	acceptedAt time.Time
	done       chan struct{}

	mu              sync.Mutex
	status          GoalStatus
	cancelRequested bool
	stepsCompleted  int
	steps           []StepResult
	updatedAt       time.Time
	result          Result
}

func newGoal(id string, req GoalRequest, totalSteps int) *goal {
	now := time.Now()
	return &goal{
		id:         id,
		req:        req,
		totalSteps: totalSteps,
		acceptedAt: now,
		done:       make(chan struct{}),
		status:     StatusPending,
		updatedAt:  now,
	}
}

func (g *goal) advanceLocked(to GoalStatus) error {
	if !isAllowedTransition(g.status, to) {
		return fmt.Errorf("%w: goal %s %s -> %s", ErrIllegalTransition, g.id, g.status, to)
	}
	g.status = to
	g.updatedAt = time.Now()
	return nil
}

// begin moves a pending goal to executing. A goal whose cancel arrived while
// pending keeps cancel_requested so the first checkpoint stops it.
func (g *goal) begin() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.status == StatusPending {
		_ = g.advanceLocked(StatusExecuting)
	}
}

// requestCancel sets the cancel flag. It returns false once the goal is terminal.
func (g *goal) requestCancel() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.status.IsTerminal() {
		return false
	}
	g.cancelRequested = true
	if g.status != StatusCancelRequested {
		_ = g.advanceLocked(StatusCancelRequested)
	}
	return true
}

func (g *goal) shouldStop() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cancelRequested
}

func (g *goal) recordStep(step StepResult) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.status.IsTerminal() {
		return
	}
	g.steps = append(g.steps, step)
	if step.OK {
		g.stepsCompleted++
	}
	g.updatedAt = time.Now()
}

// finish assigns the terminal status and result exactly once. Later calls
// fail with ErrIllegalTransition and change nothing. Waiters are released by
// deliver.
func (g *goal) finish(to GoalStatus, failedStep string, kind gateway.ErrorKind, detail string) (Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.status.IsTerminal() {
		return Result{}, fmt.Errorf("%w: goal %s already %s", ErrIllegalTransition, g.id, g.status)
	}
	if err := g.advanceLocked(to); err != nil {
		return Result{}, err
	}
	g.result = Result{
		GoalID:         g.id,
		Label:          g.req.Label,
		Status:         to,
		StepsCompleted: g.stepsCompleted,
		TotalSteps:     g.totalSteps,
		FailedStep:     failedStep,
		ErrorKind:      kind,
		Detail:         detail,
		Steps:          append([]StepResult(nil), g.steps...),
		AcceptedAt:     g.acceptedAt,
		FinishedAt:     g.updatedAt,
	}
	return g.result, nil
}

func (g *goal) deliver() {
	close(g.done)
}

func (g *goal) snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.status.IsTerminal() {
		return snapshotFromResult(g.result)
	}
	return Snapshot{
		GoalID:          g.id,
		Label:           g.req.Label,
		Status:          g.status,
		StepsCompleted:  g.stepsCompleted,
		TotalSteps:      g.totalSteps,
		CancelRequested: g.cancelRequested,
		AcceptedAt:      g.acceptedAt,
		UpdatedAt:       g.updatedAt,
	}
}

func (g *goal) terminalResult() (Result, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.status.IsTerminal() {
		return Result{}, false
	}
	out := g.result
	out.Steps = append([]StepResult(nil), g.result.Steps...)
	return out, true
}

// GoalHandle is the caller's view of one accepted goal.
type GoalHandle struct {
	id     string
	done   <-chan struct{}
	result func() (Result, bool)
	status func() Snapshot
}

func newHandle(g *goal) *GoalHandle {
	return &GoalHandle{
		id:     g.id,
		done:   g.done,
		result: g.terminalResult,
		status: g.snapshot,
	}
}

func (h *GoalHandle) ID() string {
	return h.id
}

// Done is closed when the terminal result is available.
func (h *GoalHandle) Done() <-chan struct{} {
	return h.done
}

// Result returns the terminal result, if reached.
func (h *GoalHandle) Result() (Result, bool) {
	return h.result()
}

func (h *GoalHandle) Status() Snapshot {
	return h.status()
}

// Wait blocks until the goal is terminal or ctx ends.
func (h *GoalHandle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		r, _ := h.result()
		return r, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
