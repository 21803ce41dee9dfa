package planner

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/puzzlectl/internal/gateway"
	"github.com/danmuck/puzzlectl/internal/testutil/testlog"
)

func TestGoalRequestValidate(t *testing.T) {
	testlog.Start(t)

	ok := []GoalRequest{
		{},
		{Label: "edge piece"},
		{Params: json.RawMessage(`null`)},
		{Params: json.RawMessage(` {"camera":"wrist"}`)},
	}
	for i, req := range ok {
		if err := req.Validate(); err != nil {
			t.Fatalf("case %d: unexpected error: %v", i, err)
		}
	}
	bad := []GoalRequest{
		{Label: strings.Repeat("x", maxLabelLen+1)},
		{Label: "tab\there"},
		{Params: json.RawMessage(`{"open":`)},
		{Params: json.RawMessage(`[1,2]`)},
	}
	for i, req := range bad {
		if err := req.Validate(); !errors.Is(err, ErrInvalidGoal) {
			t.Fatalf("case %d: expected ErrInvalidGoal, got %v", i, err)
		}
	}
}

func TestStatusTransitionTable(t *testing.T) {
	testlog.Start(t)

	allowed := map[GoalStatus][]GoalStatus{
		StatusPending:         {StatusExecuting, StatusCancelRequested},
		StatusExecuting:       {StatusCancelRequested, StatusSucceeded, StatusFailed},
		StatusCancelRequested: {StatusCanceled, StatusFailed, StatusSucceeded},
	}
	all := []GoalStatus{StatusPending, StatusExecuting, StatusCancelRequested, StatusSucceeded, StatusFailed, StatusCanceled}
	for _, from := range all {
		for _, to := range all {
			want := false
			for _, a := range allowed[from] {
				if a == to {
					want = true
				}
			}
			if got := isAllowedTransition(from, to); got != want {
				t.Fatalf("%s -> %s: expected %v, got %v", from, to, want, got)
			}
		}
	}
	for _, s := range []GoalStatus{StatusSucceeded, StatusFailed, StatusCanceled} {
		if !s.IsTerminal() {
			t.Fatalf("%s must be terminal", s)
		}
	}
}

func TestTerminalResultIsDeliveredOnce(t *testing.T) {
	testlog.Start(t)

	g := newGoal("g-1", GoalRequest{Label: "corner"}, 2)
	h := newHandle(g)
	g.begin()
	g.recordStep(StepResult{Step: "a", OK: true})

	first, err := g.finish(StatusSucceeded, "", gateway.KindNone, "")
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if first.StepsCompleted != 1 || first.TotalSteps != 2 || first.Label != "corner" {
		t.Fatalf("unexpected result: %+v", first)
	}

	g.deliver()

	if _, err := g.finish(StatusFailed, "b", gateway.KindRemote, "late"); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected second finish to fail, got %v", err)
	}
	if g.requestCancel() {
		t.Fatalf("cancel must be refused once terminal")
	}
	g.recordStep(StepResult{Step: "b", OK: true})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if got.Status != StatusSucceeded || got.StepsCompleted != 1 || len(got.Steps) != 1 {
		t.Fatalf("terminal result changed after delivery: %+v", got)
	}
	if snap := h.Status(); snap.Status != StatusSucceeded || snap.Result == nil {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestCancelWhilePendingKeepsCancelRequested(t *testing.T) {
	testlog.Start(t)

	g := newGoal("g-2", GoalRequest{}, 1)
	if !g.requestCancel() {
		t.Fatalf("cancel of pending goal should be accepted")
	}
	g.begin()
	if snap := g.snapshot(); snap.Status != StatusCancelRequested || !snap.CancelRequested {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if _, err := g.finish(StatusCanceled, "", gateway.KindNone, ""); err != nil {
		t.Fatalf("finish canceled: %v", err)
	}
}

func TestHandleWaitHonorsContext(t *testing.T) {
	testlog.Start(t)

	h := newHandle(newGoal("g-3", GoalRequest{}, 1))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := h.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if _, ok := h.Result(); ok {
		t.Fatalf("pending goal must not have a result")
	}
}
