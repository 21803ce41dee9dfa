package planner

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/danmuck/puzzlectl/internal/journal"
)

// JournalRecorder appends terminal results to a goal journal.
type JournalRecorder struct {
	store *journal.Store
}

var _ Recorder = (*JournalRecorder)(nil)

func NewJournalRecorder(store *journal.Store) *JournalRecorder {
	return &JournalRecorder{store: store}
}

func (r *JournalRecorder) Record(ctx context.Context, res Result) error {
	entry, err := entryFromResult(res)
	if err != nil {
		return err
	}
	return r.store.Append(ctx, entry)
}

func entryFromResult(res Result) (journal.Entry, error) {
	steps, err := json.Marshal(res.Steps)
	if err != nil {
		return journal.Entry{}, fmt.Errorf("planner: encode steps: %w", err)
	}
	return journal.Entry{
		GoalID:         res.GoalID,
		Label:          res.Label,
		Status:         string(res.Status),
		StepsCompleted: res.StepsCompleted,
		TotalSteps:     res.TotalSteps,
		FailedStep:     res.FailedStep,
		ErrorKind:      string(res.ErrorKind),
		Detail:         res.Detail,
		Steps:          steps,
		AcceptedAt:     res.AcceptedAt,
		FinishedAt:     res.FinishedAt,
	}, nil
}
