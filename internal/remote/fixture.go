package remote

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Fixture is a canned reply for one operation.
type Fixture struct {
	Payload json.RawMessage
	Delay   time.Duration
	Error   string
}

// FixtureHandler replies with f after f.Delay, or fails with f.Error.
func FixtureHandler(f Fixture) Handler {
	payload := append(json.RawMessage(nil), f.Payload...)
	return func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		if f.Delay > 0 {
			timer := time.NewTimer(f.Delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if f.Error != "" {
			return nil, errors.New(f.Error)
		}
		return payload, nil
	}
}
