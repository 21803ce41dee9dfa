package config

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/danmuck/puzzlectl/internal/remote"
)

// Fixtures maps validated operation entries onto remote fixtures.
func Fixtures(ops []OperationConfig) map[string]remote.Fixture {
	out := make(map[string]remote.Fixture, len(ops))
	for _, op := range ops {
		delay, _ := parseOptionalDuration(op.Delay)
		var payload json.RawMessage
		if resp := strings.TrimSpace(op.Response); resp != "" {
			payload = json.RawMessage(resp)
		}
		out[strings.TrimSpace(op.Name)] = remote.Fixture{
			Payload: payload,
			Delay:   delay,
			Error:   strings.TrimSpace(op.Error),
		}
	}
	return out
}

// IdleTimeoutOr returns the parsed idle timeout, or fallback when unset.
func (c VisionConfig) IdleTimeoutOr(fallback time.Duration) time.Duration {
	d, err := parseOptionalDuration(c.IdleTimeout)
	if err != nil || d == 0 {
		return fallback
	}
	return d
}
