package remote

import (
	"math"
	"math/rand"
	"time"
)

// BackoffConfig shapes the delay between readiness probes.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 20 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     250 * time.Millisecond,
		Jitter:       true,
	}
}

// NextProbeDelay returns the wait before probe attempt N (1-based).
func NextProbeDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	mult := cfg.Multiplier
	if mult < 1.0 {
		mult = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter && rng != nil {
		delay *= 0.5 + rng.Float64()/2
	}
	return time.Duration(delay)
}
