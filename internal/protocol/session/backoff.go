package session

import (
	"math"
	"math/rand"
	"time"
)

// NewBackoffRand returns the jitter source for one retry loop. Dial and the
// server accept loop each own one, so no locking is needed.
func NewBackoffRand() *rand.Rand {
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}

// NextBackoffDelay is the wait before retry number attempt (1-based): a dial
// retry after the attempt-th failed connect, or the server's pause after
// its attempt-th consecutive accept error.
//
// The first retry waits InitialDelay exactly. Later ones grow by Multiplier
// up to MaxDelay. With Jitter the grown delay is scaled by a factor in
// [0.5, 1.5) drawn from rng (a fixed 0.5 when rng is nil) and clamped to
// MaxDelay again.
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 1 {
		return cfg.InitialDelay
	}
	if cfg.InitialDelay <= 0 {
		return 0
	}
	growth := math.Max(cfg.Multiplier, 1)
	delay := float64(cfg.InitialDelay) * math.Pow(growth, float64(attempt-1))
	if cfg.Jitter {
		factor := 0.5
		if rng != nil {
			factor += rng.Float64()
		}
		delay *= factor
	}
	if limit := float64(cfg.MaxDelay); limit > 0 && delay > limit {
		delay = limit
	}
	return time.Duration(delay)
}
