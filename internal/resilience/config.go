package resilience

import (
	"time"

	"github.com/sells-group/transcript-engine/internal/config"
)

// RacerPacing returns the pacing policy applied before every strategy attempt.
func RacerPacing(cfg config.RacerConfig) RetryConfig {
	return PacingConfig(time.Duration(cfg.JitterBaseMs)*time.Millisecond, cfg.JitterFraction)
}

// RacerBreakers returns the per-strategy breaker config. Only failures that
// trip (blocked requests, transient errors) are decided by the caller.
func RacerBreakers(cfg config.RacerConfig, shouldTrip func(error) bool) CircuitBreakerConfig {
	out := DefaultCircuitBreakerConfig()
	if cfg.BreakerThreshold > 0 {
		out.FailureThreshold = cfg.BreakerThreshold
	}
	if cfg.BreakerResetSecs > 0 {
		out.ResetTimeout = time.Duration(cfg.BreakerResetSecs) * time.Second
	}
	out.ShouldTrip = shouldTrip
	return out
}

// WithAttempts returns the default retry policy with the given attempt count.
// Zero or negative keeps the default.
func WithAttempts(attempts int) RetryConfig {
	cfg := DefaultRetryConfig()
	if attempts > 0 {
		cfg.MaxAttempts = attempts
	}
	return cfg
}
