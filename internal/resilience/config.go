package resilience

import (
	"time"

	"github.com/sells-group/regsync/internal/config"
)

// FromFetchConfig builds the retry policy for a source. A positive
// per-source maxRetries overrides the global setting.
func FromFetchConfig(cfg config.FetchConfig, maxRetries int) RetryConfig {
	rc := DefaultRetryConfig()
	if cfg.MaxRetries > 0 {
		rc.MaxAttempts = cfg.MaxRetries
	}
	if maxRetries > 0 {
		rc.MaxAttempts = maxRetries
	}
	if cfg.InitialBackoffMs > 0 {
		rc.InitialBackoff = time.Duration(cfg.InitialBackoffMs) * time.Millisecond
	}
	if cfg.MaxBackoffMs > 0 {
		rc.MaxBackoff = time.Duration(cfg.MaxBackoffMs) * time.Millisecond
	}
	return rc
}

// BreakerConfigFrom builds the circuit breaker policy from fetch settings.
func BreakerConfigFrom(cfg config.FetchConfig) CircuitBreakerConfig {
	bc := DefaultCircuitBreakerConfig()
	if cfg.CircuitFailureThreshold > 0 {
		bc.FailureThreshold = cfg.CircuitFailureThreshold
	}
	if cfg.CircuitResetTimeoutSecs > 0 {
		bc.ResetTimeout = time.Duration(cfg.CircuitResetTimeoutSecs) * time.Second
	}
	return bc
}
