package resilience

import (
	"time"

	"github.com/sells-group/pageindex/internal/config"
)

// FromRetryConfig converts resilience settings to a RetryConfig. MaxRetries
// counts retries, so the attempt budget is one more.
func FromRetryConfig(cfg config.ResilienceConfig) RetryConfig {
	rc := DefaultRetryConfig()
	if cfg.MaxRetries >= 0 {
		rc.MaxAttempts = cfg.MaxRetries + 1
	}
	if cfg.InitialBackoffMS > 0 {
		rc.InitialBackoff = time.Duration(cfg.InitialBackoffMS) * time.Millisecond
	}
	if cfg.MaxBackoffSecs > 0 {
		rc.MaxBackoff = time.Duration(cfg.MaxBackoffSecs) * time.Second
	}
	return rc
}

// FromCircuitConfig converts resilience settings to a CircuitBreakerConfig
// that logs transitions.
func FromCircuitConfig(cfg config.ResilienceConfig) CircuitBreakerConfig {
	cc := DefaultCircuitBreakerConfig()
	if cfg.FailureThreshold > 0 {
		cc.FailureThreshold = cfg.FailureThreshold
	}
	if cfg.RecoveryTimeoutSecs > 0 {
		cc.ResetTimeout = time.Duration(cfg.RecoveryTimeoutSecs) * time.Second
	}
	if cfg.HalfOpenProbes > 0 {
		cc.HalfOpenMaxProbes = cfg.HalfOpenProbes
	}
	cc.OnStateChange = LogStateChange
	return cc
}
