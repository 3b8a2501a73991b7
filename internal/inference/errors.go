package inference

import (
	"errors"
	"net/http"

	"github.com/sells-group/pageindex/internal/resilience"
)

// classify marks provider failures that are safe to retry. status is the HTTP
// status reported by the provider SDK, or 0 when unknown.
func classify(err error, status int) error {
	if err == nil {
		return nil
	}
	if resilience.IsTransientHTTPStatus(status) || (status == 0 && resilience.IsTransient(err)) {
		return resilience.NewTransientError(err, status)
	}
	return err
}

// IsRateLimited reports whether err carries a 429 from the provider.
func IsRateLimited(err error) bool {
	var te *resilience.TransientError
	return errors.As(err, &te) && te.StatusCode == http.StatusTooManyRequests
}

// resilienceTransient marks err retryable with no known status.
func resilienceTransient(err error) error {
	return resilience.NewTransientError(err, 0)
}
