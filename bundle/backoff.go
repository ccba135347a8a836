package bundle

import "time"

// BackoffInitial and BackoffCap bound the replay/retry policy:
// exponential backoff starting at 1s, capped at 5min, reset on success.
const (
	BackoffInitial = time.Second
	BackoffCap     = 5 * time.Minute
)

// DefaultRetryBudget is the default per-bundle retry cap before a
// transient failure is forced to FAILED permanently.
const DefaultRetryBudget = 32

// NextBackoff computes the delay before the (attempt+1)-th retry, where
// attempt is the number of retries already made (0 for the first
// retry). The result is always capped at BackoffCap.
func NextBackoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := BackoffInitial
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= BackoffCap {
			return BackoffCap
		}
	}
	return d
}
