package txbuild

import (
	"github.com/colorhub/hubd/errcode"
)

// DefaultAttempts is the number of tries builds racing for the same coins
// get.
const DefaultAttempts = 5

// Retry calls f until it succeeds, fails with an error shouldRetry rejects,
// or attempts calls were made. The last error is returned. A nil shouldRetry
// retries errors of retryable kinds.
func Retry[T any](attempts int, shouldRetry func(error) bool,
	f func(attempt int) (T, error)) (T, error) {

	if shouldRetry == nil {
		shouldRetry = errcode.IsRetryable
	}
	if attempts < 1 {
		attempts = 1
	}

	var (
		result T
		err    error
	)
	for attempt := 0; attempt < attempts; attempt++ {
		result, err = f(attempt)
		if err == nil || !shouldRetry(err) {
			return result, err
		}

		log.Debugf("Build attempt %d/%d failed, retrying: %v",
			attempt+1, attempts, err)
	}

	return result, err
}
