package session

import (
	"fmt"
	"time"

	"github.com/tridz-dev/lightning-import/internal/config"
)

// retryWithBackoff retries a function up to maxAttempts times with exponential
// backoff. delays: 500ms, 2s, 4.5s
func retryWithBackoff(sessionID string, operation func() error, maxAttempts int, notify func(sessionID, msg string)) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := operation()
		if err == nil {
			if attempt > 1 && notify != nil {
				notify(sessionID, fmt.Sprintf("Operation succeeded on retry %d/%d", attempt, maxAttempts))
			}
			return nil
		}

		lastErr = err

		// Don't sleep after last attempt
		if attempt < maxAttempts {
			backoffDuration := time.Duration(500*attempt*attempt) * time.Millisecond
			if notify != nil {
				notify(sessionID, fmt.Sprintf("Attempt %d/%d failed: %v (retrying in %v)", attempt, maxAttempts, err, backoffDuration))
			}
			config.Log.WithField("session_id", sessionID).Warnf("Retry %d/%d after %v: %v", attempt, maxAttempts, backoffDuration, err)
			time.Sleep(backoffDuration)
		} else {
			if notify != nil {
				notify(sessionID, fmt.Sprintf("All %d attempts failed: %v", maxAttempts, err))
			}
			config.Log.WithField("session_id", sessionID).Errorf("All %d attempts failed: %v", maxAttempts, err)
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", maxAttempts, lastErr)
}
