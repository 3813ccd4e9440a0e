package session

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestRetryWithBackoff tests the retry logic with exponential backoff
func TestRetryWithBackoff(t *testing.T) {
	t.Run("Should succeed on first attempt", func(t *testing.T) {
		attemptCount := 0
		operation := func() error {
			attemptCount++
			return nil
		}

		err := retryWithBackoff("test-session", operation, 3, nil)

		assert.NoError(t, err)
		assert.Equal(t, 1, attemptCount, "Should only attempt once on success")
	})

	t.Run("Should retry up to maxAttempts times", func(t *testing.T) {
		attemptCount := 0
		operation := func() error {
			attemptCount++
			return errors.New("temporary error")
		}

		err := retryWithBackoff("test-session", operation, 3, nil)

		assert.Error(t, err)
		assert.Equal(t, 3, attemptCount, "Should attempt exactly 3 times")
		assert.Contains(t, err.Error(), "failed after 3 attempts")
	})

	t.Run("Should succeed on second attempt", func(t *testing.T) {
		attemptCount := 0
		operation := func() error {
			attemptCount++
			if attemptCount < 2 {
				return errors.New("temporary error")
			}
			return nil
		}

		err := retryWithBackoff("test-session", operation, 3, nil)

		assert.NoError(t, err)
		assert.Equal(t, 2, attemptCount, "Should succeed on second attempt")
	})

	t.Run("Should report progress through the notify callback", func(t *testing.T) {
		notified := []string{}
		attemptCount := 0

		operation := func() error {
			attemptCount++
			if attemptCount < 3 {
				return errors.New("temporary error")
			}
			return nil
		}

		notify := func(sessionID, msg string) {
			notified = append(notified, msg)
		}

		err := retryWithBackoff("test-session", operation, 3, notify)

		assert.NoError(t, err)
		assert.Equal(t, 3, attemptCount)
		assert.Len(t, notified, 3, "Should notify: 2 retry messages + 1 success message")
		assert.Contains(t, notified[0], "Attempt 1/3 failed")
		assert.Contains(t, notified[1], "Attempt 2/3 failed")
		assert.Contains(t, notified[2], "Operation succeeded on retry 3/3")
	})

	t.Run("Should apply exponential backoff delays", func(t *testing.T) {
		attemptCount := 0
		attemptTimes := []time.Time{}

		operation := func() error {
			attemptCount++
			attemptTimes = append(attemptTimes, time.Now())
			if attemptCount < 3 {
				return errors.New("temporary error")
			}
			return nil
		}

		startTime := time.Now()
		err := retryWithBackoff("test-session", operation, 3, nil)
		totalDuration := time.Since(startTime)

		assert.NoError(t, err)
		assert.Equal(t, 3, attemptCount)

		// First backoff: 500ms (500 * 1 * 1)
		// Second backoff: 2000ms (500 * 2 * 2)
		// Total minimum delay: 2500ms
		assert.GreaterOrEqual(t, totalDuration.Milliseconds(), int64(2500),
			"Total duration should be at least 2.5 seconds (500ms + 2000ms)")

		if len(attemptTimes) >= 2 {
			delay1 := attemptTimes[1].Sub(attemptTimes[0])
			assert.GreaterOrEqual(t, delay1.Milliseconds(), int64(500),
				"First retry should wait at least 500ms")
		}

		if len(attemptTimes) >= 3 {
			delay2 := attemptTimes[2].Sub(attemptTimes[1])
			assert.GreaterOrEqual(t, delay2.Milliseconds(), int64(2000),
				"Second retry should wait at least 2000ms")
		}
	})

	t.Run("Should notify when all attempts failed", func(t *testing.T) {
		notified := []string{}
		attemptCount := 0

		operation := func() error {
			attemptCount++
			return errors.New("persistent error")
		}

		notify := func(sessionID, msg string) {
			notified = append(notified, msg)
		}

		err := retryWithBackoff("test-session", operation, 3, notify)

		assert.Error(t, err)
		assert.Equal(t, 3, attemptCount)
		assert.Len(t, notified, 3, "Should notify once per attempt")

		lastMessage := notified[len(notified)-1]
		assert.Contains(t, lastMessage, "All 3 attempts failed")
	})

	t.Run("Should handle nil notify gracefully", func(t *testing.T) {
		attemptCount := 0
		operation := func() error {
			attemptCount++
			if attemptCount < 2 {
				return errors.New("temporary error")
			}
			return nil
		}

		err := retryWithBackoff("test-session", operation, 3, nil)

		assert.NoError(t, err)
		assert.Equal(t, 2, attemptCount)
	})

	t.Run("Should return wrapped error with context", func(t *testing.T) {
		originalError := errors.New("network timeout")
		operation := func() error {
			return originalError
		}

		err := retryWithBackoff("test-session", operation, 3, nil)

		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed after 3 attempts")
		assert.ErrorIs(t, err, originalError, "Should wrap original error")
	})
}
