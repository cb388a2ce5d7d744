package backoff

import (
	"time"

	"fieldsync/internal/models"
)

// Base is the delay before the first retry; each further retry doubles it.
const Base = 30 * time.Second

// Delay returns the wait before the retry that would move an item past the
// given retry count: 30s, 60s, 120s, 240s, 480s for counts 0..4. Counts past
// the terminal threshold are clamped so the result stays bounded.
func Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount >= models.MaxRetryCount {
		retryCount = models.MaxRetryCount - 1
	}
	return Base << uint(retryCount)
}

// IsTerminal reports whether the item has exhausted its automatic retries.
func IsTerminal(retryCount int) bool {
	return retryCount >= models.MaxRetryCount
}

// Due reports whether an item is eligible for another attempt at now, given
// when it was last attempted. Items never attempted are always due. An item
// whose first attempt failed (retryCount 1) waits Delay(0), its second
// Delay(1), and so on.
func Due(lastAttemptAt *time.Time, retryCount int, now time.Time) bool {
	if lastAttemptAt == nil {
		return true
	}
	return !now.Before(lastAttemptAt.Add(Delay(retryCount - 1)))
}
