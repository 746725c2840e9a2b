package transport

import (
	"errors"
	"fmt"
	"time"
)

// RateLimitedError is returned when the platform asks us to slow down.
// RetryAfter is the minimum wait the platform demanded (0 if unspecified).
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited: retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

// PermanentSendError marks a target that will never accept this send:
// the user blocked the bot, the account is deactivated, the chat is gone.
// Retrying is pointless.
type PermanentSendError struct {
	Reason string
}

func (e *PermanentSendError) Error() string {
	return "permanent send failure: " + e.Reason
}

// IsRateLimited reports whether err carries a rate-limit signal,
// returning the demanded wait when it does.
func IsRateLimited(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}

// IsPermanent reports whether err is a terminal, non-retryable send failure.
func IsPermanent(err error) bool {
	var pe *PermanentSendError
	return errors.As(err, &pe)
}
