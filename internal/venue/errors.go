package venue

import (
	"errors"
	"fmt"
)

// ErrRateLimited marks transient rate-limit responses. Wrapping it is how a
// venue client opts a call into backoff-and-retry; every other error
// propagates immediately.
var ErrRateLimited = errors.New("rate limited")

// RejectionError is a venue refusing an otherwise well-formed request (bad
// parameters, insufficient margin). Never retried.
type RejectionError struct {
	Venue  string
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("%s rejected request: %s", e.Venue, e.Reason)
}

func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

func IsRejection(err error) bool {
	var rej *RejectionError
	return errors.As(err, &rej)
}
