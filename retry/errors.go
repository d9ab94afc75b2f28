package retry

import "fmt"

// Reason explains why a fetch ended in PermanentFailure.
type Reason int

const (
	// ClientError means the last attempt failed with a 4xx status.
	ClientError Reason = iota + 1
	// Exhausted means the retry budget ran out.
	Exhausted
	// Canceled means the context ended before a successful attempt.
	Canceled
)

func (r Reason) String() string {
	switch r {
	case ClientError:
		return "client_error"
	case Exhausted:
		return "exhausted"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// PermanentError is returned once a fetch must not be retried any more.
type PermanentError struct {
	Attempts int
	Reason   Reason
	Err      error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("fetch failed permanently after %d attempt(s) (%s): %v", e.Attempts, e.Reason, e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// TransientError wraps the failure of a single attempt while further attempts
// may still be made.
type TransientError struct {
	Attempt int
	Err     error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("attempt %d: %v", e.Attempt, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}
