// Package retry implements the retry state machine used for remote fetches.
//
// A fetch starts in NotStarted, moves to Attempting(1) when first issued and
// ends in Success or PermanentFailure. Failures carrying a client-error status
// (400-499) are permanent straight away; any other failure, timeouts included,
// is retried after Policy.Delay while the attempt number is at most
// Policy.MaxRetries. Only the end of the context driving the fetch cancels it.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// State is the state of a Tracker.
type State int

const (
	NotStarted State = iota
	Attempting
	Success
	PermanentFailure
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Attempting:
		return "attempting"
	case Success:
		return "success"
	case PermanentFailure:
		return "permanent_failure"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Policy configures retries. The zero value makes exactly one attempt.
type Policy struct {
	// MaxRetries is the number of attempts allowed after the first one.
	MaxRetries int
	// Delay is the wait between a failed attempt and the next one.
	Delay time.Duration
}

// Classify reports how a fetch ends after attempt failed with err. A zero
// Reason means another attempt follows.
func (p Policy) Classify(ctx context.Context, attempt int, err error) Reason {
	if ctx.Err() != nil {
		return Canceled
	}
	return p.classify(attempt, err)
}

func (p Policy) classify(attempt int, err error) Reason {
	switch {
	case IsClientError(err):
		return ClientError
	case attempt > p.MaxRetries:
		return Exhausted
	default:
		return 0
	}
}

// StatusCoder is implemented by errors that carry an HTTP-like status.
type StatusCoder interface {
	StatusCode() int
}

// IsClientError reports whether err carries a status in the 400-499 range.
func IsClientError(err error) bool {
	var sc StatusCoder
	if !errors.As(err, &sc) {
		return false
	}
	code := sc.StatusCode()
	return code >= 400 && code <= 499
}

// Tracker is the per-fetch retry state machine. It is not safe for
// concurrent use; one fetch owns one Tracker.
type Tracker struct {
	policy  Policy
	state   State
	attempt int
	reason  Reason
	lastErr error
}

// NewTracker returns a Tracker in the NotStarted state.
func NewTracker(policy Policy) *Tracker {
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.Delay < 0 {
		policy.Delay = 0
	}
	return &Tracker{policy: policy}
}

// State returns the current state.
func (t *Tracker) State() State {
	return t.state
}

// Attempt returns the number of the current (or last) attempt.
func (t *Tracker) Attempt() int {
	return t.attempt
}

// Begin moves the tracker to Attempting(n+1) and returns the new attempt number.
func (t *Tracker) Begin() int {
	t.attempt++
	t.state = Attempting
	return t.attempt
}

// Succeed records a successful attempt.
func (t *Tracker) Succeed() {
	t.state = Success
	t.lastErr = nil
}

// Fail records a failed attempt and reports whether another attempt should
// be made, and after what delay. Context errors from the attempt itself, such
// as a per-request timeout, are retried like any other failure.
func (t *Tracker) Fail(err error) (bool, time.Duration) {
	t.lastErr = err
	if reason := t.policy.classify(t.attempt, err); reason != 0 {
		t.state, t.reason = PermanentFailure, reason
		return false, 0
	}
	return true, t.policy.Delay
}

// Cancel ends the tracker because the context driving it is done.
func (t *Tracker) Cancel(err error) {
	t.lastErr = err
	t.state, t.reason = PermanentFailure, Canceled
}

// Err returns the error that ended the tracker in PermanentFailure, or nil.
func (t *Tracker) Err() error {
	if t.state != PermanentFailure {
		return nil
	}
	return &PermanentError{Attempts: t.attempt, Reason: t.reason, Err: t.lastErr}
}

// Do runs fn under policy until it succeeds or fails permanently. The attempt
// number (starting at 1) is passed to fn. The wait between attempts is
// interrupted when ctx is done. The returned int is the number of attempts
// made. Any error returned is a *PermanentError.
func Do[T any](ctx context.Context, policy Policy, fn func(ctx context.Context, attempt int) (T, error)) (T, int, error) {
	var zero T
	t := NewTracker(policy)

	for {
		if err := ctx.Err(); err != nil {
			t.Cancel(err)
			return zero, t.attempt, t.Err()
		}

		attempt := t.Begin()
		val, err := fn(ctx, attempt)
		if err == nil {
			t.Succeed()
			return val, attempt, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			t.Cancel(fmt.Errorf("%w: %w", ctxErr, &TransientError{Attempt: attempt, Err: err}))
			return zero, attempt, t.Err()
		}

		again, delay := t.Fail(&TransientError{Attempt: attempt, Err: err})
		if !again {
			return zero, attempt, t.Err()
		}

		if err := wait(ctx, delay); err != nil {
			t.Cancel(err)
			return zero, attempt, t.Err()
		}
	}
}

func wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
