package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusErr int

func (s statusErr) Error() string   { return fmt.Sprintf("status %d", int(s)) }
func (s statusErr) StatusCode() int { return int(s) }

func TestTrackerTransitions(t *testing.T) {
	tr := NewTracker(Policy{MaxRetries: 1, Delay: time.Second})
	assert.Equal(t, NotStarted, tr.State())

	assert.Equal(t, 1, tr.Begin())
	assert.Equal(t, Attempting, tr.State())

	again, delay := tr.Fail(statusErr(503))
	assert.True(t, again)
	assert.Equal(t, time.Second, delay)

	assert.Equal(t, 2, tr.Begin())
	again, _ = tr.Fail(statusErr(503))
	assert.False(t, again)
	assert.Equal(t, PermanentFailure, tr.State())

	var perm *PermanentError
	require.ErrorAs(t, tr.Err(), &perm)
	assert.Equal(t, Exhausted, perm.Reason)
	assert.Equal(t, 2, perm.Attempts)
}

func TestTrackerSuccess(t *testing.T) {
	tr := NewTracker(Policy{})
	tr.Begin()
	tr.Succeed()
	assert.Equal(t, Success, tr.State())
	assert.NoError(t, tr.Err())
}

func TestTrackerClassification(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		retry  bool
		reason Reason
	}{
		{"bad request", statusErr(400), false, ClientError},
		{"not found", statusErr(404), false, ClientError},
		{"upper client bound", statusErr(499), false, ClientError},
		{"wrapped not found", fmt.Errorf("get: %w", statusErr(404)), false, ClientError},
		{"server error", statusErr(500), true, 0},
		{"redirect status", statusErr(399), true, 0},
		{"network error", errors.New("connection reset"), true, 0},
		{"attempt canceled", context.Canceled, true, 0},
		{"attempt timeout", fmt.Errorf("dial: %w", context.DeadlineExceeded), true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTracker(Policy{MaxRetries: 5})
			tr.Begin()
			again, _ := tr.Fail(tt.err)
			assert.Equal(t, tt.retry, again)
			if !tt.retry {
				var perm *PermanentError
				require.ErrorAs(t, tr.Err(), &perm)
				assert.Equal(t, tt.reason, perm.Reason)
			}
		})
	}
}

func TestTrackerCancel(t *testing.T) {
	tr := NewTracker(Policy{MaxRetries: 5})
	tr.Begin()
	tr.Cancel(context.Canceled)

	assert.Equal(t, PermanentFailure, tr.State())
	var perm *PermanentError
	require.ErrorAs(t, tr.Err(), &perm)
	assert.Equal(t, Canceled, perm.Reason)
	assert.Equal(t, 1, perm.Attempts)
}

func TestPolicyClassify(t *testing.T) {
	p := Policy{MaxRetries: 1}
	ctx := context.Background()

	assert.Equal(t, Reason(0), p.Classify(ctx, 1, statusErr(500)))
	assert.Equal(t, Reason(0), p.Classify(ctx, 1, context.DeadlineExceeded))
	assert.Equal(t, Exhausted, p.Classify(ctx, 2, statusErr(500)))
	assert.Equal(t, ClientError, p.Classify(ctx, 1, statusErr(404)))

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	assert.Equal(t, Canceled, p.Classify(canceled, 1, statusErr(500)))
}

func TestDoRetriesAttemptTimeouts(t *testing.T) {
	var attempts []int
	val, n, err := Do(context.Background(), Policy{MaxRetries: 2}, func(ctx context.Context, attempt int) (string, error) {
		attempts = append(attempts, attempt)
		if attempt == 1 {
			attemptCtx, cancel := context.WithTimeout(ctx, time.Millisecond)
			defer cancel()
			<-attemptCtx.Done()
			return "", fmt.Errorf("get: %w", attemptCtx.Err())
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", val)
	assert.Equal(t, 2, n)
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestDoTimeoutsExhaustBudget(t *testing.T) {
	_, n, err := Do(context.Background(), Policy{MaxRetries: 1}, func(context.Context, int) (int, error) {
		return 0, context.DeadlineExceeded
	})

	var perm *PermanentError
	require.ErrorAs(t, err, &perm)
	assert.Equal(t, Exhausted, perm.Reason)
	assert.Equal(t, 2, n)
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	var attempts []int
	val, n, err := Do(context.Background(), Policy{MaxRetries: 2}, func(_ context.Context, attempt int) (string, error) {
		attempts = append(attempts, attempt)
		if attempt < 3 {
			return "", statusErr(500)
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", val)
	assert.Equal(t, 3, n)
	assert.Equal(t, []int{1, 2, 3}, attempts)
}

func TestDoDefaultPolicyIsSingleAttempt(t *testing.T) {
	calls := 0
	_, n, err := Do(context.Background(), Policy{}, func(context.Context, int) (int, error) {
		calls++
		return 0, statusErr(503)
	})

	var perm *PermanentError
	require.ErrorAs(t, err, &perm)
	assert.Equal(t, Exhausted, perm.Reason)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, n)

	// The status is still reachable through the chain.
	var sc StatusCoder
	require.ErrorAs(t, err, &sc)
	assert.Equal(t, 503, sc.StatusCode())
}

func TestDoClientErrorIsNotRetried(t *testing.T) {
	calls := 0
	_, _, err := Do(context.Background(), Policy{MaxRetries: 10}, func(context.Context, int) (int, error) {
		calls++
		return 0, statusErr(404)
	})

	var perm *PermanentError
	require.ErrorAs(t, err, &perm)
	assert.Equal(t, ClientError, perm.Reason)
	assert.Equal(t, 1, calls)
}

func TestDoDelayIsInterruptedByContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	start := time.Now()

	_, _, err := Do(ctx, Policy{MaxRetries: 3, Delay: time.Hour}, func(context.Context, int) (int, error) {
		calls++
		cancel()
		return 0, statusErr(500)
	})

	var perm *PermanentError
	require.ErrorAs(t, err, &perm)
	assert.Equal(t, Canceled, perm.Reason)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
	assert.Less(t, time.Since(start), time.Minute)
}

func TestDoWaitsBetweenAttempts(t *testing.T) {
	var times []time.Time
	_, _, err := Do(context.Background(), Policy{MaxRetries: 1, Delay: 50 * time.Millisecond}, func(context.Context, int) (int, error) {
		times = append(times, time.Now())
		if len(times) == 1 {
			return 0, errors.New("transient")
		}
		return 1, nil
	})

	require.NoError(t, err)
	require.Len(t, times, 2)
	assert.GreaterOrEqual(t, times[1].Sub(times[0]), 50*time.Millisecond)
}

func TestDoCanceledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, n, err := Do(ctx, Policy{}, func(context.Context, int) (int, error) {
		t.Fatal("fn should not be called")
		return 0, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, n)
}
