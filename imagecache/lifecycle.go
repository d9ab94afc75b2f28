package imagecache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/richardartoul/imagecache/backends"
)

// SweepOutcome is the result of an expiration sweep.
type SweepOutcome struct {
	backends.SweepResult
	// Shared reports whether the sweep was started by another trigger.
	Shared bool
	Err    error
}

// Extender grants the extended execution budget a host allows for
// background work. The returned context ends when the budget runs out.
type Extender interface {
	Extend(ctx context.Context) (context.Context, context.CancelFunc)
}

// ExtenderFunc adapts an ordinary function to the Extender interface.
type ExtenderFunc func(ctx context.Context) (context.Context, context.CancelFunc)

// Extend calls f(ctx).
func (f ExtenderFunc) Extend(ctx context.Context) (context.Context, context.CancelFunc) {
	return f(ctx)
}

// Budget is an Extender granting a fixed amount of time. A non-positive
// budget is unlimited.
type Budget time.Duration

// Extend implements Extender.
func (b Budget) Extend(ctx context.Context) (context.Context, context.CancelFunc) {
	if b <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, time.Duration(b))
}

// SweepExpired deletes expired entries in the background. When ctx ends
// before the sweep is done it stops early; the entries it did not reach are
// removed by a later sweep. Triggers arriving while a sweep runs share it,
// and the shared sweep runs until the last of their contexts ends.
func (c *Cache) SweepExpired(ctx context.Context) <-chan SweepOutcome {
	ch := make(chan SweepOutcome, 1)
	if !c.track() {
		ch <- SweepOutcome{Err: ErrClosed}
		return ch
	}

	c.sweepMu.Lock()
	run := c.sweepRun
	if run == nil {
		// Close stops a sweep as well as its triggers.
		runCtx, cancel := context.WithCancelCause(c.ctx)
		run = &sweepRun{ctx: runCtx, cancel: cancel}
		c.sweepRun = run
	}
	run.holders++
	held := ctx.Err() == nil
	if !held {
		// A trigger that is already done only waits for the result.
		c.release(run, context.Cause(ctx))
	}
	results := c.sweeps.DoChan("sweep", func() (interface{}, error) {
		defer c.endSweep(run)
		return c.sweep(run.ctx)
	})
	c.sweepMu.Unlock()

	leave := func(error) {}
	stop := func() bool { return false }
	if held {
		var once sync.Once
		leave = func(cause error) {
			once.Do(func() { c.leaveSweep(run, cause) })
		}
		stop = context.AfterFunc(ctx, func() { leave(context.Cause(ctx)) })
	}

	go func() {
		defer c.wg.Done()

		res := <-results
		stop()
		leave(context.Canceled)

		out := SweepOutcome{Shared: res.Shared, Err: res.Err}
		if r, ok := res.Val.(backends.SweepResult); ok {
			out.SweepResult = r
		}
		ch <- out
	}()
	return ch
}

// sweepRun is the context of one shared sweep. It ends when every trigger
// holding it has let go, or when the cache closes.
type sweepRun struct {
	ctx     context.Context
	cancel  context.CancelCauseFunc
	holders int
}

func (c *Cache) leaveSweep(run *sweepRun, cause error) {
	c.sweepMu.Lock()
	defer c.sweepMu.Unlock()
	c.release(run, cause)
}

// release drops one hold on run. sweepMu must be held.
func (c *Cache) release(run *sweepRun, cause error) {
	run.holders--
	if run.holders > 0 {
		return
	}
	run.cancel(cause)
	if c.sweepRun == run {
		c.sweepRun = nil
	}
}

// endSweep detaches run once its sweep returned, so the next trigger starts
// a fresh one.
func (c *Cache) endSweep(run *sweepRun) {
	c.sweepMu.Lock()
	defer c.sweepMu.Unlock()
	if c.sweepRun == run {
		c.sweepRun = nil
	}
}

func (c *Cache) sweep(ctx context.Context) (backends.SweepResult, error) {
	result, err := c.store.SweepExpired(ctx)
	if errors.Is(err, backends.ErrSweepInProgress) {
		c.log.Debug().Msg("sweep already running in another process")
		return result, err
	}

	c.stats.sweeps.Add(1)
	c.stats.sweptEntries.Add(int64(result.Removed))
	c.stats.sweptBytes.Add(result.Bytes)
	c.metrics.RecordSweep(result.Removed, result.Bytes, result.Complete)

	if result.Failed > 0 {
		c.stats.storageErrors.Add(int64(result.Failed))
		c.metrics.RecordStorageError("sweep")
	}

	event := c.log.Info()
	if err != nil {
		event = c.log.Warn().Err(err)
	}
	event.
		Int("scanned", result.Scanned).
		Int("removed", result.Removed).
		Int64("bytes", result.Bytes).
		Bool("complete", result.Complete).
		Dur("duration", result.Duration).
		Msg("expiration sweep")

	return result, err
}

// OnBackgroundEnter is the lifecycle trigger run when the host moves the
// process to the background: it asks ext for extended execution time and
// sweeps expired entries within it.
func (c *Cache) OnBackgroundEnter(ext Extender) <-chan SweepOutcome {
	if ext == nil {
		ext = Budget(0)
	}
	ctx, cancel := ext.Extend(context.Background())

	out := make(chan SweepOutcome, 1)
	sweep := c.SweepExpired(ctx)
	go func() {
		defer cancel()
		out <- <-sweep
	}()
	return out
}
