package imagecache

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/richardartoul/imagecache/backends"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func populate(t *testing.T, c *Cache, n int, age time.Duration) []string {
	t.Helper()
	urls := make([]string, n)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://images.example.com/%d-%d.png", age, i)
		require.NotNil(t, recv(t, c.ImageForURL(context.Background(), urls[i])))
		if age > 0 {
			old := time.Now().Add(-age)
			require.NoError(t, os.Chtimes(entryPath(c, urls[i]), old, old))
		}
	}
	return urls
}

func TestSweepExpired(t *testing.T) {
	c := newTestCache(t, Config{FileExpirationInterval: -time.Hour}, WithFetcher(serve(pngBytes(t, 2, 2))))

	stale := populate(t, c, 4, 2*time.Hour)
	fresh := populate(t, c, 3, 0)

	out := recv(t, c.SweepExpired(context.Background()))
	require.NoError(t, out.Err)
	assert.True(t, out.Complete)
	assert.Equal(t, 4, out.Removed)
	assert.Equal(t, 7, out.Scanned)

	for _, url := range stale {
		_, err := os.Stat(entryPath(c, url))
		assert.True(t, os.IsNotExist(err))
	}
	for _, url := range fresh {
		_, err := os.Stat(entryPath(c, url))
		assert.NoError(t, err)
	}

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Sweeps)
	assert.Equal(t, int64(4), stats.SweptEntries)
	assert.Positive(t, stats.SweptBytes)
}

func TestStaleEntryIsRefetched(t *testing.T) {
	fetcher := serve(pngBytes(t, 2, 2))
	c := newTestCache(t, Config{FileExpirationInterval: -time.Hour}, WithFetcher(fetcher))

	urls := populate(t, c, 1, 2*time.Hour)
	r := recv(t, c.Load(context.Background(), urls[0]))
	require.NoError(t, r.Err)
	assert.Equal(t, SourceNetwork, r.Source)
	assert.Equal(t, int32(2), fetcher.calls.Load())
}

func TestOnBackgroundEnterStopsWhenBudgetRunsOut(t *testing.T) {
	c := newTestCache(t, Config{FileExpirationInterval: -time.Hour}, WithFetcher(serve(pngBytes(t, 2, 2))))
	populate(t, c, 3, 2*time.Hour)

	exhausted := ExtenderFunc(func(ctx context.Context) (context.Context, context.CancelFunc) {
		ctx, cancel := context.WithCancel(ctx)
		cancel()
		return ctx, cancel
	})

	out := recv(t, c.OnBackgroundEnter(exhausted))
	assert.ErrorIs(t, out.Err, context.Canceled)
	assert.False(t, out.Complete)
	assert.Equal(t, 0, out.Removed)

	// The next trigger finishes the job.
	out = recv(t, c.OnBackgroundEnter(Budget(time.Minute)))
	require.NoError(t, out.Err)
	assert.True(t, out.Complete)
	assert.Equal(t, 3, out.Removed)
}

func TestBudget(t *testing.T) {
	ctx, cancel := Budget(time.Millisecond).Extend(context.Background())
	defer cancel()
	<-ctx.Done()
	assert.ErrorIs(t, ctx.Err(), context.DeadlineExceeded)

	ctx, cancel = Budget(0).Extend(context.Background())
	_, hasDeadline := ctx.Deadline()
	assert.False(t, hasDeadline)
	cancel()
}

func TestSweepAfterClose(t *testing.T) {
	c, err := New(Config{CacheDir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, c.Close())

	out := recv(t, c.SweepExpired(context.Background()))
	assert.ErrorIs(t, out.Err, ErrClosed)
}

// blockingSweeper holds every sweep until release is closed.
type blockingSweeper struct {
	backends.Store
	started chan struct{}
	release chan struct{}
}

func newBlockingSweeper(t *testing.T) *blockingSweeper {
	t.Helper()
	disk, err := backends.NewDisk(t.TempDir(), backends.DiskOptions{})
	require.NoError(t, err)
	return &blockingSweeper{
		Store:   disk,
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
}

func (s *blockingSweeper) SweepExpired(ctx context.Context) (backends.SweepResult, error) {
	s.started <- struct{}{}
	<-s.release
	if ctx.Err() != nil {
		return backends.SweepResult{}, context.Cause(ctx)
	}
	return backends.SweepResult{Complete: true}, nil
}

func sweepHolders(c *Cache) int {
	c.sweepMu.Lock()
	defer c.sweepMu.Unlock()
	if c.sweepRun == nil {
		return 0
	}
	return c.sweepRun.holders
}

func TestSharedSweepOutlivesFirstTrigger(t *testing.T) {
	store := newBlockingSweeper(t)
	c := newTestCache(t, Config{}, WithStore(store))

	first, cancelFirst := context.WithCancel(context.Background())
	a := c.SweepExpired(first)
	<-store.started

	second, cancelSecond := context.WithTimeout(context.Background(), time.Minute)
	defer cancelSecond()
	b := c.SweepExpired(second)
	require.Equal(t, 2, sweepHolders(c))

	// The first trigger goes away; the second still needs the sweep.
	cancelFirst()
	require.Eventually(t, func() bool { return sweepHolders(c) == 1 }, waitFor, time.Millisecond)
	close(store.release)

	for _, ch := range []<-chan SweepOutcome{a, b} {
		out := recv(t, ch)
		require.NoError(t, out.Err)
		assert.True(t, out.Complete)
	}
	assert.Equal(t, 0, sweepHolders(c))
}

func TestSharedSweepStopsWhenEveryTriggerEnds(t *testing.T) {
	store := newBlockingSweeper(t)
	c := newTestCache(t, Config{}, WithStore(store))

	first, cancelFirst := context.WithCancel(context.Background())
	a := c.SweepExpired(first)
	<-store.started

	second, cancelSecond := context.WithCancelCause(context.Background())
	defer cancelSecond(nil)
	b := c.SweepExpired(second)

	cancelFirst()
	require.Eventually(t, func() bool { return sweepHolders(c) == 1 }, waitFor, time.Millisecond)
	cancelSecond(context.DeadlineExceeded)
	require.Eventually(t, func() bool { return sweepHolders(c) == 0 }, waitFor, time.Millisecond)
	close(store.release)

	// The last trigger to end decides why the sweep stopped.
	out := recv(t, a)
	assert.ErrorIs(t, out.Err, context.DeadlineExceeded)
	assert.False(t, out.Complete)
	assert.ErrorIs(t, recv(t, b).Err, context.DeadlineExceeded)
}
