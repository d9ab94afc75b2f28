// Package imagecache is a disk-persisted cache of remotely fetched images.
//
// Concurrent requests for the same URL share one fetch, fetched bytes are
// persisted under the cache directory (one file per URL), entries expire by
// modification time and transient fetch failures are retried.
package imagecache

import (
	"context"
	"errors"
	"image"
	"sync"
	"time"

	"github.com/richardartoul/imagecache/backends"
	"github.com/richardartoul/imagecache/dedupe"
	"github.com/richardartoul/imagecache/fetch"
	"github.com/richardartoul/imagecache/metrics"
	"github.com/richardartoul/imagecache/retry"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Source tells where a delivered image came from.
type Source int

const (
	SourceNone Source = iota
	SourceDisk
	SourceNetwork
)

func (s Source) String() string {
	switch s {
	case SourceDisk:
		return "disk"
	case SourceNetwork:
		return "network"
	default:
		return "none"
	}
}

// Result is delivered once per Load call.
type Result struct {
	URL    string
	Image  image.Image
	Format string
	// Data holds the raw (uncompressed) bytes the image was decoded from.
	Data   []byte
	Source Source
	// Shared reports whether the result was also delivered to other callers.
	Shared bool
	// Attempts is the number of fetch attempts made, zero for disk hits.
	Attempts int
	Err      error
}

// payload is what one producer run yields; it is shared by every waiter.
type payload struct {
	img      image.Image
	format   string
	data     []byte
	source   Source
	attempts int
}

// Option configures a Cache.
type Option func(*Cache)

// WithFetcher sets the client used to fetch missing resources.
func WithFetcher(f fetch.Client) Option {
	return func(c *Cache) { c.fetcher = f }
}

// WithCodec sets the image codec.
func WithCodec(codec Codec) Option {
	return func(c *Cache) { c.codec = codec }
}

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Cache) { c.log = log }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m metrics.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// WithStore replaces the disk store built from Config.
func WithStore(s backends.Store) Option {
	return func(c *Cache) { c.store = s }
}

// WithoutCoalescing makes every request run its own fetch.
func WithoutCoalescing() Option {
	return func(c *Cache) { c.group = dedupe.NewNoOp[*payload]() }
}

// Cache is the image cache service. All methods are safe for concurrent use
// and none of them block the caller: results are delivered asynchronously.
type Cache struct {
	cfg     Config
	policy  retry.Policy
	store   backends.Store
	fetcher fetch.Client
	codec   Codec
	group   dedupe.Group[*payload]
	sweeps  singleflight.Group
	log     zerolog.Logger
	metrics metrics.Metrics
	stats   *stats

	// ctx is canceled by Close; producers and sweeps run under it.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	sweepMu  sync.Mutex
	sweepRun *sweepRun
}

// New creates a Cache.
func New(cfg Config, opts ...Option) (*Cache, error) {
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}

	c := &Cache{
		cfg: cfg,
		policy: retry.Policy{
			MaxRetries: cfg.MaxNumberOfRetries,
			Delay:      cfg.RetryDelay,
		},
		codec:   StdCodec{},
		log:     zerolog.Nop(),
		metrics: metrics.Nop{},
		stats:   newStats(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With().Str("component", "imagecache").Logger()

	if c.group == nil {
		c.group = dedupe.NewCoalescer[*payload]()
	}
	if c.fetcher == nil {
		c.fetcher = fetch.Default(cfg.MaxImageBytes)
	}
	if c.store == nil {
		disk, err := backends.NewDisk(cfg.CacheDir, backends.DiskOptions{
			Expiration: cfg.FileExpirationInterval,
			Compress:   cfg.Compress,
			Logger:     c.log,
		})
		if err != nil {
			return nil, err
		}
		c.store = disk
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c, nil
}

// Config returns the normalized configuration.
func (c *Cache) Config() Config {
	return c.cfg
}

// Load delivers the image for url on the returned channel. It is served from
// disk when a fresh entry exists and fetched otherwise; concurrent loads of
// the same url share one fetch. The result carries an error, and no image,
// when the resource cannot be obtained. If ctx ends first the caller is
// detached and receives ctx's error; the fetch itself continues.
func (c *Cache) Load(ctx context.Context, url string) <-chan Result {
	ch := make(chan Result, 1)
	c.LoadFunc(ctx, url, func(r Result) { ch <- r })
	return ch
}

// LoadFunc is like Load but calls deliver with the result. Callers attached
// to the same fetch are delivered to in the order they called LoadFunc.
func (c *Cache) LoadFunc(ctx context.Context, url string, deliver func(Result)) {
	key := backends.KeyFor(url)
	c.group.DoFunc(ctx, string(key), func() (*payload, error) {
		return c.produce(url, key)
	}, func(r dedupe.Result[*payload]) {
		res := toResult(url, r)
		c.record(res)
		deliver(res)
	})
}

// ImageForURL delivers the decoded image for url, or nil when it cannot be
// obtained.
func (c *Cache) ImageForURL(ctx context.Context, url string) <-chan image.Image {
	ch := make(chan image.Image, 1)
	c.LoadFunc(ctx, url, func(r Result) { ch <- r.Image })
	return ch
}

// ImageForURLFunc calls completion with the decoded image for url, or with
// nil when it cannot be obtained. completion runs on a cache goroutine.
func (c *Cache) ImageForURLFunc(url string, completion func(image.Image)) {
	c.LoadFunc(context.Background(), url, func(r Result) { completion(r.Image) })
}

// ClearAllData removes every cached entry. Fetches in flight are unaffected
// and their writes may land after the clear.
func (c *Cache) ClearAllData() <-chan error {
	ch := make(chan error, 1)
	if !c.track() {
		ch <- ErrClosed
		return ch
	}

	go func() {
		defer c.wg.Done()
		err := c.store.Clear(c.ctx)
		if err != nil {
			c.stats.storageErrors.Add(1)
			c.metrics.RecordStorageError("clear")
			c.log.Error().Err(err).Msg("failed to clear cache")
		} else {
			c.stats.clears.Add(1)
			c.log.Info().Msg("cache cleared")
		}
		ch <- err
	}()
	return ch
}

// Stats returns a snapshot of cache activity.
func (c *Cache) Stats() Stats {
	return c.stats.snapshot()
}

// Close cancels fetches, retry waits and sweeps in flight, waits for them to
// return and closes the store. Waiters of canceled fetches receive an error.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	return c.store.Close()
}

// track registers a background operation; it fails once Close has begun.
func (c *Cache) track() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.wg.Add(1)
	return true
}

// produce obtains the image for url. It runs at most once per key at a time.
func (c *Cache) produce(url string, key backends.Key) (*payload, error) {
	if !c.track() {
		return nil, ErrClosed
	}
	defer c.wg.Done()

	log := c.log.With().Str("url", url).Str("key", key.Short()).Logger()

	// A caller that missed a resolution by a hair finds the entry here
	// instead of fetching again.
	if p, ok := c.fromDisk(c.ctx, log, url, key); ok {
		return p, nil
	}

	data, attempts, err := retry.Do(c.ctx, c.policy, func(ctx context.Context, attempt int) ([]byte, error) {
		start := time.Now()
		data, err := c.fetcher.Fetch(ctx, url)
		elapsed := time.Since(start)
		c.stats.recordFetch(elapsed, len(data), err)

		if err != nil {
			outcome := "retry"
			if c.policy.Classify(ctx, attempt, err) != 0 {
				outcome = "failure"
			}
			c.metrics.RecordFetch(outcome, elapsed.Seconds())
			log.Debug().Err(err).Int("attempt", attempt).Dur("duration", elapsed).Msg("fetch attempt failed")
			return nil, err
		}

		c.metrics.RecordFetch("success", elapsed.Seconds())
		log.Debug().Int("attempt", attempt).Int("size", len(data)).Dur("duration", elapsed).Msg("fetched")
		return data, nil
	})
	if err != nil {
		log.Warn().Err(err).Int("attempts", attempts).Msg("fetch failed")
		return nil, err
	}

	img, format, err := c.codec.Decode(data)
	if err != nil {
		// Corrupt bytes are never persisted.
		log.Warn().Err(err).Int("size", len(data)).Msg("fetched data is not a valid image")
		return nil, &DecodeError{URL: url, Source: SourceNetwork, Err: err}
	}

	if _, err := c.store.Put(c.ctx, key, data); err != nil {
		c.stats.storageErrors.Add(1)
		c.metrics.RecordStorageError("write")
		log.Warn().Err(err).Msg("failed to persist image")
	}

	return &payload{img: img, format: format, data: data, source: SourceNetwork, attempts: attempts}, nil
}

// fromDisk reads and decodes the entry for key. Read failures count as a
// miss, and a corrupt entry is removed so the caller fetches it again.
func (c *Cache) fromDisk(ctx context.Context, log zerolog.Logger, url string, key backends.Key) (*payload, bool) {
	entry, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.stats.storageErrors.Add(1)
		c.metrics.RecordStorageError("read")
		log.Warn().Err(err).Msg("failed to read cache entry, fetching instead")
		return nil, false
	}
	if !ok {
		return nil, false
	}

	img, format, err := c.codec.Decode(entry.Data)
	if err != nil {
		c.stats.corruptEntries.Add(1)
		log.Warn().Err(&DecodeError{URL: url, Source: SourceDisk, Err: err}).Msg("removing corrupt cache entry")
		if err := c.store.Remove(ctx, key); err != nil {
			c.stats.storageErrors.Add(1)
			c.metrics.RecordStorageError("delete")
			log.Warn().Err(err).Msg("failed to remove corrupt cache entry")
		}
		return nil, false
	}

	return &payload{img: img, format: format, data: entry.Data, source: SourceDisk}, true
}

func (c *Cache) record(r Result) {
	c.stats.recordResult(r)

	label := r.Source.String()
	switch {
	case r.Err != nil:
		label = "failed"
	case r.Shared && r.Source == SourceNetwork:
		label = "shared"
	}
	c.metrics.RecordRequest(label)
}

func toResult(url string, r dedupe.Result[*payload]) Result {
	res := Result{URL: url, Shared: r.Shared, Err: r.Err}
	if r.Err != nil {
		var perm *retry.PermanentError
		if errors.As(r.Err, &perm) {
			res.Attempts = perm.Attempts
		}
		return res
	}

	p := r.Val
	res.Image = p.img
	res.Format = p.format
	res.Data = p.data
	res.Source = p.source
	res.Attempts = p.attempts
	return res
}
