package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/richardartoul/imagecache/backends"
	"github.com/richardartoul/imagecache/config"
	"github.com/richardartoul/imagecache/fetch"
	"github.com/richardartoul/imagecache/imagecache"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	requestIDHeader = "X-Request-ID"
	cacheHeader     = "X-Cache"
	loggerKey       = "logger"
)

// server serves cached images over HTTP.
type server struct {
	cache       *imagecache.Cache
	codec       imagecache.Codec
	gatherer    prometheus.Gatherer
	sweepBudget time.Duration
}

func newServer(c *imagecache.Cache, gatherer prometheus.Gatherer, sweepBudget time.Duration) *server {
	return &server{
		cache:       c,
		codec:       imagecache.StdCodec{},
		gatherer:    gatherer,
		sweepBudget: sweepBudget,
	}
}

// serveCommand runs the HTTP server and the periodic expiration sweeper until
// ctx is canceled.
func serveCommand(ctx context.Context, c *imagecache.Cache, cfg config.ServerConfig) error {
	l := zerolog.Ctx(ctx)

	s := newServer(c, prometheus.DefaultGatherer, cfg.SweepBudget)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.handler(*l),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		runSweeper(ctx, c, cfg.SweepInterval, cfg.SweepBudget)
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	l.Info().Str("addr", cfg.Addr).Dur("sweep_interval", cfg.SweepInterval).Msg("server start")
	if err := g.Wait(); err != nil {
		return err
	}
	l.Info().Msg("server shutdown")
	return nil
}

// runSweeper sweeps expired entries every interval, each sweep bounded by
// budget, until ctx is canceled. A non-positive interval disables it.
func runSweeper(ctx context.Context, c *imagecache.Cache, interval, budget time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepCtx, cancel := imagecache.Budget(budget).Extend(ctx)
			<-c.SweepExpired(sweepCtx)
			cancel()
		}
	}
}

func (s *server) handler(l zerolog.Logger) http.Handler {
	engine := newEngine(l)
	s.registerRoutes(engine)
	return engine
}

// newEngine creates a gin engine that tags every request with an id and
// logs it once served.
func newEngine(l zerolog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	baseLog := l.With().Str("component", "server").Logger()

	engine.Use(func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		c.Header(requestIDHeader, id)

		rl := baseLog.With().Str("request_id", id).Logger()
		c.Set(loggerKey, rl)

		s := time.Now()
		c.Next()

		status := c.Writer.Status()
		event := rl.Info()
		if status >= 400 && status < 500 {
			event = rl.Warn()
		} else if status >= 500 {
			event = rl.Error()
		}
		if len(c.Errors) > 0 {
			errs := make([]error, 0, len(c.Errors))
			for _, e := range c.Errors {
				errs = append(errs, e.Err)
			}
			event = event.Errs("error", errs)
		}

		event.Dur("duration", time.Since(s)).
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", status).
			Msg("request served")
	})

	engine.Use(gin.Recovery())
	return engine
}

func (s *server) registerRoutes(engine *gin.Engine) {
	engine.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	v1 := engine.Group("/v1")
	v1.GET("/images", s.handleImage)
	v1.DELETE("/cache", s.handleClear)
	v1.POST("/sweep", s.handleSweep)
	v1.GET("/stats", s.handleStats)
}

func requestLogger(c *gin.Context) zerolog.Logger {
	if v, ok := c.Get(loggerKey); ok {
		if l, ok := v.(zerolog.Logger); ok {
			return l
		}
	}
	return zerolog.Nop()
}

// handleImage serves the image for the url query parameter, re-encoded when
// the format parameter names a different format.
func (s *server) handleImage(c *gin.Context) {
	url := c.Query("url")
	if url == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url parameter required"})
		return
	}

	r := <-s.cache.Load(c.Request.Context(), url)
	if r.Err != nil {
		c.Error(r.Err)
		c.JSON(errorStatus(r.Err), gin.H{"error": r.Err.Error(), "attempts": r.Attempts})
		return
	}

	logger := requestLogger(c)
	logger.Debug().
		Str("url", url).
		Stringer("source", r.Source).
		Bool("shared", r.Shared).
		Int("attempts", r.Attempts).
		Msg("image loaded")

	switch {
	case r.Source == imagecache.SourceDisk:
		c.Header(cacheHeader, "HIT")
	case r.Shared:
		c.Header(cacheHeader, "SHARED")
	default:
		c.Header(cacheHeader, "MISS")
	}

	format := c.Query("format")
	if format == "" || format == r.Format {
		c.Data(http.StatusOK, imagecache.ContentType(r.Format), r.Data)
		return
	}

	var buf bytes.Buffer
	if err := s.codec.Encode(&buf, r.Image, format); err != nil {
		c.Error(err)
		status := http.StatusInternalServerError
		if errors.Is(err, imagecache.ErrUnsupportedFormat) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, imagecache.ContentType(format), buf.Bytes())
}

func (s *server) handleClear(c *gin.Context) {
	if err := <-s.cache.ClearAllData(); err != nil {
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// handleSweep runs an expiration sweep bounded by the budget query parameter
// or the server's default budget.
func (s *server) handleSweep(c *gin.Context) {
	budget := s.sweepBudget
	if raw := c.Query("budget"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid budget: " + err.Error()})
			return
		}
		budget = parsed
	}

	ctx, cancel := imagecache.Budget(budget).Extend(c.Request.Context())
	defer cancel()

	out := <-s.cache.SweepExpired(ctx)
	if errors.Is(out.Err, backends.ErrSweepInProgress) {
		c.JSON(http.StatusConflict, gin.H{"error": out.Err.Error()})
		return
	}
	if out.Err != nil && !errors.Is(out.Err, context.DeadlineExceeded) {
		c.Error(out.Err)
		status := http.StatusInternalServerError
		if errors.Is(out.Err, imagecache.ErrClosed) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": out.Err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"scanned":  out.Scanned,
		"removed":  out.Removed,
		"bytes":    out.Bytes,
		"failed":   out.Failed,
		"complete": out.Complete,
		"shared":   out.Shared,
		"duration": out.Duration.String(),
	})
}

func (s *server) handleStats(c *gin.Context) {
	st := s.cache.Stats()
	c.JSON(http.StatusOK, gin.H{
		"requests":        st.Requests,
		"disk_hits":       st.DiskHits,
		"network_loads":   st.NetworkLoads,
		"shared":          st.Shared,
		"failures":        st.Failures,
		"hit_rate":        st.HitRate(),
		"fetch_attempts":  st.FetchAttempts,
		"fetch_failures":  st.FetchFailures,
		"bytes_fetched":   st.BytesFetched,
		"storage_errors":  st.StorageErrors,
		"corrupt_entries": st.CorruptEntries,
		"sweeps":          st.Sweeps,
		"swept_entries":   st.SweptEntries,
		"swept_bytes":     st.SweptBytes,
		"clears":          st.Clears,
		"fetch_p50":       st.FetchP50.String(),
		"fetch_p90":       st.FetchP90.String(),
		"fetch_p99":       st.FetchP99.String(),
	})
}

// errorStatus maps a load failure to a response status. Upstream client
// errors pass through; everything else from upstream is a bad gateway.
func errorStatus(err error) int {
	var decodeErr *imagecache.DecodeError
	switch {
	case errors.Is(err, imagecache.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	case errors.As(err, &decodeErr):
		return http.StatusBadGateway
	}

	if code := fetch.Status(err); code >= 400 && code < 500 {
		return code
	}
	return http.StatusBadGateway
}
