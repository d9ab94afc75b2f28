package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alexflint/go-arg"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/richardartoul/imagecache/backends"
	"github.com/richardartoul/imagecache/config"
	"github.com/richardartoul/imagecache/fetch"
	"github.com/richardartoul/imagecache/imagecache"
	"github.com/richardartoul/imagecache/logging"
	"github.com/richardartoul/imagecache/metrics"
	"github.com/rs/zerolog"
)

func main() {
	args := &Arguments{}
	p := arg.MustParse(args)

	if args.Version {
		fmt.Fprintln(os.Stdout, version)
		return
	}
	if p.Subcommand() == nil {
		p.Fail("missing subcommand")
	}

	cfg, err := loadConfig(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	l, err := logging.New(logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		Compress:   cfg.Log.Compress,
		Console:    args.Debug && cfg.Log.File == "",
		Version:    version,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx = l.WithContext(ctx)

	if err := run(ctx, args, cfg); err != nil {
		l.Error().Err(err).Msg("command failed")
		cancel()
		os.Exit(1)
	}
}

func run(ctx context.Context, args *Arguments, cfg *config.Config) (err error) {
	l := zerolog.Ctx(ctx)

	m, err := metrics.NewPromMetrics(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	c, err := newCache(cfg, *l, m, args.Debug)
	if err != nil {
		return err
	}
	defer func() {
		if args.Stats {
			printStats(os.Stderr, c.Stats())
		}
		if closeErr := c.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	switch {
	case args.Get != nil:
		return getCommand(ctx, c, args.Get)
	case args.Clear != nil:
		if err := <-c.ClearAllData(); err != nil {
			return fmt.Errorf("failed to clear cache: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Cache cleared successfully\n")
		return nil
	case args.Sweep != nil:
		return sweepCommand(ctx, c, args.Sweep)
	case args.Serve != nil:
		return serveCommand(ctx, c, cfg.Server)
	default:
		return errors.New("unknown subcommand")
	}
}

// loadConfig reads the config file and environment, then applies the flags
// that were set on the command line.
func loadConfig(args *Arguments) (*config.Config, error) {
	cfg, err := config.Load(args.Config)
	if err != nil {
		return nil, err
	}

	if args.CacheDir != "" {
		cfg.CacheDir = args.CacheDir
	}
	if args.Expiration != 0 {
		cfg.Expiration = args.Expiration
	}
	if args.Retries != nil {
		cfg.MaxRetries = *args.Retries
	}
	if args.RetryDelay != 0 {
		cfg.RetryDelay = args.RetryDelay
	}
	if args.Compress {
		cfg.Compress = true
	}
	if args.ErrorRate != 0 {
		cfg.ErrorRate = args.ErrorRate
	}
	if args.LogLevel != "" {
		cfg.Log.Level = args.LogLevel
	} else if args.Debug {
		cfg.Log.Level = "debug"
	}
	if args.LogFile != "" {
		cfg.Log.File = args.LogFile
	}
	if s := args.Serve; s != nil {
		if s.Addr != "" {
			cfg.Server.Addr = s.Addr
		}
		if s.SweepInterval != 0 {
			cfg.Server.SweepInterval = s.SweepInterval
		}
		if s.SweepBudget != 0 {
			cfg.Server.SweepBudget = s.SweepBudget
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newCache assembles the cache from cfg: a disk store and a fetcher per URL
// scheme, each wrapped for error injection and debug logging when enabled.
func newCache(cfg *config.Config, l zerolog.Logger, m metrics.Metrics, debug bool) (*imagecache.Cache, error) {
	var store backends.Store
	disk, err := backends.NewDisk(cfg.CacheDir, backends.DiskOptions{
		Expiration: cfg.Expiration,
		Compress:   cfg.Compress,
		Logger:     l,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create disk store: %w", err)
	}
	store = disk

	var fetcher fetch.Client = newFetcher(cfg)

	if cfg.ErrorRate > 0 {
		store = backends.NewError(store, cfg.ErrorRate)
		fetcher = fetch.NewFlaky(fetcher, cfg.ErrorRate)
		l.Info().Float64("rate", cfg.ErrorRate).Msg("Error injection enabled")
	}
	if debug {
		store = backends.NewDebug(store, l)
	}

	c, err := imagecache.New(imagecache.Config{
		CacheDir:               disk.Dir(),
		FileExpirationInterval: cfg.Expiration,
		MaxNumberOfRetries:     cfg.MaxRetries,
		RetryDelay:             cfg.RetryDelay,
		Compress:               cfg.Compress,
		MaxImageBytes:          cfg.MaxImageBytes,
	},
		imagecache.WithStore(store),
		imagecache.WithFetcher(fetcher),
		imagecache.WithLogger(l),
		imagecache.WithMetrics(m),
	)
	if err != nil {
		store.Close()
		return nil, err
	}
	return c, nil
}

func newFetcher(cfg *config.Config) *fetch.Mux {
	return fetch.NewMux().
		Handle(fetch.NewHTTP(fetch.HTTPOptions{
			Timeout:   cfg.FetchTimeout,
			MaxBytes:  cfg.MaxImageBytes,
			UserAgent: cfg.UserAgent,
		}), "http", "https").
		Handle(fetch.NewS3(fetch.S3Options{
			Region:       cfg.S3.Region,
			Endpoint:     cfg.S3.Endpoint,
			UsePathStyle: cfg.S3.UsePathStyle,
			MaxBytes:     cfg.MaxImageBytes,
		}), "s3").
		Handle(fetch.NewGCS(fetch.GCSOptions{
			Endpoint:        cfg.GCS.Endpoint,
			CredentialsFile: cfg.GCS.CredentialsFile,
			Anonymous:       cfg.GCS.Anonymous,
			MaxBytes:        cfg.MaxImageBytes,
		}), "gs")
}
