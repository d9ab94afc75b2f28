package main

import "time"

type GetCmd struct {
	URLs   []string `arg:"positional,required" help:"image URLs to load (http, https, s3 or gs)"`
	Out    string   `arg:"--out" help:"directory to write the loaded images to"`
	Format string   `arg:"--format" help:"re-encode written images: png, jpeg, gif, bmp or tiff"`
}

type ClearCmd struct{}

type SweepCmd struct {
	Budget time.Duration `arg:"--budget" help:"time allowed for the sweep, 0 for unlimited" default:"30s"`
}

type ServeCmd struct {
	Addr          string        `arg:"--addr" help:"address of the HTTP server"`
	SweepInterval time.Duration `arg:"--sweep-interval" help:"interval between expiration sweeps, 0 disables them"`
	SweepBudget   time.Duration `arg:"--sweep-budget" help:"time allowed for each expiration sweep"`
}

type Arguments struct {
	Get   *GetCmd   `arg:"subcommand:get" help:"load images through the cache"`
	Clear *ClearCmd `arg:"subcommand:clear" help:"remove every cached entry"`
	Sweep *SweepCmd `arg:"subcommand:sweep" help:"remove expired entries"`
	Serve *ServeCmd `arg:"subcommand:serve" help:"run the HTTP image server"`

	Config     string        `arg:"--config,env:IMAGECACHE_CONFIG" help:"path to a TOML, YAML or JSON config file"`
	CacheDir   string        `arg:"--cache-dir" help:"cache directory"`
	Expiration time.Duration `arg:"--expiration" help:"staleness window, e.g. -168h"`
	Retries    *int          `arg:"--retries" help:"fetch attempts after the first one"`
	RetryDelay time.Duration `arg:"--retry-delay" help:"wait between failed fetch attempts"`
	Compress   bool          `arg:"--compress" help:"store new entries lz4-compressed"`
	ErrorRate  float64       `arg:"--error-rate" help:"inject fetch and storage failures at this rate (0.0-1.0)"`
	LogLevel   string        `arg:"--log-level" help:"set the log level" valid:"debug,info,warn,error,fatal,panic"`
	LogFile    string        `arg:"--log-file" help:"write rotated JSON logs to this file"`
	Debug      bool          `arg:"--debug" help:"log every storage operation to stderr"`
	Stats      bool          `arg:"--stats" help:"print cache statistics on exit"`
	Version    bool          `arg:"-v" help:"show version and exit"`
}

func (Arguments) Description() string {
	return "A disk-backed image cache with request coalescing and retries.\n\n" +
		"Every flag can also be set in the config file or through IMAGECACHE_* environment\n" +
		"variables (e.g. IMAGECACHE_CACHE_DIR, IMAGECACHE_MAX_RETRIES, IMAGECACHE_SERVER_ADDR).\n" +
		"Flags take precedence over both."
}

var version string
