package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/richardartoul/imagecache/backends"
	"github.com/richardartoul/imagecache/imagecache"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// getCommand loads every URL concurrently and optionally writes the images to
// args.Out. It fails if any URL could not be loaded.
func getCommand(ctx context.Context, c *imagecache.Cache, args *GetCmd) error {
	l := zerolog.Ctx(ctx)

	if args.Out != "" {
		if err := os.MkdirAll(args.Out, 0o755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	var (
		mu     sync.Mutex
		failed []error
		g      errgroup.Group
	)
	for _, url := range args.URLs {
		g.Go(func() error {
			r := <-c.Load(ctx, url)
			if r.Err == nil && args.Out != "" {
				r.Err = writeImage(args.Out, r, args.Format)
			}
			if r.Err != nil {
				l.Warn().Err(r.Err).Str("url", url).Int("attempts", r.Attempts).Msg("failed to load image")
				mu.Lock()
				failed = append(failed, fmt.Errorf("%s: %w", url, r.Err))
				mu.Unlock()
				return nil
			}

			b := r.Image.Bounds()
			fmt.Fprintf(os.Stdout, "%s\t%s\t%dx%d\t%s\n", url, r.Source, b.Dx(), b.Dy(), formatBytes(int64(len(r.Data))))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return errors.Join(failed...)
}

// writeImage writes r to dir, named after its cache key. The original bytes
// are written unless format asks for a re-encode.
func writeImage(dir string, r imagecache.Result, format string) error {
	data := r.Data
	ext := r.Format
	if format != "" && format != r.Format {
		var buf bytes.Buffer
		if err := (imagecache.StdCodec{}).Encode(&buf, r.Image, format); err != nil {
			return err
		}
		data = buf.Bytes()
		ext = format
	}

	name := backends.KeyFor(r.URL).Short() + "." + ext
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		return fmt.Errorf("failed to write image: %w", err)
	}
	return nil
}

// sweepCommand runs one expiration sweep within args.Budget.
func sweepCommand(ctx context.Context, c *imagecache.Cache, args *SweepCmd) error {
	ctx, cancel := imagecache.Budget(args.Budget).Extend(ctx)
	defer cancel()

	out := <-c.SweepExpired(ctx)
	if out.Err != nil && !errors.Is(out.Err, context.DeadlineExceeded) {
		return fmt.Errorf("failed to sweep cache: %w", out.Err)
	}

	state := "complete"
	if !out.Complete {
		state = "partial"
	}
	fmt.Fprintf(os.Stdout, "Sweep %s: removed %d of %d entries (%s) in %s\n",
		state, out.Removed, out.Scanned, formatBytes(out.Bytes), out.Duration)
	return nil
}
