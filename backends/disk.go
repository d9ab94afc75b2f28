package backends

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/pierrec/lz4/v4"
	"github.com/rs/zerolog"
)

const (
	// DefaultExpiration is the default staleness window. Like the configuration
	// field it is a negative offset from now: entries last written before
	// now+DefaultExpiration are stale.
	DefaultExpiration = -7 * 24 * time.Hour

	tmpPrefix     = ".tmp-"
	sweepLockName = ".sweep.lock"
)

// lz4Magic is the little-endian lz4 frame magic number. No supported image
// format starts with it, so reads can tell compressed entries apart.
var lz4Magic = []byte{0x04, 0x22, 0x4d, 0x18}

// NormalizeExpiration maps a configured expiration interval onto the negative
// offset used internally. Zero selects DefaultExpiration.
func NormalizeExpiration(interval time.Duration) time.Duration {
	switch {
	case interval == 0:
		return DefaultExpiration
	case interval > 0:
		return -interval
	default:
		return interval
	}
}

// DiskOptions configures a Disk store.
type DiskOptions struct {
	// Expiration is the staleness window, see NormalizeExpiration.
	Expiration time.Duration
	// Compress writes new entries as lz4 frames.
	Compress bool
	Logger   zerolog.Logger
	// Now overrides the clock used for modification times and cutoffs.
	Now func() time.Time
}

// Disk implements Store using the local file system. Every entry is a single
// file named after its key; the file modification time is the entry's
// last-modified time.
type Disk struct {
	baseDir    string
	expiration time.Duration
	compress   bool
	now        func() time.Time
	log        zerolog.Logger

	// clearMu is held shared by Put around the final rename and exclusively by
	// Clear, so a clear never interleaves with a rename in progress.
	clearMu sync.RWMutex

	mu    sync.Mutex
	locks map[Key]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

var _ Store = (*Disk)(nil)

// NewDisk creates a new disk-based cache store rooted at baseDir.
func NewDisk(baseDir string, opts DiskOptions) (*Disk, error) {
	if baseDir == "" {
		return nil, errors.New("cache directory required")
	}

	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve cache directory: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Disk{
		baseDir:    abs,
		expiration: NormalizeExpiration(opts.Expiration),
		compress:   opts.Compress,
		now:        now,
		log:        opts.Logger.With().Str("component", "disk").Logger(),
		locks:      make(map[Key]*entryLock),
	}, nil
}

// Dir returns the absolute cache directory.
func (d *Disk) Dir() string {
	return d.baseDir
}

// Expiration returns the normalized (negative) expiration interval.
func (d *Disk) Expiration() time.Duration {
	return d.expiration
}

// Get retrieves an entry from the cache.
func (d *Disk) Get(ctx context.Context, key Key) (*Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	diskPath := d.keyPath(key)
	f, err := os.Open(diskPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, &StorageError{Op: "read", Key: key, Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, false, &StorageError{Op: "read", Key: key, Err: err}
	}
	if info.IsDir() {
		return nil, false, nil
	}

	// Stale entries read as misses; the next sweep deletes them.
	if d.isStale(info.ModTime()) {
		d.log.Debug().Str("key", key.Short()).Time("mod_time", info.ModTime()).Msg("stale entry")
		return nil, false, nil
	}

	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, false, &StorageError{Op: "read", Key: key, Err: err}
	}

	data, err := decompress(raw)
	if err != nil {
		return nil, false, &StorageError{Op: "read", Key: key, Err: err}
	}

	return &Entry{
		Key:     key,
		Data:    data,
		Size:    int64(len(data)),
		ModTime: info.ModTime(),
	}, true, nil
}

// Put atomically writes data under key.
func (d *Disk) Put(ctx context.Context, key Key, data []byte) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	unlock := d.lockKey(key)
	defer unlock()

	payload, err := d.compressData(data)
	if err != nil {
		return nil, &StorageError{Op: "write", Key: key, Err: err}
	}

	// Create a temporary file in the same directory for atomic write
	tmpFile, err := os.CreateTemp(d.baseDir, tmpPrefix+"*")
	if errors.Is(err, fs.ErrNotExist) {
		// The directory was removed underneath us; recreate it once.
		if mkErr := os.MkdirAll(d.baseDir, 0o755); mkErr == nil {
			tmpFile, err = os.CreateTemp(d.baseDir, tmpPrefix+"*")
		}
	}
	if err != nil {
		return nil, &StorageError{Op: "write", Key: key, Err: fmt.Errorf("failed to create temp file: %w", err)}
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath) // Clean up if something goes wrong

	_, err = tmpFile.Write(payload)
	closeErr := tmpFile.Close()
	if err != nil {
		return nil, &StorageError{Op: "write", Key: key, Err: fmt.Errorf("failed to write to temp file: %w", err)}
	}
	if closeErr != nil {
		return nil, &StorageError{Op: "write", Key: key, Err: fmt.Errorf("failed to close temp file: %w", closeErr)}
	}

	modTime := d.now()
	if err := os.Chtimes(tmpPath, modTime, modTime); err != nil {
		return nil, &StorageError{Op: "write", Key: key, Err: fmt.Errorf("failed to set modification time: %w", err)}
	}

	d.clearMu.RLock()
	err = os.Rename(tmpPath, d.keyPath(key))
	d.clearMu.RUnlock()
	if err != nil {
		return nil, &StorageError{Op: "write", Key: key, Err: fmt.Errorf("failed to rename cache file: %w", err)}
	}

	return &Entry{
		Key:     key,
		Data:    data,
		Size:    int64(len(data)),
		ModTime: modTime,
	}, nil
}

// Remove deletes the entry for key.
func (d *Disk) Remove(ctx context.Context, key Key) error {
	unlock := d.lockKey(key)
	defer unlock()

	if err := os.Remove(d.keyPath(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &StorageError{Op: "delete", Key: key, Err: err}
	}
	return nil
}

// SweepExpired deletes entries whose modification time is before
// now+expiration. Each deletion is independent, so a sweep interrupted by ctx
// leaves the store consistent and the next sweep picks up where it stopped.
func (d *Disk) SweepExpired(ctx context.Context) (SweepResult, error) {
	started := time.Now()
	var result SweepResult

	// The lock file lives in the directory, so a removed directory has
	// nothing to sweep and nothing to lock.
	if _, err := os.Stat(d.baseDir); errors.Is(err, fs.ErrNotExist) {
		result.Complete = true
		result.Duration = time.Since(started)
		return result, nil
	}

	lock := flock.New(filepath.Join(d.baseDir, sweepLockName))
	locked, err := lock.TryLock()
	if err != nil {
		return result, &StorageError{Op: "sweep", Err: fmt.Errorf("failed to acquire sweep lock: %w", err)}
	}
	if !locked {
		return result, ErrSweepInProgress
	}
	defer lock.Unlock()

	cutoff := d.now().Add(d.expiration)

	entries, err := os.ReadDir(d.baseDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			result.Complete = true
			return result, nil
		}
		return result, &StorageError{Op: "sweep", Err: err}
	}

	var errs []error
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			result.Duration = time.Since(started)
			d.log.Info().
				Int("scanned", result.Scanned).
				Int("removed", result.Removed).
				Msg("sweep stopped early")
			return result, context.Cause(ctx)
		}

		name := entry.Name()
		if strings.HasPrefix(name, tmpPrefix) {
			// Temp files left behind by a crashed writer.
			d.removeOrphan(name, cutoff)
			continue
		}

		key, ok := ParseKey(name)
		if !ok {
			continue
		}
		result.Scanned++

		removed, size, err := d.removeIfStale(key, cutoff)
		if err != nil {
			result.Failed++
			errs = append(errs, err)
			d.log.Warn().Err(err).Str("key", key.Short()).Msg("failed to remove expired entry")
			continue
		}
		if removed {
			result.Removed++
			result.Bytes += size
		}
	}

	result.Complete = true
	result.Duration = time.Since(started)
	d.log.Debug().
		Int("scanned", result.Scanned).
		Int("removed", result.Removed).
		Dur("duration", result.Duration).
		Msg("sweep complete")

	return result, errors.Join(errs...)
}

// removeIfStale re-checks the entry under its key lock, so an entry rewritten
// while the sweep was running is kept.
func (d *Disk) removeIfStale(key Key, cutoff time.Time) (bool, int64, error) {
	unlock := d.lockKey(key)
	defer unlock()

	diskPath := d.keyPath(key)
	info, err := os.Stat(diskPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, 0, nil
		}
		return false, 0, &StorageError{Op: "sweep", Key: key, Err: err}
	}
	if !info.ModTime().Before(cutoff) {
		return false, 0, nil
	}

	if err := os.Remove(diskPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, 0, nil
		}
		return false, 0, &StorageError{Op: "sweep", Key: key, Err: err}
	}
	return true, info.Size(), nil
}

func (d *Disk) removeOrphan(name string, cutoff time.Time) {
	tmpPath := filepath.Join(d.baseDir, name)
	info, err := os.Stat(tmpPath)
	if err != nil || !info.ModTime().Before(cutoff) {
		return
	}
	if err := os.Remove(tmpPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		d.log.Warn().Err(err).Str("path", tmpPath).Msg("failed to remove orphaned temp file")
	}
}

// Clear removes all entries from the cache. Temp files of writes in progress
// are left alone; such a write may land after the clear, which is accepted.
func (d *Disk) Clear(ctx context.Context) error {
	d.clearMu.Lock()
	defer d.clearMu.Unlock()

	entries, err := os.ReadDir(d.baseDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// Directory doesn't exist, nothing to clear
			if err := os.MkdirAll(d.baseDir, 0o755); err != nil {
				return &StorageError{Op: "clear", Err: err}
			}
			return nil
		}
		return &StorageError{Op: "clear", Err: fmt.Errorf("failed to read cache directory: %w", err)}
	}

	var errs []error
	for _, entry := range entries {
		if _, ok := ParseKey(entry.Name()); !ok {
			continue
		}
		path := filepath.Join(d.baseDir, entry.Name())
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("failed to remove %s: %w", path, err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return &StorageError{Op: "clear", Err: err}
	}
	return nil
}

// Close performs cleanup operations.
func (d *Disk) Close() error {
	// No cleanup needed for disk backend
	return nil
}

func (d *Disk) isStale(modTime time.Time) bool {
	return modTime.Before(d.now().Add(d.expiration))
}

// keyPath converts a key to a file path.
func (d *Disk) keyPath(key Key) string {
	return filepath.Join(d.baseDir, string(key))
}

func (d *Disk) lockKey(key Key) func() {
	d.mu.Lock()
	lock := d.locks[key]
	if lock == nil {
		lock = &entryLock{}
		d.locks[key] = lock
	}
	lock.refs++
	d.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		d.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(d.locks, key)
		}
		d.mu.Unlock()
	}
}

func (d *Disk) compressData(data []byte) ([]byte, error) {
	if !d.compress {
		return data, nil
	}

	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("failed to compress entry: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress entry: %w", err)
	}
	return buf.Bytes(), nil
}

// decompress undoes compressData. Entries written without compression are
// returned unchanged, so toggling Compress keeps existing entries readable.
func decompress(raw []byte) ([]byte, error) {
	if !bytes.HasPrefix(raw, lz4Magic) {
		return raw, nil
	}
	data, err := io.ReadAll(lz4.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress entry: %w", err)
	}
	return data, nil
}
