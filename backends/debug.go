package backends

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Debug wraps any Store and adds debug logging.
// This allows any store implementation to have debug logging without
// coupling the debug logic to the store implementation.
type Debug struct {
	store Store
	log   zerolog.Logger
}

var _ Store = (*Debug)(nil)

// NewDebug creates a new debug wrapper around an existing store.
func NewDebug(store Store, log zerolog.Logger) *Debug {
	return &Debug{
		store: store,
		log:   log.With().Str("component", "store").Logger(),
	}
}

// Get retrieves an entry with debug logging.
func (d *Debug) Get(ctx context.Context, key Key) (*Entry, bool, error) {
	start := time.Now()
	entry, ok, err := d.store.Get(ctx, key)
	duration := time.Since(start)

	switch {
	case err != nil:
		d.log.Debug().Err(err).Str("key", key.Short()).Dur("duration", duration).Msg("get error")
	case !ok:
		d.log.Debug().Str("key", key.Short()).Dur("duration", duration).Msg("get miss")
	default:
		d.log.Debug().Str("key", key.Short()).Int64("size", entry.Size).Dur("duration", duration).Msg("get hit")
	}

	return entry, ok, err
}

// Put stores an entry with debug logging.
func (d *Debug) Put(ctx context.Context, key Key, data []byte) (*Entry, error) {
	start := time.Now()
	entry, err := d.store.Put(ctx, key, data)
	duration := time.Since(start)

	if err != nil {
		d.log.Debug().Err(err).Str("key", key.Short()).Int("size", len(data)).Dur("duration", duration).Msg("put error")
		return entry, err
	}

	d.log.Debug().Str("key", key.Short()).Int("size", len(data)).Dur("duration", duration).Msg("put")
	return entry, nil
}

// Remove deletes an entry with debug logging.
func (d *Debug) Remove(ctx context.Context, key Key) error {
	err := d.store.Remove(ctx, key)
	d.log.Debug().Err(err).Str("key", key.Short()).Msg("remove")
	return err
}

// SweepExpired runs a sweep with debug logging.
func (d *Debug) SweepExpired(ctx context.Context) (SweepResult, error) {
	result, err := d.store.SweepExpired(ctx)
	d.log.Debug().
		Err(err).
		Int("scanned", result.Scanned).
		Int("removed", result.Removed).
		Bool("complete", result.Complete).
		Dur("duration", result.Duration).
		Msg("sweep")
	return result, err
}

// Clear removes all entries with debug logging.
func (d *Debug) Clear(ctx context.Context) error {
	start := time.Now()
	err := d.store.Clear(ctx)
	d.log.Debug().Err(err).Dur("duration", time.Since(start)).Msg("clear")
	return err
}

// Close closes the wrapped store with debug logging.
func (d *Debug) Close() error {
	err := d.store.Close()
	d.log.Debug().Err(err).Msg("close")
	return err
}
