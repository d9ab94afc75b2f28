package imagecache

import "sync"

var (
	sharedMu sync.Mutex
	shared   *Cache
)

// InitShared creates the process-wide cache. It fails if the shared cache
// already exists; call ResetShared first to replace it.
func InitShared(cfg Config, opts ...Option) (*Cache, error) {
	sharedMu.Lock()
	defer sharedMu.Unlock()

	if shared != nil {
		return nil, ErrSharedInitialized
	}
	c, err := New(cfg, opts...)
	if err != nil {
		return nil, err
	}
	shared = c
	return c, nil
}

// Shared returns the process-wide cache, creating it with DefaultConfig on
// first access.
func Shared() (*Cache, error) {
	sharedMu.Lock()
	defer sharedMu.Unlock()

	if shared != nil {
		return shared, nil
	}
	c, err := New(DefaultConfig())
	if err != nil {
		return nil, err
	}
	shared = c
	return c, nil
}

// ResetShared closes and forgets the process-wide cache, so the next Shared
// or InitShared call starts from scratch. Entries on disk are kept.
func ResetShared() error {
	sharedMu.Lock()
	c := shared
	shared = nil
	sharedMu.Unlock()

	if c == nil {
		return nil
	}
	return c.Close()
}
