package imagecache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

// Stats is a snapshot of cache activity since construction.
type Stats struct {
	Requests     int64
	DiskHits     int64
	NetworkLoads int64
	Failures     int64
	// Shared counts deliveries served by a fetch another caller started.
	Shared int64

	FetchAttempts  int64
	FetchFailures  int64
	BytesFetched   int64
	StorageErrors  int64
	CorruptEntries int64

	Sweeps       int64
	SweptEntries int64
	SweptBytes   int64
	Clears       int64

	// Fetch latency quantiles over successful attempts.
	FetchP50 time.Duration
	FetchP90 time.Duration
	FetchP99 time.Duration
}

// HitRate returns the share of successful requests served from disk.
func (s Stats) HitRate() float64 {
	served := s.DiskHits + s.NetworkLoads
	if served == 0 {
		return 0
	}
	return float64(s.DiskHits) / float64(served)
}

type stats struct {
	requests     atomic.Int64
	diskHits     atomic.Int64
	networkLoads atomic.Int64
	shared       atomic.Int64
	failures     atomic.Int64

	fetchAttempts  atomic.Int64
	fetchFailures  atomic.Int64
	bytesFetched   atomic.Int64
	storageErrors  atomic.Int64
	corruptEntries atomic.Int64

	sweeps       atomic.Int64
	sweptEntries atomic.Int64
	sweptBytes   atomic.Int64
	clears       atomic.Int64

	// ddsketch is not safe for concurrent use.
	latencyMu sync.Mutex
	latency   *ddsketch.DDSketch
}

func newStats() *stats {
	// 1% relative accuracy; NewDefaultDDSketch only fails for accuracies
	// outside (0, 1).
	sketch, _ := ddsketch.NewDefaultDDSketch(0.01)
	return &stats{latency: sketch}
}

func (s *stats) recordResult(r Result) {
	s.requests.Add(1)
	switch {
	case r.Err != nil:
		s.failures.Add(1)
	case r.Source == SourceDisk:
		s.diskHits.Add(1)
	default:
		s.networkLoads.Add(1)
	}
	if r.Err == nil && r.Shared {
		s.shared.Add(1)
	}
}

func (s *stats) recordFetch(d time.Duration, size int, err error) {
	s.fetchAttempts.Add(1)
	if err != nil {
		s.fetchFailures.Add(1)
		return
	}
	s.bytesFetched.Add(int64(size))

	s.latencyMu.Lock()
	defer s.latencyMu.Unlock()
	_ = s.latency.Add(d.Seconds())
}

func (s *stats) snapshot() Stats {
	out := Stats{
		Requests:       s.requests.Load(),
		DiskHits:       s.diskHits.Load(),
		NetworkLoads:   s.networkLoads.Load(),
		Shared:         s.shared.Load(),
		Failures:       s.failures.Load(),
		FetchAttempts:  s.fetchAttempts.Load(),
		FetchFailures:  s.fetchFailures.Load(),
		BytesFetched:   s.bytesFetched.Load(),
		StorageErrors:  s.storageErrors.Load(),
		CorruptEntries: s.corruptEntries.Load(),
		Sweeps:         s.sweeps.Load(),
		SweptEntries:   s.sweptEntries.Load(),
		SweptBytes:     s.sweptBytes.Load(),
		Clears:         s.clears.Load(),
	}

	s.latencyMu.Lock()
	defer s.latencyMu.Unlock()
	if s.latency.IsEmpty() {
		return out
	}
	out.FetchP50 = quantile(s.latency, 0.5)
	out.FetchP90 = quantile(s.latency, 0.9)
	out.FetchP99 = quantile(s.latency, 0.99)
	return out
}

func quantile(sketch *ddsketch.DDSketch, q float64) time.Duration {
	v, err := sketch.GetValueAtQuantile(q)
	if err != nil {
		return 0
	}
	return time.Duration(v * float64(time.Second))
}
