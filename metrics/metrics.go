// Package metrics collects cache metrics.
package metrics

// Metrics defines an interface to collect cache metrics.
type Metrics interface {
	// RecordRequest records the source that served an image request
	// ("disk", "network", "shared" or "failed").
	RecordRequest(source string)

	// RecordFetch records the duration of a single fetch attempt and its
	// outcome ("success", "retry" or "failure").
	RecordFetch(outcome string, duration float64)

	// RecordStorageError records a failed storage operation.
	RecordStorageError(op string)

	// RecordSweep records the number of entries and bytes removed by a sweep.
	RecordSweep(removed int, bytes int64, complete bool)
}

// Nop discards all metrics.
type Nop struct{}

var _ Metrics = Nop{}

func (Nop) RecordRequest(string) {}
func (Nop) RecordFetch(string, float64) {}
func (Nop) RecordStorageError(string) {}
func (Nop) RecordSweep(int, int64, bool) {}
