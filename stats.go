package main

import (
	"fmt"
	"io"

	"github.com/richardartoul/imagecache/imagecache"
)

// printStats writes a human-readable summary of s to w.
func printStats(w io.Writer, s imagecache.Stats) {
	fmt.Fprintf(w, "[imagecache] Statistics:\n")
	fmt.Fprintf(w, "  Requests:        %d\n", s.Requests)
	fmt.Fprintf(w, "  Disk hits:       %d\n", s.DiskHits)
	fmt.Fprintf(w, "  Network loads:   %d\n", s.NetworkLoads)
	fmt.Fprintf(w, "  Shared:          %d\n", s.Shared)
	fmt.Fprintf(w, "  Failures:        %d\n", s.Failures)
	fmt.Fprintf(w, "  Hit rate:        %.1f%%\n", s.HitRate()*100)
	fmt.Fprintf(w, "  Fetch attempts:  %d (%d failed)\n", s.FetchAttempts, s.FetchFailures)
	fmt.Fprintf(w, "  Bytes fetched:   %s\n", formatBytes(s.BytesFetched))
	if s.FetchAttempts > s.FetchFailures {
		fmt.Fprintf(w, "  Fetch latency:   p50=%s p90=%s p99=%s\n", s.FetchP50, s.FetchP90, s.FetchP99)
	}
	fmt.Fprintf(w, "  Storage errors:  %d\n", s.StorageErrors)
	fmt.Fprintf(w, "  Corrupt entries: %d\n", s.CorruptEntries)
	if s.Sweeps > 0 {
		fmt.Fprintf(w, "  Sweeps:          %d (%d entries, %s)\n", s.Sweeps, s.SweptEntries, formatBytes(s.SweptBytes))
	}
	if s.Clears > 0 {
		fmt.Fprintf(w, "  Clears:          %d\n", s.Clears)
	}
}

// formatBytes formats a byte count with a binary unit suffix.
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit && exp < 3; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(bytes)/float64(div), "KMGT"[exp])
}
