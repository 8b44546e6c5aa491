package config

import (
	"fmt"
	"time"

	"github.com/xtxerr/historian/internal/storage/period"
)

// Requirements represents calculated resource requirements.
type Requirements struct {
	// Memory requirements
	BufferBytes     int64
	PointCacheBytes int64
	QueryCacheBytes int64
	TotalRAMBytes   int64

	// Storage requirements per day
	RawBytesPerDay    int64
	RollupBytesPerDay int64

	// Throughput
	SamplesPerSecond int64
	BytesPerSecond   int64
	AggregatesPerDay int64

	// CPU estimate
	RecommendedCPUCores int
}

// Constants for calculations
const (
	// Bytes per sample (in-memory)
	bytesPerSample = 40

	// Bytes per cached point
	bytesPerPoint = 200

	// Bytes per raw sample in a compressed store block
	bytesPerRawRowCompressed = 6

	// Bytes per aggregate row in Parquet (compressed)
	bytesPerParquetRowCompressed = 40

	// Additional bytes per row with percentiles
	bytesPerPercentileColumns = 16
)

// CalculateRequirements computes resource requirements based on configuration.
func (c *Config) CalculateRequirements() Requirements {
	r := Requirements{}

	// Calculate samples per second
	r.SamplesPerSecond = int64(c.Scale.PointCount) / int64(c.Scale.SampleIntervalSec)
	if r.SamplesPerSecond == 0 && c.Scale.PointCount > 0 {
		r.SamplesPerSecond = 1
	}

	// Raw bytes per second (uncompressed)
	r.BytesPerSecond = r.SamplesPerSecond * bytesPerSample

	// -------------------------------------------------------------------------
	// Memory Requirements
	// -------------------------------------------------------------------------

	if c.Store.Backend == BackendMemory {
		r.BufferBytes = int64(c.Store.BufferCapacity) * bytesPerSample
	}
	r.PointCacheBytes = int64(c.Store.PointCacheSize) * bytesPerPoint
	r.QueryCacheBytes = parseMemoryLimit(c.Query.MemoryLimit)

	// Total RAM
	r.TotalRAMBytes = r.BufferBytes + r.PointCacheBytes + r.QueryCacheBytes
	// Add 1GB for OS and Go runtime
	r.TotalRAMBytes += 1024 * 1024 * 1024

	// -------------------------------------------------------------------------
	// Storage Requirements
	// -------------------------------------------------------------------------

	r.RawBytesPerDay = r.SamplesPerSecond * 86400 * bytesPerRawRowCompressed

	if c.PreAggregation.Enabled {
		if p, err := c.PreAggregation.NativePeriod(); err == nil {
			r.AggregatesPerDay = aggregatesPerDay(p) * int64(c.Scale.PointCount)
		}
	}
	rowBytes := int64(bytesPerParquetRowCompressed)
	if c.Features.Percentile.Enabled {
		rowBytes += bytesPerPercentileColumns
	}
	r.RollupBytesPerDay = r.AggregatesPerDay * rowBytes

	// -------------------------------------------------------------------------
	// CPU Requirements
	// -------------------------------------------------------------------------

	// Rough estimate: 1 core per 200k samples/sec for queries
	// Plus cores for rollups
	queryCores := int(r.SamplesPerSecond/200000) + 1
	rollupCores := 0
	if c.PreAggregation.Enabled {
		rollupCores = c.Rollup.Workers
	}
	r.RecommendedCPUCores = queryCores + rollupCores

	return r
}

// aggregatesPerDay is the number of p buckets in a day, at least one.
func aggregatesPerDay(p period.Period) int64 {
	d, fixed := p.Duration()
	if !fixed {
		// Calendar periods are at least a day long.
		return 1
	}
	n := int64(24 * time.Hour / d)
	if n == 0 {
		return 1
	}
	return n
}

// FormatRequirements returns a human-readable summary of requirements.
func (r *Requirements) FormatRequirements() string {
	return fmt.Sprintf(`Resource Requirements
=====================

Throughput:
  Samples/sec:       %s
  Bytes/sec:         %s
  Aggregates/day:    %s

Memory:
  Sample Buffer:     %s
  Point Cache:       %s
  Query Cache:       %s
  Total RAM:         %s (recommended)

Storage:
  Raw/day:           %s
  Rollups/day:       %s

CPU:
  Recommended Cores: %d
`,
		formatNumber(r.SamplesPerSecond),
		formatBytes(r.BytesPerSecond),
		formatNumber(r.AggregatesPerDay),
		formatBytes(r.BufferBytes),
		formatBytes(r.PointCacheBytes),
		formatBytes(r.QueryCacheBytes),
		formatBytes(r.TotalRAMBytes),
		formatBytes(r.RawBytesPerDay),
		formatBytes(r.RollupBytesPerDay),
		r.RecommendedCPUCores,
	)
}

// parseMemoryLimit parses a memory limit string like "2GB" into bytes.
func parseMemoryLimit(s string) int64 {
	if s == "" {
		return 2 * 1024 * 1024 * 1024 // Default 2GB
	}

	var value int64
	var unit string
	_, err := fmt.Sscanf(s, "%d%s", &value, &unit)
	if err != nil {
		// Try without space
		for i, c := range s {
			if c < '0' || c > '9' {
				fmt.Sscanf(s[:i], "%d", &value)
				unit = s[i:]
				break
			}
		}
	}

	switch unit {
	case "B", "b", "":
		return value
	case "KB", "kb", "K", "k":
		return value * 1024
	case "MB", "mb", "M", "m":
		return value * 1024 * 1024
	case "GB", "gb", "G", "g":
		return value * 1024 * 1024 * 1024
	case "TB", "tb", "T", "t":
		return value * 1024 * 1024 * 1024 * 1024
	default:
		return value
	}
}

// formatBytes formats bytes as a human-readable string.
func formatBytes(b int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
		TB = 1024 * GB
	)

	switch {
	case b >= TB:
		return fmt.Sprintf("%.2f TB", float64(b)/float64(TB))
	case b >= GB:
		return fmt.Sprintf("%.2f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.2f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.2f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}

// formatNumber formats a number with thousand separators.
func formatNumber(n int64) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		return fmt.Sprintf("%.1fK", float64(n)/1000)
	}
	if n < 1000000000 {
		return fmt.Sprintf("%.1fM", float64(n)/1000000)
	}
	return fmt.Sprintf("%.1fB", float64(n)/1000000000)
}
