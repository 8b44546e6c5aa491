package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/xtxerr/historian/internal/logging"
	"github.com/xtxerr/historian/internal/storage/period"
	"github.com/xtxerr/historian/internal/storage/types"
	"github.com/xtxerr/historian/internal/validation"
)

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	// DataDir
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}

	// Scale
	if err := c.Scale.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("scale: %w", err))
	}

	// Store
	if err := c.Store.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}

	// Points
	seen := make(map[string]bool, len(c.Points))
	for i, pc := range c.Points {
		if err := pc.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("points[%d]: %w", i, err))
		}
		if seen[pc.XID] {
			errs = append(errs, fmt.Errorf("points[%d]: duplicate xid %q", i, pc.XID))
		}
		seen[pc.XID] = true
	}

	// Ingestion
	if err := c.Ingestion.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("ingestion: %w", err))
	}

	// Backpressure
	if err := c.Backpressure.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("backpressure: %w", err))
	}

	// Retention
	if err := c.Retention.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("retention: %w", err))
	}

	// Query
	if err := c.Query.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("query: %w", err))
	}

	// PreAggregation
	if err := c.PreAggregation.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("pre_aggregation: %w", err))
	}

	// Rollup
	if c.PreAggregation.Enabled {
		if err := c.Rollup.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("rollup: %w", err))
		}
	}

	// Features
	if err := c.Features.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("features: %w", err))
	}

	// Logging
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the scale configuration.
func (c *ScaleConfig) Validate() error {
	var errs []error

	if c.PointCount <= 0 {
		errs = append(errs, errors.New("point_count must be positive"))
	}

	if c.SampleIntervalSec <= 0 {
		errs = append(errs, errors.New("sample_interval_sec must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the store configuration.
func (c *StoreConfig) Validate() error {
	var errs []error

	switch c.Backend {
	case BackendDuckDB, BackendBadger:
	case BackendMemory:
		if c.BufferCapacity <= 0 {
			errs = append(errs, errors.New("buffer_capacity must be positive for the memory backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("backend must be one of: %s, %s, %s", BackendDuckDB, BackendBadger, BackendMemory))
	}

	if c.PointCacheSize <= 0 {
		errs = append(errs, errors.New("point_cache_size must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks a point declaration.
func (c *PointConfig) Validate() error {
	var errs []error

	if c.XID == "" {
		errs = append(errs, errors.New("xid is required"))
	} else if err := validation.ValidateXID(c.XID); err != nil {
		errs = append(errs, fmt.Errorf("xid %q: %w", c.XID, err))
	}

	if err := validation.ValidateUnit(c.Unit); err != nil {
		errs = append(errs, fmt.Errorf("unit: %w", err))
	}

	if _, err := types.ParseDataType(c.DataType); err != nil {
		errs = append(errs, fmt.Errorf("data_type: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the ingestion configuration.
func (c *IngestionConfig) Validate() error {
	var errs []error

	if c.QueueCapacity <= 0 {
		errs = append(errs, errors.New("queue_capacity must be positive"))
	}

	if c.BatchSize <= 0 {
		errs = append(errs, errors.New("batch_size must be positive"))
	} else if c.BatchSize > c.QueueCapacity {
		errs = append(errs, errors.New("batch_size must not exceed queue_capacity"))
	}

	if c.FlushInterval <= 0 {
		errs = append(errs, errors.New("flush_interval must be positive"))
	}

	if c.WAL.Enabled {
		switch c.WAL.SyncMode {
		case "async", "sync", "fsync":
		default:
			errs = append(errs, errors.New("wal.sync_mode must be one of: async, sync, fsync"))
		}
		if c.WAL.MaxSegmentSize < 1024*1024 {
			errs = append(errs, errors.New("wal.max_segment_size must be at least 1MB"))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the backpressure configuration.
func (c *BackpressureConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	var errs []error

	t := c.Thresholds
	if t.Warning <= 0 || t.Warning >= t.Critical || t.Critical >= t.Emergency || t.Emergency > 1 {
		errs = append(errs, errors.New("thresholds must satisfy 0 < warning < critical < emergency <= 1"))
	}

	if c.Hysteresis < 0 || c.Hysteresis >= t.Warning {
		errs = append(errs, errors.New("hysteresis must be between 0 and the warning threshold"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the retention configuration.
func (c *RetentionConfig) Validate() error {
	var errs []error

	if c.Raw != "" {
		if _, err := period.Parse(c.Raw); err != nil {
			errs = append(errs, fmt.Errorf("raw: %w", err))
		}
	}

	if c.Rollups != "" {
		if _, err := period.Parse(c.Rollups); err != nil {
			errs = append(errs, fmt.Errorf("rollups: %w", err))
		}
	}

	if (c.Raw != "" || c.Rollups != "") && c.Interval <= 0 {
		errs = append(errs, errors.New("interval must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the query configuration.
func (c *QueryConfig) Validate() error {
	var errs []error

	if c.ChunkSize <= 0 {
		errs = append(errs, errors.New("chunk_size must be positive"))
	}

	if c.Timeout <= 0 {
		errs = append(errs, errors.New("timeout must be positive"))
	}

	if c.MaxRows <= 0 {
		errs = append(errs, errors.New("max_rows must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the pre-aggregation configuration.
func (c *PreAggregationConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	var errs []error

	p, err := period.Parse(c.Period)
	if err != nil {
		errs = append(errs, fmt.Errorf("period: %w", err))
	} else if p.Unit == period.Millisecond {
		errs = append(errs, errors.New("period must be at least one second"))
	}

	if _, err := c.Boundary.BoundaryAt(time.Now()); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the rollup configuration.
func (c *RollupConfig) Validate() error {
	var errs []error

	if c.Workers <= 0 {
		errs = append(errs, errors.New("workers must be positive"))
	}

	if c.Interval <= 0 {
		errs = append(errs, errors.New("interval must be positive"))
	}

	if c.BatchSize < 0 {
		errs = append(errs, errors.New("batch_size cannot be negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the features configuration.
func (c *FeaturesConfig) Validate() error {
	var errs []error

	// Percentile
	if c.Percentile.Enabled {
		if c.Percentile.Accuracy <= 0 || c.Percentile.Accuracy >= 1 {
			errs = append(errs, errors.New("percentile.accuracy must be between 0 and 1"))
		}
	}

	// Compression
	validAlgorithms := map[string]bool{
		"snappy": true,
		"zstd":   true,
		"lz4":    true,
		"none":   true,
		"":       true, // Empty defaults to zstd
	}
	if !validAlgorithms[c.Compression.Algorithm] {
		errs = append(errs, fmt.Errorf("compression.algorithm must be one of: snappy, zstd, lz4, none"))
	}

	if c.Compression.Algorithm == "zstd" && (c.Compression.Level < 0 || c.Compression.Level > 22) {
		errs = append(errs, errors.New("compression.level for zstd must be between 0 and 22"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
