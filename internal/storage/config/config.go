package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xtxerr/historian/internal/storage/period"
)

// Config represents the complete historian configuration.
type Config struct {
	// DataDir is the root directory for all storage files.
	DataDir string `yaml:"data_dir"`

	// Scale defines the expected load parameters.
	Scale ScaleConfig `yaml:"scale"`

	// Store selects and configures the sample store.
	Store StoreConfig `yaml:"store"`

	// Points are registered on start when missing.
	Points []PointConfig `yaml:"points"`

	// Ingestion configures the write path.
	Ingestion IngestionConfig `yaml:"ingestion"`

	// Backpressure configures load shedding on the write path.
	Backpressure BackpressureConfig `yaml:"backpressure"`

	// Retention configures the cleanup of old raw samples and rollups.
	Retention RetentionConfig `yaml:"retention"`

	// Query configures the query service.
	Query QueryConfig `yaml:"query"`

	// PreAggregation configures the stored aggregates used for old data.
	PreAggregation PreAggregationConfig `yaml:"pre_aggregation"`

	// Rollup configures the engine materializing pre-aggregates.
	Rollup RollupConfig `yaml:"rollup"`

	// Features configures optional features.
	Features FeaturesConfig `yaml:"features"`

	// Logging configures the process logger.
	Logging LoggingConfig `yaml:"logging"`

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig `yaml:"metrics"`
}

// ScaleConfig defines the expected load parameters.
type ScaleConfig struct {
	// PointCount is the expected number of points.
	PointCount int `yaml:"point_count"`

	// SampleIntervalSec is the typical interval between samples of a point.
	SampleIntervalSec int `yaml:"sample_interval_sec"`
}

// Store backends.
const (
	BackendDuckDB = "duckdb"
	BackendBadger = "badger"
	BackendMemory = "memory"
)

// StoreConfig configures the sample store.
type StoreConfig struct {
	// Backend is one of: duckdb, badger, memory.
	Backend string `yaml:"backend"`

	// DSN is the DuckDB database path. Empty means in-memory.
	DSN string `yaml:"dsn"`

	// Dir is the badger directory. Defaults to {DataDir}/kv.
	Dir string `yaml:"dir"`

	// PointCacheSize is the number of points kept in the metadata cache.
	PointCacheSize int `yaml:"point_cache_size"`

	// BufferCapacity is the sample capacity of the memory backend.
	BufferCapacity int `yaml:"buffer_capacity"`
}

// PointConfig declares a point.
type PointConfig struct {
	XID      string `yaml:"xid"`
	Name     string `yaml:"name"`
	DataType string `yaml:"data_type"`
	Unit     string `yaml:"unit"`
}

// IngestionConfig configures the write path.
type IngestionConfig struct {
	// QueueCapacity is the number of samples held before they are flushed.
	QueueCapacity int `yaml:"queue_capacity"`

	// BatchSize is the number of samples written to the store at once.
	BatchSize int `yaml:"batch_size"`

	// FlushInterval is the maximum time a sample waits in the queue.
	FlushInterval time.Duration `yaml:"flush_interval"`

	// WAL configures the write-ahead log.
	WAL WALConfig `yaml:"wal"`
}

// WALConfig configures the write-ahead log.
type WALConfig struct {
	// Enabled logs queued samples so they survive a crash.
	Enabled bool `yaml:"enabled"`

	// SyncMode is one of: async, sync, fsync.
	SyncMode string `yaml:"sync_mode"`

	// MaxSegmentSize is the size at which a segment is rotated.
	MaxSegmentSize int64 `yaml:"max_segment_size"`

	// SyncInterval is the flush interval of the async mode.
	SyncInterval time.Duration `yaml:"sync_interval"`
}

// BackpressureConfig configures load shedding on the write path.
type BackpressureConfig struct {
	// Enabled turns on load shedding.
	Enabled bool `yaml:"enabled"`

	// Thresholds are queue usage ratios (0-1) for each level.
	Thresholds ThresholdsConfig `yaml:"thresholds"`

	// Hysteresis is subtracted from a threshold before the level drops.
	Hysteresis float64 `yaml:"hysteresis"`

	// Cooldown is the minimum time between level evaluations.
	Cooldown time.Duration `yaml:"cooldown"`
}

// ThresholdsConfig holds backpressure thresholds.
type ThresholdsConfig struct {
	Warning   float64 `yaml:"warning"`
	Critical  float64 `yaml:"critical"`
	Emergency float64 `yaml:"emergency"`
}

// RetentionConfig configures the cleanup of old data. Empty periods keep
// data forever.
type RetentionConfig struct {
	// Raw is how long raw samples are kept. Samples are only removed once
	// the rollup watermark has passed them.
	Raw string `yaml:"raw"`

	// Rollups is how long rollup files are kept.
	Rollups string `yaml:"rollups"`

	// Interval is the time between cleanup runs.
	Interval time.Duration `yaml:"interval"`
}

// QueryConfig configures the query service.
type QueryConfig struct {
	// ChunkSize is the number of samples fetched per store refill.
	ChunkSize int `yaml:"chunk_size"`

	// MemoryLimit is the DuckDB memory limit for SQL queries.
	MemoryLimit string `yaml:"memory_limit"`

	// Timeout is the query timeout.
	Timeout time.Duration `yaml:"timeout"`

	// MaxRows is the maximum number of rows returned.
	MaxRows int `yaml:"max_rows"`
}

// PreAggregationConfig configures the stored aggregates.
type PreAggregationConfig struct {
	// Enabled turns on the boundary-aware query path.
	Enabled bool `yaml:"enabled"`

	// Period is the native period of the stored aggregates.
	// Format: "15m", "1h", "1d"
	Period string `yaml:"period"`

	// Boundary is where stored aggregates end and raw samples take over.
	Boundary BoundaryConfig `yaml:"boundary"`
}

// BoundaryConfig sets the pre-aggregation boundary. Exactly one of Static
// and Relative is used; Static wins when both are set.
type BoundaryConfig struct {
	// Static is a fixed RFC 3339 instant.
	Static string `yaml:"static"`

	// Relative is a period subtracted from now, e.g. "1d".
	Relative string `yaml:"relative"`
}

// RollupConfig configures the rollup engine.
type RollupConfig struct {
	// Workers is the number of points rolled up in parallel.
	Workers int `yaml:"workers"`

	// Interval is the time between rollup runs.
	Interval time.Duration `yaml:"interval"`

	// BatchSize is the number of aggregates written per persist call.
	// Zero uses the engine default.
	BatchSize int `yaml:"batch_size"`
}

// FeaturesConfig configures optional features.
type FeaturesConfig struct {
	// Percentile configures DDSketch percentile calculation.
	Percentile PercentileConfig `yaml:"percentile"`

	// Compression configures Parquet and block compression.
	Compression CompressionConfig `yaml:"compression"`
}

// PercentileConfig configures DDSketch percentile calculation.
type PercentileConfig struct {
	// Enabled enables percentile calculation.
	Enabled bool `yaml:"enabled"`

	// Accuracy is the relative accuracy (0.01 = 1% error).
	Accuracy float64 `yaml:"accuracy"`
}

// CompressionConfig configures Parquet compression.
type CompressionConfig struct {
	// Algorithm is the compression algorithm: snappy, zstd, lz4, none.
	Algorithm string `yaml:"algorithm"`

	// Level is the compression level (for zstd: 1-22).
	Level int `yaml:"level"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	// Level is one of: debug, info, warn, error.
	Level string `yaml:"level"`

	// JSON switches from text to JSON output.
	JSON bool `yaml:"json"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is the address serving /metrics. Empty disables it.
	Listen string `yaml:"listen"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return config, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "/var/lib/historian",
		Scale: ScaleConfig{
			PointCount:        10000,
			SampleIntervalSec: 5,
		},
		Store: StoreConfig{
			Backend:        BackendDuckDB,
			PointCacheSize: 4096,
			BufferCapacity: 1000000,
		},
		Ingestion: IngestionConfig{
			QueueCapacity: 100000,
			BatchSize:     5000,
			FlushInterval: time.Second,
			WAL: WALConfig{
				Enabled:        true,
				SyncMode:       "async",
				MaxSegmentSize: 64 * 1024 * 1024,
				SyncInterval:   time.Second,
			},
		},
		Backpressure: BackpressureConfig{
			Enabled: true,
			Thresholds: ThresholdsConfig{
				Warning:   0.7,
				Critical:  0.85,
				Emergency: 0.95,
			},
			Hysteresis: 0.05,
			Cooldown:   time.Second,
		},
		Retention: RetentionConfig{
			Raw:      "",
			Rollups:  "",
			Interval: time.Hour,
		},
		Query: QueryConfig{
			ChunkSize:   1000,
			MemoryLimit: "2GB",
			Timeout:     30 * time.Second,
			MaxRows:     1000000,
		},
		PreAggregation: PreAggregationConfig{
			Enabled: false,
			Period:  "15m",
			Boundary: BoundaryConfig{
				Relative: "1d",
			},
		},
		Rollup: RollupConfig{
			Workers:   4,
			Interval:  15 * time.Minute,
			BatchSize: 1000,
		},
		Features: FeaturesConfig{
			Percentile: PercentileConfig{
				Enabled:  false,
				Accuracy: 0.01,
			},
			Compression: CompressionConfig{
				Algorithm: "zstd",
				Level:     3,
			},
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Listen: ":9464",
		},
	}
}

// PercentileAccuracy returns the sketch accuracy, or 0 when percentiles are
// disabled.
func (c *Config) PercentileAccuracy() float64 {
	if !c.Features.Percentile.Enabled {
		return 0
	}
	return c.Features.Percentile.Accuracy
}

// NativePeriod returns the parsed pre-aggregation period.
func (c *PreAggregationConfig) NativePeriod() (period.Period, error) {
	return period.Parse(c.Period)
}

// BoundaryAt returns the pre-aggregation boundary in effect at now.
func (c *BoundaryConfig) BoundaryAt(now time.Time) (time.Time, error) {
	if c.Static != "" {
		t, err := time.Parse(time.RFC3339, c.Static)
		if err != nil {
			return time.Time{}, fmt.Errorf("boundary.static: %w", err)
		}
		return t.In(now.Location()), nil
	}
	p, err := period.Parse(c.Relative)
	if err != nil {
		return time.Time{}, fmt.Errorf("boundary.relative: %w", err)
	}
	return p.Sub(now), nil
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.RollupDir(),
	}
	if c.Ingestion.WAL.Enabled {
		dirs = append(dirs, c.WALDir())
	}
	if c.Store.Backend == BackendBadger {
		dirs = append(dirs, c.KVDir())
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// KVDir returns the badger directory path.
func (c *Config) KVDir() string {
	if c.Store.Dir != "" {
		return c.Store.Dir
	}
	return filepath.Join(c.DataDir, "kv")
}

// WALDir returns the write-ahead log directory path.
func (c *Config) WALDir() string {
	return filepath.Join(c.DataDir, "wal")
}

// RollupDir returns the root directory of the rollup parquet files.
func (c *Config) RollupDir() string {
	return filepath.Join(c.DataDir, "rollups")
}

// Cutoff returns the instant before which data of the given retention
// period expires. ok is false when the period is empty.
func (c *RetentionConfig) Cutoff(keep string, now time.Time) (cutoff time.Time, ok bool, err error) {
	if keep == "" {
		return time.Time{}, false, nil
	}
	p, err := period.Parse(keep)
	if err != nil {
		return time.Time{}, false, err
	}
	return p.Sub(now), true, nil
}
