// Package retention removes raw samples and rollup files that are older
// than the configured retention periods.
//
// Raw samples of a point with pre-aggregates are only removed once the
// rollup watermark has passed them, and the last sample before the cutoff
// is always kept so the value in effect at the cutoff remains known.
package retention

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/historian/internal/errors"
	"github.com/xtxerr/historian/internal/logging"
	"github.com/xtxerr/historian/internal/metrics"
	"github.com/xtxerr/historian/internal/storage/config"
	"github.com/xtxerr/historian/internal/storage/cursor"
	"github.com/xtxerr/historian/internal/storage/preagg"
	"github.com/xtxerr/historian/internal/storage/types"
)

var log = logging.Component("retention")

// SampleStore is a raw sample store that can drop old samples.
type SampleStore interface {
	cursor.Store
	DeleteSamplesBefore(ctx context.Context, series types.SeriesID, beforeMs int64) (int64, error)
}

// RollupStore is a pre-aggregate store that can drop old files.
type RollupStore interface {
	preagg.Store
	DeleteBefore(ctx context.Context, point types.Point, beforeMs int64) (files int, bytes int64, err error)
	DiskUsage() (files int, bytes int64, err error)
}

// PointLister returns the points to clean up.
type PointLister func(ctx context.Context) ([]types.Point, error)

// Options configures a Manager.
type Options struct {
	// Config holds the retention periods and the run interval.
	Config config.RetentionConfig

	// Rollups is the pre-aggregate store, nil when pre-aggregation is
	// disabled.
	Rollups RollupStore

	// Paused skips scheduled runs while it returns true.
	Paused func() bool

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Manager handles periodic cleanup of expired data.
type Manager struct {
	mu sync.Mutex

	samples SampleStore
	points  PointLister
	opts    Options

	// State
	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// Statistics
	stats Stats
}

// Stats holds retention statistics.
type Stats struct {
	LastRunTime    time.Time
	Runs           int64
	SamplesDeleted int64
	FilesDeleted   int64
	BytesFreed     int64
	PointsSkipped  int64
	Errors         int64
}

// Result holds the outcome of one cleanup run.
type Result struct {
	Points         int
	SamplesDeleted int64
	FilesDeleted   int
	BytesFreed     int64
	PointsSkipped  int
	Errors         []error
}

// New creates a retention manager for samples.
func New(samples SampleStore, points PointLister, opts Options) (*Manager, error) {
	if samples == nil {
		return nil, errors.NewMissingField("samples")
	}
	if points == nil {
		return nil, errors.NewMissingField("points")
	}
	if opts.Config.Interval <= 0 {
		opts.Config.Interval = time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		samples: samples,
		points:  points,
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Enabled reports whether any retention period is configured.
func (m *Manager) Enabled() bool {
	return m.opts.Config.Raw != "" || (m.opts.Config.Rollups != "" && m.opts.Rollups != nil)
}

// Start starts the cleanup worker.
func (m *Manager) Start() error {
	if m.running.Load() {
		return fmt.Errorf("retention manager: %w", errors.ErrInvalidState)
	}
	m.running.Store(true)

	m.wg.Add(1)
	go m.worker()

	log.Info("retention manager started",
		"raw", m.opts.Config.Raw,
		"rollups", m.opts.Config.Rollups,
		"interval", m.opts.Config.Interval,
	)
	return nil
}

// Stop stops the worker and waits for a running cleanup.
func (m *Manager) Stop() error {
	if !m.running.Load() {
		return nil
	}
	m.running.Store(false)
	m.cancel()
	m.wg.Wait()

	log.Info("retention manager stopped")
	return nil
}

// IsRunning returns whether the worker is running.
func (m *Manager) IsRunning() bool {
	return m.running.Load()
}

func (m *Manager) worker() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.Config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if m.opts.Paused != nil && m.opts.Paused() {
				log.Debug("retention run skipped under backpressure")
				continue
			}
			result, err := m.Run(m.ctx)
			if err != nil {
				log.Error("retention run failed", "error", err)
				continue
			}
			for _, err := range result.Errors {
				log.Warn("retention", "error", err)
			}
		}
	}
}

// Run performs one cleanup pass over all points. Per-point failures are
// collected in the result; the error reports failures that stop the run.
func (m *Manager) Run(ctx context.Context) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.opts.Now()
	cfg := m.opts.Config

	rawCutoff, rawOK, err := cfg.Cutoff(cfg.Raw, now)
	if err != nil {
		return Result{}, fmt.Errorf("raw retention: %w", err)
	}
	rollupCutoff, rollupOK, err := cfg.Cutoff(cfg.Rollups, now)
	if err != nil {
		return Result{}, fmt.Errorf("rollup retention: %w", err)
	}
	rollupOK = rollupOK && m.opts.Rollups != nil

	var result Result
	if !rawOK && !rollupOK {
		return result, nil
	}

	points, err := m.points(ctx)
	if err != nil {
		return result, fmt.Errorf("list points: %w", err)
	}

	for _, p := range points {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Points++

		if rawOK {
			n, skipped, err := m.deleteSamples(ctx, p, rawCutoff.UnixMilli())
			switch {
			case err != nil:
				result.Errors = append(result.Errors, fmt.Errorf("point %s: %w", p, err))
			case skipped:
				result.PointsSkipped++
			default:
				result.SamplesDeleted += n
			}
		}

		if rollupOK && m.opts.Rollups.Supports(p) {
			files, bytes, err := m.opts.Rollups.DeleteBefore(ctx, p, rollupCutoff.UnixMilli())
			if err != nil {
				result.Errors = append(result.Errors, fmt.Errorf("point %s rollups: %w", p, err))
			}
			result.FilesDeleted += files
			result.BytesFreed += bytes
		}
	}

	m.record(now, result)
	return result, nil
}

// deleteSamples removes the samples of p before the cutoff. skipped is true
// when the rollups of p have not reached any data yet.
func (m *Manager) deleteSamples(ctx context.Context, p types.Point, cutoff int64) (n int64, skipped bool, err error) {
	if m.opts.Rollups != nil && m.opts.Rollups.Supports(p) {
		wm, ok, err := m.opts.Rollups.Watermark(ctx, p)
		if err != nil {
			return 0, false, err
		}
		if !ok {
			return 0, true, nil
		}
		cutoff = min(cutoff, wm)
	}

	prev, ok, err := cursor.Latest(ctx, m.samples, p.ID, cutoff)
	if err != nil {
		return 0, false, err
	}
	if !ok {
		return 0, false, nil
	}
	n, err = m.samples.DeleteSamplesBefore(ctx, p.ID, prev.TimestampMs)
	if err != nil {
		return 0, false, err
	}
	if n > 0 {
		log.Debug("raw samples deleted", "point", p.ID, "before", prev.TimestampMs, "samples", n)
	}
	return n, false, nil
}

func (m *Manager) record(now time.Time, r Result) {
	m.stats.LastRunTime = now
	m.stats.Runs++
	m.stats.SamplesDeleted += r.SamplesDeleted
	m.stats.FilesDeleted += int64(r.FilesDeleted)
	m.stats.BytesFreed += r.BytesFreed
	m.stats.PointsSkipped += int64(r.PointsSkipped)
	m.stats.Errors += int64(len(r.Errors))

	metrics.RetentionDeleted.WithLabelValues("samples").Add(float64(r.SamplesDeleted))
	metrics.RetentionDeleted.WithLabelValues("rollup_files").Add(float64(r.FilesDeleted))

	if r.SamplesDeleted > 0 || r.FilesDeleted > 0 {
		log.Info("retention run completed",
			"points", r.Points,
			"samples", r.SamplesDeleted,
			"files", r.FilesDeleted,
			"freed", FormatBytes(r.BytesFreed),
		)
	}
}

// Stats returns current statistics.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// DiskUsage holds disk usage information.
type DiskUsage struct {
	FileCount int
	TotalSize int64
}

// String formats the usage for humans.
func (u DiskUsage) String() string {
	return fmt.Sprintf("%d files, %s", u.FileCount, FormatBytes(u.TotalSize))
}

// RollupDiskUsage returns the disk usage of the rollup files.
func (m *Manager) RollupDiskUsage() (DiskUsage, error) {
	if m.opts.Rollups == nil {
		return DiskUsage{}, nil
	}
	files, bytes, err := m.opts.Rollups.DiskUsage()
	if err != nil {
		return DiskUsage{}, errors.NewStoreError("disk usage", err)
	}
	return DiskUsage{FileCount: files, TotalSize: bytes}, nil
}

// FormatBytes formats bytes as human-readable string.
func FormatBytes(b int64) string {
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
