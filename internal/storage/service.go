package storage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/historian/internal/errors"
	"github.com/xtxerr/historian/internal/logging"
	"github.com/xtxerr/historian/internal/storage/aggregate"
	"github.com/xtxerr/historian/internal/storage/backpressure"
	"github.com/xtxerr/historian/internal/storage/compaction"
	"github.com/xtxerr/historian/internal/storage/config"
	"github.com/xtxerr/historian/internal/storage/cursor"
	"github.com/xtxerr/historian/internal/storage/ingestion"
	"github.com/xtxerr/historian/internal/storage/iter"
	"github.com/xtxerr/historian/internal/storage/period"
	"github.com/xtxerr/historian/internal/storage/preagg"
	"github.com/xtxerr/historian/internal/storage/query"
	"github.com/xtxerr/historian/internal/storage/retention"
	"github.com/xtxerr/historian/internal/storage/types"
	"github.com/xtxerr/historian/internal/validation"
)

var log = logging.Component("storage")

// Service is the main storage service that orchestrates all components.
type Service struct {
	mu sync.RWMutex

	config *config.Config

	// Components
	backend    Backend
	rollups    *preagg.ParquetStore
	query      *query.Service
	boundary   *query.Boundary
	ingestion  *ingestion.Service
	compaction *compaction.Engine
	retention  *retention.Manager

	// State
	running atomic.Bool
	closed  bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// Statistics
	startTime time.Time
}

// New opens the configured backend and creates all components. Nothing
// runs until Start.
func New(cfg *config.Config) (*Service, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	backend, err := openBackend(cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s backend: %w", cfg.Store.Backend, err)
	}

	s := &Service{
		config:  cfg,
		backend: backend,
	}
	if err := s.build(); err != nil {
		var cc errors.CloseCollector
		cc.Add(err)
		cc.Add(s.close())
		return nil, cc.Err()
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// build creates the components on top of the backend.
func (s *Service) build() error {
	cfg := s.config
	var err error

	qopts := query.Options{
		ChunkSize:          cfg.Query.ChunkSize,
		PercentileAccuracy: cfg.PercentileAccuracy(),
		MemoryLimit:        cfg.Query.MemoryLimit,
		MaxRows:            cfg.Query.MaxRows,
	}
	if cfg.PreAggregation.Enabled {
		qopts.RollupDir = cfg.RollupDir()
	}
	if s.query, err = query.New(s.backend, qopts); err != nil {
		return fmt.Errorf("create query: %w", err)
	}

	if s.ingestion, err = ingestion.New(s.backend, ingestion.OptionsFromConfig(cfg)); err != nil {
		return fmt.Errorf("create ingestion: %w", err)
	}
	pressure := s.ingestion.Pressure()

	retOpts := retention.Options{
		Config: cfg.Retention,
		Paused: pressure.ShouldPauseMaintenance,
	}

	if cfg.PreAggregation.Enabled {
		native, err := cfg.PreAggregation.NativePeriod()
		if err != nil {
			return fmt.Errorf("pre-aggregation period: %w", err)
		}
		if s.rollups, err = preagg.NewParquetStore(cfg.RollupDir(), native, parquetOptions(cfg)); err != nil {
			return fmt.Errorf("create rollup store: %w", err)
		}
		retOpts.Rollups = s.rollups

		boundary, err := boundaryFunc(cfg.PreAggregation.Boundary)
		if err != nil {
			return err
		}
		if s.boundary, err = query.NewBoundary(s.query, s.rollups, boundary); err != nil {
			return fmt.Errorf("create boundary service: %w", err)
		}

		s.compaction, err = compaction.New(s.backend, s.rollups, s.backend.ListPoints, compaction.Options{
			Workers:            cfg.Rollup.Workers,
			Interval:           cfg.Rollup.Interval,
			ChunkSize:          cfg.Query.ChunkSize,
			BatchSize:          cfg.Rollup.BatchSize,
			PercentileAccuracy: cfg.PercentileAccuracy(),
			Boundary:           boundary,
			Paused:             pressure.ShouldPauseMaintenance,
		})
		if err != nil {
			return fmt.Errorf("create rollup engine: %w", err)
		}
	}

	if s.retention, err = retention.New(s.backend, s.backend.ListPoints, retOpts); err != nil {
		return fmt.Errorf("create retention: %w", err)
	}
	return nil
}

// boundaryFunc returns the pre-aggregation boundary of cfg.
func boundaryFunc(cfg config.BoundaryConfig) (query.BoundaryFunc, error) {
	if cfg.Static != "" {
		t, err := cfg.BoundaryAt(time.Now())
		if err != nil {
			return nil, err
		}
		return query.StaticBoundary(t), nil
	}
	p, err := period.Parse(cfg.Relative)
	if err != nil {
		return nil, fmt.Errorf("boundary.relative: %w", err)
	}
	return query.RelativeBoundary(p, time.Now), nil
}

// Start registers the configured points and starts all components.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("storage service: %w", errors.ErrClosed)
	}
	if s.running.Load() {
		return fmt.Errorf("storage service: %w", errors.ErrInvalidState)
	}

	if err := s.registerPoints(context.Background()); err != nil {
		return err
	}

	// Replays the WAL before anything reads the backend.
	if err := s.ingestion.Start(); err != nil {
		return fmt.Errorf("start ingestion: %w", err)
	}

	if s.compaction != nil {
		if err := s.compaction.Start(); err != nil {
			s.ingestion.Stop()
			return fmt.Errorf("start rollup engine: %w", err)
		}
	}

	if s.retention.Enabled() {
		if err := s.retention.Start(); err != nil {
			if s.compaction != nil {
				s.compaction.Stop()
			}
			s.ingestion.Stop()
			return fmt.Errorf("start retention: %w", err)
		}
	}

	s.running.Store(true)
	s.startTime = time.Now()

	s.wg.Add(1)
	go s.backpressureWorker()

	log.Info("storage service started",
		"backend", s.config.Store.Backend,
		"pre_aggregation", s.config.PreAggregation.Enabled,
		"retention", s.retention.Enabled(),
	)
	return nil
}

// Stop stops all components, flushing queued samples into the backend, and
// closes the backend. A service that was never started is closed as well.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var cc errors.CloseCollector
	if s.running.Swap(false) {
		s.cancel()
		s.wg.Wait()

		cc.Add(s.retention.Stop())
		if s.compaction != nil {
			cc.Add(s.compaction.Stop())
		}
		cc.Add(s.ingestion.Stop())
	}
	s.cancel()
	cc.Add(s.close())

	log.Info("storage service stopped")
	return cc.Err()
}

// close releases the query service and the backend.
func (s *Service) close() error {
	var cc errors.CloseCollector
	if s.query != nil {
		cc.Add(s.query.Close())
	}
	cc.Add(s.backend.Close())
	return cc.Err()
}

// registerPoints creates the configured points that do not exist yet.
func (s *Service) registerPoints(ctx context.Context) error {
	for _, pc := range s.config.Points {
		dt, err := types.ParseDataType(pc.DataType)
		if err != nil {
			return fmt.Errorf("point %q: %w", pc.XID, err)
		}

		existing, err := s.backend.GetPointByXID(ctx, pc.XID)
		switch {
		case err == nil:
			if existing.DataType != dt {
				log.Warn("configured data type differs from the registered point",
					"xid", pc.XID, "configured", dt, "registered", existing.DataType)
			}
			continue
		case !errors.IsNotFound(err):
			return fmt.Errorf("point %q: %w", pc.XID, err)
		}

		p := types.Point{XID: pc.XID, Name: pc.Name, DataType: dt, Unit: pc.Unit}
		if err := s.backend.CreatePoint(ctx, &p); err != nil {
			return fmt.Errorf("register point %q: %w", pc.XID, err)
		}
		log.Info("point registered", "xid", p.XID, "id", p.ID, "data_type", p.DataType)
	}
	return nil
}

// backpressureWorker re-evaluates the load level while no samples arrive.
func (s *Service) backpressureWorker() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	pressure := s.ingestion.Pressure()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pressure.Check()
		}
	}
}

// =============================================================================
// Points
// =============================================================================

// CreatePoint registers a point. A zero ID is assigned by the backend.
func (s *Service) CreatePoint(ctx context.Context, p *types.Point) error {
	if err := validation.ValidateXID(p.XID); err != nil {
		return errors.NewValidation("xid", err.Error())
	}
	if err := validation.ValidateUnit(p.Unit); err != nil {
		return errors.NewValidation("unit", err.Error())
	}
	return s.backend.CreatePoint(ctx, p)
}

// Point returns the point with the given external identifier.
func (s *Service) Point(ctx context.Context, xid string) (types.Point, error) {
	return s.backend.GetPointByXID(ctx, xid)
}

// Points returns all registered points ordered by ID.
func (s *Service) Points(ctx context.Context) ([]types.Point, error) {
	return s.backend.ListPoints(ctx)
}

// =============================================================================
// Write path
// =============================================================================

// Ingest queues samples for the backend. Every sample must belong to a
// registered point and carry a value of the point's data type. Queued
// samples become visible to queries once flushed.
func (s *Service) Ingest(ctx context.Context, samples []types.Sample) error {
	if !s.running.Load() {
		return fmt.Errorf("storage service: %w", errors.ErrClosed)
	}

	points := make(map[types.SeriesID]types.Point)
	for i, sample := range samples {
		p, ok := points[sample.SeriesID]
		if !ok {
			var err error
			p, err = s.backend.GetPoint(ctx, sample.SeriesID)
			if err != nil {
				return fmt.Errorf("sample %d: %w", i, err)
			}
			points[sample.SeriesID] = p
		}
		if sample.Value.Type != p.DataType {
			return errors.NewValidation("value", fmt.Sprintf("sample %d of point %s is %s, expected %s", i, p, sample.Value.Type, p.DataType))
		}
	}

	return s.ingestion.Ingest(ctx, samples)
}

// Flush writes all queued samples into the backend.
func (s *Service) Flush(ctx context.Context) error {
	return s.ingestion.Flush(ctx)
}

// =============================================================================
// Read path
// =============================================================================

// Query aggregates point over [from, to) into buckets of p. With
// pre-aggregation enabled, stored aggregates serve the range before the
// boundary.
func (s *Service) Query(ctx context.Context, point types.Point, from, to time.Time, limit int, p period.Period) (iter.Iterator[*aggregate.Value], error) {
	if s.boundary != nil {
		return s.boundary.Query(ctx, point, from, to, limit, p)
	}
	return s.query.Query(ctx, point, from, to, limit, p)
}

// Aggregate runs Query for every point and merges the results by period
// start and point.
func (s *Service) Aggregate(ctx context.Context, points []types.Point, from, to time.Time, limit int, p period.Period) (iter.Iterator[*aggregate.Value], error) {
	if s.boundary != nil {
		return s.boundary.Aggregate(ctx, points, from, to, limit, p)
	}
	return s.query.Aggregate(ctx, points, from, to, limit, p)
}

// Summarize returns calendar-window statistics of a numeric point.
func (s *Service) Summarize(ctx context.Context, point types.Point, from, to time.Time, p period.Period) (iter.Iterator[aggregate.WindowResult], error) {
	return s.query.Summarize(ctx, point, from, to, p)
}

// Aligned returns the raw samples of points grouped by timestamp.
func (s *Service) Aligned(ctx context.Context, points []types.Point, from, to time.Time, limit int) (iter.Iterator[query.AlignedRow], error) {
	return s.query.Aligned(ctx, points, from, to, limit)
}

// Samples reads raw samples, see query.Service.Samples.
func (s *Service) Samples(ctx context.Context, points []types.Point, from, to time.Time, limit int, strategy cursor.Strategy) (iter.Iterator[types.Sample], error) {
	return s.query.Samples(ctx, points, from, to, limit, strategy)
}

// ExecuteSQL runs an ad-hoc SQL statement, see query.Service.ExecuteSQL.
func (s *Service) ExecuteSQL(ctx context.Context, sql string) ([]map[string]interface{}, error) {
	return s.query.ExecuteSQL(ctx, sql)
}

// =============================================================================
// Maintenance
// =============================================================================

// RunRollups brings the pre-aggregates of every point up to the boundary.
func (s *Service) RunRollups(ctx context.Context) error {
	if s.compaction == nil {
		return errors.NewUnsupported("pre-aggregation", "rollup")
	}
	return s.compaction.RunOnce(ctx)
}

// RunRetention performs one retention pass.
func (s *Service) RunRetention(ctx context.Context) (retention.Result, error) {
	return s.retention.Run(ctx)
}

// =============================================================================
// Statistics
// =============================================================================

// Stats returns combined statistics.
func (s *Service) Stats() ServiceStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var uptime time.Duration
	if !s.startTime.IsZero() && s.running.Load() {
		uptime = time.Since(s.startTime)
	}

	stats := ServiceStats{
		Running:      s.running.Load(),
		Uptime:       uptime,
		Backend:      s.config.Store.Backend,
		Ingestion:    s.ingestion.Stats(),
		Query:        s.query.Stats(),
		Backpressure: s.ingestion.Pressure().Stats(),
		Retention:    s.retention.Stats(),
	}
	if s.compaction != nil {
		stats.Rollup = s.compaction.Stats()
	}
	if s.rollups != nil {
		if usage, err := s.retention.RollupDiskUsage(); err == nil {
			stats.RollupDisk = usage
		}
	}
	return stats
}

// ServiceStats holds combined statistics.
type ServiceStats struct {
	Running      bool
	Uptime       time.Duration
	Backend      string
	Ingestion    ingestion.ServiceStats
	Rollup       compaction.EngineStats
	RollupDisk   retention.DiskUsage
	Query        query.Stats
	Backpressure backpressure.ControllerStats
	Retention    retention.Stats
}

// Config returns the current configuration.
func (s *Service) Config() *config.Config {
	return s.config
}

// IsRunning returns whether the service is running.
func (s *Service) IsRunning() bool {
	return s.running.Load()
}

// BackpressureLevel returns the current backpressure level.
func (s *Service) BackpressureLevel() backpressure.Level {
	return s.ingestion.Pressure().CurrentLevel()
}
