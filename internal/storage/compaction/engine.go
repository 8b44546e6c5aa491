// Package compaction materializes pre-aggregates. The engine rolls raw
// samples up into aggregates of the store's native period and persists them
// up to the pre-aggregation boundary, advancing a watermark per point.
package compaction

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/historian/internal/errors"
	"github.com/xtxerr/historian/internal/logging"
	"github.com/xtxerr/historian/internal/metrics"
	"github.com/xtxerr/historian/internal/storage/aggregate"
	"github.com/xtxerr/historian/internal/storage/cursor"
	"github.com/xtxerr/historian/internal/storage/iter"
	"github.com/xtxerr/historian/internal/storage/period"
	"github.com/xtxerr/historian/internal/storage/preagg"
	"github.com/xtxerr/historian/internal/storage/quantize"
	"github.com/xtxerr/historian/internal/storage/types"
)

var log = logging.Component("rollup")

// PointLister returns the points to roll up.
type PointLister func(ctx context.Context) ([]types.Point, error)

// Options configures an Engine.
type Options struct {
	// Workers is the number of points rolled up in parallel.
	Workers int

	// Interval is the time between scheduled runs.
	Interval time.Duration

	// ChunkSize is the number of samples fetched per store refill.
	ChunkSize int

	// BatchSize is the number of aggregates written per Persist call.
	BatchSize int

	// PercentileAccuracy enables percentiles on numeric aggregates when
	// positive.
	PercentileAccuracy float64

	// Boundary returns the instant up to which aggregates are materialized.
	// It is truncated to the target's native period. Defaults to time.Now.
	Boundary func() time.Time

	// Paused skips scheduled runs while it returns true.
	Paused func() bool
}

// Engine rolls raw samples up into pre-aggregates.
type Engine struct {
	mu sync.Mutex

	samples cursor.Store
	target  preagg.Store
	points  PointLister
	opts    Options

	// State
	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// Job queue
	jobCh   chan Job
	pending map[types.SeriesID]bool

	// locks serializes jobs of the same point.
	locks sync.Map

	// Statistics
	stats Stats
}

// Stats holds rollup statistics.
type Stats struct {
	JobsScheduled     atomic.Int64
	JobsCompleted     atomic.Int64
	JobsFailed        atomic.Int64
	AggregatesWritten atomic.Int64
}

// Job rolls up one point over [From, To).
type Job struct {
	Point types.Point
	From  time.Time
	To    time.Time
}

// String returns a compact description for logs.
func (j Job) String() string {
	return fmt.Sprintf("%s[%s..%s]", j.Point, j.From.UTC().Format(time.RFC3339), j.To.UTC().Format(time.RFC3339))
}

// New creates a rollup engine reading samples and writing into target.
func New(samples cursor.Store, target preagg.Store, points PointLister, opts Options) (*Engine, error) {
	if samples == nil {
		return nil, errors.NewMissingField("samples")
	}
	if target == nil {
		return nil, errors.NewMissingField("target")
	}
	if points == nil {
		return nil, errors.NewMissingField("points")
	}
	if err := target.Period().Validate(); err != nil {
		return nil, fmt.Errorf("target period: %w: %w", errors.ErrInvalidPeriod, err)
	}

	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Interval <= 0 {
		opts.Interval = 15 * time.Minute
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = cursor.DefaultChunkSize
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1000
	}
	if opts.Boundary == nil {
		opts.Boundary = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		samples: samples,
		target:  target,
		points:  points,
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		jobCh:   make(chan Job, 100),
		pending: make(map[types.SeriesID]bool),
	}, nil
}

// Start starts the workers and the scheduler.
func (e *Engine) Start() error {
	if e.running.Load() {
		return fmt.Errorf("rollup engine: %w", errors.ErrInvalidState)
	}

	e.running.Store(true)

	// Start workers
	for i := 0; i < e.opts.Workers; i++ {
		e.wg.Add(1)
		go e.worker(i)
	}

	// Start scheduler
	e.wg.Add(1)
	go e.scheduler()

	log.Info("rollup engine started", "workers", e.opts.Workers, "interval", e.opts.Interval, "period", e.target.Period().String())
	return nil
}

// Stop stops the engine and waits for running jobs.
func (e *Engine) Stop() error {
	if !e.running.Load() {
		return nil
	}

	e.running.Store(false)
	e.cancel()

	e.mu.Lock()
	close(e.jobCh)
	e.mu.Unlock()

	e.wg.Wait()

	log.Info("rollup engine stopped")
	return nil
}

// worker processes queued jobs.
func (e *Engine) worker(id int) {
	defer e.wg.Done()

	for job := range e.jobCh {
		if err := e.runJob(e.ctx, job); err != nil {
			log.Error("rollup job failed", "worker", id, "job", job.String(), "error", err)
		}
		e.release(job.Point.ID)
	}
}

// scheduler plans jobs every interval.
func (e *Engine) scheduler() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.opts.Interval)
	defer ticker.Stop()

	e.scheduleJobs()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.scheduleJobs()
		}
	}
}

// scheduleJobs queues one job for every point behind the boundary.
func (e *Engine) scheduleJobs() {
	if e.opts.Paused != nil && e.opts.Paused() {
		log.Debug("rollup run skipped under backpressure")
		return
	}
	jobs, err := e.Plan(e.ctx)
	if err != nil {
		log.Error("plan rollup jobs", "error", err)
		return
	}
	for _, job := range jobs {
		e.SubmitJob(job)
	}
}

// SubmitJob queues a job. It returns false when the engine is stopped, the
// queue is full, or a job for the same point is already queued.
func (e *Engine) SubmitJob(job Job) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running.Load() || e.pending[job.Point.ID] {
		return false
	}

	select {
	case e.jobCh <- job:
		e.pending[job.Point.ID] = true
		e.stats.JobsScheduled.Add(1)
		return true
	default:
		// Queue full
		return false
	}
}

func (e *Engine) release(id types.SeriesID) {
	e.mu.Lock()
	delete(e.pending, id)
	e.mu.Unlock()
}

// Cutoff returns the end of the last complete native period before the
// boundary.
func (e *Engine) Cutoff() time.Time {
	return period.TruncateToPeriod(e.opts.Boundary(), e.target.Period())
}

// Plan returns the jobs bringing every supported point up to the cutoff.
// A point starts at its watermark, or at its first sample truncated to the
// native period when nothing has been persisted yet.
func (e *Engine) Plan(ctx context.Context) ([]Job, error) {
	points, err := e.points(ctx)
	if err != nil {
		return nil, fmt.Errorf("list points: %w", err)
	}

	cutoff := e.Cutoff()
	native := e.target.Period()

	var jobs []Job
	for _, point := range points {
		if !e.target.Supports(point) {
			continue
		}

		wm, ok, err := e.target.Watermark(ctx, point)
		if err != nil {
			return nil, fmt.Errorf("watermark of %s: %w", point, err)
		}

		var from time.Time
		if ok {
			from = time.UnixMilli(wm).In(cutoff.Location())
		} else {
			first, found, err := e.firstSample(ctx, point.ID)
			if err != nil {
				return nil, err
			}
			if !found {
				continue
			}
			from = period.TruncateToPeriod(first.TimestampTime().In(cutoff.Location()), native)
		}

		if from.Before(cutoff) {
			jobs = append(jobs, Job{Point: point, From: from, To: cutoff})
		}
	}
	return jobs, nil
}

func (e *Engine) firstSample(ctx context.Context, series types.SeriesID) (types.Sample, bool, error) {
	c, err := cursor.NewValueCursor(ctx, e.samples, series, cursor.Options{
		Limit:     cursor.Int(1),
		Order:     types.Ascending,
		ChunkSize: 1,
	})
	if err != nil {
		return types.Sample{}, false, err
	}
	defer c.Close()

	if c.Next() {
		return c.At(), true, nil
	}
	return types.Sample{}, false, c.Err()
}

// RunOnce plans and runs all jobs, at most Workers at a time, and returns
// the first failure.
func (e *Engine) RunOnce(ctx context.Context) error {
	jobs, err := e.Plan(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)
	for _, job := range jobs {
		g.Go(func() error {
			return e.runJob(gctx, job)
		})
	}
	return g.Wait()
}

// RunJob executes a job synchronously.
func (e *Engine) RunJob(ctx context.Context, job Job) error {
	return e.runJob(ctx, job)
}

func (e *Engine) runJob(ctx context.Context, job Job) (err error) {
	start := time.Now()
	defer func() {
		if err != nil {
			e.stats.JobsFailed.Add(1)
			metrics.RollupJobs.WithLabelValues("failed").Inc()
			return
		}
		e.stats.JobsCompleted.Add(1)
		metrics.RollupJobs.WithLabelValues("completed").Inc()
	}()

	unlock := e.lockPoint(job.Point.ID)
	defer unlock()

	if job, err = e.advance(ctx, job); err != nil {
		return err
	}

	pipeline, err := e.rollup(ctx, job)
	if err != nil || pipeline == nil {
		return err
	}
	batches, err := iter.Chunk(pipeline, e.opts.BatchSize)
	if err != nil {
		return err
	}
	defer batches.Close()

	written := 0
	for batches.Next() {
		values := batches.At()
		if err := e.target.Persist(ctx, job.Point, values); err != nil {
			return fmt.Errorf("persist %s: %w", job, err)
		}
		written += len(values)
		e.stats.AggregatesWritten.Add(int64(len(values)))
	}
	if err := batches.Err(); err != nil {
		return fmt.Errorf("rollup %s: %w", job, err)
	}
	if written == 0 {
		return nil
	}

	log.Info("rollup job completed",
		"job", job.String(),
		"aggregates", written,
		"duration", time.Since(start))
	return nil
}

func (e *Engine) lockPoint(id types.SeriesID) func() {
	v, _ := e.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// advance moves the start of job to the watermark when another job of the
// point has persisted past it since planning.
func (e *Engine) advance(ctx context.Context, job Job) (Job, error) {
	if !e.target.Supports(job.Point) {
		return job, nil
	}
	wm, ok, err := e.target.Watermark(ctx, job.Point)
	if err != nil {
		return job, fmt.Errorf("watermark of %s: %w", job.Point, err)
	}
	if ok && wm > job.From.UnixMilli() {
		job.From = time.UnixMilli(wm).In(job.To.Location())
	}
	return job, nil
}

// rollup aggregates the samples of job, bookended by the value before From
// and the value in effect at To. An empty job yields a nil iterator.
func (e *Engine) rollup(ctx context.Context, job Job) (iter.Iterator[*aggregate.Value], error) {
	kind, ok := aggregate.KindFor(job.Point.DataType)
	if !ok {
		return nil, fmt.Errorf("point %s of data type %s: %w", job.Point, job.Point.DataType, errors.ErrUnsupportedDataType)
	}
	if !job.From.Before(job.To) {
		return nil, nil
	}

	fromMs, toMs := job.From.UnixMilli(), job.To.UnixMilli()

	prev, found, err := cursor.Latest(ctx, e.samples, job.Point.ID, fromMs)
	if err != nil {
		return nil, err
	}
	var previous *types.Sample
	if found {
		previous = &prev
	}

	samples, err := cursor.NewValueCursor(ctx, e.samples, job.Point.ID, cursor.Options{
		Start:     &fromMs,
		End:       &toMs,
		Order:     types.Ascending,
		ChunkSize: e.opts.ChunkSize,
	})
	if err != nil {
		return nil, err
	}

	pipeline, err := quantize.NewBoundedRollup(quantize.WithBookends(samples, fromMs, toMs, previous), kind, quantize.Config{
		Series:             job.Point.ID,
		From:               job.From,
		To:                 job.To,
		Period:             e.target.Period(),
		PercentileAccuracy: e.opts.PercentileAccuracy,
	})
	if err != nil {
		samples.Close()
		return nil, err
	}
	return pipeline, nil
}

// Stats returns current statistics.
func (e *Engine) Stats() EngineStats {
	e.mu.Lock()
	queued := len(e.pending)
	e.mu.Unlock()

	return EngineStats{
		Running:           e.running.Load(),
		Queued:            queued,
		JobsScheduled:     e.stats.JobsScheduled.Load(),
		JobsCompleted:     e.stats.JobsCompleted.Load(),
		JobsFailed:        e.stats.JobsFailed.Load(),
		AggregatesWritten: e.stats.AggregatesWritten.Load(),
	}
}

// EngineStats holds engine statistics.
type EngineStats struct {
	Running           bool
	Queued            int
	JobsScheduled     int64
	JobsCompleted     int64
	JobsFailed        int64
	AggregatesWritten int64
}

// IsRunning returns whether the engine is running.
func (e *Engine) IsRunning() bool {
	return e.running.Load()
}
