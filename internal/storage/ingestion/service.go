// Package ingestion is the write path. Samples are logged to the WAL,
// queued, and written to the sample store in batches by a flush worker.
// On start, samples left in the WAL by an unclean shutdown are written to
// the store before new samples are accepted.
package ingestion

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/historian/internal/errors"
	"github.com/xtxerr/historian/internal/logging"
	"github.com/xtxerr/historian/internal/metrics"
	"github.com/xtxerr/historian/internal/storage/backpressure"
	"github.com/xtxerr/historian/internal/storage/buffer"
	"github.com/xtxerr/historian/internal/storage/config"
	"github.com/xtxerr/historian/internal/storage/types"
	"github.com/xtxerr/historian/internal/storage/wal"
)

var log = logging.Component("ingestion")

// ErrOverloaded is returned when samples are rejected to relieve the queue.
var ErrOverloaded = errors.New("ingest queue overloaded")

// Sink persists samples.
type Sink interface {
	Write(ctx context.Context, samples []types.Sample) error
}

// Options configures the write path.
type Options struct {
	// QueueCapacity is the number of samples held before they are flushed.
	QueueCapacity int

	// BatchSize is the number of samples written to the sink at once.
	BatchSize int

	// FlushInterval is the maximum time a sample waits in the queue.
	FlushInterval time.Duration

	// WALDir is the write-ahead log directory. Empty disables the WAL.
	WALDir string

	// WAL configures the write-ahead log writer.
	WAL wal.Options

	// Backpressure configures load shedding.
	Backpressure config.BackpressureConfig
}

// OptionsFromConfig returns the write path options of cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	opts := Options{
		QueueCapacity: cfg.Ingestion.QueueCapacity,
		BatchSize:     cfg.Ingestion.BatchSize,
		FlushInterval: cfg.Ingestion.FlushInterval,
		Backpressure:  cfg.Backpressure,
	}
	if cfg.Ingestion.WAL.Enabled {
		opts.WALDir = cfg.WALDir()
		opts.WAL = wal.Options{
			MaxSegmentSize: cfg.Ingestion.WAL.MaxSegmentSize,
			SyncMode:       cfg.Ingestion.WAL.SyncMode,
			SyncInterval:   cfg.Ingestion.WAL.SyncInterval,
		}
	}
	return opts
}

// Service orchestrates the write path: Samples → WAL → queue → Sink.
type Service struct {
	// mu orders WAL appends with queue pushes, so that an empty queue
	// means every logged sample reached the sink.
	mu sync.Mutex

	// flushMu serializes flushes.
	flushMu sync.Mutex

	sink     Sink
	opts     Options
	queue    *buffer.RingBuffer
	wal      *wal.Writer
	pressure *backpressure.Controller

	// State
	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// Statistics
	stats Stats

	// Channels
	flushCh chan struct{}
}

// Stats holds ingestion statistics.
type Stats struct {
	SamplesReceived  atomic.Int64
	SamplesQueued    atomic.Int64
	SamplesWritten   atomic.Int64
	SamplesDropped   atomic.Int64
	SamplesReplayed  atomic.Int64
	BatchesProcessed atomic.Int64
	FlushesCompleted atomic.Int64
	Errors           atomic.Int64
}

// New creates a write path into sink.
func New(sink Sink, opts Options) (*Service, error) {
	if sink == nil {
		return nil, errors.NewMissingField("sink")
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = 100000
	}
	if opts.BatchSize <= 0 || opts.BatchSize > opts.QueueCapacity {
		opts.BatchSize = min(5000, opts.QueueCapacity)
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}

	queue := buffer.New(opts.QueueCapacity)
	ctx, cancel := context.WithCancel(context.Background())

	return &Service{
		sink:     sink,
		opts:     opts,
		queue:    queue,
		pressure: backpressure.New(opts.Backpressure, queue),
		ctx:      ctx,
		cancel:   cancel,
		flushCh:  make(chan struct{}, 1),
	}, nil
}

// Start replays the WAL into the sink, opens a fresh WAL segment and
// starts the flush worker.
func (s *Service) Start() error {
	if s.running.Load() {
		return fmt.Errorf("ingestion: %w", errors.ErrInvalidState)
	}

	if s.opts.WALDir != "" {
		n, err := wal.Replay(s.opts.WALDir, func(samples []types.Sample) error {
			return s.sink.Write(s.ctx, samples)
		})
		if err != nil {
			return fmt.Errorf("replay wal: %w", err)
		}
		if n > 0 {
			log.Info("wal replayed", "samples", n)
			s.stats.SamplesReplayed.Add(int64(n))
			metrics.SamplesIngested.Add(float64(n))
		}

		w, err := wal.NewWriter(s.opts.WALDir, s.opts.WAL)
		if err != nil {
			return fmt.Errorf("open wal: %w", err)
		}
		if _, err := w.Checkpoint(); err != nil {
			w.Close()
			return fmt.Errorf("checkpoint wal: %w", err)
		}
		s.wal = w
	}

	s.running.Store(true)

	s.wg.Add(1)
	go s.flushWorker()

	log.Info("ingestion started",
		"queue_capacity", s.opts.QueueCapacity,
		"batch_size", s.opts.BatchSize,
		"wal", s.opts.WALDir != "")

	return nil
}

// Stop stops the worker, flushes the queue and closes the WAL.
func (s *Service) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	s.cancel()
	s.wg.Wait()

	var cc errors.CloseCollector

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.flush(ctx); err != nil {
		cc.Add(fmt.Errorf("final flush: %w", err))
	}

	if s.wal != nil {
		cc.Add(s.wal.Close())
	}

	log.Info("ingestion stopped", "written", s.stats.SamplesWritten.Load(), "dropped", s.stats.SamplesDropped.Load())
	return cc.Err()
}

// Ingest accepts a batch of samples. With the WAL enabled the batch is
// logged before Ingest returns; samples become visible to queries after
// the next flush. The whole batch is rejected with ErrOverloaded when the
// queue cannot take it.
func (s *Service) Ingest(ctx context.Context, samples []types.Sample) error {
	if !s.running.Load() {
		return fmt.Errorf("ingestion: %w", errors.ErrClosed)
	}
	if len(samples) == 0 {
		return nil
	}

	for i, sample := range samples {
		if sample.Value.Type < types.DataTypeBinary || sample.Value.Type > types.DataTypeAlphanumeric {
			return fmt.Errorf("sample %d of series %d: %w", i, sample.SeriesID, errors.ErrUnsupportedDataType)
		}
	}

	s.stats.SamplesReceived.Add(int64(len(samples)))

	s.pressure.Check()
	if s.pressure.ShouldDrop() {
		s.drop(len(samples))
		s.pressure.RecordDrop(len(samples))
		return ErrOverloaded
	}
	if s.pressure.ShouldThrottle() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.pressure.ThrottleDelay()):
		}
	}

	if err := s.enqueue(samples); err != nil {
		return err
	}

	s.stats.BatchesProcessed.Add(1)
	if s.queue.Len() >= s.opts.BatchSize {
		s.ForceFlush()
	}
	return nil
}

func (s *Service) enqueue(samples []types.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.queue.Cap()-s.queue.Len() < len(samples) {
		s.drop(len(samples))
		metrics.SamplesDropped.WithLabelValues("queue_full").Add(float64(len(samples)))
		s.ForceFlush()
		return ErrOverloaded
	}

	if s.wal != nil {
		if err := s.wal.Write(samples); err != nil {
			s.stats.Errors.Add(1)
			return fmt.Errorf("wal write: %w", err)
		}
	}

	for _, sample := range samples {
		s.queue.Push(sample)
	}
	s.stats.SamplesQueued.Add(int64(len(samples)))
	return nil
}

func (s *Service) drop(n int) {
	s.stats.SamplesDropped.Add(int64(n))
}

// flushWorker flushes on every interval and whenever a full batch is
// queued.
func (s *Service) flushWorker() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.pressure.Check()
		case <-s.flushCh:
		}

		if err := s.flush(s.ctx); err != nil && s.ctx.Err() == nil {
			log.Error("flush failed", "error", err, "queued", s.queue.Len())
		}
	}
}

// Flush writes every queued sample to the sink.
func (s *Service) Flush(ctx context.Context) error {
	return s.flush(ctx)
}

func (s *Service) flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	for {
		s.mu.Lock()
		batch := s.queue.PopN(s.opts.BatchSize)
		s.mu.Unlock()

		if len(batch) == 0 {
			break
		}

		if err := s.sink.Write(ctx, batch); err != nil {
			s.stats.Errors.Add(1)
			s.requeue(batch)
			return errors.NewStoreError("write samples", err)
		}

		s.stats.SamplesWritten.Add(int64(len(batch)))
		metrics.SamplesIngested.Add(float64(len(batch)))
	}

	s.stats.FlushesCompleted.Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wal != nil && s.queue.Len() == 0 {
		if _, err := s.wal.Checkpoint(); err != nil {
			s.stats.Errors.Add(1)
			return fmt.Errorf("checkpoint wal: %w", err)
		}
	}
	return nil
}

// requeue puts a batch the sink rejected back into the queue. Samples that
// no longer fit are dropped.
func (s *Service) requeue(batch []types.Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := 0
	for _, sample := range batch {
		if !s.queue.Push(sample) {
			dropped++
		}
	}
	if dropped > 0 {
		s.drop(dropped)
		metrics.SamplesDropped.WithLabelValues("requeue").Add(float64(dropped))
		log.Warn("samples dropped after failed write", "dropped", dropped)
	}
}

// ForceFlush triggers an asynchronous flush.
func (s *Service) ForceFlush() {
	select {
	case s.flushCh <- struct{}{}:
	default:
		// Flush already pending
	}
}

// Pressure returns the backpressure controller of the queue.
func (s *Service) Pressure() *backpressure.Controller {
	return s.pressure
}

// Stats returns current statistics.
func (s *Service) Stats() ServiceStats {
	queueStats := s.queue.Stats()

	st := ServiceStats{
		Running:          s.running.Load(),
		SamplesReceived:  s.stats.SamplesReceived.Load(),
		SamplesQueued:    s.stats.SamplesQueued.Load(),
		SamplesWritten:   s.stats.SamplesWritten.Load(),
		SamplesDropped:   s.stats.SamplesDropped.Load(),
		SamplesReplayed:  s.stats.SamplesReplayed.Load(),
		BatchesProcessed: s.stats.BatchesProcessed.Load(),
		FlushesCompleted: s.stats.FlushesCompleted.Load(),
		Errors:           s.stats.Errors.Load(),
		QueueUsage:       queueStats.UsageRatio,
		QueueLength:      queueStats.Count,
		Backpressure:     s.pressure.CurrentLevel(),
	}
	if s.wal != nil {
		if paths, err := wal.ListSegments(s.opts.WALDir); err == nil {
			st.WALSegments = len(paths)
		}
		st.WALBytesWritten = s.wal.Stats().BytesWritten
	}
	return st
}

// ServiceStats holds combined write path statistics.
type ServiceStats struct {
	Running          bool
	SamplesReceived  int64
	SamplesQueued    int64
	SamplesWritten   int64
	SamplesDropped   int64
	SamplesReplayed  int64
	BatchesProcessed int64
	FlushesCompleted int64
	Errors           int64
	QueueUsage       float64
	QueueLength      int
	Backpressure     backpressure.Level
	WALSegments      int
	WALBytesWritten  int64
}

// IsRunning returns whether the service is running.
func (s *Service) IsRunning() bool {
	return s.running.Load()
}
