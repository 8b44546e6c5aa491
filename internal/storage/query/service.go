// Package query answers aggregate queries over a sample store.
//
// Service computes aggregates on the fly from raw samples. Boundary serves
// old data from pre-computed aggregates and recent data from raw samples,
// switching at a boundary instant. Every operation returns a lazy iterator;
// callers must Close it.
package query

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/xtxerr/historian/internal/errors"
	"github.com/xtxerr/historian/internal/logging"
	"github.com/xtxerr/historian/internal/metrics"
	"github.com/xtxerr/historian/internal/storage/aggregate"
	"github.com/xtxerr/historian/internal/storage/cursor"
	"github.com/xtxerr/historian/internal/storage/iter"
	"github.com/xtxerr/historian/internal/storage/period"
	"github.com/xtxerr/historian/internal/storage/quantize"
	"github.com/xtxerr/historian/internal/storage/types"
)

var log = logging.Component("query")

// RollupsPlaceholder in a SQL statement is replaced by a scan of all rollup
// Parquet files.
const RollupsPlaceholder = "{rollups}"

// Options configures a Service.
type Options struct {
	// ChunkSize is the number of samples fetched per store refill.
	ChunkSize int

	// PercentileAccuracy enables percentiles on numeric aggregates when
	// positive.
	PercentileAccuracy float64

	// RollupDir is the root of the rollup Parquet files read by ExecuteSQL.
	RollupDir string

	// MemoryLimit is the DuckDB memory limit, e.g. "2GB".
	MemoryLimit string

	// MaxRows caps the rows returned by ExecuteSQL. 0 means no cap.
	MaxRows int
}

// Service computes aggregates from raw samples.
type Service struct {
	mu sync.RWMutex

	store cursor.Store
	opts  Options
	db    *sql.DB

	// Statistics
	stats Stats
}

// Stats holds query statistics.
type Stats struct {
	QueriesExecuted int64
	RowsReturned    int64
	Errors          int64
}

// New creates a query service reading samples from store.
func New(store cursor.Store, opts Options) (*Service, error) {
	if store == nil {
		return nil, errors.NewMissingField("store")
	}
	if opts.ChunkSize == 0 {
		opts.ChunkSize = cursor.DefaultChunkSize
	}
	if opts.ChunkSize < 0 {
		return nil, errors.NewValidation("chunk_size", "must be positive")
	}
	if err := aggregate.ValidateAccuracy(opts.PercentileAccuracy); err != nil {
		return nil, err
	}

	// Open in-memory DuckDB database
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	// Configure DuckDB
	if opts.MemoryLimit != "" {
		_, err = db.Exec(fmt.Sprintf("SET memory_limit='%s'", opts.MemoryLimit))
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("set memory limit: %w", err)
		}
	}

	return &Service{
		store: store,
		opts:  opts,
		db:    db,
	}, nil
}

// Close closes the query service.
func (s *Service) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Query aggregates the samples of point over [from, to) into buckets of p.
// The sample before from seeds the first bucket. At most limit aggregates
// are returned; limit <= 0 means all.
func (s *Service) Query(ctx context.Context, point types.Point, from, to time.Time, limit int, p period.Period) (iter.Iterator[*aggregate.Value], error) {
	done := metrics.ObserveQuery(metrics.KindQuery)
	logging.WithContext(ctx).Debug("query", "point", point.ID, "from", from, "to", to, "period", p.String())

	it, err := s.query(ctx, point, from, to, p)
	if err != nil {
		return nil, s.fail(done, err)
	}
	return observe(s, withLimit(it, limit), done), nil
}

// query builds the continuous aggregation of point over [from, to).
func (s *Service) query(ctx context.Context, point types.Point, from, to time.Time, p period.Period) (iter.Iterator[*aggregate.Value], error) {
	if err := checkRange(from, to); err != nil {
		return nil, err
	}
	kind, ok := aggregate.KindFor(point.DataType)
	if !ok {
		return nil, fmt.Errorf("point %s of data type %s: %w", point, point.DataType, errors.ErrUnsupportedDataType)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("period %s: %w: %w", p, errors.ErrInvalidPeriod, err)
	}
	if from.Equal(to) {
		return iter.Empty[*aggregate.Value](), nil
	}

	fromMs, toMs := from.UnixMilli(), to.UnixMilli()

	prev, found, err := cursor.Latest(ctx, s.store, point.ID, fromMs)
	if err != nil {
		return nil, err
	}
	var previous *types.Sample
	if found {
		previous = &prev
	}

	samples, err := cursor.NewValueCursor(ctx, s.store, point.ID, cursor.Options{
		Start:     &fromMs,
		End:       &toMs,
		Order:     types.Ascending,
		ChunkSize: s.opts.ChunkSize,
	})
	if err != nil {
		return nil, err
	}

	pipeline, err := quantize.NewContinuous(samples, previous, kind, quantize.Config{
		Series:             point.ID,
		From:               from,
		To:                 to,
		Period:             p,
		PercentileAccuracy: s.opts.PercentileAccuracy,
	})
	if err != nil {
		samples.Close()
		return nil, err
	}
	return pipeline, nil
}

// Aggregate queries several points and merges their aggregates ordered by
// period start, then point ID. limit applies to the merged sequence.
func (s *Service) Aggregate(ctx context.Context, points []types.Point, from, to time.Time, limit int, p period.Period) (iter.Iterator[*aggregate.Value], error) {
	done := metrics.ObserveQuery(metrics.KindAggregate)

	sources := make([]iter.Iterator[*aggregate.Value], 0, len(points))
	for _, point := range points {
		it, err := s.query(ctx, point, from, to, p)
		if err != nil {
			closeAll(sources)
			return nil, s.fail(done, err)
		}
		sources = append(sources, it)
	}

	merged := iter.Merge(aggregate.CompareByStart, sources...)
	return observe(s, withLimit[*aggregate.Value](merged, limit), done), nil
}

// Resample re-buckets aggregates of point into buckets of p over
// [from, to). See Resample.
func (s *Service) Resample(point types.Point, from, to time.Time, aggregates iter.Iterator[*aggregate.Value], p period.Period) (iter.Iterator[*aggregate.Value], error) {
	done := metrics.ObserveQuery(metrics.KindResample)

	it, err := Resample(point, from, to, aggregates, p)
	if err != nil {
		return nil, s.fail(done, err)
	}
	return observe(s, it, done), nil
}

// Summarize aggregates the numeric samples of point into calendar windows
// of p. The first window starts at from truncated to p.
func (s *Service) Summarize(ctx context.Context, point types.Point, from, to time.Time, p period.Period) (iter.Iterator[aggregate.WindowResult], error) {
	done := metrics.ObserveQuery(metrics.KindSummarize)

	if point.DataType != types.DataTypeNumeric {
		return nil, s.fail(done, fmt.Errorf("summarize point %s of data type %s: %w", point, point.DataType, errors.ErrUnsupportedDataType))
	}
	if err := checkRange(from, to); err != nil {
		return nil, s.fail(done, err)
	}

	fromMs, toMs := from.UnixMilli(), to.UnixMilli()
	samples, err := cursor.NewValueCursor(ctx, s.store, point.ID, cursor.Options{
		Start:     &fromMs,
		End:       &toMs,
		Order:     types.Ascending,
		ChunkSize: s.opts.ChunkSize,
	})
	if err != nil {
		return nil, s.fail(done, err)
	}

	windows, err := quantize.NewCalendarWindow(samples, point.ID, from, to, p, s.opts.PercentileAccuracy)
	if err != nil {
		samples.Close()
		return nil, s.fail(done, err)
	}
	return observe[aggregate.WindowResult](s, windows, done), nil
}

// fail records a query that could not be set up.
func (s *Service) fail(done func(error), err error) error {
	done(err)
	s.mu.Lock()
	s.stats.Errors++
	s.mu.Unlock()
	log.Warn("query failed", "error", err)
	return err
}

// Stats returns query statistics.
func (s *Service) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// ExecuteSQL executes a raw SQL query using DuckDB. RollupsPlaceholder is
// replaced by a scan of the rollup Parquet files.
// This is useful for ad-hoc queries and debugging.
func (s *Service) ExecuteSQL(ctx context.Context, query string) ([]map[string]interface{}, error) {
	done := metrics.ObserveQuery(metrics.KindSQL)

	if strings.Contains(query, RollupsPlaceholder) {
		if s.opts.RollupDir == "" {
			return nil, s.fail(done, errors.NewMissingField("rollup_dir"))
		}
		pattern := filepath.Join(s.opts.RollupDir, "*", "*", "*.parquet")
		scan := fmt.Sprintf("read_parquet('%s', union_by_name=true)", strings.ReplaceAll(pattern, "'", "''"))
		query = strings.ReplaceAll(query, RollupsPlaceholder, scan)
	}

	s.mu.RLock()
	rows, err := s.db.QueryContext(ctx, query)
	s.mu.RUnlock()
	if err != nil {
		return nil, s.fail(done, errors.Wrap(errors.ErrDatabase, err.Error()))
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, s.fail(done, err)
	}

	var results []map[string]interface{}

	for rows.Next() {
		if s.opts.MaxRows > 0 && len(results) >= s.opts.MaxRows {
			break
		}

		values := make([]interface{}, len(columns))
		valuePtrs := make([]interface{}, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, s.fail(done, err)
		}

		row := make(map[string]interface{})
		for i, col := range columns {
			row[col] = values[i]
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail(done, err)
	}

	done(nil)
	s.mu.Lock()
	s.stats.QueriesExecuted++
	s.stats.RowsReturned += int64(len(results))
	s.mu.Unlock()

	return results, nil
}

func checkRange(from, to time.Time) error {
	if to.Before(from) {
		return errors.NewValidation("range", fmt.Sprintf("to %s is before from %s", to, from))
	}
	return nil
}

func withLimit[T any](it iter.Iterator[T], limit int) iter.Iterator[T] {
	if limit <= 0 {
		return it
	}
	return iter.Limit(it, limit)
}

func closeAll[T any](its []iter.Iterator[T]) {
	for _, it := range its {
		it.Close()
	}
}

// =============================================================================
// Observed iterator
// =============================================================================

// observed counts the elements drained from a query result and records the
// outcome once the result is closed.
type observed[T any] struct {
	iter.Iterator[T]
	svc    *Service
	done   func(error)
	rows   int64
	closed bool
}

func observe[T any](svc *Service, it iter.Iterator[T], done func(error)) iter.Iterator[T] {
	return &observed[T]{Iterator: it, svc: svc, done: done}
}

func (o *observed[T]) Next() bool {
	if o.Iterator.Next() {
		o.rows++
		return true
	}
	return false
}

func (o *observed[T]) Close() error {
	if o.closed {
		return nil
	}
	o.closed = true

	closeErr := o.Iterator.Close()
	err := o.Iterator.Err()
	if err == nil {
		err = closeErr
	}
	o.done(err)

	o.svc.mu.Lock()
	o.svc.stats.QueriesExecuted++
	o.svc.stats.RowsReturned += o.rows
	if err != nil {
		o.svc.stats.Errors++
	}
	o.svc.mu.Unlock()

	if err != nil {
		log.Warn("query failed", "error", err, "rows", o.rows)
	}
	return closeErr
}
