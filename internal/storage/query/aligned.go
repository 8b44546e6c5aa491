package query

import (
	"context"
	"time"

	"github.com/xtxerr/historian/internal/errors"
	"github.com/xtxerr/historian/internal/metrics"
	"github.com/xtxerr/historian/internal/storage/cursor"
	"github.com/xtxerr/historian/internal/storage/iter"
	"github.com/xtxerr/historian/internal/storage/types"
)

// AlignedRow holds the samples of several points sharing one timestamp,
// ordered by series ID.
type AlignedRow struct {
	TimestampMs int64
	Values      []types.Sample
}

// Get returns the sample of series in the row.
func (r AlignedRow) Get(series types.SeriesID) (types.Sample, bool) {
	for _, s := range r.Values {
		if s.SeriesID == series {
			return s, true
		}
	}
	return types.Sample{}, false
}

// Aligned returns the raw samples of points over [from, to) as rows of equal
// timestamps, oldest first. At most limit rows are returned; limit <= 0
// means all.
func (s *Service) Aligned(ctx context.Context, points []types.Point, from, to time.Time, limit int) (iter.Iterator[AlignedRow], error) {
	done := metrics.ObserveQuery(metrics.KindAligned)

	if len(points) == 0 {
		return nil, s.fail(done, errors.NewMissingField("points"))
	}
	if err := checkRange(from, to); err != nil {
		return nil, s.fail(done, err)
	}

	samples, err := s.open(ctx, points, from, to, cursor.Chronological)
	if err != nil {
		return nil, s.fail(done, err)
	}

	rows := iter.Group[types.Sample, AlignedRow](samples, alignByTimestamp)
	return observe(s, withLimit[AlignedRow](rows, limit), done), nil
}

// Samples returns the raw samples of points over [from, to), oldest first.
// Chronological interleaves the points by timestamp, ties by series ID;
// PerSeries returns each point in full, in the order given. At most limit
// samples are returned; limit <= 0 means all.
func (s *Service) Samples(ctx context.Context, points []types.Point, from, to time.Time, limit int, strategy cursor.Strategy) (iter.Iterator[types.Sample], error) {
	done := metrics.ObserveQuery(metrics.KindSamples)

	if len(points) == 0 {
		return nil, s.fail(done, errors.NewMissingField("points"))
	}
	if err := checkRange(from, to); err != nil {
		return nil, s.fail(done, err)
	}

	samples, err := s.open(ctx, points, from, to, strategy)
	if err != nil {
		return nil, s.fail(done, err)
	}
	return observe(s, withLimit(samples, limit), done), nil
}

func (s *Service) open(ctx context.Context, points []types.Point, from, to time.Time, strategy cursor.Strategy) (iter.Iterator[types.Sample], error) {
	ids := make([]types.SeriesID, len(points))
	for i, p := range points {
		ids[i] = p.ID
	}

	fromMs, toMs := from.UnixMilli(), to.UnixMilli()
	return cursor.Open(ctx, s.store, ids, cursor.Options{
		Start:     &fromMs,
		End:       &toMs,
		Order:     types.Ascending,
		ChunkSize: s.opts.ChunkSize,
	}, strategy)
}

func alignByTimestamp(cur AlignedRow, ok bool, v types.Sample) (AlignedRow, bool) {
	if ok && cur.TimestampMs == v.TimestampMs {
		cur.Values = append(cur.Values, v)
		return cur, false
	}
	return AlignedRow{TimestampMs: v.TimestampMs, Values: []types.Sample{v}}, true
}
