package query

import (
	"context"
	"time"

	"github.com/xtxerr/historian/internal/errors"
	"github.com/xtxerr/historian/internal/logging"
	"github.com/xtxerr/historian/internal/metrics"
	"github.com/xtxerr/historian/internal/storage/aggregate"
	"github.com/xtxerr/historian/internal/storage/iter"
	"github.com/xtxerr/historian/internal/storage/period"
	"github.com/xtxerr/historian/internal/storage/preagg"
	"github.com/xtxerr/historian/internal/storage/types"
)

// BoundaryFunc returns the instant separating pre-aggregated data (before)
// from raw samples (at and after).
type BoundaryFunc func() time.Time

// StaticBoundary always returns t.
func StaticBoundary(t time.Time) BoundaryFunc {
	return func() time.Time { return t }
}

// RelativeBoundary returns now minus p. A nil now uses time.Now.
func RelativeBoundary(p period.Period, now func() time.Time) BoundaryFunc {
	if now == nil {
		now = time.Now
	}
	return func() time.Time { return p.Sub(now()) }
}

// Boundary answers queries from a pre-aggregated source before the boundary
// and from raw samples after it.
type Boundary struct {
	svc      *Service
	source   preagg.Source
	boundary BoundaryFunc
}

// NewBoundary returns a boundary-aware query service. Points the source does
// not support are served by svc alone.
func NewBoundary(svc *Service, source preagg.Source, boundary BoundaryFunc) (*Boundary, error) {
	if svc == nil {
		return nil, errors.NewMissingField("service")
	}
	if source == nil {
		return nil, errors.NewMissingField("source")
	}
	if boundary == nil {
		return nil, errors.NewMissingField("boundary")
	}
	return &Boundary{svc: svc, source: source, boundary: boundary}, nil
}

// Service returns the underlying on-the-fly query service.
func (b *Boundary) Service() *Service { return b.svc }

// Query aggregates point over [from, to) into buckets of p, reading stored
// aggregates up to the boundary truncated to the source's native period.
// The result is resampled into p when p differs from the native period.
// limit applies to the final sequence; limit <= 0 means all.
func (b *Boundary) Query(ctx context.Context, point types.Point, from, to time.Time, limit int, p period.Period) (iter.Iterator[*aggregate.Value], error) {
	done := metrics.ObserveQuery(metrics.KindQuery)

	it, err := b.query(ctx, point, from, to, p)
	if err != nil {
		return nil, b.svc.fail(done, err)
	}
	return observe(b.svc, withLimit(it, limit), done), nil
}

// Aggregate runs Query for each point and merges the results ordered by
// period start, then point ID.
func (b *Boundary) Aggregate(ctx context.Context, points []types.Point, from, to time.Time, limit int, p period.Period) (iter.Iterator[*aggregate.Value], error) {
	done := metrics.ObserveQuery(metrics.KindAggregate)

	sources := make([]iter.Iterator[*aggregate.Value], 0, len(points))
	for _, point := range points {
		it, err := b.query(ctx, point, from, to, p)
		if err != nil {
			closeAll(sources)
			return nil, b.svc.fail(done, err)
		}
		sources = append(sources, it)
	}

	merged := iter.Merge(aggregate.CompareByStart, sources...)
	return observe(b.svc, withLimit[*aggregate.Value](merged, limit), done), nil
}

func (b *Boundary) query(ctx context.Context, point types.Point, from, to time.Time, p period.Period) (iter.Iterator[*aggregate.Value], error) {
	if err := checkRange(from, to); err != nil {
		return nil, err
	}

	boundary := b.boundary()
	if !b.source.Supports(point) || !from.Before(boundary) {
		return b.svc.query(ctx, point, from, to, p)
	}

	native := b.source.Period()
	if !tiles(from, to, p, native) {
		logging.WithContext(ctx).Debug("buckets not aligned to stored period, querying raw samples",
			"point", point.ID,
			"from", from,
			"period", p.String(),
			"native", native.String())
		return b.svc.query(ctx, point, from, to, p)
	}

	// Stored aggregates are read up to the truncated boundary, or up to the
	// last native start before to, whichever is earlier. The rest comes from
	// raw samples bucketed by the native period.
	tb := period.TruncateToPeriod(boundary, native)
	cut := tb
	if to.Before(cut) {
		cut = period.TruncateToPeriod(to, native)
	}

	logging.WithContext(ctx).Debug("split query at boundary",
		"point", point.ID,
		"boundary", boundary,
		"truncated", tb,
		"cut", cut,
		"native", native.String())

	var parts []iter.Iterator[*aggregate.Value]

	if from.Before(cut) {
		stored, err := b.source.Aggregates(ctx, point, from, cut)
		if err != nil {
			return nil, err
		}
		parts = append(parts, stored)
	}

	liveFrom := maxTime(from, cut)
	if liveFrom.Before(to) {
		live, err := b.svc.query(ctx, point, liveFrom, to, native)
		if err != nil {
			closeAll(parts)
			return nil, err
		}
		parts = append(parts, live)
	}

	joined := iter.Concat(parts...)
	if p.Equal(native) {
		return joined, nil
	}
	return Resample(point, from, to, joined, p)
}

// tiles reports whether every bucket of p in [from, to) starts on a
// native period boundary. Only then is each native aggregate folded whole
// into exactly one result bucket.
func tiles(from, to time.Time, p, native period.Period) bool {
	if !period.TruncateToPeriod(from, native).Equal(from) {
		return false
	}
	pd, pFixed := p.Duration()
	nd, nFixed := native.Duration()
	if pFixed && nFixed && time.Hour%nd == 0 {
		return pd%nd == 0
	}

	c := period.NewCalculator(from, to, p)
	for {
		bucket, ok := c.Next()
		if !ok {
			return true
		}
		if !period.TruncateToPeriod(bucket.Start, native).Equal(bucket.Start) {
			return false
		}
	}
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
