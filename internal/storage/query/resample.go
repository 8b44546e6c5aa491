package query

import (
	"fmt"
	"time"

	"github.com/xtxerr/historian/internal/errors"
	"github.com/xtxerr/historian/internal/storage/aggregate"
	"github.com/xtxerr/historian/internal/storage/iter"
	"github.com/xtxerr/historian/internal/storage/period"
	"github.com/xtxerr/historian/internal/storage/types"
)

// Resample re-buckets aggregates into buckets of p starting at from and
// clipped at to. Every input whose period start falls inside a bucket is
// folded into it. Buckets without input are still emitted with a zero count
// and the latest known value as start value. Inputs must be ordered by
// period start; inputs starting before from are skipped.
//
// Resampling values into their own period is the identity.
func Resample(point types.Point, from, to time.Time, aggregates iter.Iterator[*aggregate.Value], p period.Period) (iter.Iterator[*aggregate.Value], error) {
	if aggregates == nil {
		return nil, errors.NewMissingField("aggregates")
	}
	kind, ok := aggregate.KindFor(point.DataType)
	if !ok {
		aggregates.Close()
		return nil, fmt.Errorf("point %s of data type %s: %w", point, point.DataType, errors.ErrUnsupportedDataType)
	}
	if err := checkRange(from, to); err != nil {
		aggregates.Close()
		return nil, err
	}
	if err := p.Validate(); err != nil {
		aggregates.Close()
		return nil, fmt.Errorf("period %s: %w: %w", p, errors.ErrInvalidPeriod, err)
	}
	if from.Location().String() != to.Location().String() {
		aggregates.Close()
		return nil, fmt.Errorf("from in %s, to in %s: %w", from.Location(), to.Location(), errors.ErrZoneMismatch)
	}

	return &resampler{
		src:     iter.NewPeekable(aggregates),
		buckets: period.NewCalculator(from, to, p),
		kind:    kind,
		series:  point.ID,
	}, nil
}

type resampler struct {
	src     *iter.Peekable[*aggregate.Value]
	buckets *period.Calculator
	kind    aggregate.Kind
	series  types.SeriesID

	// latest is the value in effect at the end of the last consumed input.
	latest *types.Sample

	cur *aggregate.Value
	err error
}

func (r *resampler) Next() bool {
	if r.err != nil {
		return false
	}
	b, ok := r.buckets.Next()
	if !ok {
		return false
	}

	v := aggregate.New(r.kind, r.series, b.StartMs(), b.EndMs())
	for {
		child, ok := r.src.Peek()
		if !ok {
			if err := r.src.Err(); err != nil {
				r.err = err
				return false
			}
			break
		}
		if child.PeriodStart >= v.PeriodEnd {
			break
		}
		r.src.Next()

		if child.PeriodStart < v.PeriodStart {
			// Leftover from before the requested range.
			if l := child.LatestValue(); l != nil {
				r.latest = l
			}
			continue
		}
		if _, err := v.Accumulate(child); err != nil {
			r.err = err
			return false
		}
		if l := child.LatestValue(); l != nil {
			r.latest = l
		}
	}

	if v.Count == 0 && v.StartValue == nil && r.latest != nil {
		s := *r.latest
		v.StartValue = &s
	}
	r.cur = v
	return true
}

func (r *resampler) At() *aggregate.Value { return r.cur }
func (r *resampler) Err() error           { return r.err }
func (r *resampler) Close() error         { return r.src.Close() }
