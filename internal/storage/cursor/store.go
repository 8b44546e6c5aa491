// Package cursor provides pull-based sample cursors over a sample store.
//
// A ValueCursor reads one series in bounded chunks. ChronologicalCursor and
// ConcatCursor combine the cursors of several series into one sequence,
// either globally ordered by time or one series after another.
package cursor

import (
	"context"

	"github.com/xtxerr/historian/internal/storage/types"
)

// FetchRequest selects samples from a Store.
type FetchRequest struct {
	Points []types.SeriesID
	Start  *int64 // inclusive, nil = unbounded
	End    *int64 // exclusive, nil = unbounded
	Limit  *int   // nil = unbounded
	Order  types.TimeOrder
}

// Contains reports whether ts lies in [Start, End).
func (r FetchRequest) Contains(ts int64) bool {
	if r.Start != nil && ts < *r.Start {
		return false
	}
	if r.End != nil && ts >= *r.End {
		return false
	}
	return true
}

// Store is the sample source the cursors read from.
//
// FetchSamples calls fn synchronously once per matching sample, in
// req.Order, restricted to [Start, End) and to at most Limit samples, and
// returns once the samples are exhausted or the limit is reached. Samples
// of different points with equal timestamps are delivered in ascending
// point order. An error returned by fn stops the fetch and is returned.
type Store interface {
	FetchSamples(ctx context.Context, req FetchRequest, fn func(types.Sample) error) error
}

// StoreFunc adapts a function to the Store interface.
type StoreFunc func(ctx context.Context, req FetchRequest, fn func(types.Sample) error) error

// FetchSamples calls f.
func (f StoreFunc) FetchSamples(ctx context.Context, req FetchRequest, fn func(types.Sample) error) error {
	return f(ctx, req, fn)
}

// Latest returns the last sample of series strictly before ts.
func Latest(ctx context.Context, store Store, series types.SeriesID, ts int64) (types.Sample, bool, error) {
	var (
		out   types.Sample
		found bool
	)
	one := 1
	err := store.FetchSamples(ctx, FetchRequest{
		Points: []types.SeriesID{series},
		End:    &ts,
		Limit:  &one,
		Order:  types.Descending,
	}, func(s types.Sample) error {
		out, found = s, true
		return nil
	})
	if err != nil {
		return types.Sample{}, false, err
	}
	return out, found, nil
}

// Int64 returns a pointer to v.
func Int64(v int64) *int64 { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }
