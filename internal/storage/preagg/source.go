// Package preagg holds aggregates computed ahead of time at a store's native
// period. The boundary-aware query path serves old data from a Source and
// the rollup engine fills a Store.
package preagg

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/xtxerr/historian/internal/errors"
	"github.com/xtxerr/historian/internal/logging"
	"github.com/xtxerr/historian/internal/storage/aggregate"
	"github.com/xtxerr/historian/internal/storage/iter"
	"github.com/xtxerr/historian/internal/storage/period"
	"github.com/xtxerr/historian/internal/storage/types"
)

var log = logging.Component("preagg")

// Source serves stored aggregates.
type Source interface {
	// Period returns the native period of the stored aggregates.
	Period() period.Period

	// Supports reports whether aggregates are kept for point.
	Supports(point types.Point) bool

	// Aggregates returns the stored aggregates of point whose period starts
	// in [from, to), in time order. It fails with ErrUnsupportedOperation
	// when Supports(point) is false.
	Aggregates(ctx context.Context, point types.Point, from, to time.Time) (iter.Iterator[*aggregate.Value], error)
}

// Store is a Source that can also persist aggregates.
type Store interface {
	Source

	// Persist stores values, which must be in time order and directly follow
	// the watermark of point.
	Persist(ctx context.Context, point types.Point, values []*aggregate.Value) error

	// Watermark returns the end of the last persisted aggregate of point.
	Watermark(ctx context.Context, point types.Point) (int64, bool, error)
}

// Supported reports whether aggregates exist for points of data type d.
func Supported(d types.DataType) bool {
	_, ok := aggregate.KindFor(d)
	return ok
}

func unsupported(point types.Point, op string) error {
	return fmt.Errorf("point %s: %w", point, errors.NewUnsupported("pre-aggregation", op))
}

// =============================================================================
// Unsupported
// =============================================================================

// None is the Store of a backend without pre-aggregation. Every operation
// fails with ErrUnsupportedOperation.
type None struct{}

func (None) Period() period.Period     { return period.Period{} }
func (None) Supports(types.Point) bool { return false }

func (None) Aggregates(_ context.Context, point types.Point, _, _ time.Time) (iter.Iterator[*aggregate.Value], error) {
	return nil, unsupported(point, "aggregates")
}

func (None) Persist(_ context.Context, point types.Point, _ []*aggregate.Value) error {
	return unsupported(point, "persist")
}

func (None) Watermark(_ context.Context, point types.Point) (int64, bool, error) {
	return 0, false, unsupported(point, "watermark")
}

// =============================================================================
// Memory
// =============================================================================

// MemoryStore keeps aggregates in memory, per series in time order.
type MemoryStore struct {
	mu     sync.RWMutex
	period period.Period
	series map[types.SeriesID][]*aggregate.Value
}

// NewMemoryStore returns an empty store for aggregates of period p.
func NewMemoryStore(p period.Period) *MemoryStore {
	return &MemoryStore{
		period: p,
		series: make(map[types.SeriesID][]*aggregate.Value),
	}
}

func (m *MemoryStore) Period() period.Period { return m.period }

func (m *MemoryStore) Supports(point types.Point) bool {
	return Supported(point.DataType)
}

// Aggregates returns copies of the stored values.
func (m *MemoryStore) Aggregates(_ context.Context, point types.Point, from, to time.Time) (iter.Iterator[*aggregate.Value], error) {
	if !m.Supports(point) {
		return nil, unsupported(point, "aggregates")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	values := m.series[point.ID]
	lo := searchStart(values, from.UnixMilli())
	hi := searchStart(values, to.UnixMilli())
	if hi < lo {
		hi = lo
	}

	out := make([]*aggregate.Value, 0, hi-lo)
	for _, v := range values[lo:hi] {
		out = append(out, v.Clone())
	}
	return iter.FromSlice(out), nil
}

// Persist appends clones of values. A value starting before the watermark
// is rejected.
func (m *MemoryStore) Persist(_ context.Context, point types.Point, values []*aggregate.Value) error {
	if !m.Supports(point) {
		return unsupported(point, "persist")
	}
	if len(values) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stored := m.series[point.ID]
	end := int64(0)
	if n := len(stored); n > 0 {
		end = stored[n-1].PeriodEnd
	}
	for i, v := range values {
		if (len(stored) > 0 || i > 0) && v.PeriodStart < end {
			return fmt.Errorf("aggregate at %d before watermark %d: %w", v.PeriodStart, end, errors.ErrInvalidState)
		}
		end = v.PeriodEnd
	}
	for _, v := range values {
		stored = append(stored, v.Clone())
	}
	m.series[point.ID] = stored

	log.Debug("aggregates persisted", "point", point.ID, "count", len(values), "watermark", end)
	return nil
}

func (m *MemoryStore) Watermark(_ context.Context, point types.Point) (int64, bool, error) {
	if !m.Supports(point) {
		return 0, false, unsupported(point, "watermark")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	stored := m.series[point.ID]
	if len(stored) == 0 {
		return 0, false, nil
	}
	return stored[len(stored)-1].PeriodEnd, true, nil
}

// searchStart returns the index of the first value starting at or after ms.
func searchStart(values []*aggregate.Value, ms int64) int {
	i, _ := slices.BinarySearchFunc(values, ms, func(v *aggregate.Value, t int64) int {
		switch {
		case v.PeriodStart < t:
			return -1
		case v.PeriodStart > t:
			return 1
		default:
			return 0
		}
	})
	return i
}
