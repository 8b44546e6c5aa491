package query

import (
	"context"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/xtxerr/historian/internal/errors"
	"github.com/xtxerr/historian/internal/storage/aggregate"
	"github.com/xtxerr/historian/internal/storage/cursor"
	"github.com/xtxerr/historian/internal/storage/iter"
	"github.com/xtxerr/historian/internal/storage/parquet"
	"github.com/xtxerr/historian/internal/storage/period"
	"github.com/xtxerr/historian/internal/storage/preagg"
	"github.com/xtxerr/historian/internal/storage/types"
)

// memStore serves samples from memory.
type memStore struct {
	series map[types.SeriesID][]types.Sample // ascending per series
}

func newMemStore() *memStore {
	return &memStore{series: make(map[types.SeriesID][]types.Sample)}
}

func (m *memStore) add(id types.SeriesID, ts int64, v types.DataValue) {
	m.series[id] = append(m.series[id], types.Sample{SeriesID: id, TimestampMs: ts, Value: v})
}

func (m *memStore) FetchSamples(ctx context.Context, req cursor.FetchRequest, fn func(types.Sample) error) error {
	var all []types.Sample
	for _, id := range req.Points {
		for _, s := range m.series[id] {
			if req.Contains(s.TimestampMs) {
				all = append(all, s)
			}
		}
	}
	slices.SortStableFunc(all, req.Order.CompareSamples)

	for i, s := range all {
		if req.Limit != nil && i >= *req.Limit {
			break
		}
		if err := fn(s); err != nil {
			return err
		}
	}
	return nil
}

var (
	numericPoint    = types.Point{ID: 1, XID: "tank.level", DataType: types.DataTypeNumeric}
	multistatePoint = types.Point{ID: 2, XID: "pump.mode", DataType: types.DataTypeMultistate}
	textPoint       = types.Point{ID: 3, XID: "batch.code", DataType: types.DataTypeAlphanumeric}
)

var t0 = time.Date(2024, time.March, 4, 10, 0, 0, 0, time.UTC)

// valueOpts ignores the sketch and accumulation bookkeeping.
var valueOpts = cmp.Options{
	cmpopts.IgnoreUnexported(aggregate.Value{}, aggregate.NumericStats{}),
	cmpopts.EquateEmpty(),
}

// fillStore writes one hour of samples for the test points, starting shortly
// before t0. Values are whole numbers at whole seconds.
func fillStore() *memStore {
	store := newMemStore()
	start := t0.Add(-30 * time.Second).UnixMilli()
	for i := int64(0); i < 520; i++ {
		store.add(numericPoint.ID, start+i*7000, types.NumericValue(float64((i*3)%11)))
	}
	for i := int64(0); i < 85; i++ {
		store.add(multistatePoint.ID, start+i*43000, types.MultistateValue(int32(i%3)))
	}
	codes := []string{"A", "A", "B", "C", "C", "A"}
	for i := int64(0); i < 70; i++ {
		store.add(textPoint.ID, start+i*53000, types.AlphanumericValue(codes[i%int64(len(codes))]))
	}
	return store
}

func newTestService(t *testing.T, store cursor.Store) *Service {
	t.Helper()
	svc, err := New(store, Options{ChunkSize: 16})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc
}

func collect(t *testing.T, it iter.Iterator[*aggregate.Value], err error) []*aggregate.Value {
	t.Helper()
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	defer it.Close()
	values, err := iter.Collect(it)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	return values
}

func TestService_New(t *testing.T) {
	if _, err := New(nil, Options{}); !errors.Is(err, errors.ErrMissingField) {
		t.Errorf("expected missing field error, got %v", err)
	}

	if _, err := New(newMemStore(), Options{ChunkSize: -1}); !errors.IsConfigError(err) {
		t.Errorf("expected config error, got %v", err)
	}

	svc, err := New(newMemStore(), Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer svc.Close()

	if svc.opts.ChunkSize != cursor.DefaultChunkSize {
		t.Errorf("expected default chunk size, got %d", svc.opts.ChunkSize)
	}
}

func TestQueryTwoBuckets(t *testing.T) {
	store := newMemStore()
	for _, id := range []types.SeriesID{1, 2} {
		for _, ts := range []int64{0, 5, 10, 15} {
			store.add(id, ts, types.NumericValue(1))
		}
	}
	svc := newTestService(t, store)

	from := time.UnixMilli(0).UTC()
	to := time.UnixMilli(20).UTC()
	it, err := svc.Query(context.Background(), numericPoint, from, to, 0, period.MustParse("10ms"))
	values := collect(t, it, err)

	if len(values) != 2 {
		t.Fatalf("expected 2 aggregates, got %d", len(values))
	}
	for i, v := range values {
		if v.Count != 2 {
			t.Errorf("aggregate %d: expected count 2, got %d", i, v.Count)
		}
		if v.PeriodStart != int64(i*10) {
			t.Errorf("aggregate %d: expected start %d, got %d", i, i*10, v.PeriodStart)
		}
		if v.SeriesID != numericPoint.ID {
			t.Errorf("aggregate %d: expected series 1, got %d", i, v.SeriesID)
		}
	}
}

func TestQuerySeedsFirstBucket(t *testing.T) {
	store := newMemStore()
	store.add(numericPoint.ID, 0, types.NumericValue(4))
	store.add(numericPoint.ID, 15000, types.NumericValue(8))
	svc := newTestService(t, store)

	from := time.UnixMilli(10000).UTC()
	to := time.UnixMilli(20000).UTC()
	it, err := svc.Query(context.Background(), numericPoint, from, to, 0, period.MustParse("10s"))
	values := collect(t, it, err)

	if len(values) != 1 {
		t.Fatalf("expected 1 aggregate, got %d", len(values))
	}
	v := values[0]
	if v.StartValue == nil {
		t.Fatal("expected a start value")
	}
	if x, _ := v.StartValue.Value.Float64(); x != 4 {
		t.Errorf("expected start value 4, got %v", x)
	}
	// 4 for 5s, then 8 for 5s.
	if v.Numeric.Integral != 60 {
		t.Errorf("expected integral 60, got %v", v.Numeric.Integral)
	}
	if v.Numeric.Average != 6 {
		t.Errorf("expected average 6, got %v", v.Numeric.Average)
	}
}

func TestQueryEmptyRange(t *testing.T) {
	svc := newTestService(t, fillStore())

	it, err := svc.Query(context.Background(), numericPoint, t0, t0, 0, period.OneMinute)
	values := collect(t, it, err)
	if len(values) != 0 {
		t.Errorf("expected no aggregates, got %d", len(values))
	}
}

func TestQueryErrors(t *testing.T) {
	svc := newTestService(t, fillStore())
	ctx := context.Background()

	_, err := svc.Query(ctx, numericPoint, t0, t0.Add(-time.Minute), 0, period.OneMinute)
	if !errors.IsConfigError(err) {
		t.Errorf("expected config error for reversed range, got %v", err)
	}

	_, err = svc.Query(ctx, types.Point{ID: 9}, t0, t0.Add(time.Hour), 0, period.OneMinute)
	if !errors.Is(err, errors.ErrUnsupportedDataType) {
		t.Errorf("expected unsupported data type, got %v", err)
	}

	_, err = svc.Query(ctx, numericPoint, t0, t0.Add(time.Hour), 0, period.Period{})
	if !errors.Is(err, errors.ErrInvalidPeriod) {
		t.Errorf("expected invalid period, got %v", err)
	}

	if stats := svc.Stats(); stats.Errors != 3 {
		t.Errorf("expected 3 errors, got %d", stats.Errors)
	}
}

func TestQueryLimit(t *testing.T) {
	svc := newTestService(t, fillStore())
	ctx := context.Background()

	it, err := svc.Query(ctx, numericPoint, t0, t0.Add(time.Hour), 0, period.MustParse("5m"))
	all := collect(t, it, err)
	if len(all) != 12 {
		t.Fatalf("expected 12 aggregates, got %d", len(all))
	}

	it, err = svc.Query(ctx, numericPoint, t0, t0.Add(time.Hour), 4, period.MustParse("5m"))
	limited := collect(t, it, err)
	if diff := cmp.Diff(all[:4], limited, valueOpts); diff != "" {
		t.Errorf("limited query mismatch (-want +got):\n%s", diff)
	}
}

func TestQueryStats(t *testing.T) {
	svc := newTestService(t, fillStore())

	it, err := svc.Query(context.Background(), numericPoint, t0, t0.Add(time.Hour), 0, period.MustParse("10m"))
	collect(t, it, err)

	stats := svc.Stats()
	if stats.QueriesExecuted != 1 {
		t.Errorf("expected 1 query executed, got %d", stats.QueriesExecuted)
	}
	if stats.RowsReturned != 6 {
		t.Errorf("expected 6 rows returned, got %d", stats.RowsReturned)
	}

	// A second Close does not count again.
	it.Close()
	if got := svc.Stats().QueriesExecuted; got != 1 {
		t.Errorf("expected 1 query executed after second close, got %d", got)
	}
}

func TestAggregateMergesPoints(t *testing.T) {
	svc := newTestService(t, fillStore())

	points := []types.Point{multistatePoint, numericPoint}
	it, err := svc.Aggregate(context.Background(), points, t0, t0.Add(30*time.Minute), 0, period.MustParse("10m"))
	values := collect(t, it, err)

	if len(values) != 6 {
		t.Fatalf("expected 6 aggregates, got %d", len(values))
	}
	for i := 1; i < len(values); i++ {
		if aggregate.CompareByStart(values[i-1], values[i]) >= 0 {
			t.Errorf("aggregates %d and %d out of order", i-1, i)
		}
	}
	if values[0].SeriesID != numericPoint.ID || values[0].Kind != aggregate.KindNumeric {
		t.Errorf("expected numeric point first, got %s", values[0])
	}
	if values[1].Kind != aggregate.KindStartsAndRuntime {
		t.Errorf("expected runtime aggregate second, got %s", values[1])
	}
}

func TestAggregateClosesSourcesOnError(t *testing.T) {
	svc := newTestService(t, fillStore())

	points := []types.Point{numericPoint, {ID: 9}}
	_, err := svc.Aggregate(context.Background(), points, t0, t0.Add(time.Hour), 0, period.OneMinute)
	if !errors.Is(err, errors.ErrUnsupportedDataType) {
		t.Errorf("expected unsupported data type, got %v", err)
	}
}

// =============================================================================
// Resample
// =============================================================================

func TestResampleIdentity(t *testing.T) {
	svc := newTestService(t, fillStore())
	ctx := context.Background()
	p := period.MustParse("5m")

	for _, point := range []types.Point{numericPoint, multistatePoint, textPoint} {
		it, err := svc.Query(ctx, point, t0, t0.Add(time.Hour), 0, p)
		want := collect(t, it, err)

		it, err = svc.Query(ctx, point, t0, t0.Add(time.Hour), 0, p)
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		resampled, err := svc.Resample(point, t0, t0.Add(time.Hour), it, p)
		got := collect(t, resampled, err)

		if diff := cmp.Diff(want, got, valueOpts); diff != "" {
			t.Errorf("%s: resample identity mismatch (-want +got):\n%s", point, diff)
		}
	}
}

func TestResampleMatchesDirectQuery(t *testing.T) {
	svc := newTestService(t, fillStore())
	ctx := context.Background()

	for _, point := range []types.Point{numericPoint, multistatePoint, textPoint} {
		it, err := svc.Query(ctx, point, t0, t0.Add(time.Hour), 0, period.MustParse("15m"))
		want := collect(t, it, err)

		fine, err := svc.Query(ctx, point, t0, t0.Add(time.Hour), 0, period.OneMinute)
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		resampled, err := Resample(point, t0, t0.Add(time.Hour), fine, period.MustParse("15m"))
		got := collect(t, resampled, err)

		if diff := cmp.Diff(want, got, valueOpts); diff != "" {
			t.Errorf("%s: resampled mismatch (-want +got):\n%s", point, diff)
		}
	}
}

func numericChild(start, end, count int64, last float64) *aggregate.Value {
	v := aggregate.New(aggregate.KindNumeric, numericPoint.ID, start, end)
	v.Count = count
	s := types.Sample{SeriesID: numericPoint.ID, TimestampMs: end - 1, Value: types.NumericValue(last)}
	v.First = &s
	v.Last = &s
	return v
}

func TestResampleCountsAndGaps(t *testing.T) {
	m := int64(time.Minute / time.Millisecond)
	children := iter.Of(
		numericChild(0, m, 2, 1),
		numericChild(m, 2*m, 3, 2),
		numericChild(4*m, 5*m, 1, 3),
	)

	from := time.UnixMilli(0).UTC()
	to := time.UnixMilli(6 * m).UTC()
	it, err := Resample(numericPoint, from, to, children, period.MustParse("2m"))
	values := collect(t, it, err)

	wantCounts := []int64{5, 0, 1}
	if len(values) != len(wantCounts) {
		t.Fatalf("expected %d buckets, got %d", len(wantCounts), len(values))
	}
	for i, v := range values {
		if v.Count != wantCounts[i] {
			t.Errorf("bucket %d: expected count %d, got %d", i, wantCounts[i], v.Count)
		}
		if v.PeriodStart != int64(i)*2*m || v.PeriodEnd != int64(i+1)*2*m {
			t.Errorf("bucket %d: unexpected period %d..%d", i, v.PeriodStart, v.PeriodEnd)
		}
	}

	gap := values[1]
	if gap.StartValue == nil {
		t.Fatal("expected gap bucket to carry the latest value")
	}
	if x, _ := gap.StartValue.Value.Float64(); x != 2 {
		t.Errorf("expected gap start value 2, got %v", x)
	}
}

func TestResampleSkipsEarlierChildren(t *testing.T) {
	m := int64(time.Minute / time.Millisecond)
	children := iter.Of(
		numericChild(0, m, 4, 7),
		numericChild(2*m, 3*m, 1, 8),
	)

	from := time.UnixMilli(2 * m).UTC()
	to := time.UnixMilli(4 * m).UTC()
	it, err := Resample(numericPoint, from, to, children, period.OneMinute)
	values := collect(t, it, err)

	if len(values) != 2 {
		t.Fatalf("expected 2 buckets, got %d", len(values))
	}
	if values[0].Count != 1 || values[1].Count != 0 {
		t.Errorf("expected counts [1 0], got [%d %d]", values[0].Count, values[1].Count)
	}
}

func TestResampleErrors(t *testing.T) {
	from, to := t0, t0.Add(time.Hour)

	if _, err := Resample(numericPoint, from, to, nil, period.OneMinute); !errors.Is(err, errors.ErrMissingField) {
		t.Errorf("expected missing field, got %v", err)
	}

	if _, err := Resample(types.Point{ID: 9}, from, to, iter.Empty[*aggregate.Value](), period.OneMinute); !errors.Is(err, errors.ErrUnsupportedDataType) {
		t.Errorf("expected unsupported data type, got %v", err)
	}

	other := to.In(time.FixedZone("UTC+2", 2*3600))
	if _, err := Resample(numericPoint, from, other, iter.Empty[*aggregate.Value](), period.OneMinute); !errors.Is(err, errors.ErrZoneMismatch) {
		t.Errorf("expected zone mismatch, got %v", err)
	}
}

func TestResampleKindMismatch(t *testing.T) {
	child := aggregate.New(aggregate.KindChangeCount, numericPoint.ID, 0, 1000)
	it, err := Resample(numericPoint, time.UnixMilli(0).UTC(), time.UnixMilli(1000).UTC(), iter.Of(child), period.OneMinute)
	if err != nil {
		t.Fatalf("Resample: %v", err)
	}
	defer it.Close()

	if _, err := iter.Collect(it); !errors.IsStateError(err) {
		t.Errorf("expected state error, got %v", err)
	}
}

// =============================================================================
// Boundary
// =============================================================================

// rollupStore persists the native-period aggregates of points over
// [from, to), computed directly from raw samples.
func rollupStore(t *testing.T, svc *Service, store preagg.Store, from, to time.Time, points ...types.Point) {
	t.Helper()
	ctx := context.Background()
	for _, point := range points {
		it, err := svc.Query(ctx, point, from, to, 0, store.Period())
		values := collect(t, it, err)
		if err := store.Persist(ctx, point, values); err != nil {
			t.Fatalf("Persist: %v", err)
		}
	}
}

func TestBoundaryEquivalence(t *testing.T) {
	svc := newTestService(t, fillStore())
	ctx := context.Background()

	native := period.OneMinute
	stored := preagg.NewMemoryStore(native)
	rollupStore(t, svc, stored, t0, t0.Add(time.Hour), numericPoint, multistatePoint, textPoint)

	ranges := []struct {
		name     string
		from, to time.Time
	}{
		{"aligned", t0, t0.Add(time.Hour)},
		{"unaligned from", t0.Add(30 * time.Second), t0.Add(30*time.Minute + 30*time.Second)},
		{"unaligned to", t0, t0.Add(30*time.Minute + 30*time.Second)},
		{"offset buckets", t0.Add(2 * time.Minute), t0.Add(40 * time.Minute)},
	}

	for _, r := range ranges {
		boundaries := map[string]time.Time{
			"before": r.from.Add(-10 * time.Minute),
			"inside": r.from.Add(12*time.Minute + 30*time.Second),
			"after":  r.to.Add(2 * time.Hour),
		}

		for _, p := range []period.Period{period.MustParse("5m"), period.MustParse("90s"), native} {
			for _, point := range []types.Point{numericPoint, multistatePoint, textPoint} {
				it, err := svc.Query(ctx, point, r.from, r.to, 0, p)
				want := collect(t, it, err)

				for name, boundary := range boundaries {
					b, err := NewBoundary(svc, stored, StaticBoundary(boundary))
					if err != nil {
						t.Fatalf("NewBoundary: %v", err)
					}
					it, err := b.Query(ctx, point, r.from, r.to, 0, p)
					got := collect(t, it, err)

					if diff := cmp.Diff(want, got, valueOpts); diff != "" {
						t.Errorf("%s/%s/%s/%s: mismatch (-want +got):\n%s", r.name, point, p, name, diff)
					}
				}
			}
		}
	}
}

func TestBoundaryUnalignedFromKeepsHeadSamples(t *testing.T) {
	store := newMemStore()
	for i := int64(0); i < 10; i++ {
		store.add(numericPoint.ID, t0.Add(time.Duration(i)*10*time.Second).UnixMilli(), types.NumericValue(1))
	}
	svc := newTestService(t, store)
	ctx := context.Background()

	stored := preagg.NewMemoryStore(period.OneMinute)
	rollupStore(t, svc, stored, t0, t0.Add(5*time.Minute), numericPoint)

	b, err := NewBoundary(svc, stored, StaticBoundary(t0.Add(time.Hour)))
	if err != nil {
		t.Fatalf("NewBoundary: %v", err)
	}
	from := t0.Add(30 * time.Second)
	it, err := b.Query(ctx, numericPoint, from, t0.Add(2*time.Minute), 0, period.OneMinute)
	got := collect(t, it, err)

	var counts []int64
	for _, v := range got {
		counts = append(counts, v.Count)
	}
	// Buckets start at from: 30s to 80s fall in the first, 90s in the second.
	if diff := cmp.Diff([]int64{6, 1}, counts); diff != "" {
		t.Errorf("counts mismatch (-want +got):\n%s", diff)
	}
}

func TestBoundaryOnParquetStore(t *testing.T) {
	svc := newTestService(t, fillStore())
	ctx := context.Background()

	native := period.OneMinute
	from, to := t0, t0.Add(time.Hour)

	stored, err := preagg.NewParquetStore(t.TempDir(), native, parquet.DefaultOptions())
	if err != nil {
		t.Fatalf("NewParquetStore: %v", err)
	}
	rollupStore(t, svc, stored, from, to, numericPoint)

	p := period.MustParse("10m")
	it, err := svc.Query(ctx, numericPoint, from, to, 0, p)
	want := collect(t, it, err)

	b, err := NewBoundary(svc, stored, StaticBoundary(from.Add(33*time.Minute)))
	if err != nil {
		t.Fatalf("NewBoundary: %v", err)
	}
	it, err = b.Query(ctx, numericPoint, from, to, 0, p)
	got := collect(t, it, err)

	if diff := cmp.Diff(want, got, valueOpts); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestBoundaryLimitAppliedLast(t *testing.T) {
	svc := newTestService(t, fillStore())
	ctx := context.Background()

	stored := preagg.NewMemoryStore(period.OneMinute)
	rollupStore(t, svc, stored, t0, t0.Add(time.Hour), numericPoint)

	b, err := NewBoundary(svc, stored, StaticBoundary(t0.Add(20*time.Minute)))
	if err != nil {
		t.Fatalf("NewBoundary: %v", err)
	}

	p := period.MustParse("5m")
	it, err := b.Query(ctx, numericPoint, t0, t0.Add(time.Hour), 0, p)
	all := collect(t, it, err)

	it, err = b.Query(ctx, numericPoint, t0, t0.Add(time.Hour), 3, p)
	limited := collect(t, it, err)

	if len(limited) != 3 {
		t.Fatalf("expected 3 aggregates, got %d", len(limited))
	}
	if diff := cmp.Diff(all[:3], limited, valueOpts); diff != "" {
		t.Errorf("limited mismatch (-want +got):\n%s", diff)
	}
	// Whole coarse buckets, not the first three native ones.
	if limited[2].PeriodEnd != t0.Add(15*time.Minute).UnixMilli() {
		t.Errorf("expected third bucket to end at 15m, got %d", limited[2].PeriodEnd)
	}
}

func TestBoundaryUnsupportedSourceDelegates(t *testing.T) {
	svc := newTestService(t, fillStore())
	ctx := context.Background()

	b, err := NewBoundary(svc, preagg.None{}, StaticBoundary(t0.Add(30*time.Minute)))
	if err != nil {
		t.Fatalf("NewBoundary: %v", err)
	}

	p := period.MustParse("15m")
	it, err := svc.Query(ctx, numericPoint, t0, t0.Add(time.Hour), 0, p)
	want := collect(t, it, err)

	it, err = b.Query(ctx, numericPoint, t0, t0.Add(time.Hour), 0, p)
	got := collect(t, it, err)

	if diff := cmp.Diff(want, got, valueOpts); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestBoundaryAggregate(t *testing.T) {
	svc := newTestService(t, fillStore())
	ctx := context.Background()

	stored := preagg.NewMemoryStore(period.OneMinute)
	rollupStore(t, svc, stored, t0, t0.Add(time.Hour), numericPoint, multistatePoint)

	b, err := NewBoundary(svc, stored, StaticBoundary(t0.Add(40*time.Minute)))
	if err != nil {
		t.Fatalf("NewBoundary: %v", err)
	}

	points := []types.Point{numericPoint, multistatePoint}
	p := period.MustParse("20m")
	it, err := svc.Aggregate(ctx, points, t0, t0.Add(time.Hour), 0, p)
	want := collect(t, it, err)

	it, err = b.Aggregate(ctx, points, t0, t0.Add(time.Hour), 0, p)
	got := collect(t, it, err)

	if diff := cmp.Diff(want, got, valueOpts); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestNewBoundaryValidation(t *testing.T) {
	svc := newTestService(t, newMemStore())
	now := StaticBoundary(t0)

	if _, err := NewBoundary(nil, preagg.None{}, now); !errors.Is(err, errors.ErrMissingField) {
		t.Errorf("expected missing service, got %v", err)
	}
	if _, err := NewBoundary(svc, nil, now); !errors.Is(err, errors.ErrMissingField) {
		t.Errorf("expected missing source, got %v", err)
	}
	if _, err := NewBoundary(svc, preagg.None{}, nil); !errors.Is(err, errors.ErrMissingField) {
		t.Errorf("expected missing boundary, got %v", err)
	}
}

func TestRelativeBoundary(t *testing.T) {
	now := func() time.Time { return t0 }
	b := RelativeBoundary(period.OneDay, now)
	if got := b(); !got.Equal(t0.AddDate(0, 0, -1)) {
		t.Errorf("expected one day before now, got %v", got)
	}
}

// =============================================================================
// Summarize and aligned
// =============================================================================

func TestSummarize(t *testing.T) {
	store := newMemStore()
	for i, v := range []float64{1, 2, 3, 4} {
		store.add(numericPoint.ID, t0.Add(time.Duration(i)*10*time.Minute).UnixMilli(), types.NumericValue(v))
	}
	store.add(numericPoint.ID, t0.Add(75*time.Minute).UnixMilli(), types.NumericValue(5))
	svc := newTestService(t, store)

	it, err := svc.Summarize(context.Background(), numericPoint, t0.Add(5*time.Minute), t0.Add(2*time.Hour), period.OneHour)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	defer it.Close()

	windows, err := iter.Collect(it)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(windows) != 2 {
		t.Fatalf("expected 2 windows, got %d", len(windows))
	}
	// The first window starts at 10:00 but only samples from 10:05 are read.
	if windows[0].WindowStart != t0.UnixMilli() {
		t.Errorf("expected first window at 10:00, got %d", windows[0].WindowStart)
	}
	if windows[0].Count != 3 || windows[0].Sum != 9 {
		t.Errorf("expected count 3 sum 9, got count %d sum %v", windows[0].Count, windows[0].Sum)
	}
	if windows[1].Count != 1 || windows[1].Max != 5 {
		t.Errorf("expected count 1 max 5, got count %d max %v", windows[1].Count, windows[1].Max)
	}
}

func TestSummarizeRejectsDiscretePoints(t *testing.T) {
	svc := newTestService(t, newMemStore())

	_, err := svc.Summarize(context.Background(), multistatePoint, t0, t0.Add(time.Hour), period.OneHour)
	if !errors.Is(err, errors.ErrUnsupportedDataType) {
		t.Errorf("expected unsupported data type, got %v", err)
	}
}

func TestAligned(t *testing.T) {
	store := newMemStore()
	for _, ts := range []int64{0, 5, 10} {
		store.add(1, ts, types.NumericValue(float64(ts)))
	}
	for _, ts := range []int64{5, 10, 20} {
		store.add(2, ts, types.MultistateValue(int32(ts)))
	}
	svc := newTestService(t, store)

	it, err := svc.Aligned(context.Background(), []types.Point{multistatePoint, numericPoint}, time.UnixMilli(0), time.UnixMilli(100), 0)
	if err != nil {
		t.Fatalf("Aligned: %v", err)
	}
	defer it.Close()

	rows, err := iter.Collect(it)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}

	type shape struct {
		TS     int64
		Series []types.SeriesID
	}
	var got []shape
	for _, r := range rows {
		s := shape{TS: r.TimestampMs}
		for _, v := range r.Values {
			s.Series = append(s.Series, v.SeriesID)
		}
		got = append(got, s)
	}
	want := []shape{
		{0, []types.SeriesID{1}},
		{5, []types.SeriesID{1, 2}},
		{10, []types.SeriesID{1, 2}},
		{20, []types.SeriesID{2}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}

	if _, ok := rows[3].Get(1); ok {
		t.Error("expected no sample of series 1 at t=20")
	}
	if s, ok := rows[1].Get(2); !ok || s.TimestampMs != 5 {
		t.Errorf("expected series 2 at t=5, got %v %v", s, ok)
	}
}

func TestSamplesStrategies(t *testing.T) {
	store := newMemStore()
	for _, ts := range []int64{0, 5, 10} {
		store.add(1, ts, types.NumericValue(float64(ts)))
	}
	for _, ts := range []int64{5, 20} {
		store.add(2, ts, types.MultistateValue(int32(ts)))
	}
	svc := newTestService(t, store)
	points := []types.Point{multistatePoint, numericPoint}

	type key struct {
		Series types.SeriesID
		TS     int64
	}
	read := func(strategy cursor.Strategy, limit int) []key {
		t.Helper()
		it, err := svc.Samples(context.Background(), points, time.UnixMilli(0), time.UnixMilli(100), limit, strategy)
		if err != nil {
			t.Fatalf("Samples(%s): %v", strategy, err)
		}
		var got []key
		if err := iter.ForEach(it, func(s types.Sample) error {
			got = append(got, key{s.SeriesID, s.TimestampMs})
			return nil
		}); err != nil {
			t.Fatalf("ForEach: %v", err)
		}
		return got
	}

	chrono := []key{{1, 0}, {1, 5}, {2, 5}, {1, 10}, {2, 20}}
	if diff := cmp.Diff(chrono, read(cursor.Chronological, 0)); diff != "" {
		t.Errorf("chronological mismatch (-want +got):\n%s", diff)
	}
	perSeries := []key{{2, 5}, {2, 20}, {1, 0}, {1, 5}, {1, 10}}
	if diff := cmp.Diff(perSeries, read(cursor.PerSeries, 0)); diff != "" {
		t.Errorf("per series mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(perSeries[:3], read(cursor.PerSeries, 3)); diff != "" {
		t.Errorf("limited mismatch (-want +got):\n%s", diff)
	}

	if _, err := svc.Samples(context.Background(), nil, time.UnixMilli(0), time.UnixMilli(100), 0, cursor.PerSeries); !errors.Is(err, errors.ErrMissingField) {
		t.Errorf("expected missing points error, got %v", err)
	}
	if _, err := svc.Samples(context.Background(), points, time.UnixMilli(0), time.UnixMilli(100), 0, cursor.Strategy(9)); !errors.IsConfigError(err) {
		t.Errorf("expected unknown strategy error, got %v", err)
	}
}

func TestAlignedLimit(t *testing.T) {
	store := newMemStore()
	for _, ts := range []int64{0, 5, 10, 15} {
		store.add(1, ts, types.NumericValue(1))
		store.add(2, ts, types.MultistateValue(1))
	}
	svc := newTestService(t, store)

	it, err := svc.Aligned(context.Background(), []types.Point{numericPoint, multistatePoint}, time.UnixMilli(0), time.UnixMilli(100), 2)
	if err != nil {
		t.Fatalf("Aligned: %v", err)
	}
	defer it.Close()

	rows, err := iter.Collect(it)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if len(rows[1].Values) != 2 {
		t.Errorf("expected both points in a limited row, got %d", len(rows[1].Values))
	}
}

func TestAlignedRequiresPoints(t *testing.T) {
	svc := newTestService(t, newMemStore())
	if _, err := svc.Aligned(context.Background(), nil, t0, t0, 0); !errors.Is(err, errors.ErrMissingField) {
		t.Errorf("expected missing field, got %v", err)
	}
}

// =============================================================================
// SQL
// =============================================================================

func TestService_ExecuteSQL(t *testing.T) {
	svc := newTestService(t, newMemStore())
	ctx := context.Background()

	// Simple query
	results, err := svc.ExecuteSQL(ctx, "SELECT 1 AS value")
	if err != nil {
		t.Fatalf("ExecuteSQL: %v", err)
	}

	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}

	stats := svc.Stats()
	if stats.QueriesExecuted != 1 {
		t.Errorf("expected 1 query executed, got %d", stats.QueriesExecuted)
	}
}

func TestExecuteSQLMaxRows(t *testing.T) {
	svc, err := New(newMemStore(), Options{MaxRows: 5})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer svc.Close()

	results, err := svc.ExecuteSQL(context.Background(), "SELECT * FROM range(100)")
	if err != nil {
		t.Fatalf("ExecuteSQL: %v", err)
	}
	if len(results) != 5 {
		t.Errorf("expected 5 rows, got %d", len(results))
	}
}

func TestExecuteSQLRollups(t *testing.T) {
	dir := t.TempDir()
	store := fillStore()

	svc, err := New(store, Options{RollupDir: dir})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer svc.Close()

	stored, err := preagg.NewParquetStore(dir, period.MustParse("10m"), parquet.DefaultOptions())
	if err != nil {
		t.Fatalf("NewParquetStore: %v", err)
	}
	rollupStore(t, svc, stored, t0, t0.Add(time.Hour), numericPoint)

	results, err := svc.ExecuteSQL(context.Background(), "SELECT count(*) AS n FROM "+RollupsPlaceholder)
	if err != nil {
		t.Fatalf("ExecuteSQL: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 row, got %d", len(results))
	}
	if got := fmt.Sprint(results[0]["n"]); got != "6" {
		t.Errorf("expected 6 rollup rows, got %s", got)
	}
}

func TestExecuteSQLRollupsWithoutDir(t *testing.T) {
	svc := newTestService(t, newMemStore())
	if _, err := svc.ExecuteSQL(context.Background(), "SELECT * FROM "+RollupsPlaceholder); !errors.Is(err, errors.ErrMissingField) {
		t.Errorf("expected missing field, got %v", err)
	}
}

func TestExecuteSQLError(t *testing.T) {
	svc := newTestService(t, newMemStore())
	if _, err := svc.ExecuteSQL(context.Background(), "SELEC nonsense"); !errors.Is(err, errors.ErrDatabase) {
		t.Errorf("expected database error, got %v", err)
	}
}
