package preagg

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/xtxerr/historian/internal/errors"
	"github.com/xtxerr/historian/internal/storage/aggregate"
	"github.com/xtxerr/historian/internal/storage/iter"
	"github.com/xtxerr/historian/internal/storage/parquet"
	"github.com/xtxerr/historian/internal/storage/period"
	"github.com/xtxerr/historian/internal/storage/types"
)

var (
	numericPoint = types.Point{ID: 7, XID: "DP_7", Name: "flow", DataType: types.DataTypeNumeric}
	unknownPoint = types.Point{ID: 8, XID: "DP_8", Name: "image"}
)

func minutes(start, n int) []*aggregate.Value {
	var out []*aggregate.Value
	for i := start; i < start+n; i++ {
		v := aggregate.New(aggregate.KindNumeric, numericPoint.ID, int64(i)*60000, int64(i+1)*60000)
		v.Count = int64(i)
		v.Numeric.Sum = float64(i)
		out = append(out, v)
	}
	return out
}

func starts(t *testing.T, it iter.Iterator[*aggregate.Value]) []int64 {
	t.Helper()
	values, err := iter.Collect(it)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var out []int64
	for _, v := range values {
		out = append(out, v.PeriodStart/60000)
	}
	return out
}

func stores(t *testing.T) map[string]Store {
	ps, err := NewParquetStore(t.TempDir(), period.OneMinute, parquet.DefaultOptions())
	if err != nil {
		t.Fatalf("NewParquetStore: %v", err)
	}
	return map[string]Store{
		"memory":  NewMemoryStore(period.OneMinute),
		"parquet": ps,
	}
}

func TestStorePersistAndRead(t *testing.T) {
	ctx := context.Background()

	for name, s := range stores(t) {
		if _, ok, err := s.Watermark(ctx, numericPoint); ok || err != nil {
			t.Errorf("%s: expected no watermark, got ok=%v err=%v", name, ok, err)
		}

		if err := s.Persist(ctx, numericPoint, minutes(0, 5)); err != nil {
			t.Fatalf("%s: Persist: %v", name, err)
		}
		if err := s.Persist(ctx, numericPoint, minutes(5, 5)); err != nil {
			t.Fatalf("%s: Persist: %v", name, err)
		}

		wm, ok, err := s.Watermark(ctx, numericPoint)
		if err != nil || !ok || wm != 10*60000 {
			t.Errorf("%s: expected watermark at minute 10, got %d ok=%v err=%v", name, wm, ok, err)
		}

		it, err := s.Aggregates(ctx, numericPoint, time.UnixMilli(3*60000), time.UnixMilli(7*60000))
		if err != nil {
			t.Fatalf("%s: Aggregates: %v", name, err)
		}
		if diff := cmp.Diff([]int64{3, 4, 5, 6}, starts(t, it)); diff != "" {
			t.Errorf("%s: unexpected range (-want +got):\n%s", name, diff)
		}

		it, _ = s.Aggregates(ctx, numericPoint, time.UnixMilli(0), time.UnixMilli(60*60000))
		all, err := iter.Collect(it)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(minutes(0, 10), all, cmpopts.IgnoreUnexported(aggregate.Value{}, aggregate.NumericStats{})); diff != "" {
			t.Errorf("%s: stored values differ (-want +got):\n%s", name, diff)
		}

		it, _ = s.Aggregates(ctx, numericPoint, time.UnixMilli(20*60000), time.UnixMilli(30*60000))
		if got := starts(t, it); len(got) != 0 {
			t.Errorf("%s: expected nothing after the watermark, got %v", name, got)
		}
	}
}

func TestStoreRejectsOverlap(t *testing.T) {
	ctx := context.Background()

	for name, s := range stores(t) {
		if err := s.Persist(ctx, numericPoint, minutes(0, 5)); err != nil {
			t.Fatalf("%s: Persist: %v", name, err)
		}
		err := s.Persist(ctx, numericPoint, minutes(4, 2))
		if !errors.Is(err, errors.ErrInvalidState) {
			t.Errorf("%s: expected invalid state for overlapping aggregates, got %v", name, err)
		}
	}
}

func TestStoreUnsupportedPoint(t *testing.T) {
	ctx := context.Background()

	all := stores(t)
	all["none"] = None{}

	for name, s := range all {
		if s.Supports(unknownPoint) {
			t.Errorf("%s: point without data type should not be supported", name)
		}
		if _, err := s.Aggregates(ctx, unknownPoint, time.UnixMilli(0), time.UnixMilli(1)); !errors.IsUnsupported(err) {
			t.Errorf("%s: expected unsupported aggregates, got %v", name, err)
		}
		if err := s.Persist(ctx, unknownPoint, nil); !errors.IsUnsupported(err) {
			t.Errorf("%s: expected unsupported persist, got %v", name, err)
		}
		if _, _, err := s.Watermark(ctx, unknownPoint); !errors.IsUnsupported(err) {
			t.Errorf("%s: expected unsupported watermark, got %v", name, err)
		}
	}

	if (None{}).Supports(numericPoint) {
		t.Error("None should not support any point")
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(period.OneMinute)
	s.Persist(ctx, numericPoint, minutes(0, 1))

	it, _ := s.Aggregates(ctx, numericPoint, time.UnixMilli(0), time.UnixMilli(60000))
	values, _ := iter.Collect(it)
	values[0].Count = 99

	it, _ = s.Aggregates(ctx, numericPoint, time.UnixMilli(0), time.UnixMilli(60000))
	again, _ := iter.Collect(it)
	if again[0].Count != 0 {
		t.Errorf("stored value was modified through a returned copy")
	}
}

func TestNewParquetStoreValidation(t *testing.T) {
	if _, err := NewParquetStore(t.TempDir(), period.Period{}, parquet.DefaultOptions()); !errors.Is(err, errors.ErrInvalidPeriod) {
		t.Errorf("expected invalid period, got %v", err)
	}
	if _, err := NewParquetStore("", period.OneHour, parquet.DefaultOptions()); !errors.IsConfigError(err) {
		t.Errorf("expected config error, got %v", err)
	}
}

func TestParquetStoreDeleteBefore(t *testing.T) {
	ctx := context.Background()
	s, err := NewParquetStore(t.TempDir(), period.OneMinute, parquet.DefaultOptions())
	if err != nil {
		t.Fatalf("NewParquetStore: %v", err)
	}

	for _, start := range []int{0, 5, 10} {
		if err := s.Persist(ctx, numericPoint, minutes(start, 5)); err != nil {
			t.Fatalf("Persist: %v", err)
		}
	}

	files, size, err := s.DiskUsage()
	if err != nil || files != 3 || size <= 0 {
		t.Fatalf("expected 3 files on disk, got %d (%d bytes, %v)", files, size, err)
	}

	// Minute 7 lies inside the second file, so only the first one goes.
	n, freed, err := s.DeleteBefore(ctx, numericPoint, 7*60000)
	if err != nil {
		t.Fatalf("DeleteBefore: %v", err)
	}
	if n != 1 || freed <= 0 {
		t.Errorf("expected one file deleted, got %d (%d bytes)", n, freed)
	}

	it, _ := s.Aggregates(ctx, numericPoint, time.UnixMilli(0), time.UnixMilli(60*60000))
	if got := starts(t, it); len(got) != 10 || got[0] != 5 {
		t.Errorf("expected minutes 5 to 14 left, got %v", got)
	}

	// The newest file is kept so the watermark survives.
	n, _, err = s.DeleteBefore(ctx, numericPoint, 60*60000)
	if err != nil || n != 1 {
		t.Errorf("expected one more file deleted, got %d (%v)", n, err)
	}
	wm, ok, err := s.Watermark(ctx, numericPoint)
	if err != nil || !ok || wm != 15*60000 {
		t.Errorf("expected watermark at minute 15, got %d ok=%v err=%v", wm, ok, err)
	}

	files, _, _ = s.DiskUsage()
	if files != 1 {
		t.Errorf("expected 1 file left, got %d", files)
	}
}
