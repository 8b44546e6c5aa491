package retention

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/xtxerr/historian/internal/errors"
	"github.com/xtxerr/historian/internal/storage/aggregate"
	"github.com/xtxerr/historian/internal/storage/buffer"
	"github.com/xtxerr/historian/internal/storage/config"
	"github.com/xtxerr/historian/internal/storage/cursor"
	"github.com/xtxerr/historian/internal/storage/period"
	"github.com/xtxerr/historian/internal/storage/preagg"
	"github.com/xtxerr/historian/internal/storage/types"
	"github.com/xtxerr/historian/internal/testutil"
)

var (
	level  = types.Point{ID: 1, XID: "tank.level", DataType: types.DataTypeNumeric}
	valve  = types.Point{ID: 2, XID: "valve", DataType: types.DataTypeBinary}
	legacy = types.Point{ID: 3, XID: "legacy"}
)

var t0 = time.Date(2024, time.June, 1, 10, 0, 0, 0, time.UTC)

type fakeRollups struct {
	*preagg.MemoryStore
	deletes map[types.SeriesID]int64
}

func newFakeRollups() *fakeRollups {
	return &fakeRollups{
		MemoryStore: preagg.NewMemoryStore(period.OneMinute),
		deletes:     make(map[types.SeriesID]int64),
	}
}

func (f *fakeRollups) DeleteBefore(_ context.Context, p types.Point, beforeMs int64) (int, int64, error) {
	f.deletes[p.ID] = beforeMs
	return 1, 512, nil
}

func (f *fakeRollups) DiskUsage() (int, int64, error) { return 3, 2048, nil }

// testBuffer holds one sample per minute over the hour after t0 for every
// point.
func testBuffer() *buffer.RingBuffer {
	buf := buffer.New(1000)
	for i := int64(0); i < 60; i++ {
		ts := t0.Add(time.Duration(i) * time.Minute).UnixMilli()
		buf.Push(types.Sample{SeriesID: level.ID, TimestampMs: ts, Value: types.NumericValue(float64(i))})
		buf.Push(types.Sample{SeriesID: valve.ID, TimestampMs: ts, Value: types.BinaryValue(i%2 == 0)})
		buf.Push(types.Sample{SeriesID: legacy.ID, TimestampMs: ts, Value: types.NumericValue(1)})
	}
	return buf
}

func lister(points ...types.Point) PointLister {
	return func(context.Context) ([]types.Point, error) { return points, nil }
}

func newManager(t *testing.T, samples SampleStore, opts Options) *Manager {
	t.Helper()
	if opts.Now == nil {
		opts.Now = func() time.Time { return t0.Add(time.Hour) }
	}
	m, err := New(samples, lister(level, valve, legacy), opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func oldest(t *testing.T, store cursor.Store, p types.Point) time.Duration {
	t.Helper()
	var first int64 = -1
	err := store.FetchSamples(context.Background(), cursor.FetchRequest{
		Points: []types.SeriesID{p.ID},
		Limit:  cursor.Int(1),
	}, func(s types.Sample) error {
		first = s.TimestampMs
		return nil
	})
	if err != nil {
		t.Fatalf("FetchSamples: %v", err)
	}
	return time.UnixMilli(first).Sub(t0)
}

func TestManager_New(t *testing.T) {
	if _, err := New(nil, lister(), Options{}); !errors.Is(err, errors.ErrMissingField) {
		t.Errorf("expected missing samples, got %v", err)
	}
	if _, err := New(buffer.New(1), nil, Options{}); !errors.Is(err, errors.ErrMissingField) {
		t.Errorf("expected missing points, got %v", err)
	}

	m, err := New(buffer.New(1), lister(), Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if m.opts.Config.Interval != time.Hour {
		t.Errorf("expected default interval, got %v", m.opts.Config.Interval)
	}
	if m.Enabled() {
		t.Error("expected retention disabled without periods")
	}
}

func TestManager_RawOnly(t *testing.T) {
	buf := testBuffer()
	m := newManager(t, buf, Options{Config: config.RetentionConfig{Raw: "30m"}})

	result, err := m.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// The sample at minute 29 still holds the value at the cutoff.
	if result.SamplesDeleted != 3*29 {
		t.Errorf("expected %d samples deleted, got %d", 3*29, result.SamplesDeleted)
	}
	for _, p := range []types.Point{level, valve, legacy} {
		if got := oldest(t, buf, p); got != 29*time.Minute {
			t.Errorf("%s: expected oldest sample at minute 29, got %v", p, got)
		}
	}

	// A second run has nothing left to do.
	result, _ = m.Run(context.Background())
	if result.SamplesDeleted != 0 {
		t.Errorf("expected nothing deleted on the second run, got %d", result.SamplesDeleted)
	}

	stats := m.Stats()
	if stats.Runs != 2 || stats.SamplesDeleted != 3*29 || !stats.LastRunTime.Equal(t0.Add(time.Hour)) {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestManager_RawHeldBackByWatermark(t *testing.T) {
	ctx := context.Background()
	buf := testBuffer()
	rollups := newFakeRollups()

	var values []*aggregate.Value
	for i := int64(0); i < 10; i++ {
		start := t0.Add(time.Duration(i) * time.Minute).UnixMilli()
		values = append(values, aggregate.New(aggregate.KindNumeric, level.ID, start, start+60000))
	}
	if err := rollups.Persist(ctx, level, values); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	m := newManager(t, buf, Options{
		Config:  config.RetentionConfig{Raw: "30m"},
		Rollups: rollups,
	})
	result, err := m.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := map[string]time.Duration{
		level.XID:  oldest(t, buf, level),
		valve.XID:  oldest(t, buf, valve),
		legacy.XID: oldest(t, buf, legacy),
	}
	want := map[string]time.Duration{
		// Capped at the watermark at minute 10.
		level.XID: 9 * time.Minute,
		// No rollups yet.
		valve.XID: 0,
		// Not pre-aggregated, so the raw period alone applies.
		legacy.XID: 29 * time.Minute,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("oldest samples differ (-want +got):\n%s", diff)
	}
	if result.SamplesDeleted != 9+29 || result.PointsSkipped != 1 {
		t.Errorf("unexpected result %+v", result)
	}
	if len(rollups.deletes) != 0 {
		t.Errorf("expected no rollup deletes without a rollup period, got %v", rollups.deletes)
	}
}

func TestManager_Rollups(t *testing.T) {
	rollups := newFakeRollups()
	m := newManager(t, testBuffer(), Options{
		Config:  config.RetentionConfig{Rollups: "1d"},
		Rollups: rollups,
	})

	result, err := m.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	cutoff := t0.Add(time.Hour).AddDate(0, 0, -1).UnixMilli()
	want := map[types.SeriesID]int64{level.ID: cutoff, valve.ID: cutoff}
	if diff := cmp.Diff(want, rollups.deletes); diff != "" {
		t.Errorf("rollup deletes differ (-want +got):\n%s", diff)
	}
	if result.FilesDeleted != 2 || result.BytesFreed != 1024 || result.SamplesDeleted != 0 {
		t.Errorf("unexpected result %+v", result)
	}

	usage, err := m.RollupDiskUsage()
	if err != nil {
		t.Fatalf("RollupDiskUsage: %v", err)
	}
	if usage.String() != "3 files, 2.00 KB" {
		t.Errorf("unexpected usage %q", usage.String())
	}
}

func TestManager_InvalidPeriod(t *testing.T) {
	m := newManager(t, testBuffer(), Options{Config: config.RetentionConfig{Raw: "soon"}})
	if _, err := m.Run(context.Background()); err == nil {
		t.Error("expected error for an unparseable period")
	}
}

func TestManager_StartStop(t *testing.T) {
	m := newManager(t, testBuffer(), Options{
		Config: config.RetentionConfig{Raw: "30m", Interval: 10 * time.Millisecond},
	})

	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Start(); !errors.IsStateError(err) {
		t.Errorf("expected state error on second start, got %v", err)
	}

	if err := testutil.Eventually(5*time.Second, 5*time.Millisecond, func() bool { return m.Stats().Runs > 0 }); err != nil {
		t.Errorf("expected a scheduled run: %v", err)
	}

	if err := m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if m.IsRunning() {
		t.Error("manager should not be running")
	}
	if err := m.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestManager_PausedSkipsRuns(t *testing.T) {
	m := newManager(t, testBuffer(), Options{
		Config: config.RetentionConfig{Raw: "30m", Interval: 5 * time.Millisecond},
		Paused: func() bool { return true },
	})
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	m.Stop()

	if m.Stats().Runs != 0 {
		t.Errorf("expected no runs while paused, got %d", m.Stats().Runs)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		bytes    int64
		expected string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.00 KB"},
		{1536, "1.50 KB"},
		{1024 * 1024, "1.00 MB"},
		{1024 * 1024 * 1024, "1.00 GB"},
		{1024 * 1024 * 1024 * 1024, "1.00 TB"},
	}

	for _, tt := range tests {
		if got := FormatBytes(tt.bytes); got != tt.expected {
			t.Errorf("FormatBytes(%d) = %s, expected %s", tt.bytes, got, tt.expected)
		}
	}
}
