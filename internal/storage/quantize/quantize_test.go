package quantize

import (
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/xtxerr/historian/internal/errors"
	"github.com/xtxerr/historian/internal/storage/aggregate"
	"github.com/xtxerr/historian/internal/storage/iter"
	"github.com/xtxerr/historian/internal/storage/period"
	"github.com/xtxerr/historian/internal/storage/types"
)

var ignoreInternals = cmpopts.IgnoreUnexported(aggregate.Value{}, aggregate.NumericStats{})

func num(ts int64, v float64) types.Sample {
	return types.Sample{SeriesID: 1, TimestampMs: ts, Value: types.NumericValue(v)}
}

func state(ts int64, s int32) types.Sample {
	return types.Sample{SeriesID: 1, TimestampMs: ts, Value: types.MultistateValue(s)}
}

func text(ts int64, s string) types.Sample {
	return types.Sample{SeriesID: 1, TimestampMs: ts, Value: types.AlphanumericValue(s)}
}

func cfg(fromMs, toMs int64, p string) Config {
	return Config{
		Series: 1,
		From:   time.UnixMilli(fromMs).UTC(),
		To:     time.UnixMilli(toMs).UTC(),
		Period: period.MustParse(p),
	}
}

func collect(t *testing.T, it iter.Iterator[*aggregate.Value]) []*aggregate.Value {
	t.Helper()
	out, err := iter.Collect(it)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return out
}

func TestContinuousNumeric(t *testing.T) {
	src := iter.Of(num(0, 1), num(5, 1), num(10, 1), num(15, 1))
	p, err := NewContinuous(src, nil, aggregate.KindNumeric, cfg(0, 20, "10ms"))
	if err != nil {
		t.Fatalf("NewContinuous: %v", err)
	}
	got := collect(t, p)

	if len(got) != 2 {
		t.Fatalf("expected 2 buckets, got %d", len(got))
	}
	for i, v := range got {
		if v.Count != 2 {
			t.Errorf("bucket %d: expected count=2, got %d", i, v.Count)
		}
		if v.PeriodStart != int64(i*10) {
			t.Errorf("bucket %d: expected start %d, got %d", i, i*10, v.PeriodStart)
		}
	}
}

func TestNumericStatistics(t *testing.T) {
	prev := num(-1000, 2)
	src := iter.Of(num(1000, 4), num(3000, 0))
	p, _ := NewContinuous(src, &prev, aggregate.KindNumeric, cfg(0, 4000, "4s"))
	got := collect(t, p)

	if len(got) != 1 {
		t.Fatalf("expected 1 bucket, got %d", len(got))
	}
	v := got[0]
	n := v.Numeric

	// 2 for 1s, 4 for 2s, 0 for 1s
	if n.Integral != 10 {
		t.Errorf("expected integral=10, got %f", n.Integral)
	}
	if n.CoveredMs != 4000 {
		t.Errorf("expected full coverage, got %d", n.CoveredMs)
	}
	if n.Average != 2.5 {
		t.Errorf("expected average=2.5, got %f", n.Average)
	}
	if n.Minimum != 0 || n.MinimumTime != 3000 {
		t.Errorf("unexpected minimum %f at %d", n.Minimum, n.MinimumTime)
	}
	if n.Maximum != 4 || n.MaximumTime != 1000 {
		t.Errorf("unexpected maximum %f at %d", n.Maximum, n.MaximumTime)
	}
	if n.MinimumInPeriod != 0 || n.MaximumInPeriod != 4 {
		t.Errorf("unexpected in-period min/max %f %f", n.MinimumInPeriod, n.MaximumInPeriod)
	}
	if n.Sum != 4 || n.Mean(v.Count) != 2 {
		t.Errorf("unexpected sum %f", n.Sum)
	}
	if v.StartValue == nil || v.StartValue.TimestampMs != -1000 {
		t.Errorf("expected start value from previous sample, got %v", v.StartValue)
	}
	if v.First.TimestampMs != 1000 || v.Last.TimestampMs != 3000 {
		t.Errorf("unexpected first/last")
	}
}

func TestStartValueCountsTowardsMinimum(t *testing.T) {
	prev := num(-5, -3)
	p, _ := NewContinuous(iter.Of(num(2, 1)), &prev, aggregate.KindNumeric, cfg(0, 10, "10ms"))
	got := collect(t, p)

	n := got[0].Numeric
	if n.Minimum != -3 || n.MinimumTime != 0 {
		t.Errorf("expected minimum -3 at period start, got %f at %d", n.Minimum, n.MinimumTime)
	}
	if n.MinimumInPeriod != 1 {
		t.Errorf("expected in-period minimum 1, got %f", n.MinimumInPeriod)
	}
}

func TestEmptyBucketsCarryStartValue(t *testing.T) {
	src := iter.Of(num(1000, 7), num(35000, 9))
	p, _ := NewContinuous(src, nil, aggregate.KindNumeric, cfg(0, 40000, "10s"))
	got := collect(t, p)

	if len(got) != 4 {
		t.Fatalf("expected 4 buckets, got %d", len(got))
	}
	for _, i := range []int{1, 2} {
		v := got[i]
		if v.Count != 0 {
			t.Errorf("bucket %d: expected empty, got count %d", i, v.Count)
		}
		if v.StartValue == nil || v.StartValue.TimestampMs != 1000 {
			t.Errorf("bucket %d: expected start value from t=1000", i)
		}
		if v.Numeric.Average != 7 || v.Numeric.CoveredMs != 10000 {
			t.Errorf("bucket %d: expected average 7 over the full bucket, got %f over %d", i, v.Numeric.Average, v.Numeric.CoveredMs)
		}
	}
}

func TestNoSamplesEmitsEmptyBuckets(t *testing.T) {
	p, _ := NewContinuous(iter.Of[types.Sample](), nil, aggregate.KindNumeric, cfg(0, 25, "10ms"))
	got := collect(t, p)

	if len(got) != 3 {
		t.Fatalf("expected 3 buckets, got %d", len(got))
	}
	if got[2].PeriodEnd != 25 {
		t.Errorf("expected last bucket clipped to 25, got %d", got[2].PeriodEnd)
	}
	for _, v := range got {
		if v.Count != 0 || v.StartValue != nil || v.Numeric.Known {
			t.Errorf("expected empty bucket, got %+v", v)
		}
	}
}

func TestRuntimeStatistics(t *testing.T) {
	prev := state(-10, 0)
	src := iter.Of(state(20, 1), state(50, 1), state(60, 2), state(80, 0))
	p, _ := NewContinuous(src, &prev, aggregate.KindStartsAndRuntime, cfg(0, 100, "100ms"))
	got := collect(t, p)

	want := []aggregate.StateRuntime{
		{State: 0, Starts: 1, RuntimeMs: 40, Proportion: 0.4},
		{State: 1, Starts: 1, RuntimeMs: 40, Proportion: 0.4},
		{State: 2, Starts: 1, RuntimeMs: 20, Proportion: 0.2},
	}
	if diff := cmp.Diff(want, got[0].Runtime.States); diff != "" {
		t.Errorf("unexpected runtimes (-want +got):\n%s", diff)
	}
}

func TestRuntimeAcrossBuckets(t *testing.T) {
	src := iter.Of(types.Sample{SeriesID: 1, TimestampMs: 5, Value: types.BinaryValue(true)})
	p, _ := NewContinuous(src, nil, aggregate.KindStartsAndRuntime, cfg(0, 20, "10ms"))
	got := collect(t, p)

	first, _ := got[0].Runtime.Get(1)
	second, _ := got[1].Runtime.Get(1)
	if first.Starts != 1 || first.RuntimeMs != 5 {
		t.Errorf("unexpected first bucket runtime %+v", first)
	}
	if second.Starts != 0 || second.RuntimeMs != 10 || second.Proportion != 1 {
		t.Errorf("a held state should not start again: %+v", second)
	}
}

func TestChangeCount(t *testing.T) {
	prev := text(-1, "a")
	src := iter.Of(text(1, "a"), text(2, "b"), text(3, "b"), text(4, "c"))
	p, _ := NewContinuous(src, &prev, aggregate.KindChangeCount, cfg(0, 10, "10ms"))
	got := collect(t, p)

	if got[0].Changes.Changes != 2 {
		t.Errorf("expected 2 changes, got %d", got[0].Changes.Changes)
	}

	p, _ = NewContinuous(iter.Of(text(1, "a")), nil, aggregate.KindChangeCount, cfg(0, 10, "10ms"))
	got = collect(t, p)
	if got[0].Changes.Changes != 1 {
		t.Errorf("first value without a start value is a change, got %d", got[0].Changes.Changes)
	}
}

func TestPercentiles(t *testing.T) {
	var samples []types.Sample
	for i := 1; i <= 100; i++ {
		samples = append(samples, num(int64(i), float64(i)))
	}
	c := cfg(0, 1000, "1s")
	c.PercentileAccuracy = aggregate.DefaultAccuracy

	p, _ := NewContinuous(iter.FromSlice(samples), nil, aggregate.KindNumeric, c)
	got := collect(t, p)

	pct := got[0].Numeric.Percentiles
	if pct == nil {
		t.Fatal("expected percentiles")
	}
	if math.Abs(pct.P50-50) > 2 || math.Abs(pct.P99-99) > 2 {
		t.Errorf("unexpected percentiles %+v", pct)
	}
}

func TestInvalidPercentileAccuracy(t *testing.T) {
	for _, acc := range []float64{-0.1, 1, 1.5, math.NaN()} {
		c := cfg(0, 1000, "1s")
		c.PercentileAccuracy = acc
		if _, err := New(aggregate.KindNumeric, c, func(*aggregate.Value) {}); !errors.IsConfigError(err) {
			t.Errorf("accuracy %v: expected config error, got %v", acc, err)
		}

		from := time.UnixMilli(0).UTC()
		if _, err := NewCalendarWindow(iter.Of[types.Sample](), 1, from, from.Add(time.Hour), period.OneHour, acc); !errors.IsConfigError(err) {
			t.Errorf("accuracy %v: expected config error from calendar window, got %v", acc, err)
		}
	}
}

func TestPercentilesPerBucket(t *testing.T) {
	samples := []types.Sample{num(0, 10), num(1, 10), num(1000, 500), num(1001, 500)}
	c := cfg(0, 2000, "1s")
	c.PercentileAccuracy = aggregate.DefaultAccuracy

	p, err := NewContinuous(iter.FromSlice(samples), nil, aggregate.KindNumeric, c)
	if err != nil {
		t.Fatalf("NewContinuous: %v", err)
	}
	got := collect(t, p)
	if len(got) != 2 {
		t.Fatalf("expected 2 buckets, got %d", len(got))
	}
	for i, want := range []float64{10, 500} {
		pct := got[i].Numeric.Percentiles
		if pct == nil {
			t.Fatalf("bucket %d: expected percentiles", i)
		}
		if math.Abs(pct.P50-want) > want*aggregate.DefaultAccuracy*2 {
			t.Errorf("bucket %d: expected P50 near %v, got %v", i, want, pct.P50)
		}
	}
}

func TestTransitions(t *testing.T) {
	var emitted []*aggregate.Value
	q, err := New(aggregate.KindNumeric, cfg(0, 10, "10ms"), func(v *aggregate.Value) {
		emitted = append(emitted, v)
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := q.Accept(num(1, 1)); !errors.Is(err, errors.ErrInvalidTransition) {
		t.Errorf("accept before first value: expected invalid transition, got %v", err)
	}
	if err := q.FirstValue(num(0, 1), false); err != nil {
		t.Fatal(err)
	}
	if q.State() != Accumulating {
		t.Errorf("expected accumulating, got %s", q.State())
	}
	if err := q.FirstValue(num(1, 1), false); !errors.Is(err, errors.ErrInvalidTransition) {
		t.Errorf("second first value: expected invalid transition, got %v", err)
	}
	if err := q.LastValue(num(10, 1), true); err != nil {
		t.Fatal(err)
	}
	if err := q.Accept(num(5, 1)); !errors.Is(err, errors.ErrInvalidTransition) {
		t.Errorf("accept after last value: expected invalid transition, got %v", err)
	}
	if err := q.Done(); err != nil {
		t.Fatal(err)
	}
	if q.State() != Done {
		t.Errorf("expected done, got %s", q.State())
	}
	for _, fn := range []func() error{
		func() error { return q.Done() },
		func() error { return q.Accept(num(5, 1)) },
		func() error { return q.FirstValue(num(5, 1), true) },
		func() error { return q.LastValue(num(5, 1), true) },
	} {
		if err := fn(); !errors.Is(err, errors.ErrInvalidTransition) {
			t.Errorf("expected invalid transition after done, got %v", err)
		}
	}
	if len(emitted) != 1 || emitted[0].Count != 1 {
		t.Errorf("expected one bucket with one sample, got %v", emitted)
	}
}

func TestOutOfOrderSample(t *testing.T) {
	q, _ := New(aggregate.KindNumeric, cfg(0, 30, "10ms"), func(*aggregate.Value) {})
	q.FirstValue(num(15, 1), false)
	if err := q.Accept(num(3, 1)); !errors.IsStateError(err) {
		t.Errorf("expected state error for a sample in a closed bucket, got %v", err)
	}
	if err := q.Accept(num(30, 1)); !errors.IsStateError(err) {
		t.Errorf("expected state error for a sample at the end, got %v", err)
	}
}

func TestConfigErrors(t *testing.T) {
	emit := func(*aggregate.Value) {}
	if _, err := New(aggregate.Kind(99), cfg(0, 10, "10ms"), emit); !errors.Is(err, errors.ErrUnsupportedDataType) {
		t.Errorf("expected unsupported data type, got %v", err)
	}
	if _, err := ForDataType(types.DataType(0), cfg(0, 10, "10ms"), emit); !errors.IsConfigError(err) {
		t.Errorf("expected config error, got %v", err)
	}
	if _, err := New(aggregate.KindNumeric, Config{Series: 1}, emit); !errors.Is(err, errors.ErrInvalidPeriod) {
		t.Errorf("expected invalid period, got %v", err)
	}
	if _, err := New(aggregate.KindNumeric, cfg(0, 10, "10ms"), nil); !errors.IsConfigError(err) {
		t.Errorf("expected missing emitter error, got %v", err)
	}
}

func TestWithBookends(t *testing.T) {
	prev := num(-5, 3)

	collectInputs := func(src []types.Sample, previous *types.Sample) []Input {
		out, err := iter.Collect(WithBookends(iter.FromSlice(src), 0, 100, previous))
		if err != nil {
			t.Fatal(err)
		}
		return out
	}

	got := collectInputs([]types.Sample{num(10, 1), num(20, 2)}, &prev)
	want := []Input{Bookend(prev, 0), Regular(num(10, 1)), Regular(num(20, 2)), Bookend(num(20, 2), 100)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("unexpected inputs (-want +got):\n%s", diff)
	}

	got = collectInputs([]types.Sample{num(0, 1)}, &prev)
	want = []Input{Bookend(prev, 0), Regular(num(0, 1)), Bookend(num(0, 1), 100)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("unexpected inputs with a sample at from (-want +got):\n%s", diff)
	}

	got = collectInputs(nil, &prev)
	want = []Input{Bookend(prev, 0), Bookend(prev, 100)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("unexpected inputs without samples (-want +got):\n%s", diff)
	}

	if got := collectInputs(nil, nil); len(got) != 0 {
		t.Errorf("expected no inputs, got %v", got)
	}
}

func TestBoundedRollupMatchesContinuous(t *testing.T) {
	prev := num(-500, 5)
	samples := []types.Sample{num(0, 1), num(1000, 3), num(2500, 2), num(7000, 8)}

	for _, tc := range []struct {
		name     string
		samples  []types.Sample
		previous *types.Sample
	}{
		{"with previous", samples[1:], &prev},
		{"sample at from", samples, &prev},
		{"no previous", samples[1:], nil},
		{"only previous", nil, &prev},
	} {
		c := cfg(0, 10000, "2s")

		bounded, err := NewBoundedRollup(WithBookends(iter.FromSlice(tc.samples), 0, 10000, tc.previous), aggregate.KindNumeric, c)
		if err != nil {
			t.Fatal(err)
		}
		continuous, err := NewContinuous(iter.FromSlice(tc.samples), tc.previous, aggregate.KindNumeric, c)
		if err != nil {
			t.Fatal(err)
		}

		if diff := cmp.Diff(collect(t, continuous), collect(t, bounded), ignoreInternals); diff != "" {
			t.Errorf("%s: bounded rollup differs from continuous (-continuous +bounded):\n%s", tc.name, diff)
		}
	}
}

func TestPipelineCloseIsIdempotent(t *testing.T) {
	closes := 0
	src := iter.FromFunc(func() (types.Sample, bool, error) {
		return types.Sample{}, false, nil
	}, func() error {
		closes++
		return nil
	})
	p, _ := NewContinuous(src, nil, aggregate.KindNumeric, cfg(0, 10, "10ms"))
	p.Close()
	p.Close()
	if closes != 1 {
		t.Errorf("expected 1 close, got %d", closes)
	}
	if p.Next() {
		t.Error("closed pipeline should not yield")
	}
}

// =============================================================================
// Calendar windows
// =============================================================================

func TestCalendarWindow(t *testing.T) {
	base := time.Date(2024, time.May, 15, 10, 7, 0, 0, time.UTC)
	from := base
	to := base.Add(50 * time.Minute)

	var samples []types.Sample
	for _, m := range []int{0, 3, 14, 15, 47, 55} {
		samples = append(samples, num(base.Add(time.Duration(m)*time.Minute).UnixMilli(), float64(m)))
	}

	w, err := NewCalendarWindow(iter.FromSlice(samples), 1, from, to, period.MustParse("15m"), 0)
	if err != nil {
		t.Fatalf("NewCalendarWindow: %v", err)
	}
	got, err := iter.Collect[aggregate.WindowResult](w)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}

	// from is truncated to 10:00, windows step by 15m.
	if len(got) != 4 {
		t.Fatalf("expected 4 windows, got %d", len(got))
	}
	wantCounts := []int64{2, 2, 0, 1}
	for i, r := range got {
		wantStart := base.Add(-7*time.Minute + time.Duration(i)*15*time.Minute).UnixMilli()
		if r.WindowStart != wantStart {
			t.Errorf("window %d: expected start %d, got %d", i, wantStart, r.WindowStart)
		}
		if r.Count != wantCounts[i] {
			t.Errorf("window %d: expected count %d, got %d", i, wantCounts[i], r.Count)
		}
	}
	if got[1].Sum != 29 || got[1].Min != 14 || got[1].Max != 15 {
		t.Errorf("unexpected second window %+v", got[1])
	}
}

func TestCalendarWindowTruncatesFrom(t *testing.T) {
	from := time.Date(2024, time.May, 15, 10, 7, 0, 0, time.UTC)
	to := time.Date(2024, time.May, 17, 0, 0, 0, 0, time.UTC)

	w, _ := NewCalendarWindow(iter.Of[types.Sample](), 1, from, to, period.OneDay, 0)
	got, _ := iter.Collect[aggregate.WindowResult](w)

	if len(got) != 2 {
		t.Fatalf("expected 2 day windows, got %d", len(got))
	}
	if got[0].WindowStart != time.Date(2024, time.May, 15, 0, 0, 0, 0, time.UTC).UnixMilli() {
		t.Errorf("expected first window at midnight, got %d", got[0].WindowStart)
	}
}

func TestCalendarWindowZoneMismatch(t *testing.T) {
	from := time.Date(2024, time.May, 15, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, time.May, 16, 0, 0, 0, 0, time.FixedZone("UTC+2", 2*3600))

	_, err := NewCalendarWindow(iter.Of[types.Sample](), 1, from, to, period.OneDay, 0)
	if !errors.Is(err, errors.ErrZoneMismatch) {
		t.Errorf("expected zone mismatch, got %v", err)
	}
	if !errors.IsConfigError(err) {
		t.Error("zone mismatch should be a config error")
	}
}
