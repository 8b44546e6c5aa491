package aggregate

import (
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/xtxerr/historian/internal/errors"
	"github.com/xtxerr/historian/internal/storage/types"
)

var ignoreInternals = cmpopts.IgnoreUnexported(Value{}, NumericStats{})

func numSample(ts int64, v float64) *types.Sample {
	return &types.Sample{SeriesID: 1, TimestampMs: ts, Value: types.NumericValue(v)}
}

func TestWindow_Basic(t *testing.T) {
	now := time.Now().UnixMilli()
	w := NewWindow(1, now, now+5*60*1000, 0)

	if !w.IsEmpty() {
		t.Error("new window should be empty")
	}

	w.Add(10.0, now)
	w.Add(20.0, now+1000)
	w.Add(30.0, now+2000)

	if w.Count() != 3 {
		t.Errorf("expected count=3, got %d", w.Count())
	}

	result := w.Result()

	if result.Sum != 60.0 {
		t.Errorf("expected sum=60, got %f", result.Sum)
	}
	if result.Min != 10.0 {
		t.Errorf("expected min=10, got %f", result.Min)
	}
	if result.Max != 30.0 {
		t.Errorf("expected max=30, got %f", result.Max)
	}
	if math.Abs(result.Avg-20.0) > 0.001 {
		t.Errorf("expected avg=20, got %f", result.Avg)
	}
	if result.FirstTs != now || result.LastTs != now+2000 {
		t.Errorf("unexpected first/last ts: %d %d", result.FirstTs, result.LastTs)
	}
	if result.HasPercentiles() {
		t.Error("should not have percentiles")
	}
}

func TestWindow_WithPercentiles(t *testing.T) {
	now := time.Now().UnixMilli()
	w := NewWindow(1, now, now+5*60*1000, DefaultAccuracy)

	// Add 100 values: 1, 2, 3, ..., 100
	for i := 1; i <= 100; i++ {
		w.Add(float64(i), now+int64(i)*100)
	}

	result := w.Result()
	if !result.HasPercentiles() {
		t.Fatal("should have percentiles")
	}
	if math.Abs(result.Percentiles.P50-50.0) > 2.0 {
		t.Errorf("expected P50 near 50, got %f", result.Percentiles.P50)
	}
	if math.Abs(result.Percentiles.P95-95.0) > 2.0 {
		t.Errorf("expected P95 near 95, got %f", result.Percentiles.P95)
	}
	if math.Abs(result.Percentiles.P99-99.0) > 2.0 {
		t.Errorf("expected P99 near 99, got %f", result.Percentiles.P99)
	}
}

func TestWindow_Reset(t *testing.T) {
	now := time.Now().UnixMilli()
	end := now + 5*60*1000
	w := NewWindow(1, now, end, DefaultAccuracy)

	w.Add(10.0, now)
	w.Add(20.0, now+1000)
	w.Reset(end, end+5*60*1000)

	if !w.IsEmpty() {
		t.Error("window should be empty after reset")
	}
	if w.WindowStart() != end {
		t.Errorf("expected window start=%d, got %d", end, w.WindowStart())
	}
	if w.Result().HasPercentiles() {
		t.Error("empty window should have no percentiles")
	}
}

func TestWindow_Merge(t *testing.T) {
	now := time.Now().UnixMilli()
	end := now + 5*60*1000

	w1 := NewWindow(1, now, end, 0)
	w1.Add(10.0, now+1000)
	w1.Add(20.0, now+2000)

	w2 := NewWindow(1, now, end, 0)
	w2.Add(30.0, now)
	w2.Add(40.0, now+3000)

	w1.Merge(w2)
	result := w1.Result()

	if result.Count != 4 {
		t.Errorf("expected count=4, got %d", result.Count)
	}
	if result.Sum != 100.0 {
		t.Errorf("expected sum=100, got %f", result.Sum)
	}
	if result.Min != 10.0 || result.Max != 40.0 {
		t.Errorf("expected min=10 max=40, got %f %f", result.Min, result.Max)
	}
	if result.FirstTs != now || result.LastTs != now+3000 {
		t.Errorf("unexpected first/last ts: %d %d", result.FirstTs, result.LastTs)
	}
}

func TestWindow_AddSample(t *testing.T) {
	w := NewWindow(1, 0, 1000, 0)

	w.AddSample(types.Sample{TimestampMs: 1, Value: types.NumericValue(50)})
	w.AddSample(types.Sample{TimestampMs: 2, Value: types.BinaryValue(true)})
	// Text has no numeric view and is ignored
	w.AddSample(types.Sample{TimestampMs: 3, Value: types.AlphanumericValue("x")})

	if w.Count() != 2 {
		t.Errorf("expected count=2, got %d", w.Count())
	}
}

func TestKindFor(t *testing.T) {
	tests := []struct {
		d    types.DataType
		want Kind
	}{
		{types.DataTypeBinary, KindStartsAndRuntime},
		{types.DataTypeMultistate, KindStartsAndRuntime},
		{types.DataTypeNumeric, KindNumeric},
		{types.DataTypeAlphanumeric, KindChangeCount},
	}
	for _, tt := range tests {
		got, ok := KindFor(tt.d)
		if !ok || got != tt.want {
			t.Errorf("KindFor(%s) = %s, want %s", tt.d, got, tt.want)
		}
	}
	if _, ok := KindFor(types.DataType(42)); ok {
		t.Error("expected unknown data type to have no kind")
	}
}

func TestParseKind(t *testing.T) {
	for _, k := range []Kind{KindNumeric, KindChangeCount, KindStartsAndRuntime} {
		got, err := ParseKind(k.String())
		if err != nil || got != k {
			t.Errorf("ParseKind(%s) = %v, %v", k, got, err)
		}
	}
}

func TestRuntimeStatsEntryKeepsOrder(t *testing.T) {
	r := &RuntimeStats{}
	r.Entry(3).Starts++
	r.Entry(1).Starts++
	r.Entry(2).RuntimeMs = 5
	r.Entry(1).Starts++

	var states []int32
	for _, s := range r.States {
		states = append(states, s.State)
	}
	if diff := cmp.Diff([]int32{1, 2, 3}, states); diff != "" {
		t.Errorf("states not sorted (-want +got):\n%s", diff)
	}
	if s, ok := r.Get(1); !ok || s.Starts != 2 {
		t.Errorf("expected 2 starts for state 1, got %+v", s)
	}
	if _, ok := r.Get(9); ok {
		t.Error("unexpected state 9")
	}
}

// numericChild builds a numeric value for [start, end) holding values at
// the given times. Statistics are filled in directly.
func numericChild(start, end int64, samples ...*types.Sample) *Value {
	v := New(KindNumeric, 1, start, end)
	for _, s := range samples {
		x := s.Value.Number
		if v.Count == 0 {
			v.First = s
			v.Numeric.MinimumInPeriod, v.Numeric.MaximumInPeriod = x, x
		}
		if !v.Numeric.Known || x < v.Numeric.Minimum {
			v.Numeric.Minimum, v.Numeric.MinimumTime = x, s.TimestampMs
		}
		if !v.Numeric.Known || x > v.Numeric.Maximum {
			v.Numeric.Maximum, v.Numeric.MaximumTime = x, s.TimestampMs
		}
		v.Numeric.Known = true
		v.Numeric.MinimumInPeriod = math.Min(v.Numeric.MinimumInPeriod, x)
		v.Numeric.MaximumInPeriod = math.Max(v.Numeric.MaximumInPeriod, x)
		v.Numeric.Sum += x
		v.Last = s
		v.Count++
	}
	return v
}

func TestAccumulateRejectsOutsideChildren(t *testing.T) {
	parent := New(KindNumeric, 1, 100, 200)

	for _, start := range []int64{50, 200, 250} {
		ok, err := parent.Accumulate(New(KindNumeric, 1, start, start+10))
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			t.Errorf("child starting at %d should be rejected", start)
		}
	}
	ok, _ := parent.Accumulate(New(KindNumeric, 1, 100, 110))
	if !ok {
		t.Error("child starting at the period start should be accepted")
	}
}

func TestAccumulateKindMismatch(t *testing.T) {
	parent := New(KindNumeric, 1, 0, 100)
	_, err := parent.Accumulate(New(KindChangeCount, 1, 0, 10))
	if !errors.IsStateError(err) {
		t.Errorf("expected state error, got %v", err)
	}
}

func TestAccumulateNumeric(t *testing.T) {
	parent := New(KindNumeric, 1, 0, 30)

	c1 := numericChild(0, 10, numSample(2, 5), numSample(8, 1))
	c1.StartValue = numSample(-1, 3)
	c1.Numeric.Integral, c1.Numeric.CoveredMs = 0.03, 10
	c2 := numericChild(10, 20)
	c2.StartValue = numSample(8, 1)
	c2.Numeric.Integral, c2.Numeric.CoveredMs = 0.01, 10
	c3 := numericChild(20, 30, numSample(25, 9))
	c3.StartValue = numSample(8, 1)
	c3.Numeric.Integral, c3.Numeric.CoveredMs = 0.05, 10

	for _, c := range []*Value{c1, c2, c3} {
		if ok, err := parent.Accumulate(c); !ok || err != nil {
			t.Fatalf("Accumulate: %v %v", ok, err)
		}
	}

	if parent.Count != 3 {
		t.Errorf("expected count=3, got %d", parent.Count)
	}
	if parent.StartValue == nil || parent.StartValue.TimestampMs != -1 {
		t.Errorf("expected start value of first child, got %v", parent.StartValue)
	}
	if parent.First.TimestampMs != 2 || parent.Last.TimestampMs != 25 {
		t.Errorf("unexpected first/last: %d %d", parent.First.TimestampMs, parent.Last.TimestampMs)
	}
	n := parent.Numeric
	if n.MinimumInPeriod != 1 || n.MaximumInPeriod != 9 {
		t.Errorf("unexpected in-period min/max: %f %f", n.MinimumInPeriod, n.MaximumInPeriod)
	}
	if n.Maximum != 9 || n.MaximumTime != 25 {
		t.Errorf("unexpected max: %f at %d", n.Maximum, n.MaximumTime)
	}
	if n.Sum != 15 {
		t.Errorf("expected sum=15, got %f", n.Sum)
	}
	if math.Abs(n.Integral-0.09) > 1e-9 || n.CoveredMs != 30 {
		t.Errorf("unexpected integral/coverage: %f %d", n.Integral, n.CoveredMs)
	}
	if math.Abs(n.Average-3) > 1e-9 {
		t.Errorf("expected average=3, got %f", n.Average)
	}
}

func TestAccumulateExactPeriodIsIdentity(t *testing.T) {
	child := numericChild(0, 10, numSample(1, 4), numSample(5, 6))
	child.StartValue = numSample(-5, 2)
	child.Numeric.Integral, child.Numeric.Average, child.Numeric.CoveredMs = 0.05, 5, 10

	sketch, err := NewSketch(0)
	if err != nil {
		t.Fatal(err)
	}
	sketch.Add(4)
	sketch.Add(6)
	child.Numeric.SetSketch(sketch)

	parent := New(KindNumeric, 1, 0, 10)
	if ok, err := parent.Accumulate(child); !ok || err != nil {
		t.Fatalf("Accumulate: %v %v", ok, err)
	}

	if diff := cmp.Diff(child, parent, ignoreInternals); diff != "" {
		t.Errorf("accumulating a full-period child changed it (-want +got):\n%s", diff)
	}
	if parent.Numeric.Sketch() == child.Numeric.Sketch() {
		t.Error("sketch should be copied, not shared")
	}
}

func TestAccumulateMergesSketches(t *testing.T) {
	parent := New(KindNumeric, 1, 0, 20)
	for i, start := range []int64{0, 10} {
		c := numericChild(start, start+10, numSample(start+1, float64(i+1)))
		s, _ := NewSketch(0)
		s.Add(float64(i + 1))
		c.Numeric.SetSketch(s)
		parent.Accumulate(c)
	}
	if parent.Numeric.Sketch() == nil || parent.Numeric.Sketch().GetCount() != 2 {
		t.Fatal("expected merged sketch of 2 values")
	}

	parent = New(KindNumeric, 1, 0, 20)
	c1 := numericChild(0, 10, numSample(1, 1))
	s, _ := NewSketch(0)
	s.Add(1)
	c1.Numeric.SetSketch(s)
	parent.Accumulate(c1)
	parent.Accumulate(numericChild(10, 20, numSample(11, 2)))
	if parent.Numeric.Percentiles != nil {
		t.Error("percentiles should be dropped when a child has no sketch")
	}
}

func TestAccumulateRuntime(t *testing.T) {
	parent := New(KindStartsAndRuntime, 1, 0, 100)

	c1 := New(KindStartsAndRuntime, 1, 0, 50)
	c1.Count = 2
	*c1.Runtime.Entry(0) = StateRuntime{State: 0, Starts: 1, RuntimeMs: 20}
	*c1.Runtime.Entry(1) = StateRuntime{State: 1, Starts: 1, RuntimeMs: 30}
	c2 := New(KindStartsAndRuntime, 1, 50, 100)
	c2.Count = 1
	*c2.Runtime.Entry(1) = StateRuntime{State: 1, Starts: 0, RuntimeMs: 10}
	*c2.Runtime.Entry(2) = StateRuntime{State: 2, Starts: 1, RuntimeMs: 40}

	parent.Accumulate(c1)
	parent.Accumulate(c2)

	want := []StateRuntime{
		{State: 0, Starts: 1, RuntimeMs: 20, Proportion: 0.2},
		{State: 1, Starts: 1, RuntimeMs: 40, Proportion: 0.4},
		{State: 2, Starts: 1, RuntimeMs: 40, Proportion: 0.4},
	}
	if diff := cmp.Diff(want, parent.Runtime.States); diff != "" {
		t.Errorf("unexpected runtimes (-want +got):\n%s", diff)
	}
	if parent.Count != 3 {
		t.Errorf("expected count=3, got %d", parent.Count)
	}
}

func TestAccumulateChangeCount(t *testing.T) {
	parent := New(KindChangeCount, 1, 0, 100)
	for i := int64(0); i < 4; i++ {
		c := New(KindChangeCount, 1, i*25, (i+1)*25)
		c.Changes.Changes = i
		c.Count = i
		parent.Accumulate(c)
	}
	if parent.Changes.Changes != 6 || parent.Count != 6 {
		t.Errorf("expected 6 changes and count 6, got %d and %d", parent.Changes.Changes, parent.Count)
	}
}

func TestCloneIsDeep(t *testing.T) {
	v := numericChild(0, 10, numSample(1, 1))
	c := v.Clone()
	c.First.TimestampMs = 99
	c.Numeric.Sum = 42

	if v.First.TimestampMs != 1 || v.Numeric.Sum != 1 {
		t.Error("clone shares state with original")
	}
}

func TestCompareByStart(t *testing.T) {
	a := New(KindNumeric, 2, 0, 10)
	b := New(KindNumeric, 1, 10, 20)
	c := New(KindNumeric, 1, 0, 10)

	if CompareByStart(a, b) >= 0 {
		t.Error("earlier start should come first")
	}
	if CompareByStart(c, a) >= 0 {
		t.Error("lower series should win ties")
	}
}
