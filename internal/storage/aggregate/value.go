// Package aggregate defines the statistical summaries computed over one
// bucket of samples and the merge rules used to fold fine buckets into
// coarse ones.
//
// Key types:
//   - Value: the summary of one series over one period [PeriodStart, PeriodEnd)
//   - NumericStats, ChangeCountStats, RuntimeStats: the per-kind statistics
//   - Window: a simple numeric accumulator for calendar windows
package aggregate

import (
	"fmt"
	"slices"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
	"github.com/xtxerr/historian/internal/storage/types"
)

// Kind identifies which statistics a Value carries.
type Kind int

const (
	// KindNumeric summarises analog values.
	KindNumeric Kind = iota + 1
	// KindChangeCount counts value changes (alphanumeric points).
	KindChangeCount
	// KindStartsAndRuntime tracks discrete states (binary and multistate points).
	KindStartsAndRuntime
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindNumeric:
		return "numeric"
	case KindChangeCount:
		return "change_count"
	case KindStartsAndRuntime:
		return "starts_and_runtime"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// ParseKind parses a kind name.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "numeric":
		return KindNumeric, nil
	case "change_count":
		return KindChangeCount, nil
	case "starts_and_runtime":
		return KindStartsAndRuntime, nil
	default:
		return 0, fmt.Errorf("unknown aggregate kind: %s", s)
	}
}

// KindFor returns the aggregate kind used for points of data type d.
func KindFor(d types.DataType) (Kind, bool) {
	switch d {
	case types.DataTypeBinary, types.DataTypeMultistate:
		return KindStartsAndRuntime, true
	case types.DataTypeNumeric:
		return KindNumeric, true
	case types.DataTypeAlphanumeric:
		return KindChangeCount, true
	default:
		return 0, false
	}
}

// Value summarises one series over the half-open period [PeriodStart, PeriodEnd).
// Exactly one of Numeric, Changes and Runtime is set, matching Kind.
type Value struct {
	Kind        Kind
	SeriesID    types.SeriesID
	PeriodStart int64 // Unix milliseconds, inclusive
	PeriodEnd   int64 // Unix milliseconds, exclusive

	// StartValue is the last value before the period, if known.
	StartValue *types.Sample
	// First and Last are the first and last samples inside the period.
	First *types.Sample
	Last  *types.Sample
	// Count is the number of samples inside the period.
	Count int64

	Numeric *NumericStats
	Changes *ChangeCountStats
	Runtime *RuntimeStats

	accumulated int // children folded in by Accumulate
}

// NumericStats are the statistics of an analog series.
type NumericStats struct {
	// Minimum and Maximum include the start value.
	Minimum     float64
	MinimumTime int64
	Maximum     float64
	MaximumTime int64
	// Known reports whether Minimum and Maximum are set, i.e. a start value
	// or a sample exists.
	Known bool

	// MinimumInPeriod and MaximumInPeriod only consider samples inside the
	// period. They are set when Count > 0.
	MinimumInPeriod float64
	MaximumInPeriod float64

	Sum float64
	// Integral is the area under the step function of the value, in
	// value·seconds.
	Integral float64
	// Average is the time-weighted average over the covered part of the period.
	Average float64
	// CoveredMs is the part of the period for which a value was known.
	CoveredMs int64

	Percentiles *Percentiles

	sketch *ddsketch.DDSketch
}

// Mean returns the arithmetic mean of the samples inside the period.
func (n *NumericStats) Mean(count int64) float64 {
	if count == 0 {
		return 0
	}
	return n.Sum / float64(count)
}

// Sketch returns the sketch backing Percentiles, or nil.
func (n *NumericStats) Sketch() *ddsketch.DDSketch {
	return n.sketch
}

// SetSketch attaches a sketch and derives Percentiles from it.
func (n *NumericStats) SetSketch(s *ddsketch.DDSketch) {
	n.sketch = s
	n.Percentiles = PercentilesOf(s)
}

// ChangeCountStats count value transitions.
type ChangeCountStats struct {
	Changes int64
}

// StateRuntime is the time spent in one discrete state.
type StateRuntime struct {
	State      int32
	Starts     int64
	RuntimeMs  int64
	Proportion float64 // RuntimeMs over the period length
}

// RuntimeStats track discrete states, ordered by State.
type RuntimeStats struct {
	States []StateRuntime
}

// Get returns the runtime entry of state.
func (r *RuntimeStats) Get(state int32) (StateRuntime, bool) {
	i, ok := slices.BinarySearchFunc(r.States, state, func(s StateRuntime, t int32) int {
		return int(s.State) - int(t)
	})
	if !ok {
		return StateRuntime{}, false
	}
	return r.States[i], true
}

// Entry returns a pointer to the entry of state, creating it if needed.
func (r *RuntimeStats) Entry(state int32) *StateRuntime {
	i, ok := slices.BinarySearchFunc(r.States, state, func(s StateRuntime, t int32) int {
		return int(s.State) - int(t)
	})
	if !ok {
		r.States = slices.Insert(r.States, i, StateRuntime{State: state})
	}
	return &r.States[i]
}

// Finalize derives proportions from runtimes over a period of periodMs.
func (r *RuntimeStats) Finalize(periodMs int64) {
	for i := range r.States {
		if periodMs > 0 {
			r.States[i].Proportion = float64(r.States[i].RuntimeMs) / float64(periodMs)
		} else {
			r.States[i].Proportion = 0
		}
	}
}

// New returns an empty Value of kind for the period [start, end).
func New(kind Kind, series types.SeriesID, start, end int64) *Value {
	v := &Value{
		Kind:        kind,
		SeriesID:    series,
		PeriodStart: start,
		PeriodEnd:   end,
	}
	switch kind {
	case KindNumeric:
		v.Numeric = &NumericStats{}
	case KindChangeCount:
		v.Changes = &ChangeCountStats{}
	case KindStartsAndRuntime:
		v.Runtime = &RuntimeStats{}
	}
	return v
}

// PeriodStartTime returns the period start as a time.Time.
func (v *Value) PeriodStartTime() time.Time { return time.UnixMilli(v.PeriodStart) }

// PeriodEndTime returns the period end as a time.Time.
func (v *Value) PeriodEndTime() time.Time { return time.UnixMilli(v.PeriodEnd) }

// PeriodMs returns the length of the period.
func (v *Value) PeriodMs() int64 { return v.PeriodEnd - v.PeriodStart }

// Contains reports whether ts lies in the period.
func (v *Value) Contains(ts int64) bool {
	return ts >= v.PeriodStart && ts < v.PeriodEnd
}

// LatestValue returns the value in effect at the end of the period: the last
// sample, or the start value when the period has none.
func (v *Value) LatestValue() *types.Sample {
	if v.Last != nil {
		return v.Last
	}
	return v.StartValue
}

// Clone returns a deep copy of v.
func (v *Value) Clone() *Value {
	out := *v
	out.StartValue = cloneSample(v.StartValue)
	out.First = cloneSample(v.First)
	out.Last = cloneSample(v.Last)
	if v.Numeric != nil {
		n := *v.Numeric
		if v.Numeric.Percentiles != nil {
			p := *v.Numeric.Percentiles
			n.Percentiles = &p
		}
		if v.Numeric.sketch != nil {
			n.sketch = v.Numeric.sketch.Copy()
		}
		out.Numeric = &n
	}
	if v.Changes != nil {
		c := *v.Changes
		out.Changes = &c
	}
	if v.Runtime != nil {
		out.Runtime = &RuntimeStats{States: slices.Clone(v.Runtime.States)}
	}
	return &out
}

// String returns a compact description for logs.
func (v *Value) String() string {
	return fmt.Sprintf("%s[series=%d %s..%s count=%d]",
		v.Kind, v.SeriesID,
		v.PeriodStartTime().UTC().Format(time.RFC3339Nano),
		v.PeriodEndTime().UTC().Format(time.RFC3339Nano),
		v.Count)
}

func cloneSample(s *types.Sample) *types.Sample {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// CompareByStart orders values by period start, then series ID.
func CompareByStart(a, b *Value) int {
	switch {
	case a.PeriodStart < b.PeriodStart:
		return -1
	case a.PeriodStart > b.PeriodStart:
		return 1
	case a.SeriesID < b.SeriesID:
		return -1
	case a.SeriesID > b.SeriesID:
		return 1
	default:
		return 0
	}
}
