package quantize

import (
	"github.com/DataDog/sketches-go/ddsketch"
	"github.com/xtxerr/historian/internal/storage/aggregate"
	"github.com/xtxerr/historian/internal/storage/types"
)

// statistics accumulates the kind-specific part of one bucket. open is
// called with the bucket's StartValue already set, add after the common
// fields (First, Last, Count) were updated for s.
type statistics interface {
	open(v *aggregate.Value)
	add(v *aggregate.Value, s types.Sample)
	close(v *aggregate.Value)
}

// =============================================================================
// Numeric
// =============================================================================

// numericStatistics computes min/max, sums and the time-weighted integral of
// the step function through the samples.
type numericStatistics struct {
	// empty is copied into a fresh sketch per bucket; nil disables
	// percentiles.
	empty *ddsketch.DDSketch

	hasLast bool
	last    float64
	lastTs  int64
	sketch  *ddsketch.DDSketch
}

func (n *numericStatistics) open(v *aggregate.Value) {
	n.hasLast = false
	n.sketch = nil
	if n.empty != nil {
		n.sketch = n.empty.Copy()
	}
	if v.StartValue == nil {
		return
	}
	x, ok := v.StartValue.Value.Float64()
	if !ok {
		return
	}
	st := v.Numeric
	st.Minimum, st.MinimumTime = x, v.PeriodStart
	st.Maximum, st.MaximumTime = x, v.PeriodStart
	st.Known = true
	n.hasLast, n.last, n.lastTs = true, x, v.PeriodStart
}

func (n *numericStatistics) add(v *aggregate.Value, s types.Sample) {
	x, ok := s.Value.Float64()
	if !ok {
		return
	}
	st := v.Numeric
	n.advance(st, s.TimestampMs)

	if !st.Known || x < st.Minimum {
		st.Minimum, st.MinimumTime = x, s.TimestampMs
	}
	if !st.Known || x > st.Maximum {
		st.Maximum, st.MaximumTime = x, s.TimestampMs
	}
	st.Known = true

	if v.Count == 1 || x < st.MinimumInPeriod {
		st.MinimumInPeriod = x
	}
	if v.Count == 1 || x > st.MaximumInPeriod {
		st.MaximumInPeriod = x
	}
	st.Sum += x
	if n.sketch != nil {
		n.sketch.Add(x)
	}

	n.hasLast, n.last, n.lastTs = true, x, s.TimestampMs
}

// advance extends the integral with the last value up to ts.
func (n *numericStatistics) advance(st *aggregate.NumericStats, ts int64) {
	if !n.hasLast || ts <= n.lastTs {
		return
	}
	dt := ts - n.lastTs
	st.Integral += n.last * float64(dt) / 1000
	st.CoveredMs += dt
	n.lastTs = ts
}

func (n *numericStatistics) close(v *aggregate.Value) {
	st := v.Numeric
	n.advance(st, v.PeriodEnd)
	if st.CoveredMs > 0 {
		st.Average = st.Integral / (float64(st.CoveredMs) / 1000)
	}
	if v.Count > 0 && n.sketch != nil {
		st.SetSketch(n.sketch)
	}
	n.sketch = nil
}

// =============================================================================
// Starts and runtime
// =============================================================================

// runtimeCounter tracks how long each discrete state was held and how often
// it was entered.
type runtimeCounter struct {
	known bool
	state int32
	since int64
}

func (r *runtimeCounter) open(v *aggregate.Value) {
	r.known = false
	if v.StartValue == nil {
		return
	}
	st, ok := v.StartValue.Value.StateKey()
	if !ok {
		return
	}
	v.Runtime.Entry(st)
	r.known, r.state, r.since = true, st, v.PeriodStart
}

func (r *runtimeCounter) add(v *aggregate.Value, s types.Sample) {
	st, ok := s.Value.StateKey()
	if !ok {
		return
	}
	if r.known {
		v.Runtime.Entry(r.state).RuntimeMs += s.TimestampMs - r.since
	}
	if !r.known || st != r.state {
		v.Runtime.Entry(st).Starts++
	}
	r.known, r.state, r.since = true, st, s.TimestampMs
}

func (r *runtimeCounter) close(v *aggregate.Value) {
	if r.known {
		v.Runtime.Entry(r.state).RuntimeMs += v.PeriodEnd - r.since
	}
	v.Runtime.Finalize(v.PeriodMs())
}

// =============================================================================
// Change count
// =============================================================================

// changeCounter counts samples whose value differs from the value before them.
type changeCounter struct {
	known bool
	prev  types.DataValue
}

func (c *changeCounter) open(v *aggregate.Value) {
	c.known = v.StartValue != nil
	if c.known {
		c.prev = v.StartValue.Value
	}
}

func (c *changeCounter) add(v *aggregate.Value, s types.Sample) {
	if !c.known || !c.prev.Equal(s.Value) {
		v.Changes.Changes++
	}
	c.known, c.prev = true, s.Value
}

func (c *changeCounter) close(*aggregate.Value) {}
