package aggregate

import (
	"github.com/xtxerr/historian/internal/errors"
)

// Accumulate folds child into v. v acts as a coarse bucket: children whose
// PeriodStart lies outside [v.PeriodStart, v.PeriodEnd) are rejected and
// false is returned. Children must be accumulated in time order and must be
// of the same kind as v.
//
// After accumulation v.Count is the sum of the children's counts. A child
// covering exactly v's period is copied as is, so re-bucketing values into
// their own period is the identity.
func (v *Value) Accumulate(child *Value) (bool, error) {
	if !v.Contains(child.PeriodStart) {
		return false, nil
	}
	if child.Kind != v.Kind {
		return false, errors.Wrapf(errors.ErrInvalidState, "accumulate %s into %s", child.Kind, v.Kind)
	}

	if v.accumulated == 0 && child.PeriodStart == v.PeriodStart && child.PeriodEnd == v.PeriodEnd {
		*v = *child.Clone()
		v.accumulated = 1
		return true, nil
	}

	if v.accumulated == 0 {
		v.StartValue = cloneSample(child.StartValue)
	}
	v.accumulated++

	if child.First != nil && v.First == nil {
		v.First = cloneSample(child.First)
	}
	if child.Last != nil {
		v.Last = cloneSample(child.Last)
	}
	v.Count += child.Count

	switch v.Kind {
	case KindNumeric:
		v.Numeric.merge(child.Numeric, v.Count > child.Count, child.Count > 0, v.accumulated == 1)
	case KindChangeCount:
		v.Changes.Changes += child.Changes.Changes
	case KindStartsAndRuntime:
		for _, s := range child.Runtime.States {
			e := v.Runtime.Entry(s.State)
			e.Starts += s.Starts
			e.RuntimeMs += s.RuntimeMs
		}
		v.Runtime.Finalize(v.PeriodMs())
	}
	return true, nil
}

// merge folds o into n. hadSamples reports whether n already held in-period
// samples, childHasSamples whether o does, first whether o is the first
// child accumulated.
func (n *NumericStats) merge(o *NumericStats, hadSamples, childHasSamples, first bool) {
	if o.Known {
		if !n.Known || o.Minimum < n.Minimum {
			n.Minimum, n.MinimumTime = o.Minimum, o.MinimumTime
		}
		if !n.Known || o.Maximum > n.Maximum {
			n.Maximum, n.MaximumTime = o.Maximum, o.MaximumTime
		}
		n.Known = true
	}
	if childHasSamples {
		if !hadSamples || o.MinimumInPeriod < n.MinimumInPeriod {
			n.MinimumInPeriod = o.MinimumInPeriod
		}
		if !hadSamples || o.MaximumInPeriod > n.MaximumInPeriod {
			n.MaximumInPeriod = o.MaximumInPeriod
		}
	}

	n.Sum += o.Sum
	n.Integral += o.Integral
	n.CoveredMs += o.CoveredMs
	if n.CoveredMs > 0 {
		n.Average = n.Integral / (float64(n.CoveredMs) / 1000)
	}

	switch {
	case first:
		if o.sketch != nil {
			n.SetSketch(o.sketch.Copy())
		}
	case n.sketch != nil && o.sketch != nil:
		if err := n.sketch.MergeWith(o.sketch); err != nil {
			n.SetSketch(nil)
			return
		}
		n.Percentiles = PercentilesOf(n.sketch)
	case n.sketch != nil && childHasSamples:
		// Quantiles without the child's values.
		n.SetSketch(nil)
	}
}
