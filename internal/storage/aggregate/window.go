package aggregate

import (
	"math"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
	"github.com/xtxerr/historian/internal/storage/types"
)

// WindowResult is the summary of one calendar window.
type WindowResult struct {
	SeriesID    types.SeriesID
	WindowStart int64 // Unix milliseconds
	WindowEnd   int64 // Unix milliseconds
	Count       int64
	Sum         float64
	Min         float64
	Max         float64
	Avg         float64
	FirstTs     int64
	LastTs      int64
	Percentiles *Percentiles
}

// HasPercentiles returns true if percentiles were calculated.
func (r WindowResult) HasPercentiles() bool {
	return r.Percentiles != nil
}

// Duration returns the window length.
func (r WindowResult) Duration() time.Duration {
	return time.Duration(r.WindowEnd-r.WindowStart) * time.Millisecond
}

// Window maintains running arithmetic statistics for one calendar window.
// Unlike the quantizer statistics it ignores time weighting and start values.
type Window struct {
	series types.SeriesID

	windowStart int64
	windowEnd   int64

	count   int64
	sum     float64
	min     float64
	max     float64
	firstTs int64
	lastTs  int64

	// DDSketch for percentiles (nil if disabled)
	sketch *ddsketch.DDSketch
}

// NewWindow creates an accumulator for [start, end). A positive accuracy
// enables percentiles with that relative accuracy. Callers check it with
// ValidateAccuracy first; an invalid accuracy disables percentiles.
func NewWindow(series types.SeriesID, start, end int64, accuracy float64) *Window {
	w := &Window{
		series:      series,
		windowStart: start,
		windowEnd:   end,
		min:         math.MaxFloat64,
		max:         -math.MaxFloat64,
	}
	if accuracy > 0 {
		if sketch, err := NewSketch(accuracy); err == nil {
			w.sketch = sketch
		}
	}
	return w
}

// Add adds a value to the window.
func (w *Window) Add(value float64, timestampMs int64) {
	if w.count == 0 || timestampMs < w.firstTs {
		w.firstTs = timestampMs
	}
	if w.count == 0 || timestampMs > w.lastTs {
		w.lastTs = timestampMs
	}

	w.count++
	w.sum += value

	if value < w.min {
		w.min = value
	}
	if value > w.max {
		w.max = value
	}

	if w.sketch != nil {
		w.sketch.Add(value)
	}
}

// AddSample adds a sample. Samples without a numeric view are ignored.
func (w *Window) AddSample(s types.Sample) {
	v, ok := s.Value.Float64()
	if !ok {
		return
	}
	w.Add(v, s.TimestampMs)
}

// Contains reports whether ts lies in the window.
func (w *Window) Contains(ts int64) bool {
	return ts >= w.windowStart && ts < w.windowEnd
}

// Count returns the number of values added.
func (w *Window) Count() int64 { return w.count }

// IsEmpty returns true if no values have been added.
func (w *Window) IsEmpty() bool { return w.count == 0 }

// WindowStart returns the window start timestamp.
func (w *Window) WindowStart() int64 { return w.windowStart }

// WindowEnd returns the window end timestamp.
func (w *Window) WindowEnd() int64 { return w.windowEnd }

// Result returns the window summary.
func (w *Window) Result() WindowResult {
	result := WindowResult{
		SeriesID:    w.series,
		WindowStart: w.windowStart,
		WindowEnd:   w.windowEnd,
		Count:       w.count,
		Sum:         w.sum,
		FirstTs:     w.firstTs,
		LastTs:      w.lastTs,
	}

	if w.count > 0 {
		result.Avg = w.sum / float64(w.count)
		result.Min = w.min
		result.Max = w.max
	}

	if w.count > 0 {
		result.Percentiles = PercentilesOf(w.sketch)
	}

	return result
}

// Reset clears the window and moves it to [start, end).
func (w *Window) Reset(start, end int64) {
	w.windowStart = start
	w.windowEnd = end
	w.count = 0
	w.sum = 0
	w.min = math.MaxFloat64
	w.max = -math.MaxFloat64
	w.firstTs = 0
	w.lastTs = 0

	if w.sketch != nil {
		w.sketch.Clear()
	}
}

// Merge combines another window covering the same period into this one.
func (w *Window) Merge(other *Window) {
	if other == nil || other.count == 0 {
		return
	}

	if w.count == 0 || other.firstTs < w.firstTs {
		w.firstTs = other.firstTs
	}
	if w.count == 0 || other.lastTs > w.lastTs {
		w.lastTs = other.lastTs
	}

	w.count += other.count
	w.sum += other.sum

	if other.min < w.min {
		w.min = other.min
	}
	if other.max > w.max {
		w.max = other.max
	}

	if w.sketch != nil && other.sketch != nil {
		w.sketch.MergeWith(other.sketch)
	}
}
