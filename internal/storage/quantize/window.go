package quantize

import (
	"fmt"
	"time"

	"github.com/xtxerr/historian/internal/errors"
	"github.com/xtxerr/historian/internal/storage/aggregate"
	"github.com/xtxerr/historian/internal/storage/iter"
	"github.com/xtxerr/historian/internal/storage/period"
	"github.com/xtxerr/historian/internal/storage/types"
)

// CalendarWindow aggregates numeric samples into consecutive calendar
// windows without a quantizer. The first window starts at from truncated to
// the period's unit; each following window starts where the previous one
// ended. Every window starting before to is emitted, empty ones with a zero
// count. Windows are not clipped to to, but samples at or after to are ignored.
type CalendarWindow struct {
	src    iter.Iterator[types.Sample]
	period period.Period
	to     time.Time

	window    *aggregate.Window
	windowEnd time.Time
	pending   *types.Sample // sample read past the current window
	srcDone   bool

	cur    aggregate.WindowResult
	err    error
	closed bool
}

// NewCalendarWindow returns the window aggregation of src over [from, to).
// from and to must be in the same time zone; calendar windows are computed
// in that zone.
func NewCalendarWindow(src iter.Iterator[types.Sample], series types.SeriesID, from, to time.Time, p period.Period, percentileAccuracy float64) (*CalendarWindow, error) {
	if from.Location().String() != to.Location().String() {
		return nil, fmt.Errorf("from in %s, to in %s: %w", from.Location(), to.Location(), errors.ErrZoneMismatch)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("period %s: %w: %w", p, errors.ErrInvalidPeriod, err)
	}
	if err := aggregate.ValidateAccuracy(percentileAccuracy); err != nil {
		return nil, err
	}

	start := p.Truncate(from)
	end := p.Add(start)
	return &CalendarWindow{
		src:       src,
		period:    p,
		to:        to,
		window:    aggregate.NewWindow(series, start.UnixMilli(), end.UnixMilli(), percentileAccuracy),
		windowEnd: end,
	}, nil
}

// Next finalizes and returns the next window.
func (c *CalendarWindow) Next() bool {
	if c.closed || c.err != nil || c.window == nil {
		return false
	}
	if !c.to.After(time.UnixMilli(c.window.WindowStart())) {
		c.window = nil
		return false
	}

	if c.pending != nil {
		if !c.window.Contains(c.pending.TimestampMs) {
			return c.advance()
		}
		c.window.AddSample(*c.pending)
		c.pending = nil
	}

	for !c.srcDone {
		if !c.src.Next() {
			if err := c.src.Err(); err != nil {
				c.err = err
				return false
			}
			c.srcDone = true
			break
		}
		s := c.src.At()
		if !c.to.After(time.UnixMilli(s.TimestampMs)) {
			c.srcDone = true
			break
		}
		if s.TimestampMs < c.window.WindowStart() {
			continue
		}
		if !c.window.Contains(s.TimestampMs) {
			c.pending = &s
			break
		}
		c.window.AddSample(s)
	}
	return c.advance()
}

// advance emits the current window and opens the next one.
func (c *CalendarWindow) advance() bool {
	c.cur = c.window.Result()

	start := c.windowEnd
	c.windowEnd = c.period.Add(start)
	c.window.Reset(start.UnixMilli(), c.windowEnd.UnixMilli())
	return true
}

func (c *CalendarWindow) At() aggregate.WindowResult { return c.cur }
func (c *CalendarWindow) Err() error                 { return c.err }

// Close closes the source. It is idempotent.
func (c *CalendarWindow) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.src.Close()
}
