// Package quantize turns time-ordered samples into bucketed aggregate values.
//
// A Quantizer consumes the samples of one series and emits one
// aggregate.Value per bucket of [from, to) through a callback. Its lifecycle
// is NotStarted → Accumulating → Done:
//
//	FirstValue(s, bookend)  NotStarted   → Accumulating
//	Accept(s)               Accumulating → Accumulating
//	LastValue(s, bookend)   Accumulating → Accumulating (no Accept afterwards)
//	Done()                  NotStarted or Accumulating → Done
//
// A bookend sample is not data of the range itself: a bookend passed to
// FirstValue is the value in effect at from (the last sample before it) and
// seeds the statistics; a bookend passed to LastValue is the value in effect
// at to and only marks the end of input.
package quantize

import (
	"fmt"
	"time"

	"github.com/xtxerr/historian/internal/errors"
	"github.com/xtxerr/historian/internal/metrics"
	"github.com/xtxerr/historian/internal/storage/aggregate"
	"github.com/xtxerr/historian/internal/storage/period"
	"github.com/xtxerr/historian/internal/storage/types"
)

// State is the lifecycle state of a Quantizer.
type State int

const (
	NotStarted State = iota
	Accumulating
	Done
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Accumulating:
		return "accumulating"
	case Done:
		return "done"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Quantizer drives per-bucket statistics over a time-ordered sample stream.
type Quantizer interface {
	FirstValue(s types.Sample, bookend bool) error
	Accept(s types.Sample) error
	LastValue(s types.Sample, bookend bool) error
	Done() error
	State() State
}

// Config describes the buckets a quantizer produces.
type Config struct {
	Series types.SeriesID
	From   time.Time
	To     time.Time
	Period period.Period
	// PercentileAccuracy enables DDSketch percentiles on numeric buckets when
	// positive.
	PercentileAccuracy float64
}

func (c Config) validate() error {
	if err := c.Period.Validate(); err != nil {
		return fmt.Errorf("period %s: %w: %w", c.Period, errors.ErrInvalidPeriod, err)
	}
	if c.To.Before(c.From) {
		return errors.NewValidation("range", "to is before from")
	}
	return aggregate.ValidateAccuracy(c.PercentileAccuracy)
}

// Emitter receives completed buckets in time order.
type Emitter func(*aggregate.Value)

// New returns the quantizer for aggregates of kind.
func New(kind aggregate.Kind, cfg Config, emit Emitter) (Quantizer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if emit == nil {
		return nil, errors.NewMissingField("emitter")
	}

	var gen statistics
	switch kind {
	case aggregate.KindNumeric:
		numeric := &numericStatistics{}
		if cfg.PercentileAccuracy > 0 {
			sketch, err := aggregate.NewSketch(cfg.PercentileAccuracy)
			if err != nil {
				return nil, fmt.Errorf("percentile sketch: %w: %w", errors.ErrInvalidConfig, err)
			}
			numeric.empty = sketch
		}
		gen = numeric
	case aggregate.KindChangeCount:
		gen = &changeCounter{}
	case aggregate.KindStartsAndRuntime:
		gen = &runtimeCounter{}
	default:
		return nil, fmt.Errorf("aggregate kind %s: %w", kind, errors.ErrUnsupportedDataType)
	}

	return &bucketQuantizer{
		kind:    kind,
		series:  cfg.Series,
		buckets: period.NewCalculator(cfg.From, cfg.To, cfg.Period),
		toMs:    cfg.To.UnixMilli(),
		gen:     gen,
		emit:    emit,
	}, nil
}

// ForDataType returns the quantizer matching a point's data type.
func ForDataType(d types.DataType, cfg Config, emit Emitter) (Quantizer, error) {
	kind, ok := aggregate.KindFor(d)
	if !ok {
		return nil, fmt.Errorf("data type %s: %w", d, errors.ErrUnsupportedDataType)
	}
	return New(kind, cfg, emit)
}

// bucketQuantizer is the single Quantizer implementation; the per-kind
// statistics are supplied by a statistics generator.
type bucketQuantizer struct {
	kind    aggregate.Kind
	series  types.SeriesID
	buckets *period.Calculator
	toMs    int64
	gen     statistics
	emit    Emitter

	state   State
	ended   bool // LastValue seen
	current *aggregate.Value
	latest  *types.Sample // value in effect at the current position
}

func (q *bucketQuantizer) State() State { return q.state }

func (q *bucketQuantizer) transitionError(op string) error {
	return fmt.Errorf("%s in state %s: %w", op, q.state, errors.ErrInvalidTransition)
}

func (q *bucketQuantizer) FirstValue(s types.Sample, bookend bool) error {
	if q.state != NotStarted {
		return q.transitionError("first value")
	}
	q.state = Accumulating
	if bookend {
		q.latest = &s
		q.openNext()
		return nil
	}
	return q.add(s)
}

func (q *bucketQuantizer) Accept(s types.Sample) error {
	if q.state != Accumulating || q.ended {
		return q.transitionError("accept")
	}
	return q.add(s)
}

func (q *bucketQuantizer) LastValue(s types.Sample, bookend bool) error {
	if q.state != Accumulating || q.ended {
		return q.transitionError("last value")
	}
	q.ended = true
	if bookend || s.TimestampMs >= q.toMs {
		return nil
	}
	return q.add(s)
}

func (q *bucketQuantizer) Done() error {
	if q.state == Done {
		return q.transitionError("done")
	}
	q.state = Done
	if q.current == nil {
		q.openNext()
	}
	for q.current != nil {
		q.closeCurrent()
		q.openNext()
	}
	return nil
}

// add places an in-range sample into its bucket, closing the buckets before it.
func (q *bucketQuantizer) add(s types.Sample) error {
	if s.TimestampMs >= q.toMs {
		return fmt.Errorf("sample at %d not before end %d: %w", s.TimestampMs, q.toMs, errors.ErrInvalidState)
	}
	if q.current == nil {
		q.openNext()
		if q.current == nil {
			return fmt.Errorf("sample at %d outside empty range: %w", s.TimestampMs, errors.ErrInvalidState)
		}
	}
	if s.TimestampMs < q.current.PeriodStart {
		return fmt.Errorf("sample at %d before bucket %d: %w", s.TimestampMs, q.current.PeriodStart, errors.ErrInvalidState)
	}
	for s.TimestampMs >= q.current.PeriodEnd {
		q.closeCurrent()
		q.openNext()
	}

	v := q.current
	if v.First == nil {
		first := s
		v.First = &first
	}
	last := s
	v.Last = &last
	v.Count++
	q.gen.add(v, s)
	q.latest = &last
	return nil
}

func (q *bucketQuantizer) openNext() {
	b, ok := q.buckets.Next()
	if !ok {
		q.current = nil
		return
	}
	v := aggregate.New(q.kind, q.series, b.StartMs(), b.EndMs())
	if q.latest != nil {
		start := *q.latest
		v.StartValue = &start
	}
	q.gen.open(v)
	q.current = v
}

func (q *bucketQuantizer) closeCurrent() {
	q.gen.close(q.current)
	metrics.AggregatesEmitted.Inc()
	q.emit(q.current)
	q.current = nil
}
