package quantize

import (
	"github.com/xtxerr/historian/internal/storage/aggregate"
	"github.com/xtxerr/historian/internal/storage/iter"
	"github.com/xtxerr/historian/internal/storage/types"
)

// Input is a sample flagged as bookend or not.
type Input struct {
	types.Sample
	Bookend bool
	// AtMs is the position of the input in the stream: the sample time for
	// regular samples, from or to for bookends.
	AtMs int64
}

// Regular returns s as a non-bookend input.
func Regular(s types.Sample) Input {
	return Input{Sample: s, AtMs: s.TimestampMs}
}

// Bookend returns s as a bookend input positioned at atMs. The sample keeps
// its own timestamp.
func Bookend(s types.Sample, atMs int64) Input {
	return Input{Sample: s, Bookend: true, AtMs: atMs}
}

// bookendIterator frames the samples of [from, to) with bookend inputs.
type bookendIterator struct {
	src      iter.Iterator[types.Sample]
	fromMs   int64
	toMs     int64
	last     *types.Sample
	started  bool
	finished bool
	pending  []Input
	cur      Input
	err      error
}

// WithBookends wraps the samples of [from, to) with bookend inputs: the
// previous value (the last sample before from) positioned at from, and the
// last known value positioned at to.
func WithBookends(src iter.Iterator[types.Sample], fromMs, toMs int64, previous *types.Sample) iter.Iterator[Input] {
	b := &bookendIterator{src: src, fromMs: fromMs, toMs: toMs}
	if previous != nil {
		p := *previous
		b.last = &p
	}
	return b
}

func (b *bookendIterator) Next() bool {
	for len(b.pending) == 0 {
		if b.finished || b.err != nil {
			return false
		}
		b.fill()
	}
	b.cur = b.pending[0]
	b.pending = b.pending[1:]
	return true
}

func (b *bookendIterator) fill() {
	if b.src.Next() {
		s := b.src.At()
		if !b.started && b.last != nil {
			b.pending = append(b.pending, Bookend(*b.last, b.fromMs))
		}
		b.started = true
		b.pending = append(b.pending, Regular(s))
		b.last = &s
		return
	}
	if err := b.src.Err(); err != nil {
		b.err = err
		return
	}
	b.finished = true
	if b.last == nil {
		return
	}
	if !b.started {
		b.pending = append(b.pending, Bookend(*b.last, b.fromMs))
	}
	b.pending = append(b.pending, Bookend(*b.last, b.toMs))
}

func (b *bookendIterator) At() Input    { return b.cur }
func (b *bookendIterator) Err() error   { return b.err }
func (b *bookendIterator) Close() error { return b.src.Close() }

// =============================================================================
// Pipeline
// =============================================================================

// Pipeline drives a Quantizer from a source and yields the completed buckets
// in time order. Buckets emitted while handling one input are queued and
// handed out one at a time.
type Pipeline[T any] struct {
	src    iter.Iterator[T]
	q      Quantizer
	step   func(q Quantizer, in T) error
	queue  []*aggregate.Value
	cur    *aggregate.Value
	err    error
	done   bool
	closed bool
}

// Next returns the next completed bucket, pulling input as needed.
func (p *Pipeline[T]) Next() bool {
	for len(p.queue) == 0 {
		if p.done || p.err != nil || p.closed {
			return false
		}
		if p.src.Next() {
			if err := p.step(p.q, p.src.At()); err != nil {
				p.err = err
				return false
			}
			continue
		}
		if err := p.src.Err(); err != nil {
			p.err = err
			return false
		}
		p.done = true
		if err := p.q.Done(); err != nil {
			p.err = err
			return false
		}
	}
	p.cur = p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	return true
}

func (p *Pipeline[T]) At() *aggregate.Value { return p.cur }
func (p *Pipeline[T]) Err() error           { return p.err }

// Close closes the source. It is idempotent.
func (p *Pipeline[T]) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	p.queue = nil
	return p.src.Close()
}

func (p *Pipeline[T]) enqueue(v *aggregate.Value) {
	p.queue = append(p.queue, v)
}

// NewBoundedRollup aggregates bookend-flagged samples of [cfg.From, cfg.To).
// Inputs positioned at from go to FirstValue, inputs at to go to LastValue,
// and all others to Accept. When the first input is not at from it starts the
// quantizer as a regular sample.
func NewBoundedRollup(src iter.Iterator[Input], kind aggregate.Kind, cfg Config) (*Pipeline[Input], error) {
	p := &Pipeline[Input]{src: src}
	q, err := New(kind, cfg, p.enqueue)
	if err != nil {
		return nil, err
	}
	p.q = q
	fromMs, toMs := cfg.From.UnixMilli(), cfg.To.UnixMilli()
	p.step = func(q Quantizer, in Input) error {
		switch {
		case in.AtMs == fromMs && q.State() == NotStarted:
			return q.FirstValue(in.Sample, in.Bookend)
		case in.AtMs == toMs:
			if q.State() == NotStarted {
				return nil
			}
			return q.LastValue(in.Sample, in.Bookend)
		case q.State() == NotStarted:
			return q.FirstValue(in.Sample, false)
		default:
			return q.Accept(in.Sample)
		}
	}
	return p, nil
}

// NewContinuous aggregates the samples of [cfg.From, cfg.To). previous, the
// last sample before from, seeds the statistics as a bookend so the first
// buckets get a start value even though it lies outside the range.
func NewContinuous(src iter.Iterator[types.Sample], previous *types.Sample, kind aggregate.Kind, cfg Config) (*Pipeline[types.Sample], error) {
	p := &Pipeline[types.Sample]{src: src}
	q, err := New(kind, cfg, p.enqueue)
	if err != nil {
		return nil, err
	}
	if previous != nil {
		if err := q.FirstValue(*previous, true); err != nil {
			return nil, err
		}
	}
	p.q = q
	p.step = func(q Quantizer, s types.Sample) error {
		if q.State() == NotStarted {
			return q.FirstValue(s, false)
		}
		return q.Accept(s)
	}
	return p, nil
}
