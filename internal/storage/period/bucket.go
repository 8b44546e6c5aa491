package period

import "time"

// Bucket is a half-open interval [Start, End).
type Bucket struct {
	Start time.Time
	End   time.Time
}

// StartMs returns the bucket start in Unix milliseconds.
func (b Bucket) StartMs() int64 { return b.Start.UnixMilli() }

// EndMs returns the bucket end in Unix milliseconds.
func (b Bucket) EndMs() int64 { return b.End.UnixMilli() }

// Contains reports whether ts (Unix milliseconds) lies in the bucket.
func (b Bucket) Contains(ts int64) bool {
	return ts >= b.StartMs() && ts < b.EndMs()
}

// Calculator produces the ordered bucket boundaries of [from, to) for a
// period. The first bucket starts at from; the last one is clipped to to.
//
// Bucket i starts at from + i periods rather than at the end of bucket i-1,
// so month buckets from the 31st clamp to short months without drifting:
// Jan 31, Feb 28, Mar 31.
type Calculator struct {
	period Period
	from   time.Time
	to     time.Time
	next   time.Time
	i      int
}

// NewCalculator returns a calculator over [from, to).
func NewCalculator(from, to time.Time, p Period) *Calculator {
	return &Calculator{period: p, from: from, to: to, next: from}
}

// Next returns the next bucket, or false once to has been reached.
func (c *Calculator) Next() (Bucket, bool) {
	if !c.next.Before(c.to) {
		return Bucket{}, false
	}
	start := c.next
	c.i++
	end := c.period.AddN(c.from, c.i)
	if end.After(c.to) {
		end = c.to
	}
	c.next = end
	return Bucket{Start: start, End: end}, true
}

// Buckets returns every bucket of [from, to). Use Calculator for long ranges.
func Buckets(from, to time.Time, p Period) []Bucket {
	var out []Bucket
	c := NewCalculator(from, to, p)
	for {
		b, ok := c.Next()
		if !ok {
			return out
		}
		out = append(out, b)
	}
}

// Count returns the number of buckets in [from, to).
func Count(from, to time.Time, p Period) int {
	n := 0
	c := NewCalculator(from, to, p)
	for {
		if _, ok := c.Next(); !ok {
			return n
		}
		n++
	}
}
