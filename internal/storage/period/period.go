// Package period provides calendar-aware bucket periods.
//
// A Period is a count of a calendar unit ("15m", "1d", "1mo"). Fixed units
// (milliseconds up to hours) add exact durations. Days, weeks, months and
// years add calendar fields in the location of the instant they are applied
// to, so a day bucket spans 23 or 25 hours across a DST change and a month
// bucket spans the real length of the month.
package period

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

var (
	errEmpty           = errors.New("period cannot be empty")
	errNonPositive     = errors.New("period must be positive")
	errUnknownTimeUnit = errors.New("unknown time unit")
)

// Unit is a calendar unit.
type Unit int

const (
	Millisecond Unit = iota
	Second
	Minute
	Hour
	Day
	Week
	Month
	Year
)

// String returns the short form used in period strings.
func (u Unit) String() string {
	switch u {
	case Millisecond:
		return "ms"
	case Second:
		return "s"
	case Minute:
		return "m"
	case Hour:
		return "h"
	case Day:
		return "d"
	case Week:
		return "w"
	case Month:
		return "mo"
	case Year:
		return "y"
	default:
		return "unit(" + strconv.Itoa(int(u)) + ")"
	}
}

// Fixed reports whether the unit has a fixed length independent of the calendar.
func (u Unit) Fixed() bool {
	return u <= Hour
}

func (u Unit) duration() time.Duration {
	switch u {
	case Millisecond:
		return time.Millisecond
	case Second:
		return time.Second
	case Minute:
		return time.Minute
	case Hour:
		return time.Hour
	default:
		return 0
	}
}

// Period is N units of calendar time.
type Period struct {
	N    int
	Unit Unit
}

// Of returns a Period of n units.
func Of(n int, u Unit) Period {
	return Period{N: n, Unit: u}
}

// Common periods.
var (
	OneMinute = Period{N: 1, Unit: Minute}
	OneHour   = Period{N: 1, Unit: Hour}
	OneDay    = Period{N: 1, Unit: Day}
	OneMonth  = Period{N: 1, Unit: Month}
)

// Parse parses a period string such as "500ms", "15m", "1h", "1d", "2w",
// "1mo" or "1y". The unit defaults to seconds if not specified.
// Longer unit names (min, hour, day, month, year and plurals) are accepted.
func Parse(s string) (Period, error) {
	if s == "" {
		return Period{}, errEmpty
	}
	if s[0] == '-' {
		return Period{}, errNonPositive
	}

	var i int
	for i < len(s) && '0' <= s[i] && s[i] <= '9' {
		i++
	}
	numStr, unitStr := s[:i], s[i:]
	if numStr == "" {
		return Period{}, fmt.Errorf("%q: missing count", s)
	}

	var u Unit
	switch unitStr {
	case "ms", "msec", "millisecond", "milliseconds":
		u = Millisecond
	case "", "s", "sec", "secs", "second", "seconds":
		u = Second
	case "m", "min", "mins", "minute", "minutes":
		u = Minute
	case "h", "hour", "hours":
		u = Hour
	case "d", "day", "days":
		u = Day
	case "w", "week", "weeks":
		u = Week
	case "mo", "mon", "month", "months":
		u = Month
	case "y", "year", "years":
		u = Year
	default:
		return Period{}, fmt.Errorf("%q: %w", s, errUnknownTimeUnit)
	}

	n, err := strconv.Atoi(numStr)
	if err != nil {
		return Period{}, err
	}
	if n <= 0 {
		return Period{}, fmt.Errorf("%q: %w", s, errNonPositive)
	}
	return Period{N: n, Unit: u}, nil
}

// MustParse is like Parse but panics on error. Intended for constants and tests.
func MustParse(s string) Period {
	p, err := Parse(s)
	if err != nil {
		panic(fmt.Sprintf("period.MustParse(%q): %s", s, err))
	}
	return p
}

// String returns the canonical period string, e.g. "15m" or "1mo".
func (p Period) String() string {
	return strconv.Itoa(p.N) + p.Unit.String()
}

// IsZero reports whether p is the zero Period.
func (p Period) IsZero() bool {
	return p.N == 0
}

// Validate returns an error if p cannot be used as a bucket size.
func (p Period) Validate() error {
	if p.N <= 0 {
		return errNonPositive
	}
	if p.Unit < Millisecond || p.Unit > Year {
		return errUnknownTimeUnit
	}
	return nil
}

// Equal reports whether both periods describe the same bucket size.
// Equivalent fixed periods such as "60m" and "1h" compare equal.
func (p Period) Equal(o Period) bool {
	if p == o {
		return true
	}
	if p.Unit.Fixed() && o.Unit.Fixed() {
		return time.Duration(p.N)*p.Unit.duration() == time.Duration(o.N)*o.Unit.duration()
	}
	return false
}

// Duration returns the exact length of fixed periods. Calendar periods
// return false.
func (p Period) Duration() (time.Duration, bool) {
	if !p.Unit.Fixed() {
		return 0, false
	}
	return time.Duration(p.N) * p.Unit.duration(), true
}

// Add returns t advanced by one period.
func (p Period) Add(t time.Time) time.Time {
	return p.AddN(t, 1)
}

// AddN returns t advanced by n periods. Negative n moves backwards.
func (p Period) AddN(t time.Time, n int) time.Time {
	k := p.N * n
	switch p.Unit {
	case Day:
		return t.AddDate(0, 0, k)
	case Week:
		return t.AddDate(0, 0, 7*k)
	case Month:
		return addMonths(t, k)
	case Year:
		return addMonths(t, 12*k)
	default:
		return t.Add(time.Duration(k) * p.Unit.duration())
	}
}

// addMonths moves t by k months. A day of month past the end of the target
// month is clamped to its last day, so Jan 31 + 1mo is Feb 28 (or 29).
func addMonths(t time.Time, k int) time.Time {
	y, m, d := t.Date()
	months := int(m) - 1 + k
	y += months / 12
	months %= 12
	if months < 0 {
		months += 12
		y--
	}
	target := time.Month(months + 1)
	if last := daysIn(y, target, t.Location()); d > last {
		d = last
	}
	return time.Date(y, target, d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}

// Sub returns t moved back by one period.
func (p Period) Sub(t time.Time) time.Time {
	return p.AddN(t, -1)
}
