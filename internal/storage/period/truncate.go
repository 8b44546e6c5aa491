package period

import "time"

// truncationUnits are tried finest to coarsest by TruncateToPeriod.
var truncationUnits = []Unit{Second, Minute, Hour, Day, Month, Year}

// TruncateToUnit truncates t to the start of its unit in t's location.
// Weeks start on Monday.
func TruncateToUnit(t time.Time, u Unit) time.Time {
	loc := t.Location()
	switch u {
	case Millisecond:
		return t.Truncate(time.Millisecond)
	case Second:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, loc)
	case Minute:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, loc)
	case Hour:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, loc)
	case Day:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	case Week:
		weekday := int(t.Weekday())
		if weekday == 0 {
			weekday = 7 // Sunday = 7
		}
		return time.Date(t.Year(), t.Month(), t.Day()-(weekday-1), 0, 0, 0, 0, loc)
	case Month:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc)
	case Year:
		return time.Date(t.Year(), time.January, 1, 0, 0, 0, 0, loc)
	default:
		return t
	}
}

// Truncate truncates t to the coarsest unit of p, e.g. the minute for "15m"
// and the first of the month for "1mo".
func (p Period) Truncate(t time.Time) time.Time {
	return TruncateToUnit(t, p.Unit)
}

// TruncateToPeriod returns the start of the period-aligned bucket that
// contains boundary.
//
// Months and years have no fixed length, so there is no epoch-relative
// modulus to apply. Instead boundary is truncated to each calendar unit from
// finest to coarsest until the truncated instant lies at least one period
// before boundary (years are used when no unit gets that far). From there the
// result walks forward one period at a time while the next step does not pass
// boundary. Truncating an instant that is already aligned returns it
// unchanged.
func TruncateToPeriod(boundary time.Time, p Period) time.Time {
	limit := p.Sub(boundary)

	start := TruncateToUnit(boundary, Year)
	for _, u := range truncationUnits {
		t := TruncateToUnit(boundary, u)
		if !t.After(limit) {
			start = t
			break
		}
	}

	for {
		next := p.Add(start)
		if next.After(boundary) {
			return start
		}
		start = next
	}
}
