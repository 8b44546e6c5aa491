package types

// TimeOrder is the direction samples are delivered in.
type TimeOrder int

const (
	// Ascending delivers oldest samples first.
	Ascending TimeOrder = iota
	// Descending delivers newest samples first.
	Descending
)

// String returns the SQL keyword for the order.
func (o TimeOrder) String() string {
	if o == Descending {
		return "DESC"
	}
	return "ASC"
}

// Compare orders two timestamps in this direction. It returns a negative
// number when a comes first.
func (o TimeOrder) Compare(a, b int64) int {
	switch {
	case a == b:
		return 0
	case (a < b) == (o == Ascending):
		return -1
	default:
		return 1
	}
}

// Before reports whether a is delivered before b.
func (o TimeOrder) Before(a, b int64) bool {
	return o.Compare(a, b) < 0
}

// CompareSamples orders samples by time in this direction and breaks ties by
// ascending series ID.
func (o TimeOrder) CompareSamples(a, b Sample) int {
	if c := o.Compare(a.TimestampMs, b.TimestampMs); c != 0 {
		return c
	}
	switch {
	case a.SeriesID < b.SeriesID:
		return -1
	case a.SeriesID > b.SeriesID:
		return 1
	default:
		return 0
	}
}
