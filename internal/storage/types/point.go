package types

import "strconv"

// Point is the metadata of one data point: identity and value type.
type Point struct {
	ID       SeriesID
	XID      string // External identifier, unique per installation
	Name     string
	DataType DataType
	Unit     string // Engineering unit of numeric points
}

// String returns the point's XID, or its numeric ID if it has none.
func (p Point) String() string {
	if p.XID != "" {
		return p.XID
	}
	return "point-" + strconv.FormatInt(int64(p.ID), 10)
}
