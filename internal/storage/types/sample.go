package types

import (
	"fmt"
	"strconv"
	"time"
)

// SeriesID identifies the point a sample belongs to.
type SeriesID int64

// DataType indicates the type of a point's values.
type DataType int

const (
	// DataTypeBinary is a two-state value (e.g., pump running, valve open).
	DataTypeBinary DataType = iota + 1
	// DataTypeMultistate is a discrete integer state (e.g., operating mode).
	DataTypeMultistate
	// DataTypeNumeric is an analog measurement (e.g., tank level, pressure).
	DataTypeNumeric
	// DataTypeAlphanumeric is a text value (e.g., batch code, alarm text).
	DataTypeAlphanumeric
)

// String returns a human-readable representation of the DataType.
func (d DataType) String() string {
	switch d {
	case DataTypeBinary:
		return "binary"
	case DataTypeMultistate:
		return "multistate"
	case DataTypeNumeric:
		return "numeric"
	case DataTypeAlphanumeric:
		return "alphanumeric"
	default:
		return "unknown(" + strconv.Itoa(int(d)) + ")"
	}
}

// IsDiscrete reports whether values of this type are discrete states.
func (d DataType) IsDiscrete() bool {
	return d == DataTypeBinary || d == DataTypeMultistate
}

// ParseDataType parses a string into a DataType.
func ParseDataType(s string) (DataType, error) {
	switch s {
	case "binary":
		return DataTypeBinary, nil
	case "multistate":
		return DataTypeMultistate, nil
	case "numeric":
		return DataTypeNumeric, nil
	case "alphanumeric":
		return DataTypeAlphanumeric, nil
	default:
		return 0, fmt.Errorf("unknown data type: %s", s)
	}
}

// DataValue is a tagged union of the four point value kinds.
// Only the field matching Type is meaningful.
type DataValue struct {
	Type   DataType
	Bool   bool
	State  int32
	Number float64
	Text   string
}

// BinaryValue returns a binary DataValue.
func BinaryValue(b bool) DataValue {
	return DataValue{Type: DataTypeBinary, Bool: b}
}

// MultistateValue returns a multistate DataValue.
func MultistateValue(state int32) DataValue {
	return DataValue{Type: DataTypeMultistate, State: state}
}

// NumericValue returns a numeric DataValue.
func NumericValue(v float64) DataValue {
	return DataValue{Type: DataTypeNumeric, Number: v}
}

// AlphanumericValue returns an alphanumeric DataValue.
func AlphanumericValue(s string) DataValue {
	return DataValue{Type: DataTypeAlphanumeric, Text: s}
}

// Float64 returns the numeric view of the value. Binary values map to 0/1
// and multistate values to their state. Alphanumeric values have none.
func (v DataValue) Float64() (float64, bool) {
	switch v.Type {
	case DataTypeNumeric:
		return v.Number, true
	case DataTypeMultistate:
		return float64(v.State), true
	case DataTypeBinary:
		if v.Bool {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// StateKey returns the discrete state of a binary or multistate value.
func (v DataValue) StateKey() (int32, bool) {
	switch v.Type {
	case DataTypeMultistate:
		return v.State, true
	case DataTypeBinary:
		if v.Bool {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// Equal reports whether two values have the same type and payload.
func (v DataValue) Equal(o DataValue) bool {
	if v.Type != o.Type {
		return false
	}
	switch v.Type {
	case DataTypeBinary:
		return v.Bool == o.Bool
	case DataTypeMultistate:
		return v.State == o.State
	case DataTypeNumeric:
		return v.Number == o.Number
	case DataTypeAlphanumeric:
		return v.Text == o.Text
	default:
		return true
	}
}

// String returns the value formatted for display.
func (v DataValue) String() string {
	switch v.Type {
	case DataTypeBinary:
		return strconv.FormatBool(v.Bool)
	case DataTypeMultistate:
		return strconv.FormatInt(int64(v.State), 10)
	case DataTypeNumeric:
		return strconv.FormatFloat(v.Number, 'g', -1, 64)
	case DataTypeAlphanumeric:
		return v.Text
	default:
		return "<nil>"
	}
}

// Sample is one stored value of one point.
// This is the primary data unit flowing through the query engine.
type Sample struct {
	SeriesID    SeriesID
	TimestampMs int64 // Unix timestamp in milliseconds
	Value       DataValue
}

// TimestampTime returns the timestamp as a time.Time.
func (s Sample) TimestampTime() time.Time {
	return time.UnixMilli(s.TimestampMs)
}

// WithTime returns a copy of the sample moved to ts.
func (s Sample) WithTime(ts int64) Sample {
	s.TimestampMs = ts
	return s
}
