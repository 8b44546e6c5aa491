// Package export encodes aggregate streams for transfer.
//
// Each aggregate value becomes a google.protobuf.Struct; a stream is a
// sequence of varint length-prefixed Struct messages. The format is self
// describing and readable by any protobuf implementation.
package export

import (
	"bufio"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xtxerr/historian/internal/errors"
	"github.com/xtxerr/historian/internal/storage/aggregate"
	"github.com/xtxerr/historian/internal/storage/iter"
	"github.com/xtxerr/historian/internal/storage/types"
)

// Writer writes length-delimited aggregate messages.
type Writer struct {
	w     *bufio.Writer
	count int
}

// NewWriter returns a Writer buffering into w. Call Flush when done.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// Write encodes one aggregate value.
func (w *Writer) Write(v *aggregate.Value) error {
	msg, err := Encode(v)
	if err != nil {
		return err
	}
	if _, err := protodelim.MarshalTo(w.w, msg); err != nil {
		return fmt.Errorf("write aggregate %s: %w", v, err)
	}
	w.count++
	return nil
}

// WriteAll drains it into the stream, closes it and flushes. It returns the
// number of values written.
func (w *Writer) WriteAll(it iter.Iterator[*aggregate.Value]) (int, error) {
	n := 0
	err := iter.ForEach(it, func(v *aggregate.Value) error {
		if err := w.Write(v); err != nil {
			return err
		}
		n++
		return nil
	})
	if err != nil {
		return n, err
	}
	return n, w.Flush()
}

// Flush writes buffered data to the underlying writer.
func (w *Writer) Flush() error {
	return w.w.Flush()
}

// Count returns the number of values written.
func (w *Writer) Count() int {
	return w.count
}

// Reader reads a stream written by Writer.
type Reader struct {
	r *bufio.Reader
}

// NewReader returns a Reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Read decodes the next aggregate value. It returns io.EOF at the end of
// the stream.
func (r *Reader) Read() (*aggregate.Value, error) {
	msg := &structpb.Struct{}
	if err := protodelim.UnmarshalFrom(r.r, msg); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read aggregate: %w", err)
	}
	return Decode(msg)
}

// Iterator returns the remaining values of the stream as an iterator.
func (r *Reader) Iterator() iter.Iterator[*aggregate.Value] {
	return iter.FromFunc(func() (*aggregate.Value, bool, error) {
		v, err := r.Read()
		if err == io.EOF {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		return v, true, nil
	}, nil)
}

// =============================================================================
// Struct mapping
// =============================================================================

// Encode converts an aggregate value to a Struct.
func Encode(v *aggregate.Value) (*structpb.Struct, error) {
	fields := map[string]any{
		"kind":         v.Kind.String(),
		"series_id":    int64(v.SeriesID),
		"period_start": v.PeriodStart,
		"period_end":   v.PeriodEnd,
		"count":        v.Count,
		"start_value":  sampleFields(v.StartValue),
		"first":        sampleFields(v.First),
		"last":         sampleFields(v.Last),
	}

	switch v.Kind {
	case aggregate.KindNumeric:
		n := v.Numeric
		numeric := map[string]any{
			"minimum":           n.Minimum,
			"minimum_time":      n.MinimumTime,
			"maximum":           n.Maximum,
			"maximum_time":      n.MaximumTime,
			"known":             n.Known,
			"minimum_in_period": n.MinimumInPeriod,
			"maximum_in_period": n.MaximumInPeriod,
			"sum":               n.Sum,
			"integral":          n.Integral,
			"average":           n.Average,
			"covered_ms":        n.CoveredMs,
		}
		if p := n.Percentiles; p != nil {
			numeric["percentiles"] = map[string]any{"p50": p.P50, "p90": p.P90, "p95": p.P95, "p99": p.P99}
		}
		fields["numeric"] = numeric
	case aggregate.KindChangeCount:
		fields["changes"] = v.Changes.Changes
	case aggregate.KindStartsAndRuntime:
		states := make([]any, len(v.Runtime.States))
		for i, s := range v.Runtime.States {
			states[i] = map[string]any{
				"state":      int64(s.State),
				"starts":     s.Starts,
				"runtime_ms": s.RuntimeMs,
				"proportion": s.Proportion,
			}
		}
		fields["states"] = states
	default:
		return nil, fmt.Errorf("encode %s: %w", v.Kind, errors.ErrInvalidState)
	}

	msg, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", v, err)
	}
	return msg, nil
}

func sampleFields(s *types.Sample) any {
	if s == nil {
		return nil
	}
	out := map[string]any{
		"ts":   s.TimestampMs,
		"type": s.Value.Type.String(),
	}
	switch s.Value.Type {
	case types.DataTypeBinary:
		out["value"] = s.Value.Bool
	case types.DataTypeMultistate:
		out["value"] = int64(s.Value.State)
	case types.DataTypeNumeric:
		out["value"] = s.Value.Number
	case types.DataTypeAlphanumeric:
		out["value"] = s.Value.Text
	}
	return out
}

// Decode converts a Struct written by Encode back to an aggregate value.
func Decode(msg *structpb.Struct) (*aggregate.Value, error) {
	f := msg.GetFields()

	kind, err := aggregate.ParseKind(f["kind"].GetStringValue())
	if err != nil {
		return nil, fmt.Errorf("decode aggregate: %w", err)
	}
	series := types.SeriesID(number(f["series_id"]))

	v := aggregate.New(kind, series, number(f["period_start"]), number(f["period_end"]))
	v.Count = number(f["count"])
	if v.StartValue, err = decodeSample(series, f["start_value"]); err != nil {
		return nil, err
	}
	if v.First, err = decodeSample(series, f["first"]); err != nil {
		return nil, err
	}
	if v.Last, err = decodeSample(series, f["last"]); err != nil {
		return nil, err
	}

	switch kind {
	case aggregate.KindNumeric:
		n := f["numeric"].GetStructValue().GetFields()
		v.Numeric = &aggregate.NumericStats{
			Minimum:         n["minimum"].GetNumberValue(),
			MinimumTime:     number(n["minimum_time"]),
			Maximum:         n["maximum"].GetNumberValue(),
			MaximumTime:     number(n["maximum_time"]),
			Known:           n["known"].GetBoolValue(),
			MinimumInPeriod: n["minimum_in_period"].GetNumberValue(),
			MaximumInPeriod: n["maximum_in_period"].GetNumberValue(),
			Sum:             n["sum"].GetNumberValue(),
			Integral:        n["integral"].GetNumberValue(),
			Average:         n["average"].GetNumberValue(),
			CoveredMs:       number(n["covered_ms"]),
		}
		if p := n["percentiles"].GetStructValue(); p != nil {
			pf := p.GetFields()
			v.Numeric.Percentiles = &aggregate.Percentiles{
				P50: pf["p50"].GetNumberValue(),
				P90: pf["p90"].GetNumberValue(),
				P95: pf["p95"].GetNumberValue(),
				P99: pf["p99"].GetNumberValue(),
			}
		}
	case aggregate.KindChangeCount:
		v.Changes.Changes = number(f["changes"])
	case aggregate.KindStartsAndRuntime:
		for _, item := range f["states"].GetListValue().GetValues() {
			s := item.GetStructValue().GetFields()
			v.Runtime.States = append(v.Runtime.States, aggregate.StateRuntime{
				State:      int32(number(s["state"])),
				Starts:     number(s["starts"]),
				RuntimeMs:  number(s["runtime_ms"]),
				Proportion: s["proportion"].GetNumberValue(),
			})
		}
	}
	return v, nil
}

func decodeSample(series types.SeriesID, v *structpb.Value) (*types.Sample, error) {
	fields := v.GetStructValue().GetFields()
	if fields == nil {
		return nil, nil
	}

	dt, err := types.ParseDataType(fields["type"].GetStringValue())
	if err != nil {
		return nil, fmt.Errorf("decode sample: %w", err)
	}

	s := &types.Sample{SeriesID: series, TimestampMs: number(fields["ts"])}
	val := fields["value"]
	switch dt {
	case types.DataTypeBinary:
		s.Value = types.BinaryValue(val.GetBoolValue())
	case types.DataTypeMultistate:
		s.Value = types.MultistateValue(int32(number(val)))
	case types.DataTypeNumeric:
		s.Value = types.NumericValue(val.GetNumberValue())
	case types.DataTypeAlphanumeric:
		s.Value = types.AlphanumericValue(val.GetStringValue())
	}
	return s, nil
}

// number reads an integral Struct number. Struct numbers are doubles, which
// hold millisecond timestamps and counts exactly.
func number(v *structpb.Value) int64 {
	return int64(v.GetNumberValue())
}
