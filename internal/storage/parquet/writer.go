package parquet

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/xtxerr/historian/internal/errors"
	"github.com/xtxerr/historian/internal/storage/aggregate"
	"github.com/xtxerr/historian/internal/storage/types"
)

// Options configures the Parquet writer.
type Options struct {
	// Compression algorithm
	Compression CompressionType

	// CompressionLevel for algorithms that support it (zstd: 1-22)
	CompressionLevel int

	// RowGroupSize is the target number of rows per row group
	RowGroupSize int

	// PageSize is the target page size in bytes
	PageSize int

	// Metadata is written as key/value metadata into the file footer
	Metadata map[string]string
}

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionLZ4
	CompressionGzip
)

// DefaultOptions returns default Parquet options.
func DefaultOptions() Options {
	return Options{
		Compression:      CompressionZstd,
		CompressionLevel: 3,
		RowGroupSize:     100000,
		PageSize:         1024 * 1024, // 1MB
	}
}

// ParseCompressionType parses a compression type string.
func ParseCompressionType(s string) CompressionType {
	switch s {
	case "snappy":
		return CompressionSnappy
	case "zstd":
		return CompressionZstd
	case "lz4":
		return CompressionLZ4
	case "gzip":
		return CompressionGzip
	case "none", "":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

// getCompression returns the parquet-go compression codec.
func getCompression(ct CompressionType) compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionLZ4:
		return &parquet.Lz4Raw
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// ValueCell is a sample value in Parquet format.
type ValueCell struct {
	TimestampMs int64   `parquet:"timestamp_ms"`
	Type        int32   `parquet:"type"`
	Bool        bool    `parquet:"bool"`
	State       int32   `parquet:"state"`
	Number      float64 `parquet:"number"`
	Text        string  `parquet:"text,zstd"`
}

// SampleRow represents a sample in Parquet format.
type SampleRow struct {
	SeriesID    int64   `parquet:"series_id"`
	TimestampMs int64   `parquet:"timestamp_ms"`
	Type        int32   `parquet:"type"`
	Bool        bool    `parquet:"bool"`
	State       int32   `parquet:"state"`
	Number      float64 `parquet:"number"`
	Text        string  `parquet:"text,zstd"`
}

// StateRow is the runtime of one discrete state in Parquet format.
type StateRow struct {
	State      int32   `parquet:"state"`
	Starts     int64   `parquet:"starts"`
	RuntimeMs  int64   `parquet:"runtime_ms"`
	Proportion float64 `parquet:"proportion"`
}

// AggregateRow represents an aggregate value in Parquet format. The numeric
// columns are zero for other kinds.
type AggregateRow struct {
	SeriesID    int64  `parquet:"series_id"`
	Kind        string `parquet:"kind,dict"`
	PeriodStart int64  `parquet:"period_start"`
	PeriodEnd   int64  `parquet:"period_end"`
	Count       int64  `parquet:"count"`

	StartValue *ValueCell `parquet:"start_value,optional"`
	First      *ValueCell `parquet:"first,optional"`
	Last       *ValueCell `parquet:"last,optional"`

	Known          bool    `parquet:"known"`
	Min            float64 `parquet:"min"`
	MinTs          int64   `parquet:"min_ts"`
	Max            float64 `parquet:"max"`
	MaxTs          int64   `parquet:"max_ts"`
	MinInPeriod    float64 `parquet:"min_in_period"`
	MaxInPeriod    float64 `parquet:"max_in_period"`
	Sum            float64 `parquet:"sum"`
	Integral       float64 `parquet:"integral"`
	Avg            float64 `parquet:"avg"`
	CoveredMs      int64   `parquet:"covered_ms"`
	HasPercentiles bool    `parquet:"has_percentiles"`
	P50            float64 `parquet:"p50,optional"`
	P90            float64 `parquet:"p90,optional"`
	P95            float64 `parquet:"p95,optional"`
	P99            float64 `parquet:"p99,optional"`

	Changes int64      `parquet:"changes"`
	States  []StateRow `parquet:"states"`
}

func valueToCell(s *types.Sample) *ValueCell {
	if s == nil {
		return nil
	}
	return &ValueCell{
		TimestampMs: s.TimestampMs,
		Type:        int32(s.Value.Type),
		Bool:        s.Value.Bool,
		State:       s.Value.State,
		Number:      s.Value.Number,
		Text:        s.Value.Text,
	}
}

func cellToValue(series types.SeriesID, c *ValueCell) *types.Sample {
	if c == nil {
		return nil
	}
	return &types.Sample{
		SeriesID:    series,
		TimestampMs: c.TimestampMs,
		Value: types.DataValue{
			Type:   types.DataType(c.Type),
			Bool:   c.Bool,
			State:  c.State,
			Number: c.Number,
			Text:   c.Text,
		},
	}
}

// SampleToRow converts a Sample to a SampleRow.
func SampleToRow(s *types.Sample) SampleRow {
	return SampleRow{
		SeriesID:    int64(s.SeriesID),
		TimestampMs: s.TimestampMs,
		Type:        int32(s.Value.Type),
		Bool:        s.Value.Bool,
		State:       s.Value.State,
		Number:      s.Value.Number,
		Text:        s.Value.Text,
	}
}

// RowToSample converts a SampleRow to a Sample.
func RowToSample(r *SampleRow) types.Sample {
	return types.Sample{
		SeriesID:    types.SeriesID(r.SeriesID),
		TimestampMs: r.TimestampMs,
		Value: types.DataValue{
			Type:   types.DataType(r.Type),
			Bool:   r.Bool,
			State:  r.State,
			Number: r.Number,
			Text:   r.Text,
		},
	}
}

// AggregateToRow converts an aggregate value to an AggregateRow.
func AggregateToRow(v *aggregate.Value) AggregateRow {
	row := AggregateRow{
		SeriesID:    int64(v.SeriesID),
		Kind:        v.Kind.String(),
		PeriodStart: v.PeriodStart,
		PeriodEnd:   v.PeriodEnd,
		Count:       v.Count,
		StartValue:  valueToCell(v.StartValue),
		First:       valueToCell(v.First),
		Last:        valueToCell(v.Last),
	}

	if n := v.Numeric; n != nil {
		row.Known = n.Known
		row.Min, row.MinTs = n.Minimum, n.MinimumTime
		row.Max, row.MaxTs = n.Maximum, n.MaximumTime
		row.MinInPeriod, row.MaxInPeriod = n.MinimumInPeriod, n.MaximumInPeriod
		row.Sum = n.Sum
		row.Integral = n.Integral
		row.Avg = n.Average
		row.CoveredMs = n.CoveredMs
		if p := n.Percentiles; p != nil {
			row.HasPercentiles = true
			row.P50, row.P90, row.P95, row.P99 = p.P50, p.P90, p.P95, p.P99
		}
	}
	if v.Changes != nil {
		row.Changes = v.Changes.Changes
	}
	if v.Runtime != nil {
		row.States = make([]StateRow, len(v.Runtime.States))
		for i, st := range v.Runtime.States {
			row.States[i] = StateRow{
				State:      st.State,
				Starts:     st.Starts,
				RuntimeMs:  st.RuntimeMs,
				Proportion: st.Proportion,
			}
		}
	}

	return row
}

// RowToAggregate converts an AggregateRow to an aggregate value.
func RowToAggregate(r *AggregateRow) (*aggregate.Value, error) {
	kind, err := aggregate.ParseKind(r.Kind)
	if err != nil {
		return nil, err
	}
	series := types.SeriesID(r.SeriesID)

	v := aggregate.New(kind, series, r.PeriodStart, r.PeriodEnd)
	v.Count = r.Count
	v.StartValue = cellToValue(series, r.StartValue)
	v.First = cellToValue(series, r.First)
	v.Last = cellToValue(series, r.Last)

	switch kind {
	case aggregate.KindNumeric:
		n := v.Numeric
		n.Known = r.Known
		n.Minimum, n.MinimumTime = r.Min, r.MinTs
		n.Maximum, n.MaximumTime = r.Max, r.MaxTs
		n.MinimumInPeriod, n.MaximumInPeriod = r.MinInPeriod, r.MaxInPeriod
		n.Sum = r.Sum
		n.Integral = r.Integral
		n.Average = r.Avg
		n.CoveredMs = r.CoveredMs
		if r.HasPercentiles {
			n.Percentiles = &aggregate.Percentiles{P50: r.P50, P90: r.P90, P95: r.P95, P99: r.P99}
		}
	case aggregate.KindChangeCount:
		v.Changes.Changes = r.Changes
	case aggregate.KindStartsAndRuntime:
		for _, st := range r.States {
			v.Runtime.States = append(v.Runtime.States, aggregate.StateRuntime{
				State:      st.State,
				Starts:     st.Starts,
				RuntimeMs:  st.RuntimeMs,
				Proportion: st.Proportion,
			})
		}
	}

	return v, nil
}

func writerOptions(opts Options) []parquet.WriterOption {
	writerOpts := []parquet.WriterOption{
		parquet.Compression(getCompression(opts.Compression)),
	}
	if opts.PageSize > 0 {
		writerOpts = append(writerOpts, parquet.PageBufferSize(opts.PageSize))
	}
	if opts.RowGroupSize > 0 {
		writerOpts = append(writerOpts, parquet.MaxRowsPerRowGroup(int64(opts.RowGroupSize)))
	}
	for k, v := range opts.Metadata {
		writerOpts = append(writerOpts, parquet.KeyValueMetadata(k, v))
	}
	return writerOpts
}

// SampleWriter writes samples to a Parquet file.
type SampleWriter struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	writer   *parquet.GenericWriter[SampleRow]
	rowCount int64
	closed   bool
}

// NewSampleWriter creates a new sample Parquet writer.
func NewSampleWriter(path string, opts Options) (*SampleWriter, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}

	writerOpts := writerOptions(opts)

	writer := parquet.NewGenericWriter[SampleRow](f, writerOpts...)

	return &SampleWriter{
		path:   path,
		file:   f,
		writer: writer,
	}, nil
}

// Write writes samples to the Parquet file.
func (w *SampleWriter) Write(samples []types.Sample) error {
	if len(samples) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}

	rows := make([]SampleRow, len(samples))
	for i := range samples {
		rows[i] = SampleToRow(&samples[i])
	}

	n, err := w.writer.Write(rows)
	if err != nil {
		return fmt.Errorf("write rows: %w", err)
	}

	w.rowCount += int64(n)
	return nil
}

// Close closes the writer.
func (w *SampleWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.writer.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("close writer: %w", err)
	}

	return w.file.Close()
}

// RowCount returns the number of rows written.
func (w *SampleWriter) RowCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rowCount
}

// Path returns the file path.
func (w *SampleWriter) Path() string {
	return w.path
}

// AggregateWriter writes aggregates to a Parquet file.
type AggregateWriter struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	writer   *parquet.GenericWriter[AggregateRow]
	rowCount int64
	closed   bool
}

// NewAggregateWriter creates a new aggregate Parquet writer.
func NewAggregateWriter(path string, opts Options) (*AggregateWriter, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}

	writerOpts := writerOptions(opts)

	writer := parquet.NewGenericWriter[AggregateRow](f, writerOpts...)

	return &AggregateWriter{
		path:   path,
		file:   f,
		writer: writer,
	}, nil
}

// Write writes aggregates to the Parquet file.
func (w *AggregateWriter) Write(aggregates []*aggregate.Value) error {
	if len(aggregates) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}

	rows := make([]AggregateRow, len(aggregates))
	for i := range aggregates {
		rows[i] = AggregateToRow(aggregates[i])
	}

	n, err := w.writer.Write(rows)
	if err != nil {
		return fmt.Errorf("write rows: %w", err)
	}

	w.rowCount += int64(n)
	return nil
}

// Close closes the writer.
func (w *AggregateWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.writer.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("close writer: %w", err)
	}

	return w.file.Close()
}

// RowCount returns the number of rows written.
func (w *AggregateWriter) RowCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rowCount
}

// Path returns the file path.
func (w *AggregateWriter) Path() string {
	return w.path
}

// ErrWriterClosed is returned when writing to a closed writer.
var ErrWriterClosed = errors.Wrap(errors.ErrClosed, "parquet writer")
