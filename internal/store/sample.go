package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/xtxerr/historian/internal/errors"
	"github.com/xtxerr/historian/internal/storage/cursor"
	"github.com/xtxerr/historian/internal/storage/types"
)

var _ cursor.Store = (*Store)(nil)

// maxSamplesPerInsert bounds the rows of one multi-row INSERT.
// 7 columns * 100 rows = 700 parameters per statement.
const maxSamplesPerInsert = 100

// ctxCheckInterval is the number of rows between context checks.
const ctxCheckInterval = 256

// Write stores samples. It is InsertSamples under the name the write path
// expects of a sample sink.
func (s *Store) Write(ctx context.Context, samples []types.Sample) error {
	return s.InsertSamples(ctx, samples)
}

// InsertSamples stores samples using multi-row INSERTs inside one
// transaction.
func (s *Store) InsertSamples(ctx context.Context, samples []types.Sample) error {
	if len(samples) == 0 {
		return nil
	}

	err := s.Transaction(ctx, func(tx *sql.Tx) error {
		for i := 0; i < len(samples); i += maxSamplesPerInsert {
			end := min(i+maxSamplesPerInsert, len(samples))

			query, args := buildMultiRowInsert(samples[i:end])
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.NewStoreError("insert samples", err)
	}
	return nil
}

// buildMultiRowInsert builds the INSERT statement for one chunk.
func buildMultiRowInsert(samples []types.Sample) (string, []any) {
	const columnsPerRow = 7

	args := make([]any, 0, len(samples)*columnsPerRow)

	var query strings.Builder
	query.Grow(120 + len(samples)*16)
	query.WriteString(`INSERT INTO samples (series_id, timestamp_ms, data_type, value_bool, value_state, value_number, value_text) VALUES `)

	for i, s := range samples {
		if i > 0 {
			query.WriteByte(',')
		}
		query.WriteString("(?,?,?,?,?,?,?)")

		var (
			b   sql.NullBool
			st  sql.NullInt32
			num sql.NullFloat64
			txt sql.NullString
		)
		switch s.Value.Type {
		case types.DataTypeBinary:
			b = sql.NullBool{Bool: s.Value.Bool, Valid: true}
		case types.DataTypeMultistate:
			st = sql.NullInt32{Int32: s.Value.State, Valid: true}
		case types.DataTypeNumeric:
			num = sql.NullFloat64{Float64: s.Value.Number, Valid: true}
		case types.DataTypeAlphanumeric:
			txt = sql.NullString{String: s.Value.Text, Valid: true}
		}

		args = append(args, int64(s.SeriesID), s.TimestampMs, int(s.Value.Type), b, st, num, txt)
	}

	return query.String(), args
}

// FetchSamples implements cursor.Store with a single ordered, limited
// SELECT. Rows are streamed to fn as they are scanned.
func (s *Store) FetchSamples(ctx context.Context, req cursor.FetchRequest, fn func(types.Sample) error) error {
	if len(req.Points) == 0 {
		return nil
	}
	if req.Limit != nil && *req.Limit <= 0 {
		return nil
	}

	query, args := buildFetchQuery(req)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return errors.NewStoreError("query samples", err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		if n%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		n++

		sample, err := scanSample(rows)
		if err != nil {
			return errors.NewStoreError("scan sample", err)
		}
		if err := fn(sample); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return errors.NewStoreError("query samples", err)
	}
	return nil
}

func buildFetchQuery(req cursor.FetchRequest) (string, []any) {
	var query strings.Builder
	args := make([]any, 0, len(req.Points)+3)

	query.WriteString(`SELECT series_id, timestamp_ms, data_type, value_bool, value_state, value_number, value_text FROM samples WHERE series_id IN (`)
	for i, id := range req.Points {
		if i > 0 {
			query.WriteByte(',')
		}
		query.WriteByte('?')
		args = append(args, int64(id))
	}
	query.WriteByte(')')

	if req.Start != nil {
		query.WriteString(` AND timestamp_ms >= ?`)
		args = append(args, *req.Start)
	}
	if req.End != nil {
		query.WriteString(` AND timestamp_ms < ?`)
		args = append(args, *req.End)
	}

	fmt.Fprintf(&query, ` ORDER BY timestamp_ms %s, series_id ASC`, req.Order)

	if req.Limit != nil {
		fmt.Fprintf(&query, ` LIMIT %d`, *req.Limit)
	}

	return query.String(), args
}

func scanSample(row rowScanner) (types.Sample, error) {
	var (
		sample   types.Sample
		series   int64
		dataType int
		b        sql.NullBool
		st       sql.NullInt32
		num      sql.NullFloat64
		txt      sql.NullString
	)
	if err := row.Scan(&series, &sample.TimestampMs, &dataType, &b, &st, &num, &txt); err != nil {
		return types.Sample{}, err
	}

	sample.SeriesID = types.SeriesID(series)
	switch types.DataType(dataType) {
	case types.DataTypeBinary:
		sample.Value = types.BinaryValue(b.Bool)
	case types.DataTypeMultistate:
		sample.Value = types.MultistateValue(st.Int32)
	case types.DataTypeNumeric:
		sample.Value = types.NumericValue(num.Float64)
	case types.DataTypeAlphanumeric:
		sample.Value = types.AlphanumericValue(txt.String)
	default:
		return types.Sample{}, fmt.Errorf("series %d at %d: %w", series, sample.TimestampMs, errors.ErrUnsupportedDataType)
	}
	return sample, nil
}

// CountSamples returns the number of samples of a series.
func (s *Store) CountSamples(ctx context.Context, series types.SeriesID) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM samples WHERE series_id = ?
	`, int64(series)).Scan(&count)
	if err != nil {
		return 0, errors.NewStoreError("count samples", err)
	}
	return count, nil
}

// SampleRange returns the oldest and newest timestamps of a series.
// Returns false if the series has no samples.
func (s *Store) SampleRange(ctx context.Context, series types.SeriesID) (oldest, newest int64, ok bool, err error) {
	var oldestNull, newestNull sql.NullInt64
	err = s.db.QueryRowContext(ctx, `
		SELECT MIN(timestamp_ms), MAX(timestamp_ms) FROM samples WHERE series_id = ?
	`, int64(series)).Scan(&oldestNull, &newestNull)
	if err != nil {
		return 0, 0, false, errors.NewStoreError("sample range", err)
	}
	if !oldestNull.Valid {
		return 0, 0, false, nil
	}
	return oldestNull.Int64, newestNull.Int64, true, nil
}

// DeleteSamplesBefore deletes the samples of a series older than beforeMs.
func (s *Store) DeleteSamplesBefore(ctx context.Context, series types.SeriesID, beforeMs int64) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM samples WHERE series_id = ? AND timestamp_ms < ?
	`, int64(series), beforeMs)
	if err != nil {
		return 0, errors.NewStoreError("delete samples", err)
	}
	return result.RowsAffected()
}
