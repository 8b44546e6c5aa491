package preagg

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/xtxerr/historian/internal/errors"
	"github.com/xtxerr/historian/internal/storage/aggregate"
	"github.com/xtxerr/historian/internal/storage/iter"
	"github.com/xtxerr/historian/internal/storage/parquet"
	"github.com/xtxerr/historian/internal/storage/period"
	"github.com/xtxerr/historian/internal/storage/types"
)

// Footer metadata keys of rollup files.
const (
	metaSeries = "historian.series_id"
	metaPeriod = "historian.period"
	metaStart  = "historian.start"
	metaEnd    = "historian.end"
)

// ParquetStore keeps aggregates in Parquet files, one file per Persist call:
//
//	<root>/<period>/<series>/<start>.parquet
//
// where start is the period start of the first aggregate in Unix
// milliseconds. The end of each file is kept in its footer metadata.
type ParquetStore struct {
	root   string
	period period.Period
	opts   parquet.Options

	// mu serialises writers; readers only see renamed, complete files.
	mu sync.Mutex
}

// NewParquetStore returns a store writing below root.
func NewParquetStore(root string, p period.Period, opts parquet.Options) (*ParquetStore, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("period %s: %w: %w", p, errors.ErrInvalidPeriod, err)
	}
	if root == "" {
		return nil, errors.NewMissingField("root")
	}
	return &ParquetStore{root: root, period: p, opts: opts}, nil
}

func (s *ParquetStore) Period() period.Period { return s.period }

func (s *ParquetStore) Supports(point types.Point) bool {
	return Supported(point.DataType)
}

// Dir returns the directory holding the files of all series.
func (s *ParquetStore) Dir() string {
	return filepath.Join(s.root, s.period.String())
}

func (s *ParquetStore) seriesDir(series types.SeriesID) string {
	return filepath.Join(s.Dir(), strconv.FormatInt(int64(series), 10))
}

type rollupFile struct {
	path  string
	start int64
}

// files lists the rollup files of series ordered by start.
func (s *ParquetStore) files(series types.SeriesID) ([]rollupFile, error) {
	entries, err := os.ReadDir(s.seriesDir(series))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.NewStoreError("list rollups", err)
	}

	var files []rollupFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".parquet") {
			continue
		}
		start, err := strconv.ParseInt(strings.TrimSuffix(name, ".parquet"), 10, 64)
		if err != nil {
			continue
		}
		files = append(files, rollupFile{path: filepath.Join(s.seriesDir(series), name), start: start})
	}
	slices.SortFunc(files, func(a, b rollupFile) int {
		switch {
		case a.start < b.start:
			return -1
		case a.start > b.start:
			return 1
		default:
			return 0
		}
	})
	return files, nil
}

// Aggregates reads the files overlapping [from, to) one at a time.
func (s *ParquetStore) Aggregates(ctx context.Context, point types.Point, from, to time.Time) (iter.Iterator[*aggregate.Value], error) {
	if !s.Supports(point) {
		return nil, unsupported(point, "aggregates")
	}

	files, err := s.files(point.ID)
	if err != nil {
		return nil, err
	}

	fromMs, toMs := from.UnixMilli(), to.UnixMilli()

	// A file covers [start, next file's start).
	var selected []rollupFile
	for i, f := range files {
		if f.start >= toMs {
			break
		}
		if i+1 < len(files) && files[i+1].start <= fromMs {
			continue
		}
		selected = append(selected, f)
	}

	var buf []*aggregate.Value
	return iter.FromFunc(func() (*aggregate.Value, bool, error) {
		for {
			for len(buf) > 0 {
				v := buf[0]
				buf = buf[1:]
				if v.PeriodStart >= toMs {
					buf, selected = nil, nil
					return nil, false, nil
				}
				if v.PeriodStart >= fromMs {
					return v, true, nil
				}
			}
			if len(selected) == 0 {
				return nil, false, nil
			}
			if err := ctx.Err(); err != nil {
				return nil, false, err
			}
			values, err := readRollup(selected[0].path)
			if err != nil {
				return nil, false, err
			}
			selected = selected[1:]
			buf = values
		}
	}, nil), nil
}

func readRollup(path string) ([]*aggregate.Value, error) {
	r, err := parquet.NewAggregateReader(path)
	if err != nil {
		return nil, errors.NewStoreError("open rollup", err)
	}
	values, err := r.ReadAll()
	closeErr := r.Close()
	if err != nil {
		return nil, errors.NewStoreError("read rollup "+path, err)
	}
	if closeErr != nil {
		return nil, errors.NewStoreError("close rollup", closeErr)
	}
	return values, nil
}

// Persist writes values into a new file. The file is written under a
// temporary name and renamed once complete.
func (s *ParquetStore) Persist(ctx context.Context, point types.Point, values []*aggregate.Value) error {
	if !s.Supports(point) {
		return unsupported(point, "persist")
	}
	if len(values) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	end, ok, err := s.watermark(point.ID)
	if err != nil {
		return err
	}
	prev := end
	for i, v := range values {
		if (ok || i > 0) && v.PeriodStart < prev {
			return fmt.Errorf("aggregate at %d before watermark %d: %w", v.PeriodStart, prev, errors.ErrInvalidState)
		}
		prev = v.PeriodEnd
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	start := values[0].PeriodStart
	path := filepath.Join(s.seriesDir(point.ID), strconv.FormatInt(start, 10)+".parquet")
	tmp := path + ".tmp"

	opts := s.opts
	opts.Metadata = map[string]string{
		metaSeries: strconv.FormatInt(int64(point.ID), 10),
		metaPeriod: s.period.String(),
		metaStart:  strconv.FormatInt(start, 10),
		metaEnd:    strconv.FormatInt(prev, 10),
	}

	w, err := parquet.NewAggregateWriter(tmp, opts)
	if err != nil {
		return errors.NewStoreError("create rollup", err)
	}
	if err := w.Write(values); err != nil {
		w.Close()
		os.Remove(tmp)
		return errors.NewStoreError("write rollup", err)
	}
	if err := w.Close(); err != nil {
		os.Remove(tmp)
		return errors.NewStoreError("close rollup", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.NewStoreError("rename rollup", err)
	}

	log.Debug("rollup file written", "point", point.ID, "path", path, "aggregates", len(values))
	return nil
}

// Watermark reads the end of the last file from its footer.
func (s *ParquetStore) Watermark(_ context.Context, point types.Point) (int64, bool, error) {
	if !s.Supports(point) {
		return 0, false, unsupported(point, "watermark")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermark(point.ID)
}

func (s *ParquetStore) watermark(series types.SeriesID) (int64, bool, error) {
	files, err := s.files(series)
	if err != nil || len(files) == 0 {
		return 0, false, err
	}
	last := files[len(files)-1]
	info, err := parquet.GetFileInfo(last.path)
	if err != nil {
		return 0, false, errors.NewStoreError("read rollup footer", err)
	}
	end, err := strconv.ParseInt(info.Metadata[metaEnd], 10, 64)
	if err != nil {
		return 0, false, errors.NewStoreError("parse rollup footer", err)
	}
	return end, true, nil
}

// DeleteBefore removes the files of point whose aggregates all end at or
// before beforeMs. The newest file is always kept, since it carries the
// watermark.
func (s *ParquetStore) DeleteBefore(ctx context.Context, point types.Point, beforeMs int64) (files int, bytes int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.files(point.ID)
	if err != nil {
		return 0, 0, err
	}

	// Files are contiguous, so a file ends where the next one starts.
	for i := 0; i+1 < len(all) && all[i+1].start <= beforeMs; i++ {
		if err := ctx.Err(); err != nil {
			return files, bytes, err
		}
		info, err := os.Stat(all[i].path)
		if err != nil {
			return files, bytes, errors.NewStoreError("stat rollup", err)
		}
		if err := os.Remove(all[i].path); err != nil {
			return files, bytes, errors.NewStoreError("delete rollup", err)
		}
		files++
		bytes += info.Size()
	}

	if files > 0 {
		log.Debug("rollup files deleted", "point", point.ID, "before", beforeMs, "files", files)
	}
	return files, bytes, nil
}

// DiskUsage returns the number and total size of rollup files.
func (s *ParquetStore) DiskUsage() (files int, bytes int64, err error) {
	err = filepath.WalkDir(s.Dir(), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".parquet") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		files++
		bytes += info.Size()
		return nil
	})
	return files, bytes, err
}
