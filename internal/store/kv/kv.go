// Package kv is an embedded sample store on badger.
//
// Samples of one series are kept in fixed-span blocks (one hour by default)
// under the key
//
//	'b' | series (8 bytes, big endian) | block start (8 bytes, sign-flipped)
//
// so that a prefix scan visits a series' blocks in time order. Block values
// are delta-encoded and zstd-compressed. Points are kept next to the
// samples.
package kv

import (
	"context"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/xtxerr/historian/internal/errors"
	"github.com/xtxerr/historian/internal/logging"
	"github.com/xtxerr/historian/internal/storage/cursor"
	"github.com/xtxerr/historian/internal/storage/iter"
	"github.com/xtxerr/historian/internal/storage/types"
)

var log = logging.Component("kv")

// Config holds kv store configuration.
type Config struct {
	// Path is the badger directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps all data in memory.
	InMemory bool

	// CompressionLevel is the zstd level of sample blocks (1-22).
	CompressionLevel int

	// BlockSpan is the time covered by one sample block.
	BlockSpan time.Duration
}

// DefaultConfig returns default kv configuration.
func DefaultConfig() Config {
	return Config{
		Path:             "./data",
		CompressionLevel: 3,
		BlockSpan:        time.Hour,
	}
}

// Store persists samples and points in badger.
//
// Store is safe for concurrent use. Writes to the same block are
// serialized by the store.
type Store struct {
	db     *badger.DB
	codec  *codec
	spanMs int64
	seq    *badger.Sequence

	// mu serializes block read-modify-write cycles.
	mu sync.Mutex
}

var _ cursor.Store = (*Store)(nil)

// Open opens or creates a store.
func Open(cfg Config) (*Store, error) {
	if cfg.BlockSpan <= 0 {
		cfg.BlockSpan = time.Hour
	}
	if cfg.BlockSpan%time.Millisecond != 0 {
		return nil, errors.NewValidation("block_span", "must be a whole number of milliseconds")
	}

	opts := badger.DefaultOptions(filepath.Join(cfg.Path, "badger"))
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.NewStoreError("open badger", err)
	}

	c, err := newCodec(cfg.CompressionLevel)
	if err != nil {
		db.Close()
		return nil, err
	}

	seq, err := db.GetSequence([]byte(pointSeqKey), 64)
	if err != nil {
		c.close()
		db.Close()
		return nil, errors.NewStoreError("point sequence", err)
	}

	log.Info("kv store opened", "path", opts.Dir, "in_memory", cfg.InMemory, "block_span", cfg.BlockSpan)

	return &Store{
		db:     db,
		codec:  c,
		spanMs: cfg.BlockSpan.Milliseconds(),
		seq:    seq,
	}, nil
}

// Close releases the point sequence and closes the database.
func (s *Store) Close() error {
	var cc errors.CloseCollector
	cc.Add(s.seq.Release())
	cc.Add(s.db.Close())
	s.codec.close()
	return cc.Err()
}

// =============================================================================
// Keys
// =============================================================================

const blockPrefix = 'b'

func seriesPrefix(series types.SeriesID) []byte {
	key := make([]byte, 9, 17)
	key[0] = blockPrefix
	binary.BigEndian.PutUint64(key[1:], uint64(series))
	return key
}

func blockKey(series types.SeriesID, blockStart int64) []byte {
	return binary.BigEndian.AppendUint64(seriesPrefix(series), uint64(blockStart)^(1<<63))
}

func blockStartOf(key []byte) int64 {
	return int64(binary.BigEndian.Uint64(key[9:]) ^ (1 << 63))
}

// blockStart returns the start of the block containing ts.
func (s *Store) blockStart(ts int64) int64 {
	start := ts - ts%s.spanMs
	if ts < 0 && ts%s.spanMs != 0 {
		start -= s.spanMs
	}
	return start
}

// =============================================================================
// Writes
// =============================================================================

// Write stores samples. Samples may arrive in any order; each affected block
// is rewritten with its samples sorted by time. Writing a sample identical
// to a stored one leaves the block unchanged.
func (s *Store) Write(ctx context.Context, samples []types.Sample) error {
	type blockID struct {
		series types.SeriesID
		start  int64
	}

	blocks := make(map[blockID][]types.Sample)
	for _, sample := range samples {
		id := blockID{sample.SeriesID, s.blockStart(sample.TimestampMs)}
		blocks[id] = append(blocks[id], sample)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, add := range blocks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.mergeBlock(id.series, id.start, add); err != nil {
			return errors.NewStoreError("write block", err)
		}
	}
	return nil
}

func (s *Store) mergeBlock(series types.SeriesID, start int64, add []types.Sample) error {
	key := blockKey(series, start)

	return s.db.Update(func(txn *badger.Txn) error {
		var existing []types.Sample
		item, err := txn.Get(key)
		switch {
		case err == badger.ErrKeyNotFound:
		case err != nil:
			return err
		default:
			if err := item.Value(func(val []byte) error {
				existing, err = s.codec.decode(series, start, val)
				return err
			}); err != nil {
				return err
			}
		}

		merged := append(existing, add...)
		slices.SortStableFunc(merged, func(a, b types.Sample) int {
			return types.Ascending.Compare(a.TimestampMs, b.TimestampMs)
		})
		// Rewriting a sample already present (a WAL replay) is a no-op.
		merged = slices.CompactFunc(merged, func(a, b types.Sample) bool {
			return a.TimestampMs == b.TimestampMs && a.Value.Equal(b.Value)
		})
		return txn.Set(key, s.codec.encode(start, merged))
	})
}

// DeleteSeries removes all samples of a series.
func (s *Store) DeleteSeries(ctx context.Context, series types.SeriesID) error {
	prefix := seriesPrefix(series)

	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return errors.NewStoreError("list blocks", err)
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := wb.Delete(key); err != nil {
			return errors.NewStoreError("delete block", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return errors.NewStoreError("delete blocks", err)
	}
	return nil
}

// DeleteSamplesBefore removes the samples of series older than beforeMs.
// Blocks entirely before beforeMs are dropped; the block containing it is
// rewritten. Returns the number of samples removed.
func (s *Store) DeleteSamplesBefore(ctx context.Context, series types.SeriesID, beforeMs int64) (int64, error) {
	prefix := seriesPrefix(series)
	last := s.blockStart(beforeMs)

	var starts []int64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			start := blockStartOf(it.Item().Key())
			if start > last {
				break
			}
			starts = append(starts, start)
		}
		return nil
	})
	if err != nil {
		return 0, errors.NewStoreError("list blocks", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for _, start := range starts {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		key := blockKey(series, start)
		err := s.db.Update(func(txn *badger.Txn) error {
			item, err := txn.Get(key)
			if err != nil {
				return err
			}
			var block []types.Sample
			if err := item.Value(func(val []byte) error {
				block, err = s.codec.decode(series, start, val)
				return err
			}); err != nil {
				return err
			}

			i, _ := slices.BinarySearchFunc(block, beforeMs, func(v types.Sample, ts int64) int {
				return types.Ascending.Compare(v.TimestampMs, ts)
			})
			removed += int64(i)
			switch {
			case i == 0:
				return nil
			case i == len(block):
				return txn.Delete(key)
			default:
				return txn.Set(key, s.codec.encode(start, block[i:]))
			}
		})
		if err != nil && err != badger.ErrKeyNotFound {
			return removed, errors.NewStoreError("prune block", err)
		}
	}

	if removed > 0 {
		log.Debug("samples pruned", "series", series, "before", beforeMs, "removed", removed)
	}
	return removed, nil
}

// =============================================================================
// Reads
// =============================================================================

// FetchSamples implements cursor.Store. Each series is scanned block by
// block up to the limit, and the per-series results are merged by time.
func (s *Store) FetchSamples(ctx context.Context, req cursor.FetchRequest, fn func(types.Sample) error) error {
	if req.Limit != nil && *req.Limit <= 0 {
		return nil
	}

	points := slices.Clone(req.Points)
	slices.Sort(points)
	points = slices.Compact(points)

	sources := make([]iter.Iterator[types.Sample], 0, len(points))
	err := s.db.View(func(txn *badger.Txn) error {
		for _, series := range points {
			samples, err := s.scan(ctx, txn, series, req)
			if err != nil {
				return err
			}
			sources = append(sources, iter.FromSlice(samples))
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return errors.NewStoreError("read blocks", err)
	}

	var merged iter.Iterator[types.Sample] = iter.Merge(req.Order.CompareSamples, sources...)
	if req.Limit != nil {
		merged = iter.Limit(merged, *req.Limit)
	}
	return iter.ForEach(merged, fn)
}

// scan reads up to req.Limit samples of one series in req.Order.
func (s *Store) scan(ctx context.Context, txn *badger.Txn, series types.SeriesID, req cursor.FetchRequest) ([]types.Sample, error) {
	prefix := seriesPrefix(series)
	reverse := req.Order == types.Descending

	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.Reverse = reverse
	it := txn.NewIterator(opts)
	defer it.Close()

	var seek []byte
	switch {
	case !reverse && req.Start != nil:
		seek = blockKey(series, s.blockStart(*req.Start))
	case !reverse:
		seek = prefix
	case req.End != nil:
		seek = blockKey(series, s.blockStart(*req.End-1))
	default:
		seek = append(slices.Clone(prefix), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
	}

	var out []types.Sample
	full := func() bool { return req.Limit != nil && len(out) >= *req.Limit }

	for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		item := it.Item()
		start := blockStartOf(item.Key())
		if !reverse && req.End != nil && start >= *req.End {
			break
		}
		if reverse && req.Start != nil && start+s.spanMs <= *req.Start {
			break
		}

		var block []types.Sample
		if err := item.Value(func(val []byte) error {
			var err error
			block, err = s.codec.decode(series, start, val)
			return err
		}); err != nil {
			return nil, fmt.Errorf("block %d of series %d: %w", start, series, err)
		}
		if reverse {
			slices.Reverse(block)
		}

		for _, sample := range block {
			if !req.Contains(sample.TimestampMs) {
				continue
			}
			out = append(out, sample)
			if full() {
				return out, nil
			}
		}
	}
	return out, nil
}

// Size returns the size of the LSM tree and the value log in bytes.
func (s *Store) Size() (lsm, vlog int64) {
	return s.db.Size()
}
