package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/xtxerr/historian/internal/errors"
	"github.com/xtxerr/historian/internal/storage/iter"
	"github.com/xtxerr/historian/internal/storage/types"
)

// errCorrupt marks a record that was read completely but failed its
// checksum or could not be decoded. Reading can continue after it.
var errCorrupt = errors.New("corrupt record")

// Reader reads sample batches from one segment file.
type Reader struct {
	path string
	file *os.File
	r    *bufio.Reader

	// Statistics
	stats ReaderStats
}

// ReaderStats holds WAL reader statistics.
type ReaderStats struct {
	RecordsRead    int64
	SamplesRead    int64
	BytesRead      int64
	CorruptRecords int64
	TornTail       bool
}

// NewReader opens a segment and verifies its header.
func NewReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open segment: %w", err)
	}

	r := bufio.NewReader(f)

	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("read header: %w", err)
	}

	magic := binary.LittleEndian.Uint64(header[0:8])
	if magic != walMagic {
		f.Close()
		return nil, fmt.Errorf("invalid magic: expected %x, got %x", walMagic, magic)
	}

	version := binary.LittleEndian.Uint32(header[8:12])
	if version != walVersion {
		f.Close()
		return nil, fmt.Errorf("unsupported version: %d", version)
	}

	return &Reader{
		path: path,
		file: f,
		r:    r,
	}, nil
}

// ReadRecord reads the next record. It returns io.EOF at the end of the
// segment and io.ErrUnexpectedEOF for a record cut short by a crash.
func (r *Reader) ReadRecord() ([]types.Sample, error) {
	var header [recordHeaderSize]byte
	if _, err := io.ReadFull(r.r, header[:]); err != nil {
		return nil, err
	}

	length := binary.LittleEndian.Uint32(header[0:4])
	expectedCRC := binary.LittleEndian.Uint32(header[4:8])

	// A length this large can only come from a torn header.
	if length > maxRecordSize {
		return nil, io.ErrUnexpectedEOF
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	r.stats.BytesRead += int64(recordHeaderSize + len(payload))

	if actual := crc32.ChecksumIEEE(payload); actual != expectedCRC {
		return nil, fmt.Errorf("%w: CRC mismatch: expected %x, got %x", errCorrupt, expectedCRC, actual)
	}

	samples, err := decodeSamples(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errCorrupt, err)
	}

	r.stats.RecordsRead++
	r.stats.SamplesRead += int64(len(samples))

	return samples, nil
}

// ReadAll reads every intact record of the segment. Corrupt records are
// skipped; a torn record ends the segment.
func (r *Reader) ReadAll() ([]types.Sample, error) {
	var all []types.Sample
	err := r.each(func(samples []types.Sample) error {
		all = append(all, samples...)
		return nil
	})
	return all, err
}

func (r *Reader) each(fn func([]types.Sample) error) error {
	for {
		samples, err := r.ReadRecord()
		switch {
		case err == io.EOF:
			return nil
		case err == io.ErrUnexpectedEOF:
			r.stats.TornTail = true
			log.Warn("torn record at segment end", "path", r.path)
			return nil
		case errors.Is(err, errCorrupt):
			r.stats.CorruptRecords++
			log.Warn("skipping corrupt record", "path", r.path, "error", err)
			continue
		case err != nil:
			return fmt.Errorf("read %s: %w", r.path, err)
		}
		if err := fn(samples); err != nil {
			return err
		}
	}
}

// Samples returns the samples of the segment as an iterator. Closing the
// iterator closes the reader.
func (r *Reader) Samples() iter.Iterator[types.Sample] {
	var batch []types.Sample
	return iter.FromFunc(func() (types.Sample, bool, error) {
		for len(batch) == 0 {
			samples, err := r.ReadRecord()
			switch {
			case err == io.EOF:
				return types.Sample{}, false, nil
			case err == io.ErrUnexpectedEOF:
				r.stats.TornTail = true
				return types.Sample{}, false, nil
			case errors.Is(err, errCorrupt):
				r.stats.CorruptRecords++
				continue
			case err != nil:
				return types.Sample{}, false, err
			}
			batch = samples
		}
		s := batch[0]
		batch = batch[1:]
		return s, true, nil
	}, r.Close)
}

// Close closes the reader.
func (r *Reader) Close() error {
	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		return err
	}
	return nil
}

// Stats returns reader statistics.
func (r *Reader) Stats() ReaderStats {
	return r.stats
}

// Path returns the segment path.
func (r *Reader) Path() string {
	return r.path
}

// ReadSegment reads all intact samples of a segment file.
func ReadSegment(path string) ([]types.Sample, error) {
	r, err := NewReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return r.ReadAll()
}

// Replay calls fn with every intact record of the segments in dir, oldest
// first, and returns the number of samples replayed.
func Replay(dir string, fn func([]types.Sample) error) (int, error) {
	paths, err := ListSegments(dir)
	if err != nil {
		return 0, fmt.Errorf("list segments: %w", err)
	}

	n := 0
	for _, path := range paths {
		r, err := NewReader(path)
		if err != nil {
			// A crash can leave a segment without a complete header.
			log.Warn("skipping unreadable segment", "path", path, "error", err)
			continue
		}
		err = r.each(func(samples []types.Sample) error {
			n += len(samples)
			return fn(samples)
		})
		r.Close()
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
