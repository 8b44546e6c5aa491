// Package wal is a write-ahead log for samples that are accepted but not
// yet written to the sample store. Segments are replayed on start and
// removed once their samples are stored.
package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/xtxerr/historian/internal/errors"
	"github.com/xtxerr/historian/internal/logging"
	"github.com/xtxerr/historian/internal/storage/types"
)

var log = logging.Component("wal")

// Writer appends sample batches to segment files. Each segment is a header
// followed by records carrying a CRC checksum.
//
// File format:
//   - Header: 8 bytes magic + 4 bytes version
//   - Records: [4 bytes length][4 bytes crc32][payload]
type Writer struct {
	mu sync.Mutex

	dir            string
	currentSegment *os.File
	currentPath    string
	currentSize    int64
	segmentSeq     int64
	closed         bool

	writer *bufio.Writer

	opts Options

	stop chan struct{}
	done chan struct{}

	// Statistics
	stats WriterStats
}

// Sync modes.
const (
	SyncAsync = "async" // buffered, flushed every SyncInterval
	SyncWrite = "sync"  // flushed to the OS after each batch
	SyncFsync = "fsync" // flushed and fsynced after each batch
)

// Options configures the WAL writer.
type Options struct {
	// MaxSegmentSize is the maximum size of a segment file before rotation.
	// Default: 64MB
	MaxSegmentSize int64

	// SyncMode is one of SyncAsync, SyncWrite, SyncFsync.
	SyncMode string

	// SyncInterval is the flush interval of SyncAsync.
	// Default: 1s
	SyncInterval time.Duration

	// BufferSize is the size of the write buffer.
	// Default: 64KB
	BufferSize int
}

// DefaultOptions returns default WAL options.
func DefaultOptions() Options {
	return Options{
		MaxSegmentSize: 64 * 1024 * 1024,
		SyncMode:       SyncAsync,
		SyncInterval:   time.Second,
		BufferSize:     64 * 1024,
	}
}

// WriterStats holds WAL writer statistics.
type WriterStats struct {
	SegmentsCreated int64
	SegmentsDeleted int64
	RecordsWritten  int64
	BytesWritten    int64
	SyncsPerformed  int64
	Errors          int64
}

const (
	walMagic         = 0x48535457414C0001 // "HSTWAL" + version 1
	walVersion       = 1
	headerSize       = 12 // 8 bytes magic + 4 bytes version
	recordHeaderSize = 8  // 4 bytes length + 4 bytes crc
	maxRecordSize    = 256 * 1024 * 1024
)

// NewWriter opens a writer on dir. Existing segments are left in place for
// replay; writing starts in a new segment.
func NewWriter(dir string, opts Options) (*Writer, error) {
	def := DefaultOptions()
	if opts.MaxSegmentSize <= 0 {
		opts.MaxSegmentSize = def.MaxSegmentSize
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = def.BufferSize
	}
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = def.SyncInterval
	}
	switch opts.SyncMode {
	case "":
		opts.SyncMode = SyncAsync
	case SyncAsync, SyncWrite, SyncFsync:
	default:
		return nil, errors.NewValidation("sync_mode", fmt.Sprintf("unknown mode %q", opts.SyncMode))
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create wal dir: %w", err)
	}

	w := &Writer{
		dir:  dir,
		opts: opts,
	}

	segments, err := listSegments(dir)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	if len(segments) > 0 {
		w.segmentSeq = segments[len(segments)-1].seq + 1
	}

	if err := w.rotateUnlocked(); err != nil {
		return nil, fmt.Errorf("create initial segment: %w", err)
	}

	if opts.SyncMode == SyncAsync {
		w.stop = make(chan struct{})
		w.done = make(chan struct{})
		go w.syncLoop()
	}

	return w, nil
}

func (w *Writer) syncLoop() {
	defer close(w.done)

	ticker := time.NewTicker(w.opts.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			if err := w.Sync(); err != nil {
				log.Warn("wal sync failed", "error", err)
			}
		}
	}
}

// Write appends samples as one record.
func (w *Writer) Write(samples []types.Sample) error {
	if len(samples) == 0 {
		return nil
	}

	payload, err := encodeSamples(samples)
	if err != nil {
		return fmt.Errorf("encode samples: %w: %w", errors.ErrUnsupportedDataType, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("wal: %w", errors.ErrClosed)
	}

	recordSize := int64(recordHeaderSize + len(payload))
	if w.currentSize > headerSize && w.currentSize+recordSize > w.opts.MaxSegmentSize {
		if err := w.rotateUnlocked(); err != nil {
			w.stats.Errors++
			return fmt.Errorf("rotate segment: %w", err)
		}
	}

	if err := w.writeRecord(payload); err != nil {
		w.stats.Errors++
		return fmt.Errorf("write record: %w", err)
	}

	w.stats.RecordsWritten++
	w.stats.BytesWritten += recordSize

	if w.opts.SyncMode != SyncAsync {
		if err := w.syncUnlocked(); err != nil {
			w.stats.Errors++
			return fmt.Errorf("sync: %w", err)
		}
	}

	return nil
}

func (w *Writer) writeRecord(payload []byte) error {
	var header [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[4:8], crc32.ChecksumIEEE(payload))

	if _, err := w.writer.Write(header[:]); err != nil {
		return err
	}
	if _, err := w.writer.Write(payload); err != nil {
		return err
	}

	w.currentSize += int64(recordHeaderSize + len(payload))
	return nil
}

// Sync flushes buffered records to the segment file.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	return w.syncUnlocked()
}

func (w *Writer) syncUnlocked() error {
	if w.writer == nil {
		return nil
	}

	if err := w.writer.Flush(); err != nil {
		return err
	}

	if w.opts.SyncMode == SyncFsync {
		if err := w.currentSegment.Sync(); err != nil {
			return err
		}
	}

	w.stats.SyncsPerformed++
	return nil
}

// Checkpoint starts a new segment and deletes all earlier ones. Callers
// invoke it once every logged sample has reached the store.
func (w *Writer) Checkpoint() (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, fmt.Errorf("wal: %w", errors.ErrClosed)
	}

	// An empty current segment is reused.
	if w.currentSize > headerSize {
		if err := w.rotateUnlocked(); err != nil {
			return 0, fmt.Errorf("rotate segment: %w", err)
		}
	}

	segments, err := listSegments(w.dir)
	if err != nil {
		return 0, fmt.Errorf("list segments: %w", err)
	}

	deleted := 0
	for _, s := range segments {
		if s.path == w.currentPath {
			continue
		}
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			w.stats.Errors++
			return deleted, fmt.Errorf("delete segment %s: %w", s.path, err)
		}
		deleted++
	}
	w.stats.SegmentsDeleted += int64(deleted)

	return deleted, nil
}

func (w *Writer) rotateUnlocked() error {
	if w.currentSegment != nil {
		var cc errors.CloseCollector
		if w.writer != nil {
			cc.Add(w.writer.Flush())
		}
		cc.Add(w.currentSegment.Close())
		w.currentSegment = nil
		if err := cc.Err(); err != nil {
			return fmt.Errorf("close segment %s: %w", w.currentPath, err)
		}
	}

	segmentPath := filepath.Join(w.dir, fmt.Sprintf("%016d.wal", w.segmentSeq))

	f, err := os.OpenFile(segmentPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("create segment %s: %w", segmentPath, err)
	}

	var header [headerSize]byte
	binary.LittleEndian.PutUint64(header[0:8], walMagic)
	binary.LittleEndian.PutUint32(header[8:12], walVersion)

	if _, err := f.Write(header[:]); err != nil {
		f.Close()
		os.Remove(segmentPath)
		return fmt.Errorf("write header: %w", err)
	}

	w.currentSegment = f
	w.currentPath = segmentPath
	w.currentSize = headerSize
	w.writer = bufio.NewWriterSize(f, w.opts.BufferSize)
	w.segmentSeq++
	w.stats.SegmentsCreated++

	return nil
}

// Close flushes and closes the current segment. Close is idempotent.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true

	var cc errors.CloseCollector
	if w.writer != nil {
		cc.Add(w.writer.Flush())
	}
	if w.currentSegment != nil {
		cc.Add(w.currentSegment.Close())
	}
	w.mu.Unlock()

	if w.stop != nil {
		close(w.stop)
		<-w.done
	}

	return cc.Err()
}

// Stats returns writer statistics.
func (w *Writer) Stats() WriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// CurrentSegment returns the current segment path.
func (w *Writer) CurrentSegment() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentPath
}

// segmentInfo holds information about a segment file.
type segmentInfo struct {
	path string
	seq  int64
	size int64
}

// listSegments returns the segment files of dir ordered by sequence.
func listSegments(dir string) ([]segmentInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var segments []segmentInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if len(name) != 20 || name[16:] != ".wal" {
			continue
		}

		var seq int64
		if _, err := fmt.Sscanf(name, "%016d.wal", &seq); err != nil {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		segments = append(segments, segmentInfo{
			path: filepath.Join(dir, name),
			seq:  seq,
			size: info.Size(),
		})
	}

	sort.Slice(segments, func(i, j int) bool {
		return segments[i].seq < segments[j].seq
	})

	return segments, nil
}

// ListSegments returns all segment file paths of dir in order.
func ListSegments(dir string) ([]string, error) {
	segments, err := listSegments(dir)
	if err != nil {
		return nil, err
	}

	paths := make([]string, len(segments))
	for i, s := range segments {
		paths[i] = s.path
	}
	return paths, nil
}
