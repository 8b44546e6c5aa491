// Package buffer holds recent samples in memory. RingBuffer implements the
// cursor store contract, so queries can run directly against it, and can be
// saved to and restored from a Parquet snapshot.
package buffer

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/historian/internal/errors"
	"github.com/xtxerr/historian/internal/logging"
	"github.com/xtxerr/historian/internal/storage/cursor"
	"github.com/xtxerr/historian/internal/storage/parquet"
	"github.com/xtxerr/historian/internal/storage/types"
)

var log = logging.Component("buffer")

// RingBuffer is a thread-safe circular buffer for samples.
// It uses a simple mutex-based approach for correctness.
type RingBuffer struct {
	mu       sync.RWMutex
	data     []types.Sample
	head     int64 // Next write position
	tail     int64 // Oldest data position
	count    int64 // Current number of elements
	capacity int64

	// Statistics
	pushCount  atomic.Int64
	popCount   atomic.Int64
	dropCount  atomic.Int64
	fetchCount atomic.Int64
}

var _ cursor.Store = (*RingBuffer)(nil)

// New creates a new RingBuffer with the given capacity.
func New(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 1024
	}
	return &RingBuffer{
		data:     make([]types.Sample, capacity),
		capacity: int64(capacity),
	}
}

// Push adds a sample to the buffer.
// Returns false if the buffer is full and the sample was dropped.
func (rb *RingBuffer) Push(sample types.Sample) bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.count >= rb.capacity {
		rb.dropCount.Add(1)
		return false
	}

	rb.put(sample)
	return true
}

// PushOverwrite adds a sample to the buffer, overwriting oldest if full.
func (rb *RingBuffer) PushOverwrite(sample types.Sample) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.count >= rb.capacity {
		// Overwrite oldest
		rb.tail++
		rb.count--
		rb.dropCount.Add(1)
	}

	rb.put(sample)
}

// put writes at head. Callers hold the write lock and ensure room.
func (rb *RingBuffer) put(sample types.Sample) {
	idx := rb.head % rb.capacity
	rb.data[idx] = sample
	rb.head++
	rb.count++
	rb.pushCount.Add(1)
}

// Pop removes and returns the oldest sample.
// Returns false if the buffer is empty.
func (rb *RingBuffer) Pop() (types.Sample, bool) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.count == 0 {
		return types.Sample{}, false
	}

	idx := rb.tail % rb.capacity
	sample := rb.data[idx]
	rb.data[idx] = types.Sample{}
	rb.tail++
	rb.count--
	rb.popCount.Add(1)

	return sample, true
}

// PopN removes and returns up to n oldest samples.
func (rb *RingBuffer) PopN(n int) []types.Sample {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.count == 0 || n <= 0 {
		return nil
	}

	count := int64(n)
	if count > rb.count {
		count = rb.count
	}

	result := make([]types.Sample, count)
	for i := int64(0); i < count; i++ {
		idx := (rb.tail + i) % rb.capacity
		result[i] = rb.data[idx]
		rb.data[idx] = types.Sample{}
	}

	rb.tail += count
	rb.count -= count
	rb.popCount.Add(count)

	return result
}

// Peek returns the oldest sample without removing it.
// Returns false if the buffer is empty.
func (rb *RingBuffer) Peek() (types.Sample, bool) {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if rb.count == 0 {
		return types.Sample{}, false
	}

	idx := rb.tail % rb.capacity
	return rb.data[idx], true
}

// PeekNewest returns the newest sample without removing it.
// Returns false if the buffer is empty.
func (rb *RingBuffer) PeekNewest() (types.Sample, bool) {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if rb.count == 0 {
		return types.Sample{}, false
	}

	idx := (rb.head - 1) % rb.capacity
	return rb.data[idx], true
}

// Len returns the current number of samples in the buffer.
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return int(rb.count)
}

// Cap returns the capacity of the buffer.
func (rb *RingBuffer) Cap() int {
	return int(rb.capacity)
}

// IsFull returns true if the buffer is full.
func (rb *RingBuffer) IsFull() bool {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count >= rb.capacity
}

// Clear removes all samples from the buffer.
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	clear(rb.data)
	rb.head = 0
	rb.tail = 0
	rb.count = 0
}

// UsageRatio returns the fill ratio of the buffer, between 0 and 1.
func (rb *RingBuffer) UsageRatio() float64 {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return float64(rb.count) / float64(rb.capacity)
}

// Write pushes samples, overwriting the oldest when full. It makes the
// buffer usable as the sample store of the memory backend.
func (rb *RingBuffer) Write(ctx context.Context, samples []types.Sample) error {
	for i, s := range samples {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		rb.PushOverwrite(s)
	}
	return nil
}

// Stats returns buffer statistics.
func (rb *RingBuffer) Stats() BufferStats {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	return BufferStats{
		Capacity:   int(rb.capacity),
		Count:      int(rb.count),
		UsageRatio: float64(rb.count) / float64(rb.capacity),
		PushCount:  rb.pushCount.Load(),
		PopCount:   rb.popCount.Load(),
		DropCount:  rb.dropCount.Load(),
		FetchCount: rb.fetchCount.Load(),
	}
}

// BufferStats holds buffer statistics.
type BufferStats struct {
	Capacity   int
	Count      int
	UsageRatio float64
	PushCount  int64
	PopCount   int64
	DropCount  int64
	FetchCount int64
}

// =============================================================================
// Store contract
// =============================================================================

// FetchSamples implements cursor.Store. Samples may have been pushed in any
// order; they are sorted by req.Order with ties broken by ascending series ID.
func (rb *RingBuffer) FetchSamples(ctx context.Context, req cursor.FetchRequest, fn func(types.Sample) error) error {
	rb.fetchCount.Add(1)

	matches := rb.collect(req)
	slices.SortStableFunc(matches, req.Order.CompareSamples)

	for i, s := range matches {
		if req.Limit != nil && i >= *req.Limit {
			break
		}
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if err := fn(s); err != nil {
			return err
		}
	}
	return nil
}

func (rb *RingBuffer) collect(req cursor.FetchRequest) []types.Sample {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	var out []types.Sample
	for i := int64(0); i < rb.count; i++ {
		s := rb.data[(rb.tail+i)%rb.capacity]
		if req.Contains(s.TimestampMs) && slices.Contains(req.Points, s.SeriesID) {
			out = append(out, s)
		}
	}
	return out
}

// Series returns the distinct series in the buffer in ascending order.
func (rb *RingBuffer) Series() []types.SeriesID {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	seen := make(map[types.SeriesID]struct{})
	for i := int64(0); i < rb.count; i++ {
		seen[rb.data[(rb.tail+i)%rb.capacity].SeriesID] = struct{}{}
	}

	out := make([]types.SeriesID, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// EvictOlderThan removes the oldest pushed samples while their timestamp is
// before cutoffMs. Returns the number of samples evicted.
func (rb *RingBuffer) EvictOlderThan(cutoffMs int64) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	evicted := 0
	for rb.count > 0 {
		idx := rb.tail % rb.capacity
		if rb.data[idx].TimestampMs >= cutoffMs {
			break
		}
		rb.data[idx] = types.Sample{}
		rb.tail++
		rb.count--
		evicted++
	}

	return evicted
}

// DeleteSamplesBefore removes the samples of series older than beforeMs,
// keeping the order of the rest. Returns the number of samples removed.
func (rb *RingBuffer) DeleteSamplesBefore(ctx context.Context, series types.SeriesID, beforeMs int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()

	kept := int64(0)
	for i := int64(0); i < rb.count; i++ {
		s := rb.data[(rb.tail+i)%rb.capacity]
		if s.SeriesID == series && s.TimestampMs < beforeMs {
			continue
		}
		rb.data[(rb.tail+kept)%rb.capacity] = s
		kept++
	}

	removed := rb.count - kept
	for i := kept; i < rb.count; i++ {
		rb.data[(rb.tail+i)%rb.capacity] = types.Sample{}
	}
	rb.count = kept
	rb.head = rb.tail + kept
	return removed, nil
}

// TimeRange returns the oldest and newest timestamps in the buffer.
// Returns false if the buffer is empty.
func (rb *RingBuffer) TimeRange() (oldest, newest int64, ok bool) {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if rb.count == 0 {
		return 0, 0, false
	}

	oldest = rb.data[rb.tail%rb.capacity].TimestampMs
	newest = oldest
	for i := int64(0); i < rb.count; i++ {
		ts := rb.data[(rb.tail+i)%rb.capacity].TimestampMs
		oldest = min(oldest, ts)
		newest = max(newest, ts)
	}
	return oldest, newest, true
}

// Duration returns the time duration covered by samples in the buffer.
func (rb *RingBuffer) Duration() time.Duration {
	oldest, newest, ok := rb.TimeRange()
	if !ok {
		return 0
	}
	return time.Duration(newest-oldest) * time.Millisecond
}

// =============================================================================
// Snapshots
// =============================================================================

// snapshotBatch is the number of samples written or read per Parquet call.
const snapshotBatch = 4096

// Save writes the buffered samples, oldest first, to a Parquet file.
func (rb *RingBuffer) Save(path string, opts parquet.Options) error {
	rb.mu.RLock()
	samples := make([]types.Sample, 0, rb.count)
	for i := int64(0); i < rb.count; i++ {
		samples = append(samples, rb.data[(rb.tail+i)%rb.capacity])
	}
	rb.mu.RUnlock()

	w, err := parquet.NewSampleWriter(path, opts)
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	for len(samples) > 0 {
		n := min(len(samples), snapshotBatch)
		if err := w.Write(samples[:n]); err != nil {
			w.Close()
			return fmt.Errorf("write snapshot: %w", err)
		}
		samples = samples[n:]
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}

	log.Info("buffer snapshot saved", "path", path, "samples", w.RowCount())
	return nil
}

// Load pushes the samples of a snapshot written by Save, overwriting the
// oldest samples when the snapshot exceeds the free capacity. It returns the
// number of samples read.
func (rb *RingBuffer) Load(path string) (int, error) {
	r, err := parquet.NewSampleReader(path)
	if err != nil {
		return 0, errors.NewStoreError("open snapshot", err)
	}
	defer r.Close()

	samples, err := r.ReadAll()
	if err != nil {
		return 0, errors.NewStoreError("read snapshot", err)
	}
	for _, s := range samples {
		rb.PushOverwrite(s)
	}

	log.Info("buffer snapshot loaded", "path", path, "samples", len(samples))
	return len(samples), nil
}
