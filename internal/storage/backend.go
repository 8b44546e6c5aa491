package storage

import (
	"cmp"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/xtxerr/historian/internal/errors"
	"github.com/xtxerr/historian/internal/storage/buffer"
	"github.com/xtxerr/historian/internal/storage/config"
	"github.com/xtxerr/historian/internal/storage/ingestion"
	"github.com/xtxerr/historian/internal/storage/parquet"
	"github.com/xtxerr/historian/internal/storage/retention"
	"github.com/xtxerr/historian/internal/storage/types"
	"github.com/xtxerr/historian/internal/store"
	"github.com/xtxerr/historian/internal/store/kv"
)

// Registry resolves points.
type Registry interface {
	CreatePoint(ctx context.Context, p *types.Point) error
	GetPoint(ctx context.Context, id types.SeriesID) (types.Point, error)
	GetPointByXID(ctx context.Context, xid string) (types.Point, error)
	ListPoints(ctx context.Context) ([]types.Point, error)
}

// Backend is a sample store with a point registry.
type Backend interface {
	Registry
	ingestion.Sink
	retention.SampleStore
	Close() error
}

var (
	_ Backend = (*store.Store)(nil)
	_ Backend = (*kv.Store)(nil)
	_ Backend = (*memoryBackend)(nil)
)

// openBackend opens the sample store selected by cfg.
func openBackend(cfg *config.Config) (Backend, error) {
	switch cfg.Store.Backend {
	case config.BackendDuckDB:
		sc := store.DefaultConfig()
		sc.DSN = cfg.Store.DSN
		sc.QueryTimeout = cfg.Query.Timeout
		sc.PointCacheSize = cfg.Store.PointCacheSize
		s, err := store.New(sc)
		if err != nil {
			return nil, err
		}
		return s, nil

	case config.BackendBadger:
		kc := kv.DefaultConfig()
		kc.Path = cfg.KVDir()
		if cfg.Features.Compression.Algorithm == "zstd" && cfg.Features.Compression.Level > 0 {
			kc.CompressionLevel = cfg.Features.Compression.Level
		}
		s, err := kv.Open(kc)
		if err != nil {
			return nil, err
		}
		return s, nil

	case config.BackendMemory:
		m, err := openMemoryBackend(cfg.Store.BufferCapacity, filepath.Join(cfg.DataDir, "buffer.parquet"), parquetOptions(cfg))
		if err != nil {
			return nil, err
		}
		return m, nil

	default:
		return nil, errors.NewValidation("store.backend", fmt.Sprintf("unknown backend %q", cfg.Store.Backend))
	}
}

// parquetOptions returns the file options of rollups and snapshots.
func parquetOptions(cfg *config.Config) parquet.Options {
	opts := parquet.DefaultOptions()
	opts.Compression = parquet.ParseCompressionType(cfg.Features.Compression.Algorithm)
	opts.CompressionLevel = cfg.Features.Compression.Level
	return opts
}

// =============================================================================
// Memory Backend
// =============================================================================

// memoryBackend keeps samples in a ring buffer and points in a map. The
// buffer is saved to a snapshot on Close and loaded again on open.
type memoryBackend struct {
	*buffer.RingBuffer

	snapshot string
	opts     parquet.Options

	mu     sync.RWMutex
	points map[types.SeriesID]types.Point
	xids   map[string]types.SeriesID
	nextID types.SeriesID
}

func openMemoryBackend(capacity int, snapshot string, opts parquet.Options) (*memoryBackend, error) {
	if capacity <= 0 {
		return nil, errors.NewValidation("store.buffer_capacity", "must be positive")
	}
	m := &memoryBackend{
		RingBuffer: buffer.New(capacity),
		snapshot:   snapshot,
		opts:       opts,
		points:     make(map[types.SeriesID]types.Point),
		xids:       make(map[string]types.SeriesID),
		nextID:     1,
	}
	if snapshot != "" {
		if _, err := os.Stat(snapshot); err == nil {
			if _, err := m.Load(snapshot); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

// CreatePoint registers p. A zero ID is assigned and written back into p.
func (m *memoryBackend) CreatePoint(_ context.Context, p *types.Point) error {
	if p.XID == "" {
		return errors.NewMissingField("xid")
	}
	if _, err := types.ParseDataType(p.DataType.String()); err != nil {
		return errors.NewValidation("data_type", err.Error())
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.xids[p.XID]; ok {
		return errors.NewValidation("xid", fmt.Sprintf("%q already exists", p.XID))
	}
	id := p.ID
	if id == 0 {
		for m.points[m.nextID].ID != 0 {
			m.nextID++
		}
		id = m.nextID
	}
	if _, ok := m.points[id]; ok {
		return errors.NewValidation("id", fmt.Sprintf("%d already exists", id))
	}

	p.ID = id
	m.points[id] = *p
	m.xids[p.XID] = id
	return nil
}

func (m *memoryBackend) GetPoint(_ context.Context, id types.SeriesID) (types.Point, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.points[id]
	if !ok {
		return types.Point{}, fmt.Errorf("point %d: %w", id, errors.ErrPointNotFound)
	}
	return p, nil
}

func (m *memoryBackend) GetPointByXID(_ context.Context, xid string) (types.Point, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.xids[xid]
	if !ok {
		return types.Point{}, fmt.Errorf("point %q: %w", xid, errors.ErrPointNotFound)
	}
	return m.points[id], nil
}

// ListPoints returns all points ordered by ID.
func (m *memoryBackend) ListPoints(context.Context) ([]types.Point, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	points := make([]types.Point, 0, len(m.points))
	for _, p := range m.points {
		points = append(points, p)
	}
	slices.SortFunc(points, func(a, b types.Point) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return points, nil
}

// Close saves the buffer to the snapshot file.
func (m *memoryBackend) Close() error {
	if m.snapshot == "" || m.Len() == 0 {
		return nil
	}
	return m.Save(m.snapshot, m.opts)
}
