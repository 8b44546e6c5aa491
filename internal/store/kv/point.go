package kv

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/xtxerr/historian/internal/errors"
	"github.com/xtxerr/historian/internal/storage/types"
)

const (
	pointPrefix = 'p'
	xidPrefix   = 'x'
	pointSeqKey = "seq/points"
)

type pointRecord struct {
	XID      string `json:"xid"`
	Name     string `json:"name,omitempty"`
	DataType int    `json:"data_type"`
	Unit     string `json:"unit,omitempty"`
}

func pointKey(id types.SeriesID) []byte {
	return binary.BigEndian.AppendUint64([]byte{pointPrefix}, uint64(id))
}

func xidKey(xid string) []byte {
	return append([]byte{xidPrefix}, xid...)
}

// CreatePoint stores a point. A zero ID is assigned from the point sequence
// and written back into p.
func (s *Store) CreatePoint(ctx context.Context, p *types.Point) error {
	if p.XID == "" {
		return errors.NewMissingField("xid")
	}
	if _, err := types.ParseDataType(p.DataType.String()); err != nil {
		return errors.NewValidation("data_type", err.Error())
	}

	id := p.ID
	if id == 0 {
		next, err := s.seq.Next()
		if err != nil {
			return errors.NewStoreError("next point id", err)
		}
		id = types.SeriesID(next + 1)
	}

	rec, err := json.Marshal(pointRecord{XID: p.XID, Name: p.Name, DataType: int(p.DataType), Unit: p.Unit})
	if err != nil {
		return fmt.Errorf("marshal point: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(xidKey(p.XID)); err == nil {
			return errors.NewValidation("xid", fmt.Sprintf("%q already exists", p.XID))
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		if _, err := txn.Get(pointKey(id)); err == nil {
			return errors.NewValidation("id", fmt.Sprintf("%d already exists", id))
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		if err := txn.Set(pointKey(id), rec); err != nil {
			return err
		}
		return txn.Set(xidKey(p.XID), binary.BigEndian.AppendUint64(nil, uint64(id)))
	})
	if err != nil {
		if errors.IsConfigError(err) {
			return err
		}
		return errors.NewStoreError("insert point", err)
	}

	p.ID = id
	return nil
}

// GetPoint returns the point with the given ID.
func (s *Store) GetPoint(ctx context.Context, id types.SeriesID) (types.Point, error) {
	var p types.Point
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		p, err = readPoint(txn, id)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return types.Point{}, fmt.Errorf("point %d: %w", id, errors.ErrPointNotFound)
	}
	if err != nil {
		return types.Point{}, errors.NewStoreError("get point", err)
	}
	return p, nil
}

// GetPointByXID returns the point with the given external identifier.
func (s *Store) GetPointByXID(ctx context.Context, xid string) (types.Point, error) {
	var p types.Point
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(xidKey(xid))
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		p, err = readPoint(txn, types.SeriesID(binary.BigEndian.Uint64(raw)))
		return err
	})
	if err == badger.ErrKeyNotFound {
		return types.Point{}, fmt.Errorf("point %q: %w", xid, errors.ErrPointNotFound)
	}
	if err != nil {
		return types.Point{}, errors.NewStoreError("get point", err)
	}
	return p, nil
}

// ListPoints returns all points ordered by ID.
func (s *Store) ListPoints(ctx context.Context) ([]types.Point, error) {
	var points []types.Point
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{pointPrefix}
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			id := types.SeriesID(binary.BigEndian.Uint64(item.Key()[1:]))
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			p, err := decodePoint(id, raw)
			if err != nil {
				return err
			}
			points = append(points, p)
		}
		return nil
	})
	if err != nil {
		return nil, errors.NewStoreError("list points", err)
	}
	return points, nil
}

// DeletePoint removes a point and its samples.
func (s *Store) DeletePoint(ctx context.Context, id types.SeriesID) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		p, err := readPoint(txn, id)
		if err != nil {
			return err
		}
		if err := txn.Delete(xidKey(p.XID)); err != nil {
			return err
		}
		return txn.Delete(pointKey(id))
	})
	if err == badger.ErrKeyNotFound {
		return fmt.Errorf("point %d: %w", id, errors.ErrPointNotFound)
	}
	if err != nil {
		return errors.NewStoreError("delete point", err)
	}
	return s.DeleteSeries(ctx, id)
}

func readPoint(txn *badger.Txn, id types.SeriesID) (types.Point, error) {
	item, err := txn.Get(pointKey(id))
	if err != nil {
		return types.Point{}, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return types.Point{}, err
	}
	return decodePoint(id, raw)
}

func decodePoint(id types.SeriesID, raw []byte) (types.Point, error) {
	var rec pointRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return types.Point{}, fmt.Errorf("unmarshal point %d: %w", id, err)
	}
	return types.Point{
		ID:       id,
		XID:      rec.XID,
		Name:     rec.Name,
		DataType: types.DataType(rec.DataType),
		Unit:     rec.Unit,
	}, nil
}
