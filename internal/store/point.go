package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/xtxerr/historian/internal/errors"
	"github.com/xtxerr/historian/internal/storage/types"
)

// =============================================================================
// Point Registry
// =============================================================================

// CreatePoint inserts a point. A zero ID is assigned from the point
// sequence and written back into p.
func (s *Store) CreatePoint(ctx context.Context, p *types.Point) error {
	if p.XID == "" {
		return errors.NewMissingField("xid")
	}
	if _, err := types.ParseDataType(p.DataType.String()); err != nil {
		return errors.NewValidation("data_type", err.Error())
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var err error
	if p.ID == 0 {
		var id int64
		err = s.db.QueryRowContext(ctx, `
			INSERT INTO points (id, xid, name, data_type, unit)
			VALUES (nextval('point_id_seq'), ?, ?, ?, ?)
			RETURNING id
		`, p.XID, p.Name, int(p.DataType), p.Unit).Scan(&id)
		p.ID = types.SeriesID(id)
	} else {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO points (id, xid, name, data_type, unit)
			VALUES (?, ?, ?, ?, ?)
		`, int64(p.ID), p.XID, p.Name, int(p.DataType), p.Unit)
	}
	if err != nil {
		return errors.NewStoreError("insert point", err)
	}

	s.points.Add(p.ID, *p)
	log.Debug("point created", "point", p.String(), "id", p.ID, "data_type", p.DataType.String())
	return nil
}

// GetPoint returns the point with the given ID, from the cache when
// possible.
func (s *Store) GetPoint(ctx context.Context, id types.SeriesID) (types.Point, error) {
	if v, ok := s.points.Get(id); ok {
		return v.(types.Point), nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, xid, name, data_type, unit FROM points WHERE id = ?
	`, int64(id))
	p, err := scanPoint(row)
	if err == sql.ErrNoRows {
		return types.Point{}, fmt.Errorf("point %d: %w", id, ErrPointNotFound)
	}
	if err != nil {
		return types.Point{}, errors.NewStoreError("get point", err)
	}

	s.points.Add(p.ID, p)
	return p, nil
}

// GetPointByXID returns the point with the given external identifier.
func (s *Store) GetPointByXID(ctx context.Context, xid string) (types.Point, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, xid, name, data_type, unit FROM points WHERE xid = ?
	`, xid)
	p, err := scanPoint(row)
	if err == sql.ErrNoRows {
		return types.Point{}, fmt.Errorf("point %q: %w", xid, ErrPointNotFound)
	}
	if err != nil {
		return types.Point{}, errors.NewStoreError("get point", err)
	}

	s.points.Add(p.ID, p)
	return p, nil
}

// ListPoints returns all points ordered by ID.
func (s *Store) ListPoints(ctx context.Context) ([]types.Point, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, xid, name, data_type, unit FROM points ORDER BY id
	`)
	if err != nil {
		return nil, errors.NewStoreError("list points", err)
	}
	defer rows.Close()

	var points []types.Point
	for rows.Next() {
		p, err := scanPoint(rows)
		if err != nil {
			return nil, errors.NewStoreError("scan point", err)
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// DeletePoint removes a point and its samples.
func (s *Store) DeletePoint(ctx context.Context, id types.SeriesID) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var deleted int64
	err := s.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM samples WHERE series_id = ?`, int64(id)); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM points WHERE id = ?`, int64(id))
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	s.points.Remove(id)
	if err != nil {
		return errors.NewStoreError("delete point", err)
	}
	if deleted == 0 {
		return fmt.Errorf("point %d: %w", id, ErrPointNotFound)
	}
	return nil
}

// CachedPoints returns the number of points in the metadata cache.
func (s *Store) CachedPoints() int {
	return s.points.Len()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPoint(row rowScanner) (types.Point, error) {
	var (
		p        types.Point
		id       int64
		dataType int
	)
	if err := row.Scan(&id, &p.XID, &p.Name, &dataType, &p.Unit); err != nil {
		return types.Point{}, err
	}
	p.ID = types.SeriesID(id)
	p.DataType = types.DataType(dataType)
	return p, nil
}
