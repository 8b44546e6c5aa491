package store

import (
	"context"
	"database/sql"
	"fmt"
)

// migrate creates the tables and indices. It is idempotent.
func migrate(ctx context.Context, db *sql.DB) error {
	migrations := []struct {
		name string
		sql  string
	}{
		{
			name: "point_id_seq",
			sql:  `CREATE SEQUENCE IF NOT EXISTS point_id_seq START 1`,
		},
		{
			name: "points",
			sql: `CREATE TABLE IF NOT EXISTS points (
				id        BIGINT PRIMARY KEY,
				xid       VARCHAR NOT NULL UNIQUE,
				name      VARCHAR NOT NULL DEFAULT '',
				data_type INTEGER NOT NULL,
				unit      VARCHAR NOT NULL DEFAULT ''
			)`,
		},
		{
			name: "samples",
			sql: `CREATE TABLE IF NOT EXISTS samples (
				series_id    BIGINT NOT NULL,
				timestamp_ms BIGINT NOT NULL,
				data_type    INTEGER NOT NULL,
				value_bool   BOOLEAN,
				value_state  INTEGER,
				value_number DOUBLE,
				value_text   VARCHAR
			)`,
		},
		{
			name: "idx_samples_series_ts",
			sql:  `CREATE INDEX IF NOT EXISTS idx_samples_series_ts ON samples(series_id, timestamp_ms)`,
		},
	}

	for _, m := range migrations {
		if _, err := db.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
		log.Debug("migration applied", "name", m.name)
	}

	log.Info("schema migration completed", "migrations", len(migrations))
	return nil
}
