// Package storage wires the historian engine together: a sample backend
// with its point registry, the write path, the query services, the rollup
// engine and retention.
//
// Architecture:
//
//	┌─────────────┐     ┌─────────────┐     ┌─────────────┐
//	│  Ingestion  │────▶│  Queue/WAL  │────▶│   Backend   │
//	│   Service   │     │             │     │ duckdb/kv/  │
//	└─────────────┘     └─────────────┘     │   memory    │
//	                                        └──────┬──────┘
//	                                               │
//	                    ┌─────────────┐     ┌──────▼──────┐
//	                    │   Rollup    │◀────│    Query    │
//	                    │   Parquet   │────▶│  (boundary) │
//	                    └─────────────┘     └─────────────┘
//
// Samples are queued and logged to the write-ahead log, then flushed to the
// backend in batches. Queries read raw samples through value cursors and
// aggregate them on the fly. With pre-aggregation enabled, the rollup
// engine materializes aggregates of a native period into Parquet files and
// the boundary service answers the range before the pre-aggregation
// boundary from them.
package storage
