// Package catalog indexes saved snapshots in PostgreSQL so user
// interfaces can list and restore them across daemon restarts. The
// snapshot documents themselves stay on disk; the catalog holds metadata
// only and is entirely optional.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantfold/backcast/internal/snapshot"
)

// Record is one catalog row describing a saved snapshot.
type Record struct {
	SnapshotID    string
	BacktestID    string
	Path          string
	Description   string
	EventSequence uint64
	DataIndex     int
	DataTimestamp time.Time
	CreatedAt     time.Time
}

// Store is a PostgreSQL-backed snapshot catalog.
type Store struct {
	pool *pgxpool.Pool
}

// New constructs a catalog store over the given connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Connect dials the catalog database.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect snapshot catalog: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping snapshot catalog: %w", err)
	}
	return New(pool), nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

// RecordSnapshot inserts a catalog row for a saved snapshot. It satisfies
// the replay controller's snapshot recorder hook.
func (s *Store) RecordSnapshot(ctx context.Context, snap *snapshot.Snapshot, path string) error {
	if snap == nil {
		return errors.New("catalog: snapshot required")
	}
	const query = `
INSERT INTO snapshot_catalog (snapshot_id, backtest_id, path, description, event_sequence, data_index, data_timestamp, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (snapshot_id) DO UPDATE SET path = EXCLUDED.path, description = EXCLUDED.description`

	_, err := s.pool.Exec(ctx, query,
		snap.SnapshotID,
		snap.BacktestID,
		path,
		snap.Description,
		int64(snap.EventSequence),
		int64(snap.DataIndex),
		snap.DataTimestamp,
		snap.CreateTime,
	)
	if err != nil {
		return fmt.Errorf("record snapshot %s: %w", snap.SnapshotID, err)
	}
	return nil
}

// List returns catalog rows, newest first, optionally filtered to one
// backtest.
func (s *Store) List(ctx context.Context, backtestID string) ([]Record, error) {
	const base = `
SELECT snapshot_id, backtest_id, path, description, event_sequence, data_index, data_timestamp, created_at
FROM snapshot_catalog`

	var rows pgx.Rows
	var err error
	if backtestID == "" {
		rows, err = s.pool.Query(ctx, base+" ORDER BY created_at DESC")
	} else {
		rows, err = s.pool.Query(ctx, base+" WHERE backtest_id = $1 ORDER BY created_at DESC", backtestID)
	}
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var eventSeq, dataIndex int64
		if err := rows.Scan(&rec.SnapshotID, &rec.BacktestID, &rec.Path, &rec.Description,
			&eventSeq, &dataIndex, &rec.DataTimestamp, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan snapshot row: %w", err)
		}
		rec.EventSequence = uint64(eventSeq)
		rec.DataIndex = int(dataIndex)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshot rows: %w", err)
	}
	return records, nil
}

// Delete removes one catalog row, reporting whether it existed.
func (s *Store) Delete(ctx context.Context, snapshotID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM snapshot_catalog WHERE snapshot_id = $1", snapshotID)
	if err != nil {
		return false, fmt.Errorf("delete snapshot %s: %w", snapshotID, err)
	}
	return tag.RowsAffected() > 0, nil
}
