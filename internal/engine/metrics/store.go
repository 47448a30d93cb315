package metrics

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SnapshotStore persists periodic counter snapshots to Postgres for
// historical dashboards (SPEC_FULL.md §3 domain-stack wiring). This is
// purely additive observability — nothing in the engine reads it back to
// make a scheduling decision.
type SnapshotStore struct {
	db *sql.DB
}

// NewSnapshotStore wraps an already-opened *sql.DB (see
// internal/platform/database.DB) and ensures the snapshot table exists.
func NewSnapshotStore(ctx context.Context, db *sql.DB) (*SnapshotStore, error) {
	const ddl = `
CREATE TABLE IF NOT EXISTS engine_metrics_snapshots (
	id BIGSERIAL PRIMARY KEY,
	taken_at TIMESTAMPTZ NOT NULL,
	tasks_executed BIGINT NOT NULL,
	tasks_failed BIGINT NOT NULL,
	retries BIGINT NOT NULL,
	affinity_hits BIGINT NOT NULL,
	affinity_misses BIGINT NOT NULL,
	temporary_workers_created BIGINT NOT NULL,
	active_temporary_workers BIGINT NOT NULL,
	coalesced_count BIGINT NOT NULL,
	unique_count BIGINT NOT NULL
)`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("metrics: create snapshot table: %w", err)
	}
	return &SnapshotStore{db: db}, nil
}

// Persist writes one snapshot row.
func (s *SnapshotStore) Persist(ctx context.Context, snap Snapshot) error {
	const q = `
INSERT INTO engine_metrics_snapshots
	(taken_at, tasks_executed, tasks_failed, retries, affinity_hits, affinity_misses,
	 temporary_workers_created, active_temporary_workers, coalesced_count, unique_count)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`
	_, err := s.db.ExecContext(ctx, q,
		snap.TakenAt, snap.TasksExecuted, snap.TasksFailed, snap.Retries,
		snap.AffinityHits, snap.AffinityMisses, snap.TemporaryWorkersCreated,
		snap.ActiveTemporaryWorkers, snap.CoalescedCount, snap.UniqueCount,
	)
	if err != nil {
		return fmt.Errorf("metrics: persist snapshot: %w", err)
	}
	return nil
}

// Recent returns the most recent snapshots, newest first, for dashboards.
func (s *SnapshotStore) Recent(ctx context.Context, limit int) ([]Snapshot, error) {
	const q = `
SELECT taken_at, tasks_executed, tasks_failed, retries, affinity_hits, affinity_misses,
       temporary_workers_created, active_temporary_workers, coalesced_count, unique_count
FROM engine_metrics_snapshots
ORDER BY taken_at DESC
LIMIT $1`
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("metrics: query recent snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var snap Snapshot
		var takenAt time.Time
		if err := rows.Scan(&takenAt, &snap.TasksExecuted, &snap.TasksFailed, &snap.Retries,
			&snap.AffinityHits, &snap.AffinityMisses, &snap.TemporaryWorkersCreated,
			&snap.ActiveTemporaryWorkers, &snap.CoalescedCount, &snap.UniqueCount); err != nil {
			return nil, fmt.Errorf("metrics: scan snapshot row: %w", err)
		}
		snap.TakenAt = takenAt
		out = append(out, snap)
	}
	return out, rows.Err()
}
