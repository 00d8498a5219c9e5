package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const analyticsSchema = `
CREATE TABLE IF NOT EXISTS observations (
	dataset_id       String,
	version          Int64,
	observation_key  String,
	reference_period String,
	value            Float64,
	synced_at        DateTime
) ENGINE = MergeTree()
ORDER BY (dataset_id, reference_period, observation_key)`

// Observation is one analytics-store row, keyed by dataset identifier plus
// reference period.
type Observation struct {
	Key    string
	Period string
	Value  float64
}

// AnalyticsRepo performs bulk writes against the clickhouse analytics store.
type AnalyticsRepo struct {
	db *sql.DB
}

func NewAnalyticsRepo(db *sql.DB) *AnalyticsRepo {
	return &AnalyticsRepo{db: db}
}

func (r *AnalyticsRepo) Setup(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, analyticsSchema); err != nil {
		return fmt.Errorf("creating observations table: %w", err)
	}
	return nil
}

// Load bulk-appends one version of a dataset's observations. The clickhouse
// driver batches prepared statement executions inside a transaction.
func (r *AnalyticsRepo) Load(ctx context.Context, datasetID string, version int64, syncedAt time.Time, observations []Observation) error {
	txn, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning load transaction: %w", err)
	}
	stmt, err := txn.Prepare(`
		INSERT INTO observations (dataset_id, version, observation_key, reference_period, value, synced_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = txn.Rollback()
		return fmt.Errorf("preparing observations insert: %w", err)
	}
	for _, obs := range observations {
		if _, err = stmt.ExecContext(ctx, datasetID, version, obs.Key, obs.Period, obs.Value, syncedAt); err != nil {
			_ = txn.Rollback()
			return fmt.Errorf("inserting observation %q: %w", obs.Key, err)
		}
	}
	if err = txn.Commit(); err != nil {
		return fmt.Errorf("committing observations load: %w", err)
	}
	return nil
}

// DeleteSuperseded removes every version older than the given one, so the
// analytics store never serves two versions of the same identifier.
func (r *AnalyticsRepo) DeleteSuperseded(ctx context.Context, datasetID string, version int64) error {
	_, err := r.db.ExecContext(ctx,
		`ALTER TABLE observations DELETE WHERE dataset_id = ? AND version < ?`,
		datasetID, version,
	)
	if err != nil {
		return fmt.Errorf("deleting superseded versions: %w", err)
	}
	return nil
}
