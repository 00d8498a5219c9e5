package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const metadataSchema = `
CREATE TABLE IF NOT EXISTS dataset_registry (
	dataset_id        TEXT PRIMARY KEY,
	content_hash      TEXT NOT NULL,
	version           BIGINT NOT NULL,
	observation_count BIGINT NOT NULL,
	sync_run_id       TEXT NOT NULL,
	valid             BOOLEAN NOT NULL DEFAULT TRUE,
	updated_at        TIMESTAMPTZ NOT NULL
);`

// DatasetRecord is the metadata-store row for one dataset version.
type DatasetRecord struct {
	DatasetID        string
	ContentHash      string
	Version          int64
	ObservationCount int
	SyncRunID        string
	UpdatedAt        time.Time
}

// MetadataRepo exposes upsert-by-identifier and existence checks against the
// postgres metadata store.
type MetadataRepo struct {
	db *sql.DB
}

func NewMetadataRepo(db *sql.DB) *MetadataRepo {
	return &MetadataRepo{db: db}
}

func (r *MetadataRepo) Setup(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, metadataSchema); err != nil {
		return fmt.Errorf("creating dataset registry: %w", err)
	}
	return nil
}

func (r *MetadataRepo) Exists(ctx context.Context, datasetID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM dataset_registry WHERE dataset_id = $1 AND valid)`,
		datasetID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking dataset existence: %w", err)
	}
	return exists, nil
}

// GetTx returns the stored content hash and version for a dataset, or empty
// values when the dataset is unknown. The row is locked for the lifetime of
// the caller's transaction so concurrent version bumps for the same dataset
// serialize at the store.
func (r *MetadataRepo) GetTx(ctx context.Context, tx *sql.Tx, datasetID string) (string, int64, error) {
	var (
		contentHash string
		version     int64
	)
	err := tx.QueryRowContext(ctx,
		`SELECT content_hash, version FROM dataset_registry WHERE dataset_id = $1 AND valid FOR UPDATE`,
		datasetID,
	).Scan(&contentHash, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, fmt.Errorf("reading dataset registry: %w", err)
	}
	return contentHash, version, nil
}

func (r *MetadataRepo) Begin(ctx context.Context) (*sql.Tx, error) {
	return r.db.BeginTx(ctx, nil)
}

// UpsertTx writes the record inside the caller's transaction so the metadata
// write commits only after the analytics store accepted the same version.
func (r *MetadataRepo) UpsertTx(ctx context.Context, tx *sql.Tx, record DatasetRecord) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO dataset_registry (dataset_id, content_hash, version, observation_count, sync_run_id, valid, updated_at)
		VALUES ($1, $2, $3, $4, $5, TRUE, $6)
		ON CONFLICT (dataset_id) DO UPDATE SET
			content_hash = excluded.content_hash,
			version = excluded.version,
			observation_count = excluded.observation_count,
			sync_run_id = excluded.sync_run_id,
			valid = TRUE,
			updated_at = excluded.updated_at`,
		record.DatasetID,
		record.ContentHash,
		record.Version,
		record.ObservationCount,
		record.SyncRunID,
		record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting dataset registry: %w", err)
	}
	return nil
}
