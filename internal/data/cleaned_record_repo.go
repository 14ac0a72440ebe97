package data

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/aurelia-ai/pipeline/internal/data/pgxutil"
	"github.com/aurelia-ai/pipeline/internal/domain/model"
	apperrors "github.com/aurelia-ai/pipeline/internal/errors"
)

const upsertCleanedRecordSQL = `
  INSERT INTO cleaned_records (id, tenant_id, data_type, source_updated_at, payload, ingested_at)
  VALUES ($1, $2, $3, $4, $5, $6)
  ON CONFLICT (id) DO UPDATE
  SET tenant_id = EXCLUDED.tenant_id,
      data_type = EXCLUDED.data_type,
      source_updated_at = EXCLUDED.source_updated_at,
      payload = EXCLUDED.payload,
      ingested_at = EXCLUDED.ingested_at
  WHERE EXCLUDED.source_updated_at >= cleaned_records.source_updated_at`

// CleanedRecordRepo provides database operations for the cleaned layer.
type CleanedRecordRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewCleanedRecordRepo creates a CleanedRecordRepo with the given
// database connection.
func NewCleanedRecordRepo(db *sql.DB, tp TimeProvider) *CleanedRecordRepo {
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	return &CleanedRecordRepo{DB: db, timeProvider: tp}
}

// UpsertBatch writes validated records to the cleaned layer in one
// transaction. A conflicting row only updates when the incoming
// source_updated_at is not older, so replaying an old object can never
// regress a newer row. Returns the number of rows actually written.
func (r *CleanedRecordRepo) UpsertBatch(ctx context.Context, records []*model.CleanedRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	ingestedAt := r.timeProvider.Now().UTC()

	var upserted int
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			batch := &pgx.Batch{}
			for _, rec := range records {
				batch.Queue(upsertCleanedRecordSQL,
					rec.ID, rec.TenantID, rec.DataType,
					rec.SourceUpdatedAt.UTC(), []byte(rec.Payload), ingestedAt)
			}

			results := tx.SendBatch(ctx, batch)
			defer results.Close()

			for range records {
				tag, execErr := results.Exec()
				if execErr != nil {
					return fmt.Errorf("upsert cleaned record: %w", execErr)
				}
				upserted += int(tag.RowsAffected())
			}
			return nil
		},
	})
	if err != nil {
		return 0, apperrors.MapDBError(err)
	}
	return upserted, nil
}

// Get returns a single cleaned record by id.
func (r *CleanedRecordRepo) Get(ctx context.Context, id string) (*model.CleanedRecord, error) {
	var rec model.CleanedRecord
	var payload []byte
	err := r.DB.QueryRowContext(ctx, `
		SELECT id, tenant_id, data_type, source_updated_at, payload, ingested_at
		FROM cleaned_records
		WHERE id = $1
	`, id).Scan(&rec.ID, &rec.TenantID, &rec.DataType, &rec.SourceUpdatedAt, &payload, &rec.IngestedAt)
	if err != nil {
		return nil, apperrors.MapDBError(fmt.Errorf("get cleaned record: %w", err))
	}
	rec.Payload = payload
	return &rec, nil
}

// Count returns the number of cleaned rows for a tenant and data type.
// Used by the monitoring endpoints and the admin CLI.
func (r *CleanedRecordRepo) Count(ctx context.Context, tenantID string, dataType model.DataType) (int64, error) {
	var n int64
	err := r.DB.QueryRowContext(ctx, `
		SELECT count(*) FROM cleaned_records
		WHERE tenant_id = $1 AND data_type = $2
	`, tenantID, dataType).Scan(&n)
	if err != nil {
		return 0, apperrors.MapDBError(fmt.Errorf("count cleaned records: %w", err))
	}
	return n, nil
}
