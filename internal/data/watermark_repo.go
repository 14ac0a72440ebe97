package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aurelia-ai/pipeline/internal/domain/model"
)

// WatermarkRepo provides database operations for extraction watermarks.
// A missing row reads as the epoch so a first run performs a full backfill.
type WatermarkRepo struct {
	DB *sql.DB
}

// NewWatermarkRepo creates a new WatermarkRepo with the given database connection.
func NewWatermarkRepo(db *sql.DB) *WatermarkRepo {
	return &WatermarkRepo{DB: db}
}

// WatermarkKey identifies a single watermark row.
type WatermarkKey struct {
	TenantID string
	DataType model.DataType
	Stage    model.Stage
}

func (k WatermarkKey) validate() error {
	if k.TenantID == "" {
		return errors.New("tenant id is required")
	}
	if !k.DataType.Valid() {
		return fmt.Errorf("invalid data type %q", k.DataType)
	}
	if !k.Stage.Valid() {
		return fmt.Errorf("invalid stage %q", k.Stage)
	}
	return nil
}

// Get returns the watermark for the key, or the zero time when the stage
// has never advanced.
func (r *WatermarkRepo) Get(ctx context.Context, key WatermarkKey) (time.Time, error) {
	if err := key.validate(); err != nil {
		return time.Time{}, err
	}

	var ts time.Time
	err := r.DB.QueryRowContext(ctx, `
		SELECT last_synced_at FROM watermarks
		WHERE tenant_id = $1 AND data_type = $2 AND stage = $3
	`, key.TenantID, key.DataType, key.Stage).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get watermark: %w", err)
	}
	return ts.UTC(), nil
}

// Advance moves the watermark forward to newTime. The statement is a single
// server-side upsert using GREATEST, so an attempt to move backward is a
// no-op even under concurrent double-invocation; lost updates are impossible.
// Returns true when the watermark actually advanced.
func (r *WatermarkRepo) Advance(ctx context.Context, key WatermarkKey, newTime time.Time) (bool, error) {
	if err := key.validate(); err != nil {
		return false, err
	}
	if newTime.IsZero() {
		return false, errors.New("new watermark time is required")
	}

	var advanced bool
	err := r.DB.QueryRowContext(ctx, `
		INSERT INTO watermarks (tenant_id, data_type, stage, last_synced_at, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (tenant_id, data_type, stage) DO UPDATE
		SET last_synced_at = GREATEST(watermarks.last_synced_at, EXCLUDED.last_synced_at),
		    updated_at = now()
		RETURNING last_synced_at = $4
	`, key.TenantID, key.DataType, key.Stage, newTime.UTC()).Scan(&advanced)
	if err != nil {
		return false, fmt.Errorf("advance watermark: %w", err)
	}
	return advanced, nil
}

// Rewind force-sets a watermark to an earlier time. This is the operator
// backfill escape hatch used by the admin CLI only; normal pipeline code
// must go through Advance.
func (r *WatermarkRepo) Rewind(ctx context.Context, key WatermarkKey, newTime time.Time) error {
	if err := key.validate(); err != nil {
		return err
	}

	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO watermarks (tenant_id, data_type, stage, last_synced_at, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (tenant_id, data_type, stage) DO UPDATE
		SET last_synced_at = EXCLUDED.last_synced_at,
		    updated_at = now()
	`, key.TenantID, key.DataType, key.Stage, newTime.UTC())
	if err != nil {
		return fmt.Errorf("rewind watermark: %w", err)
	}
	return nil
}

// List returns all watermarks for a tenant, newest first.
func (r *WatermarkRepo) List(ctx context.Context, tenantID string) ([]model.Watermark, error) {
	if tenantID == "" {
		return nil, errors.New("tenant id is required")
	}

	rows, err := r.DB.QueryContext(ctx, `
		SELECT tenant_id, data_type, stage, last_synced_at, updated_at
		FROM watermarks
		WHERE tenant_id = $1
		ORDER BY data_type, stage
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list watermarks: %w", err)
	}
	defer rows.Close()

	var result []model.Watermark
	for rows.Next() {
		var w model.Watermark
		if err := rows.Scan(&w.TenantID, &w.DataType, &w.Stage, &w.LastSyncedAt, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan watermark: %w", err)
		}
		result = append(result, w)
	}
	return result, rows.Err()
}
