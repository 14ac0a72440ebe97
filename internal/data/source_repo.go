package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aurelia-ai/pipeline/internal/domain/model"
	apperrors "github.com/aurelia-ai/pipeline/internal/errors"
)

// sourceTables maps each data type to its transactional source table.
// Table names are fixed at compile time; only values ever reach the
// database as parameters.
var sourceTables = map[model.DataType]string{
	model.DataTypeConversation:  "source_conversations",
	model.DataTypeMessage:       "source_messages",
	model.DataTypeDeviceReading: "source_device_readings",
	model.DataTypeVoiceCall:     "source_voice_calls",
	model.DataTypeSMSLog:        "source_sms_logs",
	model.DataTypeTransaction:   "source_transactions",
}

// SourceRepo reads rows from the transactional source tables for raw
// extraction.
type SourceRepo struct {
	DB *sql.DB
}

// NewSourceRepo creates a SourceRepo with the given database connection.
func NewSourceRepo(db *sql.DB) *SourceRepo {
	return &SourceRepo{DB: db}
}

// WindowParams bounds one incremental extraction read. The window is
// half-open: updated_at strictly greater than After, up to and including
// Until.
type WindowParams struct {
	TenantID string
	DataType model.DataType
	After    time.Time
	Until    time.Time
}

func (p *WindowParams) validate() error {
	if p.TenantID == "" {
		return errors.New("tenant id is required")
	}
	if !p.DataType.Valid() {
		return fmt.Errorf("invalid data type %q", p.DataType)
	}
	if p.Until.IsZero() {
		return errors.New("window end is required")
	}
	return nil
}

// ListWindow returns the source rows modified inside the window in a
// stable order (updated_at, then id) so reruns of the same window read
// identical batches.
func (r *SourceRepo) ListWindow(ctx context.Context, params WindowParams) ([]*model.SourceRow, error) {
	if err := params.validate(); err != nil {
		return nil, apperrors.Validation(err.Error())
	}

	table, ok := sourceTables[params.DataType]
	if !ok {
		return nil, apperrors.Validation(fmt.Sprintf("no source table for data type %q", params.DataType))
	}

	query := fmt.Sprintf(`
		SELECT id, tenant_id, updated_at, payload
		FROM %s
		WHERE tenant_id = $1
		  AND updated_at > $2
		  AND updated_at <= $3
		ORDER BY updated_at, id
	`, table)

	rows, err := r.DB.QueryContext(ctx, query, params.TenantID, params.After.UTC(), params.Until.UTC())
	if err != nil {
		return nil, apperrors.MapDBError(fmt.Errorf("list source window: %w", err))
	}
	defer rows.Close()

	var out []*model.SourceRow
	for rows.Next() {
		var row model.SourceRow
		var payload []byte
		if scanErr := rows.Scan(&row.ID, &row.TenantID, &row.UpdatedAt, &payload); scanErr != nil {
			return nil, apperrors.MapDBError(fmt.Errorf("scan source row: %w", scanErr))
		}
		row.Payload = payload
		out = append(out, &row)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.MapDBError(fmt.Errorf("iterate source rows: %w", err))
	}
	return out, nil
}
