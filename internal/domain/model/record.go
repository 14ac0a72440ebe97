package model

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// SourceRow is one record read from the transactional source store.
// Payload carries the entity fields as the source emitted them; the
// pipeline never interprets them until the silver stage.
type SourceRow struct {
	ID        string          `json:"id"         db:"id"`
	TenantID  string          `json:"tenant_id"  db:"tenant_id"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
	Payload   json.RawMessage `json:"payload"    db:"payload"`
}

// Validate checks the minimal shape required to serialize a row into the
// raw layer. Rows failing this are excluded from the batch, not fatal.
func (r *SourceRow) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("source row id is required")
	}
	if strings.TrimSpace(r.TenantID) == "" {
		return errors.New("source row tenant id is required")
	}
	if r.UpdatedAt.IsZero() {
		return errors.New("source row updated_at is required")
	}
	if len(r.Payload) == 0 {
		return errors.New("source row payload is required")
	}
	return nil
}

// CleanedRecord is one validated, deduplicated row in the cleaned layer.
// For any ID at most one row exists; replays upsert with last-write-wins
// by SourceUpdatedAt.
type CleanedRecord struct {
	ID              string          `json:"id"                db:"id"`
	TenantID        string          `json:"tenant_id"         db:"tenant_id"`
	DataType        DataType        `json:"data_type"         db:"data_type"`
	SourceUpdatedAt time.Time       `json:"source_updated_at" db:"source_updated_at"`
	Payload         json.RawMessage `json:"payload"           db:"payload"`
	IngestedAt      time.Time       `json:"ingested_at"       db:"ingested_at"`
}

// RawObjectMeta describes one immutable raw-layer object. The binary
// payload lives in the object store; this is the listing/bookkeeping view.
type RawObjectMeta struct {
	Key       string    `json:"key"`
	TenantID  string    `json:"tenant_id"`
	DataType  DataType  `json:"data_type"`
	SizeBytes int64     `json:"size_bytes"`
	RowCount  int64     `json:"row_count"`
	CreatedAt time.Time `json:"created_at"`
}

// TransformCounts reports what the silver transformer did with a batch.
type TransformCounts struct {
	RowsRead     int `json:"rows_read"`
	RowsDeduped  int `json:"rows_deduped"`
	RowsRejected int `json:"rows_rejected"`
	RowsUpserted int `json:"rows_upserted"`
	ObjectsRead  int `json:"objects_read"`
}

// ExtractCounts reports what the bronze writer did with a window.
type ExtractCounts struct {
	RowsRead     int    `json:"rows_read"`
	RowsExcluded int    `json:"rows_excluded"`
	RowsWritten  int    `json:"rows_written"`
	ObjectKey    string `json:"object_key,omitempty"`
	BytesWritten int64  `json:"bytes_written,omitempty"`
}
