package testutil

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/aurelia-ai/pipeline/internal/domain/model"
)

// SourceRowBuilder provides a fluent interface for building SourceRow
// fixtures.
type SourceRowBuilder struct {
	row *model.SourceRow
}

// NewSourceRow creates a SourceRowBuilder with sensible defaults.
func NewSourceRow() *SourceRowBuilder {
	return &SourceRowBuilder{
		row: &model.SourceRow{
			ID:        "row-1",
			TenantID:  "tenant-a",
			UpdatedAt: TestTime(),
			Payload:   json.RawMessage(`{"body": "hello", "conversation_id": "conv-1"}`),
		},
	}
}

// WithID sets the row id.
func (b *SourceRowBuilder) WithID(id string) *SourceRowBuilder {
	b.row.ID = id
	return b
}

// WithTenant sets the tenant id.
func (b *SourceRowBuilder) WithTenant(tenantID string) *SourceRowBuilder {
	b.row.TenantID = tenantID
	return b
}

// WithUpdatedAt sets the source modification time.
func (b *SourceRowBuilder) WithUpdatedAt(t time.Time) *SourceRowBuilder {
	b.row.UpdatedAt = t
	return b
}

// WithPayloadString sets the payload from a string.
func (b *SourceRowBuilder) WithPayloadString(payload string) *SourceRowBuilder {
	b.row.Payload = json.RawMessage(payload)
	return b
}

// Build returns the constructed SourceRow.
func (b *SourceRowBuilder) Build() *model.SourceRow {
	row := *b.row
	return &row
}

// SeedSourceRows inserts rows directly into a source table so extraction
// tests have something to read.
func SeedSourceRows(t TestingTB, db *sql.DB, dataType model.DataType, rows []*model.SourceRow) {
	t.Helper()

	table := map[model.DataType]string{
		model.DataTypeConversation:  "source_conversations",
		model.DataTypeMessage:       "source_messages",
		model.DataTypeDeviceReading: "source_device_readings",
		model.DataTypeVoiceCall:     "source_voice_calls",
		model.DataTypeSMSLog:        "source_sms_logs",
		model.DataTypeTransaction:   "source_transactions",
	}[dataType]
	if table == "" {
		t.Fatalf("no source table for data type %q", dataType)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, row := range rows {
		_, err := db.ExecContext(ctx,
			"INSERT INTO "+table+" (id, tenant_id, updated_at, payload) VALUES ($1, $2, $3, $4)",
			row.ID, row.TenantID, row.UpdatedAt, []byte(row.Payload))
		if err != nil {
			t.Fatalf("Failed to seed source row %s: %v", row.ID, err)
		}
	}
}
