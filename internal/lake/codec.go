// Package lake handles the raw layer's on-disk format and object key
// layout: columnar encoding of source rows and the partitioned key
// scheme objects are written under.
package lake

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/aurelia-ai/pipeline/internal/domain/model"
	apperrors "github.com/aurelia-ai/pipeline/internal/errors"
)

// rawRow is the columnar envelope for one source row. The payload stays
// an opaque JSON string; the silver stage is the first reader that
// interprets it.
type rawRow struct {
	ID        string `parquet:"id,zstd"`
	TenantID  string `parquet:"tenant_id,zstd"`
	UpdatedAt int64  `parquet:"updated_at_us,zstd"`
	Payload   string `parquet:"payload,zstd"`
}

// EncodeRows serializes source rows into a parquet object. Timestamps are
// stored as microseconds since epoch in UTC.
func EncodeRows(rows []*model.SourceRow) ([]byte, error) {
	if len(rows) == 0 {
		return nil, apperrors.Validation("cannot encode an empty batch")
	}

	out := make([]rawRow, 0, len(rows))
	for _, row := range rows {
		out = append(out, rawRow{
			ID:        row.ID,
			TenantID:  row.TenantID,
			UpdatedAt: row.UpdatedAt.UTC().UnixMicro(),
			Payload:   string(row.Payload),
		})
	}

	var buf bytes.Buffer
	if err := parquet.Write(&buf, out); err != nil {
		return nil, fmt.Errorf("write parquet rows: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeRows deserializes a parquet object back into source rows.
func DecodeRows(data []byte) ([]*model.SourceRow, error) {
	if len(data) == 0 {
		return nil, apperrors.Data("empty parquet object")
	}

	raw, err := parquet.Read[rawRow](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeData, "read parquet rows")
	}

	rows := make([]*model.SourceRow, 0, len(raw))
	for _, rr := range raw {
		rows = append(rows, &model.SourceRow{
			ID:        rr.ID,
			TenantID:  rr.TenantID,
			UpdatedAt: time.UnixMicro(rr.UpdatedAt).UTC(),
			Payload:   json.RawMessage(rr.Payload),
		})
	}
	return rows, nil
}
