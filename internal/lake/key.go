package lake

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aurelia-ai/pipeline/internal/domain/model"
	apperrors "github.com/aurelia-ai/pipeline/internal/errors"
)

// Object keys follow the hive-style partition layout so downstream query
// engines can prune by date:
//
//	{tenant}/raw/{data_type}/year=YYYY/month=MM/day=DD/{timestamp}.parquet
//
// The timestamp is the extraction window end in UTC, so a rerun of the
// same window overwrites the same key instead of duplicating it.

const keyTimeFormat = "20060102T150405Z"

// ObjectKey builds the raw-layer key for one extraction window.
func ObjectKey(tenantID string, dataType model.DataType, windowEnd time.Time) string {
	t := windowEnd.UTC()
	return path.Join(
		tenantID,
		"raw",
		string(dataType),
		fmt.Sprintf("year=%04d", t.Year()),
		fmt.Sprintf("month=%02d", int(t.Month())),
		fmt.Sprintf("day=%02d", t.Day()),
		t.Format(keyTimeFormat)+".parquet",
	)
}

// Prefix returns the listing prefix covering every object of one tenant
// and data type.
func Prefix(tenantID string, dataType model.DataType) string {
	return path.Join(tenantID, "raw", string(dataType)) + "/"
}

// ParsedKey is the metadata recoverable from an object key alone.
type ParsedKey struct {
	TenantID  string
	DataType  model.DataType
	WindowEnd time.Time
}

// ParseKey extracts tenant, data type, and window end from a raw-layer
// object key.
func ParseKey(key string) (*ParsedKey, error) {
	parts := strings.Split(key, "/")
	if len(parts) != 7 || parts[1] != "raw" {
		return nil, apperrors.Dataf("malformed object key %q", key)
	}

	dataType := model.DataType(parts[2])
	if !dataType.Valid() {
		return nil, apperrors.Dataf("unknown data type in object key %q", key)
	}

	name := strings.TrimSuffix(parts[6], ".parquet")
	windowEnd, err := time.Parse(keyTimeFormat, name)
	if err != nil {
		return nil, apperrors.Dataf("unparseable timestamp in object key %q", key)
	}

	return &ParsedKey{
		TenantID:  parts[0],
		DataType:  dataType,
		WindowEnd: windowEnd,
	}, nil
}
