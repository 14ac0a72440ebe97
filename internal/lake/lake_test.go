package lake

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurelia-ai/pipeline/internal/domain/model"
	apperrors "github.com/aurelia-ai/pipeline/internal/errors"
)

func TestEncodeDecodeRows(t *testing.T) {
	updated := time.Date(2025, 6, 1, 12, 30, 45, 123456000, time.UTC)
	rows := []*model.SourceRow{
		{
			ID:        "m-1",
			TenantID:  "tenant-a",
			UpdatedAt: updated,
			Payload:   json.RawMessage(`{"body": "hello", "nested": {"k": 1}}`),
		},
		{
			ID:        "m-2",
			TenantID:  "tenant-a",
			UpdatedAt: updated.Add(time.Second),
			Payload:   json.RawMessage(`{"body": "world"}`),
		},
	}

	data, err := EncodeRows(rows)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	decoded, err := DecodeRows(data)
	require.NoError(t, err)
	require.Len(t, decoded, 2)
	assert.Equal(t, "m-1", decoded[0].ID)
	assert.Equal(t, "tenant-a", decoded[0].TenantID)
	assert.True(t, decoded[0].UpdatedAt.Equal(updated), "microsecond precision must survive: got %v", decoded[0].UpdatedAt)
	assert.JSONEq(t, `{"body": "hello", "nested": {"k": 1}}`, string(decoded[0].Payload))
}

func TestEncodeRows_EmptyBatch(t *testing.T) {
	_, err := EncodeRows(nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestDecodeRows_Garbage(t *testing.T) {
	_, err := DecodeRows([]byte("not a parquet object"))
	require.Error(t, err)
	assert.True(t, apperrors.IsData(err))

	_, err = DecodeRows(nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsData(err))
}

func TestObjectKeyLayout(t *testing.T) {
	windowEnd := time.Date(2025, 6, 1, 14, 5, 9, 0, time.UTC)
	key := ObjectKey("tenant-a", model.DataTypeMessage, windowEnd)
	assert.Equal(t, "tenant-a/raw/message/year=2025/month=06/day=01/20250601T140509Z.parquet", key)

	// The same window always maps to the same key.
	assert.Equal(t, key, ObjectKey("tenant-a", model.DataTypeMessage, windowEnd.In(time.FixedZone("CET", 3600))))
}

func TestPrefix(t *testing.T) {
	assert.Equal(t, "tenant-a/raw/sms_log/", Prefix("tenant-a", model.DataTypeSMSLog))
}

func TestParseKey(t *testing.T) {
	windowEnd := time.Date(2025, 6, 1, 14, 5, 9, 0, time.UTC)
	key := ObjectKey("tenant-a", model.DataTypeDeviceReading, windowEnd)

	parsed, err := ParseKey(key)
	require.NoError(t, err)
	assert.Equal(t, "tenant-a", parsed.TenantID)
	assert.Equal(t, model.DataTypeDeviceReading, parsed.DataType)
	assert.True(t, parsed.WindowEnd.Equal(windowEnd))
}

func TestParseKey_Malformed(t *testing.T) {
	cases := []string{
		"",
		"tenant-a/raw/message",
		"tenant-a/cooked/message/year=2025/month=06/day=01/20250601T140509Z.parquet",
		"tenant-a/raw/bogus/year=2025/month=06/day=01/20250601T140509Z.parquet",
		"tenant-a/raw/message/year=2025/month=06/day=01/not-a-time.parquet",
	}
	for _, key := range cases {
		_, err := ParseKey(key)
		assert.Error(t, err, "key %q must not parse", key)
	}
}
