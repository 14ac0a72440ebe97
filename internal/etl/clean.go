package etl

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	jmespath "github.com/jmespath-community/go-jmespath"

	"github.com/aurelia-ai/pipeline/internal/domain/model"
	apperrors "github.com/aurelia-ai/pipeline/internal/errors"
)

// requiredExpressions lists the jmespath expressions that must resolve
// to a non-null value for a payload of each data type to enter the
// cleaned layer.
var requiredExpressions = map[model.DataType][]string{
	model.DataTypeConversation:  {"participants"},
	model.DataTypeMessage:       {"body", "conversation_id"},
	model.DataTypeDeviceReading: {"device_id", "value"},
	model.DataTypeVoiceCall:     {"from_number", "to_number"},
	model.DataTypeSMSLog:        {"from_number", "body"},
	model.DataTypeTransaction:   {"amount", "currency"},
}

// cleanPayload validates the payload shape for the data type and
// normalizes its values: timestamps are rewritten to UTC RFC 3339 and
// string fields that contain serialized JSON are expanded in place.
// Rejected payloads return a data error.
func cleanPayload(dataType model.DataType, payload json.RawMessage) (json.RawMessage, error) {
	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeData, "payload is not a JSON object")
	}

	for _, expr := range requiredExpressions[dataType] {
		value, err := jmespath.Search(expr, doc)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeData, "payload shape check failed")
		}
		if value == nil {
			return nil, apperrors.Dataf("payload missing required field %q", expr)
		}
	}

	normalized := normalizeValue(doc)
	out, err := json.Marshal(normalized)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeData, "payload re-serialization failed")
	}
	return out, nil
}

// normalizeValue recursively rewrites timestamps to UTC and expands
// embedded JSON strings.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, inner := range val {
			val[k] = normalizeValue(inner)
		}
		return val
	case []any:
		for i, inner := range val {
			val[i] = normalizeValue(inner)
		}
		return val
	case string:
		return normalizeString(val)
	default:
		return v
	}
}

func normalizeString(s string) any {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC().Format(time.RFC3339Nano)
	}

	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		dec := json.NewDecoder(bytes.NewReader([]byte(trimmed)))
		dec.UseNumber()
		var embedded any
		if err := dec.Decode(&embedded); err == nil && !dec.More() {
			return normalizeValue(embedded)
		}
	}
	return s
}
