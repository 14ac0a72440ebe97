// Package model defines the core data types shared across the pipeline:
// data-type enums, watermarks, raw object metadata, job runs, circuit
// breaker rows, and dependency requirements.
package model

import (
	"fmt"
	"strings"
)

// DataType identifies a category of source records flowing through the
// raw and cleaned layers. Each data type has its own bronze and silver
// pipeline stage.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type DataType string

const (
	// DataTypeConversation represents assistant conversation threads.
	DataTypeConversation DataType = "conversation"
	// DataTypeMessage represents individual conversation messages.
	DataTypeMessage DataType = "message"
	// DataTypeDeviceReading represents readings reported by paired devices.
	DataTypeDeviceReading DataType = "device_reading"
	// DataTypeVoiceCall represents voice call records.
	DataTypeVoiceCall DataType = "voice_call"
	// DataTypeSMSLog represents SMS delivery log entries.
	DataTypeSMSLog DataType = "sms_log"
	// DataTypeTransaction represents billing transaction records.
	DataTypeTransaction DataType = "transaction"
)

// AllDataTypes returns every data type the pipeline syncs.
func AllDataTypes() []DataType {
	return []DataType{
		DataTypeConversation,
		DataTypeMessage,
		DataTypeDeviceReading,
		DataTypeVoiceCall,
		DataTypeSMSLog,
		DataTypeTransaction,
	}
}

// Valid returns true if the DataType is one of the known types.
func (t DataType) Valid() bool {
	switch t {
	case DataTypeConversation, DataTypeMessage, DataTypeDeviceReading,
		DataTypeVoiceCall, DataTypeSMSLog, DataTypeTransaction:
		return true
	}
	return false
}

// UnmarshalText implements encoding.TextUnmarshaler for DataType to allow env parsing.
func (t *DataType) UnmarshalText(text []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(text)))
	dt := DataType(v)
	if dt.Valid() {
		*t = dt
		return nil
	}
	return fmt.Errorf("invalid DataType: %q", v)
}
