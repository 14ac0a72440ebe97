package model

import (
	"fmt"
	"strings"
	"time"
)

// Stage names the pipeline layer a watermark belongs to. The bronze stage
// tracks how far source-side extraction has progressed; the silver stage
// tracks how far raw-object transformation has progressed.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type Stage string

const (
	// StageBronze is the raw extraction layer.
	StageBronze Stage = "bronze"
	// StageSilver is the cleaned transformation layer.
	StageSilver Stage = "silver"
)

// Valid returns true if the Stage is known.
func (s Stage) Valid() bool {
	return s == StageBronze || s == StageSilver
}

// UnmarshalText implements encoding.TextUnmarshaler for Stage.
func (s *Stage) UnmarshalText(text []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(text)))
	st := Stage(v)
	if st.Valid() {
		*s = st
		return nil
	}
	return fmt.Errorf("invalid Stage: %q", v)
}

// Watermark records, per (tenant, data type, stage), the timestamp the
// stage has successfully progressed through. A missing row means the
// stage has never run and extraction starts from the epoch.
//
// Invariant: LastSyncedAt never moves backward (enforced server-side by
// the watermark repository).
type Watermark struct {
	TenantID     string    `json:"tenant_id"      db:"tenant_id"`
	DataType     DataType  `json:"data_type"      db:"data_type"`
	Stage        Stage     `json:"stage"          db:"stage"`
	LastSyncedAt time.Time `json:"last_synced_at" db:"last_synced_at"`
	UpdatedAt    time.Time `json:"updated_at"     db:"updated_at"`
}
