package model

import (
	"fmt"
	"strings"
	"time"
)

// BreakerState is the persisted circuit breaker state for a job name.
// half_open is never stored: it is derived at read time from an open row
// whose cooldown has expired.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type BreakerState string

const (
	// BreakerClosed is normal operation.
	BreakerClosed BreakerState = "closed"
	// BreakerOpen means the job is skipped until the cooldown expires.
	BreakerOpen BreakerState = "open"
	// BreakerHalfOpen is the derived trial state after cooldown expiry.
	BreakerHalfOpen BreakerState = "half_open"
)

// Valid reports whether the state is persistable. half_open is derived
// and never written to the store.
func (s BreakerState) Valid() bool {
	return s == BreakerClosed || s == BreakerOpen
}

// UnmarshalText implements encoding.TextUnmarshaler for BreakerState.
func (s *BreakerState) UnmarshalText(text []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(text)))
	bs := BreakerState(v)
	if bs.Valid() {
		*s = bs
		return nil
	}
	return fmt.Errorf("invalid BreakerState: %q", v)
}

// CircuitBreaker is the one-row-per-job breaker record. It protects a
// pipeline stage, not an individual tenant: the key is the job name.
//
// Invariant: State == open implies CooldownUntil is set.
type CircuitBreaker struct {
	JobName             string       `json:"job_name"                 db:"job_name"`
	State               BreakerState `json:"state"                    db:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"     db:"consecutive_failures"`
	CooldownUntil       *time.Time   `json:"cooldown_until,omitempty" db:"cooldown_until"`
	UpdatedAt           time.Time    `json:"updated_at"               db:"updated_at"`
}

// EffectiveState derives the read-time state: an open breaker whose
// cooldown has elapsed is reported half_open.
func (b *CircuitBreaker) EffectiveState(now time.Time) BreakerState {
	if b.State == BreakerOpen && b.CooldownUntil != nil && !now.Before(*b.CooldownUntil) {
		return BreakerHalfOpen
	}
	return b.State
}
