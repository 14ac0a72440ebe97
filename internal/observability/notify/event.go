package notify

import (
	"context"
	"time"
)

// Severity constants recognised by downstream sinks.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
)

// Alert kinds emitted by the guard.
const (
	KindBreakerOpen = "breaker_open"
	KindRunFailure  = "run_failure"
)

// AlertPayload captures the canonical data we emit for pipeline alerts:
// a circuit breaker opening or a run failing.
type AlertPayload struct {
	Kind       string
	JobName    string
	Error      string
	ErrorClass string
	Severity   string
	OccurredAt time.Time
	Metadata   map[string]string
}

// Sink describes a destination capable of consuming pipeline alerts.
type Sink interface {
	SendAlert(ctx context.Context, payload AlertPayload) error
}

// SinkFunc adapts a function to the Sink interface (useful for tests).
type SinkFunc func(ctx context.Context, payload AlertPayload) error

// SendAlert implements the Sink interface.
func (f SinkFunc) SendAlert(ctx context.Context, payload AlertPayload) error {
	if f == nil {
		return nil
	}
	return f(ctx, payload)
}

// Fanout delivers an alert to every sink, returning the first error after
// attempting all of them.
type Fanout []Sink

// SendAlert implements the Sink interface over every registered sink.
func (f Fanout) SendAlert(ctx context.Context, payload AlertPayload) error {
	var firstErr error
	for _, sink := range f {
		if sink == nil {
			continue
		}
		if err := sink.SendAlert(ctx, payload); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
