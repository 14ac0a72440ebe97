// Package metrics emits standardised pipeline run metrics over statsd.
package metrics

import (
	"time"

	obserrors "github.com/aurelia-ai/pipeline/internal/observability/errors"
	"github.com/aurelia-ai/pipeline/internal/observability/statsd"
)

// Outcome constants for metric tagging.
const (
	OutcomeCompleted      = "completed"
	OutcomeFailed         = "failed"
	OutcomeTimeout        = "timeout"
	OutcomeSkippedBreaker = "skipped_breaker"
	OutcomeSkippedDeps    = "skipped_deps"
)

// RunMetric captures one guard execution for metric emission.
type RunMetric struct {
	JobName     string
	Outcome     string
	StaleBypass bool
	Duration    time.Duration
	Err         error
}

// EmitRun emits the run lifecycle counter and timing.
func EmitRun(sink statsd.Sink, in RunMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"job":     in.JobName,
		"outcome": in.Outcome,
	}
	if in.StaleBypass {
		tags["stale_bypass"] = "true"
	}
	if in.Err != nil && (in.Outcome == OutcomeFailed || in.Outcome == OutcomeTimeout) {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}

	sink.Count("run.outcome", 1, tags)

	if in.Duration > 0 {
		sink.Timing("run.duration", in.Duration, CloneTags(tags))
	}
}

// EmitBreakerOpened counts a breaker opening transition.
func EmitBreakerOpened(sink statsd.Sink, jobName string) {
	if sink == nil {
		return
	}
	sink.Count("breaker.opened", 1, map[string]string{"job": jobName})
}

// EmitBatchCounts reports per-run row counters (rows read, written,
// rejected and so on) as individual counters tagged by job.
func EmitBatchCounts(sink statsd.Sink, jobName string, counts map[string]int) {
	if sink == nil {
		return
	}
	for name, value := range counts {
		sink.Count("batch."+name, int64(value), map[string]string{"job": jobName})
	}
}

// CloneTags creates a shallow copy of a tag map, filtering out empty maps.
func CloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
