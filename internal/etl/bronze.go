// Package etl implements the two pipeline stages: the bronze extractor
// that snapshots source-table windows into immutable parquet objects,
// and the silver transformer that folds those objects into the cleaned
// relational store.
package etl

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aurelia-ai/pipeline/internal/data"
	"github.com/aurelia-ai/pipeline/internal/domain/model"
	"github.com/aurelia-ai/pipeline/internal/lake"
	"github.com/aurelia-ai/pipeline/internal/objectstore"
	"github.com/aurelia-ai/pipeline/internal/observability/metrics"
	"github.com/aurelia-ai/pipeline/internal/observability/statsd"
)

// BronzeJobName returns the registered job name for a data type's
// bronze extraction.
func BronzeJobName(dataType model.DataType) string {
	return "bronze:" + string(dataType)
}

// SilverJobName returns the registered job name for a data type's
// silver transformation.
func SilverJobName(dataType model.DataType) string {
	return "silver:" + string(dataType)
}

// SourceReader lists source rows inside an extraction window.
type SourceReader interface {
	ListWindow(ctx context.Context, params data.WindowParams) ([]*model.SourceRow, error)
}

// WatermarkStore is the watermark persistence the stages need.
type WatermarkStore interface {
	Get(ctx context.Context, key data.WatermarkKey) (time.Time, error)
	Advance(ctx context.Context, key data.WatermarkKey, newTime time.Time) (bool, error)
}

// SilverTrigger enqueues a follow-up silver run after a successful
// extraction. May be nil when the worker queue is not wired.
type SilverTrigger interface {
	Enqueue(ctx context.Context, jobName string) error
}

// BronzeOptions configures one tenant/data-type extractor.
type BronzeOptions struct {
	TenantID string
	DataType model.DataType

	Source     SourceReader
	Store      objectstore.Store
	Watermarks WatermarkStore
	Trigger    SilverTrigger

	Logger  *slog.Logger
	Metrics statsd.Sink
	// Now may be nil for the system clock.
	Now func() time.Time
}

// BronzeExtractor reads the source window past the bronze watermark,
// writes it as one parquet object, and advances the watermark only
// after the object landed.
type BronzeExtractor struct {
	tenantID   string
	dataType   model.DataType
	source     SourceReader
	store      objectstore.Store
	watermarks WatermarkStore
	trigger    SilverTrigger
	logger     *slog.Logger
	metrics    statsd.Sink
	now        func() time.Time
}

// NewBronzeExtractor creates a BronzeExtractor from options.
func NewBronzeExtractor(opts BronzeOptions) (*BronzeExtractor, error) {
	if opts.TenantID == "" {
		return nil, fmt.Errorf("bronze: tenant id is required")
	}
	if !opts.DataType.Valid() {
		return nil, fmt.Errorf("bronze: invalid data type %q", opts.DataType)
	}
	if opts.Source == nil || opts.Store == nil || opts.Watermarks == nil {
		return nil, fmt.Errorf("bronze: source, store, and watermarks are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &BronzeExtractor{
		tenantID:   opts.TenantID,
		dataType:   opts.DataType,
		source:     opts.Source,
		store:      opts.Store,
		watermarks: opts.Watermarks,
		trigger:    opts.Trigger,
		logger:     logger,
		metrics:    opts.Metrics,
		now:        now,
	}, nil
}

func (e *BronzeExtractor) watermarkKey() data.WatermarkKey {
	return data.WatermarkKey{
		TenantID: e.tenantID,
		DataType: e.dataType,
		Stage:    model.StageBronze,
	}
}

// Run extracts one window and returns the extraction counts as the run
// summary. The window is (watermark, now]: rows updated exactly at the
// watermark were captured by the previous run.
func (e *BronzeExtractor) Run(ctx context.Context) (json.RawMessage, error) {
	key := e.watermarkKey()
	jobName := BronzeJobName(e.dataType)

	from, err := e.watermarks.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read bronze watermark: %w", err)
	}
	// Truncate so the object key timestamp is second-precise and a rerun
	// of the same window lands on the same key.
	until := e.now().UTC().Truncate(time.Second)

	rows, err := e.source.ListWindow(ctx, data.WindowParams{
		TenantID: e.tenantID,
		DataType: e.dataType,
		After:    from,
		Until:    until,
	})
	if err != nil {
		return nil, fmt.Errorf("list source window: %w", err)
	}

	counts := model.ExtractCounts{RowsRead: len(rows)}

	valid := make([]*model.SourceRow, 0, len(rows))
	for _, row := range rows {
		if vErr := row.Validate(); vErr != nil {
			counts.RowsExcluded++
			e.logger.WarnContext(ctx, "excluding malformed source row",
				"job", jobName, "row_id", row.ID, "error", vErr)
			continue
		}
		valid = append(valid, row)
	}

	if len(valid) == 0 {
		// Nothing to write means no object and no watermark movement:
		// the next run re-evaluates the same window from the same floor.
		e.logger.InfoContext(ctx, "no source rows in window",
			"job", jobName, "after", from, "until", until)
		e.emitCounts(jobName, counts)
		return json.Marshal(counts)
	}

	encoded, err := lake.EncodeRows(valid)
	if err != nil {
		return nil, fmt.Errorf("encode parquet batch: %w", err)
	}

	objectKey := lake.ObjectKey(e.tenantID, e.dataType, until)
	if err := e.store.Put(ctx, objectKey, encoded); err != nil {
		return nil, fmt.Errorf("write raw object %s: %w", objectKey, err)
	}

	counts.RowsWritten = len(valid)
	counts.ObjectKey = objectKey
	counts.BytesWritten = int64(len(encoded))

	// The watermark moves only after the object landed; a failed write
	// leaves the window to be re-extracted next run.
	if _, err := e.watermarks.Advance(ctx, key, until); err != nil {
		return nil, fmt.Errorf("advance bronze watermark: %w", err)
	}

	e.logger.InfoContext(ctx, "bronze window extracted",
		"job", jobName,
		"object_key", objectKey,
		"rows_written", counts.RowsWritten,
		"rows_excluded", counts.RowsExcluded,
		"bytes", counts.BytesWritten)

	if e.trigger != nil {
		silverJob := SilverJobName(e.dataType)
		if err := e.trigger.Enqueue(ctx, silverJob); err != nil {
			// The silver stage catches up from its own watermark on the
			// next scheduled run, so a lost enqueue is not fatal.
			e.logger.ErrorContext(ctx, "failed to enqueue silver follow-up",
				"job", jobName, "silver_job", silverJob, "error", err)
		}
	}

	e.emitCounts(jobName, counts)
	return json.Marshal(counts)
}

func (e *BronzeExtractor) emitCounts(jobName string, counts model.ExtractCounts) {
	metrics.EmitBatchCounts(e.metrics, jobName, map[string]int{
		"rows_read":     counts.RowsRead,
		"rows_excluded": counts.RowsExcluded,
		"rows_written":  counts.RowsWritten,
	})
}
