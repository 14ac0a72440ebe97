package etl

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aurelia-ai/pipeline/internal/data"
	"github.com/aurelia-ai/pipeline/internal/domain/model"
	"github.com/aurelia-ai/pipeline/internal/lake"
	"github.com/aurelia-ai/pipeline/internal/objectstore"
	"github.com/aurelia-ai/pipeline/internal/observability/metrics"
	"github.com/aurelia-ai/pipeline/internal/observability/statsd"
)

const defaultReadConcurrency = 4

// CleanedRecordWriter persists a batch of cleaned records.
type CleanedRecordWriter interface {
	UpsertBatch(ctx context.Context, records []*model.CleanedRecord) (int, error)
}

// SilverOptions configures one tenant/data-type transformer.
type SilverOptions struct {
	TenantID string
	DataType model.DataType

	Store      objectstore.Store
	Records    CleanedRecordWriter
	Watermarks WatermarkStore

	// ReadConcurrency bounds parallel object reads. Zero means the default.
	ReadConcurrency int

	Logger  *slog.Logger
	Metrics statsd.Sink
	// Now may be nil for the system clock.
	Now func() time.Time
}

// SilverTransformer folds unprocessed raw objects into the cleaned
// relational store and advances the silver watermark past them.
type SilverTransformer struct {
	tenantID    string
	dataType    model.DataType
	store       objectstore.Store
	records     CleanedRecordWriter
	watermarks  WatermarkStore
	concurrency int
	logger      *slog.Logger
	metrics     statsd.Sink
	now         func() time.Time
}

// NewSilverTransformer creates a SilverTransformer from options.
func NewSilverTransformer(opts SilverOptions) (*SilverTransformer, error) {
	if opts.TenantID == "" {
		return nil, fmt.Errorf("silver: tenant id is required")
	}
	if !opts.DataType.Valid() {
		return nil, fmt.Errorf("silver: invalid data type %q", opts.DataType)
	}
	if opts.Store == nil || opts.Records == nil || opts.Watermarks == nil {
		return nil, fmt.Errorf("silver: store, records, and watermarks are required")
	}
	concurrency := opts.ReadConcurrency
	if concurrency <= 0 {
		concurrency = defaultReadConcurrency
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &SilverTransformer{
		tenantID:    opts.TenantID,
		dataType:    opts.DataType,
		store:       opts.Store,
		records:     opts.Records,
		watermarks:  opts.Watermarks,
		concurrency: concurrency,
		logger:      logger,
		metrics:     opts.Metrics,
		now:         now,
	}, nil
}

func (t *SilverTransformer) watermarkKey() data.WatermarkKey {
	return data.WatermarkKey{
		TenantID: t.tenantID,
		DataType: t.dataType,
		Stage:    model.StageSilver,
	}
}

// sourcedRow pairs a decoded row with the object key it came from, for
// the equal-timestamp dedup tie-break.
type sourcedRow struct {
	row       *model.SourceRow
	objectKey string
}

// Run processes every raw object newer than the silver watermark and
// returns the transform counts as the run summary.
func (t *SilverTransformer) Run(ctx context.Context) (json.RawMessage, error) {
	key := t.watermarkKey()
	jobName := SilverJobName(t.dataType)

	mark, err := t.watermarks.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read silver watermark: %w", err)
	}

	infos, err := t.store.List(ctx, lake.Prefix(t.tenantID, t.dataType))
	if err != nil {
		return nil, fmt.Errorf("list raw objects: %w", err)
	}

	// The key timestamp is the extraction window end, so filtering on it
	// is stable across replays even when an object is overwritten.
	pending := make([]string, 0, len(infos))
	var maxWindowEnd time.Time
	for _, info := range infos {
		parsed, pErr := lake.ParseKey(info.Key)
		if pErr != nil {
			t.logger.WarnContext(ctx, "ignoring object with malformed key",
				"job", jobName, "key", info.Key, "error", pErr)
			continue
		}
		if !parsed.WindowEnd.After(mark) {
			continue
		}
		pending = append(pending, info.Key)
		if parsed.WindowEnd.After(maxWindowEnd) {
			maxWindowEnd = parsed.WindowEnd
		}
	}

	counts := model.TransformCounts{}
	if len(pending) == 0 {
		t.logger.InfoContext(ctx, "no raw objects past watermark", "job", jobName, "watermark", mark)
		t.emitCounts(jobName, counts)
		return json.Marshal(counts)
	}
	sort.Strings(pending)
	counts.ObjectsRead = len(pending)

	rows, err := t.readObjects(ctx, pending)
	if err != nil {
		return nil, err
	}
	counts.RowsRead = len(rows)

	deduped := dedupLatest(rows)
	counts.RowsDeduped = counts.RowsRead - len(deduped)

	ingested := t.now().UTC()
	cleaned := make([]*model.CleanedRecord, 0, len(deduped))
	for _, sr := range deduped {
		payload, cErr := cleanPayload(t.dataType, sr.row.Payload)
		if cErr != nil {
			counts.RowsRejected++
			t.logger.WarnContext(ctx, "rejecting invalid record",
				"job", jobName, "record_id", sr.row.ID, "error", cErr)
			continue
		}
		cleaned = append(cleaned, &model.CleanedRecord{
			ID:              sr.row.ID,
			TenantID:        sr.row.TenantID,
			DataType:        t.dataType,
			SourceUpdatedAt: sr.row.UpdatedAt.UTC(),
			Payload:         payload,
			IngestedAt:      ingested,
		})
	}

	if len(cleaned) > 0 {
		upserted, uErr := t.records.UpsertBatch(ctx, cleaned)
		if uErr != nil {
			return nil, fmt.Errorf("upsert cleaned batch: %w", uErr)
		}
		counts.RowsUpserted = upserted
	}

	if _, err := t.watermarks.Advance(ctx, key, maxWindowEnd); err != nil {
		return nil, fmt.Errorf("advance silver watermark: %w", err)
	}

	t.logger.InfoContext(ctx, "silver batch transformed",
		"job", jobName,
		"objects_read", counts.ObjectsRead,
		"rows_read", counts.RowsRead,
		"rows_deduped", counts.RowsDeduped,
		"rows_rejected", counts.RowsRejected,
		"rows_upserted", counts.RowsUpserted)

	t.emitCounts(jobName, counts)
	return json.Marshal(counts)
}

// readObjects decodes the pending objects with bounded parallelism,
// preserving which object each row came from.
func (t *SilverTransformer) readObjects(ctx context.Context, keys []string) ([]sourcedRow, error) {
	var mu sync.Mutex
	var rows []sourcedRow

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(t.concurrency)
	for _, objectKey := range keys {
		g.Go(func() error {
			payload, err := t.store.Get(gCtx, objectKey)
			if err != nil {
				return fmt.Errorf("read raw object %s: %w", objectKey, err)
			}
			decoded, err := lake.DecodeRows(payload)
			if err != nil {
				return fmt.Errorf("decode raw object %s: %w", objectKey, err)
			}
			mu.Lock()
			for _, row := range decoded {
				rows = append(rows, sourcedRow{row: row, objectKey: objectKey})
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return rows, nil
}

// dedupLatest keeps one row per id: the latest source update wins, and
// equal timestamps resolve to the row from the greater object key, which
// embeds the later extraction window.
func dedupLatest(rows []sourcedRow) []sourcedRow {
	byID := make(map[string]sourcedRow, len(rows))
	order := make([]string, 0, len(rows))
	for _, sr := range rows {
		existing, ok := byID[sr.row.ID]
		if !ok {
			byID[sr.row.ID] = sr
			order = append(order, sr.row.ID)
			continue
		}
		switch {
		case sr.row.UpdatedAt.After(existing.row.UpdatedAt):
			byID[sr.row.ID] = sr
		case sr.row.UpdatedAt.Equal(existing.row.UpdatedAt) && sr.objectKey > existing.objectKey:
			byID[sr.row.ID] = sr
		}
	}

	out := make([]sourcedRow, 0, len(byID))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out
}

func (t *SilverTransformer) emitCounts(jobName string, counts model.TransformCounts) {
	metrics.EmitBatchCounts(t.metrics, jobName, map[string]int{
		"objects_read":  counts.ObjectsRead,
		"rows_read":     counts.RowsRead,
		"rows_deduped":  counts.RowsDeduped,
		"rows_rejected": counts.RowsRejected,
		"rows_upserted": counts.RowsUpserted,
	})
}
