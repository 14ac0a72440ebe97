package etl

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurelia-ai/pipeline/internal/data"
	"github.com/aurelia-ai/pipeline/internal/domain/model"
	"github.com/aurelia-ai/pipeline/internal/lake"
	"github.com/aurelia-ai/pipeline/internal/objectstore"
	"github.com/aurelia-ai/pipeline/internal/testutil"
)

type stubSource struct {
	rows       []*model.SourceRow
	err        error
	lastParams data.WindowParams
}

func (s *stubSource) ListWindow(_ context.Context, params data.WindowParams) ([]*model.SourceRow, error) {
	s.lastParams = params
	return s.rows, s.err
}

type memWatermarks struct {
	mu    sync.Mutex
	marks map[data.WatermarkKey]time.Time
}

func newMemWatermarks() *memWatermarks {
	return &memWatermarks{marks: make(map[data.WatermarkKey]time.Time)}
}

func (m *memWatermarks) Get(_ context.Context, key data.WatermarkKey) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.marks[key], nil
}

func (m *memWatermarks) Advance(_ context.Context, key data.WatermarkKey, newTime time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !newTime.After(m.marks[key]) {
		return false, nil
	}
	m.marks[key] = newTime
	return true, nil
}

type stubTrigger struct {
	enqueued []string
}

func (s *stubTrigger) Enqueue(_ context.Context, jobName string) error {
	s.enqueued = append(s.enqueued, jobName)
	return nil
}

func newBronze(t *testing.T, source *stubSource, store objectstore.Store, marks *memWatermarks, trigger SilverTrigger) *BronzeExtractor {
	t.Helper()
	e, err := NewBronzeExtractor(BronzeOptions{
		TenantID:   "tenant-a",
		DataType:   model.DataTypeMessage,
		Source:     source,
		Store:      store,
		Watermarks: marks,
		Trigger:    trigger,
		Logger:     slog.New(slog.DiscardHandler),
		Now:        testutil.TestTime,
	})
	require.NoError(t, err)
	return e
}

func TestBronzeRunWritesWindow(t *testing.T) {
	rowTime := testutil.TestTime().Add(-10 * time.Minute)
	source := &stubSource{rows: []*model.SourceRow{
		testutil.NewSourceRow().WithID("row-1").WithUpdatedAt(rowTime).Build(),
		testutil.NewSourceRow().WithID("row-2").WithUpdatedAt(rowTime.Add(time.Minute)).Build(),
	}}
	store := objectstore.NewMemoryStore()
	marks := newMemWatermarks()
	trigger := &stubTrigger{}
	e := newBronze(t, source, store, marks, trigger)

	summary, err := e.Run(context.Background())
	require.NoError(t, err)

	var counts model.ExtractCounts
	require.NoError(t, json.Unmarshal(summary, &counts))
	assert.Equal(t, 2, counts.RowsRead)
	assert.Equal(t, 2, counts.RowsWritten)
	assert.Equal(t, 0, counts.RowsExcluded)
	assert.NotEmpty(t, counts.ObjectKey)
	assert.Positive(t, counts.BytesWritten)

	// The object decodes back to the rows that were written.
	payload, err := store.Get(context.Background(), counts.ObjectKey)
	require.NoError(t, err)
	decoded, err := lake.DecodeRows(payload)
	require.NoError(t, err)
	assert.Len(t, decoded, 2)

	// Watermark lands on the window end.
	mark, err := marks.Get(context.Background(), data.WatermarkKey{
		TenantID: "tenant-a", DataType: model.DataTypeMessage, Stage: model.StageBronze,
	})
	require.NoError(t, err)
	assert.True(t, mark.Equal(testutil.TestTime().Truncate(time.Second)))

	assert.Equal(t, []string{"silver:message"}, trigger.enqueued)
}

func TestBronzeRunQueriesPastWatermark(t *testing.T) {
	previous := testutil.TestTime().Add(-time.Hour)
	marks := newMemWatermarks()
	_, err := marks.Advance(context.Background(), data.WatermarkKey{
		TenantID: "tenant-a", DataType: model.DataTypeMessage, Stage: model.StageBronze,
	}, previous)
	require.NoError(t, err)

	source := &stubSource{}
	e := newBronze(t, source, objectstore.NewMemoryStore(), marks, nil)

	_, err = e.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, source.lastParams.After.Equal(previous))
	assert.True(t, source.lastParams.Until.Equal(testutil.TestTime().Truncate(time.Second)))
	assert.Equal(t, "tenant-a", source.lastParams.TenantID)
}

func TestBronzeRunEmptyWindowAdvancesNothing(t *testing.T) {
	source := &stubSource{}
	store := objectstore.NewMemoryStore()
	marks := newMemWatermarks()
	trigger := &stubTrigger{}
	e := newBronze(t, source, store, marks, trigger)

	summary, err := e.Run(context.Background())
	require.NoError(t, err)

	var counts model.ExtractCounts
	require.NoError(t, json.Unmarshal(summary, &counts))
	assert.Equal(t, 0, counts.RowsRead)
	assert.Empty(t, counts.ObjectKey)

	assert.Equal(t, 0, store.Len(), "empty window must not write an object")
	mark, err := marks.Get(context.Background(), data.WatermarkKey{
		TenantID: "tenant-a", DataType: model.DataTypeMessage, Stage: model.StageBronze,
	})
	require.NoError(t, err)
	assert.True(t, mark.IsZero(), "empty window must not move the watermark")
	assert.Empty(t, trigger.enqueued)
}

func TestBronzeRunExcludesMalformedRows(t *testing.T) {
	rowTime := testutil.TestTime().Add(-10 * time.Minute)
	source := &stubSource{rows: []*model.SourceRow{
		testutil.NewSourceRow().WithID("row-1").WithUpdatedAt(rowTime).Build(),
		{ID: "", TenantID: "tenant-a", UpdatedAt: rowTime, Payload: json.RawMessage(`{}`)},
	}}
	e := newBronze(t, source, objectstore.NewMemoryStore(), newMemWatermarks(), nil)

	summary, err := e.Run(context.Background())
	require.NoError(t, err)

	var counts model.ExtractCounts
	require.NoError(t, json.Unmarshal(summary, &counts))
	assert.Equal(t, 2, counts.RowsRead)
	assert.Equal(t, 1, counts.RowsExcluded)
	assert.Equal(t, 1, counts.RowsWritten)
}

func TestBronzeRunAllRowsMalformed(t *testing.T) {
	source := &stubSource{rows: []*model.SourceRow{
		{ID: "", TenantID: "tenant-a", UpdatedAt: testutil.TestTime(), Payload: json.RawMessage(`{}`)},
	}}
	store := objectstore.NewMemoryStore()
	marks := newMemWatermarks()
	e := newBronze(t, source, store, marks, nil)

	summary, err := e.Run(context.Background())
	require.NoError(t, err)

	var counts model.ExtractCounts
	require.NoError(t, json.Unmarshal(summary, &counts))
	assert.Equal(t, 1, counts.RowsExcluded)
	assert.Equal(t, 0, counts.RowsWritten)
	assert.Equal(t, 0, store.Len())
}

type filteringSource struct {
	rows []*model.SourceRow
}

func (s *filteringSource) ListWindow(_ context.Context, params data.WindowParams) ([]*model.SourceRow, error) {
	var out []*model.SourceRow
	for _, row := range s.rows {
		if row.UpdatedAt.After(params.After) && !row.UpdatedAt.After(params.Until) {
			out = append(out, row)
		}
	}
	return out, nil
}

func TestBronzeIncrementalWindows(t *testing.T) {
	day := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	source := &filteringSource{rows: []*model.SourceRow{
		testutil.NewSourceRow().WithID("c-1").WithUpdatedAt(day).Build(),
		testutil.NewSourceRow().WithID("c-2").WithUpdatedAt(day.Add(5 * time.Minute)).Build(),
		testutil.NewSourceRow().WithID("c-3").WithUpdatedAt(day.Add(10 * time.Minute)).Build(),
	}}
	store := objectstore.NewMemoryStore()
	marks := newMemWatermarks()

	clock := day.Add(8 * time.Minute)
	e, err := NewBronzeExtractor(BronzeOptions{
		TenantID:   "tenant-a",
		DataType:   model.DataTypeMessage,
		Source:     source,
		Store:      store,
		Watermarks: marks,
		Logger:     slog.New(slog.DiscardHandler),
		Now:        func() time.Time { return clock },
	})
	require.NoError(t, err)

	// First run: window end 10:08 captures the 10:00 and 10:05 rows.
	summary, err := e.Run(context.Background())
	require.NoError(t, err)
	var counts model.ExtractCounts
	require.NoError(t, json.Unmarshal(summary, &counts))
	assert.Equal(t, 2, counts.RowsWritten)

	mark, err := marks.Get(context.Background(), data.WatermarkKey{
		TenantID: "tenant-a", DataType: model.DataTypeMessage, Stage: model.StageBronze,
	})
	require.NoError(t, err)
	assert.True(t, mark.Equal(day.Add(8*time.Minute)))

	// Second run picks up only the remaining 10:10 row.
	clock = day.Add(15 * time.Minute)
	summary, err = e.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(summary, &counts))
	assert.Equal(t, 1, counts.RowsRead)
	assert.Equal(t, 1, counts.RowsWritten)
	assert.Equal(t, 2, store.Len())
}

func TestBronzeRunReplaySameWindowSameKey(t *testing.T) {
	rowTime := testutil.TestTime().Add(-5 * time.Minute)
	source := &stubSource{rows: []*model.SourceRow{
		testutil.NewSourceRow().WithID("row-1").WithUpdatedAt(rowTime).Build(),
	}}
	store := objectstore.NewMemoryStore()
	e := newBronze(t, source, store, newMemWatermarks(), nil)

	first, err := e.Run(context.Background())
	require.NoError(t, err)
	second, err := e.Run(context.Background())
	require.NoError(t, err)

	var c1, c2 model.ExtractCounts
	require.NoError(t, json.Unmarshal(first, &c1))
	require.NoError(t, json.Unmarshal(second, &c2))
	assert.Equal(t, c1.ObjectKey, c2.ObjectKey, "identical window must overwrite the same key")
	assert.Equal(t, 1, store.Len())
}
