package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stanstork/stratum-transfer/internal/apperr"
	"github.com/stanstork/stratum-transfer/internal/engine"
	"github.com/stanstork/stratum-transfer/internal/engine/enginetest"
	"github.com/stanstork/stratum-transfer/internal/models"
)

func newEngine() *engine.Engine {
	return engine.New(zerolog.Nop())
}

func letters(vals ...string) [][]any {
	rows := make([][]any, len(vals))
	for i, v := range vals {
		rows[i] = []any{v}
	}
	return rows
}

func numbered(n int) [][]any {
	rows := make([][]any, n)
	for i := range rows {
		rows[i] = []any{int64(i + 1), "row"}
	}
	return rows
}

func TestDeleteInsertSync_ReplacesTargetWithSource(t *testing.T) {
	tgt := enginetest.NewTarget()
	tgt.Seed("dbo.items", []string{"code"}, letters("A", "B", "C")...)
	src := &enginetest.Rows{Columns: []string{"code"}, Data: letters("B", "C", "D")}

	out := newEngine().DeleteInsertSync(context.Background(), src, tgt, engine.SyncSpec{
		TargetTable: "dbo.items",
		BatchSize:   1000,
		Scope:       models.SyncScope{Mode: models.SyncScopeFull},
	})

	require.Equal(t, models.JobStatusCompleted, out.Status, "%v", out.Err)
	assert.Equal(t, letters("B", "C", "D"), tgt.Rows("dbo.items"))
	assert.Equal(t, int64(3), out.Result.RowsDeleted)
	assert.Equal(t, int64(3), out.Result.RowsAffected)
	assert.Equal(t, 1, out.Result.BatchCount)
	assert.Equal(t, []string{"dbo.items"}, out.Result.TablesTouched)
}

func TestDeleteInsertSync_EmptySourceEmptiesTarget(t *testing.T) {
	tgt := enginetest.NewTarget()
	tgt.Seed("items", []string{"code"}, letters("A", "B")...)
	src := &enginetest.Rows{Columns: []string{"code"}}

	out := newEngine().DeleteInsertSync(context.Background(), src, tgt, engine.SyncSpec{
		TargetTable: "items",
		BatchSize:   10,
	})

	require.Equal(t, models.JobStatusCompleted, out.Status)
	assert.Empty(t, tgt.Rows("items"))
	assert.Equal(t, int64(2), out.Result.RowsDeleted)
	assert.Equal(t, int64(0), out.Result.RowsAffected)
}

func TestDeleteInsertSync_FirstBatchFailureLeavesTargetUnchanged(t *testing.T) {
	tgt := enginetest.NewTarget()
	tgt.Seed("items", []string{"code"}, letters("A", "B", "C")...)
	tgt.FailInsertOn = 1
	src := &enginetest.Rows{Columns: []string{"code"}, Data: letters("X", "Y")}

	out := newEngine().DeleteInsertSync(context.Background(), src, tgt, engine.SyncSpec{
		TargetTable: "items",
		BatchSize:   10,
	})

	require.Equal(t, models.JobStatusFailed, out.Status)
	require.NotNil(t, out.Err)
	assert.Equal(t, apperr.KindData, out.Err.Kind)
	assert.Equal(t, 1, out.Err.Batch)
	assert.Equal(t, letters("A", "B", "C"), tgt.Rows("items"))
}

func TestDeleteInsertSync_LaterBatchFailureReportsPartialTarget(t *testing.T) {
	tgt := enginetest.NewTarget()
	tgt.Seed("items", []string{"id", "label"}, []any{int64(99), "old"})
	tgt.FailInsertOn = 2
	src := &enginetest.Rows{Columns: []string{"id", "label"}, Data: numbered(5)}

	out := newEngine().DeleteInsertSync(context.Background(), src, tgt, engine.SyncSpec{
		TargetTable: "items",
		BatchSize:   2,
	})

	require.Equal(t, models.JobStatusFailed, out.Status)
	assert.Contains(t, out.Err.Error(), "target items left partial")
	assert.Equal(t, 2, out.Err.Batch)
	assert.Equal(t, int64(2), out.Err.Offset)
	assert.Equal(t, numbered(2), tgt.Rows("items"))
	assert.Equal(t, int64(2), out.Result.RowsAffected)
	assert.Equal(t, int64(1), out.Result.RowsDeleted)
}

func TestDeleteInsertSync_KeyRangeScope(t *testing.T) {
	tgt := enginetest.NewTarget()
	tgt.Seed("items", []string{"id", "label"},
		[]any{int64(1), "keep"}, []any{int64(5), "drop"}, []any{int64(7), "drop"}, []any{int64(20), "keep"})
	src := &enginetest.Rows{Columns: []string{"id", "label"}, Data: [][]any{{int64(6), "new"}}}

	out := newEngine().DeleteInsertSync(context.Background(), src, tgt, engine.SyncSpec{
		TargetTable: "items",
		BatchSize:   10,
		Scope:       models.SyncScope{Mode: models.SyncScopeKeyRange, KeyColumn: "id", From: 5, To: 10},
	})

	require.Equal(t, models.JobStatusCompleted, out.Status, "%v", out.Err)
	assert.Equal(t, int64(2), out.Result.RowsDeleted)
	assert.ElementsMatch(t, [][]any{{int64(1), "keep"}, {int64(20), "keep"}, {int64(6), "new"}}, tgt.Rows("items"))
}

func TestBulkTransfer_PagesByBatchSize(t *testing.T) {
	tgt := enginetest.NewTarget()
	src := &enginetest.Rows{Columns: []string{"id", "label"}, Data: numbered(5)}

	out := newEngine().BulkTransfer(context.Background(), src, tgt, engine.TransferSpec{
		TargetTable: "dbo.copy",
		BatchSize:   2,
	})

	require.Equal(t, models.JobStatusCompleted, out.Status)
	assert.Equal(t, 3, out.Result.BatchCount)
	assert.Equal(t, int64(5), out.Result.RowsAffected)
	assert.Equal(t, numbered(5), tgt.Rows("dbo.copy"))
	assert.Equal(t, 3, tgt.Commits())
}

func TestBulkTransfer_ExactMultipleEndsOnEmptyPage(t *testing.T) {
	tgt := enginetest.NewTarget()
	src := &enginetest.Rows{Columns: []string{"id", "label"}, Data: numbered(4)}

	out := newEngine().BulkTransfer(context.Background(), src, tgt, engine.TransferSpec{TargetTable: "t", BatchSize: 2})

	require.Equal(t, models.JobStatusCompleted, out.Status)
	assert.Equal(t, 2, out.Result.BatchCount)
	assert.Equal(t, 3, src.Calls())
}

func TestBulkTransfer_FailureKeepsEarlierBatches(t *testing.T) {
	tgt := enginetest.NewTarget()
	tgt.FailInsertOn = 2
	src := &enginetest.Rows{Columns: []string{"id", "label"}, Data: numbered(5)}

	out := newEngine().BulkTransfer(context.Background(), src, tgt, engine.TransferSpec{TargetTable: "t", BatchSize: 2})

	require.Equal(t, models.JobStatusFailed, out.Status)
	assert.Equal(t, 2, out.Err.Batch)
	assert.Equal(t, int64(2), out.Err.Offset)
	assert.Contains(t, out.Err.Error(), "batch 2 at row offset 2")
	assert.Equal(t, int64(2), out.Result.RowsAffected)
	assert.Len(t, tgt.Rows("t"), 2)
}

func TestBulkTransfer_SourceReadFailure(t *testing.T) {
	src := &enginetest.Rows{Columns: []string{"id"}, Data: numbered(5), FailOnCall: 2, Err: errors.New("connection reset")}

	out := newEngine().BulkTransfer(context.Background(), src, enginetest.NewTarget(), engine.TransferSpec{TargetTable: "t", BatchSize: 2})

	require.Equal(t, models.JobStatusFailed, out.Status)
	assert.Equal(t, 2, out.Err.Batch)
	assert.Contains(t, out.Err.Error(), "connection reset")
}

func TestBulkTransfer_ColumnMapping(t *testing.T) {
	tgt := enginetest.NewTarget()
	src := &enginetest.Rows{
		Columns: []string{"ID", "Name", "Ignored"},
		Data:    [][]any{{int64(1), "a", true}, {int64(2), "b", false}},
	}

	out := newEngine().BulkTransfer(context.Background(), src, tgt, engine.TransferSpec{
		TargetTable: "people",
		BatchSize:   10,
		Mapping:     []models.ColumnMapping{{Source: "name", Target: "full_name"}, {Source: "id", Target: "person_id"}},
	})

	require.Equal(t, models.JobStatusCompleted, out.Status, "%v", out.Err)
	assert.Equal(t, []string{"full_name", "person_id"}, tgt.Columns("people"))
	assert.Equal(t, [][]any{{"a", int64(1)}, {"b", int64(2)}}, tgt.Rows("people"))
}

func TestBulkTransfer_UnknownMappedColumn(t *testing.T) {
	src := &enginetest.Rows{Columns: []string{"id"}, Data: numbered(1)}

	out := newEngine().BulkTransfer(context.Background(), src, enginetest.NewTarget(), engine.TransferSpec{
		TargetTable: "t",
		BatchSize:   10,
		Mapping:     []models.ColumnMapping{{Source: "missing", Target: "x"}},
	})

	require.Equal(t, models.JobStatusFailed, out.Status)
	assert.Equal(t, apperr.KindData, out.Err.Kind)
	assert.Contains(t, out.Err.Error(), `"missing"`)
}

func TestBulkTransfer_CancelledBetweenBatches(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tgt := enginetest.NewTarget()
	src := &enginetest.Rows{
		Columns: []string{"id", "label"},
		Data:    numbered(10),
		OnPage: func(call int) {
			if call == 2 {
				cancel()
			}
		},
	}

	out := newEngine().BulkTransfer(ctx, src, tgt, engine.TransferSpec{TargetTable: "t", BatchSize: 2})

	require.Equal(t, models.JobStatusCancelled, out.Status)
	assert.Nil(t, out.Err)
	assert.Equal(t, 2, out.Result.BatchCount)
	assert.Equal(t, int64(4), out.Result.RowsAffected)
	assert.Len(t, tgt.Rows("t"), 4)
}

func TestBulkTransfer_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := &enginetest.Rows{Columns: []string{"id"}, Data: numbered(3)}

	out := newEngine().BulkTransfer(ctx, src, enginetest.NewTarget(), engine.TransferSpec{TargetTable: "t", BatchSize: 2})

	assert.Equal(t, models.JobStatusCancelled, out.Status)
	assert.Equal(t, 0, src.Calls())
}

func TestDocumentTransfer_JSONMode(t *testing.T) {
	tgt := enginetest.NewTarget()
	docs := []engine.Document{
		{"_id": "a1", "total": 10.5},
		{"_id": "a2", "items": []any{"x", "y"}},
		{"_id": "a3", "customer": map[string]any{"name": "Ann"}},
	}
	src := &enginetest.Documents{Docs: docs}

	out := newEngine().DocumentTransfer(context.Background(), src, tgt, engine.DocumentSpec{
		TargetTable: "Orders",
		BatchSize:   2,
		JSONMode:    true,
	})

	require.Equal(t, models.JobStatusCompleted, out.Status, "%v", out.Err)
	assert.Equal(t, []string{"Orders_JSON"}, tgt.Tables())
	assert.Equal(t, []string{engine.DocumentColumn}, tgt.Columns("Orders_JSON"))
	rows := tgt.Rows("Orders_JSON")
	require.Len(t, rows, 3)
	assert.JSONEq(t, `{"_id":"a3","customer":{"name":"Ann"}}`, rows[2][0].(string))
	assert.Equal(t, int64(3), out.Result.RowsAffected)
	assert.Equal(t, 2, out.Result.BatchCount)
	assert.Equal(t, []string{"Orders_JSON"}, out.Result.TablesTouched)
}

var orderFields = []models.FieldMapping{
	{Field: "_id", Column: "order_id", Type: models.FieldTypeString, Required: true},
	{Field: "qty", Column: "qty", Type: models.FieldTypeInt},
	{Field: "customer.name", Column: "customer_name", Type: models.FieldTypeString},
	{Field: "items", Column: "items", Type: models.FieldTypeJSON},
	{Field: "placed", Column: "placed_at", Type: models.FieldTypeDatetime},
}

func orderDocs() []engine.Document {
	return []engine.Document{
		{"_id": "o1", "qty": 3, "customer": map[string]any{"name": "Ann"}, "items": []any{"x"}, "placed": "2024-03-01T10:00:00Z"},
		{"_id": "o2", "qty": "many"},
		{"_id": "o3", "qty": "7"},
	}
}

func TestDocumentTransfer_ProjectsAndCoercesFields(t *testing.T) {
	tgt := enginetest.NewTarget()
	src := &enginetest.Documents{Docs: orderDocs()[:1]}

	out := newEngine().DocumentTransfer(context.Background(), src, tgt, engine.DocumentSpec{
		TargetTable: "orders",
		Fields:      orderFields,
		BatchSize:   10,
		Policy:      models.MappingErrorSkip,
		CreateTable: true,
	})

	require.Equal(t, models.JobStatusCompleted, out.Status, "%v", out.Err)
	assert.Equal(t, []string{"order_id", "qty", "customer_name", "items", "placed_at"}, tgt.Columns("orders"))
	rows := tgt.Rows("orders")
	require.Len(t, rows, 1)
	assert.Equal(t, "o1", rows[0][0])
	assert.Equal(t, int64(3), rows[0][1])
	assert.Equal(t, "Ann", rows[0][2])
	assert.Equal(t, `["x"]`, rows[0][3])
	placed, ok := rows[0][4].(time.Time)
	require.True(t, ok)
	assert.True(t, placed.Equal(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)))
}

func TestDocumentTransfer_SkipPolicyCountsMismatches(t *testing.T) {
	tgt := enginetest.NewTarget()
	src := &enginetest.Documents{Docs: append(orderDocs(), engine.Document{"qty": 1})}

	out := newEngine().DocumentTransfer(context.Background(), src, tgt, engine.DocumentSpec{
		TargetTable: "orders",
		Fields:      orderFields,
		BatchSize:   10,
		Policy:      models.MappingErrorSkip,
	})

	require.Equal(t, models.JobStatusCompleted, out.Status)
	assert.Equal(t, int64(2), out.Result.SkippedCount, "non-numeric qty and missing _id")
	assert.Equal(t, int64(2), out.Result.RowsAffected)
	rows := tgt.Rows("orders")
	require.Len(t, rows, 2)
	assert.Equal(t, "o3", rows[1][0])
	assert.Equal(t, int64(7), rows[1][1])
	assert.Nil(t, rows[1][2])
}

func TestDocumentTransfer_AbortPolicyFailsBatch(t *testing.T) {
	tgt := enginetest.NewTarget()
	src := &enginetest.Documents{Docs: orderDocs()}

	out := newEngine().DocumentTransfer(context.Background(), src, tgt, engine.DocumentSpec{
		TargetTable: "orders",
		Fields:      orderFields,
		BatchSize:   10,
		Policy:      models.MappingErrorAbort,
	})

	require.Equal(t, models.JobStatusFailed, out.Status)
	assert.Equal(t, apperr.KindData, out.Err.Kind)
	assert.Equal(t, 1, out.Err.Batch)
	assert.Equal(t, int64(1), out.Err.Offset)
	assert.Contains(t, out.Err.Error(), `"qty"`)
	assert.Empty(t, tgt.Rows("orders"))
}

var addressFields = []models.FieldMapping{
	{Field: "code", Column: "code", Type: models.FieldTypeString, Required: true},
	{Field: "address", Column: "address", Type: models.FieldTypeString},
}

func addressDocs() []engine.Document {
	return []engine.Document{
		{"code": "a", "address": map[string]any{"city": "Oslo"}},
		{"code": "b", "address": "Main St"},
	}
}

func TestDocumentTransfer_NestedValueForScalarFieldIsSkipped(t *testing.T) {
	tgt := enginetest.NewTarget()
	src := &enginetest.Documents{Docs: addressDocs()}

	out := newEngine().DocumentTransfer(context.Background(), src, tgt, engine.DocumentSpec{
		TargetTable: "sites",
		Fields:      addressFields,
		BatchSize:   10,
		Policy:      models.MappingErrorSkip,
	})

	require.Equal(t, models.JobStatusCompleted, out.Status, "%v", out.Err)
	assert.Equal(t, int64(1), out.Result.SkippedCount)
	assert.Equal(t, int64(1), out.Result.RowsAffected)
	assert.Equal(t, [][]any{{"b", "Main St"}}, tgt.Rows("sites"))
}

func TestDocumentTransfer_NestedValueForScalarFieldAborts(t *testing.T) {
	tgt := enginetest.NewTarget()
	src := &enginetest.Documents{Docs: addressDocs()}

	out := newEngine().DocumentTransfer(context.Background(), src, tgt, engine.DocumentSpec{
		TargetTable: "sites",
		Fields:      addressFields,
		BatchSize:   10,
		Policy:      models.MappingErrorAbort,
	})

	require.Equal(t, models.JobStatusFailed, out.Status)
	assert.Equal(t, apperr.KindData, out.Err.Kind)
	assert.Equal(t, int64(0), out.Err.Offset)
	assert.Contains(t, out.Err.Error(), `field "address" holds a nested value`)
	assert.Empty(t, tgt.Rows("sites"))
}

func TestDocumentTransfer_DottedKeyAndArrayIndex(t *testing.T) {
	tgt := enginetest.NewTarget()
	src := &enginetest.Documents{Docs: []engine.Document{
		{"geo.zone": "north", "tags": []any{"x", "y"}},
	}}

	out := newEngine().DocumentTransfer(context.Background(), src, tgt, engine.DocumentSpec{
		TargetTable: "zones",
		Fields: []models.FieldMapping{
			{Field: "geo.zone", Column: "zone", Type: models.FieldTypeString},
			{Field: "tags.1", Column: "second_tag", Type: models.FieldTypeString},
		},
		BatchSize: 10,
		Policy:    models.MappingErrorAbort,
	})

	require.Equal(t, models.JobStatusCompleted, out.Status, "%v", out.Err)
	assert.Equal(t, [][]any{{"north", "y"}}, tgt.Rows("zones"))
}
