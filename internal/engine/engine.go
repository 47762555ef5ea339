// Package engine implements the three transfer algorithms the worker runs:
// delete-insert sync, paged bulk transfer and document-to-relational
// transfer. Operations never panic on data errors; every call returns an
// Outcome. Cancellation is observed between batches only.
package engine

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/stanstork/stratum-transfer/internal/apperr"
	"github.com/stanstork/stratum-transfer/internal/models"
)

// RowSource pages through the result of a relational source query.
type RowSource interface {
	// Page returns up to limit rows starting at offset. An empty page marks
	// the end of the source.
	Page(ctx context.Context, offset int64, limit int) (columns []string, rows [][]any, err error)
}

// Document is one decoded source document.
type Document = map[string]any

// DocumentSource pages through a document collection.
type DocumentSource interface {
	Page(ctx context.Context, skip int64, limit int) ([]Document, error)
}

// Column describes a target column created by EnsureTable.
type Column struct {
	Name string
	Type models.FieldType
}

// Target is a relational destination.
type Target interface {
	Begin(ctx context.Context) (Tx, error)
	// EnsureTable creates table with the given columns when it does not exist.
	EnsureTable(ctx context.Context, table string, columns []Column) error
}

// Tx is one target transaction.
type Tx interface {
	Delete(ctx context.Context, table string, scope models.SyncScope) (int64, error)
	BulkInsert(ctx context.Context, table string, columns []string, rows [][]any) error
	Commit() error
	Rollback() error
}

// Outcome is the tagged result of an engine operation. Result holds the
// committed totals; for failed and cancelled outcomes it is the progress
// made before the stop.
type Outcome struct {
	Status models.JobStatus
	Result models.JobResult
	Err    *apperr.Error
}

// Engine runs transfers. It holds no per-job state.
type Engine struct {
	logger zerolog.Logger
}

func New(logger zerolog.Logger) *Engine {
	return &Engine{logger: logger.With().Str("component", "engine").Logger()}
}

func completed(res models.JobResult) Outcome {
	return Outcome{Status: models.JobStatusCompleted, Result: res}
}

func cancelled(res models.JobResult) Outcome {
	return Outcome{Status: models.JobStatusCancelled, Result: res}
}

// failed builds the failed outcome for err. A context cancellation that
// surfaced through a driver call is reported as cancelled instead.
func failed(ctx context.Context, res models.JobResult, err error, batch int, offset int64) Outcome {
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return cancelled(res)
	}
	ae, ok := apperr.As(err)
	if !ok {
		ae = apperr.Data(err, "transfer failed")
	}
	if ae.Batch == 0 && batch > 0 {
		ae = ae.AtBatch(batch, offset)
	}
	return Outcome{Status: models.JobStatusFailed, Result: res, Err: ae}
}

// commitPage inserts rows into table within a single transaction.
func commitPage(ctx context.Context, tgt Target, table string, columns []string, rows [][]any) error {
	tx, err := tgt.Begin(ctx)
	if err != nil {
		return apperr.Connectivity(err, "failed to begin transaction on %s", table)
	}
	if err := tx.BulkInsert(ctx, table, columns, rows); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrapf(err, "failed to commit batch into %s", table)
	}
	return nil
}
