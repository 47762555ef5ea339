package engine

import (
	"context"

	"github.com/pkg/errors"

	"github.com/stanstork/stratum-transfer/internal/apperr"
	"github.com/stanstork/stratum-transfer/internal/models"
)

// SyncSpec configures DeleteInsertSync.
type SyncSpec struct {
	TargetTable string
	Mapping     []models.ColumnMapping
	BatchSize   int
	Scope       models.SyncScope
}

// DeleteInsertSync replaces the scoped rows of the target table with the
// source snapshot. The scope delete and the first page commit together, so
// a failure there leaves the target untouched. Every later page commits on
// its own; a failure after the first commit leaves the target partial.
func (e *Engine) DeleteInsertSync(ctx context.Context, src RowSource, tgt Target, spec SyncSpec) Outcome {
	res := models.JobResult{TablesTouched: []string{spec.TargetTable}}
	log := e.logger.With().Str("op", "delete_insert_sync").Str("table", spec.TargetTable).Logger()

	if ctx.Err() != nil {
		return cancelled(res)
	}

	columns, rows, err := src.Page(ctx, 0, spec.BatchSize)
	if err != nil {
		return failed(ctx, res, errors.Wrap(err, "failed to read source"), 1, 0)
	}
	proj, err := newProjection(columns, spec.Mapping)
	if err != nil {
		return failed(ctx, res, err, 1, 0)
	}

	deleted, err := e.deleteAndInsertFirst(ctx, tgt, spec, proj, rows)
	if err != nil {
		return failed(ctx, res, err, 1, 0)
	}
	res.RowsDeleted = deleted
	res.RowsAffected = int64(len(rows))
	res.BatchCount = 1
	log.Debug().Int64("deleted", deleted).Int("rows", len(rows)).Msg("first batch committed")

	offset := int64(len(rows))
	for len(rows) == spec.BatchSize {
		if ctx.Err() != nil {
			return cancelled(res)
		}
		batch := res.BatchCount + 1

		_, rows, err = src.Page(ctx, offset, spec.BatchSize)
		if err != nil {
			return failed(ctx, res, partial(spec.TargetTable, res, err), batch, offset)
		}
		if len(rows) == 0 {
			break
		}
		if err := commitPage(ctx, tgt, spec.TargetTable, proj.columns, proj.apply(rows)); err != nil {
			return failed(ctx, res, partial(spec.TargetTable, res, err), batch, offset)
		}

		res.RowsAffected += int64(len(rows))
		res.BatchCount = batch
		offset += int64(len(rows))
		log.Debug().Int("batch", batch).Int64("offset", offset).Msg("batch committed")
	}

	return completed(res)
}

func (e *Engine) deleteAndInsertFirst(
	ctx context.Context, tgt Target, spec SyncSpec, proj *projection, rows [][]any,
) (int64, error) {
	tx, err := tgt.Begin(ctx)
	if err != nil {
		return 0, apperr.Connectivity(err, "failed to begin transaction on %s", spec.TargetTable)
	}
	deleted, err := tx.Delete(ctx, spec.TargetTable, spec.Scope)
	if err != nil {
		_ = tx.Rollback()
		return 0, apperr.Data(err, "failed to delete scope of %s, target unchanged", spec.TargetTable)
	}
	if len(rows) > 0 {
		if err := tx.BulkInsert(ctx, spec.TargetTable, proj.columns, proj.apply(rows)); err != nil {
			_ = tx.Rollback()
			return 0, apperr.Data(err, "failed to insert first batch into %s, target unchanged", spec.TargetTable)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, apperr.Data(err, "failed to commit first batch into %s, target unchanged", spec.TargetTable)
	}
	return deleted, nil
}

// partial wraps a post-delete failure with the partial-state warning.
func partial(table string, res models.JobResult, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return apperr.Data(err, "target %s left partial: %d rows committed after delete", table, res.RowsAffected)
}
