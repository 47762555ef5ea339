package engine

import (
	"context"

	"github.com/pkg/errors"

	"github.com/stanstork/stratum-transfer/internal/apperr"
	"github.com/stanstork/stratum-transfer/internal/models"
)

// TransferSpec configures BulkTransfer.
type TransferSpec struct {
	TargetTable string
	Mapping     []models.ColumnMapping
	BatchSize   int
}

// BulkTransfer appends the source rows to the target table page by page.
// Each page is bulk-loaded in its own transaction; pages committed before a
// failure stay committed.
func (e *Engine) BulkTransfer(ctx context.Context, src RowSource, tgt Target, spec TransferSpec) Outcome {
	res := models.JobResult{TablesTouched: []string{spec.TargetTable}}
	log := e.logger.With().Str("op", "bulk_transfer").Str("table", spec.TargetTable).Logger()

	var (
		proj   *projection
		offset int64
	)
	for batch := 1; ; batch++ {
		if ctx.Err() != nil {
			return cancelled(res)
		}

		columns, rows, err := src.Page(ctx, offset, spec.BatchSize)
		if err != nil {
			return failed(ctx, res, errors.Wrapf(err, "failed to read source page %d", batch), batch, offset)
		}
		if len(rows) == 0 {
			break
		}
		if proj == nil {
			if proj, err = newProjection(columns, spec.Mapping); err != nil {
				return failed(ctx, res, err, batch, offset)
			}
		}

		if err := commitPage(ctx, tgt, spec.TargetTable, proj.columns, proj.apply(rows)); err != nil {
			if !errors.Is(err, context.Canceled) {
				err = apperr.Data(err, "batch %d at row offset %d failed after %d rows committed",
					batch, offset, res.RowsAffected)
			}
			return failed(ctx, res, err, batch, offset)
		}

		res.RowsAffected += int64(len(rows))
		res.BatchCount = batch
		offset += int64(len(rows))
		log.Debug().Int("batch", batch).Int64("offset", offset).Msg("batch committed")

		if len(rows) < spec.BatchSize {
			break
		}
	}

	return completed(res)
}
