package engine

import (
	"context"
	"strconv"
	"strings"

	"github.com/jeremywohl/flatten"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/spf13/cast"

	"github.com/stanstork/stratum-transfer/internal/apperr"
	"github.com/stanstork/stratum-transfer/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DocumentColumn is the single column of a json-mode table.
const DocumentColumn = "Document"

// DocumentSpec configures DocumentTransfer.
type DocumentSpec struct {
	TargetTable string
	Fields      []models.FieldMapping
	BatchSize   int
	JSONMode    bool
	Policy      models.MappingErrorPolicy
	CreateTable bool
}

// table returns the destination table, suffixed in json mode.
func (s DocumentSpec) table() string {
	if s.JSONMode {
		return s.TargetTable + models.JSONTableSuffix
	}
	return s.TargetTable
}

// DocumentTransfer copies a document collection into a relational table.
// In json mode every document is stored whole in the Document column of
// <table>_JSON. Otherwise documents are flattened and projected through the
// field mapping; a document that does not fit is skipped or aborts the job
// depending on the policy.
func (e *Engine) DocumentTransfer(ctx context.Context, src DocumentSource, tgt Target, spec DocumentSpec) Outcome {
	table := spec.table()
	res := models.JobResult{TablesTouched: []string{table}}
	log := e.logger.With().Str("op", "document_transfer").Str("table", table).Logger()

	if ctx.Err() != nil {
		return cancelled(res)
	}

	var columns []string
	switch {
	case spec.JSONMode:
		columns = []string{DocumentColumn}
		if err := tgt.EnsureTable(ctx, table, []Column{{Name: DocumentColumn, Type: models.FieldTypeJSON}}); err != nil {
			return failed(ctx, res, apperr.Data(err, "failed to ensure table %s", table), 0, 0)
		}
	default:
		columns = lo.Map(spec.Fields, func(f models.FieldMapping, _ int) string { return f.Column })
		if spec.CreateTable {
			cols := lo.Map(spec.Fields, func(f models.FieldMapping, _ int) Column {
				return Column{Name: f.Column, Type: f.Type}
			})
			if err := tgt.EnsureTable(ctx, table, cols); err != nil {
				return failed(ctx, res, apperr.Data(err, "failed to ensure table %s", table), 0, 0)
			}
		}
	}

	var skip int64
	for batch := 1; ; batch++ {
		if ctx.Err() != nil {
			return cancelled(res)
		}

		docs, err := src.Page(ctx, skip, spec.BatchSize)
		if err != nil {
			return failed(ctx, res, errors.Wrapf(err, "failed to read documents page %d", batch), batch, skip)
		}
		if len(docs) == 0 {
			break
		}

		rows := make([][]any, 0, len(docs))
		for i, doc := range docs {
			var row []any
			if spec.JSONMode {
				row, err = jsonRow(doc)
			} else {
				row, err = projectDocument(doc, spec.Fields)
			}
			if err == nil {
				rows = append(rows, row)
				continue
			}
			if spec.Policy == models.MappingErrorAbort {
				at := skip + int64(i)
				return failed(ctx, res, apperr.Data(err, "document at offset %d does not match mapping", at), batch, at)
			}
			res.SkippedCount++
			log.Debug().Err(err).Int64("offset", skip+int64(i)).Msg("document skipped")
		}

		if len(rows) > 0 {
			if err := commitPage(ctx, tgt, table, columns, rows); err != nil {
				if !errors.Is(err, context.Canceled) {
					err = apperr.Data(err, "batch %d at document offset %d failed after %d rows committed",
						batch, skip, res.RowsAffected)
				}
				return failed(ctx, res, err, batch, skip)
			}
		}

		res.RowsAffected += int64(len(rows))
		res.BatchCount = batch
		skip += int64(len(docs))
		log.Debug().Int("batch", batch).Int64("skip", skip).Int64("skipped", res.SkippedCount).Msg("batch committed")

		if len(docs) < spec.BatchSize {
			break
		}
	}

	if res.SkippedCount > 0 {
		log.Warn().Int64("skipped", res.SkippedCount).Msg("documents skipped on mapping errors")
	}
	return completed(res)
}

func jsonRow(doc Document) ([]any, error) {
	s, err := json.MarshalToString(doc)
	if err != nil {
		return nil, errors.Wrap(err, "failed to serialize document")
	}
	return []any{s}, nil
}

// projectDocument coerces each mapped field of doc into its declared type.
// A scalar column whose field holds an object or array does not match the
// mapping.
func projectDocument(doc Document, fields []models.FieldMapping) ([]any, error) {
	var flat map[string]any

	row := make([]any, len(fields))
	for i, f := range fields {
		v, ok := lookupPath(doc, f.Field)
		if !ok {
			// Keys that themselves contain dots only resolve after flattening.
			if flat == nil {
				var err error
				if flat, err = flatten.Flatten(doc, "", flatten.DotStyle); err != nil {
					return nil, errors.Wrap(err, "failed to flatten document")
				}
			}
			v, ok = flat[f.Field]
		}
		if !ok || v == nil {
			if f.Required {
				return nil, errors.Errorf("required field %q is missing", f.Field)
			}
			continue
		}
		if f.Type != models.FieldTypeJSON {
			switch v.(type) {
			case map[string]any, []any:
				return nil, errors.Errorf("field %q holds a nested value, expected %s", f.Field, f.Type)
			}
		}
		var err error
		if row[i], err = coerce(v, f.Type); err != nil {
			return nil, errors.Wrapf(err, "field %q", f.Field)
		}
	}
	return row, nil
}

// lookupPath resolves a dotted path through nested maps and slices.
func lookupPath(doc Document, path string) (any, bool) {
	var cur any = doc
	for _, part := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

func coerce(v any, t models.FieldType) (any, error) {
	switch t {
	case models.FieldTypeInt:
		return cast.ToInt64E(v)
	case models.FieldTypeFloat:
		return cast.ToFloat64E(v)
	case models.FieldTypeBool:
		return cast.ToBoolE(v)
	case models.FieldTypeDatetime:
		return cast.ToTimeE(v)
	case models.FieldTypeJSON:
		return json.MarshalToString(v)
	default:
		return cast.ToStringE(v)
	}
}
