package engine

import (
	"strings"

	"github.com/samber/lo"

	"github.com/stanstork/stratum-transfer/internal/apperr"
	"github.com/stanstork/stratum-transfer/internal/models"
)

// projection maps source result columns onto target columns.
type projection struct {
	columns []string
	index   []int
}

// newProjection resolves mapping against the source columns. An empty
// mapping copies every column under its source name. Source names match
// case-insensitively.
func newProjection(source []string, mapping []models.ColumnMapping) (*projection, error) {
	if len(mapping) == 0 {
		return &projection{
			columns: source,
			index:   lo.Range(len(source)),
		}, nil
	}
	p := &projection{
		columns: lo.Map(mapping, func(m models.ColumnMapping, _ int) string { return m.Target }),
		index:   make([]int, len(mapping)),
	}
	for i, m := range mapping {
		_, idx, ok := lo.FindIndexOf(source, func(c string) bool { return strings.EqualFold(c, m.Source) })
		if !ok {
			return nil, apperr.Data(nil, "source column %q not found in query result", m.Source)
		}
		p.index[i] = idx
	}
	return p, nil
}

func (p *projection) apply(rows [][]any) [][]any {
	return lo.Map(rows, func(row []any, _ int) []any {
		return lo.Map(p.index, func(idx int, _ int) any { return row[idx] })
	})
}
