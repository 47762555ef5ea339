// Package enginetest provides in-memory sources and targets for exercising
// the transfer engine without a database.
package enginetest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/spf13/cast"

	"github.com/stanstork/stratum-transfer/internal/engine"
	"github.com/stanstork/stratum-transfer/internal/models"
)

// Rows is a RowSource over a fixed result set.
type Rows struct {
	Columns []string
	Data    [][]any
	// FailOnCall makes the nth Page call (1-based) return Err.
	FailOnCall int
	Err        error
	// OnPage runs before every Page call with the 1-based call number.
	OnPage func(call int)

	mu    sync.Mutex
	calls int
}

func (r *Rows) Page(_ context.Context, offset int64, limit int) ([]string, [][]any, error) {
	r.mu.Lock()
	r.calls++
	call := r.calls
	r.mu.Unlock()

	if r.OnPage != nil {
		r.OnPage(call)
	}
	if r.FailOnCall == call {
		return nil, nil, r.Err
	}
	if offset >= int64(len(r.Data)) {
		return r.Columns, nil, nil
	}
	end := min(offset+int64(limit), int64(len(r.Data)))
	return r.Columns, r.Data[offset:end], nil
}

// Calls returns how many pages were requested.
func (r *Rows) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// Documents is a DocumentSource over a fixed collection.
type Documents struct {
	Docs   []engine.Document
	OnPage func(call int)

	mu    sync.Mutex
	calls int
}

func (d *Documents) Page(_ context.Context, skip int64, limit int) ([]engine.Document, error) {
	d.mu.Lock()
	d.calls++
	call := d.calls
	d.mu.Unlock()

	if d.OnPage != nil {
		d.OnPage(call)
	}
	if skip >= int64(len(d.Docs)) {
		return nil, nil
	}
	end := min(skip+int64(limit), int64(len(d.Docs)))
	return d.Docs[skip:end], nil
}

// Table is the content of one in-memory table.
type Table struct {
	Columns []string
	Rows    [][]any
}

func (t *Table) clone() *Table {
	cp := &Table{Columns: append([]string(nil), t.Columns...)}
	for _, r := range t.Rows {
		cp.Rows = append(cp.Rows, append([]any(nil), r...))
	}
	return cp
}

// Target is a transactional in-memory relational target. Transactions
// work on a snapshot that replaces the committed tables on Commit.
type Target struct {
	// FailInsertOn makes the nth BulkInsert call (1-based) fail.
	FailInsertOn int
	// BeginErr is returned by every Begin call when set.
	BeginErr error

	mu      sync.Mutex
	tables  map[string]*Table
	inserts int
	ensured []string
	commits int
}

func NewTarget() *Target {
	return &Target{tables: make(map[string]*Table)}
}

// Seed replaces the content of table.
func (t *Target) Seed(table string, columns []string, rows ...[]any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tables[table] = &Table{Columns: columns, Rows: rows}
}

// Rows returns the committed rows of table.
func (t *Target) Rows(table string) [][]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	tbl, ok := t.tables[table]
	if !ok {
		return nil
	}
	return tbl.clone().Rows
}

// Columns returns the columns of table.
func (t *Target) Columns(table string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tbl, ok := t.tables[table]; ok {
		return append([]string(nil), tbl.Columns...)
	}
	return nil
}

// Tables lists the tables that exist.
func (t *Target) Tables() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.tables))
	for name := range t.tables {
		names = append(names, name)
	}
	return names
}

// Commits returns the number of committed transactions.
func (t *Target) Commits() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.commits
}

func (t *Target) EnsureTable(_ context.Context, table string, columns []engine.Column) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ensured = append(t.ensured, table)
	if _, ok := t.tables[table]; ok {
		return nil
	}
	names := make([]string, len(columns))
	for i, c := range columns {
		names[i] = c.Name
	}
	t.tables[table] = &Table{Columns: names}
	return nil
}

func (t *Target) Begin(_ context.Context) (engine.Tx, error) {
	if t.BeginErr != nil {
		return nil, t.BeginErr
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := make(map[string]*Table, len(t.tables))
	for name, tbl := range t.tables {
		snap[name] = tbl.clone()
	}
	return &tx{target: t, tables: snap}, nil
}

type tx struct {
	target *Target
	tables map[string]*Table
	done   bool
}

func (x *tx) Delete(_ context.Context, table string, scope models.SyncScope) (int64, error) {
	tbl, ok := x.tables[table]
	if !ok {
		return 0, fmt.Errorf("table %s does not exist", table)
	}
	var keep [][]any
	switch scope.Mode {
	case models.SyncScopeFull, "":
	case models.SyncScopeKeyRange:
		idx := -1
		for i, c := range tbl.Columns {
			if c == scope.KeyColumn {
				idx = i
			}
		}
		if idx < 0 {
			return 0, fmt.Errorf("column %s does not exist", scope.KeyColumn)
		}
		for _, r := range tbl.Rows {
			if !inRange(r[idx], scope.From, scope.To) {
				keep = append(keep, r)
			}
		}
	default:
		return 0, fmt.Errorf("scope %s is not supported in memory", scope.Mode)
	}
	deleted := int64(len(tbl.Rows) - len(keep))
	tbl.Rows = keep
	return deleted, nil
}

func inRange(v, from, to any) bool {
	f := cast.ToFloat64(v)
	if from != nil && f < cast.ToFloat64(from) {
		return false
	}
	if to != nil && f > cast.ToFloat64(to) {
		return false
	}
	return true
}

func (x *tx) BulkInsert(_ context.Context, table string, columns []string, rows [][]any) error {
	x.target.mu.Lock()
	x.target.inserts++
	n := x.target.inserts
	x.target.mu.Unlock()
	if x.target.FailInsertOn == n {
		return errors.New("insert rejected")
	}

	tbl, ok := x.tables[table]
	if !ok {
		tbl = &Table{Columns: append([]string(nil), columns...)}
		x.tables[table] = tbl
	}
	if len(tbl.Columns) != len(columns) {
		return fmt.Errorf("table %s has %d columns, got %d", table, len(tbl.Columns), len(columns))
	}
	for _, r := range rows {
		tbl.Rows = append(tbl.Rows, append([]any(nil), r...))
	}
	return nil
}

func (x *tx) Commit() error {
	if x.done {
		return errors.New("transaction already finished")
	}
	x.done = true
	x.target.mu.Lock()
	defer x.target.mu.Unlock()
	x.target.tables = x.tables
	x.target.commits++
	return nil
}

func (x *tx) Rollback() error {
	x.done = true
	return nil
}
