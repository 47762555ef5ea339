package datastore

import (
	"context"
	"database/sql"
	"sync"

	"github.com/pkg/errors"

	"github.com/stanstork/stratum-transfer/internal/engine"
	"github.com/stanstork/stratum-transfer/internal/models"
)

var (
	_ engine.RowSource = (*SQLSource)(nil)
	_ engine.Target    = (*SQLTarget)(nil)
	_ engine.Tx        = (*sqlTx)(nil)
)

// SQLSource runs the source query once and hands out its rows in pages read
// from the open cursor, so every page comes from the same result set. Pages
// must be requested in order. Close releases the cursor.
type SQLSource struct {
	db      *sql.DB
	dialect Dialect
	query   string

	mu      sync.Mutex
	rows    *sql.Rows
	columns []string
	read    int64
	done    bool
}

func NewSQLSource(db *sql.DB, dialect Dialect, query string) *SQLSource {
	return &SQLSource{db: db, dialect: dialect, query: query}
}

// Page returns the next limit rows. offset must equal the number of rows
// already returned. The cursor is opened on the first call and bound to its
// ctx.
func (s *SQLSource) Page(ctx context.Context, offset int64, limit int) ([]string, [][]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if offset != s.read {
		return nil, nil, errors.Errorf("source rows are read in order: requested offset %d, next row is %d", offset, s.read)
	}
	if s.done {
		return s.columns, nil, nil
	}
	if s.rows == nil {
		if err := s.open(ctx); err != nil {
			return nil, nil, err
		}
	}

	out := make([][]any, 0, limit)
	for len(out) < limit && s.rows.Next() {
		vals := make([]any, len(s.columns))
		ptrs := make([]any, len(s.columns))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := s.rows.Scan(ptrs...); err != nil {
			s.finish()
			return nil, nil, errors.Wrap(err, "failed to scan source row")
		}
		for i, v := range vals {
			vals[i] = s.dialect.Normalize(v)
		}
		out = append(out, vals)
	}
	if len(out) < limit {
		err := s.rows.Err()
		s.finish()
		if err != nil {
			return nil, nil, errors.Wrap(err, "failed to iterate source rows")
		}
	}

	s.read += int64(len(out))
	return s.columns, out, nil
}

func (s *SQLSource) open(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, trimQuery(s.query))
	if err != nil {
		return errors.Wrap(err, "failed to query source")
	}
	columns, err := rows.Columns()
	if err != nil {
		rows.Close()
		return errors.Wrap(err, "failed to read source columns")
	}
	s.rows, s.columns = rows, columns
	return nil
}

func (s *SQLSource) finish() {
	s.done = true
	if s.rows != nil {
		s.rows.Close()
		s.rows = nil
	}
}

// Close releases the source cursor if it is still open.
func (s *SQLSource) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rows == nil {
		return nil
	}
	err := s.rows.Close()
	s.rows = nil
	s.done = true
	return err
}

// SQLTarget writes into a relational database.
type SQLTarget struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLTarget(db *sql.DB, dialect Dialect) *SQLTarget {
	return &SQLTarget{db: db, dialect: dialect}
}

func (t *SQLTarget) Begin(ctx context.Context) (engine.Tx, error) {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqlTx{tx: tx, dialect: t.dialect}, nil
}

func (t *SQLTarget) EnsureTable(ctx context.Context, table string, columns []engine.Column) error {
	if _, err := t.db.ExecContext(ctx, t.dialect.CreateTable(table, columns)); err != nil {
		return errors.Wrapf(err, "failed to create table %s", table)
	}
	return nil
}

type sqlTx struct {
	tx      *sql.Tx
	dialect Dialect
}

func (x *sqlTx) Delete(ctx context.Context, table string, scope models.SyncScope) (int64, error) {
	stmt, args := DeleteStatement(x.dialect, table, scope)
	res, err := x.tx.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to delete from %s", table)
	}
	return res.RowsAffected()
}

func (x *sqlTx) BulkInsert(ctx context.Context, table string, columns []string, rows [][]any) error {
	return x.dialect.BulkInsert(ctx, x.tx, table, columns, rows)
}

func (x *sqlTx) Commit() error {
	return x.tx.Commit()
}

func (x *sqlTx) Rollback() error {
	return x.tx.Rollback()
}
