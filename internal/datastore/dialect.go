package datastore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	mssql "github.com/denisenkom/go-mssqldb"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/stanstork/stratum-transfer/internal/engine"
	"github.com/stanstork/stratum-transfer/internal/models"
)

// Dialect renders the SQL that differs between the supported databases
// and performs the bulk load.
type Dialect interface {
	Name() string
	// Quote quotes a possibly schema-qualified identifier.
	Quote(ident string) string
	Placeholder(n int) string
	CreateTable(table string, columns []engine.Column) string
	BulkInsert(ctx context.Context, tx *sql.Tx, table string, columns []string, rows [][]any) error
	// Normalize converts a scanned driver value into a plain Go value.
	Normalize(v any) any
}

// DialectFor returns the dialect for a canonical relational format.
func DialectFor(format string) (Dialect, error) {
	switch format {
	case models.FormatPostgres:
		return PostgresDialect{}, nil
	case models.FormatMSSQL:
		return MSSQLDialect{}, nil
	case models.FormatMySQL:
		return MySQLDialect{}, nil
	}
	return nil, fmt.Errorf("no SQL dialect for format %q", format)
}

func quoteParts(ident string, quote func(string) string) string {
	return strings.Join(lo.Map(strings.Split(ident, "."), func(p string, _ int) string { return quote(p) }), ".")
}

func columnDefs(d Dialect, columns []engine.Column, typ func(models.FieldType) string) string {
	return strings.Join(lo.Map(columns, func(c engine.Column, _ int) string {
		return d.Quote(c.Name) + " " + typ(c.Type) + " NULL"
	}), ", ")
}

// DeleteStatement renders the DELETE for scope and its arguments.
func DeleteStatement(d Dialect, table string, scope models.SyncScope) (string, []any) {
	stmt := "DELETE FROM " + d.Quote(table)
	switch scope.Mode {
	case models.SyncScopePredicate:
		return stmt + " WHERE (" + scope.Predicate + ")", nil
	case models.SyncScopeKeyRange:
		var (
			conds []string
			args  []any
		)
		key := d.Quote(scope.KeyColumn)
		if scope.From != nil {
			args = append(args, scope.From)
			conds = append(conds, key+" >= "+d.Placeholder(len(args)))
		}
		if scope.To != nil {
			args = append(args, scope.To)
			conds = append(conds, key+" <= "+d.Placeholder(len(args)))
		}
		return stmt + " WHERE " + strings.Join(conds, " AND "), args
	}
	return stmt, nil
}

type PostgresDialect struct{}

func (PostgresDialect) Name() string { return models.FormatPostgres }

func (PostgresDialect) Quote(ident string) string { return quoteParts(ident, pq.QuoteIdentifier) }

func (PostgresDialect) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }

func (d PostgresDialect) CreateTable(table string, columns []engine.Column) string {
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", d.Quote(table), columnDefs(d, columns, func(t models.FieldType) string {
		switch t {
		case models.FieldTypeInt:
			return "BIGINT"
		case models.FieldTypeFloat:
			return "DOUBLE PRECISION"
		case models.FieldTypeBool:
			return "BOOLEAN"
		case models.FieldTypeDatetime:
			return "TIMESTAMPTZ"
		}
		return "TEXT"
	}))
}

// BulkInsert streams rows through COPY FROM STDIN.
func (PostgresDialect) BulkInsert(ctx context.Context, tx *sql.Tx, table string, columns []string, rows [][]any) error {
	var copyIn string
	if schema, name, ok := strings.Cut(table, "."); ok {
		copyIn = pq.CopyInSchema(schema, name, columns...)
	} else {
		copyIn = pq.CopyIn(table, columns...)
	}
	return execCopy(ctx, tx, copyIn, rows)
}

func (PostgresDialect) Normalize(v any) any { return v }

type MSSQLDialect struct{}

func (MSSQLDialect) Name() string { return models.FormatMSSQL }

func (MSSQLDialect) Quote(ident string) string {
	return quoteParts(ident, func(p string) string { return "[" + strings.ReplaceAll(p, "]", "]]") + "]" })
}

func (MSSQLDialect) Placeholder(n int) string { return fmt.Sprintf("@p%d", n) }

func (d MSSQLDialect) CreateTable(table string, columns []engine.Column) string {
	defs := columnDefs(d, columns, func(t models.FieldType) string {
		switch t {
		case models.FieldTypeInt:
			return "BIGINT"
		case models.FieldTypeFloat:
			return "FLOAT"
		case models.FieldTypeBool:
			return "BIT"
		case models.FieldTypeDatetime:
			return "DATETIME2"
		}
		return "NVARCHAR(MAX)"
	})
	return fmt.Sprintf("IF OBJECT_ID(N'%s', N'U') IS NULL CREATE TABLE %s (%s)",
		strings.ReplaceAll(table, "'", "''"), d.Quote(table), defs)
}

// BulkInsert loads rows with the TDS bulk copy protocol.
func (MSSQLDialect) BulkInsert(ctx context.Context, tx *sql.Tx, table string, columns []string, rows [][]any) error {
	return execCopy(ctx, tx, mssql.CopyIn(table, mssql.BulkOptions{CheckConstraints: true}, columns...), rows)
}

func (MSSQLDialect) Normalize(v any) any { return v }

type MySQLDialect struct{}

func (MySQLDialect) Name() string { return models.FormatMySQL }

func (MySQLDialect) Quote(ident string) string {
	return quoteParts(ident, func(p string) string { return "`" + strings.ReplaceAll(p, "`", "``") + "`" })
}

func (MySQLDialect) Placeholder(int) string { return "?" }

func (d MySQLDialect) CreateTable(table string, columns []engine.Column) string {
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", d.Quote(table), columnDefs(d, columns, func(t models.FieldType) string {
		switch t {
		case models.FieldTypeInt:
			return "BIGINT"
		case models.FieldTypeFloat:
			return "DOUBLE"
		case models.FieldTypeBool:
			return "BOOLEAN"
		case models.FieldTypeDatetime:
			return "DATETIME(6)"
		}
		return "LONGTEXT"
	}))
}

// mysqlMaxPlaceholders is the server limit on prepared statement parameters.
const mysqlMaxPlaceholders = 65535

// BulkInsert writes rows as multi-row INSERT statements.
func (d MySQLDialect) BulkInsert(ctx context.Context, tx *sql.Tx, table string, columns []string, rows [][]any) error {
	if len(columns) == 0 || len(rows) == 0 {
		return nil
	}
	prefix := fmt.Sprintf("INSERT INTO %s (%s) VALUES ", d.Quote(table),
		strings.Join(lo.Map(columns, func(c string, _ int) string { return d.Quote(c) }), ", "))
	tuple := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ") + ")"

	for _, chunk := range lo.Chunk(rows, max(1, mysqlMaxPlaceholders/len(columns))) {
		args := make([]any, 0, len(chunk)*len(columns))
		for _, r := range chunk {
			args = append(args, r...)
		}
		stmt := prefix + strings.TrimSuffix(strings.Repeat(tuple+", ", len(chunk)), ", ")
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			return errors.Wrapf(err, "failed to insert into %s", table)
		}
	}
	return nil
}

// Normalize turns the text protocol's []byte values into strings.
func (MySQLDialect) Normalize(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

// execCopy feeds rows into a prepared copy statement and flushes it.
func execCopy(ctx context.Context, tx *sql.Tx, copyIn string, rows [][]any) error {
	stmt, err := tx.PrepareContext(ctx, copyIn)
	if err != nil {
		return errors.Wrap(err, "preparing copyIn statement")
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, r...); err != nil {
			return errors.Wrap(err, "loading row")
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		return errors.Wrap(err, "executing copyIn statement")
	}
	return nil
}

func trimQuery(q string) string {
	return strings.TrimRight(strings.TrimSpace(q), ";")
}
