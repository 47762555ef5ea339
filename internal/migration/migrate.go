package migration

import (
	"database/sql"
	"embed"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
)

// Embed SQL files from the local migrations folder
//
//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// GooseAdapter routes goose output through zerolog.
type GooseAdapter struct {
	logger zerolog.Logger
}

func NewGooseAdapter(logger zerolog.Logger) *GooseAdapter {
	return &GooseAdapter{logger: logger.With().Str("component", "goose").Logger()}
}

func (a *GooseAdapter) Fatalf(format string, v ...interface{}) {
	a.logger.Fatal().Msg(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (a *GooseAdapter) Printf(format string, v ...interface{}) {
	a.logger.Info().Msg(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

// RunMigrations applies every pending migration to db.
func RunMigrations(db *sql.DB, logger zerolog.Logger) error {
	goose.SetBaseFS(embeddedMigrations)
	goose.SetLogger(NewGooseAdapter(logger))
	if err := goose.SetDialect("postgres"); err != nil {
		return errors.Wrap(err, "failed to set migration dialect")
	}

	if err := goose.Up(db, "migrations"); err != nil {
		return errors.Wrap(err, "failed to run migrations")
	}

	logger.Info().Msg("Migrations completed successfully")
	return nil
}
