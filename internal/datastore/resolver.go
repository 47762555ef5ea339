// Package datastore adapts the supported databases to the engine's source
// and target interfaces and opens the per-job connections.
package datastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/stanstork/stratum-transfer/internal/apperr"
	"github.com/stanstork/stratum-transfer/internal/engine"
	"github.com/stanstork/stratum-transfer/internal/models"
	"github.com/stanstork/stratum-transfer/internal/repository"
)

// Request names what a job reads and writes.
type Request struct {
	Source      string
	Target      string
	SourceQuery string
	Collection  string
	Filter      json.RawMessage
}

// Scope holds the connections opened for one job. Exactly one of Rows and
// Documents is set.
type Scope struct {
	Rows      engine.RowSource
	Documents engine.DocumentSource
	Target    engine.Target

	closers []func(context.Context) error
}

// Close releases every connection of the scope.
func (s *Scope) Close(ctx context.Context) error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i](ctx))
	}
	s.closers = nil
	return errors.Join(errs...)
}

// Resolver opens fresh connections for each job from the registry.
type Resolver struct {
	conns          repository.ConnectionRepository
	connectTimeout time.Duration
	logger         zerolog.Logger
}

func NewResolver(conns repository.ConnectionRepository, connectTimeout time.Duration, logger zerolog.Logger) *Resolver {
	if connectTimeout <= 0 {
		connectTimeout = 15 * time.Second
	}
	return &Resolver{
		conns:          conns,
		connectTimeout: connectTimeout,
		logger:         logger.With().Str("component", "resolver").Logger(),
	}
}

// Open connects to the source and target of req. Every returned error is
// free of connection strings and credentials.
func (r *Resolver) Open(ctx context.Context, req Request) (*Scope, error) {
	scope := &Scope{}
	ok := false
	defer func() {
		if !ok {
			_ = scope.Close(context.Background())
		}
	}()

	src, err := r.lookup(ctx, req.Source, "source")
	if err != nil {
		return nil, err
	}
	tgt, err := r.lookup(ctx, req.Target, "target")
	if err != nil {
		return nil, err
	}
	if !tgt.Relational() {
		return nil, apperr.Validation("target %q must be a relational connection, got %s", tgt.Name, tgt.DataFormat)
	}

	if req.Collection != "" {
		if src.Format() != models.FormatMongo {
			return nil, apperr.Validation("source %q must be a document connection, got %s", src.Name, src.DataFormat)
		}
		client, err := r.openMongo(ctx, src)
		if err != nil {
			return nil, err
		}
		scope.closers = append(scope.closers, client.Disconnect)
		docs, err := NewMongoSource(client.Database(src.DBName).Collection(req.Collection), req.Filter)
		if err != nil {
			return nil, err
		}
		scope.Documents = docs
	} else {
		if !src.Relational() {
			return nil, apperr.Validation("source %q must be a relational connection, got %s", src.Name, src.DataFormat)
		}
		db, dialect, err := r.openSQL(ctx, src)
		if err != nil {
			return nil, err
		}
		scope.closers = append(scope.closers, closeDB(db))
		rows := NewSQLSource(db, dialect, req.SourceQuery)
		scope.closers = append(scope.closers, rows.Close)
		scope.Rows = rows
	}

	db, dialect, err := r.openSQL(ctx, tgt)
	if err != nil {
		return nil, err
	}
	scope.closers = append(scope.closers, closeDB(db))
	scope.Target = NewSQLTarget(db, dialect)

	ok = true
	return scope, nil
}

func (r *Resolver) lookup(ctx context.Context, name, role string) (*models.Connection, error) {
	conn, err := r.conns.Get(ctx, name)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return nil, apperr.Connectivity(nil, "%s connection %q is not configured", role, name)
		}
		return nil, apperr.Connectivity(nil, "failed to load %s connection %q", role, name)
	}
	return conn, nil
}

func (r *Resolver) openSQL(ctx context.Context, conn *models.Connection) (*sql.DB, Dialect, error) {
	dialect, err := DialectFor(conn.Format())
	if err != nil {
		return nil, nil, apperr.Validation("%v", err)
	}
	dsn, err := conn.GenerateConnString()
	if err != nil {
		return nil, nil, apperr.Validation("%v", err)
	}
	db, err := sql.Open(conn.DriverName(), dsn)
	if err != nil {
		return nil, nil, apperr.Connectivity(nil, "cannot open %s: %s", conn.Redacted(), scrub(err, conn))
	}

	pingCtx, cancel := context.WithTimeout(ctx, r.connectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, nil, apperr.Connectivity(nil, "cannot reach %s: %s", conn.Redacted(), scrub(err, conn))
	}
	r.logger.Debug().Str("connection", conn.Redacted()).Msg("connected")
	return db, dialect, nil
}

func (r *Resolver) openMongo(ctx context.Context, conn *models.Connection) (*mongo.Client, error) {
	uri, err := conn.GenerateConnString()
	if err != nil {
		return nil, apperr.Validation("%v", err)
	}
	client, err := mongo.Connect(options.Client().ApplyURI(uri).SetConnectTimeout(r.connectTimeout))
	if err != nil {
		return nil, apperr.Connectivity(nil, "cannot open %s: %s", conn.Redacted(), scrub(err, conn))
	}

	pingCtx, cancel := context.WithTimeout(ctx, r.connectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, apperr.Connectivity(nil, "cannot reach %s: %s", conn.Redacted(), scrub(err, conn))
	}
	r.logger.Debug().Str("connection", conn.Redacted()).Msg("connected")
	return client, nil
}

func closeDB(db *sql.DB) func(context.Context) error {
	return func(context.Context) error { return db.Close() }
}

// scrub renders err with the connection's secrets masked.
func scrub(err error, conn *models.Connection) string {
	msg := err.Error()
	if conn.Password == "" {
		return msg
	}
	for _, secret := range []string{conn.Password, url.QueryEscape(conn.Password), url.PathEscape(conn.Password)} {
		msg = strings.ReplaceAll(msg, secret, "***")
	}
	return msg
}

// Test opens and pings the named connection, then closes it.
func (r *Resolver) Test(ctx context.Context, name string) error {
	conn, err := r.conns.Get(ctx, name)
	if err != nil {
		return err
	}
	if conn.Format() == models.FormatMongo {
		client, err := r.openMongo(ctx, conn)
		if err != nil {
			return err
		}
		return client.Disconnect(context.WithoutCancel(ctx))
	}
	db, _, err := r.openSQL(ctx, conn)
	if err != nil {
		return err
	}
	return db.Close()
}
