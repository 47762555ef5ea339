package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	h "github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/stanstork/stratum-transfer/internal/config"
	"github.com/stanstork/stratum-transfer/internal/datastore"
	"github.com/stanstork/stratum-transfer/internal/engine"
	"github.com/stanstork/stratum-transfer/internal/handlers"
	"github.com/stanstork/stratum-transfer/internal/metrics"
	"github.com/stanstork/stratum-transfer/internal/middleware"
	"github.com/stanstork/stratum-transfer/internal/migration"
	"github.com/stanstork/stratum-transfer/internal/queue"
	"github.com/stanstork/stratum-transfer/internal/repository"
	"github.com/stanstork/stratum-transfer/internal/routes"
	"github.com/stanstork/stratum-transfer/internal/service"
	"github.com/stanstork/stratum-transfer/internal/utils"
	"github.com/stanstork/stratum-transfer/internal/worker"

	_ "github.com/lib/pq" // PostgreSQL driver
)

type application struct {
	config *config.Config
	db     *sql.DB
	logger zerolog.Logger

	jobs  repository.JobRepository
	conns repository.ConnectionRepository
	queue *queue.Queue

	worker *worker.Worker
}

func main() {
	configPath := flag.String("config", os.Getenv("STRATUM_CONFIG"), "path to config.yaml")
	flag.Parse()

	// Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Set up structured, level-based logging.
	logger := newLogger(cfg.Log)
	log.SetFlags(0)
	log.SetOutput(logger)

	if cfg.EncryptionKey != "" {
		utils.SetEncryptionKey(cfg.EncryptionKey)
	}

	app := &application{config: cfg, logger: logger}

	if cfg.NeedsDatabase() {
		db, err := openDatabase(cfg.DatabaseURL, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect to the database")
		}
		defer db.Close()
		app.db = db

		// Run database migrations.
		if err := migration.RunMigrations(db, logger); err != nil {
			logger.Fatal().Err(err).Msg("Failed to run migrations")
		}
	}

	app.initStores()
	handler := app.initHandler()

	if err := app.run(handler); err != nil {
		logger.Error().Err(err).Msg("Application stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("Application terminated.")
}

func newLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "json" {
		return zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	consoleWriter := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
	return zerolog.New(consoleWriter).With().Timestamp().Logger()
}

// openDatabase opens the job store database, retrying the first ping while
// the server comes up.
func openDatabase(url string, logger zerolog.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 8), ctx)
	err = backoff.RetryNotify(func() error {
		return db.PingContext(ctx)
	}, policy, func(err error, next time.Duration) {
		logger.Warn().Err(err).Dur("retry_in", next).Msg("Database not reachable yet")
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func (app *application) initStores() {
	if app.config.JobStore == config.StorePostgres {
		app.jobs = repository.NewJobRepository(app.db)
	} else {
		app.jobs = repository.NewMemoryJobRepository()
	}

	if app.config.ConnectionStore == config.StorePostgres {
		app.conns = repository.NewConnectionRepository(app.db)
	} else {
		app.conns = repository.NewStaticConnectionRepository(app.config.Connections)
	}

	app.queue = queue.New(app.config.Queue.Capacity)
}

// initHandler builds the worker, the job service and the HTTP stack.
func (app *application) initHandler() http.Handler {
	m := metrics.New(prometheus.DefaultRegisterer)
	resolver := datastore.NewResolver(app.conns, app.config.Worker.ConnectTimeout, app.logger)

	app.worker = worker.New(worker.Config{
		Jobs:             app.jobs,
		Queue:            app.queue,
		Resolver:         resolver,
		Engine:           engine.New(app.logger),
		Logger:           app.logger,
		Metrics:          m,
		ShutdownGrace:    app.config.Worker.ShutdownGrace,
		DefaultBatchSize: app.config.Worker.DefaultBatchSize,
	})

	svc := service.NewJobService(service.Config{
		Jobs:             app.jobs,
		Queue:            app.queue,
		Worker:           app.worker,
		Metrics:          m,
		Logger:           app.logger,
		DefaultBatchSize: app.config.Worker.DefaultBatchSize,
	})

	// Handlers
	jobHandler := handlers.NewJobHandler(svc, app.logger)
	connHandler := handlers.NewConnectionHandler(app.conns, resolver, app.logger)

	router := routes.NewRouter(jobHandler, connHandler, app.queue, promhttp.Handler())
	loggedRouter := middleware.LoggingMiddleware(app.logger)(router)
	return h.CORS(
		h.AllowedOrigins(app.config.CORSOrigins),
		h.AllowedMethods([]string{"GET", "POST", "DELETE", "OPTIONS"}),
		h.AllowedHeaders([]string{"Content-Type"}),
	)(loggedRouter)
}

// run serves HTTP and drives the worker until a signal arrives or either
// side fails, then shuts both down.
func (app *application) run(handler http.Handler) error {
	server := &http.Server{
		Addr:              ":" + app.config.ServerPort,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		app.logger.Info().Msg("Starting job worker...")
		// Stop, not context cancellation, ends the worker.
		return app.worker.Run(context.Background())
	})

	g.Go(func() error {
		app.logger.Info().Msgf("Server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		app.logger.Info().Msg("Shutting down...")

		// Gracefully shut down the HTTP server.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			app.logger.Error().Err(err).Msg("HTTP server shutdown error")
		} else {
			app.logger.Info().Msg("HTTP server shutdown complete.")
		}

		// The grace period is enforced by the worker; this bounds the wait
		// for a job that ignores cancellation.
		stopCtx, cancelStop := context.WithTimeout(context.Background(), app.config.Worker.ShutdownGrace+30*time.Second)
		defer cancelStop()
		if err := app.worker.Stop(stopCtx); err != nil {
			app.logger.Error().Err(err).Msg("Job worker did not stop cleanly")
			return err
		}
		app.logger.Info().Msg("Job worker stopped.")
		return nil
	})

	return g.Wait()
}
