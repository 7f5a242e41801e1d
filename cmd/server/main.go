package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	h "github.com/gorilla/handlers"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/datawell/conduit/internal/archive"
	"github.com/datawell/conduit/internal/checkpoint"
	"github.com/datawell/conduit/internal/config"
	"github.com/datawell/conduit/internal/connector"
	"github.com/datawell/conduit/internal/handlers"
	"github.com/datawell/conduit/internal/jobs"
	"github.com/datawell/conduit/internal/middleware"
	"github.com/datawell/conduit/internal/migration"
	"github.com/datawell/conduit/internal/notification"
	"github.com/datawell/conduit/internal/repository"
	"github.com/datawell/conduit/internal/routes"
	"github.com/datawell/conduit/internal/scheduler"
	"github.com/datawell/conduit/internal/staging"
	"github.com/datawell/conduit/internal/worker"

	_ "github.com/lib/pq" // PostgreSQL driver
)

type application struct {
	config        *config.Config
	db            *sql.DB
	logger        zerolog.Logger
	notifications notification.Service

	connections repository.ConnectionRepository
	manager     *jobs.Manager
	store       *staging.Store
	checkpoints *checkpoint.Manager
	archiveRepo repository.ArchiveRepository
	auditRepo   repository.AuditRepository
}

func main() {
	// Set up structured, level-based logging.
	consoleWriter := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
	logger := zerolog.New(consoleWriter).With().Timestamp().Logger()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.SetFlags(0)
	log.SetOutput(logger)

	gooseAdapter := migration.NewGooseAdapter(logger)
	goose.SetLogger(gooseAdapter)

	// Load configuration.
	cfg := config.Load()

	// Initialize database connection.
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to the database")
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to ping database")
	}

	// Run database migrations.
	migration.RunMigrations(cfg.DatabaseURL, logger)

	// Repositories and core services.
	notificationService := notification.NewService(repository.NewNotificationRepository(db), logger)
	connRepo := repository.NewConnectionRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	archiveRepo := repository.NewArchiveRepository(db)
	stagingRepo := repository.NewStagingRepository(db)

	app := &application{
		config:        cfg,
		db:            db,
		logger:        logger,
		notifications: notificationService,
		connections:   connRepo,
		manager:       jobs.NewManager(repository.NewJobRepository(db), auditRepo, notificationService, logger),
		store:         staging.NewStore(stagingRepo),
		checkpoints:   checkpoint.NewManager(repository.NewCheckpointRepository(db), logger),
		archiveRepo:   archiveRepo,
		auditRepo:     auditRepo,
	}

	// Background loops: scheduler, workers, archiver.
	ctx, cancelBackground := context.WithCancel(context.Background())
	group, groupCtx := app.startBackground(ctx)

	sched := scheduler.New(connRepo, app.manager, cfg.Scheduler.Interval, logger)
	sched.Start(ctx)

	archiver := archive.New(
		archiveRepo,
		stagingRepo,
		archive.NewDirBackend(cfg.Storage.DataDir, cfg.Storage.ArchiveDir),
		notificationService,
		archive.Config{
			Interval:     cfg.Archive.Interval,
			MinAge:       cfg.Archive.MinAge,
			StaleAfter:   cfg.Archive.StaleAfter,
			MaxRetries:   cfg.Archive.MaxRetries,
			RetentionAge: cfg.Archive.Retention,
		},
		logger,
	)
	archiver.Start(ctx)

	// Initialize the HTTP router and middleware.
	router := app.initRouter(logger)
	loggedRouter := middleware.LoggingMiddleware(app.logger)(router)
	corsHandler := h.CORS(
		h.AllowedOrigins([]string{"http://localhost:3000"}),
		h.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		h.AllowedHeaders([]string{"Content-Type", "Authorization"}),
		h.AllowCredentials(),
	)(loggedRouter)

	// Start the HTTP server and handle graceful shutdown.
	app.startServer(corsHandler, logger, groupCtx)

	// Stop background loops and wait for the workers to drain.
	cancelBackground()
	sched.Stop()
	archiver.Stop()
	if err := group.Wait(); err != nil {
		logger.Error().Err(err).Msg("Worker group exited with error")
	}

	logger.Info().Msg("Application terminated.")
}

// startBackground launches the sync and transform worker slots under one
// errgroup so a crash in any slot surfaces instead of dying silently.
func (app *application) startBackground(ctx context.Context) (*errgroup.Group, context.Context) {
	group, groupCtx := errgroup.WithContext(ctx)

	registry := connector.NewRegistry(connector.NewHTTPJSON())
	transforms := worker.NewTransformRegistry(worker.PassthroughTransform{})

	syncWorker := worker.NewSyncWorker(app.manager, app.connections, app.store, registry,
		app.config.Storage.DataDir, app.config.Worker.PollInterval, app.logger)
	for i := 0; i < app.config.Worker.SyncWorkers; i++ {
		group.Go(func() error { return syncWorker.Run(groupCtx) })
	}

	transformWorker := worker.NewTransformWorker(app.manager, app.connections, app.store, app.checkpoints,
		transforms, app.config.Storage.DataDir, app.config.Worker.PollInterval, app.logger)
	for i := 0; i < app.config.Worker.TransformWorkers; i++ {
		group.Go(func() error { return transformWorker.Run(groupCtx) })
	}

	return group, groupCtx
}

// initRouter sets up all HTTP handlers and returns the router.
func (app *application) initRouter(logger zerolog.Logger) http.Handler {
	connHandler := handlers.NewConnectionHandler(app.connections, logger)
	jobHandler := handlers.NewJobHandler(app.manager, logger)
	auditHandler := handlers.NewAuditHandler(app.auditRepo, logger)
	checkpointHandler := handlers.NewCheckpointHandler(app.checkpoints, logger)
	archiveHandler := handlers.NewArchiveHandler(app.archiveRepo, logger)
	notificationHandler := handlers.NewNotificationHandler(app.notifications, logger)

	return routes.NewRouter(app.config.JWTSecret,
		connHandler, jobHandler, auditHandler, checkpointHandler, archiveHandler, notificationHandler)
}

// startServer launches the HTTP server and handles graceful shutdown.
func (app *application) startServer(handler http.Handler, logger zerolog.Logger, groupCtx context.Context) {
	server := &http.Server{
		Addr:    ":" + app.config.ServerPort,
		Handler: handler,
	}

	// Channel to listen for server errors
	serverErrCh := make(chan error, 1)
	go func() {
		logger.Info().Msgf("Server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- err
		}
	}()

	// Wait for an interrupt signal, a server error, or a worker crash.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info().Msgf("Received signal: %s. Shutting down...", sig)
	case err := <-serverErrCh:
		logger.Error().Err(err).Msg("Server error occurred")
	case <-groupCtx.Done():
		logger.Error().Msg("Background worker group stopped unexpectedly")
	}

	// Gracefully shut down the HTTP server.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	} else {
		logger.Info().Msg("HTTP server shutdown complete.")
	}
}
