package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/licitometro/internal/common"
	"github.com/ternarybob/licitometro/internal/handlers"
	"github.com/ternarybob/licitometro/internal/interfaces"
	"github.com/ternarybob/licitometro/internal/jobs"
	"github.com/ternarybob/licitometro/internal/services/extraction"
	"github.com/ternarybob/licitometro/internal/services/scheduler"
	"github.com/ternarybob/licitometro/internal/services/templates"
	"github.com/ternarybob/licitometro/internal/services/transform"
	"github.com/ternarybob/licitometro/internal/storage"
)

// shutdownTimeout bounds how long Close waits for runners to reach a terminal state
const shutdownTimeout = 30 * time.Second

// App holds all application components and dependencies
type App struct {
	Config         *common.Config
	Logger         arbor.ILogger
	StorageManager interfaces.StorageManager

	// Services
	TransformService  *transform.Service
	ExtractionService *extraction.Service
	Orchestrator      *jobs.Orchestrator
	TemplateService   *templates.Service
	SchedulerService  interfaces.SchedulerService

	// HTTP handlers
	APIHandler       *handlers.APIHandler
	TemplateHandler  *handlers.TemplateHandler
	JobHandler       *handlers.JobHandler
	SchedulerHandler *handlers.SchedulerHandler
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	if err := app.initDatabase(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := app.initServices(); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	app.initHandlers()

	logger.Info().
		Str("environment", cfg.Environment).
		Bool("production", cfg.IsProduction()).
		Int("workers", cfg.Recon.Workers).
		Msg("Application initialization complete")

	return app, nil
}

// initDatabase opens the store and seeds templates from the templates directory
func (a *App) initDatabase() error {
	storageManager, err := storage.NewStorageManager(a.Logger, a.Config)
	if err != nil {
		return fmt.Errorf("failed to create storage manager: %w", err)
	}

	a.StorageManager = storageManager
	a.Logger.Debug().
		Str("storage", "badger").
		Str("path", a.Config.Storage.Badger.Path).
		Bool("in_memory", a.Config.Storage.Badger.InMemory).
		Msg("Storage layer initialized")

	// A broken template file must not keep the service from starting
	if err := a.StorageManager.LoadTemplatesFromFiles(context.Background(), a.Config.Recon.TemplatesDir); err != nil {
		a.Logger.Warn().Err(err).Msg("Failed to load templates from files")
	}

	return nil
}

// initServices builds the services in dependency order: transforms and extraction,
// the orchestrator, then the template store and scheduler that depend on it
func (a *App) initServices() error {
	var err error
	ctx := context.Background()

	a.TransformService = transform.NewService(a.Logger)

	a.ExtractionService, err = extraction.NewService(&a.Config.Crawler, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to create extraction service: %w", err)
	}

	a.Orchestrator = jobs.NewOrchestrator(
		a.StorageManager,
		a.ExtractionService,
		a.TransformService,
		&a.Config.Recon,
		a.Logger,
	)

	recovered, err := a.Orchestrator.RecoverInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover interrupted jobs: %w", err)
	}
	if recovered > 0 {
		a.Logger.Warn().Int("jobs", recovered).Msg("Marked jobs interrupted by restart as failed")
	}

	a.TemplateService = templates.NewService(
		a.StorageManager.TemplateStorage(),
		a.Orchestrator,
		a.TransformService,
		a.Logger,
	)

	schedulerService := scheduler.NewService(a.StorageManager.TemplateStorage(), a.Orchestrator, a.Logger)
	a.TemplateService.AddListener(schedulerService)
	if err := schedulerService.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	a.SchedulerService = schedulerService

	return nil
}

// initHandlers creates the HTTP handlers
func (a *App) initHandlers() {
	a.APIHandler = handlers.NewAPIHandler(a.Orchestrator, a.Logger)
	a.TemplateHandler = handlers.NewTemplateHandler(
		a.TemplateService,
		a.Orchestrator,
		a.Config.Recon.PreviewLimit,
		a.Logger,
	)
	a.JobHandler = handlers.NewJobHandler(
		a.Orchestrator,
		a.StorageManager.RecordStorage(),
		a.Config.Recon.PollInterval,
		a.Logger,
	)
	a.SchedulerHandler = handlers.NewSchedulerHandler(a.SchedulerService)
}

// Close stops the scheduler, lets runners finish, then releases the crawler and the store
func (a *App) Close() error {
	if a.SchedulerService != nil {
		if err := a.SchedulerService.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop scheduler service")
		}
	}

	if a.Orchestrator != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := a.Orchestrator.Shutdown(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("Job orchestrator did not stop cleanly")
		}
		cancel()
	}

	if a.ExtractionService != nil {
		if err := a.ExtractionService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close extraction service")
		}
	}

	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
		a.Logger.Info().Msg("Storage closed")
	}

	return nil
}
