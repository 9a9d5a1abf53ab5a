package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/misakimiku2/aurora-gallery/internal/api"
	"github.com/misakimiku2/aurora-gallery/internal/config"
	"github.com/misakimiku2/aurora-gallery/internal/domain"
	"github.com/misakimiku2/aurora-gallery/internal/encoder"
	"github.com/misakimiku2/aurora-gallery/internal/logger"
	"github.com/misakimiku2/aurora-gallery/internal/palette"
	"github.com/misakimiku2/aurora-gallery/internal/repository"
	"github.com/misakimiku2/aurora-gallery/internal/scheduler"
	"github.com/misakimiku2/aurora-gallery/internal/search"
	"github.com/misakimiku2/aurora-gallery/internal/service"
)

// logObserver forwards pipeline progress to the structured log. The
// desktop shell subscribes to these events over its own channel; the
// standalone server only has logs.
type logObserver struct {
	log *logger.Logger
}

func (o *logObserver) OnExtractionProgress(p domain.ExtractionProgress) {
	o.log.WithFields(logger.Fields{
		"stage":     p.Stage,
		"processed": p.Processed,
		"total":     p.Total,
		"pending":   p.Pending,
	}).Debug("Palette extraction progress")
}

func (o *logObserver) OnEmbeddingProgress(processed, total int, currentFile string) {
	o.log.WithFields(logger.Fields{
		"processed": processed,
		"total":     total,
		"file":      currentFile,
	}).Debug("Fingerprint generation progress")
}

func (o *logObserver) OnDownloadProgress(p domain.DownloadProgress) {
	o.log.WithFields(logger.Fields{
		"file":    p.FileName,
		"bytes":   p.BytesDownloaded,
		"total":   p.BytesTotal,
		"percent": p.ProgressPct,
	}).Info("Model download progress")
}

func main() {
	// Load configuration
	// Support CONFIG_PATH environment variable for production deployments
	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	appLog := logger.New(&logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		ServiceName: "aurora-api",
		LogFile:     cfg.Log.File,
	})
	logger.SetDefaultLogger(appLog)

	// Initialize database
	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		appLog.WithError(err).Fatal("Failed to initialize database")
	}

	// Initialize repositories
	fingerprintRepo := repository.NewFingerprintRepository(db)
	paletteRepo := repository.NewPaletteRepository(db)

	// Initialize caches
	vectorCache, err := search.NewVectorCache(cfg.Search.CacheSize)
	if err != nil {
		appLog.WithError(err).Fatal("Failed to initialize vector cache")
	}
	matchCache := palette.NewMatchCache(paletteRepo, appLog)

	// Initialize encoder engine with the ONNX backend
	downloader := encoder.NewDownloader(cfg.Encoder.CacheDir, cfg.Encoder.DownloadRetries, appLog)
	engine := encoder.NewEngine(downloader, encoder.NewONNXScorer, appLog)

	observer := &logObserver{log: appLog}

	// Initialize services
	searchService := service.NewSearchService(
		fingerprintRepo,
		engine,
		vectorCache,
		matchCache,
		appLog,
		&service.SearchConfig{
			DefaultTopK:     cfg.Search.TopK,
			DefaultMinScore: cfg.Search.MinScore,
		},
	)

	embeddingService := service.NewEmbeddingService(
		fingerprintRepo,
		engine,
		observer,
		appLog,
		&service.EmbeddingConfig{
			PreprocessWorkers: cfg.Encoder.PreprocessWorkers,
		},
	)

	executor := service.NewExecutor(0, 0, appLog)

	maintenanceService := service.NewMaintenanceService(
		fingerprintRepo,
		paletteRepo,
		vectorCache,
		matchCache,
		executor,
		appLog,
	)

	ctx := context.Background()

	// Rows stuck in processing after a crash go back to pending.
	if n, err := maintenanceService.RecoverStaleProcessing(ctx); err != nil {
		appLog.WithError(err).Warn("Failed to recover stale processing rows")
	} else if n > 0 {
		appLog.WithField("count", n).Info("Recovered stale processing rows")
	}

	// Start the extraction scheduler
	runState := scheduler.NewRunState()
	extractor := palette.NewExtractor(cfg.Extractor.PaletteSize)
	sched := scheduler.New(
		paletteRepo,
		repository.NewWALCheckpointer(db, cfg.Database.Path),
		extractor.ExtractFile,
		observer,
		runState,
		scheduler.Config{
			Workers:            cfg.Extractor.Workers,
			BatchSize:          cfg.Extractor.BatchSize,
			SaveThreshold:      cfg.Extractor.SaveThreshold,
			SaveInterval:       cfg.Extractor.SaveInterval,
			CheckpointInterval: cfg.Extractor.CheckpointInterval,
		},
		appLog,
	)
	sched.Start(ctx)
	sched.Kick()

	// Warm the palette match cache in the background; searches arriving
	// before it finishes fall back to the database cold-start path.
	matchCache.WarmAsync(ctx)

	// Setup router
	router := api.SetupRouter(api.Deps{
		SearchService:    searchService,
		EmbeddingService: embeddingService,
		Maintenance:      maintenanceService,
		Engine:           engine,
		Downloads:        observer,
		Palettes:         paletteRepo,
		Scheduler:        sched,
		RunState:         runState,
		Logger:           appLog,
		AllowedOrigins:   cfg.Server.CORS.AllowedOrigins,
	}, cfg.Server.Mode)

	// Create HTTP server
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	// Start server in goroutine
	go func() {
		appLog.WithFields(logger.Fields{
			"port": cfg.Server.Port,
			"mode": cfg.Server.Mode,
		}).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLog.WithError(err).Fatal("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLog.Info("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLog.WithError(err).Error("Server forced to shutdown")
	}

	// Drain background work before closing the database
	sched.Stop()
	executor.Shutdown()
	if err := engine.Unload(); err != nil {
		appLog.WithError(err).Warn("Failed to unload encoder")
	}
	if err := repository.Checkpoint(db); err != nil {
		appLog.WithError(err).Warn("Final checkpoint failed")
	}

	appLog.Info("Server exited")
}
