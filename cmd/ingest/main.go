package main

import (
	"context"
	"flag"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/misakimiku2/aurora-gallery/internal/config"
	"github.com/misakimiku2/aurora-gallery/internal/domain"
	"github.com/misakimiku2/aurora-gallery/internal/encoder"
	"github.com/misakimiku2/aurora-gallery/internal/logger"
	"github.com/misakimiku2/aurora-gallery/internal/palette"
	"github.com/misakimiku2/aurora-gallery/internal/repository"
	"github.com/misakimiku2/aurora-gallery/internal/scheduler"
	"github.com/misakimiku2/aurora-gallery/internal/service"
	"gorm.io/gorm"
)

// progressLogger reports embedding and model download progress on the
// command line run.
type progressLogger struct {
	log *logger.Logger
}

func (p *progressLogger) OnEmbeddingProgress(processed, total int, currentFile string) {
	p.log.WithFields(logger.Fields{
		"processed": processed,
		"total":     total,
		"file":      currentFile,
	}).Info("Fingerprint generation progress")
}

func (p *progressLogger) OnDownloadProgress(d domain.DownloadProgress) {
	p.log.WithFields(logger.Fields{
		"file":    d.FileName,
		"bytes":   d.BytesDownloaded,
		"total":   d.BytesTotal,
		"percent": d.ProgressPct,
	}).Info("Model download progress")
}

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".bmp":  true,
	".webp": true,
}

// scanImages walks root and collects supported image files.
func scanImages(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			// Hidden directories hold thumbnails and app state, not photos.
			if name := d.Name(); name != "." && strings.HasPrefix(name, ".") {
				return fs.SkipDir
			}
			return nil
		}
		if imageExtensions[strings.ToLower(filepath.Ext(path))] {
			abs, absErr := filepath.Abs(path)
			if absErr != nil {
				return absErr
			}
			files = append(files, abs)
		}
		return nil
	})
	return files, err
}

func main() {
	// Initialize logger first (with defaults)
	appLogger := logger.New(&logger.Config{
		Level:       "info",
		Format:      "json",
		ServiceName: "aurora-ingest",
	})
	logger.SetDefaultLogger(appLogger)

	// Parse command line flags
	dir := flag.String("dir", ".", "Directory tree to index")
	model := flag.String("model", "", "Encoder model variant (empty uses the configured default)")
	useGPU := flag.Bool("gpu", false, "Run the encoder on GPU")
	skipPalettes := flag.Bool("skip-palettes", false, "Skip palette extraction")
	skipEmbeddings := flag.Bool("skip-embeddings", false, "Skip fingerprint generation")
	cleanup := flag.Bool("cleanup", false, "Drop fingerprints from other model versions afterwards")
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}
	if *model == "" {
		*model = cfg.Encoder.Model
	}

	// Initialize database
	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize database")
	}

	// Initialize repositories
	fingerprintRepo := repository.NewFingerprintRepository(db)
	paletteRepo := repository.NewPaletteRepository(db)

	// Handle graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		appLogger.Info("Received shutdown signal, canceling...")
		cancel()
	}()

	files, err := scanImages(*dir)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to scan directory")
	}
	appLogger.WithFields(logger.Fields{
		"dir":   *dir,
		"count": len(files),
	}).Info("Scan completed")
	if len(files) == 0 {
		return
	}

	if !*skipPalettes {
		runPaletteExtraction(ctx, appLogger, cfg, db, paletteRepo, files)
	}

	if !*skipEmbeddings {
		runEmbeddings(ctx, appLogger, cfg, fingerprintRepo, files, *model, *useGPU, *cleanup)
	}

	// Fold the WAL before exit so the next process starts clean.
	if err := repository.Checkpoint(db); err != nil {
		appLogger.WithError(err).Warn("Final checkpoint failed")
	}
}

// runPaletteExtraction registers the files and drives the scheduler
// until no pending or in-flight work remains.
func runPaletteExtraction(ctx context.Context, appLogger *logger.Logger, cfg *config.Config, db *gorm.DB, paletteRepo *repository.PaletteRepository, files []string) {
	inserted, err := paletteRepo.AddPendingFiles(ctx, files)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to register files for extraction")
	}
	appLogger.WithField("count", inserted).Info("Registered files for palette extraction")

	extractor := palette.NewExtractor(cfg.Extractor.PaletteSize)
	runState := scheduler.NewRunState()
	sched := scheduler.New(
		paletteRepo,
		repository.NewWALCheckpointer(db, cfg.Database.Path),
		extractor.ExtractFile,
		nil,
		runState,
		scheduler.Config{
			Workers:            cfg.Extractor.Workers,
			BatchSize:          cfg.Extractor.BatchSize,
			SaveThreshold:      cfg.Extractor.SaveThreshold,
			SaveInterval:       cfg.Extractor.SaveInterval,
			CheckpointInterval: cfg.Extractor.CheckpointInterval,
		},
		appLogger,
	)
	sched.Start(ctx)
	sched.Kick()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			sched.Stop()
			return
		case <-ticker.C:
		}
		counts, err := paletteRepo.Counts(ctx)
		if err != nil {
			appLogger.WithError(err).Warn("Failed to read extraction counts")
			continue
		}
		if counts.Pending == 0 && counts.Processing == 0 {
			sched.Stop()
			appLogger.WithFields(logger.Fields{
				"extracted": counts.Extracted,
				"errors":    counts.Error,
			}).Info("Palette extraction completed")
			return
		}
	}
}

// runEmbeddings generates fingerprints for every scanned file.
func runEmbeddings(ctx context.Context, appLogger *logger.Logger, cfg *config.Config, fingerprintRepo *repository.FingerprintRepository, files []string, model string, useGPU, cleanup bool) {
	downloader := encoder.NewDownloader(cfg.Encoder.CacheDir, cfg.Encoder.DownloadRetries, appLogger)
	engine := encoder.NewEngine(downloader, encoder.NewONNXScorer, appLogger)
	defer func() {
		if err := engine.Unload(); err != nil {
			appLogger.WithError(err).Warn("Failed to unload encoder")
		}
	}()

	embeddingService := service.NewEmbeddingService(
		fingerprintRepo,
		engine,
		&progressLogger{log: appLogger},
		appLogger,
		&service.EmbeddingConfig{
			PreprocessWorkers: cfg.Encoder.PreprocessWorkers,
		},
	)

	summary, err := embeddingService.GenerateBatch(ctx, files, useGPU, model)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to generate fingerprints")
	}
	appLogger.WithFields(logger.Fields{
		"total":      summary.Total,
		"success":    summary.Success,
		"failed":     summary.Failed,
		"skipped":    summary.Skipped,
		"cancelled":  summary.Cancelled,
		"throughput": summary.Throughput,
	}).Info("Fingerprint generation completed")

	if cleanup && !summary.Cancelled {
		removed, err := embeddingService.CleanupOtherVersions(ctx)
		if err != nil {
			appLogger.WithError(err).Warn("Failed to clean up old model versions")
			return
		}
		appLogger.WithField("count", removed).Info("Removed fingerprints from other model versions")
	}
}
