package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/misakimiku2/aurora-gallery/internal/domain"
	"github.com/misakimiku2/aurora-gallery/internal/encoder"
	"github.com/misakimiku2/aurora-gallery/internal/logger"
	"github.com/misakimiku2/aurora-gallery/internal/repository"
)

// EmbeddingObserver receives throttled progress while a bulk embedding
// run is in flight. Implementations must not block.
type EmbeddingObserver interface {
	OnEmbeddingProgress(processed, total int, currentFile string)
}

// EmbeddingConfig holds configuration for the embedding service.
type EmbeddingConfig struct {
	// BatchSize is the number of images encoded per scorer round.
	BatchSize int
	// PreprocessWorkers bounds the parallel decode/resize pool.
	PreprocessWorkers int
}

// EmbeddingService generates and stores fingerprints for gallery files.
type EmbeddingService struct {
	fingerprints *repository.FingerprintRepository
	engine       *encoder.Engine
	observer     EmbeddingObserver
	downloads    encoder.DownloadObserver
	logger       *logger.Logger

	batchSize         int
	preprocessWorkers int

	// Only one bulk run at a time; a second caller gets an error
	// instead of doubling the load.
	running    atomic.Bool
	lastNotify atomic.Int64
}

// NewEmbeddingService creates a new embedding service.
// Parameters:
//   - fingerprints: fingerprint repository.
//   - engine: encoder engine; must be loaded before GenerateBatch runs.
//   - observer: optional progress sink; when it also implements
//     encoder.DownloadObserver it receives model download progress.
//   - log: logger instance.
//   - cfg: embedding configuration settings.
//
// Returns:
//   - *EmbeddingService: initialized embedding service.
func NewEmbeddingService(
	fingerprints *repository.FingerprintRepository,
	engine *encoder.Engine,
	observer EmbeddingObserver,
	log *logger.Logger,
	cfg *EmbeddingConfig,
) *EmbeddingService {
	batchSize := 16
	preprocessWorkers := 4
	if cfg != nil {
		if cfg.BatchSize > 0 {
			batchSize = cfg.BatchSize
		}
		if cfg.PreprocessWorkers > 0 {
			preprocessWorkers = cfg.PreprocessWorkers
		}
	}
	var downloads encoder.DownloadObserver
	if d, ok := observer.(encoder.DownloadObserver); ok {
		downloads = d
	}
	return &EmbeddingService{
		fingerprints:      fingerprints,
		engine:            engine,
		observer:          observer,
		downloads:         downloads,
		logger:            log,
		batchSize:         batchSize,
		preprocessWorkers: preprocessWorkers,
	}
}

// Running reports whether a bulk run is in flight.
func (s *EmbeddingService) Running() bool {
	return s.running.Load()
}

// GenerateBatch embeds and stores fingerprints for the given files.
// Files that already have a fingerprint under the target model are
// skipped. Per-file failures are collected into the summary rather than
// aborting the run; cancelling the context stops the run at the next
// batch boundary with the partial summary returned.
// Parameters:
//   - ctx: context for cancellation.
//   - paths: file paths doubling as file IDs.
//   - useGPU: inference device toggle; a change reloads the scorer.
//   - model: variant name; empty keeps the loaded or default model.
//
// Returns:
//   - *domain.BatchSummary: outcome counters and failed files.
//   - error: non-nil when the run could not start at all.
func (s *EmbeddingService) GenerateBatch(ctx context.Context, paths []string, useGPU bool, model string) (*domain.BatchSummary, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: a bulk embedding run is already in progress", domain.ErrUnavailable)
	}
	defer s.running.Store(false)

	start := time.Now()
	summary := &domain.BatchSummary{Total: len(paths)}
	if len(paths) == 0 {
		return summary, nil
	}

	if model == "" {
		model = s.engine.ModelVersion()
	}
	if err := s.engine.Load(ctx, model, useGPU, s.downloads); err != nil {
		return nil, fmt.Errorf("failed to load model: %w", err)
	}
	spec, err := s.engine.Spec()
	if err != nil {
		return nil, err
	}

	missing, err := s.fingerprints.FindMissing(ctx, paths, spec.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to find missing fingerprints: %w", err)
	}
	summary.Skipped = len(paths) - len(missing)

	runLog := s.logger.WithField(logger.FieldRunID, uuid.New().String())
	runLog.WithFields(logger.Fields{
		logger.FieldModel: spec.Name,
		logger.FieldCount: len(missing),
		"skipped":         summary.Skipped,
	}).Info("starting bulk embedding run")

	processed := summary.Skipped
	for off := 0; off < len(missing); off += s.batchSize {
		if ctx.Err() != nil {
			summary.Cancelled = true
			break
		}
		end := off + s.batchSize
		if end > len(missing) {
			end = len(missing)
		}
		batch := missing[off:end]

		s.processBatch(ctx, batch, spec, summary)
		processed += len(batch)
		s.notify(processed, len(paths), batch[len(batch)-1], false)
	}
	if ctx.Err() != nil {
		summary.Cancelled = true
	}

	elapsed := time.Since(start).Seconds()
	if elapsed > 0 {
		summary.Throughput = float64(summary.Success) / elapsed
	}
	s.notify(processed, len(paths), "", true)

	runLog.WithFields(logger.Fields{
		"success":   summary.Success,
		"failed":    summary.Failed,
		"skipped":   summary.Skipped,
		"cancelled": summary.Cancelled,
	}).Info("bulk embedding run finished")
	return summary, nil
}

// processBatch preprocesses a batch in parallel, encodes it, and stores
// the resulting fingerprints. Failures are recorded per file.
func (s *EmbeddingService) processBatch(ctx context.Context, batch []string, spec encoder.ModelSpec, summary *domain.BatchSummary) {
	tensors := make([]*encoder.ImageTensor, len(batch))
	errs := make([]error, len(batch))

	// Bounded preprocessing pool, kept independent of the scorer so
	// decode work never serializes behind inference.
	sem := make(chan struct{}, s.preprocessWorkers)
	var wg sync.WaitGroup
	for i, path := range batch {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, path string) {
			defer wg.Done()
			defer func() { <-sem }()
			tensors[i], errs[i] = encoder.PreprocessFile(path, spec)
		}(i, path)
	}
	wg.Wait()

	valid := make([]*encoder.ImageTensor, 0, len(batch))
	validPaths := make([]string, 0, len(batch))
	for i, path := range batch {
		if errs[i] != nil {
			s.logger.WithError(errs[i]).WithField("file", path).Warn("preprocess failed")
			summary.Failed++
			summary.FailedFiles = append(summary.FailedFiles, path)
			continue
		}
		valid = append(valid, tensors[i])
		validPaths = append(validPaths, path)
	}
	if len(valid) == 0 {
		return
	}

	vecs, err := s.engine.EncodeImages(ctx, valid)
	if err != nil {
		s.logger.WithError(err).WithField(logger.FieldCount, len(valid)).Warn("batch encode failed")
		summary.Failed += len(validPaths)
		summary.FailedFiles = append(summary.FailedFiles, validPaths...)
		return
	}

	// A nil vector marks an image the encoder had to skip; the rest of
	// the batch is still persisted.
	now := time.Now().Unix()
	fps := make([]*domain.Fingerprint, 0, len(vecs))
	storedPaths := make([]string, 0, len(vecs))
	for i, vec := range vecs {
		if vec == nil {
			summary.Failed++
			summary.FailedFiles = append(summary.FailedFiles, validPaths[i])
			continue
		}
		fps = append(fps, &domain.Fingerprint{
			FileID:       validPaths[i],
			Vector:       vec,
			ModelVersion: spec.Name,
			CreatedAt:    now,
		})
		storedPaths = append(storedPaths, validPaths[i])
	}
	if len(fps) == 0 {
		return
	}
	if err := s.fingerprints.PutBatch(ctx, fps); err != nil {
		s.logger.WithError(err).Warn("storing fingerprints failed")
		summary.Failed += len(storedPaths)
		summary.FailedFiles = append(summary.FailedFiles, storedPaths...)
		return
	}
	summary.Success += len(fps)
}

// notify emits throttled progress, at most one event per 100ms unless
// forced.
func (s *EmbeddingService) notify(processed, total int, current string, force bool) {
	if s.observer == nil {
		return
	}
	now := time.Now().UnixMilli()
	last := s.lastNotify.Load()
	if !force && now-last < 100 {
		return
	}
	if !s.lastNotify.CompareAndSwap(last, now) {
		return
	}
	s.observer.OnEmbeddingProgress(processed, total, current)
}

// CleanupOtherVersions drops fingerprints from older model generations
// once a re-index under the current model finished.
func (s *EmbeddingService) CleanupOtherVersions(ctx context.Context) (int64, error) {
	model := s.engine.ModelVersion()
	if model == "" {
		return 0, fmt.Errorf("%w: no model loaded", domain.ErrUnavailable)
	}
	return s.fingerprints.CleanupOtherVersions(ctx, model)
}
