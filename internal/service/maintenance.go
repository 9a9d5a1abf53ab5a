package service

import (
	"context"
	"errors"

	"github.com/misakimiku2/aurora-gallery/internal/domain"
	"github.com/misakimiku2/aurora-gallery/internal/logger"
	"github.com/misakimiku2/aurora-gallery/internal/palette"
	"github.com/misakimiku2/aurora-gallery/internal/repository"
	"github.com/misakimiku2/aurora-gallery/internal/search"
)

// MaintenanceService keeps stored fingerprints and palettes consistent
// with the library when files are deleted, moved, or copied, and owns
// the error-row recovery operations.
type MaintenanceService struct {
	fingerprints *repository.FingerprintRepository
	palettes     *repository.PaletteRepository
	vectorCache  *search.VectorCache
	matchCache   *palette.MatchCache
	executor     *Executor
	logger       *logger.Logger
}

// NewMaintenanceService creates a new maintenance service.
// Parameters:
//   - fingerprints: fingerprint repository.
//   - palettes: palette repository.
//   - vectorCache: LRU to evict on deletions.
//   - matchCache: palette cache to refresh after writes.
//   - executor: bounded pool running move/copy migrations.
//   - log: logger instance.
//
// Returns:
//   - *MaintenanceService: initialized maintenance service.
func NewMaintenanceService(
	fingerprints *repository.FingerprintRepository,
	palettes *repository.PaletteRepository,
	vectorCache *search.VectorCache,
	matchCache *palette.MatchCache,
	executor *Executor,
	log *logger.Logger,
) *MaintenanceService {
	return &MaintenanceService{
		fingerprints: fingerprints,
		palettes:     palettes,
		vectorCache:  vectorCache,
		matchCache:   matchCache,
		executor:     executor,
		logger:       log,
	}
}

// OnFilesDeleted removes all derived data for the given files.
// Parameters:
//   - ctx: context for cancellation.
//   - paths: deleted file paths (also their fingerprint IDs).
//
// Returns:
//   - error: non-nil if either store failed; partial progress stays.
func (s *MaintenanceService) OnFilesDeleted(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	if err := s.fingerprints.DeleteBatch(ctx, paths); err != nil {
		return err
	}
	if err := s.palettes.DeleteByFilePaths(ctx, paths); err != nil {
		return err
	}
	s.vectorCache.Purge()
	s.matchCache.Invalidate(ctx)
	s.logger.WithField(logger.FieldCount, len(paths)).Info("removed derived data for deleted files")
	return nil
}

// OnFileMoved migrates palette data to the file's new path in the
// background. The stale fingerprint is dropped; the encoder will
// re-embed the file under its new ID on the next run.
// Parameters:
//   - oldPath: previous path.
//   - newPath: new path.
//
// Returns:
//   - error: ErrUnavailable when the maintenance queue is full.
func (s *MaintenanceService) OnFileMoved(oldPath, newPath string) error {
	return s.executor.Submit(func(ctx context.Context) {
		if err := s.palettes.MoveColors(ctx, oldPath, newPath); err != nil && !errors.Is(err, domain.ErrNotFound) {
			s.logger.WithError(err).WithFields(logger.Fields{
				"from": oldPath,
				"to":   newPath,
			}).Warn("palette move failed")
			return
		}
		if err := s.fingerprints.Delete(ctx, oldPath); err != nil {
			s.logger.WithError(err).WithField("file", oldPath).Warn("stale fingerprint cleanup failed")
		}
		s.matchCache.Invalidate(ctx)
	})
}

// OnFileCopied duplicates palette data for a copied file in the
// background, so the copy shows up in color search without a re-scan.
// Parameters:
//   - srcPath: source path.
//   - dstPath: copy path.
//
// Returns:
//   - error: ErrUnavailable when the maintenance queue is full.
func (s *MaintenanceService) OnFileCopied(srcPath, dstPath string) error {
	return s.executor.Submit(func(ctx context.Context) {
		if err := s.palettes.CopyColors(ctx, srcPath, dstPath); err != nil && !errors.Is(err, domain.ErrNotFound) {
			s.logger.WithError(err).WithFields(logger.Fields{
				"from": srcPath,
				"to":   dstPath,
			}).Warn("palette copy failed")
			return
		}
		s.matchCache.Invalidate(ctx)
	})
}

// RecoverStaleProcessing resets rows stuck in processing after an
// unclean shutdown. Call once at startup before the scheduler starts.
func (s *MaintenanceService) RecoverStaleProcessing(ctx context.Context) (int64, error) {
	n, err := s.palettes.ResetProcessingToPending(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.WithField(logger.FieldCount, n).Info("reset stale processing rows to pending")
	}
	return n, nil
}

// ListErrorFiles returns files whose palette extraction failed.
func (s *MaintenanceService) ListErrorFiles(ctx context.Context) ([]string, error) {
	return s.palettes.ListErrorFiles(ctx)
}

// RetryErrors requeues failed palette rows.
func (s *MaintenanceService) RetryErrors(ctx context.Context) (int64, error) {
	return s.palettes.ResetErrorsToPending(ctx)
}

// DeleteErrors removes failed palette rows entirely.
func (s *MaintenanceService) DeleteErrors(ctx context.Context) (int64, error) {
	return s.palettes.DeleteErrorFiles(ctx)
}

// CleanupNonexistent drops rows whose files vanished from disk.
func (s *MaintenanceService) CleanupNonexistent(ctx context.Context) (int64, error) {
	gone, err := s.palettes.CleanupNonexistent(ctx)
	if err != nil {
		return 0, err
	}
	if len(gone) > 0 {
		if err := s.fingerprints.DeleteBatch(ctx, gone); err != nil {
			return int64(len(gone)), err
		}
		s.vectorCache.Purge()
		s.matchCache.Invalidate(ctx)
	}
	return int64(len(gone)), nil
}

// PaletteCounts reports extraction status counts for the status endpoint.
func (s *MaintenanceService) PaletteCounts(ctx context.Context) (*domain.PaletteCounts, error) {
	return s.palettes.Counts(ctx)
}
