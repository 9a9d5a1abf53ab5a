package repository

import (
	"context"
	"os"
	"time"

	"github.com/misakimiku2/aurora-gallery/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PaletteRepository manages persistence of extracted color palettes and
// the Lab-space index used for cold-start candidate lookup.
type PaletteRepository struct {
	db *gorm.DB
}

// NewPaletteRepository creates a new palette repository instance.
// Parameters:
//   - db: GORM database connection.
// Returns:
//   - *PaletteRepository: initialized repository.
func NewPaletteRepository(db *gorm.DB) *PaletteRepository {
	return &PaletteRepository{db: db}
}

// AddPendingFiles registers file paths for palette extraction. Paths
// already present keep their current status, so re-registering a library
// never resets finished work.
// Parameters:
//   - ctx: context for cancellation.
//   - filePaths: absolute paths of images to queue.
// Returns:
//   - int64: number of newly inserted pending rows.
//   - error: non-nil if the insert fails.
func (r *PaletteRepository) AddPendingFiles(ctx context.Context, filePaths []string) (int64, error) {
	if len(filePaths) == 0 {
		return 0, nil
	}
	now := time.Now().Unix()
	rows := make([]domain.PaletteRecord, 0, len(filePaths))
	for _, p := range filePaths {
		rows = append(rows, domain.PaletteRecord{
			FilePath:  p,
			Colors:    domain.ColorList{},
			Status:    domain.PaletteStatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}

	var inserted int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		const chunk = 200
		for start := 0; start < len(rows); start += chunk {
			end := start + chunk
			if end > len(rows) {
				end = len(rows)
			}
			result := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "file_path"}},
				DoNothing: true,
			}).Create(rows[start:end])
			if result.Error != nil {
				return result.Error
			}
			inserted += result.RowsAffected
		}
		return nil
	})
	return inserted, err
}

// GetColorsByFilePath retrieves the extracted palette for one file.
// Parameters:
//   - ctx: context for cancellation.
//   - filePath: image path.
// Returns:
//   - *domain.PaletteRecord: stored record.
//   - error: domain.ErrNotFound when no row exists.
func (r *PaletteRepository) GetColorsByFilePath(ctx context.Context, filePath string) (*domain.PaletteRecord, error) {
	var rec domain.PaletteRecord
	err := r.db.WithContext(ctx).
		Where("file_path = ?", filePath).
		First(&rec).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// GetExtracted returns every record whose palette has been extracted.
// This is the bulk load that warms the in-memory match cache.
// Parameters:
//   - ctx: context for cancellation.
// Returns:
//   - []domain.PaletteRecord: extracted records.
//   - error: non-nil on a query failure.
func (r *PaletteRepository) GetExtracted(ctx context.Context) ([]domain.PaletteRecord, error) {
	var rows []domain.PaletteRecord
	err := r.db.WithContext(ctx).
		Where("status = ?", domain.PaletteStatusExtracted).
		Find(&rows).Error
	return rows, err
}

// GetByFilePaths fetches extracted records for a set of paths. Rows not
// yet extracted are omitted.
// Parameters:
//   - ctx: context for cancellation.
//   - filePaths: image paths to fetch.
// Returns:
//   - []domain.PaletteRecord: extracted records found.
//   - error: non-nil on a query failure.
func (r *PaletteRepository) GetByFilePaths(ctx context.Context, filePaths []string) ([]domain.PaletteRecord, error) {
	if len(filePaths) == 0 {
		return nil, nil
	}
	var out []domain.PaletteRecord
	const chunk = 500
	for start := 0; start < len(filePaths); start += chunk {
		end := start + chunk
		if end > len(filePaths) {
			end = len(filePaths)
		}
		var rows []domain.PaletteRecord
		err := r.db.WithContext(ctx).
			Where("file_path IN ? AND status = ?", filePaths[start:end], domain.PaletteStatusExtracted).
			Find(&rows).Error
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	return out, nil
}

// ClaimPending atomically takes up to limit pending rows and marks them
// processing, so concurrent producers never hand the same file to two
// workers. A crash mid-batch leaves rows in processing; see
// ResetProcessingToPending.
// Parameters:
//   - ctx: context for cancellation.
//   - limit: maximum number of rows to claim.
// Returns:
//   - []string: file paths of the claimed rows.
//   - error: non-nil if the claim fails.
func (r *PaletteRepository) ClaimPending(ctx context.Context, limit int) ([]string, error) {
	var paths []string
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []domain.PaletteRecord
		if err := tx.Select("id", "file_path").
			Where("status = ?", domain.PaletteStatusPending).
			Order("id").
			Limit(limit).
			Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		ids := make([]int64, 0, len(rows))
		for _, row := range rows {
			ids = append(ids, row.ID)
			paths = append(paths, row.FilePath)
		}
		return tx.Model(&domain.PaletteRecord{}).
			Where("id IN ?", ids).
			Updates(map[string]interface{}{
				"status":     domain.PaletteStatusProcessing,
				"updated_at": time.Now().Unix(),
			}).Error
	})
	return paths, err
}

// PaletteResult is one finished extraction ready to be flushed. A
// Skipped result carries no palette: the task was claimed but never
// ran, and its row goes back to the pending queue.
type PaletteResult struct {
	FilePath string
	Colors   domain.ColorList
	Lab      [][3]float64
	Err      error
	Skipped  bool
}

// BatchSaveColors flushes a batch of extraction results in one
// transaction. Successful results are marked extracted and their Lab
// coordinates rewritten in the index table; failed results are marked
// error with an empty palette; skipped results revert to pending.
// Parameters:
//   - ctx: context for cancellation.
//   - results: finished extractions.
// Returns:
//   - error: non-nil if the flush fails; the transaction is rolled back.
func (r *PaletteRepository) BatchSaveColors(ctx context.Context, results []PaletteResult) error {
	if len(results) == 0 {
		return nil
	}
	now := time.Now().Unix()
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range results {
			res := &results[i]
			if res.Skipped {
				if err := tx.Model(&domain.PaletteRecord{}).
					Where("file_path = ? AND status = ?", res.FilePath, domain.PaletteStatusProcessing).
					Updates(map[string]interface{}{
						"status":     domain.PaletteStatusPending,
						"updated_at": now,
					}).Error; err != nil {
					return err
				}
				continue
			}
			if res.Err != nil {
				if err := tx.Model(&domain.PaletteRecord{}).
					Where("file_path = ?", res.FilePath).
					Updates(map[string]interface{}{
						"status":     domain.PaletteStatusError,
						"colors":     domain.ColorList{},
						"updated_at": now,
					}).Error; err != nil {
					return err
				}
				continue
			}

			if err := tx.Model(&domain.PaletteRecord{}).
				Where("file_path = ?", res.FilePath).
				Updates(map[string]interface{}{
					"status":     domain.PaletteStatusExtracted,
					"colors":     res.Colors,
					"updated_at": now,
				}).Error; err != nil {
				return err
			}

			// Rewrite the Lab index for this file from scratch.
			if err := tx.Where("file_path = ?", res.FilePath).
				Delete(&domain.LabIndexRow{}).Error; err != nil {
				return err
			}
			if len(res.Lab) > 0 {
				labRows := make([]domain.LabIndexRow, 0, len(res.Lab))
				for _, lab := range res.Lab {
					labRows = append(labRows, domain.LabIndexRow{
						FilePath: res.FilePath,
						L:        lab[0],
						A:        lab[1],
						B:        lab[2],
					})
				}
				if err := tx.Create(&labRows).Error; err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// Counts returns per-status row counts for extraction progress reporting.
// Parameters:
//   - ctx: context for cancellation.
// Returns:
//   - *domain.PaletteCounts: counts by status.
//   - error: non-nil on a query failure.
func (r *PaletteRepository) Counts(ctx context.Context) (*domain.PaletteCounts, error) {
	type statusCount struct {
		Status domain.PaletteStatus
		Count  int64
	}
	var rows []statusCount
	err := r.db.WithContext(ctx).
		Model(&domain.PaletteRecord{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := &domain.PaletteCounts{}
	for _, row := range rows {
		switch row.Status {
		case domain.PaletteStatusPending:
			counts.Pending = row.Count
		case domain.PaletteStatusProcessing:
			counts.Processing = row.Count
		case domain.PaletteStatusExtracted:
			counts.Extracted = row.Count
		case domain.PaletteStatusError:
			counts.Error = row.Count
		}
	}
	return counts, nil
}

// PendingCount returns how many rows still await extraction.
// Parameters:
//   - ctx: context for cancellation.
// Returns:
//   - int64: pending row count.
//   - error: non-nil on a query failure.
func (r *PaletteRepository) PendingCount(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&domain.PaletteRecord{}).
		Where("status = ?", domain.PaletteStatusPending).
		Count(&count).Error
	return count, err
}

// ResetProcessingToPending returns rows stuck in processing back to the
// pending queue. Called at startup to recover from an unclean shutdown.
// Parameters:
//   - ctx: context for cancellation.
// Returns:
//   - int64: number of rows reset.
//   - error: non-nil if the update fails.
func (r *PaletteRepository) ResetProcessingToPending(ctx context.Context) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&domain.PaletteRecord{}).
		Where("status = ?", domain.PaletteStatusProcessing).
		Updates(map[string]interface{}{
			"status":     domain.PaletteStatusPending,
			"updated_at": time.Now().Unix(),
		})
	return result.RowsAffected, result.Error
}

// ListErrorFiles returns the file paths of records whose extraction failed.
// Parameters:
//   - ctx: context for cancellation.
// Returns:
//   - []string: failed file paths.
//   - error: non-nil on a query failure.
func (r *PaletteRepository) ListErrorFiles(ctx context.Context) ([]string, error) {
	var paths []string
	err := r.db.WithContext(ctx).
		Model(&domain.PaletteRecord{}).
		Where("status = ?", domain.PaletteStatusError).
		Pluck("file_path", &paths).Error
	return paths, err
}

// ResetErrorsToPending requeues failed records for another attempt.
// Parameters:
//   - ctx: context for cancellation.
// Returns:
//   - int64: number of rows requeued.
//   - error: non-nil if the update fails.
func (r *PaletteRepository) ResetErrorsToPending(ctx context.Context) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&domain.PaletteRecord{}).
		Where("status = ?", domain.PaletteStatusError).
		Updates(map[string]interface{}{
			"status":     domain.PaletteStatusPending,
			"updated_at": time.Now().Unix(),
		})
	return result.RowsAffected, result.Error
}

// DeleteErrorFiles removes failed records entirely.
// Parameters:
//   - ctx: context for cancellation.
// Returns:
//   - int64: number of rows removed.
//   - error: non-nil if the delete fails.
func (r *PaletteRepository) DeleteErrorFiles(ctx context.Context) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("status = ?", domain.PaletteStatusError).
		Delete(&domain.PaletteRecord{})
	return result.RowsAffected, result.Error
}

// DeleteByFilePaths removes palette records and Lab index rows for a set
// of files, typically after the files were deleted from the library.
// Parameters:
//   - ctx: context for cancellation.
//   - filePaths: paths to remove.
// Returns:
//   - error: non-nil if the delete fails.
func (r *PaletteRepository) DeleteByFilePaths(ctx context.Context, filePaths []string) error {
	if len(filePaths) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		const chunk = 500
		for start := 0; start < len(filePaths); start += chunk {
			end := start + chunk
			if end > len(filePaths) {
				end = len(filePaths)
			}
			batch := filePaths[start:end]
			if err := tx.Where("file_path IN ?", batch).
				Delete(&domain.PaletteRecord{}).Error; err != nil {
				return err
			}
			if err := tx.Where("file_path IN ?", batch).
				Delete(&domain.LabIndexRow{}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// CleanupNonexistent removes records whose files no longer exist on
// disk. Returns the paths removed so callers can evict caches.
// Parameters:
//   - ctx: context for cancellation.
// Returns:
//   - []string: paths whose records were removed.
//   - error: non-nil on a query or delete failure.
func (r *PaletteRepository) CleanupNonexistent(ctx context.Context) ([]string, error) {
	var paths []string
	err := r.db.WithContext(ctx).
		Model(&domain.PaletteRecord{}).
		Pluck("file_path", &paths).Error
	if err != nil {
		return nil, err
	}

	var gone []string
	for _, p := range paths {
		if _, statErr := os.Stat(p); os.IsNotExist(statErr) {
			gone = append(gone, p)
		}
	}
	if len(gone) == 0 {
		return nil, nil
	}
	if err := r.DeleteByFilePaths(ctx, gone); err != nil {
		return nil, err
	}
	return gone, nil
}

// MoveColors rebinds a palette record to a new path after a file move,
// so the palette does not have to be re-extracted. The Lab index follows.
// Parameters:
//   - ctx: context for cancellation.
//   - oldPath: previous file path.
//   - newPath: new file path.
// Returns:
//   - error: domain.ErrNotFound when no record exists for oldPath.
func (r *PaletteRepository) MoveColors(ctx context.Context, oldPath, newPath string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// A stale record at the destination would break the unique index.
		if err := tx.Where("file_path = ?", newPath).
			Delete(&domain.PaletteRecord{}).Error; err != nil {
			return err
		}
		if err := tx.Where("file_path = ?", newPath).
			Delete(&domain.LabIndexRow{}).Error; err != nil {
			return err
		}

		result := tx.Model(&domain.PaletteRecord{}).
			Where("file_path = ?", oldPath).
			Updates(map[string]interface{}{
				"file_path":  newPath,
				"updated_at": time.Now().Unix(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return domain.ErrNotFound
		}
		return tx.Model(&domain.LabIndexRow{}).
			Where("file_path = ?", oldPath).
			Update("file_path", newPath).Error
	})
}

// CopyColors duplicates a palette record under a new path after a file
// copy. The source record is left untouched.
// Parameters:
//   - ctx: context for cancellation.
//   - srcPath: path of the existing record.
//   - dstPath: path of the copy.
// Returns:
//   - error: domain.ErrNotFound when no record exists for srcPath.
func (r *PaletteRepository) CopyColors(ctx context.Context, srcPath, dstPath string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var src domain.PaletteRecord
		if err := tx.Where("file_path = ?", srcPath).First(&src).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return domain.ErrNotFound
			}
			return err
		}

		now := time.Now().Unix()
		dst := domain.PaletteRecord{
			FilePath:  dstPath,
			Colors:    src.Colors,
			Status:    src.Status,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "file_path"}},
			UpdateAll: true,
		}).Create(&dst).Error; err != nil {
			return err
		}

		var labRows []domain.LabIndexRow
		if err := tx.Where("file_path = ?", srcPath).Find(&labRows).Error; err != nil {
			return err
		}
		if err := tx.Where("file_path = ?", dstPath).
			Delete(&domain.LabIndexRow{}).Error; err != nil {
			return err
		}
		if len(labRows) > 0 {
			copies := make([]domain.LabIndexRow, 0, len(labRows))
			for _, row := range labRows {
				copies = append(copies, domain.LabIndexRow{
					FilePath: dstPath,
					L:        row.L,
					A:        row.A,
					B:        row.B,
				})
			}
			if err := tx.Create(&copies).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// LabCubeCandidates runs the coarse cold-start lookup: for each target
// Lab coordinate, pull files that have at least one palette color inside
// a bounding cube of the given radius. Results across targets are
// unioned and deduplicated.
// Parameters:
//   - ctx: context for cancellation.
//   - targets: Lab coordinates of the query colors.
//   - radius: half-width of the cube on each axis.
//   - perColorLimit: row cap per target color.
// Returns:
//   - []string: candidate file paths, deduplicated.
//   - error: non-nil on a query failure.
func (r *PaletteRepository) LabCubeCandidates(ctx context.Context, targets [][3]float64, radius float64, perColorLimit int) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	for _, t := range targets {
		var paths []string
		err := r.db.WithContext(ctx).
			Model(&domain.LabIndexRow{}).
			Distinct("file_path").
			Where("l BETWEEN ? AND ? AND a BETWEEN ? AND ? AND b BETWEEN ? AND ?",
				t[0]-radius, t[0]+radius,
				t[1]-radius, t[1]+radius,
				t[2]-radius, t[2]+radius).
			Limit(perColorLimit).
			Pluck("file_path", &paths).Error
		if err != nil {
			return nil, err
		}
		for _, p := range paths {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out, nil
}
