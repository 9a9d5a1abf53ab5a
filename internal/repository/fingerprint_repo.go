package repository

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/misakimiku2/aurora-gallery/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// FingerprintRepository manages persistence of image embedding vectors.
// Vectors are stored as little-endian float32 blobs keyed by
// (file_id, model_version) so that multiple encoder generations can
// coexist during a re-index.
type FingerprintRepository struct {
	db *gorm.DB
}

// NewFingerprintRepository creates a new fingerprint repository instance.
// Parameters:
//   - db: GORM database connection.
// Returns:
//   - *FingerprintRepository: initialized repository.
func NewFingerprintRepository(db *gorm.DB) *FingerprintRepository {
	return &FingerprintRepository{db: db}
}

// Put stores or replaces a single fingerprint.
// Parameters:
//   - ctx: context for cancellation.
//   - fp: fingerprint to persist; CreatedAt is filled in when zero.
// Returns:
//   - error: non-nil if the write fails.
func (r *FingerprintRepository) Put(ctx context.Context, fp *domain.Fingerprint) error {
	row, err := toRow(fp)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "file_id"}, {Name: "model_version"}},
			UpdateAll: true,
		}).
		Create(row).Error
}

// PutBatch stores or replaces a batch of fingerprints in one transaction.
// A row whose (file_id, model_version) pair already exists is overwritten,
// so re-running an extraction over the same files is idempotent.
// Parameters:
//   - ctx: context for cancellation.
//   - fps: fingerprints to persist.
// Returns:
//   - error: non-nil if any write fails; the transaction is rolled back.
func (r *FingerprintRepository) PutBatch(ctx context.Context, fps []*domain.Fingerprint) error {
	if len(fps) == 0 {
		return nil
	}
	rows := make([]*domain.FingerprintRow, 0, len(fps))
	for _, fp := range fps {
		row, err := toRow(fp)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "file_id"}, {Name: "model_version"}},
			UpdateAll: true,
		}).CreateInBatches(rows, 200).Error
	})
}

// Get retrieves the fingerprint for a file under a specific model version.
// Parameters:
//   - ctx: context for cancellation.
//   - fileID: file identifier.
//   - modelVersion: encoder version the vector was produced with.
// Returns:
//   - *domain.Fingerprint: decoded fingerprint.
//   - error: domain.ErrNotFound when absent, domain.ErrCorrupt on a
//     malformed blob.
func (r *FingerprintRepository) Get(ctx context.Context, fileID, modelVersion string) (*domain.Fingerprint, error) {
	var row domain.FingerprintRow
	err := r.db.WithContext(ctx).
		Where("file_id = ? AND model_version = ?", fileID, modelVersion).
		First(&row).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return fromRow(&row)
}

// GetByModel retrieves all fingerprints for a model version. This is the
// bulk load used to build the in-memory ranking set.
// Parameters:
//   - ctx: context for cancellation.
//   - modelVersion: encoder version to load.
// Returns:
//   - []*domain.Fingerprint: decoded fingerprints; rows with corrupt
//     blobs are skipped rather than failing the whole load.
//   - error: non-nil on a query failure.
func (r *FingerprintRepository) GetByModel(ctx context.Context, modelVersion string) ([]*domain.Fingerprint, error) {
	var rows []domain.FingerprintRow
	err := r.db.WithContext(ctx).
		Where("model_version = ?", modelVersion).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	fps := make([]*domain.Fingerprint, 0, len(rows))
	for i := range rows {
		fp, decErr := fromRow(&rows[i])
		if decErr != nil {
			continue
		}
		fps = append(fps, fp)
	}
	return fps, nil
}

// GetAll retrieves every stored fingerprint across all model versions.
// Parameters:
//   - ctx: context for cancellation.
// Returns:
//   - []*domain.Fingerprint: decoded fingerprints; rows with corrupt
//     blobs are skipped rather than failing the whole load.
//   - error: non-nil on a query failure.
func (r *FingerprintRepository) GetAll(ctx context.Context) ([]*domain.Fingerprint, error) {
	var rows []domain.FingerprintRow
	if err := r.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}

	fps := make([]*domain.Fingerprint, 0, len(rows))
	for i := range rows {
		fp, decErr := fromRow(&rows[i])
		if decErr != nil {
			continue
		}
		fps = append(fps, fp)
	}
	return fps, nil
}

// GetMany retrieves fingerprints for a set of file IDs under one model
// version. Missing IDs are simply absent from the result.
// Parameters:
//   - ctx: context for cancellation.
//   - fileIDs: file identifiers to fetch.
//   - modelVersion: encoder version.
// Returns:
//   - map[string]*domain.Fingerprint: fingerprints keyed by file ID.
//   - error: non-nil on a query failure.
func (r *FingerprintRepository) GetMany(ctx context.Context, fileIDs []string, modelVersion string) (map[string]*domain.Fingerprint, error) {
	if len(fileIDs) == 0 {
		return map[string]*domain.Fingerprint{}, nil
	}
	out := make(map[string]*domain.Fingerprint, len(fileIDs))
	// Chunk the IN list to stay under SQLite's bound-parameter limit.
	const chunk = 500
	for start := 0; start < len(fileIDs); start += chunk {
		end := start + chunk
		if end > len(fileIDs) {
			end = len(fileIDs)
		}
		var rows []domain.FingerprintRow
		err := r.db.WithContext(ctx).
			Where("file_id IN ? AND model_version = ?", fileIDs[start:end], modelVersion).
			Find(&rows).Error
		if err != nil {
			return nil, err
		}
		for i := range rows {
			fp, decErr := fromRow(&rows[i])
			if decErr != nil {
				continue
			}
			out[fp.FileID] = fp
		}
	}
	return out, nil
}

// Has reports whether a fingerprint exists for the file and model version.
// Parameters:
//   - ctx: context for cancellation.
//   - fileID: file identifier.
//   - modelVersion: encoder version.
// Returns:
//   - bool: true if present.
//   - error: non-nil on a query failure.
func (r *FingerprintRepository) Has(ctx context.Context, fileID, modelVersion string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&domain.FingerprintRow{}).
		Where("file_id = ? AND model_version = ?", fileID, modelVersion).
		Count(&count).Error
	return count > 0, err
}

// Count returns the number of fingerprints stored under a model version.
// Parameters:
//   - ctx: context for cancellation.
//   - modelVersion: encoder version; empty counts all versions.
// Returns:
//   - int64: row count.
//   - error: non-nil on a query failure.
func (r *FingerprintRepository) Count(ctx context.Context, modelVersion string) (int64, error) {
	var count int64
	q := r.db.WithContext(ctx).Model(&domain.FingerprintRow{})
	if modelVersion != "" {
		q = q.Where("model_version = ?", modelVersion)
	}
	err := q.Count(&count).Error
	return count, err
}

// Delete removes all fingerprints for a file across every model version.
// Parameters:
//   - ctx: context for cancellation.
//   - fileID: file identifier.
// Returns:
//   - error: non-nil if the delete fails.
func (r *FingerprintRepository) Delete(ctx context.Context, fileID string) error {
	return r.db.WithContext(ctx).
		Where("file_id = ?", fileID).
		Delete(&domain.FingerprintRow{}).Error
}

// DeleteBatch removes fingerprints for a set of files across every
// model version in one transaction.
// Parameters:
//   - ctx: context for cancellation.
//   - fileIDs: file identifiers to remove.
// Returns:
//   - error: non-nil if the delete fails.
func (r *FingerprintRepository) DeleteBatch(ctx context.Context, fileIDs []string) error {
	if len(fileIDs) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		const chunk = 500
		for start := 0; start < len(fileIDs); start += chunk {
			end := start + chunk
			if end > len(fileIDs) {
				end = len(fileIDs)
			}
			if err := tx.Where("file_id IN ?", fileIDs[start:end]).
				Delete(&domain.FingerprintRow{}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// FindMissing returns the subset of fileIDs that have no fingerprint
// under the given model version. The candidate set is staged in a temp
// table and anti-joined against the fingerprints table, which keeps the
// query flat regardless of how large the gallery grows.
// Parameters:
//   - ctx: context for cancellation.
//   - fileIDs: candidate file identifiers.
//   - modelVersion: encoder version to check against.
// Returns:
//   - []string: IDs with no stored fingerprint, in input order.
//   - error: non-nil on a query failure.
func (r *FingerprintRepository) FindMissing(ctx context.Context, fileIDs []string, modelVersion string) ([]string, error) {
	if len(fileIDs) == 0 {
		return nil, nil
	}

	var missing []string
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("CREATE TEMPORARY TABLE IF NOT EXISTS temp_candidate_ids (file_id TEXT PRIMARY KEY)").Error; err != nil {
			return err
		}
		if err := tx.Exec("DELETE FROM temp_candidate_ids").Error; err != nil {
			return err
		}

		const chunk = 500
		for start := 0; start < len(fileIDs); start += chunk {
			end := start + chunk
			if end > len(fileIDs) {
				end = len(fileIDs)
			}
			values := make([]interface{}, 0, end-start)
			placeholders := ""
			for i, id := range fileIDs[start:end] {
				if i > 0 {
					placeholders += ","
				}
				placeholders += "(?)"
				values = append(values, id)
			}
			if err := tx.Exec("INSERT OR IGNORE INTO temp_candidate_ids (file_id) VALUES "+placeholders, values...).Error; err != nil {
				return err
			}
		}

		var found []string
		if err := tx.Raw(`
			SELECT t.file_id FROM temp_candidate_ids t
			LEFT JOIN fingerprints f
			  ON f.file_id = t.file_id AND f.model_version = ?
			WHERE f.file_id IS NULL`, modelVersion).
			Scan(&found).Error; err != nil {
			return err
		}

		missingSet := make(map[string]struct{}, len(found))
		for _, id := range found {
			missingSet[id] = struct{}{}
		}
		// Preserve caller ordering; the anti-join returns arbitrary order.
		for _, id := range fileIDs {
			if _, ok := missingSet[id]; ok {
				missing = append(missing, id)
				delete(missingSet, id)
			}
		}

		return tx.Exec("DROP TABLE IF EXISTS temp_candidate_ids").Error
	})
	if err != nil {
		return nil, err
	}
	return missing, nil
}

// CleanupOtherVersions deletes every fingerprint whose model version
// differs from the one given. Used after a model switch once re-indexing
// has completed.
// Parameters:
//   - ctx: context for cancellation.
//   - keepVersion: model version to retain.
// Returns:
//   - int64: number of rows removed.
//   - error: non-nil if the delete fails.
func (r *FingerprintRepository) CleanupOtherVersions(ctx context.Context, keepVersion string) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("model_version <> ?", keepVersion).
		Delete(&domain.FingerprintRow{})
	return result.RowsAffected, result.Error
}

// toRow encodes a fingerprint for storage
func toRow(fp *domain.Fingerprint) (*domain.FingerprintRow, error) {
	if fp.FileID == "" {
		return nil, fmt.Errorf("%w: empty file id", domain.ErrInvalid)
	}
	if len(fp.Vector) == 0 {
		return nil, fmt.Errorf("%w: empty vector for %s", domain.ErrInvalid, fp.FileID)
	}
	createdAt := fp.CreatedAt
	if createdAt == 0 {
		createdAt = time.Now().Unix()
	}
	return &domain.FingerprintRow{
		FileID:       fp.FileID,
		ModelVersion: fp.ModelVersion,
		Vector:       vectorToBytes(fp.Vector),
		CreatedAt:    createdAt,
	}, nil
}

// fromRow decodes a stored row back into a fingerprint
func fromRow(row *domain.FingerprintRow) (*domain.Fingerprint, error) {
	vec, err := bytesToVector(row.Vector)
	if err != nil {
		return nil, fmt.Errorf("%w: fingerprint %s/%s: %v", domain.ErrCorrupt, row.FileID, row.ModelVersion, err)
	}
	return &domain.Fingerprint{
		FileID:       row.FileID,
		Vector:       vec,
		ModelVersion: row.ModelVersion,
		CreatedAt:    row.CreatedAt,
	}, nil
}

// vectorToBytes packs a float32 slice as a little-endian byte blob.
func vectorToBytes(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// bytesToVector unpacks a little-endian blob into a float32 slice. A
// length that is not a multiple of four means the blob was truncated.
func bytesToVector(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("blob length %d is not a multiple of 4", len(buf))
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec, nil
}
