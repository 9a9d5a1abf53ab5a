package domain

// Fingerprint is a fixed-length float vector representing the semantic
// content of an image or text under a specific encoder version. This is
// the in-memory form; FingerprintRow is what gets persisted.
type Fingerprint struct {
	// FileID is a stable content-addressed key derived from the normalized
	// file path. For text queries it is left empty.
	FileID string `json:"file_id"`
	// Vector holds the L2-normalized embedding. The dimension depends on
	// the encoder variant (512, 768 or 1152).
	Vector []float32 `json:"vector"`
	// ModelVersion names the encoder variant that produced the vector.
	ModelVersion string `json:"model_version"`
	// CreatedAt is the creation time in epoch seconds.
	CreatedAt int64 `json:"created_at"`
}

// FingerprintRow is the persisted form of Fingerprint. The vector is
// stored as a blob of little-endian 4-byte floats so that round-trips
// are bit-exact for finite values.
type FingerprintRow struct {
	FileID       string `gorm:"type:text;not null;primaryKey"`
	ModelVersion string `gorm:"type:text;not null;primaryKey;index:idx_fingerprints_model"`
	Vector       []byte `gorm:"type:blob;not null"`
	CreatedAt    int64  `gorm:"not null"`
}

// TableName returns the database table name for FingerprintRow.
func (FingerprintRow) TableName() string {
	return "fingerprints"
}
