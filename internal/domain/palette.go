package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
)

// PaletteStatus represents the extraction state of a palette record.
// Values include PaletteStatusPending, PaletteStatusProcessing,
// PaletteStatusExtracted, and PaletteStatusError.
type PaletteStatus string

const (
	PaletteStatusPending    PaletteStatus = "pending"
	PaletteStatusProcessing PaletteStatus = "processing"
	PaletteStatusExtracted  PaletteStatus = "extracted"
	PaletteStatusError      PaletteStatus = "error"
)

// ColorValue is one dominant color of an image's palette.
type ColorValue struct {
	// Hex is the web form "#rrggbb".
	Hex string `json:"hex"`
	// RGB holds the raw channel values.
	RGB [3]uint8 `json:"rgb"`
	// IsDark is derived from perceptual luminance
	// (0.299R + 0.587G + 0.114B < 128).
	IsDark bool `json:"is_dark"`
}

// ColorList is a custom type for storing an ordered color sequence as
// JSON in the database. Order is dominance order, first = most dominant.
type ColorList []ColorValue

// Value implements the driver.Valuer interface for database serialization.
func (c ColorList) Value() (driver.Value, error) {
	if c == nil {
		return "[]", nil
	}
	b, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
func (c *ColorList) Scan(value interface{}) error {
	if value == nil {
		*c = ColorList{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("failed to scan ColorList")
		}
		bytes = []byte(str)
	}
	return json.Unmarshal(bytes, c)
}

// PaletteRecord is the persisted palette of one image file.
// Invariant: Colors is empty iff Status is not extracted.
type PaletteRecord struct {
	ID        int64         `gorm:"primaryKey;autoIncrement" json:"id"`
	FilePath  string        `gorm:"type:text;not null;uniqueIndex:idx_palettes_path" json:"file_path"`
	Colors    ColorList     `gorm:"type:text;not null" json:"colors"`
	Status    PaletteStatus `gorm:"type:text;not null;index:idx_palettes_status;default:pending" json:"status"`
	CreatedAt int64         `gorm:"not null" json:"created_at"`
	UpdatedAt int64         `gorm:"not null" json:"updated_at"`
}

// TableName returns the database table name for PaletteRecord.
func (PaletteRecord) TableName() string {
	return "dominant_colors"
}

// LabIndexRow is one Lab-space coordinate of a palette color, kept in a
// separate indexed table so cold-start queries can run a coarse
// bounding-box scan without loading every palette.
type LabIndexRow struct {
	ID       int64   `gorm:"primaryKey;autoIncrement"`
	FilePath string  `gorm:"type:text;not null;index:idx_lab_path"`
	L        float64 `gorm:"column:l;not null;index:idx_lab_cube,priority:1"`
	A        float64 `gorm:"column:a;not null;index:idx_lab_cube,priority:2"`
	B        float64 `gorm:"column:b;not null;index:idx_lab_cube,priority:3"`
}

// TableName returns the database table name for LabIndexRow.
func (LabIndexRow) TableName() string {
	return "image_color_indices"
}

// PaletteCounts summarizes extraction progress across the library.
type PaletteCounts struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Extracted  int64 `json:"extracted"`
	Error      int64 `json:"error"`
}
