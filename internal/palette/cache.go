package palette

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/misakimiku2/aurora-gallery/internal/domain"
	"github.com/misakimiku2/aurora-gallery/internal/logger"
)

const (
	// Cold-start bounding cube half-width per Lab axis.
	coldStartRadius = 20.0
	// Row cap per target color in the cold-start index scan.
	coldStartPerColor = 1000
	// Candidate cap actually scored on the cold-start path.
	coldStartScoreLimit = 500
)

// Store is the slice of palette persistence the cache needs.
type Store interface {
	GetExtracted(ctx context.Context) ([]domain.PaletteRecord, error)
	GetByFilePaths(ctx context.Context, filePaths []string) ([]domain.PaletteRecord, error)
	LabCubeCandidates(ctx context.Context, targets [][3]float64, radius float64, perColorLimit int) ([]string, error)
}

// MatchCache holds an immutable in-memory snapshot of every extracted
// palette. Queries before the first warm-up complete fall back to a
// coarse Lab-index scan so the first color search after startup does
// not stall behind a full table load.
type MatchCache struct {
	store Store
	log   *logger.Logger

	snapshot atomic.Pointer[[]Palette]
	ready    atomic.Bool

	warmMu      sync.Mutex
	warmRunning bool
}

// NewMatchCache creates an unwarmed cache over the given store.
func NewMatchCache(store Store, log *logger.Logger) *MatchCache {
	c := &MatchCache{store: store, log: log}
	empty := []Palette{}
	c.snapshot.Store(&empty)
	return c
}

// Ready reports whether the full snapshot has been loaded.
func (c *MatchCache) Ready() bool {
	return c.ready.Load()
}

// Len reports how many palettes the current snapshot holds.
func (c *MatchCache) Len() int {
	return len(*c.snapshot.Load())
}

// Warm loads every extracted palette into the snapshot. Safe to call
// repeatedly; concurrent calls coalesce into one load.
func (c *MatchCache) Warm(ctx context.Context) error {
	c.warmMu.Lock()
	if c.warmRunning {
		c.warmMu.Unlock()
		return nil
	}
	c.warmRunning = true
	c.warmMu.Unlock()
	defer func() {
		c.warmMu.Lock()
		c.warmRunning = false
		c.warmMu.Unlock()
	}()

	records, err := c.store.GetExtracted(ctx)
	if err != nil {
		return err
	}
	snapshot := recordsToPalettes(records)
	c.snapshot.Store(&snapshot)
	c.ready.Store(true)
	c.log.WithField(logger.FieldCount, len(snapshot)).Debug("palette match cache warmed")
	return nil
}

// WarmAsync kicks off Warm on a background goroutine.
func (c *MatchCache) WarmAsync(ctx context.Context) {
	go func() {
		if err := c.Warm(ctx); err != nil {
			c.log.WithError(err).Warn("palette match cache warm-up failed")
		}
	}()
}

// Match scores the targets against the library. With a warm snapshot it
// scans everything in memory; before that it narrows candidates through
// the Lab cube index and schedules the full warm-up in the background.
func (c *MatchCache) Match(ctx context.Context, targets [][3]float64) ([]Match, error) {
	if len(targets) == 0 {
		return nil, nil
	}
	if c.ready.Load() {
		return MatchPalettes(targets, *c.snapshot.Load()), nil
	}
	return c.coldStart(ctx, targets)
}

// coldStart serves a query before the snapshot exists.
func (c *MatchCache) coldStart(ctx context.Context, targets [][3]float64) ([]Match, error) {
	defer c.WarmAsync(context.WithoutCancel(ctx))

	paths, err := c.store.LabCubeCandidates(ctx, targets, coldStartRadius, coldStartPerColor)
	if err != nil {
		return nil, err
	}
	if len(paths) > coldStartScoreLimit {
		paths = paths[:coldStartScoreLimit]
	}
	if len(paths) == 0 {
		return nil, nil
	}

	records, err := c.store.GetByFilePaths(ctx, paths)
	if err != nil {
		return nil, err
	}
	c.log.WithField(logger.FieldCount, len(records)).Debug("color match served from cold-start index")
	return MatchPalettes(targets, recordsToPalettes(records)), nil
}

// Invalidate rebuilds the snapshot after writes changed stored palettes.
// Cheap enough to call after every flush; before the first warm-up it is
// a no-op since cold-start reads the database directly.
func (c *MatchCache) Invalidate(ctx context.Context) {
	if !c.ready.Load() {
		return
	}
	records, err := c.store.GetExtracted(ctx)
	if err != nil {
		c.log.WithError(err).Warn("palette match cache refresh failed")
		return
	}
	snapshot := recordsToPalettes(records)
	c.snapshot.Store(&snapshot)
}

func recordsToPalettes(records []domain.PaletteRecord) []Palette {
	out := make([]Palette, 0, len(records))
	for i := range records {
		rec := &records[i]
		if len(rec.Colors) == 0 {
			continue
		}
		labs := make([][3]float64, 0, len(rec.Colors))
		for _, cv := range rec.Colors {
			labs = append(labs, rgbToLab(cv.RGB[0], cv.RGB[1], cv.RGB[2]))
		}
		out = append(out, Palette{FilePath: rec.FilePath, Labs: labs})
	}
	return out
}
