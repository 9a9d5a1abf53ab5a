// Package service composes repositories, the encoder engine, and the
// palette matcher into the operations the API layer exposes.
package service

import (
	"context"
	"fmt"

	"github.com/misakimiku2/aurora-gallery/internal/domain"
	"github.com/misakimiku2/aurora-gallery/internal/encoder"
	"github.com/misakimiku2/aurora-gallery/internal/logger"
	"github.com/misakimiku2/aurora-gallery/internal/palette"
	"github.com/misakimiku2/aurora-gallery/internal/repository"
	"github.com/misakimiku2/aurora-gallery/internal/search"
)

// SearchConfig holds configuration for the search service.
type SearchConfig struct {
	DefaultTopK     int
	DefaultMinScore float32
}

// SearchService answers similarity and color queries.
type SearchService struct {
	fingerprints *repository.FingerprintRepository
	engine       *encoder.Engine
	vectorCache  *search.VectorCache
	matchCache   *palette.MatchCache
	logger       *logger.Logger
	defaultTopK  int
	defaultMin   float32
}

// NewSearchService creates a new search service.
// Parameters:
//   - fingerprints: fingerprint repository.
//   - engine: encoder engine for query embedding.
//   - vectorCache: LRU over decoded vectors.
//   - matchCache: palette match cache.
//   - log: logger instance.
//   - cfg: search configuration settings.
//
// Returns:
//   - *SearchService: initialized search service.
func NewSearchService(
	fingerprints *repository.FingerprintRepository,
	engine *encoder.Engine,
	vectorCache *search.VectorCache,
	matchCache *palette.MatchCache,
	log *logger.Logger,
	cfg *SearchConfig,
) *SearchService {
	topK := 50
	var minScore float32
	if cfg != nil {
		if cfg.DefaultTopK > 0 {
			topK = cfg.DefaultTopK
		}
		minScore = cfg.DefaultMinScore
	}
	return &SearchService{
		fingerprints: fingerprints,
		engine:       engine,
		vectorCache:  vectorCache,
		matchCache:   matchCache,
		logger:       log,
		defaultTopK:  topK,
		defaultMin:   minScore,
	}
}

// log returns a logger from context if available, otherwise the default.
func (s *SearchService) log(ctx context.Context) *logger.Logger {
	if l := logger.FromContext(ctx); l != nil {
		return l
	}
	return s.logger
}

// SearchOptions tune one similarity query. Nil fields take the service
// defaults; an explicit zero TopK caps the result list at zero.
type SearchOptions struct {
	TopK     *int     `json:"top_k,omitempty"`
	MinScore *float32 `json:"min_score,omitempty"`
	Model    string   `json:"model,omitempty"`
}

func (s *SearchService) resolveOptions(opts *SearchOptions) (int, float32, string) {
	topK := s.defaultTopK
	minScore := s.defaultMin
	model := s.engine.ModelVersion()
	if opts != nil {
		if opts.TopK != nil {
			topK = *opts.TopK
		}
		if opts.MinScore != nil {
			minScore = *opts.MinScore
		}
		if opts.Model != "" {
			model = opts.Model
		}
	}
	return topK, minScore, model
}

// loadCandidates pulls the full ranking set for one model version.
func (s *SearchService) loadCandidates(ctx context.Context, model string) ([]search.Candidate, error) {
	fps, err := s.fingerprints.GetByModel(ctx, model)
	if err != nil {
		return nil, fmt.Errorf("failed to load fingerprints: %w", err)
	}
	if len(fps) == 0 {
		return nil, fmt.Errorf("%w: no fingerprints stored for model %s", domain.ErrNotFound, model)
	}
	candidates := make([]search.Candidate, len(fps))
	for i, fp := range fps {
		candidates[i] = search.Candidate{FileID: fp.FileID, Vector: fp.Vector}
	}
	return candidates, nil
}

// SearchByText ranks the gallery against a text query.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - query: natural language query text.
//   - opts: optional ranking options.
//
// Returns:
//   - []domain.SearchResult: ranked results, best first.
//   - error: ErrUnavailable when no model is loaded, ErrNotFound on an
//     empty corpus.
func (s *SearchService) SearchByText(ctx context.Context, query string, opts *SearchOptions) ([]domain.SearchResult, error) {
	topK, minScore, model := s.resolveOptions(opts)

	vec, err := s.engine.EncodeText(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query text: %w", err)
	}

	candidates, err := s.loadCandidates(ctx, model)
	if err != nil {
		return nil, err
	}

	results := search.TopK(vec, candidates, topK, minScore)
	s.log(ctx).WithFields(logger.Fields{
		logger.FieldCount: len(results),
		logger.FieldModel: model,
	}).Debug("text search completed")
	return results, nil
}

// SearchByImage ranks the gallery against a query image on disk.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - imagePath: path of the query image.
//   - opts: optional ranking options.
//
// Returns:
//   - []domain.SearchResult: ranked results, best first.
//   - error: ErrNotFound when the image or the corpus is missing.
func (s *SearchService) SearchByImage(ctx context.Context, imagePath string, opts *SearchOptions) ([]domain.SearchResult, error) {
	topK, minScore, model := s.resolveOptions(opts)

	spec, err := s.engine.Spec()
	if err != nil {
		return nil, err
	}
	tensor, err := encoder.PreprocessFile(imagePath, spec)
	if err != nil {
		return nil, err
	}
	vec, err := s.engine.EncodeImage(ctx, tensor)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query image: %w", err)
	}

	candidates, err := s.loadCandidates(ctx, model)
	if err != nil {
		return nil, err
	}
	return search.TopK(vec, candidates, topK, minScore), nil
}

// SearchSimilar finds images similar to one already in the gallery,
// excluding the query file itself from the results.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - fileID: gallery file to search around.
//   - opts: optional ranking options.
//
// Returns:
//   - []domain.SearchResult: ranked results without the query file.
//   - error: ErrNotFound when the file has no stored fingerprint.
func (s *SearchService) SearchSimilar(ctx context.Context, fileID string, opts *SearchOptions) ([]domain.SearchResult, error) {
	topK, minScore, model := s.resolveOptions(opts)

	vec, ok := s.vectorCache.Get(fileID, model)
	if !ok {
		fp, err := s.fingerprints.Get(ctx, fileID, model)
		if err != nil {
			return nil, fmt.Errorf("no fingerprint for %s: %w", fileID, err)
		}
		vec = fp.Vector
		s.vectorCache.Put(fileID, model, vec)
	}

	candidates, err := s.loadCandidates(ctx, model)
	if err != nil {
		return nil, err
	}
	return search.SearchExcludingSelf(fileID, vec, candidates, topK, minScore), nil
}

// SearchByPalette finds images whose palettes match the given colors.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - hexColors: query colors as "#rrggbb" strings. Their count selects
//     the matching strategy.
//
// Returns:
//   - []string: matched file paths, best first.
//   - error: ErrInvalid on a malformed color.
func (s *SearchService) SearchByPalette(ctx context.Context, hexColors []string) ([]string, error) {
	if len(hexColors) == 0 {
		return nil, fmt.Errorf("%w: no query colors", domain.ErrInvalid)
	}
	targets := make([][3]float64, 0, len(hexColors))
	for _, hex := range hexColors {
		lab, err := palette.HexToLab(hex)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalid, err)
		}
		targets = append(targets, lab)
	}

	matches, err := s.matchCache.Match(ctx, targets)
	if err != nil {
		return nil, fmt.Errorf("palette match failed: %w", err)
	}
	paths := make([]string, len(matches))
	for i, m := range matches {
		paths[i] = m.FilePath
	}
	s.log(ctx).WithFields(logger.Fields{
		"colors":          len(targets),
		logger.FieldCount: len(paths),
	}).Debug("palette search completed")
	return paths, nil
}
