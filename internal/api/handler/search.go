package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/misakimiku2/aurora-gallery/internal/service"
)

// SearchHandler handles similarity and color search endpoints.
type SearchHandler struct {
	searchService *service.SearchService
}

// NewSearchHandler creates a new search handler.
// Parameters:
//   - searchService: search service instance.
// Returns:
//   - *SearchHandler: initialized handler.
func NewSearchHandler(searchService *service.SearchService) *SearchHandler {
	return &SearchHandler{
		searchService: searchService,
	}
}

// TextSearchRequest is the body of POST /api/v1/search/text.
type TextSearchRequest struct {
	Query string `json:"query" binding:"required"`
	service.SearchOptions
}

// TextSearch handles POST /api/v1/search/text.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *SearchHandler) TextSearch(c *gin.Context) {
	var req TextSearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request: " + err.Error(),
		})
		return
	}

	results, err := h.searchService.SearchByText(c.Request.Context(), req.Query, &req.SearchOptions)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"results": results,
		"total":   len(results),
	})
}

// ImageSearchRequest is the body of POST /api/v1/search/image.
type ImageSearchRequest struct {
	ImagePath string `json:"image_path" binding:"required"`
	service.SearchOptions
}

// ImageSearch handles POST /api/v1/search/image.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *SearchHandler) ImageSearch(c *gin.Context) {
	var req ImageSearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request: " + err.Error(),
		})
		return
	}

	results, err := h.searchService.SearchByImage(c.Request.Context(), req.ImagePath, &req.SearchOptions)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"results": results,
		"total":   len(results),
	})
}

// SimilarSearchRequest is the body of POST /api/v1/search/similar.
type SimilarSearchRequest struct {
	FileID string `json:"file_id" binding:"required"`
	service.SearchOptions
}

// SimilarSearch handles POST /api/v1/search/similar. The query file is
// excluded from its own results.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *SearchHandler) SimilarSearch(c *gin.Context) {
	var req SimilarSearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request: " + err.Error(),
		})
		return
	}

	results, err := h.searchService.SearchSimilar(c.Request.Context(), req.FileID, &req.SearchOptions)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"results": results,
		"total":   len(results),
	})
}

// PaletteSearchRequest is the body of POST /api/v1/search/palette.
type PaletteSearchRequest struct {
	Colors []string `json:"colors" binding:"required,min=1"`
}

// PaletteSearch handles POST /api/v1/search/palette. The number of
// colors selects the matching strategy.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *SearchHandler) PaletteSearch(c *gin.Context) {
	var req PaletteSearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request: " + err.Error(),
		})
		return
	}

	paths, err := h.searchService.SearchByPalette(c.Request.Context(), req.Colors)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"files": paths,
		"total": len(paths),
	})
}
