package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/misakimiku2/aurora-gallery/internal/encoder"
	"github.com/misakimiku2/aurora-gallery/internal/service"
)

// EmbeddingHandler handles fingerprint generation and encoder lifecycle
// endpoints.
type EmbeddingHandler struct {
	embeddingService *service.EmbeddingService
	engine           *encoder.Engine
	downloads        encoder.DownloadObserver
}

// NewEmbeddingHandler creates a new embedding handler.
// Parameters:
//   - embeddingService: embedding service instance.
//   - engine: encoder engine for lifecycle endpoints.
//   - downloads: optional sink for model download progress.
// Returns:
//   - *EmbeddingHandler: initialized handler.
func NewEmbeddingHandler(embeddingService *service.EmbeddingService, engine *encoder.Engine, downloads encoder.DownloadObserver) *EmbeddingHandler {
	return &EmbeddingHandler{
		embeddingService: embeddingService,
		engine:           engine,
		downloads:        downloads,
	}
}

// GenerateRequest is the body of POST /api/v1/embeddings/generate.
type GenerateRequest struct {
	Paths  []string `json:"paths" binding:"required,min=1"`
	UseGPU bool     `json:"use_gpu"`
	Model  string   `json:"model"`
}

// Generate handles POST /api/v1/embeddings/generate. Runs the bulk
// embedding synchronously and returns the summary; a second concurrent
// call is rejected with 503.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *EmbeddingHandler) Generate(c *gin.Context) {
	var req GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request: " + err.Error(),
		})
		return
	}

	summary, err := h.embeddingService.GenerateBatch(c.Request.Context(), req.Paths, req.UseGPU, req.Model)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, summary)
}

// Status handles GET /api/v1/embeddings/status.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *EmbeddingHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"encoder": h.engine.Status(),
		"running": h.embeddingService.Running(),
		"models":  encoder.Models(),
	})
}

// LoadModelRequest is the body of POST /api/v1/embeddings/model.
type LoadModelRequest struct {
	Model  string `json:"model" binding:"required"`
	UseGPU bool   `json:"use_gpu"`
}

// LoadModel handles POST /api/v1/embeddings/model, loading or switching
// the encoder variant.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *EmbeddingHandler) LoadModel(c *gin.Context) {
	var req LoadModelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request: " + err.Error(),
		})
		return
	}

	if err := h.engine.Load(c.Request.Context(), req.Model, req.UseGPU, h.downloads); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.engine.Status())
}

// UnloadModel handles DELETE /api/v1/embeddings/model.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *EmbeddingHandler) UnloadModel(c *gin.Context) {
	if err := h.engine.Unload(); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.engine.Status())
}

// Cleanup handles POST /api/v1/embeddings/cleanup, dropping fingerprints
// from model generations other than the loaded one.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *EmbeddingHandler) Cleanup(c *gin.Context) {
	removed, err := h.embeddingService.CleanupOtherVersions(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}
