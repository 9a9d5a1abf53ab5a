package api

import (
	"github.com/gin-gonic/gin"
	"github.com/misakimiku2/aurora-gallery/internal/api/handler"
	"github.com/misakimiku2/aurora-gallery/internal/api/middleware"
	"github.com/misakimiku2/aurora-gallery/internal/encoder"
	"github.com/misakimiku2/aurora-gallery/internal/logger"
	"github.com/misakimiku2/aurora-gallery/internal/repository"
	"github.com/misakimiku2/aurora-gallery/internal/scheduler"
	"github.com/misakimiku2/aurora-gallery/internal/service"
)

// Deps carries everything the router needs to build handlers.
type Deps struct {
	SearchService    *service.SearchService
	EmbeddingService *service.EmbeddingService
	Maintenance      *service.MaintenanceService
	Engine           *encoder.Engine
	Downloads        encoder.DownloadObserver
	Palettes         *repository.PaletteRepository
	Scheduler        *scheduler.Scheduler
	RunState         *scheduler.RunState
	Logger           *logger.Logger
	AllowedOrigins   []string
}

// SetupRouter configures the Gin router with all routes
func SetupRouter(deps Deps, mode string) *gin.Engine {
	// Set Gin mode
	switch mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()

	// Add middleware
	r.Use(gin.Recovery())
	r.Use(middleware.Logger(deps.Logger))
	r.Use(middleware.CORS(middleware.CORSConfig{
		AllowedOrigins:  deps.AllowedOrigins,
		AllowAllOrigins: len(deps.AllowedOrigins) == 0,
	}))

	// Create handlers
	healthHandler := handler.NewHealthHandler(deps.Engine)
	searchHandler := handler.NewSearchHandler(deps.SearchService)
	embeddingHandler := handler.NewEmbeddingHandler(deps.EmbeddingService, deps.Engine, deps.Downloads)
	paletteHandler := handler.NewPaletteHandler(deps.Palettes, deps.Maintenance, deps.Scheduler, deps.RunState)

	// Health check
	r.GET("/health", healthHandler.Health)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		// Similarity and color search
		v1.POST("/search/text", searchHandler.TextSearch)
		v1.POST("/search/image", searchHandler.ImageSearch)
		v1.POST("/search/similar", searchHandler.SimilarSearch)
		v1.POST("/search/palette", searchHandler.PaletteSearch)

		// Fingerprint generation and encoder lifecycle
		v1.POST("/embeddings/generate", embeddingHandler.Generate)
		v1.GET("/embeddings/status", embeddingHandler.Status)
		v1.POST("/embeddings/model", embeddingHandler.LoadModel)
		v1.DELETE("/embeddings/model", embeddingHandler.UnloadModel)
		v1.POST("/embeddings/cleanup", embeddingHandler.Cleanup)

		// Palette extraction lifecycle
		v1.GET("/palette/status", paletteHandler.Status)
		v1.GET("/palette/colors", paletteHandler.GetColors)
		v1.POST("/palette/register", paletteHandler.Register)
		v1.POST("/palette/pause", paletteHandler.Pause)
		v1.POST("/palette/resume", paletteHandler.Resume)
		v1.POST("/palette/cancel", paletteHandler.Cancel)
		v1.GET("/palette/errors", paletteHandler.ListErrors)
		v1.POST("/palette/errors/retry", paletteHandler.RetryErrors)
		v1.DELETE("/palette/errors", paletteHandler.DeleteErrors)
		v1.POST("/palette/cleanup", paletteHandler.Cleanup)
		v1.POST("/palette/move", paletteHandler.Move)
		v1.POST("/palette/copy", paletteHandler.Copy)
		v1.POST("/palette/files/delete", paletteHandler.DeleteFiles)
	}

	return r
}
