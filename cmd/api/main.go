package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/classvault/backend/internal/config"
	"github.com/classvault/backend/internal/handlers"
	"github.com/classvault/backend/internal/logger"
	"github.com/classvault/backend/internal/middleware"
	"github.com/classvault/backend/internal/models"
	"github.com/classvault/backend/internal/services"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	// Initialize configuration
	cfg := config.New()

	logg, err := logger.New(cfg.Env)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logg.Sync()

	// Initialize database
	db, err := models.InitDB(cfg)
	if err != nil {
		logg.Fatal("failed to initialize database", "error", err)
	}

	// Run migrations
	if err := models.Migrate(db); err != nil {
		logg.Fatal("failed to run migrations", "error", err)
	}

	// Initialize Redis
	redisClient := models.InitRedis(cfg)
	defer redisClient.Close()

	// Initialize services
	s3Service, err := services.NewS3Service(cfg)
	if err != nil {
		logg.Fatal("failed to init S3 service", "error", err)
	}
	emailService := services.NewEmailService(cfg)
	auditService := services.NewAuditService(db, emailService, cfg, logg)
	permissionService := services.NewPermissionService(db, auditService, logg)
	uploadService := services.NewUploadService(db, cfg, s3Service, auditService, logg)
	assetService := services.NewAssetService(db, cfg, s3Service, permissionService, auditService, logg)
	versionService := services.NewVersionService(db, permissionService, auditService, logg)
	trashService := services.NewTrashService(db, cfg, s3Service, permissionService, auditService, logg)

	// Sweep stale upload sessions so abandoned multiparts do not pile up
	go func() {
		for {
			time.Sleep(cfg.UploadSweepInterval)
			expired, err := uploadService.ExpireStale(context.Background())
			if err != nil {
				logg.Error("upload sweep failed", "error", err)
			} else if expired > 0 {
				logg.Info("upload sweep expired stale sessions", "count", expired)
			}
		}
	}()

	// Purge trash entries past their retention window
	go func() {
		for {
			time.Sleep(cfg.TrashSweepInterval)
			purged, err := trashService.PurgeExpired(context.Background())
			if err != nil {
				logg.Error("trash purge failed", "error", err)
			} else if purged > 0 {
				logg.Info("trash purge removed expired assets", "count", purged)
			}
		}
	}()

	// Setup Gin router
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg))
	router.Use(middleware.RequestID(logg))
	router.Use(middleware.RateLimiter(redisClient, cfg, logg))

	// Initialize handlers
	uploadHandler := handlers.NewUploadHandler(uploadService, permissionService)
	assetHandler := handlers.NewAssetHandler(assetService, versionService, trashService)
	permissionHandler := handlers.NewPermissionHandler(permissionService)
	auditHandler := handlers.NewAuditHandler(auditService)

	// Health check outside API group (no /api/v1 prefix)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	// Setup routes
	api := router.Group("/api/v1")
	api.Use(middleware.Auth(db, cfg))
	{
		// Catch-all OPTIONS handler for CORS preflight requests
		api.OPTIONS("/*path", func(c *gin.Context) {
			c.Status(http.StatusNoContent)
		})

		// Upload routes (init presigns storage URLs, so it carries its own limit)
		uploads := api.Group("/uploads")
		{
			uploads.POST("/init", middleware.UploadRateLimit(redisClient, cfg, logg), uploadHandler.Init)
			uploads.POST("/:id/chunks/:index", uploadHandler.RegisterChunk)
			uploads.POST("/:id/complete", uploadHandler.Complete)
		}

		// Asset routes
		assets := api.Group("/assets")
		{
			assets.GET("", assetHandler.List)
			assets.GET("/:id", assetHandler.Get)
			assets.GET("/:id/download", assetHandler.Download)
			assets.GET("/:id/versions", assetHandler.ListVersions)
			assets.POST("/:id/versions/:n/restore", assetHandler.RestoreVersion)
			assets.POST("/:id/delete", assetHandler.Delete)
			assets.POST("/:id/restore", assetHandler.Restore)
			assets.GET("/:id/permissions", permissionHandler.ListForAsset)
		}

		// Trash
		api.GET("/trash", assetHandler.ListTrash)

		// Permission grants
		api.POST("/permissions", permissionHandler.Grant)
		api.DELETE("/permissions/:id", permissionHandler.Revoke)

		// Audit log
		api.GET("/audit-logs", auditHandler.List)
	}

	// Start server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		logg.Info("starting server", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logg.Fatal("failed to start server", "error", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logg.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logg.Fatal("server forced to shutdown", "error", err)
	}

	logg.Info("server exited")
}
