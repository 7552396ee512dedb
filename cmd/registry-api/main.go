package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pubvault/pubvault/cmd/registry-api/middleware"
	"github.com/pubvault/pubvault/internal/authn"
	"github.com/pubvault/pubvault/internal/common"
	"github.com/pubvault/pubvault/internal/outbox"
	"github.com/pubvault/pubvault/internal/registry"
	"github.com/pubvault/pubvault/internal/storage"
	"github.com/pubvault/pubvault/pkg/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg := config.LoadFromEnv()
	setupLogging(cfg.Logging)

	log.Info().Msg("starting pubvault registry API")

	db, err := common.NewDatabase(&cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	cache, err := common.NewCache(&cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to Redis")
	}
	defer cache.Close()

	storageFactory := storage.NewStorageFactory(&cfg.Storage)
	blobStorage, err := storageFactory.CreateStorage()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	buckets := storage.NewBucketSet(blobStorage, &cfg.Storage)

	uploadURL := cfg.Server.BaseURL + "/api/incoming-upload"
	signer := storage.NewUploadSigner(cfg.Storage.SigningSecret, uploadURL, cfg.Registry.MaxArchiveSize)

	authService := authn.NewService(db, cache, &cfg.Auth)
	versionCache := registry.NewVersionCache(cache, cfg.Registry.CacheTTL)

	names := registry.NewNameTracker(db, &cfg.Registry)
	if err := names.Refresh(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("failed to load package names")
	}

	registryService := registry.NewService(db, buckets, signer, versionCache, names,
		authService, &cfg.Registry, cfg.Server.BaseURL)

	worker := outbox.NewWorker(db, outbox.LogEmailSender{}, outbox.NewJobs(buckets))
	registryService.Notify = worker.Kick

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	go names.Start(bgCtx)
	go worker.Run(bgCtx)
	go runSweeper(bgCtx, buckets, worker, cfg.Storage.IncomingTTL)

	finalizeURL := cfg.Server.BaseURL + "/api/packages/versions/newUploadFinish"
	router := setupRouter(authService, registryService, buckets, signer, finalizeURL)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	bgCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	} else {
		log.Info().Msg("server shutdown complete")
	}
}

func setupLogging(cfg config.LoggingConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

// runSweeper removes expired staging objects and delivered outbox rows
func runSweeper(ctx context.Context, buckets *storage.BucketSet, worker *outbox.Worker, incomingTTL time.Duration) {
	interval := incomingTTL / 2
	if interval < time.Minute {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := buckets.SweepIncoming(ctx); err != nil {
				log.Warn().Err(err).Msg("staging sweep failed")
			} else if n > 0 {
				log.Info().Int("removed", n).Msg("expired staged uploads removed")
			}

			if n, err := worker.SweepDelivered(ctx, 7*24*time.Hour); err != nil {
				log.Warn().Err(err).Msg("outbox sweep failed")
			} else if n > 0 {
				log.Debug().Int64("removed", n).Msg("delivered outbox messages removed")
			}
		}
	}
}

func setupRouter(authService *authn.Service, svc *registry.Service,
	buckets *storage.BucketSet, signer *storage.UploadSigner, finalizeURL string) *gin.Engine {
	if zerolog.GlobalLevel() == zerolog.DebugLevel {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger())

	router.GET("/health", handleHealth())

	// Public archive downloads
	router.GET("/packages/:archive", handleDownloadArchive(svc))

	api := router.Group("/api")
	{
		auth := api.Group("/auth")
		{
			auth.POST("/register", handleRegister(authService))
			auth.POST("/login", handleLogin(authService))
		}

		// The signed POST target; authenticated by policy signature
		api.POST("/incoming-upload", handleIncomingUpload(buckets, signer))

		packages := api.Group("/packages")
		{
			packages.GET("/:name", handleListVersions(svc))
			packages.GET("/:name/versions/:version", handleLookupVersion(svc))

			authed := packages.Group("")
			authed.Use(middleware.AgentMiddleware(authService))
			{
				authed.POST("/versions/new", handleStartUpload(svc, finalizeURL))
				authed.GET("/versions/new", handleStartUpload(svc, finalizeURL))
				authed.GET("/versions/newUploadFinish", handleFinalizeUpload(svc))

				authed.PUT("/:name/options", handleUpdateOptions(svc))
				authed.PUT("/:name/versions/:version/options", handleUpdateVersionOptions(svc))
				authed.PUT("/:name/publisher", handleSetPublisher(svc))
				authed.PUT("/:name/automatedPublishing", handleUpdateAutomatedPublishing(svc))
				authed.POST("/:name/uploaders", handleAddUploader(svc))
				authed.DELETE("/:name/uploaders/:email", handleRemoveUploader(svc))
			}
		}

		publishers := api.Group("/publishers")
		publishers.Use(middleware.AgentMiddleware(authService))
		{
			publishers.POST("", handleCreatePublisher(svc))
			publishers.POST("/:id/members", handleAddPublisherMember(svc))
		}

		admin := api.Group("/admin")
		admin.Use(middleware.AgentMiddleware(authService))
		{
			admin.DELETE("/packages/:name", handleAdminModerateName(svc))
			admin.DELETE("/packages/:name/versions/:version", handleAdminDeleteVersion(svc))
		}
	}

	return router
}

// requestLogger emits one structured line per request
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	}
}
