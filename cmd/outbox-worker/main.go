package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pubvault/pubvault/internal/common"
	"github.com/pubvault/pubvault/internal/outbox"
	"github.com/pubvault/pubvault/internal/storage"
	"github.com/pubvault/pubvault/pkg/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Standalone outbox drainer for deployments that run delivery outside the
// API process. Safe to run alongside the in-process worker.
func main() {
	cfg := config.LoadFromEnv()

	if level, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	db, err := common.NewDatabase(&cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	storageFactory := storage.NewStorageFactory(&cfg.Storage)
	blobStorage, err := storageFactory.CreateStorage()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	buckets := storage.NewBucketSet(blobStorage, &cfg.Storage)

	worker := outbox.NewWorker(db, outbox.LogEmailSender{}, outbox.NewJobs(buckets))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		cancel()
	}()

	worker.Run(ctx)
}
