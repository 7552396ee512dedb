package main

import (
	"embed"
	"flag"
	"fmt"
	"os"

	"github.com/pubvault/pubvault/pkg/config"
	"github.com/pubvault/pubvault/pkg/migrate"
	"github.com/rs/zerolog/log"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

func main() {
	var (
		up   = flag.Bool("up", false, "Run pending migrations")
		down = flag.Bool("down", false, "Roll back the last migration")
	)
	flag.Parse()

	if !*up && !*down {
		fmt.Printf("Usage: %s [-up | -down]\n", os.Args[0])
		os.Exit(1)
	}

	cfg := config.LoadFromEnv()

	migrator, err := migrate.NewMigrator(&cfg.Database, migrationsFS, "migrations")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create migrator")
	}
	defer migrator.Close()

	if *up {
		if err := migrator.Up(); err != nil {
			log.Fatal().Err(err).Msg("failed to run migrations")
		}
	}
	if *down {
		if err := migrator.Down(); err != nil {
			log.Fatal().Err(err).Msg("failed to roll back migration")
		}
	}
}
