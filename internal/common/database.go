package common

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/pubvault/pubvault/pkg/config"
	"github.com/pubvault/pubvault/pkg/types"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Database wraps the GORM database connection
type Database struct {
	*gorm.DB
}

// NewDatabase creates a new database connection
func NewDatabase(cfg *config.DatabaseConfig) (*Database, error) {
	dsn := cfg.DatabaseURL()

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &Database{DB: db}, nil
}

// Migrate runs database migrations
func (db *Database) Migrate() error {
	return db.AutoMigrate(
		&types.User{},
		&types.Publisher{},
		&types.PublisherMember{},
		&types.Package{},
		&types.PackageVersion{},
		&types.PackageVersionAsset{},
		&types.AuditLogRecord{},
		&types.ModeratedName{},
		&types.OutboxMessage{},
	)
}

// Close closes the database connection
func (db *Database) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Transaction retry parameters. Conflicting transactions back off
// exponentially with randomization; callers must keep transaction bodies
// free of external side effects so a retry is safe.
const (
	txMaxAttempts   = 8
	txInitialDelay  = 20 * time.Millisecond
	txMaxDelay      = 5 * time.Second
	txBackoffFactor = 2.0
	txRandomization = 0.25
)

// RunInTransaction executes fn inside a serialized transaction, retrying on
// conflict with exponential backoff.
func (db *Database) RunInTransaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	delay := txInitialDelay

	var err error
	for attempt := 1; attempt <= txMaxAttempts; attempt++ {
		err = db.WithContext(ctx).Transaction(fn)
		if err == nil {
			return nil
		}
		if !isRetryableTxError(err) {
			return err
		}

		if attempt == txMaxAttempts {
			break
		}

		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("transaction conflict, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter(delay)):
		}

		delay = time.Duration(float64(delay) * txBackoffFactor)
		if delay > txMaxDelay {
			delay = txMaxDelay
		}
	}

	return fmt.Errorf("transaction failed after %d attempts: %w", txMaxAttempts, err)
}

// jitter randomizes a delay by +/- txRandomization
func jitter(d time.Duration) time.Duration {
	spread := float64(d) * txRandomization
	return time.Duration(float64(d) - spread + 2*spread*rand.Float64())
}

// isRetryableTxError reports whether the error indicates an optimistic
// concurrency conflict worth retrying. Postgres signals serialization
// failures with SQLSTATE 40001 and deadlocks with 40P01.
func isRetryableTxError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "40001") ||
		strings.Contains(msg, "40P01") ||
		strings.Contains(msg, "could not serialize") ||
		strings.Contains(msg, "deadlock detected") ||
		strings.Contains(msg, "database is locked") // sqlite under test
}
