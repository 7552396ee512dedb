package outbox

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pubvault/pubvault/internal/common"
	"github.com/pubvault/pubvault/internal/storage"
	"github.com/pubvault/pubvault/pkg/config"
	"github.com/pubvault/pubvault/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *common.Database {
	t.Helper()

	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	db := &common.Database{DB: gdb}
	require.NoError(t, db.Migrate())
	return db
}

// recordingSender collects sent mail, failing a configured number of
// deliveries first.
type recordingSender struct {
	sent     []string
	failures int
}

func (s *recordingSender) Send(ctx context.Context, to, subject, body string) error {
	if s.failures > 0 {
		s.failures--
		return fmt.Errorf("smtp unavailable")
	}
	s.sent = append(s.sent, to)
	return nil
}

func enqueueTestEmail(t *testing.T, db *common.Database, to string, expiresAt time.Time) *types.OutboxMessage {
	t.Helper()

	msg := &types.OutboxMessage{
		Kind:          types.OutboxEmail,
		Payload:       types.JSONMap{"to": to, "subject": "hi", "body": "there"},
		NextAttemptAt: time.Now().Add(-time.Second),
		ExpiresAt:     expiresAt,
	}
	require.NoError(t, db.Create(msg).Error)
	return msg
}

func TestProcessDue_DeliversEmail(t *testing.T) {
	db := setupTestDB(t)
	sender := &recordingSender{}
	worker := NewWorker(db, sender, NewJobs(nil))

	msg := enqueueTestEmail(t, db, "u@ex.com", time.Now().Add(time.Hour))

	require.NoError(t, worker.ProcessDue(context.Background()))
	assert.Equal(t, []string{"u@ex.com"}, sender.sent)

	var stored types.OutboxMessage
	require.NoError(t, db.First(&stored, "id = ?", msg.ID).Error)
	assert.NotNil(t, stored.DeliveredAt)
	assert.Equal(t, 1, stored.Attempts)
	assert.Empty(t, stored.LastError)
}

func TestProcessDue_RetriesAfterFailure(t *testing.T) {
	db := setupTestDB(t)
	sender := &recordingSender{failures: 1}
	worker := NewWorker(db, sender, NewJobs(nil))
	ctx := context.Background()

	msg := enqueueTestEmail(t, db, "u@ex.com", time.Now().Add(time.Hour))

	require.NoError(t, worker.ProcessDue(ctx))
	assert.Empty(t, sender.sent)

	var stored types.OutboxMessage
	require.NoError(t, db.First(&stored, "id = ?", msg.ID).Error)
	assert.Nil(t, stored.DeliveredAt)
	assert.Equal(t, 1, stored.Attempts)
	assert.Contains(t, stored.LastError, "smtp unavailable")
	assert.True(t, stored.NextAttemptAt.After(time.Now()))

	// Force the retry due now; the second attempt succeeds.
	require.NoError(t, db.Model(&stored).
		Update("next_attempt_at", time.Now().Add(-time.Second)).Error)

	require.NoError(t, worker.ProcessDue(ctx))
	assert.Equal(t, []string{"u@ex.com"}, sender.sent)

	require.NoError(t, db.First(&stored, "id = ?", msg.ID).Error)
	assert.NotNil(t, stored.DeliveredAt)
	assert.Equal(t, 2, stored.Attempts)
	assert.Empty(t, stored.LastError)
}

func TestProcessDue_AbandonsExpired(t *testing.T) {
	db := setupTestDB(t)
	sender := &recordingSender{}
	worker := NewWorker(db, sender, NewJobs(nil))

	msg := enqueueTestEmail(t, db, "u@ex.com", time.Now().Add(-time.Minute))

	require.NoError(t, worker.ProcessDue(context.Background()))
	assert.Empty(t, sender.sent)

	var stored types.OutboxMessage
	require.NoError(t, db.First(&stored, "id = ?", msg.ID).Error)
	assert.NotNil(t, stored.DeliveredAt)
	assert.Contains(t, stored.LastError, "expired")
}

func TestProcessDue_SkipsFutureMessages(t *testing.T) {
	db := setupTestDB(t)
	sender := &recordingSender{}
	worker := NewWorker(db, sender, NewJobs(nil))

	msg := &types.OutboxMessage{
		Kind:          types.OutboxEmail,
		Payload:       types.JSONMap{"to": "u@ex.com"},
		NextAttemptAt: time.Now().Add(time.Hour),
		ExpiresAt:     time.Now().Add(2 * time.Hour),
	}
	require.NoError(t, db.Create(msg).Error)

	require.NoError(t, worker.ProcessDue(context.Background()))
	assert.Empty(t, sender.sent)
}

func TestBackoff_DoublesAndCaps(t *testing.T) {
	assert.Equal(t, time.Minute, backoff(0))
	assert.Equal(t, 2*time.Minute, backoff(1))
	assert.Equal(t, 4*time.Minute, backoff(2))
	assert.Equal(t, time.Hour, backoff(20))
}

func TestSweepDelivered(t *testing.T) {
	db := setupTestDB(t)
	worker := NewWorker(db, &recordingSender{}, NewJobs(nil))
	ctx := context.Background()

	old := time.Now().Add(-30 * 24 * time.Hour)
	recent := time.Now().Add(-time.Hour)
	for _, deliveredAt := range []time.Time{old, recent} {
		at := deliveredAt
		msg := &types.OutboxMessage{
			Kind:          types.OutboxEmail,
			Payload:       types.JSONMap{"to": "u@ex.com"},
			NextAttemptAt: at,
			ExpiresAt:     at.Add(time.Hour),
			DeliveredAt:   &at,
		}
		require.NoError(t, db.Create(msg).Error)
	}

	removed, err := worker.SweepDelivered(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	var count int64
	db.Model(&types.OutboxMessage{}).Count(&count)
	assert.EqualValues(t, 1, count)
}

func newTestBuckets(t *testing.T) *storage.BucketSet {
	t.Helper()

	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	return storage.NewBucketSet(store, &config.StorageConfig{
		IncomingBucket:  "incoming",
		CanonicalBucket: "canonical",
		PublicBucket:    "public",
		IncomingTTL:     10 * time.Minute,
	})
}

func TestJobs_PromoteArchiveFromStaging(t *testing.T) {
	buckets := newTestBuckets(t)
	jobs := NewJobs(buckets)
	ctx := context.Background()

	uploadID := uuid.NewString()
	incomingKey := storage.IncomingObjectKey(uploadID)
	require.NoError(t, buckets.StoreIncoming(ctx, incomingKey, strings.NewReader("archive")))

	err := jobs.Run(ctx, types.JSONMap{
		"task":      TaskPromoteArchive,
		"package":   "my_pkg",
		"version":   "1.0.0",
		"upload_id": uploadID,
	})
	require.NoError(t, err)

	archiveKey := storage.ArchiveObjectKey("my_pkg", "1.0.0")
	exists, err := buckets.CanonicalExists(ctx, archiveKey)
	require.NoError(t, err)
	assert.True(t, exists)

	// The staged object is cleaned up after promotion.
	_, err = buckets.RetrieveIncoming(ctx, incomingKey)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestJobs_PromoteArchiveMirrorsSweptUpload(t *testing.T) {
	// The staged object was swept but canonical holds the bytes: the job
	// converges by mirroring canonical to public.
	buckets := newTestBuckets(t)
	jobs := NewJobs(buckets)
	ctx := context.Background()

	archiveKey := storage.ArchiveObjectKey("my_pkg", "1.0.0")
	seed := storage.IncomingObjectKey(uuid.NewString())
	require.NoError(t, buckets.StoreIncoming(ctx, seed, strings.NewReader("archive")))
	require.NoError(t, buckets.Promote(ctx, seed, archiveKey))

	err := jobs.Run(ctx, types.JSONMap{
		"task":      TaskPromoteArchive,
		"package":   "my_pkg",
		"version":   "1.0.0",
		"upload_id": uuid.NewString(), // long gone
	})
	require.NoError(t, err)

	r, err := buckets.RetrievePublic(ctx, archiveKey)
	require.NoError(t, err)
	r.Close()
}

func TestJobs_PromoteArchiveMissingEverywhere(t *testing.T) {
	jobs := NewJobs(newTestBuckets(t))

	err := jobs.Run(context.Background(), types.JSONMap{
		"task":      TaskPromoteArchive,
		"package":   "my_pkg",
		"version":   "1.0.0",
		"upload_id": uuid.NewString(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "neither")
}

func TestJobs_HandoffTasks(t *testing.T) {
	jobs := NewJobs(nil)
	ctx := context.Background()

	for _, task := range []string{TaskAnalyze, TaskGenerateDocs} {
		err := jobs.Run(ctx, types.JSONMap{
			"task":    task,
			"package": "my_pkg",
			"version": "1.0.0",
		})
		assert.NoError(t, err, task)
	}

	err := jobs.Run(ctx, types.JSONMap{"task": "mystery"})
	assert.Error(t, err)
}
