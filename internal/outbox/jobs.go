package outbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/pubvault/pubvault/internal/storage"
	"github.com/pubvault/pubvault/pkg/types"
	"github.com/rs/zerolog/log"
)

// Job task names. These mirror the tasks the registry enqueues on publish.
const (
	TaskAnalyze        = "analyze"
	TaskGenerateDocs   = "generate-docs"
	TaskPromoteArchive = "promote-archive"
)

// Jobs runs background tasks from job outbox messages. Archive promotion
// is handled here so a publish whose post-commit promotion was lost still
// converges; analysis and documentation tasks are handed to downstream
// pipelines and only logged by this runner.
type Jobs struct {
	Buckets *storage.BucketSet
}

// NewJobs creates the job runner
func NewJobs(buckets *storage.BucketSet) *Jobs {
	return &Jobs{Buckets: buckets}
}

// Run executes one job payload
func (j *Jobs) Run(ctx context.Context, payload types.JSONMap) error {
	task, _ := payload["task"].(string)
	pkg, _ := payload["package"].(string)
	version, _ := payload["version"].(string)

	switch task {
	case TaskPromoteArchive:
		uploadID, _ := payload["upload_id"].(string)
		return j.promoteArchive(ctx, pkg, version, uploadID)

	case TaskAnalyze, TaskGenerateDocs:
		// Downstream pipelines consume these from their own queue; delivery
		// here just acknowledges the intent.
		log.Info().
			Str("task", task).
			Str("package", pkg).
			Str("version", version).
			Msg("job handed off")
		return nil

	default:
		return fmt.Errorf("unknown job task %q", task)
	}
}

// promoteArchive ensures the canonical and public buckets hold the archive
// of a published version. The staged object is used when it still exists;
// otherwise an existing canonical copy is mirrored to the public bucket.
func (j *Jobs) promoteArchive(ctx context.Context, pkg, version, uploadID string) error {
	if pkg == "" || version == "" {
		return fmt.Errorf("promote-archive payload is missing package or version")
	}

	archiveKey := storage.ArchiveObjectKey(pkg, version)

	if uploadID != "" {
		incomingKey := storage.IncomingObjectKey(uploadID)
		err := j.Buckets.Promote(ctx, incomingKey, archiveKey)
		if err == nil {
			if err := j.Buckets.DeleteIncoming(ctx, incomingKey); err != nil {
				log.Warn().Err(err).Str("upload_id", uploadID).Msg("failed to delete staged upload")
			}
			return nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		// Staged object already swept; fall through to the canonical copy.
	}

	exists, err := j.Buckets.CanonicalExists(ctx, archiveKey)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("archive %s is in neither the staging nor the canonical bucket", archiveKey)
	}
	return j.Buckets.MirrorPublic(ctx, archiveKey)
}
