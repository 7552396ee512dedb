package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/pubvault/pubvault/pkg/config"
)

// BucketSet groups the three logical buckets of the registry:
// incoming (staging, TTL-swept), canonical (private, immutable) and
// public (world-readable, cacheable).
type BucketSet struct {
	store       BlobStorage
	incoming    string
	canonical   string
	public      string
	incomingTTL time.Duration
}

// NewBucketSet wires the logical buckets over a blob store
func NewBucketSet(store BlobStorage, cfg *config.StorageConfig) *BucketSet {
	return &BucketSet{
		store:       store,
		incoming:    cfg.IncomingBucket,
		canonical:   cfg.CanonicalBucket,
		public:      cfg.PublicBucket,
		incomingTTL: cfg.IncomingTTL,
	}
}

// IncomingObjectKey returns the staging key for an upload id
func IncomingObjectKey(uploadID string) string {
	return "tmp/" + uploadID
}

// ArchiveObjectKey returns the archive key for a package version
func ArchiveObjectKey(pkg, version string) string {
	return fmt.Sprintf("packages/%s-%s.tar.gz", pkg, version)
}

func (b *BucketSet) incomingPath(key string) string  { return b.incoming + "/" + key }
func (b *BucketSet) canonicalPath(key string) string { return b.canonical + "/" + key }
func (b *BucketSet) publicPath(key string) string    { return b.public + "/" + key }

// StoreIncoming writes a staged upload object
func (b *BucketSet) StoreIncoming(ctx context.Context, key string, content io.Reader) error {
	return b.store.Store(ctx, b.incomingPath(key), content, "application/octet-stream")
}

// RetrieveIncoming reads a staged upload object
func (b *BucketSet) RetrieveIncoming(ctx context.Context, key string) (io.ReadCloser, error) {
	return b.store.Retrieve(ctx, b.incomingPath(key))
}

// IncomingInfo returns size and MD5 of a staged object
func (b *BucketSet) IncomingInfo(ctx context.Context, key string) (*ObjectInfo, error) {
	return b.store.Info(ctx, b.incomingPath(key))
}

// DeleteIncoming removes a staged object after publish or on sweep
func (b *BucketSet) DeleteIncoming(ctx context.Context, key string) error {
	return b.store.Delete(ctx, b.incomingPath(key))
}

// CanonicalExists checks for a canonical archive object
func (b *BucketSet) CanonicalExists(ctx context.Context, key string) (bool, error) {
	return b.store.Exists(ctx, b.canonicalPath(key))
}

// CanonicalInfo returns size and MD5 of a canonical archive
func (b *BucketSet) CanonicalInfo(ctx context.Context, key string) (*ObjectInfo, error) {
	return b.store.Info(ctx, b.canonicalPath(key))
}

// RetrieveCanonical reads a canonical archive
func (b *BucketSet) RetrieveCanonical(ctx context.Context, key string) (io.ReadCloser, error) {
	return b.store.Retrieve(ctx, b.canonicalPath(key))
}

// RetrievePublic reads a public archive
func (b *BucketSet) RetrievePublic(ctx context.Context, key string) (io.ReadCloser, error) {
	return b.store.Retrieve(ctx, b.publicPath(key))
}

// PublicInfo returns size and MD5 of a public archive
func (b *BucketSet) PublicInfo(ctx context.Context, key string) (*ObjectInfo, error) {
	return b.store.Info(ctx, b.publicPath(key))
}

// Promote copies the staged object into the canonical and public buckets.
// Both targets are write-once: an existing byte-identical object is left
// alone, a differing one fails with ErrImmutableConflict.
func (b *BucketSet) Promote(ctx context.Context, incomingKey, archiveKey string) error {
	src := b.incomingPath(incomingKey)
	if err := b.store.Copy(ctx, src, b.canonicalPath(archiveKey)); err != nil {
		return fmt.Errorf("failed to promote to canonical bucket: %w", err)
	}
	if err := b.store.Copy(ctx, src, b.publicPath(archiveKey)); err != nil {
		return fmt.Errorf("failed to promote to public bucket: %w", err)
	}
	return nil
}

// MirrorPublic copies an existing canonical archive into the public bucket.
// Used when a republish matched canonical bytes but the public copy is absent.
func (b *BucketSet) MirrorPublic(ctx context.Context, archiveKey string) error {
	return b.store.Copy(ctx, b.canonicalPath(archiveKey), b.publicPath(archiveKey))
}

// DeleteArchive removes an archive from the canonical and public buckets.
// Only administrative deletion is allowed to do this.
func (b *BucketSet) DeleteArchive(ctx context.Context, archiveKey string) error {
	if err := b.store.Delete(ctx, b.publicPath(archiveKey)); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("failed to delete public archive: %w", err)
	}
	if err := b.store.Delete(ctx, b.canonicalPath(archiveKey)); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("failed to delete canonical archive: %w", err)
	}
	return nil
}

// SweepIncoming deletes staged objects past the incoming TTL
func (b *BucketSet) SweepIncoming(ctx context.Context) (int, error) {
	sweeper, ok := b.store.(interface {
		SweepExpired(ctx context.Context, prefix string, ttl time.Duration) (int, error)
	})
	if !ok {
		return 0, nil
	}
	return sweeper.SweepExpired(ctx, b.incomingPath("tmp"), b.incomingTTL)
}
