package storage

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pubvault/pubvault/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBuckets(t *testing.T) *BucketSet {
	t.Helper()

	store, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	return NewBucketSet(store, &config.StorageConfig{
		IncomingBucket:  "incoming",
		CanonicalBucket: "canonical",
		PublicBucket:    "public",
		IncomingTTL:     10 * time.Minute,
	})
}

func readAll(t *testing.T, r io.ReadCloser) []byte {
	t.Helper()
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return data
}

func TestLocalStorage_StoreRetrieve(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Store(ctx, "a/b/file.bin", strings.NewReader("content"), "application/octet-stream"))

	r, err := store.Retrieve(ctx, "a/b/file.bin")
	require.NoError(t, err)
	assert.Equal(t, "content", string(readAll(t, r)))

	exists, err := store.Exists(ctx, "a/b/file.bin")
	require.NoError(t, err)
	assert.True(t, exists)

	info, err := store.Info(ctx, "a/b/file.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(7), info.Size)
	assert.Len(t, info.MD5, 32)
}

func TestLocalStorage_RetrieveMissing(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	_, err = store.Retrieve(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalStorage_CopyIdenticalIsNoop(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Store(ctx, "src", strings.NewReader("same bytes"), ""))
	require.NoError(t, store.Store(ctx, "dst", strings.NewReader("same bytes"), ""))

	assert.NoError(t, store.Copy(ctx, "src", "dst"))
}

func TestLocalStorage_CopyConflict(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Store(ctx, "src", strings.NewReader("new bytes"), ""))
	require.NoError(t, store.Store(ctx, "dst", strings.NewReader("old bytes"), ""))

	err = store.Copy(ctx, "src", "dst")
	assert.ErrorIs(t, err, ErrImmutableConflict)
}

func TestBucketSet_PromoteAndDownload(t *testing.T) {
	buckets := newTestBuckets(t)
	ctx := context.Background()

	content := []byte("archive bytes")
	incomingKey := IncomingObjectKey(uuid.NewString())
	archiveKey := ArchiveObjectKey("my_pkg", "1.0.0")

	require.NoError(t, buckets.StoreIncoming(ctx, incomingKey, bytes.NewReader(content)))
	require.NoError(t, buckets.Promote(ctx, incomingKey, archiveKey))

	exists, err := buckets.CanonicalExists(ctx, archiveKey)
	require.NoError(t, err)
	assert.True(t, exists)

	r, err := buckets.RetrievePublic(ctx, archiveKey)
	require.NoError(t, err)
	assert.Equal(t, content, readAll(t, r))

	// Promoting the same staged bytes again is idempotent.
	assert.NoError(t, buckets.Promote(ctx, incomingKey, archiveKey))
}

func TestBucketSet_PromoteConflict(t *testing.T) {
	buckets := newTestBuckets(t)
	ctx := context.Background()

	archiveKey := ArchiveObjectKey("my_pkg", "1.0.0")

	first := IncomingObjectKey(uuid.NewString())
	require.NoError(t, buckets.StoreIncoming(ctx, first, strings.NewReader("original")))
	require.NoError(t, buckets.Promote(ctx, first, archiveKey))

	second := IncomingObjectKey(uuid.NewString())
	require.NoError(t, buckets.StoreIncoming(ctx, second, strings.NewReader("different")))

	err := buckets.Promote(ctx, second, archiveKey)
	assert.ErrorIs(t, err, ErrImmutableConflict)
}

func TestBucketSet_DeleteArchive(t *testing.T) {
	buckets := newTestBuckets(t)
	ctx := context.Background()

	incomingKey := IncomingObjectKey(uuid.NewString())
	archiveKey := ArchiveObjectKey("my_pkg", "1.0.0")

	require.NoError(t, buckets.StoreIncoming(ctx, incomingKey, strings.NewReader("bytes")))
	require.NoError(t, buckets.Promote(ctx, incomingKey, archiveKey))

	require.NoError(t, buckets.DeleteArchive(ctx, archiveKey))

	exists, err := buckets.CanonicalExists(ctx, archiveKey)
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = buckets.RetrievePublic(ctx, archiveKey)
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting again stays quiet.
	assert.NoError(t, buckets.DeleteArchive(ctx, archiveKey))
}

func TestUploadSigner_RoundTrip(t *testing.T) {
	signer := NewUploadSigner("secret", "https://pub.example/api/incoming-upload", 100*1024*1024)

	info, uploadID, err := signer.SignedUpload("https://pub.example/api/packages/versions/newUploadFinish")
	require.NoError(t, err)

	assert.Equal(t, "https://pub.example/api/incoming-upload", info.URL)
	assert.Equal(t, "tmp/"+uploadID, info.Fields["key"])
	assert.Contains(t, info.Fields["success_action_redirect"], "upload_id="+uploadID)

	policy, err := signer.VerifyPolicy(info.Fields["policy"], info.Fields["x-signature"])
	require.NoError(t, err)

	assert.Equal(t, "tmp/"+uploadID, policy.Key)
	assert.Equal(t, int64(100*1024*1024), policy.MaxContentLength)
	assert.LessOrEqual(t, time.Until(policy.Expiration), 10*time.Minute)
}

func TestUploadSigner_RedirectWithQuery(t *testing.T) {
	signer := NewUploadSigner("secret", "https://pub.example/upload", 1024)

	info, uploadID, err := signer.SignedUpload("https://pub.example/done?attempt=2")
	require.NoError(t, err)
	assert.Equal(t, "https://pub.example/done?attempt=2&upload_id="+uploadID,
		info.Fields["success_action_redirect"])
}

func TestUploadSigner_PolicyIsSingleUse(t *testing.T) {
	signer := NewUploadSigner("secret", "https://pub.example/upload", 1024)

	info, _, err := signer.SignedUpload("https://pub.example/done")
	require.NoError(t, err)

	_, err = signer.ConsumePolicy(info.Fields["policy"], info.Fields["x-signature"])
	require.NoError(t, err)

	// Replaying the same policy cannot stage a second upload.
	_, err = signer.ConsumePolicy(info.Fields["policy"], info.Fields["x-signature"])
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already been used")

	// Other policies are unaffected.
	other, _, err := signer.SignedUpload("https://pub.example/done")
	require.NoError(t, err)
	_, err = signer.ConsumePolicy(other.Fields["policy"], other.Fields["x-signature"])
	assert.NoError(t, err)
}

func TestUploadSigner_TamperedSignature(t *testing.T) {
	signer := NewUploadSigner("secret", "https://pub.example/upload", 1024)

	info, _, err := signer.SignedUpload("https://pub.example/done")
	require.NoError(t, err)

	_, err = signer.VerifyPolicy(info.Fields["policy"], "deadbeef")
	assert.Error(t, err)
}

func TestUploadSigner_WrongSecret(t *testing.T) {
	signer := NewUploadSigner("secret", "https://pub.example/upload", 1024)
	other := NewUploadSigner("different", "https://pub.example/upload", 1024)

	info, _, err := signer.SignedUpload("https://pub.example/done")
	require.NoError(t, err)

	_, err = other.VerifyPolicy(info.Fields["policy"], info.Fields["x-signature"])
	assert.Error(t, err)
}

func TestSweepIncoming_RemovesExpired(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	buckets := NewBucketSet(store, &config.StorageConfig{
		IncomingBucket:  "incoming",
		CanonicalBucket: "canonical",
		PublicBucket:    "public",
		IncomingTTL:     time.Nanosecond,
	})
	ctx := context.Background()

	require.NoError(t, buckets.StoreIncoming(ctx, IncomingObjectKey(uuid.NewString()), strings.NewReader("stale")))
	time.Sleep(10 * time.Millisecond)

	removed, err := buckets.SweepIncoming(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}
