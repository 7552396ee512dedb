package registry

import (
	"context"
	"testing"
	"time"

	"github.com/pubvault/pubvault/internal/authn"
	"github.com/pubvault/pubvault/internal/common"
	"github.com/pubvault/pubvault/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestAdmin(t *testing.T, db *common.Database, email string) *authn.UserAgent {
	t.Helper()

	user := &types.User{Email: email, Password: "x", IsActive: true, IsAdmin: true}
	require.NoError(t, db.Create(user).Error)
	return &authn.UserAgent{User: user}
}

func boolPtr(b bool) *bool    { return &b }
func strPtr(s string) *string { return &s }

func backdateVersion(t *testing.T, db *common.Database, name, version string, createdAt time.Time) {
	t.Helper()
	require.NoError(t, db.Model(&types.PackageVersion{}).
		Where("package_name = ? AND version = ?", name, version).
		Update("created_at", createdAt).Error)
}

func TestUpdateOptions_DiscontinueWithReplacement(t *testing.T) {
	svc, db := setupTestService(t)
	agent := createTestUser(t, db, "u@ex.com")
	ctx := context.Background()

	publishVersion(t, svc, agent, "old_pkg", "1.0.0")
	publishVersion(t, svc, agent, "new_pkg", "1.0.0")

	pkg, err := svc.UpdateOptions(ctx, agent, "old_pkg", types.PackageOptions{
		IsDiscontinued: boolPtr(true),
		ReplacedBy:     strPtr("new_pkg"),
	})
	require.NoError(t, err)
	assert.True(t, pkg.IsDiscontinued)
	require.NotNil(t, pkg.ReplacedBy)
	assert.Equal(t, "new_pkg", *pkg.ReplacedBy)

	// Un-discontinuing clears the replacement.
	pkg, err = svc.UpdateOptions(ctx, agent, "old_pkg", types.PackageOptions{
		IsDiscontinued: boolPtr(false),
	})
	require.NoError(t, err)
	assert.False(t, pkg.IsDiscontinued)
	assert.Nil(t, pkg.ReplacedBy)
}

func TestUpdateOptions_ReplacedByRequiresDiscontinued(t *testing.T) {
	svc, db := setupTestService(t)
	agent := createTestUser(t, db, "u@ex.com")

	publishVersion(t, svc, agent, "my_pkg", "1.0.0")

	_, err := svc.UpdateOptions(context.Background(), agent, "my_pkg", types.PackageOptions{
		ReplacedBy: strPtr("other_pkg"),
	})
	require.Error(t, err)
	e, _ := AsError(err)
	assert.Equal(t, KindInvalidInput, e.Kind)
}

func TestUpdateOptions_ReplacedByMustExist(t *testing.T) {
	svc, db := setupTestService(t)
	agent := createTestUser(t, db, "u@ex.com")

	publishVersion(t, svc, agent, "my_pkg", "1.0.0")

	_, err := svc.UpdateOptions(context.Background(), agent, "my_pkg", types.PackageOptions{
		IsDiscontinued: boolPtr(true),
		ReplacedBy:     strPtr("ghost_pkg"),
	})
	require.Error(t, err)
	e, _ := AsError(err)
	assert.Equal(t, KindInvalidInput, e.Kind)
}

func TestUpdateOptions_NonAdminRejected(t *testing.T) {
	svc, db := setupTestService(t)
	owner := createTestUser(t, db, "owner@ex.com")
	other := createTestUser(t, db, "other@ex.com")

	publishVersion(t, svc, owner, "my_pkg", "1.0.0")

	_, err := svc.UpdateOptions(context.Background(), other, "my_pkg", types.PackageOptions{
		IsUnlisted: boolPtr(true),
	})
	require.Error(t, err)
	e, _ := AsError(err)
	assert.Equal(t, KindAuthorization, e.Kind)
}

func TestRetract_WithinWindow(t *testing.T) {
	svc, db := setupTestService(t)
	agent := createTestUser(t, db, "u@ex.com")
	ctx := context.Background()

	publishVersion(t, svc, agent, "my_pkg", "1.0.0")
	publishVersion(t, svc, agent, "my_pkg", "2.0.0")

	row, err := svc.UpdateVersionOptions(ctx, agent, "my_pkg", "2.0.0",
		types.VersionOptions{IsRetracted: boolPtr(true)})
	require.NoError(t, err)
	assert.True(t, row.IsRetracted)
	require.NotNil(t, row.RetractedAt)

	// Latest falls back to the remaining version.
	var pkg types.Package
	require.NoError(t, db.First(&pkg, "name = ?", "my_pkg").Error)
	assert.Equal(t, "1.0.0", pkg.LatestVersion)
}

func TestRetract_WindowExpired(t *testing.T) {
	svc, db := setupTestService(t)
	agent := createTestUser(t, db, "u@ex.com")

	publishVersion(t, svc, agent, "my_pkg", "1.0.0")
	backdateVersion(t, db, "my_pkg", "1.0.0", time.Now().Add(-8*24*time.Hour))

	_, err := svc.UpdateVersionOptions(context.Background(), agent, "my_pkg", "1.0.0",
		types.VersionOptions{IsRetracted: boolPtr(true)})
	require.Error(t, err)
	e, _ := AsError(err)
	assert.Equal(t, KindInvalidInput, e.Kind)
	assert.Contains(t, e.Message, "Can't retract")
}

func TestUnretract_WithinWindow(t *testing.T) {
	svc, db := setupTestService(t)
	agent := createTestUser(t, db, "u@ex.com")
	ctx := context.Background()

	publishVersion(t, svc, agent, "my_pkg", "1.0.0")

	_, err := svc.UpdateVersionOptions(ctx, agent, "my_pkg", "1.0.0",
		types.VersionOptions{IsRetracted: boolPtr(true)})
	require.NoError(t, err)

	row, err := svc.UpdateVersionOptions(ctx, agent, "my_pkg", "1.0.0",
		types.VersionOptions{IsRetracted: boolPtr(false)})
	require.NoError(t, err)
	assert.False(t, row.IsRetracted)
	assert.Nil(t, row.RetractedAt)
}

func TestUnretract_WindowAnchoredToPublish(t *testing.T) {
	// The un-retraction window counts from the publish time, not from the
	// retraction. A version published long ago stays retracted even when
	// the retraction itself is recent.
	svc, db := setupTestService(t)
	agent := createTestUser(t, db, "u@ex.com")
	ctx := context.Background()

	publishVersion(t, svc, agent, "my_pkg", "1.0.0")

	_, err := svc.UpdateVersionOptions(ctx, agent, "my_pkg", "1.0.0",
		types.VersionOptions{IsRetracted: boolPtr(true)})
	require.NoError(t, err)

	backdateVersion(t, db, "my_pkg", "1.0.0", time.Now().Add(-20*24*time.Hour))

	_, err = svc.UpdateVersionOptions(ctx, agent, "my_pkg", "1.0.0",
		types.VersionOptions{IsRetracted: boolPtr(false)})
	require.Error(t, err)
	e, _ := AsError(err)
	assert.Equal(t, KindInvalidInput, e.Kind)
	assert.Contains(t, e.Message, "Can't un-retract")
}

func TestRetract_NoopWhenUnchanged(t *testing.T) {
	svc, db := setupTestService(t)
	agent := createTestUser(t, db, "u@ex.com")

	publishVersion(t, svc, agent, "my_pkg", "1.0.0")

	row, err := svc.UpdateVersionOptions(context.Background(), agent, "my_pkg", "1.0.0",
		types.VersionOptions{IsRetracted: boolPtr(false)})
	require.NoError(t, err)
	assert.False(t, row.IsRetracted)
}

func TestSetPublisher_TransfersAndClearsUploaders(t *testing.T) {
	svc, db := setupTestService(t)
	agent := createTestUser(t, db, "admin@acme.example")
	ctx := context.Background()

	publishVersion(t, svc, agent, "my_pkg", "1.0.0")

	pub, err := svc.CreatePublisher(ctx, agent, "acme.example")
	require.NoError(t, err)
	assert.Equal(t, "acme.example", pub.ID)

	pkg, err := svc.SetPublisher(ctx, agent, "my_pkg", "acme.example")
	require.NoError(t, err)
	require.NotNil(t, pkg.PublisherID)
	assert.Equal(t, "acme.example", *pkg.PublisherID)
	assert.Empty(t, pkg.Uploaders)

	// Transferring to the current publisher again is a no-op.
	pkg, err = svc.SetPublisher(ctx, agent, "my_pkg", "acme.example")
	require.NoError(t, err)
	assert.Equal(t, "acme.example", *pkg.PublisherID)
}

func TestSetPublisher_RequiresTargetAdmin(t *testing.T) {
	svc, db := setupTestService(t)
	owner := createTestUser(t, db, "owner@ex.com")
	founder := createTestUser(t, db, "admin@acme.example")
	ctx := context.Background()

	publishVersion(t, svc, owner, "my_pkg", "1.0.0")
	_, err := svc.CreatePublisher(ctx, founder, "acme.example")
	require.NoError(t, err)

	// Package admin but not a publisher admin.
	_, err = svc.SetPublisher(ctx, owner, "my_pkg", "acme.example")
	require.Error(t, err)
	e, _ := AsError(err)
	assert.Equal(t, KindAuthorization, e.Kind)
}

func TestSetPublisher_EmptyNotSupported(t *testing.T) {
	svc, db := setupTestService(t)
	agent := createTestUser(t, db, "u@ex.com")

	publishVersion(t, svc, agent, "my_pkg", "1.0.0")

	_, err := svc.SetPublisher(context.Background(), agent, "my_pkg", "")
	require.Error(t, err)
	e, _ := AsError(err)
	assert.Equal(t, KindNotImplemented, e.Kind)
}

func TestAddUploader_AndPublishBySecondUploader(t *testing.T) {
	svc, db := setupTestService(t)
	owner := createTestUser(t, db, "owner@ex.com")
	second := createTestUser(t, db, "second@ex.com")
	ctx := context.Background()

	publishVersion(t, svc, owner, "my_pkg", "1.0.0")

	pkg, err := svc.AddUploader(ctx, owner, "my_pkg", "second@ex.com")
	require.NoError(t, err)
	assert.Len(t, pkg.Uploaders, 2)

	publishVersion(t, svc, second, "my_pkg", "1.1.0")
}

func TestAddUploader_Duplicate(t *testing.T) {
	svc, db := setupTestService(t)
	owner := createTestUser(t, db, "owner@ex.com")

	publishVersion(t, svc, owner, "my_pkg", "1.0.0")

	_, err := svc.AddUploader(context.Background(), owner, "my_pkg", "owner@ex.com")
	require.Error(t, err)
	e, _ := AsError(err)
	assert.Equal(t, KindUploaderExists, e.Kind)
}

func TestAddUploader_UnknownEmail(t *testing.T) {
	svc, db := setupTestService(t)
	owner := createTestUser(t, db, "owner@ex.com")

	publishVersion(t, svc, owner, "my_pkg", "1.0.0")

	_, err := svc.AddUploader(context.Background(), owner, "my_pkg", "ghost@ex.com")
	require.Error(t, err)
	e, _ := AsError(err)
	assert.Equal(t, KindNotFound, e.Kind)
}

func TestAddUploader_PublisherOwnedPackage(t *testing.T) {
	svc, db := setupTestService(t)
	agent := createTestUser(t, db, "admin@acme.example")
	createTestUser(t, db, "second@ex.com")
	ctx := context.Background()

	publishVersion(t, svc, agent, "my_pkg", "1.0.0")
	_, err := svc.CreatePublisher(ctx, agent, "acme.example")
	require.NoError(t, err)
	_, err = svc.SetPublisher(ctx, agent, "my_pkg", "acme.example")
	require.NoError(t, err)

	_, err = svc.AddUploader(ctx, agent, "my_pkg", "second@ex.com")
	require.Error(t, err)
	e, _ := AsError(err)
	assert.Equal(t, KindAuthorization, e.Kind)
	assert.Equal(t, CodePublisherOwned, e.Code)

	_, err = svc.RemoveUploader(ctx, agent, "my_pkg", "second@ex.com")
	require.Error(t, err)
	e, _ = AsError(err)
	assert.Equal(t, CodePublisherOwned, e.Code)
}

func TestRemoveUploader_SelfRemovalBlocked(t *testing.T) {
	svc, db := setupTestService(t)
	owner := createTestUser(t, db, "owner@ex.com")
	createTestUser(t, db, "second@ex.com")
	ctx := context.Background()

	publishVersion(t, svc, owner, "my_pkg", "1.0.0")
	_, err := svc.AddUploader(ctx, owner, "my_pkg", "second@ex.com")
	require.NoError(t, err)

	_, err = svc.RemoveUploader(ctx, owner, "my_pkg", "owner@ex.com")
	require.Error(t, err)
	e, _ := AsError(err)
	assert.Equal(t, CodeSelfRemovalNotAllowed, e.Code)
}

func TestRemoveUploader_LastUploaderBlocked(t *testing.T) {
	svc, db := setupTestService(t)
	owner := createTestUser(t, db, "owner@ex.com")
	second := createTestUser(t, db, "second@ex.com")
	ctx := context.Background()

	publishVersion(t, svc, owner, "my_pkg", "1.0.0")
	_, err := svc.AddUploader(ctx, owner, "my_pkg", "second@ex.com")
	require.NoError(t, err)

	pkg, err := svc.RemoveUploader(ctx, second, "my_pkg", "owner@ex.com")
	require.NoError(t, err)
	assert.Len(t, pkg.Uploaders, 1)

	_, err = svc.RemoveUploader(ctx, second, "my_pkg", "owner@ex.com")
	require.Error(t, err)
	e, _ := AsError(err)
	assert.Equal(t, KindNotFound, e.Kind)
}

func TestRemoveUploader_KeepsAtLeastOne(t *testing.T) {
	svc, db := setupTestService(t)
	owner := createTestUser(t, db, "owner@ex.com")
	admin := createTestAdmin(t, db, "root@ex.com")
	ctx := context.Background()

	publishVersion(t, svc, owner, "my_pkg", "1.0.0")

	_, err := svc.RemoveUploader(ctx, admin, "my_pkg", "owner@ex.com")
	require.Error(t, err)
	e, _ := AsError(err)
	assert.Equal(t, CodeLastUploaderRemove, e.Code)
}

func TestUpdateAutomatedPublishing_Validation(t *testing.T) {
	svc, db := setupTestService(t)
	owner := createTestUser(t, db, "owner@ex.com")
	ctx := context.Background()

	publishVersion(t, svc, owner, "my_pkg", "1.0.0")

	cases := map[string]types.AutomatedPublishing{
		"repository without slash": {
			Github: &types.GithubPublishing{IsEnabled: true, Repository: "justname"},
		},
		"tag pattern missing version": {
			Github: &types.GithubPublishing{IsEnabled: true, Repository: "me/proj", TagPattern: "release"},
		},
		"environment required but unset": {
			Github: &types.GithubPublishing{
				IsEnabled: true, Repository: "me/proj", RequireEnvironment: true,
			},
		},
		"gcp email not a service account": {
			Gcp: &types.GcpPublishing{IsEnabled: true, ServiceAccountEmail: "me@gmail.com"},
		},
	}

	for label, cfg := range cases {
		_, err := svc.UpdateAutomatedPublishing(ctx, owner, "my_pkg", cfg)
		require.Error(t, err, label)
		e, _ := AsError(err)
		assert.Equal(t, KindInvalidInput, e.Kind, label)
	}
}

func TestUpdateAutomatedPublishing_DefaultsTagPattern(t *testing.T) {
	svc, db := setupTestService(t)
	owner := createTestUser(t, db, "owner@ex.com")

	publishVersion(t, svc, owner, "my_pkg", "1.0.0")

	cfg, err := svc.UpdateAutomatedPublishing(context.Background(), owner, "my_pkg", types.AutomatedPublishing{
		Github: &types.GithubPublishing{IsEnabled: true, Repository: "me/proj"},
	})
	require.NoError(t, err)
	assert.Equal(t, "v{{version}}", cfg.Github.TagPattern)
}

func TestAdminDeleteVersion_Stickiness(t *testing.T) {
	svc, db := setupTestService(t)
	owner := createTestUser(t, db, "owner@ex.com")
	admin := createTestAdmin(t, db, "root@ex.com")
	ctx := context.Background()

	publishVersion(t, svc, owner, "my_pkg", "1.0.0")
	publishVersion(t, svc, owner, "my_pkg", "2.0.0")

	require.NoError(t, svc.AdminDeleteVersion(ctx, admin, "my_pkg", "2.0.0"))

	var pkg types.Package
	require.NoError(t, db.First(&pkg, "name = ?", "my_pkg").Error)
	assert.Equal(t, "1.0.0", pkg.LatestVersion)
	assert.Contains(t, pkg.DeletedVersions, "2.0.0")

	// The deleted version number can never be reused.
	data := buildTestArchive(t, map[string]string{
		"pubspec.yaml": pubspecFor("my_pkg", "2.0.0"),
	})
	uploadID := stageArchive(t, svc, data)
	_, err := svc.PublishUploadedBlob(ctx, owner, uploadID)
	require.Error(t, err)
	e, _ := AsError(err)
	assert.Equal(t, CodeVersionDeleted, e.Code)
}

func TestAdminDeleteVersion_RequiresSiteAdmin(t *testing.T) {
	svc, db := setupTestService(t)
	owner := createTestUser(t, db, "owner@ex.com")

	publishVersion(t, svc, owner, "my_pkg", "1.0.0")

	err := svc.AdminDeleteVersion(context.Background(), owner, "my_pkg", "1.0.0")
	require.Error(t, err)
	e, _ := AsError(err)
	assert.Equal(t, KindAuthorization, e.Kind)
}

func TestAdminModerateName_BlocksSimilarNames(t *testing.T) {
	svc, db := setupTestService(t)
	owner := createTestUser(t, db, "owner@ex.com")
	admin := createTestAdmin(t, db, "root@ex.com")
	ctx := context.Background()

	publishVersion(t, svc, owner, "bad_pkg", "1.0.0")

	require.NoError(t, svc.AdminModerateName(ctx, admin, "bad_pkg"))

	var count int64
	db.Model(&types.Package{}).Where("name = ?", "bad_pkg").Count(&count)
	assert.Zero(t, count)

	var tomb types.ModeratedName
	require.NoError(t, db.First(&tomb, "name = ?", "bad_pkg").Error)

	// Similar names stay blocked after moderation.
	data := buildTestArchive(t, map[string]string{
		"pubspec.yaml": pubspecFor("badpkg", "1.0.0"),
	})
	uploadID := stageArchive(t, svc, data)
	_, err := svc.PublishUploadedBlob(ctx, owner, uploadID)
	require.Error(t, err)
	e, _ := AsError(err)
	assert.Equal(t, CodeSimilarToModerated, e.Code)
}
