package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestNameTracker(t *testing.T) *NameTracker {
	t.Helper()

	tracker := NewNameTracker(setupTestDB(t), testRegistryConfig())
	require.NoError(t, tracker.Refresh(context.Background()))
	return tracker
}

func TestAcceptNewName_Fresh(t *testing.T) {
	tracker := newTestNameTracker(t)

	assert.NoError(t, tracker.AcceptNewName(context.Background(), "my_pkg", "u@ex.com"))
}

func TestAcceptNewName_SimilarToActive(t *testing.T) {
	tracker := newTestNameTracker(t)
	tracker.AddName("my_package")

	err := tracker.AcceptNewName(context.Background(), "mypackage", "u@ex.com")
	require.Error(t, err)
	e, _ := AsError(err)
	assert.Equal(t, CodeSimilarToActive, e.Code)
}

func TestAcceptNewName_ExactExistingNamePasses(t *testing.T) {
	// The exact name is the existing package itself; the publish flow
	// resolves it as such, not as a new-name decision.
	tracker := newTestNameTracker(t)
	tracker.AddName("my_package")

	assert.NoError(t, tracker.AcceptNewName(context.Background(), "my_package", "u@ex.com"))
}

func TestAcceptNewName_SimilarToModerated(t *testing.T) {
	tracker := newTestNameTracker(t)
	tracker.MarkModerated("bad_pkg")

	err := tracker.AcceptNewName(context.Background(), "badpkg", "u@ex.com")
	require.Error(t, err)
	e, _ := AsError(err)
	assert.Equal(t, CodeSimilarToModerated, e.Code)
}

func TestAcceptNewName_ReservedPrefix(t *testing.T) {
	tracker := newTestNameTracker(t)
	ctx := context.Background()

	err := tracker.AcceptNewName(ctx, "flutter_thing", "u@ex.com")
	require.Error(t, err)
	e, _ := AsError(err)
	assert.Equal(t, CodeNameReserved, e.Code)

	// Vendor-domain accounts may claim reserved prefixes.
	assert.NoError(t, tracker.AcceptNewName(ctx, "flutter_thing", "dev@vendor.example"))
}

func TestAcceptNewName_RemovedNameFreesKey(t *testing.T) {
	tracker := newTestNameTracker(t)
	ctx := context.Background()

	tracker.AddName("my_package")
	tracker.RemoveName("my_package")

	assert.NoError(t, tracker.AcceptNewName(ctx, "mypackage", "u@ex.com"))
}
