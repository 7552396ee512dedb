package registry

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pubvault/pubvault/internal/common"
	"github.com/pubvault/pubvault/pkg/config"
	"github.com/pubvault/pubvault/pkg/types"
	"github.com/pubvault/pubvault/pkg/utils"
	"github.com/rs/zerolog/log"
)

// Look-alike folding for similarity keys
var lookalikes = strings.NewReplacer(
	"0", "o",
	"1", "l",
	"i", "l",
	"5", "s",
	"3", "e",
)

// SimilarityKey normalizes a package name so that confusable names
// collide: lowercase, underscores dropped, look-alike characters folded.
func SimilarityKey(name string) string {
	key := strings.ToLower(name)
	key = strings.ReplaceAll(key, "_", "")
	return lookalikes.Replace(key)
}

// NameTracker holds an in-memory index of current package names and
// moderated names, answering whether a new name is acceptable. Writers
// update it synchronously on success; a background scan refreshes it.
type NameTracker struct {
	db *common.Database

	mu          sync.RWMutex
	active      map[string]string // similarity key -> name
	moderated   map[string]string
	lastRefresh time.Time

	refreshInterval  time.Duration
	reservedPrefixes []string
	vendorDomain     string
}

// NewNameTracker creates a name tracker over the metadata store
func NewNameTracker(db *common.Database, cfg *config.RegistryConfig) *NameTracker {
	return &NameTracker{
		db:               db,
		active:           map[string]string{},
		moderated:        map[string]string{},
		refreshInterval:  cfg.NameRefreshInterval,
		reservedPrefixes: cfg.ReservedNamePrefixes,
		vendorDomain:     strings.ToLower(cfg.VendorDomain),
	}
}

// Refresh reloads the name sets from the metadata store
func (t *NameTracker) Refresh(ctx context.Context) error {
	var names []string
	if err := t.db.WithContext(ctx).Model(&types.Package{}).Pluck("name", &names).Error; err != nil {
		return err
	}

	var moderated []string
	if err := t.db.WithContext(ctx).Model(&types.ModeratedName{}).Pluck("name", &moderated).Error; err != nil {
		return err
	}

	active := make(map[string]string, len(names))
	for _, n := range names {
		active[SimilarityKey(n)] = n
	}
	tombs := make(map[string]string, len(moderated))
	for _, n := range moderated {
		tombs[SimilarityKey(n)] = n
	}

	t.mu.Lock()
	t.active = active
	t.moderated = tombs
	t.lastRefresh = time.Now()
	t.mu.Unlock()

	log.Debug().Int("active", len(active)).Int("moderated", len(tombs)).Msg("name tracker refreshed")
	return nil
}

// Start runs the periodic refresh until ctx is cancelled
func (t *NameTracker) Start(ctx context.Context) {
	ticker := time.NewTicker(t.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.Refresh(ctx); err != nil {
				log.Warn().Err(err).Msg("name tracker refresh failed")
			}
		}
	}
}

// AddName records a newly created package name
func (t *NameTracker) AddName(name string) {
	t.mu.Lock()
	t.active[SimilarityKey(name)] = name
	t.mu.Unlock()
}

// RemoveName drops a name from the active set
func (t *NameTracker) RemoveName(name string) {
	t.mu.Lock()
	delete(t.active, SimilarityKey(name))
	t.mu.Unlock()
}

// MarkModerated tombstones a name, blocking re-creation
func (t *NameTracker) MarkModerated(name string) {
	key := SimilarityKey(name)
	t.mu.Lock()
	delete(t.active, key)
	t.moderated[key] = name
	t.mu.Unlock()
}

// AcceptNewName decides whether a brand-new package may use the name.
// It enforces the identifier shape, rejects similarity collisions with
// active and moderated names, and applies the vendor reserved-prefix
// policy. agentEmail is the publishing user's address, used for the
// vendor-domain exception.
func (t *NameTracker) AcceptNewName(ctx context.Context, name, agentEmail string) error {
	if err := utils.ValidatePackageName(name); err != nil {
		return PackageRejected(CodeNameReserved, "%s", err.Error())
	}

	if t.isReserved(name) && utils.EmailDomain(agentEmail) != t.vendorDomain {
		return PackageRejected(CodeNameReserved,
			"package name %q uses a reserved prefix and cannot be published", name)
	}

	key := SimilarityKey(name)

	t.mu.RLock()
	existing, activeHit := t.active[key]
	_, moderatedHit := t.moderated[key]
	stale := time.Since(t.lastRefresh) > t.refreshInterval
	t.mu.RUnlock()

	if activeHit && existing != name {
		return PackageRejected(CodeSimilarToActive,
			"package name %q is too similar to existing package %q (https://pub.example/packages/%s)",
			name, existing, existing)
	}
	if activeHit && existing == name {
		// The exact name already exists; publish flow treats it as the
		// existing package, not a new-name decision.
		return nil
	}
	if moderatedHit {
		return PackageRejected(CodeSimilarToModerated,
			"package name %q is too similar to a moderated package name", name)
	}

	// Near a reject threshold with a stale index, confirm against the
	// metadata store before accepting.
	if stale {
		return t.checkStore(ctx, name, key)
	}

	return nil
}

// checkStore queries the metadata store for a similarity conflict
func (t *NameTracker) checkStore(ctx context.Context, name, key string) error {
	var count int64
	if err := t.db.WithContext(ctx).Model(&types.Package{}).
		Where("similarity_key = ? AND name <> ?", key, name).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return PackageRejected(CodeSimilarToActive,
			"package name %q is too similar to an existing package", name)
	}

	if err := t.db.WithContext(ctx).Model(&types.ModeratedName{}).
		Where("similarity_key = ?", key).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return PackageRejected(CodeSimilarToModerated,
			"package name %q is too similar to a moderated package name", name)
	}

	return nil
}

// isReserved reports whether the name starts with a vendor-reserved prefix
func (t *NameTracker) isReserved(name string) bool {
	lower := strings.ToLower(name)
	for _, prefix := range t.reservedPrefixes {
		if lower == prefix || strings.HasPrefix(lower, prefix+"_") {
			return true
		}
	}
	return false
}
