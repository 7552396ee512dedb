package registry

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pubvault/pubvault/internal/archive"
	"github.com/pubvault/pubvault/internal/authn"
	"github.com/pubvault/pubvault/internal/common"
	"github.com/pubvault/pubvault/internal/storage"
	"github.com/pubvault/pubvault/pkg/config"
	"github.com/pubvault/pubvault/pkg/types"
	"github.com/pubvault/pubvault/pkg/utils"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// Service owns the publishing state machine and the package/version
// aggregate with its invariants.
type Service struct {
	DB      *common.Database
	Buckets *storage.BucketSet
	Signer  *storage.UploadSigner
	Cache   *VersionCache
	Names   *NameTracker
	Auth    *authn.Service
	Config  *config.RegistryConfig

	// BaseURL is the externally visible server URL used in archive links
	BaseURL string

	// Notify kicks the outbox worker after a commit; optional
	Notify func()
}

// NewService creates the registry core service
func NewService(db *common.Database, buckets *storage.BucketSet, signer *storage.UploadSigner,
	cache *VersionCache, names *NameTracker, auth *authn.Service,
	cfg *config.RegistryConfig, baseURL string) *Service {
	return &Service{
		DB:      db,
		Buckets: buckets,
		Signer:  signer,
		Cache:   cache,
		Names:   names,
		Auth:    auth,
		Config:  cfg,
		BaseURL: strings.TrimSuffix(baseURL, "/"),
	}
}

// StartUpload returns a single-use signed POST targeting the incoming
// bucket. Any authenticated agent may start an upload.
func (s *Service) StartUpload(ctx context.Context, agent authn.Agent, redirectURL string) (*types.UploadInfo, error) {
	if agent == nil {
		return nil, MissingAuthentication()
	}
	if s.Config.UploadSwitch == "no-uploads" {
		return nil, PackageRejected(CodeUploadRestricted, "uploads are temporarily disabled")
	}

	parsed, err := url.Parse(redirectURL)
	if err != nil || !parsed.IsAbs() || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, InvalidInput("redirect url must be an absolute http(s) url")
	}

	info, uploadID, err := s.Signer.SignedUpload(redirectURL)
	if err != nil {
		return nil, fmt.Errorf("failed to sign upload: %w", err)
	}

	log.Info().
		Str("upload_id", uploadID).
		Str("agent", agent.AgentID()).
		Msg("upload started")

	return info, nil
}

// PublishUploadedBlob finalizes a staged upload: parses the archive,
// verifies name, version and authorization, and commits the new package
// version transactionally. The operation is idempotent on archive bytes:
// a republish of identical bytes where the canonical object already exists
// but no version row does proceeds; differing bytes are rejected.
func (s *Service) PublishUploadedBlob(ctx context.Context, agent authn.Agent, uploadID string) (*types.PackageVersion, error) {
	if agent == nil {
		return nil, MissingAuthentication()
	}
	if _, err := uuid.Parse(uploadID); err != nil {
		return nil, InvalidInput("upload_id is not a valid upload identifier")
	}

	incomingKey := storage.IncomingObjectKey(uploadID)

	reader, err := s.Buckets.RetrieveIncoming(ctx, incomingKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, PackageRejected(CodeArchiveEmpty, "no uploaded archive found for this upload")
		}
		return nil, fmt.Errorf("failed to read staged upload: %w", err)
	}

	blob, err := archive.ReadBounded(reader, s.Config.MaxArchiveSize)
	reader.Close()
	if err != nil {
		if errors.Is(err, archive.ErrTooLarge) {
			return nil, PackageRejected(CodeArchiveTooLarge,
				"archive exceeds the maximum size of %s", utils.FormatBytes(s.Config.MaxArchiveSize))
		}
		return nil, fmt.Errorf("failed to buffer staged upload: %w", err)
	}
	defer blob.Close()

	if blob.Size() == 0 {
		return nil, PackageRejected(CodeArchiveEmpty, "uploaded archive is empty")
	}

	summary, err := s.parseArchive(blob)
	if err != nil {
		return nil, err
	}

	name := summary.Pubspec.Name
	version, err := utils.CanonicalVersion(summary.Pubspec.Version)
	if err != nil {
		return nil, InvalidInput("%s", err.Error())
	}
	if err := utils.ValidatePackageName(name); err != nil {
		return nil, PackageRejected("", "%s", err.Error())
	}

	pkg, err := s.getPackage(ctx, s.DB.DB, name)
	if err != nil {
		return nil, err
	}

	// Full name verification only applies to brand-new packages.
	if pkg == nil {
		email := ""
		if ua, ok := authn.AsUser(agent); ok {
			email = ua.User.Email
		}
		if err := s.Names.AcceptNewName(ctx, name, email); err != nil {
			return nil, err
		}
	}

	// The canonical object is write-once. A pre-existing object must be
	// byte-identical with this upload for the publish to continue.
	archiveKey := storage.ArchiveObjectKey(name, version)
	canonicalExists, err := s.Buckets.CanonicalExists(ctx, archiveKey)
	if err != nil {
		return nil, fmt.Errorf("failed to check canonical archive: %w", err)
	}
	if canonicalExists {
		identical, err := s.canonicalMatches(ctx, archiveKey, blob)
		if err != nil {
			return nil, err
		}
		if !identical {
			return nil, VersionExists(name, version)
		}
	}

	if err := s.authorizeUpload(ctx, s.DB.DB, agent, pkg, version); err != nil {
		return nil, err
	}

	var committed *types.PackageVersion
	err = s.DB.RunInTransaction(ctx, func(tx *gorm.DB) error {
		committed = nil

		// A concurrent creator winning the race yields VersionExists.
		var existing types.PackageVersion
		if err := tx.Where("package_name = ? AND version = ?", name, version).
			First(&existing).Error; err == nil {
			return VersionExists(name, version)
		} else if err != gorm.ErrRecordNotFound {
			return err
		}

		pkgTx, err := s.getPackage(ctx, tx, name)
		if err != nil {
			return err
		}

		isNew := pkgTx == nil
		if isNew {
			ua, ok := authn.AsUser(agent)
			if !ok {
				return Unauthorized(CodeCannotUpload, "automated publishing cannot create new packages")
			}
			pkgTx = &types.Package{
				Name:          name,
				NameLower:     strings.ToLower(name),
				SimilarityKey: SimilarityKey(name),
				Uploaders:     []string{ua.User.ID.String()},
			}
		} else {
			if pkgTx.IsBlocked {
				return PackageRejected(CodeIsBlocked, "package %s is blocked", name)
			}
			if pkgTx.HasDeletedVersion(version) {
				return PackageRejected(CodeVersionDeleted,
					"version %s of package %s was deleted and cannot be re-published", version, name)
			}
			if pkgTx.VersionCount >= s.Config.MaxVersionsPerPackage {
				return PackageRejected(CodeMaxVersionsReached,
					"package %s has reached the limit of %d versions", name, s.Config.MaxVersionsPerPackage)
			}
			// Authorization re-checked against the row read in this transaction.
			if err := s.authorizeUpload(ctx, tx, agent, pkgTx, version); err != nil {
				return err
			}
		}

		newVersion := &types.PackageVersion{
			PackageName:          name,
			Version:              version,
			Pubspec:              summary.Pubspec.Raw,
			Libraries:            summary.Libraries,
			SHA256:               blob.SHA256(),
			Size:                 blob.Size(),
			UploaderAgentID:      agent.AgentID(),
			PublisherIDAtPublish: pkgTx.PublisherID,
		}
		if err := tx.Create(newVersion).Error; err != nil {
			// A concurrent publish that committed between the pre-check and
			// this insert surfaces as a unique-index conflict.
			if isUniqueViolation(err) {
				return VersionExists(name, version)
			}
			return fmt.Errorf("failed to create version: %w", err)
		}

		if err := s.createAssets(tx, name, version, summary); err != nil {
			return err
		}

		var versions []*types.PackageVersion
		if err := tx.Where("package_name = ?", name).Find(&versions).Error; err != nil {
			return err
		}

		prevLatest := pkgTx.LatestVersion
		prevPrerelease := pkgTx.LatestPrereleaseVersion
		latest, prerelease := ComputeLatest(versions, s.Config.DefaultSDKVersion)

		pkgTx.LatestVersion = latest
		pkgTx.LatestPrereleaseVersion = prerelease
		pkgTx.VersionCount = len(versions)

		if isNew {
			if err := tx.Create(pkgTx).Error; err != nil {
				return fmt.Errorf("failed to create package: %w", err)
			}
		} else if err := tx.Save(pkgTx).Error; err != nil {
			return fmt.Errorf("failed to update package: %w", err)
		}

		rec := auditRecord(types.AuditPackagePublished, agent.AgentID(),
			fmt.Sprintf("Package %s version %s was published by %s.", name, version, agent.DisplayID()),
			types.JSONMap{"package": name, "version": version})
		if err := writeAudit(tx, rec,
			[]string{name}, []string{name + "/" + version},
			publisherList(pkgTx), pkgTx.Uploaders); err != nil {
			return err
		}

		recipients, err := s.notificationRecipients(tx, pkgTx)
		if err != nil {
			return err
		}
		for _, to := range recipients {
			if _, err := enqueueEmail(tx, to,
				fmt.Sprintf("Package %s version %s published", name, version),
				fmt.Sprintf("%s has published a new version of %s: %s.", agent.DisplayID(), name, version),
			); err != nil {
				return err
			}
		}

		if _, err := enqueuePublishJobs(tx, name, version,
			prevLatest, prevPrerelease, latest, prerelease); err != nil {
			return err
		}

		// Durable promote intent; the inline promote below usually wins,
		// the worker finishes it when the kickoff was lost.
		promote := &types.OutboxMessage{
			Kind: types.OutboxJob,
			Payload: types.JSONMap{
				"task":      TaskPromoteArchive,
				"package":   name,
				"version":   version,
				"upload_id": uploadID,
			},
			NextAttemptAt: time.Now().Add(time.Minute),
			ExpiresAt:     time.Now().Add(outboxRetention),
		}
		if err := tx.Create(promote).Error; err != nil {
			return err
		}

		committed = newVersion
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.postPublish(ctx, uploadID, name, archiveKey)

	log.Info().
		Str("package", name).
		Str("version", version).
		Str("agent", agent.AgentID()).
		Str("sha256", blob.SHA256()).
		Msg("package version published")

	return committed, nil
}

// parseArchive runs the archive parser over the blob and converts parser
// issues into rejections.
func (s *Service) parseArchive(blob *archive.Blob) (*archive.Summary, error) {
	r, err := blob.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open staged upload: %w", err)
	}
	defer r.Close()

	summary, err := archive.Parse(r, s.Config.MaxArchiveSize)
	if err != nil {
		if errors.Is(err, archive.ErrTooLarge) {
			return nil, PackageRejected(CodeArchiveTooLarge,
				"archive exceeds the maximum size of %s", utils.FormatBytes(s.Config.MaxArchiveSize))
		}
		return nil, PackageRejected("", "%s", err.Error())
	}
	if summary.HasIssues() {
		return nil, PackageRejected("", "%s", strings.Join(summary.Issues, "; "))
	}
	return summary, nil
}

// createAssets stores the extracted text assets of the new version
func (s *Service) createAssets(tx *gorm.DB, name, version string, summary *archive.Summary) error {
	assets := []struct {
		kind  string
		asset *archive.Asset
	}{
		{types.AssetPubspec, &archive.Asset{Path: "pubspec.yaml", Content: summary.PubspecContent}},
		{types.AssetReadme, summary.Readme},
		{types.AssetChangelog, summary.Changelog},
		{types.AssetExample, summary.Example},
		{types.AssetLicense, summary.License},
	}

	for _, a := range assets {
		if a.asset == nil {
			continue
		}
		content := a.asset.Content
		if len(content) > types.MaxAssetTextLength {
			content = content[:types.MaxAssetTextLength]
		}
		row := &types.PackageVersionAsset{
			PackageName: name,
			Version:     version,
			Kind:        a.kind,
			Path:        a.asset.Path,
			TextContent: content,
		}
		if err := tx.Create(row).Error; err != nil {
			return fmt.Errorf("failed to store %s asset: %w", a.kind, err)
		}
	}
	return nil
}

// postPublish performs the best-effort fan-out after commit: bucket
// promotion, staging cleanup, cache purge, name tracker update and the
// outbox kick. Failures here never fail the committed publish.
func (s *Service) postPublish(ctx context.Context, uploadID, name, archiveKey string) {
	incomingKey := storage.IncomingObjectKey(uploadID)

	var g errgroup.Group
	g.Go(func() error {
		if err := s.Buckets.Promote(ctx, incomingKey, archiveKey); err != nil {
			// Keep the staged object; the outbox promote task retries.
			log.Error().Err(err).Str("archive", archiveKey).Msg("archive promotion failed, left for worker")
			return nil
		}
		if err := s.Buckets.DeleteIncoming(ctx, incomingKey); err != nil {
			log.Warn().Err(err).Str("upload_id", uploadID).Msg("failed to delete staged upload")
		}
		return nil
	})
	g.Go(func() error {
		s.Cache.Purge(ctx, name)
		return nil
	})
	g.Wait()

	s.Names.AddName(name)
	if s.Notify != nil {
		s.Notify()
	}
}

// canonicalMatches byte-compares the canonical object with the upload
func (s *Service) canonicalMatches(ctx context.Context, archiveKey string, blob *archive.Blob) (bool, error) {
	info, err := s.Buckets.CanonicalInfo(ctx, archiveKey)
	if err != nil {
		return false, fmt.Errorf("failed to stat canonical archive: %w", err)
	}
	if info.Size != blob.Size() {
		return false, nil
	}

	canonical, err := s.Buckets.RetrieveCanonical(ctx, archiveKey)
	if err != nil {
		return false, fmt.Errorf("failed to read canonical archive: %w", err)
	}
	defer canonical.Close()

	upload, err := blob.Open()
	if err != nil {
		return false, err
	}
	defer upload.Close()

	return readersEqual(canonical, upload)
}

// readersEqual compares two readers byte by byte
func readersEqual(a, b io.Reader) (bool, error) {
	bufA := make([]byte, 64*1024)
	bufB := make([]byte, 64*1024)

	for {
		nA, errA := io.ReadFull(a, bufA)
		nB, errB := io.ReadFull(b, bufB)
		if nA != nB || !bytes.Equal(bufA[:nA], bufB[:nB]) {
			return false, nil
		}

		endA := errA == io.EOF || errA == io.ErrUnexpectedEOF
		endB := errB == io.EOF || errB == io.ErrUnexpectedEOF
		if errA != nil && !endA {
			return false, errA
		}
		if errB != nil && !endB {
			return false, errB
		}
		if endA || endB {
			return endA && endB && nA == nB, nil
		}
	}
}

// getPackage loads a package by case-insensitive name; nil when absent
func (s *Service) getPackage(ctx context.Context, tx *gorm.DB, name string) (*types.Package, error) {
	var pkg types.Package
	err := tx.WithContext(ctx).Where("name_lower = ?", strings.ToLower(name)).First(&pkg).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load package: %w", err)
	}
	return &pkg, nil
}

// mustGetPackage loads a package or returns NotFound
func (s *Service) mustGetPackage(ctx context.Context, tx *gorm.DB, name string) (*types.Package, error) {
	pkg, err := s.getPackage(ctx, tx, name)
	if err != nil {
		return nil, err
	}
	if pkg == nil {
		return nil, NotFound("package %s does not exist", name)
	}
	return pkg, nil
}

// getPackageRead loads a package for a public read path. Misses are
// remembered in the existence cache so repeated probes for unknown names
// skip the metadata store; mutations purge the entry.
func (s *Service) getPackageRead(ctx context.Context, name string) (*types.Package, error) {
	if exists, ok := s.Cache.GetExists(ctx, name); ok && !exists {
		return nil, NotFound("package %s does not exist", name)
	}

	pkg, err := s.getPackage(ctx, s.DB.DB, name)
	if err != nil {
		return nil, err
	}
	if pkg == nil {
		s.Cache.SetExists(ctx, name, false)
		return nil, NotFound("package %s does not exist", name)
	}

	s.Cache.SetExists(ctx, name, true)
	return pkg, nil
}

// notificationRecipients resolves the unique email addresses to notify
// for a package: its uploaders, or its publisher's admins.
func (s *Service) notificationRecipients(tx *gorm.DB, pkg *types.Package) ([]string, error) {
	seen := map[string]bool{}
	var out []string

	if pkg.PublisherID != nil {
		var members []types.PublisherMember
		if err := tx.Preload("User").
			Where("publisher_id = ? AND role = ?", *pkg.PublisherID, types.PublisherRoleAdmin).
			Find(&members).Error; err != nil {
			return nil, err
		}
		for _, m := range members {
			if m.User.Email != "" && !seen[m.User.Email] {
				seen[m.User.Email] = true
				out = append(out, m.User.Email)
			}
		}
		return out, nil
	}

	if len(pkg.Uploaders) == 0 {
		return nil, nil
	}
	var users []types.User
	if err := tx.Where("id IN ?", pkg.Uploaders).Find(&users).Error; err != nil {
		return nil, err
	}
	for _, u := range users {
		if !seen[u.Email] {
			seen[u.Email] = true
			out = append(out, u.Email)
		}
	}
	return out, nil
}

// publisherList returns the publisher id as a slice for audit arrays
func publisherList(pkg *types.Package) []string {
	if pkg.PublisherID == nil {
		return nil
	}
	return []string{*pkg.PublisherID}
}

// ListVersions returns the non-retracted versions of a package sorted
// ascending by semver, plus the latest summary.
func (s *Service) ListVersions(ctx context.Context, name string) (*types.VersionListing, error) {
	pkg, err := s.getPackageRead(ctx, name)
	if err != nil {
		return nil, err
	}

	var versions []*types.PackageVersion
	if err := s.DB.WithContext(ctx).
		Where("package_name = ? AND is_retracted = ?", pkg.Name, false).
		Find(&versions).Error; err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}

	ordered := utils.SortVersionsAscending(versionStrings(versions))
	byVersion := map[string]*types.PackageVersion{}
	for _, v := range versions {
		byVersion[v.Version] = v
	}

	listing := &types.VersionListing{Name: pkg.Name, Versions: []types.VersionSummary{}}
	for _, v := range ordered {
		row := byVersion[v]
		if row == nil {
			continue
		}
		listing.Versions = append(listing.Versions, s.versionSummary(row))
	}

	if latest, ok := byVersion[pkg.LatestVersion]; ok {
		summary := s.versionSummary(latest)
		listing.Latest = &summary
	}

	return listing, nil
}

// ListVersionsGzip returns the gzip-encoded JSON listing, served through
// the read-through cache.
func (s *Service) ListVersionsGzip(ctx context.Context, name string) ([]byte, error) {
	if body, ok := s.Cache.GetListing(ctx, name); ok {
		return body, nil
	}

	listing, err := s.ListVersions(ctx, name)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(listing)
	if err != nil {
		return nil, fmt.Errorf("failed to encode listing: %w", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(raw); err != nil {
		return nil, fmt.Errorf("failed to compress listing: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress listing: %w", err)
	}

	body := buf.Bytes()
	s.Cache.SetListing(ctx, name, body)
	return body, nil
}

// LookupVersion returns metadata for one version
func (s *Service) LookupVersion(ctx context.Context, name, version string) (*types.VersionSummary, error) {
	canonical, err := utils.CanonicalVersion(version)
	if err != nil {
		return nil, InvalidInput("%s", err.Error())
	}

	pkg, err := s.getPackageRead(ctx, name)
	if err != nil {
		return nil, err
	}

	var row types.PackageVersion
	if err := s.DB.WithContext(ctx).
		Where("package_name = ? AND version = ?", pkg.Name, canonical).
		First(&row).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, NotFound("version %s of package %s does not exist", canonical, pkg.Name)
		}
		return nil, fmt.Errorf("failed to load version: %w", err)
	}

	summary := s.versionSummary(&row)
	return &summary, nil
}

// OpenArchive opens the public archive of a version for download and
// bumps the download counter.
func (s *Service) OpenArchive(ctx context.Context, name, version string) (io.ReadCloser, *storage.ObjectInfo, error) {
	canonical, err := utils.CanonicalVersion(version)
	if err != nil {
		return nil, nil, InvalidInput("%s", err.Error())
	}

	key := storage.ArchiveObjectKey(name, canonical)
	info, err := s.Buckets.PublicInfo(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, NotFound("archive for %s %s does not exist", name, canonical)
		}
		return nil, nil, err
	}

	reader, err := s.Buckets.RetrievePublic(ctx, key)
	if err != nil {
		return nil, nil, err
	}

	if err := s.DB.WithContext(ctx).Model(&types.PackageVersion{}).
		Where("package_name = ? AND version = ?", name, canonical).
		Update("downloads", gorm.Expr("downloads + ?", 1)).Error; err != nil {
		log.Warn().Err(err).
			Str("package", name).
			Str("version", canonical).
			Msg("failed to bump download counter")
	}

	return reader, info, nil
}

// versionSummary maps a stored version to its API shape
func (s *Service) versionSummary(v *types.PackageVersion) types.VersionSummary {
	return types.VersionSummary{
		Version:       v.Version,
		Pubspec:       v.Pubspec,
		ArchiveURL:    fmt.Sprintf("%s/packages/%s-%s.tar.gz", s.BaseURL, v.PackageName, v.Version),
		ArchiveSHA256: v.SHA256,
		Retracted:     v.IsRetracted,
		Published:     v.CreatedAt,
		Downloads:     v.Downloads,
	}
}

func versionStrings(versions []*types.PackageVersion) []string {
	out := make([]string, len(versions))
	for i, v := range versions {
		out[i] = v.Version
	}
	return out
}
