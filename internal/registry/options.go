package registry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pubvault/pubvault/internal/authn"
	"github.com/pubvault/pubvault/internal/storage"
	"github.com/pubvault/pubvault/pkg/types"
	"github.com/pubvault/pubvault/pkg/utils"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// UpdateOptions applies package-level option changes: discontinuation with
// an optional replacement, and listing visibility. Requires package admin.
func (s *Service) UpdateOptions(ctx context.Context, agent authn.Agent, name string, opts types.PackageOptions) (*types.Package, error) {
	var updated *types.Package

	err := s.DB.RunInTransaction(ctx, func(tx *gorm.DB) error {
		pkg, err := s.mustGetPackage(ctx, tx, name)
		if err != nil {
			return err
		}
		user, err := s.packageAdmin(ctx, tx, agent, pkg)
		if err != nil {
			return err
		}

		var changes []string

		if opts.IsDiscontinued != nil && *opts.IsDiscontinued != pkg.IsDiscontinued {
			pkg.IsDiscontinued = *opts.IsDiscontinued
			changes = append(changes, fmt.Sprintf("isDiscontinued=%t", pkg.IsDiscontinued))
			if !pkg.IsDiscontinued {
				pkg.ReplacedBy = nil
			}
		}

		if opts.ReplacedBy != nil {
			replacement := strings.TrimSpace(*opts.ReplacedBy)
			if replacement == "" {
				pkg.ReplacedBy = nil
			} else {
				if !pkg.IsDiscontinued {
					return InvalidInput("replacedBy may only be set on a discontinued package")
				}
				target, err := s.getPackage(ctx, tx, replacement)
				if err != nil {
					return err
				}
				if target == nil {
					return InvalidInput("replacement package %s does not exist", replacement)
				}
				pkg.ReplacedBy = &target.Name
				changes = append(changes, fmt.Sprintf("replacedBy=%s", target.Name))
			}
		}

		if opts.IsUnlisted != nil && *opts.IsUnlisted != pkg.IsUnlisted {
			pkg.IsUnlisted = *opts.IsUnlisted
			changes = append(changes, fmt.Sprintf("isUnlisted=%t", pkg.IsUnlisted))
		}

		if len(changes) > 0 {
			if err := tx.Save(pkg).Error; err != nil {
				return fmt.Errorf("failed to update package options: %w", err)
			}
			rec := auditRecord(types.AuditPackageOptionsUpdated, agent.AgentID(),
				fmt.Sprintf("%s updated options of package %s: %s.", user.Email, pkg.Name, strings.Join(changes, ", ")),
				types.JSONMap{"package": pkg.Name, "changes": changes})
			if err := writeAudit(tx, rec, []string{pkg.Name}, nil, publisherList(pkg),
				[]string{user.ID.String()}); err != nil {
				return err
			}
		}

		updated = pkg
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.Cache.Purge(ctx, updated.Name)
	return updated, nil
}

// UpdateVersionOptions retracts or un-retracts a version. Retraction is
// allowed within its window of the publish time, un-retraction within its
// own longer window. Latest pointers are recomputed after a change.
func (s *Service) UpdateVersionOptions(ctx context.Context, agent authn.Agent, name, version string, opts types.VersionOptions) (*types.PackageVersion, error) {
	canonical, err := utils.CanonicalVersion(version)
	if err != nil {
		return nil, InvalidInput("%s", err.Error())
	}

	var updated *types.PackageVersion

	err = s.DB.RunInTransaction(ctx, func(tx *gorm.DB) error {
		pkg, err := s.mustGetPackage(ctx, tx, name)
		if err != nil {
			return err
		}
		user, err := s.packageAdmin(ctx, tx, agent, pkg)
		if err != nil {
			return err
		}

		var row types.PackageVersion
		if err := tx.Where("package_name = ? AND version = ?", pkg.Name, canonical).
			First(&row).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return NotFound("version %s of package %s does not exist", canonical, pkg.Name)
			}
			return err
		}

		if opts.IsRetracted == nil || *opts.IsRetracted == row.IsRetracted {
			updated = &row
			return nil
		}

		now := time.Now()
		if *opts.IsRetracted {
			if now.Sub(row.CreatedAt) > s.Config.RetractionWindow {
				return InvalidInput(
					"Can't retract: version %s is past the retraction window", canonical)
			}
			row.IsRetracted = true
			row.RetractedAt = &now
		} else {
			// Both windows count from the publish time.
			if row.RetractedAt == nil || now.Sub(row.CreatedAt) > s.Config.UnretractionWindow {
				return InvalidInput(
					"Can't un-retract: version %s is past the un-retraction window", canonical)
			}
			row.IsRetracted = false
			row.RetractedAt = nil
		}

		if err := tx.Save(&row).Error; err != nil {
			return fmt.Errorf("failed to update version options: %w", err)
		}

		if err := s.recomputeLatest(tx, pkg); err != nil {
			return err
		}

		action := "retracted"
		if !row.IsRetracted {
			action = "un-retracted"
		}
		rec := auditRecord(types.AuditVersionOptionsUpdated, agent.AgentID(),
			fmt.Sprintf("%s %s version %s of package %s.", user.Email, action, canonical, pkg.Name),
			types.JSONMap{"package": pkg.Name, "version": canonical, "isRetracted": row.IsRetracted})
		if err := writeAudit(tx, rec, []string{pkg.Name}, []string{pkg.Name + "/" + canonical},
			publisherList(pkg), []string{user.ID.String()}); err != nil {
			return err
		}

		updated = &row
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.Cache.Purge(ctx, name)
	return updated, nil
}

// SetPublisher transfers a package to a publisher. The caller must be both
// a package admin and an admin of the target publisher. On transfer the
// uploader list is cleared; publisher membership governs access from then
// on. Transferring to the current publisher is a no-op; removing a
// publisher is not supported.
func (s *Service) SetPublisher(ctx context.Context, agent authn.Agent, name, publisherID string) (*types.Package, error) {
	publisherID = strings.ToLower(strings.TrimSpace(publisherID))
	if publisherID == "" {
		return nil, NotImplemented("removing a package from a publisher is not supported")
	}

	var updated *types.Package

	err := s.DB.RunInTransaction(ctx, func(tx *gorm.DB) error {
		pkg, err := s.mustGetPackage(ctx, tx, name)
		if err != nil {
			return err
		}
		user, err := s.packageAdmin(ctx, tx, agent, pkg)
		if err != nil {
			return err
		}

		if pkg.PublisherID != nil && *pkg.PublisherID == publisherID {
			updated = pkg
			return nil
		}

		var publisher types.Publisher
		if err := tx.First(&publisher, "id = ?", publisherID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return NotFound("publisher %s does not exist", publisherID)
			}
			return err
		}

		if !s.Auth.IsSiteAdmin(user) {
			admin, err := isPublisherAdmin(tx, user.ID, publisherID)
			if err != nil {
				return err
			}
			if !admin {
				return Unauthorized(CodeNotPackageAdmin,
					"%s is not an admin of publisher %s", user.Email, publisherID)
			}
		}

		// Recipients are computed before the transfer so both the old and
		// the new owner side are notified.
		before, err := s.notificationRecipients(tx, pkg)
		if err != nil {
			return err
		}

		pkg.PublisherID = &publisher.ID
		pkg.Uploaders = nil
		if err := tx.Save(pkg).Error; err != nil {
			return fmt.Errorf("failed to transfer package: %w", err)
		}

		after, err := s.notificationRecipients(tx, pkg)
		if err != nil {
			return err
		}

		rec := auditRecord(types.AuditPublisherChanged, agent.AgentID(),
			fmt.Sprintf("%s transferred package %s to publisher %s.", user.Email, pkg.Name, publisher.ID),
			types.JSONMap{"package": pkg.Name, "publisher": publisher.ID})
		if err := writeAudit(tx, rec, []string{pkg.Name}, nil,
			[]string{publisher.ID}, []string{user.ID.String()}); err != nil {
			return err
		}

		for _, to := range unionEmails(before, after) {
			if _, err := enqueueEmail(tx, to,
				fmt.Sprintf("Package %s transferred to %s", pkg.Name, publisher.ID),
				fmt.Sprintf("%s has transferred package %s to publisher %s.", user.Email, pkg.Name, publisher.ID),
			); err != nil {
				return err
			}
		}

		updated = pkg
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.Cache.Purge(ctx, name)
	if s.Notify != nil {
		s.Notify()
	}
	return updated, nil
}

// AddUploader adds a user, identified by email, to the uploader list of an
// uploader-managed package. Publisher-owned packages have no uploader list.
func (s *Service) AddUploader(ctx context.Context, agent authn.Agent, name, email string) (*types.Package, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if !utils.ValidateEmail(email) {
		return nil, InvalidInput("%q is not a valid email address", email)
	}

	var updated *types.Package

	err := s.DB.RunInTransaction(ctx, func(tx *gorm.DB) error {
		pkg, err := s.mustGetPackage(ctx, tx, name)
		if err != nil {
			return err
		}
		user, err := s.packageAdmin(ctx, tx, agent, pkg)
		if err != nil {
			return err
		}

		if pkg.PublisherID != nil {
			return Unauthorized(CodePublisherOwned,
				"package %s is owned by a publisher and has no uploader list", pkg.Name)
		}

		var target types.User
		if err := tx.First(&target, "email = ?", email).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return NotFound("no user with email %s exists", email)
			}
			return err
		}

		if pkg.HasUploader(target.ID) {
			return UploaderAlreadyExists(email)
		}

		pkg.Uploaders = append(pkg.Uploaders, target.ID.String())
		if err := tx.Save(pkg).Error; err != nil {
			return fmt.Errorf("failed to add uploader: %w", err)
		}

		rec := auditRecord(types.AuditUploaderAdded, agent.AgentID(),
			fmt.Sprintf("%s added %s as an uploader of package %s.", user.Email, email, pkg.Name),
			types.JSONMap{"package": pkg.Name, "uploader": email})
		if err := writeAudit(tx, rec, []string{pkg.Name}, nil, nil,
			[]string{user.ID.String(), target.ID.String()}); err != nil {
			return err
		}

		if _, err := enqueueEmail(tx, email,
			fmt.Sprintf("You are now an uploader of %s", pkg.Name),
			fmt.Sprintf("%s has added you as an uploader of package %s.", user.Email, pkg.Name),
		); err != nil {
			return err
		}

		updated = pkg
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.Notify != nil {
		s.Notify()
	}
	return updated, nil
}

// RemoveUploader removes a user from the uploader list. The last uploader
// cannot be removed, and callers cannot remove themselves.
func (s *Service) RemoveUploader(ctx context.Context, agent authn.Agent, name, email string) (*types.Package, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	var updated *types.Package

	err := s.DB.RunInTransaction(ctx, func(tx *gorm.DB) error {
		pkg, err := s.mustGetPackage(ctx, tx, name)
		if err != nil {
			return err
		}
		user, err := s.packageAdmin(ctx, tx, agent, pkg)
		if err != nil {
			return err
		}

		if pkg.PublisherID != nil {
			return Unauthorized(CodePublisherOwned,
				"package %s is owned by a publisher and has no uploader list", pkg.Name)
		}

		var target types.User
		if err := tx.First(&target, "email = ?", email).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return NotFound("no user with email %s exists", email)
			}
			return err
		}

		if !pkg.HasUploader(target.ID) {
			return NotFound("%s is not an uploader of package %s", email, pkg.Name)
		}
		if target.ID == user.ID {
			return OperationForbidden(CodeSelfRemovalNotAllowed,
				"you cannot remove yourself from the uploader list")
		}
		if len(pkg.Uploaders) == 1 {
			return OperationForbidden(CodeLastUploaderRemove,
				"the last uploader of package %s cannot be removed", pkg.Name)
		}

		targetID := target.ID.String()
		kept := pkg.Uploaders[:0]
		for _, id := range pkg.Uploaders {
			if id != targetID {
				kept = append(kept, id)
			}
		}
		pkg.Uploaders = kept

		if err := tx.Save(pkg).Error; err != nil {
			return fmt.Errorf("failed to remove uploader: %w", err)
		}

		rec := auditRecord(types.AuditUploaderRemoved, agent.AgentID(),
			fmt.Sprintf("%s removed %s from the uploaders of package %s.", user.Email, email, pkg.Name),
			types.JSONMap{"package": pkg.Name, "uploader": email})
		if err := writeAudit(tx, rec, []string{pkg.Name}, nil, nil,
			[]string{user.ID.String(), target.ID.String()}); err != nil {
			return err
		}

		if _, err := enqueueEmail(tx, email,
			fmt.Sprintf("You are no longer an uploader of %s", pkg.Name),
			fmt.Sprintf("%s has removed you from the uploaders of package %s.", user.Email, pkg.Name),
		); err != nil {
			return err
		}

		updated = pkg
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.Notify != nil {
		s.Notify()
	}
	return updated, nil
}

// UpdateAutomatedPublishing replaces the automated publishing configuration
// of a package after validating it. Returns the normalized configuration.
func (s *Service) UpdateAutomatedPublishing(ctx context.Context, agent authn.Agent, name string, cfg types.AutomatedPublishing) (*types.AutomatedPublishing, error) {
	if err := validateAutomatedPublishing(&cfg); err != nil {
		return nil, err
	}

	var updated *types.AutomatedPublishing

	err := s.DB.RunInTransaction(ctx, func(tx *gorm.DB) error {
		pkg, err := s.mustGetPackage(ctx, tx, name)
		if err != nil {
			return err
		}
		user, err := s.packageAdmin(ctx, tx, agent, pkg)
		if err != nil {
			return err
		}

		pkg.AutomatedPublishing = cfg
		if err := tx.Save(pkg).Error; err != nil {
			return fmt.Errorf("failed to update automated publishing: %w", err)
		}

		rec := auditRecord(types.AuditAutomatedPublishingSet, agent.AgentID(),
			fmt.Sprintf("%s updated the automated publishing configuration of package %s.", user.Email, pkg.Name),
			types.JSONMap{"package": pkg.Name})
		if err := writeAudit(tx, rec, []string{pkg.Name}, nil, publisherList(pkg),
			[]string{user.ID.String()}); err != nil {
			return err
		}

		updated = &pkg.AutomatedPublishing
		return nil
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

// validateAutomatedPublishing normalizes and validates the configuration
// in place.
func validateAutomatedPublishing(cfg *types.AutomatedPublishing) error {
	if gh := cfg.Github; gh != nil && gh.IsEnabled {
		gh.Repository = strings.TrimSpace(gh.Repository)
		parts := strings.Split(gh.Repository, "/")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return InvalidInput("repository must have the form <owner>/<repository>")
		}
		if gh.TagPattern == "" {
			gh.TagPattern = "v{{version}}"
		}
		if strings.Count(gh.TagPattern, "{{version}}") != 1 {
			return InvalidInput("tag pattern must contain the {{version}} placeholder exactly once")
		}
		if gh.RequireEnvironment && strings.TrimSpace(gh.Environment) == "" {
			return InvalidInput("an environment name is required when requireEnvironment is set")
		}
	}

	if gcp := cfg.Gcp; gcp != nil && gcp.IsEnabled {
		gcp.ServiceAccountEmail = strings.ToLower(strings.TrimSpace(gcp.ServiceAccountEmail))
		if !utils.ValidateEmail(gcp.ServiceAccountEmail) {
			return InvalidInput("%q is not a valid service account email", gcp.ServiceAccountEmail)
		}
		if !strings.HasSuffix(gcp.ServiceAccountEmail, ".gserviceaccount.com") {
			return InvalidInput("service account email must end in .gserviceaccount.com")
		}
	}

	return nil
}

// AdminDeleteVersion removes a version permanently. The version string is
// recorded so it can never be re-published, and the stored archives are
// removed after commit. Site admins only.
func (s *Service) AdminDeleteVersion(ctx context.Context, agent authn.Agent, name, version string) error {
	user, err := requireUser(agent)
	if err != nil {
		return err
	}
	if !s.Auth.IsSiteAdmin(user.User) {
		return Unauthorized(CodeNotPackageAdmin, "this operation requires a site admin")
	}

	canonical, err := utils.CanonicalVersion(version)
	if err != nil {
		return InvalidInput("%s", err.Error())
	}

	err = s.DB.RunInTransaction(ctx, func(tx *gorm.DB) error {
		pkg, err := s.mustGetPackage(ctx, tx, name)
		if err != nil {
			return err
		}

		var row types.PackageVersion
		if err := tx.Where("package_name = ? AND version = ?", pkg.Name, canonical).
			First(&row).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return NotFound("version %s of package %s does not exist", canonical, pkg.Name)
			}
			return err
		}

		if err := tx.Delete(&row).Error; err != nil {
			return fmt.Errorf("failed to delete version: %w", err)
		}
		if err := tx.Where("package_name = ? AND version = ?", pkg.Name, canonical).
			Delete(&types.PackageVersionAsset{}).Error; err != nil {
			return fmt.Errorf("failed to delete version assets: %w", err)
		}

		if !pkg.HasDeletedVersion(canonical) {
			pkg.DeletedVersions = append(pkg.DeletedVersions, canonical)
		}
		if err := s.recomputeLatest(tx, pkg); err != nil {
			return err
		}

		rec := auditRecord(types.AuditVersionDeleted, agent.AgentID(),
			fmt.Sprintf("%s deleted version %s of package %s.", user.User.Email, canonical, pkg.Name),
			types.JSONMap{"package": pkg.Name, "version": canonical})
		return writeAudit(tx, rec, []string{pkg.Name}, []string{pkg.Name + "/" + canonical},
			publisherList(pkg), []string{user.User.ID.String()})
	})
	if err != nil {
		return err
	}

	key := storage.ArchiveObjectKey(name, canonical)
	if err := s.Buckets.DeleteArchive(ctx, key); err != nil {
		log.Warn().Err(err).Str("archive", key).Msg("failed to delete archive objects")
	}
	s.Cache.Purge(ctx, name)

	return nil
}

// AdminModerateName removes a package entirely and tombstones its name so
// that it and similar names can never be claimed again. Site admins only.
func (s *Service) AdminModerateName(ctx context.Context, agent authn.Agent, name string) error {
	user, err := requireUser(agent)
	if err != nil {
		return err
	}
	if !s.Auth.IsSiteAdmin(user.User) {
		return Unauthorized(CodeNotPackageAdmin, "this operation requires a site admin")
	}

	var deletedVersions []string

	err = s.DB.RunInTransaction(ctx, func(tx *gorm.DB) error {
		deletedVersions = nil

		pkg, err := s.mustGetPackage(ctx, tx, name)
		if err != nil {
			return err
		}

		var versions []*types.PackageVersion
		if err := tx.Where("package_name = ?", pkg.Name).Find(&versions).Error; err != nil {
			return err
		}
		for _, v := range versions {
			deletedVersions = append(deletedVersions, v.Version)
		}

		if err := tx.Where("package_name = ?", pkg.Name).
			Delete(&types.PackageVersion{}).Error; err != nil {
			return err
		}
		if err := tx.Where("package_name = ?", pkg.Name).
			Delete(&types.PackageVersionAsset{}).Error; err != nil {
			return err
		}
		if err := tx.Delete(pkg).Error; err != nil {
			return err
		}

		tombstone := &types.ModeratedName{Name: pkg.Name, SimilarityKey: pkg.SimilarityKey}
		if err := tx.Create(tombstone).Error; err != nil {
			return fmt.Errorf("failed to create moderation tombstone: %w", err)
		}

		rec := auditRecord(types.AuditPackageModerated, agent.AgentID(),
			fmt.Sprintf("%s moderated package %s.", user.User.Email, pkg.Name),
			types.JSONMap{"package": pkg.Name})
		return writeAudit(tx, rec, []string{pkg.Name}, nil, publisherList(pkg),
			[]string{user.User.ID.String()})
	})
	if err != nil {
		return err
	}

	for _, v := range deletedVersions {
		key := storage.ArchiveObjectKey(name, v)
		if err := s.Buckets.DeleteArchive(ctx, key); err != nil {
			log.Warn().Err(err).Str("archive", key).Msg("failed to delete archive objects")
		}
	}

	s.Names.MarkModerated(name)
	s.Cache.Purge(ctx, name)

	return nil
}

// recomputeLatest reloads the versions of a package and saves refreshed
// latest pointers and version count.
func (s *Service) recomputeLatest(tx *gorm.DB, pkg *types.Package) error {
	var versions []*types.PackageVersion
	if err := tx.Where("package_name = ?", pkg.Name).Find(&versions).Error; err != nil {
		return err
	}

	latest, prerelease := ComputeLatest(versions, s.Config.DefaultSDKVersion)
	pkg.LatestVersion = latest
	pkg.LatestPrereleaseVersion = prerelease
	pkg.VersionCount = len(versions)

	if err := tx.Save(pkg).Error; err != nil {
		return fmt.Errorf("failed to update package: %w", err)
	}
	return nil
}

// unionEmails merges recipient lists, deduplicating
func unionEmails(lists ...[]string) []string {
	seen := map[string]bool{}
	var out []string
	for _, list := range lists {
		for _, e := range list {
			if e != "" && !seen[e] {
				seen[e] = true
				out = append(out, e)
			}
		}
	}
	return out
}
