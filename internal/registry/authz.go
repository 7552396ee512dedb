package registry

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/pubvault/pubvault/internal/authn"
	"github.com/pubvault/pubvault/pkg/types"
	"gorm.io/gorm"
)

// requireUser narrows an agent to an interactive user
func requireUser(agent authn.Agent) (*authn.UserAgent, error) {
	if agent == nil {
		return nil, MissingAuthentication()
	}
	user, ok := authn.AsUser(agent)
	if !ok {
		return nil, Unauthorized(CodeNotPackageAdmin,
			"this operation requires an interactive user account")
	}
	return user, nil
}

// isPublisherAdmin checks membership with the admin role
func isPublisherAdmin(tx *gorm.DB, userID uuid.UUID, publisherID string) (bool, error) {
	var count int64
	err := tx.Model(&types.PublisherMember{}).
		Where("publisher_id = ? AND user_id = ? AND role = ?",
			publisherID, userID, types.PublisherRoleAdmin).
		Count(&count).Error
	return count > 0, err
}

// packageAdmin verifies the agent may administer the package: an uploader
// for uploader-managed packages, a publisher admin for publisher-owned
// ones, or a site admin. Returns the underlying user.
func (s *Service) packageAdmin(ctx context.Context, tx *gorm.DB, agent authn.Agent, pkg *types.Package) (*types.User, error) {
	userAgent, err := requireUser(agent)
	if err != nil {
		return nil, err
	}
	user := userAgent.User

	if s.Auth.IsSiteAdmin(user) {
		return user, nil
	}

	if pkg.PublisherID != nil {
		admin, err := isPublisherAdmin(tx, user.ID, *pkg.PublisherID)
		if err != nil {
			return nil, err
		}
		if admin {
			return user, nil
		}
	} else if pkg.HasUploader(user.ID) {
		return user, nil
	}

	return nil, Unauthorized(CodeNotPackageAdmin,
		"%s is not an admin for package %s", user.Email, pkg.Name)
}

// authorizeUpload applies the publish authorization policy for the agent
// against the existing package (nil for a brand-new name) and the new
// version string. Automated agents may never create packages.
func (s *Service) authorizeUpload(ctx context.Context, tx *gorm.DB, agent authn.Agent, pkg *types.Package, version string) error {
	if agent == nil {
		return MissingAuthentication()
	}

	switch a := agent.(type) {
	case *authn.UserAgent:
		if pkg == nil {
			return nil // any interactive user may create a package
		}
		if s.Auth.IsSiteAdmin(a.User) || pkg.HasUploader(a.User.ID) {
			return nil
		}
		if pkg.PublisherID != nil {
			admin, err := isPublisherAdmin(tx, a.User.ID, *pkg.PublisherID)
			if err != nil {
				return err
			}
			if admin {
				return nil
			}
		}
		return Unauthorized(CodeCannotUpload,
			"%s is not allowed to upload new versions of package %s", a.User.Email, pkg.Name)

	case *authn.GithubAgent:
		if pkg == nil {
			return Unauthorized(CodeGithubActionIssue,
				"automated publishing cannot create new packages")
		}
		return checkGithubPolicy(pkg, a, version)

	case *authn.GcpAgent:
		if pkg == nil {
			return Unauthorized(CodeServiceAccountIssue,
				"automated publishing cannot create new packages")
		}
		gcp := pkg.AutomatedPublishing.Gcp
		if gcp == nil || !gcp.IsEnabled {
			return Unauthorized(CodeServiceAccountIssue,
				"service-account publishing is not enabled for package %s", pkg.Name)
		}
		if !strings.EqualFold(gcp.ServiceAccountEmail, a.Email) {
			return Unauthorized(CodeServiceAccountIssue,
				"service account %s is not authorized for package %s", a.Email, pkg.Name)
		}
		return nil

	default:
		return Unauthorized(CodeCannotUpload, "unsupported agent type")
	}
}

// checkGithubPolicy validates the workflow claims against the configured
// GitHub publishing policy for the exact new version.
func checkGithubPolicy(pkg *types.Package, a *authn.GithubAgent, version string) error {
	gh := pkg.AutomatedPublishing.Github
	if gh == nil || !gh.IsEnabled {
		return Unauthorized(CodeGithubActionIssue,
			"GitHub Actions publishing is not enabled for package %s", pkg.Name)
	}
	if gh.Repository != a.Repository {
		return Unauthorized(CodeGithubActionIssue,
			"publishing is configured for repository %s, token is for %s", gh.Repository, a.Repository)
	}
	if a.EventName != "push" {
		return Unauthorized(CodeGithubActionIssue,
			"publishing is only allowed from push events, got %q", a.EventName)
	}
	if a.RefType != "tag" {
		return Unauthorized(CodeGithubActionIssue,
			"publishing is only allowed from tag refs, got %q", a.RefType)
	}

	expectedRef := "refs/tags/" + SubstituteTagPattern(gh.TagPattern, version)
	if a.Ref != expectedRef {
		return Unauthorized(CodeGithubActionIssue,
			"publishing of version %s requires ref %q, token has %q", version, expectedRef, a.Ref)
	}

	if gh.RequireEnvironment && gh.Environment != a.Environment {
		return Unauthorized(CodeGithubActionIssue,
			"publishing requires environment %q, token has %q", gh.Environment, a.Environment)
	}

	return nil
}

// SubstituteTagPattern replaces the {{version}} placeholder in a tag pattern
func SubstituteTagPattern(pattern, version string) string {
	return strings.Replace(pattern, "{{version}}", version, 1)
}
