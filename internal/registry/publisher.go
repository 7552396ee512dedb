package registry

import (
	"context"
	"fmt"
	"strings"

	"github.com/pubvault/pubvault/internal/authn"
	"github.com/pubvault/pubvault/pkg/types"
	"github.com/pubvault/pubvault/pkg/utils"
	"gorm.io/gorm"
)

// CreatePublisher registers a publisher identified by a domain and makes
// the caller its first admin. Non-admin users may only claim the domain
// of their own email address.
func (s *Service) CreatePublisher(ctx context.Context, agent authn.Agent, domain string) (*types.Publisher, error) {
	user, err := requireUser(agent)
	if err != nil {
		return nil, err
	}

	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" || !strings.Contains(domain, ".") || strings.ContainsAny(domain, "/@ ") {
		return nil, InvalidInput("%q is not a valid publisher domain", domain)
	}

	if !s.Auth.IsSiteAdmin(user.User) && utils.EmailDomain(user.User.Email) != domain {
		return nil, Unauthorized("",
			"only users with an email address at %s can create this publisher", domain)
	}

	var created *types.Publisher

	err = s.DB.RunInTransaction(ctx, func(tx *gorm.DB) error {
		var existing types.Publisher
		if err := tx.First(&existing, "id = ?", domain).Error; err == nil {
			return OperationForbidden("", "publisher %s already exists", domain)
		} else if err != gorm.ErrRecordNotFound {
			return err
		}

		publisher := &types.Publisher{ID: domain}
		if err := tx.Create(publisher).Error; err != nil {
			return fmt.Errorf("failed to create publisher: %w", err)
		}

		member := &types.PublisherMember{
			PublisherID: publisher.ID,
			UserID:      user.User.ID,
			Role:        types.PublisherRoleAdmin,
		}
		if err := tx.Create(member).Error; err != nil {
			return fmt.Errorf("failed to create publisher membership: %w", err)
		}

		rec := auditRecord(types.AuditPublisherChanged, agent.AgentID(),
			fmt.Sprintf("%s created publisher %s.", user.User.Email, publisher.ID),
			types.JSONMap{"publisher": publisher.ID})
		if err := writeAudit(tx, rec, nil, nil,
			[]string{publisher.ID}, []string{user.User.ID.String()}); err != nil {
			return err
		}

		created = publisher
		return nil
	})
	if err != nil {
		return nil, err
	}

	return created, nil
}

// AddPublisherMember adds a user to a publisher. Only publisher admins
// and site admins may manage membership.
func (s *Service) AddPublisherMember(ctx context.Context, agent authn.Agent, publisherID, email, role string) error {
	user, err := requireUser(agent)
	if err != nil {
		return err
	}

	publisherID = strings.ToLower(strings.TrimSpace(publisherID))
	email = strings.ToLower(strings.TrimSpace(email))
	if role != types.PublisherRoleAdmin && role != types.PublisherRoleMember {
		return InvalidInput("role must be %q or %q", types.PublisherRoleAdmin, types.PublisherRoleMember)
	}

	return s.DB.RunInTransaction(ctx, func(tx *gorm.DB) error {
		var publisher types.Publisher
		if err := tx.First(&publisher, "id = ?", publisherID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return NotFound("publisher %s does not exist", publisherID)
			}
			return err
		}

		if !s.Auth.IsSiteAdmin(user.User) {
			admin, err := isPublisherAdmin(tx, user.User.ID, publisherID)
			if err != nil {
				return err
			}
			if !admin {
				return Unauthorized("", "%s is not an admin of publisher %s", user.User.Email, publisherID)
			}
		}

		var target types.User
		if err := tx.First(&target, "email = ?", email).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return NotFound("no user with email %s exists", email)
			}
			return err
		}

		var count int64
		if err := tx.Model(&types.PublisherMember{}).
			Where("publisher_id = ? AND user_id = ?", publisherID, target.ID).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return OperationForbidden("", "%s is already a member of publisher %s", email, publisherID)
		}

		member := &types.PublisherMember{
			PublisherID: publisherID,
			UserID:      target.ID,
			Role:        role,
		}
		if err := tx.Create(member).Error; err != nil {
			return fmt.Errorf("failed to add publisher member: %w", err)
		}

		rec := auditRecord(types.AuditPublisherChanged, agent.AgentID(),
			fmt.Sprintf("%s added %s to publisher %s as %s.", user.User.Email, email, publisherID, role),
			types.JSONMap{"publisher": publisherID, "member": email, "role": role})
		return writeAudit(tx, rec, nil, nil,
			[]string{publisherID}, []string{user.User.ID.String(), target.ID.String()})
	})
}
