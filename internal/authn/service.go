package authn

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pubvault/pubvault/internal/common"
	"github.com/pubvault/pubvault/pkg/config"
	"github.com/pubvault/pubvault/pkg/types"
	"github.com/pubvault/pubvault/pkg/utils"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Token issuers distinguishing credential variants
const (
	githubIssuer = "https://token.actions.githubusercontent.com"
	gcpIssuer    = "https://accounts.google.com"
)

// Service resolves inbound credentials to authenticated agents
type Service struct {
	db     *common.Database
	cache  *common.Cache
	config *config.AuthConfig
}

// NewService creates a new authentication service
func NewService(db *common.Database, cache *common.Cache, config *config.AuthConfig) *Service {
	return &Service{
		db:     db,
		cache:  cache,
		config: config,
	}
}

// Register creates a new user account
func (s *Service) Register(ctx context.Context, req *types.RegisterRequest) (*types.User, error) {
	if !utils.ValidateEmail(req.Email) {
		return nil, fmt.Errorf("invalid email address")
	}

	var existingUser types.User
	if err := s.db.WithContext(ctx).Where("email = ?", req.Email).First(&existingUser).Error; err == nil {
		return nil, fmt.Errorf("user with email already exists")
	}

	hashedPassword, err := utils.HashPassword(req.Password, s.config.BCryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &types.User{
		Email:    req.Email,
		Password: hashedPassword,
		IsActive: true,
	}

	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	user.Password = ""
	return user, nil
}

// Login authenticates a user and returns a session token
func (s *Service) Login(ctx context.Context, req *types.LoginRequest) (*types.AuthToken, error) {
	var user types.User
	if err := s.db.WithContext(ctx).Where("email = ?", req.Email).First(&user).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("invalid credentials")
		}
		return nil, fmt.Errorf("failed to find user: %w", err)
	}

	if !user.IsActive {
		return nil, fmt.Errorf("user account is disabled")
	}

	if !utils.CheckPassword(req.Password, user.Password) {
		return nil, fmt.Errorf("invalid credentials")
	}

	token, err := utils.GenerateSessionToken(user.ID, s.config.SessionSecret, s.config.SessionExpiration)
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	return &types.AuthToken{
		Token:     token,
		ExpiresAt: time.Now().Add(s.config.SessionExpiration),
		UserID:    user.ID,
	}, nil
}

// ResolveToken resolves a bearer token to an authenticated agent. The
// variant is disambiguated by the issuer claim: GitHub Actions and GCP
// ID tokens carry their well-known issuers, everything else is treated
// as a session token for an interactive user.
func (s *Service) ResolveToken(ctx context.Context, token string) (Agent, error) {
	issuer := peekIssuer(token)

	switch issuer {
	case githubIssuer:
		return s.resolveGithubToken(token)
	case gcpIssuer:
		return s.resolveGcpToken(token)
	default:
		return s.resolveSessionToken(ctx, token)
	}
}

// resolveSessionToken validates a session token and loads the user
func (s *Service) resolveSessionToken(ctx context.Context, token string) (Agent, error) {
	userID, err := utils.ValidateSessionToken(token, s.config.SessionSecret)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	// Try cache first
	cacheKey := fmt.Sprintf("user:%s", userID.String())
	var user types.User
	if s.cache != nil {
		if err := s.cache.Get(ctx, cacheKey, &user); err == nil {
			return &UserAgent{User: &user}, nil
		}
	}

	if err := s.db.WithContext(ctx).Where("id = ? AND is_active = ?", userID, true).First(&user).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("user not found")
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	user.Password = ""

	if s.cache != nil {
		if err := s.cache.Set(ctx, cacheKey, &user, 10*time.Minute); err != nil {
			log.Warn().Err(err).Msg("failed to cache user")
		}
	}

	return &UserAgent{User: &user}, nil
}

// resolveGithubToken verifies a GitHub Actions OIDC token and maps its
// workflow claims.
func (s *Service) resolveGithubToken(token string) (Agent, error) {
	claims, err := s.verifiedClaims(token, s.config.GithubOIDCSecret)
	if err != nil {
		return nil, fmt.Errorf("invalid GitHub Actions token: %w", err)
	}

	agent := &GithubAgent{
		Repository:  stringClaim(claims, "repository"),
		EventName:   stringClaim(claims, "event_name"),
		RefType:     stringClaim(claims, "ref_type"),
		Ref:         stringClaim(claims, "ref"),
		Environment: stringClaim(claims, "environment"),
	}
	if agent.Repository == "" {
		return nil, fmt.Errorf("GitHub Actions token has no repository claim")
	}

	return agent, nil
}

// resolveGcpToken verifies a GCP service-account ID token
func (s *Service) resolveGcpToken(token string) (Agent, error) {
	claims, err := s.verifiedClaims(token, s.config.GcpOIDCSecret)
	if err != nil {
		return nil, fmt.Errorf("invalid service-account token: %w", err)
	}

	email := stringClaim(claims, "email")
	if email == "" {
		return nil, fmt.Errorf("service-account token has no email claim")
	}
	if verified, ok := claims["email_verified"].(bool); ok && !verified {
		return nil, fmt.Errorf("service-account email is not verified")
	}
	if !strings.HasSuffix(email, ".gserviceaccount.com") {
		return nil, fmt.Errorf("%q is not a service-account email", email)
	}

	return &GcpAgent{Email: email}, nil
}

// verifiedClaims parses and verifies a token with the given shared secret
func (s *Service) verifiedClaims(token, secret string) (jwt.MapClaims, error) {
	if secret == "" {
		return nil, fmt.Errorf("token verification is not configured")
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// IsSiteAdmin reports whether the user is a configured site administrator
func (s *Service) IsSiteAdmin(user *types.User) bool {
	if user.IsAdmin {
		return true
	}
	for _, email := range s.config.AdminEmails {
		if strings.EqualFold(email, user.Email) {
			return true
		}
	}
	return false
}

// GetUserByID retrieves a user by ID
func (s *Service) GetUserByID(ctx context.Context, userID string) (*types.User, error) {
	var user types.User
	if err := s.db.WithContext(ctx).Where("id = ?", userID).First(&user).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("user not found")
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	user.Password = ""
	return &user, nil
}

// peekIssuer reads the iss claim without verifying the signature, only to
// select the verification path.
func peekIssuer(token string) string {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return ""
	}
	return stringClaim(claims, "iss")
}

func stringClaim(claims jwt.MapClaims, key string) string {
	if v, ok := claims[key].(string); ok {
		return v
	}
	return ""
}
