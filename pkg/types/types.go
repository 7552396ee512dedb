package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// JSONMap is a custom type that can handle JSON serialization for both PostgreSQL and SQLite
type JSONMap map[string]interface{}

// Value implements the driver.Valuer interface for GORM
func (j JSONMap) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface for GORM
func (j *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into JSONMap", value)
	}

	return json.Unmarshal(bytes, j)
}

// User represents an interactive account in the system
type User struct {
	ID        uuid.UUID `json:"id" gorm:"primaryKey"`
	Email     string    `json:"email" gorm:"uniqueIndex;not null"`
	Password  string    `json:"-" gorm:"not null"`
	IsActive  bool      `json:"is_active" gorm:"default:true"`
	IsAdmin   bool      `json:"is_admin" gorm:"default:false"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate generates a UUID for the user ID
func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return nil
}

// Publisher is an organizational owner grouping packages, keyed by verified domain
type Publisher struct {
	ID        string    `json:"id" gorm:"primaryKey"` // e.g. "example.com"
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Publisher membership roles
const (
	PublisherRoleAdmin  = "admin"
	PublisherRoleMember = "member"
)

// PublisherMember links a user to a publisher with a role
type PublisherMember struct {
	ID          uuid.UUID `json:"id" gorm:"primaryKey"`
	PublisherID string    `json:"publisher_id" gorm:"not null;index:idx_publisher_member,unique"`
	UserID      uuid.UUID `json:"user_id" gorm:"not null;index:idx_publisher_member,unique"`
	Role        string    `json:"role" gorm:"not null"`
	CreatedAt   time.Time `json:"created_at"`

	User User `json:"user" gorm:"foreignKey:UserID"`
}

// BeforeCreate generates a UUID for the membership ID
func (m *PublisherMember) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}

// GithubPublishing configures tag-driven publishing from GitHub Actions
type GithubPublishing struct {
	IsEnabled          bool   `json:"isEnabled"`
	Repository         string `json:"repository,omitempty"` // "<owner>/<repo>"
	TagPattern         string `json:"tagPattern,omitempty"`  // must contain exactly one {{version}}
	RequireEnvironment bool   `json:"requireEnvironment,omitempty"`
	Environment        string `json:"environment,omitempty"`
}

// GcpPublishing configures publishing from a GCP service account identity
type GcpPublishing struct {
	IsEnabled           bool   `json:"isEnabled"`
	ServiceAccountEmail string `json:"serviceAccountEmail,omitempty"`
}

// AutomatedPublishing holds the configured automated-publishing principals
type AutomatedPublishing struct {
	Github *GithubPublishing `json:"github,omitempty"`
	Gcp    *GcpPublishing    `json:"gcp,omitempty"`
}

// Value implements the driver.Valuer interface for GORM
func (a AutomatedPublishing) Value() (driver.Value, error) {
	return json.Marshal(a)
}

// Scan implements the sql.Scanner interface for GORM
func (a *AutomatedPublishing) Scan(value interface{}) error {
	if value == nil {
		*a = AutomatedPublishing{}
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into AutomatedPublishing", value)
	}

	return json.Unmarshal(bytes, a)
}

// Package is the aggregate root for a published package.
//
// Exactly one of Uploaders (non-empty) or PublisherID (non-null) holds at any
// time outside a transaction. LatestVersion and LatestPrereleaseVersion are
// canonical version strings referencing child PackageVersion rows.
type Package struct {
	Name                    string              `json:"name" gorm:"primaryKey"`
	NameLower               string              `json:"-" gorm:"uniqueIndex;not null"`
	SimilarityKey           string              `json:"-" gorm:"uniqueIndex;not null"`
	LatestVersion           string              `json:"latest_version"`
	LatestPrereleaseVersion string              `json:"latest_prerelease_version"`
	Uploaders               []string            `json:"uploaders" gorm:"serializer:json"` // user ids
	PublisherID             *string             `json:"publisher_id"`
	IsDiscontinued          bool                `json:"is_discontinued" gorm:"default:false"`
	IsUnlisted              bool                `json:"is_unlisted" gorm:"default:false"`
	IsBlocked               bool                `json:"is_blocked" gorm:"default:false"`
	ReplacedBy              *string             `json:"replaced_by"`
	VersionCount            int                 `json:"version_count" gorm:"default:0"`
	DeletedVersions         []string            `json:"-" gorm:"serializer:json"`
	AutomatedPublishing     AutomatedPublishing `json:"automated_publishing" gorm:"type:text"`
	CreatedAt               time.Time           `json:"created"`
	UpdatedAt               time.Time           `json:"updated"`
}

// HasUploader reports whether the given user id is in the uploader list
func (p *Package) HasUploader(userID uuid.UUID) bool {
	id := userID.String()
	for _, u := range p.Uploaders {
		if u == id {
			return true
		}
	}
	return false
}

// HasDeletedVersion reports whether the canonical version was ever hard-deleted
func (p *Package) HasDeletedVersion(version string) bool {
	for _, v := range p.DeletedVersions {
		if v == version {
			return true
		}
	}
	return false
}

// PackageVersion is an immutable published version of a package.
// Only IsRetracted/RetractedAt may change after publish.
type PackageVersion struct {
	ID                   uuid.UUID  `json:"id" gorm:"primaryKey"`
	PackageName          string     `json:"package_name" gorm:"not null;index:idx_pkg_version,unique"`
	Version              string     `json:"version" gorm:"not null;index:idx_pkg_version,unique"` // canonical semver
	Pubspec              JSONMap    `json:"pubspec" gorm:"serializer:json"`
	Libraries            []string   `json:"libraries" gorm:"serializer:json"`
	SHA256               string     `json:"archive_sha256" gorm:"not null"` // hex
	Size                 int64      `json:"size"`
	UploaderAgentID      string     `json:"-" gorm:"not null"`
	PublisherIDAtPublish *string    `json:"-"`
	IsRetracted          bool       `json:"is_retracted" gorm:"default:false"`
	RetractedAt          *time.Time `json:"retracted_at"`
	Downloads            int64      `json:"downloads" gorm:"default:0"`
	CreatedAt            time.Time  `json:"published"`
}

// BeforeCreate generates a UUID for the version ID
func (v *PackageVersion) BeforeCreate(tx *gorm.DB) error {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	return nil
}

// Asset kinds stored per package version
const (
	AssetPubspec   = "pubspec"
	AssetReadme    = "readme"
	AssetChangelog = "changelog"
	AssetExample   = "example"
	AssetLicense   = "license"
)

// MaxAssetTextLength caps the stored text of a version asset (128 KiB)
const MaxAssetTextLength = 128 * 1024

// PackageVersionAsset stores one extracted text asset of a version
type PackageVersionAsset struct {
	ID          uuid.UUID `json:"id" gorm:"primaryKey"`
	PackageName string    `json:"package_name" gorm:"not null;index:idx_version_asset,unique"`
	Version     string    `json:"version" gorm:"not null;index:idx_version_asset,unique"`
	Kind        string    `json:"kind" gorm:"not null;index:idx_version_asset,unique"`
	Path        string    `json:"path" gorm:"not null"`
	TextContent string    `json:"text_content"`
	CreatedAt   time.Time `json:"created_at"`
}

// BeforeCreate generates a UUID for the asset ID
func (a *PackageVersionAsset) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

// Audit record kinds
const (
	AuditPackagePublished       = "packagePublished"
	AuditPackageOptionsUpdated  = "packageOptionsUpdated"
	AuditVersionOptionsUpdated  = "versionOptionsUpdated"
	AuditPublisherChanged       = "publisherChanged"
	AuditUploaderAdded          = "uploaderAdded"
	AuditUploaderRemoved        = "uploaderRemoved"
	AuditAutomatedPublishingSet = "automatedPublishingUpdated"
	AuditVersionDeleted         = "versionDeleted"
	AuditPackageModerated       = "packageModerated"
)

// AuditLogRecord is an append-only event written alongside every registry mutation
type AuditLogRecord struct {
	ID              uuid.UUID `json:"id" gorm:"primaryKey"`
	Kind            string    `json:"kind" gorm:"not null;index"`
	AgentID         string    `json:"agent_id" gorm:"not null;index"`
	Summary         string    `json:"summary" gorm:"not null"`
	Data            JSONMap   `json:"data" gorm:"serializer:json"`
	Packages        []string  `json:"packages" gorm:"serializer:json"`
	PackageVersions []string  `json:"package_versions" gorm:"serializer:json"`
	Publishers      []string  `json:"publishers" gorm:"serializer:json"`
	Users           []string  `json:"users" gorm:"serializer:json"`
	CreatedAt       time.Time `json:"created"`
}

// BeforeCreate generates a UUID for the record ID
func (r *AuditLogRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

// ModeratedName is a tombstone for an administratively removed package name
type ModeratedName struct {
	Name          string    `json:"name" gorm:"primaryKey"`
	SimilarityKey string    `json:"-" gorm:"index;not null"`
	CreatedAt     time.Time `json:"created_at"`
}

// Outbox message kinds
const (
	OutboxEmail = "email"
	OutboxJob   = "job"
)

// OutboxMessage is a durable intent enqueued inside a registry transaction
// and delivered at-least-once by the outbox worker.
type OutboxMessage struct {
	ID            uuid.UUID  `json:"id" gorm:"primaryKey"`
	Kind          string     `json:"kind" gorm:"not null;index"`
	Payload       JSONMap    `json:"payload" gorm:"serializer:json"`
	Attempts      int        `json:"attempts" gorm:"default:0"`
	NextAttemptAt time.Time  `json:"next_attempt_at" gorm:"index"`
	ExpiresAt     time.Time  `json:"expires_at"`
	DeliveredAt   *time.Time `json:"delivered_at"`
	LastError     string     `json:"last_error"`
	CreatedAt     time.Time  `json:"created_at"`
}

// BeforeCreate generates a UUID for the message ID
func (m *OutboxMessage) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}

// UploadInfo is the signed POST returned by startUpload
type UploadInfo struct {
	URL    string            `json:"url"`
	Fields map[string]string `json:"fields"`
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// LoginRequest represents a login request
type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// RegisterRequest represents a user registration request
type RegisterRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8"`
}

// AuthToken represents a session token
type AuthToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	UserID    uuid.UUID `json:"user_id"`
}

// PackageOptions is the request body for PUT /api/packages/<name>/options
type PackageOptions struct {
	IsDiscontinued *bool   `json:"isDiscontinued,omitempty"`
	IsUnlisted     *bool   `json:"isUnlisted,omitempty"`
	ReplacedBy     *string `json:"replacedBy,omitempty"`
}

// VersionOptions is the request body for version options updates
type VersionOptions struct {
	IsRetracted *bool `json:"isRetracted,omitempty"`
}

// VersionListing is the JSON shape of GET /api/packages/<name>
type VersionListing struct {
	Name     string          `json:"name"`
	Latest   *VersionSummary `json:"latest,omitempty"`
	Versions []VersionSummary `json:"versions"`
}

// VersionSummary is one entry of a versions listing
type VersionSummary struct {
	Version       string    `json:"version"`
	Pubspec       JSONMap   `json:"pubspec"`
	ArchiveURL    string    `json:"archive_url"`
	ArchiveSHA256 string    `json:"archive_sha256"`
	Retracted     bool      `json:"retracted,omitempty"`
	Published     time.Time `json:"published"`
	Downloads     int64     `json:"downloads,omitempty"`
}
