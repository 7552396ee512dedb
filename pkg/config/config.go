package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the configuration for all services
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Storage  StorageConfig  `yaml:"storage"`
	Auth     AuthConfig     `yaml:"auth"`
	Registry RegistryConfig `yaml:"registry"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	BaseURL      string        `yaml:"base_url"` // externally visible, e.g. https://pub.example
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// StorageConfig holds blob storage configuration
type StorageConfig struct {
	Type            string        `yaml:"type"` // local
	LocalPath       string        `yaml:"local_path"`
	IncomingBucket  string        `yaml:"incoming_bucket"`
	CanonicalBucket string        `yaml:"canonical_bucket"`
	PublicBucket    string        `yaml:"public_bucket"`
	IncomingTTL     time.Duration `yaml:"incoming_ttl"`
	SigningSecret   string        `yaml:"signing_secret"`
}

// AuthConfig holds authentication settings
type AuthConfig struct {
	SessionSecret     string        `yaml:"session_secret"`
	SessionExpiration time.Duration `yaml:"session_expiration"`
	BCryptCost        int           `yaml:"bcrypt_cost"`
	GithubOIDCSecret  string        `yaml:"github_oidc_secret"`
	GcpOIDCSecret     string        `yaml:"gcp_oidc_secret"`
	AdminEmails       []string      `yaml:"admin_emails"`
}

// RegistryConfig holds publishing pipeline settings
type RegistryConfig struct {
	MaxArchiveSize        int64         `yaml:"max_archive_size"`
	MaxVersionsPerPackage int           `yaml:"max_versions_per_package"`
	UploadSwitch          string        `yaml:"upload_switch"` // "", "no-uploads"
	DefaultSDKVersion     string        `yaml:"default_sdk_version"`
	ReservedNamePrefixes  []string      `yaml:"reserved_name_prefixes"`
	VendorDomain          string        `yaml:"vendor_domain"`
	RetractionWindow      time.Duration `yaml:"retraction_window"`
	UnretractionWindow    time.Duration `yaml:"unretraction_window"`
	CacheTTL              time.Duration `yaml:"cache_ttl"`
	NameRefreshInterval   time.Duration `yaml:"name_refresh_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, text
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			BaseURL:      getEnv("SERVER_BASE_URL", "http://localhost:8080"),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 60*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "pubvault"),
			Password: getEnv("DB_PASSWORD", "password"),
			DBName:   getEnv("DB_NAME", "pubvault"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Storage: StorageConfig{
			Type:            getEnv("STORAGE_TYPE", "local"),
			LocalPath:       getEnv("STORAGE_LOCAL_PATH", "./blobs"),
			IncomingBucket:  getEnv("STORAGE_INCOMING_BUCKET", "incoming"),
			CanonicalBucket: getEnv("STORAGE_CANONICAL_BUCKET", "canonical"),
			PublicBucket:    getEnv("STORAGE_PUBLIC_BUCKET", "public"),
			IncomingTTL:     getEnvDuration("STORAGE_INCOMING_TTL", 10*time.Minute),
			SigningSecret:   getEnv("STORAGE_SIGNING_SECRET", "upload-signing-secret"),
		},
		Auth: AuthConfig{
			SessionSecret:     getEnv("SESSION_SECRET", "your-secret-key"),
			SessionExpiration: getEnvDuration("SESSION_EXPIRATION", 24*time.Hour),
			BCryptCost:        getEnvInt("BCRYPT_COST", 12),
			GithubOIDCSecret:  getEnv("GITHUB_OIDC_SECRET", ""),
			GcpOIDCSecret:     getEnv("GCP_OIDC_SECRET", ""),
			AdminEmails:       getEnvList("ADMIN_EMAILS", nil),
		},
		Registry: RegistryConfig{
			MaxArchiveSize:        getEnvInt64("MAX_ARCHIVE_SIZE", 100*1024*1024),
			MaxVersionsPerPackage: getEnvInt("MAX_VERSIONS_PER_PACKAGE", 1000),
			UploadSwitch:          getEnv("UPLOAD_SWITCH", ""),
			DefaultSDKVersion:     getEnv("DEFAULT_SDK_VERSION", "3.0.0"),
			ReservedNamePrefixes:  getEnvList("RESERVED_NAME_PREFIXES", []string{"dart", "flutter"}),
			VendorDomain:          getEnv("VENDOR_DOMAIN", "example.com"),
			RetractionWindow:      getEnvDuration("RETRACTION_WINDOW", 7*24*time.Hour),
			UnretractionWindow:    getEnvDuration("UNRETRACTION_WINDOW", 14*24*time.Hour),
			CacheTTL:              getEnvDuration("CACHE_TTL", 10*time.Minute),
			NameRefreshInterval:   getEnvDuration("NAME_REFRESH_INTERVAL", 5*time.Minute),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}
}

// DatabaseURL returns a PostgreSQL connection string
func (d *DatabaseConfig) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

// RedisAddr returns the Redis address
func (r *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return defaultValue
}
