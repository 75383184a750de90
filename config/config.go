// Package config loads service configuration from an optional yaml file
// and REFIMAGE_-prefixed environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the service
type Config struct {
	Server    ServerConfig
	DB        DBConfig
	Storage   StorageConfig
	Search    SearchConfig
	Fetch     FetchConfig
	Resolver  ResolverConfig
	Category  CategoryConfig
	RateLimit RateLimitConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           string `mapstructure:"port"`
	MaxUploadBytes int64  `mapstructure:"max_upload_bytes"`
}

// DBConfig holds PostgreSQL configuration
type DBConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN returns the lib/pq connection string.
func (c DBConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

// StorageConfig holds upload storage configuration
type StorageConfig struct {
	Type            string `mapstructure:"type"` // "filesystem" or "s3"
	BasePath        string `mapstructure:"base_path"`
	S3Endpoint      string `mapstructure:"s3_endpoint"`
	S3Region        string `mapstructure:"s3_region"`
	S3Bucket        string `mapstructure:"s3_bucket"`
	S3AccessKeyID   string `mapstructure:"s3_access_key_id"`
	S3SecretKey     string `mapstructure:"s3_secret_key"`
	S3UsePathStyle  bool   `mapstructure:"s3_use_path_style"`
}

// SearchConfig holds the AI image search configuration. An empty API key
// disables the targeted search stage.
type SearchConfig struct {
	APIKey        string `mapstructure:"api_key"`
	Model         string `mapstructure:"model"`
	MaxCandidates int    `mapstructure:"max_candidates"`
}

// FetchConfig holds outbound fetch/proxy configuration
type FetchConfig struct {
	Timeout           time.Duration `mapstructure:"timeout"`
	ImageTimeout      time.Duration `mapstructure:"image_timeout"`
	MaxImageSizeBytes int64         `mapstructure:"max_image_size_bytes"`
	MaxImages         int           `mapstructure:"max_images"`
}

// ResolverConfig holds section image resolver configuration
type ResolverConfig struct {
	StageTimeout  time.Duration `mapstructure:"stage_timeout"`
	MaxWorkers    int           `mapstructure:"max_workers"`
	MaxCandidates int           `mapstructure:"max_candidates"`
}

// CategoryConfig holds category matcher configuration
type CategoryConfig struct {
	Threshold float64 `mapstructure:"threshold"`
}

// RateLimitConfig holds per-IP rate limiting configuration
type RateLimitConfig struct {
	PerIP float64 `mapstructure:"per_ip"` // Requests per second; 0 disables
	Burst int     `mapstructure:"burst"`
}

// Load loads configuration from environment variables and config files
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/refimage/")

	v.SetEnvPrefix("REFIMAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Config file is optional; env vars and defaults cover everything
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.max_upload_bytes", 10*1024*1024)

	// Keys without a meaningful default still need one registered, or
	// AutomaticEnv values are invisible to Unmarshal.
	v.SetDefault("db.host", "")
	v.SetDefault("db.password", "")
	v.SetDefault("db.port", "5432")
	v.SetDefault("db.user", "refimage")
	v.SetDefault("db.name", "refimage")
	v.SetDefault("db.sslmode", "disable")

	v.SetDefault("storage.type", "filesystem")
	v.SetDefault("storage.base_path", "./storage")
	v.SetDefault("storage.s3_region", "us-east-1")
	v.SetDefault("storage.s3_endpoint", "")
	v.SetDefault("storage.s3_bucket", "")
	v.SetDefault("storage.s3_access_key_id", "")
	v.SetDefault("storage.s3_secret_key", "")
	v.SetDefault("storage.s3_use_path_style", false)

	v.SetDefault("search.api_key", "")
	v.SetDefault("search.model", "gemini-2.0-flash")
	v.SetDefault("search.max_candidates", 5)

	v.SetDefault("fetch.timeout", "8s")
	v.SetDefault("fetch.image_timeout", "10s")
	v.SetDefault("fetch.max_image_size_bytes", 10*1024*1024)
	v.SetDefault("fetch.max_images", 20)

	v.SetDefault("resolver.stage_timeout", "10s")
	v.SetDefault("resolver.max_workers", 5)
	v.SetDefault("resolver.max_candidates", 5)

	v.SetDefault("category.threshold", 0.75)

	v.SetDefault("ratelimit.per_ip", 25)
	v.SetDefault("ratelimit.burst", 50)
}

// validate validates the configuration
func validate(config *Config) error {
	if config.DB.Host == "" {
		return fmt.Errorf("database host is required (set REFIMAGE_DB_HOST)")
	}

	if config.Storage.Type != "filesystem" && config.Storage.Type != "s3" {
		return fmt.Errorf("storage type must be 'filesystem' or 's3', got: %s", config.Storage.Type)
	}
	if config.Storage.Type == "s3" {
		if config.Storage.S3Bucket == "" {
			return fmt.Errorf("S3 bucket is required when storage type is 's3'")
		}
		if config.Storage.S3AccessKeyID == "" || config.Storage.S3SecretKey == "" {
			return fmt.Errorf("S3 credentials are required when storage type is 's3'")
		}
	}

	if config.Category.Threshold <= 0 || config.Category.Threshold > 1 {
		return fmt.Errorf("category threshold must be in (0,1], got: %v", config.Category.Threshold)
	}

	if config.Fetch.MaxImages < 0 {
		return fmt.Errorf("fetch max_images cannot be negative, got: %d", config.Fetch.MaxImages)
	}

	return nil
}
