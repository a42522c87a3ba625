// Package config loads runtime settings from a .env file, the environment
// and an optional config file. Every environment variable carries the REEL_
// prefix, e.g. REEL_MAX_UPLOAD_SIZE.
package config

import (
	"errors"
	"fmt"
	"os"
	"reel/internal/core"
	"reel/internal/upload"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const EnvPrefix = "REEL"

const (
	StorageLocal = "local"
	StorageMinio = "minio"

	SessionsSQLite = "sqlite"
	SessionsRedis  = "redis"
)

type Config struct {
	ListenAddr    string `mapstructure:"listen_addr"`
	DataDir       string `mapstructure:"data_dir"`
	PublicBaseURL string `mapstructure:"public_base_url"`
	LogLevel      string `mapstructure:"log_level"`

	StorageBackend string `mapstructure:"storage_backend"`
	MinioEndpoint  string `mapstructure:"minio_endpoint"`
	MinioAccessKey string `mapstructure:"minio_access_key"`
	MinioSecretKey string `mapstructure:"minio_secret_key"`
	MinioBucket    string `mapstructure:"minio_bucket"`
	MinioRegion    string `mapstructure:"minio_region"`
	MinioUseSSL    bool   `mapstructure:"minio_use_ssl"`

	SessionBackend string `mapstructure:"session_backend"`
	RedisAddr      string `mapstructure:"redis_addr"`
	RedisPassword  string `mapstructure:"redis_password"`
	RedisDB        int    `mapstructure:"redis_db"`

	MaxUploadSize int64 `mapstructure:"max_upload_size"`
	MaxChunkSize  int64 `mapstructure:"max_chunk_size"`
	MaxParts      int   `mapstructure:"max_parts"`

	AllowedContentTypes  []string `mapstructure:"allowed_content_types"`
	AllowedOrigins       []string `mapstructure:"allowed_origins"`
	CacheControl         string   `mapstructure:"cache_control"`
	AutoCombine          bool     `mapstructure:"auto_combine"`
	RequireAuthForWrites bool     `mapstructure:"require_auth_for_writes"`

	JWTSecret   string `mapstructure:"jwt_secret"`
	IdentityURL string `mapstructure:"identity_url"`

	UploadTTL        time.Duration `mapstructure:"upload_ttl"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	CombineTimeout   time.Duration `mapstructure:"combine_timeout"`
	SessionRetention time.Duration `mapstructure:"session_retention"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":9000")
	v.SetDefault("data_dir", "./data")
	v.SetDefault("public_base_url", "")
	v.SetDefault("log_level", "info")

	v.SetDefault("storage_backend", StorageLocal)
	v.SetDefault("minio_endpoint", "localhost:9000")
	v.SetDefault("minio_access_key", "")
	v.SetDefault("minio_secret_key", "")
	v.SetDefault("minio_bucket", "reel")
	v.SetDefault("minio_region", "")
	v.SetDefault("minio_use_ssl", false)

	v.SetDefault("session_backend", SessionsSQLite)
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)

	v.SetDefault("max_upload_size", upload.DefaultMaxUploadSize)
	v.SetDefault("max_chunk_size", upload.DefaultMaxChunkSize)
	v.SetDefault("max_parts", upload.DefaultMaxParts)

	v.SetDefault("allowed_content_types", upload.DefaultContentTypes)
	v.SetDefault("allowed_origins", []string{"*"})
	v.SetDefault("cache_control", core.DefaultCacheControl)
	v.SetDefault("auto_combine", false)
	v.SetDefault("require_auth_for_writes", false)

	v.SetDefault("jwt_secret", "")
	v.SetDefault("identity_url", "")

	v.SetDefault("upload_ttl", upload.DefaultUploadTTL)
	v.SetDefault("sweep_interval", time.Minute)
	v.SetDefault("combine_timeout", upload.DefaultCombineTimeout)
	v.SetDefault("session_retention", upload.DefaultSessionRetention)
}

// Load resolves the configuration. Values from path, when given, are
// overridden by the environment. A .env file in the working directory is
// loaded into the environment first if one exists.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error

	switch c.StorageBackend {
	case StorageLocal:
	case StorageMinio:
		if c.MinioEndpoint == "" || c.MinioBucket == "" {
			errs = append(errs, errors.New("minio storage needs an endpoint and a bucket"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.StorageBackend))
	}

	switch c.SessionBackend {
	case SessionsSQLite:
	case SessionsRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("redis sessions need an address"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown session backend %q", c.SessionBackend))
	}

	if c.MaxUploadSize <= 0 || c.MaxChunkSize <= 0 {
		errs = append(errs, errors.New("size limits must be positive"))
	}
	if c.MaxParts <= 0 {
		errs = append(errs, errors.New("max parts must be positive"))
	}
	if c.UploadTTL <= 0 || c.SweepInterval <= 0 {
		errs = append(errs, errors.New("upload TTL and sweep interval must be positive"))
	}

	return errors.Join(errs...)
}

// Policy converts the limits into the upload policy.
func (c Config) Policy() upload.Policy {
	return upload.Policy{
		MaxUploadSize:       c.MaxUploadSize,
		MaxChunkSize:        c.MaxChunkSize,
		MaxParts:            c.MaxParts,
		AllowedContentTypes: c.AllowedContentTypes,
		UploadTTL:           c.UploadTTL,
		CombineTimeout:      c.CombineTimeout,
		SessionRetention:    c.SessionRetention,
		AutoCombine:         c.AutoCombine,
	}
}

// String renders the configuration for startup logs with secrets masked.
func (c Config) String() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "listen=%s data_dir=%s storage=%s sessions=%s", c.ListenAddr, c.DataDir, c.StorageBackend, c.SessionBackend)
	if c.StorageBackend == StorageMinio {
		fmt.Fprintf(&sb, " minio=%s/%s access_key=%s", c.MinioEndpoint, c.MinioBucket, mask(c.MinioAccessKey))
	}
	if c.SessionBackend == SessionsRedis {
		fmt.Fprintf(&sb, " redis=%s/%d", c.RedisAddr, c.RedisDB)
	}
	fmt.Fprintf(&sb, " jwt_secret=%s identity_url=%s", mask(c.JWTSecret), c.IdentityURL)

	return sb.String()
}

func mask(secret string) string {
	if secret == "" {
		return "(empty)"
	}
	return "********"
}
