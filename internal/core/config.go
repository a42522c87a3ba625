package core

import (
	"reel/internal/auth"
	"reel/internal/storage"
	"reel/internal/upload"
	"slices"
)

const (
	DefaultCacheControl = "public, max-age=31536000"
	DefaultCORSMaxAge   = 86400
)

type Config struct {
	Policy               upload.Policy
	AllowedOrigins       []string
	CacheControl         string
	PublicBaseURL        string
	RequireAuthForWrites bool

	Store         storage.ObjectStore
	Sessions      upload.SessionStore
	Authenticator auth.AuthEngine
}

type ConfigOption func(*Config)

func WithObjectStore(store storage.ObjectStore) ConfigOption {
	return func(cfg *Config) {
		cfg.Store = store
	}
}

func WithSessionStore(sessions upload.SessionStore) ConfigOption {
	return func(cfg *Config) {
		cfg.Sessions = sessions
	}
}

func WithAuthEngine(authenticator auth.AuthEngine) ConfigOption {
	return func(cfg *Config) {
		cfg.Authenticator = authenticator
	}
}

func WithPolicy(policy upload.Policy) ConfigOption {
	return func(cfg *Config) {
		cfg.Policy = policy
	}
}

func WithAllowedOrigins(origins ...string) ConfigOption {
	return func(cfg *Config) {
		cfg.AllowedOrigins = slices.Clone(origins)
	}
}

func WithCacheControl(value string) ConfigOption {
	return func(cfg *Config) {
		cfg.CacheControl = value
	}
}

func WithPublicBaseURL(baseURL string) ConfigOption {
	return func(cfg *Config) {
		cfg.PublicBaseURL = baseURL
	}
}

// WithRequireAuthForWrites extends bearer-token checks from getUploadUrl to
// every mutating route.
func WithRequireAuthForWrites(required bool) ConfigOption {
	return func(cfg *Config) {
		cfg.RequireAuthForWrites = required
	}
}

func NewConfig(opts ...ConfigOption) Config {
	cfg := Config{
		Policy:         upload.DefaultPolicy(),
		AllowedOrigins: []string{"*"},
		CacheControl:   DefaultCacheControl,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
