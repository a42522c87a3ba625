package core

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"reel/internal/apperr"
	"reel/internal/auth"
	"reel/internal/upload"
	"strings"
)

// Server exposes the upload and playback HTTP API over an object store and
// a session store.
type Server struct {
	Config  Config
	uploads *upload.Service
}

// NewServer validates cfg and wires the upload service.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("object store must be configured")
	}

	if cfg.Sessions == nil {
		return nil, errors.New("session store must be configured")
	}

	if cfg.CacheControl == "" {
		cfg.CacheControl = DefaultCacheControl
	}

	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}

	if cfg.Authenticator == nil {
		slog.Warn("No authentication engine configured; token-protected routes will reject every request")
	}

	return &Server{
		Config:  cfg,
		uploads: upload.NewService(cfg.Store, cfg.Sessions, cfg.Policy),
	}, nil
}

// Uploads returns the upload service backing the server, for the sweeper.
func (s *Server) Uploads() *upload.Service {
	return s.uploads
}

// authenticate resolves the caller's bearer token. Engine failures are
// logged and reported as Unauthorized.
func (s *Server) authenticate(r *http.Request) (*auth.User, error) {
	if _, ok := auth.BearerToken(r); !ok {
		return nil, apperr.Unauthorized("Unauthorized")
	}

	if s.Config.Authenticator == nil {
		return nil, apperr.Unauthorized("Unauthorized")
	}

	user, err := s.Config.Authenticator.AuthenticateRequest(r.Context(), r)
	if err != nil {
		slog.Warn("Authentication engine failed", "err", err)
		return nil, apperr.Unauthorized("Unauthorized")
	}

	if user == nil {
		return nil, apperr.Unauthorized("Unauthorized")
	}

	return user, nil
}

// publicURL returns the address clients use to read key.
func (s *Server) publicURL(r *http.Request, key string) string {
	base := strings.TrimRight(s.Config.PublicBaseURL, "/")
	if base == "" {
		base = "https://" + r.Host
	}

	segments := strings.Split(key, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}

	return base + "/" + strings.Join(segments, "/")
}

// objectKey extracts the object key from the wildcard part of the route,
// decoding percent-escapes.
func objectKey(r *http.Request, raw string) (string, error) {
	if r.URL.RawPath == "" {
		return raw, nil
	}

	key, err := url.PathUnescape(raw)
	if err != nil {
		return "", apperr.Validation("invalid object key encoding")
	}
	return key, nil
}
