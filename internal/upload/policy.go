package upload

import (
	"slices"
	"strings"
	"time"
)

const (
	MiB = 1 << 20

	DefaultMaxUploadSize    = 500 * MiB
	DefaultMaxChunkSize     = 10 * MiB
	DefaultMaxParts         = 10000
	DefaultUploadTTL        = time.Hour
	DefaultCombineTimeout   = 15 * time.Minute
	DefaultSessionRetention = 24 * time.Hour
)

// DefaultContentTypes lists the media types accepted unless configured
// otherwise.
var DefaultContentTypes = []string{
	"video/mp4",
	"video/quicktime",
	"video/x-msvideo",
	"video/x-matroska",
	"video/mov",
	"video/m4v",
	"video/hevc",
	"image/jpeg",
	"image/png",
	"image/jpg",
}

// Policy holds the limits and timings applied to every upload. It is passed
// explicitly to each component; nothing reads it from global state.
type Policy struct {
	MaxUploadSize       int64
	MaxChunkSize        int64
	MaxParts            int
	AllowedContentTypes []string

	// UploadTTL bounds how long a pending upload may stay open. It is
	// returned to clients as expiresIn and enforced by the sweeper.
	UploadTTL time.Duration

	// CombineTimeout is how long a session may sit in "combining" before
	// the sweeper assumes its process died and fails it.
	CombineTimeout time.Duration

	// SessionRetention is how long terminal session records are kept.
	SessionRetention time.Duration

	// AutoCombine makes a chunk PUT trigger reassembly once every part is
	// present.
	AutoCombine bool
}

func DefaultPolicy() Policy {
	return Policy{
		MaxUploadSize:       DefaultMaxUploadSize,
		MaxChunkSize:        DefaultMaxChunkSize,
		MaxParts:            DefaultMaxParts,
		AllowedContentTypes: slices.Clone(DefaultContentTypes),
		UploadTTL:           DefaultUploadTTL,
		CombineTimeout:      DefaultCombineTimeout,
		SessionRetention:    DefaultSessionRetention,
	}
}

// normalizeContentType strips parameters such as "; charset=..." and
// lower-cases the media type.
func normalizeContentType(contentType string) string {
	mediaType, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(mediaType))
}

// AllowsContentType reports whether contentType is on the allow-list. An
// empty allow-list accepts everything.
func (p Policy) AllowsContentType(contentType string) bool {
	mediaType := normalizeContentType(contentType)
	if mediaType == "" {
		return false
	}

	if len(p.AllowedContentTypes) == 0 {
		return true
	}

	return slices.ContainsFunc(p.AllowedContentTypes, func(allowed string) bool {
		return normalizeContentType(allowed) == mediaType
	})
}
