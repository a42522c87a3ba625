package upload

import (
	"reel/internal/apperr"
	"regexp"
	"strconv"
	"strings"
)

// ChunkPrefix is the reserved namespace holding in-flight upload parts.
// Public object routes never read or write below it.
const ChunkPrefix = "chunks/"

// TargetPrefix is prepended to generated target keys.
const TargetPrefix = "uploads/"

var uploadIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// ChunkDir returns the key prefix under which every part of an upload lives.
func ChunkDir(targetKey, uploadID string) string {
	return ChunkPrefix + targetKey + "/" + uploadID + "/"
}

// ChunkKey returns the object key of part index of an upload.
func ChunkKey(targetKey, uploadID string, index int) string {
	return ChunkDir(targetKey, uploadID) + "part" + strconv.Itoa(index)
}

// IsReservedKey reports whether key lives in the chunk namespace.
func IsReservedKey(key string) bool {
	return strings.HasPrefix(key, ChunkPrefix)
}

// ValidateKey enforces basic object key constraints: non-empty, at most 1024
// bytes, no control characters, and outside the chunk namespace.
func ValidateKey(key string) error {
	if len(key) == 0 || len(key) > 1024 {
		return apperr.Validation("object key must be between 1 and 1024 bytes")
	}

	if strings.ContainsFunc(key, func(c rune) bool { return c < 0x20 || c == 0x7f }) {
		return apperr.Validation("object key contains control characters")
	}

	if IsReservedKey(key) {
		return apperr.Validation("object key may not start with %q", ChunkPrefix)
	}

	return nil
}

// ValidateUploadID rejects identifiers that could escape their chunk
// directory.
func ValidateUploadID(uploadID string) error {
	if !uploadIDPattern.MatchString(uploadID) {
		return apperr.Validation("invalid upload id %q", uploadID)
	}
	return nil
}

// validatePartCount checks a declared part count against the policy.
func (p Policy) validatePartCount(totalParts int) error {
	if totalParts < 1 {
		return apperr.Validation("total parts must be at least 1")
	}
	if p.MaxParts > 0 && totalParts > p.MaxParts {
		return apperr.Validation("total parts %d exceeds limit of %d", totalParts, p.MaxParts)
	}
	return nil
}
