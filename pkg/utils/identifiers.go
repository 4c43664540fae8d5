package utils

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a prefixed identifier, e.g. "cycle-3f1a9c2e".
// The first UUID group is enough to be unique within a project's lifetime.
func NewID(prefix string) string {
	id := uuid.New().String()
	return prefix + "-" + id[:8]
}

// SanitizeIdentifier makes an identifier safe for filesystem paths.
func SanitizeIdentifier(id string) string {
	sanitized := strings.ReplaceAll(id, ":", "-")
	sanitized = strings.ReplaceAll(sanitized, " ", "-")
	sanitized = strings.ReplaceAll(sanitized, "/", "-")
	sanitized = strings.ReplaceAll(sanitized, "\\", "-")
	return sanitized
}
