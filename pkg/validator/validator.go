package validator

import (
	"regexp"
	"strings"
)

const (
	maxIdentityLen = 128
	maxCaptionLen  = 256
	maxContentLen  = 4096
)

// identityRegex keeps identities to the opaque token shape the identity
// provider hands out: no whitespace, no control characters.
var identityRegex = regexp.MustCompile(`^[A-Za-z0-9._@+-]+$`)

// ValidIdentity reports whether s is usable as an opaque caller identity.
func ValidIdentity(s string) bool {
	return s != "" && len(s) <= maxIdentityLen && identityRegex.MatchString(s)
}

// ValidCaption reports whether a snap caption is within limits. Empty is fine.
func ValidCaption(s string) bool {
	return len(s) <= maxCaptionLen
}

// ValidMessageContent reports whether text content is non-blank and within
// limits.
func ValidMessageContent(s string) bool {
	trimmed := strings.TrimSpace(s)
	return trimmed != "" && len(s) <= maxContentLen
}

// SanitizeString trims whitespace and limits length.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		return s[:maxLen]
	}
	return s
}
