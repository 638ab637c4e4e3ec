// Package validation checks user supplied identifiers before they reach the
// repositories.
package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	MaxDisplayName = 64
	MaxIdentifier  = 128
)

var identifierRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateDisplayName accepts 1 to MaxDisplayName printable runes after
// trimming.
func ValidateDisplayName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("display name must not be empty")
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("display name is not valid UTF-8")
	}
	if utf8.RuneCountInString(name) > MaxDisplayName {
		return fmt.Errorf("display name is too long (max %d characters)", MaxDisplayName)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return fmt.Errorf("display name contains control characters")
		}
	}
	return nil
}

func ValidateRoomID(id string) error {
	return validateIdentifier(id, "room id")
}

func ValidatePluginID(id string) error {
	return validateIdentifier(id, "plugin id")
}

func validateIdentifier(id, field string) error {
	if id == "" {
		return fmt.Errorf("%s is required", field)
	}
	if len(id) > MaxIdentifier {
		return fmt.Errorf("%s is too long (max %d characters)", field, MaxIdentifier)
	}
	if !identifierRegex.MatchString(id) {
		return fmt.Errorf("%s contains invalid characters (only letters, numbers, _, - allowed)", field)
	}
	return nil
}

// ValidatePluginURL requires an absolute http or https URL with a host.
func ValidatePluginURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("plugin url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid plugin url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("plugin url must use http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("plugin url must have a host")
	}
	return nil
}
