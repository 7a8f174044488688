// Package fingerprint reads the ambient device properties recorded with a session.
package fingerprint

import (
	"strings"

	"golang.org/x/text/language"

	"github.com/jonesrussell/north-cloud/session-tracker/internal/domain"
)

// Properties are the read-only ambient values of the platform.
type Properties interface {
	UserAgent() string
	ScreenSize() (width, height int)
	Language() string
	Platform() string
}

// Read captures the five-field device fingerprint. It never fails.
func Read(p Properties) domain.DeviceInfo {
	width, height := p.ScreenSize()
	return domain.DeviceInfo{
		UserAgent:    p.UserAgent(),
		ScreenWidth:  width,
		ScreenHeight: height,
		Language:     p.Language(),
		Platform:     p.Platform(),
	}
}

// Snapshot is a fixed set of property values, such as those reported by a page.
type Snapshot struct {
	Agent      string
	Width      int
	Height     int
	Lang       string
	PlatformID string
}

// UserAgent returns the user agent string.
func (s Snapshot) UserAgent() string { return s.Agent }

// ScreenSize returns the screen width and height.
func (s Snapshot) ScreenSize() (width, height int) { return s.Width, s.Height }

// Language returns the UI language.
func (s Snapshot) Language() string { return s.Lang }

// Platform returns the platform identifier.
func (s Snapshot) Platform() string { return s.PlatformID }

// NormalizeLanguage canonicalizes a BCP 47 tag ("en_us" → "en-US").
// Unparseable input is returned trimmed but otherwise unchanged.
func NormalizeLanguage(tag string) string {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return ""
	}
	parsed, err := language.Parse(strings.ReplaceAll(tag, "_", "-"))
	if err != nil {
		return tag
	}
	return parsed.String()
}

// PreferredLanguage returns the highest-weighted tag of an Accept-Language
// header, or "" when the header is empty or invalid.
func PreferredLanguage(acceptLanguage string) string {
	tags, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil || len(tags) == 0 {
		return ""
	}
	return tags[0].String()
}
