package session

import (
	"net/url"
	"strings"

	"github.com/leadharbor/harvester/internal/pipeline"
)

// Accepted cross-site cookie policy enumerants, re-exported from
// pipeline for callers that only deal in cookies.
const (
	SameSiteStrict = pipeline.SameSiteStrict
	SameSiteLax    = pipeline.SameSiteLax
	SameSiteNone   = pipeline.SameSiteNone
)

// NormalizeSession returns a copy of the session with every cookie
// normalized.
func NormalizeSession(s pipeline.Session) pipeline.Session {
	out := pipeline.Session{Label: s.Label, Cookies: make([]pipeline.Cookie, len(s.Cookies))}
	for i, c := range s.Cookies {
		out.Cookies[i] = NormalizeCookie(c)
	}
	return out
}

// NormalizeCookie maps the cross-site policy onto the three accepted
// enumerants and percent-decodes encoded values. Exported cookie dumps
// frequently carry values like "no_restriction" or URL-escaped session
// tokens; browsers reject both.
func NormalizeCookie(c pipeline.Cookie) pipeline.Cookie {
	c.SameSite = normalizeSameSite(c.SameSite)
	// PathUnescape rather than QueryUnescape: cookie values may contain
	// literal '+' characters that must survive decoding.
	if decoded, err := url.PathUnescape(c.Value); err == nil {
		c.Value = decoded
	}
	if c.Path == "" {
		c.Path = "/"
	}
	return c
}

func normalizeSameSite(v string) string {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "strict":
		return SameSiteStrict
	case "lax", "unspecified", "":
		return SameSiteLax
	case "none", "no_restriction":
		return SameSiteNone
	default:
		return SameSiteLax
	}
}
