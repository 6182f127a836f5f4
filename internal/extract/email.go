// Package extract locates contact emails inside captured page state.
package extract

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/leadharbor/harvester/internal/pipeline"
)

var emailRe = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9][a-zA-Z0-9.\-]*\.[a-zA-Z]{2,}`)

// Asset references like icon@2x.png match the email shape; filter them.
var junkSuffixes = []string{".png", ".jpg", ".jpeg", ".gif", ".svg", ".webp", ".css", ".js"}

// Email is the default pipeline.Extractor: it mines embedded JSON blobs
// first (business pages ship contact data in serialized page state),
// then mailto links, then falls back to a regex sweep of the document.
type Email struct{}

// NewEmail returns the default email extractor.
func NewEmail() *Email {
	return &Email{}
}

// Extract implements pipeline.Extractor.
func (e *Email) Extract(page pipeline.PageState) (string, bool) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page.HTML))
	if err != nil {
		return scanText(page.HTML)
	}

	var found string
	doc.Find(`script[type="application/json"], script[type="application/ld+json"]`).
		EachWithBreak(func(_ int, s *goquery.Selection) bool {
			var blob any
			if err := json.Unmarshal([]byte(s.Text()), &blob); err != nil {
				return true
			}
			if email, ok := searchJSON(blob); ok {
				found = email
				return false
			}
			return true
		})
	if found != "" {
		return found, true
	}

	doc.Find(`a[href^="mailto:"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, _ := s.Attr("href")
		addr := strings.TrimPrefix(href, "mailto:")
		if i := strings.IndexByte(addr, '?'); i >= 0 {
			addr = addr[:i]
		}
		if email, ok := validate(addr); ok {
			found = email
			return false
		}
		return true
	})
	if found != "" {
		return found, true
	}

	return scanText(page.HTML)
}

// searchJSON walks a decoded JSON value depth-first looking for a
// string shaped like an email address.
func searchJSON(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return validate(val)
	case map[string]any:
		for _, child := range val {
			if email, ok := searchJSON(child); ok {
				return email, true
			}
		}
	case []any:
		for _, child := range val {
			if email, ok := searchJSON(child); ok {
				return email, true
			}
		}
	}
	return "", false
}

func scanText(text string) (string, bool) {
	for _, candidate := range emailRe.FindAllString(text, 20) {
		if email, ok := validate(candidate); ok {
			return email, true
		}
	}
	return "", false
}

func validate(s string) (string, bool) {
	s = strings.TrimSpace(s)
	match := emailRe.FindString(s)
	if match == "" || match != s {
		return "", false
	}
	lower := strings.ToLower(match)
	for _, suffix := range junkSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return "", false
		}
	}
	return match, true
}
