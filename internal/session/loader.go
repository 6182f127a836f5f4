package session

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/mengzhuo/cookiestxt"

	"github.com/leadharbor/harvester/internal/pipeline"
)

// LoadJSON reads a session list from a JSON file: an array of sessions,
// each carrying a label and its cookie records.
func LoadJSON(path string) ([]pipeline.Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sessions file: %w", err)
	}
	var sessions []pipeline.Session
	if err := json.Unmarshal(data, &sessions); err != nil {
		return nil, fmt.Errorf("parse sessions file %s: %w", path, err)
	}
	return sessions, nil
}

// LoadCookiesTxt reads one session per cookies.txt file, in the
// Netscape export format browsers produce.
func LoadCookiesTxt(paths ...string) ([]pipeline.Session, error) {
	sessions := make([]pipeline.Session, 0, len(paths))
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return nil, fmt.Errorf("open cookies file: %w", err)
		}
		cookies, err := cookiestxt.Parse(f)
		closeErr := f.Close()
		if err != nil {
			return nil, fmt.Errorf("parse cookies file %s: %w", p, err)
		}
		if closeErr != nil {
			return nil, fmt.Errorf("close cookies file %s: %w", p, closeErr)
		}

		sess := pipeline.Session{Label: p}
		for _, c := range cookies {
			sess.Cookies = append(sess.Cookies, pipeline.Cookie{
				Name:     c.Name,
				Value:    c.Value,
				Domain:   c.Domain,
				Path:     c.Path,
				Secure:   c.Secure,
				HTTPOnly: c.HttpOnly,
			})
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// Load resolves sessions from configuration: a JSON session file, a set
// of cookies.txt files, or both. An empty result is valid; the scrape
// worker then runs unauthenticated.
func Load(jsonPath string, cookieFiles []string) ([]pipeline.Session, error) {
	var sessions []pipeline.Session
	if jsonPath != "" {
		fromJSON, err := LoadJSON(jsonPath)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, fromJSON...)
	}
	if len(cookieFiles) > 0 {
		fromTxt, err := LoadCookiesTxt(cookieFiles...)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, fromTxt...)
	}
	return sessions, nil
}
