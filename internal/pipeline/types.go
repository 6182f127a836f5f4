// Package pipeline defines the shared domain types and ports of the
// harvest pipeline: tasks flowing in, outcomes flowing out, and the
// session material scrapes run under.
package pipeline

import (
	"fmt"
	"time"
)

// Status is the terminal disposition of one scrape task.
type Status string

const (
	// StatusDone marks a finished scrape, whether or not an address was
	// found on the page.
	StatusDone Status = "Done"
	// StatusFailed marks a scrape whose attempts were exhausted.
	StatusFailed Status = "Failed"
)

// EmailNotFound is the sentinel written when a page rendered fine but
// carried no contact address. Downstream consumers rely on the exact
// string.
const EmailNotFound = "Not found"

// Cross-site cookie policy enumerants accepted by the browser.
const (
	SameSiteStrict = "Strict"
	SameSiteLax    = "Lax"
	SameSiteNone   = "None"
)

// Task is one unit of scrape work: a profile URL tied back to the
// spreadsheet row it came from.
type Task struct {
	URL           string `json:"url"`
	RowIndex      int    `json:"rowIndex"`
	DestinationID string `json:"destinationId"`
}

// DedupKey identifies the task in the work queue. The key stays live
// from enqueue until the task reaches a terminal state, so a row cannot
// be queued twice concurrently.
func (t Task) DedupKey() string {
	return fmt.Sprintf("%s-row-%d", t.DestinationID, t.RowIndex)
}

// Outcome is the result of one task, addressed back to its row.
type Outcome struct {
	RowIndex      int       `json:"rowIndex"`
	DestinationID string    `json:"destinationId"`
	URL           string    `json:"url"`
	Email         string    `json:"email"`
	Status        Status    `json:"status"`
	ScrapedAt     time.Time `json:"scrapedAt"`
}

// DedupKey identifies the outcome in the result queue.
func (o Outcome) DedupKey() string {
	return fmt.Sprintf("result-%s-row-%d", o.DestinationID, o.RowIndex)
}

// Cookie is one browser cookie in a session's jar.
type Cookie struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Domain   string `json:"domain"`
	Path     string `json:"path"`
	SameSite string `json:"sameSite"`
	Secure   bool   `json:"secure"`
	HTTPOnly bool   `json:"httpOnly"`
}

// Session is a labeled cookie jar representing one authenticated
// identity.
type Session struct {
	Label   string   `json:"label"`
	Cookies []Cookie `json:"cookies"`
}

// PageState is the rendered result of one page visit.
type PageState struct {
	URL        string
	FinalURL   string
	StatusCode int
	HTML       string
}
