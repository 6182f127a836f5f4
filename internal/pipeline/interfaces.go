package pipeline

import (
	"context"
	"time"
)

// Browser renders a page under the given session and returns the final
// DOM. A nil session means an unauthenticated visit.
type Browser interface {
	Visit(ctx context.Context, url string, session *Session) (PageState, error)
}

// Prober fetches a page without a browser. It is the cheap first pass;
// a false ok means the page needs headless rendering.
type Prober interface {
	Probe(ctx context.Context, url string) (PageState, bool, error)
}

// Extractor pulls a contact address out of a rendered page. A false ok
// means the page carried none.
type Extractor interface {
	Extract(page PageState) (string, bool)
}

// ExtractorFunc adapts a function to the Extractor interface.
type ExtractorFunc func(page PageState) (string, bool)

// Extract calls the wrapped function.
func (f ExtractorFunc) Extract(page PageState) (string, bool) {
	return f(page)
}

// SessionRotator hands out sessions and advances on demand.
type SessionRotator interface {
	// Current returns the session under the cursor, or false when no
	// sessions are configured.
	Current() (Session, bool)
	// Rotate advances the cursor; false means rotation was a no-op.
	Rotate() bool
	// Len reports the number of configured sessions.
	Len() int
}

// ResultPusher hands a finished outcome to the result queue.
type ResultPusher interface {
	PushOutcome(ctx context.Context, outcome Outcome) error
}

// Archiver stores a page snapshot for later inspection. Implementations
// are best-effort; a failed archive never fails the scrape.
type Archiver interface {
	Archive(ctx context.Context, task Task, page PageState) error
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces unique identifiers for batches and archives.
type IDGenerator interface {
	NewID() string
}
