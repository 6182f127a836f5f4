// Package scraper turns queued tasks into outcomes: render the page,
// pull out the contact address, push the result.
package scraper

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/leadharbor/harvester/internal/metrics"
	"github.com/leadharbor/harvester/internal/pipeline"
	"github.com/leadharbor/harvester/internal/queue"
)

// Config controls worker behavior.
type Config struct {
	// Attempts mirrors the work queue's attempt budget so the worker
	// knows when a delivery is the last one.
	Attempts int
	// LoginURLPatterns are substrings of post-redirect URLs that mean
	// the session was rejected and the visit landed on a login wall.
	LoginURLPatterns []string
	// ProbeFirst enables the plain-HTTP fast path before headless.
	ProbeFirst bool
}

// Worker handles work-queue messages. It is safe for concurrent use;
// all mutable scrape state is per-call.
type Worker struct {
	cfg       Config
	browser   pipeline.Browser
	prober    pipeline.Prober
	extractor pipeline.Extractor
	sessions  pipeline.SessionRotator
	results   pipeline.ResultPusher
	archiver  pipeline.Archiver
	clock     pipeline.Clock
	logger    *zap.Logger
}

// New builds a Worker. prober and archiver may be nil.
func New(
	cfg Config,
	browser pipeline.Browser,
	prober pipeline.Prober,
	extractor pipeline.Extractor,
	sessions pipeline.SessionRotator,
	results pipeline.ResultPusher,
	archiver pipeline.Archiver,
	clock pipeline.Clock,
	logger *zap.Logger,
) *Worker {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		cfg:       cfg,
		browser:   browser,
		prober:    prober,
		extractor: extractor,
		sessions:  sessions,
		results:   results,
		archiver:  archiver,
		clock:     clock,
		logger:    logger,
	}
}

// Handle is the work-queue handler. A returned error requeues the task
// unless its attempt budget is spent, in which case a Failed outcome
// has already been pushed.
func (w *Worker) Handle(ctx context.Context, msg queue.Message) error {
	var task pipeline.Task
	if err := json.Unmarshal(msg.Body, &task); err != nil {
		// A malformed payload never improves with retries. Fail it
		// terminally on any attempt.
		w.pushFailed(ctx, task, msg)
		return fmt.Errorf("decode task %q: %w", msg.Key, err)
	}

	metrics.IncActiveScrapes()
	defer metrics.DecActiveScrapes()

	log := w.logger.With(
		zap.String("url", task.URL),
		zap.String("destination", task.DestinationID),
		zap.Int("row", task.RowIndex),
		zap.Int("attempt", msg.Attempt),
	)

	email, found, err := w.scrape(ctx, task, log)
	if err != nil {
		if msg.Attempt >= w.cfg.Attempts {
			// Last delivery: record the failure so the row is not left
			// dangling. Earlier attempts push nothing, keeping the
			// result dedup key free for a later success.
			w.pushFailed(ctx, task, msg)
		}
		return fmt.Errorf("scrape %s: %w", task.URL, err)
	}

	outcome := pipeline.Outcome{
		RowIndex:      task.RowIndex,
		DestinationID: task.DestinationID,
		URL:           task.URL,
		Email:         email,
		Status:        pipeline.StatusDone,
		ScrapedAt:     w.clock.Now(),
	}
	if !found {
		outcome.Email = pipeline.EmailNotFound
	}
	if err := w.results.PushOutcome(ctx, outcome); err != nil {
		return fmt.Errorf("push outcome for %s: %w", task.URL, err)
	}
	metrics.ObserveOutcome(string(pipeline.StatusDone))
	log.Info("scrape done", zap.Bool("found", found))
	return nil
}

// scrape renders the page and extracts the address. The bool reports
// whether an address was found; an error means rendering itself failed.
func (w *Worker) scrape(ctx context.Context, task pipeline.Task, log *zap.Logger) (string, bool, error) {
	if w.cfg.ProbeFirst && w.prober != nil {
		if email, ok := w.probe(ctx, task, log); ok {
			return email, true, nil
		}
	}
	return w.scrapeHeadless(ctx, task, log)
}

// probe is the fast path: a plain fetch with extraction on the static
// HTML. Any probe failure silently falls through to headless.
func (w *Worker) probe(ctx context.Context, task pipeline.Task, log *zap.Logger) (string, bool) {
	page, usable, err := w.prober.Probe(ctx, task.URL)
	if err != nil {
		log.Debug("probe failed, falling back to headless", zap.Error(err))
		return "", false
	}
	if !usable {
		return "", false
	}
	email, found := w.extractor.Extract(page)
	if !found {
		// The address may be rendered client-side; only headless can
		// tell "not present" from "not rendered yet".
		return "", false
	}
	log.Info("probe fast path hit")
	return email, true
}

// scrapeHeadless renders with the browser, rotating sessions when a
// visit bounces to a login wall. The rotation budget is the session
// count so every identity gets one try per delivery.
func (w *Worker) scrapeHeadless(ctx context.Context, task pipeline.Task, log *zap.Logger) (string, bool, error) {
	tries := w.sessions.Len()
	if tries < 1 {
		tries = 1
	}

	var lastErr error
	for i := 0; i < tries; i++ {
		session := w.currentSession()
		page, err := w.browser.Visit(ctx, task.URL, session)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return "", false, lastErr
			}
			log.Warn("visit failed", zap.Error(err))
			w.sessions.Rotate()
			continue
		}

		if w.isLoginRedirect(page.FinalURL) {
			log.Warn("session rejected",
				zap.String("finalUrl", page.FinalURL),
			)
			if w.sessions.Rotate() {
				lastErr = fmt.Errorf("redirected to login page %s", page.FinalURL)
				continue
			}
			// No other identity to switch to; extract from the page as
			// rendered rather than giving up outright.
		}

		email, found := w.extractor.Extract(page)
		if !found {
			// Keep the rendered page around so a miss can be inspected
			// after the fact.
			w.archive(ctx, task, page)
		}
		return email, found, nil
	}
	return "", false, fmt.Errorf("all %d sessions exhausted: %w", tries, lastErr)
}

func (w *Worker) currentSession() *pipeline.Session {
	s, ok := w.sessions.Current()
	if !ok {
		return nil
	}
	return &s
}

func (w *Worker) isLoginRedirect(finalURL string) bool {
	for _, pattern := range w.cfg.LoginURLPatterns {
		if pattern != "" && strings.Contains(finalURL, pattern) {
			return true
		}
	}
	return false
}

func (w *Worker) archive(ctx context.Context, task pipeline.Task, page pipeline.PageState) {
	if w.archiver == nil {
		return
	}
	archiveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := w.archiver.Archive(archiveCtx, task, page); err != nil {
		w.logger.Warn("archive snapshot failed",
			zap.String("url", task.URL),
			zap.Error(err),
		)
	}
}

func (w *Worker) pushFailed(ctx context.Context, task pipeline.Task, msg queue.Message) {
	if task.DestinationID == "" {
		// Decode failed before the task fields were populated; there
		// is no row to address an outcome to.
		w.logger.Error("dropping undecodable task", zap.String("key", msg.Key))
		return
	}
	outcome := pipeline.Outcome{
		RowIndex:      task.RowIndex,
		DestinationID: task.DestinationID,
		URL:           task.URL,
		Status:        pipeline.StatusFailed,
		ScrapedAt:     w.clock.Now(),
	}
	pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := w.results.PushOutcome(pushCtx, outcome); err != nil {
		w.logger.Error("push failed outcome",
			zap.String("key", msg.Key),
			zap.Error(err),
		)
		return
	}
	metrics.ObserveOutcome(string(pipeline.StatusFailed))
}
