// Package browser renders pages through headless Chrome. A single
// browser process is shared across visits; each visit runs in its own
// tab with the session's cookies installed first.
package browser

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/leadharbor/harvester/internal/pipeline"
)

// Config controls the behavior of the headless pool.
type Config struct {
	MaxTabs           int
	UserAgent         string
	NavigationTimeout time.Duration
}

// Pool implements pipeline.Browser on chromedp. The allocator and the
// browser context outlive individual visits so Chrome starts once.
type Pool struct {
	cfg         Config
	logger      *zap.Logger
	limiter     chan struct{}
	allocCancel context.CancelFunc

	browserCtx    context.Context
	browserCancel context.CancelFunc

	startOnce sync.Once
	startErr  error
}

// New creates a headless pool. Chrome itself is launched lazily on the
// first Visit.
func New(cfg Config, logger *zap.Logger) (*Pool, error) {
	if cfg.MaxTabs < 0 {
		return nil, fmt.Errorf("max tabs must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter chan struct{}
	if cfg.MaxTabs > 0 {
		limiter = make(chan struct{}, cfg.MaxTabs)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	return &Pool{
		cfg:           cfg,
		logger:        logger,
		limiter:       limiter,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
	}, nil
}

// Close shuts down the browser and its allocator.
func (p *Pool) Close() {
	p.browserCancel()
	p.allocCancel()
}

func (p *Pool) start() error {
	p.startOnce.Do(func() {
		// An empty Run boots the browser process without opening a page.
		if err := chromedp.Run(p.browserCtx); err != nil {
			p.startErr = fmt.Errorf("start browser: %w", err)
		}
	})
	return p.startErr
}

// Visit navigates to url in a fresh tab under the given session and
// returns the rendered DOM. Rendering errors are returned as-is so the
// caller can decide between retry and session rotation.
func (p *Pool) Visit(ctx context.Context, url string, session *pipeline.Session) (pipeline.PageState, error) {
	if err := p.start(); err != nil {
		return pipeline.PageState{}, err
	}
	if err := p.acquire(ctx); err != nil {
		return pipeline.PageState{}, err
	}
	defer p.release()

	tabCtx, tabCancel := chromedp.NewContext(p.browserCtx)
	defer tabCancel()

	tabCtx, cancel := context.WithTimeout(tabCtx, p.cfg.NavigationTimeout)
	defer cancel()

	meta := newResponseMeta()
	chromedp.ListenTarget(tabCtx, meta.captureEvent)

	var (
		html     string
		finalURL string
	)
	actions := []chromedp.Action{
		p.sessionSetupAction(session),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(tabCtx, actions...); err != nil {
		return pipeline.PageState{}, fmt.Errorf("chromedp run: %w", err)
	}

	status, responseURL := meta.snapshotWithFallbacks(url, finalURL)
	return pipeline.PageState{
		URL:        url,
		FinalURL:   responseURL,
		StatusCode: status,
		HTML:       html,
	}, nil
}

// sessionSetupAction enables the network domain, overrides the
// user-agent, and swaps the browser's cookie jar for the session's.
// Cookies are profile-wide in Chrome, so the jar is cleared before
// installing to keep visits under different sessions from bleeding
// into each other.
func (p *Pool) sessionSetupAction(session *pipeline.Session) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if p.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(p.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if err := network.ClearBrowserCookies().Do(ctx); err != nil {
			return fmt.Errorf("clear cookies: %w", err)
		}
		if session == nil {
			return nil
		}
		for _, c := range session.Cookies {
			if err := setCookieAction(c).Do(ctx); err != nil {
				return fmt.Errorf("set cookie %q: %w", c.Name, err)
			}
		}
		return nil
	})
}

func setCookieAction(c pipeline.Cookie) *network.SetCookieParams {
	params := network.SetCookie(c.Name, c.Value).
		WithDomain(c.Domain).
		WithPath(c.Path).
		WithSecure(c.Secure).
		WithHTTPOnly(c.HTTPOnly)
	if ss, ok := toCDPSameSite(c.SameSite); ok {
		params = params.WithSameSite(ss)
	}
	return params
}

func toCDPSameSite(v string) (network.CookieSameSite, bool) {
	switch v {
	case pipeline.SameSiteStrict:
		return network.CookieSameSiteStrict, true
	case pipeline.SameSiteLax:
		return network.CookieSameSiteLax, true
	case pipeline.SameSiteNone:
		return network.CookieSameSiteNone, true
	default:
		return "", false
	}
}

func (p *Pool) acquire(ctx context.Context) error {
	if p.limiter == nil {
		return nil
	}
	select {
	case p.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("tab slot wait canceled: %w", ctx.Err())
	}
}

func (p *Pool) release() {
	if p.limiter == nil {
		return
	}
	select {
	case <-p.limiter:
	default:
	}
}

type responseMeta struct {
	mu     sync.RWMutex
	status int
	url    string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, string) {
	m.mu.RLock()
	status, url := m.status, m.url
	m.mu.RUnlock()

	switch {
	case finalURL != "":
		// Location reflects client-side redirects the network event
		// for the first document load does not.
		url = finalURL
	case url != "":
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, url
}
