// Package probe implements the plain-HTTP fast path using gocolly.
// A probe fetches the page without executing JavaScript; when the
// static HTML already carries the contact address the scrape worker
// skips the headless browser entirely.
package probe

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/leadharbor/harvester/internal/pipeline"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Prober implements pipeline.Prober with a Colly collector.
type Prober struct {
	cfg           Config
	logger        *zap.Logger
	baseCollector *colly.Collector
}

// New builds a Prober sharing one pooled transport across probes.
func New(cfg Config, logger *zap.Logger) *Prober {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	c.WithTransport(newHTTPTransport())
	return &Prober{
		cfg:           cfg,
		logger:        logger,
		baseCollector: c,
	}
}

// Probe fetches url without a browser. The second return is false when
// the response cannot stand in for a rendered page (non-200 status),
// signalling the caller to fall through to headless.
func (p *Prober) Probe(ctx context.Context, url string) (pipeline.PageState, bool, error) {
	collector := p.baseCollector.Clone()
	if p.cfg.UserAgent != "" {
		collector.UserAgent = p.cfg.UserAgent
	}
	collector.SetRequestTimeout(p.cfg.Timeout)

	var (
		page     pipeline.PageState
		fetchErr error
	)
	collector.OnResponse(func(r *colly.Response) {
		page = pipeline.PageState{
			URL:        url,
			FinalURL:   r.Request.URL.String(),
			StatusCode: r.StatusCode,
			HTML:       string(r.Body),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			page.StatusCode = r.StatusCode
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return pipeline.PageState{}, false, fmt.Errorf("probe canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return pipeline.PageState{}, false, fmt.Errorf("probe visit failed: %w", err)
		}
		if fetchErr != nil {
			return pipeline.PageState{}, false, fmt.Errorf("probe response failed: %w", fetchErr)
		}
	}

	if page.StatusCode != http.StatusOK {
		p.logger.Debug("probe not usable",
			zap.String("url", url),
			zap.Int("status", page.StatusCode),
		)
		return page, false, nil
	}
	return page, true, nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
