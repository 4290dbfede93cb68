package scrape

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
)

const maxStaticBody = 10 << 20

// Colly fetches pages without running scripts.
type Colly struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// NewColly builds the static renderer. A nil transport uses a pooled
// default. With RespectRobots set, robots.txt lookups that time out are
// retried and then treated as allow-all.
func NewColly(cfg Config, transport http.RoundTripper, logger *zap.Logger) *Colly {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	c := colly.NewCollector(colly.MaxBodySize(maxStaticBody))
	if transport == nil {
		transport = newHTTPTransport()
	}
	if cfg.RespectRobots {
		transport = newRobotsTransport(transport, logger.Named("scrape.robots"))
	}
	c.WithTransport(transport)
	return &Colly{cfg: cfg, baseCollector: c}
}

// Render performs one GET. Non-2xx answers are returned as pages so the
// caller can report the status.
func (f *Colly) Render(ctx context.Context, pageURL string) (Page, error) {
	var (
		page     Page
		fetchErr error
	)
	collector := f.baseCollector.Clone()
	collector.UserAgent = f.cfg.UserAgent
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	collector.ParseHTTPErrorResponse = true
	// Clones share the visited store; pages are scraped again every run.
	collector.AllowURLRevisit = true
	collector.SetRequestTimeout(f.cfg.StaticTimeout)
	configureHooks(collector, &page, &fetchErr)

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(pageURL)
	}()
	select {
	case <-ctx.Done():
		return Page{}, fmt.Errorf("static fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return Page{}, fmt.Errorf("static fetch %s: %w", pageURL, err)
		}
		if fetchErr != nil {
			return Page{}, fmt.Errorf("static fetch %s: %w", pageURL, fetchErr)
		}
		return page, nil
	}
}

func configureHooks(hooks collectorHooks, page *Page, fetchErr *error) {
	hooks.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")
		r.Headers.Set("Accept-Language", "pt-BR,pt;q=0.9,en;q=0.8")
	})
	hooks.OnResponse(func(r *colly.Response) {
		*page = Page{
			URL:    r.Request.URL.String(),
			Status: r.StatusCode,
			HTML:   string(r.Body),
		}
	})
	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			*page = Page{URL: r.Request.URL.String(), Status: r.StatusCode, HTML: string(r.Body)}
			return
		}
		*fetchErr = err
	})
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
