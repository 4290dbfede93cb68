package scrape

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// Chromedp renders pages in headless Chrome. Each Render opens a tab; the
// number of concurrent tabs is bounded by MaxTabs.
type Chromedp struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp creates the browser renderer. The browser process starts
// lazily on the first Render.
func NewChromedp(cfg Config) (*Chromedp, error) {
	if cfg.MaxTabs < 0 {
		return nil, errors.New("max tabs must be >= 0")
	}
	cfg = cfg.withDefaults()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.WindowSize(1920, 1080),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Chromedp{
		cfg:         cfg,
		limiter:     make(chan struct{}, cfg.MaxTabs),
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator, which shuts the browser down.
func (c *Chromedp) Close() {
	c.allocCancel()
}

// Render navigates to pageURL, waits for the document to settle and returns
// the rendered HTML.
func (c *Chromedp) Render(ctx context.Context, pageURL string) (Page, error) {
	if err := c.acquire(ctx); err != nil {
		return Page{}, err
	}
	defer c.release()

	taskCtx, taskCancel := chromedp.NewContext(c.allocator)
	defer taskCancel()
	// Tie the tab to the caller as well as to the allocator.
	stop := context.AfterFunc(ctx, taskCancel)
	defer stop()

	taskCtx, cancel := context.WithTimeout(taskCtx, c.cfg.NavigationTimeout+c.cfg.SettleDelay)
	defer cancel()

	meta := &responseMeta{}
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	var html, finalURL string
	actions := []chromedp.Action{
		c.networkSetupAction(),
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(c.cfg.SettleDelay),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return Page{}, fmt.Errorf("render %s: %w", pageURL, err)
	}

	status, responseURL := meta.snapshotWithFallbacks(pageURL, finalURL)
	return Page{URL: responseURL, Status: status, HTML: html, Headless: true}, nil
}

func (c *Chromedp) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if c.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(c.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (c *Chromedp) acquire(ctx context.Context) error {
	select {
	case c.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser tab wait canceled: %w", ctx.Err())
	}
}

func (c *Chromedp) release() {
	select {
	case <-c.limiter:
	default:
	}
}

// responseMeta records the main document response of a tab.
type responseMeta struct {
	mu     sync.RWMutex
	status int
	url    string
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	// The first document response is the navigation; later ones are frames.
	if m.status == 0 {
		m.status = int(event.Response.Status)
		m.url = event.Response.URL
	}
	m.mu.Unlock()
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, string) {
	m.mu.RLock()
	status, url := m.status, m.url
	m.mu.RUnlock()
	switch {
	case finalURL != "":
		url = finalURL
	case url == "":
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, url
}
