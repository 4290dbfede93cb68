// Package scrape renders web pages and reduces them to markdown for the
// headline pipeline. Pages are rendered with headless Chrome and fall back
// to a static Colly fetch when the browser is unavailable.
package scrape

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/feedcache/internal/headlines"
	"github.com/JakeFAU/feedcache/internal/policy/ratelimit"
)

// Rendering modes.
const (
	ModeHeadless = "headless"
	ModeStatic   = "static"
	ModeAuto     = "auto"
)

var (
	// ErrDisabled is returned when scraping is switched off.
	ErrDisabled = fmt.Errorf("scrape: disabled: %w", headlines.ErrUnavailable)
	// ErrStatus is wrapped by StatusError.
	ErrStatus = errors.New("scrape: unexpected status")
)

var _ headlines.Scraper = (*Service)(nil)

// StatusError reports a non-2xx document response.
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("scrape %s: status %d", e.URL, e.Status)
}

// Unwrap lets errors.Is match ErrStatus.
func (e *StatusError) Unwrap() error { return ErrStatus }

// Config controls rendering.
type Config struct {
	Enabled bool `mapstructure:"enabled"`
	// Mode is headless, static or auto. Auto fetches statically and renders
	// in the browser only when the document looks script driven.
	Mode              string        `mapstructure:"mode"`
	MaxTabs           int           `mapstructure:"max_tabs"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	SettleDelay       time.Duration `mapstructure:"settle_delay"`
	StaticTimeout     time.Duration `mapstructure:"static_timeout"`
	UserAgent         string        `mapstructure:"user_agent"`
	RespectRobots     bool          `mapstructure:"respect_robots"`
	PromoteBelowBytes int           `mapstructure:"promote_below_bytes"`
	ExecPath          string        `mapstructure:"exec_path"`
}

// DefaultUserAgent mimics a desktop browser.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		Mode:              ModeHeadless,
		MaxTabs:           2,
		NavigationTimeout: 30 * time.Second,
		SettleDelay:       3 * time.Second,
		StaticTimeout:     15 * time.Second,
		UserAgent:         DefaultUserAgent,
		PromoteBelowBytes: defaultPromoteBelow,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	switch strings.ToLower(strings.TrimSpace(c.Mode)) {
	case ModeHeadless, ModeStatic, ModeAuto:
		c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	default:
		c.Mode = d.Mode
	}
	if c.MaxTabs <= 0 {
		c.MaxTabs = d.MaxTabs
	}
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = d.NavigationTimeout
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = d.SettleDelay
	}
	if c.StaticTimeout <= 0 {
		c.StaticTimeout = d.StaticTimeout
	}
	if c.UserAgent == "" {
		c.UserAgent = d.UserAgent
	}
	if c.PromoteBelowBytes <= 0 {
		c.PromoteBelowBytes = d.PromoteBelowBytes
	}
	return c
}

// Page is a fetched or rendered document.
type Page struct {
	URL      string
	Status   int
	HTML     string
	Headless bool
}

// Renderer loads one page.
type Renderer interface {
	Render(ctx context.Context, pageURL string) (Page, error)
}

// Service implements headlines.Scraper on top of a browser renderer and a
// static renderer.
type Service struct {
	cfg      Config
	browser  Renderer
	static   Renderer
	limiter  *ratelimit.Limiter
	detector *Detector
	logger   *zap.Logger
}

// NewService wires a Service. Either renderer may be nil.
func NewService(cfg Config, browser, static Renderer, limiter *ratelimit.Limiter, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Service{
		cfg:      cfg,
		browser:  browser,
		static:   static,
		limiter:  limiter,
		detector: NewDetector(cfg.PromoteBelowBytes),
		logger:   logger.Named("scrape"),
	}
}

// Configured reports whether Scrape can do anything.
func (s *Service) Configured() bool {
	return s != nil && s.cfg.Enabled && (s.browser != nil || s.static != nil)
}

// Scrape loads pageURL and returns its main content as markdown. Pages that
// yield no content return an empty string and no error.
func (s *Service) Scrape(ctx context.Context, pageURL string) (string, error) {
	if !s.Configured() {
		return "", ErrDisabled
	}
	if strings.TrimSpace(pageURL) == "" {
		s.logger.Warn("skipping scrape of empty url")
		return "", nil
	}
	if err := s.limiter.Wait(ctx, pageURL); err != nil {
		return "", err
	}

	start := time.Now()
	page, err := s.load(ctx, pageURL)
	if err != nil {
		return "", err
	}
	if page.Status != 0 && (page.Status < 200 || page.Status >= 300) {
		return "", &StatusError{URL: pageURL, Status: page.Status}
	}
	markdown, err := Markdown(page.HTML, page.URL)
	if err != nil {
		return "", fmt.Errorf("scrape %s: %w", pageURL, err)
	}
	s.logger.Info("page scraped",
		zap.String("url", pageURL),
		zap.Bool("headless", page.Headless),
		zap.Int("chars", len(markdown)),
		zap.Duration("took", time.Since(start)))
	return markdown, nil
}

func (s *Service) load(ctx context.Context, pageURL string) (Page, error) {
	switch {
	case s.cfg.Mode == ModeStatic || s.browser == nil:
		return s.render(ctx, s.static, pageURL)
	case s.cfg.Mode == ModeAuto && s.static != nil:
		page, err := s.render(ctx, s.static, pageURL)
		if err == nil && !s.detector.ShouldPromote(page) {
			return page, nil
		}
		if err != nil {
			s.logger.Debug("static fetch failed, trying browser", zap.String("url", pageURL), zap.Error(err))
		}
		return s.render(ctx, s.browser, pageURL)
	}

	page, err := s.render(ctx, s.browser, pageURL)
	if err == nil || s.static == nil || ctx.Err() != nil {
		return page, err
	}
	s.logger.Warn("browser render failed, falling back to static fetch", zap.String("url", pageURL), zap.Error(err))
	return s.render(ctx, s.static, pageURL)
}

func (s *Service) render(ctx context.Context, r Renderer, pageURL string) (Page, error) {
	if r == nil {
		return Page{}, ErrDisabled
	}
	page, err := r.Render(ctx, pageURL)
	if err != nil {
		return Page{}, err
	}
	if page.URL == "" {
		page.URL = pageURL
	}
	return page, nil
}
