// Package feed fetches RSS and Atom sources and normalizes their entries into
// cache items.
package feed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/feedcache/internal/cache"
	"github.com/JakeFAU/feedcache/internal/metrics"
	"github.com/JakeFAU/feedcache/internal/normalize"
	"github.com/JakeFAU/feedcache/internal/policy/ratelimit"
	"github.com/JakeFAU/feedcache/internal/sources"
)

const (
	// DefaultUserAgent identifies the fetcher to feed servers.
	DefaultUserAgent = "Mozilla/5.0 (compatible; feedcache/1.0; +https://github.com/JakeFAU/feedcache)"
	// AcceptHeader is sent with every feed request.
	AcceptHeader = "application/rss+xml, application/xml, text/xml, */*"

	defaultTimeout      = 15 * time.Second
	defaultMaxRetries   = 2
	defaultRetryBase    = 500 * time.Millisecond
	defaultConcurrency  = 6
	defaultMaxBodyBytes = 10 << 20
)

// Config tunes the fetch engine.
type Config struct {
	UserAgent      string
	Timeout        time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
	Concurrency    int
	MaxDescription int
	MaxBodyBytes   int64
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		UserAgent:      DefaultUserAgent,
		Timeout:        defaultTimeout,
		MaxRetries:     defaultMaxRetries,
		RetryBaseDelay: defaultRetryBase,
		Concurrency:    defaultConcurrency,
		MaxDescription: normalize.DefaultMaxDescription,
		MaxBodyBytes:   defaultMaxBodyBytes,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.UserAgent == "" {
		c.UserAgent = d.UserAgent
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = d.RetryBaseDelay
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.MaxDescription <= 3 {
		c.MaxDescription = d.MaxDescription
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = d.MaxBodyBytes
	}
	return c
}

// Result is the outcome of fetching one record.
type Result struct {
	Record   sources.Record
	Source   string
	Items    []cache.Item
	Attempts int
	Err      error
}

// Engine fetches feeds with bounded concurrency, retries and per-host rate
// limiting.
type Engine struct {
	client  *http.Client
	cfg     Config
	retry   *RetryPolicy
	limiter *ratelimit.Limiter
	logger  *zap.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// New builds an Engine. A nil client uses a default http.Client; a nil
// limiter disables rate limiting.
func New(cfg Config, client *http.Client, limiter *ratelimit.Limiter, logger *zap.Logger) *Engine {
	cfg = cfg.withDefaults()
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		client:  client,
		cfg:     cfg,
		retry:   NewRetryPolicy(cfg.MaxRetries, cfg.RetryBaseDelay),
		limiter: limiter,
		logger:  logger.Named("feed"),
		sleep:   sleepCtx,
	}
}

// FetchAll fetches every record that is not flagged no-rss. Results keep the
// order of the fetched records. Failures are reported per result and never
// stop the batch.
func (e *Engine) FetchAll(ctx context.Context, records []sources.Record) []Result {
	var todo []sources.Record
	for _, r := range records {
		if !r.Flags.NoRSS {
			todo = append(todo, r)
		}
	}
	results := make([]Result, len(todo))
	var g errgroup.Group
	g.SetLimit(e.cfg.Concurrency)
	for i, record := range todo {
		i, record := i, record
		g.Go(func() error {
			results[i] = e.Fetch(ctx, record)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// FetchBatch implements cache.Fetcher by flattening FetchAll.
func (e *Engine) FetchBatch(ctx context.Context, records []sources.Record) cache.Batch {
	results := e.FetchAll(ctx, records)
	batch := cache.Batch{Attempted: len(results)}
	for _, r := range results {
		if r.Err != nil {
			batch.Failed++
			continue
		}
		batch.Items = append(batch.Items, r.Items...)
	}
	return batch
}

// Fetch downloads and normalizes one record, retrying transient failures.
func (e *Engine) Fetch(ctx context.Context, record sources.Record) Result {
	start := time.Now()
	res := Result{Record: record}
	for attempt := 0; ; attempt++ {
		if err := e.limiter.Wait(ctx, record.URL); err != nil {
			res.Err = err
			break
		}
		res.Attempts++
		res.Source, res.Items, res.Err = e.attempt(ctx, record)
		if res.Err == nil || !e.retry.ShouldRetry(ctx, res.Err, attempt) {
			break
		}
		delay := e.retry.Backoff(attempt)
		e.logger.Debug("retrying feed",
			zap.String("url", record.URL),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(res.Err))
		if err := e.sleep(ctx, delay); err != nil {
			res.Err = fmt.Errorf("wait before retry: %w", err)
			break
		}
	}

	metrics.ObserveFetch(record.URL, outcome(res.Err), time.Since(start), len(res.Items))
	if res.Err != nil {
		res.Items = nil
		e.logger.Warn("feed skipped",
			zap.String("url", record.URL),
			zap.Int("attempts", res.Attempts),
			zap.Error(res.Err))
		return res
	}
	e.logger.Debug("feed fetched",
		zap.String("url", record.URL),
		zap.String("source", res.Source),
		zap.Int("items", len(res.Items)))
	return res
}

func (e *Engine) attempt(ctx context.Context, record sources.Record) (string, []cache.Item, error) {
	actx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(actx, http.MethodGet, record.URL, nil)
	if err != nil {
		return "", nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", e.cfg.UserAgent)
	req.Header.Set("Accept", AcceptHeader)

	resp, err := e.client.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return "", nil, &StatusError{Code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, e.cfg.MaxBodyBytes))
	if err != nil {
		return "", nil, fmt.Errorf("read body: %w", err)
	}
	dec := decodeBody(body, resp.Header.Get("Content-Type"))
	if !looksLikeFeed(dec.Text) {
		return "", nil, ErrNotFeed
	}
	doc, err := parseDocument(dec.Text)
	if err != nil {
		return "", nil, err
	}
	return sourceName(doc.title, record.URL), toItems(doc, record, e.cfg.MaxDescription), nil
}
