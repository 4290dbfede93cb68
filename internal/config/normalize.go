package config

import (
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/feedcache/internal/cache"
	"github.com/JakeFAU/feedcache/internal/feed"
	"github.com/JakeFAU/feedcache/internal/headlines"
	"github.com/JakeFAU/feedcache/internal/llm"
	"github.com/JakeFAU/feedcache/internal/scrape"
)

const (
	defaultHeadlineTTL             = 6 * time.Hour
	defaultMatchThreshold          = 0.6
	defaultMinArticleChars         = 300
	defaultMaxArticleChars         = 28000
	defaultIngestInterval          = 15 * time.Minute
	defaultHeadlineIntervalMinutes = 120
	defaultHeadlineStartupDelayMS  = 10000
	defaultMinRefresh              = time.Minute
	defaultRequestTimeout          = 60 * time.Second
	defaultNotifyCapacity          = 1024
	defaultLogLevel                = "info"
)

type number interface {
	~int | ~int64 | ~float64
}

// normalizer resets out of range values and remembers which keys it touched.
type normalizer struct {
	logger  *zap.Logger
	changed []string
}

func (n *normalizer) reset(key string, value, def any) {
	n.logger.Warn("invalid config value, using default",
		zap.String("key", key),
		zap.Any("value", value),
		zap.Any("default", def))
	n.changed = append(n.changed, key)
}

func positive[T number](n *normalizer, key string, v *T, def T) {
	if *v <= 0 {
		n.reset(key, *v, def)
		*v = def
	}
}

func nonNegative[T number](n *normalizer, key string, v *T, def T) {
	if *v < 0 {
		n.reset(key, *v, def)
		*v = def
	}
}

func nonEmpty(n *normalizer, key string, v *string, def string) {
	if strings.TrimSpace(*v) == "" {
		n.reset(key, *v, def)
		*v = def
	}
}

// Normalize clamps invalid tunables to their defaults, logging a warning for
// each, and returns the keys it changed. It never fails.
func (c *Config) Normalize(logger *zap.Logger) []string {
	if logger == nil {
		logger = zap.NewNop()
	}
	n := &normalizer{logger: logger.Named("config")}
	for _, u := range c.unparsable {
		n.reset(u.key, u.value, u.def)
	}
	c.unparsable = nil

	fetch := feed.DefaultConfig()
	nonEmpty(n, "fetch.user_agent", &c.Fetch.UserAgent, fetch.UserAgent)
	positive(n, "fetch.timeout", &c.Fetch.Timeout, fetch.Timeout)
	nonNegative(n, "fetch.max_retries", &c.Fetch.MaxRetries, fetch.MaxRetries)
	positive(n, "fetch.retry_base_delay", &c.Fetch.RetryBaseDelay, fetch.RetryBaseDelay)
	positive(n, "fetch.concurrency", &c.Fetch.Concurrency, fetch.Concurrency)
	positive(n, "fetch.max_description", &c.Fetch.MaxDescription, fetch.MaxDescription)
	positive(n, "fetch.max_body_bytes", &c.Fetch.MaxBodyBytes, fetch.MaxBodyBytes)
	nonNegative(n, "fetch.rate_limit.requests_per_second", &c.Fetch.RateLimit.RequestsPerSecond, 0)
	positive(n, "fetch.rate_limit.burst", &c.Fetch.RateLimit.Burst, 1)

	positive(n, "cache.items_per_page", &c.Cache.ItemsPerPage, cache.DefaultItemsPerPage)
	positive(n, "cache.max_per_source", &c.Cache.MaxPerSource, cache.DefaultMaxPerSource)
	nonNegative(n, "cache.headline_ttl", &c.Cache.HeadlineTTL, defaultHeadlineTTL)

	if c.Headlines.MatchThreshold <= 0 || c.Headlines.MatchThreshold >= 1 {
		n.reset("headlines.match_threshold", c.Headlines.MatchThreshold, defaultMatchThreshold)
		c.Headlines.MatchThreshold = defaultMatchThreshold
	}
	positive(n, "headlines.min_article_chars", &c.Headlines.MinArticleChars, defaultMinArticleChars)
	positive(n, "headlines.max_article_chars", &c.Headlines.MaxArticleChars, defaultMaxArticleChars)
	if c.Headlines.MaxArticleChars < c.Headlines.MinArticleChars {
		n.reset("headlines.max_article_chars", c.Headlines.MaxArticleChars, defaultMaxArticleChars)
		c.Headlines.MinArticleChars = defaultMinArticleChars
		c.Headlines.MaxArticleChars = defaultMaxArticleChars
	}
	filter := headlines.DefaultFilterConfig()
	positive(n, "headlines.filter.max_candidates", &c.Headlines.Filter.MaxCandidates, filter.MaxCandidates)
	positive(n, "headlines.filter.min_last_segment", &c.Headlines.Filter.MinLastSegment, filter.MinLastSegment)
	positive(n, "headlines.filter.slug_min_words", &c.Headlines.Filter.SlugMinWords, filter.SlugMinWords)
	positive(n, "headlines.filter.min_numeric_id", &c.Headlines.Filter.MinNumericID, filter.MinNumericID)
	positive(n, "headlines.filter.deep_path_segments", &c.Headlines.Filter.DeepPathSegments, filter.DeepPathSegments)
	positive(n, "headlines.filter.deep_path_min_last_segment", &c.Headlines.Filter.DeepPathMinLastSegment, filter.DeepPathMinLastSegment)

	client := llm.DefaultConfig()
	nonEmpty(n, "llm.model", &c.LLM.Model, client.Model)
	nonEmpty(n, "llm.endpoint", &c.LLM.Endpoint, client.Endpoint)
	nonNegative(n, "llm.max_retries", &c.LLM.MaxRetries, client.MaxRetries)
	nonNegative(n, "llm.retry_delay_ms", &c.LLM.RetryDelayMS, int(client.RetryDelay.Milliseconds()))
	positive(n, "llm.timeout_ms", &c.LLM.TimeoutMS, int(client.Timeout.Milliseconds()))

	sc := scrape.DefaultConfig()
	switch strings.ToLower(strings.TrimSpace(c.Scrape.Mode)) {
	case scrape.ModeHeadless, scrape.ModeStatic, scrape.ModeAuto:
		c.Scrape.Mode = strings.ToLower(strings.TrimSpace(c.Scrape.Mode))
	default:
		n.reset("scrape.mode", c.Scrape.Mode, sc.Mode)
		c.Scrape.Mode = sc.Mode
	}
	positive(n, "scrape.max_tabs", &c.Scrape.MaxTabs, sc.MaxTabs)
	positive(n, "scrape.navigation_timeout", &c.Scrape.NavigationTimeout, sc.NavigationTimeout)
	nonNegative(n, "scrape.settle_delay", &c.Scrape.SettleDelay, sc.SettleDelay)
	positive(n, "scrape.static_timeout", &c.Scrape.StaticTimeout, sc.StaticTimeout)
	positive(n, "scrape.promote_below_bytes", &c.Scrape.PromoteBelowBytes, sc.PromoteBelowBytes)
	nonEmpty(n, "scrape.user_agent", &c.Scrape.UserAgent, sc.UserAgent)

	positive(n, "watcher.debounce", &c.Watcher.Debounce, 500*time.Millisecond)
	positive(n, "watcher.rescan_delay", &c.Watcher.RescanDelay, time.Second)
	positive(n, "watcher.rescan_interval", &c.Watcher.RescanInterval, 5*time.Minute)

	positive(n, "schedule.ingest_interval", &c.Schedule.IngestInterval, defaultIngestInterval)
	positive(n, "schedule.headline_interval_minutes", &c.Schedule.HeadlineIntervalMinutes, defaultHeadlineIntervalMinutes)
	nonNegative(n, "schedule.headline_startup_delay_ms", &c.Schedule.HeadlineStartupDelayMS, defaultHeadlineStartupDelayMS)
	nonNegative(n, "schedule.min_refresh", &c.Schedule.MinRefresh, defaultMinRefresh)

	positive(n, "server.request_timeout", &c.Server.RequestTimeout, defaultRequestTimeout)
	positive(n, "notify.capacity", &c.Notify.Capacity, defaultNotifyCapacity)

	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		n.reset("logging.level", c.Logging.Level, defaultLogLevel)
		c.Logging.Level = defaultLogLevel
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		n.reset("telemetry.sample_ratio", c.Telemetry.SampleRatio, 1.0)
		c.Telemetry.SampleRatio = 1
	}
	return n.changed
}
