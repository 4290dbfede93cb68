// Package config loads and validates feedcache configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/feedcache/internal/cache"
	"github.com/JakeFAU/feedcache/internal/feed"
	"github.com/JakeFAU/feedcache/internal/headlines"
	"github.com/JakeFAU/feedcache/internal/ingest"
	"github.com/JakeFAU/feedcache/internal/llm"
	"github.com/JakeFAU/feedcache/internal/policy/ratelimit"
	"github.com/JakeFAU/feedcache/internal/scrape"
	"github.com/JakeFAU/feedcache/internal/telemetry"
	"github.com/JakeFAU/feedcache/internal/watcher"
)

// EnvPrefix prefixes every automatically bound environment variable.
const EnvPrefix = "FEEDCACHE"

// Mirror and notify backends.
const (
	BackendNone   = "none"
	BackendLocal  = "local"
	BackendGCS    = "gcs"
	BackendMemory = "memory"
	BackendPubSub = "pubsub"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Paths     PathsConfig      `mapstructure:"paths"`
	Fetch     FetchConfig      `mapstructure:"fetch"`
	Cache     CacheConfig      `mapstructure:"cache"`
	Headlines HeadlinesConfig  `mapstructure:"headlines"`
	LLM       LLMConfig        `mapstructure:"llm"`
	Scrape    scrape.Config    `mapstructure:"scrape"`
	Watcher   WatcherConfig    `mapstructure:"watcher"`
	Schedule  ScheduleConfig   `mapstructure:"schedule"`
	Server    ServerConfig     `mapstructure:"server"`
	Storage   StorageConfig    `mapstructure:"storage"`
	Notify    NotifyConfig     `mapstructure:"notify"`
	Logging   LoggingConfig    `mapstructure:"logging"`
	Telemetry telemetry.Config `mapstructure:"telemetry"`

	unparsable []unparsable
}

// PathsConfig locates the source documents and the generated pages.
type PathsConfig struct {
	FeedsDir string `mapstructure:"feeds_dir"`
	PagesDir string `mapstructure:"pages_dir"`
}

// FetchConfig controls feed downloads.
type FetchConfig struct {
	UserAgent      string           `mapstructure:"user_agent"`
	Timeout        time.Duration    `mapstructure:"timeout"`
	MaxRetries     int              `mapstructure:"max_retries"`
	RetryBaseDelay time.Duration    `mapstructure:"retry_base_delay"`
	Concurrency    int              `mapstructure:"concurrency"`
	MaxDescription int              `mapstructure:"max_description"`
	MaxBodyBytes   int64            `mapstructure:"max_body_bytes"`
	RateLimit      ratelimit.Config `mapstructure:"rate_limit"`
}

// CacheConfig shapes the page files.
type CacheConfig struct {
	ItemsPerPage int           `mapstructure:"items_per_page"`
	MaxPerSource int           `mapstructure:"max_per_source"`
	HeadlineTTL  time.Duration `mapstructure:"headline_ttl"`
}

// HeadlinesConfig tunes the headline plugin.
type HeadlinesConfig struct {
	Enabled         bool                   `mapstructure:"enabled"`
	MatchThreshold  float64                `mapstructure:"match_threshold"`
	MinArticleChars int                    `mapstructure:"min_article_chars"`
	MaxArticleChars int                    `mapstructure:"max_article_chars"`
	TargetLanguage  string                 `mapstructure:"target_language"`
	Filter          headlines.FilterConfig `mapstructure:"filter"`
}

// LLMConfig configures the OpenRouter client. Delays are in milliseconds to
// match the OPENROUTER_* environment variables.
type LLMConfig struct {
	APIKey         string   `mapstructure:"api_key"`
	Model          string   `mapstructure:"model"`
	FallbackModels []string `mapstructure:"fallback_models"`
	MaxRetries     int      `mapstructure:"max_retries"`
	RetryDelayMS   int      `mapstructure:"retry_delay_ms"`
	TimeoutMS      int      `mapstructure:"timeout_ms"`
	Endpoint       string   `mapstructure:"endpoint"`
}

// WatcherConfig tunes change detection on the feeds directory.
type WatcherConfig struct {
	Debounce       time.Duration `mapstructure:"debounce"`
	RescanDelay    time.Duration `mapstructure:"rescan_delay"`
	RescanInterval time.Duration `mapstructure:"rescan_interval"`
}

// ScheduleConfig drives the background loops of the serve command.
type ScheduleConfig struct {
	Watch                   bool          `mapstructure:"watch"`
	IngestInterval          time.Duration `mapstructure:"ingest_interval"`
	HeadlineIntervalMinutes int           `mapstructure:"headline_interval_minutes"`
	HeadlineStartupDelayMS  int           `mapstructure:"headline_startup_delay_ms"`
	MinRefresh              time.Duration `mapstructure:"min_refresh"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Port           int           `mapstructure:"port"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// StorageConfig selects where written cache files are mirrored.
type StorageConfig struct {
	Mirror       string `mapstructure:"mirror"`
	LocalDir     string `mapstructure:"local_dir"`
	GCSBucket    string `mapstructure:"gcs_bucket"`
	Prefix       string `mapstructure:"prefix"`
	CacheControl string `mapstructure:"cache_control"`
}

// NotifyConfig selects where cache update events are published.
type NotifyConfig struct {
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
	Capacity  int    `mapstructure:"capacity"`
}

// LoggingConfig toggles zap development features and file output.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
	Compress    bool   `mapstructure:"compress"`
}

// envAliases keeps the variable names operators already export.
var envAliases = map[string][]string{
	"llm.api_key":                        {"HEADLINES_OPENROUTER_API_KEY", "OPENROUTER_API_KEY"},
	"llm.model":                          {"OPENROUTER_MODEL"},
	"llm.fallback_models":                {"OPENROUTER_FALLBACK_MODELS"},
	"llm.max_retries":                    {"OPENROUTER_MAX_RETRIES"},
	"llm.retry_delay_ms":                 {"OPENROUTER_RETRY_DELAY_MS"},
	"llm.timeout_ms":                     {"OPENROUTER_TIMEOUT_MS"},
	"headlines.target_language":          {"TRANSLATION_TARGET_LANG"},
	"schedule.headline_interval_minutes": {"HEADLINES_INTERVAL_MINUTES"},
	"schedule.headline_startup_delay_ms": {"HEADLINES_STARTUP_DELAY_MS"},
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, names := range envAliases {
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	defaults := viper.New()
	setDefaults(defaults)
	coerced := coerceScalars(v, defaults)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.unparsable = coerced

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	fetch := feed.DefaultConfig()
	v.SetDefault("paths.feeds_dir", "feeds")
	v.SetDefault("paths.pages_dir", "pages")

	v.SetDefault("fetch.user_agent", fetch.UserAgent)
	v.SetDefault("fetch.timeout", fetch.Timeout)
	v.SetDefault("fetch.max_retries", fetch.MaxRetries)
	v.SetDefault("fetch.retry_base_delay", fetch.RetryBaseDelay)
	v.SetDefault("fetch.concurrency", fetch.Concurrency)
	v.SetDefault("fetch.max_description", fetch.MaxDescription)
	v.SetDefault("fetch.max_body_bytes", fetch.MaxBodyBytes)
	v.SetDefault("fetch.rate_limit.requests_per_second", 2.0)
	v.SetDefault("fetch.rate_limit.burst", 4)

	v.SetDefault("cache.items_per_page", cache.DefaultItemsPerPage)
	v.SetDefault("cache.max_per_source", cache.DefaultMaxPerSource)
	v.SetDefault("cache.headline_ttl", defaultHeadlineTTL)

	filter := headlines.DefaultFilterConfig()
	v.SetDefault("headlines.enabled", true)
	v.SetDefault("headlines.match_threshold", defaultMatchThreshold)
	v.SetDefault("headlines.min_article_chars", defaultMinArticleChars)
	v.SetDefault("headlines.max_article_chars", defaultMaxArticleChars)
	v.SetDefault("headlines.target_language", "")
	v.SetDefault("headlines.filter.max_candidates", filter.MaxCandidates)
	v.SetDefault("headlines.filter.min_last_segment", filter.MinLastSegment)
	v.SetDefault("headlines.filter.slug_min_words", filter.SlugMinWords)
	v.SetDefault("headlines.filter.min_numeric_id", filter.MinNumericID)
	v.SetDefault("headlines.filter.deep_path_segments", filter.DeepPathSegments)
	v.SetDefault("headlines.filter.deep_path_min_last_segment", filter.DeepPathMinLastSegment)

	client := llm.DefaultConfig()
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", client.Model)
	v.SetDefault("llm.fallback_models", []string{})
	v.SetDefault("llm.max_retries", client.MaxRetries)
	v.SetDefault("llm.retry_delay_ms", client.RetryDelay.Milliseconds())
	v.SetDefault("llm.timeout_ms", client.Timeout.Milliseconds())
	v.SetDefault("llm.endpoint", client.Endpoint)

	sc := scrape.DefaultConfig()
	v.SetDefault("scrape.enabled", sc.Enabled)
	v.SetDefault("scrape.mode", sc.Mode)
	v.SetDefault("scrape.max_tabs", sc.MaxTabs)
	v.SetDefault("scrape.navigation_timeout", sc.NavigationTimeout)
	v.SetDefault("scrape.settle_delay", sc.SettleDelay)
	v.SetDefault("scrape.static_timeout", sc.StaticTimeout)
	v.SetDefault("scrape.user_agent", sc.UserAgent)
	v.SetDefault("scrape.respect_robots", sc.RespectRobots)
	v.SetDefault("scrape.promote_below_bytes", sc.PromoteBelowBytes)
	v.SetDefault("scrape.exec_path", "")

	v.SetDefault("watcher.debounce", 500*time.Millisecond)
	v.SetDefault("watcher.rescan_delay", time.Second)
	v.SetDefault("watcher.rescan_interval", 5*time.Minute)

	v.SetDefault("schedule.watch", true)
	v.SetDefault("schedule.ingest_interval", defaultIngestInterval)
	v.SetDefault("schedule.headline_interval_minutes", defaultHeadlineIntervalMinutes)
	v.SetDefault("schedule.headline_startup_delay_ms", defaultHeadlineStartupDelayMS)
	v.SetDefault("schedule.min_refresh", defaultMinRefresh)

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.request_timeout", 60*time.Second)

	v.SetDefault("storage.mirror", BackendNone)
	v.SetDefault("storage.local_dir", "")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.prefix", "pages")
	v.SetDefault("storage.cache_control", "no-cache, max-age=0")

	v.SetDefault("notify.backend", BackendNone)
	v.SetDefault("notify.project_id", "")
	v.SetDefault("notify.topic", "feedcache-updates")
	v.SetDefault("notify.capacity", 1024)

	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 28)
	v.SetDefault("logging.compress", true)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "feedcache")
	v.SetDefault("telemetry.version", "dev")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces structural requirements. Out of range tunables are
// handled by Normalize instead.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Paths.FeedsDir) == "" {
		return fmt.Errorf("paths.feeds_dir must be set")
	}
	if strings.TrimSpace(c.Paths.PagesDir) == "" {
		return fmt.Errorf("paths.pages_dir must be set")
	}
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	switch c.Storage.Mirror {
	case "", BackendNone:
	case BackendLocal:
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set when storage.mirror is %q", BackendLocal)
		}
	case BackendGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set when storage.mirror is %q", BackendGCS)
		}
	default:
		return fmt.Errorf("storage.mirror %q is not one of none, local, gcs", c.Storage.Mirror)
	}
	switch c.Notify.Backend {
	case "", BackendNone, BackendMemory:
	case BackendPubSub:
		if c.Notify.ProjectID == "" || c.Notify.Topic == "" {
			return fmt.Errorf("notify.project_id and notify.topic must be set when notify.backend is %q", BackendPubSub)
		}
	default:
		return fmt.Errorf("notify.backend %q is not one of none, memory, pubsub", c.Notify.Backend)
	}
	return nil
}

// Engine converts the fetch section into feed.Config.
func (f FetchConfig) Engine() feed.Config {
	return feed.Config{
		UserAgent:      f.UserAgent,
		Timeout:        f.Timeout,
		MaxRetries:     f.MaxRetries,
		RetryBaseDelay: f.RetryBaseDelay,
		Concurrency:    f.Concurrency,
		MaxDescription: f.MaxDescription,
		MaxBodyBytes:   f.MaxBodyBytes,
	}
}

// Builder converts the cache section into cache.BuilderConfig.
func (c CacheConfig) Builder() cache.BuilderConfig {
	return cache.BuilderConfig{ItemsPerPage: c.ItemsPerPage, MaxPerSource: c.MaxPerSource}
}

// Processor converts the headline section into headlines.ProcessorConfig.
func (h HeadlinesConfig) Processor(maxPerSource int) headlines.ProcessorConfig {
	return headlines.ProcessorConfig{
		MaxPerSource:    maxPerSource,
		MatchThreshold:  h.MatchThreshold,
		MinArticleChars: h.MinArticleChars,
		MaxArticleChars: h.MaxArticleChars,
		TargetLanguage:  h.TargetLanguage,
		Filter:          h.Filter,
	}
}

// Client converts the llm section into llm.Config.
func (l LLMConfig) Client() llm.Config {
	return llm.Config{
		APIKey:         strings.TrimSpace(l.APIKey),
		Model:          l.Model,
		FallbackModels: l.FallbackModels,
		MaxRetries:     l.MaxRetries,
		RetryDelay:     time.Duration(l.RetryDelayMS) * time.Millisecond,
		Timeout:        time.Duration(l.TimeoutMS) * time.Millisecond,
		Endpoint:       l.Endpoint,
	}
}

// Options converts the watcher section into watcher.Options.
func (w WatcherConfig) Options() watcher.Options {
	return watcher.Options{
		Debounce:       w.Debounce,
		RescanDelay:    w.RescanDelay,
		RescanInterval: w.RescanInterval,
	}
}

// Ingest converts the schedule section into ingest.Schedule.
func (s ScheduleConfig) Ingest(headlinesEnabled bool) ingest.Schedule {
	return ingest.Schedule{
		Watch:            s.Watch,
		IngestInterval:   s.IngestInterval,
		Headlines:        headlinesEnabled,
		HeadlineInterval: time.Duration(s.HeadlineIntervalMinutes) * time.Minute,
		HeadlineDelay:    time.Duration(s.HeadlineStartupDelayMS) * time.Millisecond,
		MinRefresh:       s.MinRefresh,
	}
}

// Addr returns the listen address for the HTTP server.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf(":%d", s.Port)
}
