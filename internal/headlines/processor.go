package headlines

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/JakeFAU/feedcache/internal/cache"
	"github.com/JakeFAU/feedcache/internal/ident"
	"github.com/JakeFAU/feedcache/internal/keylock"
	"github.com/JakeFAU/feedcache/internal/links"
	"github.com/JakeFAU/feedcache/internal/metrics"
)

const (
	defaultMatchThreshold  = 0.6
	defaultMinArticleChars = 300
	defaultMaxArticleChars = 28000
)

// ProcessorConfig tunes merging and enrichment.
type ProcessorConfig struct {
	MaxPerSource    int
	MatchThreshold  float64
	MinArticleChars int
	MaxArticleChars int
	TargetLanguage  string
	Filter          FilterConfig
}

func (c ProcessorConfig) withDefaults() ProcessorConfig {
	if c.MaxPerSource <= 0 {
		c.MaxPerSource = cache.DefaultMaxPerSource
	}
	if c.MatchThreshold <= 0 || c.MatchThreshold >= 1 {
		c.MatchThreshold = defaultMatchThreshold
	}
	if c.MinArticleChars <= 0 {
		c.MinArticleChars = defaultMinArticleChars
	}
	if c.MaxArticleChars <= 0 {
		c.MaxArticleChars = defaultMaxArticleChars
	}
	c.Filter = c.Filter.withDefaults()
	return c
}

// Target is one (document, category) pair that declared a homepage with the
// headline flag.
type Target struct {
	User     string
	Category string
	Homepage string
	NewTab   bool
}

// Processor applies headline candidates to the cache files. Every write to a
// page goes through the shared key lock.
type Processor struct {
	store    *cache.Store
	locks    *keylock.Table
	scraper  Scraper
	rewriter Rewriter
	cfg      ProcessorConfig
	logger   *zap.Logger
}

// NewProcessor wires a Processor. scraper and rewriter may be nil, in which
// case Enrich does nothing.
func NewProcessor(store *cache.Store, locks *keylock.Table, scraper Scraper, rewriter Rewriter, cfg ProcessorConfig, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		store:    store,
		locks:    locks,
		scraper:  scraper,
		rewriter: rewriter,
		cfg:      cfg.withDefaults(),
		logger:   logger.Named("headlines"),
	}
}

// SourceName is the homepage hostname without a leading "www.".
func SourceName(homepage string) string {
	host := links.Hostname(homepage)
	if host == "" {
		return homepage
	}
	return strings.TrimPrefix(host, "www.")
}

// Merge matches candidates against the current page items and stores the
// result as the side-car entry of the target's homepage. Candidates that
// match no item become new items. An empty result removes the entry. It
// returns how many headlines were stored; a missing page stores nothing.
func (p *Processor) Merge(ctx context.Context, t Target, candidates []Candidate) (int, error) {
	user, category := ident.User(t.User), ident.Category(t.Category)
	if user == "" || category == "" {
		p.logger.Warn("merge skipped, invalid identifiers", zap.String("user", t.User), zap.String("category", t.Category))
		return 0, nil
	}
	source := SourceName(t.Homepage)
	merged := 0
	err := p.locks.WithLock(ctx, cache.LockKey(user, category), func(ctx context.Context) error {
		page, err := p.store.ReadPage(user, category)
		if errors.Is(err, cache.ErrNotFound) {
			p.logger.Info("no page to merge into", zap.String("user", user), zap.String("category", category))
			return nil
		}
		if err != nil {
			return err
		}

		items := p.match(page.Items, candidates, t, category, source)
		// A stale side-car must not resurrect old entries of other sources.
		current := p.store.FreshHeadlines(user, category)
		if len(items) == 0 {
			if _, ok := current.Get(source); !ok {
				p.logger.Debug("no headlines for source", zap.String("source", source))
				return nil
			}
			p.logger.Info("clearing headlines for source", zap.String("source", source),
				zap.String("user", user), zap.String("category", category))
			return p.store.WriteHeadlines(ctx, user, category, current.Delete(source))
		}
		merged = len(items)
		return p.store.WriteHeadlines(ctx, user, category, current.Set(source, items))
	})
	if err != nil {
		return 0, fmt.Errorf("merge headlines %s/%s: %w", user, category, err)
	}
	metrics.ObserveHeadlineCandidates("merged", merged)
	return merged, nil
}

func (p *Processor) match(pageItems []cache.Item, candidates []Candidate, t Target, category, source string) []cache.Item {
	used := map[string]struct{}{}
	var out []cache.Item
	for _, cand := range candidates {
		resolved := links.Resolve(cand.URL, t.Homepage)
		if cand.Title == "" || resolved == "" || !p.cfg.Filter.Valid(cand.Title, resolved) {
			continue
		}
		key := links.NormalizeForCompare(resolved)
		if _, dup := used[key]; dup {
			continue
		}

		var matched *cache.Item
		for i := range pageItems {
			it := &pageItems[i]
			if it.Link == resolved || links.NormalizeForCompare(it.Link) == key {
				matched = it
				break
			}
		}
		if matched == nil {
			for i := range pageItems {
				it := &pageItems[i]
				if _, taken := used[links.NormalizeForCompare(it.Link)]; taken {
					continue
				}
				if TitleSimilarity(it.Title, cand.Title) >= p.cfg.MatchThreshold {
					matched = it
					break
				}
			}
		}

		var item cache.Item
		if matched != nil {
			item = *matched
			item.Category = append([]string{}, matched.Category...)
			key = links.NormalizeForCompare(matched.Link)
		} else {
			item = cache.Item{
				Title:        cand.Title,
				Link:         resolved,
				Description:  cand.Description,
				PubDate:      p.store.Now().UTC().Format(time.RFC3339Nano),
				Category:     []string{},
				FeedCategory: category,
				Source:       source,
				SourceURL:    t.Homepage,
			}
			metrics.ObserveHeadlineCandidates("synthesized", 1)
		}
		if t.NewTab {
			item.Flag = true
		}
		item.Headline = true
		item.HeadlineSource = source
		out = append(out, item)
		used[key] = struct{}{}
	}
	return out
}

// Finalize rebuilds the page from its non-headline items and the fresh
// side-car: headlines first, interleaved across sources, then the remaining
// RSS items. It returns the number of headlines placed.
func (p *Processor) Finalize(ctx context.Context, user, category string) (int, error) {
	user, category = ident.User(user), ident.Category(category)
	if user == "" || category == "" {
		return 0, nil
	}
	placed := 0
	err := p.locks.WithLock(ctx, cache.LockKey(user, category), func(ctx context.Context) error {
		page, err := p.store.ReadPage(user, category)
		if errors.Is(err, cache.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		sources := p.store.FreshHeadlines(user, category)
		base := cache.BaseItems(page.Items)
		if len(sources) == 0 {
			page.SetItems(base)
		} else {
			page.SetItems(cache.Compose(sources, base, p.cfg.MaxPerSource))
		}
		placed = page.HeadlineCount()
		return p.store.WritePage(ctx, user, page)
	})
	if err != nil {
		return 0, fmt.Errorf("finalize headlines %s/%s: %w", user, category, err)
	}
	return placed, nil
}

type enriched struct {
	content     string
	description string
}

// Enrichments remembers article rewrites by normalized link for the length
// of one run, so a headline placed in several categories or for several
// users is scraped and rewritten once. It is not safe for concurrent use.
type Enrichments struct {
	results     map[string]enriched
	tried       map[string]bool
	unavailable bool
}

// NewEnrichments returns an empty run-scoped enrichment cache.
func NewEnrichments() *Enrichments {
	return &Enrichments{results: map[string]enriched{}, tried: map[string]bool{}}
}

// Len returns how many articles have been enriched so far.
func (e *Enrichments) Len() int {
	return len(e.results)
}

// Enrich fills every headline of the page that has no full content yet,
// reusing the rewrites already held in seen and scraping the rest. Scraping
// and rewriting happen outside the lock; the results are applied to the page
// and the side-car under it. A nil seen enriches the page on its own. It
// returns how many distinct articles were applied to this category.
func (p *Processor) Enrich(ctx context.Context, user, category string, seen *Enrichments) (int, error) {
	user, category = ident.User(user), ident.Category(category)
	if user == "" || category == "" || p.scraper == nil || !isConfigured(p.rewriter) {
		return 0, nil
	}
	if seen == nil {
		seen = NewEnrichments()
	}
	page, err := p.store.ReadPage(user, category)
	if errors.Is(err, cache.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("enrich headlines %s/%s: %w", user, category, err)
	}

	results := map[string]enriched{}
	for _, it := range page.Items {
		if !it.Headline || it.FullContent != "" || strings.TrimSpace(it.Link) == "" {
			continue
		}
		key := links.NormalizeForCompare(it.Link)
		if _, done := results[key]; done {
			continue
		}
		if res, ok := seen.results[key]; ok {
			results[key] = res
			continue
		}
		if seen.tried[key] || seen.unavailable || ctx.Err() != nil {
			continue
		}
		seen.tried[key] = true
		res, err := p.enrichOne(ctx, it)
		if err != nil {
			p.logger.Warn("enrich article failed", zap.String("link", it.Link), zap.Error(err))
			if errors.Is(err, ErrUnavailable) {
				seen.unavailable = true
			}
			continue
		}
		if res.content == "" {
			continue
		}
		seen.results[key] = res
		results[key] = res
	}
	if len(results) == 0 {
		return 0, nil
	}

	err = p.locks.WithLock(ctx, cache.LockKey(user, category), func(ctx context.Context) error {
		return p.apply(ctx, user, category, results)
	})
	if err != nil {
		return 0, fmt.Errorf("enrich headlines %s/%s: %w", user, category, err)
	}
	return len(results), nil
}

func (p *Processor) enrichOne(ctx context.Context, it cache.Item) (enriched, error) {
	markdown, err := p.scraper.Scrape(ctx, it.Link)
	if err != nil {
		return enriched{}, fmt.Errorf("scrape article: %w", err)
	}
	if utf8.RuneCountInString(markdown) < p.cfg.MinArticleChars {
		p.logger.Debug("article too short", zap.String("link", it.Link), zap.Int("chars", len(markdown)))
		return enriched{}, nil
	}
	if runes := []rune(markdown); len(runes) > p.cfg.MaxArticleChars {
		markdown = string(runes[:p.cfg.MaxArticleChars])
	}
	raw, err := p.rewriter.RewriteArticle(ctx, it.Title, markdown, p.cfg.TargetLanguage)
	if err != nil {
		return enriched{}, fmt.Errorf("rewrite article: %w", err)
	}
	content := NormalizeArticleText(raw)
	if content == "" {
		return enriched{}, nil
	}
	return enriched{content: content, description: DescriptionFromContent(content)}, nil
}

// apply re-reads both files so concurrent rebuilds are not overwritten.
func (p *Processor) apply(ctx context.Context, user, category string, results map[string]enriched) error {
	page, err := p.store.ReadPage(user, category)
	if errors.Is(err, cache.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if fill(page.Items, results) > 0 {
		if err := p.store.WritePage(ctx, user, page); err != nil {
			return err
		}
	}

	doc := p.store.ReadHeadlines(user, category)
	updated := 0
	for i := range doc.Sources {
		updated += fill(doc.Sources[i].Items, results)
	}
	if updated == 0 {
		return nil
	}
	return p.store.WriteHeadlines(ctx, user, category, doc.Sources)
}

func fill(items []cache.Item, results map[string]enriched) int {
	n := 0
	for i := range items {
		res, ok := results[links.NormalizeForCompare(items[i].Link)]
		if !ok {
			continue
		}
		items[i].FullContent = res.content
		if res.description != "" {
			items[i].Description = res.description
		}
		n++
	}
	return n
}
