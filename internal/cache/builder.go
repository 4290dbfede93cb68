package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/feedcache/internal/keylock"
	"github.com/JakeFAU/feedcache/internal/normalize"
	"github.com/JakeFAU/feedcache/internal/sources"
)

// Batch is the flattened outcome of fetching a document's feeds.
type Batch struct {
	Items     []Item
	Attempted int
	Failed    int
}

// Fetcher retrieves the items of a set of feed records. Failed sources
// contribute no items and are counted in Batch.Failed.
type Fetcher interface {
	FetchBatch(ctx context.Context, records []sources.Record) Batch
}

// BuilderConfig tunes the page layout.
type BuilderConfig struct {
	ItemsPerPage int
	MaxPerSource int
}

// Builder turns a parsed source document into category page files.
type Builder struct {
	fetcher Fetcher
	store   *Store
	locks   *keylock.Table
	cfg     BuilderConfig
	logger  *zap.Logger
}

// Report summarizes one document build.
type Report struct {
	User       string
	Items      int
	Categories []string
	Failed     int
	Skipped    bool
	Errors     map[string]error
}

// NewBuilder wires a Builder. locks must be shared with every other writer of
// the same pages directory.
func NewBuilder(fetcher Fetcher, store *Store, locks *keylock.Table, cfg BuilderConfig, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ItemsPerPage <= 0 {
		cfg.ItemsPerPage = DefaultItemsPerPage
	}
	if cfg.MaxPerSource <= 0 {
		cfg.MaxPerSource = DefaultMaxPerSource
	}
	return &Builder{
		fetcher: fetcher,
		store:   store,
		locks:   locks,
		cfg:     cfg,
		logger:  logger.Named("builder"),
	}
}

// LockKey is the key guarding one category's cache files.
func LockKey(user, category string) string {
	return "feed:" + user + ":" + category
}

// BuildFile loads and builds one source document from disk.
func (b *Builder) BuildFile(ctx context.Context, file sources.File) (Report, error) {
	doc, err := sources.LoadFile(file.Path)
	if err != nil {
		return Report{User: file.User}, err
	}
	for _, d := range doc.Diagnostics {
		b.logger.Warn("source document diagnostic", zap.String("file", file.Name), zap.String("diagnostic", d.String()))
	}
	return b.BuildDocument(ctx, file, doc)
}

// BuildDocument fetches every feed of doc and rewrites each of its category
// pages. A failure writing one category does not stop the others; the
// returned error joins every category failure.
func (b *Builder) BuildDocument(ctx context.Context, file sources.File, doc sources.Document) (Report, error) {
	report := Report{User: file.User, Errors: map[string]error{}}
	records := doc.FeedRecords()
	batch := b.fetcher.FetchBatch(ctx, records)
	report.Failed = batch.Failed
	if err := ctx.Err(); err != nil {
		return report, fmt.Errorf("build %s: %w", file.Name, err)
	}
	if batch.Attempted > 0 && batch.Failed == batch.Attempted {
		// Keep the previous cache rather than publishing empty pages.
		b.logger.Warn("every feed failed, keeping previous cache",
			zap.String("user", file.User), zap.Int("feeds", batch.Attempted))
		report.Skipped = true
		return report, nil
	}

	items := SortByDate(batch.Items)
	groups, order := groupByCategory(items, doc.Categories)
	report.Items = len(items)

	now := b.store.Now()
	var errs []error
	for _, category := range order {
		page := Page{
			LastUpdated:   now,
			FeedFile:      file.Name,
			Category:      category,
			ItemsPerPage:  b.cfg.ItemsPerPage,
			AllCategories: append([]string{}, doc.Categories...),
		}
		if err := b.writeCategory(ctx, file.User, page, groups[category]); err != nil {
			b.logger.Error("write category failed",
				zap.String("user", file.User), zap.String("category", category), zap.Error(err))
			report.Errors[category] = err
			errs = append(errs, err)
			continue
		}
		report.Categories = append(report.Categories, category)
	}
	if len(errs) == 0 {
		errs = b.pruneCategories(ctx, file, order)
	}
	b.logger.Info("document built",
		zap.String("user", file.User),
		zap.Int("feeds", batch.Attempted),
		zap.Int("failed", batch.Failed),
		zap.Int("items", len(items)),
		zap.Int("categories", len(report.Categories)))
	return report, errors.Join(errs...)
}

func (b *Builder) writeCategory(ctx context.Context, user string, page Page, rss []Item) error {
	return b.locks.WithLock(ctx, LockKey(user, page.Category), func(ctx context.Context) error {
		headlines := b.store.FreshHeadlines(user, page.Category)
		page.SetItems(Compose(headlines, rss, b.cfg.MaxPerSource))
		return b.store.WritePage(ctx, user, page)
	})
}

// pruneCategories removes the pages of file that belong to categories the
// document no longer declares.
func (b *Builder) pruneCategories(ctx context.Context, file sources.File, keep []string) []error {
	kept := make(map[string]bool, len(keep))
	for _, c := range keep {
		kept[c] = true
	}
	var errs []error
	for _, category := range b.store.PageCategories(file.User, file.Name) {
		if kept[category] {
			continue
		}
		err := b.locks.WithLock(ctx, LockKey(file.User, category), func(context.Context) error {
			return b.store.RemovePage(file.User, category)
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		b.logger.Info("removed page of undeclared category",
			zap.String("user", file.User), zap.String("category", category))
	}
	return errs
}

// SortByDate orders items newest first. The sort is stable and items whose
// date cannot be parsed go last.
func SortByDate(items []Item) []Item {
	type dated struct {
		item Item
		at   time.Time
	}
	tmp := make([]dated, len(items))
	for i, it := range items {
		tmp[i] = dated{item: it, at: normalize.ParseDate(it.PubDate)}
	}
	sort.SliceStable(tmp, func(i, j int) bool {
		a, b := tmp[i].at, tmp[j].at
		if a.IsZero() || b.IsZero() {
			return !a.IsZero() && b.IsZero()
		}
		return a.After(b)
	})
	out := make([]Item, len(tmp))
	for i, d := range tmp {
		out[i] = d.item
	}
	return out
}

func groupByCategory(items []Item, declared []string) (map[string][]Item, []string) {
	groups := make(map[string][]Item, len(declared))
	var order []string
	add := func(name string) {
		if _, ok := groups[name]; !ok {
			groups[name] = []Item{}
			order = append(order, name)
		}
	}
	for _, name := range declared {
		add(name)
	}
	for _, it := range items {
		name := it.FeedCategory
		if name == "" {
			name = DefaultCategory
		}
		add(name)
		groups[name] = append(groups[name], it)
	}
	return groups, order
}
