package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/feedcache/internal/atomicfile"
	"github.com/JakeFAU/feedcache/internal/clock/system"
	"github.com/JakeFAU/feedcache/internal/ident"
	"github.com/JakeFAU/feedcache/internal/links"
	"github.com/JakeFAU/feedcache/internal/metrics"
)

// ErrNotFound is returned when a cache file or article does not exist.
var ErrNotFound = errors.New("cache: not found")

const headlinesSuffix = "-headlines"

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// BlobStore receives a copy of every cache file written.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher delivers cache update events.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Store reads and writes the cache files of one pages directory. Mirroring and
// notification failures are logged and never fail a write.
type Store struct {
	dir    string
	ttl    time.Duration
	clock  Clock
	logger *zap.Logger

	mirror       BlobStore
	mirrorPrefix string
	publisher    Publisher
	topic        string
}

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(c Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithHeadlineTTL sets how long a side-car stays fresh. Zero disables expiry.
func WithHeadlineTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// WithMirror copies every written file to blob under prefix.
func WithMirror(blob BlobStore, prefix string) Option {
	return func(s *Store) {
		s.mirror = blob
		s.mirrorPrefix = strings.Trim(prefix, "/")
	}
}

// WithPublisher publishes an UpdatedEvent to topic after each page write.
func WithPublisher(pub Publisher, topic string) Option {
	return func(s *Store) {
		s.publisher = pub
		s.topic = topic
	}
}

// NewStore returns a Store rooted at dir.
func NewStore(dir string, logger *zap.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		dir:    dir,
		clock:  system.New(),
		logger: logger.Named("cache"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dir returns the pages directory.
func (s *Store) Dir() string {
	return s.dir
}

// Now returns the store's current time.
func (s *Store) Now() time.Time {
	return s.clock.Now()
}

// PageFile returns the base name of a category page file.
func PageFile(user, category string) string {
	return user + "-" + category + ".json"
}

// HeadlinesFile returns the base name of a category side-car file.
func HeadlinesFile(user, category string) string {
	return user + "-" + category + headlinesSuffix + ".json"
}

// PagePath returns the absolute path of a category page file.
func (s *Store) PagePath(user, category string) string {
	return filepath.Join(s.dir, PageFile(user, category))
}

// HeadlinesPath returns the absolute path of a category side-car file.
func (s *Store) HeadlinesPath(user, category string) string {
	return filepath.Join(s.dir, HeadlinesFile(user, category))
}

// ReadPage loads the whole category page. A missing or malformed file yields
// ErrNotFound.
func (s *Store) ReadPage(user, category string) (Page, error) {
	user, category, err := safePair(user, category)
	if err != nil {
		return Page{}, err
	}
	var page Page
	if err := atomicfile.ReadJSON(s.PagePath(user, category), &page); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("discarding unreadable page cache",
				zap.String("user", user), zap.String("category", category), zap.Error(err))
		}
		return Page{}, fmt.Errorf("read page %s/%s: %w", user, category, ErrNotFound)
	}
	return page, nil
}

// ReadPageSlice loads a category and returns only the items of the requested
// page. Pages beyond the last one are clamped; non-positive pages become 1.
func (s *Store) ReadPageSlice(user, category string, page int) (Page, error) {
	full, err := s.ReadPage(user, category)
	if err != nil {
		return Page{}, err
	}
	perPage := full.ItemsPerPage
	if perPage <= 0 {
		perPage = DefaultItemsPerPage
	}
	total := TotalPages(len(full.Items), perPage)
	if page < 1 {
		page = 1
	}
	if page > total {
		page = total
	}
	start := (page - 1) * perPage
	end := start + perPage
	if end > len(full.Items) {
		end = len(full.Items)
	}
	out := full
	out.Items = full.Items[start:end]
	out.Page = page
	out.TotalPages = total
	out.ItemsPerPage = perPage
	out.Count = len(out.Items)
	out.TotalItems = len(full.Items)
	return out, nil
}

// FindArticle returns the enriched item addressed by its reader slug together
// with the page it appears on.
func (s *Store) FindArticle(user, category, slug string) (Item, int, error) {
	full, err := s.ReadPage(user, category)
	if err != nil {
		return Item{}, 0, err
	}
	perPage := full.ItemsPerPage
	if perPage <= 0 {
		perPage = DefaultItemsPerPage
	}
	for i, it := range full.Items {
		if strings.TrimSpace(it.FullContent) == "" {
			continue
		}
		if links.ReaderSlug(it.Title, it.Link, it.SourceURL, it.PubDate) == slug {
			return it, i/perPage + 1, nil
		}
	}
	return Item{}, 0, fmt.Errorf("article %s: %w", slug, ErrNotFound)
}

// WritePage atomically replaces the category page, then mirrors it and
// publishes an UpdatedEvent.
func (s *Store) WritePage(ctx context.Context, user string, page Page) error {
	user, category, err := safePair(user, page.Category)
	if err != nil {
		return err
	}
	page.Category = category
	data, err := encode(page)
	if err != nil {
		metrics.ObserveCacheWrite("page", err)
		return err
	}
	name := PageFile(user, category)
	err = atomicfile.Write(filepath.Join(s.dir, name), data)
	metrics.ObserveCacheWrite("page", err)
	if err != nil {
		return fmt.Errorf("write page %s: %w", name, err)
	}
	s.mirrorFile(ctx, name, data)
	s.notify(ctx, UpdatedEvent{
		User:       user,
		Category:   category,
		FeedFile:   page.FeedFile,
		TotalItems: page.TotalItems,
		Headlines:  page.HeadlineCount(),
		UpdatedAt:  page.LastUpdated,
	})
	return nil
}

// RemovePage deletes the main page file of one category. The side-car is kept.
func (s *Store) RemovePage(user, category string) error {
	user, category, err := safePair(user, category)
	if err != nil {
		return err
	}
	if err := os.Remove(s.PagePath(user, category)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove page %s/%s: %w", user, category, err)
	}
	return nil
}

// PageCategories lists the categories that have a page file written for
// feedFile by user. Unreadable files are skipped.
func (s *Store) PageCategories(user, feedFile string) []string {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, user+"-") || !strings.HasSuffix(name, ".json") ||
			strings.HasSuffix(name, headlinesSuffix+".json") {
			continue
		}
		var page Page
		if err := atomicfile.ReadJSON(filepath.Join(s.dir, name), &page); err != nil {
			continue
		}
		if page.FeedFile != feedFile || PageFile(user, page.Category) != name {
			continue
		}
		out = append(out, page.Category)
	}
	return out
}

// PageExists reports whether the category page file is present.
func (s *Store) PageExists(user, category string) bool {
	_, err := os.Stat(s.PagePath(user, category))
	return err == nil
}

// ReadHeadlines loads the side-car without applying the TTL. A missing or
// malformed file yields an empty document.
func (s *Store) ReadHeadlines(user, category string) HeadlineSources {
	doc, _ := s.readHeadlines(user, category)
	return doc
}

// FreshHeadlines returns the side-car sources when the file is still within
// the TTL, or nil when it is stale, absent or malformed.
func (s *Store) FreshHeadlines(user, category string) Sources {
	doc, modTime := s.readHeadlines(user, category)
	if len(doc.Sources) == 0 {
		return nil
	}
	if s.ttl <= 0 {
		return doc.Sources
	}
	updated := modTime
	if ts, err := time.Parse(time.RFC3339Nano, doc.UpdatedAt); err == nil {
		updated = ts
	}
	if updated.IsZero() || s.clock.Now().Sub(updated) > s.ttl {
		s.logger.Debug("ignoring stale headline side-car",
			zap.String("user", user), zap.String("category", category), zap.Time("updated_at", updated))
		return nil
	}
	return doc.Sources
}

// WriteHeadlines stamps and atomically replaces the side-car document.
func (s *Store) WriteHeadlines(ctx context.Context, user, category string, sources Sources) error {
	user, category, err := safePair(user, category)
	if err != nil {
		return err
	}
	if sources == nil {
		sources = Sources{}
	}
	doc := HeadlineSources{
		SchemaVersion: SchemaVersion,
		UpdatedAt:     s.clock.Now().UTC().Format(time.RFC3339Nano),
		Sources:       sources,
	}
	data, err := encode(doc)
	if err != nil {
		metrics.ObserveCacheWrite("headlines", err)
		return err
	}
	name := HeadlinesFile(user, category)
	err = atomicfile.Write(filepath.Join(s.dir, name), data)
	metrics.ObserveCacheWrite("headlines", err)
	if err != nil {
		return fmt.Errorf("write headlines %s: %w", name, err)
	}
	s.mirrorFile(ctx, name, data)
	return nil
}

func (s *Store) readHeadlines(user, category string) (HeadlineSources, time.Time) {
	user, category, err := safePair(user, category)
	if err != nil {
		return HeadlineSources{}, time.Time{}
	}
	path := s.HeadlinesPath(user, category)
	info, err := os.Stat(path)
	if err != nil {
		return HeadlineSources{}, time.Time{}
	}
	var doc HeadlineSources
	if err := atomicfile.ReadJSON(path, &doc); err != nil {
		s.logger.Warn("discarding unreadable headline side-car", zap.String("file", filepath.Base(path)), zap.Error(err))
		return HeadlineSources{}, time.Time{}
	}
	return doc, info.ModTime()
}

func (s *Store) mirrorFile(ctx context.Context, name string, data []byte) {
	if s.mirror == nil {
		return
	}
	objectPath := name
	if s.mirrorPrefix != "" {
		objectPath = s.mirrorPrefix + "/" + name
	}
	uri, err := s.mirror.PutObject(ctx, objectPath, "application/json", bytes.NewReader(data))
	if err != nil {
		s.logger.Warn("mirror cache file failed", zap.String("file", name), zap.Error(err))
		return
	}
	s.logger.Debug("mirrored cache file", zap.String("file", name), zap.String("uri", uri))
}

func (s *Store) notify(ctx context.Context, event UpdatedEvent) {
	if s.publisher == nil {
		return
	}
	id, err := s.publisher.Publish(ctx, s.topic, event)
	if err != nil {
		s.logger.Warn("publish cache update failed",
			zap.String("user", event.User), zap.String("category", event.Category), zap.Error(err))
		return
	}
	s.logger.Debug("published cache update", zap.String("message_id", id), zap.String("category", event.Category))
}

func encode(value any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(value); err != nil {
		return nil, fmt.Errorf("encode cache document: %w", err)
	}
	return buf.Bytes(), nil
}

func safePair(user, category string) (string, string, error) {
	safeUser := ident.User(user)
	safeCategory := ident.Category(category)
	if safeUser == "" || safeCategory == "" {
		return "", "", fmt.Errorf("invalid identifiers %q/%q: %w", user, category, ErrNotFound)
	}
	return safeUser, safeCategory, nil
}
