package feed

import (
	"fmt"
	"strings"

	"github.com/mmcdole/gofeed"
	"github.com/mmcdole/gofeed/atom"
	"github.com/mmcdole/gofeed/rss"

	"github.com/JakeFAU/feedcache/internal/cache"
	"github.com/JakeFAU/feedcache/internal/links"
	"github.com/JakeFAU/feedcache/internal/normalize"
	"github.com/JakeFAU/feedcache/internal/sources"
)

// entry is one parsed feed entry. Exactly one of rss and atom is set.
type entry struct {
	rss  *rss.Item
	atom *atom.Entry
}

// document is a parsed feed reduced to what normalization needs.
type document struct {
	title   string
	entries []entry
}

// parseDocument detects RSS or Atom from the root element and parses text.
func parseDocument(text string) (document, error) {
	switch gofeed.DetectFeedType(strings.NewReader(text)) {
	case gofeed.FeedTypeRSS:
		parsed, err := (&rss.Parser{}).Parse(strings.NewReader(text))
		if err != nil {
			return document{}, fmt.Errorf("%w: rss: %v", ErrParse, err)
		}
		doc := document{title: parsed.Title, entries: make([]entry, 0, len(parsed.Items))}
		for _, it := range parsed.Items {
			if it != nil {
				doc.entries = append(doc.entries, entry{rss: it})
			}
		}
		return doc, nil
	case gofeed.FeedTypeAtom:
		parsed, err := (&atom.Parser{}).Parse(strings.NewReader(text))
		if err != nil {
			return document{}, fmt.Errorf("%w: atom: %v", ErrParse, err)
		}
		doc := document{title: parsed.Title, entries: make([]entry, 0, len(parsed.Entries))}
		for _, e := range parsed.Entries {
			if e != nil {
				doc.entries = append(doc.entries, entry{atom: e})
			}
		}
		return doc, nil
	default:
		return document{}, ErrNotFeed
	}
}

// sourceName is the cleaned feed title, or the feed URL's hostname.
func sourceName(title, feedURL string) string {
	if name := normalize.CleanTitle(title); name != "" {
		return name
	}
	if host := links.Hostname(feedURL); host != "" {
		return host
	}
	return feedURL
}

// toItems normalizes every entry of doc for the given source record.
func toItems(doc document, record sources.Record, maxDescription int) []cache.Item {
	source := sourceName(doc.title, record.URL)
	items := make([]cache.Item, 0, len(doc.entries))
	for _, e := range doc.entries {
		var it cache.Item
		switch {
		case e.atom != nil:
			it = fromAtom(e.atom, maxDescription)
		case e.rss != nil:
			it = fromRSS(e.rss, maxDescription)
		default:
			continue
		}
		it.Link = links.Resolve(it.Link, record.URL)
		it.FeedCategory = record.Category
		it.Source = source
		it.SourceURL = record.URL
		it.Flag = record.Flags.OpenInNewTab
		items = append(items, it)
	}
	return items
}

func fromRSS(it *rss.Item, maxDescription int) cache.Item {
	categories := make([]string, 0, len(it.Categories))
	for _, c := range it.Categories {
		if c != nil && strings.TrimSpace(c.Value) != "" {
			categories = append(categories, strings.TrimSpace(c.Value))
		}
	}
	return cache.Item{
		Title:       normalize.CleanTitle(it.Title),
		Link:        strings.TrimSpace(it.Link),
		Description: normalize.CleanDescription(it.Description, maxDescription),
		PubDate:     normalize.TranslatePortugueseDate(strings.TrimSpace(it.PubDate)),
		Category:    categories,
	}
}

func fromAtom(e *atom.Entry, maxDescription int) cache.Item {
	body := e.Summary
	if e.Content != nil && strings.TrimSpace(e.Content.Value) != "" {
		body = e.Content.Value
	}
	date := e.Published
	if strings.TrimSpace(date) == "" {
		date = e.Updated
	}
	categories := make([]string, 0, len(e.Categories))
	for _, c := range e.Categories {
		if c == nil {
			continue
		}
		name := c.Term
		if name == "" {
			name = c.Label
		}
		if name = strings.TrimSpace(name); name != "" {
			categories = append(categories, name)
		}
	}
	return cache.Item{
		Title:       normalize.CleanTitle(e.Title),
		Link:        atomLink(e.Links),
		Description: normalize.CleanDescription(body, maxDescription),
		PubDate:     normalize.TranslatePortugueseDate(strings.TrimSpace(date)),
		Category:    categories,
	}
}

// atomLink prefers the alternate relation (an empty rel means alternate) and
// otherwise returns the first non-empty href.
func atomLink(all []*atom.Link) string {
	first := ""
	for _, l := range all {
		if l == nil || strings.TrimSpace(l.Href) == "" {
			continue
		}
		if first == "" {
			first = strings.TrimSpace(l.Href)
		}
		if l.Rel == "" || strings.EqualFold(l.Rel, "alternate") {
			return strings.TrimSpace(l.Href)
		}
	}
	return first
}
