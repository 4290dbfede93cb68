// Package cache builds and stores the per-category page cache and the
// headline side-car consumed by readers.
package cache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

const (
	// DefaultCategory is used for items that carry no feed category.
	DefaultCategory = "Geral"
	// DefaultItemsPerPage is the page size advertised to readers.
	DefaultItemsPerPage = 12
	// DefaultMaxPerSource caps how many headlines one source contributes.
	DefaultMaxPerSource = 6
	// SchemaVersion is written into every headline side-car.
	SchemaVersion = 1
)

// Item is one news entry as stored in the cache files.
type Item struct {
	Title          string   `json:"title"`
	Link           string   `json:"link"`
	Description    string   `json:"description"`
	FullContent    string   `json:"fullContent,omitempty"`
	PubDate        string   `json:"pubDate"`
	Category       []string `json:"category"`
	FeedCategory   string   `json:"feedCategory"`
	Source         string   `json:"source"`
	SourceURL      string   `json:"sourceUrl"`
	Flag           bool     `json:"flag,omitempty"`
	Headline       bool     `json:"headline,omitempty"`
	HeadlineSource string   `json:"headlineSource,omitempty"`
}

// StripHeadline returns a copy of it without headline markers.
func (it Item) StripHeadline() Item {
	it.Headline = false
	it.HeadlineSource = ""
	return it
}

// Page is the Category Page Cache document. The whole category lives in one
// file; readers slice pages out of Items.
type Page struct {
	LastUpdated   time.Time `json:"lastUpdated"`
	FeedFile      string    `json:"feedFile"`
	Category      string    `json:"category"`
	Page          int       `json:"page"`
	TotalPages    int       `json:"totalPages"`
	ItemsPerPage  int       `json:"itemsPerPage"`
	Count         int       `json:"count"`
	TotalItems    int       `json:"totalItems"`
	AllCategories []string  `json:"allCategories"`
	Items         []Item    `json:"items"`
}

// SetItems replaces the item list and recomputes the pagination fields.
func (p *Page) SetItems(items []Item) {
	if items == nil {
		items = []Item{}
	}
	for i := range items {
		if items[i].Category == nil {
			items[i].Category = []string{}
		}
	}
	if p.ItemsPerPage <= 0 {
		p.ItemsPerPage = DefaultItemsPerPage
	}
	p.Items = items
	p.Page = 1
	p.Count = len(items)
	p.TotalItems = len(items)
	p.TotalPages = TotalPages(len(items), p.ItemsPerPage)
}

// HeadlineCount reports how many leading items carry a headline source.
func (p Page) HeadlineCount() int {
	n := 0
	for _, it := range p.Items {
		if it.HeadlineSource != "" {
			n++
		}
	}
	return n
}

// TotalPages returns max(1, ceil(n/perPage)).
func TotalPages(n, perPage int) int {
	if perPage <= 0 {
		perPage = DefaultItemsPerPage
	}
	pages := (n + perPage - 1) / perPage
	if pages < 1 {
		return 1
	}
	return pages
}

// SourceItems is the headline list contributed by one homepage.
type SourceItems struct {
	Name  string
	Items []Item
}

// Sources is an ordered set of headline lists. It serializes as a JSON object
// whose key order is the interleave order.
type Sources []SourceItems

// Get returns the list stored under name.
func (s Sources) Get(name string) ([]Item, bool) {
	for _, src := range s {
		if src.Name == name {
			return src.Items, true
		}
	}
	return nil, false
}

// Set replaces the list for name, appending a new entry when absent.
func (s Sources) Set(name string, items []Item) Sources {
	for i := range s {
		if s[i].Name == name {
			s[i].Items = items
			return s
		}
	}
	return append(s, SourceItems{Name: name, Items: items})
}

// Delete removes name, preserving the order of the rest.
func (s Sources) Delete(name string) Sources {
	out := s[:0]
	for _, src := range s {
		if src.Name != name {
			out = append(out, src)
		}
	}
	return out
}

// MarshalJSON writes the sources as an object in slice order.
func (s Sources) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, src := range s {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(src.Name)
		if err != nil {
			return nil, fmt.Errorf("marshal source name: %w", err)
		}
		items := src.Items
		if items == nil {
			items = []Item{}
		}
		val, err := json.Marshal(items)
		if err != nil {
			return nil, fmt.Errorf("marshal source %s: %w", src.Name, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads an object keeping the document's key order.
func (s *Sources) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("decode sources: %w", err)
	}
	if tok == nil {
		*s = nil
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("decode sources: expected object")
	}
	var out Sources
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("decode sources: %w", err)
		}
		name, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("decode sources: expected key")
		}
		var items []Item
		if err := dec.Decode(&items); err != nil {
			return fmt.Errorf("decode source %s: %w", name, err)
		}
		out = out.Set(name, items)
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("decode sources: %w", err)
	}
	*s = out
	return nil
}

// HeadlineSources is the side-car document kept next to a category page.
type HeadlineSources struct {
	SchemaVersion int     `json:"schemaVersion"`
	UpdatedAt     string  `json:"updatedAt"`
	Sources       Sources `json:"sources"`
}

// UpdatedEvent is published after a page cache write.
type UpdatedEvent struct {
	User       string    `json:"user"`
	Category   string    `json:"category"`
	FeedFile   string    `json:"feedFile"`
	TotalItems int       `json:"totalItems"`
	Headlines  int       `json:"headlines"`
	UpdatedAt  time.Time `json:"updatedAt"`
}
