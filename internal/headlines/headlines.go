// Package headlines promotes homepage headlines into the category page cache.
//
// A run scrapes each homepage declared with the headline flag, asks a
// language model for the featured stories, filters them, and stores the
// survivors per source in the headline side-car. Finalize then rebuilds the
// page with the interleaved headlines first, and Enrich fills in the full
// article text of each headline.
package headlines

import (
	"context"
	"errors"
)

var (
	// ErrRunInProgress is returned when a run is requested while another
	// one is still going.
	ErrRunInProgress = errors.New("headlines: run already in progress")
	// ErrUnavailable marks capability errors that make the rest of a run
	// pointless, such as a missing API key or rejected credentials.
	ErrUnavailable = errors.New("headlines: capability unavailable")
)

// Candidate is one headline proposed by the extractor.
type Candidate struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url"`
}

// Scraper renders a page and returns its main content as markdown. An empty
// string means nothing usable was found.
type Scraper interface {
	Scrape(ctx context.Context, pageURL string) (string, error)
}

// Extractor proposes headline candidates from homepage markdown.
type Extractor interface {
	ExtractHeadlines(ctx context.Context, markdown string) ([]Candidate, error)
}

// Rewriter extracts the story body from article markdown, optionally
// translating it to targetLang.
type Rewriter interface {
	RewriteArticle(ctx context.Context, title, markdown, targetLang string) (string, error)
}

// configured is implemented by capabilities that can report missing setup.
type configured interface {
	Configured() bool
}

func isConfigured(v any) bool {
	if v == nil {
		return false
	}
	if c, ok := v.(configured); ok {
		return c.Configured()
	}
	return true
}
