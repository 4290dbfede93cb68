package scrape

import (
	"strings"
)

const defaultPromoteBelow = 2048

var spaMarkers = []string{
	"__next",
	`id="root"`,
	`id="app"`,
	"data-reactroot",
	"enable javascript",
}

// Detector decides when a statically fetched page needs a browser.
type Detector struct {
	BodyLengthThreshold int
}

// NewDetector creates a Detector. A non-positive threshold uses 2048 bytes.
func NewDetector(threshold int) *Detector {
	if threshold <= 0 {
		threshold = defaultPromoteBelow
	}
	return &Detector{BodyLengthThreshold: threshold}
}

// ShouldPromote reports whether page looks script driven: empty, small and
// dominated by script tags, or carrying a single page app marker.
func (d *Detector) ShouldPromote(page Page) bool {
	if page.Status != 0 && page.Status != 200 {
		return false
	}
	if strings.TrimSpace(page.HTML) == "" {
		return true
	}
	lower := strings.ToLower(page.HTML)
	if len(lower) < d.BodyLengthThreshold && scriptDensityHigh(lower) {
		return true
	}
	for _, marker := range spaMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// scriptDensityHigh reports whether script elements cover a quarter of the
// lower-cased document.
func scriptDensityHigh(lower string) bool {
	total := len(lower)
	if total == 0 {
		return false
	}
	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	covered, pos := 0, 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		tagEnd := strings.IndexByte(lower[start:], '>')
		if tagEnd == -1 {
			covered += total - start
			break
		}
		contentStart := start + tagEnd + 1
		next := total
		if end := strings.Index(lower[contentStart:], closeTag); end != -1 {
			next = contentStart + end + len(closeTag)
		}
		covered += next - start
		pos = next
	}
	return covered*100/total >= 25
}
