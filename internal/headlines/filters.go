package headlines

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/JakeFAU/feedcache/internal/fold"
	"github.com/JakeFAU/feedcache/internal/links"
	"github.com/JakeFAU/feedcache/internal/normalize"
)

var (
	sectionTerms = setOf(
		"news", "noticia", "noticias", "ultimas", "latest", "economia",
		"esporte", "esportes", "sport", "sports", "tecnologia", "technology",
		"tech", "politica", "politics", "mundo", "world", "brasil",
		"entertainment", "entretenimento", "cultura", "culture", "opiniao",
		"opinion", "video", "videos", "podcast",
	)
	sectionRootSegments = setOf(
		"news", "noticias", "economia", "esporte", "esportes", "tecnologia",
		"politica", "mundo", "brasil", "business", "sports", "tech", "world",
	)

	slugSectionTitle = regexp.MustCompile(`^[a-z0-9._-]{2,}\s+(news|noticias|economia|esporte|esportes|tecnologia|politica|sports|business|tech|world)$`)

	nonArticlePaths = []*regexp.Regexp{
		regexp.MustCompile(`/(tag|tags|topic|topics|categoria|categorias|category|categories)/`),
		regexp.MustCompile(`/(autor|author|colunista|columnist|perfil|profile)/`),
		regexp.MustCompile(`/(busca|search)(/|$)`),
		regexp.MustCompile(`/(video|videos|podcast|podcasts|newsletter)(/|$)`),
		regexp.MustCompile(`/(live|ao-vivo|especial|especiais|gallery|galeria)(/|$)`),
		regexp.MustCompile(`/(contato|contact|about|sobre|help|ajuda)(/|$)`),
		regexp.MustCompile(`/(login|signin|signup|assine|subscribe)(/|$)`),
	}
	datePath       = regexp.MustCompile(`/20\d{2}/(0?[1-9]|1[0-2])(/(0?[1-9]|[12]\d|3[01]))?/`)
	articleExt     = regexp.MustCompile(`\.(html?|shtml|php)$`)
	articleQueryID = regexp.MustCompile(`[?&](id|article|story)=\d{3,}`)
)

// FilterConfig holds the thresholds of the article URL heuristic.
type FilterConfig struct {
	// MaxCandidates caps the sanitized list.
	MaxCandidates int `mapstructure:"max_candidates"`
	// MinLastSegment is the shortest acceptable final path segment.
	MinLastSegment int `mapstructure:"min_last_segment"`
	// SlugMinWords is how many dash separated words make an article slug.
	SlugMinWords int `mapstructure:"slug_min_words"`
	// MinNumericID is the digit run length that marks a content id.
	MinNumericID int `mapstructure:"min_numeric_id"`
	// DeepPathSegments and DeepPathMinLastSegment accept deep paths with a
	// long final segment.
	DeepPathSegments       int `mapstructure:"deep_path_segments"`
	DeepPathMinLastSegment int `mapstructure:"deep_path_min_last_segment"`
}

// DefaultFilterConfig returns the stock thresholds.
func DefaultFilterConfig() FilterConfig {
	return FilterConfig{
		MaxCandidates:          10,
		MinLastSegment:         3,
		SlugMinWords:           3,
		MinNumericID:           4,
		DeepPathSegments:       3,
		DeepPathMinLastSegment: 12,
	}
}

func (c FilterConfig) withDefaults() FilterConfig {
	d := DefaultFilterConfig()
	if c.MaxCandidates <= 0 {
		c.MaxCandidates = d.MaxCandidates
	}
	if c.MinLastSegment <= 0 {
		c.MinLastSegment = d.MinLastSegment
	}
	if c.SlugMinWords <= 0 {
		c.SlugMinWords = d.SlugMinWords
	}
	if c.MinNumericID <= 0 {
		c.MinNumericID = d.MinNumericID
	}
	if c.DeepPathSegments <= 0 {
		c.DeepPathSegments = d.DeepPathSegments
	}
	if c.DeepPathMinLastSegment <= 0 {
		c.DeepPathMinLastSegment = d.DeepPathMinLastSegment
	}
	return c
}

// SectionLikeTitle reports whether title names a section rather than a story.
func SectionLikeTitle(title string) bool {
	normalized := fold.Key(title)
	if normalized == "" {
		return true
	}
	if strings.Contains(normalized, "rss") {
		return true
	}
	if slugSectionTitle.MatchString(normalized) {
		return true
	}
	words := strings.Fields(normalized)
	generic := 0
	for _, w := range words {
		if _, ok := sectionTerms[w]; ok {
			generic++
		}
	}
	return (len(words) <= 2 && generic >= 1) || (len(words) <= 3 && generic >= 2)
}

// LikelyArticle reports whether rawURL looks like an individual story rather
// than a homepage, section, tag or institutional page.
func (c FilterConfig) LikelyArticle(rawURL string) bool {
	c = c.withDefaults()
	resolved := links.Resolve(rawURL, "")
	if resolved == "" {
		return false
	}
	parsed, err := url.Parse(resolved)
	if err != nil || !parsed.IsAbs() || parsed.Host == "" {
		return false
	}
	path := strings.TrimRight(parsed.EscapedPath(), "/")
	if path == "" {
		return false
	}
	path = fold.Key(path)
	for _, pattern := range nonArticlePaths {
		if pattern.MatchString(path) {
			return false
		}
	}
	var segments []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			segments = append(segments, s)
		}
	}
	if len(segments) == 0 {
		return false
	}
	if _, ok := sectionRootSegments[segments[0]]; ok && len(segments) == 1 {
		return false
	}
	last := segments[len(segments)-1]
	if len(last) < c.MinLastSegment {
		return false
	}

	switch {
	case datePath.MatchString(path):
		return true
	case strings.Contains(last, "-") && len(strings.FieldsFunc(last, isDash)) >= c.SlugMinWords:
		return true
	case longestDigitRun(last) >= c.MinNumericID:
		return true
	case articleExt.MatchString(last):
		return true
	case parsed.RawQuery != "" && articleQueryID.MatchString("?"+strings.ToLower(parsed.RawQuery)):
		return true
	}
	return len(segments) >= c.DeepPathSegments && len(last) >= c.DeepPathMinLastSegment
}

// Valid reports whether a candidate has a usable title and an article URL.
func (c FilterConfig) Valid(title, rawURL string) bool {
	title = normalize.CollapseWhitespace(title)
	resolved := links.Resolve(rawURL, "")
	if title == "" || resolved == "" {
		return false
	}
	if SectionLikeTitle(title) {
		return false
	}
	return c.LikelyArticle(resolved)
}

// Sanitize resolves candidate URLs against base, drops invalid candidates,
// removes duplicates by title and URL and caps the list.
func (c FilterConfig) Sanitize(candidates []Candidate, base string) []Candidate {
	c = c.withDefaults()
	out := make([]Candidate, 0, len(candidates))
	seen := make(map[string]struct{}, len(candidates))
	for _, cand := range candidates {
		title := normalize.CollapseWhitespace(cand.Title)
		link := links.Resolve(cand.URL, base)
		if !c.Valid(title, link) {
			continue
		}
		key := fold.Key(title) + "|" + strings.ToLower(strings.TrimRight(link, "/"))
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, Candidate{
			Title:       title,
			Description: normalize.CollapseWhitespace(cand.Description),
			URL:         link,
		})
		if len(out) >= c.MaxCandidates {
			break
		}
	}
	return out
}

func isDash(r rune) bool { return r == '-' }

func longestDigitRun(s string) int {
	best, run := 0, 0
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			run++
			if run > best {
				best = run
			}
			continue
		}
		run = 0
	}
	return best
}

func setOf(values ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		out[v] = struct{}{}
	}
	return out
}
