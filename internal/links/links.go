// Package links resolves feed and headline links to absolute URLs and builds
// the comparison keys used for deduplication.
package links

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf16"

	"github.com/JakeFAU/feedcache/internal/fold"
)

var (
	absolutePattern   = regexp.MustCompile(`(?i)^https?://`)
	wwwPattern        = regexp.MustCompile(`(?i)^www\.`)
	bareDomainPattern = regexp.MustCompile(`(?i)^[a-z0-9.-]+\.[a-z]{2,}(/|$)`)
	slugPattern       = regexp.MustCompile(`[^a-z0-9]+`)
)

// Resolve turns link into an absolute URL.
//
// Absolute http(s) links pass through, protocol-relative links inherit the
// scheme of base (https when base is empty or unparsable), bare domains get an
// https:// prefix, and anything else is resolved against base. Without a base,
// or when resolution fails, the trimmed link is returned unchanged. Empty
// input yields "".
func Resolve(link, base string) string {
	candidate := strings.TrimSpace(link)
	if candidate == "" {
		return ""
	}
	if absolutePattern.MatchString(candidate) {
		return candidate
	}
	base = strings.TrimSpace(base)
	if strings.HasPrefix(candidate, "//") {
		return schemeOf(base) + ":" + candidate
	}
	if wwwPattern.MatchString(candidate) || bareDomainPattern.MatchString(candidate) {
		return "https://" + candidate
	}
	if base == "" {
		return candidate
	}
	baseURL, err := url.Parse(base)
	if err != nil || !baseURL.IsAbs() {
		return candidate
	}
	ref, err := url.Parse(candidate)
	if err != nil {
		return candidate
	}
	return baseURL.ResolveReference(ref).String()
}

// NormalizeForCompare returns the lowercase host+path of link with a single
// trailing slash removed. Scheme, query and fragment are ignored. When link
// cannot be parsed as an absolute URL the lowercased resolved string is
// returned instead, so the result is never empty for non-empty input.
func NormalizeForCompare(link string) string {
	resolved := Resolve(link, "")
	parsed, err := url.Parse(resolved)
	if err != nil || !parsed.IsAbs() || parsed.Host == "" {
		return strings.ToLower(resolved)
	}
	key := parsed.Hostname() + parsed.EscapedPath()
	key = strings.TrimSuffix(key, "/")
	return strings.ToLower(key)
}

// SameArticle reports whether a and b normalize to the same key.
func SameArticle(a, b string) bool {
	ka, kb := NormalizeForCompare(a), NormalizeForCompare(b)
	return ka != "" && ka == kb
}

// Homepage returns scheme://host for rawURL, or "" when it is not absolute.
func Homepage(rawURL string) string {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || parsed.Scheme == "" || parsed.Hostname() == "" {
		return ""
	}
	return parsed.Scheme + "://" + parsed.Hostname()
}

// Hostname returns the lowercase host of rawURL without port, or "".
func Hostname(rawURL string) string {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	return strings.ToLower(parsed.Hostname())
}

// ReaderSlug builds the stable slug used to address one article in a
// category: a title slug followed by a base-36 hash of the article key.
func ReaderSlug(title, link, sourceURL, pubDate string) string {
	stableKey := title + "|" + pubDate
	if resolved := Resolve(link, sourceURL); resolved != "" {
		stableKey = NormalizeForCompare(resolved)
	}
	base := slugify(title)
	if base == "" {
		base = "materia"
	}
	return base + "-" + hashKey(stableKey)
}

func slugify(value string) string {
	s := strings.ToLower(fold.StripAccents(value))
	s = slugPattern.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > 80 {
		s = s[:80]
	}
	return s
}

// hashKey is FNV-1a over UTF-16 code units, rendered in base 36.
func hashKey(value string) string {
	h := uint32(2166136261)
	for _, unit := range utf16.Encode([]rune(value)) {
		h ^= uint32(unit)
		h *= 16777619
	}
	return strconv.FormatUint(uint64(h), 36)
}

func schemeOf(base string) string {
	if base == "" {
		return "https"
	}
	parsed, err := url.Parse(base)
	if err != nil || parsed.Scheme == "" {
		return "https"
	}
	return strings.ToLower(parsed.Scheme)
}
