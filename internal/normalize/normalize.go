// Package normalize cleans feed titles, descriptions and dates.
package normalize

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// DefaultMaxDescription is the description length used when none is configured.
const DefaultMaxDescription = 800

var (
	cdataPattern      = regexp.MustCompile(`(?s)<!\[CDATA\[(.*?)\]\]>`)
	whitespacePattern = regexp.MustCompile(`\s+`)

	portugueseDays = []replacement{
		{regexp.MustCompile(`\bDom\b`), "Sun"},
		{regexp.MustCompile(`\bSeg\b`), "Mon"},
		{regexp.MustCompile(`\bTer\b`), "Tue"},
		{regexp.MustCompile(`\bQua\b`), "Wed"},
		{regexp.MustCompile(`\bQui\b`), "Thu"},
		{regexp.MustCompile(`\bSex\b`), "Fri"},
		{regexp.MustCompile(`\bSáb\b`), "Sat"},
		{regexp.MustCompile(`\bSab\b`), "Sat"},
	}
	portugueseMonths = []replacement{
		{regexp.MustCompile(`\bFev\b`), "Feb"},
		{regexp.MustCompile(`\bAbr\b`), "Apr"},
		{regexp.MustCompile(`\bMai\b`), "May"},
		{regexp.MustCompile(`\bAgo\b`), "Aug"},
		{regexp.MustCompile(`\bSet\b`), "Sep"},
		{regexp.MustCompile(`\bOut\b`), "Oct"},
		{regexp.MustCompile(`\bDez\b`), "Dec"},
	}

	dateLayouts = []string{
		time.RFC1123Z,
		time.RFC1123,
		time.RFC3339Nano,
		time.RFC3339,
		"Mon, 2 Jan 2006 15:04:05 -0700",
		"Mon, 2 Jan 2006 15:04:05 MST",
		"Mon, 02 Jan 2006 15:04 -0700",
		"Mon, 2 Jan 2006 15:04 MST",
		"2 Jan 2006 15:04:05 -0700",
		"02 Jan 2006 15:04:05 MST",
		time.RFC822Z,
		time.RFC822,
		time.RFC850,
		time.ANSIC,
		"2006-01-02T15:04:05-0700",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05 -0700",
		"2006-01-02 15:04:05",
		"2006-01-02",
	}
)

type replacement struct {
	pattern *regexp.Regexp
	value   string
}

// CleanTitle strips CDATA wrappers and markup, decodes entities and trims.
func CleanTitle(title string) string {
	if title == "" {
		return ""
	}
	cleaned := cdataPattern.ReplaceAllString(title, "$1")
	cleaned = stripMarkup(cleaned)
	return strings.TrimSpace(strings.ReplaceAll(cleaned, "\u00a0", " "))
}

// CleanDescription strips markup, decodes entities and collapses whitespace.
// Results longer than maxLen characters are cut to maxLen-3 plus "...".
func CleanDescription(description string, maxLen int) string {
	if description == "" {
		return ""
	}
	if maxLen <= 3 {
		maxLen = DefaultMaxDescription
	}
	cleaned := cdataPattern.ReplaceAllString(description, "$1")
	cleaned = stripMarkup(cleaned)
	cleaned = strings.ReplaceAll(cleaned, "\u00a0", " ")
	cleaned = strings.TrimSpace(whitespacePattern.ReplaceAllString(cleaned, " "))
	return Truncate(cleaned, maxLen)
}

// Truncate shortens s to maxLen characters, ending with "..." when cut.
func Truncate(s string, maxLen int) string {
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxLen-3]) + "..."
}

// CollapseWhitespace replaces whitespace runs with one space and trims.
func CollapseWhitespace(s string) string {
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(s, " "))
}

// TranslatePortugueseDate rewrites Portuguese weekday and month
// abbreviations to their English forms so the result can be parsed with the
// standard layouts.
func TranslatePortugueseDate(value string) string {
	if value == "" {
		return value
	}
	for _, r := range portugueseDays {
		value = r.pattern.ReplaceAllString(value, r.value)
	}
	for _, r := range portugueseMonths {
		value = r.pattern.ReplaceAllString(value, r.value)
	}
	return value
}

// ParseDate parses a feed date. Portuguese abbreviations are translated
// first. The zero time is returned when no layout matches.
func ParseDate(value string) time.Time {
	value = strings.TrimSpace(TranslatePortugueseDate(value))
	if value == "" {
		return time.Time{}
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// stripMarkup returns the text content of an HTML fragment. Plain text only
// has its entities decoded.
func stripMarkup(fragment string) string {
	if !strings.Contains(fragment, "<") {
		return html.UnescapeString(fragment)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return html.UnescapeString(fragment)
	}
	doc.Find("script, style").Remove()
	return doc.Text()
}
