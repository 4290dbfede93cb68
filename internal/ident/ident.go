// Package ident validates user and category names used as file path components.
package ident

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// MaxLength is the longest identifier accepted, in runes.
const MaxLength = 120

var (
	invalidChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1F\x7F]`)
	whitespace   = regexp.MustCompile(`\s+`)
	reserved     = regexp.MustCompile(`(?i)^(con|prn|aux|nul|com[1-9]|lpt[1-9])(\..*)?$`)
)

// Sanitize normalizes value and returns it when it is safe to use as a single
// path component. It returns "" for anything unsafe; callers must treat the
// empty string as invalid.
func Sanitize(value string) string {
	cleaned := norm.NFKC.String(value)
	cleaned = strings.TrimSpace(whitespace.ReplaceAllString(cleaned, " "))

	switch {
	case cleaned == "":
		return ""
	case utf8.RuneCountInString(cleaned) > MaxLength:
		return ""
	case cleaned == "." || cleaned == ".." || strings.Contains(cleaned, ".."):
		return ""
	case invalidChars.MatchString(cleaned):
		return ""
	case strings.HasSuffix(cleaned, ".") || strings.HasSuffix(cleaned, " "):
		return ""
	case reserved.MatchString(cleaned):
		return ""
	}
	return cleaned
}

// User sanitizes a user identifier (the basename of a source document).
func User(value string) string {
	return Sanitize(value)
}

// Category sanitizes a category name.
func Category(value string) string {
	return Sanitize(value)
}
