// Package sources parses per-user source documents (<user>.feeds) into typed records.
package sources

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/JakeFAU/feedcache/internal/ident"
)

const (
	// DefaultCategory is used until the first valid [Category] header.
	DefaultCategory = "Geral"
	// Extension is the filename suffix of source documents.
	Extension = ".feeds"

	flagHeadline = "headline"
	flagNewTab   = "new-tab"
	flagNoRSS    = "no-rss"
)

var (
	categoryHeader = regexp.MustCompile(`^\[(.+)\]$`)
	flagSeparators = regexp.MustCompile(`[\s_]+`)
)

// Flags are the recognized per-source switches.
type Flags struct {
	Headline     bool `json:"headline"`
	OpenInNewTab bool `json:"newTab"`
	NoRSS        bool `json:"noRss"`
}

// Record is one configured source line.
type Record struct {
	URL          string   `json:"url"`
	OriginalLine string   `json:"originalLine"`
	Category     string   `json:"category"`
	Flags        Flags    `json:"flags"`
	UnknownFlags []string `json:"unknownFlags,omitempty"`
}

// Diagnostic describes a skipped or partially understood line.
type Diagnostic struct {
	Line    int
	Message string
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("line %d: %s", d.Line, d.Message)
}

// Document is the parsed form of one source document.
type Document struct {
	Records     []Record
	Categories  []string
	Diagnostics []Diagnostic
}

// HeadlineRecords returns the records flagged for headline extraction.
func (d Document) HeadlineRecords() []Record {
	var out []Record
	for _, r := range d.Records {
		if r.Flags.Headline {
			out = append(out, r)
		}
	}
	return out
}

// FeedRecords returns the records whose RSS/Atom feed should be fetched.
func (d Document) FeedRecords() []Record {
	var out []Record
	for _, r := range d.Records {
		if !r.Flags.NoRSS {
			out = append(out, r)
		}
	}
	return out
}

// Parse reads a source document. It never fails: malformed lines are
// skipped and reported in Diagnostics.
func Parse(text string) Document {
	var doc Document
	seen := map[string]bool{}
	addCategory := func(name string) {
		if !seen[name] {
			seen[name] = true
			doc.Categories = append(doc.Categories, name)
		}
	}

	current := DefaultCategory
	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if m := categoryHeader.FindStringSubmatch(line); m != nil {
			name := ident.Category(m[1])
			if name == "" {
				doc.Diagnostics = append(doc.Diagnostics, Diagnostic{
					Line:    lineNo,
					Message: fmt.Sprintf("invalid category %q, using %s", m[1], DefaultCategory),
				})
				name = DefaultCategory
			}
			current = name
			addCategory(current)
			continue
		}

		record, ok := ParseLine(line)
		if !ok {
			doc.Diagnostics = append(doc.Diagnostics, Diagnostic{Line: lineNo, Message: "not a source url, ignored"})
			continue
		}
		for _, flag := range record.UnknownFlags {
			doc.Diagnostics = append(doc.Diagnostics, Diagnostic{
				Line:    lineNo,
				Message: fmt.Sprintf("unknown flag %q", flag),
			})
		}
		record.Category = current
		addCategory(current)
		doc.Records = append(doc.Records, record)
	}
	return doc
}

// ParseLine parses a single url[flag,...] line. The category is left empty.
func ParseLine(raw string) (Record, bool) {
	line := strings.TrimSpace(raw)
	if line == "" || strings.HasPrefix(line, "#") {
		return Record{}, false
	}
	url, flagText := StripFlags(line)
	if !strings.HasPrefix(url, "http") {
		return Record{}, false
	}
	record := Record{URL: url, OriginalLine: line}
	if flagText != "" {
		record.Flags, record.UnknownFlags = parseFlags(flagText)
	}
	return record, true
}

// StripFlags splits a trailing [flag,...] group from line. The returned
// flag text excludes the brackets and is empty when there is no group.
func StripFlags(line string) (string, string) {
	line = strings.TrimSpace(line)
	if !strings.HasSuffix(line, "]") {
		return line, ""
	}
	start := strings.LastIndex(line, "[")
	if start <= 0 {
		return line, ""
	}
	return strings.TrimSpace(line[:start]), line[start+1 : len(line)-1]
}

func parseFlags(text string) (Flags, []string) {
	var (
		flags   Flags
		unknown []string
	)
	for _, token := range strings.Split(text, ",") {
		name := normalizeFlag(token)
		switch name {
		case "":
		case flagHeadline:
			flags.Headline = true
		case flagNewTab:
			flags.OpenInNewTab = true
		case flagNoRSS:
			flags.NoRSS = true
		default:
			unknown = append(unknown, name)
		}
	}
	return flags, unknown
}

func normalizeFlag(token string) string {
	return flagSeparators.ReplaceAllString(strings.ToLower(strings.TrimSpace(token)), "-")
}

// File is a source document on disk.
type File struct {
	Path string
	Name string
	User string
}

// LoadFile reads and parses the document at path.
func LoadFile(path string) (Document, error) {
	// #nosec G304 -- path comes from a directory listing of the feeds directory.
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("read source document: %w", err)
	}
	return Parse(string(data)), nil
}

// List returns the source documents in dir sorted by name. Files whose
// basename is not a valid user identifier are reported through skipped.
func List(dir string) (files []File, skipped []string, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("list source documents: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, Extension) {
			continue
		}
		file, ok := FileFor(dir, name)
		if !ok {
			skipped = append(skipped, name)
			continue
		}
		files = append(files, file)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, skipped, nil
}

// FileFor builds the File for a document name inside dir.
func FileFor(dir, name string) (File, bool) {
	user := ident.User(strings.TrimSuffix(name, Extension))
	if user == "" || user+Extension != name {
		return File{}, false
	}
	return File{Path: filepath.Join(dir, name), Name: name, User: user}, true
}
