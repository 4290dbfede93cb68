package sources

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

const sampleDoc = `
# morning reading
https://g1.globo.com/rss/g1/
[Tecnologia]
https://www.tecmundo.com.br/rss
https://www.theverge.com/ [headline, New Tab, no_rss]
not-a-url
[../etc]
https://example.com/feed[HEADLINE,sparkle]
[Tecnologia]
https://olhardigital.com.br/feed/
`

func TestParse(t *testing.T) {
	t.Parallel()

	doc := Parse(sampleDoc)

	want := []Record{
		{URL: "https://g1.globo.com/rss/g1/", OriginalLine: "https://g1.globo.com/rss/g1/", Category: "Geral"},
		{URL: "https://www.tecmundo.com.br/rss", OriginalLine: "https://www.tecmundo.com.br/rss", Category: "Tecnologia"},
		{
			URL:          "https://www.theverge.com/",
			OriginalLine: "https://www.theverge.com/ [headline, New Tab, no_rss]",
			Category:     "Tecnologia",
			Flags:        Flags{Headline: true, OpenInNewTab: true, NoRSS: true},
		},
		{
			URL:          "https://example.com/feed",
			OriginalLine: "https://example.com/feed[HEADLINE,sparkle]",
			Category:     "Geral",
			Flags:        Flags{Headline: true},
			UnknownFlags: []string{"sparkle"},
		},
		{URL: "https://olhardigital.com.br/feed/", OriginalLine: "https://olhardigital.com.br/feed/", Category: "Tecnologia"},
	}
	if diff := cmp.Diff(want, doc.Records); diff != "" {
		t.Fatalf("records mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, []string{"Geral", "Tecnologia"}, doc.Categories)

	var messages []string
	for _, d := range doc.Diagnostics {
		messages = append(messages, d.String())
	}
	require.Len(t, messages, 3)
	require.Contains(t, messages[0], "line 7: not a source url")
	require.Contains(t, messages[1], `invalid category "../etc"`)
	require.Contains(t, messages[2], `unknown flag "sparkle"`)
}

func TestParse_EveryRecordStartsWithHTTP(t *testing.T) {
	t.Parallel()

	doc := Parse("ftp://x\nwww.example.com\n  http://ok.example/feed  \n[A]\nhttps://ok.example/b [no-rss]\n]\n[")
	require.Len(t, doc.Records, 2)
	for _, r := range doc.Records {
		require.True(t, strings.HasPrefix(r.URL, "http"), r.URL)
	}
}

func TestParse_CategoriesKeepFirstOccurrenceOrder(t *testing.T) {
	t.Parallel()

	doc := Parse("[B]\n[A]\n[B]\n[a]\n")
	require.Equal(t, []string{"B", "A", "a"}, doc.Categories)
	require.Empty(t, doc.Records)
}

func TestDocumentFilters(t *testing.T) {
	t.Parallel()

	doc := Parse("https://a.example/rss\nhttps://b.example/ [headline,no-rss]\nhttps://c.example/rss [headline]\n")
	require.Len(t, doc.FeedRecords(), 2)
	require.Len(t, doc.HeadlineRecords(), 2)
	require.Equal(t, "https://b.example/", doc.HeadlineRecords()[0].URL)
}

func TestStripFlags(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		line, url, flags string
	}{
		{"https://a.example/", "https://a.example/", ""},
		{"https://a.example/ [headline]", "https://a.example/", "headline"},
		{"https://a.example/[a,b]", "https://a.example/", "a,b"},
		{"[headline]", "[headline]", ""},
	}
	for _, tc := range testCases {
		url, flags := StripFlags(tc.line)
		require.Equal(t, tc.url, url, tc.line)
		require.Equal(t, tc.flags, flags, tc.line)
	}
}

func TestListAndLoadFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "maria.feeds"), []byte("https://a.example/rss\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "con.feeds"), []byte(""), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte(""), 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "dir.feeds"), 0o750))

	files, skipped, err := List(dir)
	require.NoError(t, err)
	require.Equal(t, []File{{Path: filepath.Join(dir, "maria.feeds"), Name: "maria.feeds", User: "maria"}}, files)
	require.Equal(t, []string{"con.feeds"}, skipped)

	doc, err := LoadFile(files[0].Path)
	require.NoError(t, err)
	require.Len(t, doc.Records, 1)

	_, err = LoadFile(filepath.Join(dir, "missing.feeds"))
	require.Error(t, err)

	_, _, err = List(filepath.Join(dir, "missing"))
	require.Error(t, err)
}
