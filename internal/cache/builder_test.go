package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/feedcache/internal/keylock"
	"github.com/JakeFAU/feedcache/internal/sources"
)

type fakeFetcher struct {
	batch Batch
	calls int
}

func (f *fakeFetcher) FetchBatch(_ context.Context, records []sources.Record) Batch {
	f.calls++
	b := f.batch
	b.Attempted = len(records)
	return b
}

func rssItem(title, link, category, pubDate string) Item {
	return Item{
		Title:        title,
		Link:         link,
		PubDate:      pubDate,
		Category:     []string{},
		FeedCategory: category,
		Source:       "Example",
		SourceURL:    "https://example.com/rss",
	}
}

const twoCategoryDoc = `[Geral]
https://example.com/rss
[Esportes]
https://example.com/esportes/rss
[Vazia]
https://example.com/vazia/rss[no-rss]
`

func newTestBuilder(t *testing.T, fetcher Fetcher, opts ...Option) (*Builder, *Store) {
	t.Helper()
	store := NewStore(t.TempDir(), zap.NewNop(), opts...)
	return NewBuilder(fetcher, store, keylock.New(), BuilderConfig{ItemsPerPage: 12}, zap.NewNop()), store
}

func TestBuildDocumentGroupsAndSorts(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{batch: Batch{Items: []Item{
		rssItem("velha", "https://example.com/a/velha", "Geral", "Mon, 01 Jan 2024 10:00:00 +0000"),
		rssItem("sem data", "https://example.com/a/sem-data", "Geral", "quando?"),
		rssItem("nova", "https://example.com/a/nova", "Geral", "Seg, 05 Fev 2024 10:00:00 -0300"),
		rssItem("gol", "https://example.com/e/gol", "Esportes", "2024-02-01T00:00:00Z"),
	}}}
	builder, store := newTestBuilder(t, fetcher)
	doc := sources.Parse(twoCategoryDoc)

	report, err := builder.BuildDocument(context.Background(), sources.File{Name: "ana.feeds", User: "ana"}, doc)
	require.NoError(t, err)
	assert.Equal(t, []string{"Geral", "Esportes", "Vazia"}, report.Categories)
	assert.Equal(t, 4, report.Items)

	geral, err := store.ReadPage("ana", "Geral")
	require.NoError(t, err)
	assert.Equal(t, []string{"nova", "velha", "sem data"}, titles(geral.Items))
	assert.Equal(t, []string{"Geral", "Esportes", "Vazia"}, geral.AllCategories)
	assert.Equal(t, "ana.feeds", geral.FeedFile)

	vazia, err := store.ReadPage("ana", "Vazia")
	require.NoError(t, err)
	assert.Empty(t, vazia.Items)
	assert.Equal(t, 1, vazia.TotalPages)
}

func TestBuildDocumentPlacesFreshHeadlinesFirst(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{batch: Batch{Items: []Item{
		rssItem("rss 1", "https://example.com/a/rss-1", "Geral", "2024-02-02T00:00:00Z"),
		rssItem("rss dup", "https://example.com/a/manchete", "Geral", "2024-02-01T00:00:00Z"),
	}}}
	builder, store := newTestBuilder(t, fetcher, WithHeadlineTTL(time.Hour))

	h := rssItem("manchete", "https://example.com/a/manchete/", "Geral", "2024-02-01T00:00:00Z")
	h.Headline = true
	h.HeadlineSource = "example.com"
	require.NoError(t, store.WriteHeadlines(context.Background(), "ana", "Geral", Sources{{Name: "example.com", Items: []Item{h}}}))

	_, err := builder.BuildDocument(context.Background(), sources.File{Name: "ana.feeds", User: "ana"}, sources.Parse("https://example.com/rss\n"))
	require.NoError(t, err)

	page, err := store.ReadPage("ana", "Geral")
	require.NoError(t, err)
	assert.Equal(t, []string{"manchete", "rss 1"}, titles(page.Items))
	assert.True(t, page.Items[0].Headline)

	_, statErr := os.Stat(store.HeadlinesPath("ana", "Geral"))
	assert.NoError(t, statErr, "side-car survives a rebuild")
}

func TestBuildDocumentIsIdempotent(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{batch: Batch{Items: []Item{
		rssItem("um", "https://example.com/a/um", "Geral", "2024-02-02T00:00:00Z"),
		rssItem("dois", "https://example.com/a/dois", "Geral", "2024-02-01T00:00:00Z"),
	}}}
	builder, store := newTestBuilder(t, fetcher)
	file := sources.File{Name: "ana.feeds", User: "ana"}
	doc := sources.Parse("https://example.com/rss\n")

	_, err := builder.BuildDocument(context.Background(), file, doc)
	require.NoError(t, err)
	first, err := os.ReadFile(store.PagePath("ana", "Geral"))
	require.NoError(t, err)

	_, err = builder.BuildDocument(context.Background(), file, doc)
	require.NoError(t, err)
	second, err := os.ReadFile(store.PagePath("ana", "Geral"))
	require.NoError(t, err)

	stamp := regexp.MustCompile(`"lastUpdated": "[^"]*"`)
	assert.True(t, bytes.Equal(
		stamp.ReplaceAll(first, nil),
		stamp.ReplaceAll(second, nil),
	))
}

func TestBuildDocumentKeepsCacheWhenEveryFeedFails(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{batch: Batch{Items: []Item{rssItem("um", "https://example.com/a/um", "Geral", "")}}}
	builder, store := newTestBuilder(t, fetcher)
	file := sources.File{Name: "ana.feeds", User: "ana"}
	doc := sources.Parse("https://example.com/rss\n")
	_, err := builder.BuildDocument(context.Background(), file, doc)
	require.NoError(t, err)

	fetcher.batch = Batch{Failed: 1}
	report, err := builder.BuildDocument(context.Background(), file, doc)
	require.NoError(t, err)
	assert.True(t, report.Skipped)

	page, err := store.ReadPage("ana", "Geral")
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)
}

func TestBuildDocumentKeepsPriorPageWhenWriteFails(t *testing.T) {
	t.Parallel()

	// The page name fits in a directory entry but the temp name next to it
	// does not, so only the replacement write fails.
	user := strings.Repeat("u", 100)
	category := strings.Repeat("c", 100)
	fetcher := &fakeFetcher{batch: Batch{Items: []Item{
		rssItem("nova", "https://example.com/a/nova", category, "2024-02-02T00:00:00Z"),
	}}}
	builder, store := newTestBuilder(t, fetcher)

	prior := Page{Category: category, FeedFile: user + ".feeds", Page: 1, TotalPages: 1, ItemsPerPage: 12}
	prior.SetItems([]Item{rssItem("antiga", "https://example.com/a/antiga", category, "")})
	data, err := json.Marshal(prior)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(store.PagePath(user, category), data, 0o600))

	doc := sources.Parse("[" + category + "]\nhttps://example.com/rss\n")
	report, err := builder.BuildDocument(context.Background(), sources.File{Name: user + ".feeds", User: user}, doc)
	require.Error(t, err)
	assert.Contains(t, report.Errors, category)

	page, err := store.ReadPage(user, category)
	require.NoError(t, err, "previous page must survive a failed rewrite")
	assert.Equal(t, []string{"antiga"}, titles(page.Items))
}

func TestBuildDocumentPrunesUndeclaredCategories(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{batch: Batch{Items: []Item{
		rssItem("um", "https://example.com/a/um", "Geral", "2024-02-02T00:00:00Z"),
	}}}
	builder, store := newTestBuilder(t, fetcher)
	ctx := context.Background()
	file := sources.File{Name: "ana.feeds", User: "ana"}

	_, err := builder.BuildDocument(ctx, file, sources.Parse(twoCategoryDoc))
	require.NoError(t, err)
	require.NoError(t, store.WriteHeadlines(ctx, "ana", "Esportes", Sources{{Name: "example.com"}}))
	other := Page{Category: "Geral", FeedFile: "ana-b.feeds"}
	require.NoError(t, store.WritePage(ctx, "ana-b", other))

	_, err = builder.BuildDocument(ctx, file, sources.Parse("[Geral]\nhttps://example.com/rss\n"))
	require.NoError(t, err)

	assert.True(t, store.PageExists("ana", "Geral"))
	assert.False(t, store.PageExists("ana", "Esportes"))
	assert.False(t, store.PageExists("ana", "Vazia"))
	assert.FileExists(t, store.HeadlinesPath("ana", "Esportes"), "side-cars are never pruned")
	assert.True(t, store.PageExists("ana-b", "Geral"), "pages of another document are left alone")
}

func TestSortByDateIsStable(t *testing.T) {
	t.Parallel()

	items := []Item{
		rssItem("x1", "", "", "invalid"),
		rssItem("d1", "", "", "2024-01-01T00:00:00Z"),
		rssItem("x2", "", "", ""),
		rssItem("d2", "", "", "2024-01-01T00:00:00Z"),
		rssItem("d3", "", "", "2024-03-01T00:00:00Z"),
	}
	assert.Equal(t, []string{"d3", "d1", "d2", "x1", "x2"}, titles(SortByDate(items)))
}

func TestLockKey(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "feed:ana:Geral", LockKey("ana", "Geral"))
}
