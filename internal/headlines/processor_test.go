package headlines

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/feedcache/internal/cache"
	"github.com/JakeFAU/feedcache/internal/clock/system"
	"github.com/JakeFAU/feedcache/internal/keylock"
)

var testNow = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

type fakeScraper struct {
	mu    sync.Mutex
	pages map[string]string
	err   error
	calls []string
}

func (f *fakeScraper) Scrape(_ context.Context, pageURL string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, pageURL)
	if f.err != nil {
		return "", f.err
	}
	return f.pages[pageURL], nil
}

func (f *fakeScraper) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeRewriter struct {
	mu    sync.Mutex
	out   string
	err   error
	calls int
	langs []string
}

func (f *fakeRewriter) RewriteArticle(_ context.Context, title, _ string, lang string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.langs = append(f.langs, lang)
	if f.err != nil {
		return "", f.err
	}
	return strings.ReplaceAll(f.out, "{title}", title), nil
}

func newTestStore(t *testing.T) *cache.Store {
	t.Helper()
	return cache.NewStore(t.TempDir(), nil,
		cache.WithClock(system.NewManual(testNow)),
		cache.WithHeadlineTTL(6*time.Hour))
}

func rssItem(title, link string) cache.Item {
	return cache.Item{
		Title:        title,
		Link:         link,
		Description:  "desc " + title,
		PubDate:      "Fri, 10 May 2024 09:00:00 GMT",
		Category:     []string{},
		FeedCategory: "Geral",
		Source:       "Portal",
		SourceURL:    "https://portal.com.br/rss",
	}
}

var (
	itemPacote = rssItem("Governo anuncia novo pacote econômico", "https://portal.com.br/politica/governo-anuncia-pacote")
	itemChuva  = rssItem("Chuva forte atinge a capital paulista", "http://portal.com.br/cidades/chuva-forte-capital/")
	itemBolsa  = rssItem("Bolsa fecha em alta pela terceira semana", "https://portal.com.br/mercado/bolsa-fecha-alta")
)

func seedPage(t *testing.T, store *cache.Store, user string, items ...cache.Item) {
	t.Helper()
	page := cache.Page{
		LastUpdated:   testNow,
		FeedFile:      user + ".feeds",
		Category:      "Geral",
		AllCategories: []string{"Geral"},
	}
	page.SetItems(items)
	require.NoError(t, store.WritePage(context.Background(), user, page))
}

func portalTarget() Target {
	return Target{User: "alice", Category: "Geral", Homepage: "https://www.portal.com.br", NewTab: true}
}

func portalCandidates() []Candidate {
	return []Candidate{
		{Title: "Chuva forte atinge capital", URL: "https://portal.com.br/cidades/chuva-forte-capital"},
		{Title: "Bolsa fecha em alta pela terceira semana seguida", URL: "https://portal.com.br/2024/05/10/bolsa-alta-semana"},
		{Title: "Vacina nova aprovada pela agência", URL: "/saude/vacina-nova-aprovada", Description: "Resumo"},
		{Title: "Chuva forte repetida", URL: "https://portal.com.br/cidades/chuva-forte-capital/"},
		{Title: "Economia", URL: "https://portal.com.br/economia"},
	}
}

func titles(items []cache.Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Title
	}
	return out
}

func TestSourceName(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "portal.com.br", SourceName("https://www.portal.com.br"))
	assert.Equal(t, "g1.globo.com", SourceName("https://g1.globo.com"))
	assert.Equal(t, "weird", SourceName("weird"))
}

func TestMergeMatchesAndSynthesizes(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	seedPage(t, store, "alice", itemPacote, itemChuva, itemBolsa)
	proc := NewProcessor(store, keylock.New(), nil, nil, ProcessorConfig{}, nil)

	n, err := proc.Merge(context.Background(), portalTarget(), portalCandidates())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	doc := store.ReadHeadlines("alice", "Geral")
	require.Len(t, doc.Sources, 1)
	assert.Equal(t, "portal.com.br", doc.Sources[0].Name)
	assert.Equal(t, testNow.Format(time.RFC3339Nano), doc.UpdatedAt)

	got := doc.Sources[0].Items
	require.Len(t, got, 3)
	assert.Equal(t, itemChuva.Link, got[0].Link, "matched by normalized link")
	assert.Equal(t, itemBolsa.Link, got[1].Link, "matched by title similarity")
	assert.Equal(t, itemBolsa.Description, got[1].Description)
	for _, it := range got {
		assert.True(t, it.Headline)
		assert.True(t, it.Flag)
		assert.Equal(t, "portal.com.br", it.HeadlineSource)
	}

	synth := got[2]
	assert.Equal(t, "Vacina nova aprovada pela agência", synth.Title)
	assert.Equal(t, "https://www.portal.com.br/saude/vacina-nova-aprovada", synth.Link)
	assert.Equal(t, "Resumo", synth.Description)
	assert.Equal(t, testNow.Format(time.RFC3339Nano), synth.PubDate)
	assert.Equal(t, "Geral", synth.FeedCategory)
	assert.Equal(t, "portal.com.br", synth.Source)
	assert.Equal(t, "https://www.portal.com.br", synth.SourceURL)
	assert.NotNil(t, synth.Category)
	assert.Empty(t, synth.Category)
}

func TestMergeSimilarityThreshold(t *testing.T) {
	t.Parallel()

	rss := rssItem("Alpha Bravo Charlie Delta Echo", "https://portal.com.br/mercado/alpha-bravo")
	candidateURL := "https://portal.com.br/2024/05/10/alpha-bravo-charlie"
	tests := []struct {
		name     string
		title    string
		wantLink string
	}{
		{name: "exactly at threshold", title: "Alpha Bravo Charlie Foxtrot Golf", wantLink: rss.Link},
		{name: "above threshold", title: "Alpha Bravo Charlie Delta Golf", wantLink: rss.Link},
		{name: "below threshold", title: "Alpha Bravo Hotel India Juliet", wantLink: candidateURL},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			store := newTestStore(t)
			seedPage(t, store, "alice", rss)
			proc := NewProcessor(store, keylock.New(), nil, nil, ProcessorConfig{}, nil)

			n, err := proc.Merge(context.Background(), portalTarget(), []Candidate{{Title: tt.title, URL: candidateURL}})
			require.NoError(t, err)
			require.Equal(t, 1, n)
			items, ok := store.ReadHeadlines("alice", "Geral").Sources.Get("portal.com.br")
			require.True(t, ok)
			require.Len(t, items, 1)
			assert.Equal(t, tt.wantLink, items[0].Link)
		})
	}
}

func TestMergeWithoutPageDoesNothing(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	proc := NewProcessor(store, keylock.New(), nil, nil, ProcessorConfig{}, nil)
	n, err := proc.Merge(context.Background(), Target{User: "bob", Category: "Geral", Homepage: "https://x.com"}, portalCandidates())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, store.ReadHeadlines("bob", "Geral").Sources)

	n, err = proc.Merge(context.Background(), Target{User: "../etc", Category: "Geral"}, portalCandidates())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFinalizeInterleavesAndDedups(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t)
	seedPage(t, store, "alice", itemPacote, itemChuva, itemBolsa)
	proc := NewProcessor(store, keylock.New(), nil, nil, ProcessorConfig{}, nil)

	_, err := proc.Merge(ctx, portalTarget(), portalCandidates())
	require.NoError(t, err)
	_, err = proc.Merge(ctx, Target{User: "alice", Category: "Geral", Homepage: "https://g1.globo.com"}, []Candidate{
		{Title: "Outra matéria importante do dia", URL: "https://g1.globo.com/2024/05/10/outra-materia"},
	})
	require.NoError(t, err)

	placed, err := proc.Finalize(ctx, "alice", "Geral")
	require.NoError(t, err)
	assert.Equal(t, 4, placed)

	page, err := store.ReadPage("alice", "Geral")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"Chuva forte atinge a capital paulista",
		"Outra matéria importante do dia",
		"Bolsa fecha em alta pela terceira semana",
		"Vacina nova aprovada pela agência",
		"Governo anuncia novo pacote econômico",
	}, titles(page.Items))
	assert.Equal(t, 5, page.TotalItems)
	assert.Equal(t, 1, page.TotalPages)
	assert.False(t, page.Items[4].Headline)

	// Clearing one source leaves the other in place.
	n, err := proc.Merge(ctx, portalTarget(), []Candidate{})
	require.NoError(t, err)
	assert.Zero(t, n)
	_, ok := store.ReadHeadlines("alice", "Geral").Sources.Get("portal.com.br")
	assert.False(t, ok)

	placed, err = proc.Finalize(ctx, "alice", "Geral")
	require.NoError(t, err)
	assert.Equal(t, 1, placed)
	page, err = store.ReadPage("alice", "Geral")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"Outra matéria importante do dia",
		"Governo anuncia novo pacote econômico",
	}, titles(page.Items))
}

func TestFinalizeWithoutSourcesStripsMarkers(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	stale := itemChuva
	stale.Headline = true
	stale.HeadlineSource = "gone.com"
	marked := itemPacote
	marked.Headline = true
	seedPage(t, store, "alice", stale, marked, itemBolsa)
	proc := NewProcessor(store, keylock.New(), nil, nil, ProcessorConfig{}, nil)

	placed, err := proc.Finalize(context.Background(), "alice", "Geral")
	require.NoError(t, err)
	assert.Zero(t, placed)
	page, err := store.ReadPage("alice", "Geral")
	require.NoError(t, err)
	assert.Equal(t, []string{itemPacote.Title, itemBolsa.Title}, titles(page.Items))
	for _, it := range page.Items {
		assert.False(t, it.Headline)
		assert.Empty(t, it.HeadlineSource)
	}
}

func TestEnrichFillsPageAndSideCar(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t)
	seedPage(t, store, "alice", itemPacote, itemChuva, itemBolsa)
	long := strings.Repeat("Texto da matéria com bastante conteúdo. ", 20)
	scraper := &fakeScraper{pages: map[string]string{
		itemChuva.Link: long,
		itemBolsa.Link: "curto",
		"https://www.portal.com.br/saude/vacina-nova-aprovada": long,
	}}
	rewriter := &fakeRewriter{out: "<think>hmm</think>Corpo de {title}.\n\nSegundo parágrafo."}
	proc := NewProcessor(store, keylock.New(), scraper, rewriter, ProcessorConfig{TargetLanguage: "pt-BR"}, nil)

	_, err := proc.Merge(ctx, portalTarget(), portalCandidates())
	require.NoError(t, err)
	_, err = proc.Finalize(ctx, "alice", "Geral")
	require.NoError(t, err)

	n, err := proc.Enrich(ctx, "alice", "Geral", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 3, scraper.callCount())
	assert.Equal(t, 2, rewriter.calls)
	assert.Equal(t, []string{"pt-BR", "pt-BR"}, rewriter.langs)

	page, err := store.ReadPage("alice", "Geral")
	require.NoError(t, err)
	byTitle := map[string]cache.Item{}
	for _, it := range page.Items {
		byTitle[it.Title] = it
	}
	chuva := byTitle[itemChuva.Title]
	assert.Equal(t, "Corpo de "+itemChuva.Title+".\n\nSegundo parágrafo.", chuva.FullContent)
	assert.Equal(t, "Corpo de "+itemChuva.Title+".", chuva.Description)
	assert.Empty(t, byTitle[itemBolsa.Title].FullContent)
	assert.Empty(t, byTitle[itemPacote.Title].FullContent)

	side := store.ReadHeadlines("alice", "Geral")
	items, ok := side.Sources.Get("portal.com.br")
	require.True(t, ok)
	assert.Equal(t, chuva.FullContent, items[0].FullContent)

	// Already enriched items are not fetched again.
	n, err = proc.Enrich(ctx, "alice", "Geral", nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 4, scraper.callCount())
}

func TestEnrichReusesRunResultsAcrossCategories(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t)
	seedPage(t, store, "alice", itemChuva, itemPacote)
	seedPage(t, store, "bob", itemChuva, itemBolsa)
	long := strings.Repeat("Texto da matéria com bastante conteúdo. ", 20)
	scraper := &fakeScraper{pages: map[string]string{itemChuva.Link: long}}
	rewriter := &fakeRewriter{out: "Corpo de {title}."}
	proc := NewProcessor(store, keylock.New(), scraper, rewriter, ProcessorConfig{}, nil)

	for _, user := range []string{"alice", "bob"} {
		target := portalTarget()
		target.User = user
		_, err := proc.Merge(ctx, target, portalCandidates()[:1])
		require.NoError(t, err)
		_, err = proc.Finalize(ctx, user, "Geral")
		require.NoError(t, err)
	}

	seen := NewEnrichments()
	for _, user := range []string{"alice", "bob"} {
		n, err := proc.Enrich(ctx, user, "Geral", seen)
		require.NoError(t, err)
		assert.Equal(t, 1, n, user)
	}
	assert.Equal(t, 1, scraper.callCount())
	assert.Equal(t, 1, rewriter.calls)
	assert.Equal(t, 1, seen.Len())

	page, err := store.ReadPage("bob", "Geral")
	require.NoError(t, err)
	assert.Equal(t, "Corpo de "+itemChuva.Title+".", page.Items[0].FullContent)
}

func TestEnrichStopsWhenRewriterUnavailable(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t)
	seedPage(t, store, "alice", itemPacote, itemChuva, itemBolsa)
	long := strings.Repeat("x", 400)
	scraper := &fakeScraper{pages: map[string]string{
		itemChuva.Link: long,
		itemBolsa.Link: long,
		"https://www.portal.com.br/saude/vacina-nova-aprovada": long,
	}}
	rewriter := &fakeRewriter{err: fmt.Errorf("rejected key: %w", ErrUnavailable)}
	proc := NewProcessor(store, keylock.New(), scraper, rewriter, ProcessorConfig{}, nil)

	_, err := proc.Merge(ctx, portalTarget(), portalCandidates())
	require.NoError(t, err)
	_, err = proc.Finalize(ctx, "alice", "Geral")
	require.NoError(t, err)

	n, err := proc.Enrich(ctx, "alice", "Geral", nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, rewriter.calls)
}
