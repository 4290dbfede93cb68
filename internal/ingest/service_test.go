package ingest

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/feedcache/internal/cache"
	"github.com/JakeFAU/feedcache/internal/feed"
	"github.com/JakeFAU/feedcache/internal/headlines"
	"github.com/JakeFAU/feedcache/internal/sources"
)

const rssBody = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel><title>Portal</title>
<item><title>Primeira</title><link>https://portal.example/a/1</link><pubDate>Mon, 06 May 2024 10:00:00 +0000</pubDate></item>
<item><title>Segunda</title><link>https://portal.example/a/2</link><pubDate>Tue, 07 May 2024 10:00:00 +0000</pubDate></item>
<item><title>Terceira</title><link>https://portal.example/a/3</link><pubDate>Wed, 08 May 2024 10:00:00 +0000</pubDate></item>
</channel></rss>`

func feedServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/rss":
			w.Header().Set("Content-Type", "application/rss+xml")
			_, _ = w.Write([]byte(rssBody))
		case "/slow":
			select {
			case <-time.After(2 * time.Second):
			case <-r.Context().Done():
			}
		default:
			http.Error(w, "boom", http.StatusInternalServerError)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

type fixture struct {
	svc      *Service
	store    *cache.Store
	feedsDir string
}

func newFixture(t *testing.T, schedule Schedule, deps Deps) fixture {
	t.Helper()
	root := t.TempDir()
	feedsDir := filepath.Join(root, "feeds")
	require.NoError(t, os.MkdirAll(feedsDir, 0o750))

	if deps.Store == nil {
		deps.Store = cache.NewStore(filepath.Join(root, "pages"), zap.NewNop())
	}
	if deps.Fetcher == nil {
		deps.Fetcher = feed.New(feed.Config{MaxRetries: 0, RetryBaseDelay: time.Millisecond}, nil, nil, zap.NewNop())
	}
	svc, err := New(Config{FeedsDir: feedsDir, Schedule: schedule}, deps, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Stop() })
	return fixture{svc: svc, store: deps.Store, feedsDir: feedsDir}
}

func (f fixture) writeDoc(t *testing.T, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(f.feedsDir, name), []byte(body), 0o600))
}

func TestIngestAllEndToEnd(t *testing.T) {
	t.Parallel()

	srv := feedServer(t)
	f := newFixture(t, Schedule{}, Deps{})
	f.writeDoc(t, "ana.feeds", fmt.Sprintf("[Geral]\n%s/rss\n%s/broken\n", srv.URL, srv.URL))
	f.writeDoc(t, "a..b.feeds", srv.URL+"/rss\n")

	summary, err := f.svc.IngestAll(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, summary.RunID)
	assert.Equal(t, 1, summary.Documents)
	assert.Equal(t, 1, summary.Built)
	assert.Equal(t, 3, summary.Items)
	assert.Equal(t, []string{"a..b.feeds"}, summary.Invalid)

	page, err := f.store.ReadPage("ana", "Geral")
	require.NoError(t, err)
	assert.Equal(t, 3, page.TotalItems)
	assert.Equal(t, "Terceira", page.Items[0].Title)
	assert.Equal(t, "ana.feeds", page.FeedFile)

	status := f.svc.Status()
	assert.False(t, status.Ingesting)
	assert.Equal(t, 1, status.LastIngest.Built)
	assert.Equal(t, 0, f.svc.Locks().Len())
}

func TestIngestKeepsCacheWhenEveryFeedFails(t *testing.T) {
	t.Parallel()

	srv := feedServer(t)
	f := newFixture(t, Schedule{}, Deps{})
	f.writeDoc(t, "ana.feeds", srv.URL+"/rss\n")
	_, err := f.svc.IngestAll(context.Background())
	require.NoError(t, err)

	f.writeDoc(t, "ana.feeds", srv.URL+"/broken\n")
	summary, err := f.svc.IngestAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Kept)

	page, err := f.store.ReadPage("ana", sources.DefaultCategory)
	require.NoError(t, err)
	assert.Equal(t, 3, page.TotalItems)
}

func TestIngestAllRejectsOverlap(t *testing.T) {
	t.Parallel()

	srv := feedServer(t)
	f := newFixture(t, Schedule{}, Deps{})
	f.writeDoc(t, "ana.feeds", srv.URL+"/slow\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, err := f.svc.IngestAll(ctx)
		done <- err
	}()
	require.Eventually(t, func() bool { return f.svc.Status().Ingesting }, time.Second, 5*time.Millisecond)

	_, err := f.svc.IngestAll(context.Background())
	require.ErrorIs(t, err, ErrRunInProgress)
	_, err = f.svc.TriggerIngest()
	require.ErrorIs(t, err, ErrRunInProgress)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestIngestUser(t *testing.T) {
	t.Parallel()

	srv := feedServer(t)
	f := newFixture(t, Schedule{}, Deps{})
	f.writeDoc(t, "ana.feeds", srv.URL+"/rss\n")

	report, err := f.svc.IngestUser(context.Background(), "ana")
	require.NoError(t, err)
	assert.Equal(t, 3, report.Items)
	assert.True(t, f.store.PageExists("ana", sources.DefaultCategory))

	_, err = f.svc.IngestUser(context.Background(), "bob")
	require.ErrorIs(t, err, ErrUnknownUser)
	_, err = f.svc.IngestUser(context.Background(), "../ana")
	require.ErrorIs(t, err, ErrUnknownUser)
}

func TestTriggerUserGuardsPerUser(t *testing.T) {
	t.Parallel()

	srv := feedServer(t)
	f := newFixture(t, Schedule{}, Deps{})
	f.writeDoc(t, "ana.feeds", srv.URL+"/slow\n")
	f.writeDoc(t, "bob.feeds", srv.URL+"/rss\n")

	require.NoError(t, f.svc.TriggerUser("ana"))
	require.ErrorIs(t, f.svc.TriggerUser("ana"), ErrRunInProgress)
	require.NoError(t, f.svc.TriggerUser("bob"))
	require.Eventually(t, func() bool {
		return f.store.PageExists("bob", sources.DefaultCategory)
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.svc.Stop())
	require.ErrorIs(t, f.svc.TriggerUser("bob"), ErrStopped)
	_, err := f.svc.TriggerIngest()
	require.ErrorIs(t, err, ErrStopped)
}

func TestTriggersRacingStop(t *testing.T) {
	t.Parallel()

	srv := feedServer(t)
	f := newFixture(t, Schedule{}, Deps{})
	f.writeDoc(t, "ana.feeds", srv.URL+"/rss\n")

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < 20; j++ {
				_ = f.svc.TriggerUser("ana")
				_ = f.svc.TriggerHeadlines()
				_, _ = f.svc.TriggerIngest()
			}
		}()
	}
	close(start)
	require.NoError(t, f.svc.Stop())
	wg.Wait()

	require.ErrorIs(t, f.svc.TriggerUser("ana"), ErrStopped)
	require.ErrorIs(t, f.svc.TriggerHeadlines(), ErrStopped)
	_, err := f.svc.TriggerIngest()
	require.ErrorIs(t, err, ErrStopped)
	assert.False(t, f.svc.Status().Ingesting)
}

type countingFetcher struct {
	mu    sync.Mutex
	calls int
}

func (c *countingFetcher) FetchBatch(_ context.Context, records []sources.Record) cache.Batch {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return cache.Batch{Attempted: len(records), Items: []cache.Item{{
		Title:        "Única",
		Link:         "https://portal.example/u",
		FeedCategory: sources.DefaultCategory,
		Category:     []string{},
	}}}
}

func (c *countingFetcher) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestScheduledIngestSkipsFreshDocuments(t *testing.T) {
	t.Parallel()

	fetcher := &countingFetcher{}
	f := newFixture(t, Schedule{MinRefresh: time.Hour}, Deps{Fetcher: fetcher})
	f.writeDoc(t, "ana.feeds", "https://portal.example/rss\n")

	summary, err := f.svc.runPass(context.Background(), "scheduled", false)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Built)

	summary, err = f.svc.runPass(context.Background(), "scheduled", false)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Fresh)
	assert.Equal(t, 0, summary.Built)

	_, err = f.svc.IngestAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, fetcher.Calls())
}

func TestStartRunsInitialIngestion(t *testing.T) {
	t.Parallel()

	fetcher := &countingFetcher{}
	f := newFixture(t, Schedule{Watch: true, IngestInterval: time.Hour}, Deps{Fetcher: fetcher})
	f.writeDoc(t, "ana.feeds", "https://portal.example/rss\n")

	require.NoError(t, f.svc.Start(context.Background()))
	require.Error(t, f.svc.Start(context.Background()))
	require.Eventually(t, func() bool {
		return f.store.PageExists("ana", sources.DefaultCategory)
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return f.svc.Status().Watched == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, f.svc.Status().Started)

	require.NoError(t, f.svc.Stop())
	require.NoError(t, f.svc.Stop())
	assert.False(t, f.svc.Status().Started)
}

func TestRunHeadlinesSkipsWithoutCapabilities(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Schedule{}, Deps{Fetcher: &countingFetcher{}})
	f.writeDoc(t, "ana.feeds", "https://www.portal.example/ [headline, no-rss]\n")

	targets, err := f.svc.headlineTargets()
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, headlines.Target{
		User:     "ana",
		Category: sources.DefaultCategory,
		Homepage: "https://www.portal.example",
	}, targets[0])

	report, err := f.svc.RunHeadlines(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "language model not configured", report.Skipped)
}

func TestNewValidatesDeps(t *testing.T) {
	t.Parallel()

	store := cache.NewStore(t.TempDir(), zap.NewNop())
	_, err := New(Config{FeedsDir: t.TempDir()}, Deps{}, nil)
	require.Error(t, err)
	_, err = New(Config{FeedsDir: t.TempDir()}, Deps{Store: store}, nil)
	require.Error(t, err)
	_, err = New(Config{}, Deps{Store: store, Fetcher: &countingFetcher{}}, nil)
	require.Error(t, err)

	svc, err := New(Config{FeedsDir: t.TempDir()}, Deps{Store: store, Fetcher: &countingFetcher{}}, nil)
	require.NoError(t, err)
	assert.Equal(t, defaultIngestInterval, svc.cfg.Schedule.IngestInterval)
	assert.Equal(t, defaultHeadlineInterval, svc.cfg.Schedule.HeadlineInterval)
	require.NoError(t, svc.Stop())
}
