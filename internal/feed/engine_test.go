package feed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/feedcache/internal/sources"
)

const sampleRSS = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
  <title>Folha Exemplo</title>
  <item>
    <title>Primeira &amp; notícia</title>
    <link>/noticia/1</link>
    <description><![CDATA[<p>Texto <b>um</b></p>]]></description>
    <pubDate>Mon, 02 Jan 2006 15:04:05 GMT</pubDate>
    <category>Política</category>
  </item>
  <item>
    <title>Segunda</title>
    <link>https://example.com/noticia/2</link>
    <description>Texto dois</description>
    <pubDate>Tue, 03 Jan 2006 10:00:00 GMT</pubDate>
  </item>
  <item>
    <title>Terceira</title>
    <link>https://example.com/noticia/3</link>
    <description>Texto três</description>
    <pubDate>Wed, 04 Jan 2006 10:00:00 GMT</pubDate>
  </item>
</channel>
</rss>`

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e := New(Config{Timeout: 2 * time.Second, MaxRetries: 2}, nil, nil, nil)
	e.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return e
}

func TestFetchRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, AcceptHeader, r.Header.Get("Accept"))
		assert.NotEmpty(t, r.Header.Get("User-Agent"))
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(sampleRSS))
	}))
	defer srv.Close()

	res := newTestEngine(t).Fetch(context.Background(), sources.Record{URL: srv.URL + "/feed", Category: "Geral"})
	require.NoError(t, res.Err)
	assert.Equal(t, 3, res.Attempts)
	assert.EqualValues(t, 3, calls.Load())
	require.Len(t, res.Items, 3)
	assert.Equal(t, "Folha Exemplo", res.Source)

	first := res.Items[0]
	assert.Equal(t, "Primeira & notícia", first.Title)
	assert.Equal(t, srv.URL+"/noticia/1", first.Link)
	assert.Equal(t, "Texto um", first.Description)
	assert.Equal(t, []string{"Política"}, first.Category)
	assert.Equal(t, "Geral", first.FeedCategory)
	assert.Equal(t, srv.URL+"/feed", first.SourceURL)
}

func TestFetchDoesNotRetryNotFound(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.NotFound(w, nil)
	}))
	defer srv.Close()

	res := newTestEngine(t).Fetch(context.Background(), sources.Record{URL: srv.URL})
	require.Error(t, res.Err)
	assert.True(t, errors.Is(res.Err, ErrStatus))
	var statusErr *StatusError
	require.ErrorAs(t, res.Err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.Code)
	assert.EqualValues(t, 1, calls.Load())
	assert.Empty(t, res.Items)
}

func TestFetchGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	res := newTestEngine(t).Fetch(context.Background(), sources.Record{URL: srv.URL})
	require.ErrorIs(t, res.Err, ErrStatus)
	assert.EqualValues(t, 3, calls.Load())
}

func TestFetchRejectsNonFeed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><body>not a feed</body></html>"))
	}))
	defer srv.Close()

	res := newTestEngine(t).Fetch(context.Background(), sources.Record{URL: srv.URL})
	require.ErrorIs(t, res.Err, ErrNotFeed)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, "not_feed", outcome(res.Err))
}

func TestFetchDecodesLatin1(t *testing.T) {
	body := "<?xml version=\"1.0\" encoding=\"ISO-8859-1\"?>" +
		"<rss version=\"2.0\"><channel><title>Jornal</title>" +
		"<item><title>A\xe7\xe3o no cora\xe7\xe3o</title><link>https://example.com/a</link></item>" +
		"</channel></rss>"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml; charset=ISO-8859-1")
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	res := newTestEngine(t).Fetch(context.Background(), sources.Record{URL: srv.URL})
	require.NoError(t, res.Err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "Ação no coração", res.Items[0].Title)
}

func TestFetchAtom(t *testing.T) {
	body := `<?xml version="1.0" encoding="utf-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>Blog Atom</title>
  <entry>
    <title>Entrada</title>
    <link rel="self" href="https://example.com/self"/>
    <link rel="alternate" href="https://example.com/post"/>
    <summary>Resumo</summary>
    <content type="html">&lt;p&gt;Conteúdo completo&lt;/p&gt;</content>
    <updated>2024-05-01T10:00:00Z</updated>
    <category term="tech"/>
  </entry>
</feed>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/atom+xml")
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	res := newTestEngine(t).Fetch(context.Background(), sources.Record{URL: srv.URL, Flags: sources.Flags{OpenInNewTab: true}})
	require.NoError(t, res.Err)
	require.Len(t, res.Items, 1)
	it := res.Items[0]
	assert.Equal(t, "Entrada", it.Title)
	assert.Equal(t, "https://example.com/post", it.Link)
	assert.Equal(t, "Conteúdo completo", it.Description)
	assert.Equal(t, "2024-05-01T10:00:00Z", it.PubDate)
	assert.Equal(t, []string{"tech"}, it.Category)
	assert.True(t, it.Flag)
	assert.Equal(t, "Blog Atom", it.Source)
}

func TestFetchAllKeepsOrderAndSkipsNoRSS(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/slow", func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(50 * time.Millisecond)
		_, _ = w.Write([]byte(`<rss><channel><title>Slow</title><item><title>s</title><link>https://a/s</link></item></channel></rss>`))
	})
	mux.HandleFunc("/fast", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<rss><channel><title>Fast</title><item><title>f</title><link>https://a/f</link></item></channel></rss>`))
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	e := newTestEngine(t)
	e.retry = NewRetryPolicy(0, time.Millisecond)
	records := []sources.Record{
		{URL: srv.URL + "/slow"},
		{URL: srv.URL + "/homepage", Flags: sources.Flags{NoRSS: true, Headline: true}},
		{URL: srv.URL + "/broken"},
		{URL: srv.URL + "/fast"},
	}
	results := e.FetchAll(context.Background(), records)
	require.Len(t, results, 3)
	assert.Equal(t, "Slow", results[0].Source)
	assert.Error(t, results[1].Err)
	assert.Equal(t, "Fast", results[2].Source)

	batch := e.FetchBatch(context.Background(), records)
	assert.Equal(t, 3, batch.Attempted)
	assert.Equal(t, 1, batch.Failed)
	require.Len(t, batch.Items, 2)
	assert.Equal(t, "s", batch.Items[0].Title)
	assert.Equal(t, "f", batch.Items[1].Title)
}

func TestFetchStopsWhenContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	e := newTestEngine(t)
	e.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}
	res := e.Fetch(ctx, sources.Record{URL: srv.URL})
	require.ErrorIs(t, res.Err, context.Canceled)
	assert.Equal(t, 1, res.Attempts)
}
