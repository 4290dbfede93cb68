package gcs_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/JakeFAU/feedcache/internal/storage/gcs"
)

type upload struct {
	name   string
	upload string
	body   string
}

type fakeGCS struct {
	mu      sync.Mutex
	uploads []upload
	status  int
}

func (f *fakeGCS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.uploads = append(f.uploads, upload{
		name:   r.URL.Query().Get("name"),
		upload: r.URL.Query().Get("uploadType"),
		body:   string(body),
	})
	status := f.status
	f.mu.Unlock()
	if status != 0 {
		http.Error(w, `{"error":{"code":403,"message":"denied"}}`, status)
		return
	}
	fmt.Fprintf(w, `{"name":%q,"bucket":"feeds"}`, r.URL.Query().Get("name"))
}

func (f *fakeGCS) recorded() []upload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]upload(nil), f.uploads...)
}

func openTestStore(t *testing.T, handler http.Handler) *gcs.BlobStore {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	store, err := gcs.Open(context.Background(), gcs.Config{Bucket: "feeds"},
		option.WithEndpoint(srv.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPutObject(t *testing.T) {
	t.Parallel()

	fake := &fakeGCS{}
	store := openTestStore(t, fake)

	uri, err := store.PutObject(context.Background(), "pages/ana-Geral.json", "application/json",
		strings.NewReader(`{"category":"Geral"}`))
	require.NoError(t, err)
	assert.Equal(t, "gs://feeds/pages/ana-Geral.json", uri)

	uploads := fake.recorded()
	require.Len(t, uploads, 1)
	assert.Equal(t, "pages/ana-Geral.json", uploads[0].name)
	assert.Equal(t, "multipart", uploads[0].upload)
	assert.Contains(t, uploads[0].body, `{"category":"Geral"}`)
	assert.Contains(t, uploads[0].body, "no-cache")
}

func TestPutObjectErrors(t *testing.T) {
	t.Parallel()

	store := openTestStore(t, &fakeGCS{status: http.StatusForbidden})
	_, err := store.PutObject(context.Background(), "pages/x.json", "application/json", strings.NewReader("{}"))
	require.Error(t, err)

	_, err = store.PutObject(context.Background(), " ", "application/json", strings.NewReader("{}"))
	require.EqualError(t, err, "path is required")
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := gcs.New(nil, gcs.Config{Bucket: "feeds"})
	require.Error(t, err)

	_, err = gcs.Open(context.Background(), gcs.Config{}, option.WithoutAuthentication())
	require.ErrorContains(t, err, "bucket name is required")
}
