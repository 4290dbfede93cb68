package scrape

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewChromedpLimiter(t *testing.T) {
	t.Parallel()

	_, err := NewChromedp(Config{MaxTabs: -1})
	require.Error(t, err)

	renderer, err := NewChromedp(Config{MaxTabs: 3})
	require.NoError(t, err)
	t.Cleanup(renderer.Close)
	assert.Equal(t, 3, cap(renderer.limiter))
	assert.Equal(t, 30*time.Second, renderer.cfg.NavigationTimeout)
}

func TestChromedpAcquireHonorsContext(t *testing.T) {
	t.Parallel()

	renderer, err := NewChromedp(Config{MaxTabs: 1})
	require.NoError(t, err)
	t.Cleanup(renderer.Close)

	require.NoError(t, renderer.acquire(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, renderer.acquire(ctx), context.DeadlineExceeded)

	renderer.release()
	require.NoError(t, renderer.acquire(context.Background()))
	renderer.release()
	renderer.release()
}

func TestResponseMetaCaptureAndFallbacks(t *testing.T) {
	t.Parallel()

	meta := &responseMeta{}
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 404, URL: "https://example.com/gone"},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 200, URL: "https://ads.example.com/frame"},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeScript,
		Response: &network.Response{Status: 500, URL: "https://example.com/app.js"},
	})
	status, url := meta.snapshotWithFallbacks("https://req", "")
	assert.Equal(t, 404, status)
	assert.Equal(t, "https://example.com/gone", url)

	status, url = (&responseMeta{}).snapshotWithFallbacks("https://req", "https://final")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "https://final", url)

	_, url = (&responseMeta{}).snapshotWithFallbacks("https://req", "")
	assert.Equal(t, "https://req", url)
}
