package feed

import (
	"testing"

	"github.com/mmcdole/gofeed/atom"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/feedcache/internal/sources"
)

func TestParseDocumentUnknownRoot(t *testing.T) {
	_, err := parseDocument(`<?xml version="1.0"?><html><body/></html>`)
	require.ErrorIs(t, err, ErrNotFeed)
}

func TestParseDocumentPortugueseDate(t *testing.T) {
	doc, err := parseDocument(`<rss version="2.0"><channel><title>  </title>
<item><title>T</title><link>a/b</link><pubDate>Sáb, 06 Abr 2024 08:00:00 -0300</pubDate></item>
<item></item>
</channel></rss>`)
	require.NoError(t, err)
	items := toItems(doc, sources.Record{URL: "https://www.jornal.com.br/rss/", Category: "Esportes"}, 800)
	require.Len(t, items, 2)
	assert.Equal(t, "Sat, 06 Apr 2024 08:00:00 -0300", items[0].PubDate)
	assert.Equal(t, "https://www.jornal.com.br/rss/a/b", items[0].Link)
	assert.Equal(t, "www.jornal.com.br", items[0].Source)
	assert.Equal(t, "Esportes", items[0].FeedCategory)
	assert.Empty(t, items[1].Title)
}

func TestSourceName(t *testing.T) {
	assert.Equal(t, "G1", sourceName("<![CDATA[G1]]>", "https://g1.globo.com/rss"))
	assert.Equal(t, "g1.globo.com", sourceName("", "https://g1.globo.com/rss"))
	assert.Equal(t, "not a url", sourceName("", "not a url"))
}

func TestAtomLink(t *testing.T) {
	assert.Equal(t, "https://x/alt", atomLink([]*atom.Link{
		{Href: "https://x/self", Rel: "self"},
		{Href: "https://x/alt", Rel: "alternate"},
	}))
	assert.Equal(t, "https://x/self", atomLink([]*atom.Link{{Href: "https://x/self", Rel: "self"}}))
	assert.Equal(t, "https://x/plain", atomLink([]*atom.Link{nil, {Href: " "}, {Href: "https://x/plain"}}))
	assert.Empty(t, atomLink(nil))
}
