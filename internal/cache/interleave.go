package cache

import "github.com/JakeFAU/feedcache/internal/links"

// Interleave takes one item per source per round, in source order, after
// capping each source at maxPerSource. Sources that run out are skipped.
func Interleave(sources Sources, maxPerSource int) []Item {
	if maxPerSource <= 0 {
		maxPerSource = DefaultMaxPerSource
	}
	var out []Item
	for round := 0; round < maxPerSource; round++ {
		added := false
		for _, src := range sources {
			if round < len(src.Items) {
				out = append(out, src.Items[round])
				added = true
			}
		}
		if !added {
			break
		}
	}
	return out
}

// Compose places the interleaved headlines first and then the RSS items that
// are not the same article as any headline. Headline markers on RSS items are
// stripped.
func Compose(sources Sources, rss []Item, maxPerSource int) []Item {
	headlines := Interleave(sources, maxPerSource)
	seen := make(map[string]struct{}, len(headlines))
	for _, it := range headlines {
		seen[links.NormalizeForCompare(it.Link)] = struct{}{}
	}
	out := make([]Item, 0, len(headlines)+len(rss))
	out = append(out, headlines...)
	for _, it := range rss {
		if _, dup := seen[links.NormalizeForCompare(it.Link)]; dup {
			continue
		}
		out = append(out, it.StripHeadline())
	}
	return out
}

// BaseItems returns the items of page that did not come from a headline
// source, with their markers stripped.
func BaseItems(items []Item) []Item {
	out := make([]Item, 0, len(items))
	for _, it := range items {
		if it.HeadlineSource != "" {
			continue
		}
		out = append(out, it.StripHeadline())
	}
	return out
}
