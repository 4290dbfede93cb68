package scrape

import (
	"fmt"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/feedcache/internal/links"
)

const prunedSelectors = "script, style, noscript, iframe, svg, canvas, video, audio, " +
	"header nav, nav, header, footer, aside, form, " +
	".cookie-banner, .advertisement, .ad, " +
	`[role="banner"], [role="navigation"], [role="contentinfo"]`

const mainSelectors = `main, article, [role="main"], .content, #content`

// Markdown prunes page chrome from html, keeps the main content element (or
// the body) and converts it to markdown. Images are dropped and relative
// links are resolved against pageURL.
func Markdown(html, pageURL string) (string, error) {
	if strings.TrimSpace(html) == "" {
		return "", nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	doc.Find(prunedSelectors).Remove()
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		if resolved := links.Resolve(href, pageURL); resolved != "" {
			a.SetAttr("href", resolved)
		}
	})

	content := doc.Find(mainSelectors).First()
	if content.Length() == 0 {
		content = doc.Find("body")
	}
	if content.Length() == 0 {
		content = doc.Selection
	}

	conv := md.NewConverter("", true, &md.Options{
		HeadingStyle:   "atx",
		CodeBlockStyle: "fenced",
	})
	conv.Remove("img", "figure", "picture")
	return strings.TrimSpace(conv.Convert(content)), nil
}
