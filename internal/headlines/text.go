package headlines

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/JakeFAU/feedcache/internal/fold"
)

const (
	// DefaultDescriptionLength bounds descriptions built from article text.
	DefaultDescriptionLength = 260
	rechunkLength            = 520
	rechunkMinSentences      = 4
)

var (
	nonWord          = regexp.MustCompile(`[^\w\s]`)
	thinkBlock       = regexp.MustCompile(`(?is)<think>.*?</think>`)
	openingFence     = regexp.MustCompile("(?i)^```[a-zA-Z]*\\s*")
	closingFence     = regexp.MustCompile("\\s*```\\s*$")
	paragraphBreak   = regexp.MustCompile(`\n{2,}`)
	lineBreaks       = regexp.MustCompile(`\n+`)
	leadingMarkup    = regexp.MustCompile(`^[-*#>\s]+`)
	whitespaceRun    = regexp.MustCompile(`\s+`)
	sentenceBoundary = regexp.MustCompile(`[.!?]\s+`)
)

// TitleSimilarity is the Dice coefficient of the accent-free words longer
// than two characters in a and b.
func TitleSimilarity(a, b string) float64 {
	wa, wb := titleWords(a), titleWords(b)
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}
	overlap := 0
	for w := range wa {
		if _, ok := wb[w]; ok {
			overlap++
		}
	}
	return float64(2*overlap) / float64(len(wa)+len(wb))
}

func titleWords(s string) map[string]struct{} {
	s = nonWord.ReplaceAllString(fold.StripAccents(strings.ToLower(s)), "")
	out := map[string]struct{}{}
	for _, w := range strings.Fields(s) {
		if len(w) > 2 {
			out[w] = struct{}{}
		}
	}
	return out
}

// NormalizeArticleText turns model output into plain paragraphs separated by
// blank lines. A single long paragraph of four or more sentences is split
// into chunks of roughly 520 characters.
func NormalizeArticleText(text string) string {
	cleaned := strings.TrimSpace(text)
	if cleaned == "" {
		return ""
	}
	cleaned = thinkBlock.ReplaceAllString(cleaned, "")
	cleaned = strings.TrimSpace(cleaned)
	cleaned = openingFence.ReplaceAllString(cleaned, "")
	cleaned = closingFence.ReplaceAllString(cleaned, "")
	cleaned = strings.TrimSpace(strings.ReplaceAll(cleaned, "\r\n", "\n"))

	var paragraphs []string
	for _, raw := range paragraphBreak.Split(cleaned, -1) {
		p := lineBreaks.ReplaceAllString(raw, " ")
		p = leadingMarkup.ReplaceAllString(p, "")
		p = strings.TrimSpace(whitespaceRun.ReplaceAllString(p, " "))
		if p != "" {
			paragraphs = append(paragraphs, p)
		}
	}
	switch len(paragraphs) {
	case 0:
		return ""
	case 1:
		return rechunk(paragraphs[0])
	default:
		return strings.Join(paragraphs, "\n\n")
	}
}

func rechunk(paragraph string) string {
	sentences := splitSentences(paragraph)
	if len(sentences) < rechunkMinSentences {
		return paragraph
	}
	var chunks []string
	current := ""
	for _, s := range sentences {
		next := s
		if current != "" {
			next = current + " " + s
		}
		if utf8.RuneCountInString(next) > rechunkLength && current != "" {
			chunks = append(chunks, current)
			current = s
			continue
		}
		current = next
	}
	if current != "" {
		chunks = append(chunks, current)
	}
	return strings.Join(chunks, "\n\n")
}

// splitSentences splits after '.', '!' or '?' followed by whitespace.
func splitSentences(text string) []string {
	var out []string
	start := 0
	for _, loc := range sentenceBoundary.FindAllStringIndex(text, -1) {
		if s := strings.TrimSpace(text[start : loc[0]+1]); s != "" {
			out = append(out, s)
		}
		start = loc[1]
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		out = append(out, s)
	}
	return out
}

// DescriptionFromContent returns the first paragraph of content, cut to 257
// characters plus "..." when longer than 260.
func DescriptionFromContent(content string) string {
	for _, p := range paragraphBreak.Split(content, -1) {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if utf8.RuneCountInString(p) <= DefaultDescriptionLength {
			return p
		}
		runes := []rune(p)
		return strings.TrimSpace(string(runes[:DefaultDescriptionLength-3])) + "..."
	}
	return ""
}
