package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/JakeFAU/feedcache/internal/headlines"
)

const (
	// MaxHomepageChars is how much homepage markdown is sent for extraction.
	MaxHomepageChars = 15000
	truncatedMarker  = "\n\n[...truncated content...]"

	rewriteTemperature = 0.2
	rewriteMaxTokens   = 3200
)

var (
	thinkBlock = regexp.MustCompile(`(?s)<think>.*?</think>`)
	jsonObject = regexp.MustCompile(`(?s)\{.*\}`)
)

var (
	_ headlines.Extractor = (*Client)(nil)
	_ headlines.Rewriter  = (*Client)(nil)
)

// ExtractHeadlines asks the model for the featured stories of a homepage.
// An answer without a usable JSON object yields no candidates and no error.
func (c *Client) ExtractHeadlines(ctx context.Context, markdown string) ([]headlines.Candidate, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	if strings.TrimSpace(markdown) == "" {
		return []headlines.Candidate{}, nil
	}
	if utf8.RuneCountInString(markdown) > MaxHomepageChars {
		markdown = string([]rune(markdown)[:MaxHomepageChars]) + truncatedMarker
	}

	answer, err := c.Prompt(ctx, fmt.Sprintf(extractionUserPrompt, markdown), extractionSystemPrompt)
	if err != nil {
		return nil, fmt.Errorf("extract headlines: %w", err)
	}
	parsed, ok := ParseExtraction(answer)
	if !ok {
		c.logger.Warn("model answer has no headline json", zap.Int("chars", len(answer)))
		return []headlines.Candidate{}, nil
	}
	return parsed, nil
}

// ParseExtraction reads the {"headlines": [...]} object out of a model
// answer. It tolerates code fences, <think> blocks and surrounding prose.
func ParseExtraction(answer string) ([]headlines.Candidate, bool) {
	cleaned := stripFences(strings.TrimSpace(answer))
	cleaned = thinkBlock.ReplaceAllString(cleaned, "")
	match := jsonObject.FindString(cleaned)
	if match == "" {
		return nil, false
	}
	var out struct {
		Headlines []headlines.Candidate `json:"headlines"`
	}
	if err := json.Unmarshal([]byte(match), &out); err != nil || out.Headlines == nil {
		return nil, false
	}
	return out.Headlines, true
}

// RewriteArticle asks the model for the clean story body, translated to
// targetLang when it is set.
func (c *Client) RewriteArticle(ctx context.Context, title, markdown, targetLang string) (string, error) {
	if !c.Configured() {
		return "", ErrNotConfigured
	}
	system, user := rewritePrompts(title, markdown, strings.TrimSpace(targetLang))
	temperature := rewriteTemperature
	answer, err := c.Chat(ctx, []Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	}, ChatOptions{Temperature: &temperature, MaxTokens: rewriteMaxTokens})
	if err != nil {
		return "", fmt.Errorf("rewrite article: %w", err)
	}
	return answer, nil
}

func rewritePrompts(title, markdown, targetLang string) (string, string) {
	var task, ask string
	if targetLang != "" {
		task = rewriteExtractionRule + "\n" +
			"- Translate the content into " + targetLang + " naturally and faithfully following the original intent.\n" +
			rewriteFormattingRule + "\n" +
			"Reply exclusively with the final translated article text in " + targetLang + "."
		ask = "Return ONLY the article body translated to " + targetLang + ", split into paragraphs."
	} else {
		task = rewriteExtractionRule + "\n" +
			"- DO NOT translate. Keep the original language of the text.\n" +
			rewriteFormattingRule + "\n" +
			"Reply exclusively with the final extracted article text in the original language."
		ask = "Return ONLY the article body in its original language, split into paragraphs."
	}
	return fmt.Sprintf(rewriteSystemPrompt, task), fmt.Sprintf(rewriteUserPrompt, title, markdown, ask)
}

func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	lines := strings.Split(s, "\n")
	lines = lines[1:]
	if n := len(lines); n > 0 && strings.TrimSpace(lines[n-1]) == "```" {
		lines = lines[:n-1]
	}
	return strings.Join(lines, "\n")
}
