package feed

import (
	"bytes"
	"mime"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/saintfish/chardet"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/htmlindex"
)

var (
	prologEncoding = regexp.MustCompile(`(?i)<\?xml[^>]*encoding=["']([^"']+)["']`)
	headerCharset  = regexp.MustCompile(`(?i)charset=([^\s;]+)`)
)

// minDetectConfidence is the chardet confidence (0-100) required before its
// guess is used.
const minDetectConfidence = 50

// decoded is a feed body converted to UTF-8.
type decoded struct {
	Text    string
	Charset string
}

// decodeBody converts raw to UTF-8. The Content-Type charset is tried first
// and the XML prologue wins when it names a different, decodable charset.
// Without either, valid UTF-8 is kept and anything else is sniffed. Unknown
// labels fall back to UTF-8, then ISO-8859-1, then a byte-to-rune mapping.
// The prologue of the result always declares utf-8.
func decodeBody(raw []byte, contentType string) decoded {
	fromHeader := charsetFromContentType(contentType)
	fromProlog := charsetFromProlog(raw)

	label := fromHeader
	if label == "" {
		label = fromProlog
	}
	if label == "" {
		if utf8.Valid(raw) {
			label = "utf-8"
		} else {
			label = sniffCharset(raw)
		}
	}

	text, used := decodeWithFallback(raw, label)
	if fromProlog != "" && !sameCharset(fromProlog, used) {
		if redecoded, err := decodeLabel(raw, fromProlog); err == nil {
			text, used = redecoded, fromProlog
		}
	}
	return decoded{Text: rewriteProlog(text), Charset: strings.ToLower(used)}
}

func charsetFromContentType(contentType string) string {
	if contentType == "" {
		return ""
	}
	if _, params, err := mime.ParseMediaType(contentType); err == nil {
		if cs := strings.Trim(params["charset"], `"' `); cs != "" {
			return strings.ToLower(cs)
		}
	}
	if m := headerCharset.FindStringSubmatch(contentType); m != nil {
		return strings.ToLower(strings.Trim(m[1], `"'`))
	}
	return ""
}

func charsetFromProlog(raw []byte) string {
	head := raw
	if len(head) > 512 {
		head = head[:512]
	}
	if m := prologEncoding.FindSubmatch(head); m != nil {
		return strings.ToLower(string(m[1]))
	}
	return ""
}

func sniffCharset(raw []byte) string {
	result, err := chardet.NewTextDetector().DetectBest(raw)
	if err != nil || result == nil || result.Confidence < minDetectConfidence {
		return ""
	}
	return strings.ToLower(result.Charset)
}

func decodeWithFallback(raw []byte, label string) (string, string) {
	if label != "" {
		if text, err := decodeLabel(raw, label); err == nil {
			return text, label
		}
	}
	if utf8.Valid(raw) {
		return string(raw), "utf-8"
	}
	if out, err := charmap.ISO8859_1.NewDecoder().Bytes(raw); err == nil {
		return string(out), "iso-8859-1"
	}
	runes := make([]rune, len(raw))
	for i, b := range raw {
		runes[i] = rune(b)
	}
	return string(runes), "binary"
}

func decodeLabel(raw []byte, label string) (string, error) {
	if sameCharset(label, "utf-8") {
		return strings.ToValidUTF8(string(bytes.TrimPrefix(raw, []byte("\xef\xbb\xbf"))), "\uFFFD"), nil
	}
	enc, err := htmlindex.Get(label)
	if err != nil {
		return "", err
	}
	out, err := enc.NewDecoder().Bytes(raw)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func sameCharset(a, b string) bool {
	ea, errA := htmlindex.Get(a)
	eb, errB := htmlindex.Get(b)
	if errA != nil || errB != nil {
		return strings.EqualFold(a, b)
	}
	na, _ := htmlindex.Name(ea)
	nb, _ := htmlindex.Name(eb)
	return na == nb
}

// rewriteProlog makes the declaration match the already-decoded text so the
// XML parser does not convert it a second time.
func rewriteProlog(text string) string {
	loc := prologEncoding.FindStringSubmatchIndex(text)
	if loc == nil || loc[0] > 512 {
		return text
	}
	return text[:loc[2]] + "utf-8" + text[loc[3]:]
}

// looksLikeFeed applies the cheap body check done before parsing.
func looksLikeFeed(text string) bool {
	return strings.Contains(text, "<?xml") || strings.Contains(text, "<rss") || strings.Contains(text, "<feed")
}
