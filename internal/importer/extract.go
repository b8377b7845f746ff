package importer

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var (
	titlePattern  = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	scriptPattern = regexp.MustCompile(`(?is)<(script|style|noscript)[^>]*>.*?</(script|style|noscript)>`)
	tagPattern    = regexp.MustCompile(`(?s)<[^>]*>`)
	spacePattern  = regexp.MustCompile(`\s+`)
)

// ExtractContent pulls the title and visible text out of an HTML page.
// Text is NFC-normalized with whitespace collapsed.
func ExtractContent(html string) (title, text string) {
	if m := titlePattern.FindStringSubmatch(html); m != nil {
		title = cleanText(m[1])
	}

	body := scriptPattern.ReplaceAllString(html, " ")
	body = tagPattern.ReplaceAllString(body, " ")
	text = cleanText(body)
	return title, text
}

func cleanText(s string) string {
	s = strings.NewReplacer(
		"&amp;", "&", "&lt;", "<", "&gt;", ">",
		"&quot;", `"`, "&#39;", "'", "&nbsp;", " ",
	).Replace(s)
	s = norm.NFC.String(s)
	return strings.TrimSpace(spacePattern.ReplaceAllString(s, " "))
}

// ChunkText splits text into chunks of roughly chunkSize runes, breaking
// at word boundaries. Empty input yields no chunks.
func ChunkText(text string, chunkSize int) []string {
	if chunkSize <= 0 {
		chunkSize = 1000
	}
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	var chunks []string
	var current strings.Builder
	for _, word := range words {
		if current.Len() > 0 && current.Len()+1+len(word) > chunkSize {
			chunks = append(chunks, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteByte(' ')
		}
		current.WriteString(word)
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}
