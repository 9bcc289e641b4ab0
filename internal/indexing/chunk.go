package indexing

import (
	"regexp"
	"strings"
	"unicode"
)

var whitespaceRun = regexp.MustCompile(`\s+`)

// normalizeWhitespace collapses runs of whitespace to a single space and
// trims the result.
func normalizeWhitespace(s string) string {
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(s, " "))
}

// ChunkContent splits content into pieces no longer than budget
// characters, preferring paragraph breaks, then sentence breaks, and
// finally a hard cut (spec.md §4.5: "split on paragraph/sentence if
// longer than a configured character budget").
func ChunkContent(content string, budget int) []string {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	if budget <= 0 {
		budget = 1500
	}
	if len(content) <= budget {
		return []string{content}
	}

	paragraphs := strings.Split(content, "\n\n")
	var chunks []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, strings.TrimSpace(current.String()))
			current.Reset()
		}
	}

	for _, para := range paragraphs {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if current.Len()+len(para)+2 <= budget {
			if current.Len() > 0 {
				current.WriteString("\n\n")
			}
			current.WriteString(para)
			continue
		}
		flush()
		if len(para) <= budget {
			current.WriteString(para)
			continue
		}
		for _, sentence := range splitSentences(para) {
			if current.Len()+len(sentence)+1 > budget {
				flush()
			}
			if len(sentence) > budget {
				chunks = append(chunks, hardSplit(sentence, budget)...)
				continue
			}
			if current.Len() > 0 {
				current.WriteString(" ")
			}
			current.WriteString(sentence)
		}
	}
	flush()
	return chunks
}

var sentenceBoundary = regexp.MustCompile(`(?:[.!?。！？])\s+`)

func splitSentences(s string) []string {
	parts := sentenceBoundary.Split(s, -1)
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func hardSplit(s string, budget int) []string {
	var out []string
	runes := []rune(s)
	for i := 0; i < len(runes); i += budget {
		end := i + budget
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[i:end]))
	}
	return out
}

// isCJK reports whether r is a Han, Hiragana, Katakana or Hangul rune.
func isCJK(r rune) bool {
	return unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul)
}
