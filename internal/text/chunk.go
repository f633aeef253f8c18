package text

import (
	"strings"
	"unicode/utf8"
)

// ChunkBySentence splits text into chunks at sentence boundaries, grouping
// consecutive sentences together while staying within maxChars runes per
// chunk. Both ASCII terminators (. ! ?) and the CJK full-width terminators
// (。！？；) end a sentence.
// If maxChars is 0, no splitting is performed.
// Sentences that individually exceed maxChars are kept intact as a single chunk.
func ChunkBySentence(text string, maxChars int) []string {
	if maxChars <= 0 {
		return []string{text}
	}

	sentences := splitSentences(text)
	if len(sentences) <= 1 {
		return []string{text}
	}

	var chunks []string
	var current strings.Builder
	currentLen := 0

	for _, s := range sentences {
		n := utf8.RuneCountInString(s)
		if currentLen == 0 {
			current.WriteString(s)
			currentLen = n
			continue
		}

		sep := separator(current.String())
		if currentLen+len(sep)+n > maxChars {
			chunks = append(chunks, current.String())
			current.Reset()
			current.WriteString(s)
			currentLen = n
		} else {
			current.WriteString(sep)
			current.WriteString(s)
			currentLen += len(sep) + n
		}
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}

	return chunks
}

// IsTerminator reports whether r ends a sentence.
func IsTerminator(r rune) bool {
	switch r {
	case '.', '!', '?', '。', '！', '？', '；':
		return true
	}

	return false
}

func isWide(r rune) bool {
	return r >= 0x2E80
}

// separator returns the glue placed between prev and the next sentence:
// CJK text is joined without a space.
func separator(prev string) string {
	last, _ := utf8.DecodeLastRuneInString(prev)
	if isWide(last) {
		return ""
	}

	return " "
}

// splitSentences splits text on sentence-ending punctuation, keeping the
// terminator attached to its sentence. Empty segments are dropped.
func splitSentences(text string) []string {
	var sentences []string
	start := 0

	for i, r := range text {
		if IsTerminator(r) {
			end := i + utf8.RuneLen(r)
			s := strings.TrimSpace(text[start:end])
			if s != "" {
				sentences = append(sentences, s)
			}
			start = end
		}
	}

	if start < len(text) {
		s := strings.TrimSpace(text[start:])
		if s != "" {
			sentences = append(sentences, s)
		}
	}

	return sentences
}
