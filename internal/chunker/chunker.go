// Package chunker splits product documents into overlapping retrieval
// units. Chunking is deterministic: the same text always yields the same
// chunk texts and therefore the same content hashes.
package chunker

import (
	"strings"
	"unicode"
)

const (
	// DefaultMaxChunkLen is the default chunk size in runes.
	DefaultMaxChunkLen = 400
	// DefaultOverlapRatio is the default overlap between adjacent chunks.
	DefaultOverlapRatio = 0.2
)

// Chunker splits text into overlapping windows bounded by a maximum rune
// length. Windows prefer to break on sentence boundaries, falling back to
// whitespace, then to a hard cut.
type Chunker struct {
	maxLen  int
	overlap int
}

// New creates a chunker. Out-of-range parameters fall back to defaults.
func New(maxChunkLen int, overlapRatio float64) *Chunker {
	if maxChunkLen <= 0 {
		maxChunkLen = DefaultMaxChunkLen
	}
	if overlapRatio < 0 || overlapRatio >= 1 {
		overlapRatio = DefaultOverlapRatio
	}
	overlap := int(float64(maxChunkLen) * overlapRatio)
	return &Chunker{maxLen: maxChunkLen, overlap: overlap}
}

// Split cuts text into chunk texts. Whitespace-only input yields nil.
func (c *Chunker) Split(text string) []string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) == 0 {
		return nil
	}
	if len(runes) <= c.maxLen {
		return []string{string(runes)}
	}

	var chunks []string
	start := 0
	for start < len(runes) {
		end := start + c.maxLen
		if end >= len(runes) {
			chunk := strings.TrimSpace(string(runes[start:]))
			if chunk != "" {
				chunks = append(chunks, chunk)
			}
			break
		}

		cut := breakPoint(runes, start, end)
		chunk := strings.TrimSpace(string(runes[start:cut]))
		if chunk != "" {
			chunks = append(chunks, chunk)
		}

		next := cut - c.overlap
		if next <= start {
			next = start + 1
		}
		start = next
	}
	return chunks
}

// breakPoint finds the best cut position in (start, end]: the last sentence
// terminator, else the last whitespace, else the hard limit.
func breakPoint(runes []rune, start, end int) int {
	lastSpace := -1
	for i := end - 1; i > start; i-- {
		r := runes[i]
		if isSentenceEnd(r) {
			return i + 1
		}
		if lastSpace < 0 && unicode.IsSpace(r) {
			lastSpace = i
		}
	}
	if lastSpace > start {
		return lastSpace
	}
	return end
}

func isSentenceEnd(r rune) bool {
	switch r {
	case '.', '!', '?', '\n', '。', '！', '？':
		return true
	}
	return false
}
