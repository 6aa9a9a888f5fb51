// Package indexer turns documents into chunk rows and vector index entries.
package indexer

import (
	"fmt"
	"unicode"
)

const paragraphSeparator = "\n\n"

// Chunk is a contiguous slice of a document's cleaned text. Offsets are rune offsets.
type Chunk struct {
	Index       int
	Text        string
	StartOffset int
	EndOffset   int
}

// Chunker splits cleaned text into overlapping chunks of at most Size characters
// (a single paragraph longer than Size is kept whole).
type Chunker struct {
	size    int
	overlap int
}

// NewChunker creates a chunker. size must be positive and overlap in [0, size).
func NewChunker(size, overlap int) (*Chunker, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("chunk overlap must be in [0, %d), got %d", size, overlap)
	}
	return &Chunker{size: size, overlap: overlap}, nil
}

// Size returns the target chunk size in characters.
func (c *Chunker) Size() int { return c.size }

// Overlap returns the number of characters shared by consecutive chunks.
func (c *Chunker) Overlap() int { return c.overlap }

// Chunk cleans text and splits it. Empty input yields nil; input no longer than the chunk
// size yields exactly one chunk. Paragraph packing is tried first and the sentence-aware
// character split is used when it produces at most one chunk.
func (c *Chunker) Chunk(text string) []Chunk {
	cleaned := Clean(text)
	if cleaned == "" {
		return nil
	}
	runes := []rune(cleaned)
	if len(runes) <= c.size {
		return []Chunk{{Index: 0, Text: cleaned, StartOffset: 0, EndOffset: len(runes)}}
	}
	chunks := c.byParagraph(runes)
	if len(chunks) <= 1 {
		chunks = c.byCharacters(runes)
	}
	return chunks
}

type span struct{ start, end int }

// paragraphs returns the spans between separators. Cleaned text never holds more than two
// consecutive newlines, so joined neighbouring spans are contiguous in the source.
func paragraphs(runes []rune) []span {
	var out []span
	start := 0
	for i := 0; i+1 < len(runes); i++ {
		if runes[i] == '\n' && runes[i+1] == '\n' {
			if i > start {
				out = append(out, span{start, i})
			}
			start = i + 2
			i++
		}
	}
	if start < len(runes) {
		out = append(out, span{start, len(runes)})
	}
	return out
}

func (c *Chunker) byParagraph(runes []rune) []Chunk {
	var chunks []Chunk
	bufStart, bufEnd := -1, -1
	for _, p := range paragraphs(runes) {
		if bufStart >= 0 && p.end-bufStart > c.size {
			chunks = appendChunk(chunks, runes, bufStart, bufEnd)
			// seed with the tail of the emitted buffer
			seed := bufEnd - c.overlap
			if seed < bufStart {
				seed = bufStart
			}
			bufStart = seed
		}
		if bufStart < 0 {
			bufStart = p.start
		}
		bufEnd = p.end
	}
	if bufStart >= 0 {
		chunks = appendChunk(chunks, runes, bufStart, bufEnd)
	}
	return chunks
}

func (c *Chunker) byCharacters(runes []rune) []Chunk {
	var chunks []Chunk
	n := len(runes)
	start := 0
	for start < n {
		end := start + c.size
		if end < n {
			floor := start + c.size/2
			for i := end - 1; i >= floor; i-- {
				if isSentenceBoundary(runes[i]) {
					end = i + 1
					break
				}
			}
		} else {
			end = n
		}
		chunks = appendChunk(chunks, runes, start, end)
		if end >= n {
			break
		}
		next := end - c.overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}

func isSentenceBoundary(r rune) bool {
	switch r {
	case '。', '！', '？', '.', '!', '?', '\n':
		return true
	}
	return false
}

// appendChunk trims whitespace at both ends of [start, end) and appends it with the next
// index. Whitespace-only spans are dropped.
func appendChunk(chunks []Chunk, runes []rune, start, end int) []Chunk {
	for start < end && unicode.IsSpace(runes[start]) {
		start++
	}
	for end > start && unicode.IsSpace(runes[end-1]) {
		end--
	}
	if start >= end {
		return chunks
	}
	return append(chunks, Chunk{
		Index:       len(chunks),
		Text:        string(runes[start:end]),
		StartOffset: start,
		EndOffset:   end,
	})
}
