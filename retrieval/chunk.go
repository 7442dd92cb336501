package retrieval

import (
	"strings"
)

const (
	// chunkMinLen drops fragments too short to carry retrievable meaning.
	chunkMinLen = 25

	// chunkMaxLen bounds one snippet so a handful of them fit a prompt.
	chunkMaxLen = 2000

	// chunkOverlap is carried between slices of an oversized paragraph so
	// sentences cut at the boundary survive in at least one snippet.
	chunkOverlap = 300
)

// Chunker splits document text into snippet-sized chunks along
// paragraph boundaries.
type Chunker struct {
	minLen  int
	maxLen  int
	overlap int
}

// NewChunker returns a chunker with the default size bounds.
func NewChunker() *Chunker {
	return &Chunker{minLen: chunkMinLen, maxLen: chunkMaxLen, overlap: chunkOverlap}
}

// Chunk splits text into chunks. Paragraphs are packed together up to
// the max length; paragraphs longer than the max are sliced with
// overlap. Chunks under the min length are dropped, except that a
// short document still yields its whole text as one chunk.
func (c *Chunker) Chunk(text string) []string {
	trimmed := strings.TrimSpace(normalizeNewlines(text))
	if trimmed == "" {
		return nil
	}
	if len(trimmed) <= c.maxLen {
		return []string{trimmed}
	}

	var chunks []string
	var current strings.Builder
	flush := func() {
		chunk := strings.TrimSpace(current.String())
		current.Reset()
		if len(chunk) >= c.minLen {
			chunks = append(chunks, chunk)
		}
	}

	for _, para := range strings.Split(trimmed, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if len(para) > c.maxLen {
			flush()
			chunks = append(chunks, c.slice(para)...)
			continue
		}
		if current.Len() > 0 && current.Len()+2+len(para) > c.maxLen {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
	}
	flush()
	return chunks
}

// slice cuts an oversized paragraph into max-length windows advancing
// by maxLen-overlap, preferring to break at a space near the window end.
func (c *Chunker) slice(para string) []string {
	var out []string
	step := c.maxLen - c.overlap
	for start := 0; start < len(para); start += step {
		end := start + c.maxLen
		if end >= len(para) {
			chunk := strings.TrimSpace(para[start:])
			if len(chunk) >= c.minLen {
				out = append(out, chunk)
			}
			break
		}
		// Back up to the nearest space so words stay whole.
		cut := end
		for cut > start+c.minLen && para[cut] != ' ' {
			cut--
		}
		if cut == start+c.minLen {
			cut = end
		}
		chunk := strings.TrimSpace(para[start:cut])
		if len(chunk) >= c.minLen {
			out = append(out, chunk)
		}
	}
	return out
}

func normalizeNewlines(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "\r\n", "\n"), "\r", "\n")
}
