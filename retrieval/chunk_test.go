package retrieval

import (
	"strings"
	"testing"
)

func TestChunker_ShortDocumentIsOneChunk(t *testing.T) {
	c := NewChunker()

	got := c.Chunk("A single short paragraph about nothing much.")

	if len(got) != 1 {
		t.Fatalf("chunks: got %d, want 1", len(got))
	}
	if got[0] != "A single short paragraph about nothing much." {
		t.Errorf("chunk content altered: %q", got[0])
	}
}

func TestChunker_EmptyAndWhitespaceYieldNothing(t *testing.T) {
	c := NewChunker()

	for _, in := range []string{"", "   ", "\n\n\t\n"} {
		if got := c.Chunk(in); got != nil {
			t.Errorf("Chunk(%q): got %v, want nil", in, got)
		}
	}
}

func TestChunker_PacksParagraphsUpToMax(t *testing.T) {
	// GIVEN a document of many medium paragraphs
	para := strings.Repeat("All work and no play makes a dull document. ", 10) // ~450 chars
	doc := strings.Join([]string{para, para, para, para, para, para}, "\n\n")
	c := NewChunker()

	// WHEN it is chunked
	got := c.Chunk(doc)

	// THEN every chunk respects the max length and no content paragraph
	// is lost
	if len(got) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(got))
	}
	total := 0
	for i, chunk := range got {
		if len(chunk) > chunkMaxLen {
			t.Errorf("chunk %d exceeds max length: %d", i, len(chunk))
		}
		total += strings.Count(chunk, "dull document")
	}
	if total != 60 {
		t.Errorf("sentence occurrences across chunks: got %d, want 60", total)
	}
}

func TestChunker_OversizedParagraphSlicedWithOverlap(t *testing.T) {
	// GIVEN one paragraph far beyond the max chunk size
	long := strings.Repeat("word ", 1200) // ~6000 chars, no paragraph breaks
	c := NewChunker()

	got := c.Chunk(long)

	if len(got) < 3 {
		t.Fatalf("expected several slices, got %d", len(got))
	}
	for i, chunk := range got {
		if len(chunk) > chunkMaxLen {
			t.Errorf("slice %d exceeds max length: %d", i, len(chunk))
		}
		if len(chunk) < chunkMinLen {
			t.Errorf("slice %d under min length: %d", i, len(chunk))
		}
		// Slices should break on word boundaries.
		if strings.HasSuffix(chunk, "wor") || strings.HasPrefix(chunk, "rd ") {
			t.Errorf("slice %d cut mid-word: %q...", i, chunk[:20])
		}
	}
}

func TestChunker_CRLFNormalized(t *testing.T) {
	c := NewChunker()

	got := c.Chunk("line one\r\nstill paragraph one\r\n\r\nparagraph two here")

	if len(got) != 1 {
		t.Fatalf("chunks: got %d, want 1 (short doc)", len(got))
	}
	if strings.Contains(got[0], "\r") {
		t.Error("carriage returns survived normalization")
	}
}
