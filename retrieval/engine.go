// Package retrieval implements hybrid snippet retrieval: a vector
// search leg and a lexical search leg fused by normalized rank, plus
// ingestion (chunk, embed, persist) feeding both legs.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultTopK is the fused result count when the caller asks for none.
	DefaultTopK = 6

	// DefaultPoolN is the per-leg candidate pool size.
	DefaultPoolN = 12

	// DefaultAlpha weights the vector leg in fusion; the lexical leg
	// gets the complement.
	DefaultAlpha = 0.5

	// absentPenalty is the normalized-rank score charged to a candidate
	// missing from one leg. Worse than any real rank, which is < 1.
	absentPenalty = 1.0
)

// NoSourceMaterial is the excerpt text used when retrieval produces
// nothing, so downstream prompt construction degrades explicitly
// instead of silently generating from thin air.
const NoSourceMaterial = "[No source material available]"

// Scope restricts retrieval to one owner's project.
type Scope struct {
	OwnerID int64
	Project string
}

// Hit is one raw candidate from a single search leg, in rank order.
type Hit struct {
	ID   int64
	Text string
	Path string
}

// Candidate is one fused retrieval result. Lower Score is better:
// scores are fused normalized ranks, not similarities.
type Candidate struct {
	ID    int64   `json:"id"`
	Text  string  `json:"text"`
	Path  string  `json:"path"`
	Score float64 `json:"score"`
}

// Searcher is the snippet search surface the engine fuses over.
type Searcher interface {
	VectorTopN(ctx context.Context, scope Scope, query []float64, n int) ([]Hit, error)
	LexicalTopN(ctx context.Context, scope Scope, query string, n int) ([]Hit, error)
	Insert(ctx context.Context, scope Scope, path, text string, embedding []float64) (int64, error)
}

// Embedder turns texts into vectors, one per input, in order.
type Embedder interface {
	Embed(ctx context.Context, texts []string, model string) ([][]float64, error)
}

// Engine fuses vector and lexical snippet search.
type Engine struct {
	store      Searcher
	embedder   Embedder
	embedModel string
	chunker    *Chunker
}

// NewEngine builds a retrieval engine. An empty embedModel falls back
// to the embedder's default.
func NewEngine(store Searcher, embedder Embedder, embedModel string) *Engine {
	return &Engine{
		store:      store,
		embedder:   embedder,
		embedModel: embedModel,
		chunker:    NewChunker(),
	}
}

// Search runs both legs and fuses them by normalized rank.
//
// Each leg contributes rank/N for the candidates it returned (rank
// zero-based, N the pool size) and the absent penalty for candidates it
// did not. The fused score is alpha*vector + (1-alpha)*lexical, sorted
// ascending with ties kept in first-seen order, truncated to topK.
//
// A failed leg degrades to single-method retrieval with a warning; only
// when both legs fail (or return nothing) is the result empty.
func (e *Engine) Search(ctx context.Context, scope Scope, query string, topK, poolN int, alpha float64) ([]Candidate, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}
	if poolN <= 0 {
		poolN = DefaultPoolN
	}
	if alpha < 0 {
		alpha = 0
	}
	if alpha > 1 {
		alpha = 1
	}

	var vectorHits []Hit
	vecs, err := e.embedder.Embed(ctx, []string{query}, e.embedModel)
	if err != nil {
		logrus.Warnf("query embedding failed, vector leg skipped: %v", err)
	} else if len(vecs) == 1 {
		vectorHits, err = e.store.VectorTopN(ctx, scope, vecs[0], poolN)
		if err != nil {
			logrus.Warnf("vector search failed, degrading to lexical only: %v", err)
			vectorHits = nil
		}
	}

	lexicalHits, err := e.store.LexicalTopN(ctx, scope, query, poolN)
	if err != nil {
		logrus.Warnf("lexical search failed, degrading to vector only: %v", err)
		lexicalHits = nil
	}

	if len(vectorHits) == 0 && len(lexicalHits) == 0 {
		return nil, nil
	}
	return fuse(vectorHits, lexicalHits, poolN, alpha, topK), nil
}

// fuse merges the two legs by weighted normalized rank.
func fuse(vectorHits, lexicalHits []Hit, poolN int, alpha float64, topK int) []Candidate {
	vectorRank := rankOf(vectorHits)
	lexicalRank := rankOf(lexicalHits)

	// Union in first-seen order: the vector leg first, then lexical
	// candidates not already present. That order also breaks score ties.
	var ids []int64
	texts := make(map[int64]Hit)
	seen := make(map[int64]bool)
	for _, h := range vectorHits {
		if !seen[h.ID] {
			seen[h.ID] = true
			ids = append(ids, h.ID)
			texts[h.ID] = h
		}
	}
	for _, h := range lexicalHits {
		if !seen[h.ID] {
			seen[h.ID] = true
			ids = append(ids, h.ID)
			texts[h.ID] = h
		}
	}

	fused := make([]Candidate, 0, len(ids))
	for _, id := range ids {
		h := texts[id]
		fused = append(fused, Candidate{
			ID:    id,
			Text:  h.Text,
			Path:  h.Path,
			Score: alpha*normalizedRank(vectorRank, id, poolN) + (1-alpha)*normalizedRank(lexicalRank, id, poolN),
		})
	}
	sort.SliceStable(fused, func(i, j int) bool { return fused[i].Score < fused[j].Score })
	if len(fused) > topK {
		fused = fused[:topK]
	}
	return fused
}

func rankOf(hits []Hit) map[int64]int {
	ranks := make(map[int64]int, len(hits))
	for i, h := range hits {
		if _, ok := ranks[h.ID]; !ok {
			ranks[h.ID] = i
		}
	}
	return ranks
}

// normalizedRank maps a leg's rank into [0,1): rank/poolN for present
// candidates, the absent penalty otherwise.
func normalizedRank(ranks map[int64]int, id int64, poolN int) float64 {
	rank, ok := ranks[id]
	if !ok {
		return absentPenalty
	}
	return float64(rank) / float64(poolN)
}

// Ingest chunks a document, embeds every chunk, and persists the
// snippets under the scope. Returns the number of snippets stored.
// Embedding failure aborts the whole document: partially-embedded
// documents would skew the vector leg.
func (e *Engine) Ingest(ctx context.Context, scope Scope, path, text string) (int, error) {
	chunks := e.chunker.Chunk(text)
	if len(chunks) == 0 {
		return 0, nil
	}
	vecs, err := e.embedder.Embed(ctx, chunks, e.embedModel)
	if err != nil {
		return 0, fmt.Errorf("embed %d chunks from %s: %w", len(chunks), path, err)
	}
	stored := 0
	for i, chunk := range chunks {
		if _, err := e.store.Insert(ctx, scope, path, chunk, vecs[i]); err != nil {
			return stored, fmt.Errorf("store chunk %d of %s: %w", i, path, err)
		}
		stored++
	}
	logrus.Infof("ingested %s: %d snippets for owner %d project %q", path, stored, scope.OwnerID, scope.Project)
	return stored, nil
}

// Excerpt joins candidate texts into the source block a section prompt
// consumes, separated so the model sees document boundaries. Empty
// candidate sets yield the explicit no-material sentinel rather than an
// empty string.
func Excerpt(candidates []Candidate) string {
	if len(candidates) == 0 {
		return NoSourceMaterial
	}
	parts := make([]string, 0, len(candidates))
	for _, c := range candidates {
		parts = append(parts, strings.TrimSpace(c.Text))
	}
	return strings.Join(parts, "\n\n=== SOURCE DOCUMENT ===\n")
}
