package retrieval

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const snippetSchema = `
CREATE TABLE IF NOT EXISTS snippets (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	owner_id   INTEGER NOT NULL,
	project    TEXT    NOT NULL DEFAULT 'default',
	path       TEXT    NOT NULL DEFAULT '',
	text       TEXT    NOT NULL,
	embedding  BLOB,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snippets_scope ON snippets(owner_id, project);
`

// SnippetStore persists snippets with their embeddings in SQLite and
// serves both search legs. Vector distance and lexical relevance are
// computed in-process over the scoped rows; scopes are per-owner
// per-project, so the scans stay small.
type SnippetStore struct {
	db *sql.DB
}

// OpenSnippetStore opens (creating if needed) the snippet database at
// path. Use ":memory:" for an ephemeral store.
func OpenSnippetStore(path string) (*SnippetStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open snippet db %s: %w", path, err)
	}
	if _, err := db.Exec(snippetSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply snippet schema: %w", err)
	}
	return &SnippetStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SnippetStore) Close() error {
	return s.db.Close()
}

// Insert stores one snippet and returns its ID. A nil embedding is
// allowed; such rows serve only the lexical leg.
func (s *SnippetStore) Insert(ctx context.Context, scope Scope, path, text string, embedding []float64) (int64, error) {
	project := scope.Project
	if project == "" {
		project = "default"
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO snippets (owner_id, project, path, text, embedding, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		scope.OwnerID, project, path, text, encodeVector(embedding), time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("insert snippet: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("snippet id: %w", err)
	}
	return id, nil
}

type scopedRow struct {
	id        int64
	text      string
	path      string
	embedding []float64
}

func (s *SnippetStore) scopedRows(ctx context.Context, scope Scope, needEmbedding bool) ([]scopedRow, error) {
	project := scope.Project
	if project == "" {
		project = "default"
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, text, path, embedding FROM snippets WHERE owner_id = ? AND project = ? ORDER BY id`,
		scope.OwnerID, project)
	if err != nil {
		return nil, fmt.Errorf("query snippets: %w", err)
	}
	defer rows.Close()

	var out []scopedRow
	for rows.Next() {
		var r scopedRow
		var blob []byte
		if err := rows.Scan(&r.id, &r.text, &r.path, &blob); err != nil {
			return nil, fmt.Errorf("scan snippet: %w", err)
		}
		r.embedding = decodeVector(blob)
		if needEmbedding && len(r.embedding) == 0 {
			continue
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// VectorTopN returns the n snippets nearest the query vector by cosine
// distance, ascending. Rows without an embedding (or with a mismatched
// dimension) are skipped.
func (s *SnippetStore) VectorTopN(ctx context.Context, scope Scope, query []float64, n int) ([]Hit, error) {
	if len(query) == 0 {
		return nil, nil
	}
	rows, err := s.scopedRows(ctx, scope, true)
	if err != nil {
		return nil, err
	}

	type scored struct {
		row  scopedRow
		dist float64
	}
	var candidates []scored
	for _, r := range rows {
		if len(r.embedding) != len(query) {
			continue
		}
		candidates = append(candidates, scored{row: r, dist: cosineDistance(query, r.embedding)})
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].dist < candidates[j].dist })
	if len(candidates) > n {
		candidates = candidates[:n]
	}

	hits := make([]Hit, 0, len(candidates))
	for _, c := range candidates {
		hits = append(hits, Hit{ID: c.row.id, Text: c.row.text, Path: c.row.path})
	}
	return hits, nil
}

// LexicalTopN returns the n snippets most relevant to the query by
// term matching, descending relevance, ties in insertion order.
func (s *SnippetStore) LexicalTopN(ctx context.Context, scope Scope, query string, n int) ([]Hit, error) {
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil, nil
	}
	rows, err := s.scopedRows(ctx, scope, false)
	if err != nil {
		return nil, err
	}

	type scored struct {
		row   scopedRow
		score float64
	}
	var candidates []scored
	for _, r := range rows {
		if score := lexicalScore(r.text, terms); score > 0 {
			candidates = append(candidates, scored{row: r, score: score})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	if len(candidates) > n {
		candidates = candidates[:n]
	}

	hits := make([]Hit, 0, len(candidates))
	for _, c := range candidates {
		hits = append(hits, Hit{ID: c.row.id, Text: c.row.text, Path: c.row.path})
	}
	return hits, nil
}

var wordPattern = regexp.MustCompile(`[a-z0-9]+`)

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true,
	"at": true, "be": true, "by": true, "for": true, "from": true,
	"in": true, "is": true, "it": true, "of": true, "on": true,
	"or": true, "the": true, "to": true, "with": true,
}

func tokenize(text string) []string {
	words := wordPattern.FindAllString(strings.ToLower(text), -1)
	out := words[:0]
	for _, w := range words {
		if len(w) < 2 || stopwords[w] {
			continue
		}
		out = append(out, w)
	}
	return out
}

// lexicalScore blends term coverage (how many distinct query terms the
// snippet contains) with match density (how much of the snippet the
// matches make up). Coverage dominates.
func lexicalScore(text string, terms []string) float64 {
	words := wordPattern.FindAllString(strings.ToLower(text), -1)
	if len(words) == 0 {
		return 0
	}
	counts := make(map[string]int, len(words))
	for _, w := range words {
		counts[w]++
	}

	matchedTerms := 0
	totalMatches := 0
	for _, term := range terms {
		if c := counts[term]; c > 0 {
			matchedTerms++
			totalMatches += c
		}
	}
	if matchedTerms == 0 {
		return 0
	}
	coverage := float64(matchedTerms) / float64(len(terms))
	density := float64(totalMatches) / float64(len(words))
	return 0.7*coverage + 0.3*density
}

// cosineDistance is 1 - cosine similarity; zero vectors are maximally
// distant.
func cosineDistance(a, b []float64) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(normA)*math.Sqrt(normB))
}

// Vectors are stored as little-endian float32 blobs: half the size of
// float64 with no meaningful loss for similarity ranking.

func encodeVector(v []float64) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(float32(x)))
	}
	return buf
}

func decodeVector(buf []byte) []float64 {
	if len(buf) == 0 || len(buf)%4 != 0 {
		return nil
	}
	v := make([]float64, len(buf)/4)
	for i := range v {
		v[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:])))
	}
	return v
}
