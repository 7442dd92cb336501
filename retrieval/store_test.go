package retrieval

import (
	"context"
	"testing"
)

func openTestStore(t *testing.T) *SnippetStore {
	t.Helper()
	s, err := OpenSnippetStore(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSnippetStore_VectorTopN_OrdersByCosineDistance(t *testing.T) {
	// GIVEN three snippets at increasing angles from the query vector
	s := openTestStore(t)
	scope := Scope{OwnerID: 1, Project: "p"}
	ctx := context.Background()

	mustInsert := func(text string, vec []float64) int64 {
		t.Helper()
		id, err := s.Insert(ctx, scope, "doc.txt", text, vec)
		if err != nil {
			t.Fatal(err)
		}
		return id
	}
	aligned := mustInsert("aligned", []float64{1, 0, 0})
	near := mustInsert("near", []float64{1, 1, 0})
	orthogonal := mustInsert("orthogonal", []float64{0, 1, 0})

	// WHEN the top 2 are queried with the unit-x vector
	hits, err := s.VectorTopN(ctx, scope, []float64{1, 0, 0}, 2)
	if err != nil {
		t.Fatal(err)
	}

	// THEN the aligned snippet ranks first and the orthogonal one is cut
	if len(hits) != 2 {
		t.Fatalf("hits: got %d, want 2", len(hits))
	}
	if hits[0].ID != aligned || hits[1].ID != near {
		t.Errorf("order: got [%d %d], want [%d %d]", hits[0].ID, hits[1].ID, aligned, near)
	}
	for _, h := range hits {
		if h.ID == orthogonal {
			t.Error("orthogonal snippet should not make the top 2")
		}
	}
}

func TestSnippetStore_VectorTopN_SkipsRowsWithoutEmbedding(t *testing.T) {
	s := openTestStore(t)
	scope := Scope{OwnerID: 1}
	ctx := context.Background()

	if _, err := s.Insert(ctx, scope, "", "lexical only", nil); err != nil {
		t.Fatal(err)
	}
	id, err := s.Insert(ctx, scope, "", "embedded", []float64{1, 0})
	if err != nil {
		t.Fatal(err)
	}

	hits, err := s.VectorTopN(ctx, scope, []float64{1, 0}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].ID != id {
		t.Errorf("got %+v, want only the embedded row", hits)
	}
}

func TestSnippetStore_LexicalTopN_RanksByTermRelevance(t *testing.T) {
	// GIVEN snippets with varying overlap with the query terms
	s := openTestStore(t)
	scope := Scope{OwnerID: 1}
	ctx := context.Background()

	insert := func(text string) int64 {
		t.Helper()
		id, err := s.Insert(ctx, scope, "", text, nil)
		if err != nil {
			t.Fatal(err)
		}
		return id
	}
	both := insert("The deployment pipeline builds and ships every release.")
	one := insert("Our release process is entirely manual today.")
	none := insert("Lunch menus rotate weekly in the cafeteria.")

	// WHEN searching for "deployment release"
	hits, err := s.LexicalTopN(ctx, scope, "deployment release", 10)
	if err != nil {
		t.Fatal(err)
	}

	// THEN the snippet matching both terms outranks the single-term one,
	// and the unrelated snippet is absent
	if len(hits) != 2 {
		t.Fatalf("hits: got %d, want 2", len(hits))
	}
	if hits[0].ID != both || hits[1].ID != one {
		t.Errorf("order: got [%d %d], want [%d %d]", hits[0].ID, hits[1].ID, both, one)
	}
	for _, h := range hits {
		if h.ID == none {
			t.Error("unrelated snippet should not match")
		}
	}
}

func TestSnippetStore_ScopeIsolation(t *testing.T) {
	// GIVEN snippets for two different owners and projects
	s := openTestStore(t)
	ctx := context.Background()

	mine := Scope{OwnerID: 1, Project: "alpha"}
	otherUser := Scope{OwnerID: 2, Project: "alpha"}
	otherProject := Scope{OwnerID: 1, Project: "beta"}

	if _, err := s.Insert(ctx, mine, "", "shared secret roadmap", []float64{1}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Insert(ctx, otherUser, "", "their roadmap notes", []float64{1}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Insert(ctx, otherProject, "", "my other roadmap", []float64{1}); err != nil {
		t.Fatal(err)
	}

	// WHEN searching within one scope
	hits, err := s.LexicalTopN(ctx, mine, "roadmap", 10)
	if err != nil {
		t.Fatal(err)
	}

	// THEN only that owner's project rows are visible
	if len(hits) != 1 || hits[0].Text != "shared secret roadmap" {
		t.Errorf("scope leak: got %+v", hits)
	}

	vhits, err := s.VectorTopN(ctx, mine, []float64{1}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(vhits) != 1 {
		t.Errorf("vector scope leak: got %d hits", len(vhits))
	}
}

func TestVectorCodec_RoundTripsThroughBlob(t *testing.T) {
	in := []float64{0.25, -1.5, 3}

	out := decodeVector(encodeVector(in))

	if len(out) != len(in) {
		t.Fatalf("length: got %d, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("component %d: got %v, want %v", i, out[i], in[i])
		}
	}
	if decodeVector(nil) != nil {
		t.Error("nil blob should decode to nil")
	}
}
