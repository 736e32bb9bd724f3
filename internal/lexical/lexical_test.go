package lexical

import (
	"context"
	"reflect"
	"testing"
)

func TestTokenize_DropsStopwordsAndShortTokens(t *testing.T) {
	got := tokenize("The quick brown fox is on the hill, it runs")
	want := []string{"quick", "brown", "fox", "hill", "runs"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSearch_RanksByRelevance(t *testing.T) {
	ix := build(
		[]string{"c1", "c2", "c3"},
		[]string{
			"kubernetes deployment rollout strategies explained",
			"database migration checklist",
			"kubernetes kubernetes operators deep dive",
		},
	)

	hits := ix.search("kubernetes operators", 3)
	if len(hits) == 0 {
		t.Fatal("no hits")
	}
	if hits[0].ChunkID != "c3" {
		t.Errorf("top hit = %s, want c3 (matches both terms)", hits[0].ChunkID)
	}
	for _, h := range hits {
		if h.ChunkID == "c2" {
			t.Error("c2 matches no terms but was returned")
		}
	}
}

func TestSearch_EmptyQuery(t *testing.T) {
	ix := build([]string{"c1"}, []string{"some text"})
	if hits := ix.search("the is a", 5); hits != nil {
		t.Errorf("stopword-only query returned %v", hits)
	}
}

func TestSearch_TopKBound(t *testing.T) {
	ids := []string{"a", "b", "c", "d"}
	texts := []string{
		"shared term alpha", "shared term beta", "shared term gamma", "shared term delta",
	}
	ix := build(ids, texts)

	hits := ix.search("shared term", 2)
	if len(hits) != 2 {
		t.Errorf("got %d hits, want 2", len(hits))
	}
}

// fakeSource is a ChunkSource with switchable contents.
type fakeSource struct {
	ids   []string
	texts []string
	calls int
}

func (f *fakeSource) ListLiveChunkTexts(string) ([]string, []string, error) {
	f.calls++
	return f.ids, f.texts, nil
}

func TestCatalog_MemoizesUntilInvalidated(t *testing.T) {
	src := &fakeSource{ids: []string{"c1"}, texts: []string{"original document text"}}
	cat := NewCatalog(src)
	ctx := context.Background()

	if _, err := cat.Search(ctx, "t1", "document", 5); err != nil {
		t.Fatalf("Search: %v", err)
	}
	if _, err := cat.Search(ctx, "t1", "document", 5); err != nil {
		t.Fatalf("Search: %v", err)
	}
	if src.calls != 1 {
		t.Errorf("source loaded %d times, want 1 (memoized)", src.calls)
	}

	src.ids = []string{"c1", "c2"}
	src.texts = []string{"original document text", "freshly ingested text"}
	cat.Invalidate("t1")

	hits, err := cat.Search(ctx, "t1", "freshly ingested", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if src.calls != 2 {
		t.Errorf("source loaded %d times, want 2 after invalidation", src.calls)
	}
	if len(hits) != 1 || hits[0].ChunkID != "c2" {
		t.Errorf("hits = %v, want the new chunk", hits)
	}
}

func TestCatalog_TenantsIndependent(t *testing.T) {
	src := &fakeSource{ids: []string{"c1"}, texts: []string{"tenant content"}}
	cat := NewCatalog(src)
	ctx := context.Background()

	if _, err := cat.Search(ctx, "t1", "content", 5); err != nil {
		t.Fatalf("Search t1: %v", err)
	}
	cat.Invalidate("t2") // must not disturb t1's memoized index

	if _, err := cat.Search(ctx, "t1", "content", 5); err != nil {
		t.Fatalf("Search t1: %v", err)
	}
	if src.calls != 1 {
		t.Errorf("t1 index rebuilt after t2 invalidation (%d loads)", src.calls)
	}
}
