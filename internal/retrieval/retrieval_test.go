package retrieval

import (
	"context"
	"testing"
	"time"

	"github.com/citebase/citebase/internal/index"
	"github.com/citebase/citebase/internal/lexical"
	"github.com/citebase/citebase/internal/objectstore"
	"github.com/citebase/citebase/internal/storage"
)

const dim = 4

type fakeEmbedder struct {
	vec []float32
	err error
}

func (f *fakeEmbedder) EmbedQuery(context.Context, string) ([]float32, error) {
	return f.vec, f.err
}

type fakeFetcher struct {
	chunks map[string]storage.Chunk
}

func (f *fakeFetcher) GetChunksByIDs(tenantID string, ids []string) ([]storage.Chunk, error) {
	var out []storage.Chunk
	for _, id := range ids {
		if c, ok := f.chunks[id]; ok && c.TenantID == tenantID {
			out = append(out, c)
		}
	}
	return out, nil
}

type fakeChunkSource struct {
	ids   []string
	texts []string
}

func (f *fakeChunkSource) ListLiveChunkTexts(string) ([]string, []string, error) {
	return f.ids, f.texts, nil
}

func axis(i int) []float32 {
	v := make([]float32, dim)
	v[i] = 1
	return v
}

// newHybrid builds a Hybrid over three chunks: c1 and c2 match the query
// vector to different degrees, c3 matches the query keywords.
func newHybrid(t *testing.T, emb *fakeEmbedder) (*Hybrid, *fakeFetcher) {
	t.Helper()
	fs, err := objectstore.NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	cache := index.NewCache(fs, dim, 4, time.Minute)

	err = cache.WithIndex(context.Background(), "t1", index.Write, func(ix *index.Index) error {
		_, err := ix.Upsert([][]float32{
			axis(0),
			{0.9, 0.1, 0, 0},
		}, []string{"c1", "c2"})
		return err
	})
	if err != nil {
		t.Fatalf("seeding index: %v", err)
	}

	fetcher := &fakeFetcher{chunks: map[string]storage.Chunk{
		"c1": {ID: "c1", DocumentID: "d1", TenantID: "t1", Page: 1, Text: "vector space retrieval", TokenCount: 3},
		"c2": {ID: "c2", DocumentID: "d1", TenantID: "t1", Page: 2, Text: "another dense passage", TokenCount: 3},
		"c3": {ID: "c3", DocumentID: "d2", TenantID: "t1", Page: 1, Text: "keyword heavy searching passage", TokenCount: 4},
	}}

	lex := lexical.NewCatalog(&fakeChunkSource{
		ids:   []string{"c1", "c2", "c3"},
		texts: []string{"vector space retrieval", "another dense passage", "keyword heavy searching passage"},
	})

	return NewHybrid(emb, cache, lex, fetcher), fetcher
}

func defaultOpts() Options {
	return Options{K: 10, KFused: 10, KRRF: 60, SemanticWeight: 1, KeywordWeight: 1}
}

func TestRetrieve_FusesBothSides(t *testing.T) {
	h, _ := newHybrid(t, &fakeEmbedder{vec: axis(0)})

	res, err := h.Retrieve(context.Background(), "t1", "keyword searching", defaultOpts())
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if res.DenseFailed {
		t.Error("DenseFailed set with a working embedder")
	}

	got := map[string]bool{}
	for _, c := range res.Chunks {
		got[c.ChunkID] = true
	}
	// Dense side contributes c1/c2, lexical side contributes c3.
	for _, want := range []string{"c1", "c3"} {
		if !got[want] {
			t.Errorf("fused results missing %s: %v", want, got)
		}
	}
	// Scores are normalized into [0,1] with the best at 1.
	if res.Chunks[0].Score != 1 {
		t.Errorf("top fused score = %f, want 1", res.Chunks[0].Score)
	}
}

func TestRetrieve_EmbedFailureFallsBackToLexical(t *testing.T) {
	h, _ := newHybrid(t, &fakeEmbedder{err: context.DeadlineExceeded})

	res, err := h.Retrieve(context.Background(), "t1", "keyword searching", defaultOpts())
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if !res.DenseFailed {
		t.Error("DenseFailed not set after embedding failure")
	}
	if len(res.Chunks) == 0 {
		t.Fatal("lexical fallback returned nothing")
	}
	for _, c := range res.Chunks {
		if c.ChunkID == "" {
			t.Error("unhydrated chunk in results")
		}
	}
}

func TestRetrieve_BothEmptyReturnsEmpty(t *testing.T) {
	h, _ := newHybrid(t, &fakeEmbedder{vec: axis(3)}) // orthogonal to everything

	res, err := h.Retrieve(context.Background(), "t1", "zzz qqq www", defaultOpts())
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	// Dense search still returns low-scoring hits; restrict via scope to
	// force emptiness on an unknown document set instead.
	res, err = h.Retrieve(context.Background(), "t1", "zzz qqq www", Options{
		K: 10, KFused: 10, KRRF: 60, SemanticWeight: 1, KeywordWeight: 1,
		DocScope: map[string]bool{"no-such-doc": true},
	})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(res.Chunks) != 0 {
		t.Errorf("got %d chunks, want 0", len(res.Chunks))
	}
}

func TestRetrieve_DocScopeFilters(t *testing.T) {
	h, _ := newHybrid(t, &fakeEmbedder{vec: axis(0)})

	res, err := h.Retrieve(context.Background(), "t1", "keyword searching passage", Options{
		K: 10, KFused: 10, KRRF: 60, SemanticWeight: 1, KeywordWeight: 1,
		DocScope: map[string]bool{"d2": true},
	})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	for _, c := range res.Chunks {
		if c.DocumentID != "d2" {
			t.Errorf("chunk %s from out-of-scope document %s", c.ChunkID, c.DocumentID)
		}
	}
	if len(res.Chunks) == 0 {
		t.Fatal("in-scope chunk was filtered out")
	}
}

func TestRetrieve_TenantIsolation(t *testing.T) {
	h, _ := newHybrid(t, &fakeEmbedder{vec: axis(0)})

	// Another tenant sees nothing: its index is empty and the fetcher
	// refuses cross-tenant hydration.
	res, err := h.Retrieve(context.Background(), "t2", "vector space retrieval", defaultOpts())
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(res.Chunks) != 0 {
		t.Errorf("tenant t2 received %d chunks from t1", len(res.Chunks))
	}
}

func TestFuse_TieBreakByVectorScore(t *testing.T) {
	dense := []index.Hit{
		{Slot: 0, ChunkID: "a", Score: 0.9},
		{Slot: 1, ChunkID: "b", Score: 0.5},
	}
	// Lexical ranks are the reverse of dense ranks, so both RRF sums are
	// 1/61 + 1/62 and the vector score decides.
	lex := []lexical.Hit{{ChunkID: "b"}, {ChunkID: "a"}}
	fused := fuse(dense, lex, defaultOpts())
	if fused[0].chunkID != "a" {
		t.Errorf("top = %s, want a", fused[0].chunkID)
	}
}
