package highlight

import (
	"strings"
	"testing"

	"github.com/citebase/citebase/internal/retrieval"
)

func sources() []retrieval.ScoredChunk {
	return []retrieval.ScoredChunk{
		{ChunkID: "c1", Text: "The warranty period covers twelve months after purchase. Claims require the original receipt."},
		{ChunkID: "c2", Text: "Shipping takes three business days within the region."},
	}
}

func TestAttribute_MatchesSupportingSource(t *testing.T) {
	answer := "The warranty period covers twelve months after purchase."

	result := Attribute(answer, sources())
	if result.TotalSentences != 1 {
		t.Fatalf("total sentences = %d, want 1", result.TotalSentences)
	}
	if result.GroundedSentences != 1 {
		t.Fatalf("grounded sentences = %d, want 1", result.GroundedSentences)
	}
	if len(result.Attributions) != 1 {
		t.Fatalf("attributions = %d, want 1", len(result.Attributions))
	}

	a := result.Attributions[0]
	if a.SourceIndex != 0 {
		t.Errorf("source index = %d, want 0", a.SourceIndex)
	}
	if a.Similarity < similarityThreshold {
		t.Errorf("similarity = %f below threshold", a.Similarity)
	}
	if !strings.Contains(a.Matched, "warranty period") {
		t.Errorf("matched text = %q", a.Matched)
	}
	if result.GroundingScore != 1 {
		t.Errorf("grounding score = %f, want 1", result.GroundingScore)
	}
}

func TestAttribute_UngroundedSentenceNotAttributed(t *testing.T) {
	answer := "The warranty period covers twelve months after purchase. Quantum processors accelerate neural throughput dramatically."

	result := Attribute(answer, sources())
	if result.TotalSentences != 2 {
		t.Fatalf("total sentences = %d, want 2", result.TotalSentences)
	}
	if result.GroundedSentences != 1 {
		t.Errorf("grounded sentences = %d, want 1", result.GroundedSentences)
	}
	if result.GroundingScore != 0.5 {
		t.Errorf("grounding score = %f, want 0.5", result.GroundingScore)
	}
}

func TestAttribute_PicksBestSource(t *testing.T) {
	answer := "Shipping takes three business days within the region."

	result := Attribute(answer, sources())
	if len(result.Attributions) != 1 {
		t.Fatalf("attributions = %d, want 1", len(result.Attributions))
	}
	if result.Attributions[0].SourceIndex != 1 {
		t.Errorf("source index = %d, want 1", result.Attributions[0].SourceIndex)
	}
}

func TestAttribute_EmptyInputs(t *testing.T) {
	if r := Attribute("", sources()); r.TotalSentences != 0 {
		t.Errorf("empty answer: %+v", r)
	}
	if r := Attribute("Some answer sentence here.", nil); r.TotalSentences != 0 {
		t.Errorf("no sources: %+v", r)
	}
}

func TestAttribute_TruncatesMatchedText(t *testing.T) {
	long := strings.Repeat("warranty period coverage detail claims receipt purchase months ", 10) + "."
	result := Attribute("Warranty period coverage requires receipt claims for purchase months detail.",
		[]retrieval.ScoredChunk{{ChunkID: "c1", Text: long}})
	if len(result.Attributions) == 0 {
		t.Fatal("no attribution for overlapping text")
	}
	if len(result.Attributions[0].Matched) > 200 {
		t.Errorf("matched text %d chars, want <= 200", len(result.Attributions[0].Matched))
	}
}

func TestSplitSentences_DropsFragments(t *testing.T) {
	got := splitSentences("Ok. This sentence is long enough to keep. No.")
	if len(got) != 1 {
		t.Errorf("got %v, want one kept sentence", got)
	}
}
