package summary

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/citebase/citebase/internal/fault"
	"github.com/citebase/citebase/internal/model"
)

const sampleDoc = `The reactor converts heat into steam. Steam drives the main turbine.
The turbine generates electricity for the grid. Cooling water circulates through
the condenser loop. Operators monitor pressure continuously. Maintenance happens
every spring. The reactor remains the plant's core asset. Electricity output
peaks in winter.`

func TestParseStyle(t *testing.T) {
	cases := []struct {
		in   string
		want Style
		ok   bool
	}{
		{"", Brief, true},
		{"brief", Brief, true},
		{"Detailed", Detailed, true},
		{" keywords ", Keywords, true},
		{"outline", Outline, true},
		{"haiku", "", false},
	}
	for _, tc := range cases {
		got, err := ParseStyle(tc.in)
		if tc.ok && (err != nil || got != tc.want) {
			t.Errorf("ParseStyle(%q) = %v, %v; want %v", tc.in, got, err, tc.want)
		}
		if !tc.ok {
			if err == nil {
				t.Errorf("ParseStyle(%q) accepted", tc.in)
			} else if fault.KindOf(err) != fault.KindCorruptInput {
				t.Errorf("ParseStyle(%q) kind = %s", tc.in, fault.KindOf(err))
			}
		}
	}
}

func TestGenerate_ModelPath(t *testing.T) {
	g := New(&model.NullCompleter{Response: "A power plant generates electricity from heat."}, "test-model")

	out, modelUsed, err := g.Generate(context.Background(), sampleDoc, Brief)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out != "A power plant generates electricity from heat." {
		t.Errorf("summary = %q", out)
	}
	if modelUsed != "test-model" {
		t.Errorf("model = %q, want test-model", modelUsed)
	}
}

func TestGenerate_ModelFailureFallsBack(t *testing.T) {
	g := New(&model.NullCompleter{Err: errors.New("model down")}, "test-model")

	out, modelUsed, err := g.Generate(context.Background(), sampleDoc, Brief)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out == "" {
		t.Fatal("fallback produced nothing")
	}
	if modelUsed != FallbackModel {
		t.Errorf("model = %q, want %q", modelUsed, FallbackModel)
	}
}

func TestGenerate_NilCompleterDeterministic(t *testing.T) {
	g := New(nil, "")

	first, _, err := g.Generate(context.Background(), sampleDoc, Brief)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	second, _, err := g.Generate(context.Background(), sampleDoc, Brief)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if first != second {
		t.Error("fallback not deterministic")
	}
	// Brief keeps at most three sentences.
	if n := strings.Count(first, "."); n > 3 {
		t.Errorf("brief fallback has %d sentences", n)
	}
}

func TestGenerate_EmptyContent(t *testing.T) {
	g := New(nil, "")
	_, _, err := g.Generate(context.Background(), "   ", Brief)
	if fault.KindOf(err) != fault.KindCorruptInput {
		t.Errorf("kind = %v, want corrupt_input", fault.KindOf(err))
	}
}

func TestFallback_Keywords(t *testing.T) {
	g := New(nil, "")
	out, _, err := g.Generate(context.Background(), sampleDoc, Keywords)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	// "reactor" appears twice and must rank among the top terms.
	if !strings.Contains(out, "reactor") {
		t.Errorf("keywords %q missing dominant term", out)
	}
	if !strings.Contains(out, ", ") {
		t.Errorf("keywords not comma separated: %q", out)
	}
}

func TestFallback_OutlineBullets(t *testing.T) {
	g := New(nil, "")
	out, _, err := g.Generate(context.Background(), sampleDoc, Outline)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	for _, line := range strings.Split(out, "\n") {
		if !strings.HasPrefix(line, "- ") {
			t.Errorf("outline line not bulleted: %q", line)
		}
	}
}

func TestRankSentences_KeepsDocumentOrder(t *testing.T) {
	got := rankSentences(sampleDoc, 3)
	if len(got) != 3 {
		t.Fatalf("got %d sentences, want 3", len(got))
	}
	// Selected sentences appear in their original relative order.
	last := -1
	for _, sent := range got {
		idx := strings.Index(sampleDoc, sent)
		if idx < last {
			t.Errorf("sentence order not preserved: %q", sent)
		}
		last = idx
	}
}

func TestRankSentences_ShortDocumentPassesThrough(t *testing.T) {
	got := rankSentences("Only one sentence here.", 5)
	if len(got) != 1 || got[0] != "Only one sentence here." {
		t.Errorf("got %v", got)
	}
}
