package chunker

import (
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/citebase/citebase/internal/extract"
)

func testConfig() Config {
	return Config{
		TargetTokens:  100,
		OverlapTokens: 20,
		MinTokens:     30,
		TokenizerID:   TokenizerSimpleV1,
	}
}

// repeatSentences builds n ten-token sentences ending with periods.
func repeatSentences(n int) string {
	var sb strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&sb, "alpha bravo charlie delta echo foxtrot golf hotel india sentence%d. ", i)
	}
	return strings.TrimSpace(sb.String())
}

func TestSplit_ShortDocumentSingleChunk(t *testing.T) {
	pages := []extract.Page{{Number: 1, Text: "just five little tokens here"}}

	chunks, err := Split(pages, testConfig())
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if chunks[0].TokenCount != 5 {
		t.Errorf("TokenCount = %d, want 5", chunks[0].TokenCount)
	}
	if chunks[0].Ordinal != 0 {
		t.Errorf("Ordinal = %d, want 0", chunks[0].Ordinal)
	}
	if chunks[0].Page != 1 {
		t.Errorf("Page = %d, want 1", chunks[0].Page)
	}
}

func TestSplit_Deterministic(t *testing.T) {
	pages := []extract.Page{{Number: 1, Text: repeatSentences(100)}}

	first, err := Split(pages, testConfig())
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	second, err := Split(pages, testConfig())
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Error("two runs over identical input produced different chunks")
	}
	if len(first) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(first))
	}
}

func TestSplit_OrdinalsDenseAndBounded(t *testing.T) {
	pages := []extract.Page{{Number: 1, Text: repeatSentences(100)}}
	cfg := testConfig()

	chunks, err := Split(pages, cfg)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	for i, c := range chunks {
		if c.Ordinal != i {
			t.Errorf("chunk %d has ordinal %d", i, c.Ordinal)
		}
		if c.TokenCount > cfg.TargetTokens {
			t.Errorf("chunk %d has %d tokens, exceeds target %d", i, c.TokenCount, cfg.TargetTokens)
		}
		if c.TokenCount <= 0 {
			t.Errorf("chunk %d is empty", i)
		}
	}
}

func TestSplit_SnapsToSentenceBoundary(t *testing.T) {
	// 80 tokens of prose with a single period at token 40, then more text.
	words := make([]string, 80)
	for i := range words {
		words[i] = fmt.Sprintf("word%d", i)
	}
	words[39] = "word39."
	pages := []extract.Page{{Number: 1, Text: strings.Join(words, " ")}}

	cfg := Config{TargetTokens: 60, OverlapTokens: 10, MinTokens: 20, TokenizerID: TokenizerSimpleV1}
	chunks, err := Split(pages, cfg)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	// The first window [0,60) should snap back to just after word39.
	if chunks[0].TokenCount != 40 {
		t.Errorf("first chunk has %d tokens, want 40 (snapped to sentence)", chunks[0].TokenCount)
	}
	if !strings.HasSuffix(chunks[0].Text, "word39.") {
		t.Errorf("first chunk does not end at the sentence boundary: %q", chunks[0].Text)
	}
}

func TestSplit_OverlapBetweenWindows(t *testing.T) {
	// No sentence terminators: hard boundaries only.
	words := make([]string, 150)
	for i := range words {
		words[i] = fmt.Sprintf("tok%d", i)
	}
	pages := []extract.Page{{Number: 1, Text: strings.Join(words, " ")}}

	cfg := Config{TargetTokens: 100, OverlapTokens: 20, MinTokens: 30, TokenizerID: TokenizerSimpleV1}
	chunks, err := Split(pages, cfg)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	// Second window starts 20 tokens before the first window's end.
	if !strings.HasPrefix(chunks[1].Text, "tok80 ") {
		t.Errorf("second chunk starts at %q, want tok80", chunks[1].Text[:12])
	}
	if chunks[1].TokenCount != 70 {
		t.Errorf("second chunk has %d tokens, want 70", chunks[1].TokenCount)
	}
}

func TestSplit_PageOfFirstToken(t *testing.T) {
	pages := []extract.Page{
		{Number: 1, Text: repeatSentences(8)}, // 80 tokens
		{Number: 2, Text: repeatSentences(8)},
	}
	cfg := Config{TargetTokens: 100, OverlapTokens: 20, MinTokens: 30, TokenizerID: TokenizerSimpleV1}

	chunks, err := Split(pages, cfg)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if chunks[0].Page != 1 {
		t.Errorf("first chunk page = %d, want 1", chunks[0].Page)
	}
	last := chunks[len(chunks)-1]
	if last.Page != 2 {
		t.Errorf("last chunk page = %d, want 2", last.Page)
	}
}

func TestTokenize_Offsets(t *testing.T) {
	text := "  hello   world\nagain  "
	tokens, err := Tokenize(TokenizerSimpleV1, text)
	if err != nil {
		t.Fatalf("Tokenize: %v", err)
	}
	want := []string{"hello", "world", "again"}
	if len(tokens) != len(want) {
		t.Fatalf("got %d tokens, want %d", len(tokens), len(want))
	}
	for i, w := range want {
		if tokens[i].Text != w {
			t.Errorf("token %d = %q, want %q", i, tokens[i].Text, w)
		}
		if text[tokens[i].Start:tokens[i].End] != w {
			t.Errorf("token %d offsets do not slice back to %q", i, w)
		}
	}
}

func TestTokenize_UnknownTokenizer(t *testing.T) {
	if _, err := Tokenize("bpe-9000", "text"); err == nil {
		t.Fatal("expected error for unknown tokenizer")
	}
}

func TestCountTokens(t *testing.T) {
	if n := CountTokens(TokenizerSimpleV1, "one two three"); n != 3 {
		t.Errorf("CountTokens = %d, want 3", n)
	}
	if n := CountTokens(TokenizerSimpleV1, ""); n != 0 {
		t.Errorf("CountTokens empty = %d, want 0", n)
	}
}
