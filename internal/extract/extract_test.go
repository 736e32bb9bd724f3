package extract

import (
	"strings"
	"testing"

	"github.com/citebase/citebase/internal/fault"
)

func TestExtract_PlainText(t *testing.T) {
	pages, err := Extract([]byte("Hello world.\nSecond line."), "txt")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(pages) != 1 {
		t.Fatalf("got %d pages, want 1", len(pages))
	}
	if pages[0].Number != 1 {
		t.Errorf("page number = %d, want 1", pages[0].Number)
	}
	if !strings.Contains(pages[0].Text, "Hello world.") {
		t.Errorf("unexpected text: %q", pages[0].Text)
	}
}

func TestExtract_MIMETypeAliases(t *testing.T) {
	for _, typ := range []string{"text/plain", "txt", "text", "", "md", "text/markdown"} {
		if _, err := Extract([]byte("some content"), typ); err != nil {
			t.Errorf("Extract(%q): %v", typ, err)
		}
	}
}

func TestExtract_HTML(t *testing.T) {
	html := `<html><head><style>body{color:red}</style><script>alert(1)</script></head>
<body><h1>Title</h1><p>First paragraph.</p><p>Second paragraph.</p></body></html>`

	pages, err := Extract([]byte(html), "html")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	text := pages[0].Text
	if !strings.Contains(text, "Title") || !strings.Contains(text, "First paragraph.") {
		t.Errorf("missing body text: %q", text)
	}
	if strings.Contains(text, "alert") || strings.Contains(text, "color:red") {
		t.Errorf("script/style leaked into text: %q", text)
	}
}

func TestExtract_UnsupportedFormat(t *testing.T) {
	_, err := Extract([]byte{0x01, 0x02}, "docx")
	if err == nil {
		t.Fatal("expected error")
	}
	if fault.KindOf(err) != fault.KindUnsupportedFormat {
		t.Errorf("kind = %s, want unsupported_format", fault.KindOf(err))
	}
}

func TestExtract_EmptyIsCorrupt(t *testing.T) {
	_, err := Extract([]byte("   \n\t  "), "txt")
	if err == nil {
		t.Fatal("expected error")
	}
	if fault.KindOf(err) != fault.KindCorruptInput {
		t.Errorf("kind = %s, want corrupt_input", fault.KindOf(err))
	}
}

func TestExtract_CorruptPDF(t *testing.T) {
	_, err := Extract([]byte("definitely not a pdf"), "pdf")
	if err == nil {
		t.Fatal("expected error")
	}
	if fault.KindOf(err) != fault.KindCorruptInput {
		t.Errorf("kind = %s, want corrupt_input", fault.KindOf(err))
	}
}

func TestNormalize_CollapsesWhitespace(t *testing.T) {
	got := Normalize("a   b\t\tc")
	if got != "a b c" {
		t.Errorf("got %q, want %q", got, "a b c")
	}
}

func TestNormalize_KeepsSingleNewlines(t *testing.T) {
	got := Normalize("line one\n\n\nline two")
	if got != "line one\nline two" {
		t.Errorf("got %q, want %q", got, "line one\nline two")
	}
}

func TestNormalize_StripsControlCharacters(t *testing.T) {
	got := Normalize("a\x00b\x1fc")
	if got != "abc" {
		t.Errorf("got %q, want %q", got, "abc")
	}
}

func TestNormalize_TrimsEdges(t *testing.T) {
	got := Normalize("  \n hello \n ")
	if got != "hello" {
		t.Errorf("got %q, want %q", got, "hello")
	}
}
