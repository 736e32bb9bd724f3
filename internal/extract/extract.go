package extract

import (
	"bytes"
	"strings"
	"unicode"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
	"golang.org/x/text/unicode/norm"

	"github.com/citebase/citebase/internal/fault"
)

// Page is one page of extracted, normalized text. Page numbers are 1-based.
type Page struct {
	Number int
	Text   string
}

// Extract decodes an uploaded binary into page-tagged text based on its
// declared type. Formats without intrinsic pages (text, markdown, HTML)
// produce a single page. Empty output is treated as corrupt input.
func Extract(blob []byte, declaredType string) ([]Page, error) {
	var pages []Page
	var err error

	switch normalizeType(declaredType) {
	case "pdf":
		pages, err = extractPDF(blob)
	case "html":
		pages, err = extractHTML(blob)
	case "text", "markdown":
		pages = []Page{{Number: 1, Text: string(blob)}}
	default:
		return nil, fault.New(fault.KindUnsupportedFormat, "unsupported document type %q", declaredType)
	}
	if err != nil {
		return nil, err
	}

	out := make([]Page, 0, len(pages))
	for _, p := range pages {
		text := Normalize(p.Text)
		if text == "" {
			continue
		}
		out = append(out, Page{Number: p.Number, Text: text})
	}
	if len(out) == 0 {
		return nil, fault.New(fault.KindCorruptInput, "document produced no text")
	}
	return out, nil
}

func normalizeType(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	t = strings.TrimPrefix(t, "application/")
	t = strings.TrimPrefix(t, "text/")
	switch t {
	case "pdf":
		return "pdf"
	case "html", "htm":
		return "html"
	case "md", "markdown":
		return "markdown"
	case "txt", "text", "plain", "":
		return "text"
	}
	return t
}

func extractPDF(blob []byte) ([]Page, error) {
	reader, err := pdf.NewReader(bytes.NewReader(blob), int64(len(blob)))
	if err != nil {
		return nil, fault.Wrap(fault.KindCorruptInput, err, "parsing pdf")
	}

	var pages []Page
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fault.Wrap(fault.KindCorruptInput, err, "extracting pdf page %d", i)
		}
		pages = append(pages, Page{Number: i, Text: text})
	}
	return pages, nil
}

func extractHTML(blob []byte) ([]Page, error) {
	doc, err := html.Parse(bytes.NewReader(blob))
	if err != nil {
		return nil, fault.Wrap(fault.KindCorruptInput, err, "parsing html")
	}

	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript":
				return
			}
		}
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			sb.WriteString(" ")
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		// Block elements imply a break between text runs.
		if n.Type == html.ElementNode {
			switch n.Data {
			case "p", "div", "br", "li", "h1", "h2", "h3", "h4", "h5", "h6", "tr":
				sb.WriteString("\n")
			}
		}
	}
	walk(doc)

	return []Page{{Number: 1, Text: sb.String()}}, nil
}

// Normalize applies Unicode NFC, strips control characters except newline,
// and collapses whitespace runs. Newline runs collapse to a single newline
// so sentence detection can still see line structure.
func Normalize(text string) string {
	text = norm.NFC.String(text)

	var sb strings.Builder
	sb.Grow(len(text))

	space := false
	newline := false
	flush := func() {
		if newline {
			sb.WriteByte('\n')
		} else if space {
			sb.WriteByte(' ')
		}
		space = false
		newline = false
	}

	for _, r := range text {
		switch {
		case r == '\n':
			newline = true
		case unicode.IsSpace(r):
			space = true
		case unicode.IsControl(r):
			// Dropped.
		default:
			if sb.Len() > 0 {
				flush()
			} else {
				space, newline = false, false
			}
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
