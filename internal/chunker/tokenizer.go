package chunker

import (
	"fmt"
	"strings"
	"unicode"
)

// TokenizerSimpleV1 is the only tokenizer currently shipped. The ID is part
// of the chunking fingerprint: identical input and tokenizer ID must yield
// identical chunks across runs and processes.
const TokenizerSimpleV1 = "simple-v1"

// Token is a whitespace-delimited word with byte offsets into the source
// text and the page its first byte falls on.
type Token struct {
	Text  string
	Start int
	End   int
	Page  int
}

// Tokenize splits text into tokens with stable offsets. Only whitespace
// separates tokens; punctuation stays attached to its word, which is what
// the sentence-boundary detection relies on.
func Tokenize(tokenizerID, text string) ([]Token, error) {
	if tokenizerID != TokenizerSimpleV1 {
		return nil, fmt.Errorf("unknown tokenizer %q", tokenizerID)
	}

	var tokens []Token
	start := -1
	for i, r := range text {
		if unicode.IsSpace(r) {
			if start >= 0 {
				tokens = append(tokens, Token{Text: text[start:i], Start: start, End: i})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		tokens = append(tokens, Token{Text: text[start:], Start: start, End: len(text)})
	}
	return tokens, nil
}

// CountTokens returns the token count of text under the given tokenizer.
// Unknown tokenizer IDs fall back to a whitespace field count so token
// budgeting never hard-fails at query time.
func CountTokens(tokenizerID, text string) int {
	tokens, err := Tokenize(tokenizerID, text)
	if err != nil {
		return len(strings.Fields(text))
	}
	return len(tokens)
}

// isSentenceEnd reports whether tok terminates a sentence: it ends in a
// terminator rune (ignoring trailing quotes and brackets), or the source
// has a newline between tok and next while next starts with an uppercase
// letter.
func isSentenceEnd(text string, tok Token, next *Token) bool {
	trimmed := strings.TrimRight(tok.Text, `"')]}`+"”’")
	if trimmed != "" {
		switch trimmed[len(trimmed)-1] {
		case '.', '!', '?':
			return true
		}
	}
	if next != nil {
		gap := text[tok.End:next.Start]
		if strings.ContainsRune(gap, '\n') {
			for _, r := range next.Text {
				return unicode.IsUpper(r)
			}
		}
	}
	return false
}
