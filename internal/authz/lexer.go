package authz

import (
	"fmt"
	"strings"
	"unicode"
)

// lexer tokenizes the braced ACI grammar: punctuation ({ } , : =), quoted
// strings, and bare words.
type lexer struct {
	input  string
	pos    int
	peeked *string
}

func newLexer(input string) *lexer {
	return &lexer{input: input}
}

func (l *lexer) next() (string, error) {
	if l.peeked != nil {
		tok := *l.peeked
		l.peeked = nil

		return tok, nil
	}

	for l.pos < len(l.input) && unicode.IsSpace(rune(l.input[l.pos])) {
		l.pos++
	}
	if l.pos >= len(l.input) {
		return "", fmt.Errorf("aci: unexpected end of input")
	}

	c := l.input[l.pos]
	switch c {
	case '{', '}', ',', ':', '=':
		l.pos++

		return string(c), nil
	case '"':
		end := strings.IndexByte(l.input[l.pos+1:], '"')
		if end < 0 {
			return "", fmt.Errorf("aci: unterminated string")
		}
		tok := l.input[l.pos+1 : l.pos+1+end]
		l.pos += end + 2

		return tok, nil
	}

	start := l.pos
	for l.pos < len(l.input) && !isDelim(l.input[l.pos]) {
		l.pos++
	}
	if l.pos == start {
		return "", fmt.Errorf("aci: stray character %q", c)
	}

	return l.input[start:l.pos], nil
}

func isDelim(c byte) bool {
	return c == '{' || c == '}' || c == ',' || c == ':' || c == '=' || c == '"' || unicode.IsSpace(rune(c))
}

func (l *lexer) peek() (string, error) {
	if l.peeked == nil {
		tok, err := l.next()
		if err != nil {
			return "", err
		}
		l.peeked = &tok
	}

	return *l.peeked, nil
}

func (l *lexer) expect(tok string) error {
	got, err := l.next()
	if err != nil {
		return err
	}
	if got != tok {
		return fmt.Errorf("aci: expected %q, got %q", tok, got)
	}

	return nil
}

func (l *lexer) expectWord(word string) error {
	got, err := l.next()
	if err != nil {
		return err
	}
	if !strings.EqualFold(got, word) {
		return fmt.Errorf("aci: expected %q, got %q", word, got)
	}

	return nil
}

// quoted reads the next token and requires it to have been a string; bare
// words are accepted too since DN values are unambiguous either way.
func (l *lexer) quoted() (string, error) {
	return l.next()
}
