package rules

import (
	"fmt"
	"unicode"
	"unicode/utf8"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokArrow    // -> or →
	tokLBrace   // {
	tokRBrace   // }
	tokLBracket // [
	tokRBracket // ]
	tokLParen   // (
	tokRParen   // )
	tokComma    // ,
	tokSemi     // ;
	tokColon    // :
)

type token struct {
	Kind tokenKind
	Text string
	Pos  Pos
}

func (t token) describe() string {
	switch t.Kind {
	case tokEOF:
		return "end of input"
	default:
		return fmt.Sprintf("%q", t.Text)
	}
}

// symbolWords maps the Unicode operator forms onto their keyword
// spellings so the parser only ever sees one spelling.
var symbolWords = map[rune]string{
	'∀': "forall",
	'∃': "exists",
	'∧': "and",
	'∨': "or",
	'¬': "not",
	'∈': "in",
}

type lexer struct {
	src    string
	offset int
	line   int
	col    int
}

func newLexer(src string) *lexer {
	return &lexer{src: src, line: 1, col: 1}
}

func (l *lexer) pos() Pos {
	return Pos{Offset: l.offset, Line: l.line, Column: l.col}
}

func (l *lexer) peek() rune {
	if l.offset >= len(l.src) {
		return 0
	}
	r, _ := utf8.DecodeRuneInString(l.src[l.offset:])
	return r
}

func (l *lexer) advance() rune {
	r, size := utf8.DecodeRuneInString(l.src[l.offset:])
	l.offset += size
	if r == '\n' {
		l.line++
		l.col = 1
	} else {
		l.col++
	}
	return r
}

func (l *lexer) skipSpaceAndComments() {
	for l.offset < len(l.src) {
		r := l.peek()
		switch {
		case unicode.IsSpace(r):
			l.advance()
		case r == '#':
			for l.offset < len(l.src) && l.peek() != '\n' {
				l.advance()
			}
		default:
			return
		}
	}
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return r == '_' || r == '.' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// next returns the next token. Lexical mistakes are reported as
// ParseError values with the offending position.
func (l *lexer) next() (token, error) {
	l.skipSpaceAndComments()
	start := l.pos()
	if l.offset >= len(l.src) {
		return token{Kind: tokEOF, Pos: start}, nil
	}
	r := l.peek()

	if word, ok := symbolWords[r]; ok {
		l.advance()
		return token{Kind: tokIdent, Text: word, Pos: start}, nil
	}
	if r == '→' {
		l.advance()
		return token{Kind: tokArrow, Text: "->", Pos: start}, nil
	}

	switch r {
	case '{':
		l.advance()
		return token{Kind: tokLBrace, Text: "{", Pos: start}, nil
	case '}':
		l.advance()
		return token{Kind: tokRBrace, Text: "}", Pos: start}, nil
	case '[':
		l.advance()
		return token{Kind: tokLBracket, Text: "[", Pos: start}, nil
	case ']':
		l.advance()
		return token{Kind: tokRBracket, Text: "]", Pos: start}, nil
	case '(':
		l.advance()
		return token{Kind: tokLParen, Text: "(", Pos: start}, nil
	case ')':
		l.advance()
		return token{Kind: tokRParen, Text: ")", Pos: start}, nil
	case ',':
		l.advance()
		return token{Kind: tokComma, Text: ",", Pos: start}, nil
	case ';':
		l.advance()
		return token{Kind: tokSemi, Text: ";", Pos: start}, nil
	case ':':
		l.advance()
		return token{Kind: tokColon, Text: ":", Pos: start}, nil
	case '-':
		l.advance()
		if l.peek() != '>' {
			return token{}, &ParseError{Pos: start, Msg: "expected '>' after '-'"}
		}
		l.advance()
		return token{Kind: tokArrow, Text: "->", Pos: start}, nil
	}

	if isIdentStart(r) {
		for l.offset < len(l.src) && isIdentPart(l.peek()) {
			l.advance()
		}
		return token{Kind: tokIdent, Text: l.src[start.Offset:l.offset], Pos: start}, nil
	}
	return token{}, &ParseError{Pos: start, Msg: fmt.Sprintf("unexpected character %q", r)}
}
