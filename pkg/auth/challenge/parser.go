// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package challenge

import (
	"fmt"
	"strings"

	"github.com/stacklok/apiauth/pkg/errors"
)

const parseFailure = "Failed to parse value"

type lexKind int

const (
	lexToken lexKind = iota
	lexToken68
	lexQuoted
	lexEquals
	lexComma
)

func (k lexKind) String() string {
	switch k {
	case lexToken:
		return "token"
	case lexToken68:
		return "token68"
	case lexQuoted:
		return "quoted-string"
	case lexEquals:
		return "'='"
	case lexComma:
		return "','"
	default:
		return "unknown"
	}
}

type lexeme struct {
	kind lexKind
	text string
	pos  int
}

// Parser parses WWW-Authenticate header values. It holds only immutable
// character tables, so a single value can be shared between goroutines.
type Parser struct {
	tchar   [256]bool
	t68char [256]bool
}

// NewParser builds a Parser.
func NewParser() *Parser {
	p := &Parser{}
	for c := 0; c < 256; c++ {
		alnum := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
		p.tchar[c] = alnum || strings.IndexByte("!#$%&'*+-.^_`|~", byte(c)) >= 0
		p.t68char[c] = alnum || strings.IndexByte("-._~+/", byte(c)) >= 0
	}
	return p
}

var defaultParser = NewParser()

// Parse parses a WWW-Authenticate header value with a shared Parser.
func Parse(header string) (*Set, error) {
	return defaultParser.Parse(header)
}

// Parse parses a WWW-Authenticate header value into its challenges.
// Malformed input returns an error for which errors.IsParse is true.
func (p *Parser) Parse(header string) (*Set, error) {
	if strings.TrimSpace(header) == "" {
		return nil, errors.NewParseError(parseFailure+": header is empty", nil)
	}

	lexemes, err := p.lex(header)
	if err != nil {
		return nil, err
	}
	return group(lexemes, header)
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t'
}

func parseErrorAt(header string, pos int, reason string) error {
	return errors.NewParseError(fmt.Sprintf("%s %q: %s at offset %d", parseFailure, header, reason, pos), nil)
}

// lex splits the header into lexemes, dropping whitespace.
func (p *Parser) lex(s string) ([]lexeme, error) {
	var out []lexeme
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case isSpace(c):
			i++
		case c == ',':
			out = append(out, lexeme{kind: lexComma, text: ",", pos: i})
			i++
		case c == '=':
			out = append(out, lexeme{kind: lexEquals, text: "=", pos: i})
			i++
		case c == '"':
			text, next, err := p.lexQuoted(s, i)
			if err != nil {
				return nil, err
			}
			out = append(out, lexeme{kind: lexQuoted, text: text, pos: i})
			i = next
		case p.tchar[c] || p.t68char[c]:
			l := p.lexWord(s, i)
			out = append(out, l)
			i += len(l.text)
		default:
			return nil, parseErrorAt(s, i, fmt.Sprintf("unexpected character %q", rune(c)))
		}
	}
	return out, nil
}

// lexWord takes the longest match between a token and a token68 starting at i.
// A token68 only wins when it is longer and is either terminated by '=' padding
// at the end of a list element or contains a character a token cannot hold.
func (p *Parser) lexWord(s string, i int) lexeme {
	tokEnd := i
	for tokEnd < len(s) && p.tchar[s[tokEnd]] {
		tokEnd++
	}

	t68End := i
	hasNonToken := false
	for t68End < len(s) && p.t68char[s[t68End]] {
		if !p.tchar[s[t68End]] {
			hasNonToken = true
		}
		t68End++
	}
	padded := false
	if t68End > i {
		for t68End < len(s) && s[t68End] == '=' {
			t68End++
			padded = true
		}
	}

	if t68End > tokEnd {
		if hasNonToken || (padded && endsElement(s, t68End)) {
			return lexeme{kind: lexToken68, text: s[i:t68End], pos: i}
		}
	}
	return lexeme{kind: lexToken, text: s[i:tokEnd], pos: i}
}

// endsElement reports whether only whitespace separates j from a comma or the end.
func endsElement(s string, j int) bool {
	for j < len(s) && isSpace(s[j]) {
		j++
	}
	return j == len(s) || s[j] == ','
}

func (*Parser) lexQuoted(s string, start int) (string, int, error) {
	var b strings.Builder
	i := start + 1
	for i < len(s) {
		switch c := s[i]; c {
		case '"':
			return b.String(), i + 1, nil
		case '\\':
			if i+1 >= len(s) {
				return "", 0, parseErrorAt(s, i, "unterminated escape")
			}
			b.WriteByte(s[i+1])
			i += 2
		default:
			if (c < 0x20 && c != '\t') || c == 0x7f {
				return "", 0, parseErrorAt(s, i, "control character in quoted string")
			}
			b.WriteByte(c)
			i++
		}
	}
	return "", 0, parseErrorAt(s, start, "unterminated quoted string")
}

// group turns the flat lexeme stream into challenges.
func group(lx []lexeme, header string) (*Set, error) {
	set := newSet()
	i := 0
	for i < len(lx) {
		// empty list elements are allowed
		if lx[i].kind == lexComma {
			i++
			continue
		}
		if lx[i].kind != lexToken {
			return nil, parseErrorAt(header, lx[i].pos, fmt.Sprintf("expected auth scheme, found %s", lx[i].kind))
		}

		ch := &Challenge{Scheme: lx[i].text}
		i++

		if i < len(lx) {
			switch lx[i].kind {
			case lexToken68:
				ch.Credential = lx[i].text
				i++
			case lexToken:
				if i+1 < len(lx) && lx[i+1].kind == lexEquals {
					params, next, err := groupParams(lx, i, header)
					if err != nil {
						return nil, err
					}
					ch.Params = params
					i = next
				} else {
					ch.Credential = lx[i].text
					i++
				}
			case lexComma:
			default:
				return nil, parseErrorAt(header, lx[i].pos, fmt.Sprintf("unexpected %s after scheme %q", lx[i].kind, ch.Scheme))
			}
		}

		if i < len(lx) {
			if lx[i].kind != lexComma {
				return nil, parseErrorAt(header, lx[i].pos, fmt.Sprintf("unexpected %s in challenge %q", lx[i].kind, ch.Scheme))
			}
			i++
		}
		set.add(ch)
	}

	if set.Len() == 0 {
		return nil, errors.NewParseError(parseFailure+": no challenges in header", nil)
	}
	return set, nil
}

// groupParams reads name=value pairs starting at i. It stops before a comma
// whose following token is not itself followed by '=', leaving that comma
// for the caller so the token starts the next challenge.
func groupParams(lx []lexeme, i int, header string) (*Params, int, error) {
	params := newParams()
	for {
		if i+2 >= len(lx) || lx[i].kind != lexToken || lx[i+1].kind != lexEquals {
			pos := len(header)
			if i < len(lx) {
				pos = lx[i].pos
			}
			return nil, 0, parseErrorAt(header, pos, "expected name=value")
		}
		value := lx[i+2]
		switch value.kind {
		case lexToken, lexToken68, lexQuoted:
		default:
			return nil, 0, parseErrorAt(header, value.pos, fmt.Sprintf("expected value, found %s", value.kind))
		}
		params.set(lx[i].text, value.text)
		i += 3

		if i >= len(lx) {
			return params, i, nil
		}
		if lx[i].kind != lexComma {
			return nil, 0, parseErrorAt(header, lx[i].pos, fmt.Sprintf("expected ',' found %s", lx[i].kind))
		}

		j := i + 1
		for j < len(lx) && lx[j].kind == lexComma {
			j++
		}
		if j+1 < len(lx) && lx[j].kind == lexToken && lx[j+1].kind == lexEquals {
			i = j
			continue
		}
		return params, i, nil
	}
}
