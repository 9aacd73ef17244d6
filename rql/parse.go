package rql

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Parse reads a query string into an expression tree. Multiple terms
// separated by '&' are combined with and(). An empty string yields nil.
//
//	eq(code,"lt")&sort(+code)&limit(10)
func Parse(query string) (*Expr, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	var terms []*Expr
	for _, part := range splitTop(query, '&') {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		p := &parser{src: part}
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if p.pos != len(p.src) {
			return nil, fmt.Errorf("rql: unexpected input at %q", p.src[p.pos:])
		}
		terms = append(terms, e)
	}
	switch len(terms) {
	case 0:
		return nil, nil
	case 1:
		return terms[0], nil
	default:
		args := make([]interface{}, len(terms))
		for i, t := range terms {
			args[i] = t
		}
		return E("and", args...), nil
	}
}

// splitTop splits on sep at paren depth zero, respecting quoted strings.
func splitTop(s string, sep byte) []string {
	var parts []string
	depth := 0
	start := 0
	inStr := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case inStr:
			if c == '\\' {
				i++
			} else if c == '"' {
				inStr = false
			}
		case c == '"':
			inStr = true
		case c == '(':
			depth++
		case c == ')':
			depth--
		case c == sep && depth == 0:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	return parts
}

type parser struct {
	src string
	pos int
}

func (p *parser) skipSpace() {
	for p.pos < len(p.src) && unicode.IsSpace(rune(p.src[p.pos])) {
		p.pos++
	}
}

func (p *parser) parseExpr() (*Expr, error) {
	p.skipSpace()
	name := p.readIdent()
	if name == "" {
		return nil, fmt.Errorf("rql: expected function name at %q", p.src[p.pos:])
	}
	p.skipSpace()
	if p.pos >= len(p.src) || p.src[p.pos] != '(' {
		return nil, fmt.Errorf("rql: expected '(' after %q", name)
	}
	p.pos++ // consume '('
	e := &Expr{Name: name}
	p.skipSpace()
	if p.pos < len(p.src) && p.src[p.pos] == ')' {
		p.pos++
		return e, nil
	}
	for {
		arg, err := p.parseArg(name)
		if err != nil {
			return nil, err
		}
		e.Args = append(e.Args, arg)
		p.skipSpace()
		if p.pos >= len(p.src) {
			return nil, fmt.Errorf("rql: unterminated %s()", name)
		}
		switch p.src[p.pos] {
		case ',':
			p.pos++
		case ')':
			p.pos++
			return e, nil
		default:
			return nil, fmt.Errorf("rql: unexpected %q in %s()", p.src[p.pos], name)
		}
	}
}

func (p *parser) parseArg(fn string) (interface{}, error) {
	p.skipSpace()
	if p.pos >= len(p.src) {
		return nil, fmt.Errorf("rql: unexpected end of input")
	}
	c := p.src[p.pos]

	// Sort keys carry an optional direction prefix.
	if fn == "sort" && (c == '+' || c == '-') {
		p.pos++
		name := p.readPath()
		if name == "" {
			return nil, fmt.Errorf("rql: expected property after %q", string(c))
		}
		return E(string(c), B(name)), nil
	}

	if c == '"' {
		return p.readString()
	}
	if c == '-' || c == '+' || (c >= '0' && c <= '9') {
		return p.readNumber()
	}

	start := p.pos
	name := p.readPath()
	if name == "" {
		return nil, fmt.Errorf("rql: unexpected %q", string(c))
	}
	p.skipSpace()
	if p.pos < len(p.src) && p.src[p.pos] == '(' {
		// Nested call: rewind to reparse as expression.
		p.pos = start
		return p.parseExpr()
	}
	switch name {
	case "null":
		return nil, nil
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return B(name), nil
}

func (p *parser) readIdent() string {
	start := p.pos
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if c == '_' || unicode.IsLetter(rune(c)) || (p.pos > start && unicode.IsDigit(rune(c))) {
			p.pos++
		} else {
			break
		}
	}
	return p.src[start:p.pos]
}

// readPath reads a dotted property path, e.g. meta.source or _id.
func (p *parser) readPath() string {
	start := p.pos
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if c == '_' || c == '.' || c == '/' || unicode.IsLetter(rune(c)) || unicode.IsDigit(rune(c)) {
			p.pos++
		} else {
			break
		}
	}
	return p.src[start:p.pos]
}

func (p *parser) readString() (string, error) {
	// p.src[p.pos] == '"'
	end := p.pos + 1
	for end < len(p.src) {
		if p.src[end] == '\\' {
			end += 2
			continue
		}
		if p.src[end] == '"' {
			s, err := strconv.Unquote(p.src[p.pos : end+1])
			if err != nil {
				return "", fmt.Errorf("rql: bad string literal: %w", err)
			}
			p.pos = end + 1
			return s, nil
		}
		end++
	}
	return "", fmt.Errorf("rql: unterminated string literal")
}

func (p *parser) readNumber() (interface{}, error) {
	start := p.pos
	if p.src[p.pos] == '-' || p.src[p.pos] == '+' {
		p.pos++
	}
	isFloat := false
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if c >= '0' && c <= '9' {
			p.pos++
		} else if c == '.' && !isFloat {
			isFloat = true
			p.pos++
		} else {
			break
		}
	}
	lit := p.src[start:p.pos]
	if isFloat {
		f, err := strconv.ParseFloat(lit, 64)
		if err != nil {
			return nil, fmt.Errorf("rql: bad number %q: %w", lit, err)
		}
		return f, nil
	}
	n, err := strconv.ParseInt(lit, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("rql: bad number %q: %w", lit, err)
	}
	return n, nil
}
