package guard

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/juju/errors"
)

type tokenKind int

const (
	tokenEOF tokenKind = iota
	tokenIdent
	tokenNumber
	tokenString
	tokenOp
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

// Parse turns an expression string into its tree form. Syntax errors
// surface at definition-registration time, before any instance runs.
func Parse(expression string) (Expr, error) {
	tokens, err := lex(expression)
	if err != nil {
		return nil, errors.Trace(err)
	}
	p := &parser{tokens: tokens}
	e, err := p.parseOr()
	if err != nil {
		return nil, errors.Trace(err)
	}
	if t := p.peek(); t.kind != tokenEOF {
		return nil, errors.Errorf("unexpected %q at position %d", t.text, t.pos)
	}
	return e, nil
}

func lex(s string) ([]token, error) {
	tokens := make([]token, 0, 8)
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n':
			i++

		case c == '(' || c == ')':
			tokens = append(tokens, token{tokenOp, string(c), i})
			i++

		case c == '\'' || c == '"':
			quote := c
			j := i + 1
			for j < len(s) && s[j] != quote {
				j++
			}
			if j >= len(s) {
				return nil, errors.Errorf("unterminated string at position %d", i)
			}
			tokens = append(tokens, token{tokenString, s[i+1 : j], i})
			i = j + 1

		case strings.ContainsRune("=!<>&|", rune(c)):
			j := i + 1
			for j < len(s) && strings.ContainsRune("=!<>&|", rune(s[j])) {
				j++
			}
			op := s[i:j]
			switch op {
			case "==", "!=", "<", "<=", ">", ">=", "&&", "||", "!":
			default:
				return nil, errors.Errorf("unknown operator %q at position %d", op, i)
			}
			tokens = append(tokens, token{tokenOp, op, i})
			i = j

		case c >= '0' && c <= '9' || c == '-':
			j := i + 1
			for j < len(s) && (s[j] >= '0' && s[j] <= '9' || s[j] == '.') {
				j++
			}
			tokens = append(tokens, token{tokenNumber, s[i:j], i})
			i = j

		case unicode.IsLetter(rune(c)) || c == '_':
			j := i + 1
			for j < len(s) && (unicode.IsLetter(rune(s[j])) || unicode.IsDigit(rune(s[j])) || s[j] == '_' || s[j] == '.') {
				j++
			}
			tokens = append(tokens, token{tokenIdent, s[i:j], i})
			i = j

		default:
			return nil, errors.Errorf("unexpected character %q at position %d", c, i)
		}
	}
	tokens = append(tokens, token{tokenEOF, "", len(s)})
	return tokens, nil
}

type parser struct {
	tokens []token
	idx    int
}

func (p *parser) peek() token {
	return p.tokens[p.idx]
}

func (p *parser) next() token {
	t := p.tokens[p.idx]
	if t.kind != tokenEOF {
		p.idx++
	}
	return t
}

func (p *parser) acceptOp(ops ...string) (string, bool) {
	t := p.peek()
	if t.kind != tokenOp {
		return "", false
	}
	for _, op := range ops {
		if t.text == op {
			p.next()
			return op, true
		}
	}
	return "", false
}

func (p *parser) acceptKeyword(words ...string) (string, bool) {
	t := p.peek()
	if t.kind != tokenIdent {
		return "", false
	}
	for _, w := range words {
		if t.text == w {
			p.next()
			return w, true
		}
	}
	return "", false
}

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, errors.Trace(err)
	}
	for {
		if _, ok := p.acceptOp("||"); !ok {
			if _, ok := p.acceptKeyword("or"); !ok {
				return left, nil
			}
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, errors.Trace(err)
		}
		left = &Or{Left: left, Right: right}
	}
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, errors.Trace(err)
	}
	for {
		if _, ok := p.acceptOp("&&"); !ok {
			if _, ok := p.acceptKeyword("and"); !ok {
				return left, nil
			}
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, errors.Trace(err)
		}
		left = &And{Left: left, Right: right}
	}
}

func (p *parser) parseUnary() (Expr, error) {
	if _, ok := p.acceptOp("!"); ok {
		e, err := p.parseUnary()
		if err != nil {
			return nil, errors.Trace(err)
		}
		return &Not{Expr: e}, nil
	}
	if _, ok := p.acceptKeyword("not"); ok {
		e, err := p.parseUnary()
		if err != nil {
			return nil, errors.Trace(err)
		}
		return &Not{Expr: e}, nil
	}
	return p.parseCompare()
}

func (p *parser) parseCompare() (Expr, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, errors.Trace(err)
	}
	op, ok := p.acceptOp("==", "!=", "<=", ">=", "<", ">")
	if !ok {
		return left, nil
	}
	right, err := p.parseOperand()
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &Compare{Op: op, Left: left, Right: right}, nil
}

func (p *parser) parseOperand() (Expr, error) {
	t := p.peek()
	switch t.kind {
	case tokenOp:
		if t.text == "(" {
			p.next()
			e, err := p.parseOr()
			if err != nil {
				return nil, errors.Trace(err)
			}
			if _, ok := p.acceptOp(")"); !ok {
				return nil, errors.Errorf("missing ) at position %d", p.peek().pos)
			}
			return e, nil
		}
		return nil, errors.Errorf("unexpected %q at position %d", t.text, t.pos)

	case tokenString:
		p.next()
		return &Literal{Value: t.text}, nil

	case tokenNumber:
		p.next()
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, errors.Errorf("bad number %q at position %d", t.text, t.pos)
		}
		return &Literal{Value: f}, nil

	case tokenIdent:
		p.next()
		switch t.text {
		case "true":
			return &Literal{Value: true}, nil
		case "false":
			return &Literal{Value: false}, nil
		}
		return &Var{Path: strings.Split(t.text, ".")}, nil
	}
	return nil, errors.Errorf("unexpected end of expression")
}
