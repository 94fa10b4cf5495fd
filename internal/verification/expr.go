package verification

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"unicode"
)

// ErrExpression is returned for text the evaluator does not accept.
var ErrExpression = errors.New("invalid expression")

// Evaluate computes an arithmetic expression with one optional variable.
//
// Accepted: decimal numbers, the named variable, + - * / ^ × ÷ − and
// parentheses, unary signs and implicit multiplication ("2x", "3(x+1)").
// Anything else is rejected; no code is ever executed.
func Evaluate(expr, variable string, value float64) (float64, error) {
	toks, err := tokenize(expr)
	if err != nil {
		return 0, err
	}
	p := &parser{toks: toks, variable: variable, value: value}
	v, err := p.expr()
	if err != nil {
		return 0, err
	}
	if p.pos != len(p.toks) {
		return 0, fmt.Errorf("%w: unexpected %q", ErrExpression, p.toks[p.pos].text)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: result is not finite", ErrExpression)
	}
	return v, nil
}

type tokenKind int

const (
	tokNumber tokenKind = iota
	tokIdent
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
	num  float64
}

func tokenize(s string) ([]token, error) {
	var toks []token
	runes := []rune(s)
	for i := 0; i < len(runes); {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case unicode.IsDigit(r) || r == '.':
			j := i
			for j < len(runes) && (unicode.IsDigit(runes[j]) || runes[j] == '.') {
				j++
			}
			text := string(runes[i:j])
			n, err := strconv.ParseFloat(text, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: bad number %q", ErrExpression, text)
			}
			toks = append(toks, token{kind: tokNumber, text: text, num: n})
			i = j
		case unicode.IsLetter(r):
			toks = append(toks, token{kind: tokIdent, text: string(r)})
			i++
		case r == '(' || r == '[':
			toks = append(toks, token{kind: tokLParen, text: "("})
			i++
		case r == ')' || r == ']':
			toks = append(toks, token{kind: tokRParen, text: ")"})
			i++
		case r == '+' || r == '-' || r == '−' || r == '*' || r == '×' || r == '·' || r == '/' || r == '÷' || r == '^':
			toks = append(toks, token{kind: tokOp, text: normalizeOp(r)})
			i++
		default:
			return nil, fmt.Errorf("%w: unsupported character %q", ErrExpression, r)
		}
	}
	if len(toks) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrExpression)
	}
	return toks, nil
}

func normalizeOp(r rune) string {
	switch r {
	case '−':
		return "-"
	case '×', '·':
		return "*"
	case '÷':
		return "/"
	}
	return string(r)
}

type parser struct {
	toks     []token
	pos      int
	variable string
	value    float64
}

func (p *parser) peek() (token, bool) {
	if p.pos >= len(p.toks) {
		return token{}, false
	}
	return p.toks[p.pos], true
}

func (p *parser) isOp(ops ...string) (string, bool) {
	t, ok := p.peek()
	if !ok || t.kind != tokOp {
		return "", false
	}
	for _, op := range ops {
		if t.text == op {
			return op, true
		}
	}
	return "", false
}

// expr := term (("+" | "-") term)*
func (p *parser) expr() (float64, error) {
	v, err := p.term()
	if err != nil {
		return 0, err
	}
	for {
		op, ok := p.isOp("+", "-")
		if !ok {
			return v, nil
		}
		p.pos++
		rhs, err := p.term()
		if err != nil {
			return 0, err
		}
		if op == "+" {
			v += rhs
		} else {
			v -= rhs
		}
	}
}

// term := unary (("*" | "/" | implicit) unary)*
func (p *parser) term() (float64, error) {
	v, err := p.unary()
	if err != nil {
		return 0, err
	}
	for {
		if op, ok := p.isOp("*", "/"); ok {
			p.pos++
			rhs, err := p.unary()
			if err != nil {
				return 0, err
			}
			if op == "*" {
				v *= rhs
			} else {
				if rhs == 0 {
					return 0, fmt.Errorf("%w: division by zero", ErrExpression)
				}
				v /= rhs
			}
			continue
		}
		t, ok := p.peek()
		if ok && (t.kind == tokNumber || t.kind == tokIdent || t.kind == tokLParen) {
			rhs, err := p.power()
			if err != nil {
				return 0, err
			}
			v *= rhs
			continue
		}
		return v, nil
	}
}

// unary := ("+" | "-") unary | power
func (p *parser) unary() (float64, error) {
	if op, ok := p.isOp("+", "-"); ok {
		p.pos++
		v, err := p.unary()
		if err != nil {
			return 0, err
		}
		if op == "-" {
			return -v, nil
		}
		return v, nil
	}
	return p.power()
}

// power := primary ("^" unary)?
func (p *parser) power() (float64, error) {
	base, err := p.primary()
	if err != nil {
		return 0, err
	}
	if _, ok := p.isOp("^"); ok {
		p.pos++
		exp, err := p.unary()
		if err != nil {
			return 0, err
		}
		return math.Pow(base, exp), nil
	}
	return base, nil
}

// primary := number | variable | "(" expr ")"
func (p *parser) primary() (float64, error) {
	t, ok := p.peek()
	if !ok {
		return 0, fmt.Errorf("%w: unexpected end", ErrExpression)
	}
	switch t.kind {
	case tokNumber:
		p.pos++
		return t.num, nil
	case tokIdent:
		if t.text != p.variable {
			return 0, fmt.Errorf("%w: unknown symbol %q", ErrExpression, t.text)
		}
		p.pos++
		return p.value, nil
	case tokLParen:
		p.pos++
		v, err := p.expr()
		if err != nil {
			return 0, err
		}
		if t, ok := p.peek(); !ok || t.kind != tokRParen {
			return 0, fmt.Errorf("%w: missing closing parenthesis", ErrExpression)
		}
		p.pos++
		return v, nil
	default:
		return 0, fmt.Errorf("%w: unexpected %q", ErrExpression, t.text)
	}
}
