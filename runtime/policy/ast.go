package policy

import (
	"fmt"
	"strconv"
	"strings"
)

// The condition grammar, parsed by recursive descent:
//
//	or    := and ( "OR" and )*
//	and   := unit ( "AND" unit )*
//	unit  := "(" or ")" | cmp
//	cmp   := path op literal | path "in" "[" literal ( "," literal )* "]"
//	op    := "<" | "<=" | ">" | ">=" | "==" | "!="
//	path  := ident ( "." ident )*
//
// Literals are numbers, quoted strings, booleans, or barewords (treated as
// strings). Unknown tokens abort the parse.

type node interface {
	eval(pc Context) (bool, error)
}

type (
	orNode  struct{ left, right node }
	andNode struct{ left, right node }

	cmpNode struct {
		path string
		op   string
		lit  literal
	}

	inNode struct {
		path string
		lits []literal
	}

	literal struct {
		num   float64
		str   string
		b     bool
		isNum bool
		isStr bool
		isB   bool
	}
)

func (n orNode) eval(pc Context) (bool, error) {
	l, err := n.left.eval(pc)
	if err != nil {
		return false, err
	}
	if l {
		return true, nil
	}
	return n.right.eval(pc)
}

func (n andNode) eval(pc Context) (bool, error) {
	l, err := n.left.eval(pc)
	if err != nil {
		return false, err
	}
	if !l {
		return false, nil
	}
	return n.right.eval(pc)
}

func (n cmpNode) eval(pc Context) (bool, error) {
	val, err := resolve(pc, n.path)
	if err != nil {
		return false, err
	}
	switch n.op {
	case "==":
		return equal(val, n.lit), nil
	case "!=":
		return !equal(val, n.lit), nil
	}
	// Ordering: numeric when both sides are numbers, lexicographic otherwise.
	if num, ok := asNumber(val); ok && n.lit.isNum {
		return ordered(num, n.lit.num, n.op), nil
	}
	ls, lok := asString(val)
	if !lok || n.lit.isNum || n.lit.isB {
		return false, fmt.Errorf("cannot order %q against %v", n.path, val)
	}
	return orderedStr(ls, n.lit.str, n.op), nil
}

func (n inNode) eval(pc Context) (bool, error) {
	val, err := resolve(pc, n.path)
	if err != nil {
		return false, err
	}
	for _, lit := range n.lits {
		if equal(val, lit) {
			return true, nil
		}
	}
	return false, nil
}

func ordered(a, b float64, op string) bool {
	switch op {
	case "<":
		return a < b
	case "<=":
		return a <= b
	case ">":
		return a > b
	case ">=":
		return a >= b
	}
	return false
}

func orderedStr(a, b, op string) bool {
	switch op {
	case "<":
		return a < b
	case "<=":
		return a <= b
	case ">":
		return a > b
	case ">=":
		return a >= b
	}
	return false
}

func equal(val any, lit literal) bool {
	if num, ok := asNumber(val); ok && lit.isNum {
		return num == lit.num
	}
	if b, ok := val.(bool); ok && lit.isB {
		return b == lit.b
	}
	if s, ok := asString(val); ok && lit.isStr {
		return s == lit.str
	}
	return false
}

func asNumber(val any) (float64, bool) {
	switch v := val.(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	case float32:
		return float64(v), true
	}
	return 0, false
}

func asString(val any) (string, bool) {
	s, ok := val.(string)
	return s, ok
}

// resolve looks up a dotted path against the context. Well-known names map to
// struct fields; everything else traverses the Extra bag.
func resolve(pc Context, path string) (any, error) {
	switch path {
	case "capability":
		return pc.Capability, nil
	case "cost", "step_cost":
		return pc.StepCost, nil
	case "cumulative_cost", "total_cost":
		return pc.CumulativeCost, nil
	case "elapsed_ms", "elapsed":
		return pc.ElapsedMS, nil
	case "user":
		return pc.User, nil
	case "project":
		return pc.Project, nil
	case "environment", "env":
		return pc.Environment, nil
	case "security_level":
		return pc.SecurityLevel, nil
	case "critical":
		return pc.Critical, nil
	}
	parts := strings.Split(path, ".")
	var cur any = pc.Extra
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("unknown context name %q", path)
		}
		cur, ok = m[part]
		if !ok {
			return nil, fmt.Errorf("unknown context name %q", path)
		}
	}
	return cur, nil
}

// --- tokenizer and parser ---

type token struct {
	kind string // ident, num, str, op, punct, eof
	text string
}

type parser struct {
	toks []token
	pos  int
}

func parseCondition(text string) (node, error) {
	toks, err := tokenize(text)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != "eof" {
		return nil, fmt.Errorf("unexpected trailing token %q", p.peek().text)
	}
	return n, nil
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peekKeyword("OR") {
		p.pos++
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = orNode{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseUnit()
	if err != nil {
		return nil, err
	}
	for p.peekKeyword("AND") {
		p.pos++
		right, err := p.parseUnit()
		if err != nil {
			return nil, err
		}
		left = andNode{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseUnit() (node, error) {
	if p.peek().kind == "punct" && p.peek().text == "(" {
		p.pos++
		n, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if err := p.expectPunct(")"); err != nil {
			return nil, err
		}
		return n, nil
	}
	return p.parseCmp()
}

func (p *parser) parseCmp() (node, error) {
	tok := p.peek()
	if tok.kind != "ident" {
		return nil, fmt.Errorf("expected name, got %q", tok.text)
	}
	p.pos++
	path := tok.text

	next := p.peek()
	if next.kind == "ident" && strings.EqualFold(next.text, "in") {
		p.pos++
		if err := p.expectPunct("["); err != nil {
			return nil, err
		}
		var lits []literal
		for {
			lit, err := p.parseLiteral()
			if err != nil {
				return nil, err
			}
			lits = append(lits, lit)
			if p.peek().kind == "punct" && p.peek().text == "," {
				p.pos++
				continue
			}
			break
		}
		if err := p.expectPunct("]"); err != nil {
			return nil, err
		}
		return inNode{path: path, lits: lits}, nil
	}

	if next.kind != "op" {
		return nil, fmt.Errorf("expected operator after %q, got %q", path, next.text)
	}
	p.pos++
	lit, err := p.parseLiteral()
	if err != nil {
		return nil, err
	}
	return cmpNode{path: path, op: next.text, lit: lit}, nil
}

func (p *parser) parseLiteral() (literal, error) {
	tok := p.peek()
	switch tok.kind {
	case "num":
		p.pos++
		num, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return literal{}, fmt.Errorf("bad number %q", tok.text)
		}
		return literal{num: num, isNum: true}, nil
	case "str":
		p.pos++
		return literal{str: tok.text, isStr: true}, nil
	case "ident":
		p.pos++
		switch tok.text {
		case "true":
			return literal{b: true, isB: true}, nil
		case "false":
			return literal{b: false, isB: true}, nil
		}
		// Bareword literal, e.g. `environment == prod`.
		return literal{str: tok.text, isStr: true}, nil
	}
	return literal{}, fmt.Errorf("expected literal, got %q", tok.text)
}

func (p *parser) peek() token {
	if p.pos >= len(p.toks) {
		return token{kind: "eof"}
	}
	return p.toks[p.pos]
}

func (p *parser) peekKeyword(kw string) bool {
	tok := p.peek()
	return tok.kind == "ident" && tok.text == kw
}

func (p *parser) expectPunct(text string) error {
	tok := p.peek()
	if tok.kind != "punct" || tok.text != text {
		return fmt.Errorf("expected %q, got %q", text, tok.text)
	}
	p.pos++
	return nil
}

func tokenize(text string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(text) {
		c := text[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case c == '(' || c == ')' || c == '[' || c == ']' || c == ',':
			toks = append(toks, token{kind: "punct", text: string(c)})
			i++
		case c == '<' || c == '>':
			op := string(c)
			if i+1 < len(text) && text[i+1] == '=' {
				op += "="
				i++
			}
			toks = append(toks, token{kind: "op", text: op})
			i++
		case c == '=' || c == '!':
			if i+1 >= len(text) || text[i+1] != '=' {
				return nil, fmt.Errorf("unknown token %q", string(c))
			}
			toks = append(toks, token{kind: "op", text: string(c) + "="})
			i += 2
		case c == '"' || c == '\'':
			quote := c
			j := i + 1
			for j < len(text) && text[j] != quote {
				j++
			}
			if j >= len(text) {
				return nil, fmt.Errorf("unterminated string")
			}
			toks = append(toks, token{kind: "str", text: text[i+1 : j]})
			i = j + 1
		case c >= '0' && c <= '9':
			j := i
			for j < len(text) && (text[j] >= '0' && text[j] <= '9' || text[j] == '.') {
				j++
			}
			toks = append(toks, token{kind: "num", text: text[i:j]})
			i = j
		case isIdentByte(c):
			j := i
			for j < len(text) && (isIdentByte(text[j]) || text[j] >= '0' && text[j] <= '9' || text[j] == '.') {
				j++
			}
			toks = append(toks, token{kind: "ident", text: text[i:j]})
			i = j
		default:
			return nil, fmt.Errorf("unknown token %q", string(c))
		}
	}
	return toks, nil
}

func isIdentByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_'
}
