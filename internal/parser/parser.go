// Package parser implements the LALR-essentials grammar of spec.md §4.2 as
// a hand-written recursive-descent parser over the layout-filtered token
// stream, following the teacher's runtime/parser package layout (a single
// Parser struct with peek/advance helpers plus a companion errors.go).
package parser

import (
	"strconv"

	"github.com/trck-lang/trck/core/ast"
	"github.com/trck-lang/trck/core/token"
	"github.com/trck-lang/trck/internal/terrors"
	"github.com/trck-lang/trck/internal/xlog"
)

// Parser consumes a token slice and produces an *ast.Program.
type Parser struct {
	toks []token.Token
	pos  int
}

// New creates a Parser over an already layout-filtered token stream.
func New(toks []token.Token) *Parser {
	return &Parser{toks: toks}
}

// Parse runs the grammar's `program` production.
func Parse(toks []token.Token) (*ast.Program, error) {
	log := xlog.Stage("parser")
	p := New(toks)
	prog, err := p.parseProgram()
	if err != nil {
		return nil, err
	}
	log.Debug("parsed", "rules", len(prog.Rules))
	return prog, nil
}

func (p *Parser) cur() token.Token {
	if p.pos >= len(p.toks) {
		return token.Token{Type: token.EOF}
	}
	return p.toks[p.pos]
}

func (p *Parser) peekN(n int) token.Token {
	if p.pos+n >= len(p.toks) {
		return token.Token{Type: token.EOF}
	}
	return p.toks[p.pos+n]
}

func (p *Parser) advance() token.Token {
	t := p.cur()
	if p.pos < len(p.toks) {
		p.pos++
	}
	return t
}

func (p *Parser) at(t token.Type) bool { return p.cur().Type == t }

func (p *Parser) expect(t token.Type) (token.Token, error) {
	if !p.at(t) {
		return token.Token{}, p.unexpected(t.String())
	}
	return p.advance(), nil
}

func (p *Parser) unexpected(want string) error {
	c := p.cur()
	if c.Type == token.EOF {
		return &terrors.SyntaxError{
			Pos:     terrors.Position{Line: c.Line, Col: c.Col},
			Message: "unexpected EOF",
		}
	}
	msg := "expected " + want
	return &terrors.SyntaxError{
		Pos:     terrors.Position{Line: c.Line, Col: c.Col},
		Token:   c.String(),
		Message: msg,
	}
}

// skipNewlines consumes zero or more NEWLINE tokens, the separators
// between sibling statements at the same indentation level.
func (p *Parser) skipNewlines() {
	for p.at(token.NEWLINE) {
		p.advance()
	}
}

func (p *Parser) parseProgram() (*ast.Program, error) {
	prog := &ast.Program{}

	if p.at(token.FOREACH) {
		fe, err := p.parseForeach()
		if err != nil {
			return nil, err
		}
		prog.Foreach = fe
		// The header is followed by an indented block of rules.
		if p.at(token.INDENT) {
			p.advance()
			rules, err := p.parseRules()
			if err != nil {
				return nil, err
			}
			prog.Rules = rules
			if _, err := p.expect(token.DEDENT); err != nil {
				return nil, err
			}
		} else {
			rules, err := p.parseRules()
			if err != nil {
				return nil, err
			}
			prog.Rules = rules
		}
	} else {
		rules, err := p.parseRules()
		if err != nil {
			return nil, err
		}
		prog.Rules = rules
	}

	p.skipNewlines()
	if !p.at(token.EOF) {
		return nil, p.unexpected("end of input")
	}
	return prog, nil
}

func (p *Parser) parseForeach() (*ast.ForeachHeader, error) {
	start := p.advance() // "foreach"
	hdr := &ast.ForeachHeader{Line: start.Line, Col: start.Col}

	if p.at(token.SCALAR) && p.peekN(1).Type != token.IN && p.peekN(1).Type != token.COMMA {
		t := p.advance()
		hdr.ScalarOnly = "%" + t.Text
	} else {
		vars, err := p.parseVarList()
		if err != nil {
			return nil, err
		}
		hdr.Vars = vars
		if _, err := p.expect(token.IN); err != nil {
			return nil, err
		}
		arr, err := p.expect(token.COMPOSITE)
		if err != nil {
			return nil, err
		}
		hdr.Array = "@" + arr.Text
	}

	if p.at(token.MERGED) {
		p.advance()
		hdr.Merged = true
		if p.at(token.RESULTS) {
			p.advance()
			hdr.MergedWords = true
		}
	}
	return hdr, nil
}

func (p *Parser) parseVarList() ([]string, error) {
	var vars []string
	for {
		v, err := p.parseVar()
		if err != nil {
			return nil, err
		}
		vars = append(vars, v)
		if p.at(token.COMMA) {
			p.advance()
			continue
		}
		break
	}
	return vars, nil
}

func (p *Parser) parseVar() (string, error) {
	switch p.cur().Type {
	case token.SET:
		t := p.advance()
		return "#" + t.Text, nil
	case token.SCALAR:
		t := p.advance()
		return "%" + t.Text, nil
	default:
		return "", p.unexpected("variable (#set or %scalar)")
	}
}

func (p *Parser) parseRules() ([]ast.Rule, error) {
	var rules []ast.Rule
	p.skipNewlines()
	for !p.at(token.DEDENT) && !p.at(token.EOF) {
		r, err := p.parseRule()
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
		p.skipNewlines()
	}
	if len(rules) == 0 {
		return nil, p.unexpected("at least one rule")
	}
	return rules, nil
}

func (p *Parser) parseRule() (ast.Rule, error) {
	nameTok, err := p.expect(token.IDENT)
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(token.ARROW); err != nil {
		return nil, err
	}
	if _, err := p.expect(token.INDENT); err != nil {
		return nil, err
	}

	var rule ast.Rule
	switch p.cur().Type {
	case token.WINDOW:
		rule, err = p.parseWindowStmt(nameTok)
	case token.RECEIVE:
		rule, err = p.parseReceiveStmt(nameTok)
	default:
		return nil, p.unexpected("\"window\" or \"receive\"")
	}
	if err != nil {
		return nil, err
	}

	if _, err := p.expect(token.DEDENT); err != nil {
		return nil, err
	}
	return rule, nil
}

func (p *Parser) parseWindowStmt(name token.Token) (*ast.Window, error) {
	p.advance() // "window"
	if _, err := p.expect(token.INDENT); err != nil {
		return nil, err
	}
	nested, err := p.parseRules()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(token.DEDENT); err != nil {
		return nil, err
	}
	p.skipNewlines()
	if _, err := p.expect(token.AFTER); err != nil {
		return nil, err
	}
	durTok, err := p.expect(token.TIMEDELTA)
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(token.ARROW); err != nil {
		return nil, err
	}
	yields, action, err := p.parseActions()
	if err != nil {
		return nil, err
	}
	return &ast.Window{
		RuleName: name.Text,
		Nested:   nested,
		Duration: durTok.Value.(int64),
		HasDur:   true,
		After:    ast.After{Yields: yields, Action: action, Line: durTok.Line, Col: durTok.Col},
		Line:     name.Line, Col: name.Col,
	}, nil
}

func (p *Parser) parseReceiveStmt(name token.Token) (*ast.Receive, error) {
	p.advance() // "receive"
	if _, err := p.expect(token.INDENT); err != nil {
		return nil, err
	}
	clauses, err := p.parseClauses()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(token.DEDENT); err != nil {
		return nil, err
	}

	r := &ast.Receive{RuleName: name.Text, Clauses: clauses, Line: name.Line, Col: name.Col}

	p.skipNewlines()
	if p.at(token.AFTER) {
		afterTok := p.advance()
		var dur int64
		hasDur := false
		if p.at(token.TIMEDELTA) {
			dt := p.advance()
			dur = dt.Value.(int64)
			hasDur = true
		}
		if _, err := p.expect(token.ARROW); err != nil {
			return nil, err
		}
		yields, action, err := p.parseActions()
		if err != nil {
			return nil, err
		}
		r.After = &ast.After{Duration: dur, HasDuration: hasDur, Yields: yields, Action: action, Line: afterTok.Line, Col: afterTok.Col}
	}
	return r, nil
}

func (p *Parser) parseClauses() ([]ast.Clause, error) {
	var clauses []ast.Clause
	p.skipNewlines()
	for !p.at(token.DEDENT) && !p.at(token.EOF) {
		c, err := p.parseClause()
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, c)
		p.skipNewlines()
	}
	if len(clauses) == 0 {
		return nil, p.unexpected("at least one clause")
	}
	return clauses, nil
}

func (p *Parser) parseClause() (ast.Clause, error) {
	start := p.cur()
	c := ast.Clause{Line: start.Line, Col: start.Col}

	if p.at(token.WILDCARD) {
		p.advance()
		c.Wildcard = true
	} else {
		cond, err := p.parseConditions()
		if err != nil {
			return ast.Clause{}, err
		}
		c.Attrs = cond
	}

	if _, err := p.expect(token.ARROW); err != nil {
		return ast.Clause{}, err
	}

	yields, action, err := p.parseActions()
	if err != nil {
		return ast.Clause{}, err
	}
	c.Yields = yields
	c.Action = action
	return c, nil
}

func (p *Parser) parseConditions() (ast.Condition, error) {
	cond := ast.Condition{}
	for {
		key, g, err := p.parseCondition()
		if err != nil {
			return nil, err
		}
		cond[key] = append(cond[key], g)
		if p.at(token.COMMA) && p.isConditionStart(p.peekN(1)) {
			p.advance()
			continue
		}
		break
	}
	return cond, nil
}

// isConditionStart disambiguates the "," in `conditions` from the one
// separating `actions` / `yields`: a condition always starts with IDENT.
func (p *Parser) isConditionStart(t token.Token) bool {
	return t.Type == token.IDENT
}

func (p *Parser) parseCondition() (string, ast.Guard, error) {
	keyTok, err := p.expect(token.IDENT)
	if err != nil {
		return "", ast.Guard{}, err
	}
	key := keyTok.Text

	switch p.cur().Type {
	case token.EQ:
		p.advance()
		switch p.cur().Type {
		case token.STRING:
			s := p.advance()
			return key, ast.Guard{Kind: ast.GuardLiteralEq, Literal: s.Text}, nil
		case token.SCALAR:
			s := p.advance()
			return key, ast.Guard{Kind: ast.GuardVarEq, Var: "%" + s.Text}, nil
		default:
			return "", ast.Guard{}, p.unexpected("string or %scalar")
		}
	case token.IN:
		p.advance()
		s, err := p.expect(token.SET)
		if err != nil {
			return "", ast.Guard{}, err
		}
		return key, ast.Guard{Kind: ast.GuardSetIn, Var: "#" + s.Text}, nil
	case token.LT, token.LTE, token.EQEQ, token.GT, token.GTE:
		opTok := p.advance()
		g := ast.Guard{Kind: ast.GuardTimestampCmp, Op: cmpOpString(opTok.Type)}
		switch p.cur().Type {
		case token.TIMESTAMP:
			t := p.advance()
			g.TSLiteral = t.Value.(int64)
			g.HasTSLit = true
		case token.NUMBER:
			n := p.advance()
			g.NumLiteral = n.Value.(int64)
			g.HasNumLit = true
		case token.SCALAR:
			s := p.advance()
			g.CmpVar = "%" + s.Text
		default:
			return "", ast.Guard{}, p.unexpected("timestamp literal, number, or %scalar")
		}
		return key, g, nil
	default:
		return "", ast.Guard{}, p.unexpected("'=', 'in', or a comparison operator")
	}
}

func cmpOpString(t token.Type) string {
	switch t {
	case token.LT:
		return "<"
	case token.LTE:
		return "<="
	case token.EQEQ:
		return "=="
	case token.GT:
		return ">"
	case token.GTE:
		return ">="
	}
	return "?"
}

// parseActions implements `actions := yields "," transition | yields | transition`.
func (p *Parser) parseActions() ([]ast.Yield, ast.Action, error) {
	var yields []ast.Yield
	if p.at(token.YIELD) {
		ys, err := p.parseYields()
		if err != nil {
			return nil, nil, err
		}
		yields = ys
		if p.at(token.COMMA) {
			p.advance()
		} else {
			// A yields list with no trailing comma has no transition:
			// the action is returned as nil and internal/normalize
			// decides what the missing transition means.
			return yields, nil, nil
		}
	}
	action, err := p.parseTransition()
	if err != nil {
		return nil, nil, err
	}
	return yields, action, nil
}

func (p *Parser) parseYields() ([]ast.Yield, error) {
	var ys []ast.Yield
	for {
		if _, err := p.expect(token.YIELD); err != nil {
			return nil, err
		}
		y, err := p.parseYieldVar()
		if err != nil {
			return nil, err
		}
		ys = append(ys, y)
		if p.at(token.COMMA) && p.peekN(1).Type == token.YIELD {
			p.advance()
			continue
		}
		break
	}
	return ys, nil
}

func (p *Parser) parseYieldVar() (ast.Yield, error) {
	if p.at(token.COUNTER) {
		t := p.advance()
		return ast.Yield{Counter: "$" + t.Text}, nil
	}

	ids, err := p.parseIDs()
	if err != nil {
		return ast.Yield{}, err
	}
	if _, err := p.expect(token.TO); err != nil {
		return ast.Yield{}, err
	}
	dest, err := p.parseDest()
	if err != nil {
		return ast.Yield{}, err
	}
	return ast.Yield{Dest: dest, Terms: ids}, nil
}

func (p *Parser) parseDest() (string, error) {
	switch p.cur().Type {
	case token.SET:
		t := p.advance()
		return "#" + t.Text, nil
	case token.MULTISET:
		t := p.advance()
		return "&" + t.Text, nil
	case token.HLL:
		t := p.advance()
		return "^" + t.Text, nil
	default:
		return "", p.unexpected("#set, &multiset, or ^hll")
	}
}

func (p *Parser) parseIDs() ([]ast.Term, error) {
	var terms []ast.Term
	for {
		t, err := p.parseYieldable()
		if err != nil {
			return nil, err
		}
		terms = append(terms, t)
		if p.at(token.COMMA) && p.isYieldableStart(p.peekN(1)) {
			p.advance()
			continue
		}
		break
	}
	return terms, nil
}

func (p *Parser) isYieldableStart(t token.Token) bool {
	switch t.Type {
	case token.IDENT, token.START_TIMESTAMP, token.SCALAR:
		return true
	}
	return false
}

func (p *Parser) parseYieldable() (ast.Term, error) {
	switch p.cur().Type {
	case token.START_TIMESTAMP:
		return p.parseStartTimestamp()
	case token.SCALAR:
		t := p.advance()
		return ast.ParamTerm{Name: "%" + t.Text}, nil
	case token.IDENT:
		if p.peekN(1).Type == token.LPAREN {
			return p.parseFCall()
		}
		t := p.advance()
		return ast.FieldTerm{Name: t.Text}, nil
	default:
		return nil, p.unexpected("identifier, start_timestamp, or function call")
	}
}

func (p *Parser) parseStartTimestamp() (ast.Term, error) {
	p.advance() // "start_timestamp"
	window := ""
	if p.at(token.LBRACK) {
		p.advance()
		id, err := p.expect(token.IDENT)
		if err != nil {
			return nil, err
		}
		window = id.Text
		if _, err := p.expect(token.RBRACK); err != nil {
			return nil, err
		}
	}
	return ast.StartTimestampTerm{Window: window}, nil
}

func (p *Parser) parseFCall() (ast.Term, error) {
	name, err := p.expect(token.IDENT)
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(token.LPAREN); err != nil {
		return nil, err
	}
	var args []ast.Term
	if !p.at(token.RPAREN) {
		for {
			a, err := p.parseArg()
			if err != nil {
				return nil, err
			}
			args = append(args, a)
			if p.at(token.COMMA) {
				p.advance()
				continue
			}
			break
		}
	}
	if _, err := p.expect(token.RPAREN); err != nil {
		return nil, err
	}
	return ast.FCallTerm{Name: name.Text, Args: args}, nil
}

func (p *Parser) parseArg() (ast.Term, error) {
	switch p.cur().Type {
	case token.IDENT:
		if p.peekN(1).Type == token.LPAREN {
			return p.parseFCall()
		}
		t := p.advance()
		return ast.FieldTerm{Name: t.Text}, nil
	case token.SCALAR:
		t := p.advance()
		return ast.ParamTerm{Name: "%" + t.Text}, nil
	case token.START_TIMESTAMP:
		return p.parseStartTimestamp()
	case token.STRING:
		t := p.advance()
		return ast.LiteralTerm{Value: t.Text}, nil
	case token.NUMBER:
		t := p.advance()
		return ast.LiteralTerm{Value: strconv.FormatInt(t.Value.(int64), 10)}, nil
	default:
		return nil, p.unexpected("identifier, %scalar, start_timestamp, string, or number")
	}
}

func (p *Parser) parseTransition() (ast.Action, error) {
	switch p.cur().Type {
	case token.QUIT:
		p.advance()
		return ast.ActionQuit{}, nil
	case token.REPEAT:
		p.advance()
		return ast.ActionRepeat{}, nil
	case token.IDENT:
		t := p.advance()
		return ast.ActionLabel{Label: t.Text}, nil
	default:
		return nil, p.unexpected("a rule label, \"quit\", or \"repeat\"")
	}
}
