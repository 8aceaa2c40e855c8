// Package rules parses the declarative gating language: workflow
// blocks plus invariant/proof/axiom formulas. Parsing is a single
// top-to-bottom pass; quantifier scopes are tracked explicitly so an
// unbound variable is a parse error, never a later evaluation error.
// The parser is pure: text in, AST or ParseError out.
package rules

import "fmt"

// ParseError reports malformed rule text with its exact location.
type ParseError struct {
	Pos Pos
	Msg string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at %s (offset %d): %s", e.Pos, e.Pos.Offset, e.Msg)
}

// reserved lists words with a fixed grammatical role inside formulas.
// The workflow block keywords "states" and "transitions" are not here:
// they are purely positional (always expected before a ':'), and
// "states" must stay usable as the domain of declared workflow states
// in formulas like "exists s in states, state[s]" and "empty[states]".
var reserved = map[string]bool{
	"workflow": true, "invariant": true, "proof": true, "axiom": true,
	"that": true,
	"when": true, "then": true,
	"forall": true, "exists": true, "in": true,
	"and": true, "or": true, "not": true,
	"true": true, "false": true,
}

type parser struct {
	lex   *lexer
	tok   token
	scope []string
}

// Parse turns rule source text into a File AST. All failures are
// *ParseError values carrying the offending position.
func Parse(src string) (*File, error) {
	p := &parser{lex: newLexer(src)}
	if err := p.advance(); err != nil {
		return nil, err
	}
	file := &File{}
	for p.tok.Kind != tokEOF {
		switch {
		case p.isKeyword("workflow"):
			wf, err := p.parseWorkflow()
			if err != nil {
				return nil, err
			}
			file.Workflows = append(file.Workflows, wf)
		case p.isKeyword("invariant"), p.isKeyword("proof"), p.isKeyword("axiom"):
			nf, err := p.parseNamedFormula()
			if err != nil {
				return nil, err
			}
			file.Formulas = append(file.Formulas, nf)
		default:
			return nil, p.errorf("expected workflow, invariant, proof or axiom, got %s", p.tok.describe())
		}
	}
	return file, nil
}

// ParseFormula parses a single standalone formula, for diagnostics and
// tests.
func ParseFormula(src string) (Formula, error) {
	p := &parser{lex: newLexer(src)}
	if err := p.advance(); err != nil {
		return nil, err
	}
	f, err := p.parseFormula()
	if err != nil {
		return nil, err
	}
	if p.tok.Kind != tokEOF {
		return nil, p.errorf("unexpected %s after formula", p.tok.describe())
	}
	return f, nil
}

func (p *parser) advance() error {
	tok, err := p.lex.next()
	if err != nil {
		return err
	}
	p.tok = tok
	return nil
}

func (p *parser) errorf(format string, args ...any) error {
	return &ParseError{Pos: p.tok.Pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) isKeyword(word string) bool {
	return p.tok.Kind == tokIdent && p.tok.Text == word
}

func (p *parser) expectKeyword(word string) error {
	if !p.isKeyword(word) {
		return p.errorf("expected %q, got %s", word, p.tok.describe())
	}
	return p.advance()
}

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	if p.tok.Kind != kind {
		return token{}, p.errorf("expected %s, got %s", what, p.tok.describe())
	}
	tok := p.tok
	return tok, p.advance()
}

func (p *parser) ident(what string) (string, error) {
	if p.tok.Kind != tokIdent {
		return "", p.errorf("expected %s, got %s", what, p.tok.describe())
	}
	if reserved[p.tok.Text] {
		return "", p.errorf("reserved word %q cannot be used as %s", p.tok.Text, what)
	}
	name := p.tok.Text
	return name, p.advance()
}

func (p *parser) parseWorkflow() (WorkflowDecl, error) {
	wf := WorkflowDecl{Pos: p.tok.Pos}
	if err := p.advance(); err != nil { // consume "workflow"
		return wf, err
	}
	name, err := p.ident("workflow name")
	if err != nil {
		return wf, err
	}
	wf.Name = name
	if _, err := p.expect(tokLBrace, "'{'"); err != nil {
		return wf, err
	}

	if err := p.expectKeyword("states"); err != nil {
		return wf, err
	}
	if _, err := p.expect(tokColon, "':'"); err != nil {
		return wf, err
	}
	states, err := p.parseIdentList("state name")
	if err != nil {
		return wf, err
	}
	wf.States = states
	if _, err := p.expect(tokSemi, "';'"); err != nil {
		return wf, err
	}

	if err := p.expectKeyword("transitions"); err != nil {
		return wf, err
	}
	if _, err := p.expect(tokColon, "':'"); err != nil {
		return wf, err
	}
	if _, err := p.expect(tokLBracket, "'['"); err != nil {
		return wf, err
	}
	for p.tok.Kind != tokRBracket {
		tr, err := p.parseTransition()
		if err != nil {
			return wf, err
		}
		wf.Transitions = append(wf.Transitions, tr)
		if p.tok.Kind == tokComma {
			if err := p.advance(); err != nil {
				return wf, err
			}
			continue
		}
		break
	}
	if _, err := p.expect(tokRBracket, "']'"); err != nil {
		return wf, err
	}
	if _, err := p.expect(tokSemi, "';'"); err != nil {
		return wf, err
	}
	if _, err := p.expect(tokRBrace, "'}' closing workflow block"); err != nil {
		return wf, err
	}
	return wf, nil
}

func (p *parser) parseIdentList(what string) ([]string, error) {
	if _, err := p.expect(tokLBracket, "'['"); err != nil {
		return nil, err
	}
	var names []string
	for p.tok.Kind != tokRBracket {
		name, err := p.ident(what)
		if err != nil {
			return nil, err
		}
		names = append(names, name)
		if p.tok.Kind == tokComma {
			if err := p.advance(); err != nil {
				return nil, err
			}
			continue
		}
		break
	}
	if _, err := p.expect(tokRBracket, "']'"); err != nil {
		return nil, err
	}
	return names, nil
}

func (p *parser) parseTransition() (TransitionDecl, error) {
	tr := TransitionDecl{Pos: p.tok.Pos}
	from, err := p.ident("source state")
	if err != nil {
		return tr, err
	}
	tr.From = from
	if _, err := p.expect(tokArrow, "'->'"); err != nil {
		return tr, err
	}
	to, err := p.ident("target state")
	if err != nil {
		return tr, err
	}
	tr.To = to
	if err := p.expectKeyword("when"); err != nil {
		return tr, err
	}
	pre, err := p.parseFormula()
	if err != nil {
		return tr, err
	}
	tr.Pre = pre
	if p.isKeyword("then") {
		if err := p.advance(); err != nil {
			return tr, err
		}
		post, err := p.parseFormula()
		if err != nil {
			return tr, err
		}
		tr.Post = post
	}
	return tr, nil
}

func (p *parser) parseNamedFormula() (NamedFormula, error) {
	nf := NamedFormula{Kind: p.tok.Text, Pos: p.tok.Pos}
	if err := p.advance(); err != nil {
		return nf, err
	}
	if err := p.expectKeyword("that"); err != nil {
		return nf, err
	}
	name, err := p.ident("formula name")
	if err != nil {
		return nf, err
	}
	nf.Name = name
	if _, err := p.expect(tokColon, "':'"); err != nil {
		return nf, err
	}
	body, err := p.parseFormula()
	if err != nil {
		return nf, err
	}
	nf.Body = body
	return nf, nil
}

// parseFormula parses an implication; '->' is right-associative and
// the loosest-binding connective.
func (p *parser) parseFormula() (Formula, error) {
	left, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.tok.Kind == tokArrow {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseFormula()
		if err != nil {
			return nil, err
		}
		return Binary{Op: OpImplies, Left: left, Right: right}, nil
	}
	return left, nil
}

func (p *parser) parseOr() (Formula, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("or") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = Binary{Op: OpOr, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Formula, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("and") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = Binary{Op: OpAnd, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (Formula, error) {
	if p.isKeyword("not") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		sub, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return Not{Sub: sub}, nil
	}
	return p.parseAtom()
}

func (p *parser) parseAtom() (Formula, error) {
	switch {
	case p.isKeyword("forall"), p.isKeyword("exists"):
		return p.parseQuantifier()
	case p.isKeyword("true"):
		return Bool{Value: true}, p.advance()
	case p.isKeyword("false"):
		return Bool{Value: false}, p.advance()
	case p.tok.Kind == tokLParen:
		if err := p.advance(); err != nil {
			return nil, err
		}
		f, err := p.parseFormula()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return f, nil
	case p.tok.Kind == tokIdent && !reserved[p.tok.Text]:
		return p.parsePredicateOrMembership()
	}
	return nil, p.errorf("expected formula, got %s", p.tok.describe())
}

func (p *parser) parseQuantifier() (Formula, error) {
	kind := QuantForall
	if p.isKeyword("exists") {
		kind = QuantExists
	}
	quantPos := p.tok.Pos
	if err := p.advance(); err != nil {
		return nil, err
	}
	varName, err := p.ident("quantifier variable")
	if err != nil {
		return nil, err
	}
	if err := p.expectKeyword("in"); err != nil {
		return nil, err
	}
	domainName, err := p.ident("domain name")
	if err != nil {
		return nil, err
	}
	if p.tok.Kind != tokComma {
		return nil, &ParseError{Pos: quantPos, Msg: fmt.Sprintf("unterminated quantifier: expected ',' and body after %s %s in %s", kind, varName, domainName)}
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	// The quantifier body extends as far right as possible: everything
	// after the comma up to the end of the enclosing formula is in scope.
	p.scope = append(p.scope, varName)
	body, err := p.parseFormula()
	p.scope = p.scope[:len(p.scope)-1]
	if err != nil {
		return nil, err
	}
	return Quantifier{Kind: kind, Var: varName, Domain: domainName, Body: body}, nil
}

func (p *parser) bound(name string) bool {
	for _, v := range p.scope {
		if v == name {
			return true
		}
	}
	return false
}

func (p *parser) parsePredicateOrMembership() (Formula, error) {
	name := p.tok.Text
	namePos := p.tok.Pos
	if err := p.advance(); err != nil {
		return nil, err
	}
	switch {
	case p.tok.Kind == tokLBracket:
		if err := p.advance(); err != nil {
			return nil, err
		}
		var args []Term
		for p.tok.Kind != tokRBracket {
			arg, err := p.ident("predicate argument")
			if err != nil {
				return nil, err
			}
			args = append(args, Term{Name: arg, IsVar: p.bound(arg)})
			if p.tok.Kind == tokComma {
				if err := p.advance(); err != nil {
					return nil, err
				}
				continue
			}
			break
		}
		if _, err := p.expect(tokRBracket, "']' closing predicate arguments"); err != nil {
			return nil, err
		}
		return Predicate{Name: name, Args: args}, nil
	case p.isKeyword("in"):
		if !p.bound(name) {
			return nil, &ParseError{Pos: namePos, Msg: fmt.Sprintf("unbound variable %q: membership requires a quantifier-bound variable", name)}
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		domainName, err := p.ident("domain name")
		if err != nil {
			return nil, err
		}
		return Membership{Var: name, Domain: domainName}, nil
	}
	return nil, p.errorf("expected '[' arguments or 'in' after %q", name)
}
