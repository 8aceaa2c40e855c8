package rules

import (
	"fmt"
	"strings"
)

// File is the parsed form of one rule source text.
type File struct {
	Workflows []WorkflowDecl
	Formulas  []NamedFormula
}

// WorkflowDecl declares a workflow block: its states and guarded
// transitions. Cross-reference checks (undefined states, duplicate
// transitions) happen at registry load, not here.
type WorkflowDecl struct {
	Name        string
	States      []string
	Transitions []TransitionDecl
	Pos         Pos
}

type TransitionDecl struct {
	From string
	To   string
	Pre  Formula
	Post Formula
	Pos  Pos
}

// NamedFormula is an invariant, proof or axiom declaration. The three
// kinds evaluate identically; Kind is kept for display.
type NamedFormula struct {
	Kind string
	Name string
	Body Formula
	Pos  Pos
}

// Pos locates a declaration or error in the source text.
type Pos struct {
	Offset int `json:"offset"`
	Line   int `json:"line"`
	Column int `json:"column"`
}

func (p Pos) String() string {
	return fmt.Sprintf("%d:%d", p.Line, p.Column)
}

// Formula is a node in the expression tree. The set of node types is
// closed; the evaluator matches exhaustively over it.
type Formula interface {
	fmt.Stringer
	formulaNode()
}

// Bool is a literal true/false.
type Bool struct {
	Value bool
}

// Not negates its sub-formula.
type Not struct {
	Sub Formula
}

type BinaryOp string

const (
	OpAnd     BinaryOp = "and"
	OpOr      BinaryOp = "or"
	OpImplies BinaryOp = "->"
)

// Binary is a connective application; OpImplies is evaluated as
// not-left or right.
type Binary struct {
	Op    BinaryOp
	Left  Formula
	Right Formula
}

type QuantKind string

const (
	QuantForall QuantKind = "forall"
	QuantExists QuantKind = "exists"
)

// Quantifier binds Var over the named finite domain for Body.
type Quantifier struct {
	Kind   QuantKind
	Var    string
	Domain string
	Body   Formula
}

// Term is a predicate argument: either a reference to a quantifier
// variable or a literal symbol (a state or domain name).
type Term struct {
	Name  string
	IsVar bool
}

// Predicate applies a named predicate to its arguments, e.g.
// completed[t] or state[Development].
type Predicate struct {
	Name string
	Args []Term
}

// Membership tests whether a bound variable's entity is in a domain,
// e.g. t in backlog.
type Membership struct {
	Var    string
	Domain string
}

func (Bool) formulaNode()       {}
func (Not) formulaNode()        {}
func (Binary) formulaNode()     {}
func (Quantifier) formulaNode() {}
func (Predicate) formulaNode()  {}
func (Membership) formulaNode() {}

func (f Bool) String() string {
	if f.Value {
		return "true"
	}
	return "false"
}

func (f Not) String() string {
	return "not " + parenthesize(f.Sub)
}

func (f Binary) String() string {
	return fmt.Sprintf("%s %s %s", parenthesize(f.Left), f.Op, parenthesize(f.Right))
}

func (f Quantifier) String() string {
	return fmt.Sprintf("%s %s in %s, %s", f.Kind, f.Var, f.Domain, f.Body)
}

func (f Predicate) String() string {
	names := make([]string, len(f.Args))
	for i, a := range f.Args {
		names[i] = a.Name
	}
	return fmt.Sprintf("%s[%s]", f.Name, strings.Join(names, ", "))
}

func (f Membership) String() string {
	return fmt.Sprintf("%s in %s", f.Var, f.Domain)
}

func parenthesize(f Formula) string {
	switch f.(type) {
	case Binary, Quantifier:
		return "(" + f.String() + ")"
	}
	return f.String()
}

// Conjuncts splits a formula on its top-level and-connectives. The
// validator reports every failing conjunct of a precondition, not just
// the first.
func Conjuncts(f Formula) []Formula {
	if b, ok := f.(Binary); ok && b.Op == OpAnd {
		return append(Conjuncts(b.Left), Conjuncts(b.Right)...)
	}
	return []Formula{f}
}
