package rules_test

import (
	"errors"
	"strings"
	"testing"

	"specgate/internal/rules"
)

const sampleRules = `# delivery gating rules
workflow Delivery {
  states: [Draft, Review, Done];
  transitions: [
    Draft -> Review when empty[backlog],
    Review -> Done when forall t in changelog, completed[t] then state[Done]
  ];
}

invariant that backlog_open: forall t in backlog, not completed[t]
proof that journal_committed: forall t in journal, committed[t]
axiom that states_exist: not empty[states]
`

func TestParseWorkflowAndFormulas(t *testing.T) {
	file, err := rules.Parse(sampleRules)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(file.Workflows) != 1 {
		t.Fatalf("expected 1 workflow, got %d", len(file.Workflows))
	}
	wf := file.Workflows[0]
	if wf.Name != "Delivery" {
		t.Fatalf("workflow name: %s", wf.Name)
	}
	if len(wf.States) != 3 || wf.States[0] != "Draft" || wf.States[2] != "Done" {
		t.Fatalf("states: %v", wf.States)
	}
	if len(wf.Transitions) != 2 {
		t.Fatalf("transitions: %d", len(wf.Transitions))
	}
	if wf.Transitions[0].Post != nil {
		t.Fatalf("first transition should have no postcondition")
	}
	if wf.Transitions[1].Post == nil {
		t.Fatalf("second transition should have a postcondition")
	}
	if len(file.Formulas) != 3 {
		t.Fatalf("formulas: %d", len(file.Formulas))
	}
	kinds := []string{file.Formulas[0].Kind, file.Formulas[1].Kind, file.Formulas[2].Kind}
	if kinds[0] != "invariant" || kinds[1] != "proof" || kinds[2] != "axiom" {
		t.Fatalf("kinds: %v", kinds)
	}
	if file.Formulas[0].Name != "backlog_open" {
		t.Fatalf("formula name: %s", file.Formulas[0].Name)
	}
}

func TestConnectivePrecedence(t *testing.T) {
	// implies binds loosest, then or, then and, then not.
	f, err := rules.ParseFormula("true and false or not false -> false")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	top, ok := f.(rules.Binary)
	if !ok || top.Op != rules.OpImplies {
		t.Fatalf("expected implication at top, got %T %v", f, f)
	}
	left, ok := top.Left.(rules.Binary)
	if !ok || left.Op != rules.OpOr {
		t.Fatalf("expected or under implies, got %v", top.Left)
	}
	if and, ok := left.Left.(rules.Binary); !ok || and.Op != rules.OpAnd {
		t.Fatalf("expected and under or, got %v", left.Left)
	}
}

func TestImpliesRightAssociative(t *testing.T) {
	f, err := rules.ParseFormula("true -> false -> true")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	top := f.(rules.Binary)
	if _, ok := top.Left.(rules.Bool); !ok {
		t.Fatalf("left of outer implies should be a literal, got %v", top.Left)
	}
	right, ok := top.Right.(rules.Binary)
	if !ok || right.Op != rules.OpImplies {
		t.Fatalf("right of outer implies should be an implication, got %v", top.Right)
	}
}

func TestQuantifierBodyExtendsRight(t *testing.T) {
	f, err := rules.ParseFormula("forall t in tasks, t in backlog -> not completed[t]")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	q, ok := f.(rules.Quantifier)
	if !ok {
		t.Fatalf("expected quantifier at top, got %T", f)
	}
	body, ok := q.Body.(rules.Binary)
	if !ok || body.Op != rules.OpImplies {
		t.Fatalf("quantifier body should be the whole implication, got %v", q.Body)
	}
}

func TestUnicodeForms(t *testing.T) {
	ascii, err := rules.ParseFormula("forall t in tasks, completed[t] and not committed[t]")
	if err != nil {
		t.Fatalf("ascii: %v", err)
	}
	unicode, err := rules.ParseFormula("∀ t ∈ tasks, completed[t] ∧ ¬ committed[t]")
	if err != nil {
		t.Fatalf("unicode: %v", err)
	}
	if ascii.String() != unicode.String() {
		t.Fatalf("forms differ: %q vs %q", ascii, unicode)
	}
}

func TestUnterminatedQuantifier(t *testing.T) {
	_, err := rules.ParseFormula("exists t in tasks")
	if err == nil {
		t.Fatalf("expected parse error")
	}
	var pe *rules.ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ParseError, got %T", err)
	}
	if !strings.Contains(pe.Msg, "unterminated quantifier") {
		t.Fatalf("message: %s", pe.Msg)
	}
	if pe.Pos.Line != 1 || pe.Pos.Offset != 0 {
		t.Fatalf("position should point at the quantifier, got %+v", pe.Pos)
	}
}

func TestUnboundMembershipVariable(t *testing.T) {
	_, err := rules.ParseFormula("x in backlog")
	var pe *rules.ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ParseError, got %v", err)
	}
	if !strings.Contains(pe.Msg, "unbound variable") {
		t.Fatalf("message: %s", pe.Msg)
	}
}

func TestParseErrorCarriesLocation(t *testing.T) {
	src := "workflow W {\n  states: [A];\n  transitions: [A -> when true];\n}"
	_, err := rules.Parse(src)
	var pe *rules.ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ParseError, got %v", err)
	}
	if pe.Pos.Line != 3 {
		t.Fatalf("error should be on line 3, got %+v", pe.Pos)
	}
	if pe.Pos.Offset != strings.Index(src, "when") {
		t.Fatalf("offset should point at the offending token, got %d", pe.Pos.Offset)
	}
}

func TestReservedWordsRejected(t *testing.T) {
	cases := []string{
		"workflow in { states: [A]; transitions: []; }",
		"invariant that forall: true",
	}
	for _, src := range cases {
		if _, err := rules.Parse(src); err == nil {
			t.Fatalf("expected error for %q", src)
		}
	}
}

func TestStatesDomainParses(t *testing.T) {
	cases := []string{
		"exists s in states, state[s]",
		"forall s in states, state[s] -> not empty[states]",
		"not empty[states]",
	}
	for _, src := range cases {
		if _, err := rules.ParseFormula(src); err != nil {
			t.Fatalf("parse %q: %v", src, err)
		}
	}
	f, err := rules.ParseFormula("exists s in states, state[s]")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	q, ok := f.(rules.Quantifier)
	if !ok || q.Domain != "states" {
		t.Fatalf("expected quantifier over states, got %v", f)
	}
}

func TestCommentsIgnored(t *testing.T) {
	f, err := rules.ParseFormula("true # trailing note\nand false")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if f.String() != "true and false" {
		t.Fatalf("got %q", f.String())
	}
}

func TestConjunctsSplitsTopLevelAnds(t *testing.T) {
	f, err := rules.ParseFormula("true and false and (true or false)")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	parts := rules.Conjuncts(f)
	if len(parts) != 3 {
		t.Fatalf("expected 3 conjuncts, got %d", len(parts))
	}
	if _, ok := parts[2].(rules.Binary); !ok {
		t.Fatalf("parenthesized disjunction should stay one conjunct")
	}
}
