// Package registry holds validated rulesets. Load parses rule text and
// cross-checks every reference once, so evaluation never meets an
// undefined state, predicate or domain that was written down wrong.
// A ruleset is immutable after load; Store swaps whole rulesets
// atomically so readers never observe a partially loaded spec.
package registry

import (
	"fmt"
	"sync"

	"specgate/internal/eval"
	"specgate/internal/rules"
)

// LoadError reports duplicate or undefined names found while loading a
// parsed spec. Distinct from ParseError: the text was well-formed but
// inconsistent.
type LoadError struct {
	Msg string
}

func (e *LoadError) Error() string {
	return "load error: " + e.Msg
}

func loadErrf(format string, args ...any) *LoadError {
	return &LoadError{Msg: fmt.Sprintf(format, args...)}
}

// Workflow is a validated workflow declaration.
type Workflow struct {
	Name        string
	States      []string
	Transitions []rules.TransitionDecl

	stateSet    map[string]bool
	transitions map[[2]string]rules.TransitionDecl
}

// HasState reports whether name is a declared state.
func (w *Workflow) HasState(name string) bool {
	return w.stateSet[name]
}

// Transition returns the declared transition from -> to.
func (w *Workflow) Transition(from, to string) (rules.TransitionDecl, bool) {
	tr, ok := w.transitions[[2]string{from, to}]
	return tr, ok
}

// Evaluator returns a formula evaluator scoped to this workflow's
// declared states.
func (w *Workflow) Evaluator() eval.Evaluator {
	return eval.Evaluator{States: w.States}
}

// Ruleset is the immutable result of one successful load.
type Ruleset struct {
	Source    string
	Workflows map[string]*Workflow
	Formulas  []rules.NamedFormula
}

// Workflow looks up a workflow by name.
func (rs *Ruleset) Workflow(name string) (*Workflow, bool) {
	w, ok := rs.Workflows[name]
	return w, ok
}

// Load parses and validates spec text. Parse failures surface as
// *rules.ParseError, consistency failures as *LoadError; either way no
// partial ruleset is produced.
func Load(source string) (*Ruleset, error) {
	file, err := rules.Parse(source)
	if err != nil {
		return nil, err
	}
	rs := &Ruleset{
		Source:    source,
		Workflows: make(map[string]*Workflow, len(file.Workflows)),
		Formulas:  file.Formulas,
	}
	for i := range file.Workflows {
		w, err := buildWorkflow(file.Workflows[i])
		if err != nil {
			return nil, err
		}
		if _, dup := rs.Workflows[w.Name]; dup {
			return nil, loadErrf("duplicate workflow %q", w.Name)
		}
		rs.Workflows[w.Name] = w
	}
	states := allStates(rs)
	for _, nf := range file.Formulas {
		if err := checkFormula(nf.Body, states); err != nil {
			return nil, loadErrf("%s %s: %v", nf.Kind, nf.Name, err)
		}
	}
	return rs, nil
}

func buildWorkflow(decl rules.WorkflowDecl) (*Workflow, error) {
	w := &Workflow{
		Name:        decl.Name,
		States:      decl.States,
		Transitions: decl.Transitions,
		stateSet:    make(map[string]bool, len(decl.States)),
		transitions: make(map[[2]string]rules.TransitionDecl, len(decl.Transitions)),
	}
	for _, s := range decl.States {
		if w.stateSet[s] {
			return nil, loadErrf("workflow %q declares state %q twice", w.Name, s)
		}
		w.stateSet[s] = true
	}
	for _, tr := range decl.Transitions {
		if !w.stateSet[tr.From] {
			return nil, loadErrf("workflow %q: transition references undeclared state %q", w.Name, tr.From)
		}
		if !w.stateSet[tr.To] {
			return nil, loadErrf("workflow %q: transition references undeclared state %q", w.Name, tr.To)
		}
		key := [2]string{tr.From, tr.To}
		if _, dup := w.transitions[key]; dup {
			return nil, loadErrf("workflow %q: ambiguous transition %s -> %s declared twice", w.Name, tr.From, tr.To)
		}
		w.transitions[key] = tr
		if err := checkFormula(tr.Pre, w.stateSet); err != nil {
			return nil, loadErrf("workflow %q transition %s -> %s precondition: %v", w.Name, tr.From, tr.To, err)
		}
		if tr.Post != nil {
			if err := checkFormula(tr.Post, w.stateSet); err != nil {
				return nil, loadErrf("workflow %q transition %s -> %s postcondition: %v", w.Name, tr.From, tr.To, err)
			}
		}
	}
	return w, nil
}

func allStates(rs *Ruleset) map[string]bool {
	states := make(map[string]bool)
	for _, w := range rs.Workflows {
		for s := range w.stateSet {
			states[s] = true
		}
	}
	return states
}

// checkFormula walks the tree once: every predicate must be in the
// closed table with matching arity, every quantifier and membership
// domain must resolve to a finite set, and literal arguments must name
// something declared.
func checkFormula(f rules.Formula, states map[string]bool) error {
	switch node := f.(type) {
	case rules.Bool:
		return nil
	case rules.Not:
		return checkFormula(node.Sub, states)
	case rules.Binary:
		if err := checkFormula(node.Left, states); err != nil {
			return err
		}
		return checkFormula(node.Right, states)
	case rules.Quantifier:
		if !eval.KnownDomain(node.Domain) {
			return fmt.Errorf("quantifier domain %q does not resolve to a finite set", node.Domain)
		}
		return checkFormula(node.Body, states)
	case rules.Membership:
		if !eval.KnownDomain(node.Domain) {
			return fmt.Errorf("membership domain %q does not resolve to a finite set", node.Domain)
		}
		return nil
	case rules.Predicate:
		return checkPredicate(node, states)
	}
	return fmt.Errorf("unknown formula node %T", f)
}

func checkPredicate(node rules.Predicate, states map[string]bool) error {
	arity, ok := eval.PredicateArity(node.Name)
	if !ok {
		return fmt.Errorf("undefined predicate %q", node.Name)
	}
	if len(node.Args) != arity {
		return fmt.Errorf("predicate %q expects %d argument(s), got %d", node.Name, arity, len(node.Args))
	}
	switch node.Name {
	case "empty":
		if node.Args[0].IsVar {
			return fmt.Errorf("predicate empty expects a domain name, got variable %q", node.Args[0].Name)
		}
		if !eval.KnownDomain(node.Args[0].Name) {
			return fmt.Errorf("predicate empty references unknown domain %q", node.Args[0].Name)
		}
	case "state":
		if !node.Args[0].IsVar && !states[node.Args[0].Name] {
			return fmt.Errorf("predicate state references undeclared state %q", node.Args[0].Name)
		}
	default:
		for _, arg := range node.Args {
			if !arg.IsVar {
				return fmt.Errorf("predicate %q argument %q must be a quantifier-bound variable", node.Name, arg.Name)
			}
		}
	}
	return nil
}

// Store is the live ruleset holder. Replace swaps the whole ruleset in
// one step; callers that grabbed the previous pointer keep evaluating
// against it.
type Store struct {
	mu sync.RWMutex
	rs *Ruleset
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{}
}

// Load parses, validates and installs source. On error the previous
// ruleset stays active.
func (s *Store) Load(source string) (*Ruleset, error) {
	rs, err := Load(source)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.rs = rs
	s.mu.Unlock()
	return rs, nil
}

// Current returns the active ruleset, or nil when nothing has loaded.
func (s *Store) Current() *Ruleset {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rs
}
