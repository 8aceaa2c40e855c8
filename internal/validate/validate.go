// Package validate applies the evaluator to transition guards and
// declared invariants. Rejections and violations are ordinary results;
// only evaluator defects surface as errors.
package validate

import (
	"fmt"

	"specgate/internal/domain"
	"specgate/internal/eval"
	"specgate/internal/registry"
	"specgate/internal/rules"
)

// ReasonNoSuchTransition is the rejection reason when a proposed move
// was never declared.
const ReasonNoSuchTransition = "no such transition declared"

// TransitionCheck is the outcome of checking one proposed transition.
// Unmet lists every failing top-level conjunct of the precondition so
// callers can present a complete diagnostic. SpecDefect is set when the
// precondition held but the declared postcondition failed against the
// hypothetical snapshot: the workflow author's contract is
// unsatisfiable, which is reported distinctly from a normal rejection.
type TransitionCheck struct {
	Accepted   bool     `json:"accepted"`
	Unmet      []string `json:"unmet,omitempty"`
	SpecDefect string   `json:"spec_defect,omitempty"`
}

// CheckTransition looks up from -> to in the workflow and evaluates its
// guards against snap. The postcondition is evaluated against the
// hypothetical snapshot produced by the transition's transform (the
// project moved to the target state).
func CheckTransition(w *registry.Workflow, from, to string, snap domain.Snapshot) (TransitionCheck, error) {
	tr, ok := w.Transition(from, to)
	if !ok {
		return TransitionCheck{Unmet: []string{ReasonNoSuchTransition}}, nil
	}
	ev := w.Evaluator()

	var unmet []string
	for _, conjunct := range rules.Conjuncts(tr.Pre) {
		res, err := ev.Eval(conjunct, snap, nil)
		if err != nil {
			return TransitionCheck{}, err
		}
		if !res.Value {
			unmet = append(unmet, renderFailure(conjunct.String(), res.Witness))
		}
	}
	if len(unmet) > 0 {
		return TransitionCheck{Unmet: unmet}, nil
	}

	if tr.Post != nil {
		hypothetical := snap.WithState(to)
		res, err := ev.Eval(tr.Post, hypothetical, nil)
		if err != nil {
			return TransitionCheck{}, err
		}
		if !res.Value {
			return TransitionCheck{
				SpecDefect: renderFailure(fmt.Sprintf("postcondition %s unsatisfiable after %s -> %s", tr.Post, from, to), res.Witness),
			}, nil
		}
	}
	return TransitionCheck{Accepted: true}, nil
}

// Violation names an invariant that does not hold for a snapshot, with
// the witness that falsified it.
type Violation struct {
	Name    string        `json:"invariant"`
	Kind    string        `json:"kind"`
	Formula string        `json:"formula"`
	Witness *eval.Witness `json:"witness,omitempty"`
}

func (v Violation) String() string {
	return renderFailure(fmt.Sprintf("%s %s: %s", v.Kind, v.Name, v.Formula), v.Witness)
}

// CheckAll evaluates every declared invariant (invariant, proof and
// axiom blocks alike) against snap and returns the full list of
// violations rather than stopping at the first.
func CheckAll(rs *registry.Ruleset, w *registry.Workflow, snap domain.Snapshot) ([]Violation, error) {
	ev := w.Evaluator()
	var violations []Violation
	for _, nf := range rs.Formulas {
		res, err := ev.Eval(nf.Body, snap, nil)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", nf.Kind, nf.Name, err)
		}
		if !res.Value {
			violations = append(violations, Violation{
				Name:    nf.Name,
				Kind:    nf.Kind,
				Formula: nf.Body.String(),
				Witness: res.Witness,
			})
		}
	}
	return violations, nil
}

func renderFailure(formula string, w *eval.Witness) string {
	if w == nil {
		return formula
	}
	return fmt.Sprintf("%s (witness: %s)", formula, w)
}
