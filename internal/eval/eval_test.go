package eval_test

import (
	"errors"
	"strings"
	"testing"

	"specgate/internal/domain"
	"specgate/internal/eval"
	"specgate/internal/rules"
)

func testSnapshot() domain.Snapshot {
	return domain.Snapshot{
		Project: domain.Project{
			ID:       "proj-1",
			Workflow: "Delivery",
			State:    "Review",
			Tasks: []domain.Task{
				{ID: "t1", Layer: domain.LayerBacklog},
				{ID: "t2", Layer: domain.LayerChangelog, Completed: true},
				{ID: "t3", Layer: domain.LayerChangelog, Completed: false},
				{ID: "t4", Layer: domain.LayerJournal, Completed: true, Committed: true},
			},
			Commits: []domain.Commit{
				{ID: "c1", Message: "land t2", Validated: true},
				{ID: "c2", Message: "wip", Validated: false},
			},
		},
		Version: 7,
	}
}

func evaluator() eval.Evaluator {
	return eval.Evaluator{States: []string{"Draft", "Review", "Done"}}
}

func mustEval(t *testing.T, src string, snap domain.Snapshot) eval.Result {
	t.Helper()
	f, err := rules.ParseFormula(src)
	if err != nil {
		t.Fatalf("parse %q: %v", src, err)
	}
	res, err := evaluator().Eval(f, snap, nil)
	if err != nil {
		t.Fatalf("eval %q: %v", src, err)
	}
	return res
}

func TestForallWithWitness(t *testing.T) {
	snap := testSnapshot()
	res := mustEval(t, "forall t in changelog, completed[t]", snap)
	if res.Value {
		t.Fatalf("t3 is not completed, formula should fail")
	}
	if res.Witness == nil {
		t.Fatalf("failing forall must carry a witness")
	}
	if res.Witness.Bindings["t"] != "t3" {
		t.Fatalf("witness should name t3, got %v", res.Witness.Bindings)
	}
	if !strings.Contains(res.Witness.String(), "t=t3") {
		t.Fatalf("witness rendering: %s", res.Witness)
	}
}

func TestForallVacuouslyTrue(t *testing.T) {
	snap := testSnapshot()
	snap.Project.Tasks = nil
	res := mustEval(t, "forall t in backlog, completed[t]", snap)
	if !res.Value {
		t.Fatalf("forall over empty domain must hold")
	}
}

func TestExistsFalseHasNoWitness(t *testing.T) {
	snap := testSnapshot()
	res := mustEval(t, "exists t in backlog, completed[t]", snap)
	if res.Value {
		t.Fatalf("no backlog task is completed")
	}
	if res.Witness != nil {
		t.Fatalf("exhausted exists carries no witness, got %v", res.Witness)
	}
}

func TestExistsOverEmptyCommitsIsFalse(t *testing.T) {
	snap := testSnapshot()
	snap.Project.Commits = nil
	res := mustEval(t, "exists c in commits, validated[c]", snap)
	if res.Value {
		t.Fatalf("exists over empty domain must be false")
	}
}

func TestEvaluationIsIdempotent(t *testing.T) {
	snap := testSnapshot()
	f, err := rules.ParseFormula("forall t in tasks, t in backlog -> not completed[t]")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ev := evaluator()
	first, err := ev.Eval(f, snap, nil)
	if err != nil {
		t.Fatalf("first eval: %v", err)
	}
	second, err := ev.Eval(f, snap, nil)
	if err != nil {
		t.Fatalf("second eval: %v", err)
	}
	if first.Value != second.Value {
		t.Fatalf("results differ: %v vs %v", first.Value, second.Value)
	}
	if snap.Project.State != "Review" || len(snap.Project.Tasks) != 4 {
		t.Fatalf("evaluation mutated the snapshot")
	}
}

func TestImplicationShortCircuit(t *testing.T) {
	snap := testSnapshot()
	// Antecedent false for every changelog/journal task, so the
	// consequent is never evaluated for them.
	res := mustEval(t, "forall t in tasks, t in backlog -> not completed[t]", snap)
	if !res.Value {
		t.Fatalf("only t1 is in backlog and it is not completed")
	}
}

func TestStatePredicate(t *testing.T) {
	snap := testSnapshot()
	if !mustEval(t, "state[Review]", snap).Value {
		t.Fatalf("project is in Review")
	}
	if mustEval(t, "state[Done]", snap).Value {
		t.Fatalf("project is not in Done")
	}
	if !mustEval(t, "exists s in states, state[s]", snap).Value {
		t.Fatalf("current state is always one of the declared states")
	}
}

func TestEmptyPredicate(t *testing.T) {
	snap := testSnapshot()
	if mustEval(t, "empty[backlog]", snap).Value {
		t.Fatalf("backlog holds t1")
	}
	snap.Project.Tasks = nil
	if !mustEval(t, "empty[backlog]", snap).Value {
		t.Fatalf("backlog is empty")
	}
}

func TestMentionedPredicate(t *testing.T) {
	snap := testSnapshot()
	out := mustEval(t, "forall t in changelog, completed[t] -> exists c in commits, mentioned[t, c]", snap)
	if !out.Value {
		t.Fatalf("t2 is mentioned by c1; t3 is excused by the antecedent")
	}
}

func TestUndefinedPredicateIsError(t *testing.T) {
	snap := testSnapshot()
	f, err := rules.ParseFormula("forall t in tasks, blessed[t]")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	_, err = evaluator().Eval(f, snap, nil)
	var ee *eval.EvalError
	if !errors.As(err, &ee) {
		t.Fatalf("expected *EvalError, got %v", err)
	}
	if !strings.Contains(ee.Msg, "blessed") {
		t.Fatalf("error should name the predicate: %s", ee.Msg)
	}
}

func TestUnknownDomainIsError(t *testing.T) {
	snap := testSnapshot()
	f, err := rules.ParseFormula("forall t in nowhere, completed[t]")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	_, err = evaluator().Eval(f, snap, nil)
	var ee *eval.EvalError
	if !errors.As(err, &ee) {
		t.Fatalf("expected *EvalError, got %v", err)
	}
}

func TestMembership(t *testing.T) {
	snap := testSnapshot()
	if !mustEval(t, "forall t in backlog, t in tasks", snap).Value {
		t.Fatalf("backlog tasks are tasks")
	}
	if mustEval(t, "exists t in journal, t in backlog", snap).Value {
		t.Fatalf("a task occupies exactly one layer")
	}
}

func TestValidatedAndReverts(t *testing.T) {
	snap := testSnapshot()
	if mustEval(t, "forall c in commits, validated[c]", snap).Value {
		t.Fatalf("c2 is not validated")
	}
	target := "abc123"
	snap.Project.Commits[0].Reverts = &target
	if !mustEval(t, "exists c in commits, reverts[c]", snap).Value {
		t.Fatalf("c1 now has a revert target")
	}
}
