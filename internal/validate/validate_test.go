package validate_test

import (
	"strings"
	"testing"

	"specgate/internal/domain"
	"specgate/internal/registry"
	"specgate/internal/validate"
)

const gatingRules = `workflow Delivery {
  states: [Draft, Review, Done];
  transitions: [
    Draft -> Review when empty[backlog] and forall t in changelog, completed[t],
    Review -> Done when true then state[Draft]
  ];
}

invariant that backlog_open: forall t in backlog, not completed[t]
invariant that changelog_done: forall t in changelog, completed[t]
`

func loadGating(t *testing.T) (*registry.Ruleset, *registry.Workflow) {
	t.Helper()
	rs, err := registry.Load(gatingRules)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	w, _ := rs.Workflow("Delivery")
	return rs, w
}

func snapshot(state string, tasks ...domain.Task) domain.Snapshot {
	return domain.Snapshot{
		Project: domain.Project{ID: "p1", Workflow: "Delivery", State: state, Tasks: tasks},
		Version: 1,
	}
}

func TestTransitionAccepted(t *testing.T) {
	_, w := loadGating(t)
	snap := snapshot("Draft", domain.Task{ID: "t1", Layer: domain.LayerChangelog, Completed: true})
	check, err := validate.CheckTransition(w, "Draft", "Review", snap)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !check.Accepted {
		t.Fatalf("expected accept, unmet: %v", check.Unmet)
	}
}

func TestTransitionReportsAllFailingConjuncts(t *testing.T) {
	_, w := loadGating(t)
	snap := snapshot("Draft",
		domain.Task{ID: "t1", Layer: domain.LayerBacklog},
		domain.Task{ID: "t2", Layer: domain.LayerChangelog, Completed: false},
	)
	check, err := validate.CheckTransition(w, "Draft", "Review", snap)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if check.Accepted {
		t.Fatalf("expected rejection")
	}
	if len(check.Unmet) != 2 {
		t.Fatalf("both conjuncts fail, got %v", check.Unmet)
	}
	if !strings.Contains(check.Unmet[1], "t=t2") {
		t.Fatalf("second failure should carry the witness: %v", check.Unmet)
	}
}

func TestUndeclaredTransitionRejected(t *testing.T) {
	_, w := loadGating(t)
	check, err := validate.CheckTransition(w, "Draft", "Done", snapshot("Draft"))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if check.Accepted || len(check.Unmet) != 1 || check.Unmet[0] != validate.ReasonNoSuchTransition {
		t.Fatalf("got %+v", check)
	}
}

func TestUnsatisfiablePostconditionIsSpecDefect(t *testing.T) {
	_, w := loadGating(t)
	// Review -> Done declares post state[Draft], which can never hold
	// after moving to Done.
	check, err := validate.CheckTransition(w, "Review", "Done", snapshot("Review"))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if check.Accepted {
		t.Fatalf("expected spec defect")
	}
	if check.SpecDefect == "" || len(check.Unmet) != 0 {
		t.Fatalf("defect must be reported distinctly from unmet preconditions: %+v", check)
	}
	if !strings.Contains(check.SpecDefect, "postcondition") {
		t.Fatalf("defect message: %s", check.SpecDefect)
	}
}

func TestCheckAllReturnsEveryViolation(t *testing.T) {
	rs, w := loadGating(t)
	snap := snapshot("Draft",
		domain.Task{ID: "t1", Layer: domain.LayerBacklog, Completed: true},
		domain.Task{ID: "t2", Layer: domain.LayerChangelog, Completed: false},
	)
	violations, err := validate.CheckAll(rs, w, snap)
	if err != nil {
		t.Fatalf("check all: %v", err)
	}
	if len(violations) != 2 {
		t.Fatalf("both invariants are violated, got %d", len(violations))
	}
	names := map[string]bool{}
	for _, v := range violations {
		names[v.Name] = true
		if v.Witness == nil {
			t.Fatalf("violation %s missing witness", v.Name)
		}
	}
	if !names["backlog_open"] || !names["changelog_done"] {
		t.Fatalf("names: %v", names)
	}
}

func TestCheckAllCleanSnapshot(t *testing.T) {
	rs, w := loadGating(t)
	snap := snapshot("Draft", domain.Task{ID: "t1", Layer: domain.LayerBacklog})
	violations, err := validate.CheckAll(rs, w, snap)
	if err != nil {
		t.Fatalf("check all: %v", err)
	}
	if len(violations) != 0 {
		t.Fatalf("expected no violations, got %v", violations)
	}
}
