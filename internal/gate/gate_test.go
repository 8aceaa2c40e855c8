package gate_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"specgate/internal/config"
	"specgate/internal/db"
	"specgate/internal/domain"
	"specgate/internal/gate"
	"specgate/internal/migrate"
)

const gateRules = `workflow Delivery {
  states: [Draft, Review, Done];
  transitions: [
    Draft -> Review when empty[backlog],
    Review -> Done when forall t in changelog, completed[t]
  ];
}

invariant that backlog_open: forall t in backlog, not completed[t]
invariant that done_means_flushed: state[Done] -> empty[backlog]
invariant that draft_means_no_journal: state[Draft] -> empty[journal]
`

type testEnv struct {
	Gate *gate.Gate
	Ctx  context.Context
}

func newTestEnv(t *testing.T, critical ...string) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	var cfg config.Config
	cfg.Project.ID = "proj-1"
	cfg.Project.Workflow = "Delivery"
	cfg.Policy.CriticalActions = critical
	cfg.Policy.Approvers = []string{"approver-1"}
	g := gate.New(conn, &cfg)
	g.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := g.LoadRules(ctx, "proj-1", gateRules, "tester"); err != nil {
		t.Fatalf("load rules: %v", err)
	}
	if _, err := g.InitProject(ctx, "proj-1", "Delivery", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	return testEnv{Gate: g, Ctx: ctx}
}

func (env testEnv) addTask(t *testing.T, id string, layer domain.Layer, completed bool) {
	t.Helper()
	_, err := env.Gate.UpsertTask(env.Ctx, domain.Task{
		ID: id, ProjectID: "proj-1", Layer: layer, Completed: completed, Committed: layer == domain.LayerJournal,
	}, "tester")
	if err != nil {
		t.Fatalf("upsert task %s: %v", id, err)
	}
}

func TestRoutineTransitionApplies(t *testing.T) {
	env := newTestEnv(t)
	d, err := env.Gate.ProposeTransition(env.Ctx, gate.TransitionProposal{ProjectID: "proj-1", To: "Review", ActorID: "tester"})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if d.Status != domain.DecisionApplied {
		t.Fatalf("status: %s, reasons: %v", d.Status, d.Reasons)
	}
	if d.Kind != domain.DecisionRoutine {
		t.Fatalf("kind: %s", d.Kind)
	}
	p, version, err := env.Gate.Repo.GetProject(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if p.State != "Review" {
		t.Fatalf("project state: %s", p.State)
	}
	if version != 1 {
		t.Fatalf("applying a transition bumps the version, got %d", version)
	}
}

func TestRejectedTransitionListsAllReasons(t *testing.T) {
	env := newTestEnv(t)
	env.addTask(t, "t1", domain.LayerBacklog, false)
	d, err := env.Gate.ProposeTransition(env.Ctx, gate.TransitionProposal{ProjectID: "proj-1", To: "Review", ActorID: "tester"})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if d.Status != domain.DecisionRejected {
		t.Fatalf("status: %s", d.Status)
	}
	if len(d.Reasons) == 0 || !strings.Contains(d.Reasons[0], "empty[backlog]") {
		t.Fatalf("reasons: %v", d.Reasons)
	}
	p, _, _ := env.Gate.Repo.GetProject(env.Ctx, "proj-1")
	if p.State != "Draft" {
		t.Fatalf("rejected proposal must not move the project, state: %s", p.State)
	}
	stored, err := env.Gate.GetDecision(env.Ctx, d.ID)
	if err != nil || stored.Status != domain.DecisionRejected {
		t.Fatalf("rejection must be persisted: %v %v", stored.Status, err)
	}
}

func TestUndeclaredTransitionRejected(t *testing.T) {
	env := newTestEnv(t)
	d, err := env.Gate.ProposeTransition(env.Ctx, gate.TransitionProposal{ProjectID: "proj-1", To: "Done", ActorID: "tester"})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if d.Status != domain.DecisionRejected {
		t.Fatalf("status: %s", d.Status)
	}
	if len(d.Reasons) != 1 || !strings.Contains(d.Reasons[0], "no such transition") {
		t.Fatalf("reasons: %v", d.Reasons)
	}
}

func TestInvariantViolationOnHypotheticalState(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Gate.ProposeTransition(env.Ctx, gate.TransitionProposal{ProjectID: "proj-1", To: "Review", ActorID: "tester"}); err != nil {
		t.Fatalf("to review: %v", err)
	}
	env.addTask(t, "t1", domain.LayerBacklog, false)
	// Precondition for Review -> Done holds (changelog empty), but
	// done_means_flushed fails against the hypothetical Done state.
	d, err := env.Gate.ProposeTransition(env.Ctx, gate.TransitionProposal{ProjectID: "proj-1", To: "Done", ActorID: "tester"})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if d.Status != domain.DecisionRejected {
		t.Fatalf("status: %s", d.Status)
	}
	if len(d.Reasons) == 0 || !strings.Contains(d.Reasons[0], "done_means_flushed") {
		t.Fatalf("reasons: %v", d.Reasons)
	}
}

func TestRoutineCommitApplies(t *testing.T) {
	env := newTestEnv(t)
	d, err := env.Gate.ProposeCommit(env.Ctx, gate.CommitProposal{ProjectID: "proj-1", CommitID: "c1", Message: "first", ActorID: "tester"})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if d.Status != domain.DecisionApplied {
		t.Fatalf("status: %s, reasons: %v", d.Status, d.Reasons)
	}
	commits, err := env.Gate.Repo.ListCommits(env.Ctx, "proj-1")
	if err != nil || len(commits) != 1 {
		t.Fatalf("commits: %v %v", commits, err)
	}
	c := commits[0]
	if !c.Validated {
		t.Fatalf("applied commit must be validated")
	}
	if c.Reverts == nil || *c.Reverts == "" {
		t.Fatalf("validated commit must carry its revert target")
	}
}

func TestCriticalCommitRequiresApproval(t *testing.T) {
	env := newTestEnv(t, "commit")
	d, err := env.Gate.ProposeCommit(env.Ctx, gate.CommitProposal{ProjectID: "proj-1", CommitID: "c1", Message: "risky", ActorID: "tester"})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if d.Status != domain.DecisionPendingApproval || d.Kind != domain.DecisionCritical {
		t.Fatalf("got %s %s", d.Status, d.Kind)
	}
	commits, _ := env.Gate.Repo.ListCommits(env.Ctx, "proj-1")
	if len(commits) != 1 || commits[0].Validated {
		t.Fatalf("pending commit is parked unvalidated: %v", commits)
	}

	if _, err := env.Gate.Approve(env.Ctx, d.ID, "tester"); !errors.Is(err, gate.ErrNotApprover) {
		t.Fatalf("non-approver must be refused, got %v", err)
	}

	resolved, err := env.Gate.Approve(env.Ctx, d.ID, "approver-1")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if resolved.Status != domain.DecisionApplied || resolved.ApproverID != "approver-1" {
		t.Fatalf("got %+v", resolved)
	}
	commits, _ = env.Gate.Repo.ListCommits(env.Ctx, "proj-1")
	if len(commits) != 1 || !commits[0].Validated {
		t.Fatalf("approval must validate the commit: %v", commits)
	}
	_, version, _ := env.Gate.Repo.GetProject(env.Ctx, "proj-1")
	if version != 1 {
		t.Fatalf("applied commit bumps the version, got %d", version)
	}
}

func TestDenyDiscardsParkedCommit(t *testing.T) {
	env := newTestEnv(t, "commit")
	d, err := env.Gate.ProposeCommit(env.Ctx, gate.CommitProposal{ProjectID: "proj-1", CommitID: "c1", ActorID: "tester"})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	resolved, err := env.Gate.Deny(env.Ctx, d.ID, "approver-1", "not now")
	if err != nil {
		t.Fatalf("deny: %v", err)
	}
	if resolved.Status != domain.DecisionRejected || resolved.Reasons[0] != "not now" {
		t.Fatalf("got %+v", resolved)
	}
	commits, _ := env.Gate.Repo.ListCommits(env.Ctx, "proj-1")
	if len(commits) != 0 {
		t.Fatalf("denied commit must be discarded: %v", commits)
	}
}

func TestCancelByProposer(t *testing.T) {
	env := newTestEnv(t, "commit")
	d, err := env.Gate.ProposeCommit(env.Ctx, gate.CommitProposal{ProjectID: "proj-1", CommitID: "c1", ActorID: "tester"})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if _, err := env.Gate.Cancel(env.Ctx, d.ID, "someone-else"); err == nil {
		t.Fatalf("strangers cannot cancel")
	}
	resolved, err := env.Gate.Cancel(env.Ctx, d.ID, "tester")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if resolved.Status != domain.DecisionRejected {
		t.Fatalf("status: %s", resolved.Status)
	}
}

func TestAwaitTimeoutRejects(t *testing.T) {
	env := newTestEnv(t, "commit")
	d, err := env.Gate.ProposeCommit(env.Ctx, gate.CommitProposal{ProjectID: "proj-1", CommitID: "c1", ActorID: "tester"})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	resolved, err := env.Gate.Await(env.Ctx, d.ID, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if resolved.Status != domain.DecisionRejected {
		t.Fatalf("status: %s", resolved.Status)
	}
	if len(resolved.Reasons) == 0 || !strings.Contains(resolved.Reasons[0], "timed out") {
		t.Fatalf("reasons: %v", resolved.Reasons)
	}
}

func TestAwaitResolvesOnApproval(t *testing.T) {
	env := newTestEnv(t, "commit")
	d, err := env.Gate.ProposeCommit(env.Ctx, gate.CommitProposal{ProjectID: "proj-1", CommitID: "c1", ActorID: "tester"})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	done := make(chan domain.Decision, 1)
	go func() {
		resolved, err := env.Gate.Await(env.Ctx, d.ID, 5*time.Second)
		if err != nil {
			t.Errorf("await: %v", err)
		}
		done <- resolved
	}()
	time.Sleep(20 * time.Millisecond)
	if _, err := env.Gate.Approve(env.Ctx, d.ID, "approver-1"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	select {
	case resolved := <-done:
		if resolved.Status != domain.DecisionApplied {
			t.Fatalf("status: %s", resolved.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("await did not wake on approval")
	}
}

func TestAwaitCancellation(t *testing.T) {
	env := newTestEnv(t, "commit")
	d, err := env.Gate.ProposeCommit(env.Ctx, gate.CommitProposal{ProjectID: "proj-1", CommitID: "c1", ActorID: "tester"})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	ctx, cancel := context.WithCancel(env.Ctx)
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	if _, err := env.Gate.Await(ctx, d.ID, 0); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
	// The decision stays pending for another resolver.
	stored, _ := env.Gate.GetDecision(env.Ctx, d.ID)
	if stored.Status != domain.DecisionPendingApproval {
		t.Fatalf("status: %s", stored.Status)
	}
}

func TestStaleApprovalRejected(t *testing.T) {
	env := newTestEnv(t, "commit")
	d, err := env.Gate.ProposeCommit(env.Ctx, gate.CommitProposal{ProjectID: "proj-1", CommitID: "c1", ActorID: "tester"})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	// The project moves while the decision is pending.
	if _, err := env.Gate.ProposeTransition(env.Ctx, gate.TransitionProposal{ProjectID: "proj-1", To: "Review", ActorID: "tester"}); err != nil {
		t.Fatalf("transition: %v", err)
	}
	resolved, err := env.Gate.Approve(env.Ctx, d.ID, "approver-1")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if resolved.Status != domain.DecisionRejected {
		t.Fatalf("stale approval must reject, got %s", resolved.Status)
	}
	if len(resolved.Reasons) == 0 || !strings.Contains(resolved.Reasons[0], "moved") {
		t.Fatalf("reasons: %v", resolved.Reasons)
	}
	commits, _ := env.Gate.Repo.ListCommits(env.Ctx, "proj-1")
	if len(commits) != 0 {
		t.Fatalf("stale commit must be discarded: %v", commits)
	}
}

func TestCriticalTransitionFamilyPolicy(t *testing.T) {
	env := newTestEnv(t, "transition")
	d, err := env.Gate.ProposeTransition(env.Ctx, gate.TransitionProposal{ProjectID: "proj-1", To: "Review", ActorID: "tester"})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if d.Status != domain.DecisionPendingApproval {
		t.Fatalf("status: %s", d.Status)
	}
	p, _, _ := env.Gate.Repo.GetProject(env.Ctx, "proj-1")
	if p.State != "Draft" {
		t.Fatalf("pending transition must not move the project")
	}
	resolved, err := env.Gate.Approve(env.Ctx, d.ID, "approver-1")
	if err != nil || resolved.Status != domain.DecisionApplied {
		t.Fatalf("approve: %v %v", resolved.Status, err)
	}
	p, _, _ = env.Gate.Repo.GetProject(env.Ctx, "proj-1")
	if p.State != "Review" {
		t.Fatalf("approved transition applies, state: %s", p.State)
	}
}

func TestUpsertTaskLayerGuards(t *testing.T) {
	env := newTestEnv(t)
	cases := []domain.Task{
		{ID: "x1", ProjectID: "proj-1", Layer: domain.LayerBacklog, Completed: true},
		{ID: "x2", ProjectID: "proj-1", Layer: domain.LayerChangelog, Completed: false},
		{ID: "x3", ProjectID: "proj-1", Layer: domain.LayerJournal, Committed: false},
		{ID: "x4", ProjectID: "proj-1", Layer: "attic"},
	}
	for _, tc := range cases {
		if _, err := env.Gate.UpsertTask(env.Ctx, tc, "tester"); err == nil {
			t.Fatalf("expected error for %+v", tc)
		}
	}
}

func TestCheckInvariantsDiagnostic(t *testing.T) {
	env := newTestEnv(t)
	violations, err := env.Gate.CheckInvariants(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(violations) != 0 {
		t.Fatalf("fresh project holds all invariants: %v", violations)
	}
}

func TestAuditTrail(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Gate.ProposeTransition(env.Ctx, gate.TransitionProposal{ProjectID: "proj-1", To: "Review", ActorID: "tester"}); err != nil {
		t.Fatalf("propose: %v", err)
	}
	events, err := env.Gate.Repo.ListEvents(env.Ctx, "proj-1", 0, 50)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	types := map[string]bool{}
	for _, e := range events {
		types[e.Type] = true
		if e.TS != "2026-01-01T00:00:00Z" {
			t.Fatalf("audit timestamps must follow the gate clock, got %s", e.TS)
		}
	}
	for _, want := range []string{"rules.loaded", "project.init", "decision.proposed", "decision.applied"} {
		if !types[want] {
			t.Fatalf("missing %s in %v", want, types)
		}
	}
}

func TestApprovalStaleAfterTaskMutation(t *testing.T) {
	env := newTestEnv(t, "transition")
	d, err := env.Gate.ProposeTransition(env.Ctx, gate.TransitionProposal{ProjectID: "proj-1", To: "Review", ActorID: "tester"})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if d.Status != domain.DecisionPendingApproval {
		t.Fatalf("status: %s", d.Status)
	}
	// The model the proposal was validated against no longer exists.
	env.addTask(t, "t1", domain.LayerBacklog, false)
	resolved, err := env.Gate.Approve(env.Ctx, d.ID, "approver-1")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if resolved.Status != domain.DecisionRejected {
		t.Fatalf("approval after a task write must reject as stale, got %s", resolved.Status)
	}
	if len(resolved.Reasons) == 0 || !strings.Contains(resolved.Reasons[0], "moved") {
		t.Fatalf("reasons: %v", resolved.Reasons)
	}
	p, _, _ := env.Gate.Repo.GetProject(env.Ctx, "proj-1")
	if p.State != "Draft" {
		t.Fatalf("stale approval must not move the project, state: %s", p.State)
	}
	violations, err := env.Gate.CheckInvariants(env.Ctx, "proj-1")
	if err != nil || len(violations) != 0 {
		t.Fatalf("invariants after resolution: %v %v", violations, err)
	}
}

func TestUpsertTaskHeldToInvariants(t *testing.T) {
	env := newTestEnv(t)
	// Layer-legal journal task, but draft_means_no_journal forbids it
	// while the project sits in Draft.
	_, err := env.Gate.UpsertTask(env.Ctx, domain.Task{
		ID: "j1", ProjectID: "proj-1", Layer: domain.LayerJournal, Completed: true, Committed: true,
	}, "tester")
	if err == nil {
		t.Fatalf("expected invariant rejection")
	}
	if !strings.Contains(err.Error(), "draft_means_no_journal") {
		t.Fatalf("error should name the invariant: %v", err)
	}
	tasks, _ := env.Gate.Repo.ListTasks(env.Ctx, "proj-1")
	if len(tasks) != 0 {
		t.Fatalf("rejected task must not persist: %v", tasks)
	}
	_, version, _ := env.Gate.Repo.GetProject(env.Ctx, "proj-1")
	if version != 0 {
		t.Fatalf("rejected task must not bump the version, got %d", version)
	}
}

func TestTaskWriteBumpsVersion(t *testing.T) {
	env := newTestEnv(t)
	env.addTask(t, "t1", domain.LayerBacklog, false)
	_, version, err := env.Gate.Repo.GetProject(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if version != 1 {
		t.Fatalf("task writes move the snapshot version, got %d", version)
	}
}

func TestRulesLoadBeforeProjectExists(t *testing.T) {
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	var cfg config.Config
	cfg.Project.ID = "proj-1"
	cfg.Project.Workflow = "Delivery"
	g := gate.New(conn, &cfg)
	ctx := context.Background()
	// No project row yet; the ruleset must still load and persist.
	if _, err := g.LoadRules(ctx, "proj-1", gateRules, "tester"); err != nil {
		t.Fatalf("load rules without project: %v", err)
	}
	source, err := g.Repo.GetRuleSource(ctx, "proj-1")
	if err != nil || source != gateRules {
		t.Fatalf("rule source must persist: %v", err)
	}
}

func TestRuleSourcePersistsAcrossRestart(t *testing.T) {
	env := newTestEnv(t)
	fresh := gate.New(env.Gate.DB, env.Gate.Config)
	if fresh.Rules.Current() != nil {
		t.Fatalf("fresh gate starts empty")
	}
	if err := fresh.ReloadStoredRules(env.Ctx, "proj-1"); err != nil {
		t.Fatalf("reload: %v", err)
	}
	rs := fresh.Rules.Current()
	if rs == nil || rs.Source != gateRules {
		t.Fatalf("stored source must round-trip")
	}
}

func TestProposalWithoutRules(t *testing.T) {
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	var cfg config.Config
	cfg.Project.ID = "proj-1"
	cfg.Project.Workflow = "Delivery"
	g := gate.New(conn, &cfg)
	if _, err := g.InitProject(context.Background(), "proj-1", "Delivery", "tester"); !errors.Is(err, gate.ErrNoRules) {
		t.Fatalf("expected ErrNoRules, got %v", err)
	}
}
