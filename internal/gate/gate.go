// Package gate decides whether proposed workflow transitions and
// commits may be accepted. Each proposal becomes a Decision that moves
// through proposed -> validating -> {applied, rejected,
// pending_approval}; pending_approval resolves only on an explicit
// external approval, denial, cancellation or timeout. Mutations to a
// project are serialized through a per-project lock and applied in a
// single transaction together with their audit record.
package gate

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"specgate/internal/config"
	"specgate/internal/domain"
	"specgate/internal/events"
	"specgate/internal/registry"
	"specgate/internal/repo"
	"specgate/internal/validate"
)

// ErrNotApprover is returned when an actor outside the configured
// approver list tries to resolve a critical decision.
var ErrNotApprover = errors.New("actor is not a configured approver")

// ErrNoRules is returned when a proposal arrives before any ruleset
// has been loaded.
var ErrNoRules = errors.New("no ruleset loaded")

type Gate struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Rules  *registry.Store
	Config *config.Config
	Now    func() time.Time

	mu       sync.Mutex
	projects map[string]*sync.Mutex
	waiters  map[string][]chan domain.DecisionStatus
}

func New(db *sql.DB, cfg *config.Config) *Gate {
	g := &Gate{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Rules:    registry.NewStore(),
		Config:   cfg,
		Now:      time.Now,
		projects: make(map[string]*sync.Mutex),
		waiters:  make(map[string][]chan domain.DecisionStatus),
	}
	// Audit timestamps follow the gate clock, including injected ones.
	g.Events = events.Writer{DB: db, Now: g.now}
	return g
}

func (g *Gate) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

func (g *Gate) nowStr() string {
	return g.now().UTC().Format(time.RFC3339)
}

// projectLock returns the single-writer lock for a project. Holding it
// serializes validation-for-commit and application; diagnostic reads
// run without it against their own snapshot copy.
func (g *Gate) projectLock(projectID string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.projects[projectID]
	if !ok {
		l = &sync.Mutex{}
		g.projects[projectID] = l
	}
	return l
}

// LoadRules parses, validates and activates a ruleset, persisting the
// source so restarts reload it. The swap is atomic: a failed load
// leaves the previous ruleset active, and in-flight validations keep
// the ruleset pointer they started with.
func (g *Gate) LoadRules(ctx context.Context, projectID, source, actorID string) (*registry.Ruleset, error) {
	rs, err := g.Rules.Load(source)
	if err != nil {
		return nil, err
	}
	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if err := g.Repo.UpsertRuleSource(ctx, tx, projectID, source, g.nowStr()); err != nil {
		return nil, fmt.Errorf("persist rule source: %w", err)
	}
	if err := g.Events.Append(ctx, tx, events.TypeRulesLoaded, projectID, "ruleset", "", actorID, events.EventPayload{
		"workflows": len(rs.Workflows),
		"formulas":  len(rs.Formulas),
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return rs, nil
}

// ReloadStoredRules loads the persisted rule source for a project, if
// any.
func (g *Gate) ReloadStoredRules(ctx context.Context, projectID string) error {
	source, err := g.Repo.GetRuleSource(ctx, projectID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		return err
	}
	_, err = g.Rules.Load(source)
	return err
}

// InitProject creates a project positioned at a workflow's first
// declared state.
func (g *Gate) InitProject(ctx context.Context, projectID, workflowName, actorID string) (domain.Project, error) {
	rs := g.Rules.Current()
	if rs == nil {
		return domain.Project{}, ErrNoRules
	}
	w, ok := rs.Workflow(workflowName)
	if !ok {
		return domain.Project{}, fmt.Errorf("workflow %q not declared in loaded ruleset", workflowName)
	}
	if len(w.States) == 0 {
		return domain.Project{}, fmt.Errorf("workflow %q declares no states", workflowName)
	}
	now := g.nowStr()
	p := domain.Project{
		ID:        projectID,
		Workflow:  workflowName,
		State:     w.States[0],
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	if err := g.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := g.Events.Append(ctx, tx, events.TypeProjectInit, p.ID, "project", p.ID, actorID, events.EventPayload{"state": p.State, "workflow": p.Workflow}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// UpsertTask records a task in the project model. It enforces the
// layer consistency rules at the write boundary (backlog tasks are
// never completed, changelog tasks always are, journal tasks are
// committed), then holds the move to the same declared invariants as
// transitions and commits: a task write that would leave the snapshot
// violating any invariant is rejected. Accepted writes bump the
// snapshot version, so pending approvals anchored to the old version
// resolve stale instead of applying against a model they never saw.
func (g *Gate) UpsertTask(ctx context.Context, t domain.Task, actorID string) (domain.Task, error) {
	if t.ID == "" {
		return t, errors.New("task id required")
	}
	if t.ProjectID == "" {
		return t, errors.New("project required")
	}
	if !domain.ValidLayer(t.Layer) {
		return t, fmt.Errorf("invalid layer %q", t.Layer)
	}
	switch t.Layer {
	case domain.LayerBacklog:
		if t.Completed {
			return t, errors.New("a backlog task cannot be completed")
		}
	case domain.LayerChangelog:
		if !t.Completed {
			return t, errors.New("a changelog task must be completed")
		}
	case domain.LayerJournal:
		if !t.Committed {
			return t, errors.New("a journal task must be committed")
		}
	}
	lock := g.projectLock(t.ProjectID)
	lock.Lock()
	defer lock.Unlock()

	snap, err := g.Repo.LoadSnapshot(ctx, t.ProjectID)
	if err != nil {
		return t, err
	}
	rs, w, err := g.workflowFor(snap.Project)
	if err != nil {
		return t, err
	}
	now := g.nowStr()
	if t.CreatedAt == "" {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	violations, err := validate.CheckAll(rs, w, snap.WithTask(t))
	if err != nil {
		return t, err
	}
	if len(violations) > 0 {
		return t, fmt.Errorf("task %s would violate: %s", t.ID, strings.Join(violationReasons(violations), "; "))
	}

	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := g.Repo.UpsertTask(ctx, tx, t); err != nil {
		return t, err
	}
	if err := g.Repo.BumpProjectVersion(ctx, tx, t.ProjectID, now); err != nil {
		return t, err
	}
	if err := g.Events.Append(ctx, tx, events.TypeTaskUpserted, t.ProjectID, "task", t.ID, actorID, events.EventPayload{"layer": t.Layer, "completed": t.Completed}); err != nil {
		return t, err
	}
	return t, tx.Commit()
}

// workflowFor resolves the active ruleset and the project's workflow.
// In-flight callers keep the returned pointers even across reloads.
func (g *Gate) workflowFor(p domain.Project) (*registry.Ruleset, *registry.Workflow, error) {
	rs := g.Rules.Current()
	if rs == nil {
		return nil, nil, ErrNoRules
	}
	w, ok := rs.Workflow(p.Workflow)
	if !ok {
		return nil, nil, fmt.Errorf("workflow %q not declared in loaded ruleset", p.Workflow)
	}
	return rs, w, nil
}

// TransitionProposal proposes moving a project to a new workflow state.
type TransitionProposal struct {
	ProjectID string
	To        string
	ActorID   string
}

// CommitProposal proposes recording a validated commit.
type CommitProposal struct {
	ProjectID string
	CommitID  string
	Message   string
	ActorID   string
}

// ProposeTransition runs the gate for a state transition. The returned
// decision is terminal (applied/rejected) for routine actions and
// pending_approval for critical ones. Evaluation defects (undefined
// predicates) abort with an error and record nothing.
func (g *Gate) ProposeTransition(ctx context.Context, prop TransitionProposal) (domain.Decision, error) {
	lock := g.projectLock(prop.ProjectID)
	lock.Lock()
	defer lock.Unlock()

	snap, err := g.Repo.LoadSnapshot(ctx, prop.ProjectID)
	if err != nil {
		return domain.Decision{}, err
	}
	rs, w, err := g.workflowFor(snap.Project)
	if err != nil {
		return domain.Decision{}, err
	}
	from := snap.Project.State
	action := config.ActionTransition(from, prop.To)
	d := g.newDecision(prop.ProjectID, action, prop.ActorID, snap.Version)

	check, err := validate.CheckTransition(w, from, prop.To, snap)
	if err != nil {
		return domain.Decision{}, err
	}
	switch {
	case check.SpecDefect != "":
		return g.reject(ctx, d, []string{check.SpecDefect})
	case !check.Accepted:
		return g.reject(ctx, d, check.Unmet)
	}

	// Invariants are checked against the hypothetical post-transition
	// snapshot: an applied decision must never leave the project in a
	// violating state.
	hypothetical := snap.WithState(prop.To)
	violations, err := validate.CheckAll(rs, w, hypothetical)
	if err != nil {
		return domain.Decision{}, err
	}
	if len(violations) > 0 {
		return g.reject(ctx, d, violationReasons(violations))
	}

	if d.Kind == domain.DecisionCritical {
		return g.park(ctx, d)
	}
	return g.applyTransition(ctx, d, prop.To, "")
}

// ProposeCommit runs the gate for a commit. Validation checks all
// declared invariants against the snapshot extended with the new
// commit, already marked validated and carrying its revert target (the
// hash of the prior project snapshot).
func (g *Gate) ProposeCommit(ctx context.Context, prop CommitProposal) (domain.Decision, error) {
	if prop.CommitID == "" {
		return domain.Decision{}, errors.New("commit id required")
	}
	lock := g.projectLock(prop.ProjectID)
	lock.Lock()
	defer lock.Unlock()

	snap, err := g.Repo.LoadSnapshot(ctx, prop.ProjectID)
	if err != nil {
		return domain.Decision{}, err
	}
	rs, w, err := g.workflowFor(snap.Project)
	if err != nil {
		return domain.Decision{}, err
	}
	d := g.newDecision(prop.ProjectID, config.ActionCommit(prop.CommitID), prop.ActorID, snap.Version)

	revert := SnapshotHash(snap)
	commit := domain.Commit{
		ID:        prop.CommitID,
		ProjectID: prop.ProjectID,
		Message:   prop.Message,
		Validated: true,
		Reverts:   &revert,
		CreatedAt: g.nowStr(),
	}
	hypothetical := snap
	hypothetical.Project.Commits = append(append([]domain.Commit(nil), snap.Project.Commits...), commit)
	violations, err := validate.CheckAll(rs, w, hypothetical)
	if err != nil {
		return domain.Decision{}, err
	}
	if len(violations) > 0 {
		return g.reject(ctx, d, violationReasons(violations))
	}

	if d.Kind == domain.DecisionCritical {
		// Park the commit row unvalidated; approval flips it.
		pending := commit
		pending.Validated = false
		tx, err := g.DB.BeginTx(ctx, nil)
		if err != nil {
			return domain.Decision{}, err
		}
		defer tx.Rollback()
		if err := g.Repo.InsertCommit(ctx, tx, pending); err != nil {
			return domain.Decision{}, err
		}
		return g.parkTx(ctx, tx, d)
	}
	return g.applyCommit(ctx, d, commit, "")
}

func (g *Gate) newDecision(projectID, action, actorID string, fromVersion int64) domain.Decision {
	kind := domain.DecisionRoutine
	if g.Config != nil && g.Config.IsCritical(action) {
		kind = domain.DecisionCritical
	}
	return domain.Decision{
		ID:          uuid.New().String(),
		ProjectID:   projectID,
		Kind:        kind,
		Action:      action,
		Status:      domain.DecisionValidating,
		ProposerID:  actorID,
		CreatedAt:   g.nowStr(),
		FromVersion: fromVersion,
	}
}

func (g *Gate) reject(ctx context.Context, d domain.Decision, reasons []string) (domain.Decision, error) {
	if err := ensureDecisionTransition(d.Status, domain.DecisionRejected); err != nil {
		return d, err
	}
	d.Status = domain.DecisionRejected
	d.Reasons = reasons
	now := g.nowStr()
	d.ResolvedAt = &now
	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return d, err
	}
	defer tx.Rollback()
	if err := g.Repo.InsertDecision(ctx, tx, d); err != nil {
		return d, err
	}
	if err := g.appendProposed(ctx, tx, d); err != nil {
		return d, err
	}
	if err := g.Events.Append(ctx, tx, events.TypeDecisionRejected, d.ProjectID, "decision", d.ID, d.ProposerID, events.EventPayload{
		"action":  d.Action,
		"reasons": reasons,
	}); err != nil {
		return d, err
	}
	return d, tx.Commit()
}

func (g *Gate) park(ctx context.Context, d domain.Decision) (domain.Decision, error) {
	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return d, err
	}
	defer tx.Rollback()
	return g.parkTx(ctx, tx, d)
}

func (g *Gate) parkTx(ctx context.Context, tx *sql.Tx, d domain.Decision) (domain.Decision, error) {
	if err := ensureDecisionTransition(d.Status, domain.DecisionPendingApproval); err != nil {
		return d, err
	}
	d.Status = domain.DecisionPendingApproval
	if err := g.Repo.InsertDecision(ctx, tx, d); err != nil {
		return d, err
	}
	if err := g.appendProposed(ctx, tx, d); err != nil {
		return d, err
	}
	if err := g.Events.Append(ctx, tx, events.TypeDecisionPending, d.ProjectID, "decision", d.ID, d.ProposerID, events.EventPayload{"action": d.Action}); err != nil {
		return d, err
	}
	return d, tx.Commit()
}

// applyTransition commits the state move, the decision row and the
// audit record in one transaction; readers never observe the project
// mid-mutation. insert tracks whether the decision row already exists
// (approval path) or is written here (routine path).
func (g *Gate) applyTransition(ctx context.Context, d domain.Decision, to, approverID string) (domain.Decision, error) {
	if err := ensureDecisionTransition(d.Status, domain.DecisionApplied); err != nil {
		return d, err
	}
	insert := d.Status == domain.DecisionValidating
	d.Status = domain.DecisionApplied
	d.ApproverID = approverID
	now := g.nowStr()
	d.ResolvedAt = &now

	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return d, err
	}
	defer tx.Rollback()
	if err := g.Repo.AdvanceProjectState(ctx, tx, d.ProjectID, to, now); err != nil {
		return d, err
	}
	if err := g.writeDecision(ctx, tx, d, insert); err != nil {
		return d, err
	}
	if insert {
		if err := g.appendProposed(ctx, tx, d); err != nil {
			return d, err
		}
	}
	if err := g.appendApplied(ctx, tx, d); err != nil {
		return d, err
	}
	return d, tx.Commit()
}

func (g *Gate) applyCommit(ctx context.Context, d domain.Decision, c domain.Commit, approverID string) (domain.Decision, error) {
	if err := ensureDecisionTransition(d.Status, domain.DecisionApplied); err != nil {
		return d, err
	}
	insert := d.Status == domain.DecisionValidating
	d.Status = domain.DecisionApplied
	d.ApproverID = approverID
	now := g.nowStr()
	d.ResolvedAt = &now

	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return d, err
	}
	defer tx.Rollback()
	if insert {
		if err := g.Repo.InsertCommit(ctx, tx, c); err != nil {
			return d, err
		}
	} else {
		// The unvalidated row was parked at proposal time.
		if _, err := tx.ExecContext(ctx, `UPDATE commits SET validated=1 WHERE id=?`, c.ID); err != nil {
			return d, err
		}
	}
	if err := g.Repo.BumpProjectVersion(ctx, tx, d.ProjectID, now); err != nil {
		return d, err
	}
	if err := g.writeDecision(ctx, tx, d, insert); err != nil {
		return d, err
	}
	if insert {
		if err := g.appendProposed(ctx, tx, d); err != nil {
			return d, err
		}
	}
	if err := g.appendApplied(ctx, tx, d); err != nil {
		return d, err
	}
	return d, tx.Commit()
}

func (g *Gate) writeDecision(ctx context.Context, tx *sql.Tx, d domain.Decision, insert bool) error {
	if insert {
		return g.Repo.InsertDecision(ctx, tx, d)
	}
	return g.Repo.UpdateDecision(ctx, tx, d)
}

// appendProposed records receipt of the proposal. Decisions are
// persisted only at their first durable status, so the receipt row is
// written in the same transaction as the outcome it precedes.
func (g *Gate) appendProposed(ctx context.Context, tx *sql.Tx, d domain.Decision) error {
	return g.Events.Append(ctx, tx, events.TypeDecisionProposed, d.ProjectID, "decision", d.ID, d.ProposerID, events.EventPayload{
		"action": d.Action,
		"kind":   d.Kind,
	})
}

func (g *Gate) appendApplied(ctx context.Context, tx *sql.Tx, d domain.Decision) error {
	actor := d.ProposerID
	if d.ApproverID != "" {
		actor = d.ApproverID
	}
	return g.Events.Append(ctx, tx, events.TypeDecisionApplied, d.ProjectID, "decision", d.ID, actor, events.EventPayload{
		"action":   d.Action,
		"approver": d.ApproverID,
	})
}

// ensureDecisionTransition is the gate's own state machine. Applied and
// rejected are terminal; no other moves exist.
func ensureDecisionTransition(oldStatus, newStatus domain.DecisionStatus) error {
	switch oldStatus {
	case domain.DecisionProposed:
		if newStatus == domain.DecisionValidating {
			return nil
		}
	case domain.DecisionValidating:
		if newStatus == domain.DecisionPendingApproval || newStatus == domain.DecisionApplied || newStatus == domain.DecisionRejected {
			return nil
		}
	case domain.DecisionPendingApproval:
		if newStatus == domain.DecisionApplied || newStatus == domain.DecisionRejected {
			return nil
		}
	}
	return fmt.Errorf("invalid decision transition %s -> %s", oldStatus, newStatus)
}

func violationReasons(violations []validate.Violation) []string {
	reasons := make([]string, len(violations))
	for i, v := range violations {
		reasons[i] = v.String()
	}
	return reasons
}

// SnapshotHash returns a stable hex digest of a snapshot, used as the
// revert target recorded on validated commits.
func SnapshotHash(snap domain.Snapshot) string {
	data, _ := json.Marshal(snap)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

// transitionTarget extracts the target state from a stored transition
// action label.
func transitionTarget(action string) (string, bool) {
	rest, ok := strings.CutPrefix(action, "transition:")
	if !ok {
		return "", false
	}
	_, to, ok := strings.Cut(rest, "->")
	return to, ok
}
