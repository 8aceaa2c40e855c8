package gate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"specgate/internal/domain"
	"specgate/internal/events"
	"specgate/internal/repo"
	"specgate/internal/validate"
)

// Approve resolves a pending critical decision and applies its action.
// Only configured approvers may call it; the proposal is re-anchored
// against the current snapshot version so a project that moved since
// the proposal is rejected as stale instead of blindly mutated.
func (g *Gate) Approve(ctx context.Context, decisionID, approverID string) (domain.Decision, error) {
	if g.Config == nil || !g.Config.IsApprover(approverID) {
		return domain.Decision{}, ErrNotApprover
	}
	d, err := g.Repo.GetDecision(ctx, decisionID)
	if err != nil {
		return domain.Decision{}, err
	}
	lock := g.projectLock(d.ProjectID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock; a concurrent resolution may have won.
	d, err = g.Repo.GetDecision(ctx, decisionID)
	if err != nil {
		return domain.Decision{}, err
	}
	if d.Status != domain.DecisionPendingApproval {
		return d, fmt.Errorf("decision %s is %s, not pending approval", d.ID, d.Status)
	}
	snap, err := g.Repo.LoadSnapshot(ctx, d.ProjectID)
	if err != nil {
		return domain.Decision{}, err
	}
	if snap.Version != d.FromVersion {
		d, err = g.resolve(ctx, d, domain.DecisionRejected, approverID,
			[]string{fmt.Sprintf("project moved from version %d to %d since proposal", d.FromVersion, snap.Version)},
			events.TypeDecisionRejected)
		g.notify(d)
		return d, err
	}

	switch {
	case strings.HasPrefix(d.Action, "transition:"):
		to, ok := transitionTarget(d.Action)
		if !ok {
			return d, fmt.Errorf("malformed decision action %q", d.Action)
		}
		d, err = g.applyTransition(ctx, d, to, approverID)
	case strings.HasPrefix(d.Action, "commit:"):
		commitID := strings.TrimPrefix(d.Action, "commit:")
		d, err = g.applyCommit(ctx, d, domain.Commit{ID: commitID, ProjectID: d.ProjectID}, approverID)
	default:
		return d, fmt.Errorf("malformed decision action %q", d.Action)
	}
	if err != nil {
		return d, err
	}
	g.notify(d)
	return d, nil
}

// Deny resolves a pending decision to rejected. Only approvers may
// deny; any parked commit row is removed.
func (g *Gate) Deny(ctx context.Context, decisionID, approverID, reason string) (domain.Decision, error) {
	if g.Config == nil || !g.Config.IsApprover(approverID) {
		return domain.Decision{}, ErrNotApprover
	}
	if reason == "" {
		reason = "denied by " + approverID
	}
	return g.resolvePending(ctx, decisionID, approverID, reason, events.TypeDecisionDenied)
}

// Cancel withdraws a pending decision. The proposer (or an approver)
// may cancel.
func (g *Gate) Cancel(ctx context.Context, decisionID, actorID string) (domain.Decision, error) {
	d, err := g.Repo.GetDecision(ctx, decisionID)
	if err != nil {
		return domain.Decision{}, err
	}
	if actorID != d.ProposerID && (g.Config == nil || !g.Config.IsApprover(actorID)) {
		return domain.Decision{}, fmt.Errorf("actor %s may not cancel decision %s", actorID, d.ID)
	}
	return g.resolvePending(ctx, decisionID, actorID, "canceled by "+actorID, events.TypeDecisionCanceled)
}

func (g *Gate) resolvePending(ctx context.Context, decisionID, actorID, reason, eventType string) (domain.Decision, error) {
	d, err := g.Repo.GetDecision(ctx, decisionID)
	if err != nil {
		return domain.Decision{}, err
	}
	lock := g.projectLock(d.ProjectID)
	lock.Lock()
	defer lock.Unlock()

	d, err = g.Repo.GetDecision(ctx, decisionID)
	if err != nil {
		return domain.Decision{}, err
	}
	if d.Status != domain.DecisionPendingApproval {
		return d, fmt.Errorf("decision %s is %s, not pending approval", d.ID, d.Status)
	}
	d, err = g.resolve(ctx, d, domain.DecisionRejected, actorID, []string{reason}, eventType)
	if err != nil {
		return d, err
	}
	g.notify(d)
	return d, nil
}

// resolve moves a pending decision to a terminal status in one
// transaction, discarding any parked unvalidated commit.
func (g *Gate) resolve(ctx context.Context, d domain.Decision, status domain.DecisionStatus, actorID string, reasons []string, eventType string) (domain.Decision, error) {
	if err := ensureDecisionTransition(d.Status, status); err != nil {
		return d, err
	}
	d.Status = status
	d.Reasons = reasons
	d.ApproverID = actorID
	now := g.nowStr()
	d.ResolvedAt = &now

	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return d, err
	}
	defer tx.Rollback()
	if commitID, ok := strings.CutPrefix(d.Action, "commit:"); ok && status == domain.DecisionRejected {
		if _, err := tx.ExecContext(ctx, `DELETE FROM commits WHERE id=? AND validated=0`, commitID); err != nil {
			return d, err
		}
	}
	if err := g.Repo.UpdateDecision(ctx, tx, d); err != nil {
		return d, err
	}
	if err := g.Events.Append(ctx, tx, eventType, d.ProjectID, "decision", d.ID, actorID, events.EventPayload{
		"action":  d.Action,
		"reasons": reasons,
	}); err != nil {
		return d, err
	}
	return d, tx.Commit()
}

// Await blocks until the decision leaves pending_approval. The wait is
// scoped to this decision only: cancellation comes from ctx, and a
// positive timeout resolves the decision to rejected when it expires.
func (g *Gate) Await(ctx context.Context, decisionID string, timeout time.Duration) (domain.Decision, error) {
	ch := g.subscribe(decisionID)
	defer g.unsubscribe(decisionID, ch)

	d, err := g.Repo.GetDecision(ctx, decisionID)
	if err != nil {
		return domain.Decision{}, err
	}
	if d.Status != domain.DecisionPendingApproval {
		return d, nil
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-ctx.Done():
		return d, ctx.Err()
	case <-timer:
		resolved, err := g.resolvePendingTimeout(ctx, decisionID)
		if err != nil {
			return d, err
		}
		return resolved, nil
	case <-ch:
		return g.Repo.GetDecision(ctx, decisionID)
	}
}

func (g *Gate) resolvePendingTimeout(ctx context.Context, decisionID string) (domain.Decision, error) {
	d, err := g.Repo.GetDecision(ctx, decisionID)
	if err != nil {
		return domain.Decision{}, err
	}
	lock := g.projectLock(d.ProjectID)
	lock.Lock()
	defer lock.Unlock()

	d, err = g.Repo.GetDecision(ctx, decisionID)
	if err != nil {
		return domain.Decision{}, err
	}
	if d.Status != domain.DecisionPendingApproval {
		// An approval or denial raced the timer and won.
		return d, nil
	}
	d, err = g.resolve(ctx, d, domain.DecisionRejected, d.ProposerID, []string{"approval timed out"}, events.TypeDecisionTimeout)
	if err != nil {
		return d, err
	}
	g.notify(d)
	return d, nil
}

func (g *Gate) subscribe(decisionID string) chan domain.DecisionStatus {
	ch := make(chan domain.DecisionStatus, 1)
	g.mu.Lock()
	g.waiters[decisionID] = append(g.waiters[decisionID], ch)
	g.mu.Unlock()
	return ch
}

func (g *Gate) unsubscribe(decisionID string, ch chan domain.DecisionStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	list := g.waiters[decisionID]
	for i, c := range list {
		if c == ch {
			g.waiters[decisionID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(g.waiters[decisionID]) == 0 {
		delete(g.waiters, decisionID)
	}
}

func (g *Gate) notify(d domain.Decision) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, ch := range g.waiters[d.ID] {
		select {
		case ch <- d.Status:
		default:
		}
	}
}

// CheckInvariants is the diagnostic entry point: it evaluates every
// declared invariant against a frozen snapshot copy without taking the
// project's writer lock, so it can run concurrently with gating.
func (g *Gate) CheckInvariants(ctx context.Context, projectID string) ([]validate.Violation, error) {
	snap, err := g.Repo.LoadSnapshot(ctx, projectID)
	if err != nil {
		return nil, err
	}
	rs, w, err := g.workflowFor(snap.Project)
	if err != nil {
		return nil, err
	}
	return validate.CheckAll(rs, w, snap)
}

// DryRunTransition checks a transition without recording a decision or
// mutating anything.
func (g *Gate) DryRunTransition(ctx context.Context, projectID, to string) (validate.TransitionCheck, error) {
	snap, err := g.Repo.LoadSnapshot(ctx, projectID)
	if err != nil {
		return validate.TransitionCheck{}, err
	}
	_, w, err := g.workflowFor(snap.Project)
	if err != nil {
		return validate.TransitionCheck{}, err
	}
	return validate.CheckTransition(w, snap.Project.State, to, snap)
}

// GetDecision exposes decision lookup for API and CLI layers.
func (g *Gate) GetDecision(ctx context.Context, decisionID string) (domain.Decision, error) {
	d, err := g.Repo.GetDecision(ctx, decisionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Decision{}, repo.ErrNotFound
		}
		return domain.Decision{}, err
	}
	return d, nil
}
