package server

import (
	"sort"

	"specgate/internal/domain"
	"specgate/internal/registry"
	"specgate/internal/validate"
)

type LoadRulesRequest struct {
	Source string `json:"source" doc:"Rule text to parse, validate and activate"`
}

type RulesetResponse struct {
	Workflows []WorkflowSummary `json:"workflows"`
	Formulas  []FormulaSummary  `json:"formulas"`
}

type WorkflowSummary struct {
	Name        string   `json:"name"`
	States      []string `json:"states"`
	Transitions int      `json:"transitions"`
}

type FormulaSummary struct {
	Kind    string `json:"kind" enum:"invariant,proof,axiom"`
	Name    string `json:"name"`
	Formula string `json:"formula"`
}

func rulesetResponse(rs *registry.Ruleset) RulesetResponse {
	out := RulesetResponse{
		Workflows: []WorkflowSummary{},
		Formulas:  []FormulaSummary{},
	}
	names := make([]string, 0, len(rs.Workflows))
	for name := range rs.Workflows {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		w := rs.Workflows[name]
		out.Workflows = append(out.Workflows, WorkflowSummary{
			Name:        w.Name,
			States:      w.States,
			Transitions: len(w.Transitions),
		})
	}
	for _, f := range rs.Formulas {
		out.Formulas = append(out.Formulas, FormulaSummary{
			Kind:    f.Kind,
			Name:    f.Name,
			Formula: f.Body.String(),
		})
	}
	return out
}

type CreateProjectRequest struct {
	ID       string `json:"id"`
	Workflow string `json:"workflow"`
}

type ProjectResponse struct {
	ID        string `json:"id"`
	Workflow  string `json:"workflow"`
	State     string `json:"state"`
	Version   int64  `json:"version"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

func projectResponse(p domain.Project, version int64) ProjectResponse {
	return ProjectResponse{
		ID:        p.ID,
		Workflow:  p.Workflow,
		State:     p.State,
		Version:   version,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}

type UpsertTaskRequest struct {
	Layer     string `json:"layer" enum:"backlog,changelog,journal"`
	Title     string `json:"title,omitempty"`
	Completed bool   `json:"completed" required:"false"`
	Committed bool   `json:"committed" required:"false"`
}

type ProposeTransitionRequest struct {
	To string `json:"to" doc:"Target workflow state"`
}

type ProposeCommitRequest struct {
	ID      string `json:"id"`
	Message string `json:"message,omitempty"`
}

type DecisionResponse struct {
	ID          string   `json:"id"`
	ProjectID   string   `json:"project_id"`
	Kind        string   `json:"kind" enum:"critical,routine"`
	Action      string   `json:"action"`
	Status      string   `json:"status" enum:"proposed,validating,pending_approval,applied,rejected"`
	Reasons     []string `json:"reasons,omitempty"`
	ProposerID  string   `json:"proposer_id"`
	ApproverID  string   `json:"approver_id,omitempty"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
	ResolvedAt  *string  `json:"resolved_at,omitempty" format:"date-time"`
	FromVersion int64    `json:"from_version"`
}

func decisionResponse(d domain.Decision) DecisionResponse {
	return DecisionResponse{
		ID:          d.ID,
		ProjectID:   d.ProjectID,
		Kind:        string(d.Kind),
		Action:      d.Action,
		Status:      string(d.Status),
		Reasons:     d.Reasons,
		ProposerID:  d.ProposerID,
		ApproverID:  d.ApproverID,
		CreatedAt:   d.CreatedAt,
		ResolvedAt:  d.ResolvedAt,
		FromVersion: d.FromVersion,
	}
}

func mapDecisions(items []domain.Decision) []DecisionResponse {
	out := make([]DecisionResponse, len(items))
	for i, d := range items {
		out[i] = decisionResponse(d)
	}
	return out
}

type DenyRequest struct {
	Reason string `json:"reason,omitempty"`
}

type TransitionCheckResponse struct {
	Accepted   bool     `json:"accepted"`
	Unmet      []string `json:"unmet,omitempty"`
	SpecDefect string   `json:"spec_defect,omitempty"`
}

func checkResponse(c validate.TransitionCheck) TransitionCheckResponse {
	return TransitionCheckResponse{
		Accepted:   c.Accepted,
		Unmet:      c.Unmet,
		SpecDefect: c.SpecDefect,
	}
}

type ViolationResponse struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Formula string `json:"formula"`
	Witness string `json:"witness,omitempty"`
}

func mapViolations(items []validate.Violation) []ViolationResponse {
	out := make([]ViolationResponse, len(items))
	for i, v := range items {
		witness := ""
		if v.Witness != nil {
			witness = v.Witness.String()
		}
		out[i] = ViolationResponse{
			Name:    v.Name,
			Kind:    v.Kind,
			Formula: v.Formula,
			Witness: witness,
		}
	}
	return out
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

type APIKeyCreatedResponse struct {
	ID      string `json:"id"`
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
	// Key is returned exactly once at creation; only its hash is stored.
	Key string `json:"key"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

func mapAPIKeys(items []domain.APIKey) []APIKeyResponse {
	out := make([]APIKeyResponse, len(items))
	for i, k := range items {
		out[i] = APIKeyResponse{
			ID:        k.ID,
			ActorID:   k.ActorID,
			Name:      k.Name,
			CreatedAt: k.CreatedAt,
		}
	}
	return out
}
