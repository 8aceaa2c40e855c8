package domain

// Layer is the task layer a Task currently occupies. A task lives in
// exactly one layer at any time.
type Layer string

const (
	LayerBacklog   Layer = "backlog"
	LayerChangelog Layer = "changelog"
	LayerJournal   Layer = "journal"
)

// ValidLayer reports whether l names a known layer.
func ValidLayer(l Layer) bool {
	switch l {
	case LayerBacklog, LayerChangelog, LayerJournal:
		return true
	}
	return false
}

type Task struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Layer     Layer  `json:"layer" enum:"backlog,changelog,journal"`
	Title     string `json:"title,omitempty"`
	Completed bool   `json:"completed"`
	Committed bool   `json:"committed"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type Commit struct {
	ID        string  `json:"id"`
	ProjectID string  `json:"project_id"`
	Message   string  `json:"message"`
	Validated bool    `json:"validated"`
	Reverts   *string `json:"reverts,omitempty"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type Project struct {
	ID        string   `json:"id"`
	Workflow  string   `json:"workflow"`
	State     string   `json:"state"`
	Tasks     []Task   `json:"tasks,omitempty"`
	Commits   []Commit `json:"commits,omitempty"`
	CreatedAt string   `json:"created_at" format:"date-time"`
	UpdatedAt string   `json:"updated_at" format:"date-time"`
}

// Snapshot is a read-only view of a project at a specific version.
// Evaluation never mutates it; hypothetical states are produced by
// WithState, which copies.
type Snapshot struct {
	Project Project `json:"project"`
	Version int64   `json:"version"`
}

// TasksInLayer returns the tasks currently in the given layer.
func (s Snapshot) TasksInLayer(l Layer) []Task {
	var out []Task
	for _, t := range s.Project.Tasks {
		if t.Layer == l {
			out = append(out, t)
		}
	}
	return out
}

// WithState returns a copy of the snapshot with the project state
// replaced, leaving the receiver untouched.
func (s Snapshot) WithState(state string) Snapshot {
	next := s
	next.Project.Tasks = append([]Task(nil), s.Project.Tasks...)
	next.Project.Commits = append([]Commit(nil), s.Project.Commits...)
	next.Project.State = state
	return next
}

// WithTask returns a copy of the snapshot with the task inserted or
// replaced by id, leaving the receiver untouched.
func (s Snapshot) WithTask(t Task) Snapshot {
	next := s
	next.Project.Commits = append([]Commit(nil), s.Project.Commits...)
	tasks := make([]Task, 0, len(s.Project.Tasks)+1)
	replaced := false
	for _, existing := range s.Project.Tasks {
		if existing.ID == t.ID {
			tasks = append(tasks, t)
			replaced = true
			continue
		}
		tasks = append(tasks, existing)
	}
	if !replaced {
		tasks = append(tasks, t)
	}
	next.Project.Tasks = tasks
	return next
}

// DecisionKind distinguishes decisions requiring explicit human
// approval from routine ones.
type DecisionKind string

const (
	DecisionCritical DecisionKind = "critical"
	DecisionRoutine  DecisionKind = "routine"
)

// DecisionStatus is the gate state machine position for one decision.
type DecisionStatus string

const (
	DecisionProposed        DecisionStatus = "proposed"
	DecisionValidating      DecisionStatus = "validating"
	DecisionPendingApproval DecisionStatus = "pending_approval"
	DecisionApplied         DecisionStatus = "applied"
	DecisionRejected        DecisionStatus = "rejected"
)

type Decision struct {
	ID          string         `json:"id"`
	ProjectID   string         `json:"project_id"`
	Kind        DecisionKind   `json:"kind" enum:"critical,routine"`
	Action      string         `json:"action"`
	Status      DecisionStatus `json:"status" enum:"proposed,validating,pending_approval,applied,rejected"`
	Reasons     []string       `json:"reasons,omitempty"`
	ProposerID  string         `json:"proposer_id"`
	ApproverID  string         `json:"approver_id,omitempty"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
	ResolvedAt  *string        `json:"resolved_at,omitempty" format:"date-time"`
	FromVersion int64          `json:"from_version"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
