package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"specgate/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := execer(r, tx).ExecContext(ctx, `INSERT INTO projects(id,workflow,state,version,created_at,updated_at) VALUES (?,?,?,0,?,?)`,
		p.ID, p.Workflow, p.State, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,workflow,state,version,created_at,updated_at FROM projects WHERE id=?`, id)
	var p domain.Project
	var version int64
	err := row.Scan(&p.ID, &p.Workflow, &p.State, &version, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, 0, ErrNotFound
	}
	return p, version, err
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,workflow,state,version,created_at,updated_at FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		var version int64
		if err := rows.Scan(&p.ID, &p.Workflow, &p.State, &version, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// AdvanceProjectState moves the project to a new state and bumps its
// snapshot version, as part of the caller's transaction.
func (r Repo) AdvanceProjectState(ctx context.Context, tx *sql.Tx, id, state, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET state=?, version=version+1, updated_at=? WHERE id=?`, state, updatedAt, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// BumpProjectVersion increments the snapshot version without changing
// state (used for applied commit decisions).
func (r Repo) BumpProjectVersion(ctx context.Context, tx *sql.Tx, id, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET version=version+1, updated_at=? WHERE id=?`, updatedAt, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := execer(r, tx).ExecContext(ctx, `INSERT INTO tasks(id,project_id,layer,title,completed,committed,created_at,updated_at)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET layer=excluded.layer, title=excluded.title, completed=excluded.completed, committed=excluded.committed, updated_at=excluded.updated_at`,
		t.ID, t.ProjectID, string(t.Layer), nullable(t.Title), boolInt(t.Completed), boolInt(t.Committed), t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,project_id,layer,COALESCE(title,''),completed,committed,created_at,updated_at FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

func (r Repo) ListTasks(ctx context.Context, projectID string) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,layer,COALESCE(title,''),completed,committed,created_at,updated_at FROM tasks WHERE project_id=? ORDER BY created_at, id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func scanTask(scan func(...any) error) (domain.Task, error) {
	var t domain.Task
	var layer string
	var completed, committed int
	err := scan(&t.ID, &t.ProjectID, &layer, &t.Title, &completed, &committed, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Layer = domain.Layer(layer)
	t.Completed = completed != 0
	t.Committed = committed != 0
	return t, nil
}

func (r Repo) InsertCommit(ctx context.Context, tx *sql.Tx, c domain.Commit) error {
	var reverts any
	if c.Reverts != nil {
		reverts = *c.Reverts
	}
	_, err := execer(r, tx).ExecContext(ctx, `INSERT INTO commits(id,project_id,message,validated,reverts,created_at) VALUES (?,?,?,?,?,?)`,
		c.ID, c.ProjectID, c.Message, boolInt(c.Validated), reverts, c.CreatedAt)
	return err
}

func (r Repo) ListCommits(ctx context.Context, projectID string) ([]domain.Commit, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,message,validated,reverts,created_at FROM commits WHERE project_id=? ORDER BY created_at, id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Commit
	for rows.Next() {
		var c domain.Commit
		var validated int
		var reverts sql.NullString
		if err := rows.Scan(&c.ID, &c.ProjectID, &c.Message, &validated, &reverts, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Validated = validated != 0
		if reverts.Valid {
			v := reverts.String
			c.Reverts = &v
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// LoadSnapshot assembles the immutable snapshot the evaluator runs
// against: project row plus its tasks and commits, tagged with the
// project's current version.
func (r Repo) LoadSnapshot(ctx context.Context, projectID string) (domain.Snapshot, error) {
	p, version, err := r.GetProject(ctx, projectID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	tasks, err := r.ListTasks(ctx, projectID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	commits, err := r.ListCommits(ctx, projectID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	p.Tasks = tasks
	p.Commits = commits
	return domain.Snapshot{Project: p, Version: version}, nil
}

func (r Repo) InsertDecision(ctx context.Context, tx *sql.Tx, d domain.Decision) error {
	reasons, err := marshalReasons(d.Reasons)
	if err != nil {
		return err
	}
	_, err = execer(r, tx).ExecContext(ctx, `INSERT INTO decisions(id,project_id,kind,action,status,reasons_json,proposer_id,approver_id,created_at,resolved_at,from_version)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.ProjectID, string(d.Kind), d.Action, string(d.Status), reasons, d.ProposerID, nullable(d.ApproverID), d.CreatedAt, nullableTime(d.ResolvedAt), d.FromVersion)
	return err
}

// UpdateDecision persists a status move with its reasons and approver.
func (r Repo) UpdateDecision(ctx context.Context, tx *sql.Tx, d domain.Decision) error {
	reasons, err := marshalReasons(d.Reasons)
	if err != nil {
		return err
	}
	res, err := execer(r, tx).ExecContext(ctx, `UPDATE decisions SET status=?, reasons_json=?, approver_id=?, resolved_at=? WHERE id=?`,
		string(d.Status), reasons, nullable(d.ApproverID), nullableTime(d.ResolvedAt), d.ID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetDecision(ctx context.Context, id string) (domain.Decision, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,project_id,kind,action,status,COALESCE(reasons_json,''),proposer_id,COALESCE(approver_id,''),created_at,resolved_at,from_version FROM decisions WHERE id=?`, id)
	return scanDecision(row.Scan)
}

func (r Repo) ListDecisions(ctx context.Context, projectID string, status domain.DecisionStatus) ([]domain.Decision, error) {
	query := `SELECT id,project_id,kind,action,status,COALESCE(reasons_json,''),proposer_id,COALESCE(approver_id,''),created_at,resolved_at,from_version FROM decisions WHERE project_id=?`
	args := []any{projectID}
	if status != "" {
		query += ` AND status=?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Decision
	for rows.Next() {
		d, err := scanDecision(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func scanDecision(scan func(...any) error) (domain.Decision, error) {
	var d domain.Decision
	var kind, status, reasons string
	var resolved sql.NullString
	err := scan(&d.ID, &d.ProjectID, &kind, &d.Action, &status, &reasons, &d.ProposerID, &d.ApproverID, &d.CreatedAt, &resolved, &d.FromVersion)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.Kind = domain.DecisionKind(kind)
	d.Status = domain.DecisionStatus(status)
	if reasons != "" {
		if err := json.Unmarshal([]byte(reasons), &d.Reasons); err != nil {
			return d, fmt.Errorf("decision %s reasons: %w", d.ID, err)
		}
	}
	if resolved.Valid {
		v := resolved.String
		d.ResolvedAt = &v
	}
	return d, nil
}

// UpsertRuleSource stores the active rule text for a project so serve
// restarts can reload it.
func (r Repo) UpsertRuleSource(ctx context.Context, tx *sql.Tx, projectID, source, updatedAt string) error {
	_, err := execer(r, tx).ExecContext(ctx, `INSERT INTO rule_sources(project_id,source,updated_at) VALUES (?,?,?)
		ON CONFLICT(project_id) DO UPDATE SET source=excluded.source, updated_at=excluded.updated_at`,
		projectID, source, updatedAt)
	return err
}

func (r Repo) GetRuleSource(ctx context.Context, projectID string) (string, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT source FROM rule_sources WHERE project_id=?`, projectID)
	var source string
	err := row.Scan(&source)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return source, err
}

// ListEvents returns audit rows for a project, newest last, after the
// given cursor id.
func (r Repo) ListEvents(ctx context.Context, projectID string, afterID int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE project_id=? AND id>? ORDER BY id LIMIT ?`,
		projectID, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

type execContexter interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func execer(r Repo, tx *sql.Tx) execContexter {
	if tx != nil {
		return tx
	}
	return r.DB
}

func marshalReasons(reasons []string) (any, error) {
	if len(reasons) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(reasons)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableTime(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
