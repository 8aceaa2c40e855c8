package specgatesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Specgate HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Decision represents a gate outcome.
type Decision struct {
	ID          string   `json:"id"`
	ProjectID   string   `json:"project_id"`
	Kind        string   `json:"kind"`
	Action      string   `json:"action"`
	Status      string   `json:"status"`
	Reasons     []string `json:"reasons,omitempty"`
	ProposerID  string   `json:"proposer_id"`
	ApproverID  string   `json:"approver_id,omitempty"`
	CreatedAt   string   `json:"created_at"`
	ResolvedAt  *string  `json:"resolved_at,omitempty"`
	FromVersion int64    `json:"from_version"`
}

// Task represents the API task model.
type Task struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Layer     string `json:"layer"`
	Title     string `json:"title,omitempty"`
	Completed bool   `json:"completed"`
	Committed bool   `json:"committed"`
}

// Violation names a failed invariant with its witness.
type Violation struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Formula string `json:"formula"`
	Witness string `json:"witness,omitempty"`
}

// TransitionCheck is a dry-run result.
type TransitionCheck struct {
	Accepted   bool     `json:"accepted"`
	Unmet      []string `json:"unmet,omitempty"`
	SpecDefect string   `json:"spec_defect,omitempty"`
}

// Event represents an audit log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// LoadRules activates a ruleset for the project.
func (c *Client) LoadRules(ctx context.Context, source string) error {
	return c.do(ctx, http.MethodPost, c.projectPath("rules"), map[string]string{"source": source}, nil)
}

// UpsertTask creates or moves a task.
func (c *Client) UpsertTask(ctx context.Context, t Task) (Task, error) {
	endpoint := c.projectPath("tasks/" + url.PathEscape(t.ID))
	var resp Task
	err := c.do(ctx, http.MethodPut, endpoint, t, &resp)
	return resp, err
}

// ProposeTransition asks the gate to move the project to a new state.
func (c *Client) ProposeTransition(ctx context.Context, to string) (Decision, error) {
	var resp Decision
	err := c.do(ctx, http.MethodPost, c.projectPath("transitions"), map[string]string{"to": to}, &resp)
	return resp, err
}

// ProposeCommit asks the gate to record a commit.
func (c *Client) ProposeCommit(ctx context.Context, id, message string) (Decision, error) {
	var resp Decision
	err := c.do(ctx, http.MethodPost, c.projectPath("commits"), map[string]string{"id": id, "message": message}, &resp)
	return resp, err
}

// CheckTransition dry-runs a transition without recording anything.
func (c *Client) CheckTransition(ctx context.Context, to string) (TransitionCheck, error) {
	var resp TransitionCheck
	err := c.do(ctx, http.MethodPost, c.projectPath("checks/transition"), map[string]string{"to": to}, &resp)
	return resp, err
}

// Violations returns all currently violated invariants.
func (c *Client) Violations(ctx context.Context) ([]Violation, error) {
	var resp []Violation
	err := c.do(ctx, http.MethodGet, c.projectPath("violations"), nil, &resp)
	return resp, err
}

// GetDecision fetches one decision.
func (c *Client) GetDecision(ctx context.Context, id string) (Decision, error) {
	var resp Decision
	err := c.do(ctx, http.MethodGet, "v0/decisions/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Approve resolves a pending decision and applies its action.
func (c *Client) Approve(ctx context.Context, id string) (Decision, error) {
	var resp Decision
	err := c.do(ctx, http.MethodPost, "v0/decisions/"+url.PathEscape(id)+"/approve", nil, &resp)
	return resp, err
}

// Deny rejects a pending decision.
func (c *Client) Deny(ctx context.Context, id, reason string) (Decision, error) {
	var resp Decision
	err := c.do(ctx, http.MethodPost, "v0/decisions/"+url.PathEscape(id)+"/deny", map[string]string{"reason": reason}, &resp)
	return resp, err
}

// Cancel withdraws a pending decision.
func (c *Client) Cancel(ctx context.Context, id string) (Decision, error) {
	var resp Decision
	err := c.do(ctx, http.MethodPost, "v0/decisions/"+url.PathEscape(id)+"/cancel", nil, &resp)
	return resp, err
}

// Await blocks server-side until the decision resolves or timeout
// expires; the request context cancels the wait.
func (c *Client) Await(ctx context.Context, id string, timeout time.Duration) (Decision, error) {
	endpoint := fmt.Sprintf("v0/decisions/%s/wait?timeout_seconds=%d", url.PathEscape(id), int(timeout.Seconds()))
	var resp Decision
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent audit events.
func (c *Client) Events(ctx context.Context, after int64, limit int) ([]Event, error) {
	endpoint := c.projectPath("events")
	if after > 0 || limit > 0 {
		endpoint = fmt.Sprintf("%s?after=%d&limit=%d", endpoint, after, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
