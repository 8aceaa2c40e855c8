// Package events appends audit records. Every gate verdict writes its
// audit row inside the same transaction as the mutation it records.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Audit event types emitted by the gate.
const (
	TypeDecisionProposed = "decision.proposed"
	TypeDecisionRejected = "decision.rejected"
	TypeDecisionPending  = "decision.pending_approval"
	TypeDecisionApplied  = "decision.applied"
	TypeDecisionDenied   = "decision.denied"
	TypeDecisionCanceled = "decision.canceled"
	TypeDecisionTimeout  = "decision.timeout"
	TypeRulesLoaded      = "rules.loaded"
	TypeProjectInit      = "project.init"
	TypeTaskUpserted     = "task.upserted"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one audit row within tx.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(projectID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
