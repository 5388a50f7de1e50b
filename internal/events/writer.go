package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"shotline/internal/db"
)

// Event types appended by the engine.
const (
	TypeProjectCreated     = "project:created"
	TypeProjectClosed      = "project:closed"
	TypeProjectReopened    = "project:reopened"
	TypeEntityCreated      = "entity:created"
	TypeTaskCreated        = "task:created"
	TypeTaskAssigned       = "task:assigned"
	TypeTaskStatusChanged  = "task:status-changed"
	TypeNamingRuleSet      = "naming-rule:set"
	TypeWorkingFileCreated = "working-file:created"
	TypeOutputFileCreated  = "output-file:created"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append inserts one event row through q, which is the transaction of the
// mutation the event describes. The returned ID is the event's position in
// the append-only log.
func (w Writer) Append(ctx context.Context, q db.DBTX, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) (int64, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal event payload: %w", err)
	}
	res, err := q.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, projectID, entityKind, entityID, actorID, string(data))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}
