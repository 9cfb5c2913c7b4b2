package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/clawdbotmilo/milo-command-center-sub001/internal/domain"
)

// Writer appends domain events to the durable audit table. The in-memory bus ring is
// deliberately not persisted; this table is what `milo log tail` reads.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append records one audit row. The actor comes from the request context when the
// caller was authenticated; local CLI calls leave it empty.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, project, entityID string, payload EventPayload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	var actor string
	if a, ok := domain.ActorFrom(ctx); ok {
		actor = a.Subject
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project,entity_id,actor,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, nullable(project), nullable(entityID), nullable(actor), string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
