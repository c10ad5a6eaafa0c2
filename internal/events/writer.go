package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Writer persists sync events to the sync_log table of the local database.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Entry is one row of the sync log.
type Entry struct {
	ID       int64  `json:"id"`
	TS       string `json:"ts" format:"date-time"`
	Type     string `json:"type"`
	EntityID string `json:"entity_id,omitempty"`
	Payload  string `json:"payload_json"`
}

func (w Writer) Append(ctx context.Context, evtType, entityID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO sync_log(ts,type,entity_id,payload_json) VALUES (?,?,?,?)`,
		ts, evtType, nullable(entityID), string(data))
	return err
}

// Tail returns the latest n entries, newest first, optionally of one type.
func (w Writer) Tail(ctx context.Context, n int, evtType string) ([]Entry, error) {
	var clauses []string
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	query := `SELECT id,ts,type,COALESCE(entity_id,''),payload_json FROM sync_log`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id DESC"
	if n > 0 {
		query += " LIMIT ?"
		args = append(args, n)
	}
	rows, err := w.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// Record appends every event published on b until the returned function is called.
func (w Writer) Record(b *Bus, log *zap.Logger) func() {
	if log == nil {
		log = zap.NewNop()
	}
	return b.Subscribe(func(e Event) {
		payload := EventPayload{"count": e.Count}
		if e.Op != "" {
			payload["op"] = e.Op
		}
		if len(e.IDs) > 0 {
			payload["ids"] = e.IDs
		}
		if e.Initial {
			payload["initial"] = true
		}
		if e.Err != "" {
			payload["error"] = e.Err
		}
		entityID := ""
		if len(e.IDs) == 1 {
			entityID = e.IDs[0]
		}
		if err := w.Append(context.Background(), e.Type, entityID, payload); err != nil {
			log.Warn("sync log append failed", zap.String("type", e.Type), zap.Error(err))
		}
	})
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
