package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type sqlStore struct {
	db *sql.DB
}

func (s *sqlStore) upsert(ctx context.Context, collection string, d Document) error {
	payload, err := json.Marshal(d.Fields)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO documents(collection,id,fields_json,create_time,update_time) VALUES (?,?,?,?,?)
ON CONFLICT(collection,id) DO UPDATE SET fields_json=excluded.fields_json, update_time=excluded.update_time`,
		collection, d.ID, string(payload), d.CreateTime.Format(time.RFC3339Nano), d.UpdateTime.Format(time.RFC3339Nano))
	return err
}

func (s *sqlStore) delete(ctx context.Context, collection, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE collection=? AND id=?`, collection, id)
	return err
}

func (s *sqlStore) loadAll(ctx context.Context) (map[string][]Document, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT collection,id,fields_json,create_time,update_time FROM documents`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string][]Document)
	for rows.Next() {
		var collection, payload, created, updated string
		var d Document
		if err := rows.Scan(&collection, &d.ID, &payload, &created, &updated); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &d.Fields); err != nil {
			return nil, fmt.Errorf("document %s/%s: %w", collection, d.ID, err)
		}
		if d.CreateTime, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("document %s/%s create_time: %w", collection, d.ID, err)
		}
		if d.UpdateTime, err = time.Parse(time.RFC3339Nano, updated); err != nil {
			return nil, fmt.Errorf("document %s/%s update_time: %w", collection, d.ID, err)
		}
		out[collection] = append(out[collection], d)
	}
	return out, rows.Err()
}
