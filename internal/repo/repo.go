package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"taskflow/internal/domain"
)

// Repo is the local store of work items.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// timeLayout is fixed width so that lexical order of the stored text equals time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Filter selects work items. Zero fields do not constrain the result.
type Filter struct {
	ID       string
	Status   domain.Status
	Assignee string
	Deleted  *bool
	// IDs restricts the result to a previously fetched id set. A non-nil
	// empty slice matches nothing.
	IDs []string
	// Newest orders by updated_at descending instead of ascending.
	Newest bool
	Limit  int
}

// Tx is a unit of work on the local store. Nothing is visible to other
// readers until Save; Rollback after Save is a no-op.
type Tx interface {
	Fetch(ctx context.Context, f Filter) ([]domain.WorkItem, error)
	Get(ctx context.Context, id string) (domain.WorkItem, error)
	Insert(ctx context.Context, item domain.WorkItem) error
	Delete(ctx context.Context, id string) error
	Save() error
	Rollback() error
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const selectColumns = `SELECT id,title,detail,status,assignee_name,location_name,deadline,created_at,updated_at,is_deleted,signature_name,signature_at FROM work_items`

func Bool(v bool) *bool { return &v }

func (r Repo) Fetch(ctx context.Context, f Filter) ([]domain.WorkItem, error) {
	return fetch(ctx, r.DB, f)
}

func (r Repo) Get(ctx context.Context, id string) (domain.WorkItem, error) {
	return get(ctx, r.DB, id)
}

// Begin opens a transaction. Callers serialize access; the store does not lock.
func (r Repo) Begin(ctx context.Context) (Tx, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqlTx{tx: tx}, nil
}

type sqlTx struct {
	tx *sql.Tx
}

func (t *sqlTx) Fetch(ctx context.Context, f Filter) ([]domain.WorkItem, error) {
	return fetch(ctx, t.tx, f)
}

func (t *sqlTx) Get(ctx context.Context, id string) (domain.WorkItem, error) {
	return get(ctx, t.tx, id)
}

func (t *sqlTx) Insert(ctx context.Context, w domain.WorkItem) error {
	if strings.TrimSpace(w.ID) == "" {
		return errors.New("work item id required")
	}
	_, err := t.tx.ExecContext(ctx, `INSERT INTO work_items(id,title,detail,status,assignee_name,location_name,deadline,created_at,updated_at,is_deleted,signature_name,signature_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET title=excluded.title, detail=excluded.detail, status=excluded.status,
assignee_name=excluded.assignee_name, location_name=excluded.location_name, deadline=excluded.deadline,
created_at=excluded.created_at, updated_at=excluded.updated_at, is_deleted=excluded.is_deleted,
signature_name=excluded.signature_name, signature_at=excluded.signature_at`,
		w.ID, w.Title, w.Detail, string(w.Status), nullableStringPtr(w.AssigneeName), nullableStringPtr(w.LocationName),
		nullableTime(w.Deadline), formatTime(w.CreatedAt), formatTime(w.UpdatedAt), w.IsDeleted,
		nullableStringPtr(w.SignatureName), nullableTime(w.SignatureAt))
	return err
}

func (t *sqlTx) Delete(ctx context.Context, id string) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM work_items WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *sqlTx) Save() error {
	return t.tx.Commit()
}

func (t *sqlTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

func get(ctx context.Context, q queryer, id string) (domain.WorkItem, error) {
	items, err := fetch(ctx, q, Filter{ID: id})
	if err != nil {
		return domain.WorkItem{}, err
	}
	if len(items) == 0 {
		return domain.WorkItem{}, ErrNotFound
	}
	return items[0], nil
}

func fetch(ctx context.Context, q queryer, f Filter) ([]domain.WorkItem, error) {
	var clauses []string
	var args []any
	if f.ID != "" {
		clauses = append(clauses, "id=?")
		args = append(args, f.ID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	if f.Assignee != "" {
		clauses = append(clauses, "assignee_name=?")
		args = append(args, f.Assignee)
	}
	if f.Deleted != nil {
		clauses = append(clauses, "is_deleted=?")
		args = append(args, *f.Deleted)
	}
	if f.IDs != nil {
		if len(f.IDs) == 0 {
			return nil, nil
		}
		clauses = append(clauses, "id IN ("+strings.TrimSuffix(strings.Repeat("?,", len(f.IDs)), ",")+")")
		for _, id := range f.IDs {
			args = append(args, id)
		}
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}
	order := " ORDER BY updated_at ASC, id ASC"
	if f.Newest {
		order = " ORDER BY updated_at DESC, id DESC"
	}
	query := selectColumns + where + order
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		w, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

func scanItem(rows *sql.Rows) (domain.WorkItem, error) {
	var w domain.WorkItem
	var status, createdAt, updatedAt string
	var assignee, location, deadline, sigName, sigAt sql.NullString
	if err := rows.Scan(&w.ID, &w.Title, &w.Detail, &status, &assignee, &location, &deadline,
		&createdAt, &updatedAt, &w.IsDeleted, &sigName, &sigAt); err != nil {
		return w, err
	}
	w.Status = domain.Status(status)
	if assignee.Valid {
		w.AssigneeName = &assignee.String
	}
	if location.Valid {
		w.LocationName = &location.String
	}
	if sigName.Valid {
		w.SignatureName = &sigName.String
	}
	var err error
	if w.CreatedAt, err = parseTime(createdAt); err != nil {
		return w, fmt.Errorf("work item %s created_at: %w", w.ID, err)
	}
	if w.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return w, fmt.Errorf("work item %s updated_at: %w", w.ID, err)
	}
	if w.Deadline, err = parseNullTime(deadline); err != nil {
		return w, fmt.Errorf("work item %s deadline: %w", w.ID, err)
	}
	if w.SignatureAt, err = parseNullTime(sigAt); err != nil {
		return w, fmt.Errorf("work item %s signature_at: %w", w.ID, err)
	}
	return w, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid {
		return nil, nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
