package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"taskflow/internal/config"
	"taskflow/internal/domain"
	"taskflow/internal/engine/auth"
	"taskflow/internal/events"
	"taskflow/internal/repo"
	"taskflow/internal/syncer"
)

// Engine applies user mutations to the local store and writes them through
// to the remote. All local access goes through the sync manager so that it
// is serialized with sync rounds.
type Engine struct {
	Sync   *syncer.Manager
	Config *config.Config
	Events *events.Bus
	Log    *zap.Logger
	Now    func() time.Time
	NewID  func() string
}

func New(sync *syncer.Manager, cfg *config.Config, bus *events.Bus, log *zap.Logger) Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return Engine{
		Sync:   sync,
		Config: cfg,
		Events: bus,
		Log:    log,
		Now:    time.Now,
		NewID:  uuid.NewString,
	}
}

// ErrNoTransition is returned by Advance and Rewind at either end of the
// status order.
var ErrNoTransition = errors.New("no adjacent status")

// WriteThroughError reports a mutation that committed locally but did not
// reach the remote. The next upload round repairs it.
type WriteThroughError struct {
	ID  string
	Err error
}

func (e *WriteThroughError) Error() string {
	return fmt.Sprintf("task %s saved locally, remote write failed: %v", e.ID, e.Err)
}

func (e *WriteThroughError) Unwrap() error { return e.Err }

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

// stamp is the updatedAt for a change to a record last updated at prev.
// It never moves backwards, even when the local clock lags a server stamp.
func (e Engine) stamp(prev time.Time) time.Time {
	now := e.now()
	if now.Before(prev) {
		return prev.Add(time.Nanosecond)
	}
	return now
}

func (e Engine) log() *zap.Logger {
	if e.Log == nil {
		return zap.NewNop()
	}
	return e.Log
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	Title    string
	Detail   string
	Assignee string
	Location string
	Deadline *time.Time
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.WorkItem, error) {
	title := strings.TrimSpace(opts.Title)
	if title == "" {
		return domain.WorkItem{}, errors.New("title is required")
	}
	newID := e.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	id := newID()
	now := e.now()
	item := domain.WorkItem{
		ID:           id,
		Title:        title,
		Detail:       strings.TrimSpace(opts.Detail),
		Status:       domain.StatusPlanned,
		AssigneeName: optionalString(opts.Assignee),
		LocationName: optionalString(opts.Location),
		Deadline:     utcPtr(opts.Deadline),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err := e.Sync.Local(ctx, func(tx repo.Tx) error {
		return tx.Insert(ctx, item)
	})
	if err != nil {
		return domain.WorkItem{}, err
	}
	return item, e.writeThrough(ctx, "create", item, false)
}

// TaskUpdateOptions edits a task directly. Nil fields are left unchanged;
// an empty string clears an optional field.
type TaskUpdateOptions struct {
	ID            string
	Title         *string
	Detail        *string
	Assignee      *string
	Location      *string
	Deadline      *time.Time
	ClearDeadline bool
	Status        string
}

func (e Engine) UpdateTask(ctx context.Context, opts TaskUpdateOptions) (domain.WorkItem, error) {
	var status domain.Status
	if opts.Status != "" {
		s, err := domain.ParseStatus(opts.Status)
		if err != nil {
			return domain.WorkItem{}, err
		}
		status = s
	}
	return e.mutate(ctx, "update", opts.ID, func(t *domain.WorkItem) error {
		if opts.Title != nil {
			title := strings.TrimSpace(*opts.Title)
			if title == "" {
				return errors.New("title is required")
			}
			t.Title = title
		}
		if opts.Detail != nil {
			t.Detail = strings.TrimSpace(*opts.Detail)
		}
		if opts.Assignee != nil {
			t.AssigneeName = optionalString(*opts.Assignee)
		}
		if opts.Location != nil {
			t.LocationName = optionalString(*opts.Location)
		}
		switch {
		case opts.ClearDeadline:
			t.Deadline = nil
		case opts.Deadline != nil:
			t.Deadline = utcPtr(opts.Deadline)
		}
		if status != "" {
			t.Status = status
		}
		return nil
	})
}

// Advance moves the task to the next status.
func (e Engine) Advance(ctx context.Context, id string) (domain.WorkItem, error) {
	return e.mutate(ctx, "advance", id, func(t *domain.WorkItem) error {
		next, ok := t.Status.Next()
		if !ok {
			return fmt.Errorf("advance %s from %s: %w", t.ID, t.Status, ErrNoTransition)
		}
		t.Status = next
		return nil
	})
}

// Rewind moves the task to the previous status.
func (e Engine) Rewind(ctx context.Context, id string) (domain.WorkItem, error) {
	return e.mutate(ctx, "rewind", id, func(t *domain.WorkItem) error {
		prev, ok := t.Status.Previous()
		if !ok {
			return fmt.Errorf("rewind %s from %s: %w", t.ID, t.Status, ErrNoTransition)
		}
		t.Status = prev
		return nil
	})
}

// Sign records the signer name and signing time.
func (e Engine) Sign(ctx context.Context, id, signer string) (domain.WorkItem, error) {
	signer = strings.TrimSpace(signer)
	if signer == "" {
		return domain.WorkItem{}, errors.New("signer name is required")
	}
	return e.mutate(ctx, "sign", id, func(t *domain.WorkItem) error {
		at := e.now()
		t.SignatureName = &signer
		t.SignatureAt = &at
		return nil
	})
}

// SoftDelete tombstones the task locally and on the remote.
func (e Engine) SoftDelete(ctx context.Context, id string) (domain.WorkItem, error) {
	var item domain.WorkItem
	err := e.Sync.Local(ctx, func(tx repo.Tx) error {
		t, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		t.IsDeleted = true
		t.UpdatedAt = e.stamp(t.UpdatedAt)
		item = t
		return tx.Insert(ctx, t)
	})
	if err != nil {
		return domain.WorkItem{}, err
	}
	e.publish("delete", item.ID)
	if err := e.Sync.Tombstone(ctx, item.ID, item.UpdatedAt); err != nil {
		e.log().Warn("write-through failed", zap.String("op", "delete"), zap.String("id", item.ID), zap.Error(err))
		return item, &WriteThroughError{ID: item.ID, Err: err}
	}
	return item, nil
}

// HardDelete removes the task from the remote and then from the local
// store. Admin only.
func (e Engine) HardDelete(ctx context.Context, id string) error {
	if err := auth.RequireAdmin(e.Sync.Viewer(), auth.PermHardDelete); err != nil {
		return err
	}
	if err := e.Sync.DeleteRemote(ctx, id); err != nil {
		return err
	}
	err := e.Sync.Local(ctx, func(tx repo.Tx) error {
		err := tx.Delete(ctx, id)
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}
	e.publish("hard_delete", id)
	return nil
}

type PurgeReport struct {
	Remote int `json:"remote"`
	Local  int `json:"local"`
}

// PurgeAll deletes every remote document and every local record. Admin
// only. The local store is left alone if the remote purge fails.
func (e Engine) PurgeAll(ctx context.Context) (PurgeReport, error) {
	var report PurgeReport
	if err := auth.RequireAdmin(e.Sync.Viewer(), auth.PermPurgeAll); err != nil {
		return report, err
	}
	n, err := e.Sync.PurgeRemote(ctx)
	report.Remote = n
	if err != nil {
		return report, err
	}
	err = e.Sync.Local(ctx, func(tx repo.Tx) error {
		items, err := tx.Fetch(ctx, repo.Filter{})
		if err != nil {
			return err
		}
		for _, it := range items {
			if err := tx.Delete(ctx, it.ID); err != nil {
				return err
			}
		}
		report.Local = len(items)
		return nil
	})
	if err != nil {
		return report, err
	}
	e.publish("purge_all", "")
	e.log().Info("purged all tasks", zap.Int("remote", report.Remote), zap.Int("local", report.Local))
	return report, nil
}

// GetTask returns a live task. Tombstoned tasks are reported as not found.
func (e Engine) GetTask(ctx context.Context, id string) (domain.WorkItem, error) {
	var item domain.WorkItem
	err := e.Sync.Local(ctx, func(tx repo.Tx) error {
		t, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		if t.IsDeleted {
			return repo.ErrNotFound
		}
		item = t
		return nil
	})
	return item, err
}

type ListOptions struct {
	Status string
	Search string
	Limit  int
}

// ListTasks returns the tasks visible to the current viewer, newest first.
// Workers see tasks assigned to their display name, ignoring case.
func (e Engine) ListTasks(ctx context.Context, opts ListOptions) ([]domain.WorkItem, error) {
	f := repo.Filter{Deleted: repo.Bool(false), Newest: true}
	if opts.Status != "" {
		s, err := domain.ParseStatus(opts.Status)
		if err != nil {
			return nil, err
		}
		f.Status = s
	}
	var items []domain.WorkItem
	err := e.Sync.Local(ctx, func(tx repo.Tx) error {
		var err error
		items, err = tx.Fetch(ctx, f)
		return err
	})
	if err != nil {
		return nil, err
	}
	viewer := e.Sync.Viewer()
	search := strings.ToLower(strings.TrimSpace(opts.Search))
	out := items[:0]
	for _, it := range items {
		if !Visible(viewer, it) {
			continue
		}
		if search != "" && !matches(it, search) {
			continue
		}
		out = append(out, it)
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	return out, nil
}

// Visible reports whether v may see it in task lists.
func Visible(v domain.Viewer, it domain.WorkItem) bool {
	if it.IsDeleted {
		return false
	}
	if v.IsAdmin() {
		return true
	}
	name := strings.TrimSpace(v.DisplayName)
	return name != "" && strings.EqualFold(strings.TrimSpace(it.Assignee()), name)
}

func matches(it domain.WorkItem, needle string) bool {
	for _, hay := range []string{it.Title, it.Detail, it.Assignee(), it.Location()} {
		if strings.Contains(strings.ToLower(hay), needle) {
			return true
		}
	}
	return false
}

type Dashboard struct {
	Total    int `json:"total"`
	Warning  int `json:"warning"`
	Critical int `json:"critical"`
}

// Dashboard counts the viewer's tasks by SLA state. Overdue tasks count as
// critical.
func (e Engine) Dashboard(ctx context.Context) (Dashboard, error) {
	items, err := e.ListTasks(ctx, ListOptions{})
	if err != nil {
		return Dashboard{}, err
	}
	sla := domain.DefaultSLA
	if e.Config != nil {
		sla = e.Config.Thresholds()
	}
	now := e.now()
	d := Dashboard{Total: len(items)}
	for _, it := range items {
		switch sla.Evaluate(it.Deadline, now) {
		case domain.SLAWarning:
			d.Warning++
		case domain.SLACritical, domain.SLAOverdue:
			d.Critical++
		}
	}
	return d, nil
}

// mutate loads id, applies fn, bumps updatedAt, commits and writes the
// result through with a merge write.
func (e Engine) mutate(ctx context.Context, op, id string, fn func(*domain.WorkItem) error) (domain.WorkItem, error) {
	var item domain.WorkItem
	err := e.Sync.Local(ctx, func(tx repo.Tx) error {
		t, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		if t.IsDeleted {
			return repo.ErrNotFound
		}
		if err := fn(&t); err != nil {
			return err
		}
		t.UpdatedAt = e.stamp(t.UpdatedAt)
		item = t
		return tx.Insert(ctx, t)
	})
	if err != nil {
		return domain.WorkItem{}, err
	}
	return item, e.writeThrough(ctx, op, item, true)
}

func (e Engine) writeThrough(ctx context.Context, op string, item domain.WorkItem, mergeFields bool) error {
	e.publish(op, item.ID)
	if err := e.Sync.Push(ctx, item, mergeFields); err != nil {
		e.log().Warn("write-through failed", zap.String("op", op), zap.String("id", item.ID), zap.Error(err))
		return &WriteThroughError{ID: item.ID, Err: err}
	}
	return nil
}

func (e Engine) publish(op, id string) {
	ev := events.Event{Type: events.TaskChanged, At: e.now(), Op: op}
	if id != "" {
		ev.IDs = []string{id}
		ev.Count = 1
	}
	e.Events.Publish(ev)
}

func optionalString(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
