package engine_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"taskflow/internal/config"
	"taskflow/internal/db"
	"taskflow/internal/docstore"
	"taskflow/internal/domain"
	"taskflow/internal/engine"
	"taskflow/internal/engine/auth"
	"taskflow/internal/events"
	"taskflow/internal/merge"
	"taskflow/internal/migrate"
	"taskflow/internal/repo"
	"taskflow/internal/syncer"
)

var now = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

type testEnv struct {
	Engine engine.Engine
	Remote *docstore.Collection
	Repo   repo.Repo
	Ctx    context.Context
	Events []events.Event
}

// offlineRemote fails every write.
type offlineRemote struct {
	syncer.Remote
}

func (offlineRemote) Set(context.Context, string, docstore.Fields, bool) (docstore.Document, error) {
	return docstore.Document{}, errors.New("offline")
}

func (offlineRemote) Delete(context.Context, string) error { return errors.New("offline") }

func newTestEnv(t *testing.T, viewer domain.Viewer, offline bool) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, conn))

	env := &testEnv{Ctx: ctx, Repo: repo.Repo{DB: conn}}
	env.Remote = docstore.New(docstore.WithClock(func() time.Time { return now })).Collection("tasks")
	var remote syncer.Remote = env.Remote
	if offline {
		remote = offlineRemote{Remote: env.Remote}
	}
	bus := events.NewBus()
	bus.Subscribe(func(e events.Event) { env.Events = append(env.Events, e) })
	log := zaptest.NewLogger(t)
	mgr := syncer.New(env.Repo, remote, syncer.StaticIdentity(viewer), syncer.Options{Logger: log, Events: bus})

	cfg := config.Default()
	env.Engine = engine.New(mgr, cfg, bus, log)
	env.Engine.Now = func() time.Time { return now }
	seq := 0
	env.Engine.NewID = func() string {
		seq++
		return fmt.Sprintf("task-%d", seq)
	}
	return env
}

func (env *testEnv) advanceClock(d time.Duration) {
	at := now.Add(d)
	env.Engine.Now = func() time.Time { return at }
}

var (
	admin  = domain.Viewer{DisplayName: "Root", Email: "root@example.com", Role: domain.RoleAdmin}
	worker = domain.Viewer{DisplayName: "Alice", Email: "alice@example.com", Role: domain.RoleWorker}
)

func TestCreateTaskWritesThrough(t *testing.T) {
	env := newTestEnv(t, worker, false)
	deadline := now.Add(3 * time.Hour)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Title:    "  Replace valve ",
		Detail:   "north wing",
		Assignee: "Alice",
		Location: "  ",
		Deadline: &deadline,
	})
	require.NoError(t, err)
	assert.Equal(t, "task-1", task.ID)
	assert.Equal(t, "Replace valve", task.Title)
	assert.Equal(t, domain.StatusPlanned, task.Status)
	assert.Nil(t, task.LocationName)
	assert.Equal(t, now, task.CreatedAt)
	assert.Equal(t, now, task.UpdatedAt)

	stored, err := env.Repo.Get(env.Ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task, stored)

	doc, err := env.Remote.Get(env.Ctx, task.ID)
	require.NoError(t, err)
	remote, err := syncer.DecodeItem(doc)
	require.NoError(t, err)
	assert.Equal(t, task, remote)
	owner, _ := doc.String(syncer.FieldOwnerEmail)
	assert.Equal(t, "alice@example.com", owner)

	_, err = env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: " "})
	assert.Error(t, err)
}

func TestTaskStatusTransitions(t *testing.T) {
	env := newTestEnv(t, admin, false)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "Do work"})
	require.NoError(t, err)

	_, err = env.Engine.Rewind(env.Ctx, task.ID)
	assert.ErrorIs(t, err, engine.ErrNoTransition)

	want := []domain.Status{domain.StatusTodo, domain.StatusInProgress, domain.StatusReview, domain.StatusDone}
	for i, status := range want {
		env.advanceClock(time.Duration(i+1) * time.Minute)
		task, err = env.Engine.Advance(env.Ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, status, task.Status)
		assert.Equal(t, now.Add(time.Duration(i+1)*time.Minute), task.UpdatedAt)
	}
	_, err = env.Engine.Advance(env.Ctx, task.ID)
	assert.ErrorIs(t, err, engine.ErrNoTransition)

	task, err = env.Engine.Rewind(env.Ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReview, task.Status)

	doc, err := env.Remote.Get(env.Ctx, task.ID)
	require.NoError(t, err)
	status, _ := doc.String(syncer.FieldStatus)
	assert.Equal(t, "review", status)
	created, _ := doc.Time(syncer.FieldCreatedAt)
	assert.Equal(t, now, created)
}

func TestUpdateTask(t *testing.T) {
	env := newTestEnv(t, admin, false)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "Inspect", Assignee: "Bob", Location: "Dock 4"})
	require.NoError(t, err)

	title, clear := "Inspect pump", ""
	env.advanceClock(time.Minute)
	task, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{
		ID:       task.ID,
		Title:    &title,
		Location: &clear,
		Status:   "done",
	})
	require.NoError(t, err)
	assert.Equal(t, "Inspect pump", task.Title)
	assert.Nil(t, task.LocationName)
	assert.Equal(t, "Bob", task.Assignee())
	assert.Equal(t, domain.StatusDone, task.Status)

	doc, err := env.Remote.Get(env.Ctx, task.ID)
	require.NoError(t, err)
	assert.Nil(t, doc.Fields[syncer.FieldLocationName])

	_, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Status: "archived"})
	assert.Error(t, err)
	_, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: "missing", Title: &title})
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestSign(t *testing.T) {
	env := newTestEnv(t, admin, false)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "Handover"})
	require.NoError(t, err)
	_, err = env.Engine.Sign(env.Ctx, task.ID, "  ")
	assert.Error(t, err)

	env.advanceClock(time.Hour)
	task, err = env.Engine.Sign(env.Ctx, task.ID, "M. Kaya")
	require.NoError(t, err)
	assert.True(t, task.Signed())
	assert.Equal(t, now.Add(time.Hour), *task.SignatureAt)
}

func TestSoftDeleteHidesTask(t *testing.T) {
	env := newTestEnv(t, admin, false)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "Old"})
	require.NoError(t, err)

	env.advanceClock(time.Minute)
	deleted, err := env.Engine.SoftDelete(env.Ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, deleted.IsDeleted)

	_, err = env.Engine.GetTask(env.Ctx, task.ID)
	assert.ErrorIs(t, err, repo.ErrNotFound)
	list, err := env.Engine.ListTasks(env.Ctx, engine.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, list)

	doc, err := env.Remote.Get(env.Ctx, task.ID)
	require.NoError(t, err)
	flag, _ := doc.Bool(syncer.FieldIsDeleted)
	assert.True(t, flag)
	updated, _ := doc.Time(syncer.FieldUpdatedAt)
	assert.Equal(t, now.Add(time.Minute), updated)
}

func TestWriteThroughFailureKeepsLocalChange(t *testing.T) {
	env := newTestEnv(t, admin, true)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "Offline"})
	var wte *engine.WriteThroughError
	require.ErrorAs(t, err, &wte)
	assert.Equal(t, task.ID, wte.ID)

	stored, err := env.Repo.Get(env.Ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "Offline", stored.Title)

	_, err = env.Engine.Advance(env.Ctx, task.ID)
	require.ErrorAs(t, err, &wte)
	stored, err = env.Repo.Get(env.Ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusTodo, stored.Status)
}

func TestAdminOnlyOperations(t *testing.T) {
	env := newTestEnv(t, worker, false)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "Keep"})
	require.NoError(t, err)

	var fe auth.ForbiddenError
	err = env.Engine.HardDelete(env.Ctx, task.ID)
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, auth.PermHardDelete, fe.Permission)
	_, err = env.Engine.PurgeAll(env.Ctx)
	require.ErrorAs(t, err, &fe)

	_, err = env.Repo.Get(env.Ctx, task.ID)
	assert.NoError(t, err)
}

func TestHardDeleteAndPurgeAll(t *testing.T) {
	env := newTestEnv(t, admin, false)
	var ids []string
	for i := 0; i < 3; i++ {
		task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: fmt.Sprintf("t%d", i)})
		require.NoError(t, err)
		ids = append(ids, task.ID)
	}

	require.NoError(t, env.Engine.HardDelete(env.Ctx, ids[0]))
	_, err := env.Repo.Get(env.Ctx, ids[0])
	assert.ErrorIs(t, err, repo.ErrNotFound)
	_, err = env.Remote.Get(env.Ctx, ids[0])
	assert.ErrorIs(t, err, docstore.ErrNotFound)

	report, err := env.Engine.PurgeAll(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, engine.PurgeReport{Remote: 2, Local: 2}, report)
	items, err := env.Repo.Fetch(env.Ctx, repo.Filter{})
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Equal(t, "purge_all", env.Events[len(env.Events)-1].Op)
}

func TestPurgeAllKeepsLocalWhenRemoteFails(t *testing.T) {
	env := newTestEnv(t, admin, true)
	_, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "a"})
	require.Error(t, err)
	_, err = env.Remote.Set(env.Ctx, "remote-only", docstore.Fields{"title": "x"}, false)
	require.NoError(t, err)

	_, err = env.Engine.PurgeAll(env.Ctx)
	require.Error(t, err)
	items, err := env.Repo.Fetch(env.Ctx, repo.Filter{})
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestListTasksVisibilityAndSearch(t *testing.T) {
	env := newTestEnv(t, worker, false)
	create := func(title, assignee string, d time.Duration) {
		env.advanceClock(d)
		_, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: title, Assignee: assignee, Location: "Depot"})
		require.NoError(t, err)
	}
	create("Check brakes", "alice", time.Minute)
	create("Wash bus", "Bob", 2*time.Minute)
	create("Refuel", "ALICE", 3*time.Minute)
	create("Unassigned", "", 4*time.Minute)

	list, err := env.Engine.ListTasks(env.Ctx, engine.ListOptions{})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "Refuel", list[0].Title)
	assert.Equal(t, "Check brakes", list[1].Title)

	list, err = env.Engine.ListTasks(env.Ctx, engine.ListOptions{Search: "BRAKE"})
	require.NoError(t, err)
	require.Len(t, list, 1)

	list, err = env.Engine.ListTasks(env.Ctx, engine.ListOptions{Search: "depot", Status: "planned", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	list, err = env.Engine.ListTasks(env.Ctx, engine.ListOptions{Status: "done"})
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = env.Engine.ListTasks(env.Ctx, engine.ListOptions{Status: "nope"})
	assert.Error(t, err)
}

func TestVisible(t *testing.T) {
	bob := "Bob"
	it := domain.WorkItem{AssigneeName: &bob}
	assert.True(t, engine.Visible(admin, it))
	assert.True(t, engine.Visible(domain.Viewer{DisplayName: "bob"}, it))
	assert.False(t, engine.Visible(worker, it))
	assert.False(t, engine.Visible(domain.Viewer{}, domain.WorkItem{}))
	it.IsDeleted = true
	assert.False(t, engine.Visible(admin, it))
}

func TestDashboard(t *testing.T) {
	env := newTestEnv(t, admin, false)
	for _, d := range []time.Duration{-time.Minute, 30 * time.Minute, time.Hour, 3 * time.Hour, 6 * time.Hour, 7 * time.Hour} {
		deadline := now.Add(d)
		_, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: d.String(), Deadline: &deadline})
		require.NoError(t, err)
	}
	_, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "no deadline"})
	require.NoError(t, err)

	dash, err := env.Engine.Dashboard(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, engine.Dashboard{Total: 7, Warning: 2, Critical: 3}, dash)
}

func TestLocalChangesNeverMoveUpdatedAtBackwards(t *testing.T) {
	env := newTestEnv(t, admin, false)
	serverStamp := now.Add(time.Hour)
	tx, err := env.Repo.Begin(env.Ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Insert(env.Ctx, domain.WorkItem{ID: "t1", Title: "Pump", Status: domain.StatusTodo, CreatedAt: now, UpdatedAt: serverStamp}))
	require.NoError(t, tx.Save())
	replica, err := env.Repo.Get(env.Ctx, "t1")
	require.NoError(t, err)

	advanced, err := env.Engine.Advance(env.Ctx, "t1")
	require.NoError(t, err)
	assert.True(t, advanced.UpdatedAt.After(serverStamp))

	doc, err := env.Remote.Get(env.Ctx, "t1")
	require.NoError(t, err)
	pushed, err := syncer.DecodeItem(doc)
	require.NoError(t, err)
	merged, decision := merge.Resolve(pushed, &replica)
	assert.Equal(t, merge.Updated, decision)
	assert.Equal(t, domain.StatusInProgress, merged.Status)

	signed, err := env.Engine.Sign(env.Ctx, "t1", "Root")
	require.NoError(t, err)
	assert.True(t, signed.UpdatedAt.After(advanced.UpdatedAt))
	assert.Equal(t, now, *signed.SignatureAt)

	deleted, err := env.Engine.SoftDelete(env.Ctx, "t1")
	require.NoError(t, err)
	assert.True(t, deleted.UpdatedAt.After(signed.UpdatedAt))
}

func TestCreateTaskDefaultsToUUID(t *testing.T) {
	env := newTestEnv(t, worker, false)
	env.Engine.NewID = nil
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "Replace valve"})
	require.NoError(t, err)
	_, err = uuid.Parse(task.ID)
	assert.NoError(t, err)
}
