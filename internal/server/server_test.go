package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"taskflow/internal/db"
	"taskflow/internal/docstore"
	"taskflow/internal/domain"
	"taskflow/internal/events"
	"taskflow/internal/migrate"
	"taskflow/internal/repo"
	"taskflow/internal/syncer"
	taskflowsdk "taskflow/sdk/go"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Store  *docstore.DB
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := docstore.New()
	handler, err := New(Config{
		Store:     store,
		BasePath:  "/v1",
		Auth:      AuthConfig{JWTSecret: testSecret, AdminEmails: []string{"root@example.com"}},
		Heartbeat: 20 * time.Millisecond,
		Logger:    zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Store:  store,
		client: &http.Client{},
		close: func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			srv.Shutdown(ctx)
			ln.Close()
		},
	}
	t.Cleanup(testSrv.Close)
	return testSrv
}

func token(t *testing.T, name, email string, role domain.Role) string {
	t.Helper()
	req := TokenRequest{Name: name, Email: email, Role: role}
	if email == "" {
		req.Subject = strings.ToLower(name)
	}
	tok, err := IssueToken(testSecret, req, time.Now())
	require.NoError(t, err)
	return tok
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func bearer(tok string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + tok}
}

func TestHealthAndAuth(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(body, &envelope))
	assert.Equal(t, "unauthorized", envelope.Error.Code)

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, bearer("garbage"))
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	forged, err := IssueToken("other-secret", TokenRequest{Email: "root@example.com"}, time.Now())
	require.NoError(t, err)
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, bearer(forged))
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, bearer(token(t, "", "root@example.com", "")))
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var me WhoAmIResponse
	require.NoError(t, json.Unmarshal(body, &me))
	assert.Equal(t, WhoAmIResponse{Subject: "root@example.com", DisplayName: "root", Email: "root@example.com", Role: domain.RoleAdmin}, me)
}

func TestIssueTokenExpiry(t *testing.T) {
	_, err := IssueToken("", TokenRequest{Subject: "a"}, time.Now())
	assert.Error(t, err)
	_, err = IssueToken(testSecret, TokenRequest{}, time.Now())
	assert.Error(t, err)

	old, err := IssueToken(testSecret, TokenRequest{Subject: "alice", Name: "Alice", TTL: time.Minute}, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	_, err = authenticateJWT(old, AuthConfig{JWTSecret: testSecret})
	assert.Error(t, err)

	fresh, err := IssueToken(testSecret, TokenRequest{Subject: "alice", Name: "Alice", TTL: time.Hour}, time.Now())
	require.NoError(t, err)
	p, err := authenticateJWT(fresh, AuthConfig{JWTSecret: testSecret})
	require.NoError(t, err)
	assert.Equal(t, domain.Viewer{DisplayName: "Alice", Role: domain.RoleWorker}, p.Viewer)
}

func TestDocumentLifecycle(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	worker := bearer(token(t, "Alice", "alice@example.com", ""))
	admin := bearer(token(t, "", "root@example.com", ""))
	docURL := srv.URL + "/v1/collections/tasks/documents/t1"

	res, body := doJSON(t, client, http.MethodGet, docURL, nil, worker)
	assert.Equal(t, http.StatusNotFound, res.StatusCode, string(body))

	res, body = doJSON(t, client, http.MethodPut, docURL, map[string]any{
		"fields": map[string]any{"title": "Fix", "updatedAt": map[string]any{"$serverTime": true}},
	}, worker)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var doc docstore.Document
	require.NoError(t, json.Unmarshal(body, &doc))
	_, ok := doc.Time("updatedAt")
	assert.True(t, ok)
	etag := res.Header.Get("ETag")
	assert.Equal(t, `"`+doc.ETag()+`"`, etag)

	res, body = doJSON(t, client, http.MethodPut, docURL+"?merge=true", map[string]any{
		"fields": map[string]any{"status": "todo"},
	}, worker)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	require.NoError(t, json.Unmarshal(body, &doc))
	assert.Equal(t, "Fix", doc.Fields["title"])
	assert.NotEqual(t, etag, res.Header.Get("ETag"))

	res, body = doJSON(t, client, http.MethodPut, srv.URL+"/v1/collections/tasks/documents/t2", map[string]any{
		"fields": map[string]any{"": "x"},
	}, worker)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(body))

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v1/collections/tasks/query", map[string]any{
		"where": map[string]any{"status": "todo"},
	}, worker)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var qr QueryResponse
	require.NoError(t, json.Unmarshal(body, &qr))
	require.Len(t, qr.Documents, 1)
	assert.Equal(t, "t1", qr.Documents[0].ID)

	res, body = doJSON(t, client, http.MethodDelete, docURL, nil, worker)
	assert.Equal(t, http.StatusForbidden, res.StatusCode, string(body))
	res, body = doJSON(t, client, http.MethodDelete, docURL, nil, admin)
	assert.Equal(t, http.StatusNoContent, res.StatusCode, string(body))
	res, _ = doJSON(t, client, http.MethodGet, docURL, nil, admin)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v1/collections", nil, admin)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(body), "tasks")
}

func newClient(srv *testServer, tok string) *taskflowsdk.Client {
	c := taskflowsdk.New(srv.URL, "tasks")
	c.BearerToken = tok
	return c
}

func TestListenStream(t *testing.T) {
	srv := newTestServer(t)
	c := newClient(srv, token(t, "Alice", "", ""))
	ctx := context.Background()
	_, err := c.Set(ctx, "t1", docstore.Fields{"updatedAt": docstore.ServerTimestamp}, false)
	require.NoError(t, err)

	var mu sync.Mutex
	var batches []docstore.Batch
	sub, err := c.Listen(ctx, docstore.Query{OrderBy: "updatedAt"}, func(b docstore.Batch) {
		mu.Lock()
		batches = append(batches, b)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub.Stop()

	_, err = c.Set(ctx, "t2", docstore.Fields{"updatedAt": docstore.ServerTimestamp}, false)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(batches) == 2
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, batches[0].Initial)
	require.Len(t, batches[0].Changes, 1)
	assert.Equal(t, "t1", batches[0].Changes[0].Document.ID)
	assert.Equal(t, docstore.Added, batches[1].Changes[0].Kind)
	assert.Equal(t, "t2", batches[1].Changes[0].Document.ID)
}

func TestListenRejectsBadQuery(t *testing.T) {
	srv := newTestServer(t)
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/collections/tasks/listen?q=%7Bnot-json", nil, bearer(token(t, "A", "", "")))
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

type device struct {
	repo repo.Repo
	mgr  *syncer.Manager
	bus  *events.Bus
}

func newDevice(t *testing.T, srv *testServer, viewer domain.Viewer, role domain.Role) device {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(context.Background(), conn))
	r := repo.Repo{DB: conn}
	bus := events.NewBus()
	client := newClient(srv, token(t, viewer.DisplayName, viewer.Email, role))
	mgr := syncer.New(r, client, syncer.StaticIdentity(viewer), syncer.Options{Logger: zaptest.NewLogger(t), Events: bus})
	t.Cleanup(mgr.StopLive)
	return device{repo: r, mgr: mgr, bus: bus}
}

func TestSyncRoundTripOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	alice := domain.Viewer{DisplayName: "Alice", Email: "alice@example.com", Role: domain.RoleWorker}
	root := domain.Viewer{DisplayName: "Root", Email: "root@example.com", Role: domain.RoleAdmin}
	phone := newDevice(t, srv, alice, "")
	office := newDevice(t, srv, root, "")

	name := "Alice"
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	tx, err := phone.repo.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Insert(ctx, domain.WorkItem{ID: "t1", Title: "Inspect", Status: domain.StatusTodo, AssigneeName: &name, CreatedAt: at, UpdatedAt: at}))
	require.NoError(t, tx.Save())

	report, err := phone.mgr.UploadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Uploaded)

	down, err := office.mgr.DownloadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, down.Applied)
	got, err := office.repo.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "Inspect", got.Title)
	assert.False(t, got.CreatedAt.IsZero())
	assert.True(t, got.UpdatedAt.After(at))

	applied := make(chan events.Event, 8)
	office.bus.Subscribe(func(e events.Event) {
		if e.Type == events.RemoteApplied {
			applied <- e
		}
	})
	require.NoError(t, office.mgr.StartLive(ctx))
	select {
	case <-applied:
	case <-time.After(2 * time.Second):
		t.Fatal("no initial live batch")
	}

	item, err := phone.repo.Get(ctx, "t1")
	require.NoError(t, err)
	item.Status = domain.StatusDone
	item.UpdatedAt = time.Now().UTC()
	require.NoError(t, phone.mgr.Push(ctx, item, true))

	select {
	case ev := <-applied:
		assert.Equal(t, []string{"t1"}, ev.IDs)
	case <-time.After(2 * time.Second):
		t.Fatal("live change not applied")
	}
	got, err = office.repo.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, got.Status)

	office.mgr.StopLive()
	var rerr *syncer.RemoteError
	require.ErrorAs(t, phone.mgr.DeleteRemote(ctx, "t1"), &rerr)
	require.NoError(t, office.mgr.DeleteRemote(ctx, "t1"))
	removed, err := office.mgr.PurgeLocalOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, removed)
}

func TestWebhooksDeliverChanges(t *testing.T) {
	deliveries := make(chan WebhookDelivery, 4)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var d WebhookDelivery
		if assert.NoError(t, json.NewDecoder(r.Body).Decode(&d)) {
			assert.Equal(t, "tasks", r.Header.Get("X-Taskflow-Collection"))
			deliveries <- d
		}
	}))
	defer hook.Close()

	store := docstore.New()
	ctx := context.Background()
	_, err := store.Collection("tasks").Set(ctx, "before", docstore.Fields{"a": "b"}, false)
	require.NoError(t, err)
	stop, err := StartWebhooks(ctx, store, WebhookConfig{URLs: []string{hook.URL}, Collections: []string{"tasks"}, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	defer stop()

	_, err = store.Collection("tasks").Set(ctx, "t1", docstore.Fields{"title": "x"}, false)
	require.NoError(t, err)
	select {
	case d := <-deliveries:
		assert.Equal(t, uint64(1), d.Delivery)
		require.Len(t, d.Batch.Changes, 1)
		assert.Equal(t, "t1", d.Batch.Changes[0].Document.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("webhook not delivered")
	}
}

func TestPutDocumentBindsPath(t *testing.T) {
	srv := newTestServer(t)
	worker := bearer(token(t, "Alice", "alice@example.com", ""))
	res, body := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v1/collections/jobs/documents/j-7", map[string]any{
		"fields": map[string]any{"title": "Weld"},
	}, worker)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))

	doc, err := srv.Store.Collection("jobs").Get(context.Background(), "j-7")
	require.NoError(t, err)
	assert.Equal(t, "Weld", doc.Fields["title"])
	_, err = srv.Store.Collection("tasks").Get(context.Background(), "j-7")
	assert.ErrorIs(t, err, docstore.ErrNotFound)

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/collections/jobs/documents/j-7", nil, worker)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
}

func TestOpenAPIConcurrentRequests(t *testing.T) {
	srv := newTestServer(t)
	tok := token(t, "Alice", "", "")
	var wg sync.WaitGroup
	bodies := make([][]byte, 8)
	for i := range bodies {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/openapi.json", nil)
			if !assert.NoError(t, err) {
				return
			}
			req.Header.Set("Authorization", "Bearer "+tok)
			res, err := srv.Client().Do(req)
			if !assert.NoError(t, err) {
				return
			}
			defer res.Body.Close()
			assert.Equal(t, http.StatusOK, res.StatusCode)
			bodies[i], _ = io.ReadAll(res.Body)
		}()
	}
	wg.Wait()
	for _, b := range bodies {
		assert.Equal(t, bodies[0], b)
	}
	assert.Contains(t, string(bodies[0]), "bearerAuth")
}
