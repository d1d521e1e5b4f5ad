package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/tasksync/internal/auth"
	"github.com/ent0n29/tasksync/internal/config"
	"github.com/ent0n29/tasksync/internal/distributor"
	"github.com/ent0n29/tasksync/internal/observability"
	"github.com/ent0n29/tasksync/internal/protocol"
	"github.com/ent0n29/tasksync/internal/session"
	"github.com/ent0n29/tasksync/internal/tasks"
)

const testSecret = "test-secret"

type testServer struct {
	*httptest.Server
	manager  *tasks.Manager
	sessions *session.Registry
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := config.Config{
		SessionIdleTimeout: 2 * time.Minute,
		RequestTimeout:     5 * time.Second,
		OutboxCapacity:     64,
	}
	metrics := observability.NewMetrics("test_httpapi", prometheus.NewRegistry())
	sessions := session.NewRegistry(cfg.SessionIdleTimeout, cfg.OutboxCapacity, metrics)
	dist := distributor.New(sessions, distributor.WithMetrics(metrics))
	manager := tasks.NewManager(tasks.NewMemoryStore(), dist, tasks.WithMetrics(metrics))
	verifier, err := auth.NewHMACVerifier(testSecret, "", "")
	if err != nil {
		t.Fatalf("NewHMACVerifier() error = %v", err)
	}
	srv := New(cfg, manager, sessions, verifier, metrics)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, manager: manager, sessions: sessions}
}

func token(t *testing.T, id auth.Identity) string {
	t.Helper()
	tok, err := auth.SignHMAC(testSecret, id, "", "", time.Hour)
	if err != nil {
		t.Fatalf("SignHMAC() error = %v", err)
	}
	return tok
}

func (ts *testServer) call(t *testing.T, id auth.Identity, method, path string, body any, out any) int {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	if id.ID != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, id))
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	defer res.Body.Close()
	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return res.StatusCode
}

var (
	alice = auth.Identity{ID: "alice", Role: auth.RoleUser}
	bob   = auth.Identity{ID: "bob", Role: auth.RoleUser}
	eve   = auth.Identity{ID: "eve", Role: auth.RoleUser}
	ops   = auth.Identity{ID: "ops", Role: auth.RoleAdmin}
)

func seedWorkspace(t *testing.T, ts *testServer) (tasks.Workspace, tasks.Task) {
	t.Helper()
	var ws tasks.Workspace
	if code := ts.call(t, alice, http.MethodPost, "/v1/workspaces", map[string]string{"name": "Launch"}, &ws); code != http.StatusCreated {
		t.Fatalf("create workspace status = %d", code)
	}
	if code := ts.call(t, alice, http.MethodPost, "/v1/workspaces/"+ws.ID+"/members", map[string]string{"identity_id": bob.ID}, nil); code != http.StatusOK {
		t.Fatalf("add member status = %d", code)
	}
	var task tasks.Task
	if code := ts.call(t, alice, http.MethodPost, "/v1/workspaces/"+ws.ID+"/tasks", map[string]any{"title": "Write docs"}, &task); code != http.StatusCreated {
		t.Fatalf("create task status = %d", code)
	}
	return ws, task
}

func TestHealthAndReady(t *testing.T) {
	ts := newTestServer(t)
	for _, path := range []string{"/healthz", "/readyz"} {
		res, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s error = %v", path, err)
		}
		res.Body.Close()
		if res.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status = %d, want %d", path, res.StatusCode, http.StatusOK)
		}
	}
}

func TestRequiresCredential(t *testing.T) {
	ts := newTestServer(t)
	var body errorResponse
	code := ts.call(t, auth.Identity{}, http.MethodGet, "/v1/notifications", nil, &body)
	if code != http.StatusUnauthorized || body.Code != "unauthenticated" {
		t.Fatalf("status = %d code = %q, want 401 unauthenticated", code, body.Code)
	}
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	ws, task := seedWorkspace(t, ts)

	var updated tasks.Task
	if code := ts.call(t, bob, http.MethodPost, "/v1/tasks/"+task.ID+"/status", map[string]string{"status": "In Progress"}, &updated); code != http.StatusOK {
		t.Fatalf("change status = %d", code)
	}
	if updated.Status != tasks.StatusInProgress {
		t.Fatalf("status = %q", updated.Status)
	}

	var c tasks.Comment
	if code := ts.call(t, bob, http.MethodPost, "/v1/tasks/"+task.ID+"/comments", map[string]string{"content": "on it"}, &c); code != http.StatusCreated {
		t.Fatalf("add comment = %d", code)
	}

	var a tasks.Attachment
	if code := ts.call(t, bob, http.MethodPost, "/v1/tasks/"+task.ID+"/attachments", map[string]any{"file_name": "spec.pdf", "size_bytes": 1024}, &a); code != http.StatusCreated {
		t.Fatalf("add attachment = %d", code)
	}

	var fav favoriteResponse
	if code := ts.call(t, bob, http.MethodPost, "/v1/tasks/"+task.ID+"/favorite", nil, &fav); code != http.StatusOK || !fav.Favorite {
		t.Fatalf("favorite = %d %+v", code, fav)
	}

	var snap tasks.Snapshot
	if code := ts.call(t, bob, http.MethodGet, "/v1/workspaces/"+ws.ID+"/tasks", nil, &snap); code != http.StatusOK {
		t.Fatalf("snapshot = %d", code)
	}
	if len(snap.Tasks) != 1 || len(snap.Tasks[0].Comments) != 1 || len(snap.Tasks[0].Attachments) != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}

	var order tasks.WorkspaceOrder
	if code := ts.call(t, alice, http.MethodPost, "/v1/workspaces/"+ws.ID+"/reorder", map[string][]string{"task_ids": {task.ID}}, &order); code != http.StatusOK {
		t.Fatalf("reorder = %d", code)
	}
}

func TestErrorMapping(t *testing.T) {
	ts := newTestServer(t)
	_, task := seedWorkspace(t, ts)

	cases := []struct {
		name   string
		id     auth.Identity
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"stranger forbidden", eve, http.MethodPost, "/v1/tasks/" + task.ID + "/status", map[string]string{"status": "Completed"}, http.StatusForbidden, "forbidden"},
		{"bad status", bob, http.MethodPost, "/v1/tasks/" + task.ID + "/status", map[string]string{"status": "Done"}, http.StatusBadRequest, "invalid_request"},
		{"unknown task", bob, http.MethodGet, "/v1/tasks/missing", nil, http.StatusNotFound, "not_found"},
		{"empty comment", bob, http.MethodPost, "/v1/tasks/" + task.ID + "/comments", map[string]string{"content": "  "}, http.StatusBadRequest, "invalid_request"},
		{"admin only notify", bob, http.MethodPost, "/v1/admin/notifications", map[string]string{"identity_id": "alice", "type": "info", "message": "x"}, http.StatusForbidden, "forbidden"},
		{"admin only latency", bob, http.MethodGet, "/v1/admin/latency", nil, http.StatusForbidden, "forbidden"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var body errorResponse
			code := ts.call(t, tc.id, tc.method, tc.path, tc.body, &body)
			if code != tc.status || body.Code != tc.code {
				t.Fatalf("status = %d code = %q, want %d %q", code, body.Code, tc.status, tc.code)
			}
		})
	}

	var got tasks.Task
	ts.call(t, alice, http.MethodGet, "/v1/tasks/"+task.ID, nil, &got)
	if got.Status != tasks.StatusPending {
		t.Fatalf("rejected change was written: status = %q", got.Status)
	}
}

func TestNotificationsOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	var n tasks.Notification
	if code := ts.call(t, ops, http.MethodPost, "/v1/admin/notifications", map[string]string{"identity_id": "alice", "type": "reminder", "message": "standup"}, &n); code != http.StatusCreated {
		t.Fatalf("issue = %d", code)
	}
	var list struct {
		Notifications []tasks.Notification `json:"notifications"`
	}
	if code := ts.call(t, alice, http.MethodGet, "/v1/notifications", nil, &list); code != http.StatusOK || len(list.Notifications) != 1 {
		t.Fatalf("list = %d %+v", code, list)
	}
	var read tasks.Notification
	if code := ts.call(t, alice, http.MethodPost, "/v1/notifications/"+n.ID+"/read", nil, &read); code != http.StatusOK || !read.IsRead {
		t.Fatalf("read = %d %+v", code, read)
	}
	var lat observability.StageSnapshot
	if code := ts.call(t, ops, http.MethodGet, "/v1/admin/latency", nil, &lat); code != http.StatusOK {
		t.Fatalf("latency = %d", code)
	}
}

func wsURL(ts *testServer, tok string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/ws?token=" + tok
}

func readFrame(t *testing.T, conn *websocket.Conn) any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	msg, err := protocol.ParseServerMessage(data)
	if err != nil {
		t.Fatalf("ParseServerMessage(%s) error = %v", data, err)
	}
	return msg
}

func TestWebsocketRejectsBadCredentialWithoutUpgrade(t *testing.T) {
	ts := newTestServer(t)
	_, res, err := websocket.DefaultDialer.Dial(wsURL(ts, "garbage"), nil)
	if err == nil {
		t.Fatalf("Dial() succeeded with a bad token")
	}
	if res == nil || res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("handshake response = %+v, want 401", res)
	}
}

func TestWebsocketSubscribeAndReceiveEvents(t *testing.T) {
	ts := newTestServer(t)
	ws, task := seedWorkspace(t, ts)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, token(t, bob)), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	if msg, ok := readFrame(t, conn).(protocol.Connected); !ok || msg.IdentityID != bob.ID {
		t.Fatalf("first frame = %+v, want connected", msg)
	}
	if err := conn.WriteJSON(protocol.Subscribe{Type: protocol.TypeSubscribe, WorkspaceID: ws.ID}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	if msg, ok := readFrame(t, conn).(protocol.Subscribed); !ok || msg.WorkspaceID != ws.ID {
		t.Fatalf("frame = %+v, want subscribed", msg)
	}

	if _, err := ts.manager.ChangeStatus(context.Background(), alice, task.ID, "Completed"); err != nil {
		t.Fatalf("ChangeStatus() error = %v", err)
	}
	first := readFrame(t, conn)
	changed, ok := first.(tasks.TaskStatusChanged)
	if !ok || changed.Status != tasks.StatusCompleted || changed.TaskID != task.ID {
		t.Fatalf("frame = %#v, want task_status_updated", first)
	}
	if _, ok := readFrame(t, conn).(tasks.ActivityAppended); !ok {
		t.Fatalf("second frame is not activity/stream")
	}

	if err := conn.WriteJSON(protocol.Ping{Type: protocol.TypePing}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	if _, ok := readFrame(t, conn).(protocol.Pong); !ok {
		t.Fatalf("want pong")
	}
}

func TestWebsocketSubscribeForbiddenForStranger(t *testing.T) {
	ts := newTestServer(t)
	ws, _ := seedWorkspace(t, ts)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, token(t, eve)), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	readFrame(t, conn)

	if err := conn.WriteJSON(protocol.Subscribe{Type: protocol.TypeSubscribe, WorkspaceID: ws.ID}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	msg, ok := readFrame(t, conn).(protocol.ErrorEvent)
	if !ok || msg.Code != "forbidden" {
		t.Fatalf("frame = %+v, want forbidden error_event", msg)
	}
}

func TestWebsocketFailedReauthEndsSession(t *testing.T) {
	cases := map[string]func(t *testing.T) string{
		"other identity": func(t *testing.T) string { return token(t, eve) },
		"garbage":        func(*testing.T) string { return "garbage-expired-token" },
	}
	for name, credential := range cases {
		t.Run(name, func(t *testing.T) {
			ts := newTestServer(t)
			ws, task := seedWorkspace(t, ts)
			conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, token(t, bob)), nil)
			if err != nil {
				t.Fatalf("Dial() error = %v", err)
			}
			defer conn.Close()
			readFrame(t, conn)
			if err := conn.WriteJSON(protocol.Subscribe{Type: protocol.TypeSubscribe, WorkspaceID: ws.ID}); err != nil {
				t.Fatalf("WriteJSON() error = %v", err)
			}
			if _, ok := readFrame(t, conn).(protocol.Subscribed); !ok {
				t.Fatalf("want subscribed")
			}

			if err := conn.WriteJSON(protocol.Reauth{Type: protocol.TypeReauth, Token: credential(t)}); err != nil {
				t.Fatalf("WriteJSON() error = %v", err)
			}
			msg, ok := readFrame(t, conn).(protocol.ErrorEvent)
			if !ok || msg.Code != "unauthenticated" {
				t.Fatalf("frame = %+v, want unauthenticated error_event", msg)
			}
			if got := ts.sessions.ActiveCount(); got != 0 {
				t.Fatalf("ActiveCount() = %d, want 0 after failed reauth", got)
			}

			if _, err := ts.manager.ChangeStatus(context.Background(), alice, task.ID, "Completed"); err != nil {
				t.Fatalf("ChangeStatus() error = %v", err)
			}
			_ = conn.SetReadDeadline(time.Now().Add(time.Second))
			if _, data, err := conn.ReadMessage(); err == nil {
				t.Fatalf("received %s after failed reauth, want closed connection", data)
			}
		})
	}
}

func TestWebsocketReauthSameIdentityKeepsSession(t *testing.T) {
	ts := newTestServer(t)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, token(t, bob)), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	readFrame(t, conn)

	if err := conn.WriteJSON(protocol.Reauth{Type: protocol.TypeReauth, Token: token(t, bob)}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	if err := conn.WriteJSON(protocol.Ping{Type: protocol.TypePing}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	if _, ok := readFrame(t, conn).(protocol.Pong); !ok {
		t.Fatalf("want pong after successful reauth")
	}
	if got := ts.sessions.ActiveCount(); got != 1 {
		t.Fatalf("ActiveCount() = %d, want 1", got)
	}
}

func TestWebsocketSessionUnregisteredOnClose(t *testing.T) {
	ts := newTestServer(t)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, token(t, bob)), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	readFrame(t, conn)
	if got := ts.sessions.ActiveCount(); got != 1 {
		t.Fatalf("ActiveCount() = %d, want 1", got)
	}
	conn.Close()

	deadline := time.Now().Add(3 * time.Second)
	for ts.sessions.ActiveCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("session not unregistered after close")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
