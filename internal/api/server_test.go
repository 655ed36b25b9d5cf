package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MikeSquared-Agency/intake/internal/collector"
	"github.com/MikeSquared-Agency/intake/internal/marketplace"
	"github.com/MikeSquared-Agency/intake/internal/session"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSessions struct {
	mu     sync.Mutex
	states map[string]session.State
	subs   []chan session.State
	err    error

	// afterGet runs once, outside the lock, after the next Get.
	afterGet func()
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{states: map[string]session.State{
		"sess-1": {SessionID: "sess-1", Locked: collector.NewLockSet(), Phase: session.PhaseCollecting, TurnCount: 2},
	}}
}

func (f *fakeSessions) get(id string) (session.State, error) {
	if f.err != nil {
		return session.State{}, f.err
	}
	st, ok := f.states[id]
	if !ok {
		return session.State{}, session.ErrNotFound
	}
	return st, nil
}

func (f *fakeSessions) save(st session.State) {
	f.states[st.SessionID] = st
	for _, ch := range f.subs {
		select {
		case ch <- st:
		default:
		}
	}
}

func (f *fakeSessions) Start(context.Context) (session.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return session.State{}, f.err
	}
	st := session.State{SessionID: "sess-new", Locked: collector.NewLockSet(), Phase: session.PhaseCollecting}
	f.save(st)
	return st, nil
}

func (f *fakeSessions) Resume(_ context.Context, id string) (session.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.get(id)
}

func (f *fakeSessions) Get(_ context.Context, id string) (session.State, error) {
	f.mu.Lock()
	st, err := f.get(id)
	hook := f.afterGet
	f.afterGet = nil
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	return st, err
}

func (f *fakeSessions) SubmitTurn(_ context.Context, id, text string) (session.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if strings.TrimSpace(text) == "" {
		return session.State{}, session.ErrEmptyMessage
	}
	st, err := f.get(id)
	if err != nil {
		return session.State{}, err
	}
	st.TurnCount += 2
	if strings.Contains(text, "90210") {
		st.Fields.Zipcode = "90210"
	}
	f.save(st)
	return st, nil
}

func (f *fakeSessions) EditField(_ context.Context, id string, field collector.Field, value string) (session.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, err := f.get(id)
	if err != nil {
		return session.State{}, err
	}
	if field == collector.FieldZipcode {
		v, err := collector.ValidateZipcode(value)
		if err != nil {
			return session.State{}, err
		}
		value = v
	}
	st.Fields, st.Locked = collector.RecordManualEdit(st.Fields, st.Locked, field, value)
	f.save(st)
	return st, nil
}

func (f *fakeSessions) SelectService(_ context.Context, id, name string) (session.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, err := f.get(id)
	if err != nil {
		return session.State{}, err
	}
	st.Fields, st.Locked = collector.SelectService(st.Fields, st.Locked, name)
	f.save(st)
	return st, nil
}

func (f *fakeSessions) MatchServices(_ context.Context, keyword string) ([]collector.Service, error) {
	cat := collector.Catalog{
		{ID: "1", Name: "Plumbing", Category: "Home Repair"},
		{ID: "2", Name: "House Cleaning", Category: "Cleaning"},
	}
	return cat.FindMatchingServices(keyword), nil
}

func (f *fakeSessions) Finish(_ context.Context, id string) (session.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, err := f.get(id)
	if err != nil {
		return session.State{}, err
	}
	if !st.Complete() {
		return session.State{}, &session.IncompleteError{Missing: st.Missing()}
	}
	st.Phase = session.PhaseHandedOff
	f.save(st)
	return st, nil
}

func (f *fakeSessions) Reset(_ context.Context, id string) (session.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.get(id); err != nil {
		return session.State{}, err
	}
	delete(f.states, id)
	st := session.State{SessionID: id + "-reset", Locked: collector.NewLockSet(), Phase: session.PhaseCollecting}
	f.save(st)
	return st, nil
}

func (f *fakeSessions) Subscribe(string) (<-chan session.State, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan session.State, 8)
	f.subs = append(f.subs, ch)
	return ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		for i, c := range f.subs {
			if c == ch {
				f.subs = append(f.subs[:i], f.subs[i+1:]...)
				return
			}
		}
	}
}

func (f *fakeSessions) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

type fakeScheduler struct {
	mu        sync.Mutex
	settled   []session.Token
	cancelled []string
}

func (f *fakeScheduler) Settled(id string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settled = append(f.settled, session.Token{SessionID: id, TurnCount: n})
}

func (f *fakeScheduler) Cancel(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
}

func newTestServer(token string) (*Server, *fakeSessions, *fakeScheduler) {
	sessions := newFakeSessions()
	sched := &fakeScheduler{}
	return NewServer(8760, token, sessions, sched, discardLogger()), sessions, sched
}

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	return body
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _ := newTestServer("")

	w := do(t, srv, "GET", "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])
}

func TestStatusEndpoint(t *testing.T) {
	srv, _, _ := newTestServer("secret")

	w := do(t, srv, "GET", "/api/v1/intake/status", "")
	assert.Equal(t, http.StatusOK, w.Code, "status is public")

	body := decode(t, w)
	assert.Equal(t, "intake", body["agent"])
	assert.Equal(t, true, body["background_merge"])
}

func TestNotFoundEndpoint(t *testing.T) {
	srv, _, _ := newTestServer("")

	w := do(t, srv, "GET", "/nonexistent", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStartSession(t *testing.T) {
	srv, _, _ := newTestServer("")

	w := do(t, srv, "POST", "/api/v1/sessions", "")
	require.Equal(t, http.StatusCreated, w.Code)

	body := decode(t, w)
	assert.Equal(t, "sess-new", body["session_id"])
	assert.Equal(t, false, body["complete"])
	assert.Len(t, body["missing"], 4)
	assert.Equal(t, []any{}, body["locked"])
}

func TestGetSession_NotFound(t *testing.T) {
	srv, _, _ := newTestServer("")

	w := do(t, srv, "GET", "/api/v1/sessions/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSubmitTurn_SchedulesRefresh(t *testing.T) {
	srv, _, sched := newTestServer("")

	w := do(t, srv, "POST", "/api/v1/sessions/sess-1/messages", `{"text":"zip 90210"}`)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	fields := body["fields"].(map[string]any)
	assert.Equal(t, "90210", fields["zipcode"])

	assert.Equal(t, []session.Token{{SessionID: "sess-1", TurnCount: 4}}, sched.settled)
}

func TestSubmitTurn_BadRequests(t *testing.T) {
	srv, _, sched := newTestServer("")

	w := do(t, srv, "POST", "/api/v1/sessions/sess-1/messages", `{`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, srv, "POST", "/api/v1/sessions/sess-1/messages", `{"text":"  "}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	assert.Empty(t, sched.settled)
}

func TestSubmitTurn_BackendFailure(t *testing.T) {
	srv, sessions, _ := newTestServer("")
	sessions.err = &marketplace.APIError{Status: 503, Message: "maintenance"}

	w := do(t, srv, "POST", "/api/v1/sessions/sess-1/messages", `{"text":"hello there"}`)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestEditField(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		body   string
		status int
		field  string
	}{
		{"valid zip", "/api/v1/sessions/sess-1/fields/zipcode", `{"value":"90210"}`, http.StatusOK, ""},
		{"invalid zip", "/api/v1/sessions/sess-1/fields/zipcode", `{"value":"abc"}`, http.StatusUnprocessableEntity, "zipcode"},
		{"unknown field", "/api/v1/sessions/sess-1/fields/color", `{"value":"red"}`, http.StatusBadRequest, ""},
		{"unknown session", "/api/v1/sessions/nope/fields/budget", `{"value":"$300"}`, http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _, _ := newTestServer("")

			w := do(t, srv, "PUT", tt.path, tt.body)
			require.Equal(t, tt.status, w.Code)
			if tt.field != "" {
				assert.Equal(t, tt.field, decode(t, w)["field"])
			}
		})
	}
}

func TestEditField_Locks(t *testing.T) {
	srv, _, _ := newTestServer("")

	w := do(t, srv, "PUT", "/api/v1/sessions/sess-1/fields/budget", `{"value":"$300"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []any{"budget"}, decode(t, w)["locked"])
}

func TestSelectService(t *testing.T) {
	srv, _, _ := newTestServer("")

	w := do(t, srv, "POST", "/api/v1/sessions/sess-1/service", `{"name":"Plumbing"}`)
	require.Equal(t, http.StatusOK, w.Code)

	fields := decode(t, w)["fields"].(map[string]any)
	assert.Equal(t, "Plumbing", fields["service"])
}

func TestFinish_Incomplete(t *testing.T) {
	srv, _, _ := newTestServer("")

	do(t, srv, "PUT", "/api/v1/sessions/sess-1/fields/zipcode", `{"value":"90210"}`)
	w := do(t, srv, "POST", "/api/v1/sessions/sess-1/finish", "")
	require.Equal(t, http.StatusConflict, w.Code)

	assert.Equal(t, []any{"service", "budget", "requirements"}, decode(t, w)["missing"])
}

func TestFinish_Complete(t *testing.T) {
	srv, _, sched := newTestServer("")

	for field, value := range map[string]string{
		"service": "Plumbing", "budget": "$300", "zipcode": "90210", "requirements": "weekends",
	} {
		w := do(t, srv, "PUT", "/api/v1/sessions/sess-1/fields/"+field, `{"value":"`+value+`"}`)
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := do(t, srv, "POST", "/api/v1/sessions/sess-1/finish", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "handed_off", body["phase"])
	assert.Equal(t, true, body["complete"])
	assert.Equal(t, []string{"sess-1"}, sched.cancelled)
}

func TestResetSession(t *testing.T) {
	srv, _, sched := newTestServer("")

	w := do(t, srv, "DELETE", "/api/v1/sessions/sess-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "sess-1-reset", decode(t, w)["session_id"])
	assert.Equal(t, []string{"sess-1"}, sched.cancelled)

	w = do(t, srv, "GET", "/api/v1/sessions/sess-1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMatchServices(t *testing.T) {
	srv, _, _ := newTestServer("")

	w := do(t, srv, "GET", "/api/v1/services?q=clean", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, float64(1), body["count"])

	w = do(t, srv, "GET", "/api/v1/services", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []any{}, decode(t, w)["services"])
}

func TestBearerAuth(t *testing.T) {
	srv, _, _ := newTestServer("secret")

	w := do(t, srv, "GET", "/api/v1/sessions/sess-1", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest("GET", "/api/v1/sessions/sess-1", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest("GET", "/api/v1/sessions/sess-1", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	w = do(t, srv, "GET", "/api/v1/sessions/sess-1?token=secret", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSessionWS(t *testing.T) {
	srv, _, sched := newTestServer("")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/sessions/sess-1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() wsOutbound {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var out wsOutbound
		require.NoError(t, conn.ReadJSON(&out))
		return out
	}

	first := read()
	require.Equal(t, "state", first.Type)
	assert.Equal(t, "sess-1", first.State.SessionID)

	require.NoError(t, conn.WriteJSON(wsInbound{Type: "ping"}))
	assert.Equal(t, "pong", read().Type)

	require.NoError(t, conn.WriteJSON(wsInbound{Type: "message", Text: "my zip is 90210"}))
	update := read()
	require.Equal(t, "state", update.Type)
	assert.Equal(t, "90210", update.State.Fields.Zipcode)

	require.NoError(t, conn.WriteJSON(wsInbound{Type: "edit", Field: "zipcode", Value: "nope"}))
	errMsg := read()
	assert.Equal(t, "error", errMsg.Type)
	assert.Equal(t, "invalid_field", errMsg.Code)

	sched.mu.Lock()
	defer sched.mu.Unlock()
	assert.Len(t, sched.settled, 1)
}

func TestSessionWS_TurnDuringConnectIsDelivered(t *testing.T) {
	srv, sessions, _ := newTestServer("")
	sessions.afterGet = func() {
		_, err := sessions.SubmitTurn(context.Background(), "sess-1", "zip 90210")
		assert.NoError(t, err)
	}
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/sessions/sess-1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() wsOutbound {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var out wsOutbound
		require.NoError(t, conn.ReadJSON(&out))
		return out
	}

	first := read()
	require.Equal(t, "state", first.Type)
	assert.Equal(t, 2, first.State.TurnCount)

	next := read()
	require.Equal(t, "state", next.Type)
	assert.Equal(t, 4, next.State.TurnCount)
	assert.Equal(t, "90210", next.State.Fields.Zipcode)
}

func TestSessionWS_UnknownSession(t *testing.T) {
	srv, sessions, _ := newTestServer("")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/sessions/nope/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Zero(t, sessions.subscribers(), "failed connect leaves no subscription")
}
