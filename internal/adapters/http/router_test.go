package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/liveroom/internal/adapters/signal"
	"github.com/dkeye/liveroom/internal/app/bus"
	"github.com/dkeye/liveroom/internal/app/orch"
	"github.com/dkeye/liveroom/internal/app/presence"
	"github.com/dkeye/liveroom/internal/app/reconnect"
	"github.com/dkeye/liveroom/internal/app/recording"
	"github.com/dkeye/liveroom/internal/app/session"
	"github.com/dkeye/liveroom/internal/config"
	"github.com/dkeye/liveroom/internal/domain"
)

const testSecret = "test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

func token(t *testing.T, uid, name string) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uid,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	b := bus.New(64, nil)
	store := session.NewStore(context.Background(), session.Options{}, b)
	t.Cleanup(store.Close)
	tracker := presence.NewTracker(store, time.Minute)
	backend := &recording.InstantBackend{}
	machine := recording.NewMachine(store, backend, time.Second)
	backend.Confirmer = machine

	o := &orch.Orchestrator{
		Store:     store,
		Presence:  tracker,
		Bus:       b,
		Recording: machine,
		Backend:   backend,
		Reconnect: &reconnect.Handler{Store: store, Presence: tracker, Bus: b, ReplayTimeout: time.Second},
		EndGrace:  time.Minute,
	}
	o.Bind()

	cfg := &config.Config{Mode: "test", Secret: "cookie-secret"}
	r := SetupRouter(context.Background(), cfg, Deps{
		Orch:     o,
		Signal:   signal.NewSignalWSController(o, signal.Options{}),
		Verifier: NewVerifier(testSecret, ""),
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

type apiClient struct {
	t     *testing.T
	srv   *httptest.Server
	token string
}

func (c apiClient) do(method, path string, body any) (int, map[string]any) {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(c.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, c.srv.URL+path, &buf)
	require.NoError(c.t, err)
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.srv.Client().Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(domain.ErrMeetingNotFound))
	assert.Equal(t, http.StatusForbidden, statusFor(domain.NewForbidden("no")))
	assert.Equal(t, http.StatusConflict, statusFor(domain.ErrRejoinDenied))
	assert.Equal(t, http.StatusTooManyRequests, statusFor(domain.NewRateLimited("slow")))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(domain.ErrUnavailable))
	assert.Equal(t, http.StatusInternalServerError, statusFor(assert.AnError))
}

func TestAuthRequired(t *testing.T) {
	srv := newServer(t)

	status, body := apiClient{t: t, srv: srv}.do(http.MethodGet, "/api/meetings", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "unauthorized", errorCode(body))

	status, _ = apiClient{t: t, srv: srv, token: "garbage"}.do(http.MethodGet, "/api/meetings", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = apiClient{t: t, srv: srv}.do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestVerifierRejectsForeignSignature(t *testing.T) {
	v := NewVerifier("other-secret", "")
	_, err := v.Verify(token(t, "u1", "Ann"))
	assert.ErrorIs(t, err, ErrInvalidToken)

	user, err := NewVerifier(testSecret, "").Verify(token(t, "u1", ""))
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("u1"), user.ID)
	assert.Equal(t, "u1", user.Name, "name falls back to the subject")

	_, err = NewVerifier(testSecret, "auth.example.com").Verify(token(t, "u1", "Ann"))
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestMeetingLifecycleOverREST(t *testing.T) {
	srv := newServer(t)
	tutor := apiClient{t: t, srv: srv, token: token(t, "tutor", "Tutor")}
	student := apiClient{t: t, srv: srv, token: token(t, "student", "Student")}

	status, body := tutor.do(http.MethodPost, "/api/meetings", map[string]any{"name": ""})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_field", errorCode(body))

	status, body = tutor.do(http.MethodPost, "/api/meetings", map[string]any{"name": "Algebra"})
	require.Equal(t, http.StatusCreated, status)
	id := body["id"].(string)
	assert.Equal(t, "created", body["state"])

	status, body = tutor.do(http.MethodPost, "/api/meetings/"+id+"/join", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "host", body["participant"].(map[string]any)["role"])

	status, body = student.do(http.MethodPost, "/api/meetings/"+id+"/join", nil)
	require.Equal(t, http.StatusOK, status)
	spid := body["participant"].(map[string]any)["id"].(string)

	status, _ = student.do(http.MethodPatch, "/api/meetings/"+id+"/participants/"+spid+"/status", map[string]bool{"handRaised": true})
	assert.Equal(t, http.StatusNoContent, status)

	status, body = student.do(http.MethodPatch, "/api/meetings/"+id+"/settings", map[string]bool{"allowChat": false})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "forbidden", errorCode(body))

	status, body = tutor.do(http.MethodPatch, "/api/meetings/"+id+"/settings", map[string]bool{"allowChat": false})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["allowChat"])

	status, body = tutor.do(http.MethodGet, "/api/meetings", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["meetings"], 1)

	status, _ = student.do(http.MethodDelete, "/api/meetings/"+id, nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = tutor.do(http.MethodDelete, "/api/meetings/"+id, nil)
	assert.Equal(t, http.StatusNoContent, status)

	status, body = student.do(http.MethodPost, "/api/meetings/"+id+"/join", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "meeting_not_found", errorCode(body))

	status, _ = tutor.do(http.MethodGet, "/api/meetings/nope", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestSocketCarriesEvents(t *testing.T) {
	srv := newServer(t)
	tutor := apiClient{t: t, srv: srv, token: token(t, "tutor", "Tutor")}
	stranger := token(t, "stranger", "Stranger")

	_, body := tutor.do(http.MethodPost, "/api/meetings", map[string]any{"name": "Algebra"})
	id := body["id"].(string)
	status, _ := tutor.do(http.MethodPost, "/api/meetings/"+id+"/join", nil)
	require.Equal(t, http.StatusOK, status)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/meetings/" + id

	_, resp, err := websocket.DefaultDialer.Dial(wsURL+"?token="+stranger, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	ws, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+tutor.token, nil)
	require.NoError(t, err)
	defer ws.Close()

	read := func() map[string]any {
		t.Helper()
		require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
		var frame map[string]any
		require.NoError(t, ws.ReadJSON(&frame))
		return frame
	}

	snap := read()
	assert.Equal(t, "reconnect-snapshot", snap["type"])
	assert.EqualValues(t, 1, snap["v"])

	require.NoError(t, ws.WriteJSON(map[string]any{"type": "chat", "payload": map[string]string{"text": "hello"}}))
	chat := read()
	assert.Equal(t, "chat-message", chat["type"])
	assert.EqualValues(t, 1, chat["seq"])

	require.NoError(t, ws.WriteJSON(map[string]any{"type": "dance", "ref": "r9"}))
	bad := read()
	assert.Equal(t, "error", bad["type"])
	assert.Equal(t, "invalid_field", bad["code"])
	assert.Equal(t, "r9", bad["ref"])

	require.NoError(t, ws.WriteJSON(map[string]any{"type": "ping", "ref": "p1"}))
	assert.Equal(t, map[string]any{"type": "pong", "ref": "p1"}, read())
}
