package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"session-orchestrator/internal/apperr"
	"session-orchestrator/internal/audit"
	"session-orchestrator/internal/authz"
	"session-orchestrator/internal/logger"
	"session-orchestrator/internal/model"
	"session-orchestrator/internal/service"
	ws "session-orchestrator/internal/websocket"
	"session-orchestrator/pkg/jwt"
)

func TestClientRequests(t *testing.T) {
	var got []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = append(got, r.Method+" "+r.URL.RequestURI())
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")

		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/sessions":
			body, _ := io.ReadAll(r.Body)
			var req service.CreateSessionRequest
			require.NoError(t, json.Unmarshal(body, &req))
			assert.Equal(t, "fix", req.Name)
			w.WriteHeader(http.StatusCreated)
			io.WriteString(w, `{"code":0,"message":"success","data":{"id":"s1","state":"INIT"}}`)
		case r.URL.Path == "/api/v1/sessions":
			io.WriteString(w, `{"code":0,"message":"success","data":{"sessions":[{"id":"s1","state":"READY"}],"total":1}}`)
		case r.URL.Path == "/api/v1/sessions/s1/provision":
			io.WriteString(w, `{"code":0,"message":"success","data":{"id":"s1","state":"READY"}}`)
		case r.URL.Path == "/api/v1/sessions/s1" && r.Method == http.MethodDelete:
			io.WriteString(w, `{"code":0,"message":"success","data":{"id":"s1","state":"TERMINATED"}}`)
		case r.URL.Path == "/api/v1/auth/logout":
			io.WriteString(w, `{"code":0,"message":"success"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `{"code":1003,"message":"not found"}`)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "tok")
	ctx := context.Background()

	s, err := c.CreateSession(ctx, service.CreateSessionRequest{Name: "fix", Workspace: "team"})
	require.NoError(t, err)
	assert.Equal(t, "s1", s.ID)

	list, err := c.ListSessions(ctx, ListOptions{Workspace: "team", States: []string{"READY", "BUSY"}})
	require.NoError(t, err)
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, model.SessionStateReady, list.Sessions[0].State)

	s, err = c.Intent(ctx, "s1", "provision")
	require.NoError(t, err)
	assert.Equal(t, model.SessionStateReady, s.State)

	_, err = c.Intent(ctx, "s1", "explode")
	assert.Error(t, err)

	s, err = c.Terminate(ctx, "s1", "no longer needed")
	require.NoError(t, err)
	assert.Equal(t, model.SessionStateTerminated, s.State)

	require.NoError(t, c.Logout(ctx))

	assert.Equal(t, []string{
		"POST /api/v1/sessions",
		"GET /api/v1/sessions?state=READY%2CBUSY&workspace=team",
		"POST /api/v1/sessions/s1/provision",
		"DELETE /api/v1/sessions/s1?reason=no+longer+needed",
		"POST /api/v1/auth/logout",
	}, got)
}

func TestClientDecodesOrchestratorErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		io.WriteString(w, `{"code":1301,"message":"conflict","data":{"kind":"conflict","state":"BUSY","session_id":"s1"}}`)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "tok").Intent(context.Background(), "s1", "dispatch")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, apperr.KindConflict, apiErr.Kind)
	assert.Equal(t, model.SessionStateBusy, apiErr.State)
	assert.True(t, apiErr.Retryable())
	assert.Contains(t, apiErr.Error(), "state=BUSY")
}

func TestWatchAudit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := ws.NewHub(authz.NewClaimsAuthorizer(), logger.Discard())
	go hub.Run(ctx)

	svc := jwt.NewJWTService("0123456789abcdef0123456789abcdef", time.Hour, time.Hour)
	r := gin.New()
	ws.NewHandler(hub, svc, nil, nil, logger.Discard()).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	defer srv.Close()

	token, err := svc.GenerateAccessToken(jwt.Identity{Name: "ops", Type: "user", Workspaces: []string{"team"}})
	require.NoError(t, err)
	c := NewClient(srv.URL, token)

	events := make(chan audit.Event, 64)
	done := make(chan error, 1)
	go func() {
		done <- c.WatchAudit(ctx, ws.SubscribePayload{EntityID: "s2"}, func(e audit.Event) { events <- e })
	}()

	// 订阅条件在服务端异步生效，持续写入直到收到 s2 的事件
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	var got audit.Event
	require.Eventually(t, func() bool {
		_ = hub.Write(ctx, audit.Event{Action: audit.ActionSessionCreate, EntityID: "s1", Workspace: "team"})
		_ = hub.Write(ctx, audit.Event{Action: audit.ActionSessionProvision, EntityID: "s2", Workspace: "team"})
		for {
			select {
			case got = <-events:
				if got.EntityID == "s2" {
					return true
				}
			case <-time.After(20 * time.Millisecond):
				return false
			}
		}
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, audit.ActionSessionProvision, got.Action)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}
}
