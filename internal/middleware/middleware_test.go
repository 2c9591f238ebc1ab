package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"session-orchestrator/internal/authz"
	"session-orchestrator/pkg/jwt"
	"session-orchestrator/pkg/util"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type setBlacklist map[string]bool

func (s setBlacklist) IsTokenBlacklisted(_ context.Context, hash string) bool {
	return s[hash]
}

func newAuthRouter(t *testing.T, blacklist TokenBlacklist) (*gin.Engine, *jwt.JWTService) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	svc := jwt.NewJWTService(testSecret, time.Hour, time.Hour)
	r := gin.New()
	r.GET("/me", AuthMiddleware(svc, blacklist), func(c *gin.Context) {
		actor, ok := GetActor(c)
		require.True(t, ok)
		c.JSON(http.StatusOK, gin.H{"name": actor.Name, "type": actor.Type, "session_id": actor.SessionID})
	})
	return r, svc
}

func get(r http.Handler, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthMiddleware(t *testing.T) {
	blacklist := setBlacklist{}
	r, svc := newAuthRouter(t, blacklist)

	w := get(r, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = get(r, "garbage")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token, err := svc.GenerateAccessToken(jwt.Identity{Name: "alice", Type: "user", Workspaces: []string{"team"}})
	require.NoError(t, err)
	w = get(r, token)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"name":"alice","type":"user","session_id":""}`, w.Body.String())

	blacklist[util.HashToken(token)] = true
	w = get(r, token)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSessionTokenBecomesAgentActor(t *testing.T) {
	r, svc := newAuthRouter(t, nil)

	token, err := svc.GenerateSessionToken("s1", "team")
	require.NoError(t, err)
	w := get(r, token)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"name":"agent:s1","type":"agent","session_id":"s1"}`, w.Body.String())
}

func TestActorFromClaimsNeverYieldsSystem(t *testing.T) {
	actor := ActorFromClaims(&jwt.ActorClaims{Identity: jwt.Identity{Name: "x", Type: "system"}})
	assert.Equal(t, authz.ActorUser, actor.Type)
}

func TestCORSMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CORSMiddleware(DefaultCORSConfig([]string{"http://localhost:3000"})))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodOptions, "/ping", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))

	req = httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Origin", "http://evil.example")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}
