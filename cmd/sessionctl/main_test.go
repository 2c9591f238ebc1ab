package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"session-orchestrator/internal/ctlconfig"
	"session-orchestrator/pkg/jwt"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func run(t *testing.T, args ...string) error {
	t.Helper()
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(context.Background())
}

func TestTokenIssueSavesToken(t *testing.T) {
	t.Setenv("SESSIONCTL_TOKEN", "")
	t.Setenv("SESSIONCTL_SERVER_URL", "")
	t.Setenv("JWT_SECRET", "")
	dir := t.TempDir()

	err := run(t, "token", "issue", "--config-dir", dir, "--secret", testSecret,
		"--name", "alice", "--workspace", "team", "--save")
	require.NoError(t, err)

	s, err := ctlconfig.Open(dir)
	require.NoError(t, err)
	assert.Equal(t, "team", s.Get().Server.Workspace)

	claims, err := jwt.ParseToken(s.Get().Auth.AccessToken, testSecret)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Name)
	assert.Equal(t, []string{"team"}, claims.Workspaces)
	assert.Equal(t, jwt.SubjectAccess, claims.Subject)
}

func TestTokenIssueRejectsWeakSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	err := run(t, "token", "issue", "--config-dir", t.TempDir(), "--secret", "short", "--save=false")
	assert.Error(t, err)
}

func TestSessionsListUsesSavedWorkspace(t *testing.T) {
	t.Setenv("SESSIONCTL_TOKEN", "")
	t.Setenv("SESSIONCTL_SERVER_URL", "")
	t.Setenv("JWT_SECRET", "")

	var query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"code":0,"message":"success","data":{"sessions":[],"total":0,"page":1,"page_size":20}}`)
	}))
	defer srv.Close()

	dir := t.TempDir()
	s, err := ctlconfig.Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.SaveToken("tok"))
	require.NoError(t, s.SaveWorkspace("team"))

	require.NoError(t, run(t, "sessions", "list", "--config-dir", dir, "--server", srv.URL, "--state", "READY", "--page", "1", "-o", "json"))
	assert.Equal(t, "page=1&state=READY&workspace=team", query)
}

func TestCommandsRequireToken(t *testing.T) {
	t.Setenv("SESSIONCTL_TOKEN", "")
	t.Setenv("JWT_SECRET", "")
	err := run(t, "sessions", "get", "s1", "--config-dir", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token issue")
}
