package db

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"session-orchestrator/internal/config"
	"session-orchestrator/internal/model"
)

func TestOpenSQLiteCreatesParentDirectoryAndMigrates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "sessions.db")

	db, err := Open(config.DatabaseConfig{Driver: "sqlite", DSN: path}, nil)
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	_, err = os.Stat(filepath.Dir(path))
	require.NoError(t, err)

	require.NoError(t, AutoMigrate(db))
	for _, table := range []interface{}{&model.Session{}, &model.Agent{}, &model.SessionAgent{}, &model.SessionMessage{}, &model.AuditEvent{}} {
		assert.True(t, db.Migrator().HasTable(table))
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(config.DatabaseConfig{Driver: "oracle", DSN: "x"}, nil)
	assert.Error(t, err)
}

func TestOpenPostgresRequiresDSN(t *testing.T) {
	_, err := Open(config.DatabaseConfig{Driver: "postgres"}, nil)
	assert.Error(t, err)
}

func TestSQLiteFilePath(t *testing.T) {
	cases := []struct {
		dsn  string
		path string
		ok   bool
	}{
		{":memory:", "", false},
		{"file::memory:?cache=shared", "", false},
		{"data/sessions.db", "data/sessions.db", true},
		{"data/sessions.db?_pragma=busy_timeout(5000)", "data/sessions.db", true},
		{"file:/tmp/x.db?mode=memory", "", false},
		{"file:/tmp/x.db", "/tmp/x.db", true},
	}
	for _, c := range cases {
		path, ok := sqliteFilePath(c.dsn)
		assert.Equal(t, c.ok, ok, c.dsn)
		assert.Equal(t, c.path, path, c.dsn)
	}
}
