package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"session-orchestrator/internal/authz"
	"session-orchestrator/internal/config"
	"session-orchestrator/internal/db"
	"session-orchestrator/internal/logger"
	"session-orchestrator/internal/repository"
)

type failingSink struct{}

func (failingSink) Name() string                       { return "failing" }
func (failingSink) Write(context.Context, Event) error { return errors.New("sink down") }

type capturePublisher struct{ payloads [][]byte }

func (p *capturePublisher) PublishAuditEvent(_ context.Context, payload []byte) error {
	p.payloads = append(p.payloads, payload)
	return nil
}

func TestEmitterFansOutAndToleratesSinkFailure(t *testing.T) {
	var logs bytes.Buffer
	log := logger.NewWithWriter(&logs, config.LogConfig{Level: "debug"})

	mem := &MemorySink{}
	pub := &capturePublisher{}
	e := NewEmitter(log, failingSink{}, mem, NewPublishSink(pub))

	actor := authz.Actor{Name: "alice", Type: authz.ActorUser}
	e.Emit(context.Background(), NewEvent(ActionSessionCreate, EntitySession, "s1", "w", actor, map[string]interface{}{"name": "demo"}))

	assert.Equal(t, []string{ActionSessionCreate}, mem.Actions())
	require.Len(t, pub.payloads, 1)
	var decoded Event
	require.NoError(t, json.Unmarshal(pub.payloads[0], &decoded))
	assert.Equal(t, "alice", decoded.Actor)
	assert.Equal(t, authz.ActorUser, decoded.ActorType)
	assert.Contains(t, logs.String(), "audit sink failed")
}

func TestEmitSurvivesCancelledContext(t *testing.T) {
	mem := &MemorySink{}
	e := NewEmitter(logger.Discard(), mem)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e.Emit(ctx, Event{Action: ActionSessionTerminate, EntityID: "s1"})
	events := mem.Events()
	require.Len(t, events, 1)
	assert.False(t, events[0].Timestamp.IsZero())
}

func TestDBSink(t *testing.T) {
	gdb, err := db.Open(config.DatabaseConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "a.db")}, nil)
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(gdb))
	repo := repository.NewAuditRepository(gdb)

	sink := NewDBSink(repo)
	ev := NewEvent(ActionDriverFailure, EntitySession, "s1", "w", authz.System, map[string]interface{}{"error": "pull failed"})
	require.NoError(t, sink.Write(context.Background(), ev))

	rows, err := repo.ListByEntity(context.Background(), "s1", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, ActionDriverFailure, rows[0].Action)
	assert.Equal(t, "system", rows[0].ActorType)
	assert.JSONEq(t, `{"error":"pull failed"}`, rows[0].Details)
}

func TestLogSinkLevels(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(logger.NewWithWriter(&buf, config.LogConfig{Level: "info"}))

	require.NoError(t, sink.Write(context.Background(), Event{Action: ActionSessionConflict}))
	assert.Empty(t, buf.String())

	require.NoError(t, sink.Write(context.Background(), Event{Action: ActionDriverFailure, EntityID: "s1"}))
	assert.Contains(t, buf.String(), `"level":"ERROR"`)
	assert.Contains(t, buf.String(), `"component":"audit"`)
}
