package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"session-orchestrator/internal/apperr"
	"session-orchestrator/internal/model"
	"session-orchestrator/pkg/util"
)

func TestAppendUpdatesLastActivity(t *testing.T) {
	gdb := newTestDB(t)
	sessions := NewSessionRepository(gdb)
	messages := NewMessageRepository(gdb)
	ctx := context.Background()

	s := createSession(t, sessions, "w")
	assert.Nil(t, s.LastActivityAt)

	msg := &model.SessionMessage{SessionID: s.ID, Role: model.MessageRoleUser, Content: "hello"}
	require.NoError(t, messages.Append(ctx, msg))
	require.NoError(t, messages.Append(ctx, &model.SessionMessage{SessionID: s.ID, Role: model.MessageRoleSystem, Content: "ok"}))

	loaded, err := sessions.GetByID(ctx, s.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.LastActivityAt)
	assert.False(t, loaded.LastActivityAt.Before(msg.CreatedAt))
	assert.Equal(t, int64(1), loaded.Version)

	list, total, err := messages.ListBySession(ctx, s.ID, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Equal(t, "hello", list[0].Content)
}

func TestAppendToMissingSessionRollsBack(t *testing.T) {
	gdb := newTestDB(t)
	messages := NewMessageRepository(gdb)
	ctx := context.Background()

	missing := util.NewID()
	err := messages.Append(ctx, &model.SessionMessage{SessionID: missing, Role: model.MessageRoleUser, Content: "x"})
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	list, total, err := messages.ListBySession(ctx, missing, 1, 10)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, list)
}

func TestAgentSoftDeleteFreesName(t *testing.T) {
	agents := NewAgentRepository(newTestDB(t))
	ctx := context.Background()

	a := &model.Agent{Name: "planner", Workspace: "w", Instructions: "plan", Model: "m", Active: true}
	require.NoError(t, agents.Create(ctx, a))

	exists, err := agents.ExistsByName(ctx, "w", "planner")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, agents.SoftDelete(ctx, a.ID))
	assert.ErrorIs(t, agents.SoftDelete(ctx, a.ID), ErrAgentNotFound)

	exists, err = agents.ExistsByName(ctx, "w", "planner")
	require.NoError(t, err)
	assert.False(t, exists)
	require.NoError(t, agents.Create(ctx, &model.Agent{Name: "planner", Workspace: "w", Instructions: "p2", Model: "m"}))

	deleted, err := agents.GetByID(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, deleted.Bindable())

	list, total, err := agents.List(ctx, "w", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, "p2", list[0].Instructions)
}

func TestAuditRepository(t *testing.T) {
	audits := NewAuditRepository(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, audits.Create(ctx, &model.AuditEvent{Action: "session.create", EntityType: "session", EntityID: "s1", Actor: "alice", ActorType: "user"}))
	events, err := audits.ListByEntity(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.NotEmpty(t, events[0].ID)
}
