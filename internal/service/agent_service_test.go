package service

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"session-orchestrator/internal/apperr"
	"session-orchestrator/internal/audit"
	"session-orchestrator/internal/authz"
)

func TestCreateAgent(t *testing.T) {
	f := newFixture(t, authz.NewClaimsAuthorizer())
	ctx := context.Background()

	agent := f.createAgent(t, "reviewer")
	assert.Equal(t, "team", agent.Workspace)
	assert.True(t, agent.Active)
	assert.Equal(t, `["git"]`, agent.Tools)
	assert.Equal(t, "[]", agent.Routes)

	_, err := f.agents.CreateAgent(ctx, alice, CreateAgentRequest{
		Name: "reviewer", Workspace: "team", Instructions: "x", Model: "m",
	})
	assert.ErrorIs(t, err, apperr.ErrConflict)

	_, err = f.agents.CreateAgent(ctx, alice, CreateAgentRequest{
		Name: "planner", Workspace: "team", Instructions: "x", Model: "m",
		Tools: json.RawMessage(`{"git":true}`),
	})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.agents.CreateAgent(ctx, alice, CreateAgentRequest{
		Name: strings.Repeat("a", 101), Workspace: "team", Instructions: "x", Model: "m",
	})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.agents.CreateAgent(ctx, alice, CreateAgentRequest{
		Name: "planner", Workspace: "ops", Instructions: "x", Model: "m",
	})
	assert.ErrorIs(t, err, apperr.ErrAuthorizationDenied)
}

func TestDeleteAgentKeepsExistingBindings(t *testing.T) {
	f := newFixture(t, authz.NewClaimsAuthorizer())
	ctx := context.Background()
	agent := f.createAgent(t, "reviewer")
	s := f.createSession(t, agent.ID)

	require.NoError(t, f.agents.DeleteAgent(ctx, alice, agent.ID))
	require.NoError(t, f.agents.DeleteAgent(ctx, alice, agent.ID))

	got, err := f.agents.GetAgent(ctx, alice, agent.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.DeletedAt)
	assert.False(t, got.Bindable())

	list, total, err := f.agents.ListAgents(ctx, alice, "team", 1, 20)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, list)

	// 名称已释放
	again := f.createAgent(t, "reviewer")
	assert.NotEqual(t, agent.ID, again.ID)

	// 已有会话仍然可以启动，绑定保持不变
	s = f.provision(t, s.ID)
	require.Len(t, s.Agents, 1)
	assert.Equal(t, agent.ID, s.Agents[0].AgentID)

	_, err = f.agents.GetAgent(ctx, alice, "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	actions := f.sink.Actions()
	assert.Equal(t, 1, count(actions, audit.ActionAgentDelete))
}

func count(items []string, want string) int {
	n := 0
	for _, it := range items {
		if it == want {
			n++
		}
	}
	return n
}
