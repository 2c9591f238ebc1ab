package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to SessionState
		want     bool
	}{
		{SessionStateInit, SessionStateReady, true},
		{SessionStateInit, SessionStateError, true},
		{SessionStateInit, SessionStateBusy, false},
		{SessionStateReady, SessionStateBusy, true},
		{SessionStateReady, SessionStateIdle, true},
		{SessionStateReady, SessionStateReady, false},
		{SessionStateBusy, SessionStateReady, true},
		{SessionStateBusy, SessionStateIdle, true},
		{SessionStateIdle, SessionStateReady, true},
		{SessionStateIdle, SessionStateBusy, false},
		{SessionStateError, SessionStateTerminated, true},
		{SessionStateError, SessionStateReady, false},
		{SessionStateTerminated, SessionStateReady, false},
		{SessionStateTerminated, SessionStateTerminated, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, CanTransition(c.from, c.to), "%s -> %s", c.from, c.to)
	}
}

func TestStatePredicates(t *testing.T) {
	for _, s := range []SessionState{SessionStateReady, SessionStateIdle, SessionStateBusy} {
		assert.True(t, s.HoldsContainer(), s)
		assert.False(t, s.IsTerminal(), s)
	}
	for _, s := range []SessionState{SessionStateInit, SessionStateError, SessionStateTerminated} {
		assert.False(t, s.HoldsContainer(), s)
	}
	assert.True(t, SessionStateError.IsTerminal())
	assert.True(t, SessionStateTerminated.IsTerminal())
	assert.False(t, SessionState("PAUSED").Valid())
}

func TestIdleDeadline(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := &Session{WaitingTimeoutSeconds: 5}
	assert.True(t, s.IdleDeadline().IsZero())

	s.StartedAt = &start
	assert.Equal(t, start.Add(5*time.Second), s.IdleDeadline())

	later := start.Add(time.Minute)
	s.LastActivityAt = &later
	assert.Equal(t, later.Add(5*time.Second), s.IdleDeadline())
}
