package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"session-orchestrator/internal/model"
)

func TestErrorsIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("dispatch: %w", Conflict("dispatch", "s1", model.SessionStateIdle))

	assert.True(t, errors.Is(err, ErrConflict))
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, KindConflict, KindOf(err))
	assert.Equal(t, model.SessionStateIdle, StateOf(err))
}

func TestDriverFailureUnwrap(t *testing.T) {
	cause := errors.New("image pull failed")
	err := DriverFailure("provision", "s1", model.SessionStateInit, cause)

	assert.True(t, errors.Is(err, ErrDriverFailure))
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "image pull failed")
	assert.Contains(t, err.Error(), "session s1")
}

func TestKindOfForeignError(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("boom")))
	assert.Equal(t, model.SessionState(""), StateOf(nil))
}
