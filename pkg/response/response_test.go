package response

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"session-orchestrator/internal/apperr"
	"session-orchestrator/internal/model"
)

func TestStatus(t *testing.T) {
	cases := map[apperr.Kind]int{
		apperr.KindConflict:            http.StatusConflict,
		apperr.KindInvalidTransition:   http.StatusUnprocessableEntity,
		apperr.KindNotFound:            http.StatusNotFound,
		apperr.KindAuthorizationDenied: http.StatusForbidden,
		apperr.KindValidation:          http.StatusBadRequest,
		apperr.KindDriverFailure:       http.StatusBadGateway,
		apperr.Kind("unknown"):         http.StatusInternalServerError,
	}
	for kind, want := range cases {
		got, _ := Status(kind)
		assert.Equal(t, want, got, kind)
	}
}

func TestAppError(t *testing.T) {
	gin.SetMode(gin.TestMode)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	wrapped := apperr.WithOp(apperr.Conflict("transition", "s1", model.SessionStateBusy), "dispatch")
	assert.True(t, AppError(c, wrapped))
	assert.Equal(t, http.StatusConflict, w.Code)

	var body struct {
		Code int         `json:"code"`
		Data ErrorDetail `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, CodeConflict, body.Code)
	assert.Equal(t, apperr.KindConflict, body.Data.Kind)
	assert.Equal(t, model.SessionStateBusy, body.Data.State)
	assert.Equal(t, "s1", body.Data.SessionID)

	// 非编排错误不暴露细节
	w = httptest.NewRecorder()
	c, _ = gin.CreateTestContext(w)
	assert.False(t, AppError(c, errors.New("dial tcp 10.0.0.5:3306: connection refused")))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "10.0.0.5")
}
