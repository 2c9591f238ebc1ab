package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"session-orchestrator/internal/middleware"
	"session-orchestrator/pkg/response"
	"session-orchestrator/pkg/util"
)

// TokenRevoker 把 Token 加入黑名单，*cache.RedisCache 满足该接口
type TokenRevoker interface {
	BlacklistToken(ctx context.Context, tokenHash string, expireAt time.Time) error
}

// AuthHandler 认证请求处理器
// Token 由运维工具签发，这里只负责吊销
type AuthHandler struct {
	revoker TokenRevoker // 未启用 Redis 时为 nil
	logger  *slog.Logger
}

// NewAuthHandler 创建 AuthHandler 实例
func NewAuthHandler(revoker TokenRevoker, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{revoker: revoker, logger: logger}
}

// Logout 吊销当前 Token
// @Summary 登出
// @Description 将当前 Token 加入黑名单
// @Tags 认证
// @Security Bearer
// @Produce json
// @Success 200 {object} response.Response
// @Router /api/v1/auth/logout [post]
func (h *AuthHandler) Logout(c *gin.Context) {
	if h.revoker == nil {
		response.ErrorWithCode(c, http.StatusServiceUnavailable, response.CodeInternalError, "未启用 Redis，无法吊销 Token")
		return
	}

	// 从上下文获取 Token 信息（由认证中间件设置）
	token := c.GetString(middleware.ContextToken)
	if token == "" {
		response.BadRequest(c, "无法获取 Token 信息")
		return
	}
	expireAt := c.GetTime(middleware.ContextTokenExp)
	if expireAt.IsZero() {
		response.BadRequest(c, "无法获取 Token 过期时间")
		return
	}

	if err := h.revoker.BlacklistToken(c.Request.Context(), util.HashToken(token), expireAt); err != nil {
		h.logger.Error("failed to revoke token", "error", err)
		response.InternalError(c, "登出失败")
		return
	}
	response.Success(c, nil)
}
