package websocket

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"session-orchestrator/internal/authz"
	"session-orchestrator/internal/middleware"
	"session-orchestrator/pkg/jwt"
	"session-orchestrator/pkg/response"
	"session-orchestrator/pkg/util"
)

// Handler 处理审计订阅的 WebSocket 连接
type Handler struct {
	hub        *Hub
	jwtService *jwt.JWTService
	blacklist  middleware.TokenBlacklist // 未启用 Redis 时为 nil
	upgrader   websocket.Upgrader
	logger     *slog.Logger
}

// NewHandler 创建 WebSocket Handler
// 参数:
//   - origins: 允许的来源，与 server.cors 一致；为空或包含 "*" 时不检查
func NewHandler(hub *Hub, jwtService *jwt.JWTService, blacklist middleware.TokenBlacklist, origins []string, logger *slog.Logger) *Handler {
	return &Handler{
		hub:        hub,
		jwtService: jwtService,
		blacklist:  blacklist,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(origins),
		},
		logger: logger,
	}
}

// HandleAuditWS 处理审计订阅连接
// 路由: GET /ws/audit
// 参数: token (query parameter) - 访问 Token，会话级 Token 不允许订阅
func (h *Handler) HandleAuditWS(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		response.Unauthorized(c, "需要认证 token")
		return
	}

	claims, err := h.jwtService.ValidateToken(token)
	if err != nil {
		response.Unauthorized(c, "无效的 token")
		return
	}
	if h.blacklist != nil && h.blacklist.IsTokenBlacklisted(c.Request.Context(), util.HashToken(token)) {
		response.Unauthorized(c, "Token 已失效")
		return
	}

	actor := middleware.ActorFromClaims(claims)
	if actor.Type == authz.ActorAgent {
		response.Forbidden(c, "会话 Token 无权订阅审计事件")
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade connection", "error", err)
		return
	}

	client := NewClient(h.hub, conn, actor, h.logger)
	h.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()
}

// RegisterRoutes 注册 WebSocket 路由
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	// token 在 query 中验证，不经过认证中间件
	ws := r.Group("/ws")
	{
		ws.GET("/audit", h.HandleAuditWS)
	}
}

// originChecker 根据允许的来源生成检查函数
func originChecker(origins []string) func(r *http.Request) bool {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		allowed[o] = true
	}
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// 非浏览器客户端不带 Origin
		return origin == "" || allowed[origin]
	}
}
