package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handlers 路由需要的全部处理器
type Handlers struct {
	Sessions *SessionHandler
	Agents   *AgentHandler
	Auth     *AuthHandler
}

// RegisterRoutes 注册 API 路由
// 参数:
//   - router: Gin 引擎
//   - auth: 认证中间件
//   - h: 处理器
func RegisterRoutes(router *gin.Engine, auth gin.HandlerFunc, h Handlers) {
	// 健康检查
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// API v1 路由组，全部需要认证
	v1 := router.Group("/api/v1")
	v1.Use(auth)

	authGroup := v1.Group("/auth")
	{
		authGroup.POST("/logout", h.Auth.Logout)
	}

	sessions := v1.Group("/sessions")
	{
		sessions.POST("", h.Sessions.CreateSession)
		sessions.GET("", h.Sessions.ListSessions)
		sessions.GET("/:id", h.Sessions.GetSession)
		sessions.DELETE("/:id", h.Sessions.Terminate)
		sessions.POST("/:id/provision", h.Sessions.Provision)
		sessions.POST("/:id/dispatch", h.Sessions.Dispatch)
		sessions.POST("/:id/complete", h.Sessions.Complete)
		sessions.POST("/:id/idle", h.Sessions.Idle)
		sessions.POST("/:id/activate", h.Sessions.Activate)
		sessions.POST("/:id/remix", h.Sessions.Remix)
		sessions.POST("/:id/messages", h.Sessions.PostMessage)
		sessions.GET("/:id/messages", h.Sessions.ListMessages)
	}

	agents := v1.Group("/agents")
	{
		agents.POST("", h.Agents.CreateAgent)
		agents.GET("", h.Agents.ListAgents)
		agents.GET("/:id", h.Agents.GetAgent)
		agents.DELETE("/:id", h.Agents.DeleteAgent)
	}
}
