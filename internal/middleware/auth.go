// Package middleware 提供 HTTP 请求的中间件
// 包括 JWT 认证、CORS 跨域、日志记录等
package middleware

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"

	"session-orchestrator/internal/authz"
	"session-orchestrator/pkg/jwt"
	"session-orchestrator/pkg/response"
	"session-orchestrator/pkg/util"
)

// 上下文键
const (
	ContextActor    = "actor"
	ContextToken    = "token"
	ContextTokenExp = "token_exp"
)

// TokenBlacklist Token 黑名单，*cache.RedisCache 满足该接口
type TokenBlacklist interface {
	IsTokenBlacklisted(ctx context.Context, tokenHash string) bool
}

// AuthMiddleware 创建 JWT 认证中间件
// 验证请求头中的 Bearer Token，并将调用者身份存入上下文
// 参数:
//   - jwtService: JWT 服务实例，用于解析和验证 Token
//   - blacklist: Token 黑名单，未启用 Redis 时为 nil
//
// 返回:
//   - gin.HandlerFunc: Gin 中间件函数
func AuthMiddleware(jwtService *jwt.JWTService, blacklist TokenBlacklist) gin.HandlerFunc {
	return func(c *gin.Context) {
		// 1. 解析 Bearer Token
		// 格式: "Bearer <token>"
		tokenString, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			response.Unauthorized(c, "缺少认证信息或格式错误")
			c.Abort()
			return
		}

		// 2. 验证签名和过期时间
		claims, err := jwtService.ValidateToken(tokenString)
		if err != nil {
			response.Unauthorized(c, "Token 无效或已过期")
			c.Abort()
			return
		}

		// 3. 检查黑名单（登出后的 Token）
		if blacklist != nil && blacklist.IsTokenBlacklisted(c.Request.Context(), util.HashToken(tokenString)) {
			response.Unauthorized(c, "Token 已失效，请重新登录")
			c.Abort()
			return
		}

		// 4. 存入上下文，后续 Handler 通过 GetActor 获取
		c.Set(ContextActor, ActorFromClaims(claims))
		c.Set(ContextToken, tokenString)
		if claims.ExpiresAt != nil {
			c.Set(ContextTokenExp, claims.ExpiresAt.Time)
		}

		c.Next()
	}
}

// ActorFromClaims 把 Token 声明转换为调用者身份
// 会话 Token 总是 Agent 身份，不能通过声明提升为其他类型
func ActorFromClaims(claims *jwt.ActorClaims) authz.Actor {
	actor := authz.Actor{
		Name:       claims.Name,
		Type:       authz.ActorType(claims.Type),
		Workspaces: claims.Workspaces,
		Admin:      claims.Admin,
		SessionID:  claims.SessionID,
	}
	if claims.Subject == jwt.SubjectSession {
		actor.Type = authz.ActorAgent
		actor.Admin = false
	}
	switch actor.Type {
	case authz.ActorUser, authz.ActorService, authz.ActorAgent:
	default:
		// system 身份只在进程内部使用
		actor.Type = authz.ActorUser
	}
	return actor
}

// GetActor 从上下文获取调用者身份
func GetActor(c *gin.Context) (authz.Actor, bool) {
	v, exists := c.Get(ContextActor)
	if !exists {
		return authz.Actor{}, false
	}
	actor, ok := v.(authz.Actor)
	return actor, ok
}

func bearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
