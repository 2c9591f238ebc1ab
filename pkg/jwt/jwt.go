// Package jwt 提供 JWT Token 的生成和验证功能
// 操作者 Token 用于调用编排 API，会话 Token 注入到容器内供 Agent 回调
package jwt

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// 定义错误类型
var (
	ErrInvalidToken = errors.New("invalid token")     // Token 无效
	ErrExpiredToken = errors.New("token has expired") // Token 已过期
)

// Token 用途
const (
	SubjectAccess  = "access"  // 操作者 Token
	SubjectSession = "session" // 会话内 Agent Token
)

const issuer = "session-orchestrator"

// Identity Token 携带的调用者身份
type Identity struct {
	Name       string   `json:"name"`
	Type       string   `json:"type"` // user / service / agent
	Workspaces []string `json:"workspaces,omitempty"`
	Admin      bool     `json:"admin,omitempty"`
	SessionID  string   `json:"session_id,omitempty"`
}

// ActorClaims JWT 的声明（Payload）
type ActorClaims struct {
	Identity
	jwt.RegisteredClaims
}

// JWTService 提供 JWT 相关操作
type JWTService struct {
	secret        []byte        // JWT 签名密钥
	accessExpire  time.Duration // 操作者 Token 过期时间
	sessionExpire time.Duration // 会话 Token 过期时间
}

// NewJWTService 创建 JWTService 实例
// 参数:
//   - secret: JWT 签名密钥，至少 32 个字符
//   - accessExpire: 操作者 Token 过期时间
//   - sessionExpire: 会话 Token 过期时间
//
// 返回:
//   - *JWTService: JWT 服务实例
func NewJWTService(secret string, accessExpire, sessionExpire time.Duration) *JWTService {
	return &JWTService{
		secret:        []byte(secret),
		accessExpire:  accessExpire,
		sessionExpire: sessionExpire,
	}
}

// GenerateAccessToken 生成操作者 Token
func (s *JWTService) GenerateAccessToken(id Identity) (string, error) {
	return s.sign(id, SubjectAccess, s.accessExpire)
}

// GenerateSessionToken 生成会话 Token
// 只授予会话所在工作空间的 Agent 身份，容器销毁后随过期失效
func (s *JWTService) GenerateSessionToken(sessionID, workspace string) (string, error) {
	return s.sign(Identity{
		Name:       "agent:" + sessionID,
		Type:       "agent",
		Workspaces: []string{workspace},
		SessionID:  sessionID,
	}, SubjectSession, s.sessionExpire)
}

func (s *JWTService) sign(id Identity, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := ActorClaims{
		Identity: id,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   subject,
		},
	}
	// jwt.SigningMethodHS256: 使用 HMAC SHA256 算法签名
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// ValidateToken 验证 Token
// 参数:
//   - tokenString: JWT Token 字符串
//
// 返回:
//   - *ActorClaims: Token 中的声明信息
//   - error: 验证错误（无效或已过期）
func (s *JWTService) ValidateToken(tokenString string) (*ActorClaims, error) {
	return parse(tokenString, s.secret)
}

// GetAccessExpire 获取操作者 Token 过期时间
func (s *JWTService) GetAccessExpire() time.Duration {
	return s.accessExpire
}

// ParseToken 解析 Token（独立函数，供 WebSocket 使用）
func ParseToken(tokenString, secret string) (*ActorClaims, error) {
	return parse(tokenString, []byte(secret))
}

func parse(tokenString string, secret []byte) (*ActorClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &ActorClaims{}, func(token *jwt.Token) (interface{}, error) {
		// 确保使用的是我们期望的算法（HMAC）
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return secret, nil
	}, jwt.WithIssuer(issuer))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*ActorClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
