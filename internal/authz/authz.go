// Package authz 定义编排器使用的权限检查接口
// 规则的具体求值不在本系统内，这里只提供基于 Token 声明的默认实现
package authz

import (
	"context"
)

// ActorType 调用者类型
type ActorType string

// 调用者类型常量
const (
	ActorUser    ActorType = "user"    // 人类操作者
	ActorService ActorType = "service" // 服务账号
	ActorAgent   ActorType = "agent"   // 容器内 Agent（会话级 Token）
	ActorSystem  ActorType = "system"  // 编排器内部调用，例如巡检器
)

// Actor 发起操作的主体
type Actor struct {
	Name       string    `json:"name"`
	Type       ActorType `json:"type"`
	Workspaces []string  `json:"workspaces,omitempty"` // 可访问的工作空间，"*" 表示全部
	Admin      bool      `json:"admin,omitempty"`
	SessionID  string    `json:"session_id,omitempty"` // 仅 Agent Token 携带
}

// System 巡检器等内部调用使用的身份
var System = Actor{Name: "supervisor", Type: ActorSystem}

// Action 操作名称
type Action string

// 操作常量
const (
	ActionSessionCreate    Action = "session:create"
	ActionSessionRead      Action = "session:read"
	ActionSessionProvision Action = "session:provision"
	ActionSessionUpdate    Action = "session:update" // dispatch / complete / idle / activate
	ActionSessionTerminate Action = "session:terminate"
	ActionSessionRemix     Action = "session:remix"
	ActionMessageCreate    Action = "message:create"
	ActionMessageRead      Action = "message:read"
	ActionAgentCreate      Action = "agent:create"
	ActionAgentRead        Action = "agent:read"
	ActionAgentDelete      Action = "agent:delete"
	ActionAuditRead        Action = "audit:read"
)

// Authorizer 权限检查
type Authorizer interface {
	CanPerform(ctx context.Context, actor Actor, action Action, workspace string) bool
}

// ClaimsAuthorizer 基于 Token 声明的工作空间授权
// 管理员与系统身份不受限制；Agent 只能操作自己所在会话的消息与读取
type ClaimsAuthorizer struct{}

// NewClaimsAuthorizer 创建 ClaimsAuthorizer
func NewClaimsAuthorizer() *ClaimsAuthorizer {
	return &ClaimsAuthorizer{}
}

// CanPerform 实现 Authorizer
func (a *ClaimsAuthorizer) CanPerform(_ context.Context, actor Actor, action Action, workspace string) bool {
	if actor.Type == ActorSystem || actor.Admin {
		return true
	}
	if actor.Type == ActorAgent {
		switch action {
		case ActionSessionRead, ActionMessageCreate, ActionMessageRead, ActionAgentRead:
		default:
			return false
		}
	}
	for _, ws := range actor.Workspaces {
		if ws == "*" || ws == workspace {
			return true
		}
	}
	return false
}

// AllowAll 放行所有操作，用于本地开发和测试
type AllowAll struct{}

// CanPerform 实现 Authorizer
func (AllowAll) CanPerform(context.Context, Actor, Action, string) bool {
	return true
}

// DenyAll 拒绝所有操作
type DenyAll struct{}

// CanPerform 实现 Authorizer
func (DenyAll) CanPerform(context.Context, Actor, Action, string) bool {
	return false
}
