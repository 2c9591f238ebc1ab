// Package model 定义了与数据库表对应的数据结构
package model

import (
	"time"
)

// MessageRole 消息角色
type MessageRole string

// 消息角色常量
const (
	MessageRoleUser   MessageRole = "USER"   // 用户消息
	MessageRoleAgent  MessageRole = "AGENT"  // Agent 响应，必须带 AgentID
	MessageRoleSystem MessageRole = "SYSTEM" // 系统消息
)

// Valid 是否为已知角色
func (r MessageRole) Valid() bool {
	return r == MessageRoleUser || r == MessageRoleAgent || r == MessageRoleSystem
}

// SessionMessage 会话消息
// 对应数据库表 session_messages
// 只追加，不修改；插入时同时刷新所属会话的 last_activity_at
type SessionMessage struct {
	// ID 消息唯一标识（UUID）
	ID string `gorm:"primaryKey;size:36" json:"id"`

	// SessionID 所属会话ID
	SessionID string `gorm:"size:36;not null;index" json:"session_id"`

	// Role 消息角色
	Role MessageRole `gorm:"size:20;not null" json:"role"`

	// Content 消息内容
	Content string `gorm:"type:text;not null" json:"content"`

	// AgentID 角色为 AGENT 时必填
	AgentID *string `gorm:"size:36" json:"agent_id,omitempty"`

	// Metadata JSON 元数据
	Metadata string `gorm:"type:text" json:"-"`

	// CreatedAt 消息创建时间
	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

// TableName 指定表名
func (SessionMessage) TableName() string {
	return "session_messages"
}
