package model

import (
	"time"
)

// DefaultWorkspace 未指定工作空间时使用
const DefaultWorkspace = "default"

// Agent 可复用的 Agent 行为配置
// 对应数据库表 agents
// 会话只引用 Agent，不拥有它
type Agent struct {
	// ID Agent 唯一标识（UUID）
	ID string `gorm:"primaryKey;size:36" json:"id"`

	// Name 与 Workspace 组合唯一
	Name      string `gorm:"size:100;not null;uniqueIndex:idx_agents_name_workspace" json:"name"`
	Workspace string `gorm:"size:100;not null;uniqueIndex:idx_agents_name_workspace" json:"workspace"`

	Description  *string `gorm:"type:text" json:"description,omitempty"`
	Instructions string  `gorm:"type:text;not null" json:"instructions"`
	Model        string  `gorm:"size:100;not null" json:"model"`

	// 以下字段均为 JSON 数组文本
	Tools          string `gorm:"type:text" json:"-"`
	Routes         string `gorm:"type:text" json:"-"`
	Guardrails     string `gorm:"type:text" json:"-"`
	KnowledgeBases string `gorm:"type:text" json:"-"`

	Active    bool       `gorm:"not null;default:true" json:"active"`
	CreatedAt time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt *time.Time `gorm:"index" json:"deleted_at,omitempty"`
}

// TableName 指定表名
func (Agent) TableName() string {
	return "agents"
}

// Bindable 是否可以被新会话绑定
func (a *Agent) Bindable() bool {
	return a.DeletedAt == nil && a.Active
}
