// Package model 定义了与数据库表对应的数据结构
package model

import (
	"time"
)

// SessionState 会话生命周期状态
type SessionState string

// 会话状态常量
const (
	SessionStateInit       SessionState = "INIT"       // 已创建，尚未分配容器
	SessionStateReady      SessionState = "READY"      // 容器运行中，等待工作
	SessionStateIdle       SessionState = "IDLE"       // 长时间无活动，容器可能已停止
	SessionStateBusy       SessionState = "BUSY"       // 正在处理工作
	SessionStateError      SessionState = "ERROR"      // 运行时不可恢复错误（终态）
	SessionStateTerminated SessionState = "TERMINATED" // 已终止并软删除（终态）
)

// transitions 合法的状态迁移表
var transitions = map[SessionState][]SessionState{
	SessionStateInit:  {SessionStateReady, SessionStateError, SessionStateTerminated},
	SessionStateReady: {SessionStateBusy, SessionStateIdle, SessionStateError, SessionStateTerminated},
	SessionStateBusy:  {SessionStateReady, SessionStateIdle, SessionStateError, SessionStateTerminated},
	SessionStateIdle:  {SessionStateReady, SessionStateError, SessionStateTerminated},
	SessionStateError: {SessionStateTerminated},
}

// CanTransition 判断 from -> to 是否为合法迁移
// 相同状态之间不算迁移
func CanTransition(from, to SessionState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Valid 是否为已知状态
func (s SessionState) Valid() bool {
	switch s {
	case SessionStateInit, SessionStateReady, SessionStateIdle,
		SessionStateBusy, SessionStateError, SessionStateTerminated:
		return true
	}
	return false
}

// IsTerminal 终态不再接受除软删除以外的任何迁移
func (s SessionState) IsTerminal() bool {
	return s == SessionStateError || s == SessionStateTerminated
}

// HoldsContainer 该状态下会话是否绑定容器
func (s SessionState) HoldsContainer() bool {
	return s == SessionStateReady || s == SessionStateIdle || s == SessionStateBusy
}

// SupervisedStates 巡检器扫描的状态
var SupervisedStates = []SessionState{SessionStateReady, SessionStateBusy, SessionStateIdle}

// Session 会话模型
// 对应数据库表 sessions
// 一个会话在任意时刻最多绑定一个运行中的容器
type Session struct {
	// ID 会话唯一标识（UUID）
	ID string `gorm:"primaryKey;size:36" json:"id"`

	// Name 会话名称
	Name string `gorm:"size:100;not null" json:"name"`

	// Workspace 所属工作空间（租户）
	Workspace string `gorm:"size:100;not null;index" json:"workspace"`

	// StartingPrompt 用户提供的初始提示词，注入到容器环境变量
	StartingPrompt string `gorm:"type:text" json:"starting_prompt"`

	// State 当前状态，只能由编排器通过 Transition 修改
	State SessionState `gorm:"size:20;not null;index" json:"state"`

	// Version 乐观锁版本号，每次迁移加一
	Version int64 `gorm:"not null;default:1" json:"version"`

	// WaitingTimeoutSeconds 无活动多久后进入 IDLE
	WaitingTimeoutSeconds int `gorm:"not null;default:300" json:"waiting_timeout_seconds"`

	// ContainerID 容器 ID，仅 READY / IDLE / BUSY 时非空
	ContainerID *string `gorm:"size:128" json:"container_id,omitempty"`

	// PersistentVolumeID 持久卷 ID，终止后保留以便 remix
	PersistentVolumeID *string `gorm:"size:128" json:"persistent_volume_id,omitempty"`

	// ParentSessionID remix 来源会话
	ParentSessionID *string `gorm:"size:36;index" json:"parent_session_id,omitempty"`

	// CreatedBy 创建者
	CreatedBy string `gorm:"size:100" json:"created_by"`

	// Metadata 任意 JSON 元数据
	Metadata string `gorm:"type:text" json:"-"`

	CreatedAt         time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	LastActivityAt    *time.Time `gorm:"index" json:"last_activity_at,omitempty"`
	TerminatedAt      *time.Time `json:"terminated_at,omitempty"`
	TerminationReason *string    `gorm:"type:text" json:"termination_reason,omitempty"`

	// DeletedAt 软删除时间
	// 不使用 gorm.DeletedAt：软删除必须经过 Transition，不能由 Delete 隐式完成
	DeletedAt *time.Time `gorm:"index" json:"deleted_at,omitempty"`

	// Agents 绑定的 Agent（按 position 排序）
	Agents []SessionAgent `gorm:"foreignKey:SessionID" json:"agents,omitempty"`
}

// TableName 指定表名
func (Session) TableName() string {
	return "sessions"
}

// IdleDeadline 返回会话应进入 IDLE 的时间点
// 从未有过活动的会话以 StartedAt 为准，都没有时返回零值
func (s *Session) IdleDeadline() time.Time {
	ref := s.LastActivityAt
	if ref == nil {
		ref = s.StartedAt
	}
	if ref == nil {
		return time.Time{}
	}
	return ref.Add(time.Duration(s.WaitingTimeoutSeconds) * time.Second)
}

// IsDeleted 是否已软删除
func (s *Session) IsDeleted() bool {
	return s.DeletedAt != nil
}

// SessionAgent 会话与 Agent 的绑定
// 对应数据库表 session_agents
type SessionAgent struct {
	SessionID string `gorm:"primaryKey;size:36" json:"session_id"`
	AgentID   string `gorm:"primaryKey;size:36" json:"agent_id"`

	// Position 绑定顺序
	Position int `gorm:"not null;default:0" json:"position"`

	// Configuration 会话级别的配置覆盖（JSON）
	Configuration string `gorm:"type:text" json:"configuration"`

	AssignedAt time.Time `gorm:"autoCreateTime" json:"assigned_at"`

	// Agent 绑定的 Agent，已删除的 Agent 仍然可以被加载
	Agent *Agent `gorm:"foreignKey:AgentID" json:"agent,omitempty"`
}

// TableName 指定表名
func (SessionAgent) TableName() string {
	return "session_agents"
}
