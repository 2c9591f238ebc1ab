package model

import (
	"time"
)

// AuditEvent 审计事件
// 对应数据库表 audit_events，只写不改
type AuditEvent struct {
	ID         string    `gorm:"primaryKey;size:36" json:"id"`
	Action     string    `gorm:"size:64;not null;index" json:"action"`
	EntityType string    `gorm:"size:32;not null" json:"entity_type"`
	EntityID   string    `gorm:"size:36;not null;index" json:"entity_id"`
	Workspace  string    `gorm:"size:100;index" json:"workspace"`
	Actor      string    `gorm:"size:100;not null" json:"actor"`
	ActorType  string    `gorm:"size:32;not null" json:"actor_type"`
	Timestamp  time.Time `gorm:"not null;index" json:"timestamp"`
	Details    string    `gorm:"type:text" json:"details"`
}

// TableName 指定表名
func (AuditEvent) TableName() string {
	return "audit_events"
}
