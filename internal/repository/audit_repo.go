package repository

import (
	"context"

	"gorm.io/gorm"

	"session-orchestrator/internal/model"
	"session-orchestrator/pkg/util"
)

// AuditRepository 审计事件数据访问层
type AuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository 创建 AuditRepository 实例
func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Create 写入一条审计事件
func (r *AuditRepository) Create(ctx context.Context, event *model.AuditEvent) error {
	if event.ID == "" {
		event.ID = util.NewID()
	}
	return r.db.WithContext(ctx).Create(event).Error
}

// ListByEntity 获取实体的审计事件，按时间正序
func (r *AuditRepository) ListByEntity(ctx context.Context, entityID string, limit int) ([]model.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var events []model.AuditEvent
	err := r.db.WithContext(ctx).
		Where("entity_id = ?", entityID).
		Order("timestamp ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}
