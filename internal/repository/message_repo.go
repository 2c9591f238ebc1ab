// Package repository 提供数据访问层的实现
package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"session-orchestrator/internal/apperr"
	"session-orchestrator/internal/model"
	"session-orchestrator/pkg/util"
)

// MessageRepository 会话消息数据访问层
// 消息只追加，不修改不删除
type MessageRepository struct {
	db *gorm.DB
}

// NewMessageRepository 创建 MessageRepository 实例
func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// Append 追加一条消息，并在同一事务内刷新会话的 last_activity_at
// 参数:
//   - ctx: 上下文
//   - message: 消息对象，ID 为空时自动生成
//
// 返回:
//   - error: 会话不存在或已删除时返回 apperr.KindNotFound
func (r *MessageRepository) Append(ctx context.Context, message *model.SessionMessage) error {
	if message.ID == "" {
		message.ID = util.NewID()
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(message).Error; err != nil {
			return fmt.Errorf("create message: %w", err)
		}
		// 不修改 version：活动时间不是状态迁移
		result := tx.Model(&model.Session{}).
			Where("id = ? AND deleted_at IS NULL", message.SessionID).
			Update("last_activity_at", message.CreatedAt)
		if result.Error != nil {
			return fmt.Errorf("touch session: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return apperr.NotFound("append_message", message.SessionID)
		}
		return nil
	})
}

// ListBySession 分页获取会话消息
// 按创建时间正序排列（最早的在前）
// 参数:
//   - ctx: 上下文
//   - sessionID: 会话ID
//   - page: 页码，从 1 开始
//   - pageSize: 每页数量
//
// 返回:
//   - []model.SessionMessage: 消息列表
//   - int64: 总数
//   - error: 数据库错误
func (r *MessageRepository) ListBySession(ctx context.Context, sessionID string, page, pageSize int) ([]model.SessionMessage, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&model.SessionMessage{}).
		Where("session_id = ?", sessionID).
		Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page, pageSize = normalizePage(page, pageSize)
	var messages []model.SessionMessage
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC, id ASC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&messages).Error
	return messages, total, err
}
