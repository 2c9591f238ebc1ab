// Package repository 提供数据访问层的实现
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"session-orchestrator/internal/apperr"
	"session-orchestrator/internal/model"
	"session-orchestrator/pkg/util"
)

// SessionRepository 会话数据访问层
// 会话状态只能通过 Transition 修改，不提供物理删除
type SessionRepository struct {
	db *gorm.DB
}

// NewSessionRepository 创建 SessionRepository 实例
func NewSessionRepository(db *gorm.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// SessionFilter 会话列表过滤条件
type SessionFilter struct {
	Workspace       string               // 为空时不过滤
	States          []model.SessionState // 为空时不过滤
	CreatedBy       string
	ParentSessionID string
	Page            int // 从 1 开始
	PageSize        int
}

// TransitionFields 状态迁移时一并写入的字段
// nil 表示不修改
type TransitionFields struct {
	ContainerID        *string
	ClearContainer     bool // 置空 container_id
	PersistentVolumeID *string
	StartedAt          *time.Time
	LastActivityAt     *time.Time
	TerminatedAt       *time.Time
	TerminationReason  *string
	DeletedAt          *time.Time

	// ExpectedVersion 大于 0 时额外比较版本号
	ExpectedVersion int64
}

// Create 创建新会话及其 Agent 绑定
// 会话总是以 INIT 状态、版本号 1 写入
// 参数:
//   - ctx: 上下文
//   - session: 会话对象，ID 为空时自动生成
//   - bindings: Agent 绑定，SessionID 会被自动填充
//
// 返回:
//   - error: 数据库错误
func (r *SessionRepository) Create(ctx context.Context, session *model.Session, bindings []model.SessionAgent) error {
	if session.ID == "" {
		session.ID = util.NewID()
	}
	if session.Workspace == "" {
		session.Workspace = model.DefaultWorkspace
	}
	session.State = model.SessionStateInit
	session.Version = 1
	session.Agents = nil

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Create(session).Error; err != nil {
			return err
		}
		for i := range bindings {
			bindings[i].SessionID = session.ID
			bindings[i].Agent = nil
		}
		if len(bindings) > 0 {
			if err := tx.Create(&bindings).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	session.Agents = bindings
	return nil
}

// GetByID 根据 ID 获取会话
// 已软删除的会话仍然可以读取
// 参数:
//   - ctx: 上下文
//   - id: 会话ID
//
// 返回:
//   - *model.Session: 会话对象
//   - error: 未找到时返回 apperr.KindNotFound
func (r *SessionRepository) GetByID(ctx context.Context, id string) (*model.Session, error) {
	var session model.Session
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("get", id)
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &session, nil
}

// GetWithAgents 获取会话及其 Agent 绑定（按 position 排序）
// 已删除的 Agent 也会被加载，保证已有会话可以继续运行
func (r *SessionRepository) GetWithAgents(ctx context.Context, id string) (*model.Session, error) {
	var session model.Session
	err := r.db.WithContext(ctx).
		Preload("Agents", func(db *gorm.DB) *gorm.DB {
			return db.Order("position ASC")
		}).
		Preload("Agents.Agent").
		Where("id = ?", id).
		Take(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("get", id)
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &session, nil
}

// List 分页获取会话，永远不返回已软删除的会话
// 参数:
//   - ctx: 上下文
//   - filter: 过滤条件
//
// 返回:
//   - []model.Session: 会话列表，按创建时间倒序
//   - int64: 总数
//   - error: 数据库错误
func (r *SessionRepository) List(ctx context.Context, filter SessionFilter) ([]model.Session, int64, error) {
	query := r.db.WithContext(ctx).Model(&model.Session{}).Where("deleted_at IS NULL")
	if filter.Workspace != "" {
		query = query.Where("workspace = ?", filter.Workspace)
	}
	if len(filter.States) > 0 {
		query = query.Where("state IN ?", filter.States)
	}
	if filter.CreatedBy != "" {
		query = query.Where("created_by = ?", filter.CreatedBy)
	}
	if filter.ParentSessionID != "" {
		query = query.Where("parent_session_id = ?", filter.ParentSessionID)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count sessions: %w", err)
	}

	page, pageSize := normalizePage(filter.Page, filter.PageSize)
	var sessions []model.Session
	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&sessions).Error
	if err != nil {
		return nil, 0, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, total, nil
}

// ListSupervised 获取巡检器需要检查的会话（READY / BUSY / IDLE，未删除）
func (r *SessionRepository) ListSupervised(ctx context.Context) ([]model.Session, error) {
	var sessions []model.Session
	err := r.db.WithContext(ctx).
		Where("state IN ? AND deleted_at IS NULL", model.SupervisedStates).
		Order("last_activity_at ASC").
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("list supervised sessions: %w", err)
	}
	return sessions, nil
}

// Transition 以比较并交换的方式迁移会话状态
// 只有当前状态等于 from（且版本号匹配）时才会写入，写入时版本号加一
// 参数:
//   - ctx: 上下文
//   - id: 会话ID
//   - from: 期望的当前状态
//   - to: 目标状态
//   - fields: 一并写入的字段
//
// 返回:
//   - *model.Session: 写入后的会话
//   - error: InvalidTransition / Conflict（携带实际状态） / NotFound
func (r *SessionRepository) Transition(ctx context.Context, id string, from, to model.SessionState, fields TransitionFields) (*model.Session, error) {
	if !model.CanTransition(from, to) {
		return nil, apperr.InvalidTransition("transition", id, from, to)
	}
	if from == model.SessionStateInit && to == model.SessionStateReady && fields.ContainerID == nil {
		return nil, apperr.Validation("transition", "container id is required for %s -> %s", from, to)
	}

	now := time.Now()
	updates := map[string]interface{}{
		"state":      to,
		"version":    gorm.Expr("version + 1"),
		"updated_at": now,
	}
	if fields.ContainerID != nil {
		updates["container_id"] = *fields.ContainerID
	}
	// 只有 ERROR 允许在拆除失败时保留容器 ID
	if fields.ClearContainer || (!to.HoldsContainer() && to != model.SessionStateError) {
		updates["container_id"] = nil
	}
	if fields.PersistentVolumeID != nil {
		updates["persistent_volume_id"] = *fields.PersistentVolumeID
	}
	if fields.StartedAt != nil {
		updates["started_at"] = *fields.StartedAt
	}
	if fields.LastActivityAt != nil {
		updates["last_activity_at"] = *fields.LastActivityAt
	}
	if fields.TerminatedAt != nil {
		updates["terminated_at"] = *fields.TerminatedAt
	}
	if fields.TerminationReason != nil {
		updates["termination_reason"] = *fields.TerminationReason
	}
	if fields.DeletedAt != nil {
		updates["deleted_at"] = *fields.DeletedAt
	}

	query := r.db.WithContext(ctx).Model(&model.Session{}).
		Where("id = ? AND state = ? AND deleted_at IS NULL", id, from)
	if fields.ExpectedVersion > 0 {
		query = query.Where("version = ?", fields.ExpectedVersion)
	}
	result := query.Updates(updates)
	if result.Error != nil {
		return nil, fmt.Errorf("transition session: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		current, err := r.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, apperr.Conflict("transition", id, current.State)
	}
	return r.GetByID(ctx, id)
}

// SoftDelete 将未持有容器的会话标记为 TERMINATED 并软删除
// 容器的拆除由编排器负责，这里拒绝仍持有容器的会话
func (r *SessionRepository) SoftDelete(ctx context.Context, id, reason string) (*model.Session, error) {
	current, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.IsDeleted() {
		return nil, apperr.Conflict("soft_delete", id, current.State)
	}
	if current.State.HoldsContainer() || current.ContainerID != nil {
		return nil, apperr.InvalidTransition("soft_delete", id, current.State, model.SessionStateTerminated)
	}

	now := time.Now()
	return r.Transition(ctx, id, current.State, model.SessionStateTerminated, TransitionFields{
		TerminatedAt:      &now,
		TerminationReason: &reason,
		DeletedAt:         &now,
		ExpectedVersion:   current.Version,
	})
}

// normalizePage 规范化分页参数
func normalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	return page, pageSize
}
