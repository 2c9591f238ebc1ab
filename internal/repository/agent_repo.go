package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"session-orchestrator/internal/model"
	"session-orchestrator/pkg/util"
)

// ErrAgentNotFound Agent 不存在
var ErrAgentNotFound = errors.New("agent 不存在")

// AgentRepository Agent 数据访问层
type AgentRepository struct {
	db *gorm.DB
}

// NewAgentRepository 创建 AgentRepository 实例
func NewAgentRepository(db *gorm.DB) *AgentRepository {
	return &AgentRepository{db: db}
}

// Create 创建 Agent
func (r *AgentRepository) Create(ctx context.Context, agent *model.Agent) error {
	if agent.ID == "" {
		agent.ID = util.NewID()
	}
	if agent.Workspace == "" {
		agent.Workspace = model.DefaultWorkspace
	}
	if err := r.db.WithContext(ctx).Create(agent).Error; err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

// GetByID 根据 ID 获取 Agent（包括已删除的）
// 参数:
//   - ctx: 上下文
//   - id: Agent ID
//
// 返回:
//   - *model.Agent: Agent 对象
//   - error: 未找到返回 ErrAgentNotFound
func (r *AgentRepository) GetByID(ctx context.Context, id string) (*model.Agent, error) {
	var agent model.Agent
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&agent).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAgentNotFound
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return &agent, nil
}

// GetByIDs 批量获取 Agent，返回顺序与数据库一致，调用方自行按 ID 对应
func (r *AgentRepository) GetByIDs(ctx context.Context, ids []string) ([]model.Agent, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var agents []model.Agent
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&agents).Error; err != nil {
		return nil, fmt.Errorf("get agents: %w", err)
	}
	return agents, nil
}

// ExistsByName 检查工作空间内是否已有同名且未删除的 Agent
func (r *AgentRepository) ExistsByName(ctx context.Context, workspace, name string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.Agent{}).
		Where("workspace = ? AND name = ?", workspace, name).
		Count(&count).Error
	return count > 0, err
}

// List 分页获取工作空间内未删除的 Agent
func (r *AgentRepository) List(ctx context.Context, workspace string, page, pageSize int) ([]model.Agent, int64, error) {
	query := r.db.WithContext(ctx).Model(&model.Agent{}).Where("deleted_at IS NULL")
	if workspace != "" {
		query = query.Where("workspace = ?", workspace)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page, pageSize = normalizePage(page, pageSize)
	var agents []model.Agent
	err := query.Order("name ASC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&agents).Error
	return agents, total, err
}

// SoftDelete 软删除 Agent，已有的会话绑定不受影响
// 名称会追加删除时间，释放 (name, workspace) 唯一约束
func (r *AgentRepository) SoftDelete(ctx context.Context, id string) error {
	agent, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	now := time.Now()
	suffix := fmt.Sprintf("#deleted-%d", now.Unix())
	result := r.db.WithContext(ctx).Model(&model.Agent{}).
		Where("id = ? AND deleted_at IS NULL", id).
		Updates(map[string]interface{}{
			"deleted_at": now,
			"active":     false,
			"name":       util.TruncateString(agent.Name, 100-len(suffix)-3) + suffix,
		})
	if result.Error != nil {
		return fmt.Errorf("delete agent: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrAgentNotFound
	}
	return nil
}
