package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"session-orchestrator/internal/apperr"
	"session-orchestrator/internal/audit"
	"session-orchestrator/internal/authz"
	"session-orchestrator/internal/model"
	"session-orchestrator/internal/repository"
)

// AgentService Agent 注册服务
// Agent 只被会话引用，删除后已有会话的绑定保持不变
type AgentService struct {
	agentRepo  *repository.AgentRepository // Agent 数据访问层
	authorizer authz.Authorizer            // 权限判断
	audit      *audit.Emitter              // 审计
	logger     *slog.Logger
}

// NewAgentService 创建 AgentService 实例
func NewAgentService(
	agentRepo *repository.AgentRepository,
	authorizer authz.Authorizer,
	emitter *audit.Emitter,
	logger *slog.Logger,
) *AgentService {
	return &AgentService{
		agentRepo:  agentRepo,
		authorizer: authorizer,
		audit:      emitter,
		logger:     logger.With("component", "agent_service"),
	}
}

// CreateAgent 创建 Agent
// 参数:
//   - ctx: 上下文
//   - actor: 调用者
//   - req: 创建请求
//
// 返回:
//   - *model.Agent: 创建的 Agent
//   - error: 同一工作空间内重名时返回 Conflict
func (s *AgentService) CreateAgent(ctx context.Context, actor authz.Actor, req CreateAgentRequest) (*model.Agent, error) {
	const op = "create_agent"
	workspace := req.Workspace
	if workspace == "" {
		workspace = model.DefaultWorkspace
	}
	if !s.authorizer.CanPerform(ctx, actor, authz.ActionAgentCreate, workspace) {
		return nil, apperr.Denied(op, actor.Name, string(authz.ActionAgentCreate), workspace)
	}

	name := strings.TrimSpace(req.Name)
	if name == "" || len(name) > maxNameLength {
		return nil, apperr.Validation(op, "name must be 1 to %d characters", maxNameLength)
	}
	if strings.Contains(name, "#deleted-") {
		return nil, apperr.Validation(op, "name must not contain #deleted-")
	}
	if strings.TrimSpace(req.Instructions) == "" {
		return nil, apperr.Validation(op, "instructions is required")
	}
	if strings.TrimSpace(req.Model) == "" {
		return nil, apperr.Validation(op, "model is required")
	}

	fields := map[string]json.RawMessage{
		"tools":           req.Tools,
		"routes":          req.Routes,
		"guardrails":      req.Guardrails,
		"knowledge_bases": req.KnowledgeBases,
	}
	encoded := make(map[string]string, len(fields))
	for key, raw := range fields {
		v, err := jsonArray(raw)
		if err != nil {
			return nil, apperr.Validation(op, "%s must be a JSON array", key)
		}
		encoded[key] = v
	}

	exists, err := s.agentRepo.ExistsByName(ctx, workspace, name)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, apperr.New(apperr.KindConflict, op, "", "", errors.New("agent "+name+" already exists in workspace "+workspace))
	}

	agent := &model.Agent{
		Name:           name,
		Workspace:      workspace,
		Description:    req.Description,
		Instructions:   req.Instructions,
		Model:          req.Model,
		Tools:          encoded["tools"],
		Routes:         encoded["routes"],
		Guardrails:     encoded["guardrails"],
		KnowledgeBases: encoded["knowledge_bases"],
		Active:         true,
	}
	if err := s.agentRepo.Create(ctx, agent); err != nil {
		return nil, err
	}

	s.audit.Emit(ctx, audit.NewEvent(audit.ActionAgentCreate, audit.EntityAgent, agent.ID, workspace, actor,
		map[string]interface{}{"name": agent.Name, "model": agent.Model}))
	return agent, nil
}

// GetAgent 获取 Agent，已删除的也可以读取
func (s *AgentService) GetAgent(ctx context.Context, actor authz.Actor, id string) (*model.Agent, error) {
	const op = "get_agent"
	agent, err := s.agentRepo.GetByID(ctx, id)
	if err != nil {
		return nil, agentError(op, err)
	}
	if !s.authorizer.CanPerform(ctx, actor, authz.ActionAgentRead, agent.Workspace) {
		return nil, apperr.Denied(op, actor.Name, string(authz.ActionAgentRead), agent.Workspace)
	}
	return agent, nil
}

// ListAgents 分页获取工作空间内未删除的 Agent
func (s *AgentService) ListAgents(ctx context.Context, actor authz.Actor, workspace string, page, pageSize int) ([]model.Agent, int64, error) {
	const op = "list_agents"
	if workspace == "" {
		workspace = model.DefaultWorkspace
	}
	if !s.authorizer.CanPerform(ctx, actor, authz.ActionAgentRead, workspace) {
		return nil, 0, apperr.Denied(op, actor.Name, string(authz.ActionAgentRead), workspace)
	}
	return s.agentRepo.List(ctx, workspace, page, pageSize)
}

// DeleteAgent 软删除 Agent
// 已绑定该 Agent 的会话不受影响，新会话不能再绑定它
func (s *AgentService) DeleteAgent(ctx context.Context, actor authz.Actor, id string) error {
	const op = "delete_agent"
	agent, err := s.agentRepo.GetByID(ctx, id)
	if err != nil {
		return agentError(op, err)
	}
	if !s.authorizer.CanPerform(ctx, actor, authz.ActionAgentDelete, agent.Workspace) {
		return apperr.Denied(op, actor.Name, string(authz.ActionAgentDelete), agent.Workspace)
	}
	if agent.DeletedAt != nil {
		return nil
	}
	if err := s.agentRepo.SoftDelete(ctx, id); err != nil {
		return agentError(op, err)
	}

	s.logger.Info("agent deleted", "agent_id", id, "workspace", agent.Workspace, "actor", actor.Name)
	s.audit.Emit(ctx, audit.NewEvent(audit.ActionAgentDelete, audit.EntityAgent, id, agent.Workspace, actor,
		map[string]interface{}{"name": agent.Name}))
	return nil
}

func agentError(op string, err error) error {
	if errors.Is(err, repository.ErrAgentNotFound) {
		return apperr.New(apperr.KindNotFound, op, "", "", err)
	}
	return err
}

// jsonArray 校验并规范化 JSON 数组字段，空值存为 "[]"
func jsonArray(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "[]", nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return "", err
	}
	return string(raw), nil
}
