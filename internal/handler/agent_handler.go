package handler

import (
	"github.com/gin-gonic/gin"

	"session-orchestrator/internal/model"
	"session-orchestrator/internal/service"
	"session-orchestrator/pkg/response"
)

// AgentHandler Agent 请求处理器
type AgentHandler struct {
	agentService *service.AgentService
}

// NewAgentHandler 创建 AgentHandler 实例
func NewAgentHandler(agentService *service.AgentService) *AgentHandler {
	return &AgentHandler{agentService: agentService}
}

// AgentListResponse Agent 列表响应
type AgentListResponse struct {
	Agents   []model.Agent `json:"agents"`
	Total    int64         `json:"total"`
	Page     int           `json:"page"`
	PageSize int           `json:"page_size"`
}

// CreateAgent 创建 Agent
// @Summary 创建 Agent
// @Tags Agent
// @Security Bearer
// @Accept json
// @Produce json
// @Param body body service.CreateAgentRequest true "Agent 配置"
// @Success 201 {object} response.Response{data=model.Agent}
// @Router /api/v1/agents [post]
func (h *AgentHandler) CreateAgent(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	var req service.CreateAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "无效的请求参数")
		return
	}
	agent, err := h.agentService.CreateAgent(c.Request.Context(), actor, req)
	if err != nil {
		response.AppError(c, err)
		return
	}
	response.Created(c, agent)
}

// ListAgents 获取工作空间内的 Agent
// @Param workspace query string false "工作空间" default(default)
// @Router /api/v1/agents [get]
func (h *AgentHandler) ListAgents(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	page, pageSize := pagination(c)
	agents, total, err := h.agentService.ListAgents(c.Request.Context(), actor, c.Query("workspace"), page, pageSize)
	if err != nil {
		response.AppError(c, err)
		return
	}
	response.Success(c, AgentListResponse{
		Agents:   agents,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	})
}

// GetAgent 获取 Agent 详情
// @Router /api/v1/agents/{id} [get]
func (h *AgentHandler) GetAgent(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	agent, err := h.agentService.GetAgent(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		response.AppError(c, err)
		return
	}
	response.Success(c, agent)
}

// DeleteAgent 软删除 Agent
// @Router /api/v1/agents/{id} [delete]
func (h *AgentHandler) DeleteAgent(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	if err := h.agentService.DeleteAgent(c.Request.Context(), actor, c.Param("id")); err != nil {
		response.AppError(c, err)
		return
	}
	response.NoContent(c)
}
