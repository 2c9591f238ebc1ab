// Package handler 提供 HTTP 请求处理器
package handler

import (
	"errors"
	"io"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"session-orchestrator/internal/authz"
	"session-orchestrator/internal/middleware"
	"session-orchestrator/internal/model"
	"session-orchestrator/internal/repository"
	"session-orchestrator/internal/service"
	"session-orchestrator/pkg/response"
)

// SessionHandler 会话请求处理器
// 每个接口对应编排器的一个操作
type SessionHandler struct {
	orch *service.Orchestrator
}

// NewSessionHandler 创建 SessionHandler 实例
func NewSessionHandler(orch *service.Orchestrator) *SessionHandler {
	return &SessionHandler{orch: orch}
}

// SessionListResponse 会话列表响应
type SessionListResponse struct {
	Sessions []model.Session `json:"sessions"`
	Total    int64           `json:"total"`
	Page     int             `json:"page"`
	PageSize int             `json:"page_size"`
}

// MessageListResponse 消息列表响应
type MessageListResponse struct {
	Messages []model.SessionMessage `json:"messages"`
	Total    int64                  `json:"total"`
	Page     int                    `json:"page"`
	PageSize int                    `json:"page_size"`
}

// PostMessageResponse 发送消息响应
type PostMessageResponse struct {
	Message *model.SessionMessage `json:"message"`
	Session *model.Session        `json:"session"`
}

// CreateSession 创建会话
// @Summary 创建会话
// @Tags 会话
// @Security Bearer
// @Accept json
// @Produce json
// @Param body body service.CreateSessionRequest true "会话配置"
// @Success 201 {object} response.Response{data=model.Session}
// @Router /api/v1/sessions [post]
func (h *SessionHandler) CreateSession(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}

	var req service.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "无效的请求参数")
		return
	}

	session, err := h.orch.Create(c.Request.Context(), actor, req)
	if err != nil {
		response.AppError(c, err)
		return
	}
	response.Created(c, session)
}

// ListSessions 获取会话列表
// @Summary 获取会话列表
// @Description 已终止（软删除）的会话不会出现在列表中
// @Tags 会话
// @Security Bearer
// @Produce json
// @Param workspace query string false "工作空间"
// @Param state query string false "状态，多个用逗号分隔"
// @Param page query int false "页码" default(1)
// @Param page_size query int false "每页数量" default(20)
// @Success 200 {object} response.Response{data=SessionListResponse}
// @Router /api/v1/sessions [get]
func (h *SessionHandler) ListSessions(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}

	page, pageSize := pagination(c)
	filter := repository.SessionFilter{
		Workspace:       c.Query("workspace"),
		CreatedBy:       c.Query("created_by"),
		ParentSessionID: c.Query("parent_session_id"),
		Page:            page,
		PageSize:        pageSize,
	}
	if states := c.Query("state"); states != "" {
		for _, st := range strings.Split(states, ",") {
			filter.States = append(filter.States, model.SessionState(strings.ToUpper(strings.TrimSpace(st))))
		}
	}

	sessions, total, err := h.orch.List(c.Request.Context(), actor, filter)
	if err != nil {
		response.AppError(c, err)
		return
	}
	response.Success(c, SessionListResponse{
		Sessions: sessions,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	})
}

// GetSession 获取会话详情
// @Router /api/v1/sessions/{id} [get]
func (h *SessionHandler) GetSession(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	session, err := h.orch.Get(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		response.AppError(c, err)
		return
	}
	response.Success(c, session)
}

// Provision 分配容器
// @Router /api/v1/sessions/{id}/provision [post]
func (h *SessionHandler) Provision(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	session, err := h.orch.Provision(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		response.AppError(c, err)
		return
	}
	response.Success(c, session)
}

// Dispatch 开始处理工作
// @Router /api/v1/sessions/{id}/dispatch [post]
func (h *SessionHandler) Dispatch(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	session, err := h.orch.Dispatch(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		response.AppError(c, err)
		return
	}
	response.Success(c, session)
}

// Complete 工作完成
// 请求体可选: {"idle": true} 直接进入 IDLE
// @Router /api/v1/sessions/{id}/complete [post]
func (h *SessionHandler) Complete(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	var opts service.CompleteOptions
	if !bindOptional(c, &opts) {
		return
	}
	session, err := h.orch.Complete(c.Request.Context(), actor, c.Param("id"), opts)
	if err != nil {
		response.AppError(c, err)
		return
	}
	response.Success(c, session)
}

// Idle 进入空闲
// @Router /api/v1/sessions/{id}/idle [post]
func (h *SessionHandler) Idle(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	session, err := h.orch.Idle(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		response.AppError(c, err)
		return
	}
	response.Success(c, session)
}

// Activate 从空闲恢复
// @Router /api/v1/sessions/{id}/activate [post]
func (h *SessionHandler) Activate(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	session, err := h.orch.Activate(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		response.AppError(c, err)
		return
	}
	response.Success(c, session)
}

// Remix 基于已有会话创建新会话
// @Router /api/v1/sessions/{id}/remix [post]
func (h *SessionHandler) Remix(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	var req service.RemixRequest
	if !bindOptional(c, &req) {
		return
	}
	session, err := h.orch.Remix(c.Request.Context(), actor, c.Param("id"), req)
	if err != nil {
		response.AppError(c, err)
		return
	}
	response.Created(c, session)
}

// Terminate 终止并软删除会话
// @Param reason query string false "终止原因"
// @Router /api/v1/sessions/{id} [delete]
func (h *SessionHandler) Terminate(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	session, err := h.orch.Terminate(c.Request.Context(), actor, c.Param("id"), c.Query("reason"))
	if err != nil {
		response.AppError(c, err)
		return
	}
	response.Success(c, session)
}

// PostMessage 发送消息
// @Router /api/v1/sessions/{id}/messages [post]
func (h *SessionHandler) PostMessage(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	var req service.CreateMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "无效的请求参数")
		return
	}
	msg, session, err := h.orch.PostMessage(c.Request.Context(), actor, c.Param("id"), req)
	if err != nil {
		response.AppError(c, err)
		return
	}
	response.Created(c, PostMessageResponse{Message: msg, Session: session})
}

// ListMessages 获取会话消息
// @Router /api/v1/sessions/{id}/messages [get]
func (h *SessionHandler) ListMessages(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	page, pageSize := pagination(c)
	messages, total, err := h.orch.ListMessages(c.Request.Context(), actor, c.Param("id"), page, pageSize)
	if err != nil {
		response.AppError(c, err)
		return
	}
	response.Success(c, MessageListResponse{
		Messages: messages,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	})
}

// requireActor 获取调用者身份，未认证时直接返回 401
func requireActor(c *gin.Context) (authz.Actor, bool) {
	actor, ok := middleware.GetActor(c)
	if !ok {
		response.Unauthorized(c, "请先登录")
		return actor, false
	}
	return actor, true
}

// pagination 解析分页参数
func pagination(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return page, pageSize
}

// bindOptional 解析可选的 JSON 请求体，空请求体视为零值
func bindOptional(c *gin.Context, obj interface{}) bool {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(obj); err != nil && !errors.Is(err, io.EOF) {
		response.BadRequest(c, "无效的请求参数")
		return false
	}
	return true
}
