// Package service 提供业务逻辑层的实现
package service

import (
	"encoding/json"
	"time"

	"session-orchestrator/internal/config"
	"session-orchestrator/internal/container"
	"session-orchestrator/internal/model"
)

// 会话参数限制
const (
	maxNameLength         = 100
	maxWaitingTimeoutSecs = 7 * 24 * 3600
)

// AgentBinding 创建会话时绑定的 Agent
type AgentBinding struct {
	AgentID       string          `json:"agent_id" binding:"required"`
	Configuration json.RawMessage `json:"configuration,omitempty"` // 会话级别的配置覆盖
}

// CreateSessionRequest 创建会话请求
type CreateSessionRequest struct {
	Name                  string                 `json:"name" binding:"required"`
	Workspace             string                 `json:"workspace"`
	StartingPrompt        string                 `json:"starting_prompt"`
	WaitingTimeoutSeconds *int                   `json:"waiting_timeout_seconds"`
	Agents                []AgentBinding         `json:"agents"`
	Metadata              map[string]interface{} `json:"metadata"`
}

// RemixRequest remix 请求，未设置的字段从父会话继承
type RemixRequest struct {
	Name                  *string                `json:"name"`
	StartingPrompt        *string                `json:"starting_prompt"`
	WaitingTimeoutSeconds *int                   `json:"waiting_timeout_seconds"`
	Agents                []AgentBinding         `json:"agents"` // nil 表示继承父会话的绑定
	Metadata              map[string]interface{} `json:"metadata"`
}

// CompleteOptions 完成工作时的选项
type CompleteOptions struct {
	// Idle 为 true 时直接进入 IDLE，否则回到 READY
	Idle bool `json:"idle"`
}

// CreateMessageRequest 发送消息请求
type CreateMessageRequest struct {
	Role     model.MessageRole      `json:"role"`
	Content  string                 `json:"content" binding:"required"`
	AgentID  *string                `json:"agent_id"`
	Metadata map[string]interface{} `json:"metadata"`
}

// CreateAgentRequest 创建 Agent 请求
type CreateAgentRequest struct {
	Name           string          `json:"name" binding:"required"`
	Workspace      string          `json:"workspace"`
	Description    *string         `json:"description"`
	Instructions   string          `json:"instructions" binding:"required"`
	Model          string          `json:"model" binding:"required"`
	Tools          json.RawMessage `json:"tools"`
	Routes         json.RawMessage `json:"routes"`
	Guardrails     json.RawMessage `json:"guardrails"`
	KnowledgeBases json.RawMessage `json:"knowledge_bases"`
}

// Options 编排器运行参数
type Options struct {
	Image                 string
	Resources             container.Resources
	Network               string
	APIURL                string
	DriverTimeout         time.Duration
	StopOnIdle            bool
	DefaultTimeoutSeconds int
}

// OptionsFromConfig 从配置构造 Options
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Image: cfg.Docker.Image,
		Resources: container.Resources{
			CPUs:        cfg.Docker.CPULimit,
			MemoryBytes: cfg.Docker.MemoryLimit,
		},
		Network:               cfg.Docker.Network,
		APIURL:                cfg.Docker.APIURL,
		DriverTimeout:         cfg.Orchestrator.DriverTimeout,
		StopOnIdle:            cfg.Orchestrator.StopOnIdle,
		DefaultTimeoutSeconds: cfg.Orchestrator.DefaultTimeoutSeconds,
	}
}
