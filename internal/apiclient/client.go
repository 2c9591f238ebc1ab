// Package apiclient 封装编排服务的 HTTP API，供 sessionctl 使用
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"session-orchestrator/internal/apperr"
	"session-orchestrator/internal/audit"
	"session-orchestrator/internal/model"
	"session-orchestrator/internal/service"
	ws "session-orchestrator/internal/websocket"
)

// Client API 客户端
// baseURL: 例如 http://localhost:8080
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient 创建 API 客户端
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// APIResponse 通用响应
type APIResponse struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// APIError 服务端返回的错误
// Kind 和 State 来自编排错误，调用方据此判断是否值得重试
type APIError struct {
	Status  int
	Code    int
	Message string
	Kind    apperr.Kind
	State   model.SessionState
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		if e.State != "" {
			return fmt.Sprintf("%s (%s, state=%s)", e.Message, e.Kind, e.State)
		}
		return fmt.Sprintf("%s (%s)", e.Message, e.Kind)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

// Retryable 并发冲突可以重新读取后重试
func (e *APIError) Retryable() bool {
	return e.Kind == apperr.KindConflict
}

// SessionList 会话列表
type SessionList struct {
	Sessions []model.Session `json:"sessions"`
	Total    int64           `json:"total"`
	Page     int             `json:"page"`
	PageSize int             `json:"page_size"`
}

// MessageList 消息列表
type MessageList struct {
	Messages []model.SessionMessage `json:"messages"`
	Total    int64                  `json:"total"`
}

// AgentList Agent 列表
type AgentList struct {
	Agents []model.Agent `json:"agents"`
	Total  int64         `json:"total"`
}

// PostMessageResult 发送消息的结果
type PostMessageResult struct {
	Message *model.SessionMessage `json:"message"`
	Session *model.Session        `json:"session"`
}

// ListOptions 会话列表查询条件
type ListOptions struct {
	Workspace       string
	States          []string
	ParentSessionID string
	Page            int
	PageSize        int
}

// --- 健康检查 ---

// Health 检查服务是否可用
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("请求失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &APIError{Status: resp.StatusCode, Message: "服务不可用"}
	}
	return nil
}

// --- 会话 ---

// CreateSession 创建会话
func (c *Client) CreateSession(ctx context.Context, req service.CreateSessionRequest) (*model.Session, error) {
	var s model.Session
	if err := c.call(ctx, http.MethodPost, "/api/v1/sessions", req, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ListSessions 获取会话列表
func (c *Client) ListSessions(ctx context.Context, opts ListOptions) (*SessionList, error) {
	q := url.Values{}
	if opts.Workspace != "" {
		q.Set("workspace", opts.Workspace)
	}
	if len(opts.States) > 0 {
		q.Set("state", strings.Join(opts.States, ","))
	}
	if opts.ParentSessionID != "" {
		q.Set("parent_session_id", opts.ParentSessionID)
	}
	if opts.Page > 0 {
		q.Set("page", strconv.Itoa(opts.Page))
	}
	if opts.PageSize > 0 {
		q.Set("page_size", strconv.Itoa(opts.PageSize))
	}
	path := "/api/v1/sessions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var list SessionList
	if err := c.call(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// GetSession 获取会话详情
func (c *Client) GetSession(ctx context.Context, id string) (*model.Session, error) {
	var s model.Session
	if err := c.call(ctx, http.MethodGet, sessionPath(id, ""), nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Intent 调用无参数的会话操作：provision / dispatch / complete / idle / activate
func (c *Client) Intent(ctx context.Context, id, intent string) (*model.Session, error) {
	switch intent {
	case "provision", "dispatch", "complete", "idle", "activate":
	default:
		return nil, fmt.Errorf("未知的会话操作: %s", intent)
	}
	var s model.Session
	if err := c.call(ctx, http.MethodPost, sessionPath(id, intent), nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Terminate 终止会话
func (c *Client) Terminate(ctx context.Context, id, reason string) (*model.Session, error) {
	path := sessionPath(id, "")
	if reason != "" {
		path += "?reason=" + url.QueryEscape(reason)
	}
	var s model.Session
	if err := c.call(ctx, http.MethodDelete, path, nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Remix 基于已有会话创建新会话
func (c *Client) Remix(ctx context.Context, id string, req service.RemixRequest) (*model.Session, error) {
	var s model.Session
	if err := c.call(ctx, http.MethodPost, sessionPath(id, "remix"), req, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// PostMessage 发送消息
func (c *Client) PostMessage(ctx context.Context, id string, req service.CreateMessageRequest) (*PostMessageResult, error) {
	var result PostMessageResult
	if err := c.call(ctx, http.MethodPost, sessionPath(id, "messages"), req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListMessages 获取会话消息
func (c *Client) ListMessages(ctx context.Context, id string, page, pageSize int) (*MessageList, error) {
	path := fmt.Sprintf("%s?page=%d&page_size=%d", sessionPath(id, "messages"), page, pageSize)
	var list MessageList
	if err := c.call(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// --- Agent ---

// ListAgents 获取工作空间内的 Agent
func (c *Client) ListAgents(ctx context.Context, workspace string) (*AgentList, error) {
	path := "/api/v1/agents"
	if workspace != "" {
		path += "?workspace=" + url.QueryEscape(workspace)
	}
	var list AgentList
	if err := c.call(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// --- 认证 ---

// Logout 吊销当前 Token
func (c *Client) Logout(ctx context.Context) error {
	return c.call(ctx, http.MethodPost, "/api/v1/auth/logout", nil, nil)
}

// --- 审计订阅 ---

// WatchAudit 订阅审计事件，直到 ctx 取消或连接断开
// 参数:
//   - filter: 订阅条件，零值表示接收有权限查看的全部事件
//   - onEvent: 每个事件的回调
func (c *Client) WatchAudit(ctx context.Context, filter ws.SubscribePayload, onEvent func(audit.Event)) error {
	wsURL := strings.Replace(c.baseURL, "http://", "ws://", 1)
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)
	wsURL += "/ws/audit?token=" + url.QueryEscape(c.token)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return &APIError{Status: resp.StatusCode, Message: "订阅失败"}
		}
		return fmt.Errorf("连接失败: %w", err)
	}
	defer conn.Close()

	// ctx 取消时关闭连接，让 ReadJSON 返回
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if len(filter.Workspaces) > 0 || filter.EntityID != "" {
		msg, err := ws.NewMessage(ws.TypeSubscribe, filter)
		if err != nil {
			return err
		}
		if err := conn.WriteJSON(msg); err != nil {
			return fmt.Errorf("发送订阅条件失败: %w", err)
		}
	}

	for {
		var msg ws.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("读取事件失败: %w", err)
		}
		switch msg.Type {
		case ws.TypeAuditEvent:
			var event audit.Event
			if err := msg.ParsePayload(&event); err != nil {
				continue
			}
			onEvent(event)
		case ws.TypeError:
			var payload ws.ErrorPayload
			_ = msg.ParsePayload(&payload)
			return fmt.Errorf("服务端错误: %s", payload.Message)
		}
	}
}

// --- 通用请求封装 ---

func sessionPath(id, action string) string {
	p := "/api/v1/sessions/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

// call 发送请求并把 data 解析到 out，out 为 nil 时忽略响应内容
func (c *Client) call(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(jsonBody)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("请求失败: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("读取响应失败: %w", err)
	}
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	var apiResp APIResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return fmt.Errorf("解析响应失败: %w", err)
	}
	if resp.StatusCode >= 400 || apiResp.Code != 0 {
		apiErr := &APIError{Status: resp.StatusCode, Code: apiResp.Code, Message: apiResp.Message}
		var detail struct {
			Kind  apperr.Kind        `json:"kind"`
			State model.SessionState `json:"state"`
		}
		if len(apiResp.Data) > 0 && json.Unmarshal(apiResp.Data, &detail) == nil {
			apiErr.Kind = detail.Kind
			apiErr.State = detail.State
		}
		return apiErr
	}

	if out != nil && len(apiResp.Data) > 0 {
		if err := json.Unmarshal(apiResp.Data, out); err != nil {
			return fmt.Errorf("解析响应失败: %w", err)
		}
	}
	return nil
}
