package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"session-orchestrator/internal/audit"
	"session-orchestrator/internal/authz"
)

// ErrHubBusy 事件缓冲区已满，事件被丢弃
var ErrHubBusy = errors.New("websocket hub event buffer full")

// 事件缓冲区大小
const eventBufferSize = 1024

// Hub 是审计订阅连接的中心管理器
// 负责：
// 1. 管理所有订阅连接
// 2. 按权限和订阅条件推送事件
//
// 单实例部署时 Hub 直接作为审计目的地；启用 Redis 时改为从频道转发，
// 这样每个实例的订阅者都能看到全部实例的事件
type Hub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	events     chan audit.Event
	done       chan struct{}

	// 保护 clients，供 ClientCount 在主循环外读取
	mu sync.RWMutex

	authorizer authz.Authorizer
	logger     *slog.Logger
}

// NewHub 创建 Hub 实例
func NewHub(authorizer authz.Authorizer, logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		events:     make(chan audit.Event, eventBufferSize),
		done:       make(chan struct{}),
		authorizer: authorizer,
		logger:     logger.With("component", "audit-feed"),
	}
}

// Run 启动 Hub 的主循环，ctx 取消后关闭所有连接
// 应该在单独的 goroutine 中运行
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		h.mu.Lock()
		for client := range h.clients {
			client.close()
			delete(h.clients, client)
		}
		h.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Info("audit subscriber connected", "actor", client.actor.Name)

		case client := <-h.unregister:
			h.remove(client)

		case event := <-h.events:
			h.broadcast(ctx, event)
		}
	}
}

// Register 注册客户端
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		client.close()
	}
}

// Unregister 注销客户端
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// ClientCount 当前连接数
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Name 实现 audit.Sink
func (h *Hub) Name() string { return "websocket" }

// Write 实现 audit.Sink
// 只做入队，不等待推送完成
func (h *Hub) Write(_ context.Context, event audit.Event) error {
	select {
	case h.events <- event:
		return nil
	default:
		return ErrHubBusy
	}
}

// Relay 把 Redis 频道中的审计事件转发给本实例的订阅者
// 阻塞直到 ctx 取消或订阅关闭，返回时关闭订阅
func (h *Hub) Relay(ctx context.Context, sub *redis.PubSub) error {
	defer sub.Close()

	// 等待订阅确认，保证返回前的发布不会丢失
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event audit.Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				h.logger.Warn("discarding malformed audit event", "error", err)
				continue
			}
			if err := h.Write(ctx, event); err != nil {
				h.logger.Warn("audit event dropped", "action", event.Action, "error", err)
			}
		}
	}
}

// broadcast 推送事件给有权查看且订阅条件匹配的连接
// 缓冲区写满的连接会被断开
func (h *Hub) broadcast(ctx context.Context, event audit.Event) {
	msg, err := NewMessage(TypeAuditEvent, event)
	if err != nil {
		h.logger.Error("failed to build audit message", "error", err)
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to encode audit message", "error", err)
		return
	}

	h.mu.RLock()
	var slow []*Client
	for client := range h.clients {
		if !h.authorizer.CanPerform(ctx, client.actor, authz.ActionAuditRead, event.Workspace) {
			continue
		}
		if !client.accepts(event) {
			continue
		}
		if !client.enqueue(data) {
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		h.logger.Warn("dropping slow audit subscriber", "actor", client.actor.Name)
		h.remove(client)
	}
}

// remove 移除并关闭连接
func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		client.close()
		h.logger.Info("audit subscriber disconnected", "actor", client.actor.Name)
	}
}
