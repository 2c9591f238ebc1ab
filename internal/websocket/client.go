package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"session-orchestrator/internal/audit"
	"session-orchestrator/internal/authz"
)

// 连接配置常量
const (
	// 写超时时间
	writeWait = 10 * time.Second

	// 等待 Pong 响应的超时时间
	pongWait = 60 * time.Second

	// 发送 Ping 的间隔（必须小于 pongWait）
	pingPeriod = (pongWait * 9) / 10

	// 客户端只发送订阅和心跳，消息很小
	maxMessageSize = 4 * 1024

	// 发送缓冲区大小，写满说明客户端消费太慢
	sendBufferSize = 256
)

// Client 表示一个审计订阅连接
type Client struct {
	hub    *Hub            // 所属的 Hub
	conn   *websocket.Conn // WebSocket 连接
	send   chan []byte     // 发送消息的通道
	actor  authz.Actor     // 连接者身份
	logger *slog.Logger

	mu     sync.Mutex // 保护 filter 和 closed
	filter SubscribePayload
	closed bool
}

// NewClient 创建新的客户端
func NewClient(hub *Hub, conn *websocket.Conn, actor authz.Actor, logger *slog.Logger) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		actor:  actor,
		logger: logger.With("actor", actor.Name),
	}
}

// ReadPump 读取客户端消息
// 每个连接一个 goroutine，退出时从 Hub 注销
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	// 每次收到 Pong，重置读取超时
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", "error", err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.reply(TypeError, ErrorPayload{Message: "消息格式错误"})
			continue
		}
		c.handleMessage(&msg)
	}
}

// WritePump 把 send 通道中的消息写入连接，并定时发送 Ping
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub 已关闭该连接
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage 处理接收到的消息
func (c *Client) handleMessage(msg *Message) {
	switch msg.Type {
	case TypeHeartbeat:
		c.reply(TypePong, nil)

	case TypeSubscribe:
		var filter SubscribePayload
		if err := msg.ParsePayload(&filter); err != nil {
			c.reply(TypeError, ErrorPayload{Message: "订阅条件格式错误"})
			return
		}
		c.mu.Lock()
		c.filter = filter
		c.mu.Unlock()
		c.reply(TypeSubscribed, filter)

	default:
		c.reply(TypeError, ErrorPayload{Message: "未知的消息类型: " + msg.Type})
	}
}

// accepts 判断事件是否匹配订阅条件
func (c *Client) accepts(event audit.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.filter.EntityID != "" && c.filter.EntityID != event.EntityID {
		return false
	}
	if len(c.filter.Workspaces) == 0 {
		return true
	}
	for _, ws := range c.filter.Workspaces {
		if ws == event.Workspace {
			return true
		}
	}
	return false
}

// reply 向客户端发送一条消息
func (c *Client) reply(msgType string, payload interface{}) {
	msg, err := NewMessage(msgType, payload)
	if err != nil {
		c.logger.Error("failed to build websocket message", "type", msgType, "error", err)
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("failed to encode websocket message", "type", msgType, "error", err)
		return
	}
	c.enqueue(data)
}

// enqueue 非阻塞写入发送缓冲区
// 返回 false 表示连接已关闭或缓冲区已满
func (c *Client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// close 关闭发送通道，WritePump 随后断开连接
// 可重复调用
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}
