// Package websocket 提供审计事件的实时推送
// 运维端通过 /ws/audit 订阅编排器产生的审计事件
package websocket

import (
	"encoding/json"
	"time"
)

// 消息类型常量
const (
	// 服务端 → 客户端
	TypeAuditEvent = "audit:event"      // 审计事件
	TypeSubscribed = "audit:subscribed" // 订阅条件已生效
	TypePong       = "pong"             // 心跳响应
	TypeError      = "error"            // 错误消息

	// 客户端 → 服务端
	TypeSubscribe = "audit:subscribe" // 设置订阅条件
	TypeHeartbeat = "heartbeat"       // 心跳
)

// Message WebSocket 消息结构
// 所有消息都使用这个统一的结构
type Message struct {
	Type      string          `json:"type"`              // 消息类型
	Payload   json.RawMessage `json:"payload,omitempty"` // 消息内容
	Timestamp int64           `json:"timestamp"`         // 时间戳（毫秒）
}

// SubscribePayload 订阅条件
// 字段为空表示不过滤；工作空间仍然受调用者权限约束
type SubscribePayload struct {
	Workspaces []string `json:"workspaces,omitempty"`
	EntityID   string   `json:"entity_id,omitempty"`
}

// ErrorPayload 错误消息内容
type ErrorPayload struct {
	Message string `json:"message"`
}

// NewMessage 创建新消息
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	msg := &Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		msg.Payload = raw
	}
	return msg, nil
}

// ParsePayload 解析消息内容到指定结构
func (m *Message) ParsePayload(v interface{}) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}
