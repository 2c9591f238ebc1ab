// Package audit 负责把编排器的操作记录分发到各个审计目的地
// 目的地失败只记录日志，不会影响发起操作的调用
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"session-orchestrator/internal/authz"
	"session-orchestrator/internal/model"
	"session-orchestrator/internal/repository"
)

// 审计动作
const (
	ActionSessionCreate    = "session.create"
	ActionSessionProvision = "session.provision"
	ActionSessionDispatch  = "session.dispatch"
	ActionSessionComplete  = "session.complete"
	ActionSessionIdle      = "session.idle"
	ActionSessionActivate  = "session.activate"
	ActionSessionTerminate = "session.terminate"
	ActionSessionFail      = "session.fail"
	ActionSessionRemix     = "session.remix"
	ActionSessionConflict  = "session.conflict"
	ActionDriverFailure    = "driver.failure"
	ActionMessageCreate    = "message.create"
	ActionAgentCreate      = "agent.create"
	ActionAgentDelete      = "agent.delete"
)

// 实体类型
const (
	EntitySession = "session"
	EntityAgent   = "agent"
	EntityMessage = "message"
)

// Event 审计事件
type Event struct {
	Action     string                 `json:"action"`
	EntityType string                 `json:"entity_type"`
	EntityID   string                 `json:"entity_id"`
	Workspace  string                 `json:"workspace"`
	Actor      string                 `json:"actor"`
	ActorType  authz.ActorType        `json:"actor_type"`
	Timestamp  time.Time              `json:"timestamp"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

// NewEvent 以调用者身份构造事件
func NewEvent(action, entityType, entityID, workspace string, actor authz.Actor, details map[string]interface{}) Event {
	return Event{
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Workspace:  workspace,
		Actor:      actor.Name,
		ActorType:  actor.Type,
		Timestamp:  time.Now().UTC(),
		Details:    details,
	}
}

// Sink 审计目的地
type Sink interface {
	Name() string
	Write(ctx context.Context, event Event) error
}

// Emitter 把事件分发到所有目的地
type Emitter struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewEmitter 创建 Emitter
func NewEmitter(logger *slog.Logger, sinks ...Sink) *Emitter {
	return &Emitter{sinks: sinks, logger: logger}
}

// Emit 同步写入所有目的地
// 调用方的 ctx 被取消时仍然写入，避免操作成功但审计丢失
func (e *Emitter) Emit(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	ctx = context.WithoutCancel(ctx)
	for _, sink := range e.sinks {
		if err := sink.Write(ctx, event); err != nil {
			e.logger.Warn("audit sink failed",
				"sink", sink.Name(),
				"action", event.Action,
				"entity_id", event.EntityID,
				"error", err,
			)
		}
	}
}

// DBSink 写入 audit_events 表
type DBSink struct {
	repo *repository.AuditRepository
}

// NewDBSink 创建 DBSink
func NewDBSink(repo *repository.AuditRepository) *DBSink {
	return &DBSink{repo: repo}
}

// Name 实现 Sink
func (s *DBSink) Name() string { return "db" }

// Write 实现 Sink
func (s *DBSink) Write(ctx context.Context, event Event) error {
	details := "{}"
	if len(event.Details) > 0 {
		b, err := json.Marshal(event.Details)
		if err != nil {
			return err
		}
		details = string(b)
	}
	return s.repo.Create(ctx, &model.AuditEvent{
		Action:     event.Action,
		EntityType: event.EntityType,
		EntityID:   event.EntityID,
		Workspace:  event.Workspace,
		Actor:      event.Actor,
		ActorType:  string(event.ActorType),
		Timestamp:  event.Timestamp,
		Details:    details,
	})
}

// LogSink 以结构化日志输出
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink 创建 LogSink
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With("component", "audit")}
}

// Name 实现 Sink
func (s *LogSink) Name() string { return "log" }

// Write 实现 Sink
func (s *LogSink) Write(ctx context.Context, event Event) error {
	level := slog.LevelInfo
	if event.Action == ActionDriverFailure {
		level = slog.LevelError
	} else if event.Action == ActionSessionConflict {
		level = slog.LevelDebug
	}
	s.logger.Log(ctx, level, event.Action,
		"entity_type", event.EntityType,
		"entity_id", event.EntityID,
		"workspace", event.Workspace,
		"actor", event.Actor,
		"actor_type", event.ActorType,
		"details", event.Details,
	)
	return nil
}

// Publisher 发布已序列化的事件，*cache.RedisCache 满足该接口
type Publisher interface {
	PublishAuditEvent(ctx context.Context, payload []byte) error
}

// PublishSink 把事件广播给其他实例
type PublishSink struct {
	pub Publisher
}

// NewPublishSink 创建 PublishSink
func NewPublishSink(pub Publisher) *PublishSink {
	return &PublishSink{pub: pub}
}

// Name 实现 Sink
func (s *PublishSink) Name() string { return "redis" }

// Write 实现 Sink
func (s *PublishSink) Write(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return s.pub.PublishAuditEvent(ctx, payload)
}

// MemorySink 在内存中保存事件，供测试断言
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

// Name 实现 Sink
func (s *MemorySink) Name() string { return "memory" }

// Write 实现 Sink
func (s *MemorySink) Write(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// Events 返回已记录事件的副本
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// Actions 返回已记录事件的动作名，按写入顺序
func (s *MemorySink) Actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Action)
	}
	return out
}
