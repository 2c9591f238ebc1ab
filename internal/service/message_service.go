package service

import (
	"context"
	"strings"

	"session-orchestrator/internal/apperr"
	"session-orchestrator/internal/audit"
	"session-orchestrator/internal/authz"
	"session-orchestrator/internal/model"
)

// PostMessage 向会话追加消息
// 消息写入会刷新 last_activity_at；IDLE 会话随之恢复，USER 消息会把 READY 会话派发为 BUSY
// 参数:
//   - ctx: 上下文
//   - actor: 调用者
//   - id: 会话ID
//   - req: 消息内容
//
// 返回:
//   - *model.SessionMessage: 写入的消息
//   - *model.Session: 处理后的会话
//   - error: 会话已进入终态时返回 InvalidTransition
func (o *Orchestrator) PostMessage(ctx context.Context, actor authz.Actor, id string, req CreateMessageRequest) (*model.SessionMessage, *model.Session, error) {
	const op = "post_message"
	s, err := o.sessions.GetWithAgents(ctx, id)
	if err != nil {
		return nil, nil, apperr.WithOp(err, op)
	}
	if err := o.authorizeSession(ctx, actor, authz.ActionMessageCreate, s, op); err != nil {
		return nil, nil, err
	}

	role := req.Role
	if role == "" {
		role = model.MessageRoleUser
	}
	if !role.Valid() {
		return nil, nil, apperr.Validation(op, "unknown role %q", role)
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, nil, apperr.Validation(op, "content is required")
	}
	if s.State.IsTerminal() || s.IsDeleted() {
		return nil, nil, apperr.New(apperr.KindInvalidTransition, op, s.ID, s.State, nil)
	}

	var agentID *string
	if role == model.MessageRoleAgent {
		if req.AgentID == nil || *req.AgentID == "" {
			return nil, nil, apperr.Validation(op, "agent_id is required for %s messages", role)
		}
		if !boundTo(s, *req.AgentID) {
			return nil, nil, apperr.Validation(op, "agent %s is not bound to session %s", *req.AgentID, s.ID)
		}
		agentID = req.AgentID
	} else if req.AgentID != nil && *req.AgentID != "" {
		return nil, nil, apperr.Validation(op, "agent_id is only allowed for %s messages", model.MessageRoleAgent)
	}
	metadata, err := encodeMetadata(op, req.Metadata)
	if err != nil {
		return nil, nil, err
	}

	msg := &model.SessionMessage{
		SessionID: s.ID,
		Role:      role,
		Content:   req.Content,
		AgentID:   agentID,
		Metadata:  metadata,
		CreatedAt: o.now(),
	}
	if err := o.messages.Append(ctx, msg); err != nil {
		return nil, nil, apperr.WithOp(err, op)
	}
	o.audit.Emit(ctx, audit.NewEvent(audit.ActionMessageCreate, audit.EntityMessage, msg.ID, s.Workspace, actor,
		map[string]interface{}{"session_id": s.ID, "role": role}))

	// 追加消息刷新了活动时间，但没有修改版本号，这里重新读取
	current, err := o.sessions.GetByID(ctx, s.ID)
	if err != nil {
		return msg, nil, apperr.WithOp(err, op)
	}
	if current.State == model.SessionStateIdle {
		if current, err = o.activate(ctx, actor, current); err != nil {
			return msg, nil, err
		}
	}
	if role == model.MessageRoleUser && current.State == model.SessionStateReady {
		if current, err = o.dispatch(ctx, actor, current); err != nil {
			return msg, nil, err
		}
	}
	return msg, current, nil
}

// ListMessages 分页获取会话消息，已删除会话的历史仍然可读
func (o *Orchestrator) ListMessages(ctx context.Context, actor authz.Actor, id string, page, pageSize int) ([]model.SessionMessage, int64, error) {
	const op = "list_messages"
	s, err := o.sessions.GetByID(ctx, id)
	if err != nil {
		return nil, 0, apperr.WithOp(err, op)
	}
	if err := o.authorizeSession(ctx, actor, authz.ActionMessageRead, s, op); err != nil {
		return nil, 0, err
	}
	return o.messages.ListBySession(ctx, s.ID, page, pageSize)
}

func boundTo(s *model.Session, agentID string) bool {
	for _, b := range s.Agents {
		if b.AgentID == agentID {
			return true
		}
	}
	return false
}
