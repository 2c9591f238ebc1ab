package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"session-orchestrator/internal/apperr"
	"session-orchestrator/internal/audit"
	"session-orchestrator/internal/authz"
	"session-orchestrator/internal/container"
	"session-orchestrator/internal/model"
	"session-orchestrator/internal/repository"
	"session-orchestrator/internal/volume"
	"session-orchestrator/pkg/util"
)

// 容器内环境变量
const (
	EnvSessionID      = "SESSION_ID"
	EnvSessionName    = "SESSION_NAME"
	EnvWorkspace      = "SESSION_WORKSPACE"
	EnvStartingPrompt = "SESSION_STARTING_PROMPT"
	EnvAgents         = "SESSION_AGENTS"
	EnvAPIURL         = "ORCHESTRATOR_API_URL"
	EnvSessionToken   = "SESSION_TOKEN"
)

// ReasonIdleTimeout 巡检器回收空闲会话时记录的原因
const ReasonIdleTimeout = "idle timeout"

// TokenIssuer 为容器签发会话 Token，*jwt.JWTService 满足该接口
type TokenIssuer interface {
	GenerateSessionToken(sessionID, workspace string) (string, error)
}

// Deps 编排器依赖
type Deps struct {
	Sessions   *repository.SessionRepository
	Agents     *repository.AgentRepository
	Messages   *repository.MessageRepository
	Driver     container.Driver
	Volumes    volume.Manager
	Authorizer authz.Authorizer
	Audit      *audit.Emitter
	Tokens     TokenIssuer // 可为 nil，此时容器不注入 Token
	Logger     *slog.Logger
}

// Orchestrator 会话编排器
// 每个操作都按 鉴权 -> 重新读取 -> 外部调用 -> 单次 CAS 写入 -> 审计 的顺序执行，
// 不持有任何跨调用的锁，也不缓存会话状态
type Orchestrator struct {
	sessions *repository.SessionRepository
	agents   *repository.AgentRepository
	messages *repository.MessageRepository
	driver   container.Driver
	volumes  volume.Manager
	authz    authz.Authorizer
	audit    *audit.Emitter
	tokens   TokenIssuer
	opts     Options
	logger   *slog.Logger
	now      func() time.Time
}

// NewOrchestrator 创建编排器
func NewOrchestrator(deps Deps, opts Options) *Orchestrator {
	if opts.DefaultTimeoutSeconds <= 0 {
		opts.DefaultTimeoutSeconds = 300
	}
	return &Orchestrator{
		sessions: deps.Sessions,
		agents:   deps.Agents,
		messages: deps.Messages,
		driver:   deps.Driver,
		volumes:  deps.Volumes,
		authz:    deps.Authorizer,
		audit:    deps.Audit,
		tokens:   deps.Tokens,
		opts:     opts,
		logger:   deps.Logger.With("component", "orchestrator"),
		now:      time.Now,
	}
}

// SetClock 替换时间来源，测试中模拟时间流逝
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
}

// ==================== 创建 ====================

// Create 创建 INIT 状态的会话
func (o *Orchestrator) Create(ctx context.Context, actor authz.Actor, req CreateSessionRequest) (*model.Session, error) {
	const op = "create"
	workspace := req.Workspace
	if workspace == "" {
		workspace = model.DefaultWorkspace
	}
	if err := o.authorize(ctx, actor, authz.ActionSessionCreate, workspace, op); err != nil {
		return nil, err
	}
	if err := validateName(op, req.Name); err != nil {
		return nil, err
	}
	timeout, err := o.resolveTimeout(op, req.WaitingTimeoutSeconds, 0)
	if err != nil {
		return nil, err
	}
	bindings, err := o.resolveBindings(ctx, op, workspace, req.Agents)
	if err != nil {
		return nil, err
	}
	metadata, err := encodeMetadata(op, req.Metadata)
	if err != nil {
		return nil, err
	}

	session := &model.Session{
		Name:                  req.Name,
		Workspace:             workspace,
		StartingPrompt:        req.StartingPrompt,
		WaitingTimeoutSeconds: timeout,
		CreatedBy:             actor.Name,
		Metadata:              metadata,
	}
	if err := o.sessions.Create(ctx, session, bindings); err != nil {
		return nil, err
	}

	o.emit(ctx, audit.ActionSessionCreate, session, actor, map[string]interface{}{
		"name":   session.Name,
		"agents": len(bindings),
	})
	return o.sessions.GetWithAgents(ctx, session.ID)
}

// Remix 基于已有会话创建新会话，父会话不受影响
// 新会话在 Provision 时复制父会话卷的内容
func (o *Orchestrator) Remix(ctx context.Context, actor authz.Actor, parentID string, req RemixRequest) (*model.Session, error) {
	const op = "remix"
	parent, err := o.sessions.GetWithAgents(ctx, parentID)
	if err != nil {
		return nil, apperr.WithOp(err, op)
	}
	if err := o.authorizeSession(ctx, actor, authz.ActionSessionRemix, parent, op); err != nil {
		return nil, err
	}

	name := parent.Name
	if req.Name != nil {
		name = *req.Name
	}
	if err := validateName(op, name); err != nil {
		return nil, err
	}
	prompt := parent.StartingPrompt
	if req.StartingPrompt != nil {
		prompt = *req.StartingPrompt
	}
	timeout, err := o.resolveTimeout(op, req.WaitingTimeoutSeconds, parent.WaitingTimeoutSeconds)
	if err != nil {
		return nil, err
	}

	var bindings []model.SessionAgent
	if req.Agents != nil {
		bindings, err = o.resolveBindings(ctx, op, parent.Workspace, req.Agents)
		if err != nil {
			return nil, err
		}
	} else {
		bindings = o.inheritBindings(parent)
	}

	metadata := parent.Metadata
	if req.Metadata != nil {
		if metadata, err = encodeMetadata(op, req.Metadata); err != nil {
			return nil, err
		}
	}

	parentRef := parent.ID
	session := &model.Session{
		Name:                  name,
		Workspace:             parent.Workspace,
		StartingPrompt:        prompt,
		WaitingTimeoutSeconds: timeout,
		ParentSessionID:       &parentRef,
		CreatedBy:             actor.Name,
		Metadata:              metadata,
	}
	if err := o.sessions.Create(ctx, session, bindings); err != nil {
		return nil, err
	}

	o.emit(ctx, audit.ActionSessionRemix, session, actor, map[string]interface{}{
		"parent_session_id": parent.ID,
	})
	return o.sessions.GetWithAgents(ctx, session.ID)
}

// ==================== 生命周期 ====================

// Provision 为 INIT 会话分配卷并启动容器（INIT -> READY）
// 已持有容器的会话直接返回，保证重复调用只会得到一个容器
func (o *Orchestrator) Provision(ctx context.Context, actor authz.Actor, id string) (*model.Session, error) {
	const op = "provision"
	s, err := o.sessions.GetWithAgents(ctx, id)
	if err != nil {
		return nil, apperr.WithOp(err, op)
	}
	if err := o.authorizeSession(ctx, actor, authz.ActionSessionProvision, s, op); err != nil {
		return nil, err
	}
	if s.State.HoldsContainer() {
		return s, nil
	}
	if s.State != model.SessionStateInit || s.IsDeleted() {
		return nil, apperr.InvalidTransition(op, s.ID, s.State, model.SessionStateReady)
	}

	volumeID, err := o.prepareVolume(ctx, s)
	if err != nil {
		return nil, o.failProvision(ctx, actor, s, "", err)
	}

	spec, err := o.containerSpec(s, volumeID)
	if err != nil {
		return nil, o.failProvision(ctx, actor, s, volumeID, err)
	}
	dctx, cancel := o.driverContext(ctx)
	created, err := o.driver.Create(dctx, s.ID, spec)
	cancel()
	if err != nil {
		return nil, o.failProvision(ctx, actor, s, volumeID, err)
	}

	now := o.now()
	ready, err := o.sessions.Transition(ctx, s.ID, model.SessionStateInit, model.SessionStateReady, repository.TransitionFields{
		ContainerID:        &created.ID,
		PersistentVolumeID: &volumeID,
		StartedAt:          &now,
		LastActivityAt:     &now,
		ExpectedVersion:    s.Version,
	})
	if err != nil {
		o.compensateProvision(ctx, s.ID, created, volumeID)
		return nil, o.conflict(ctx, actor, s, op, err)
	}

	o.emit(ctx, audit.ActionSessionProvision, ready, actor, map[string]interface{}{
		"container_id": created.ID,
		"volume_id":    volumeID,
		"reused":       created.Reused,
	})
	return o.sessions.GetWithAgents(ctx, ready.ID)
}

// Dispatch 开始处理工作（READY -> BUSY）
func (o *Orchestrator) Dispatch(ctx context.Context, actor authz.Actor, id string) (*model.Session, error) {
	const op = "dispatch"
	s, err := o.load(ctx, actor, id, authz.ActionSessionUpdate, op)
	if err != nil {
		return nil, err
	}
	return o.dispatch(ctx, actor, s)
}

func (o *Orchestrator) dispatch(ctx context.Context, actor authz.Actor, s *model.Session) (*model.Session, error) {
	const op = "dispatch"
	if s.State == model.SessionStateBusy {
		return s, nil
	}
	if s.State != model.SessionStateReady {
		return nil, apperr.InvalidTransition(op, s.ID, s.State, model.SessionStateBusy)
	}

	now := o.now()
	busy, err := o.sessions.Transition(ctx, s.ID, model.SessionStateReady, model.SessionStateBusy, repository.TransitionFields{
		LastActivityAt:  &now,
		ExpectedVersion: s.Version,
	})
	if err != nil {
		return nil, o.conflict(ctx, actor, s, op, err)
	}
	o.emit(ctx, audit.ActionSessionDispatch, busy, actor, nil)
	return busy, nil
}

// Complete 工作完成（BUSY -> READY，或 opts.Idle 时 BUSY -> IDLE）
func (o *Orchestrator) Complete(ctx context.Context, actor authz.Actor, id string, opts CompleteOptions) (*model.Session, error) {
	const op = "complete"
	s, err := o.load(ctx, actor, id, authz.ActionSessionUpdate, op)
	if err != nil {
		return nil, err
	}
	if opts.Idle {
		if s.State == model.SessionStateIdle {
			return s, nil
		}
		if s.State != model.SessionStateBusy {
			return nil, apperr.InvalidTransition(op, s.ID, s.State, model.SessionStateIdle)
		}
		return o.idle(ctx, actor, s, op, audit.ActionSessionComplete)
	}

	if s.State == model.SessionStateReady {
		return s, nil
	}
	if s.State != model.SessionStateBusy {
		return nil, apperr.InvalidTransition(op, s.ID, s.State, model.SessionStateReady)
	}
	now := o.now()
	ready, err := o.sessions.Transition(ctx, s.ID, model.SessionStateBusy, model.SessionStateReady, repository.TransitionFields{
		LastActivityAt:  &now,
		ExpectedVersion: s.Version,
	})
	if err != nil {
		return nil, o.conflict(ctx, actor, s, op, err)
	}
	o.emit(ctx, audit.ActionSessionComplete, ready, actor, map[string]interface{}{"idle": false})
	return ready, nil
}

// Idle 进入空闲（READY / BUSY -> IDLE），按配置停止容器但保留容器
func (o *Orchestrator) Idle(ctx context.Context, actor authz.Actor, id string) (*model.Session, error) {
	const op = "idle"
	s, err := o.load(ctx, actor, id, authz.ActionSessionUpdate, op)
	if err != nil {
		return nil, err
	}
	if s.State == model.SessionStateIdle {
		return s, nil
	}
	if s.State != model.SessionStateReady && s.State != model.SessionStateBusy {
		return nil, apperr.InvalidTransition(op, s.ID, s.State, model.SessionStateIdle)
	}
	return o.idle(ctx, actor, s, op, audit.ActionSessionIdle)
}

func (o *Orchestrator) idle(ctx context.Context, actor authz.Actor, s *model.Session, op, action string) (*model.Session, error) {
	stopped := false
	if o.opts.StopOnIdle && s.ContainerID != nil {
		dctx, cancel := o.driverContext(ctx)
		err := o.driver.Stop(dctx, *s.ContainerID)
		cancel()
		if err != nil {
			o.markError(ctx, s, "stop container: "+err.Error(), false)
			return nil, o.driverFailure(ctx, actor, s, op, err)
		}
		stopped = true
	}

	idle, err := o.sessions.Transition(ctx, s.ID, s.State, model.SessionStateIdle, repository.TransitionFields{
		ExpectedVersion: s.Version,
	})
	if err != nil {
		if stopped {
			o.restartIfHeld(ctx, s)
		}
		return nil, o.conflict(ctx, actor, s, op, err)
	}
	o.emit(ctx, action, idle, actor, map[string]interface{}{
		"from":              s.State,
		"container_stopped": stopped,
	})
	return idle, nil
}

// Activate 从空闲恢复（IDLE -> READY），容器已停止时先启动
func (o *Orchestrator) Activate(ctx context.Context, actor authz.Actor, id string) (*model.Session, error) {
	const op = "activate"
	s, err := o.load(ctx, actor, id, authz.ActionSessionUpdate, op)
	if err != nil {
		return nil, err
	}
	return o.activate(ctx, actor, s)
}

func (o *Orchestrator) activate(ctx context.Context, actor authz.Actor, s *model.Session) (*model.Session, error) {
	const op = "activate"
	if s.State == model.SessionStateReady || s.State == model.SessionStateBusy {
		return s, nil
	}
	if s.State != model.SessionStateIdle {
		return nil, apperr.InvalidTransition(op, s.ID, s.State, model.SessionStateReady)
	}

	started := false
	if s.ContainerID != nil {
		dctx, cancel := o.driverContext(ctx)
		status, err := o.driver.Inspect(dctx, *s.ContainerID)
		if err == nil && !status.Exists {
			err = fmt.Errorf("container %s: %w", *s.ContainerID, container.ErrNotFound)
		}
		if err == nil && !status.Running {
			err = o.driver.Start(dctx, *s.ContainerID)
			started = err == nil
		}
		cancel()
		if err != nil {
			o.markError(ctx, s, "start container: "+err.Error(), false)
			return nil, o.driverFailure(ctx, actor, s, op, err)
		}
	}

	now := o.now()
	ready, err := o.sessions.Transition(ctx, s.ID, model.SessionStateIdle, model.SessionStateReady, repository.TransitionFields{
		LastActivityAt:  &now,
		ExpectedVersion: s.Version,
	})
	if err != nil {
		return nil, o.conflict(ctx, actor, s, op, err)
	}
	o.emit(ctx, audit.ActionSessionActivate, ready, actor, map[string]interface{}{"container_started": started})
	return ready, nil
}

// Terminate 拆除容器、释放卷并软删除会话
// 拆除失败时会话进入 ERROR 并保留 container_id，供运维对账
// 拆除之后 CAS 冲突时容器已经不存在：仍指向它的会话被迁移到 ERROR，调用方需要重试 Terminate
func (o *Orchestrator) Terminate(ctx context.Context, actor authz.Actor, id, reason string) (*model.Session, error) {
	const op = "terminate"
	s, err := o.load(ctx, actor, id, authz.ActionSessionTerminate, op)
	if err != nil {
		return nil, err
	}
	if s.State == model.SessionStateTerminated {
		return s, nil
	}
	if reason == "" {
		reason = "terminated by " + actor.Name
	}

	removed, err := o.teardown(ctx, s)
	if err != nil {
		o.markError(ctx, s, "teardown failed: "+err.Error(), false)
		return nil, o.driverFailure(ctx, actor, s, op, err)
	}
	o.releaseVolume(ctx, s)

	now := o.now()
	done, err := o.sessions.Transition(ctx, s.ID, s.State, model.SessionStateTerminated, repository.TransitionFields{
		ClearContainer:    true,
		TerminatedAt:      &now,
		TerminationReason: &reason,
		DeletedAt:         &now,
		ExpectedVersion:   s.Version,
	})
	if err != nil {
		if removed != "" {
			o.dropRemovedContainer(ctx, actor, s.ID, removed)
		}
		return nil, o.conflict(ctx, actor, s, op, err)
	}
	o.emit(ctx, audit.ActionSessionTerminate, done, actor, map[string]interface{}{
		"reason": reason,
		"from":   s.State,
	})
	return done, nil
}

// Fail 把会话标记为 ERROR，尽力拆除容器
// 只有拆除成功时才清空 container_id
func (o *Orchestrator) Fail(ctx context.Context, actor authz.Actor, id, reason string) (*model.Session, error) {
	const op = "fail"
	s, err := o.load(ctx, actor, id, authz.ActionSessionUpdate, op)
	if err != nil {
		return nil, err
	}
	if s.State == model.SessionStateError {
		return s, nil
	}
	if s.State.IsTerminal() {
		return nil, apperr.InvalidTransition(op, s.ID, s.State, model.SessionStateError)
	}

	_, teardownErr := o.teardown(ctx, s)
	if teardownErr != nil {
		o.logger.Error("teardown failed while failing session",
			"session_id", s.ID, "container_id", util.Deref(s.ContainerID), "error", teardownErr)
		o.emit(ctx, audit.ActionDriverFailure, s, actor, map[string]interface{}{"op": op, "error": teardownErr.Error()})
	} else {
		o.releaseVolume(ctx, s)
	}

	now := o.now()
	failed, err := o.sessions.Transition(ctx, s.ID, s.State, model.SessionStateError, repository.TransitionFields{
		ClearContainer:    teardownErr == nil,
		TerminatedAt:      &now,
		TerminationReason: &reason,
		ExpectedVersion:   s.Version,
	})
	if err != nil {
		return nil, o.conflict(ctx, actor, s, op, err)
	}
	o.emit(ctx, audit.ActionSessionFail, failed, actor, map[string]interface{}{
		"reason":             reason,
		"from":               s.State,
		"container_retained": teardownErr != nil,
	})
	return failed, nil
}

// ==================== 查询 ====================

// Get 获取会话详情（包含 Agent 绑定），已删除的会话也可读取
func (o *Orchestrator) Get(ctx context.Context, actor authz.Actor, id string) (*model.Session, error) {
	const op = "get"
	s, err := o.sessions.GetWithAgents(ctx, id)
	if err != nil {
		return nil, apperr.WithOp(err, op)
	}
	if err := o.authorizeSession(ctx, actor, authz.ActionSessionRead, s, op); err != nil {
		return nil, err
	}
	return s, nil
}

// List 分页获取未删除的会话
// 非管理员必须指定有权限的工作空间，只有一个工作空间时自动使用
func (o *Orchestrator) List(ctx context.Context, actor authz.Actor, filter repository.SessionFilter) ([]model.Session, int64, error) {
	const op = "list"
	if filter.Workspace == "" && !actor.Admin && actor.Type != authz.ActorSystem {
		if len(actor.Workspaces) == 1 && actor.Workspaces[0] != "*" {
			filter.Workspace = actor.Workspaces[0]
		} else if !containsWildcard(actor.Workspaces) {
			return nil, 0, apperr.Validation(op, "workspace is required")
		}
	}
	if filter.Workspace != "" {
		if err := o.authorize(ctx, actor, authz.ActionSessionRead, filter.Workspace, op); err != nil {
			return nil, 0, err
		}
	}
	for _, st := range filter.States {
		if !st.Valid() {
			return nil, 0, apperr.Validation(op, "unknown state %q", st)
		}
	}
	return o.sessions.List(ctx, filter)
}

// ==================== 内部方法 ====================

// load 鉴权并读取会话的最新状态
func (o *Orchestrator) load(ctx context.Context, actor authz.Actor, id string, action authz.Action, op string) (*model.Session, error) {
	s, err := o.sessions.GetByID(ctx, id)
	if err != nil {
		return nil, apperr.WithOp(err, op)
	}
	if err := o.authorizeSession(ctx, actor, action, s, op); err != nil {
		return nil, err
	}
	return s, nil
}

func (o *Orchestrator) authorize(ctx context.Context, actor authz.Actor, action authz.Action, workspace, op string) error {
	if o.authz.CanPerform(ctx, actor, action, workspace) {
		return nil
	}
	o.logger.Info("authorization denied", "op", op, "actor", actor.Name, "action", action, "workspace", workspace)
	return apperr.Denied(op, actor.Name, string(action), workspace)
}

// authorizeSession 会话级鉴权，Agent Token 只能访问自己所在的会话
func (o *Orchestrator) authorizeSession(ctx context.Context, actor authz.Actor, action authz.Action, s *model.Session, op string) error {
	if actor.Type == authz.ActorAgent && actor.SessionID != s.ID {
		return apperr.Denied(op, actor.Name, string(action), s.Workspace)
	}
	return o.authorize(ctx, actor, action, s.Workspace, op)
}

// driverContext 运行时调用使用独立的超时，调用方取消请求不会中断进行中的拆建
func (o *Orchestrator) driverContext(ctx context.Context) (context.Context, context.CancelFunc) {
	base := context.WithoutCancel(ctx)
	if o.opts.DriverTimeout <= 0 {
		return context.WithCancel(base)
	}
	return context.WithTimeout(base, o.opts.DriverTimeout)
}

func (o *Orchestrator) prepareVolume(ctx context.Context, s *model.Session) (string, error) {
	vctx, cancel := o.driverContext(ctx)
	defer cancel()
	if s.ParentSessionID != nil {
		parent, err := o.sessions.GetByID(ctx, *s.ParentSessionID)
		if err != nil {
			return "", fmt.Errorf("load parent session: %w", err)
		}
		if parent.PersistentVolumeID != nil && o.volumes.Exists(*parent.PersistentVolumeID) {
			return o.volumes.Fork(vctx, *parent.PersistentVolumeID, s.ID)
		}
		o.logger.Warn("parent session has no volume, allocating a fresh one",
			"session_id", s.ID, "parent_session_id", parent.ID)
	}
	return o.volumes.Allocate(vctx, s.ID)
}

// failProvision 创建失败：会话进入 ERROR，释放本次分配的卷
func (o *Orchestrator) failProvision(ctx context.Context, actor authz.Actor, s *model.Session, volumeID string, cause error) error {
	const op = "provision"
	now := o.now()
	reason := cause.Error()
	_, err := o.sessions.Transition(ctx, s.ID, model.SessionStateInit, model.SessionStateError, repository.TransitionFields{
		TerminatedAt:      &now,
		TerminationReason: &reason,
		ExpectedVersion:   s.Version,
	})
	if err != nil {
		o.logger.Warn("could not mark session as failed", "session_id", s.ID, "error", err)
	}
	// Create 报错时运行时可能已经建好了容器（例如启动阶段超时）
	if _, rerr := o.reapUnrecorded(ctx, s.ID); rerr != nil {
		o.logger.Error("failed to remove container left by failed provision", "session_id", s.ID, "error", rerr)
	}
	if volumeID != "" && !o.rowReferences(ctx, s.ID, "", volumeID) {
		if rerr := o.volumes.Release(context.WithoutCancel(ctx), volumeID); rerr != nil {
			o.logger.Warn("failed to release volume", "session_id", s.ID, "volume_id", volumeID, "error", rerr)
		}
	}
	return o.driverFailure(ctx, actor, s, op, cause)
}

// compensateProvision CAS 失败后回收本次创建的资源
// 如果并发的 Provision 已经把同一个容器和卷写入会话，则保留它们
func (o *Orchestrator) compensateProvision(ctx context.Context, id string, created container.Container, volumeID string) {
	if !o.rowReferences(ctx, id, created.ID, "") {
		dctx, cancel := o.driverContext(ctx)
		if err := o.driver.Remove(dctx, created.ID); err != nil {
			o.logger.Error("failed to remove container after conflict",
				"session_id", id, "container_id", created.ID, "reused", created.Reused, "error", err)
		}
		cancel()
	}
	if !o.rowReferences(ctx, id, "", volumeID) {
		if err := o.volumes.Release(context.WithoutCancel(ctx), volumeID); err != nil {
			o.logger.Warn("failed to release volume after conflict", "session_id", id, "volume_id", volumeID, "error", err)
		}
	}
}

// rowReferences 会话当前是否仍然持有给定的容器或卷
func (o *Orchestrator) rowReferences(ctx context.Context, id, containerID, volumeID string) bool {
	s, err := o.sessions.GetByID(ctx, id)
	if err != nil {
		return false
	}
	if containerID != "" {
		return s.State.HoldsContainer() && s.ContainerID != nil && *s.ContainerID == containerID
	}
	return s.State.HoldsContainer() && s.PersistentVolumeID != nil && *s.PersistentVolumeID == volumeID
}

// restartIfHeld Idle 的 CAS 失败后，如果会话仍在使用这个容器则重新启动它
func (o *Orchestrator) restartIfHeld(ctx context.Context, s *model.Session) {
	current, err := o.sessions.GetByID(ctx, s.ID)
	if err != nil || current.ContainerID == nil || *current.ContainerID != *s.ContainerID {
		return
	}
	if current.State != model.SessionStateReady && current.State != model.SessionStateBusy {
		return
	}
	dctx, cancel := o.driverContext(ctx)
	defer cancel()
	if err := o.driver.Start(dctx, *current.ContainerID); err != nil {
		o.logger.Error("failed to restart container after idle conflict", "session_id", s.ID, "error", err)
	}
}

// teardown 停止并删除会话的容器，返回被删除的容器 ID
// 会话没有记录容器时按标签查找未记录的容器
func (o *Orchestrator) teardown(ctx context.Context, s *model.Session) (string, error) {
	if s.ContainerID == nil {
		return o.reapUnrecorded(ctx, s.ID)
	}
	if err := o.removeContainer(ctx, *s.ContainerID); err != nil {
		return "", err
	}
	return *s.ContainerID, nil
}

// reapUnrecorded 删除带有会话标签、但会话行没有持有的容器
func (o *Orchestrator) reapUnrecorded(ctx context.Context, sessionID string) (string, error) {
	dctx, cancel := o.driverContext(ctx)
	id, found, err := o.driver.FindBySessionLabel(dctx, sessionID)
	cancel()
	if err != nil {
		return "", fmt.Errorf("find container by session label: %w", err)
	}
	if !found || o.rowReferences(ctx, sessionID, id, "") {
		return "", nil
	}
	if err := o.removeContainer(ctx, id); err != nil {
		return "", err
	}
	o.logger.Warn("removed unrecorded container", "session_id", sessionID, "container_id", id)
	return id, nil
}

func (o *Orchestrator) removeContainer(ctx context.Context, id string) error {
	dctx, cancel := o.driverContext(ctx)
	defer cancel()
	if err := o.driver.Stop(dctx, id); err != nil {
		return err
	}
	return o.driver.Remove(dctx, id)
}

// dropRemovedContainer Terminate 删除容器后输掉了 CAS
// 如果会话仍然指向这个容器，把它迁移到 ERROR 并清空 container_id
func (o *Orchestrator) dropRemovedContainer(ctx context.Context, actor authz.Actor, id, containerID string) {
	current, err := o.sessions.GetByID(ctx, id)
	if err != nil || !current.State.HoldsContainer() || util.Deref(current.ContainerID) != containerID {
		return
	}
	now := o.now()
	reason := "container removed by terminate"
	failed, err := o.sessions.Transition(ctx, id, current.State, model.SessionStateError, repository.TransitionFields{
		ClearContainer:    true,
		TerminatedAt:      &now,
		TerminationReason: &reason,
		ExpectedVersion:   current.Version,
	})
	if err != nil {
		o.logger.Warn("could not clear removed container", "session_id", id, "container_id", containerID, "error", err)
		return
	}
	o.emit(ctx, audit.ActionSessionFail, failed, actor, map[string]interface{}{
		"reason": reason,
		"from":   current.State,
	})
}

func (o *Orchestrator) releaseVolume(ctx context.Context, s *model.Session) {
	if s.PersistentVolumeID == nil {
		return
	}
	if err := o.volumes.Release(context.WithoutCancel(ctx), *s.PersistentVolumeID); err != nil {
		o.logger.Warn("failed to release volume", "session_id", s.ID, "volume_id", *s.PersistentVolumeID, "error", err)
	}
}

// markError 运行时失败后把会话迁移到 ERROR
func (o *Orchestrator) markError(ctx context.Context, s *model.Session, reason string, clearContainer bool) {
	if s.State == model.SessionStateError {
		return
	}
	now := o.now()
	_, err := o.sessions.Transition(ctx, s.ID, s.State, model.SessionStateError, repository.TransitionFields{
		ClearContainer:    clearContainer,
		TerminatedAt:      &now,
		TerminationReason: &reason,
		ExpectedVersion:   s.Version,
	})
	if err != nil {
		o.logger.Warn("could not mark session as failed", "session_id", s.ID, "error", err)
	}
}

func (o *Orchestrator) driverFailure(ctx context.Context, actor authz.Actor, s *model.Session, op string, err error) error {
	o.logger.Error("container runtime failure", "op", op, "session_id", s.ID, "state", s.State, "error", err)
	o.emit(ctx, audit.ActionDriverFailure, s, actor, map[string]interface{}{"op": op, "error": err.Error()})
	return apperr.DriverFailure(op, s.ID, s.State, err)
}

// conflict 处理 Transition 的错误：冲突只记 debug 日志并审计，不重试
func (o *Orchestrator) conflict(ctx context.Context, actor authz.Actor, s *model.Session, op string, err error) error {
	if errors.Is(err, apperr.ErrConflict) {
		o.logger.Debug("session transition conflict",
			"op", op, "session_id", s.ID, "expected", s.State, "actual", apperr.StateOf(err))
		o.emit(ctx, audit.ActionSessionConflict, s, actor, map[string]interface{}{
			"op":       op,
			"expected": s.State,
			"actual":   apperr.StateOf(err),
		})
	}
	return apperr.WithOp(err, op)
}

func (o *Orchestrator) emit(ctx context.Context, action string, s *model.Session, actor authz.Actor, details map[string]interface{}) {
	if details == nil {
		details = map[string]interface{}{}
	}
	details["state"] = s.State
	o.audit.Emit(ctx, audit.NewEvent(action, audit.EntitySession, s.ID, s.Workspace, actor, details))
}

// containerSpec 构造会话容器参数
func (o *Orchestrator) containerSpec(s *model.Session, volumeID string) (container.Spec, error) {
	agentsJSON, err := json.Marshal(agentEnv(s.Agents))
	if err != nil {
		return container.Spec{}, fmt.Errorf("encode agents: %w", err)
	}
	env := map[string]string{
		EnvSessionID:   s.ID,
		EnvSessionName: s.Name,
		EnvWorkspace:   s.Workspace,
		EnvAgents:      string(agentsJSON),
	}
	if s.StartingPrompt != "" {
		env[EnvStartingPrompt] = s.StartingPrompt
	}
	if o.opts.APIURL != "" {
		env[EnvAPIURL] = o.opts.APIURL
	}
	if o.tokens != nil {
		token, err := o.tokens.GenerateSessionToken(s.ID, s.Workspace)
		if err != nil {
			return container.Spec{}, fmt.Errorf("issue session token: %w", err)
		}
		env[EnvSessionToken] = token
	}

	labels := map[string]string{"orchestrator.workspace": s.Workspace}
	if s.ParentSessionID != nil {
		labels["orchestrator.parent.id"] = *s.ParentSessionID
	}
	return container.Spec{
		Image:        o.opts.Image,
		Env:          env,
		Labels:       labels,
		Resources:    o.opts.Resources,
		VolumeSource: o.volumes.MountSource(volumeID),
		Network:      o.opts.Network,
	}, nil
}

type agentEnvEntry struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Model         string          `json:"model"`
	Instructions  string          `json:"instructions"`
	Position      int             `json:"position"`
	Configuration json.RawMessage `json:"configuration,omitempty"`
}

func agentEnv(bindings []model.SessionAgent) []agentEnvEntry {
	out := make([]agentEnvEntry, 0, len(bindings))
	for _, b := range bindings {
		entry := agentEnvEntry{ID: b.AgentID, Position: b.Position}
		if b.Agent != nil {
			entry.Name = b.Agent.Name
			entry.Model = b.Agent.Model
			entry.Instructions = b.Agent.Instructions
		}
		if b.Configuration != "" {
			entry.Configuration = json.RawMessage(b.Configuration)
		}
		out = append(out, entry)
	}
	return out
}

// resolveBindings 校验并构造 Agent 绑定：必须存在、未删除且属于同一工作空间
func (o *Orchestrator) resolveBindings(ctx context.Context, op, workspace string, req []AgentBinding) ([]model.SessionAgent, error) {
	if len(req) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(req))
	seen := make(map[string]bool, len(req))
	for _, b := range req {
		if b.AgentID == "" {
			return nil, apperr.Validation(op, "agent_id is required")
		}
		if seen[b.AgentID] {
			return nil, apperr.Validation(op, "agent %s bound twice", b.AgentID)
		}
		if len(b.Configuration) > 0 && !json.Valid(b.Configuration) {
			return nil, apperr.Validation(op, "configuration for agent %s is not valid JSON", b.AgentID)
		}
		seen[b.AgentID] = true
		ids = append(ids, b.AgentID)
	}

	agents, err := o.agents.GetByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*model.Agent, len(agents))
	for i := range agents {
		byID[agents[i].ID] = &agents[i]
	}

	bindings := make([]model.SessionAgent, 0, len(req))
	for i, b := range req {
		agent, ok := byID[b.AgentID]
		if !ok {
			return nil, apperr.Validation(op, "agent %s not found", b.AgentID)
		}
		if !agent.Bindable() {
			return nil, apperr.Validation(op, "agent %s is deleted or inactive", b.AgentID)
		}
		if agent.Workspace != workspace {
			return nil, apperr.Validation(op, "agent %s belongs to workspace %s", b.AgentID, agent.Workspace)
		}
		bindings = append(bindings, model.SessionAgent{
			AgentID:       b.AgentID,
			Position:      i,
			Configuration: string(b.Configuration),
		})
	}
	return bindings, nil
}

// inheritBindings remix 时继承父会话的绑定，已删除的 Agent 不再绑定
func (o *Orchestrator) inheritBindings(parent *model.Session) []model.SessionAgent {
	out := make([]model.SessionAgent, 0, len(parent.Agents))
	for _, b := range parent.Agents {
		if b.Agent != nil && !b.Agent.Bindable() {
			o.logger.Warn("skipping deleted agent during remix", "parent_session_id", parent.ID, "agent_id", b.AgentID)
			continue
		}
		out = append(out, model.SessionAgent{
			AgentID:       b.AgentID,
			Position:      len(out),
			Configuration: b.Configuration,
		})
	}
	return out
}

func (o *Orchestrator) resolveTimeout(op string, requested *int, inherited int) (int, error) {
	if requested == nil {
		if inherited > 0 {
			return inherited, nil
		}
		return o.opts.DefaultTimeoutSeconds, nil
	}
	if *requested <= 0 || *requested > maxWaitingTimeoutSecs {
		return 0, apperr.Validation(op, "waiting_timeout_seconds must be between 1 and %d", maxWaitingTimeoutSecs)
	}
	return *requested, nil
}

func validateName(op, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return apperr.Validation(op, "name is required")
	}
	if len(name) > maxNameLength {
		return apperr.Validation(op, "name must be at most "+strconv.Itoa(maxNameLength)+" characters")
	}
	return nil
}

func encodeMetadata(op string, metadata map[string]interface{}) (string, error) {
	if len(metadata) == 0 {
		return "", nil
	}
	b, err := json.Marshal(metadata)
	if err != nil {
		return "", apperr.Validation(op, "metadata: %v", err)
	}
	return string(b), nil
}

func containsWildcard(workspaces []string) bool {
	for _, ws := range workspaces {
		if ws == "*" {
			return true
		}
	}
	return false
}
