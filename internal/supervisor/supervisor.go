// Package supervisor 定期扫描活跃会话，回收空闲会话并检查容器存活
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"session-orchestrator/internal/apperr"
	"session-orchestrator/internal/authz"
	"session-orchestrator/internal/container"
	"session-orchestrator/internal/model"
	"session-orchestrator/internal/service"
)

// ReasonContainerExited 健康检查发现容器退出时记录的原因
const ReasonContainerExited = "container not running"

// SessionLister 列出需要巡检的会话，*repository.SessionRepository 满足该接口
type SessionLister interface {
	ListSupervised(ctx context.Context) ([]model.Session, error)
}

// Intents 巡检器调用的编排操作，*service.Orchestrator 满足该接口
type Intents interface {
	Idle(ctx context.Context, actor authz.Actor, id string) (*model.Session, error)
	Terminate(ctx context.Context, actor authz.Actor, id, reason string) (*model.Session, error)
	Fail(ctx context.Context, actor authz.Actor, id, reason string) (*model.Session, error)
}

// Config 巡检参数
type Config struct {
	Interval    time.Duration // 扫描间隔
	GracePeriod time.Duration // IDLE 之后到终止的宽限期
	HealthCheck bool          // 是否检查容器存活
}

// Report 单次扫描的结果
type Report struct {
	Scanned    int
	Idled      int
	Terminated int
	Failed     int
	Conflicts  int
	Errors     int
	Skipped    bool // 没有拿到运行锁
	LockLost   bool // 扫描中途锁过期，剩余会话留给下一次扫描
}

// Supervisor 空闲与超时巡检器
// 只通过编排器的公开操作修改会话，自身不持有任何会话状态
type Supervisor struct {
	sessions SessionLister
	intents  Intents
	driver   container.Driver
	locker   Locker
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// New 创建 Supervisor
// 参数:
//   - sessions: 会话列表来源
//   - intents: 编排器
//   - driver: 健康检查使用的容器运行时，HealthCheck 关闭时可为 nil
//   - locker: 运行锁，nil 时使用 LocalLocker
//   - cfg: 巡检参数
//   - logger: 日志
func New(sessions SessionLister, intents Intents, driver container.Driver, locker Locker, cfg Config, logger *slog.Logger) *Supervisor {
	if locker == nil {
		locker = &LocalLocker{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Supervisor{
		sessions: sessions,
		intents:  intents,
		driver:   driver,
		locker:   locker,
		cfg:      cfg,
		logger:   logger.With("component", "supervisor"),
		now:      time.Now,
	}
}

// SetClock 替换时间来源
func (s *Supervisor) SetClock(now func() time.Time) {
	s.now = now
}

// Run 按固定间隔扫描，直到 ctx 被取消
// 应该在单独的 goroutine 中运行
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("supervisor started", "interval", s.cfg.Interval, "grace_period", s.cfg.GracePeriod)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("supervisor stopped")
			return
		case <-ticker.C:
			report := s.Tick(ctx)
			if report.Idled+report.Terminated+report.Failed+report.Errors > 0 {
				s.logger.Info("supervisor tick",
					"scanned", report.Scanned,
					"idled", report.Idled,
					"terminated", report.Terminated,
					"failed", report.Failed,
					"errors", report.Errors,
				)
			}
		}
	}
}

// Tick 执行一次扫描
// 单个会话失败只记录日志，不会中断扫描
func (s *Supervisor) Tick(ctx context.Context) Report {
	var report Report

	ok, err := s.locker.TryLock(ctx)
	if err != nil {
		s.logger.Warn("failed to acquire supervisor lock", "error", err)
		report.Skipped = true
		return report
	}
	if !ok {
		s.logger.Debug("another scan is running, skipping tick")
		report.Skipped = true
		return report
	}
	defer func() {
		if err := s.locker.Unlock(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("failed to release supervisor lock", "error", err)
		}
	}()

	sessions, err := s.sessions.ListSupervised(ctx)
	if err != nil {
		s.logger.Error("failed to list sessions", "error", err)
		report.Errors++
		return report
	}

	now := s.now()
	for i := range sessions {
		if ctx.Err() != nil {
			break
		}
		if i > 0 && !s.holdLock(ctx) {
			report.LockLost = true
			break
		}
		report.Scanned++
		s.inspect(ctx, &sessions[i], now, &report)
	}
	return report
}

// holdLock 续期运行锁，失败时其他实例可能已经开始扫描
func (s *Supervisor) holdLock(ctx context.Context) bool {
	held, err := s.locker.Refresh(ctx)
	if err != nil {
		s.logger.Warn("failed to refresh supervisor lock, stopping scan", "error", err)
		return false
	}
	if !held {
		s.logger.Warn("supervisor lock expired, stopping scan")
	}
	return held
}

func (s *Supervisor) inspect(ctx context.Context, session *model.Session, now time.Time, report *Report) {
	deadline := session.IdleDeadline()
	if deadline.IsZero() {
		return
	}

	switch session.State {
	case model.SessionStateIdle:
		if now.After(deadline.Add(s.cfg.GracePeriod)) {
			_, err := s.intents.Terminate(ctx, authz.System, session.ID, service.ReasonIdleTimeout)
			s.record(session, "terminate", err, &report.Terminated, report)
		}

	case model.SessionStateReady, model.SessionStateBusy:
		if s.cfg.HealthCheck && s.driver != nil && session.ContainerID != nil && !s.alive(ctx, session) {
			_, err := s.intents.Fail(ctx, authz.System, session.ID, ReasonContainerExited)
			s.record(session, "fail", err, &report.Failed, report)
			return
		}
		if now.After(deadline) {
			_, err := s.intents.Idle(ctx, authz.System, session.ID)
			s.record(session, "idle", err, &report.Idled, report)
		}
	}
}

// alive 检查失败时按存活处理，由下一次扫描重试
func (s *Supervisor) alive(ctx context.Context, session *model.Session) bool {
	status, err := s.driver.Inspect(ctx, *session.ContainerID)
	if err != nil {
		s.logger.Warn("health check failed", "session_id", session.ID, "error", err)
		return true
	}
	return status.Exists && status.Running
}

func (s *Supervisor) record(session *model.Session, op string, err error, counter *int, report *Report) {
	switch {
	case err == nil:
		*counter++
	case errors.Is(err, apperr.ErrConflict), errors.Is(err, apperr.ErrInvalidTransition):
		// 会话已被其他调用推进，下一次扫描会看到新状态
		report.Conflicts++
		s.logger.Debug("supervisor lost race", "op", op, "session_id", session.ID, "error", err)
	default:
		report.Errors++
		s.logger.Error("supervisor action failed", "op", op, "session_id", session.ID, "state", session.State, "error", err)
	}
}
