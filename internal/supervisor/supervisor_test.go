package supervisor

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"session-orchestrator/internal/apperr"
	"session-orchestrator/internal/audit"
	"session-orchestrator/internal/authz"
	"session-orchestrator/internal/cache"
	"session-orchestrator/internal/config"
	"session-orchestrator/internal/container"
	"session-orchestrator/internal/db"
	"session-orchestrator/internal/logger"
	"session-orchestrator/internal/model"
	"session-orchestrator/internal/repository"
	"session-orchestrator/internal/service"
	"session-orchestrator/internal/volume"
	"session-orchestrator/pkg/util"
)

var operator = authz.Actor{Name: "alice", Type: authz.ActorUser, Workspaces: []string{"team"}}

type env struct {
	orch     *service.Orchestrator
	sessions *repository.SessionRepository
	driver   *container.MemoryDriver
	sink     *audit.MemorySink
	now      time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gdb, err := db.Open(config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "sessions.db"),
	}, nil)
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(gdb))
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	volumes, err := volume.NewFSManager(afero.NewMemMapFs(), "/volumes")
	require.NoError(t, err)

	e := &env{
		sessions: repository.NewSessionRepository(gdb),
		driver:   container.NewMemoryDriver(),
		sink:     &audit.MemorySink{},
		now:      time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	e.orch = service.NewOrchestrator(service.Deps{
		Sessions:   e.sessions,
		Agents:     repository.NewAgentRepository(gdb),
		Messages:   repository.NewMessageRepository(gdb),
		Driver:     e.driver,
		Volumes:    volumes,
		Authorizer: authz.NewClaimsAuthorizer(),
		Audit:      audit.NewEmitter(logger.Discard(), e.sink),
		Logger:     logger.Discard(),
	}, service.Options{Image: "python:3.11-slim", DriverTimeout: time.Second, StopOnIdle: true})
	e.orch.SetClock(func() time.Time { return e.now })
	return e
}

func (e *env) supervisor(cfg Config) *Supervisor {
	s := New(e.sessions, e.orch, e.driver, nil, cfg, logger.Discard())
	s.SetClock(func() time.Time { return e.now })
	return s
}

func (e *env) readySession(t *testing.T, timeoutSeconds int) *model.Session {
	t.Helper()
	ctx := context.Background()
	s, err := e.orch.Create(ctx, operator, service.CreateSessionRequest{
		Name:                  "nightly",
		Workspace:             "team",
		WaitingTimeoutSeconds: &timeoutSeconds,
	})
	require.NoError(t, err)
	s, err = e.orch.Provision(ctx, operator, s.ID)
	require.NoError(t, err)
	return s
}

func TestIdleReclamation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sup := e.supervisor(Config{GracePeriod: time.Minute})

	s := e.readySession(t, 5)
	s, err := e.orch.Dispatch(ctx, operator, s.ID)
	require.NoError(t, err)
	s, err = e.orch.Complete(ctx, operator, s.ID, service.CompleteOptions{})
	require.NoError(t, err)
	containerID := *s.ContainerID

	e.now = e.now.Add(3 * time.Second)
	report := sup.Tick(ctx)
	assert.Equal(t, 1, report.Scanned)
	assert.Zero(t, report.Idled)

	e.now = e.now.Add(3 * time.Second)
	report = sup.Tick(ctx)
	assert.Equal(t, 1, report.Idled)
	got, err := e.sessions.GetByID(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStateIdle, got.State)
	assert.Equal(t, containerID, util.Deref(got.ContainerID))

	// 宽限期内不回收
	e.now = e.now.Add(30 * time.Second)
	report = sup.Tick(ctx)
	assert.Zero(t, report.Terminated)

	e.now = e.now.Add(time.Minute)
	report = sup.Tick(ctx)
	assert.Equal(t, 1, report.Terminated)

	got, err = e.sessions.GetByID(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStateTerminated, got.State)
	assert.Equal(t, service.ReasonIdleTimeout, util.Deref(got.TerminationReason))
	assert.Nil(t, got.ContainerID)
	assert.NotNil(t, got.DeletedAt)
	assert.Empty(t, e.driver.Containers())

	assert.Equal(t, []string{
		audit.ActionSessionCreate,
		audit.ActionSessionProvision,
		audit.ActionSessionDispatch,
		audit.ActionSessionComplete,
		audit.ActionSessionIdle,
		audit.ActionSessionTerminate,
	}, e.sink.Actions())
	last := e.sink.Events()[len(e.sink.Events())-1]
	assert.Equal(t, authz.ActorSystem, last.ActorType)

	report = sup.Tick(ctx)
	assert.Zero(t, report.Scanned)
}

func TestHealthCheckFailsDeadContainers(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sup := e.supervisor(Config{GracePeriod: time.Minute, HealthCheck: true})

	alive := e.readySession(t, 300)
	dead := e.readySession(t, 300)
	e.driver.Kill(*dead.ContainerID)

	report := sup.Tick(ctx)
	assert.Equal(t, 2, report.Scanned)
	assert.Equal(t, 1, report.Failed)

	got, err := e.sessions.GetByID(ctx, dead.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStateError, got.State)
	assert.Equal(t, ReasonContainerExited, util.Deref(got.TerminationReason))
	assert.Nil(t, got.ContainerID)

	got, err = e.sessions.GetByID(ctx, alive.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStateReady, got.State)
}

func TestTickSkipsWhenLocked(t *testing.T) {
	e := newEnv(t)
	locker := &LocalLocker{}
	sup := New(e.sessions, e.orch, e.driver, locker, Config{}, logger.Discard())

	ok, err := locker.TryLock(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	report := sup.Tick(context.Background())
	assert.True(t, report.Skipped)

	require.NoError(t, locker.Unlock(context.Background()))
	report = sup.Tick(context.Background())
	assert.False(t, report.Skipped)
}

func TestRedisLocker(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := cache.NewRedisCacheWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	ctx := context.Background()

	a := NewRedisLocker(rc, "supervisor", time.Minute)
	b := NewRedisLocker(rc, "supervisor", time.Minute)

	ok, err := a.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	// 非持有者释放不会生效
	require.NoError(t, b.Unlock(ctx))
	ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, a.Unlock(ctx))
	ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(2 * time.Minute)
	ok, err = a.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

type mockIntents struct {
	mock.Mock
}

func (m *mockIntents) Idle(ctx context.Context, actor authz.Actor, id string) (*model.Session, error) {
	args := m.Called(ctx, actor, id)
	s, _ := args.Get(0).(*model.Session)
	return s, args.Error(1)
}

func (m *mockIntents) Terminate(ctx context.Context, actor authz.Actor, id, reason string) (*model.Session, error) {
	args := m.Called(ctx, actor, id, reason)
	s, _ := args.Get(0).(*model.Session)
	return s, args.Error(1)
}

func (m *mockIntents) Fail(ctx context.Context, actor authz.Actor, id, reason string) (*model.Session, error) {
	args := m.Called(ctx, actor, id, reason)
	s, _ := args.Get(0).(*model.Session)
	return s, args.Error(1)
}

type staticLister []model.Session

func (l staticLister) ListSupervised(context.Context) ([]model.Session, error) {
	return l, nil
}

func TestTickContinuesAfterFailures(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	stale := now.Add(-time.Hour)
	sessions := staticLister{
		{ID: "a", State: model.SessionStateReady, WaitingTimeoutSeconds: 60, LastActivityAt: &stale},
		{ID: "b", State: model.SessionStateBusy, WaitingTimeoutSeconds: 60, LastActivityAt: &stale},
		{ID: "c", State: model.SessionStateIdle, WaitingTimeoutSeconds: 60, LastActivityAt: &stale},
		{ID: "d", State: model.SessionStateReady, WaitingTimeoutSeconds: 60, LastActivityAt: &now},
	}

	intents := &mockIntents{}
	intents.On("Idle", mock.Anything, authz.System, "a").
		Return(nil, apperr.DriverFailure("idle", "a", model.SessionStateReady, errors.New("boom")))
	intents.On("Idle", mock.Anything, authz.System, "b").
		Return(nil, apperr.Conflict("idle", "b", model.SessionStateReady))
	intents.On("Terminate", mock.Anything, authz.System, "c", service.ReasonIdleTimeout).
		Return(&model.Session{ID: "c", State: model.SessionStateTerminated}, nil)

	sup := New(sessions, intents, nil, nil, Config{GracePeriod: time.Minute}, logger.Discard())
	sup.SetClock(func() time.Time { return now })

	report := sup.Tick(context.Background())
	assert.Equal(t, 4, report.Scanned)
	assert.Equal(t, 1, report.Errors)
	assert.Equal(t, 1, report.Conflicts)
	assert.Equal(t, 1, report.Terminated)
	assert.Zero(t, report.Idled)
	intents.AssertExpectations(t)
	intents.AssertNotCalled(t, "Idle", mock.Anything, mock.Anything, "d")
}

func TestTickStopsWhenLockExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := cache.NewRedisCacheWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	stale := now.Add(-time.Hour)
	sessions := staticLister{
		{ID: "a", State: model.SessionStateReady, WaitingTimeoutSeconds: 60, LastActivityAt: &stale},
		{ID: "b", State: model.SessionStateReady, WaitingTimeoutSeconds: 60, LastActivityAt: &stale},
		{ID: "c", State: model.SessionStateReady, WaitingTimeoutSeconds: 60, LastActivityAt: &stale},
	}
	other := NewRedisLocker(rc, "supervisor", time.Minute)

	// 第一个会话的处理时间超过锁的 ttl，期间另一个实例拿到了锁
	intents := &mockIntents{}
	intents.On("Idle", mock.Anything, authz.System, "a").
		Run(func(mock.Arguments) {
			mr.FastForward(2 * time.Minute)
			ok, err := other.TryLock(ctx)
			require.NoError(t, err)
			require.True(t, ok)
		}).
		Return(&model.Session{ID: "a", State: model.SessionStateIdle}, nil)

	sup := New(sessions, intents, nil, NewRedisLocker(rc, "supervisor", time.Minute), Config{}, logger.Discard())
	sup.SetClock(func() time.Time { return now })

	report := sup.Tick(ctx)
	assert.True(t, report.LockLost)
	assert.Equal(t, 1, report.Scanned)
	assert.Equal(t, 1, report.Idled)
	intents.AssertNotCalled(t, "Idle", mock.Anything, mock.Anything, "b")

	// 丢失的锁不会被原持有者释放
	ok, err := NewRedisLocker(rc, "supervisor", time.Minute).TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTickRefreshesLockBetweenSessions(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := cache.NewRedisCacheWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	stale := now.Add(-time.Hour)
	sessions := staticLister{
		{ID: "a", State: model.SessionStateReady, WaitingTimeoutSeconds: 60, LastActivityAt: &stale},
		{ID: "b", State: model.SessionStateReady, WaitingTimeoutSeconds: 60, LastActivityAt: &stale},
		{ID: "c", State: model.SessionStateReady, WaitingTimeoutSeconds: 60, LastActivityAt: &stale},
	}

	// 每个会话耗时 40s，累计超过 ttl，但每次续期都在过期之前
	intents := &mockIntents{}
	intents.On("Idle", mock.Anything, authz.System, mock.Anything).
		Run(func(mock.Arguments) { mr.FastForward(40 * time.Second) }).
		Return(&model.Session{State: model.SessionStateIdle}, nil)

	sup := New(sessions, intents, nil, NewRedisLocker(rc, "supervisor", time.Minute), Config{}, logger.Discard())
	sup.SetClock(func() time.Time { return now })

	report := sup.Tick(context.Background())
	assert.False(t, report.LockLost)
	assert.Equal(t, 3, report.Scanned)
	assert.Equal(t, 3, report.Idled)
	assert.False(t, mr.Exists("lock:supervisor"))
}

func TestRunStopsOnCancel(t *testing.T) {
	sup := New(staticLister{}, &mockIntents{}, nil, nil, Config{Interval: 5 * time.Millisecond}, logger.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("supervisor did not stop")
	}
}
