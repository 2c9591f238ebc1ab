// Package main 是编排服务的入口点
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/afero"

	"session-orchestrator/internal/audit"
	"session-orchestrator/internal/authz"
	"session-orchestrator/internal/cache"
	"session-orchestrator/internal/config"
	"session-orchestrator/internal/container"
	"session-orchestrator/internal/db"
	"session-orchestrator/internal/handler"
	"session-orchestrator/internal/logger"
	"session-orchestrator/internal/middleware"
	"session-orchestrator/internal/repository"
	"session-orchestrator/internal/service"
	"session-orchestrator/internal/supervisor"
	"session-orchestrator/internal/volume"
	"session-orchestrator/internal/websocket"
	"session-orchestrator/pkg/jwt"
)

// supervisorLockKey 多实例共享的巡检锁
const supervisorLockKey = "supervisor"

func main() {
	// 加载配置
	cfg, err := config.Load("./configs")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Log)
	if err := run(cfg, log); err != nil {
		log.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("server exited")
}

func run(cfg *config.Config, log *slog.Logger) error {
	if cfg.JWT.Secret == "" {
		return errors.New("jwt.secret is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 初始化数据库
	database, err := db.Open(cfg.Database, db.NewGormLogger(log, cfg.Server.Mode))
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(database); err != nil {
		return err
	}
	log.Info("database ready", "driver", cfg.Database.Driver)

	// Redis 可选，多实例部署时必须启用
	var redisCache *cache.RedisCache
	if cfg.Redis.Enabled {
		redisCache, err = cache.NewRedisCache(cfg.Redis)
		if err != nil {
			return err
		}
		defer redisCache.Close()
		log.Info("redis connected", "host", cfg.Redis.Host, "port", cfg.Redis.Port)
	}

	// 容器运行时与持久卷
	driver, err := newDriver(cfg.Docker, log)
	if err != nil {
		return err
	}
	volumes, err := volume.NewFSManager(afero.NewOsFs(), cfg.Docker.VolumesPath)
	if err != nil {
		return err
	}

	jwtService := jwt.NewJWTService(cfg.JWT.Secret, cfg.JWT.AccessExpire, cfg.JWT.SessionExpire)
	authorizer := authz.NewClaimsAuthorizer()

	// 初始化 Repository 层
	sessionRepo := repository.NewSessionRepository(database)
	agentRepo := repository.NewAgentRepository(database)
	messageRepo := repository.NewMessageRepository(database)
	auditRepo := repository.NewAuditRepository(database)

	// 审计实时推送
	hub := websocket.NewHub(authorizer, log)
	go hub.Run(ctx)

	sinks := []audit.Sink{audit.NewDBSink(auditRepo), audit.NewLogSink(log)}
	if redisCache != nil {
		// 事件经 Redis 回到每个实例的 Hub，本实例也不例外
		sinks = append(sinks, audit.NewPublishSink(redisCache))
		go func() {
			if err := hub.Relay(ctx, redisCache.SubscribeAuditEvents(ctx)); err != nil {
				log.Error("audit relay stopped", "error", err)
			}
		}()
	} else {
		sinks = append(sinks, hub)
	}
	emitter := audit.NewEmitter(log, sinks...)

	// 初始化 Service 层
	orch := service.NewOrchestrator(service.Deps{
		Sessions:   sessionRepo,
		Agents:     agentRepo,
		Messages:   messageRepo,
		Driver:     driver,
		Volumes:    volumes,
		Authorizer: authorizer,
		Audit:      emitter,
		Tokens:     jwtService,
		Logger:     log,
	}, service.OptionsFromConfig(cfg))
	agentService := service.NewAgentService(agentRepo, authorizer, emitter, log)

	// 空闲巡检
	if cfg.Supervisor.Enabled {
		var locker supervisor.Locker
		if redisCache != nil {
			locker = supervisor.NewRedisLocker(redisCache, supervisorLockKey, cfg.Supervisor.LockTTL)
		}
		sup := supervisor.New(sessionRepo, orch, driver, locker, supervisor.Config{
			Interval:    cfg.Supervisor.Interval,
			GracePeriod: cfg.Supervisor.GracePeriod,
			HealthCheck: cfg.Supervisor.HealthCheck,
		}, log)
		go sup.Run(ctx)
	}

	// 初始化 Handler 层
	var blacklist middleware.TokenBlacklist
	var revoker handler.TokenRevoker
	if redisCache != nil {
		blacklist = redisCache
		revoker = redisCache
	}
	handlers := handler.Handlers{
		Sessions: handler.NewSessionHandler(orch),
		Agents:   handler.NewAgentHandler(agentService),
		Auth:     handler.NewAuthHandler(revoker, log),
	}
	wsHandler := websocket.NewHandler(hub, jwtService, blacklist, cfg.Server.CORS, log)

	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.LoggerMiddleware(log))
	router.Use(middleware.CORSMiddleware(middleware.DefaultCORSConfig(cfg.Server.CORS)))

	handler.RegisterRoutes(router, middleware.AuthMiddleware(jwtService, blacklist), handlers)
	wsHandler.RegisterRoutes(router)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", "addr", addr, "container_driver", cfg.Docker.Driver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// 优雅关闭
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}

// newDriver 根据 docker.driver 选择容器运行时
// memory 只用于本地开发，进程退出后容器记录丢失
func newDriver(cfg config.DockerConfig, log *slog.Logger) (container.Driver, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "docker":
		return container.NewDockerDriver(cfg.Host, log)
	case "memory":
		log.Warn("using in-memory container driver")
		return container.NewMemoryDriver(), nil
	default:
		return nil, fmt.Errorf("unknown container driver %q", cfg.Driver)
	}
}
