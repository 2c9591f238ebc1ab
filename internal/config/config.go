// Package config 负责加载和管理应用程序的配置
// 使用 viper 库支持 YAML 配置文件和环境变量覆盖
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 是应用程序的根配置结构
// 包含所有子配置模块
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`       // 服务器配置
	Database     DatabaseConfig     `mapstructure:"database"`     // 数据库配置
	Redis        RedisConfig        `mapstructure:"redis"`        // Redis 配置
	JWT          JWTConfig          `mapstructure:"jwt"`          // JWT 配置
	Log          LogConfig          `mapstructure:"log"`          // 日志配置
	Docker       DockerConfig       `mapstructure:"docker"`       // 容器运行时配置
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"` // 编排器配置
	Supervisor   SupervisorConfig   `mapstructure:"supervisor"`   // 空闲巡检配置
}

// ServerConfig 服务器相关配置
type ServerConfig struct {
	Port int      `mapstructure:"port"` // 监听端口，默认 8080
	Mode string   `mapstructure:"mode"` // 运行模式: debug / release
	CORS []string `mapstructure:"cors"` // CORS 允许的域名
}

// DatabaseConfig 数据库连接配置
// Driver 为 mysql 时使用 Host/Port 等字段拼接 DSN，
// postgres / sqlite 直接使用 DSN
type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"`         // mysql / postgres / sqlite
	DSN          string `mapstructure:"dsn"`            // 完整连接串，优先于分项配置
	Host         string `mapstructure:"host"`           // 数据库主机地址
	Port         int    `mapstructure:"port"`           // 数据库端口
	Username     string `mapstructure:"username"`       // 数据库用户名
	Password     string `mapstructure:"password"`       // 数据库密码
	Database     string `mapstructure:"database"`       // 数据库名称
	Charset      string `mapstructure:"charset"`        // 字符集
	MaxIdleConns int    `mapstructure:"max_idle_conns"` // 最大空闲连接数
	MaxOpenConns int    `mapstructure:"max_open_conns"` // 最大打开连接数
	MaxLifetime  int    `mapstructure:"max_lifetime"`   // 连接最大生命周期（秒）
}

// RedisConfig Redis 连接配置
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`   // 是否启用（多实例部署时必须启用）
	Host     string `mapstructure:"host"`      // Redis 主机地址
	Port     int    `mapstructure:"port"`      // Redis 端口
	Username string `mapstructure:"username"`  // Redis 用户名
	Password string `mapstructure:"password"`  // Redis 密码
	DB       int    `mapstructure:"db"`        // 数据库索引 (0-15)
	PoolSize int    `mapstructure:"pool_size"` // 连接池大小
}

// JWTConfig JWT 认证配置
type JWTConfig struct {
	Secret        string        `mapstructure:"secret"`         // JWT 签名密钥，至少32字符
	AccessExpire  time.Duration `mapstructure:"access_expire"`  // 操作者 Token 过期时间
	SessionExpire time.Duration `mapstructure:"session_expire"` // 容器内 Agent Token 过期时间
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`  // 日志级别: debug/info/warn/error
	Format string `mapstructure:"format"` // 日志格式: json/text
}

// DockerConfig 容器运行时配置
type DockerConfig struct {
	Driver      string  `mapstructure:"driver"`       // docker / memory
	Host        string  `mapstructure:"host"`         // Docker daemon 地址，空则读取环境变量
	Image       string  `mapstructure:"image"`        // 会话容器镜像
	CPULimit    float64 `mapstructure:"cpu_limit"`    // CPU 核数，例如 0.5
	MemoryLimit int64   `mapstructure:"memory_limit"` // 内存上限（字节）
	Network     string  `mapstructure:"network"`      // 容器网络
	VolumesPath string  `mapstructure:"volumes_path"` // 持久卷根目录
	APIURL      string  `mapstructure:"api_url"`      // 容器内回调 API 地址
}

// OrchestratorConfig 编排器配置
type OrchestratorConfig struct {
	DriverTimeout         time.Duration `mapstructure:"driver_timeout"`          // 单次运行时调用的超时
	StopOnIdle            bool          `mapstructure:"stop_on_idle"`            // 进入 IDLE 时是否停止容器
	DefaultTimeoutSeconds int           `mapstructure:"default_timeout_seconds"` // 默认 waiting_timeout_seconds
}

// SupervisorConfig 空闲巡检配置
type SupervisorConfig struct {
	Enabled     bool          `mapstructure:"enabled"`      // 是否启动巡检
	Interval    time.Duration `mapstructure:"interval"`     // 巡检间隔
	GracePeriod time.Duration `mapstructure:"grace_period"` // IDLE 之后到回收的宽限期
	HealthCheck bool          `mapstructure:"health_check"` // 是否检查容器存活
	LockTTL     time.Duration `mapstructure:"lock_ttl"`     // 分布式巡检锁过期时间
}

// ErrWeakSecret JWT 密钥过短
var ErrWeakSecret = errors.New("jwt.secret 至少需要 32 个字符")

// Load 从指定路径加载配置文件
// 支持环境变量覆盖配置项
// 参数:
//   - configPath: 配置文件目录路径 (如 "./configs")
//
// 返回:
//   - *Config: 配置对象
//   - error: 如果加载失败则返回错误
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)

	// 将环境变量中的 _ 映射到配置的 .
	// 例如: DATABASE_DRIVER -> database.driver
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	bindEnvVariables(v)
	setDefaults(v)

	// 配置文件不存在时继续使用默认值和环境变量
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 校验配置的基本合法性
func (c *Config) Validate() error {
	if c.JWT.Secret != "" && len(c.JWT.Secret) < 32 {
		return ErrWeakSecret
	}
	return nil
}

// bindEnvVariables 绑定环境变量到配置项
func bindEnvVariables(v *viper.Viper) {
	// 服务器配置
	v.BindEnv("server.port", "SERVER_PORT")
	v.BindEnv("server.mode", "SERVER_MODE")

	// 数据库配置
	v.BindEnv("database.driver", "DATABASE_DRIVER")
	v.BindEnv("database.dsn", "DATABASE_URL")
	v.BindEnv("database.host", "MYSQL_HOST")
	v.BindEnv("database.port", "MYSQL_PORT")
	v.BindEnv("database.username", "MYSQL_USERNAME")
	v.BindEnv("database.password", "MYSQL_PASSWORD")
	v.BindEnv("database.database", "MYSQL_DATABASE")

	// Redis 配置
	v.BindEnv("redis.enabled", "REDIS_ENABLED")
	v.BindEnv("redis.host", "REDIS_HOST")
	v.BindEnv("redis.port", "REDIS_PORT")
	v.BindEnv("redis.username", "REDIS_USERNAME")
	v.BindEnv("redis.password", "REDIS_PASSWORD")

	// JWT 配置
	v.BindEnv("jwt.secret", "JWT_SECRET")

	// 容器配置
	v.BindEnv("docker.driver", "CONTAINER_DRIVER")
	v.BindEnv("docker.host", "DOCKER_HOST")
	v.BindEnv("docker.image", "SESSION_IMAGE")
	v.BindEnv("docker.cpu_limit", "SESSION_CPU_LIMIT")
	v.BindEnv("docker.memory_limit", "SESSION_MEMORY_LIMIT")
	v.BindEnv("docker.volumes_path", "SESSION_VOLUMES_PATH")
}

// setDefaults 设置配置项的默认值
func setDefaults(v *viper.Viper) {
	// 服务器默认配置
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.cors", []string{"http://localhost:3000", "http://localhost:5173"})

	// 数据库默认配置
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "data/sessions.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.charset", "utf8mb4")
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.max_open_conns", 100)
	v.SetDefault("database.max_lifetime", 3600)

	// Redis 默认配置
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 100)

	// JWT 默认配置
	v.SetDefault("jwt.access_expire", "24h")
	v.SetDefault("jwt.session_expire", "168h")

	// 日志默认配置
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// 容器默认配置
	v.SetDefault("docker.driver", "docker")
	v.SetDefault("docker.image", "python:3.11-slim")
	v.SetDefault("docker.cpu_limit", 0.5)
	v.SetDefault("docker.memory_limit", 512*1024*1024) // 512MB
	v.SetDefault("docker.volumes_path", "/var/lib/session-orchestrator/volumes")
	v.SetDefault("docker.api_url", "http://host.docker.internal:8080")

	// 编排器默认配置
	v.SetDefault("orchestrator.driver_timeout", "60s")
	v.SetDefault("orchestrator.stop_on_idle", true)
	v.SetDefault("orchestrator.default_timeout_seconds", 300)

	// 巡检默认配置
	v.SetDefault("supervisor.enabled", true)
	v.SetDefault("supervisor.interval", "30s")
	v.SetDefault("supervisor.grace_period", "10m")
	v.SetDefault("supervisor.health_check", true)
	v.SetDefault("supervisor.lock_ttl", "2m")
}
