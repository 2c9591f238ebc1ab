// Package ctlconfig 管理 sessionctl 的本地配置
// 配置保存在 ~/.sessionctl/config.yaml
package ctlconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config CLI 配置结构
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Auth   AuthConfig   `mapstructure:"auth"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	URL       string `mapstructure:"url"`       // HTTP API 地址
	Workspace string `mapstructure:"workspace"` // 默认工作空间
}

// AuthConfig 认证配置
type AuthConfig struct {
	AccessToken string `mapstructure:"access_token"` // 操作者 Token
	JWTSecret   string `mapstructure:"jwt_secret"`   // 本地签发 Token 使用的密钥，与服务端 jwt.secret 一致
}

// Store 绑定到一个配置文件的读写器
type Store struct {
	v    *viper.Viper
	path string
	cfg  Config
}

// DefaultDir 返回默认配置目录 ~/.sessionctl
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("获取用户目录失败: %w", err)
	}
	return filepath.Join(home, ".sessionctl"), nil
}

// Open 加载 dir 下的 config.yaml，文件不存在时使用默认值
// 环境变量 SESSIONCTL_SERVER_URL 等可覆盖配置
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("创建配置目录失败: %w", err)
	}
	path := filepath.Join(dir, "config.yaml")

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.BindEnv("server.url", "SESSIONCTL_SERVER_URL")
	v.BindEnv("auth.access_token", "SESSIONCTL_TOKEN")
	v.BindEnv("auth.jwt_secret", "JWT_SECRET")

	v.SetDefault("server.url", "http://localhost:8080")
	v.SetDefault("server.workspace", "")
	v.SetDefault("auth.access_token", "")
	v.SetDefault("auth.jwt_secret", "")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("读取配置失败: %w", err)
		}
	}

	s := &Store{v: v, path: path}
	if err := v.Unmarshal(&s.cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	return s, nil
}

// Get 获取配置
func (s *Store) Get() Config {
	return s.cfg
}

// Path 配置文件路径
func (s *Store) Path() string {
	return s.path
}

// SetServerURL 设置服务器地址（不落盘）
func (s *Store) SetServerURL(url string) {
	s.v.Set("server.url", url)
	s.cfg.Server.URL = url
}

// SaveToken 保存访问 Token
func (s *Store) SaveToken(token string) error {
	s.v.Set("auth.access_token", token)
	s.cfg.Auth.AccessToken = token
	return s.write()
}

// SaveWorkspace 保存默认工作空间
func (s *Store) SaveWorkspace(workspace string) error {
	s.v.Set("server.workspace", workspace)
	s.cfg.Server.Workspace = workspace
	return s.write()
}

// ClearToken 清除本地凭证
func (s *Store) ClearToken() error {
	return s.SaveToken("")
}

func (s *Store) write() error {
	if err := s.v.WriteConfigAs(s.path); err != nil {
		return fmt.Errorf("保存配置失败: %w", err)
	}
	return os.Chmod(s.path, 0o600)
}
