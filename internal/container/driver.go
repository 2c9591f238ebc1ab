// Package container 封装会话容器的运行时操作
// 编排器只依赖 Driver 接口，具体运行时（Docker、内存实现）可替换
package container

import (
	"context"
	"errors"
)

// 容器标签，用于按会话查找容器，保证重复创建时复用同一个容器
const (
	LabelSessionID = "orchestrator.session.id"
	LabelManaged   = "orchestrator.managed"

	// WorkspaceMountPath 持久卷在容器内的挂载点
	WorkspaceMountPath = "/workspace"
)

// ErrNotFound 容器不存在
var ErrNotFound = errors.New("container not found")

// Resources 容器资源限制
type Resources struct {
	CPUs        float64 // CPU 核数，例如 0.5
	MemoryBytes int64   // 内存上限，同时作为 swap 上限（禁止 swap）
}

// Spec 创建容器所需的参数
type Spec struct {
	Image        string
	Env          map[string]string
	Labels       map[string]string
	Resources    Resources
	VolumeSource string // 宿主机上的卷目录，空表示不挂载
	Network      string
}

// Container 创建结果
type Container struct {
	ID string
	// Reused 为 true 表示容器是通过会话标签找到的已有容器，而不是本次创建的
	Reused bool
}

// Status 容器运行状态
type Status struct {
	Exists  bool
	Running bool
	State   string // 运行时报告的原始状态，例如 running / exited
}

// Driver 容器运行时
// Stop / Remove 对不存在的容器视为成功
type Driver interface {
	// Create 创建并启动会话容器，已存在带相同会话标签的容器时直接复用
	Create(ctx context.Context, sessionID string, spec Spec) (Container, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
	FindBySessionLabel(ctx context.Context, sessionID string) (string, bool, error)
	Inspect(ctx context.Context, id string) (Status, error)
}

// SessionLabels 返回会话容器的标准标签
func SessionLabels(sessionID string) map[string]string {
	return map[string]string{
		LabelSessionID: sessionID,
		LabelManaged:   "true",
	}
}

// Name 会话容器名称
func Name(sessionID string) string {
	return "session-" + sessionID
}
