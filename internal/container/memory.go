package container

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// 可注入失败的操作名
const (
	OpCreate = "create"
	OpStart  = "start"
	OpStop   = "stop"
	OpRemove = "remove"
	OpFind   = "find"
)

type memContainer struct {
	id        string
	sessionID string
	spec      Spec
	running   bool
}

// MemoryDriver 进程内的 Driver 实现
// 用于测试和 docker.driver=memory 的本地开发模式，支持按操作注入失败
type MemoryDriver struct {
	mu         sync.Mutex
	containers map[string]*memContainer
	failures   map[string]error
	seq        int
	creates    int
}

// NewMemoryDriver 创建 MemoryDriver
func NewMemoryDriver() *MemoryDriver {
	return &MemoryDriver{
		containers: make(map[string]*memContainer),
		failures:   make(map[string]error),
	}
}

// SetFailure 让指定操作返回 err，err 为 nil 时清除
func (m *MemoryDriver) SetFailure(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

// Create 实现 Driver
func (m *MemoryDriver) Create(ctx context.Context, sessionID string, spec Spec) (Container, error) {
	if err := ctx.Err(); err != nil {
		return Container{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failures[OpFind]; err != nil {
		return Container{}, err
	}
	if c := m.findLocked(sessionID); c != nil {
		c.running = true
		return Container{ID: c.id, Reused: true}, nil
	}
	if err := m.failures[OpCreate]; err != nil {
		return Container{}, err
	}

	m.seq++
	m.creates++
	id := fmt.Sprintf("mem-%06d", m.seq)
	m.containers[id] = &memContainer{id: id, sessionID: sessionID, spec: spec, running: true}
	return Container{ID: id}, nil
}

// Start 实现 Driver
func (m *MemoryDriver) Start(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures[OpStart]; err != nil {
		return err
	}
	c, ok := m.containers[id]
	if !ok {
		return fmt.Errorf("start container %s: %w", id, ErrNotFound)
	}
	c.running = true
	return nil
}

// Stop 实现 Driver
func (m *MemoryDriver) Stop(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures[OpStop]; err != nil {
		return err
	}
	if c, ok := m.containers[id]; ok {
		c.running = false
	}
	return nil
}

// Remove 实现 Driver
func (m *MemoryDriver) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures[OpRemove]; err != nil {
		return err
	}
	delete(m.containers, id)
	return nil
}

// FindBySessionLabel 实现 Driver
func (m *MemoryDriver) FindBySessionLabel(ctx context.Context, sessionID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures[OpFind]; err != nil {
		return "", false, err
	}
	if c := m.findLocked(sessionID); c != nil {
		return c.id, true, nil
	}
	return "", false, nil
}

// Inspect 实现 Driver
func (m *MemoryDriver) Inspect(ctx context.Context, id string) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.containers[id]
	if !ok {
		return Status{}, nil
	}
	state := "exited"
	if c.running {
		state = "running"
	}
	return Status{Exists: true, Running: c.running, State: state}, nil
}

// Kill 模拟容器意外退出
func (m *MemoryDriver) Kill(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.containers[id]; ok {
		c.running = false
	}
}

// Containers 返回当前存在的容器 ID（排序后）
func (m *MemoryDriver) Containers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.containers))
	for id := range m.containers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SpecOf 返回创建容器时使用的 Spec
func (m *MemoryDriver) SpecOf(id string) (Spec, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.containers[id]
	if !ok {
		return Spec{}, false
	}
	return c.spec, true
}

// CreateCount 实际创建（非复用）的容器数量
func (m *MemoryDriver) CreateCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creates
}

func (m *MemoryDriver) findLocked(sessionID string) *memContainer {
	for _, c := range m.containers {
		if c.sessionID == sessionID {
			return c
		}
	}
	return nil
}
