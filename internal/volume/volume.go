// Package volume 管理会话的持久卷
// 卷是 base 目录下以卷 ID 命名的子目录，租约文件记录卷当前是否被会话占用
package volume

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// leaseDir 租约目录，位于卷根目录下
const leaseDir = ".leases"

// ErrNotFound 卷不存在
var ErrNotFound = errors.New("volume not found")

// Manager 持久卷管理
type Manager interface {
	// Allocate 为会话分配新卷
	Allocate(ctx context.Context, sessionID string) (string, error)
	// Fork 复制父卷内容到新卷，用于 remix
	Fork(ctx context.Context, parentVolumeID, sessionID string) (string, error)
	// Release 释放租约，数据保留以便之后 remix
	Release(ctx context.Context, volumeID string) error
	// MountSource 返回卷在宿主机上的路径
	MountSource(volumeID string) string
	Exists(volumeID string) bool
}

// FSManager 基于文件系统的 Manager 实现
type FSManager struct {
	fs   afero.Fs
	base string
}

// NewFSManager 创建 FSManager
// 参数:
//   - fs: 文件系统，生产环境用 afero.NewOsFs()，测试用 afero.NewMemMapFs()
//   - base: 卷根目录
func NewFSManager(fs afero.Fs, base string) (*FSManager, error) {
	if err := fs.MkdirAll(filepath.Join(base, leaseDir), 0o755); err != nil {
		return nil, fmt.Errorf("create volume root: %w", err)
	}
	return &FSManager{fs: fs, base: base}, nil
}

// VolumeID 会话卷的 ID，与会话一一对应，重试分配时得到同一个卷
func VolumeID(sessionID string) string {
	return "vol-" + sessionID
}

// Allocate 实现 Manager，卷已存在时直接续租
func (m *FSManager) Allocate(ctx context.Context, sessionID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := VolumeID(sessionID)
	if err := m.fs.MkdirAll(m.MountSource(id), 0o755); err != nil {
		return "", fmt.Errorf("allocate volume %s: %w", id, err)
	}
	if err := m.lease(id, sessionID); err != nil {
		return "", err
	}
	return id, nil
}

// Fork 实现 Manager
// 目标卷已有内容时不再复制，保证重试安全
func (m *FSManager) Fork(ctx context.Context, parentVolumeID, sessionID string) (string, error) {
	if !m.Exists(parentVolumeID) {
		return "", fmt.Errorf("fork volume %s: %w", parentVolumeID, ErrNotFound)
	}
	id := VolumeID(sessionID)
	dst := m.MountSource(id)

	populated, err := m.populated(dst)
	if err != nil {
		return "", err
	}
	if !populated {
		if err := m.copyTree(ctx, m.MountSource(parentVolumeID), dst); err != nil {
			return "", fmt.Errorf("fork volume %s: %w", parentVolumeID, err)
		}
	}
	if err := m.lease(id, sessionID); err != nil {
		return "", err
	}
	return id, nil
}

// Release 实现 Manager，重复释放不报错
func (m *FSManager) Release(ctx context.Context, volumeID string) error {
	err := m.fs.Remove(m.leasePath(volumeID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release volume %s: %w", volumeID, err)
	}
	return nil
}

// MountSource 实现 Manager
func (m *FSManager) MountSource(volumeID string) string {
	return filepath.Join(m.base, volumeID)
}

// Exists 实现 Manager
func (m *FSManager) Exists(volumeID string) bool {
	if volumeID == "" || strings.HasPrefix(volumeID, ".") {
		return false
	}
	ok, err := afero.DirExists(m.fs, m.MountSource(volumeID))
	return err == nil && ok
}

// Leased 卷当前是否被会话占用
func (m *FSManager) Leased(volumeID string) bool {
	ok, err := afero.Exists(m.fs, m.leasePath(volumeID))
	return err == nil && ok
}

func (m *FSManager) leasePath(volumeID string) string {
	return filepath.Join(m.base, leaseDir, volumeID)
}

func (m *FSManager) lease(volumeID, sessionID string) error {
	content := fmt.Sprintf("%s %s\n", sessionID, time.Now().UTC().Format(time.RFC3339))
	if err := afero.WriteFile(m.fs, m.leasePath(volumeID), []byte(content), 0o644); err != nil {
		return fmt.Errorf("lease volume %s: %w", volumeID, err)
	}
	return nil
}

func (m *FSManager) populated(dir string) (bool, error) {
	exists, err := afero.DirExists(m.fs, dir)
	if err != nil || !exists {
		return false, err
	}
	empty, err := afero.IsEmpty(m.fs, dir)
	if err != nil {
		return false, err
	}
	return !empty, nil
}

// copyTree 递归复制目录，保留文件权限
func (m *FSManager) copyTree(ctx context.Context, src, dst string) error {
	return afero.Walk(m.fs, src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return m.fs.MkdirAll(target, info.Mode().Perm()|0o700)
		}
		return m.copyFile(path, target, info.Mode().Perm())
	})
}

func (m *FSManager) copyFile(src, dst string, perm os.FileMode) error {
	in, err := m.fs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := m.fs.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
