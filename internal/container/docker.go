package container

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/docker/docker/api/types"
	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// dockerAPI DockerDriver 用到的 Docker Engine 接口子集，*client.Client 满足该接口
type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *dockercontainer.Config, hostConfig *dockercontainer.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (dockercontainer.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options dockercontainer.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options dockercontainer.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options dockercontainer.RemoveOptions) error
	ContainerList(ctx context.Context, options dockercontainer.ListOptions) ([]types.Container, error)
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
}

// stopTimeoutSeconds 停止容器时等待进程退出的时间
const stopTimeoutSeconds = 10

// DockerDriver 基于 Docker Engine API 的 Driver 实现
type DockerDriver struct {
	api    dockerAPI
	logger *slog.Logger
}

// NewDockerDriver 连接 Docker daemon
// 参数:
//   - host: daemon 地址，空则读取 DOCKER_HOST 等环境变量
//   - logger: 日志
//
// 返回:
//   - *DockerDriver: 驱动实例
//   - error: 客户端创建错误
func NewDockerDriver(host string, logger *slog.Logger) (*DockerDriver, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return newDockerDriver(cli, logger), nil
}

func newDockerDriver(api dockerAPI, logger *slog.Logger) *DockerDriver {
	return &DockerDriver{api: api, logger: logger.With("component", "docker")}
}

// Create 实现 Driver
func (d *DockerDriver) Create(ctx context.Context, sessionID string, spec Spec) (Container, error) {
	if id, found, err := d.FindBySessionLabel(ctx, sessionID); err != nil {
		return Container{}, err
	} else if found {
		d.logger.Info("reusing session container", "session_id", sessionID, "container_id", id)
		if err := d.Start(ctx, id); err != nil {
			return Container{}, err
		}
		return Container{ID: id, Reused: true}, nil
	}

	if err := d.ensureImage(ctx, spec.Image); err != nil {
		return Container{}, err
	}

	labels := SessionLabels(sessionID)
	for k, v := range spec.Labels {
		labels[k] = v
	}
	config := &dockercontainer.Config{
		Image:      spec.Image,
		Env:        envList(spec.Env),
		Labels:     labels,
		WorkingDir: WorkspaceMountPath,
	}
	hostConfig := &dockercontainer.HostConfig{
		Resources: dockercontainer.Resources{
			NanoCPUs:   int64(spec.Resources.CPUs * 1e9),
			Memory:     spec.Resources.MemoryBytes,
			MemorySwap: spec.Resources.MemoryBytes,
		},
	}
	if spec.VolumeSource != "" {
		hostConfig.Mounts = []mount.Mount{{
			Type:   mount.TypeBind,
			Source: spec.VolumeSource,
			Target: WorkspaceMountPath,
		}}
	}
	if spec.Network != "" {
		hostConfig.NetworkMode = dockercontainer.NetworkMode(spec.Network)
	}

	resp, err := d.api.ContainerCreate(ctx, config, hostConfig, nil, nil, Name(sessionID))
	if err != nil {
		// 并发创建时名称冲突，改为复用对方创建的容器
		if errdefs.IsConflict(err) {
			if id, found, ferr := d.FindBySessionLabel(ctx, sessionID); ferr == nil && found {
				return Container{ID: id, Reused: true}, nil
			}
		}
		return Container{}, fmt.Errorf("create container: %w", err)
	}

	if err := d.api.ContainerStart(ctx, resp.ID, dockercontainer.StartOptions{}); err != nil {
		// 启动失败的容器不留给下一次重试复用
		cleanupCtx := context.WithoutCancel(ctx)
		if rerr := d.api.ContainerRemove(cleanupCtx, resp.ID, dockercontainer.RemoveOptions{Force: true}); rerr != nil {
			d.logger.Warn("failed to remove unstarted container", "container_id", resp.ID, "error", rerr)
		}
		return Container{}, fmt.Errorf("start container: %w", err)
	}

	d.logger.Info("session container created", "session_id", sessionID, "container_id", resp.ID, "image", spec.Image)
	return Container{ID: resp.ID}, nil
}

// Start 实现 Driver，已运行的容器直接返回成功
func (d *DockerDriver) Start(ctx context.Context, id string) error {
	if err := d.api.ContainerStart(ctx, id, dockercontainer.StartOptions{}); err != nil {
		if errdefs.IsNotFound(err) {
			return fmt.Errorf("start container %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("start container %s: %w", id, err)
	}
	return nil
}

// Stop 实现 Driver
func (d *DockerDriver) Stop(ctx context.Context, id string) error {
	timeout := stopTimeoutSeconds
	if err := d.api.ContainerStop(ctx, id, dockercontainer.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("stop container %s: %w", id, err)
	}
	return nil
}

// Remove 实现 Driver
func (d *DockerDriver) Remove(ctx context.Context, id string) error {
	if err := d.api.ContainerRemove(ctx, id, dockercontainer.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container %s: %w", id, err)
	}
	return nil
}

// FindBySessionLabel 实现 Driver
func (d *DockerDriver) FindBySessionLabel(ctx context.Context, sessionID string) (string, bool, error) {
	list, err := d.api.ContainerList(ctx, dockercontainer.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelSessionID+"="+sessionID)),
	})
	if err != nil {
		return "", false, fmt.Errorf("list containers: %w", err)
	}
	if len(list) == 0 {
		return "", false, nil
	}
	if len(list) > 1 {
		d.logger.Warn("multiple containers for session", "session_id", sessionID, "count", len(list))
	}
	return list[0].ID, true, nil
}

// Inspect 实现 Driver
func (d *DockerDriver) Inspect(ctx context.Context, id string) (Status, error) {
	info, err := d.api.ContainerInspect(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return Status{}, nil
		}
		return Status{}, fmt.Errorf("inspect container %s: %w", id, err)
	}
	status := Status{Exists: true}
	if info.ContainerJSONBase != nil && info.State != nil {
		status.Running = info.State.Running
		status.State = info.State.Status
	}
	return status, nil
}

// ensureImage 本地没有镜像时拉取
func (d *DockerDriver) ensureImage(ctx context.Context, ref string) error {
	if _, _, err := d.api.ImageInspectWithRaw(ctx, ref); err == nil {
		return nil
	} else if !errdefs.IsNotFound(err) {
		return fmt.Errorf("inspect image %s: %w", ref, err)
	}

	d.logger.Info("pulling image", "image", ref)
	rc, err := d.api.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	defer rc.Close()
	// 必须读完响应流，拉取才会完成
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	return nil
}

// envList 把环境变量转换为 KEY=VALUE 列表，按 KEY 排序保证结果稳定
func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
