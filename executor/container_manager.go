package executor

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	logrus "github.com/sirupsen/logrus"
)

// ContainerManager is the docker implementation of Launcher
type ContainerManager struct {
	dockerClient *client.Client
	logger       *logrus.Logger
	stopTimeout  time.Duration
	pollInterval time.Duration
}

// NewContainerManager creates a container manager talking to the docker
// daemon configured in the environment
func NewContainerManager(logger *logrus.Logger, stopTimeout time.Duration) (*ContainerManager, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if stopTimeout <= 0 {
		stopTimeout = DefaultStopTimeout
	}

	return &ContainerManager{
		dockerClient: dockerClient,
		logger:       logger,
		stopTimeout:  stopTimeout,
		pollInterval: 50 * time.Millisecond,
	}, nil
}

// Launch creates and starts a new worker container
func (cm *ContainerManager) Launch(ctx context.Context, spec LaunchSpec) (string, error) {
	labels := map[string]string{PoolLabel: "true"}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	config := &container.Config{
		Image:  spec.Image,
		Cmd:    spec.Cmd,
		Labels: labels,
		Tty:    true,
	}

	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	hostConfig := &container.HostConfig{
		Mounts: mounts,
		Resources: container.Resources{
			Memory:   spec.Memory,
			NanoCPUs: spec.NanoCPUs,
		},
		NetworkMode: "none",
	}

	resp, err := cm.dockerClient.ContainerCreate(ctx, config, hostConfig, nil, nil, "")
	if err != nil {
		cm.logger.Errorf("failed to create container: %v", err)
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	if err := cm.dockerClient.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		cm.remove(resp.ID)
		cm.logger.Errorf("failed to start container %s: %v", shortID(resp.ID), err)
		return "", fmt.Errorf("failed to start container: %w", err)
	}

	cm.logger.Printf("Started new worker container: %s", shortID(resp.ID))
	return resp.ID, nil
}

// InspectStatus maps the docker container state onto a WorkerStatus. A
// container that no longer exists is reported as stopped.
func (cm *ContainerManager) InspectStatus(ctx context.Context, ref string) (WorkerStatus, error) {
	info, err := cm.dockerClient.ContainerInspect(ctx, ref)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return StatusStopped, nil
		}
		return "", fmt.Errorf("failed to inspect container %s: %w", shortID(ref), err)
	}
	if info.ContainerJSONBase == nil || info.State == nil {
		return StatusUnhealthy, nil
	}

	if info.State.Health != nil {
		switch info.State.Health.Status {
		case "unhealthy":
			return StatusUnhealthy, nil
		case "starting":
			return StatusStarting, nil
		}
	}

	switch info.State.Status {
	case "running":
		return StatusRunning, nil
	case "created", "restarting":
		return StatusStarting, nil
	case "paused":
		return StatusUnhealthy, nil
	default:
		return StatusStopped, nil
	}
}

// Stop stops a worker container with a short grace period and removes it
func (cm *ContainerManager) Stop(ctx context.Context, ref string) error {
	timeout := int(cm.stopTimeout.Seconds())
	if err := cm.dockerClient.ContainerStop(ctx, ref, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		cm.logger.Printf("Failed to stop container %s: %v", shortID(ref), err)
	}

	if err := cm.dockerClient.ContainerRemove(ctx, ref, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to remove container %s: %w", shortID(ref), err)
	}
	cm.logger.Printf("Removed container: %s", shortID(ref))
	return nil
}

// Exec runs cmd inside the container and returns its exit code together
// with the combined stdout/stderr
func (cm *ContainerManager) Exec(ctx context.Context, ref string, cmd []string) (ExecResult, error) {
	created, err := cm.dockerClient.ContainerExecCreate(ctx, ref, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{}, fmt.Errorf("failed to create exec in %s: %w", shortID(ref), err)
	}

	attach, err := cm.dockerClient.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return ExecResult{}, fmt.Errorf("failed to attach exec in %s: %w", shortID(ref), err)
	}
	defer attach.Close()

	var output bytes.Buffer
	copied := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&output, &output, attach.Reader)
		copied <- err
	}()

	select {
	case err := <-copied:
		if err != nil {
			return ExecResult{}, fmt.Errorf("failed to read exec output from %s: %w", shortID(ref), err)
		}
	case <-ctx.Done():
		attach.Close()
		return ExecResult{}, ctx.Err()
	}

	// The stream ends slightly before the exec is reported as finished
	for {
		inspect, err := cm.dockerClient.ContainerExecInspect(ctx, created.ID)
		if err != nil {
			return ExecResult{}, fmt.Errorf("failed to inspect exec in %s: %w", shortID(ref), err)
		}
		if !inspect.Running {
			return ExecResult{ExitCode: inspect.ExitCode, Output: output.String()}, nil
		}
		if err := sleepCtx(ctx, cm.pollInterval); err != nil {
			return ExecResult{}, err
		}
	}
}

// PruneStale removes pool containers left behind by an earlier process.
// Pool state is never carried across restarts.
func (cm *ContainerManager) PruneStale(ctx context.Context) (int, error) {
	containers, err := cm.dockerClient.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", PoolLabel)),
	})
	if err != nil {
		cm.logger.Errorf("failed to list containers: %v", err)
		return 0, fmt.Errorf("failed to list containers: %w", err)
	}

	removed := 0
	for _, c := range containers {
		if err := cm.dockerClient.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			cm.logger.Printf("Failed to remove stale container %s: %v", shortID(c.ID), err)
			continue
		}
		cm.logger.Printf("Removed stale worker container: %s (state: %s)", shortID(c.ID), c.State)
		removed++
	}
	return removed, nil
}

// ImageExists checks whether the worker image is present locally
func (cm *ContainerManager) ImageExists(ctx context.Context, image string) (bool, error) {
	if _, _, err := cm.dockerClient.ImageInspectWithRaw(ctx, image); err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to inspect image %s: %w", image, err)
	}
	return true, nil
}

// Close releases the docker client
func (cm *ContainerManager) Close() error {
	return cm.dockerClient.Close()
}

// remove force-removes a container that failed to start
func (cm *ContainerManager) remove(ref string) {
	ctx, cancel := context.WithTimeout(context.Background(), cm.stopTimeout+5*time.Second)
	defer cancel()

	if err := cm.dockerClient.ContainerRemove(ctx, ref, container.RemoveOptions{Force: true}); err != nil {
		cm.logger.Printf("Failed to remove container %s: %v", shortID(ref), err)
	}
}
