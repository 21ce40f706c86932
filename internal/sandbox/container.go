package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/sandrun/compute/internal/model"
)

// containerBackend launches the job's interpreter inside a locked-down
// Docker container (runsc runtime, no network, read-only rootfs),
// adapted from internal/ghostpool/pool_manager.go's createContainer:
// same HostConfig shape (Runtime/NetworkMode/ReadonlyRootfs/Resources),
// generalized from a long-lived pre-warmed pool to one container per
// job, since a sandboxed job's filesystem and process state must not be
// reused across submitters.
type containerBackend struct {
	image string
}

func newContainerBackend(image string) *containerBackend {
	return &containerBackend{image: image}
}

// available reports whether a Docker daemon is reachable. Mirrors the
// teacher's gvisor/sandbox_executor.go "demo mode" fallback: Standard
// and above degrade to the bare-process backend when no container
// runtime is present, rather than failing every submission.
func (b *containerBackend) available(ctx context.Context) bool {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return false
	}
	defer cli.Close()
	_, err = cli.Ping(ctx)
	return err == nil
}

// containerRun is a started container and the client used to manage it.
type containerRun struct {
	cli *client.Client
	id  string
}

// start creates and starts a container running argv with the given
// resource limits, GPU passthrough, and network policy. The image is
// expected to carry the interpreter toolchains; codeDir is bind-mounted
// read-write so the child can write output files, everything else is
// read-only (spec §4.1: "the filesystem outside those directories is
// read-only for the child").
func (b *containerBackend) start(ctx context.Context, tier Tier, argv []string, codeDir string, limits model.ResourceLimits, gpu *model.GPUConfig, allowNetwork bool) (*containerRun, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	networkMode := "none"
	if allowNetwork {
		networkMode = "bridge"
	}

	runtime := containerRuntime()
	if runtime == "" {
		slog.Warn("gVisor runsc not found, container will run under the daemon's default runtime", "tier", tier)
	}

	hostConfig := &container.HostConfig{
		Runtime:        runtime,
		NetworkMode:    container.NetworkMode(networkMode),
		ReadonlyRootfs: true,
		Binds:          []string{codeDir + ":/workspace:rw"},
		Resources: container.Resources{
			NanoCPUs:   int64(limits.MaxCPUSeconds) * 1_000_000_000,
			Memory:     limits.MaxMemoryMB * 1024 * 1024,
			PidsLimit:  int64Ptr(int64(limits.MaxProcesses)),
		},
		Tmpfs: map[string]string{
			"/tmp": "rw,noexec,nosuid,size=64m",
		},
	}
	if tier == TierParanoid {
		hostConfig.UsernsMode = "host" // placeholder for a dedicated remapped userns profile
	}
	if tier == TierGPUSecure && gpu != nil {
		hostConfig.DeviceRequests = []container.DeviceRequest{{
			Driver:       "nvidia",
			DeviceIDs:    deviceIDStrings(gpu.DeviceIDs),
			Capabilities: [][]string{{"gpu"}},
		}}
	}

	resp, err := cli.ContainerCreate(ctx, &container.Config{
		Image:      b.image,
		Cmd:        argv,
		WorkingDir: "/workspace",
		Tty:        false,
	}, hostConfig, nil, nil, "")
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("%w: container create: %v", model.ErrSpawnFailed, err)
	}

	if err := cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		cli.Close()
		return nil, fmt.Errorf("%w: container start: %v", model.ErrSpawnFailed, err)
	}

	slog.Debug("sandbox container started", "container_id", resp.ID[:12], "tier", tier)
	return &containerRun{cli: cli, id: resp.ID}, nil
}

// wait blocks until the container exits and returns its exit code.
func (r *containerRun) wait(ctx context.Context) (int, error) {
	statusCh, errCh := r.cli.ContainerWait(ctx, r.id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return -1, err
	case status := <-statusCh:
		return int(status.StatusCode), nil
	}
}

// logs streams the container's combined stdout/stderr.
func (r *containerRun) logs(ctx context.Context) (io.ReadCloser, error) {
	return r.cli.ContainerLogs(ctx, r.id, types.ContainerLogsOptions{
		ShowStdout: true, ShowStderr: true, Follow: true,
	})
}

// kill sends SIGKILL to the container's init process.
func (r *containerRun) kill(ctx context.Context) error {
	return r.cli.ContainerKill(ctx, r.id, "SIGKILL")
}

// cleanup force-removes the container and closes the client.
func (r *containerRun) cleanup(ctx context.Context) {
	defer r.cli.Close()
	if err := r.cli.ContainerRemove(ctx, r.id, types.ContainerRemoveOptions{Force: true}); err != nil {
		slog.Warn("sandbox container cleanup failed", "container_id", r.id, "error", err)
	}
}

func int64Ptr(v int64) *int64 { return &v }

func deviceIDStrings(ids []int) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = fmt.Sprintf("%d", id)
	}
	return out
}
