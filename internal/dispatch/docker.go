package dispatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
)

// DockerBackend runs each worker as a short-lived container instead of a
// local subprocess. Grounded in cortex's internal/dispatch/docker.go,
// adapted from spawning an "openclaw agent" container per model/provider
// to spawning this binary in --worker mode against a queue name.
type DockerBackend struct {
	Image string

	mu         sync.Mutex
	cli        *client.Client
	containers map[int]string
	nextHandle int
}

// NewDockerBackend builds a DockerBackend talking to the Docker daemon
// reachable from the environment (DOCKER_HOST etc). image defaults to
// "scaffold-worker:latest" when empty.
func NewDockerBackend(image string) (*DockerBackend, error) {
	if image == "" {
		image = "scaffold-worker:latest"
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("dispatch: init docker client: %w", err)
	}
	return &DockerBackend{
		Image:      image,
		cli:        cli,
		containers: make(map[int]string),
		nextHandle: 1,
	}, nil
}

// Spawn creates and starts a container running
// `<self_exe-equivalent-entrypoint> --worker --queue <queueName> --yolo
// [--system-prompt-file /scaffold-ctx/prompt.md]`. The queue name is
// passed in the container's argv; the prompt text (if any) is handed to
// the container via a bind-mounted context directory, the way the
// teacher's container mounts its per-session prompt/agent/thinking/
// provider files.
func (d *DockerBackend) Spawn(queueName, promptFile string) (int, error) {
	d.mu.Lock()
	handle := d.nextHandle
	d.nextHandle++
	name := fmt.Sprintf("scaffold-worker-%d-%d", handle, time.Now().UnixNano())
	d.mu.Unlock()

	hostCtxDir := filepath.Join(os.TempDir(), fmt.Sprintf("scaffold-ctx-%s", name))
	if err := os.MkdirAll(hostCtxDir, 0755); err != nil {
		return 0, fmt.Errorf("dispatch: create context dir: %w", err)
	}

	args := []string{"--worker", "--queue", queueName, "--yolo"}
	if promptFile != "" {
		data, err := os.ReadFile(promptFile)
		if err != nil {
			return 0, fmt.Errorf("dispatch: read prompt file: %w", err)
		}
		if err := os.WriteFile(filepath.Join(hostCtxDir, "prompt.md"), data, 0644); err != nil {
			return 0, fmt.Errorf("dispatch: stage prompt in context dir: %w", err)
		}
		args = append(args, "--system-prompt-file", "/scaffold-ctx/prompt.md")
	}

	containerConfig := &container.Config{
		Image:      d.Image,
		Cmd:        args,
		Tty:        false,
		WorkingDir: "/workspace",
	}

	ctxPath, err := filepath.Abs(hostCtxDir)
	if err != nil {
		return 0, fmt.Errorf("dispatch: resolve context dir: %w", err)
	}

	hostConfig := &container.HostConfig{
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: ctxPath, Target: "/scaffold-ctx", ReadOnly: true},
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resp, err := d.cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		os.RemoveAll(hostCtxDir)
		return 0, fmt.Errorf("dispatch: create container: %w", err)
	}
	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		os.RemoveAll(hostCtxDir)
		return 0, fmt.Errorf("dispatch: start container: %w", err)
	}

	d.mu.Lock()
	d.containers[handle] = name
	d.mu.Unlock()

	return handle, nil
}

// IsAlive implements Backend.
func (d *DockerBackend) IsAlive(handle int) bool {
	d.mu.Lock()
	name, ok := d.containers[handle]
	d.mu.Unlock()
	if !ok || name == "" {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	inspect, err := d.cli.ContainerInspect(ctx, name)
	if err != nil {
		return false
	}
	return inspect.State.Running
}

// Kill implements Backend.
func (d *DockerBackend) Kill(handle int) error {
	d.mu.Lock()
	name, ok := d.containers[handle]
	d.mu.Unlock()
	if !ok || name == "" {
		return fmt.Errorf("dispatch: invalid docker handle %d", handle)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		return fmt.Errorf("dispatch: remove container %s: %w", name, err)
	}

	d.mu.Lock()
	delete(d.containers, handle)
	d.mu.Unlock()

	os.RemoveAll(filepath.Join(os.TempDir(), fmt.Sprintf("scaffold-ctx-%s", name)))
	return nil
}

// Name implements Backend.
func (d *DockerBackend) Name() string {
	return "docker"
}

// CleanDeadSessions removes stopped scaffold-worker-* containers left
// behind by crashed backends, mirroring the teacher's
// CleanDeadSessions sweep.
func (d *DockerBackend) CleanDeadSessions() int {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	containers, err := d.cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return 0
	}

	killed := 0
	for _, c := range containers {
		isOurs := false
		for _, name := range c.Names {
			if strings.HasPrefix(name, "/scaffold-worker-") {
				isOurs = true
				break
			}
		}
		if !isOurs || c.State == "running" {
			continue
		}
		d.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})
		killed++
	}
	return killed
}
