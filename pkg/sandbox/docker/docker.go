// Package docker implements sandbox.Manager using one container per session.
// Each container runs a small HTTP exec server for a persistent python kernel.
package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/nstogner/overseer/pkg/sandbox"
)

const (
	// ImageName is the sandbox image. Built out of band (make build-sandbox).
	ImageName = "overseer-sandbox:latest"
	// ServerPort is the exec server port inside the container.
	ServerPort = "8000"

	healthTimeout = 60 * time.Second
)

// Manager implements sandbox.Manager with Docker containers.
//
// Two lock classes guard the shared docker handle: lifecycleMu serializes
// container create/start/stop, and each session has its own exec mutex so code
// execution against one kernel is serialized without blocking other sessions.
// All locks are released on every exit path, including context cancellation.
type Manager struct {
	cli *client.Client

	lifecycleMu sync.Mutex

	execMu    sync.Mutex
	execLocks map[string]*sync.Mutex
}

var _ sandbox.Manager = (*Manager)(nil)

// New creates a Manager connected to the local docker daemon.
func New() (*Manager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &Manager{
		cli:       cli,
		execLocks: make(map[string]*sync.Mutex),
	}, nil
}

// Close releases the docker client.
func (m *Manager) Close() error {
	return m.cli.Close()
}

func (m *Manager) containerName(sessionID string) string {
	return fmt.Sprintf("overseer-%s", sessionID)
}

func (m *Manager) sessionLock(sessionID string) *sync.Mutex {
	m.execMu.Lock()
	defer m.execMu.Unlock()
	lock, ok := m.execLocks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		m.execLocks[sessionID] = lock
	}
	return lock
}

// RunCode executes code in the session's sandbox, starting the container on
// demand.
func (m *Manager) RunCode(ctx context.Context, sessionID, code string) (*sandbox.Result, error) {
	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	hostPort, err := m.ensureRunning(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("http://127.0.0.1:%s/exec", hostPort)
	reqBody, _ := json.Marshal(map[string]any{
		"code":         code,
		"split_output": false,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling sandbox: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("sandbox error %d: %s", resp.StatusCode, string(body))
	}

	var res sandbox.Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("decoding sandbox response: %w", err)
	}
	return &res, nil
}

// Stop removes the session's container.
func (m *Manager) Stop(ctx context.Context, sessionID string) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	return m.cli.ContainerRemove(ctx, m.containerName(sessionID), types.ContainerRemoveOptions{
		Force: true,
	})
}

// ensureRunning checks the container state, starts or creates it as needed,
// and returns the mapped host port.
func (m *Manager) ensureRunning(ctx context.Context, sessionID string) (string, error) {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	name := m.containerName(sessionID)
	c, err := m.cli.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return m.createAndStart(ctx, sessionID)
		}
		return "", fmt.Errorf("inspecting container: %w", err)
	}

	if !c.State.Running {
		if err := m.cli.ContainerStart(ctx, name, types.ContainerStartOptions{}); err != nil {
			return "", fmt.Errorf("starting container: %w", err)
		}
		c, err = m.cli.ContainerInspect(ctx, name)
		if err != nil {
			return "", err
		}
	}

	port, err := m.getPort(c)
	if err != nil {
		return "", err
	}
	if err := m.waitForHealth(ctx, port); err != nil {
		return "", err
	}
	return port, nil
}

func (m *Manager) createAndStart(ctx context.Context, sessionID string) (string, error) {
	if _, _, err := m.cli.ImageInspectWithRaw(ctx, ImageName); err != nil {
		return "", fmt.Errorf("sandbox image %q not found, run 'make build-sandbox': %w", ImageName, err)
	}

	cfg := &container.Config{
		Image: ImageName,
		ExposedPorts: nat.PortSet{
			nat.Port(ServerPort + "/tcp"): {},
		},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			nat.Port(ServerPort + "/tcp"): []nat.PortBinding{
				{HostIP: "127.0.0.1", HostPort: "0"},
			},
		},
	}

	name := m.containerName(sessionID)
	resp, err := m.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("creating container: %w", err)
	}
	if err := m.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return "", fmt.Errorf("starting container: %w", err)
	}
	slog.Info("Sandbox container started", "sessionID", sessionID, "container", name)

	c, err := m.cli.ContainerInspect(ctx, resp.ID)
	if err != nil {
		return "", err
	}
	port, err := m.getPort(c)
	if err != nil {
		return "", err
	}
	if err := m.waitForHealth(ctx, port); err != nil {
		return "", err
	}
	return port, nil
}

func (m *Manager) getPort(c types.ContainerJSON) (string, error) {
	ports := c.NetworkSettings.Ports[nat.Port(ServerPort+"/tcp")]
	if len(ports) > 0 {
		return ports[0].HostPort, nil
	}
	return "", fmt.Errorf("container running but port not mapped")
}

func (m *Manager) waitForHealth(ctx context.Context, port string) error {
	url := fmt.Sprintf("http://127.0.0.1:%s/healthz", port)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	// Initial startup can be slow while the kernel boots.
	timeoutCtx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	for {
		select {
		case <-timeoutCtx.Done():
			return fmt.Errorf("timeout waiting for sandbox health")
		case <-ticker.C:
			resp, err := http.Get(url)
			if err == nil && resp.StatusCode == http.StatusOK {
				resp.Body.Close()
				return nil
			}
		}
	}
}
