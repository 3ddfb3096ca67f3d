package machine

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-harness/types"
)

// DockerConfig holds Docker-specific provider settings.
type DockerConfig struct {
	// Image is the machine image to run. It must expose an ssh daemon
	// on port 22 and the web endpoint on port 80.
	Image string

	// BasePort is the first host port used for published ssh/web ports.
	// Each machine consumes two consecutive ports.
	BasePort int
}

// DockerProvider runs execution machines as Docker containers. The ssh
// and web ports are published on fixed host ports chosen at Start, and a
// Reset recreates the container under the same name and port bindings,
// so the host:port pair a batch hands to its tests survives resets.
type DockerProvider struct {
	client *dockerclient.Client
	image  string
	log    log.Logger

	mu       sync.Mutex
	nextPort int
	backing  map[string]*dockerMachine // machine ID -> container state
}

type dockerMachine struct {
	containerID string
	sshPort     int
	webPort     int
}

var _ Provider = (*DockerProvider)(nil)

// NewDockerProvider connects to the Docker daemon and pulls the machine
// image so it is available for container creation.
func NewDockerProvider(ctx context.Context, cfg DockerConfig, logger log.Logger) (*DockerProvider, error) {
	if cfg.Image == "" {
		return nil, fmt.Errorf("machine image is required")
	}
	if cfg.BasePort == 0 {
		cfg.BasePort = 22000
	}
	if logger == nil {
		logger = log.New()
	}

	client, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	logger.Info("Pulling machine image", "image", cfg.Image)
	pull, err := client.ImagePull(ctx, cfg.Image, image.PullOptions{})
	if err != nil {
		return nil, fmt.Errorf("image pull %s: %w", cfg.Image, err)
	}
	if _, err := io.Copy(io.Discard, pull); err != nil {
		return nil, fmt.Errorf("reading image pull response: %w", err)
	}
	if err := pull.Close(); err != nil {
		return nil, fmt.Errorf("closing image pull stream: %w", err)
	}

	return &DockerProvider{
		client:   client,
		image:    cfg.Image,
		log:      logger,
		nextPort: cfg.BasePort,
		backing:  make(map[string]*dockerMachine),
	}, nil
}

// Start provisions a fresh machine container with two newly allocated
// host ports.
func (p *DockerProvider) Start(ctx context.Context) (types.Machine, error) {
	p.mu.Lock()
	sshPort := p.nextPort
	webPort := p.nextPort + 1
	p.nextPort += 2
	name := fmt.Sprintf("op-harness-machine-%d", sshPort)
	p.mu.Unlock()

	containerID, err := p.createAndStart(ctx, name, sshPort, webPort)
	if err != nil {
		return types.Machine{}, err
	}

	m := types.Machine{
		ID:      name,
		SSHAddr: fmt.Sprintf("127.0.0.1:%d", sshPort),
		WebAddr: fmt.Sprintf("127.0.0.1:%d", webPort),
	}

	p.mu.Lock()
	p.backing[m.ID] = &dockerMachine{containerID: containerID, sshPort: sshPort, webPort: webPort}
	p.mu.Unlock()

	p.log.Info("Machine started", "machine", m.ID, "ssh", m.SSHAddr, "web", m.WebAddr)
	return m, nil
}

// Reset destroys and recreates the machine's container under the same
// name and port bindings. The returned machine carries the same addresses.
func (p *DockerProvider) Reset(ctx context.Context, m types.Machine) (types.Machine, error) {
	p.mu.Lock()
	state, ok := p.backing[m.ID]
	p.mu.Unlock()
	if !ok {
		return types.Machine{}, fmt.Errorf("unknown machine %q", m.ID)
	}

	p.log.Info("Resetting machine", "machine", m.ID)
	if err := p.client.ContainerRemove(ctx, state.containerID, container.RemoveOptions{Force: true}); err != nil {
		return types.Machine{}, fmt.Errorf("removing container for %s: %w", m.ID, err)
	}

	containerID, err := p.createAndStart(ctx, m.ID, state.sshPort, state.webPort)
	if err != nil {
		return types.Machine{}, err
	}

	p.mu.Lock()
	state.containerID = containerID
	p.mu.Unlock()
	return m, nil
}

// Kill permanently destroys the machine. Killing an already-destroyed
// machine is not an error.
func (p *DockerProvider) Kill(ctx context.Context, m types.Machine) error {
	p.mu.Lock()
	state, ok := p.backing[m.ID]
	delete(p.backing, m.ID)
	p.mu.Unlock()
	if !ok {
		return nil
	}

	p.log.Info("Killing machine", "machine", m.ID)
	if err := p.client.ContainerRemove(ctx, state.containerID, container.RemoveOptions{Force: true}); err != nil {
		if dockerclient.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("removing container for %s: %w", m.ID, err)
	}
	return nil
}

func (p *DockerProvider) createAndStart(ctx context.Context, name string, sshPort, webPort int) (string, error) {
	exposed := nat.PortSet{"22/tcp": struct{}{}, "80/tcp": struct{}{}}
	bindings := nat.PortMap{
		"22/tcp": []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: fmt.Sprintf("%d", sshPort)}},
		"80/tcp": []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: fmt.Sprintf("%d", webPort)}},
	}

	resp, err := p.client.ContainerCreate(
		ctx,
		&container.Config{Image: p.image, ExposedPorts: exposed},
		&container.HostConfig{PortBindings: bindings},
		nil, // networking config
		nil, // platform
		name,
	)
	if err != nil {
		return "", fmt.Errorf("container create %s: %w", name, err)
	}

	if err := p.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Best-effort cleanup of the created-but-not-started container.
		_ = p.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("container start %s: %w", name, err)
	}
	return resp.ID, nil
}
