// Package runtime wraps the container runtime daemon's HTTP/socket API
// behind a small set of verbs the rest of the core depends on:
// image pull/inspect, container create/start/stop/remove/inspect, and
// network create/inspect/remove/connect. The concrete implementation
// talks to a Docker Engine API endpoint via the official SDK client,
// mapping its 404/304 outcomes to in-band success results instead of
// errors.
package runtime

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	imagetypes "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"

	"github.com/ixpantia/dispenser/pkg/types"
)

// DefaultSocketPath is the default Docker Engine API endpoint.
const DefaultSocketPath = "unix:///var/run/docker.sock"

// Runtime is the container runtime API surface the core consumes. It is
// satisfied by *Docker; tests substitute a fake.
type Runtime interface {
	PullImage(ctx context.Context, imageRef string) error
	InspectImageDigest(ctx context.Context, imageRef string) (types.Digest, error)

	ContainerExists(ctx context.Context, name string) (bool, error)
	InspectContainer(ctx context.Context, name string) (types.ObservedContainer, error)
	CreateContainer(ctx context.Context, spec ContainerSpec) error
	StartContainer(ctx context.Context, name string) error
	StopContainer(ctx context.Context, name string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, name string) error

	EnsureNetwork(ctx context.Context, name, subnet, gateway string) (string, error)
	NetworkExists(ctx context.Context, name string) (bool, error)
	RemoveNetwork(ctx context.Context, name string) error
	ConnectNetwork(ctx context.Context, networkID, containerName string, ipv4 string) error
	DisconnectNetwork(ctx context.Context, networkID, containerName string) error
}

// ContainerSpec is everything CreateContainer needs to reproduce a
// ServiceDecl's observable shape.
type ContainerSpec struct {
	Name          string
	Image         string
	Env           []string
	Entrypoint    []string
	Command       []string
	User          string
	Hostname      string
	WorkingDir    string
	Ports         []types.PortBinding
	Mounts        []mount.Mount
	RestartPolicy types.RestartPolicy
	MemoryLimitBytes int64
	NanoCPUs         int64

	// Network is the dispenser network ID and the static IP to assign.
	NetworkID string
	IPv4      string
}

// Docker implements Runtime against the Docker Engine API.
type Docker struct {
	cli *dockerclient.Client
}

// NewDocker connects to the Docker daemon at socketPath (empty uses the
// default Unix socket), negotiating the API version like the rest of
// the corpus's Docker-backed tooling does.
func NewDocker(socketPath string) (*Docker, error) {
	opts := []dockerclient.Opt{dockerclient.WithAPIVersionNegotiation()}
	if socketPath != "" {
		opts = append(opts, dockerclient.WithHost(socketPath))
	} else {
		opts = append(opts, dockerclient.WithHost(DefaultSocketPath))
	}

	cli, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to docker daemon: %w", err)
	}
	return &Docker{cli: cli}, nil
}

// Close releases the underlying client connection.
func (d *Docker) Close() error {
	return d.cli.Close()
}

// PullImage pulls the image, draining the registry's progress stream.
// Registry auth is resolved by the daemon's own credential helpers
// — the core never handles credentials itself.
func (d *Docker) PullImage(ctx context.Context, imageRef string) error {
	rc, err := d.cli.ImagePull(ctx, imageRef, imagetypes.PullOptions{})
	if err != nil {
		return fmt.Errorf("%w: pull %s: %v", types.ErrDockerAPI, imageRef, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("%w: drain pull stream for %s: %v", types.ErrDockerAPI, imageRef, err)
	}
	return nil
}

// InspectImageDigest returns the image's repo digest, preferring a
// "sha256:<hex>" form; it falls back to the bare image ID and rejects
// anything without that prefix.
func (d *Docker) InspectImageDigest(ctx context.Context, imageRef string) (types.Digest, error) {
	inspect, _, err := d.cli.ImageInspectWithRaw(ctx, imageRef)
	if err != nil {
		return types.Digest{}, fmt.Errorf("%w: inspect %s: %v", types.ErrDockerAPI, imageRef, err)
	}

	candidate := ""
	for _, rd := range inspect.RepoDigests {
		if idx := strings.IndexByte(rd, '@'); idx != -1 && strings.HasPrefix(rd[idx+1:], "sha256:") {
			candidate = rd[idx+1:]
			break
		}
	}
	if candidate == "" {
		candidate = inspect.ID
	}
	if !strings.HasPrefix(candidate, "sha256:") {
		return types.Digest{}, fmt.Errorf("%w: %q", types.ErrInvalidDigestPrefix, candidate)
	}
	return types.ParseDigest(candidate)
}

// ContainerExists reports whether a container with this name exists,
// regardless of its running state.
func (d *Docker) ContainerExists(ctx context.Context, name string) (bool, error) {
	_, err := d.cli.ContainerInspect(ctx, name)
	if err == nil {
		return true, nil
	}
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("%w: inspect %s: %v", types.ErrDockerAPI, name, err)
}

// InspectContainer reports the observed state used by the dependency
// gate and the recreate-on-diff check.
func (d *Docker) InspectContainer(ctx context.Context, name string) (types.ObservedContainer, error) {
	info, err := d.cli.ContainerInspect(ctx, name)
	if errdefs.IsNotFound(err) {
		return types.ObservedContainer{Exists: false}, nil
	}
	if err != nil {
		return types.ObservedContainer{}, fmt.Errorf("%w: inspect %s: %v", types.ErrDockerAPI, name, err)
	}

	obs := types.ObservedContainer{Exists: true}
	if info.State != nil {
		switch {
		case info.State.Running:
			obs.State = types.ContainerRunning
		case info.State.Status == "exited":
			obs.State = types.ContainerExited
			obs.ExitCode = info.State.ExitCode
		default:
			obs.State = types.ContainerOther
		}
		if info.State.Health != nil {
			obs.HasHealthCheck = true
			obs.Healthy = info.State.Running && info.State.Health.Status == "healthy"
		} else {
			obs.Healthy = info.State.Running
		}
	}
	return obs, nil
}

// CreateContainer creates (but does not start) a container matching spec.
func (d *Docker) CreateContainer(ctx context.Context, spec ContainerSpec) error {
	cfg := &container.Config{
		Image:      spec.Image,
		Env:        spec.Env,
		Entrypoint: spec.Entrypoint,
		Cmd:        spec.Command,
		User:       spec.User,
		Hostname:   spec.Hostname,
		WorkingDir: spec.WorkingDir,
		ExposedPorts: portSet(spec.Ports),
	}

	hostCfg := &container.HostConfig{
		PortBindings: portMap(spec.Ports),
		Mounts:       spec.Mounts,
		RestartPolicy: container.RestartPolicy{
			Name: restartPolicyName(spec.RestartPolicy),
		},
	}
	if spec.MemoryLimitBytes > 0 {
		hostCfg.Resources.Memory = spec.MemoryLimitBytes
	}
	if spec.NanoCPUs > 0 {
		hostCfg.Resources.NanoCPUs = spec.NanoCPUs
	}

	var netCfg *network.NetworkingConfig
	if spec.NetworkID != "" {
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				spec.NetworkID: {
					IPAMConfig: &network.EndpointIPAMConfig{
						IPv4Address: spec.IPv4,
					},
				},
			},
		}
	}

	_, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, spec.Name)
	if err != nil {
		return fmt.Errorf("%w: create %s: %v", types.ErrDockerAPI, spec.Name, err)
	}
	return nil
}

// StartContainer starts a container, translating "already running" (304)
// into success
func (d *Docker) StartContainer(ctx context.Context, name string) error {
	err := d.cli.ContainerStart(ctx, name, container.StartOptions{})
	if err == nil || errdefs.IsNotModified(err) {
		return nil
	}
	return fmt.Errorf("%w: start %s: %v", types.ErrDockerAPI, name, err)
}

// StopContainer stops a container, tolerating 404 (already removed) and
// 304 (already stopped).
func (d *Docker) StopContainer(ctx context.Context, name string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	err := d.cli.ContainerStop(ctx, name, container.StopOptions{Timeout: &secs})
	if err == nil || errdefs.IsNotFound(err) || errdefs.IsNotModified(err) {
		return nil
	}
	return fmt.Errorf("%w: stop %s: %v", types.ErrDockerAPI, name, err)
}

// RemoveContainer removes a container, tolerating 404.
func (d *Docker) RemoveContainer(ctx context.Context, name string) error {
	err := d.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
	if err == nil || errdefs.IsNotFound(err) {
		return nil
	}
	return fmt.Errorf("%w: remove %s: %v", types.ErrDockerAPI, name, err)
}

// NetworkExists reports whether a network by this name exists.
func (d *Docker) NetworkExists(ctx context.Context, name string) (bool, error) {
	_, err := d.cli.NetworkInspect(ctx, name, network.InspectOptions{})
	if err == nil {
		return true, nil
	}
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("%w: inspect network %s: %v", types.ErrDockerAPI, name, err)
}

// EnsureNetwork creates the named bridge network with the given IPAM
// subnet/gateway if it does not already exist, and returns its ID.
func (d *Docker) EnsureNetwork(ctx context.Context, name, subnet, gateway string) (string, error) {
	existing, err := d.cli.NetworkInspect(ctx, name, network.InspectOptions{})
	if err == nil {
		return existing.ID, nil
	}
	if !errdefs.IsNotFound(err) {
		return "", fmt.Errorf("%w: inspect network %s: %v", types.ErrDockerAPI, name, err)
	}

	created, err := d.cli.NetworkCreate(ctx, name, network.CreateOptions{
		Driver: "bridge",
		IPAM: &network.IPAM{
			Config: []network.IPAMConfig{
				{Subnet: subnet, Gateway: gateway},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("%w: create network %s: %v", types.ErrDockerAPI, name, err)
	}
	return created.ID, nil
}

// RemoveNetwork removes a network by name, tolerating 404.
func (d *Docker) RemoveNetwork(ctx context.Context, name string) error {
	err := d.cli.NetworkRemove(ctx, name)
	if err == nil || errdefs.IsNotFound(err) {
		return nil
	}
	return fmt.Errorf("%w: remove network %s: %v", types.ErrDockerAPI, name, err)
}

// ConnectNetwork attaches a container to a network, optionally with a
// static IPv4 endpoint address.
func (d *Docker) ConnectNetwork(ctx context.Context, networkID, containerName, ipv4 string) error {
	settings := &network.EndpointSettings{}
	if ipv4 != "" {
		settings.IPAMConfig = &network.EndpointIPAMConfig{IPv4Address: ipv4}
	}
	err := d.cli.NetworkConnect(ctx, networkID, containerName, settings)
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: connect %s to network %s: %v", types.ErrDockerAPI, containerName, networkID, err)
}

// DisconnectNetwork detaches a container from a network, tolerating 404.
func (d *Docker) DisconnectNetwork(ctx context.Context, networkID, containerName string) error {
	err := d.cli.NetworkDisconnect(ctx, networkID, containerName, true)
	if err == nil || errdefs.IsNotFound(err) {
		return nil
	}
	return fmt.Errorf("%w: disconnect %s from network %s: %v", types.ErrDockerAPI, containerName, networkID, err)
}

func restartPolicyName(p types.RestartPolicy) container.RestartPolicyMode {
	switch p {
	case types.RestartAlways:
		return container.RestartPolicyAlways
	case types.RestartOnFailure:
		return container.RestartPolicyOnFailure
	case types.RestartUnlessStopped:
		return container.RestartPolicyUnlessStopped
	default:
		return container.RestartPolicyDisabled
	}
}
