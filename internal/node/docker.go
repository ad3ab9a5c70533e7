package node

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/sirupsen/logrus"

	"github.com/shehryarbajwa/grid-mini/pkg/models"
)

const driverPort = "4444/tcp"

// DockerFactory starts one standalone browser container per session and
// relays the new session request to the driver inside it.
type DockerFactory struct {
	client     *client.Client
	image      string
	nodeID     models.NodeID
	httpClient *http.Client
	logger     logrus.FieldLogger

	// ReadyTimeout bounds how long a fresh container may take to report ready
	ReadyTimeout time.Duration
}

// NewDockerFactory connects to the Docker daemon configured in the environment
func NewDockerFactory(image string, nodeID models.NodeID, logger logrus.FieldLogger) (*DockerFactory, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &DockerFactory{
		client:       cli,
		image:        image,
		nodeID:       nodeID,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		logger:       logger.WithFields(logrus.Fields{"component": "docker", "image": image}),
		ReadyTimeout: 30 * time.Second,
	}, nil
}

// NewSession launches a container and creates the session inside it
func (f *DockerFactory) NewSession(ctx context.Context, caps models.Capabilities) (*ActiveSession, error) {
	containerConfig := &container.Config{
		Image: f.image,
		Labels: map[string]string{
			"grid-node":  string(f.nodeID),
			"managed-by": "grid-mini",
		},
		Env: []string{
			"SE_NODE_MAX_SESSIONS=1",
			"SE_START_XVFB=true",
		},
		ExposedPorts: nat.PortSet{
			driverPort: struct{}{},
		},
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			driverPort: []nat.PortBinding{
				{
					HostIP:   "0.0.0.0",
					HostPort: "0",
				},
			},
		},
		ShmSize: 2 << 30,
	}

	resp, err := f.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "")
	if err != nil {
		return nil, errors.Wrapf(models.ErrSessionCreationFailed, "failed to create container: %v", err)
	}
	containerID := resp.ID

	fail := func(err error) (*ActiveSession, error) {
		if stopErr := f.stopContainer(context.Background(), containerID); stopErr != nil {
			f.logger.WithError(stopErr).WithField("container", containerID).Warn("failed to clean up container")
		}
		return nil, err
	}

	if err := f.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fail(errors.Wrapf(models.ErrSessionCreationFailed, "failed to start container: %v", err))
	}

	inspect, err := f.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return fail(errors.Wrapf(models.ErrSessionCreationFailed, "failed to inspect container: %v", err))
	}
	bindings := inspect.NetworkSettings.Ports[driverPort]
	if len(bindings) == 0 {
		return fail(errors.Wrap(models.ErrSessionCreationFailed, "container exposes no driver port"))
	}
	port := bindings[0].HostPort

	driverURL := &url.URL{Scheme: "http", Host: "localhost:" + port}
	if err := f.waitForDriverReady(ctx, driverURL); err != nil {
		return fail(errors.Wrapf(models.ErrSessionCreationFailed, "driver failed to become ready: %v", err))
	}

	relay := &RelayFactory{URL: driverURL, Client: f.httpClient}
	active, err := relay.NewSession(ctx, caps)
	if err != nil {
		return fail(err)
	}

	active.cleanup = func(ctx context.Context) error {
		return f.stopContainer(ctx, containerID)
	}

	f.logger.WithFields(logrus.Fields{
		"container": containerID[:12],
		"session":   active.ID,
	}).Info("browser container started")

	return active, nil
}

func (f *DockerFactory) stopContainer(ctx context.Context, containerID string) error {
	timeout := 10
	stopOptions := container.StopOptions{
		Timeout: &timeout,
	}

	if err := f.client.ContainerStop(ctx, containerID, stopOptions); err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}

	if err := f.client.ContainerRemove(ctx, containerID, container.RemoveOptions{}); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}

	return nil
}

// EnsureImage pulls the browser image if the daemon does not have it yet
func (f *DockerFactory) EnsureImage(ctx context.Context) error {
	images, err := f.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return err
	}

	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == f.image {
				return nil
			}
		}
	}

	reader, err := f.client.ImagePull(ctx, f.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

// Close releases the Docker client
func (f *DockerFactory) Close() error {
	return f.client.Close()
}

// waitForDriverReady polls the driver's /status endpoint until it answers 200
func (f *DockerFactory) waitForDriverReady(ctx context.Context, driverURL *url.URL) error {
	statusURL := joinURL(driverURL, "/status")
	deadline := time.Now().Add(f.ReadyTimeout)

	for time.Now().Before(deadline) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL, nil)
		if err != nil {
			return err
		}
		resp, err := f.httpClient.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}

	return fmt.Errorf("driver at %s did not become ready within %s", driverURL.Host, f.ReadyTimeout)
}
