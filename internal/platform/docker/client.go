package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/dontdude/gradex/internal/domain"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// API is the part of the Docker SDK the worker calls. *client.Client satisfies it.
type API interface {
	Ping(ctx context.Context) (types.Ping, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ImageInspect(ctx context.Context, imageID string, opts ...client.ImageInspectOption) (image.InspectResponse, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerAttach(ctx context.Context, container string, options container.AttachOptions) (types.HijackedResponse, error)
	ContainerStart(ctx context.Context, container string, options container.StartOptions) error
	ContainerWait(ctx context.Context, container string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerKill(ctx context.Context, container, signal string) error
	ContainerInspect(ctx context.Context, container string) (container.InspectResponse, error)
	ContainerRemove(ctx context.Context, container string, options container.RemoveOptions) error
}

var _ API = (*client.Client)(nil)

// Client wraps the official Docker SDK client.
type Client struct {
	api API
}

var _ domain.ImagePuller = (*Client)(nil)

// NewClient initializes and returns a verified Docker client.
// It pings the daemon so the worker refuses to start without a reachable runtime.
func NewClient(ctx context.Context) (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to docker daemon: %w", err)
	}

	slog.Info("Docker client initialized successfully")
	return &Client{api: cli}, nil
}

// NewClientWithAPI wraps an existing API implementation.
func NewClientWithAPI(api API) *Client {
	return &Client{api: api}
}

// API exposes the underlying SDK surface for the sandbox runner.
func (c *Client) API() API {
	return c.api
}

// pullMessage is one line of the daemon's pull progress stream.
type pullMessage struct {
	Status   string `json:"status"`
	ID       string `json:"id"`
	Progress string `json:"progress"`
	Error    string `json:"error"`
}

// EnsureImage pings the daemon and pulls the latest version of ref. A failed pull falls back to
// the locally cached copy; only a missing cached copy is an error.
func (c *Client) EnsureImage(ctx context.Context, ref string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := c.api.Ping(ctx); err != nil {
		return fmt.Errorf("ping docker: %w", err)
	}

	pullErr := c.pull(ctx, ref, logger)
	if pullErr == nil {
		return nil
	}

	logger.Warn("Error pulling image; attempting to fall back to cached version", "image", ref, "error", pullErr)
	if _, err := c.api.ImageInspect(ctx, ref); err != nil {
		if client.IsErrNotFound(err) {
			return fmt.Errorf("%w: %s: %v", domain.ErrNoImage, ref, pullErr)
		}
		return fmt.Errorf("inspect cached image %s: %w", ref, err)
	}
	return nil
}

func (c *Client) pull(ctx context.Context, ref string, logger *slog.Logger) error {
	logger.Info("Pulling latest version of image", "image", ref)
	reader, err := c.api.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	// The pull only completes once the progress stream is drained.
	dec := json.NewDecoder(reader)
	for {
		var msg pullMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read pull progress: %w", err)
		}
		if msg.Error != "" {
			return errors.New(msg.Error)
		}
		if msg.Status != "" && msg.Progress == "" {
			logger.Debug("Pull progress", "layer", msg.ID, "status", msg.Status)
		}
	}
}
