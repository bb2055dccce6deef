package docker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

type notFoundErr struct{ msg string }

func (e notFoundErr) Error() string { return e.msg }
func (e notFoundErr) NotFound()     {}

// fakeDocker simulates a daemon running one container that exits after runFor unless killed.
type fakeDocker struct {
	mu sync.Mutex

	pingErr     error
	pullErr     error
	pullStream  string
	cachedImage bool
	hangCreate  bool

	runFor   time.Duration
	exitCode int
	output   string

	createCfg  *container.Config
	createHost *container.HostConfig
	started    bool
	killed     []string
	removed    []string
	pulled     []string
	exit       chan int
}

var _ API = (*fakeDocker)(nil)

func (f *fakeDocker) Ping(context.Context) (types.Ping, error) {
	return types.Ping{}, f.pingErr
}

func (f *fakeDocker) ImagePull(_ context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	f.pulled = append(f.pulled, ref)
	f.mu.Unlock()
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	body := f.pullStream
	if body == "" {
		body = `{"status":"Pulling from library/python","id":"3.12"}` + "\n" + `{"status":"Digest: sha256:abc"}` + "\n"
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

func (f *fakeDocker) ImageInspect(_ context.Context, ref string, _ ...client.ImageInspectOption) (image.InspectResponse, error) {
	if !f.cachedImage {
		return image.InspectResponse{}, notFoundErr{"No such image: " + ref}
	}
	return image.InspectResponse{ID: "sha256:cached"}, nil
}

func (f *fakeDocker) ContainerCreate(ctx context.Context, cfg *container.Config, host *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, _ string) (container.CreateResponse, error) {
	if f.hangCreate {
		<-ctx.Done()
		return container.CreateResponse{}, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCfg = cfg
	f.createHost = host
	f.exit = make(chan int, 1)
	return container.CreateResponse{ID: "c1"}, nil
}

func (f *fakeDocker) ContainerAttach(_ context.Context, _ string, _ container.AttachOptions) (types.HijackedResponse, error) {
	server, conn := net.Pipe()
	go func() {
		_, _ = io.Copy(server, bytes.NewBufferString(f.output))
		_ = server.Close()
	}()
	return types.NewHijackedResponse(conn, ""), nil
}

func (f *fakeDocker) ContainerStart(_ context.Context, _ string, _ container.StartOptions) error {
	f.mu.Lock()
	f.started = true
	exit := f.exit
	f.mu.Unlock()
	go func() {
		time.Sleep(f.runFor)
		select {
		case exit <- f.exitCode:
		default:
		}
	}()
	return nil
}

func (f *fakeDocker) ContainerWait(ctx context.Context, _ string, _ container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	resp := make(chan container.WaitResponse, 1)
	errs := make(chan error, 1)
	f.mu.Lock()
	exit := f.exit
	f.mu.Unlock()
	go func() {
		select {
		case code := <-exit:
			f.mu.Lock()
			f.exitCode = code
			f.mu.Unlock()
			resp <- container.WaitResponse{StatusCode: int64(code)}
		case <-ctx.Done():
			errs <- ctx.Err()
		}
	}()
	return resp, errs
}

func (f *fakeDocker) ContainerKill(_ context.Context, id, signal string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, signal)
	select {
	case f.exit <- 137:
	default:
	}
	return nil
}

func (f *fakeDocker) ContainerInspect(_ context.Context, id string) (container.InspectResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			ID:    id,
			State: &container.State{ExitCode: f.exitCode},
		},
	}, nil
}

func (f *fakeDocker) ContainerRemove(_ context.Context, id string, opts container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !opts.Force {
		return errors.New("remove without force")
	}
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeDocker) snapshot() (killed, removed []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.killed...), append([]string(nil), f.removed...)
}

type countingHealth struct {
	mu      sync.Mutex
	reasons []string
}

func (h *countingHealth) FlagUnhealthy(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reasons = append(h.reasons, reason)
}

func (h *countingHealth) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.reasons)
}
