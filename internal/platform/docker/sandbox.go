package docker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/dontdude/gradex/internal/domain"
	"github.com/google/uuid"
)

// UnhealthyReason is reported to the health signal when the watchdog fires.
const UnhealthyReason = "Job timeout exceeded; Docker presumed dead."

const removeTimeout = 30 * time.Second

// Sandbox runs one grading container per call under a container timeout and a watchdog.
type Sandbox struct {
	api    API
	health domain.HealthSignal
	now    func() time.Time
}

var _ domain.SandboxRunner = (*Sandbox)(nil)

func NewSandbox(api API, health domain.HealthSignal) *Sandbox {
	return &Sandbox{api: api, health: health, now: time.Now}
}

type runResult struct {
	outcome domain.RunOutcome
	err     error
}

// Run executes req. The watchdog (twice the container timeout) starts before the container is
// created. If it fires, the host is flagged unhealthy and the job fails with ErrWatchdogTimeout;
// a completion arriving afterwards is discarded.
func (s *Sandbox) Run(ctx context.Context, req domain.RunRequest, logger *slog.Logger) (domain.RunOutcome, error) {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := req.ContainerTimeout()
	watchdog := req.WatchdogTimeout()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Buffered so the runner goroutine can always finish even when nobody reads its result.
	results := make(chan runResult, 1)
	go func() {
		out, err := s.execute(runCtx, req, timeout, logger)
		results <- runResult{out, err}
	}()

	timer := time.NewTimer(watchdog)
	defer timer.Stop()

	select {
	case r := <-results:
		return r.outcome, r.err
	case <-timer.C:
		logger.Error("Job watchdog fired; container runtime is not responding", "watchdog", watchdog)
		if s.health != nil {
			s.health.FlagUnhealthy(UnhealthyReason)
		}
		return domain.RunOutcome{}, fmt.Errorf("%w: job timeout of %s exceeded", domain.ErrWatchdogTimeout, watchdog)
	}
}

func (s *Sandbox) execute(ctx context.Context, req domain.RunRequest, timeout time.Duration, logger *slog.Logger) (domain.RunOutcome, error) {
	var out domain.RunOutcome

	logger.Info("Launching Docker container to run grading job", "image", req.Image)
	created, err := s.api.ContainerCreate(ctx, containerConfig(req), hostConfig(req), nil, nil, "grader_"+uuid.NewString())
	if err != nil {
		return out, fmt.Errorf("create container: %w", err)
	}
	id := created.ID
	defer s.remove(id, logger)

	attach, err := s.api.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return out, fmt.Errorf("attach container: %w", err)
	}
	streamed := make(chan struct{})
	go func() {
		defer close(streamed)
		streamLines(attach.Reader, logger)
	}()
	defer func() {
		attach.Close()
		<-streamed
	}()

	if err := s.api.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return out, fmt.Errorf("start container: %w", err)
	}
	out.StartTime = s.now()
	logger.Debug("Started container", "containerID", id)

	waitCh, errCh := s.api.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	kill := time.NewTimer(timeout)
	defer kill.Stop()

	logger.Info("Waiting for container to complete...")
wait:
	for {
		select {
		case resp := <-waitCh:
			if resp.Error != nil {
				return out, fmt.Errorf("wait container: %s", resp.Error.Message)
			}
			break wait
		case err := <-errCh:
			return out, fmt.Errorf("wait container: %w", err)
		case <-kill.C:
			out.TimedOut = true
			if err := s.api.ContainerKill(ctx, id, "SIGKILL"); err != nil {
				logger.Warn("Failed to kill timed out container", "containerID", id, "error", err)
			}
		}
	}
	out.EndTime = s.now()

	info, err := s.api.ContainerInspect(ctx, id)
	if err != nil {
		return out, fmt.Errorf("inspect container: %w", err)
	}
	if info.ContainerJSONBase != nil && info.State != nil {
		out.ExitCode = info.State.ExitCode
	}
	if out.TimedOut {
		logger.Info("Container timed out")
	} else {
		logger.Info("Container exited", "exitCode", out.ExitCode)
	}

	out.Succeeded = !out.TimedOut && out.ExitCode == 0
	return out, nil
}

// remove runs on a fresh context so a canceled job still releases its container.
func (s *Sandbox) remove(id string, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	defer cancel()
	if err := s.api.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		logger.Error("Failed to remove container", "containerID", id, "error", err)
	}
}

func containerConfig(req domain.RunRequest) *container.Config {
	return &container.Config{
		Image:           req.Image,
		Entrypoint:      req.Entrypoint,
		Tty:             true,
		AttachStdout:    true,
		AttachStderr:    true,
		NetworkDisabled: !req.Limits.NetworkEnabled,
		Labels:          map[string]string{"gradex.job_id": req.JobID.String()},
	}
}

func hostConfig(req domain.RunRequest) *container.HostConfig {
	l := req.Limits
	pids := l.PidsLimit
	hc := &container.HostConfig{
		Binds:   []string{req.Bind + ":" + domain.GradeMount},
		IpcMode: container.IPCModePrivate,
		Resources: container.Resources{
			Memory:       l.MemoryBytes,
			MemorySwap:   l.MemorySwapBytes,
			KernelMemory: l.KernelMemoryBytes,
			CPUPeriod:    l.CPUPeriod,
			CPUQuota:     l.CPUQuota,
			PidsLimit:    &pids,
		},
	}
	if !l.NetworkEnabled {
		hc.NetworkMode = container.NetworkMode("none")
	}
	if l.DiskQuotaBytes > 0 {
		hc.StorageOpt = map[string]string{"size": strconv.FormatInt(l.DiskQuotaBytes, 10)}
	}
	return hc
}

// streamLines logs each line of container output. Whatever cannot be scanned is still drained
// so the container never blocks on a full attach pipe.
func streamLines(r io.Reader, logger *slog.Logger) {
	if r == nil {
		return
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		logger.Info("container> " + strings.TrimRight(sc.Text(), "\r"))
	}
	_, _ = io.Copy(io.Discard, r)
}
