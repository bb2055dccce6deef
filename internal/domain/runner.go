package domain

import (
	"context"
	"io"
	"log/slog"
	"time"
)

// GradeMount is where the job's working directory appears inside the container.
const GradeMount = "/grade"

// RunRequest describes one sandboxed container execution.
type RunRequest struct {
	JobID      JobID
	Image      string
	Entrypoint []string

	// Bind is the host side of the /grade mount: a directory path or a named volume.
	Bind string

	Limits  SandboxLimits
	Timeout time.Duration
}

// ContainerTimeout is Timeout, or the default when unset.
func (r RunRequest) ContainerTimeout() time.Duration {
	if r.Timeout <= 0 {
		return DefaultTimeoutSeconds * time.Second
	}
	return r.Timeout
}

// WatchdogTimeout is always twice the container timeout.
func (r RunRequest) WatchdogTimeout() time.Duration {
	return 2 * r.ContainerTimeout()
}

// RunOutcome is what the sandbox observed. TimedOut is set only by the timeout path and is
// never inferred from the exit code.
type RunOutcome struct {
	StartTime time.Time
	EndTime   time.Time
	ExitCode  int
	TimedOut  bool
	Succeeded bool
}

// SandboxRunner executes one container to completion or forced termination. Container output is
// written to logger line by line. It returns an error wrapping ErrWatchdogTimeout when the
// container runtime stops responding.
type SandboxRunner interface {
	Run(ctx context.Context, req RunRequest, logger *slog.Logger) (RunOutcome, error)
}

// ImagePuller refreshes the local image cache before a job runs.
type ImagePuller interface {
	EnsureImage(ctx context.Context, ref string, logger *slog.Logger) error
}

// ArtifactStore is the per-job named blob store.
type ArtifactStore interface {
	Get(ctx context.Context, name string) (io.ReadCloser, error)
	PutBuffer(ctx context.Context, name string, data []byte) error
	PutStream(ctx context.Context, name string, r io.Reader) error
	CreateLogSink(ctx context.Context) (io.WriteCloser, error)
	Name() string
}

// StoreProvider selects the artifact store for a job.
type StoreProvider interface {
	ProvideStore(job Job) (ArtifactStore, error)
}

// CancellationChecker reports whether a job was canceled after submission.
type CancellationChecker interface {
	IsCanceled(ctx context.Context, id JobID) (bool, error)
}

// Event names delivered to callbacks.
const (
	EventJobReceived   = "job_received"
	EventGradingResult = "grading_result"
)

// Notifier performs best-effort delivery of job events.
type Notifier interface {
	Notify(ctx context.Context, job Job, event string, data any) error
}

// HealthSignal is flipped once the host should be replaced.
type HealthSignal interface {
	FlagUnhealthy(reason string)
}
