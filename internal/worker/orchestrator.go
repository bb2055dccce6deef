package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dontdude/gradex/internal/archive"
	"github.com/dontdude/gradex/internal/domain"
	"github.com/dontdude/gradex/internal/load"
	"github.com/dontdude/gradex/internal/logger"
	"github.com/dontdude/gradex/internal/platform/notify"
	"github.com/dontdude/gradex/internal/platform/store"
	"github.com/dontdude/gradex/internal/results"
	"github.com/google/shlex"
	"golang.org/x/sync/errgroup"
)

// Observer receives job outcome samples. *web.Metrics satisfies it.
type Observer interface {
	ObserveJob(outcome string)
	ObserveContainer(seconds float64)
}

// Job outcome labels reported to the Observer.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeTimedOut  = "timed_out"
	OutcomeCanceled  = "canceled"
	OutcomeError     = "error"
	OutcomeWatchdog  = "watchdog"
)

type nopObserver struct{}

func (nopObserver) ObserveJob(string)        {}
func (nopObserver) ObserveContainer(float64) {}

// OrchestratorConfig is the per-deployment part of job execution.
type OrchestratorConfig struct {
	Limits         domain.SandboxLimits
	WorkDir        string
	VolumeName     string
	VolumePath     string
	ConsoleJobLogs bool
}

func (c OrchestratorConfig) sharedVolume() bool {
	return c.VolumeName != "" && c.VolumePath != ""
}

// Deps are the collaborators a job passes through.
type Deps struct {
	Images   domain.ImagePuller
	Runner   domain.SandboxRunner
	Stores   domain.StoreProvider
	Notifier domain.Notifier
	Load     *load.Tracker
	Observer Observer
}

// Orchestrator runs one job from staging to archived results.
type Orchestrator struct {
	cfg  OrchestratorConfig
	deps Deps
	now  func() time.Time
}

func NewOrchestrator(cfg OrchestratorConfig, deps Deps) *Orchestrator {
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	return &Orchestrator{cfg: cfg, deps: deps, now: time.Now}
}

// Run executes job and returns its terminal SandboxResult. An error means the job never reached
// a terminal sandbox outcome: it failed before the container ran, or the watchdog fired.
// The working directory is released on every path.
func (o *Orchestrator) Run(ctx context.Context, job domain.Job) (*domain.SandboxResult, error) {
	received := o.now()

	o.deps.Load.StartJob()
	defer o.deps.Load.EndJob()

	st, err := o.deps.Stores.ProvideStore(job)
	if err != nil {
		return nil, fmt.Errorf("provide file store: %w", err)
	}
	sink, err := st.CreateLogSink(ctx)
	if err != nil {
		return nil, fmt.Errorf("create job log: %w", err)
	}
	jl := logger.NewJobLogger(job.ID, sink, o.cfg.ConsoleJobLogs)
	defer jl.Close()
	log := jl.Logger

	log.Info("Running job", "image", job.Image, "entrypoint", job.Entrypoint, "store", st.Name())
	notify.BestEffort(ctx, o.deps.Notifier, log, job, domain.EventJobReceived, map[string]any{
		"received_time": received,
	})

	argv, err := shlex.Split(job.Entrypoint)
	if err != nil || len(argv) == 0 {
		return nil, fmt.Errorf("split entrypoint %q: %w", job.Entrypoint, errors.Join(domain.ErrInvalidMessage, err))
	}

	workDir, bind, release, err := o.prepareWorkDir(job.ID, log)
	if err != nil {
		return nil, err
	}
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			if err := release(); err != nil {
				log.Error("Failed to clean up working directory", "dir", workDir, "error", err)
			}
		})
	}
	defer cleanup()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return o.deps.Images.EnsureImage(gctx, job.Image, log)
	})
	g.Go(func() error {
		return stageFiles(gctx, st, workDir, argv[0], log)
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	run, err := o.deps.Runner.Run(ctx, domain.RunRequest{
		JobID:      job.ID,
		Image:      job.Image,
		Entrypoint: argv,
		Bind:       bind,
		Limits:     o.limitsFor(job),
		Timeout:    job.ContainerTimeout(),
	}, log)
	if errors.Is(err, domain.ErrWatchdogTimeout) {
		log.Error("Job failed fatally", "error", err)
		return nil, err
	}

	result := &domain.SandboxResult{JobID: job.ID, ReceivedTime: received}
	if err != nil {
		log.Error("Error running job", "error", err)
		result.Message = err.Error()
		if run.TimedOut {
			// The container was killed for its timeout before teardown failed.
			result.TimedOut = true
			result.Message = results.TimeoutMessage(job.TimeoutSeconds())
		}
	} else {
		if !run.StartTime.IsZero() {
			result.StartTime = &run.StartTime
			if run.EndTime.After(run.StartTime) {
				o.deps.Observer.ObserveContainer(run.EndTime.Sub(run.StartTime).Seconds())
			}
		}
		if !run.EndTime.IsZero() {
			result.EndTime = &run.EndTime
		}
		out := results.Extract(workDir, run, job.TimeoutSeconds())
		result.Succeeded = out.Succeeded
		result.TimedOut = run.TimedOut
		result.Message = out.Message
		result.Results = out.Results
	}

	o.storeOutputs(ctx, job, st, workDir, result, log)
	log.Info("Job finished", "succeeded", result.Succeeded, "timedOut", result.TimedOut)
	return result, nil
}

func (o *Orchestrator) limitsFor(job domain.Job) domain.SandboxLimits {
	l := o.cfg.Limits
	l.NetworkEnabled = job.EnableNetworking
	return l
}

// prepareWorkDir returns the host directory to stage into, the host side of the /grade bind and
// the matching release function.
func (o *Orchestrator) prepareWorkDir(id domain.JobID, log *slog.Logger) (string, string, func() error, error) {
	if o.cfg.sharedVolume() {
		log.Debug("Emptying job files directory", "dir", o.cfg.VolumePath)
		if err := emptyDir(o.cfg.VolumePath); err != nil {
			return "", "", nil, fmt.Errorf("empty job files directory: %w", err)
		}
		return o.cfg.VolumePath, o.cfg.VolumeName, func() error { return nil }, nil
	}

	prefix := "job_" + strings.Map(func(r rune) rune {
		if r == '/' || r == os.PathSeparator || r == '*' {
			return '_'
		}
		return r
	}, id.String()) + "_"
	dir, err := os.MkdirTemp(o.cfg.WorkDir, prefix)
	if err != nil {
		return "", "", nil, fmt.Errorf("create temp dir: %w", err)
	}
	log.Debug("Set up temp dir", "dir", dir)
	return dir, dir, func() error { return os.RemoveAll(dir) }, nil
}

func emptyDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return os.MkdirAll(dir, 0o755)
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func stageFiles(ctx context.Context, st domain.ArtifactStore, dir, entrypoint string, log *slog.Logger) error {
	log.Debug("Loading job files")
	rc, err := st.Get(ctx, store.InputName)
	if err != nil {
		return fmt.Errorf("load job files: %w", err)
	}
	defer rc.Close()

	if err := archive.Extract(rc, dir); err != nil {
		return fmt.Errorf("unpack job files: %w", err)
	}

	if err := makeExecutable(dir, entrypoint); err != nil {
		log.Error("Could not make file executable; continuing execution anyways", "entrypoint", entrypoint, "error", err)
	}
	return nil
}

// makeExecutable adds the execute bits to the host copy of a /grade entrypoint.
func makeExecutable(dir, entrypoint string) error {
	rel, ok := strings.CutPrefix(entrypoint, domain.GradeMount+"/")
	if !ok {
		return fmt.Errorf("entrypoint is outside %s", domain.GradeMount)
	}
	target := filepath.Join(dir, filepath.FromSlash(rel))
	if !strings.HasPrefix(target, filepath.Clean(dir)+string(os.PathSeparator)) {
		return fmt.Errorf("entrypoint escapes %s", domain.GradeMount)
	}
	info, err := os.Stat(target)
	if err != nil {
		return err
	}
	return os.Chmod(target, info.Mode().Perm()|0o111)
}

// storeOutputs writes results.json (then the grading_result event) alongside archive.tar.gz.
// Failures are logged and never change the recorded result.
func (o *Orchestrator) storeOutputs(ctx context.Context, job domain.Job, st domain.ArtifactStore, workDir string, result *domain.SandboxResult, log *slog.Logger) {
	var g errgroup.Group
	g.Go(func() error {
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			log.Error("Failed to encode results", "error", err)
			return err
		}
		log.Debug("Storing results.json to file store")
		if err := st.PutBuffer(ctx, store.ResultsName, data); err != nil {
			log.Error("Failed to store results", "error", err)
			return err
		}
		notify.BestEffort(ctx, o.deps.Notifier, log, job, domain.EventGradingResult, result)
		return nil
	})
	g.Go(func() error {
		log.Debug("Storing archive.tar.gz to file store")
		if err := storeArchive(ctx, st, workDir); err != nil {
			log.Error("Failed to store archive", "error", err)
			return err
		}
		return nil
	})
	_ = g.Wait()
}

// storeArchive streams a snapshot of dir into the store. The snapshot goroutine has finished
// when it returns, so dir may be removed afterwards.
func storeArchive(ctx context.Context, st domain.ArtifactStore, dir string) error {
	pr, pw := io.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		pw.CloseWithError(archive.Create(pw, dir))
	}()

	err := st.PutStream(ctx, store.ArchiveName, pr)
	pr.CloseWithError(errors.New("archive upload finished"))
	<-done
	return err
}
