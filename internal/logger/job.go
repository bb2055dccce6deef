package logger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/dontdude/gradex/internal/domain"
)

// JobLogger writes one job's log records to its artifact store sink, optionally mirroring them
// to the console.
type JobLogger struct {
	*slog.Logger

	mu      sync.Mutex
	sink    io.WriteCloser
	failed  bool
	closeMu sync.Once
}

// NewJobLogger builds a logger for job id writing to sink. When console is true records are also
// sent to the process default handler.
func NewJobLogger(id domain.JobID, sink io.WriteCloser, console bool) *JobLogger {
	jl := &JobLogger{sink: sink}
	var h slog.Handler = slog.NewTextHandler(jl.writer(), &slog.HandlerOptions{Level: slog.LevelDebug})
	if console {
		h = fanout{h, slog.Default().Handler()}
	}
	jl.Logger = slog.New(h).With("jobID", id.String())
	return jl
}

// Close flushes and closes the sink. It is safe to call more than once.
func (l *JobLogger) Close() error {
	var err error
	l.closeMu.Do(func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		err = l.sink.Close()
	})
	return err
}

func (l *JobLogger) writer() io.Writer {
	return sinkWriter{l}
}

// sinkWriter never fails the caller. The first write error is reported on the global logger
// and later writes are dropped.
type sinkWriter struct{ l *JobLogger }

func (w sinkWriter) Write(p []byte) (int, error) {
	w.l.mu.Lock()
	defer w.l.mu.Unlock()
	if w.l.failed {
		return len(p), nil
	}
	if _, err := w.l.sink.Write(p); err != nil {
		w.l.failed = true
		slog.Error("Job log sink write failed", "error", err)
	}
	return len(p), nil
}

type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}
