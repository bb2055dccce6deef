package worker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dontdude/gradex/internal/archive"
	"github.com/dontdude/gradex/internal/domain"
	"github.com/dontdude/gradex/internal/platform/store"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
	getErr  error
	log     bytes.Buffer
}

func newMemStore() *memStore {
	return &memStore{objects: map[string][]byte{}}
}

func (m *memStore) Name() string { return "(mem)" }

func (m *memStore) Get(_ context.Context, name string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	data, ok := m.objects[name]
	if !ok {
		return nil, os.ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memStore) PutBuffer(_ context.Context, name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	m.objects[name] = append([]byte(nil), data...)
	return nil
}

func (m *memStore) PutStream(_ context.Context, name string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	return m.PutBuffer(context.Background(), name, data)
}

func (m *memStore) CreateLogSink(context.Context) (io.WriteCloser, error) {
	return nopWriteCloser{&syncWriter{mu: &m.mu, w: &m.log}}, nil
}

func (m *memStore) object(name string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[name]
	return data, ok
}

type syncWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

type storeProvider struct {
	st  *memStore
	err error
}

func (p storeProvider) ProvideStore(domain.Job) (domain.ArtifactStore, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.st, nil
}

type fakePuller struct {
	err   error
	calls int
}

func (f *fakePuller) EnsureImage(context.Context, string, *slog.Logger) error {
	f.calls++
	return f.err
}

// fakeRunner plays the grading container: it can inspect and write the bound directory.
type fakeRunner struct {
	calls   int
	req     domain.RunRequest
	outcome domain.RunOutcome
	err     error
	results string
	onRun   func(dir string)
}

func (f *fakeRunner) Run(_ context.Context, req domain.RunRequest, logger *slog.Logger) (domain.RunOutcome, error) {
	f.calls++
	f.req = req
	logger.Info("container> grading")
	if f.onRun != nil {
		f.onRun(req.Bind)
	}
	if f.results != "" {
		dir := filepath.Join(req.Bind, "results")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return domain.RunOutcome{}, err
		}
		if err := os.WriteFile(filepath.Join(dir, "results.json"), []byte(f.results), 0o644); err != nil {
			return domain.RunOutcome{}, err
		}
	}
	return f.outcome, f.err
}

type event struct {
	name string
	data any
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []event
	err    error
}

func (r *recordingNotifier) Notify(_ context.Context, _ domain.Job, name string, data any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event{name, data})
	return r.err
}

func (r *recordingNotifier) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		out = append(out, e.name)
	}
	return out
}

type countingObserver struct {
	mu       sync.Mutex
	outcomes []string
}

func (c *countingObserver) ObserveJob(outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes = append(c.outcomes, outcome)
}

func (c *countingObserver) ObserveContainer(float64) {}

// jobArchive builds a job.tar.gz holding the given files.
func jobArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	src := t.TempDir()
	for name, body := range files {
		path := filepath.Join(src, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	}
	var buf bytes.Buffer
	require.NoError(t, archive.Create(&buf, src))
	return buf.Bytes()
}

func stagedStore(t *testing.T) *memStore {
	st := newMemStore()
	st.objects[store.InputName] = jobArchive(t, map[string]string{"run.sh": "#!/bin/sh\necho hi\n"})
	return st
}

type fakeQueue struct {
	mu       sync.Mutex
	messages chan *domain.LeasedMessage
	errs     chan error
	extended []time.Duration
	acked    []domain.JobID
	extendErr error
	closed   bool
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{messages: make(chan *domain.LeasedMessage, 8), errs: make(chan error, 8)}
}

func (q *fakeQueue) ReceiveMessage(ctx context.Context) (*domain.LeasedMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-q.errs:
		return nil, err
	case msg := <-q.messages:
		return msg, nil
	}
}

func (q *fakeQueue) ExtendMessageLease(_ context.Context, _ *domain.LeasedMessage, timeout time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.extended = append(q.extended, timeout)
	return q.extendErr
}

func (q *fakeQueue) AckMessage(_ context.Context, msg *domain.LeasedMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, msg.Job.ID)
	return nil
}

func (q *fakeQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

func (q *fakeQueue) ackedIDs() []domain.JobID {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]domain.JobID(nil), q.acked...)
}

type queueProvider struct {
	queues []*fakeQueue
	next   int
}

func (p *queueProvider) ProvideQueue(context.Context) (domain.QueueClient, error) {
	if p.next >= len(p.queues) {
		return nil, errors.New("no more queues")
	}
	q := p.queues[p.next]
	p.next++
	return q, nil
}

func (p *queueProvider) Close() error { return nil }

type diskProvider struct{ root string }

func (p diskProvider) ProvideStore(job domain.Job) (domain.ArtifactStore, error) {
	return store.NewDiskStore(p.root, job.ID), nil
}

// concurrentRunner holds every run until all have started, then writes a distinct results
// document per run.
type concurrentRunner struct {
	mu      sync.Mutex
	binds   []string
	arrived chan struct{}
	release chan struct{}
	results map[int]string
}

func (c *concurrentRunner) Run(_ context.Context, req domain.RunRequest, _ *slog.Logger) (domain.RunOutcome, error) {
	c.mu.Lock()
	n := len(c.binds)
	c.binds = append(c.binds, req.Bind)
	c.mu.Unlock()

	c.arrived <- struct{}{}
	<-c.release

	dir := filepath.Join(req.Bind, "results")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return domain.RunOutcome{}, err
	}
	if err := os.WriteFile(filepath.Join(dir, "results.json"), []byte(c.results[n]), 0o644); err != nil {
		return domain.RunOutcome{}, err
	}
	start := time.Now()
	return domain.RunOutcome{StartTime: start, EndTime: start.Add(time.Millisecond), Succeeded: true}, nil
}
