package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dontdude/gradex/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubJobs struct {
	mu    sync.Mutex
	ran   []domain.JobID
	res   *domain.SandboxResult
	err   error
	delay time.Duration
}

func (s *stubJobs) Run(ctx context.Context, job domain.Job) (*domain.SandboxResult, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ran = append(s.ran, job.ID)
	if s.err != nil {
		return nil, s.err
	}
	if s.res != nil {
		return s.res, nil
	}
	return &domain.SandboxResult{JobID: job.ID, Succeeded: true}, nil
}

func (s *stubJobs) runIDs() []domain.JobID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.JobID(nil), s.ran...)
}

type stubCancel struct {
	canceled bool
	err      error
	checked  int
}

func (s *stubCancel) IsCanceled(context.Context, domain.JobID) (bool, error) {
	s.checked++
	return s.canceled, s.err
}

func leased(id domain.JobID) *domain.LeasedMessage {
	return &domain.LeasedMessage{Job: domain.Job{ID: id, Image: "x", Entrypoint: "/grade/run.sh", Timeout: 5}}
}

func newTestPool(jobs JobRunner, canceled domain.CancellationChecker, obs Observer) *Pool {
	return NewPool(PoolConfig{Concurrency: 1, LeaseOverhead: 30 * time.Second}, nil, jobs, canceled, obs)
}

func TestHandleAcksTerminalOutcome(t *testing.T) {
	for _, res := range []*domain.SandboxResult{
		{Succeeded: true},
		{TimedOut: true, Message: "Grading timed out after 5 seconds."},
		{Message: "Could not parse the grading results."},
	} {
		q := newFakeQueue()
		obs := &countingObserver{}
		p := newTestPool(&stubJobs{res: res}, nil, obs)

		require.NoError(t, p.handle(context.Background(), q, leased("1")))
		assert.Equal(t, []domain.JobID{"1"}, q.ackedIDs())
		assert.Equal(t, []time.Duration{35 * time.Second}, q.extended)
		assert.Len(t, obs.outcomes, 1)
	}
}

func TestHandleLeaseUsesDefaultTimeout(t *testing.T) {
	q := newFakeQueue()
	msg := leased("1")
	msg.Job.Timeout = 0

	require.NoError(t, newTestPool(&stubJobs{}, nil, nil).handle(context.Background(), q, msg))
	assert.Equal(t, []time.Duration{60 * time.Second}, q.extended)
}

func TestHandleCanceledJobIsAckedWithoutRunning(t *testing.T) {
	q := newFakeQueue()
	jobs := &stubJobs{}
	canceled := &stubCancel{canceled: true}
	obs := &countingObserver{}

	require.NoError(t, newTestPool(jobs, canceled, obs).handle(context.Background(), q, leased("1")))
	assert.Empty(t, jobs.runIDs())
	assert.Equal(t, []domain.JobID{"1"}, q.ackedIDs())
	assert.Len(t, q.extended, 1, "lease is extended before the cancelation check")
	assert.Equal(t, []string{OutcomeCanceled}, obs.outcomes)
}

func TestHandleLeavesMessageOnFailure(t *testing.T) {
	cases := map[string]struct {
		queue    func(*fakeQueue)
		jobs     *stubJobs
		canceled *stubCancel
		outcome  string
	}{
		"extend":   {queue: func(q *fakeQueue) { q.extendErr = errors.New("gone") }, jobs: &stubJobs{}},
		"cancel":   {jobs: &stubJobs{}, canceled: &stubCancel{err: errors.New("db down")}},
		"staging":  {jobs: &stubJobs{err: errors.New("load job files: denied")}, outcome: OutcomeError},
		"watchdog": {jobs: &stubJobs{err: fmt.Errorf("%w: job timeout of 10s exceeded", domain.ErrWatchdogTimeout)}, outcome: OutcomeWatchdog},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			q := newFakeQueue()
			if tc.queue != nil {
				tc.queue(q)
			}
			obs := &countingObserver{}
			var checker domain.CancellationChecker
			if tc.canceled != nil {
				checker = tc.canceled
			}

			err := newTestPool(tc.jobs, checker, obs).handle(context.Background(), q, leased("1"))
			require.Error(t, err)
			assert.Empty(t, q.ackedIDs())
			if tc.outcome != "" {
				assert.Equal(t, []string{tc.outcome}, obs.outcomes)
			}
		})
	}
}

func TestPoolLoopsAndShutdown(t *testing.T) {
	q1, q2 := newFakeQueue(), newFakeQueue()
	jobs := &stubJobs{delay: 20 * time.Millisecond}
	p := NewPool(PoolConfig{Concurrency: 2, LeaseOverhead: 30 * time.Second},
		&queueProvider{queues: []*fakeQueue{q1, q2}}, jobs, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.Start(ctx))

	q1.errs <- fmt.Errorf("%w: missing image", domain.ErrInvalidMessage)
	q1.messages <- leased("a")
	q2.messages <- leased("b")

	require.Eventually(t, func() bool {
		return len(q1.ackedIDs()) == 1 && len(q2.ackedIDs()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, []domain.JobID{"a", "b"}, jobs.runIDs())

	cancel()
	assert.True(t, p.Wait(2*time.Second))
	assert.True(t, q1.closed)
	assert.True(t, q2.closed)
}

func TestPoolFinishesInFlightJobOnShutdown(t *testing.T) {
	q := newFakeQueue()
	started := make(chan struct{})
	jobs := &blockingJobs{started: started, release: make(chan struct{})}
	p := NewPool(PoolConfig{Concurrency: 1, LeaseOverhead: 30 * time.Second},
		&queueProvider{queues: []*fakeQueue{q}}, jobs, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.Start(ctx))
	q.messages <- leased("slow")
	<-started

	cancel()
	assert.False(t, p.Wait(50*time.Millisecond), "a running job holds the pool open")
	close(jobs.release)
	assert.True(t, p.Wait(2*time.Second))
	assert.Equal(t, []domain.JobID{"slow"}, q.ackedIDs())
}

type blockingJobs struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingJobs) Run(ctx context.Context, job domain.Job) (*domain.SandboxResult, error) {
	close(b.started)
	<-b.release
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return &domain.SandboxResult{JobID: job.ID, Succeeded: true}, nil
}

func TestPoolStartFailsWithoutQueues(t *testing.T) {
	p := NewPool(PoolConfig{Concurrency: 2}, &queueProvider{queues: []*fakeQueue{newFakeQueue()}}, &stubJobs{}, nil, nil)
	assert.Error(t, p.Start(context.Background()))
}
