// Package worker runs grading jobs pulled from the queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dontdude/gradex/internal/domain"
)

// receiveRetryDelay spaces out receive attempts after a backend error.
const receiveRetryDelay = time.Second

// JobRunner executes one job to a terminal result. *Orchestrator satisfies it.
type JobRunner interface {
	Run(ctx context.Context, job domain.Job) (*domain.SandboxResult, error)
}

// PoolConfig sizes the pool and the lease requested for each job.
type PoolConfig struct {
	Concurrency   int
	LeaseOverhead time.Duration
}

// Pool runs a fixed number of independent consumption loops. Each loop owns one queue handle
// and has at most one job in flight; there is no buffering between loops.
type Pool struct {
	cfg      PoolConfig
	queues   domain.QueueProvider
	jobs     JobRunner
	canceled domain.CancellationChecker
	observer Observer

	wg sync.WaitGroup
}

// NewPool builds a pool. canceled may be nil when no database is configured.
func NewPool(cfg PoolConfig, queues domain.QueueProvider, jobs JobRunner, canceled domain.CancellationChecker, observer Observer) *Pool {
	if observer == nil {
		observer = nopObserver{}
	}
	return &Pool{
		cfg:      cfg,
		queues:   queues,
		jobs:     jobs,
		canceled: canceled,
		observer: observer,
	}
}

// Start opens one queue handle per loop and spawns the loops. It returns immediately.
// Canceling ctx stops receiving; jobs already running are finished first.
func (p *Pool) Start(ctx context.Context) error {
	slog.Info("Starting worker pool", "concurrency", p.cfg.Concurrency)

	handles := make([]domain.QueueClient, 0, p.cfg.Concurrency)
	for i := 0; i < p.cfg.Concurrency; i++ {
		q, err := p.queues.ProvideQueue(ctx)
		if err != nil {
			for _, h := range handles {
				_ = h.Close()
			}
			return fmt.Errorf("open queue handle %d: %w", i, err)
		}
		handles = append(handles, q)
	}

	for i, q := range handles {
		p.wg.Add(1)
		go p.loop(ctx, i, q)
	}
	return nil
}

// Wait blocks until every loop has exited or timeout elapses. It reports whether the pool drained.
func (p *Pool) Wait(timeout time.Duration) bool {
	slog.Info("Stopping worker pool, waiting for jobs to drain...")
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Worker pool stopped")
		return true
	case <-time.After(timeout):
		slog.Warn("Worker pool did not drain before the shutdown timeout", "timeout", timeout)
		return false
	}
}

func (p *Pool) loop(ctx context.Context, id int, q domain.QueueClient) {
	defer p.wg.Done()
	defer q.Close()
	slog.Info("Worker started", "workerID", id)

	for {
		slog.Info("Waiting for next job...", "workerID", id)
		msg, err := q.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, domain.ErrInvalidMessage) {
				slog.Error("Message did not match schema", "workerID", id, "error", err)
				continue
			}
			slog.Error("Error receiving message", "workerID", id, "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(receiveRetryDelay):
			}
			continue
		}

		// Shutdown stops receiving, never a job in progress.
		if err := p.handle(context.WithoutCancel(ctx), q, msg); err != nil {
			slog.Error("Job errored", "workerID", id, "jobID", msg.Job.ID, "error", err)
		}
	}

	slog.Info("Worker stopped", "workerID", id)
}

// handle carries one received message to ack or deliberate non-ack. A returned error means the
// message was left for redelivery.
func (p *Pool) handle(ctx context.Context, q domain.QueueClient, msg *domain.LeasedMessage) error {
	job := msg.Job
	log := slog.With("jobID", job.ID)

	lease := job.ContainerTimeout() + p.cfg.LeaseOverhead
	if err := q.ExtendMessageLease(ctx, msg, lease); err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}

	if p.canceled != nil {
		canceled, err := p.canceled.IsCanceled(ctx, job.ID)
		if err != nil {
			return fmt.Errorf("check cancelation: %w", err)
		}
		if canceled {
			log.Info("Job was canceled; skipping job")
			p.observer.ObserveJob(OutcomeCanceled)
			return p.ack(ctx, q, msg)
		}
	}

	result, err := p.jobs.Run(ctx, job)
	if err != nil {
		if errors.Is(err, domain.ErrWatchdogTimeout) {
			p.observer.ObserveJob(OutcomeWatchdog)
		} else {
			p.observer.ObserveJob(OutcomeError)
		}
		return err
	}

	switch {
	case result.Succeeded:
		p.observer.ObserveJob(OutcomeSucceeded)
	case result.TimedOut:
		p.observer.ObserveJob(OutcomeTimedOut)
	default:
		p.observer.ObserveJob(OutcomeFailed)
	}
	log.Info("Job finished successfully", "succeeded", result.Succeeded)
	return p.ack(ctx, q, msg)
}

func (p *Pool) ack(ctx context.Context, q domain.QueueClient, msg *domain.LeasedMessage) error {
	if err := q.AckMessage(ctx, msg); err != nil {
		return fmt.Errorf("ack message: %w", err)
	}
	return nil
}
