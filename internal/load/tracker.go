// Package load estimates the time-averaged number of concurrently running jobs.
package load

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Report is one averaged load sample.
type Report struct {
	InstanceID  string
	QueueName   string
	AverageJobs float64
	MaxJobs     int
}

// Reporter receives load samples. Implementations must not block for long.
type Reporter interface {
	ReportLoad(ctx context.Context, r Report) error
}

// Tracker integrates the current job count over wall-clock time.
type Tracker struct {
	mu sync.Mutex

	instanceID string
	queueName  string
	maxJobs    int
	reporters  []Reporter
	now        func() time.Time

	currentJobs      int
	integratedLoad   float64
	lastEstimateTime time.Time
	lastIncrement    time.Time
}

// Option customizes a Tracker.
type Option func(*Tracker)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a tracker for maxJobs concurrent slots.
func NewTracker(instanceID, queueName string, maxJobs int, reporters []Reporter, opts ...Option) *Tracker {
	t := &Tracker{
		instanceID: instanceID,
		queueName:  queueName,
		maxJobs:    maxJobs,
		reporters:  reporters,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	now := t.now()
	t.lastEstimateTime = now
	t.lastIncrement = now
	return t
}

// StartJob records a job entering a slot. Exceeding maxJobs is a programming error and panics.
func (t *Tracker) StartJob() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addIntegratedLoad()
	t.currentJobs++
	if t.currentJobs > t.maxJobs {
		panic(fmt.Sprintf("load: current jobs %d exceeds max %d", t.currentJobs, t.maxJobs))
	}
}

// EndJob records a job leaving its slot. Going negative panics.
func (t *Tracker) EndJob() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addIntegratedLoad()
	t.currentJobs--
	if t.currentJobs < 0 {
		panic("load: current jobs went negative")
	}
}

// CurrentJobs returns the number of jobs in flight.
func (t *Tracker) CurrentJobs() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.currentJobs
}

// Estimate returns the average load since the previous estimate and resets the accumulator.
func (t *Tracker) Estimate() Report {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addIntegratedLoad()

	now := t.now()
	elapsed := max(time.Millisecond, now.Sub(t.lastEstimateTime)).Seconds()
	avg := t.integratedLoad / elapsed

	t.lastEstimateTime = now
	t.lastIncrement = now
	t.integratedLoad = 0

	return Report{
		InstanceID:  t.instanceID,
		QueueName:   t.queueName,
		AverageJobs: avg,
		MaxJobs:     t.maxJobs,
	}
}

// ReportOnce computes an estimate and hands it to every reporter.
func (t *Tracker) ReportOnce(ctx context.Context) error {
	r := t.Estimate()
	var errs []error
	for _, rep := range t.reporters {
		if err := rep.ReportLoad(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Run reports immediately and then every interval until ctx is canceled.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := t.ReportOnce(ctx); err != nil {
			slog.Error("Error reporting load", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// caller holds t.mu
func (t *Tracker) addIntegratedLoad() {
	now := t.now()
	delta := max(time.Millisecond, now.Sub(t.lastIncrement)).Seconds()
	t.integratedLoad += delta * float64(t.currentJobs)
	t.lastIncrement = now
}
