// Package notify delivers job events to callbacks and event buses.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dontdude/gradex/internal/domain"
)

// Event is the body posted to webhooks and published on event buses.
type Event struct {
	Event     string       `json:"event"`
	JobID     domain.JobID `json:"job_id"`
	Data      any          `json:"data"`
	CSRFToken string       `json:"__csrf_token,omitempty"`
}

func newEvent(job domain.Job, event string, data any) Event {
	return Event{Event: event, JobID: job.ID, Data: data, CSRFToken: job.CSRFToken}
}

// Multi fans an event out to every configured notifier. One sink failing never stops the others.
type Multi []domain.Notifier

var _ domain.Notifier = Multi(nil)

func (m Multi) Notify(ctx context.Context, job domain.Job, event string, data any) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, job, event, data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Closer is implemented by notifiers holding a connection.
type Closer interface {
	Close() error
}

// Close releases every notifier that holds resources.
func (m Multi) Close() error {
	var errs []error
	for _, n := range m {
		if c, ok := n.(Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %T: %w", n, err))
			}
		}
	}
	return errors.Join(errs...)
}

// BestEffort logs delivery failures instead of returning them.
func BestEffort(ctx context.Context, n domain.Notifier, logger *slog.Logger, job domain.Job, event string, data any) {
	if n == nil {
		return
	}
	if err := n.Notify(ctx, job, event, data); err != nil {
		logger.Error("Failed to deliver job event", "event", event, "error", err)
	}
}
