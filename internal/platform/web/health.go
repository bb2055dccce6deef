package web

import (
	"log/slog"
	"sync"

	"github.com/dontdude/gradex/internal/domain"
)

// Health is the process health flag polled by the host supervisor. Once flagged it stays
// unhealthy; the host is expected to be replaced.
type Health struct {
	mu      sync.RWMutex
	healthy bool
	reason  string
}

var _ domain.HealthSignal = (*Health)(nil)

func NewHealth() *Health {
	return &Health{healthy: true}
}

// FlagUnhealthy records the first reason and ignores later ones.
func (h *Health) FlagUnhealthy(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.healthy {
		return
	}
	h.healthy = false
	h.reason = reason
	slog.Error("Flagging host as unhealthy", "reason", reason)
}

// Status returns the current state and, when unhealthy, why.
func (h *Health) Status() (bool, string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.healthy, h.reason
}
