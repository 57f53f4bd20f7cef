package relay

import (
	"context"
	"time"

	"chatrelay/internal/metrics"
)

type sessionCloser interface {
	Close(s *Session, cause error)
}

// Heartbeat closes connections that have not sent a ping for longer than
// grace × interval.
type Heartbeat struct {
	registry *Registry
	closer   sessionCloser
	interval time.Duration
	grace    int
	now      func() time.Time
}

func NewHeartbeat(registry *Registry, closer sessionCloser, interval time.Duration, grace int) *Heartbeat {
	if grace < 1 {
		grace = 1
	}
	return &Heartbeat{registry: registry, closer: closer, interval: interval, grace: grace, now: time.Now}
}

// Deadline is how long a connection may stay silent.
func (h *Heartbeat) Deadline() time.Duration {
	return h.interval * time.Duration(h.grace)
}

// Reap closes every session silent for longer than the deadline at now.
func (h *Heartbeat) Reap(now time.Time) int {
	reaped := 0
	limit := h.Deadline()
	for _, s := range h.registry.Sessions() {
		if now.Sub(s.LastSeen()) <= limit {
			continue
		}
		l := s.Logger()
		l.Info().Dur("silent", now.Sub(s.LastSeen())).Msg("heartbeat timeout")
		h.closer.Close(s, ErrHeartbeatTimeout)
		metrics.HeartbeatReapsTotal.Inc()
		reaped++
	}
	return reaped
}

// Run checks liveness twice per interval until ctx is done.
func (h *Heartbeat) Run(ctx context.Context) {
	tick := h.interval / 2
	if tick <= 0 {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Reap(h.now())
		}
	}
}
