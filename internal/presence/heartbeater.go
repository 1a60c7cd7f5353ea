package presence

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Heartbeater runs the per-connection heartbeat loop: one immediate write on
// start, then one every interval until the context is cancelled, then a
// single offline write.
type Heartbeater struct {
	registry *Registry
	interval time.Duration
}

// NewHeartbeater creates a loop runner against the registry.
func NewHeartbeater(registry *Registry, interval time.Duration) *Heartbeater {
	return &Heartbeater{registry: registry, interval: interval}
}

// Run blocks until ctx is cancelled. Write failures are logged and retried
// on the next tick.
func (h *Heartbeater) Run(ctx context.Context, userID, sessionID string, companies []string) {
	log := h.registry.logger.WithUserID(userID)
	if err := h.registry.Heartbeat(ctx, userID, sessionID, companies); err != nil {
		log.Warn("initial heartbeat failed", zap.Error(err))
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// The connection is gone; use a fresh context for the last write.
			offCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := h.registry.MarkOffline(offCtx, userID); err != nil {
				log.Warn("offline write failed", zap.Error(err))
			}
			cancel()
			return
		case <-ticker.C:
			if err := h.registry.Heartbeat(ctx, userID, sessionID, companies); err != nil {
				log.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}
