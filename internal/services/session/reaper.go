package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/mcoot/masquerade-go/internal/dependencies/clock"
	"github.com/mcoot/masquerade-go/internal/model"
)

// ReapIdle tears down every session with no activity for the idle timeout,
// players or not. Returns how many sessions were closed.
func (c *Controller) ReapIdle(ctx context.Context) int {
	if c.cfg.IdleTimeout <= 0 {
		return 0
	}

	now := c.clock.Now()
	reaped := 0
	for _, e := range c.entriesInOrder() {
		if ctx.Err() != nil {
			break
		}
		e.mu.Lock()
		if !e.closed && now.Sub(e.session.LastActivityAt) >= c.cfg.IdleTimeout {
			c.teardownLocked(e, model.CloseReasonIdle)
			reaped++
		}
		e.mu.Unlock()
	}

	if reaped > 0 {
		c.logger.Info("reaped idle sessions", slog.Int("count", reaped))
	}
	return reaped
}

// RunReaper calls ReapIdle every interval until ctx is done
func (c *Controller) RunReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 || c.cfg.IdleTimeout <= 0 {
		return
	}

	clock.Every(ctx, c.clock, interval, func() {
		c.ReapIdle(ctx)
	})
}

// CloseAll tears down every live session, telling its players why
func (c *Controller) CloseAll(ctx context.Context, reason model.CloseReason) int {
	closed := 0
	for _, e := range c.entriesInOrder() {
		e.mu.Lock()
		if !e.closed {
			c.teardownLocked(e, reason)
			closed++
		}
		e.mu.Unlock()
	}
	return closed
}
