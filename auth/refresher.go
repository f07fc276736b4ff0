package auth

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"
)

// StartRefresher launches a goroutine that periodically checks the cached
// credential and refreshes it once its remaining lifetime drops to window.
// Current still refreshes on demand.
func (m *Manager) StartRefresher(ctx context.Context, interval, window time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= m.cfg.RefreshMargin {
		window = m.cfg.RefreshMargin + 10*time.Minute
	}
	go func() {
		for {
			// per-iteration jitter (±20% of interval)
			jitterRange := int64(interval / 5)
			//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
			jitter := time.Duration(rand.Int63n(jitterRange*2+1) - jitterRange)
			select {
			case <-ctx.Done():
				return
			case <-m.clock.After(interval + jitter):
			}
			m.refreshIfDue(ctx, window)
		}
	}()
}

func (m *Manager) refreshIfDue(ctx context.Context, window time.Duration) {
	m.mu.RLock()
	c, revoked := m.cred, m.revoked
	m.mu.RUnlock()
	if revoked || c.IsZero() || !c.Refreshable() {
		return
	}
	if c.ExpiresAt.Sub(m.clock.Now()) > window {
		return
	}
	ctx2, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := m.refresh(ctx2, c.AccessToken, true); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("background token refresh failed", slog.Any("err", err), slog.String("component", "auth"))
	}
}
