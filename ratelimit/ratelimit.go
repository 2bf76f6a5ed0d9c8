// Package ratelimit tracks per-identity request counts over a trailing
// window.
package ratelimit

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultMaxRequests   = 30
	DefaultWindow        = 60 * time.Second
	DefaultSweepInterval = 30 * time.Second
)

type Config struct {
	MaxRequests int
	Window      time.Duration
}

func DefaultConfig() Config {
	return Config{MaxRequests: DefaultMaxRequests, Window: DefaultWindow}
}

func (c Config) withDefaults() Config {
	if c.MaxRequests <= 0 {
		c.MaxRequests = DefaultMaxRequests
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	return c
}

// Store decides whether identity may make another request at now. An
// allowed request is recorded; a rejected one is not.
type Store interface {
	Allow(ctx context.Context, identity string, now time.Time) (bool, error)
	// Sweep drops windows with no timestamps younger than the window and
	// returns how many were removed.
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// RunSweeper calls store.Sweep every interval until ctx is done.
func RunSweeper(ctx context.Context, store Store, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			removed, err := store.Sweep(ctx, now)
			if err != nil {
				logger.Warn("rate limit sweep failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				logger.Debug("rate limit sweep", zap.Int("removed", removed))
			}
		}
	}
}
