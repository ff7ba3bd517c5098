// Package throttle enforces per-platform request spacing with jitter and a
// cooldown reacting to server-side slow-down signals.
package throttle

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/bettaflow/mediaspider/internal/config"
	"github.com/bettaflow/mediaspider/internal/model"
	"github.com/bettaflow/mediaspider/pkg/logger"
)

type platformLimiter struct {
	limiter   *rate.Limiter
	coolUntil time.Time
}

// Throttle maintains one token bucket per platform. Concurrent workers on
// the same platform share a bucket; jitter desynchronizes their wakeups.
type Throttle struct {
	cfg config.ThrottleConfig
	log *logger.Logger

	mu       sync.Mutex
	limiters map[model.Platform]*platformLimiter
	now      func() time.Time
}

// New creates a throttle with the configured nominal rate.
func New(cfg config.ThrottleConfig, log *logger.Logger) *Throttle {
	if log == nil {
		log = logger.Default()
	}
	return &Throttle{
		cfg:      cfg,
		log:      log.WithComponent("throttle"),
		limiters: make(map[model.Platform]*platformLimiter),
		now:      time.Now,
	}
}

func (t *Throttle) limiterFor(platform model.Platform) *platformLimiter {
	t.mu.Lock()
	defer t.mu.Unlock()

	pl, ok := t.limiters[platform]
	if !ok {
		pl = &platformLimiter{
			limiter: rate.NewLimiter(rate.Limit(t.cfg.RequestsPerSecond), t.cfg.Burst),
		}
		t.limiters[platform] = pl
	}

	// Restore the nominal rate once the cooldown window has decayed.
	if !pl.coolUntil.IsZero() && t.now().After(pl.coolUntil) {
		pl.limiter.SetLimit(rate.Limit(t.cfg.RequestsPerSecond))
		pl.coolUntil = time.Time{}
		t.log.Info("cooldown ended", "platform", string(platform))
	}
	return pl
}

// Wait draws one token for the platform, suspending until refill plus a
// randomized jitter. It returns early only on context cancellation.
func (t *Throttle) Wait(ctx context.Context, platform model.Platform) error {
	pl := t.limiterFor(platform)

	if err := pl.limiter.Wait(ctx); err != nil {
		return err
	}

	if t.cfg.MaxJitter > 0 {
		jitter := time.Duration(rand.Int63n(int64(t.cfg.MaxJitter)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter):
		}
	}
	return nil
}

// SlowDown halves the platform's refill rate for a cooldown window. Called
// when a crawler sees an explicit rate-limit response or challenge page.
func (t *Throttle) SlowDown(platform model.Platform) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pl, ok := t.limiters[platform]
	if !ok {
		pl = &platformLimiter{
			limiter: rate.NewLimiter(rate.Limit(t.cfg.RequestsPerSecond), t.cfg.Burst),
		}
		t.limiters[platform] = pl
	}

	pl.limiter.SetLimit(rate.Limit(t.cfg.RequestsPerSecond / 2))
	pl.coolUntil = t.now().Add(t.cfg.Cooldown)
	t.log.Warn("entering cooldown", "platform", string(platform), "until", pl.coolUntil)
}

// CoolingDown reports whether the platform is currently in a cooldown window.
func (t *Throttle) CoolingDown(platform model.Platform) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	pl, ok := t.limiters[platform]
	return ok && !pl.coolUntil.IsZero() && t.now().Before(pl.coolUntil)
}
