package throttle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/bettaflow/mediaspider/internal/config"
	"github.com/bettaflow/mediaspider/internal/model"
	"github.com/bettaflow/mediaspider/pkg/logger"
)

func TestThrottle_BurstThenSuspend(t *testing.T) {
	th := New(config.ThrottleConfig{
		RequestsPerSecond: 10,
		Burst:             3,
		MaxJitter:         0,
	}, logger.Default())
	ctx := context.Background()

	// The first C requests complete without waiting for refill.
	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, th.Wait(ctx, model.PlatformWeibo))
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	// The (C+1)th request measurably suspends for a refill interval.
	start = time.Now()
	require.NoError(t, th.Wait(ctx, model.PlatformWeibo))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestThrottle_WaitCancellable(t *testing.T) {
	th := New(config.ThrottleConfig{
		RequestsPerSecond: 0.001,
		Burst:             1,
		MaxJitter:         0,
	}, logger.Default())

	require.NoError(t, th.Wait(context.Background(), model.PlatformTieba))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := th.Wait(ctx, model.PlatformTieba)
	assert.Error(t, err)
}

func TestThrottle_SlowDownHalvesRate(t *testing.T) {
	th := New(config.ThrottleConfig{
		RequestsPerSecond: 8,
		Burst:             1,
		MaxJitter:         0,
		Cooldown:          time.Minute,
	}, logger.Default())

	require.NoError(t, th.Wait(context.Background(), model.PlatformWeibo))
	th.SlowDown(model.PlatformWeibo)

	assert.True(t, th.CoolingDown(model.PlatformWeibo))

	th.mu.Lock()
	limit := th.limiters[model.PlatformWeibo].limiter.Limit()
	th.mu.Unlock()
	assert.Equal(t, rate.Limit(4), limit)
}

func TestThrottle_CooldownDecays(t *testing.T) {
	th := New(config.ThrottleConfig{
		RequestsPerSecond: 8,
		Burst:             1,
		MaxJitter:         0,
		Cooldown:          time.Minute,
	}, logger.Default())

	now := time.Unix(1000, 0)
	th.now = func() time.Time { return now }

	th.SlowDown(model.PlatformWeibo)
	assert.True(t, th.CoolingDown(model.PlatformWeibo))

	now = now.Add(2 * time.Minute)
	assert.False(t, th.CoolingDown(model.PlatformWeibo))

	// Touching the limiter restores the nominal rate.
	pl := th.limiterFor(model.PlatformWeibo)
	assert.Equal(t, rate.Limit(8), pl.limiter.Limit())
}

func TestThrottle_PerPlatformIsolation(t *testing.T) {
	th := New(config.ThrottleConfig{
		RequestsPerSecond: 8,
		Burst:             1,
		MaxJitter:         0,
		Cooldown:          time.Minute,
	}, logger.Default())

	th.SlowDown(model.PlatformWeibo)
	assert.True(t, th.CoolingDown(model.PlatformWeibo))
	assert.False(t, th.CoolingDown(model.PlatformXiaohongshu))
}
