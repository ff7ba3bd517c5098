package shutdown

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/bettaflow/mediaspider/pkg/logger"
)

func TestShutdown_RunsCleanupsOnce(t *testing.T) {
	h := New(logger.Default(), time.Second)

	var calls int32
	h.RegisterNamed("counter", func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	h.Shutdown()
	h.Shutdown()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "repeated Shutdown must not re-run cleanups")
}

func TestShutdown_LIFOOrder(t *testing.T) {
	h := New(logger.Default(), time.Second)

	var order []string
	h.RegisterNamed("first", func(context.Context) error {
		order = append(order, "first")
		return nil
	})
	h.RegisterNamed("second", func(context.Context) error {
		order = append(order, "second")
		return nil
	})

	h.Shutdown()

	assert.Equal(t, []string{"second", "first"}, order)
}

func TestShutdown_TimeoutDoesNotBlockForever(t *testing.T) {
	h := New(logger.Default(), 50*time.Millisecond)

	h.RegisterNamed("stuck", func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(5 * time.Second)
		return ctx.Err()
	})

	done := make(chan struct{})
	go func() {
		h.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Shutdown did not honor its timeout")
	}
}
