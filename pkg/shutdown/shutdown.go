// Package shutdown provides graceful shutdown handling.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bettaflow/mediaspider/pkg/logger"
)

// CleanupFunc is a function called during shutdown.
type CleanupFunc func(ctx context.Context) error

// Handler manages graceful shutdown of multiple components.
type Handler struct {
	log      *logger.Logger
	timeout  time.Duration
	cleanups []CleanupFunc
	mu       sync.Mutex
	once     sync.Once
}

// New creates a new shutdown handler.
func New(log *logger.Logger, timeout time.Duration) *Handler {
	return &Handler{
		log:     log.WithComponent("shutdown"),
		timeout: timeout,
	}
}

// RegisterNamed adds a named cleanup function. Cleanups run in LIFO order so
// the orchestrator stops before the sinks and connections it writes through.
func (h *Handler) RegisterNamed(name string, fn CleanupFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cleanups = append(h.cleanups, func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			h.log.WithError(err).Error("component shutdown failed", "name", name)
			return err
		}
		h.log.Info("component shut down", "name", name)
		return nil
	})
}

// Wait blocks until a shutdown signal is received, then performs cleanup.
func (h *Handler) Wait() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	h.log.Info("received shutdown signal", "signal", sig.String())
	h.Shutdown()
}

// Shutdown runs all registered cleanups in LIFO order, bounded by the
// handler timeout. Only the first call runs the cleanups; later calls are
// no-ops so callers racing a signal never tear components down twice.
func (h *Handler) Shutdown() {
	h.once.Do(h.shutdown)
}

func (h *Handler) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	h.mu.Lock()
	cleanups := make([]CleanupFunc, len(h.cleanups))
	copy(cleanups, h.cleanups)
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := len(cleanups) - 1; i >= 0; i-- {
			_ = cleanups[i](ctx)
		}
	}()

	select {
	case <-done:
		h.log.Info("graceful shutdown completed")
	case <-ctx.Done():
		h.log.Warn("shutdown timed out, forcing exit")
	}
}
