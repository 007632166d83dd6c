package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// ShutdownFunc is a function to call during shutdown
type ShutdownFunc func(context.Context) error

// ShutdownManager stops a service in order: the HTTP server first, then the
// registered functions in reverse registration order, so resources opened
// first are released last.
type ShutdownManager struct {
	logger  *Logger
	server  *http.Server
	timeout time.Duration

	mu    sync.Mutex
	funcs []ShutdownFunc
}

// NewShutdownManager creates a new shutdown manager. server may be nil.
func NewShutdownManager(logger *Logger, server *http.Server, timeout time.Duration) *ShutdownManager {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ShutdownManager{
		logger:  logger,
		server:  server,
		timeout: timeout,
	}
}

// RegisterShutdownFunc registers a function to call during shutdown
func (sm *ShutdownManager) RegisterShutdownFunc(fn ShutdownFunc) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.funcs = append(sm.funcs, fn)
}

// WaitForShutdown blocks until SIGINT, SIGTERM or ctx is done, then shuts
// everything down
func (sm *ShutdownManager) WaitForShutdown(ctx context.Context) error {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-sigCtx.Done()
	sm.logger.Info("Starting graceful shutdown")
	return sm.Shutdown()
}

// Shutdown runs the shutdown sequence within the configured timeout
func (sm *ShutdownManager) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), sm.timeout)
	defer cancel()

	var errs []error
	if sm.server != nil {
		if err := sm.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("HTTP server shutdown: %w", err))
		}
	}

	sm.mu.Lock()
	funcs := append([]ShutdownFunc(nil), sm.funcs...)
	sm.mu.Unlock()

	for i := len(funcs) - 1; i >= 0; i-- {
		if ctx.Err() != nil {
			errs = append(errs, fmt.Errorf("shutdown timeout reached with %d functions pending", i+1))
			break
		}
		if err := funcs[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		sm.logger.WithError(err).Error("Shutdown completed with errors")
		return err
	}
	sm.logger.Info("Graceful shutdown complete")
	return nil
}
