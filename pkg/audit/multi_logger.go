package audit

import (
	"context"
	"fmt"
	"sync"
)

// MultiLogger logs to multiple audit loggers
type MultiLogger struct {
	loggers []Logger
	async   bool // If true, log asynchronously
	wg      sync.WaitGroup
	errChan chan error
}

// NewMultiLogger creates a synchronous multi-logger
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	return &MultiLogger{
		loggers: loggers,
		errChan: make(chan error, len(loggers)*16),
	}
}

// SetAsync sets whether logging should be asynchronous. Errors of
// asynchronous writes are collected by Errors.
func (m *MultiLogger) SetAsync(async bool) {
	m.async = async
}

// Log logs an audit event to all configured loggers
func (m *MultiLogger) Log(ctx context.Context, event *AuditEvent) error {
	if len(m.loggers) == 0 {
		return nil
	}

	if m.async {
		m.logAsync(ctx, event)
		return nil
	}

	return m.logSync(ctx, event)
}

// logSync writes to every logger and returns the first failure
func (m *MultiLogger) logSync(ctx context.Context, event *AuditEvent) error {
	var firstErr error

	for _, logger := range m.loggers {
		if err := logger.Log(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

func (m *MultiLogger) logAsync(ctx context.Context, event *AuditEvent) {
	// detach from the caller's cancellation; the event is already committed
	ctx = context.WithoutCancel(ctx)
	for _, logger := range m.loggers {
		m.wg.Add(1)
		go func(l Logger) {
			defer m.wg.Done()
			if err := l.Log(ctx, event); err != nil {
				select {
				case m.errChan <- err:
				default:
				}
			}
		}(logger)
	}
}

// Wait waits for all async logging operations to complete
func (m *MultiLogger) Wait() {
	m.wg.Wait()
}

// Errors drains the errors of asynchronous writes
func (m *MultiLogger) Errors() []error {
	var errs []error
	for {
		select {
		case err := <-m.errChan:
			errs = append(errs, err)
		default:
			return errs
		}
	}
}

// Close waits for pending writes and closes all loggers
func (m *MultiLogger) Close() error {
	m.wg.Wait()

	var firstErr error
	for _, logger := range m.loggers {
		if err := logger.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close logger: %w", err)
		}
	}
	return firstErr
}
