package observability

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestShutdownManager_ReverseOrder(t *testing.T) {
	sm := NewShutdownManager(NewLogger(ErrorLevel, &bytes.Buffer{}), nil, time.Second)

	var order []string
	for _, name := range []string{"store", "cache", "watcher"} {
		name := name
		sm.RegisterShutdownFunc(func(ctx context.Context) error {
			order = append(order, name)
			return nil
		})
	}

	if err := sm.Shutdown(); err != nil {
		t.Fatalf("Expected clean shutdown, got %v", err)
	}
	if got := strings.Join(order, ","); got != "watcher,cache,store" {
		t.Errorf("Expected reverse registration order, got %s", got)
	}
}

func TestShutdownManager_JoinsErrors(t *testing.T) {
	sm := NewShutdownManager(NewLogger(ErrorLevel, &bytes.Buffer{}), nil, time.Second)

	errStore := errors.New("store close failed")
	errCache := errors.New("cache close failed")
	ran := 0
	sm.RegisterShutdownFunc(func(ctx context.Context) error { ran++; return errStore })
	sm.RegisterShutdownFunc(func(ctx context.Context) error { ran++; return nil })
	sm.RegisterShutdownFunc(func(ctx context.Context) error { ran++; return errCache })

	err := sm.Shutdown()
	if !errors.Is(err, errStore) || !errors.Is(err, errCache) {
		t.Errorf("Expected both errors to be joined, got %v", err)
	}
	if ran != 3 {
		t.Errorf("Expected every function to run, ran %d", ran)
	}
}

func TestShutdownManager_Timeout(t *testing.T) {
	sm := NewShutdownManager(NewLogger(ErrorLevel, &bytes.Buffer{}), nil, 20*time.Millisecond)

	skipped := true
	sm.RegisterShutdownFunc(func(ctx context.Context) error {
		skipped = false
		return nil
	})
	sm.RegisterShutdownFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	err := sm.Shutdown()
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
	if !skipped {
		t.Error("Expected the remaining function to be skipped after the timeout")
	}
}

func TestShutdownManager_WaitForShutdown(t *testing.T) {
	sm := NewShutdownManager(NewLogger(ErrorLevel, &bytes.Buffer{}), nil, time.Second)

	called := false
	sm.RegisterShutdownFunc(func(ctx context.Context) error {
		called = true
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := sm.WaitForShutdown(ctx); err != nil {
		t.Fatalf("Expected clean shutdown, got %v", err)
	}
	if !called {
		t.Error("Expected the shutdown function to run")
	}
}

func TestNewShutdownManager_DefaultTimeout(t *testing.T) {
	sm := NewShutdownManager(NewLogger(ErrorLevel, &bytes.Buffer{}), nil, 0)
	if sm.timeout != 30*time.Second {
		t.Errorf("Expected default timeout 30s, got %s", sm.timeout)
	}
}
