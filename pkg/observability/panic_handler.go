package observability

import (
	"runtime/debug"
)

// RecoverPanic recovers a panic in a background goroutine and logs it with
// its stack. Call it deferred; the goroutine then returns normally.
//
//	go func() {
//		defer observability.RecoverPanic(logger, "catalog watcher")
//		...
//	}()
func RecoverPanic(logger *Logger, where string) {
	if r := recover(); r != nil {
		logger.WithFields(map[string]interface{}{
			"panic":   r,
			"stack":   string(debug.Stack()),
			"context": where,
		}).Error("PANIC recovered")
	}
}
