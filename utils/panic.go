package utils

import (
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"
)

func PanicRecovery(log *zap.Logger) {
	if r := recover(); r != nil {
		log.With(zap.String("stack", string(debug.Stack()))).Error("recovered panic")
	}
}

// RecoverError converts a recovered panic value into an error, or nil.
func RecoverError(r any) error {
	if r == nil {
		return nil
	}
	if err, ok := r.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return fmt.Errorf("panic: %v", r)
}
