package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/aipilotbyjd/taskengine/internal/platform/response"
)

// RecoveryConfig holds recovery middleware configuration
type RecoveryConfig struct {
	Logger     Logger
	StackTrace bool
}

// Recovery creates panic recovery middleware, converting a panic in any
// downstream handler (including a task-execution handler that forgot Safe
// mode) into a logged 500 instead of a crashed listener.
func Recovery(config *RecoveryConfig) func(http.Handler) http.Handler {
	if config == nil {
		config = &RecoveryConfig{StackTrace: true}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					var stack string
					if config.StackTrace {
						stack = string(debug.Stack())
					}

					if config.Logger != nil {
						config.Logger.Error("panic recovered",
							"error", err,
							"path", r.URL.Path,
							"method", r.Method,
							"stack", stack,
						)
					}

					response.Error(w, response.ErrInternal)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// RecoveryWithLogger creates recovery middleware with a logger
func RecoveryWithLogger(logger Logger) func(http.Handler) http.Handler {
	return Recovery(&RecoveryConfig{
		Logger:     logger,
		StackTrace: true,
	})
}
