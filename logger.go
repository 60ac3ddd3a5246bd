package g3d

import (
	"log/slog"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/g3d/internal/logging"
)

// SetLogger configures the logger for g3d, its sub-packages and the HAL.
// By default nothing is logged. Pass nil to restore the silent default.
//
// Log levels used by g3d:
//   - [slog.LevelDebug]: allocations, pool reuse, barriers, collected objects
//   - [slog.LevelInfo]: device and engine lifecycle
//   - [slog.LevelWarn]: pool over budget after trimming
//   - [slog.LevelError]: contract violations, right before the panic
//
// Example:
//
//	g3d.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	logging.Set(l)
	hal.SetLogger(logging.Logger())
}

// Logger returns the current logger used by g3d.
func Logger() *slog.Logger {
	return logging.Logger()
}
