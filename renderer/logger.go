package renderer

import (
	"log/slog"

	"github.com/gogpu/g3d/internal/logging"
)

func slogger() *slog.Logger { return logging.Logger() }

// fatalf logs a contract violation and panics.
func fatalf(format string, args ...any) { logging.Fatalf("renderer", format, args...) }
