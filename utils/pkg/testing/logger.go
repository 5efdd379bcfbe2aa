package reclaimertesting

import (
	"log/slog"
	"os"

	"github.com/malbeclabs/reclaimer/utils/pkg/logger"
)

// NewLogger returns an uncolored stderr logger for tests. DEBUG=1 shows info, DEBUG=2 debug,
// and DEBUG=json switches to JSON lines at debug level; otherwise only errors are shown.
func NewLogger() *slog.Logger {
	level := slog.LevelError
	format := logger.FormatText
	switch os.Getenv("DEBUG") {
	case "json":
		level, format = slog.LevelDebug, logger.FormatJSON
	case "2":
		level = slog.LevelDebug
	case "1":
		level = slog.LevelInfo
	}
	return logger.NewWithOptions(logger.Options{
		Level:   &level,
		Format:  format,
		Writer:  os.Stderr,
		NoColor: true,
	})
}
