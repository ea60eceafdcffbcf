package logger

import (
	"log/slog"
	"os"
)

// newStdHandler is the dev backend: plain slog text on stdout, no sampling.
func newStdHandler(cfg Config) slog.Handler {
	lvl := cfg.Level
	if cfg.Debug {
		lvl = slog.LevelDebug
	}

	return slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: cfg.AddSource,
	})
}
