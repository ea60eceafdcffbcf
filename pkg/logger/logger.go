package logger

import "log/slog"

var def *slog.Logger

// Init configures the process-wide slog logger for the given environment.
func Init(cfg Config) {
	if cfg.Env == "" {
		cfg.Env = DetectEnv()
	}
	if cfg.Service == "" {
		cfg.Service = "race-service"
	}
	cfg.InstanceID = ensureInstanceID(cfg.InstanceID)

	// backend default depends on environment
	if cfg.Backend == "" {
		if cfg.Env == EnvDev {
			cfg.Backend = BackendStd
		} else {
			cfg.Backend = BackendZap
		}
	}

	var h slog.Handler
	switch cfg.Backend {
	case BackendZap:
		h = newZapHandler(cfg)
	default:
		h = newStdHandler(cfg)
	}

	h = h.WithAttrs(commonAttr(cfg))

	base := slog.New(h)
	slog.SetDefault(base)
	def = base
}

// L returns the configured logger, initializing with defaults when Init was
// never called (tests, small tools).
func L() *slog.Logger {
	if def != nil {
		return def
	}

	Init(Config{})
	return def
}
