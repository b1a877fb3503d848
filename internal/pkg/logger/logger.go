package logger

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config represents logger configuration
type Config struct {
	Level       string // debug, info, warn, error, fatal
	Environment string // development, production, test
	LogFile     string // optional file path for logs
	Service     string // added to every line as "service"
}

// Init initializes the global logger with the given configuration.
// The returned closer releases the log file, if any.
func Init(cfg Config) (io.Closer, error) {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var out io.Writer = os.Stdout
	if cfg.Environment == "development" || cfg.Environment == "dev" {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
	}

	var closer io.Closer = nopCloser{}
	if cfg.LogFile != "" {
		file, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		// The file always gets JSON so it stays machine readable
		out = zerolog.MultiLevelWriter(out, file)
		closer = file
	}

	fields := zerolog.New(out).With().Timestamp()
	if cfg.Service != "" {
		fields = fields.Str("service", cfg.Service)
	}
	log.Logger = fields.Caller().Logger()

	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// contextKey is the key used to store the logger in context
type contextKey string

const ContextKey contextKey = "logger"

// FromContext returns the logger from context or the global logger
func FromContext(ctx context.Context) *zerolog.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(ContextKey).(*zerolog.Logger); ok && l != nil {
			return l
		}
	}
	return &log.Logger
}

// WithContext returns a context with the logger attached
func WithContext(ctx context.Context, l *zerolog.Logger) context.Context {
	return context.WithValue(ctx, ContextKey, l)
}

// With returns a context whose logger carries an extra string field.
func With(ctx context.Context, key, value string) context.Context {
	l := FromContext(ctx).With().Str(key, value).Logger()
	return WithContext(ctx, &l)
}
