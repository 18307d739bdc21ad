package observability

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ServiceName is attached to every log line.
const ServiceName = "igeo-bridge"

// LoggingConfig contains logger configuration options.
type LoggingConfig struct {
	// Level is the minimum log level (trace, debug, info, warn, error, fatal, panic).
	Level string

	// Format is the output format (json, console, pretty).
	Format string

	// Output is stdout, stderr or a file path opened for appending.
	Output string

	// AddSource adds source file and line number to log entries.
	AddSource bool

	// TimeFormat is the time format for timestamps.
	TimeFormat string
}

// DefaultLoggingConfig returns the production logging defaults.
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:      "info",
		Format:     "json",
		Output:     "stdout",
		TimeFormat: time.RFC3339,
	}
}

// NewLogger creates the root logger. An output file that cannot be opened
// falls back to stderr with a warning, so the bridge still starts.
func NewLogger(cfg LoggingConfig) zerolog.Logger {
	out, openErr := openOutput(cfg.Output)
	logger := NewLoggerTo(out, cfg)
	if openErr != nil {
		logger.Warn().Err(openErr).Str("output", cfg.Output).Msg("cannot open log file, logging to stderr")
	}
	return logger
}

// NewLoggerTo creates a logger writing to w.
func NewLoggerTo(w io.Writer, cfg LoggingConfig) zerolog.Logger {
	zerolog.TimeFieldFormat = cfg.TimeFormat
	if zerolog.TimeFieldFormat == "" {
		zerolog.TimeFieldFormat = time.RFC3339
	}

	switch strings.ToLower(cfg.Format) {
	case "console", "pretty":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: zerolog.TimeFieldFormat}
	}

	lc := zerolog.New(w).With().Timestamp().Str("service", ServiceName)
	if cfg.AddSource {
		lc = lc.Caller()
	}

	return lc.Logger().Level(parseLevel(cfg.Level))
}

func openOutput(output string) (io.Writer, error) {
	switch strings.ToLower(output) {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return os.Stderr, err
	}
	return f, nil
}

// parseLevel maps a configured level to zerolog, accepting "warning" and
// defaulting to info.
func parseLevel(level string) zerolog.Level {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "warning" {
		level = "warn"
	}
	parsed, err := zerolog.ParseLevel(level)
	if err != nil || parsed == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return parsed
}

// WithComponent tags a logger with the bridge component that owns it.
func WithComponent(logger zerolog.Logger, component string) zerolog.Logger {
	return logger.With().
		Str("component", component).
		Logger()
}

// WithSampleContext adds sample identity fields to a logger.
func WithSampleContext(logger zerolog.Logger, reference, externalID string) zerolog.Logger {
	return logger.With().
		Str("sample_reference", reference).
		Str("external_id", externalID).
		Logger()
}

// WithDeliveryContext adds broker delivery fields to a logger.
func WithDeliveryContext(logger zerolog.Logger, queue string, deliveryTag uint64, messageID string, redelivered bool) zerolog.Logger {
	return logger.With().
		Str("queue", queue).
		Uint64("delivery_tag", deliveryTag).
		Str("message_id", messageID).
		Bool("redelivered", redelivered).
		Logger()
}

// WithWorkerContext adds supervisor worker fields to a logger.
func WithWorkerContext(logger zerolog.Logger, worker string, generation int) zerolog.Logger {
	return logger.With().
		Str("worker", worker).
		Int("generation", generation).
		Logger()
}

// FromContext enriches logger with the correlation id and sample reference
// carried by ctx, when present.
func FromContext(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	lc := logger.With()
	if id := CorrelationIDFromContext(ctx); id != "" {
		lc = lc.Str("correlation_id", id)
	}
	if ref := SampleReferenceFromContext(ctx); ref != "" {
		lc = lc.Str("sample_reference", ref)
	}
	return lc.Logger()
}
