// Package observability provides logging for recoder.
package observability

import (
	"io"
	"log/slog"
	"os"
	"regexp"
	"time"

	"github.com/m-mizutani/masq"
)

// urlSensitiveParamPattern matches sensitive query parameters in URLs.
// Segment URLs handed to the demuxer frequently carry access tokens.
var urlSensitiveParamPattern = regexp.MustCompile(`(?i)(password|secret|token|apikey|api_key|credential)=([^&\s"']+)`)

// GlobalLogLevel is the shared log level that can be changed at runtime.
// Use SetLevel to modify this value.
var GlobalLogLevel = &slog.LevelVar{}

// Level is a codec-library log level. The ordering follows the underlying
// library's convention: higher values are more verbose.
type Level int

// Codec-library log levels accepted by Init and SetLevel.
const (
	LevelQuiet Level = iota
	LevelPanic
	LevelFatal
	LevelError
	LevelWarning
	LevelInfo
	LevelVerbose
	LevelDebug
	LevelTrace
)

// String returns the lowercase level name.
func (l Level) String() string {
	switch l {
	case LevelQuiet:
		return "quiet"
	case LevelPanic:
		return "panic"
	case LevelFatal:
		return "fatal"
	case LevelError:
		return "error"
	case LevelWarning:
		return "warning"
	case LevelInfo:
		return "info"
	case LevelVerbose:
		return "verbose"
	case LevelDebug:
		return "debug"
	case LevelTrace:
		return "trace"
	}
	return "info"
}

// ParseLevel converts a level name into a Level. Unknown names map to info.
func ParseLevel(s string) Level {
	switch s {
	case "quiet":
		return LevelQuiet
	case "panic":
		return LevelPanic
	case "fatal":
		return LevelFatal
	case "error":
		return LevelError
	case "warning", "warn":
		return LevelWarning
	case "verbose":
		return LevelVerbose
	case "debug":
		return LevelDebug
	case "trace":
		return LevelTrace
	default:
		return LevelInfo
	}
}

// slogLevel maps a codec-library level onto the slog scale. Quiet maps above
// every level slog will ever emit, so nothing passes the handler.
func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelQuiet:
		return slog.LevelError + 64
	case LevelPanic, LevelFatal, LevelError:
		return slog.LevelError
	case LevelWarning:
		return slog.LevelWarn
	case LevelInfo:
		return slog.LevelInfo
	case LevelVerbose:
		return slog.LevelInfo - 2
	case LevelDebug:
		return slog.LevelDebug
	case LevelTrace:
		return slog.LevelDebug - 4
	}
	return slog.LevelInfo
}

// Init performs the process-wide logging initialisation. It is the analogue
// of the codec library's global init call: the maximum log level is the only
// input. Call once per process before creating sessions.
func Init(level Level) {
	GlobalLogLevel.Set(level.slogLevel())
}

// SetLevel changes the global log level at runtime.
func SetLevel(level Level) {
	GlobalLogLevel.Set(level.slogLevel())
}

// Config controls logger construction.
type Config struct {
	Level      string `mapstructure:"level"`       // quiet..trace
	Format     string `mapstructure:"format"`      // json or text
	AddSource  bool   `mapstructure:"add_source"`  // annotate records with file:line
	TimeFormat string `mapstructure:"time_format"` // optional time layout override
}

// sensitiveFieldRedactor creates a masq redactor for sensitive field names.
func sensitiveFieldRedactor() func(groups []string, a slog.Attr) slog.Attr {
	return masq.New(
		masq.WithFieldName("password"),
		masq.WithFieldName("Password"),
		masq.WithFieldName("secret"),
		masq.WithFieldName("Secret"),
		masq.WithFieldName("token"),
		masq.WithFieldName("Token"),
		masq.WithFieldName("apikey"),
		masq.WithFieldName("ApiKey"),
		masq.WithFieldName("credential"),
		masq.WithFieldName("Credential"),
	)
}

// redactURLParams redacts sensitive query parameters from URL strings.
func redactURLParams(s string) string {
	return urlSensitiveParamPattern.ReplaceAllString(s, "$1=[REDACTED]")
}

// NewLogger creates a new slog.Logger based on the provided configuration.
func NewLogger(cfg Config) *slog.Logger {
	return NewLoggerWithWriter(cfg, os.Stdout)
}

// NewLoggerWithWriter creates a new slog.Logger that writes to the provided
// writer. The logger uses GlobalLogLevel for dynamic level changes; sensitive
// fields and URL query parameters are redacted.
func NewLoggerWithWriter(cfg Config, w io.Writer) *slog.Logger {
	GlobalLogLevel.Set(ParseLevel(cfg.Level).slogLevel())

	redactor := sensitiveFieldRedactor()

	opts := &slog.HandlerOptions{
		Level:     GlobalLogLevel,
		AddSource: cfg.AddSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			a = redactor(groups, a)

			if a.Value.Kind() == slog.KindString {
				str := a.Value.String()
				redacted := redactURLParams(str)
				if redacted != str {
					a = slog.String(a.Key, redacted)
				}
			}

			if a.Key == slog.TimeKey && cfg.TimeFormat != "" {
				if t, ok := a.Value.Any().(time.Time); ok {
					return slog.String(slog.TimeKey, t.Format(cfg.TimeFormat))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler)
}

// WithComponent adds a component name to the logger for identifying the source.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With(slog.String("component", component))
}

// WithSession adds a session identifier to the logger.
func WithSession(logger *slog.Logger, id string) *slog.Logger {
	return logger.With(slog.String("session_id", id))
}
