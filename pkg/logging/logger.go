// Package logging builds the process slog.Logger from configuration.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Formats understood by NewLogger.
const (
	FormatText   = "text"
	FormatJSON   = "json"
	FormatPretty = "pretty"
)

// Config holds logging configuration.
type Config struct {
	Level  string
	Format string
	// Output defaults to os.Stdout.
	Output io.Writer
	// NoColor disables ANSI colours in the pretty format.
	NoColor bool
}

// NewLogger returns a slog.Logger writing text, JSON or, for the pretty
// format, coloured console lines rendered by zerolog's ConsoleWriter.
func NewLogger(cfg Config) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case FormatJSON:
		return slog.New(slog.NewJSONHandler(out, opts))
	case FormatPretty:
		console := zerolog.ConsoleWriter{
			Out:        out,
			NoColor:    cfg.NoColor,
			TimeFormat: time.RFC3339,
		}
		opts.ReplaceAttr = zerologKeys
		return slog.New(slog.NewJSONHandler(console, opts))
	default:
		return slog.New(slog.NewTextHandler(out, opts))
	}
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// zerologKeys renames slog's built-in keys to the ones ConsoleWriter parses.
func zerologKeys(groups []string, a slog.Attr) slog.Attr {
	if len(groups) > 0 {
		return a
	}
	switch a.Key {
	case slog.MessageKey:
		a.Key = zerolog.MessageFieldName
	case slog.LevelKey:
		a.Key = zerolog.LevelFieldName
		a.Value = slog.StringValue(strings.ToLower(a.Value.String()))
	case slog.TimeKey:
		a.Key = zerolog.TimestampFieldName
		a.Value = slog.StringValue(a.Value.Time().Format(time.RFC3339))
	}
	return a
}
