// Package logging configures the process-wide structured logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/term"
)

// Options controls logger construction.
type Options struct {
	Level  string    // debug, info, warn, error
	File   string    // optional log file, appended to
	Format string    // auto, text, json
	Out    io.Writer // defaults to os.Stderr; ignored when File is set
}

// Configure builds a logger from opts, installs it as the package default,
// and returns it together with a closer for the log file (no-op when
// logging to a stream).
func Configure(opts Options) (*log.Logger, func() error, error) {
	var out io.Writer = os.Stderr
	if opts.Out != nil {
		out = opts.Out
	}
	closer := func() error { return nil }

	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("logging: open %s: %w", opts.File, err)
		}
		out = f
		closer = f.Close
	}

	logger := log.NewWithOptions(out, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.TimeOnly,
		Level:           ParseLevel(opts.Level),
		Formatter:       formatterFor(opts.Format, out),
	})
	if logger.GetLevel() == log.DebugLevel {
		logger.SetReportCaller(true)
	}
	log.SetDefault(logger)
	return logger, closer, nil
}

// ParseLevel converts a level name to a log.Level, defaulting to info.
func ParseLevel(level string) log.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return log.DebugLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

// formatterFor picks the text formatter for terminals and JSON otherwise
// when format is "auto".
func formatterFor(format string, out io.Writer) log.Formatter {
	switch format {
	case "json":
		return log.JSONFormatter
	case "text":
		return log.TextFormatter
	}
	if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return log.TextFormatter
	}
	return log.JSONFormatter
}

// For returns a sub-logger of the default logger tagged with the component
// name, or l itself tagged when l is non-nil.
func For(l *log.Logger, component string) *log.Logger {
	if l == nil {
		l = log.Default()
	}
	return l.WithPrefix(component)
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() *log.Logger {
	return log.New(io.Discard)
}
