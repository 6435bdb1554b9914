// Package logging builds the panel's slog logger from configuration.
//
// Text output goes through a colorized console handler, JSON output through
// slog.JSONHandler. An optional log file replaces stdout, and when a Sentry
// DSN is configured error-level records are forwarded to Sentry as well.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/2389/coven-panel/internal/config"
)

// ParseLevel maps a config level name to a slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

// NewHandler returns the console or JSON handler for cfg writing to w.
func NewHandler(cfg config.LoggingConfig, w io.Writer) slog.Handler {
	level := ParseLevel(cfg.Level)
	if strings.EqualFold(cfg.Format, "json") {
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	}
	return newColorHandler(w, level)
}

// Setup builds the process logger, installs it as the slog default and
// returns a cleanup func that flushes Sentry and closes the log file.
func Setup(cfg config.LoggingConfig, release string) (*slog.Logger, func(), error) {
	var out io.Writer = os.Stdout
	var logFile *os.File

	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out = f
		logFile = f
	}

	var handler slog.Handler
	if logFile != nil && !strings.EqualFold(cfg.Format, "json") {
		// No ANSI escapes in files.
		handler = slog.NewTextHandler(out, &slog.HandlerOptions{Level: ParseLevel(cfg.Level)})
	} else {
		handler = NewHandler(cfg, out)
	}

	sentryEnabled := false
	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:     cfg.SentryDSN,
			Release: release,
		})
		if err != nil {
			if logFile != nil {
				logFile.Close()
			}
			return nil, nil, fmt.Errorf("sentry init: %w", err)
		}
		handler = newSentryHandler(handler, func(e *sentry.Event) {
			sentry.CaptureEvent(e)
		})
		sentryEnabled = true
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	cleanup := func() {
		if sentryEnabled {
			sentry.Flush(2 * time.Second)
		}
		if logFile != nil {
			logFile.Sync()
			logFile.Close()
		}
	}
	return logger, cleanup, nil
}
